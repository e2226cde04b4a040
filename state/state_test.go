package state

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucache/internal/bitkey"
)

func TestRenderStateKeyStable(t *testing.T) {
	s := DefaultRenderState()
	a, err := s.Key()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := s.Key()
	if a != b {
		t.Errorf("Key() = %#x then %#x", a, b)
	}
}

func TestRenderStateKeySensitivity(t *testing.T) {
	base := DefaultRenderState()
	baseKey, err := base.Key()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(*RenderState)
	}{
		{"blend mode", func(s *RenderState) { s.Blend = BlendAdd }},
		{"blend off", func(s *RenderState) { s.BlendEnabled = false }},
		{"depth test", func(s *RenderState) { s.DepthTest = true; s.DepthCompare = gputypes.CompareFunctionLess }},
		{"depth write", func(s *RenderState) { s.DepthWrite = true }},
		{"depth bias", func(s *RenderState) { s.DepthBias = DepthBias{Constant: 2, SlopeScale: 1} }},
		{"cull back", func(s *RenderState) { s.CullMode = gputypes.CullModeBack }},
		{"cull front", func(s *RenderState) { s.CullMode = gputypes.CullModeFront }},
		{"clockwise", func(s *RenderState) { s.FrontFace = gputypes.FrontFaceCW }},
		{"alpha to coverage", func(s *RenderState) { s.AlphaToCoverage = true }},
		{"unclipped depth", func(s *RenderState) { s.UnclippedDepth = true }},
		{"custom", func(s *RenderState) { s.Custom = 3 }},
	}
	seen := map[uint64]string{baseKey: "base"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			key, err := s.Key()
			if err != nil {
				t.Fatal(err)
			}
			if prev, ok := seen[key]; ok {
				t.Errorf("key %#x equals key of %q", key, prev)
			}
			seen[key] = tt.name
		})
	}
}

func TestRenderStateDepthCompareIgnoredWithoutTest(t *testing.T) {
	a := RenderState{DepthCompare: gputypes.CompareFunctionLess}
	b := RenderState{DepthCompare: gputypes.CompareFunctionGreater}
	ka, _ := a.Key()
	kb, _ := b.Key()
	if ka != kb {
		t.Errorf("compare without depth test changed key: %#x vs %#x", ka, kb)
	}
	if a.EffectiveCompare() != gputypes.CompareFunctionAlways {
		t.Errorf("EffectiveCompare() = %v, want Always", a.EffectiveCompare())
	}
}

func TestRenderStateCustomOverflow(t *testing.T) {
	s := RenderState{Custom: 256}
	if _, err := s.Key(); !errors.Is(err, bitkey.ErrOverflow) {
		t.Errorf("Key() error = %v, want ErrOverflow", err)
	}
}

func TestRenderStateFieldsDecode(t *testing.T) {
	s := RenderState{
		Blend:        BlendScreen,
		BlendEnabled: true,
		DepthTest:    true,
		DepthCompare: gputypes.CompareFunctionLessEqual,
		Custom:       7,
	}
	key, err := s.Key()
	if err != nil {
		t.Fatal(err)
	}
	if got := DrawBlendField.Get(key); got != uint64(BlendScreen) {
		t.Errorf("blend field = %d, want %d", got, BlendScreen)
	}
	if got := DrawCompareField.Get(key); got != uint64(gputypes.CompareFunctionLessEqual) {
		t.Errorf("compare field = %d", got)
	}
	if got := DrawCustomField.Get(key); got != 7 {
		t.Errorf("custom field = %d, want 7", got)
	}
}

func TestColorTarget(t *testing.T) {
	s := DefaultRenderState()
	ct, err := s.ColorTarget(gputypes.TextureFormatBGRA8Unorm, gputypes.ColorWriteMaskRed)
	if err != nil {
		t.Fatal(err)
	}
	if ct.Blend == nil || *ct.Blend != gputypes.BlendStatePremultiplied() {
		t.Errorf("normal blend = %+v, want premultiplied", ct.Blend)
	}
	if ct.WriteMask != gputypes.ColorWriteMaskRed {
		t.Errorf("WriteMask = %v", ct.WriteMask)
	}

	s.BlendEnabled = false
	ct, _ = s.ColorTarget(gputypes.TextureFormatBGRA8Unorm, gputypes.ColorWriteMaskAll)
	if ct.Blend != nil {
		t.Error("blend disabled should produce nil Blend")
	}
}

func TestRegisterBlendMode(t *testing.T) {
	custom := gputypes.BlendStateAlpha()
	id, err := RegisterBlendMode("test-alpha", custom)
	if err != nil {
		t.Fatal(err)
	}
	if id < builtinBlendModes {
		t.Errorf("custom id %d collides with built-ins", id)
	}
	again, _ := RegisterBlendMode("test-alpha", custom)
	if again != id {
		t.Errorf("re-register returned %d, want %d", again, id)
	}
	bs, err := id.BlendState()
	if err != nil || bs != custom {
		t.Errorf("BlendState() = %+v, %v", bs, err)
	}
	if got, ok := LookupBlendMode("test-alpha"); !ok || got != id {
		t.Errorf("LookupBlendMode = %d, %v", got, ok)
	}
	if id.String() != "test-alpha" {
		t.Errorf("String() = %q", id.String())
	}
}

func TestUnknownBlendMode(t *testing.T) {
	if _, err := BlendMode(255).BlendState(); !errors.Is(err, ErrUnknownBlendMode) {
		t.Errorf("error = %v, want ErrUnknownBlendMode", err)
	}
}

func TestGlobalStateKey(t *testing.T) {
	base := DefaultGlobalState()
	baseKey, err := base.Key()
	if err != nil {
		t.Fatal(err)
	}
	variants := []GlobalState{
		{SampleCount: 4, ColorMask: gputypes.ColorWriteMaskAll},
		{SampleCount: 1, ColorMask: gputypes.ColorWriteMaskNone},
		{SampleCount: 1, ColorMask: gputypes.ColorWriteMaskAll, Stencil: StencilMaskActive},
		{SampleCount: 1, ColorMask: gputypes.ColorWriteMaskAll, DepthStencil: DepthStencil},
		{SampleCount: 1, ColorMask: gputypes.ColorWriteMaskAll, HDR: HDRHalf},
	}
	seen := map[uint64]bool{baseKey: true}
	for i, v := range variants {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			key, err := v.Key()
			if err != nil {
				t.Fatal(err)
			}
			if seen[key] {
				t.Errorf("%v produced duplicate key %#x", v, key)
			}
			seen[key] = true
		})
	}
}

func TestGlobalStateZeroSamplesIsOne(t *testing.T) {
	a := GlobalState{ColorMask: gputypes.ColorWriteMaskAll}
	b := DefaultGlobalState()
	ka, _ := a.Key()
	kb, _ := b.Key()
	if ka != kb {
		t.Errorf("SampleCount 0 key %#x != SampleCount 1 key %#x", ka, kb)
	}
}

func TestGlobalStateInvalidSamples(t *testing.T) {
	for _, n := range []uint32{3, 6, 32} {
		g := GlobalState{SampleCount: n}
		if _, err := g.Key(); !errors.Is(err, ErrSampleCount) {
			t.Errorf("SampleCount %d: error = %v, want ErrSampleCount", n, err)
		}
	}
}

func TestDepthStencilKind(t *testing.T) {
	tests := []struct {
		kind    DepthStencilKind
		format  gputypes.TextureFormat
		depth   bool
		stencil bool
	}{
		{DepthStencilNone, gputypes.TextureFormatUndefined, false, false},
		{DepthOnly, gputypes.TextureFormatDepth32Float, true, false},
		{StencilOnly, gputypes.TextureFormatStencil8, false, true},
		{DepthStencil, gputypes.TextureFormatDepth24PlusStencil8, true, true},
	}
	for _, tt := range tests {
		if got := tt.kind.Format(); got != tt.format {
			t.Errorf("%d.Format() = %v, want %v", tt.kind, got, tt.format)
		}
		if tt.kind.HasDepth() != tt.depth || tt.kind.HasStencil() != tt.stencil {
			t.Errorf("%d aspects = %v/%v", tt.kind, tt.kind.HasDepth(), tt.kind.HasStencil())
		}
		if got := DepthStencilKindOf(tt.format); got != tt.kind {
			t.Errorf("DepthStencilKindOf(%v) = %d, want %d", tt.format, got, tt.kind)
		}
	}
}

func TestHDRTierColorFormat(t *testing.T) {
	base := gputypes.TextureFormatBGRA8Unorm
	if HDRNone.ColorFormat(base) != base {
		t.Error("HDRNone should keep the base format")
	}
	if HDRHalf.ColorFormat(base) != gputypes.TextureFormatRGBA16Float {
		t.Error("HDRHalf should use RGBA16Float")
	}
	if HDRFull.ColorFormat(base) != gputypes.TextureFormatRGBA32Float {
		t.Error("HDRFull should use RGBA32Float")
	}
}

func TestStencilFaces(t *testing.T) {
	tests := []struct {
		mode    StencilMode
		compare gputypes.CompareFunction
		pass    hal.StencilOperation
		write   uint32
	}{
		{StencilDisabled, gputypes.CompareFunctionAlways, hal.StencilOperationKeep, 0},
		{StencilMaskAdd, gputypes.CompareFunctionEqual, hal.StencilOperationIncrementClamp, 0xFF},
		{StencilMaskRemove, gputypes.CompareFunctionEqual, hal.StencilOperationDecrementClamp, 0xFF},
		{StencilMaskActive, gputypes.CompareFunctionEqual, hal.StencilOperationKeep, 0},
		{StencilInverseMaskActive, gputypes.CompareFunctionNotEqual, hal.StencilOperationKeep, 0},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			f := tt.mode.Faces()
			if f.Front != f.Back {
				t.Error("front and back faces differ")
			}
			if f.Front.Compare != tt.compare || f.Front.PassOp != tt.pass {
				t.Errorf("face = %+v", f.Front)
			}
			if f.WriteMask != tt.write {
				t.Errorf("WriteMask = %#x, want %#x", f.WriteMask, tt.write)
			}
		})
	}
}
