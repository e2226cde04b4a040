package state

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpucache/internal/bitkey"
)

// Draw key fields.
var (
	DrawBlendField   = bitkey.Field{Name: "blend mode", Shift: 0, Width: 8}
	DrawFlagsField   = bitkey.Field{Name: "render flags", Shift: 8, Width: 8}
	DrawCompareField = bitkey.Field{Name: "depth compare", Shift: 16, Width: 4}
	DrawBiasField    = bitkey.Field{Name: "depth bias", Shift: 20, Width: 4}
	DrawCustomField  = bitkey.Field{Name: "custom", Shift: 24, Width: 8}

	drawLayout = bitkey.NewLayout(DrawBlendField, DrawFlagsField, DrawCompareField, DrawBiasField, DrawCustomField)
)

// Render flag bits inside the draw key.
const (
	flagBlend uint64 = 1 << iota
	flagDepthTest
	flagDepthWrite
	flagCullFront
	flagCullBack
	flagClockwise
	flagAlphaToCoverage
	flagUnclippedDepth
)

// DepthBias is the rasterizer depth offset. The zero value disables it.
type DepthBias struct {
	Constant   int32
	SlopeScale float32
	Clamp      float32
}

// depth bias triples are interned into a 4-bit preset id; 0 is "no bias".
var biasPresets = bitkey.NewInterner("depth bias", DrawBiasField.Width)

func (b DepthBias) preset() (uint64, error) {
	if b == (DepthBias{}) {
		return 0, nil
	}
	return biasPresets.ID(fmt.Sprintf("%d/%g/%g", b.Constant, b.SlopeScale, b.Clamp))
}

// RenderState is the per-draw fixed-function configuration.
//
// The zero value disables blending and depth testing and culls nothing.
type RenderState struct {
	Blend        BlendMode
	BlendEnabled bool

	DepthTest    bool
	DepthWrite   bool
	DepthCompare gputypes.CompareFunction
	DepthBias    DepthBias

	CullMode        gputypes.CullMode
	FrontFace       gputypes.FrontFace
	AlphaToCoverage bool
	UnclippedDepth  bool

	// Custom separates otherwise identical states that a renderer wants
	// compiled into distinct pipelines. It must fit in 8 bits.
	Custom uint32
}

// DefaultRenderState returns alpha-blended 2D drawing state.
func DefaultRenderState() RenderState {
	return RenderState{
		Blend:        BlendNormal,
		BlendEnabled: true,
		DepthCompare: gputypes.CompareFunctionAlways,
	}
}

// EffectiveCompare returns the compare function the pipeline uses.
// Without a depth test every fragment passes.
func (s RenderState) EffectiveCompare() gputypes.CompareFunction {
	if !s.DepthTest || s.DepthCompare == gputypes.CompareFunctionUndefined {
		return gputypes.CompareFunctionAlways
	}
	return s.DepthCompare
}

func (s RenderState) flags() uint64 {
	var f uint64
	if s.BlendEnabled {
		f |= flagBlend
	}
	if s.DepthTest {
		f |= flagDepthTest
	}
	if s.DepthWrite {
		f |= flagDepthWrite
	}
	switch s.CullMode {
	case gputypes.CullModeFront:
		f |= flagCullFront
	case gputypes.CullModeBack:
		f |= flagCullBack
	}
	if s.FrontFace == gputypes.FrontFaceCW {
		f |= flagClockwise
	}
	if s.AlphaToCoverage {
		f |= flagAlphaToCoverage
	}
	if s.UnclippedDepth {
		f |= flagUnclippedDepth
	}
	return f
}

// Key packs the state into a draw key. It fails with bitkey.ErrOverflow if
// Custom or the number of distinct depth bias presets exceed their widths.
//
// The blend mode id only contributes when blending is enabled, so states
// that differ in an unused blend mode share a pipeline.
func (s RenderState) Key() (uint64, error) {
	bias, err := s.DepthBias.preset()
	if err != nil {
		return 0, err
	}
	blend := uint64(0)
	if s.BlendEnabled {
		blend = uint64(s.Blend)
	}
	return drawLayout.Pack(blend, s.flags(), uint64(s.EffectiveCompare()), bias, uint64(s.Custom))
}

// ColorTarget builds the color target description for format and mask.
func (s RenderState) ColorTarget(format gputypes.TextureFormat, mask gputypes.ColorWriteMask) (gputypes.ColorTargetState, error) {
	target := gputypes.ColorTargetState{Format: format, WriteMask: mask}
	if !s.BlendEnabled {
		return target, nil
	}
	bs, err := s.Blend.BlendState()
	if err != nil {
		return target, err
	}
	target.Blend = &bs
	return target, nil
}

// Primitive builds the primitive assembly state for topology.
func (s RenderState) Primitive(topology gputypes.PrimitiveTopology) gputypes.PrimitiveState {
	return gputypes.PrimitiveState{
		Topology:       topology,
		FrontFace:      s.FrontFace,
		CullMode:       s.CullMode,
		UnclippedDepth: s.UnclippedDepth,
	}
}
