package state

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpucache/internal/bitkey"
)

// Global key fields.
var (
	GlobalSamplesField = bitkey.Field{Name: "sample count", Shift: 0, Width: 3}
	GlobalMaskField    = bitkey.Field{Name: "color mask", Shift: 3, Width: 4}
	GlobalStencilField = bitkey.Field{Name: "stencil mode", Shift: 7, Width: 3}
	GlobalDepthField   = bitkey.Field{Name: "depth/stencil kind", Shift: 10, Width: 2}
	GlobalHDRField     = bitkey.Field{Name: "hdr tier", Shift: 12, Width: 2}

	globalLayout = bitkey.NewLayout(GlobalSamplesField, GlobalMaskField, GlobalStencilField, GlobalDepthField, GlobalHDRField)
)

// ErrSampleCount is returned for a sample count that is not a power of two
// between 1 and 16.
var ErrSampleCount = errors.New("state: invalid sample count")

// DepthStencilKind is the depth/stencil attachment of the render target.
type DepthStencilKind uint8

const (
	// DepthStencilNone means no depth/stencil attachment.
	DepthStencilNone DepthStencilKind = iota
	// DepthOnly is a 32-bit float depth attachment.
	DepthOnly
	// StencilOnly is an 8-bit stencil attachment.
	StencilOnly
	// DepthStencil is a combined 24-bit depth + 8-bit stencil attachment.
	DepthStencil
)

// Format returns the attachment texture format, or TextureFormatUndefined
// for DepthStencilNone.
func (k DepthStencilKind) Format() gputypes.TextureFormat {
	switch k {
	case DepthOnly:
		return gputypes.TextureFormatDepth32Float
	case StencilOnly:
		return gputypes.TextureFormatStencil8
	case DepthStencil:
		return gputypes.TextureFormatDepth24PlusStencil8
	}
	return gputypes.TextureFormatUndefined
}

// HasStencil reports whether the attachment carries a stencil aspect.
func (k DepthStencilKind) HasStencil() bool { return k == StencilOnly || k == DepthStencil }

// HasDepth reports whether the attachment carries a depth aspect.
func (k DepthStencilKind) HasDepth() bool { return k == DepthOnly || k == DepthStencil }

// DepthStencilKindOf maps an attachment format back to its kind.
func DepthStencilKindOf(f gputypes.TextureFormat) DepthStencilKind {
	switch {
	case f.HasDepth() && f.HasStencil():
		return DepthStencil
	case f.HasStencil():
		return StencilOnly
	case f.HasDepth():
		return DepthOnly
	}
	return DepthStencilNone
}

// DefaultColorFormat is the HDRNone format pipelines and pooled targets
// use unless configured otherwise.
const DefaultColorFormat = gputypes.TextureFormatRGBA8Unorm

// HDRTier selects the color format precision of the render target.
type HDRTier uint8

const (
	// HDRNone renders to the configured 8-bit color format.
	HDRNone HDRTier = iota
	// HDRHalf renders to RGBA16Float.
	HDRHalf
	// HDRFull renders to RGBA32Float.
	HDRFull
)

// ColorFormat returns the render target format for the tier; base is the
// format used by HDRNone.
func (t HDRTier) ColorFormat(base gputypes.TextureFormat) gputypes.TextureFormat {
	switch t {
	case HDRHalf:
		return gputypes.TextureFormatRGBA16Float
	case HDRFull:
		return gputypes.TextureFormatRGBA32Float
	}
	return base
}

// BytesPerPixel returns the texel size for the tier.
func (t HDRTier) BytesPerPixel() int {
	switch t {
	case HDRHalf:
		return 8
	case HDRFull:
		return 16
	}
	return 4
}

// GlobalState is render-target configuration shared by runs of draws.
// Changing it selects a different partition of the pipeline cache.
type GlobalState struct {
	SampleCount  uint32
	ColorMask    gputypes.ColorWriteMask
	Stencil      StencilMode
	DepthStencil DepthStencilKind
	HDR          HDRTier
}

// DefaultGlobalState returns single-sampled state writing all channels
// with no depth/stencil attachment.
func DefaultGlobalState() GlobalState {
	return GlobalState{SampleCount: 1, ColorMask: gputypes.ColorWriteMaskAll}
}

// Key packs the state into a global key.
func (g GlobalState) Key() (uint64, error) {
	samples := g.SampleCount
	if samples == 0 {
		samples = 1
	}
	if samples > 16 || samples&(samples-1) != 0 {
		return 0, fmt.Errorf("%w: %d", ErrSampleCount, g.SampleCount)
	}
	return globalLayout.Pack(
		uint64(bits.TrailingZeros32(samples)),
		uint64(g.ColorMask),
		uint64(g.Stencil),
		uint64(g.DepthStencil),
		uint64(g.HDR),
	)
}

// Samples returns the sample count, treating zero as one.
func (g GlobalState) Samples() uint32 {
	if g.SampleCount == 0 {
		return 1
	}
	return g.SampleCount
}

func (g GlobalState) String() string {
	return fmt.Sprintf("samples=%d mask=%#x stencil=%s depth=%d hdr=%d",
		g.Samples(), uint32(g.ColorMask), g.Stencil, g.DepthStencil, g.HDR)
}
