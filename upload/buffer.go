package upload

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// BufferSource uploads raw texel rows already in the target format.
type BufferSource struct {
	Data []byte
	// BytesPerRow is the row stride of Data. Zero means tightly packed.
	BytesPerRow uint32
}

// Method returns MethodBuffer.
func (BufferSource) Method() Method { return MethodBuffer }

// BufferUploader writes BufferSource values without conversion.
type BufferUploader struct{}

// Upload implements Uploader.
func (BufferUploader) Upload(queue hal.Queue, src Source, dst Target) error {
	var s BufferSource
	switch v := src.(type) {
	case BufferSource:
		s = v
	case *BufferSource:
		s = *v
	default:
		return fmt.Errorf("%w: %T", ErrSourceType, src)
	}
	bpp := BytesPerPixel(dst.Format)
	if bpp == 0 {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, dst.Format)
	}
	row := s.BytesPerRow
	if row == 0 {
		row = dst.Width * bpp
	}
	if row < dst.Width*bpp {
		return fmt.Errorf("%w: row stride %d < %d", ErrSizeMismatch, row, dst.Width*bpp)
	}
	if need := uint64(row) * uint64(dst.Height); uint64(len(s.Data)) < need {
		return fmt.Errorf("%w: %d bytes, need %d", ErrSizeMismatch, len(s.Data), need)
	}
	return write(queue, dst, s.Data, row)
}

// BytesPerPixel returns the texel size of uncompressed color formats,
// or 0 for formats uploads do not handle.
func BytesPerPixel(f gputypes.TextureFormat) uint32 {
	switch f {
	case gputypes.TextureFormatR8Unorm, gputypes.TextureFormatR8Snorm,
		gputypes.TextureFormatR8Uint, gputypes.TextureFormatR8Sint:
		return 1
	case gputypes.TextureFormatRG8Unorm, gputypes.TextureFormatR16Float:
		return 2
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatRGBA8Snorm, gputypes.TextureFormatBGRA8Unorm,
		gputypes.TextureFormatBGRA8UnormSrgb, gputypes.TextureFormatR32Float,
		gputypes.TextureFormatR32Uint, gputypes.TextureFormatRG16Float:
		return 4
	case gputypes.TextureFormatRGBA16Float, gputypes.TextureFormatRG32Float:
		return 8
	case gputypes.TextureFormatRGBA32Float, gputypes.TextureFormatRGBA32Uint:
		return 16
	}
	return 0
}
