package upload

import (
	"fmt"
	"image"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"golang.org/x/image/draw"
)

// ImageSource uploads an image.Image. The image is converted to 8-bit
// RGBA and rescaled to the target size when the bounds differ.
type ImageSource struct {
	Image image.Image
	// Scaler resamples mismatched sizes. Nil selects draw.ApproxBiLinear.
	Scaler draw.Scaler
}

// Method returns MethodImage.
func (ImageSource) Method() Method { return MethodImage }

// ImageUploader writes ImageSource values into 8-bit RGBA or BGRA textures.
type ImageUploader struct{}

// Upload implements Uploader.
func (ImageUploader) Upload(queue hal.Queue, src Source, dst Target) error {
	s, ok := src.(ImageSource)
	if !ok {
		if p, isPtr := src.(*ImageSource); isPtr && p != nil {
			s, ok = *p, true
		}
	}
	if !ok || s.Image == nil {
		return fmt.Errorf("%w: %T", ErrSourceType, src)
	}
	bgra := false
	switch dst.Format {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb:
	case gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb:
		bgra = true
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, dst.Format)
	}

	rgba := toRGBA(s.Image, int(dst.Width), int(dst.Height), s.Scaler)
	pix := rgba.Pix
	if bgra {
		pix = swizzleRB(pix)
	}
	return write(queue, dst, pix, uint32(rgba.Stride))
}

// toRGBA returns img as a tightly packed w×h RGBA image, reusing its
// pixels when it already is one.
func toRGBA(img image.Image, w, h int, scaler draw.Scaler) *image.RGBA {
	b := img.Bounds()
	if r, ok := img.(*image.RGBA); ok && b.Dx() == w && b.Dy() == h && r.Stride == 4*w {
		return r
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	if b.Dx() == w && b.Dy() == h {
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}
	if scaler == nil {
		scaler = draw.ApproxBiLinear
	}
	scaler.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}

func swizzleRB(pix []byte) []byte {
	out := make([]byte, len(pix))
	for i := 0; i+3 < len(pix); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = pix[i+2], pix[i+1], pix[i], pix[i+3]
	}
	return out
}
