// Package upload copies CPU-side texture content into device textures.
//
// Sources are tagged with a Method. A Registry maps each method to an
// Uploader, so bound-resource groups can flush any dirty source without
// knowing where its pixels come from.
package upload

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

var (
	// ErrNoUploader is returned when no uploader is registered for a method.
	ErrNoUploader = errors.New("upload: no uploader for method")

	// ErrUnsupportedFormat is returned when an uploader cannot produce the
	// target texture format.
	ErrUnsupportedFormat = errors.New("upload: unsupported target format")

	// ErrSizeMismatch is returned when source data does not cover the target.
	ErrSizeMismatch = errors.New("upload: source size mismatch")

	// ErrSourceType is returned when an uploader receives a source it does
	// not handle.
	ErrSourceType = errors.New("upload: wrong source type for uploader")

	// ErrNilTexture is returned when the target has no texture.
	ErrNilTexture = errors.New("upload: nil target texture")
)

// Method identifies an upload path.
type Method string

// Built-in upload methods.
const (
	MethodImage  Method = "image"
	MethodBuffer Method = "buffer"
)

// Source is CPU-side texture content.
type Source interface {
	Method() Method
}

// Target is the destination region of an upload.
type Target struct {
	Texture  hal.Texture
	Format   gputypes.TextureFormat
	Width    uint32
	Height   uint32
	MipLevel uint32
	X, Y     uint32
}

// Uploader writes one kind of Source into a Target.
type Uploader interface {
	Upload(queue hal.Queue, src Source, dst Target) error
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(queue hal.Queue, src Source, dst Target) error

// Upload calls f.
func (f UploaderFunc) Upload(queue hal.Queue, src Source, dst Target) error {
	return f(queue, src, dst)
}

// Registry dispatches uploads by method. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	uploaders map[Method]Uploader
}

// NewRegistry returns a registry with the image and buffer uploaders
// installed.
func NewRegistry() *Registry {
	r := &Registry{uploaders: make(map[Method]Uploader)}
	r.Register(MethodImage, ImageUploader{})
	r.Register(MethodBuffer, BufferUploader{})
	return r
}

// Register installs u for m, replacing any previous uploader.
// A nil u removes the method.
func (r *Registry) Register(m Method, u Uploader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u == nil {
		delete(r.uploaders, m)
		return
	}
	r.uploaders[m] = u
}

// Lookup returns the uploader for m.
func (r *Registry) Lookup(m Method) (Uploader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.uploaders[m]
	return u, ok
}

// Upload writes src into dst with the uploader registered for src's method.
func (r *Registry) Upload(queue hal.Queue, src Source, dst Target) error {
	if dst.Texture == nil {
		return ErrNilTexture
	}
	u, ok := r.Lookup(src.Method())
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoUploader, src.Method())
	}
	if err := u.Upload(queue, src, dst); err != nil {
		return fmt.Errorf("upload %s: %w", src.Method(), err)
	}
	slogger().Debug("upload: texture written", "method", src.Method(), "width", dst.Width, "height", dst.Height)
	return nil
}

func write(queue hal.Queue, dst Target, data []byte, bytesPerRow uint32) error {
	return queue.WriteTexture(
		&hal.ImageCopyTexture{
			Texture:  dst.Texture,
			MipLevel: dst.MipLevel,
			Origin:   hal.Origin3D{X: dst.X, Y: dst.Y},
			Aspect:   gputypes.TextureAspectAll,
		},
		data,
		&hal.ImageDataLayout{
			BytesPerRow:  bytesPerRow,
			RowsPerImage: dst.Height,
		},
		&hal.Extent3D{Width: dst.Width, Height: dst.Height, DepthOrArrayLayers: 1},
	)
}
