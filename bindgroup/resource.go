package bindgroup

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucache/shader"
	"github.com/gogpu/gpucache/upload"
)

// Event is a resource change notification.
type Event uint8

const (
	// Changed means the GPU object behind the resource was replaced.
	Changed Event = iota + 1
	// Destroyed means the resource can no longer be bound.
	Destroyed
)

func (e Event) String() string {
	switch e {
	case Changed:
		return "changed"
	case Destroyed:
		return "destroyed"
	}
	return "Event(" + strconv.Itoa(int(e)) + ")"
}

// Resource is a shader-visible object that can occupy a Group slot.
type Resource interface {
	// Token identifies the GPU object currently behind the resource.
	// It changes whenever that object is replaced and is never reused.
	Token() string

	// Destroyed reports whether the resource was destroyed.
	Destroyed() bool

	// Accepts reports whether the resource can fill a binding of kind.
	Accepts(kind shader.ResourceKind) bool

	// Binding returns the bind group entry resource.
	Binding() gputypes.BindingResource

	// Subscribe registers fn for change notifications and returns a
	// function that removes it.
	Subscribe(fn func(Resource, Event)) (cancel func())
}

// Syncer is implemented by resources holding CPU-side content that must
// reach the device before a draw reads it.
type Syncer interface {
	Dirty() bool
	Sync(queue hal.Queue, uploads *upload.Registry) error
}

var nextUID atomic.Uint64

// base carries identity, revision and listeners for every resource type.
type base struct {
	self      Resource
	uid       uint64
	gen       uint64
	destroyed bool

	listeners map[uint64]func(Resource, Event)
	nextID    uint64
}

func (b *base) init(self Resource) {
	b.self = self
	b.uid = nextUID.Add(1)
}

func (b *base) Token() string {
	return strconv.FormatUint(b.uid, 36) + "." + strconv.FormatUint(b.gen, 36)
}

func (b *base) Destroyed() bool { return b.destroyed }

func (b *base) Subscribe(fn func(Resource, Event)) func() {
	if b.listeners == nil {
		b.listeners = make(map[uint64]func(Resource, Event))
	}
	b.nextID++
	id := b.nextID
	b.listeners[id] = fn
	return func() { delete(b.listeners, id) }
}

func (b *base) notify(e Event) {
	for _, fn := range b.listeners {
		fn(b.self, e)
	}
}

func (b *base) replaced() {
	b.gen++
	b.notify(Changed)
}

func (b *base) markDestroyed() bool {
	if b.destroyed {
		return false
	}
	b.destroyed = true
	b.notify(Destroyed)
	b.listeners = nil
	return true
}

// Buffer wraps a caller-owned buffer range for uniform or storage bindings.
type Buffer struct {
	base
	buf    hal.Buffer
	offset uint64
	size   uint64
}

// NewBuffer wraps buf. A zero size binds the rest of the buffer.
func NewBuffer(buf hal.Buffer, offset, size uint64) *Buffer {
	b := &Buffer{buf: buf, offset: offset, size: size}
	b.init(b)
	return b
}

// Buffer returns the wrapped buffer.
func (b *Buffer) Buffer() hal.Buffer { return b.buf }

// SetBuffer replaces the wrapped buffer range.
func (b *Buffer) SetBuffer(buf hal.Buffer, offset, size uint64) {
	b.buf, b.offset, b.size = buf, offset, size
	b.replaced()
}

// Accepts implements Resource.
func (b *Buffer) Accepts(kind shader.ResourceKind) bool { return kind.IsBuffer() }

// Binding implements Resource.
func (b *Buffer) Binding() gputypes.BindingResource {
	return gputypes.BufferBinding{Buffer: b.buf.NativeHandle(), Offset: b.offset, Size: b.size}
}

// Destroy marks the resource destroyed. The wrapped buffer stays with its
// owner.
func (b *Buffer) Destroy() { b.markDestroyed() }

// UniformBuffer owns a uniform buffer and a CPU copy of its contents.
// Writes mark it dirty; Sync flushes the copy with one queue write.
type UniformBuffer struct {
	base
	device hal.Device
	buf    hal.Buffer
	data   []byte
	dirty  bool
}

// NewUniformBuffer creates a size-byte uniform buffer on device.
func NewUniformBuffer(device hal.Device, label string, size uint64) (*UniformBuffer, error) {
	buf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("bindgroup: create uniform buffer %q: %w", label, err)
	}
	u := &UniformBuffer{device: device, buf: buf, data: make([]byte, size)}
	u.init(u)
	return u, nil
}

// Write copies p into the CPU copy at offset and marks the buffer dirty.
func (u *UniformBuffer) Write(offset int, p []byte) error {
	if offset < 0 || offset+len(p) > len(u.data) {
		return fmt.Errorf("%w: write [%d, %d) into %d bytes", ErrOutOfRange, offset, offset+len(p), len(u.data))
	}
	copy(u.data[offset:], p)
	u.dirty = true
	return nil
}

// Data returns the CPU copy. Callers that modify it must call MarkDirty.
func (u *UniformBuffer) Data() []byte { return u.data }

// MarkDirty schedules the CPU copy for upload.
func (u *UniformBuffer) MarkDirty() { u.dirty = true }

// Dirty implements Syncer.
func (u *UniformBuffer) Dirty() bool { return u.dirty }

// Sync implements Syncer.
func (u *UniformBuffer) Sync(queue hal.Queue, _ *upload.Registry) error {
	if !u.dirty || u.destroyed {
		return nil
	}
	if err := queue.WriteBuffer(u.buf, 0, u.data); err != nil {
		return fmt.Errorf("bindgroup: uniform upload: %w", err)
	}
	u.dirty = false
	return nil
}

// Accepts implements Resource.
func (u *UniformBuffer) Accepts(kind shader.ResourceKind) bool { return kind == shader.UniformBuffer }

// Binding implements Resource.
func (u *UniformBuffer) Binding() gputypes.BindingResource {
	return gputypes.BufferBinding{Buffer: u.buf.NativeHandle(), Size: uint64(len(u.data))}
}

// Destroy releases the buffer.
func (u *UniformBuffer) Destroy() {
	if u.markDestroyed() {
		u.device.DestroyBuffer(u.buf)
	}
}

// TextureView wraps a caller-owned texture view. It may carry an upload
// source that is written into the texture on the next Sync.
type TextureView struct {
	base
	texture hal.Texture
	view    hal.TextureView
	format  gputypes.TextureFormat
	width   uint32
	height  uint32

	source upload.Source
	dirty  bool
}

// NewTextureView wraps view of texture.
func NewTextureView(texture hal.Texture, view hal.TextureView, format gputypes.TextureFormat, width, height uint32) *TextureView {
	v := &TextureView{texture: texture, view: view, format: format, width: width, height: height}
	v.init(v)
	return v
}

// View returns the wrapped view.
func (v *TextureView) View() hal.TextureView { return v.view }

// Texture returns the texture behind the view.
func (v *TextureView) Texture() hal.Texture { return v.texture }

// Size returns the texture size.
func (v *TextureView) Size() (width, height uint32) { return v.width, v.height }

// SetView replaces the wrapped texture and view, for example after the
// texture was reallocated at a new size.
func (v *TextureView) SetView(texture hal.Texture, view hal.TextureView, width, height uint32) {
	v.texture, v.view, v.width, v.height = texture, view, width, height
	if v.source != nil {
		v.dirty = true
	}
	v.replaced()
}

// SetSource sets the content to upload and marks the view dirty.
func (v *TextureView) SetSource(src upload.Source) {
	v.source = src
	v.dirty = src != nil
}

// Source returns the upload source, if any.
func (v *TextureView) Source() upload.Source { return v.source }

// MarkDirty schedules the source for upload again.
func (v *TextureView) MarkDirty() { v.dirty = v.source != nil }

// Dirty implements Syncer.
func (v *TextureView) Dirty() bool { return v.dirty }

// Sync implements Syncer.
func (v *TextureView) Sync(queue hal.Queue, uploads *upload.Registry) error {
	if !v.dirty || v.destroyed {
		return nil
	}
	if uploads == nil {
		return fmt.Errorf("%w: %q", upload.ErrNoUploader, v.source.Method())
	}
	err := uploads.Upload(queue, v.source, upload.Target{
		Texture: v.texture,
		Format:  v.format,
		Width:   v.width,
		Height:  v.height,
	})
	if err != nil {
		return err
	}
	v.dirty = false
	return nil
}

// Accepts implements Resource.
func (v *TextureView) Accepts(kind shader.ResourceKind) bool {
	return kind == shader.Texture || kind == shader.StorageTexture
}

// Binding implements Resource.
func (v *TextureView) Binding() gputypes.BindingResource {
	return gputypes.TextureViewBinding{TextureView: v.view.NativeHandle()}
}

// Destroy marks the resource destroyed. The view stays with its owner.
func (v *TextureView) Destroy() { v.markDestroyed() }

// Sampler wraps a caller-owned sampler.
type Sampler struct {
	base
	sampler hal.Sampler
}

// NewSampler wraps s.
func NewSampler(s hal.Sampler) *Sampler {
	r := &Sampler{sampler: s}
	r.init(r)
	return r
}

// SetSampler replaces the wrapped sampler.
func (s *Sampler) SetSampler(sampler hal.Sampler) {
	s.sampler = sampler
	s.replaced()
}

// Accepts implements Resource.
func (s *Sampler) Accepts(kind shader.ResourceKind) bool {
	return kind == shader.Sampler || kind == shader.ComparisonSampler
}

// Binding implements Resource.
func (s *Sampler) Binding() gputypes.BindingResource {
	return gputypes.SamplerBinding{Sampler: s.sampler.NativeHandle()}
}

// Destroy marks the resource destroyed.
func (s *Sampler) Destroy() { s.markDestroyed() }

var (
	_ Resource = (*Buffer)(nil)
	_ Resource = (*UniformBuffer)(nil)
	_ Resource = (*TextureView)(nil)
	_ Resource = (*Sampler)(nil)
	_ Syncer   = (*UniformBuffer)(nil)
	_ Syncer   = (*TextureView)(nil)
)
