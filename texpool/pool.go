// Package texpool recycles render-target textures.
//
// Requests are rounded to bucket sizes so that few distinct physical sizes
// circulate. Small requests, and requests that opt out of screen sizing,
// round each dimension up to a power of two. Large requests take a size
// derived from the output surface: the surface size is shrunk by a fixed
// factor for as long as the result still covers the request. Those
// screen-relative buckets are destroyed whenever the surface size changes.
// Screen-relative sizing needs a surface size: until SetScreenSize is
// called, large requests are rounded to powers of two as well.
//
// Pool is safe for concurrent use, though a checked-out texture belongs to
// its caller alone until it is released.
package texpool

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/google/uuid"

	"github.com/gogpu/gpucache/internal/bitkey"
	"github.com/gogpu/gpucache/state"
)

var (
	// ErrInvalidSize is returned for non-positive sizes or resolutions.
	ErrInvalidSize = errors.New("texpool: invalid texture size")

	// ErrNotPooled is returned when releasing a texture this pool did not
	// hand out, or one already released.
	ErrNotPooled = errors.New("texpool: texture not checked out from this pool")

	// ErrTextureCreation wraps backend allocation failures.
	ErrTextureCreation = errors.New("texpool: texture creation failed")
)

// Bucket key fields. Screen-relative keys are negated so they never
// collide with power-of-two keys.
var (
	keyWidth     = bitkey.Field{Name: "width", Shift: 0, Width: 24}
	keyHeight    = bitkey.Field{Name: "height", Shift: 24, Width: 24}
	keyAntialias = bitkey.Field{Name: "antialias", Shift: 48, Width: 1}
	keyHDR       = bitkey.Field{Name: "hdr", Shift: 49, Width: 2}

	keyLayout = bitkey.NewLayout(keyWidth, keyHeight, keyAntialias, keyHDR)
)

// Texture is a pooled render target.
type Texture struct {
	Label   string
	Texture hal.Texture
	View    hal.TextureView

	// Width and Height are the logical size of the current checkout.
	Width, Height int
	Resolution    float64

	// PixelWidth and PixelHeight are the allocated size.
	PixelWidth, PixelHeight uint32

	Format      gputypes.TextureFormat
	SampleCount uint32
	Antialias   bool
	HDR         state.HDRTier

	key    int64
	bucket *bucket
	out    bool
}

// ScreenRelative reports whether the texture lives in a screen bucket.
func (t *Texture) ScreenRelative() bool { return t.key < 0 }

// Key returns the bucket key recorded at allocation.
func (t *Texture) Key() int64 { return t.key }

type bucket struct {
	free []*Texture
}

// Pool allocates and recycles render targets on one device.
type Pool struct {
	device hal.Device

	mu      sync.Mutex
	opts    options
	screenW int
	screenH int
	buckets map[int64]*bucket
	live    int
	bytes   int64
	stats   Stats
}

// New creates a pool for device.
func New(device hal.Device, opts ...Option) (*Pool, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Pool{
		device:  device,
		opts:    o,
		buckets: make(map[int64]*bucket),
	}, nil
}

// SetScreenSize updates the tracked output surface size. When it changes,
// every screen-relative bucket is destroyed; textures from those buckets
// that are still checked out are destroyed on release.
func (p *Pool) SetScreenSize(width, height int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if width == p.screenW && height == p.screenH {
		return
	}
	n := p.purgeLocked(func(key int64) bool { return key < 0 })
	slogger().Debug("texpool: screen size changed",
		"width", width, "height", height, "previousWidth", p.screenW, "previousHeight", p.screenH, "destroyed", n)
	p.screenW, p.screenH = width, height
}

// ScreenSize returns the tracked output surface size.
func (p *Pool) ScreenSize() (width, height int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.screenW, p.screenH
}

// Acquire returns a render target covering width×height logical pixels at
// resolution. The texture belongs to the caller until Release.
func (p *Pool) Acquire(width, height int, resolution float64, antialias bool, hdr state.HDRTier, ignoreScreen bool) (*Texture, error) {
	if width <= 0 || height <= 0 || !(resolution > 0) {
		return nil, fmt.Errorf("%w: %dx%d @%g", ErrInvalidSize, width, height, resolution)
	}
	pw := physical(width, resolution)
	ph := physical(height, resolution)

	p.mu.Lock()
	defer p.mu.Unlock()

	large := max(pw, ph) > p.opts.threshold
	screen := !ignoreScreen && p.screenW > 0 && p.screenH > 0 && large
	if large && !ignoreScreen && !screen {
		slogger().Debug("texpool: no screen size, using pow2 bucket", "width", pw, "height", ph)
	}
	var aw, ah int
	if screen {
		aw, ah = p.screenRelativeLocked(pw, ph)
	} else {
		aw, ah = nextPow2(pw), nextPow2(ph)
	}
	key, err := bucketKey(aw, ah, antialias, hdr, screen)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSize, err)
	}

	b := p.buckets[key]
	if b == nil {
		b = &bucket{}
		p.buckets[key] = b
	}
	var t *Texture
	if n := len(b.free); n > 0 {
		t = b.free[n-1]
		b.free = b.free[:n-1]
		p.stats.Hits++
	} else {
		t, err = p.allocateLocked(aw, ah, antialias, hdr)
		if err != nil {
			return nil, err
		}
		t.key = key
		t.bucket = b
		p.stats.Misses++
	}
	t.Width, t.Height, t.Resolution = width, height, resolution
	t.out = true
	return t, nil
}

// Release returns t to its bucket. If the bucket was purged since t was
// handed out, or the bucket is full, t is destroyed instead.
func (p *Pool) Release(t *Texture) error {
	if t == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !t.out || t.bucket == nil {
		return fmt.Errorf("%w: %s", ErrNotPooled, t.Label)
	}
	t.out = false
	b := p.buckets[t.key]
	switch {
	case b != t.bucket:
		slogger().Debug("texpool: released into a purged bucket", "label", t.Label, "key", t.key)
		p.destroyLocked(t)
	case p.opts.maxPerBucket > 0 && len(b.free) >= p.opts.maxPerBucket:
		p.destroyLocked(t)
	default:
		b.free = append(b.free, t)
	}
	return nil
}

// Clear destroys every free texture and forgets every bucket. Textures
// still checked out are destroyed when released.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purgeLocked(func(int64) bool { return true })
}

// SetOptions reconfigures the pool. All buckets are cleared, since sizing
// and formats may change.
func (p *Pool) SetOptions(opts ...Option) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o := p.opts
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return err
	}
	p.opts = o
	p.purgeLocked(func(int64) bool { return true })
	return nil
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Allocated = p.live
	s.Bytes = p.bytes
	s.Buckets = len(p.buckets)
	for key, b := range p.buckets {
		s.Free += len(b.free)
		if key < 0 {
			s.ScreenBuckets++
		}
	}
	s.InUse = s.Allocated - s.Free
	return s
}

func (p *Pool) purgeLocked(match func(key int64) bool) int {
	n := 0
	for key, b := range p.buckets {
		if !match(key) {
			continue
		}
		for _, t := range b.free {
			p.destroyLocked(t)
			n++
		}
		delete(p.buckets, key)
	}
	return n
}

// screenRelativeLocked shrinks the surface size while both dimensions
// still cover the request. A request beyond the surface in a dimension
// takes the requested size there.
func (p *Pool) screenRelativeLocked(pw, ph int) (int, int) {
	sw, sh := float64(p.screenW), float64(p.screenH)
	f := p.opts.shrink
	for {
		nw, nh := sw/f, sh/f
		if math.Ceil(nw) < float64(pw) || math.Ceil(nh) < float64(ph) {
			break
		}
		sw, sh = nw, nh
	}
	return max(int(math.Ceil(sw)), pw), max(int(math.Ceil(sh)), ph)
}

func (p *Pool) allocateLocked(w, h int, antialias bool, hdr state.HDRTier) (*Texture, error) {
	format := hdr.ColorFormat(p.opts.colorFormat)
	samples := uint32(1)
	usage := gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding
	if antialias {
		samples = p.opts.samples
	}
	if samples == 1 {
		usage |= gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst
	}
	label := "texpool-" + uuid.NewString()
	tex, err := p.device.CreateTexture(&hal.TextureDescriptor{
		Label:         label,
		Size:          hal.Extent3D{Width: uint32(w), Height: uint32(h), DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   samples,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage:         usage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %dx%d: %w", ErrTextureCreation, w, h, err)
	}
	view, err := p.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         label + "-view",
		Format:        format,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		p.device.DestroyTexture(tex)
		return nil, fmt.Errorf("%w: view %dx%d: %w", ErrTextureCreation, w, h, err)
	}
	t := &Texture{
		Label:       label,
		Texture:     tex,
		View:        view,
		PixelWidth:  uint32(w),
		PixelHeight: uint32(h),
		Format:      format,
		SampleCount: samples,
		Antialias:   antialias,
		HDR:         hdr,
	}
	p.live++
	p.bytes += t.bytes()
	slogger().Debug("texpool: allocated", "label", label, "width", w, "height", h, "samples", samples, "format", format)
	return t, nil
}

func (p *Pool) destroyLocked(t *Texture) {
	p.device.DestroyTextureView(t.View)
	p.device.DestroyTexture(t.Texture)
	p.live--
	p.bytes -= t.bytes()
	p.stats.Destroyed++
	t.bucket = nil
}

func (t *Texture) bytes() int64 {
	return int64(t.PixelWidth) * int64(t.PixelHeight) * int64(t.HDR.BytesPerPixel()) * int64(t.SampleCount)
}

func bucketKey(w, h int, antialias bool, hdr state.HDRTier, screen bool) (int64, error) {
	aa := uint64(0)
	if antialias {
		aa = 1
	}
	k, err := keyLayout.Pack(uint64(w), uint64(h), aa, uint64(hdr))
	if err != nil {
		return 0, err
	}
	if screen {
		return -int64(k) - 1, nil
	}
	return int64(k), nil
}

func physical(v int, resolution float64) int {
	return max(1, int(math.Ceil(float64(v)*resolution-1e-6)))
}

func nextPow2(v int) int {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(v-1))
}
