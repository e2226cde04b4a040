package gpucache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucache/bindgroup"
	"github.com/gogpu/gpucache/encoder"
	"github.com/gogpu/gpucache/pipeline"
	"github.com/gogpu/gpucache/shader"
	"github.com/gogpu/gpucache/state"
	"github.com/gogpu/gpucache/texpool"
	"github.com/gogpu/gpucache/upload"
)

var (
	// ErrNilDevice is returned when an engine is created without a device
	// or queue.
	ErrNilDevice = errors.New("gpucache: device is nil")

	// ErrNoHALProvider is returned when a device provider does not expose
	// its hal device and queue.
	ErrNoHALProvider = errors.New("gpucache: provider does not expose HAL types")
)

// Engine wires the caches, the render-target pool and the encoder to one
// device. The components are exported for direct use; the Engine owns
// them and releases them in Destroy.
type Engine struct {
	Device hal.Device
	Queue  hal.Queue

	Layouts    *shader.LayoutCache
	Pipelines  *pipeline.Cache
	BindGroups *bindgroup.Cache
	Pool       *texpool.Pool
	Uploads    *upload.Registry
	Encoder    *encoder.Encoder

	mu            sync.Mutex
	config        Config
	surfaceFormat gputypes.TextureFormat
	destroyed     bool
}

// NewEngine creates an engine for device and queue.
func NewEngine(device hal.Device, queue hal.Queue, opts ...Option) (*Engine, error) {
	return newEngine(device, queue, gputypes.TextureFormatUndefined, opts)
}

// NewEngineFromProvider creates an engine sharing the device of a host
// application. The provider must implement HalDevice() any and
// HalQueue() any returning hal.Device and hal.Queue. The provider's
// surface format becomes the default color format.
func NewEngineFromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Engine, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHALProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHALProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHALProvider)
	}
	return newEngine(device, queue, provider.SurfaceFormat(), opts)
}

func newEngine(device hal.Device, queue hal.Queue, surface gputypes.TextureFormat, opts []Option) (*Engine, error) {
	if device == nil || queue == nil {
		return nil, ErrNilDevice
	}
	o := defaultEngineOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger != nil {
		SetLogger(o.logger)
	}
	cfg := o.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool, err := texpool.New(device, cfg.Pool.poolOptions(colorFormat(cfg.Pool, surface))...)
	if err != nil {
		return nil, err
	}
	if o.screenW > 0 && o.screenH > 0 {
		pool.SetScreenSize(o.screenW, o.screenH)
	}

	layouts := shader.NewLayoutCache(device)
	bindGroups, err := bindgroup.NewCache(device, layouts, cfg.BindGroups.CacheSize)
	if err != nil {
		return nil, err
	}
	pipelines := pipeline.New(device, layouts, pipeline.WithColorFormat(colorFormat(cfg.Pool, surface)))

	uploads := upload.NewRegistry()
	for m, u := range o.uploaders {
		uploads.Register(m, u)
	}
	encOpts := append(cfg.Encoder.options(), encoder.WithUploads(uploads))

	e := &Engine{
		Device:        device,
		Queue:         queue,
		Layouts:       layouts,
		Pipelines:     pipelines,
		BindGroups:    bindGroups,
		Pool:          pool,
		Uploads:       uploads,
		Encoder:       encoder.New(device, queue, pipelines, bindGroups, encOpts...),
		config:        cfg,
		surfaceFormat: surface,
	}
	Logger().Debug("gpucache: engine created", "surfaceFormat", surface.String(), "bindGroupCache", cfg.BindGroups.CacheSize)
	return e, nil
}

// colorFormat resolves the 8-bit color format shared by pooled targets and
// pipelines: the configured one, else the surface format, else
// state.DefaultColorFormat.
// The format is fixed for the engine's lifetime since cached pipelines
// are built for it.
func colorFormat(p PoolConfig, surface gputypes.TextureFormat) gputypes.TextureFormat {
	if f, err := p.colorFormat(surface); err == nil && f != gputypes.TextureFormatUndefined {
		return f
	}
	return state.DefaultColorFormat
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// Reconfigure validates cfg and applies its pool section, clearing the
// pool. The color format, bind-group and encoder sections take effect for
// new engines only.
func (e *Engine) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.Pool.SetOptions(cfg.Pool.poolOptions(colorFormat(e.config.Pool, e.surfaceFormat))...); err != nil {
		return err
	}
	if cfg.BindGroups != e.config.BindGroups || cfg.Encoder != e.config.Encoder || cfg.Pool.ColorFormat != e.config.Pool.ColorFormat {
		Logger().Warn("gpucache: color format, bind group and encoder settings apply to new engines only")
	}
	e.config = cfg
	return nil
}

// SetScreenSize updates the output surface size of the pool.
func (e *Engine) SetScreenSize(width, height int) {
	e.Pool.SetScreenSize(width, height)
}

// AttachResizeSource keeps the pool's screen size in step with the
// window's resize events.
func (e *Engine) AttachResizeSource(src gpucontext.EventSource) {
	src.OnResize(func(width, height int) {
		e.SetScreenSize(width, height)
	})
}

// Compile compiles WGSL source into a program on the engine's device.
func (e *Engine) Compile(src shader.Source) (*shader.Program, error) {
	return shader.Compile(e.Device, src)
}

// ReloadProgram compiles src and, on success, drops every pipeline built
// for old and retires old. The retired objects are destroyed at the first
// BeginFrame after the device has completed every frame submitted so far.
// On failure old stays usable.
func (e *Engine) ReloadProgram(old *shader.Program, src shader.Source) (*shader.Program, error) {
	p, err := e.Compile(src)
	if err != nil {
		return nil, err
	}
	if old != nil {
		n := e.Pipelines.RetireProgram(old)
		Logger().Debug("gpucache: program reloaded", "program", p.String(), "dropped", n)
	}
	return p, nil
}

// Stats aggregates the counters of every component.
type Stats struct {
	Pipelines  pipeline.Stats
	BindGroups bindgroup.CacheStats
	Pool       texpool.Stats
	Encoder    encoder.Stats
}

func (s Stats) String() string {
	return fmt.Sprintf("%s\n%s\n%s\n%s", s.Pipelines, s.BindGroups, s.Pool, s.Encoder)
}

// Stats returns a snapshot of every component's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Pipelines:  e.Pipelines.Stats(),
		BindGroups: e.BindGroups.Stats(),
		Pool:       e.Pool.Stats(),
		Encoder:    e.Encoder.Stats(),
	}
}

// Destroy waits for submitted frames and releases every cached object.
// Textures still checked out of the pool are destroyed on release.
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	e.Encoder.Destroy()
	e.BindGroups.Destroy()
	e.Pipelines.Destroy()
	e.Pool.Clear()
	e.Layouts.Destroy()
	e.destroyed = true
}
