// Command gpucache-bench drives a gpucache engine through synthetic frames
// on the no-op backend and prints the cache counters.
//
// With -watch the command keeps rendering and reloads the configuration
// file and the shader file whenever they change on disk.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/gpucache"
	"github.com/gogpu/gpucache/bindgroup"
	"github.com/gogpu/gpucache/encoder"
	"github.com/gogpu/gpucache/geometry"
	"github.com/gogpu/gpucache/multidraw"
	"github.com/gogpu/gpucache/shader"
	"github.com/gogpu/gpucache/state"
)

const spriteWGSL = `
struct Uniforms {
    offset: vec4<f32>,
    tint: vec4<f32>,
}

@group(0) @binding(0) var<uniform> uniforms: Uniforms;

struct VertexInput {
    @location(0) position: vec2<f32>,
    @location(1) uv: vec2<f32>,
}

struct VertexOutput {
    @builtin(position) position: vec4<f32>,
    @location(0) uv: vec2<f32>,
}

@vertex
fn vs_main(in: VertexInput) -> VertexOutput {
    var out: VertexOutput;
    out.position = vec4<f32>(in.position + uniforms.offset.xy, 0.0, 1.0);
    out.uv = in.uv;
    return out;
}

@fragment
fn fs_main(in: VertexOutput) -> @location(0) vec4<f32> {
    return vec4<f32>(in.uv, 0.0, 1.0) * uniforms.tint;
}
`

func main() {
	var (
		configPath = flag.String("config", "", "TOML configuration file")
		shaderPath = flag.String("shader", "", "WGSL file replacing the built-in sprite program")
		frames     = flag.Int("frames", 60, "frames to render; 0 with -watch runs until interrupted")
		draws      = flag.Int("draws", 64, "draws per frame")
		width      = flag.Int("width", 1280, "screen width")
		height     = flag.Int("height", 720, "screen height")
		watch      = flag.Bool("watch", false, "reload -config and -shader on change")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "gpucache",
	})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}
	gpucache.SetLogger(slog.New(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	b := &bench{
		log:        logger,
		configPath: *configPath,
		shaderPath: *shaderPath,
		draws:      max(*draws, 1),
	}
	if err := b.run(ctx, *frames, *width, *height, *watch); err != nil {
		logger.Fatal("bench failed", "err", err)
	}
}

type bench struct {
	log        *log.Logger
	configPath string
	shaderPath string
	draws      int

	engine  *gpucache.Engine
	program *shader.Program
	quad    *geometry.Geometry
	groups  []*bindgroup.Group
	tints   []*bindgroup.UniformBuffer
	ranges  *multidraw.Buffer
}

func (b *bench) run(ctx context.Context, frames, width, height int, watch bool) error {
	device, queue, cleanup, err := openNoop()
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := gpucache.DefaultConfig()
	if b.configPath != "" {
		if cfg, err = gpucache.LoadConfig(b.configPath); err != nil {
			return err
		}
	}
	b.engine, err = gpucache.NewEngine(device, queue,
		gpucache.WithConfig(cfg),
		gpucache.WithScreenSize(width, height))
	if err != nil {
		return err
	}
	defer b.engine.Destroy()

	if err := b.setup(); err != nil {
		return err
	}

	var reloads <-chan string
	if watch {
		w, err := b.watch()
		if err != nil {
			return err
		}
		defer w.Close()
		reloads = w.changed
	}

	start := time.Now()
	for n := 0; frames <= 0 && watch || n < frames; n++ {
		if ctx.Err() != nil {
			break
		}
		select {
		case path := <-reloads:
			b.reload(path)
		default:
		}
		if err := b.frame(ctx, n); err != nil {
			return fmt.Errorf("frame %d: %w", n, err)
		}
	}
	elapsed := time.Since(start)

	stats := b.engine.Stats()
	b.log.Info("done", "frames", stats.Encoder.Frames, "elapsed", elapsed)
	fmt.Println(stats)
	return nil
}

func openNoop() (hal.Device, hal.Queue, func(), error) {
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		return nil, nil, nil, err
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, nil, nil, errors.New("no adapters")
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, nil, nil, err
	}
	return open.Device, open.Queue, func() {
		open.Device.Destroy()
		instance.Destroy()
	}, nil
}

func (b *bench) setup() error {
	src, err := b.source()
	if err != nil {
		return err
	}
	if b.program, err = b.engine.Compile(src); err != nil {
		return err
	}

	device, queue := b.engine.Device, b.engine.Queue
	vertices := []float32{
		-0.5, -0.5, 0, 1,
		0.5, -0.5, 1, 1,
		0.5, 0.5, 1, 0,
		-0.5, 0.5, 0, 0,
	}
	indices := []uint16{0, 1, 2, 0, 2, 3}
	vb, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "quad vertices",
		Size:  uint64(len(vertices) * 4),
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return err
	}
	ib, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "quad indices",
		Size:  uint64(len(indices) * 2),
		Usage: gputypes.BufferUsageIndex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return err
	}
	if err := queue.WriteBuffer(vb, 0, float32Bytes(vertices)); err != nil {
		return err
	}
	ibData := make([]byte, 0, len(indices)*2)
	for _, i := range indices {
		ibData = binary.LittleEndian.AppendUint16(ibData, i)
	}
	if err := queue.WriteBuffer(ib, 0, ibData); err != nil {
		return err
	}

	b.quad = geometry.New("quad", vb)
	for _, a := range []geometry.Attribute{
		{Name: "position", Format: gputypes.VertexFormatFloat32x2, Stride: 16},
		{Name: "uv", Format: gputypes.VertexFormatFloat32x2, Offset: 8, Stride: 16},
	} {
		if err := b.quad.AddAttribute(a); err != nil {
			return err
		}
	}
	if err := b.quad.SetIndex(ib, gputypes.IndexFormatUint16); err != nil {
		return err
	}

	// Four materials cycled across draws keep the bind-group cache busy.
	for i := range 4 {
		u, err := bindgroup.NewUniformBuffer(device, fmt.Sprintf("tint %d", i), 32)
		if err != nil {
			return err
		}
		g := bindgroup.New(fmt.Sprintf("material %d", i), 1)
		if err := g.SetResource(0, u); err != nil {
			return err
		}
		b.tints = append(b.tints, u)
		b.groups = append(b.groups, g)
	}

	b.ranges = multidraw.New(8, 4, 6, true)
	b.ranges.Instanced = false
	return nil
}

func (b *bench) source() (shader.Source, error) {
	src := shader.Source{Label: "sprite", WGSL: spriteWGSL}
	if b.shaderPath == "" {
		return src, nil
	}
	data, err := os.ReadFile(b.shaderPath)
	if err != nil {
		return shader.Source{}, err
	}
	src.Label = filepath.Base(b.shaderPath)
	src.WGSL = string(data)
	return src, nil
}

func (b *bench) frame(ctx context.Context, n int) error {
	e := b.engine
	w, h := e.Pool.ScreenSize()
	target, err := e.Pool.Acquire(w, h, 1, n%2 == 1, state.HDRNone, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Pool.Release(target); err != nil {
			b.log.Warn("release target", "err", err)
		}
	}()

	enc := e.Encoder
	if err := enc.BeginFrame(fmt.Sprintf("frame %d", n)); err != nil {
		return err
	}
	rt := encoder.PoolTarget("scene", target, nil)
	rt.Clear = true
	rt.ClearColor = gputypes.Color{R: 0.1, G: 0.1, B: 0.1, A: 1}
	if err := enc.BeginRenderPass(rt); err != nil {
		enc.Discard()
		return err
	}
	if err := enc.SetViewport(0, 0, float32(target.PixelWidth), float32(target.PixelHeight), 0, 1); err != nil {
		enc.Discard()
		return err
	}

	phase := float64(n) / 30
	for i := range b.tints {
		var data [32]byte
		putFloat32s(data[:], float32(math.Cos(phase+float64(i))), float32(math.Sin(phase)), 0, 0,
			1, float32(i)/4, 0.5, 1)
		if err := b.tints[i].Write(0, data[:]); err != nil {
			enc.Discard()
			return err
		}
	}

	// Runs of draws sharing a material exercise redundant-bind elision.
	rs := state.DefaultRenderState()
	for i := range b.draws {
		d := encoder.Draw{
			Geometry: b.quad,
			Program:  b.program,
			Groups:   []*bindgroup.Group{b.groups[(i/8)%len(b.groups)]},
			State:    rs,
			Count:    6,
		}
		if err := enc.Draw(d); err != nil {
			enc.Discard()
			return err
		}
	}

	b.ranges.Reset()
	b.ranges.Instanced = false
	for i := range 8 {
		b.ranges.Add(uint32(i*2), 2)
	}
	md := encoder.Draw{Geometry: b.quad, Program: b.program, Groups: b.groups[:1], State: rs}
	if err := enc.MultiDraw(md, b.ranges); err != nil {
		enc.Discard()
		return err
	}
	enc.EndPass()

	done, err := enc.Submit()
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := done.Wait(waitCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type watcher struct {
	*fsnotify.Watcher
	changed chan string
}

// watch forwards writes to the config and shader files to the frame loop.
// Directories are watched so editors that replace files are still seen.
func (b *bench) watch() (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	files := map[string]bool{}
	for _, p := range []string{b.configPath, b.shaderPath} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			fw.Close()
			return nil, err
		}
		files[abs] = true
		if err := fw.Add(filepath.Dir(abs)); err != nil {
			fw.Close()
			return nil, err
		}
	}
	if len(files) == 0 {
		b.log.Warn("-watch without -config or -shader has nothing to watch")
	}

	w := &watcher{Watcher: fw, changed: make(chan string, 1)}
	go func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				abs, _ := filepath.Abs(ev.Name)
				if !files[abs] {
					continue
				}
				select {
				case w.changed <- abs:
				default:
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				b.log.Error("watch", "err", err)
			}
		}
	}()
	return w, nil
}

func (b *bench) reload(path string) {
	if abs, _ := filepath.Abs(b.configPath); b.configPath != "" && abs == path {
		cfg, err := gpucache.LoadConfig(b.configPath)
		if err == nil {
			err = b.engine.Reconfigure(cfg)
		}
		if err != nil {
			b.log.Error("config reload failed", "path", path, "err", err)
			return
		}
		b.log.Info("config reloaded", "path", path)
		return
	}
	src, err := b.source()
	if err != nil {
		b.log.Error("shader read failed", "path", path, "err", err)
		return
	}
	p, err := b.engine.ReloadProgram(b.program, src)
	if err != nil {
		b.log.Error("shader reload failed, keeping previous program", "path", path, "err", err)
		return
	}
	b.program = p
	b.log.Info("shader reloaded", "path", path)
}

func float32Bytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	putFloat32s(out, v...)
	return out
}

func putFloat32s(dst []byte, v ...float32) {
	for i, f := range v {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(f))
	}
}
