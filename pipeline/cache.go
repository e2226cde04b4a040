// Package pipeline caches compiled render and compute pipeline objects.
//
// Lookups go through two levels. The outer level is a partition selected
// by the global render-target state; inside it, a program key (geometry
// layout, program, topology) selects a per-program sub-cache, and a draw
// key (the packed RenderState) selects the pipeline. The program key of
// the previous lookup is remembered so runs of draws with the same
// program skip the outer map.
//
// Changing global state swaps partitions but never destroys pipelines;
// returning to an earlier global state finds its pipelines again.
//
// A Cache is not safe for concurrent use. One encoder drives it.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucache/geometry"
	"github.com/gogpu/gpucache/shader"
	"github.com/gogpu/gpucache/state"
)

var (
	// ErrPipelineCreation wraps backend pipeline compile failures.
	ErrPipelineCreation = errors.New("pipeline: creation failed")

	// ErrNotRender is returned when a compute program is used for drawing.
	ErrNotRender = errors.New("pipeline: program has no vertex stage")

	// ErrNotCompute is returned when a render program is dispatched.
	ErrNotCompute = errors.New("pipeline: program has no compute stage")

	// ErrDestroyed is returned after Destroy.
	ErrDestroyed = errors.New("pipeline: cache destroyed")
)

type partition struct {
	global   state.GlobalState
	programs map[uint64]*programCache
}

type programCache struct {
	program   *shader.Program
	pipelines map[uint64]hal.RenderPipeline
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	colorFormat gputypes.TextureFormat
}

// WithColorFormat sets the color target format used when the HDR tier is
// state.HDRNone. The default is state.DefaultColorFormat.
func WithColorFormat(f gputypes.TextureFormat) Option {
	return func(o *options) { o.colorFormat = f }
}

// Cache builds pipelines on demand and keeps them for its lifetime.
type Cache struct {
	device  hal.Device
	layouts *shader.LayoutCache
	opts    options

	global     state.GlobalState
	globalKey  uint64
	partitions map[uint64]*partition
	active     *partition

	lastProgramKey uint64
	lastProgram    *programCache

	vertex  map[vertexKey][]gputypes.VertexBufferLayout
	compute map[uint64]hal.ComputePipeline

	// Objects dropped while submitted work may still use them. Collect
	// destroys them.
	retiredRender   []hal.RenderPipeline
	retiredCompute  []hal.ComputePipeline
	retiredPrograms []*shader.Program

	stats     Stats
	destroyed bool
}

// New creates a cache for device. Layout objects come from layouts, which
// the caller shares with the bind-group cache.
func New(device hal.Device, layouts *shader.LayoutCache, opts ...Option) *Cache {
	o := options{colorFormat: state.DefaultColorFormat}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cache{
		device:     device,
		layouts:    layouts,
		opts:       o,
		partitions: make(map[uint64]*partition),
		vertex:     make(map[vertexKey][]gputypes.VertexBufferLayout),
		compute:    make(map[uint64]hal.ComputePipeline),
	}
	// The default global state always packs.
	_ = c.SetGlobalState(state.DefaultGlobalState())
	return c
}

// GlobalState returns the active global state.
func (c *Cache) GlobalState() state.GlobalState { return c.global }

// ColorFormat returns the color target format for the active HDR tier.
func (c *Cache) ColorFormat() gputypes.TextureFormat {
	return c.global.HDR.ColorFormat(c.opts.colorFormat)
}

// SetGlobalState selects the partition for g, creating an empty one on
// first use. The program fast path is reset even when the partition is
// unchanged numerically.
func (c *Cache) SetGlobalState(g state.GlobalState) error {
	key, err := g.Key()
	if err != nil {
		return err
	}
	if c.active != nil && key == c.globalKey {
		c.global = g
		return nil
	}
	p, ok := c.partitions[key]
	if !ok {
		p = &partition{global: g, programs: make(map[uint64]*programCache)}
		c.partitions[key] = p
	}
	slogger().Debug("pipeline: global state changed", "key", key, "state", g.String(), "new", !ok)
	c.global = g
	c.globalKey = key
	c.active = p
	c.lastProgram = nil
	return nil
}

// RenderPipeline returns the pipeline for drawing geo with prog under rs
// and the active global state, building it on a miss.
func (c *Cache) RenderPipeline(geo *geometry.Geometry, prog *shader.Program, topology gputypes.PrimitiveTopology, rs state.RenderState) (hal.RenderPipeline, error) {
	if c.destroyed {
		return nil, ErrDestroyed
	}
	if !prog.Vertex.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrNotRender, prog)
	}
	geoKey, err := geo.LayoutKey()
	if err != nil {
		return nil, err
	}
	programKey, err := ProgramKey(geoKey, prog.ID(), topology)
	if err != nil {
		return nil, err
	}

	pc := c.lastProgram
	if pc == nil || programKey != c.lastProgramKey {
		pc = c.active.programs[programKey]
		if pc == nil {
			pc = &programCache{program: prog, pipelines: make(map[uint64]hal.RenderPipeline)}
			c.active.programs[programKey] = pc
		}
		c.lastProgramKey = programKey
		c.lastProgram = pc
	}

	drawKey, err := rs.Key()
	if err != nil {
		return nil, err
	}
	if p, ok := pc.pipelines[drawKey]; ok {
		c.stats.Hits++
		return p, nil
	}
	c.stats.Misses++

	p, err := c.build(geo, geoKey, prog, topology, rs)
	if err != nil {
		return nil, err
	}
	pc.pipelines[drawKey] = p
	c.stats.RenderPipelines++
	slogger().Debug("pipeline: built render pipeline",
		"program", prog.String(), "geometry", geo.Label, "programKey", programKey, "drawKey", drawKey, "global", c.globalKey)
	return p, nil
}

func (c *Cache) build(geo *geometry.Geometry, geoKey uint64, prog *shader.Program, topology gputypes.PrimitiveTopology, rs state.RenderState) (hal.RenderPipeline, error) {
	layout, err := c.layouts.PipelineLayout(prog)
	if err != nil {
		return nil, err
	}
	buffers, err := c.vertexBuffers(geo, geoKey, prog)
	if err != nil {
		return nil, err
	}

	g := c.global
	desc := &hal.RenderPipelineDescriptor{
		Label:  fmt.Sprintf("%s/%s", prog.Label, geo.Label),
		Layout: layout,
		Vertex: hal.VertexState{
			Module:     prog.Vertex.Module,
			EntryPoint: prog.Vertex.EntryPoint,
			Buffers:    buffers,
		},
		Primitive: rs.Primitive(topology),
		Multisample: gputypes.MultisampleState{
			Count:                  g.Samples(),
			Mask:                   0xFFFFFFFF,
			AlphaToCoverageEnabled: rs.AlphaToCoverage,
		},
	}
	if isStrip(topology) && geo.Indexed() {
		_, f := geo.Index()
		desc.Primitive.StripIndexFormat = &f
	}
	if prog.Fragment.Valid() {
		target, err := rs.ColorTarget(c.ColorFormat(), g.ColorMask)
		if err != nil {
			return nil, err
		}
		desc.Fragment = &hal.FragmentState{
			Module:     prog.Fragment.Module,
			EntryPoint: prog.Fragment.EntryPoint,
			Targets:    []gputypes.ColorTargetState{target},
		}
	}
	if g.DepthStencil != state.DepthStencilNone {
		desc.DepthStencil = depthStencil(g, rs)
	}

	p, err := c.device.CreateRenderPipeline(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPipelineCreation, desc.Label, err)
	}
	return p, nil
}

func isStrip(t gputypes.PrimitiveTopology) bool {
	return t == gputypes.PrimitiveTopologyLineStrip || t == gputypes.PrimitiveTopologyTriangleStrip
}

func depthStencil(g state.GlobalState, rs state.RenderState) *hal.DepthStencilState {
	kind := g.DepthStencil
	ds := &hal.DepthStencilState{
		Format:       kind.Format(),
		DepthCompare: gputypes.CompareFunctionAlways,
	}
	if kind.HasDepth() {
		ds.DepthWriteEnabled = rs.DepthWrite
		ds.DepthCompare = rs.EffectiveCompare()
		ds.DepthBias = rs.DepthBias.Constant
		ds.DepthBiasSlopeScale = rs.DepthBias.SlopeScale
		ds.DepthBiasClamp = rs.DepthBias.Clamp
	}
	mode := state.StencilDisabled
	if kind.HasStencil() {
		mode = g.Stencil
	}
	faces := mode.Faces()
	ds.StencilFront = faces.Front
	ds.StencilBack = faces.Back
	ds.StencilReadMask = faces.ReadMask
	ds.StencilWriteMask = faces.WriteMask
	return ds
}

// vertexBuffers translates the geometry layout into one buffer layout per
// slot, matched against the program's attribute locations. The result is
// memoized per (geometry layout, attribute locations).
func (c *Cache) vertexBuffers(geo *geometry.Geometry, geoKey uint64, prog *shader.Program) ([]gputypes.VertexBufferLayout, error) {
	key := vertexKey{geometry: geoKey, attributes: prog.AttributeLocationsKey()}
	if v, ok := c.vertex[key]; ok {
		return v, nil
	}
	slots, err := geo.Slots()
	if err != nil {
		return nil, err
	}
	attrs := geo.Attributes()
	locations := prog.Layout().Attributes

	present := make(map[string]bool, len(attrs))
	layouts := make([]gputypes.VertexBufferLayout, len(slots))
	for slot, buf := range slots {
		l := gputypes.VertexBufferLayout{
			ArrayStride: geo.Stride(buf),
			StepMode:    gputypes.VertexStepModeVertex,
		}
		for _, a := range attrs {
			if a.Buffer != buf {
				continue
			}
			if a.Instance {
				l.StepMode = gputypes.VertexStepModeInstance
				if a.Divisor > 1 {
					c.stats.Warnings++
					slogger().Warn("pipeline: unsupported instance divisor, using 1",
						"attribute", a.Name, "divisor", a.Divisor, "program", prog.String(), "geometry", geo.Label)
				}
			}
			loc, ok := locations[a.Name]
			if !ok {
				continue
			}
			present[a.Name] = true
			l.Attributes = append(l.Attributes, gputypes.VertexAttribute{
				Format:         a.Format,
				Offset:         a.Offset,
				ShaderLocation: loc,
			})
		}
		layouts[slot] = l
	}
	for name := range locations {
		if !present[name] {
			c.stats.Warnings++
			slogger().Warn("pipeline: shader attribute missing from geometry",
				"attribute", name, "program", prog.String(), "geometry", geo.Label)
		}
	}
	c.vertex[key] = layouts
	return layouts, nil
}

// ComputePipeline returns the compute pipeline for prog. Compute pipelines
// depend only on the program and are shared by every partition.
func (c *Cache) ComputePipeline(prog *shader.Program) (hal.ComputePipeline, error) {
	if c.destroyed {
		return nil, ErrDestroyed
	}
	if !prog.Compute.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrNotCompute, prog)
	}
	key, err := ProgramKey(0, prog.ID(), 0)
	if err != nil {
		return nil, err
	}
	if p, ok := c.compute[key]; ok {
		c.stats.Hits++
		return p, nil
	}
	c.stats.Misses++

	layout, err := c.layouts.PipelineLayout(prog)
	if err != nil {
		return nil, err
	}
	p, err := c.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  prog.Label,
		Layout: layout,
		Compute: hal.ComputeState{
			Module:     prog.Compute.Module,
			EntryPoint: prog.Compute.EntryPoint,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPipelineCreation, prog, err)
	}
	c.compute[key] = p
	c.stats.ComputePipelines++
	slogger().Debug("pipeline: built compute pipeline", "program", prog.String())
	return p, nil
}

// DropProgram removes every pipeline built for prog in every partition and
// retires it. Retired pipelines are destroyed by Collect, once the device
// has finished the work that used them. It returns the number of pipelines
// dropped.
func (c *Cache) DropProgram(prog *shader.Program) int {
	n := 0
	for _, part := range c.partitions {
		for key, pc := range part.programs {
			if pc.program != prog {
				continue
			}
			for _, p := range pc.pipelines {
				c.retiredRender = append(c.retiredRender, p)
				n++
			}
			c.stats.RenderPipelines -= len(pc.pipelines)
			delete(part.programs, key)
		}
	}
	if key, err := ProgramKey(0, prog.ID(), 0); err == nil {
		if p, ok := c.compute[key]; ok {
			c.retiredCompute = append(c.retiredCompute, p)
			delete(c.compute, key)
			c.stats.ComputePipelines--
			n++
		}
	}
	c.lastProgram = nil
	if n > 0 {
		slogger().Debug("pipeline: dropped program", "program", prog.String(), "pipelines", n)
	}
	return n
}

// RetireProgram drops prog's pipelines like DropProgram and schedules the
// program's own shader modules for destruction by Collect.
func (c *Cache) RetireProgram(prog *shader.Program) int {
	n := c.DropProgram(prog)
	c.retiredPrograms = append(c.retiredPrograms, prog)
	return n
}

// Retired returns the number of objects waiting for Collect.
func (c *Cache) Retired() int {
	return len(c.retiredRender) + len(c.retiredCompute) + len(c.retiredPrograms)
}

// Collect destroys retired pipelines and programs. Call it only when no
// submitted work can still reference them.
func (c *Cache) Collect() int {
	n := c.Retired()
	for _, p := range c.retiredRender {
		c.device.DestroyRenderPipeline(p)
	}
	for _, p := range c.retiredCompute {
		c.device.DestroyComputePipeline(p)
	}
	for _, p := range c.retiredPrograms {
		p.Destroy(c.device)
	}
	clear(c.retiredRender)
	clear(c.retiredCompute)
	clear(c.retiredPrograms)
	c.retiredRender = c.retiredRender[:0]
	c.retiredCompute = c.retiredCompute[:0]
	c.retiredPrograms = c.retiredPrograms[:0]
	return n
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	s := c.stats
	s.Partitions = len(c.partitions)
	s.Retired = c.Retired()
	for _, part := range c.partitions {
		s.Programs += len(part.programs)
	}
	return s
}

// Destroy releases every pipeline. The cache is unusable afterwards; the
// layout cache is left to its owner.
func (c *Cache) Destroy() {
	if c.destroyed {
		return
	}
	for _, part := range c.partitions {
		for _, pc := range part.programs {
			for _, p := range pc.pipelines {
				c.device.DestroyRenderPipeline(p)
			}
		}
	}
	for _, p := range c.compute {
		c.device.DestroyComputePipeline(p)
	}
	c.Collect()
	c.partitions = nil
	c.compute = nil
	c.active = nil
	c.lastProgram = nil
	c.destroyed = true
}
