package encoder

import (
	"fmt"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucache/bindgroup"
	"github.com/gogpu/gpucache/geometry"
	"github.com/gogpu/gpucache/multidraw"
	"github.com/gogpu/gpucache/shader"
	"github.com/gogpu/gpucache/state"
)

type boundGroup struct {
	bindGroup hal.BindGroup
	key       string
}

type viewport struct {
	x, y, width, height, minDepth, maxDepth float32
}

type scissor struct {
	x, y, width, height uint32
}

// bound is what the open pass currently has set.
type bound struct {
	pipeline hal.RenderPipeline
	compute  hal.ComputePipeline

	vertex      []hal.Buffer
	index       hal.Buffer
	indexFormat gputypes.IndexFormat

	groups    []boundGroup
	layout    uint64
	hasLayout bool

	viewport   viewport
	scissor    scissor
	stencilRef uint32
	hasView    bool
	hasScissor bool
	hasRef     bool
}

func newBound(vertexSlots, groupSlots int) bound {
	return bound{
		vertex: make([]hal.Buffer, vertexSlots),
		groups: make([]boundGroup, groupSlots),
	}
}

func (b *bound) reset() {
	vertex, groups := b.vertex, b.groups
	clear(vertex)
	clear(groups)
	*b = bound{vertex: vertex, groups: groups}
}

func (b *bound) clone() bound {
	c := *b
	c.vertex = slices.Clone(b.vertex)
	c.groups = slices.Clone(b.groups)
	return c
}

// Draw is one draw submission.
type Draw struct {
	Geometry *geometry.Geometry
	Program  *shader.Program
	// Groups holds the bind group for each group index the program
	// declares. Indices with no bindings may be nil.
	Groups []*bindgroup.Group
	State  state.RenderState

	// Count is the number of indices when the geometry is indexed,
	// otherwise the number of vertices.
	Count uint32
	// Start is the first index or vertex.
	Start uint32
	// InstanceCount defaults to one.
	InstanceCount uint32
	FirstInstance uint32
	// BaseVertex is added to each index of an indexed draw.
	BaseVertex int32
}

// Draw binds what d needs that is not already bound and records the draw.
func (e *Encoder) Draw(d Draw) error {
	if err := e.prepare(d); err != nil {
		return err
	}
	e.emit(d.Geometry.Indexed(), d.Count, max(d.InstanceCount, 1), d.Start, d.BaseVertex, d.FirstInstance)
	return nil
}

// MultiDraw records one draw per range of ranges with the bindings of d.
// Count, Start and the instance fields of d are ignored. An instanced
// buffer emits one instanced draw per range; otherwise the table is
// converted to vertex ranges and each range is drawn once. hal has no
// multi-draw entry point, so a table of n ranges always records n draws.
func (e *Encoder) MultiDraw(d Draw, ranges *multidraw.Buffer) error {
	if ranges.Len() == 0 {
		return nil
	}
	if err := e.prepare(d); err != nil {
		return err
	}
	indexed := d.Geometry.Indexed()
	if !ranges.Instanced {
		ranges.ConvertInstancesToVertices()
	}
	for i := range ranges.Len() {
		r := ranges.Range(i)
		if ranges.Instanced {
			e.emit(indexed, r.Count, max(r.InstanceCount, 1), r.Offset, d.BaseVertex, r.BaseInstance)
		} else {
			e.emit(indexed, r.Count, 1, r.Offset, d.BaseVertex, 0)
		}
	}
	e.stats.MultiDraws++
	return nil
}

func (e *Encoder) emit(indexed bool, count, instances, first uint32, baseVertex int32, firstInstance uint32) {
	if indexed {
		e.render.DrawIndexed(count, instances, first, baseVertex, firstInstance)
	} else {
		e.render.Draw(count, instances, first, firstInstance)
	}
	e.stats.Draws++
}

func (e *Encoder) prepare(d Draw) error {
	if e.pass != passRender {
		return ErrNoRenderPass
	}
	geo := d.Geometry
	pl, err := e.pipelines.RenderPipeline(geo, d.Program, geo.Topology(), d.State)
	if err != nil {
		return err
	}
	if e.bound.pipeline != pl {
		e.render.SetPipeline(pl)
		e.bound.pipeline = pl
		e.stats.PipelineSets++
	} else {
		e.stats.Elided++
	}
	if err := e.bindGeometry(geo); err != nil {
		return err
	}
	return e.bindProgramGroups(e.render, d.Program, d.Groups)
}

// bindGeometry binds each distinct vertex buffer of geo at its slot and
// the index buffer, skipping what is already bound.
func (e *Encoder) bindGeometry(geo *geometry.Geometry) error {
	slots, err := geo.Slots()
	if err != nil {
		return err
	}
	if len(slots) > len(e.bound.vertex) {
		return fmt.Errorf("%w: geometry %q uses %d, limit %d", ErrTooManyBuffers, geo.Label, len(slots), len(e.bound.vertex))
	}
	for slot, index := range slots {
		buf := geo.Buffer(index)
		if e.bound.vertex[slot] == buf {
			e.stats.Elided++
			continue
		}
		e.render.SetVertexBuffer(uint32(slot), buf, 0)
		e.bound.vertex[slot] = buf
		e.stats.VertexBufferSets++
	}
	buf, format := geo.Index()
	if buf == nil {
		return nil
	}
	if e.bound.index == buf && e.bound.indexFormat == format {
		e.stats.Elided++
		return nil
	}
	e.render.SetIndexBuffer(buf, format, 0)
	e.bound.index = buf
	e.bound.indexFormat = format
	e.stats.IndexBufferSets++
	return nil
}

// Dispatch records a compute dispatch of prog with groups bound.
func (e *Encoder) Dispatch(prog *shader.Program, groups []*bindgroup.Group, x, y, z uint32) error {
	if e.pass != passCompute {
		return ErrNoComputePass
	}
	pl, err := e.pipelines.ComputePipeline(prog)
	if err != nil {
		return err
	}
	if e.bound.compute != pl {
		e.compute.SetPipeline(pl)
		e.bound.compute = pl
		e.stats.PipelineSets++
	} else {
		e.stats.Elided++
	}
	if err := e.bindProgramGroups(e.compute, prog, groups); err != nil {
		return err
	}
	e.compute.Dispatch(max(x, 1), max(y, 1), max(z, 1))
	e.stats.Dispatches++
	return nil
}

// SetViewport sets the viewport of the open render pass.
func (e *Encoder) SetViewport(x, y, width, height, minDepth, maxDepth float32) error {
	if e.pass != passRender {
		return ErrNoRenderPass
	}
	v := viewport{x, y, width, height, minDepth, maxDepth}
	if e.bound.hasView && e.bound.viewport == v {
		e.stats.Elided++
		return nil
	}
	e.render.SetViewport(x, y, width, height, minDepth, maxDepth)
	e.bound.viewport, e.bound.hasView = v, true
	e.stats.ViewportSets++
	return nil
}

// SetScissor sets the scissor rectangle of the open render pass.
func (e *Encoder) SetScissor(x, y, width, height uint32) error {
	if e.pass != passRender {
		return ErrNoRenderPass
	}
	s := scissor{x, y, width, height}
	if e.bound.hasScissor && e.bound.scissor == s {
		e.stats.Elided++
		return nil
	}
	e.render.SetScissorRect(x, y, width, height)
	e.bound.scissor, e.bound.hasScissor = s, true
	e.stats.ScissorSets++
	return nil
}

// SetStencilReference sets the stencil reference of the open render pass.
func (e *Encoder) SetStencilReference(ref uint32) error {
	if e.pass != passRender {
		return ErrNoRenderPass
	}
	if e.bound.hasRef && e.bound.stencilRef == ref {
		e.stats.Elided++
		return nil
	}
	e.render.SetStencilReference(ref)
	e.bound.stencilRef, e.bound.hasRef = ref, true
	e.stats.StencilRefSets++
	return nil
}

// RestoreRenderPass ends the open render pass, calls inspect with the
// frame's command encoder so it can record copies of the target, then
// reopens the pass loading the existing contents and rebinds everything
// that was bound. The rebinding does not rely on the device keeping state
// across passes. The error from inspect is returned after the pass is
// restored.
func (e *Encoder) RestoreRenderPass(inspect func(hal.CommandEncoder) error) error {
	if e.pass != passRender {
		return ErrNoRenderPass
	}
	snapshot := e.bound.clone()
	e.EndPass()
	var err error
	if inspect != nil {
		err = inspect(e.enc)
	}
	e.openRenderPass(e.target.descriptor(false))
	e.replay(snapshot)
	e.stats.Restores++
	slogger().Debug("encoder: render pass restored", "target", e.target.Label)
	return err
}

// replay binds every entry of snapshot into the freshly opened pass.
func (e *Encoder) replay(s bound) {
	if s.pipeline != nil {
		e.render.SetPipeline(s.pipeline)
		e.stats.PipelineSets++
	}
	for slot, buf := range s.vertex {
		if buf != nil {
			e.render.SetVertexBuffer(uint32(slot), buf, 0)
			e.stats.VertexBufferSets++
		}
	}
	if s.index != nil {
		e.render.SetIndexBuffer(s.index, s.indexFormat, 0)
		e.stats.IndexBufferSets++
	}
	for i, g := range s.groups {
		if g.bindGroup != nil {
			e.render.SetBindGroup(uint32(i), g.bindGroup, nil)
			e.stats.BindGroupSets++
		}
	}
	if s.hasView {
		v := s.viewport
		e.render.SetViewport(v.x, v.y, v.width, v.height, v.minDepth, v.maxDepth)
		e.stats.ViewportSets++
	}
	if s.hasScissor {
		r := s.scissor
		e.render.SetScissorRect(r.x, r.y, r.width, r.height)
		e.stats.ScissorSets++
	}
	if s.hasRef {
		e.render.SetStencilReference(s.stencilRef)
		e.stats.StencilRefSets++
	}
	e.bound = s
}
