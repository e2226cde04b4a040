// Package encoder records frames of draws and dispatches into device
// command buffers.
//
// An Encoder tracks what is currently bound in the open pass: the
// pipeline, every vertex buffer slot, the index buffer, every bind group
// slot, viewport, scissor and stencil reference. A draw emits device calls
// only for the state that differs. The tables are reset whenever a pass
// begins, since the device does not carry bindings across passes.
//
// Frame lifecycle:
//
//	BeginFrame -> BeginRenderPass/BeginComputePass -> Draw/Dispatch ... -> Submit
//
// Beginning a pass ends the open one. Submit ends the frame and returns a
// Completion resolved once the device has executed it.
//
// An Encoder is not safe for concurrent use.
package encoder

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucache/bindgroup"
	"github.com/gogpu/gpucache/pipeline"
	"github.com/gogpu/gpucache/shader"
	"github.com/gogpu/gpucache/state"
	"github.com/gogpu/gpucache/texpool"
	"github.com/gogpu/gpucache/upload"
)

var (
	// ErrNotRecording is returned when no frame is open.
	ErrNotRecording = errors.New("encoder: no frame recording")

	// ErrFrameOpen is returned by BeginFrame while a frame is open.
	ErrFrameOpen = errors.New("encoder: frame already recording")

	// ErrNoRenderPass is returned by draw calls outside a render pass.
	ErrNoRenderPass = errors.New("encoder: no render pass open")

	// ErrNoComputePass is returned by Dispatch outside a compute pass.
	ErrNoComputePass = errors.New("encoder: no compute pass open")

	// ErrNoColorTarget is returned for a render target without a color view.
	ErrNoColorTarget = errors.New("encoder: render target has no color view")

	// ErrTooManyBuffers is returned when a geometry needs more vertex
	// buffer slots than the encoder tracks.
	ErrTooManyBuffers = errors.New("encoder: too many vertex buffers")

	// ErrTooManyGroups is returned when a program declares more bind
	// groups than the encoder tracks.
	ErrTooManyGroups = errors.New("encoder: too many bind groups")

	// ErrMissingGroup is returned when a program declares bindings in a
	// group the draw does not supply.
	ErrMissingGroup = errors.New("encoder: missing bind group")

	// ErrDestroyed is returned after Destroy.
	ErrDestroyed = errors.New("encoder: destroyed")
)

type passKind uint8

const (
	passNone passKind = iota
	passRender
	passCompute
)

// Encoder records frames against one device and queue.
type Encoder struct {
	device     hal.Device
	queue      hal.Queue
	pipelines  *pipeline.Cache
	bindGroups *bindgroup.Cache
	uploads    *upload.Registry
	opts       options

	enc     hal.CommandEncoder
	frame   uint64
	pass    passKind
	render  hal.RenderPassEncoder
	compute hal.ComputePassEncoder
	target  RenderTarget
	bound   bound
	empty   *bindgroup.Group

	lastSubmitted uint64
	poller        *poller
	stats         Stats
	destroyed     bool
}

// New returns an encoder drawing with pipelines from pipelines and bind
// groups from bindGroups. Both caches must have been created for device.
func New(device hal.Device, queue hal.Queue, pipelines *pipeline.Cache, bindGroups *bindgroup.Cache, opts ...Option) *Encoder {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.uploads == nil {
		o.uploads = upload.NewRegistry()
	}
	return &Encoder{
		device:     device,
		queue:      queue,
		pipelines:  pipelines,
		bindGroups: bindGroups,
		uploads:    o.uploads,
		opts:       o,
		bound:      newBound(o.maxVertexBuffers, o.maxBindGroups),
		empty:      bindgroup.New("empty", 0),
		poller:     newPoller(device, queue, o.pollInterval),
	}
}

// Recording reports whether a frame is open.
func (e *Encoder) Recording() bool { return e.enc != nil }

// Stats returns a snapshot of the encoder counters.
func (e *Encoder) Stats() Stats { return e.stats }

// BeginFrame opens a command recording scope. Bind groups evicted from the
// cache and pipelines dropped from the pipeline cache are destroyed here
// once the device has finished every earlier submission.
func (e *Encoder) BeginFrame(label string) error {
	if e.destroyed {
		return ErrDestroyed
	}
	if e.enc != nil {
		return ErrFrameOpen
	}
	if label == "" {
		label = fmt.Sprintf("%s-frame-%d", e.opts.label, e.frame+1)
	}
	enc, err := e.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return fmt.Errorf("encoder: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(label); err != nil {
		enc.Destroy()
		return fmt.Errorf("encoder: begin encoding: %w", err)
	}
	e.enc = enc
	e.frame++
	e.stats.Frames++
	if e.queue.PollCompleted() >= e.lastSubmitted {
		if n := e.bindGroups.Collect(); n > 0 {
			slogger().Debug("encoder: collected bind groups", "count", n)
		}
		if n := e.pipelines.Collect(); n > 0 {
			slogger().Debug("encoder: collected pipelines", "count", n)
		}
	}
	return nil
}

// RenderTarget describes the attachments of a render pass.
type RenderTarget struct {
	Label string

	Color   hal.TextureView
	Resolve hal.TextureView

	DepthStencil       hal.TextureView
	DepthStencilFormat gputypes.TextureFormat

	SampleCount uint32
	HDR         state.HDRTier

	// Clear selects clear load operations; otherwise existing contents
	// are loaded.
	Clear        bool
	ClearColor   gputypes.Color
	ClearDepth   float32
	ClearStencil uint32
}

// PoolTarget returns a target rendering into a pooled texture. When color
// is multisampled, resolve receives the resolved image and may be nil.
func PoolTarget(label string, color, resolve *texpool.Texture) RenderTarget {
	t := RenderTarget{
		Label:       label,
		Color:       color.View,
		SampleCount: color.SampleCount,
		HDR:         color.HDR,
	}
	if color.SampleCount > 1 && resolve != nil {
		t.Resolve = resolve.View
	}
	return t
}

func (t RenderTarget) descriptor(clear bool) *hal.RenderPassDescriptor {
	load := gputypes.LoadOpLoad
	if clear {
		load = gputypes.LoadOpClear
	}
	desc := &hal.RenderPassDescriptor{
		Label: t.Label,
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:          t.Color,
			ResolveTarget: t.Resolve,
			LoadOp:        load,
			StoreOp:       gputypes.StoreOpStore,
			ClearValue:    t.ClearColor,
		}},
	}
	if t.DepthStencil == nil {
		return desc
	}
	kind := state.DepthStencilKindOf(t.DepthStencilFormat)
	ds := &hal.RenderPassDepthStencilAttachment{View: t.DepthStencil}
	if kind.HasDepth() {
		ds.DepthLoadOp = load
		ds.DepthStoreOp = gputypes.StoreOpStore
		ds.DepthClearValue = t.ClearDepth
	}
	if kind.HasStencil() {
		ds.StencilLoadOp = load
		ds.StencilStoreOp = gputypes.StoreOpStore
		ds.StencilClearValue = t.ClearStencil
	}
	desc.DepthStencilAttachment = ds
	return desc
}

// BeginRenderPass ends any open pass and begins a render pass into t. The
// pipeline cache switches to the global state the target implies.
func (e *Encoder) BeginRenderPass(t RenderTarget) error {
	if e.enc == nil {
		return ErrNotRecording
	}
	if t.Color == nil {
		return ErrNoColorTarget
	}
	g := e.pipelines.GlobalState()
	g.SampleCount = max(t.SampleCount, 1)
	g.HDR = t.HDR
	g.DepthStencil = state.DepthStencilNone
	if t.DepthStencil != nil {
		g.DepthStencil = state.DepthStencilKindOf(t.DepthStencilFormat)
	}
	if err := e.pipelines.SetGlobalState(g); err != nil {
		return fmt.Errorf("encoder: render target: %w", err)
	}
	e.EndPass()
	e.target = t
	e.openRenderPass(t.descriptor(t.Clear))
	e.stats.RenderPasses++
	return nil
}

func (e *Encoder) openRenderPass(desc *hal.RenderPassDescriptor) {
	e.render = e.enc.BeginRenderPass(desc)
	e.pass = passRender
	e.bound.reset()
}

// BeginComputePass ends any open pass and begins a compute pass.
func (e *Encoder) BeginComputePass(label string) error {
	if e.enc == nil {
		return ErrNotRecording
	}
	e.EndPass()
	e.compute = e.enc.BeginComputePass(&hal.ComputePassDescriptor{Label: label})
	e.pass = passCompute
	e.bound.reset()
	e.stats.ComputePasses++
	return nil
}

// EndPass ends the open pass, if any.
func (e *Encoder) EndPass() {
	switch e.pass {
	case passRender:
		e.render.End()
		e.render = nil
	case passCompute:
		e.compute.End()
		e.compute = nil
	}
	e.pass = passNone
}

// SetColorMask changes the color write mask of subsequent pipelines.
func (e *Encoder) SetColorMask(mask gputypes.ColorWriteMask) error {
	g := e.pipelines.GlobalState()
	g.ColorMask = mask
	return e.pipelines.SetGlobalState(g)
}

// SetStencilMode changes the stencil mode of subsequent pipelines.
func (e *Encoder) SetStencilMode(m state.StencilMode) error {
	g := e.pipelines.GlobalState()
	g.Stencil = m
	return e.pipelines.SetGlobalState(g)
}

// Submit ends the frame and submits it to the queue.
func (e *Encoder) Submit() (*Completion, error) {
	if e.enc == nil {
		return nil, ErrNotRecording
	}
	e.EndPass()
	enc := e.enc
	e.enc = nil
	buf, err := enc.EndEncoding()
	if err != nil {
		enc.Destroy()
		return nil, fmt.Errorf("encoder: end encoding: %w", err)
	}
	index, err := e.queue.Submit([]hal.CommandBuffer{buf})
	if err != nil {
		e.device.FreeCommandBuffer(buf)
		enc.Destroy()
		return nil, fmt.Errorf("encoder: submit: %w", err)
	}
	e.lastSubmitted = index
	e.stats.Submits++
	c := newCompletion(index)
	e.poller.add(pending{completion: c, buffer: buf, encoder: enc})
	slogger().Debug("encoder: submitted", "frame", e.frame, "index", index, "draws", e.stats.Draws)
	return c, nil
}

// Discard abandons the open frame without submitting it.
func (e *Encoder) Discard() {
	if e.enc == nil {
		return
	}
	e.EndPass()
	e.enc.DiscardEncoding()
	e.enc.Destroy()
	e.enc = nil
}

// Destroy discards any open frame and waits for outstanding submissions.
// The caches are owned by the caller and are not destroyed.
func (e *Encoder) Destroy() {
	if e.destroyed {
		return
	}
	e.Discard()
	e.poller.close()
	e.destroyed = true
}

// groupSetter is implemented by both render and compute pass encoders.
type groupSetter interface {
	SetBindGroup(index uint32, group hal.BindGroup, offsets []uint32)
}

// bindProgramGroups binds the groups prog declares, skipping slots whose bound
// key already matches under the same program layout.
func (e *Encoder) bindProgramGroups(pass groupSetter, prog *shader.Program, groups []*bindgroup.Group) error {
	layout := prog.Layout()
	n := layout.GroupCount()
	if int(n) > len(e.bound.groups) {
		return fmt.Errorf("%w: %s declares %d, limit %d", ErrTooManyGroups, prog, n, len(e.bound.groups))
	}
	layoutChanged := !e.bound.hasLayout || e.bound.layout != prog.LayoutKey()
	for i := range n {
		g := e.empty
		if int(i) < len(groups) && groups[i] != nil {
			g = groups[i]
		} else if len(layout.Group(i)) > 0 {
			return fmt.Errorf("%w: %d for %s", ErrMissingGroup, i, prog)
		}
		if g.Dirty() {
			if err := g.Sync(e.queue, e.uploads); err != nil {
				return fmt.Errorf("encoder: sync group %q: %w", g.Label, err)
			}
		}
		bg, key, err := e.bindGroups.BindGroup(g, prog, i)
		if err != nil {
			return err
		}
		slot := &e.bound.groups[i]
		if !layoutChanged && slot.bindGroup == bg && slot.key == key {
			e.stats.Elided++
			continue
		}
		pass.SetBindGroup(i, bg, nil)
		*slot = boundGroup{bindGroup: bg, key: key}
		e.stats.BindGroupSets++
	}
	e.bound.layout = prog.LayoutKey()
	e.bound.hasLayout = true
	return nil
}
