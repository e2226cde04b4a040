// Package haltest provides a recording hal device for tests.
//
// The device is backed by the no-op backend from gogpu/wgpu but returns
// its own distinct handles, counts every creation and destruction, and
// logs every command recorded into render and compute passes. Tests use
// it to assert object identity and the exact sequence of emitted calls.
package haltest

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// ErrInjected is returned by creation calls configured to fail.
var ErrInjected = errors.New("haltest: injected failure")

// Object is a distinct handle for any hal resource.
type Object struct {
	Kind  string
	ID    uint64
	Label string
	// Desc is a copy of the creation descriptor, when there is one.
	Desc any

	destroyed bool
}

func (o *Object) Destroy()                            { o.destroyed = true }
func (o *Object) NativeHandle() uintptr               { return uintptr(o.ID) }
func (o *Object) CurrentUsage() gputypes.TextureUsage { return 0 }
func (o *Object) AddPendingRef()                      {}
func (o *Object) DecPendingRef()                      {}

// Destroyed reports whether the object was destroyed.
func (o *Object) Destroyed() bool { return o.destroyed }

func (o *Object) String() string { return fmt.Sprintf("%s#%d", o.Kind, o.ID) }

// Call is one recorded encoder command.
type Call struct {
	Name string
	Args []any
}

func (c Call) String() string { return fmt.Sprintf("%s%v", c.Name, c.Args) }

// Device is a recording hal.Device.
type Device struct {
	hal.Device

	mu        sync.Mutex
	next      uint64
	created   map[string]int
	destroyed map[string]int
	fail      map[string]bool
	calls     []Call
}

// Queue is a recording hal.Queue whose completion can be held back.
type Queue struct {
	hal.Queue

	mu        sync.Mutex
	submitted uint64
	completed uint64
	hold      bool
	writes    []Call
}

// New opens a no-op device and wraps it. Resources are released with
// t.Cleanup.
func New(t testing.TB) (*Device, *Queue) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		openDev.Device.Destroy()
		instance.Destroy()
	})
	d := &Device{
		Device:    openDev.Device,
		created:   make(map[string]int),
		destroyed: make(map[string]int),
		fail:      make(map[string]bool),
	}
	return d, &Queue{Queue: openDev.Queue}
}

// Fail makes the next creation calls of kind fail until cleared.
func (d *Device) Fail(kind string, fail bool) {
	d.mu.Lock()
	d.fail[kind] = fail
	d.mu.Unlock()
}

// Created returns how many objects of kind were created.
func (d *Device) Created(kind string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created[kind]
}

// DestroyedCount returns how many objects of kind were destroyed.
func (d *Device) DestroyedCount(kind string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed[kind]
}

// Calls returns the encoder commands recorded so far.
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// ResetCalls clears the recorded command log.
func (d *Device) ResetCalls() {
	d.mu.Lock()
	d.calls = nil
	d.mu.Unlock()
}

// CountCalls returns how many recorded commands are named one of names.
func (d *Device) CountCalls(names ...string) int {
	n := 0
	for _, c := range d.Calls() {
		for _, name := range names {
			if c.Name == name {
				n++
			}
		}
	}
	return n
}

func (d *Device) record(name string, args ...any) {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Name: name, Args: args})
	d.mu.Unlock()
}

func (d *Device) create(kind, label string, desc any) (*Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[kind] {
		return nil, fmt.Errorf("%w: %s", ErrInjected, kind)
	}
	d.next++
	d.created[kind]++
	return &Object{Kind: kind, ID: d.next, Label: label, Desc: desc}, nil
}

func (d *Device) destroy(kind string, r hal.Resource) {
	if r == nil {
		return
	}
	d.mu.Lock()
	d.destroyed[kind]++
	d.mu.Unlock()
	r.Destroy()
}

func (d *Device) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	return d.create("buffer", desc.Label, *desc)
}
func (d *Device) DestroyBuffer(b hal.Buffer) { d.destroy("buffer", b) }

func (d *Device) CreateTexture(desc *hal.TextureDescriptor) (hal.Texture, error) {
	return d.create("texture", desc.Label, *desc)
}
func (d *Device) DestroyTexture(t hal.Texture) { d.destroy("texture", t) }

func (d *Device) CreateTextureView(_ hal.Texture, desc *hal.TextureViewDescriptor) (hal.TextureView, error) {
	label := ""
	if desc != nil {
		label = desc.Label
	}
	return d.create("view", label, nil)
}
func (d *Device) DestroyTextureView(v hal.TextureView) { d.destroy("view", v) }

func (d *Device) CreateSampler(desc *hal.SamplerDescriptor) (hal.Sampler, error) {
	return d.create("sampler", desc.Label, *desc)
}
func (d *Device) DestroySampler(s hal.Sampler) { d.destroy("sampler", s) }

func (d *Device) CreateBindGroupLayout(desc *hal.BindGroupLayoutDescriptor) (hal.BindGroupLayout, error) {
	return d.create("bindGroupLayout", desc.Label, *desc)
}
func (d *Device) DestroyBindGroupLayout(l hal.BindGroupLayout) { d.destroy("bindGroupLayout", l) }

func (d *Device) CreateBindGroup(desc *hal.BindGroupDescriptor) (hal.BindGroup, error) {
	return d.create("bindGroup", desc.Label, *desc)
}
func (d *Device) DestroyBindGroup(g hal.BindGroup) { d.destroy("bindGroup", g) }

func (d *Device) CreatePipelineLayout(desc *hal.PipelineLayoutDescriptor) (hal.PipelineLayout, error) {
	return d.create("pipelineLayout", desc.Label, *desc)
}
func (d *Device) DestroyPipelineLayout(l hal.PipelineLayout) { d.destroy("pipelineLayout", l) }

func (d *Device) CreateShaderModule(desc *hal.ShaderModuleDescriptor) (hal.ShaderModule, error) {
	return d.create("shaderModule", desc.Label, nil)
}
func (d *Device) DestroyShaderModule(m hal.ShaderModule) { d.destroy("shaderModule", m) }

func (d *Device) CreateRenderPipeline(desc *hal.RenderPipelineDescriptor) (hal.RenderPipeline, error) {
	return d.create("renderPipeline", desc.Label, *desc)
}
func (d *Device) DestroyRenderPipeline(p hal.RenderPipeline) { d.destroy("renderPipeline", p) }

func (d *Device) CreateComputePipeline(desc *hal.ComputePipelineDescriptor) (hal.ComputePipeline, error) {
	return d.create("computePipeline", desc.Label, *desc)
}
func (d *Device) DestroyComputePipeline(p hal.ComputePipeline) { d.destroy("computePipeline", p) }

func (d *Device) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	if _, err := d.create("commandEncoder", desc.Label, nil); err != nil {
		return nil, err
	}
	return &CommandEncoder{dev: d}, nil
}

// CommandEncoder records into its device's command log.
type CommandEncoder struct {
	hal.CommandEncoder
	dev *Device
}

func (e *CommandEncoder) BeginEncoding(label string) error {
	e.dev.record("BeginEncoding", label)
	return nil
}

func (e *CommandEncoder) EndEncoding() (hal.CommandBuffer, error) {
	e.dev.record("EndEncoding")
	return e.dev.create("commandBuffer", "", nil)
}

func (e *CommandEncoder) DiscardEncoding() { e.dev.record("DiscardEncoding") }
func (e *CommandEncoder) Destroy()         {}

func (e *CommandEncoder) CopyTextureToBuffer(src hal.Texture, dst hal.Buffer, regions []hal.BufferTextureCopy) {
	e.dev.record("CopyTextureToBuffer", src, dst)
}

func (e *CommandEncoder) BeginRenderPass(desc *hal.RenderPassDescriptor) hal.RenderPassEncoder {
	load := gputypes.LoadOp(0)
	if len(desc.ColorAttachments) > 0 {
		load = desc.ColorAttachments[0].LoadOp
	}
	e.dev.record("BeginRenderPass", desc.Label, load)
	return &RenderPass{dev: e.dev}
}

func (e *CommandEncoder) BeginComputePass(desc *hal.ComputePassDescriptor) hal.ComputePassEncoder {
	e.dev.record("BeginComputePass", desc.Label)
	return &ComputePass{dev: e.dev}
}

// RenderPass records render pass commands.
type RenderPass struct{ dev *Device }

func (p *RenderPass) End()                              { p.dev.record("EndRenderPass") }
func (p *RenderPass) SetPipeline(pl hal.RenderPipeline) { p.dev.record("SetPipeline", pl) }
func (p *RenderPass) SetBindGroup(i uint32, g hal.BindGroup, _ []uint32) {
	p.dev.record("SetBindGroup", i, g)
}
func (p *RenderPass) SetVertexBuffer(slot uint32, b hal.Buffer, off uint64) {
	p.dev.record("SetVertexBuffer", slot, b, off)
}
func (p *RenderPass) SetIndexBuffer(b hal.Buffer, f gputypes.IndexFormat, off uint64) {
	p.dev.record("SetIndexBuffer", b, f, off)
}
func (p *RenderPass) SetViewport(x, y, w, h, minD, maxD float32) {
	p.dev.record("SetViewport", x, y, w, h, minD, maxD)
}
func (p *RenderPass) SetScissorRect(x, y, w, h uint32) { p.dev.record("SetScissorRect", x, y, w, h) }
func (p *RenderPass) SetBlendConstant(c *gputypes.Color) {
	p.dev.record("SetBlendConstant", *c)
}
func (p *RenderPass) SetStencilReference(r uint32) { p.dev.record("SetStencilReference", r) }
func (p *RenderPass) Draw(vc, ic, fv, fi uint32)   { p.dev.record("Draw", vc, ic, fv, fi) }
func (p *RenderPass) DrawIndexed(ic, inst, fi uint32, base int32, finst uint32) {
	p.dev.record("DrawIndexed", ic, inst, fi, base, finst)
}
func (p *RenderPass) DrawIndirect(b hal.Buffer, off uint64) { p.dev.record("DrawIndirect", b, off) }
func (p *RenderPass) DrawIndexedIndirect(b hal.Buffer, off uint64) {
	p.dev.record("DrawIndexedIndirect", b, off)
}
func (p *RenderPass) ExecuteBundle(hal.RenderBundle) { p.dev.record("ExecuteBundle") }

// ComputePass records compute pass commands.
type ComputePass struct{ dev *Device }

func (p *ComputePass) End()                               { p.dev.record("EndComputePass") }
func (p *ComputePass) SetPipeline(pl hal.ComputePipeline) { p.dev.record("SetComputePipeline", pl) }
func (p *ComputePass) SetBindGroup(i uint32, g hal.BindGroup, _ []uint32) {
	p.dev.record("SetBindGroup", i, g)
}
func (p *ComputePass) Dispatch(x, y, z uint32) { p.dev.record("Dispatch", x, y, z) }
func (p *ComputePass) DispatchIndirect(b hal.Buffer, off uint64) {
	p.dev.record("DispatchIndirect", b, off)
}

// Hold stops completions from advancing until Release is called.
func (q *Queue) Hold() {
	q.mu.Lock()
	q.hold = true
	q.mu.Unlock()
}

// Release marks every submission as complete.
func (q *Queue) Release() {
	q.mu.Lock()
	q.hold = false
	q.completed = q.submitted
	q.mu.Unlock()
}

func (q *Queue) Submit(_ []hal.CommandBuffer) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submitted++
	if !q.hold {
		q.completed = q.submitted
	}
	return q.submitted, nil
}

func (q *Queue) PollCompleted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

func (q *Queue) WriteBuffer(b hal.Buffer, off uint64, data []byte) error {
	q.mu.Lock()
	q.writes = append(q.writes, Call{Name: "WriteBuffer", Args: []any{b, off, len(data)}})
	q.mu.Unlock()
	return nil
}

func (q *Queue) WriteTexture(dst *hal.ImageCopyTexture, data []byte, layout *hal.ImageDataLayout, size *hal.Extent3D) error {
	q.mu.Lock()
	q.writes = append(q.writes, Call{Name: "WriteTexture", Args: []any{dst.Texture, len(data), layout.BytesPerRow, *size}})
	q.mu.Unlock()
	return nil
}

func (q *Queue) Present(hal.Surface, hal.SurfaceTexture, []image.Rectangle) error { return nil }

// Writes returns the recorded WriteBuffer and WriteTexture calls.
func (q *Queue) Writes() []Call {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Call, len(q.writes))
	copy(out, q.writes)
	return out
}

var (
	_ hal.Device             = (*Device)(nil)
	_ hal.Queue              = (*Queue)(nil)
	_ hal.CommandEncoder     = (*CommandEncoder)(nil)
	_ hal.RenderPassEncoder  = (*RenderPass)(nil)
	_ hal.ComputePassEncoder = (*ComputePass)(nil)
	_ hal.Texture            = (*Object)(nil)
	_ hal.Buffer             = (*Object)(nil)
)
