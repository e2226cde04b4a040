package encoder

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucache/bindgroup"
	"github.com/gogpu/gpucache/geometry"
	"github.com/gogpu/gpucache/internal/haltest"
	"github.com/gogpu/gpucache/multidraw"
	"github.com/gogpu/gpucache/pipeline"
	"github.com/gogpu/gpucache/shader"
	"github.com/gogpu/gpucache/state"
	"github.com/gogpu/gpucache/texpool"
)

var uniformBinding = shader.BindingDesc{Name: "uniforms", Group: 0, Binding: 0, Kind: shader.UniformBuffer}

type fixture struct {
	dev    *haltest.Device
	queue  *haltest.Queue
	groups *bindgroup.Cache
	pipes  *pipeline.Cache
	enc    *Encoder
	geo    *geometry.Geometry
	prog   *shader.Program
	group  *bindgroup.Group
	target RenderTarget
}

func newFixture(t *testing.T, cacheSize int) *fixture {
	t.Helper()
	dev, queue := haltest.New(t)
	layouts := shader.NewLayoutCache(dev)
	groups, err := bindgroup.NewCache(dev, layouts, cacheSize)
	if err != nil {
		t.Fatal(err)
	}
	pipes := pipeline.New(dev, layouts)
	enc := New(dev, queue, pipes, groups)
	t.Cleanup(enc.Destroy)

	tex, _ := dev.CreateTexture(&hal.TextureDescriptor{Label: "target"})
	view, _ := dev.CreateTextureView(tex, &hal.TextureViewDescriptor{Label: "target"})
	f := &fixture{
		dev:    dev,
		queue:  queue,
		groups: groups,
		pipes:  pipes,
		enc:    enc,
		geo:    quad(t, dev),
		prog:   program(t, dev, "sprite", uniformBinding),
		group:  bufferGroup(t, dev, "uniforms"),
		target: RenderTarget{Label: "main", Color: view, Clear: true},
	}
	return f
}

func quad(t *testing.T, dev *haltest.Device) *geometry.Geometry {
	t.Helper()
	vb, _ := dev.CreateBuffer(&hal.BufferDescriptor{Label: "vertices", Size: 64})
	ib, _ := dev.CreateBuffer(&hal.BufferDescriptor{Label: "indices", Size: 12})
	g := geometry.New("quad", vb)
	for _, a := range []geometry.Attribute{
		{Name: "aPosition", Format: gputypes.VertexFormatFloat32x2},
		{Name: "aUV", Format: gputypes.VertexFormatFloat32x2, Offset: 8},
	} {
		if err := g.AddAttribute(a); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.SetIndex(ib, gputypes.IndexFormatUint16); err != nil {
		t.Fatal(err)
	}
	return g
}

func program(t *testing.T, dev *haltest.Device, label string, bindings ...shader.BindingDesc) *shader.Program {
	t.Helper()
	mod, _ := dev.CreateShaderModule(&hal.ShaderModuleDescriptor{Label: label})
	layout := &shader.Layout{
		Attributes: map[string]uint32{"aPosition": 0, "aUV": 1},
		Bindings:   bindings,
	}
	p, err := shader.NewProgram(label, layout,
		shader.Stage{Module: mod, EntryPoint: "vs_main"},
		shader.Stage{Module: mod, EntryPoint: "fs_main"},
		shader.Stage{})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func bufferGroup(t *testing.T, dev *haltest.Device, label string) *bindgroup.Group {
	t.Helper()
	buf, _ := dev.CreateBuffer(&hal.BufferDescriptor{Label: label, Size: 64})
	g := bindgroup.New(label, 1)
	if err := g.SetResource(0, bindgroup.NewBuffer(buf, 0, 64)); err != nil {
		t.Fatal(err)
	}
	return g
}

func (f *fixture) begin(t *testing.T) {
	t.Helper()
	if err := f.enc.BeginFrame(""); err != nil {
		t.Fatalf("BeginFrame: %v", err)
	}
	if err := f.enc.BeginRenderPass(f.target); err != nil {
		t.Fatalf("BeginRenderPass: %v", err)
	}
}

func (f *fixture) draw() Draw {
	return Draw{
		Geometry: f.geo,
		Program:  f.prog,
		Groups:   []*bindgroup.Group{f.group},
		State:    state.DefaultRenderState(),
		Count:    6,
	}
}

// record runs fn and returns the names of the commands it recorded.
func (f *fixture) record(t *testing.T, fn func() error) []string {
	t.Helper()
	f.dev.ResetCalls()
	if err := fn(); err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, c := range f.dev.Calls() {
		names = append(names, c.Name)
	}
	return names
}

func TestRedundantBindElision(t *testing.T) {
	f := newFixture(t, 0)
	f.begin(t)
	d := f.draw()

	first := f.record(t, func() error { return f.enc.Draw(d) })
	want := []string{"SetPipeline", "SetVertexBuffer", "SetIndexBuffer", "SetBindGroup", "DrawIndexed"}
	if !slices.Equal(first, want) {
		t.Fatalf("first draw recorded %v, want %v", first, want)
	}

	second := f.record(t, func() error { return f.enc.Draw(d) })
	if !slices.Equal(second, []string{"DrawIndexed"}) {
		t.Errorf("second draw recorded %v, want only DrawIndexed", second)
	}
	if s := f.enc.Stats(); s.Draws != 2 || s.PipelineSets != 1 || s.BindGroupSets != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestBindGroupRebindsOnLayoutChange(t *testing.T) {
	f := newFixture(t, 0)
	other := program(t, f.dev, "lit", uniformBinding,
		shader.BindingDesc{Name: "light", Group: 1, Binding: 0, Kind: shader.UniformBuffer})
	f.begin(t)

	if err := f.enc.Draw(f.draw()); err != nil {
		t.Fatal(err)
	}
	before := f.enc.bound.groups[0]

	f.dev.ResetCalls()
	d := f.draw()
	d.Program = other
	d.Groups = []*bindgroup.Group{f.group, bufferGroup(t, f.dev, "light")}
	if err := f.enc.Draw(d); err != nil {
		t.Fatal(err)
	}

	var group0 []haltest.Call
	for _, c := range f.dev.Calls() {
		if c.Name == "SetBindGroup" && c.Args[0] == uint32(0) {
			group0 = append(group0, c)
		}
	}
	if len(group0) != 1 {
		t.Fatalf("group 0 bound %d times under the new layout, want 1", len(group0))
	}
	if group0[0].Args[1] != before.bindGroup {
		t.Errorf("group 0 rebound with %v, want the unchanged bind group %v", group0[0].Args[1], before.bindGroup)
	}
	if f.enc.bound.groups[0].key != before.key {
		t.Errorf("group key changed from %q to %q", before.key, f.enc.bound.groups[0].key)
	}
}

func TestPassBeginResetsBoundState(t *testing.T) {
	f := newFixture(t, 0)
	f.begin(t)
	if err := f.enc.Draw(f.draw()); err != nil {
		t.Fatal(err)
	}
	got := f.record(t, func() error {
		if err := f.enc.BeginRenderPass(f.target); err != nil {
			return err
		}
		return f.enc.Draw(f.draw())
	})
	want := []string{"EndRenderPass", "BeginRenderPass", "SetPipeline", "SetVertexBuffer", "SetIndexBuffer", "SetBindGroup", "DrawIndexed"}
	if !slices.Equal(got, want) {
		t.Errorf("recorded %v, want %v", got, want)
	}
}

func TestRestoreRenderPassReplaysBindings(t *testing.T) {
	f := newFixture(t, 0)
	f.begin(t)
	cold := f.record(t, func() error {
		if err := f.enc.SetViewport(0, 0, 64, 64, 0, 1); err != nil {
			return err
		}
		return f.enc.Draw(f.draw())
	})

	staging, _ := f.dev.CreateBuffer(&hal.BufferDescriptor{Label: "staging", Size: 1024})
	tex, _ := f.dev.CreateTexture(&hal.TextureDescriptor{Label: "read"})
	calls := func() []haltest.Call {
		f.dev.ResetCalls()
		err := f.enc.RestoreRenderPass(func(enc hal.CommandEncoder) error {
			enc.CopyTextureToBuffer(tex, staging, nil)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		return f.dev.Calls()
	}()

	if len(calls) < 3 || calls[0].Name != "EndRenderPass" || calls[1].Name != "CopyTextureToBuffer" || calls[2].Name != "BeginRenderPass" {
		t.Fatalf("restore recorded %v", calls)
	}
	if load := calls[2].Args[1]; load != gputypes.LoadOpLoad {
		t.Errorf("restored pass load op = %v, want load", load)
	}

	var replayed []string
	for _, c := range calls[3:] {
		replayed = append(replayed, c.Name)
	}
	slices.Sort(replayed)
	coldBinds := slices.DeleteFunc(slices.Clone(cold), func(s string) bool { return s == "DrawIndexed" })
	slices.Sort(coldBinds)
	if !slices.Equal(replayed, coldBinds) {
		t.Errorf("replayed %v, want the cold bind calls %v", replayed, coldBinds)
	}

	after := f.record(t, func() error { return f.enc.Draw(f.draw()) })
	if !slices.Equal(after, []string{"DrawIndexed"}) {
		t.Errorf("draw after restore recorded %v, want only DrawIndexed", after)
	}
}

func TestRestoreRenderPassReturnsInspectError(t *testing.T) {
	f := newFixture(t, 0)
	f.begin(t)
	boom := errors.New("read failed")
	if err := f.enc.RestoreRenderPass(func(hal.CommandEncoder) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if err := f.enc.Draw(f.draw()); err != nil {
		t.Errorf("pass not reopened: %v", err)
	}
}

func TestMultiDraw(t *testing.T) {
	tests := []struct {
		name      string
		instanced bool
		want      [][]any
	}{
		{"instanced", true, [][]any{
			{uint32(6), uint32(3), uint32(0), int32(0), uint32(0)},
			{uint32(6), uint32(2), uint32(0), int32(0), uint32(3)},
		}},
		{"flattened", false, [][]any{
			{uint32(18), uint32(1), uint32(0), int32(0), uint32(0)},
			{uint32(12), uint32(1), uint32(18), int32(0), uint32(0)},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			f.begin(t)
			ranges := multidraw.New(2, 4, 6, true)
			ranges.Instanced = tt.instanced
			ranges.Add(0, 3)
			ranges.Add(3, 2)

			f.dev.ResetCalls()
			if err := f.enc.MultiDraw(f.draw(), ranges); err != nil {
				t.Fatal(err)
			}
			var got [][]any
			for _, c := range f.dev.Calls() {
				if c.Name == "DrawIndexed" {
					got = append(got, c.Args)
				}
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d draws, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if !slices.Equal(got[i], tt.want[i]) {
					t.Errorf("draw %d args = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDispatch(t *testing.T) {
	f := newFixture(t, 0)
	mod, _ := f.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{Label: "blur"})
	prog, err := shader.NewProgram("blur", &shader.Layout{Bindings: []shader.BindingDesc{
		{Name: "data", Group: 0, Binding: 0, Kind: shader.StorageBuffer},
	}}, shader.Stage{}, shader.Stage{}, shader.Stage{Module: mod, EntryPoint: "main"})
	if err != nil {
		t.Fatal(err)
	}
	groups := []*bindgroup.Group{bufferGroup(t, f.dev, "data")}

	if err := f.enc.BeginFrame("compute"); err != nil {
		t.Fatal(err)
	}
	if err := f.enc.Dispatch(prog, groups, 8, 8, 1); !errors.Is(err, ErrNoComputePass) {
		t.Errorf("dispatch outside a compute pass: %v", err)
	}
	if err := f.enc.BeginComputePass("blur"); err != nil {
		t.Fatal(err)
	}
	first := f.record(t, func() error { return f.enc.Dispatch(prog, groups, 8, 8, 1) })
	if !slices.Equal(first, []string{"SetComputePipeline", "SetBindGroup", "Dispatch"}) {
		t.Errorf("first dispatch recorded %v", first)
	}
	second := f.record(t, func() error { return f.enc.Dispatch(prog, groups, 8, 8, 1) })
	if !slices.Equal(second, []string{"Dispatch"}) {
		t.Errorf("second dispatch recorded %v", second)
	}
}

func TestEncoderStateErrors(t *testing.T) {
	f := newFixture(t, 0)
	if err := f.enc.Draw(f.draw()); !errors.Is(err, ErrNoRenderPass) {
		t.Errorf("Draw without pass: %v", err)
	}
	if err := f.enc.BeginRenderPass(f.target); !errors.Is(err, ErrNotRecording) {
		t.Errorf("BeginRenderPass without frame: %v", err)
	}
	if _, err := f.enc.Submit(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Submit without frame: %v", err)
	}
	if err := f.enc.BeginFrame(""); err != nil {
		t.Fatal(err)
	}
	if err := f.enc.BeginFrame(""); !errors.Is(err, ErrFrameOpen) {
		t.Errorf("second BeginFrame: %v", err)
	}
	if err := f.enc.BeginRenderPass(RenderTarget{}); !errors.Is(err, ErrNoColorTarget) {
		t.Errorf("target without color: %v", err)
	}
	if err := f.enc.BeginRenderPass(f.target); err != nil {
		t.Fatal(err)
	}
	d := f.draw()
	d.Groups = nil
	if err := f.enc.Draw(d); !errors.Is(err, ErrMissingGroup) {
		t.Errorf("Draw without groups: %v", err)
	}
	f.enc.Destroy()
	if err := f.enc.BeginFrame(""); !errors.Is(err, ErrDestroyed) {
		t.Errorf("BeginFrame after Destroy: %v", err)
	}
}

func TestDestroyedResourceFailsDraw(t *testing.T) {
	f := newFixture(t, 0)
	f.begin(t)
	if err := f.enc.Draw(f.draw()); err != nil {
		t.Fatal(err)
	}
	f.group.Resource(0).(*bindgroup.Buffer).Destroy()
	if err := f.enc.Draw(f.draw()); !errors.Is(err, bindgroup.ErrResourceDestroyed) {
		t.Fatalf("err = %v, want ErrResourceDestroyed", err)
	}

	buf, _ := f.dev.CreateBuffer(&hal.BufferDescriptor{Label: "replacement", Size: 64})
	if err := f.group.SetResource(0, bindgroup.NewBuffer(buf, 0, 64)); err != nil {
		t.Fatal(err)
	}
	got := f.record(t, func() error { return f.enc.Draw(f.draw()) })
	if !slices.Equal(got, []string{"SetBindGroup", "DrawIndexed"}) {
		t.Errorf("draw after repair recorded %v", got)
	}
}

func TestUniformSyncBeforeBind(t *testing.T) {
	f := newFixture(t, 0)
	u, err := bindgroup.NewUniformBuffer(f.dev, "frame", 64)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.group.SetResource(0, u); err != nil {
		t.Fatal(err)
	}
	if err := u.Write(0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	f.begin(t)
	for range 2 {
		if err := f.enc.Draw(f.draw()); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(f.queue.Writes()); n != 1 {
		t.Errorf("got %d buffer writes, want 1", n)
	}
}

func TestGlobalStateChangeSwitchesPipeline(t *testing.T) {
	f := newFixture(t, 0)
	f.begin(t)
	if err := f.enc.Draw(f.draw()); err != nil {
		t.Fatal(err)
	}
	if err := f.enc.SetColorMask(gputypes.ColorWriteMaskNone); err != nil {
		t.Fatal(err)
	}
	got := f.record(t, func() error { return f.enc.Draw(f.draw()) })
	if !slices.Equal(got, []string{"SetPipeline", "DrawIndexed"}) {
		t.Errorf("recorded %v, want a pipeline switch only", got)
	}
	if err := f.enc.SetColorMask(gputypes.ColorWriteMaskAll); err != nil {
		t.Fatal(err)
	}
	if n := f.dev.Created("renderPipeline"); n != 2 {
		t.Errorf("created %d pipelines, want 2", n)
	}
}

func TestDynamicStateElision(t *testing.T) {
	f := newFixture(t, 0)
	f.begin(t)
	got := f.record(t, func() error {
		for range 2 {
			if err := f.enc.SetViewport(0, 0, 10, 10, 0, 1); err != nil {
				return err
			}
			if err := f.enc.SetScissor(0, 0, 10, 10); err != nil {
				return err
			}
			if err := f.enc.SetStencilReference(1); err != nil {
				return err
			}
		}
		return f.enc.SetScissor(0, 0, 5, 5)
	})
	want := []string{"SetViewport", "SetScissorRect", "SetStencilReference", "SetScissorRect"}
	if !slices.Equal(got, want) {
		t.Errorf("recorded %v, want %v", got, want)
	}
}

func TestSubmitCompletion(t *testing.T) {
	f := newFixture(t, 0)
	f.queue.Hold()
	f.begin(t)
	c, err := f.enc.Submit()
	if err != nil {
		t.Fatal(err)
	}
	if c.Completed() {
		t.Fatal("completion resolved while the queue is held")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}

	f.queue.Release()
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("Wait after release: %v", err)
	}
	if f.enc.Recording() {
		t.Error("frame still recording after Submit")
	}
	if n := f.enc.poller.outstanding(); n != 0 {
		t.Errorf("%d submissions outstanding", n)
	}
}

func TestEvictedBindGroupsCollectedAfterCompletion(t *testing.T) {
	f := newFixture(t, 1)
	other := bufferGroup(t, f.dev, "other")
	f.queue.Hold()

	f.begin(t)
	d := f.draw()
	if err := f.enc.Draw(d); err != nil {
		t.Fatal(err)
	}
	d.Groups = []*bindgroup.Group{other}
	if err := f.enc.Draw(d); err != nil {
		t.Fatal(err)
	}
	if _, err := f.enc.Submit(); err != nil {
		t.Fatal(err)
	}

	if err := f.enc.BeginFrame(""); err != nil {
		t.Fatal(err)
	}
	if n := f.dev.DestroyedCount("bindGroup"); n != 0 {
		t.Errorf("destroyed %d bind groups while the frame using them is in flight", n)
	}
	if _, err := f.enc.Submit(); err != nil {
		t.Fatal(err)
	}

	f.queue.Release()
	if err := f.enc.BeginFrame(""); err != nil {
		t.Fatal(err)
	}
	if n := f.dev.DestroyedCount("bindGroup"); n != 1 {
		t.Errorf("destroyed %d bind groups after completion, want 1", n)
	}
}

func TestDroppedPipelinesCollectedAfterCompletion(t *testing.T) {
	f := newFixture(t, 8)
	f.queue.Hold()

	f.begin(t)
	if err := f.enc.Draw(f.draw()); err != nil {
		t.Fatal(err)
	}
	done, err := f.enc.Submit()
	if err != nil {
		t.Fatal(err)
	}
	if n := f.pipes.DropProgram(f.prog); n != 1 {
		t.Fatalf("DropProgram = %d, want 1", n)
	}

	if err := f.enc.BeginFrame(""); err != nil {
		t.Fatal(err)
	}
	if done.Completed() {
		t.Fatal("held submission reported complete")
	}
	if n := f.dev.DestroyedCount("renderPipeline"); n != 0 {
		t.Errorf("destroyed %d pipelines while the frame using them is in flight", n)
	}
	f.enc.Discard()

	f.queue.Release()
	if err := f.enc.BeginFrame(""); err != nil {
		t.Fatal(err)
	}
	if n := f.dev.DestroyedCount("renderPipeline"); n != 1 {
		t.Errorf("destroyed %d pipelines after completion, want 1", n)
	}
	if f.pipes.Retired() != 0 {
		t.Error("retired pipelines left after collection")
	}
}

func TestPoolTarget(t *testing.T) {
	dev, _ := haltest.New(t)
	view, _ := dev.CreateTextureView(nil, nil)
	resolve, _ := dev.CreateTextureView(nil, nil)
	tests := []struct {
		name    string
		samples uint32
		want    hal.TextureView
	}{
		{"single", 1, nil},
		{"msaa", 4, resolve},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			color := &texpool.Texture{View: view, SampleCount: tt.samples, HDR: state.HDRHalf}
			rt := PoolTarget("p", color, &texpool.Texture{View: resolve, SampleCount: 1})
			if rt.Resolve != tt.want || rt.SampleCount != tt.samples || rt.Color != view || rt.HDR != state.HDRHalf {
				t.Errorf("target = %+v", rt)
			}
		})
	}
}
