package bindgroup

import (
	"errors"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucache/internal/haltest"
	"github.com/gogpu/gpucache/shader"
	"github.com/gogpu/gpucache/upload"
)

func newProgram(t *testing.T, dev *haltest.Device, label string, bindings ...shader.BindingDesc) *shader.Program {
	t.Helper()
	mod, _ := dev.CreateShaderModule(&hal.ShaderModuleDescriptor{Label: label})
	p, err := shader.NewProgram(label, &shader.Layout{Bindings: bindings},
		shader.Stage{Module: mod, EntryPoint: "vs_main"},
		shader.Stage{Module: mod, EntryPoint: "fs_main"},
		shader.Stage{})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

var (
	texBinding     = shader.BindingDesc{Name: "tex", Group: 1, Binding: 1, Kind: shader.Texture}
	samplerBinding = shader.BindingDesc{Name: "smp", Group: 1, Binding: 0, Kind: shader.Sampler}
	dataBinding    = shader.BindingDesc{Name: "data", Group: 1, Binding: 2, Kind: shader.ReadOnlyStorageBuffer}
)

type textured struct {
	dev     *haltest.Device
	group   *Group
	view    *TextureView
	sampler *Sampler
}

func newTextured(t *testing.T) *textured {
	t.Helper()
	dev, _ := haltest.New(t)
	tex, _ := dev.CreateTexture(&hal.TextureDescriptor{Label: "t"})
	view, _ := dev.CreateTextureView(tex, &hal.TextureViewDescriptor{Label: "v"})
	smp, _ := dev.CreateSampler(&hal.SamplerDescriptor{Label: "s"})
	f := &textured{
		dev:     dev,
		group:   New("material", 3),
		view:    NewTextureView(tex, view, gputypes.TextureFormatRGBA8Unorm, 4, 4),
		sampler: NewSampler(smp),
	}
	if err := f.group.SetResource(0, f.sampler); err != nil {
		t.Fatal(err)
	}
	if err := f.group.SetResource(1, f.view); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestGPUKeyDeclarationOrder(t *testing.T) {
	f := newTextured(t)
	prog := newProgram(t, f.dev, "sprite", texBinding, samplerBinding)

	key, err := f.group.GPUKey(prog, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := f.view.Token() + "-" + f.sampler.Token()
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
}

func TestGPUKeyMemoizedUntilChange(t *testing.T) {
	f := newTextured(t)
	prog := newProgram(t, f.dev, "sprite", samplerBinding, texBinding)

	k1, _ := f.group.GPUKey(prog, 1)
	k2, _ := f.group.GPUKey(prog, 1)
	if k1 != k2 {
		t.Fatalf("unchanged group produced %q then %q", k1, k2)
	}

	smp, _ := f.dev.CreateSampler(&hal.SamplerDescriptor{Label: "s2"})
	f.sampler.SetSampler(smp)
	k3, _ := f.group.GPUKey(prog, 1)
	if k3 == k1 {
		t.Error("key unchanged after member resource replaced its sampler")
	}

	other := NewSampler(smp)
	_ = f.group.SetResource(0, other)
	k4, _ := f.group.GPUKey(prog, 1)
	if k4 == k3 {
		t.Error("key unchanged after slot replacement")
	}
}

func TestSwapUnsubscribesPrevious(t *testing.T) {
	f := newTextured(t)
	smp, _ := f.dev.CreateSampler(&hal.SamplerDescriptor{Label: "s2"})
	_ = f.group.SetResource(0, NewSampler(smp))

	rev := f.group.Revision()
	f.sampler.SetSampler(smp)
	f.sampler.Destroy()
	if f.group.Revision() != rev {
		t.Error("replaced resource still notifies the group")
	}
	if f.group.Resource(0) == nil {
		t.Error("destroying a replaced resource cleared the new occupant")
	}
}

func TestStorageMarkerTiesKeyToProgramLayout(t *testing.T) {
	f := newTextured(t)
	buf, _ := f.dev.CreateBuffer(&hal.BufferDescriptor{Label: "b", Size: 64})
	_ = f.group.SetResource(2, NewBuffer(buf, 0, 0))

	plain1 := newProgram(t, f.dev, "a", samplerBinding, texBinding)
	plain2 := newProgram(t, f.dev, "b", samplerBinding, texBinding,
		shader.BindingDesc{Name: "u", Group: 0, Binding: 0, Kind: shader.UniformBuffer})
	k1, _ := f.group.GPUKey(plain1, 1)
	k2, _ := f.group.GPUKey(plain2, 1)
	if k1 != k2 {
		t.Errorf("non-storage group keys differ across layouts: %q vs %q", k1, k2)
	}

	storage1 := newProgram(t, f.dev, "c", samplerBinding, texBinding, dataBinding)
	storage2 := newProgram(t, f.dev, "d", samplerBinding, texBinding, dataBinding,
		shader.BindingDesc{Name: "u", Group: 0, Binding: 0, Kind: shader.UniformBuffer})
	s1, _ := f.group.GPUKey(storage1, 1)
	s2, _ := f.group.GPUKey(storage2, 1)
	if !strings.Contains(s1, "|layout:") {
		t.Errorf("storage key %q has no layout marker", s1)
	}
	if s1 == s2 {
		t.Error("storage group key ignores program layout")
	}
}

func TestDestroyedResourceFailsLoudly(t *testing.T) {
	f := newTextured(t)
	prog := newProgram(t, f.dev, "sprite", samplerBinding, texBinding)
	if _, err := f.group.GPUKey(prog, 1); err != nil {
		t.Fatal(err)
	}

	f.view.Destroy()
	if f.group.Resource(1) != nil {
		t.Error("destroyed resource still in its slot")
	}
	if _, err := f.group.GPUKey(prog, 1); !errors.Is(err, ErrResourceDestroyed) {
		t.Fatalf("err = %v, want ErrResourceDestroyed", err)
	}

	tex, _ := f.dev.CreateTexture(&hal.TextureDescriptor{Label: "t2"})
	view, _ := f.dev.CreateTextureView(tex, nil)
	_ = f.group.SetResource(1, NewTextureView(tex, view, gputypes.TextureFormatRGBA8Unorm, 4, 4))
	if _, err := f.group.GPUKey(prog, 1); err != nil {
		t.Errorf("after replacing the destroyed resource: %v", err)
	}
}

func TestResolveErrors(t *testing.T) {
	dev, _ := haltest.New(t)
	smp, _ := dev.CreateSampler(&hal.SamplerDescriptor{Label: "s"})

	tests := []struct {
		name  string
		setup func(g *Group)
		want  error
	}{
		{"missing", func(g *Group) {}, ErrMissingResource},
		{"kind mismatch", func(g *Group) { _ = g.SetResource(1, NewSampler(smp)) }, ErrKindMismatch},
		{"destroyed before set", func(g *Group) {
			s := NewSampler(smp)
			s.Destroy()
			_ = g.SetResource(1, s)
		}, ErrResourceDestroyed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New("g", 2)
			tt.setup(g)
			prog := newProgram(t, dev, tt.name, texBinding)
			if _, err := g.GPUKey(prog, 1); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if err := New("g", 1).SetResource(3, nil); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetResource(3) = %v, want ErrOutOfRange", err)
	}
}

func TestUniformBufferSync(t *testing.T) {
	dev, queue := haltest.New(t)
	u, err := NewUniformBuffer(dev, "globals", 16)
	if err != nil {
		t.Fatal(err)
	}
	g := New("globals", 1)
	_ = g.SetResource(0, u)

	if err := u.Write(12, []byte{1, 2, 3, 4, 5}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("overflowing write: %v", err)
	}
	_ = u.Write(0, []byte{1, 2, 3, 4})
	if !g.Dirty() {
		t.Fatal("group not dirty after uniform write")
	}
	for range 2 {
		if err := g.Sync(queue, nil); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(queue.Writes()); n != 1 {
		t.Errorf("got %d buffer writes, want 1", n)
	}

	u.Destroy()
	if dev.DestroyedCount("buffer") != 1 {
		t.Error("uniform buffer not destroyed")
	}
}

func TestTextureViewSyncUploads(t *testing.T) {
	f := newTextured(t)
	_, queue := haltest.New(t)
	f.view.SetSource(upload.BufferSource{Data: make([]byte, 4*4*4)})

	if err := f.group.Sync(queue, upload.NewRegistry()); err != nil {
		t.Fatal(err)
	}
	if f.view.Dirty() {
		t.Error("view still dirty after sync")
	}
	writes := queue.Writes()
	if len(writes) != 1 || writes[0].Name != "WriteTexture" {
		t.Errorf("writes = %v", writes)
	}

	tex, _ := f.dev.CreateTexture(&hal.TextureDescriptor{Label: "t2"})
	view, _ := f.dev.CreateTextureView(tex, nil)
	f.view.SetView(tex, view, 4, 4)
	if !f.view.Dirty() {
		t.Error("reallocated view with a source must upload again")
	}
}

func TestCacheReusesBindGroups(t *testing.T) {
	f := newTextured(t)
	layouts := shader.NewLayoutCache(f.dev)
	cache, err := NewCache(f.dev, layouts, 8)
	if err != nil {
		t.Fatal(err)
	}
	a := newProgram(t, f.dev, "a", samplerBinding, texBinding)
	b := newProgram(t, f.dev, "b", samplerBinding, texBinding)

	bg1, k1, err := cache.BindGroup(f.group, a, 1)
	if err != nil {
		t.Fatal(err)
	}
	bg2, k2, _ := cache.BindGroup(f.group, b, 1)
	if bg1 != bg2 || k1 != k2 {
		t.Error("programs with equal group layouts did not share the bind group")
	}
	if n := f.dev.Created("bindGroup"); n != 1 {
		t.Errorf("created %d bind groups, want 1", n)
	}

	desc := bg1.(*haltest.Object).Desc.(hal.BindGroupDescriptor)
	if len(desc.Entries) != 2 || desc.Entries[0].Binding != 0 || desc.Entries[1].Binding != 1 {
		t.Errorf("entries = %+v", desc.Entries)
	}

	smp, _ := f.dev.CreateSampler(&hal.SamplerDescriptor{Label: "s2"})
	f.sampler.SetSampler(smp)
	bg3, _, _ := cache.BindGroup(f.group, a, 1)
	if bg3 == bg1 {
		t.Error("changed resource reused the stale bind group")
	}
	if s := cache.Stats(); s.Hits != 1 || s.Misses != 2 || s.Live != 2 {
		t.Errorf("stats = %v", s)
	}
}

func TestCacheEvictionRetiresUntilCollect(t *testing.T) {
	f := newTextured(t)
	cache, _ := NewCache(f.dev, shader.NewLayoutCache(f.dev), 1)
	prog := newProgram(t, f.dev, "a", samplerBinding, texBinding)

	_, _, _ = cache.BindGroup(f.group, prog, 1)
	smp, _ := f.dev.CreateSampler(&hal.SamplerDescriptor{Label: "s2"})
	f.sampler.SetSampler(smp)
	_, _, _ = cache.BindGroup(f.group, prog, 1)

	if f.dev.DestroyedCount("bindGroup") != 0 {
		t.Fatal("evicted bind group destroyed before Collect")
	}
	if n := cache.Collect(); n != 1 || f.dev.DestroyedCount("bindGroup") != 1 {
		t.Errorf("Collect destroyed %d", n)
	}
	cache.Destroy()
	if f.dev.DestroyedCount("bindGroup") != 2 {
		t.Error("Destroy left live bind groups")
	}
	if _, _, err := cache.BindGroup(f.group, prog, 1); !errors.Is(err, ErrCacheClosed) {
		t.Errorf("after Destroy: %v", err)
	}
}

func TestCacheCreationFailure(t *testing.T) {
	f := newTextured(t)
	cache, _ := NewCache(f.dev, shader.NewLayoutCache(f.dev), 0)
	prog := newProgram(t, f.dev, "a", samplerBinding, texBinding)

	f.dev.Fail("bindGroup", true)
	if _, _, err := cache.BindGroup(f.group, prog, 1); !errors.Is(err, ErrBindGroupCreation) {
		t.Fatalf("err = %v, want ErrBindGroupCreation", err)
	}
	f.dev.Fail("bindGroup", false)
	if _, _, err := cache.BindGroup(f.group, prog, 1); err != nil {
		t.Fatal(err)
	}
	if cache.Len() != 1 {
		t.Errorf("Len = %d, want 1", cache.Len())
	}
}
