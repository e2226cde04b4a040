// Package shader describes compiled shader programs and their resource
// layouts.
//
// A Layout is the pre-validated table produced from shading-language
// source: vertex attribute locations plus the bind-group entries each
// group declares. Reflect builds one from WGSL; callers may also construct
// it by hand. Programs derive two keys from it:
//
//   - the attribute-locations key, keyed by the sorted location list
//   - the program layout key, keyed by the full bind-group structure
package shader

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpucache/internal/bitkey"
)

// Key widths.
const (
	AttributeKeyBits = 16
	LayoutKeyBits    = 16
	GroupKeyBits     = 16
)

var (
	attributeKeys = bitkey.NewInterner("attribute locations", AttributeKeyBits)
	layoutKeys    = bitkey.NewInterner("program layout", LayoutKeyBits)
	groupKeys     = bitkey.NewInterner("group layout", GroupKeyBits)
)

// ResourceKind is the category of a shader-visible resource.
type ResourceKind uint8

const (
	UniformBuffer ResourceKind = iota + 1
	StorageBuffer
	ReadOnlyStorageBuffer
	Sampler
	ComparisonSampler
	Texture
	StorageTexture
)

var kindNames = map[ResourceKind]string{
	UniformBuffer:         "uniform",
	StorageBuffer:         "storage",
	ReadOnlyStorageBuffer: "read-only-storage",
	Sampler:               "sampler",
	ComparisonSampler:     "comparison-sampler",
	Texture:               "texture",
	StorageTexture:        "storage-texture",
}

func (k ResourceKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ResourceKind(%d)", uint8(k))
}

// IsStorage reports whether the kind is a storage-class binding. Groups
// holding such bindings are keyed together with the program layout.
func (k ResourceKind) IsStorage() bool {
	return k == StorageBuffer || k == ReadOnlyStorageBuffer || k == StorageTexture
}

// IsBuffer reports whether the kind binds a buffer.
func (k ResourceKind) IsBuffer() bool {
	return k == UniformBuffer || k == StorageBuffer || k == ReadOnlyStorageBuffer
}

// BindingDesc is one declared binding of a bind group.
type BindingDesc struct {
	Name    string
	Group   uint32
	Binding uint32
	Kind    ResourceKind

	// Texture bindings.
	ViewDimension gputypes.TextureViewDimension
	SampleType    gputypes.TextureSampleType
	Multisampled  bool

	// Storage texture bindings.
	Access gputypes.StorageTextureAccess
	Format gputypes.TextureFormat

	// Visibility defaults to every stage of the owning program.
	Visibility gputypes.ShaderStages
}

// Entry converts the description to a bind-group layout entry.
func (d BindingDesc) Entry() gputypes.BindGroupLayoutEntry {
	e := gputypes.BindGroupLayoutEntry{Binding: d.Binding, Visibility: d.Visibility}
	switch d.Kind {
	case UniformBuffer:
		e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}
	case StorageBuffer:
		e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}
	case ReadOnlyStorageBuffer:
		e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}
	case Sampler:
		e.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering}
	case ComparisonSampler:
		e.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeComparison}
	case Texture:
		e.Texture = &gputypes.TextureBindingLayout{
			SampleType:    cmp.Or(d.SampleType, gputypes.TextureSampleTypeFloat),
			ViewDimension: cmp.Or(d.ViewDimension, gputypes.TextureViewDimension2D),
			Multisampled:  d.Multisampled,
		}
	case StorageTexture:
		e.StorageTexture = &gputypes.StorageTextureBindingLayout{
			Access:        cmp.Or(d.Access, gputypes.StorageTextureAccessWriteOnly),
			Format:        d.Format,
			ViewDimension: cmp.Or(d.ViewDimension, gputypes.TextureViewDimension2D),
		}
	}
	return e
}

func (d BindingDesc) signature() string {
	return fmt.Sprintf("%d:%d:%d:%d:%t:%d:%d:%d",
		d.Binding, d.Kind, d.ViewDimension, d.SampleType, d.Multisampled, d.Access, d.Format, d.Visibility)
}

// Layout is the resource interface of a shader program.
type Layout struct {
	// Attributes maps vertex input names to locations.
	Attributes map[string]uint32
	// Bindings lists every bind-group entry in declaration order.
	Bindings []BindingDesc
}

// Clone returns a deep copy of l.
func (l *Layout) Clone() *Layout {
	return &Layout{
		Attributes: maps.Clone(l.Attributes),
		Bindings:   slices.Clone(l.Bindings),
	}
}

// Group returns the bindings of group g in declaration order.
func (l *Layout) Group(g uint32) []BindingDesc {
	var out []BindingDesc
	for _, b := range l.Bindings {
		if b.Group == g {
			out = append(out, b)
		}
	}
	return out
}

// GroupCount returns one past the highest declared group index.
func (l *Layout) GroupCount() uint32 {
	var n uint32
	for _, b := range l.Bindings {
		n = max(n, b.Group+1)
	}
	return n
}

// HasStorage reports whether group g holds a storage-class binding.
func (l *Layout) HasStorage(g uint32) bool {
	for _, b := range l.Bindings {
		if b.Group == g && b.Kind.IsStorage() {
			return true
		}
	}
	return false
}

// Validate checks for duplicate (group, binding) pairs and unknown kinds.
func (l *Layout) Validate() error {
	seen := make(map[[2]uint32]string)
	for _, b := range l.Bindings {
		if _, ok := kindNames[b.Kind]; !ok {
			return fmt.Errorf("%w: %q has kind %d", ErrInvalidLayout, b.Name, b.Kind)
		}
		k := [2]uint32{b.Group, b.Binding}
		if prev, ok := seen[k]; ok {
			return fmt.Errorf("%w: %q and %q share @group(%d) @binding(%d)",
				ErrInvalidLayout, prev, b.Name, b.Group, b.Binding)
		}
		seen[k] = b.Name
	}
	return nil
}

func (l *Layout) attributeSignature() string {
	names := slices.Sorted(maps.Keys(l.Attributes))
	slices.SortStableFunc(names, func(a, b string) int {
		return cmp.Compare(l.Attributes[a], l.Attributes[b])
	})
	var sb strings.Builder
	for _, n := range names {
		fmt.Fprintf(&sb, "%s@%d;", n, l.Attributes[n])
	}
	return sb.String()
}

func (l *Layout) groupSignature(g uint32) string {
	var sb strings.Builder
	for _, b := range l.Group(g) {
		sb.WriteString(b.signature())
		sb.WriteByte(';')
	}
	return sb.String()
}

func (l *Layout) layoutSignature() string {
	var sb strings.Builder
	for g := range l.GroupCount() {
		fmt.Fprintf(&sb, "[%d]%s", g, l.groupSignature(g))
	}
	return sb.String()
}
