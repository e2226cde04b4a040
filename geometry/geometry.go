// Package geometry describes vertex data sources and derives their layout key.
//
// A Geometry's layout (its attribute list and index-buffer presence) is
// frozen the first time its key is taken. Buffer handles may still be
// swapped afterwards since they do not affect the pipeline layout.
package geometry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucache/internal/bitkey"
)

// LayoutKeyBits is the width of a geometry layout key.
const LayoutKeyBits = 20

var (
	// ErrLayoutFrozen is returned when the layout of a geometry is changed
	// after its layout key has been used.
	ErrLayoutFrozen = errors.New("geometry: layout is immutable after first use")

	// ErrBufferIndex is returned when an attribute refers to a missing buffer.
	ErrBufferIndex = errors.New("geometry: attribute buffer index out of range")

	// ErrNoAttributes is returned when a key is requested for an empty layout.
	ErrNoAttributes = errors.New("geometry: no attributes")
)

var layouts = bitkey.NewInterner("geometry layout", LayoutKeyBits)

// Attribute is one vertex attribute inside a vertex buffer.
type Attribute struct {
	// Name matches the shader input it feeds.
	Name string
	// Buffer indexes Geometry.Buffers.
	Buffer int
	Format gputypes.VertexFormat
	Offset uint64
	// Stride of the source buffer; 0 means tightly packed.
	Stride uint64
	// Instance steps the attribute per instance instead of per vertex.
	Instance bool
	// Divisor is the instance repeat rate. Only 0 and 1 are supported by
	// the backend; other values are coerced to 1 when a pipeline is built.
	Divisor uint32
}

// Geometry binds attributes to vertex buffers and an optional index buffer.
type Geometry struct {
	Label string

	mu          sync.Mutex
	attributes  []Attribute
	buffers     []hal.Buffer
	index       hal.Buffer
	indexFormat gputypes.IndexFormat
	hasIndex    bool
	topology    gputypes.PrimitiveTopology
	prototype   *Geometry

	key   uint64
	slots []int
}

// New creates a geometry over the given vertex buffers.
func New(label string, buffers ...hal.Buffer) *Geometry {
	return &Geometry{Label: label, buffers: buffers}
}

// NewInstance creates a geometry that shares proto's layout key.
// The instance has its own buffers but no attributes of its own.
func NewInstance(proto *Geometry, label string, buffers ...hal.Buffer) *Geometry {
	g := New(label, buffers...)
	g.prototype = proto
	g.topology = proto.Topology()
	_, g.indexFormat = proto.Index()
	g.hasIndex = proto.Indexed()
	return g
}

// AddAttribute appends an attribute to the layout.
func (g *Geometry) AddAttribute(a Attribute) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozenLocked() {
		return fmt.Errorf("%w: %s add %q", ErrLayoutFrozen, g.Label, a.Name)
	}
	if a.Buffer < 0 {
		return fmt.Errorf("%w: %q uses %d", ErrBufferIndex, a.Name, a.Buffer)
	}
	g.attributes = append(g.attributes, a)
	return nil
}

// SetIndex attaches an index buffer. Adding or removing the index buffer,
// or changing its format, after the key was taken is a layout change and
// fails.
func (g *Geometry) SetIndex(buf hal.Buffer, format gputypes.IndexFormat) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	has := buf != nil
	changed := has != g.hasIndex || has && format != g.indexFormat
	if changed && g.frozenLocked() {
		return fmt.Errorf("%w: %s index presence", ErrLayoutFrozen, g.Label)
	}
	g.index, g.indexFormat, g.hasIndex = buf, format, has
	return nil
}

// SetBuffer replaces the vertex buffer at index i, growing the list as needed.
func (g *Geometry) SetBuffer(i int, buf hal.Buffer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.buffers) <= i {
		g.buffers = append(g.buffers, nil)
	}
	g.buffers[i] = buf
}

// SetTopology sets the default primitive topology.
func (g *Geometry) SetTopology(t gputypes.PrimitiveTopology) {
	g.mu.Lock()
	g.topology = t
	g.mu.Unlock()
}

// Topology returns the default primitive topology.
func (g *Geometry) Topology() gputypes.PrimitiveTopology {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.topology
}

// Buffer returns the vertex buffer at index i, or nil.
func (g *Geometry) Buffer(i int) hal.Buffer {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i < 0 || i >= len(g.buffers) {
		return nil
	}
	return g.buffers[i]
}

// Index returns the index buffer and its format; buf is nil if absent.
func (g *Geometry) Index() (buf hal.Buffer, format gputypes.IndexFormat) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.index, g.indexFormat
}

// Indexed reports whether the geometry draws with an index buffer.
func (g *Geometry) Indexed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hasIndex
}

// Attributes returns the layout's attributes, taken from the prototype for
// shared instances.
func (g *Geometry) Attributes() []Attribute {
	if g.prototype != nil {
		return g.prototype.Attributes()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.attributes)
}

// Instanced reports whether any attribute steps per instance.
func (g *Geometry) Instanced() bool {
	for _, a := range g.Attributes() {
		if a.Instance {
			return true
		}
	}
	return false
}

// Prototype returns the geometry whose layout this one shares, or nil.
func (g *Geometry) Prototype() *Geometry { return g.prototype }

func (g *Geometry) frozenLocked() bool { return g.key != 0 || g.prototype != nil }

// LayoutKey returns the dense id of the geometry's layout. The first call
// freezes the layout. Instances created with NewInstance return their
// prototype's key.
func (g *Geometry) LayoutKey() (uint64, error) {
	if g.prototype != nil {
		return g.prototype.LayoutKey()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.key != 0 {
		return g.key, nil
	}
	if len(g.attributes) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoAttributes, g.Label)
	}
	for _, a := range g.attributes {
		if a.Buffer >= len(g.buffers) {
			return 0, fmt.Errorf("%w: %q uses %d of %d", ErrBufferIndex, a.Name, a.Buffer, len(g.buffers))
		}
	}
	key, err := layouts.ID(g.signatureLocked())
	if err != nil {
		return 0, err
	}
	g.key = key
	g.slots = g.slotsLocked()
	return key, nil
}

// Slots returns the de-duplicated vertex buffer indices in slot order.
// Slot i of a pipeline's vertex state reads Buffer(Slots()[i]).
func (g *Geometry) Slots() ([]int, error) {
	if g.prototype != nil {
		return g.prototype.Slots()
	}
	if _, err := g.LayoutKey(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slots, nil
}

// Stride returns the byte stride of buffer i: the first explicit attribute
// stride, otherwise the packed size of every attribute in that buffer.
func (g *Geometry) Stride(i int) uint64 {
	return stride(g.Attributes(), i)
}

func stride(attrs []Attribute, i int) uint64 {
	var packed uint64
	for _, a := range attrs {
		if a.Buffer != i {
			continue
		}
		if a.Stride != 0 {
			return a.Stride
		}
		packed += a.Format.Size()
	}
	return packed
}

func sortedAttributes(attrs []Attribute) []Attribute {
	sorted := slices.Clone(attrs)
	slices.SortFunc(sorted, func(a, b Attribute) int {
		return cmp.Or(
			cmp.Compare(a.Buffer, b.Buffer),
			cmp.Compare(a.Offset, b.Offset),
			strings.Compare(a.Name, b.Name),
		)
	})
	return sorted
}

func (g *Geometry) signatureLocked() string {
	var sb strings.Builder
	for _, a := range sortedAttributes(g.attributes) {
		fmt.Fprintf(&sb, "%s:%d:%d:%d:%d:%t:%d;",
			a.Name, a.Buffer, a.Format, a.Offset, stride(g.attributes, a.Buffer), a.Instance, a.Divisor)
	}
	if g.hasIndex {
		fmt.Fprintf(&sb, "|index:%d", g.indexFormat)
	}
	return sb.String()
}

func (g *Geometry) slotsLocked() []int {
	var slots []int
	for _, a := range sortedAttributes(g.attributes) {
		if !slices.Contains(slots, a.Buffer) {
			slots = append(slots, a.Buffer)
		}
	}
	return slots
}
