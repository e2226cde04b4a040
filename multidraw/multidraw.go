// Package multidraw holds the range table of a multi-draw submission.
//
// A Buffer keeps four parallel arrays, one entry per logical draw. In
// instanced mode each entry is one instanced draw of a fixed per-instance
// vertex or index count. For backends or geometries without hardware
// instancing, ConvertInstancesToVertices rewrites the table in place into
// plain vertex or index ranges.
package multidraw

import "fmt"

// Range is one entry of the table.
type Range struct {
	Offset        uint32
	Count         uint32
	BaseInstance  uint32
	InstanceCount uint32
}

// Buffer is a growable table of draw ranges.
type Buffer struct {
	Offsets        []uint32
	Counts         []uint32
	BaseInstances  []uint32
	InstanceCounts []uint32

	// VertexStride and IndexStride are the vertices and indices one
	// instance spans.
	VertexStride uint32
	IndexStride  uint32
	Indexed      bool

	// Instanced selects hardware instancing. When false the table must be
	// converted before it is drawn.
	Instanced bool

	n         int
	converted bool
}

// New returns a buffer with room for capacity ranges. If the buffer is
// indexed, growth pre-fills counts with indexStride, otherwise with
// vertexStride.
func New(capacity int, vertexStride, indexStride uint32, indexed bool) *Buffer {
	b := &Buffer{
		VertexStride: vertexStride,
		IndexStride:  indexStride,
		Indexed:      indexed,
		Instanced:    true,
	}
	b.grow(max(capacity, 1))
	return b
}

// Capacity returns the allocated number of ranges.
func (b *Buffer) Capacity() int { return len(b.Offsets) }

// Len returns the number of ranges in use.
func (b *Buffer) Len() int { return b.n }

// EnsureCapacity doubles the storage until it holds at least n ranges.
// Existing entries are preserved.
func (b *Buffer) EnsureCapacity(n int) {
	c := b.Capacity()
	if n <= c {
		return
	}
	for c < n {
		c *= 2
	}
	b.grow(c)
}

func (b *Buffer) grow(c int) {
	old := b.Capacity()
	b.Offsets = growSlice(b.Offsets, c)
	b.Counts = growSlice(b.Counts, c)
	b.BaseInstances = growSlice(b.BaseInstances, c)
	b.InstanceCounts = growSlice(b.InstanceCounts, c)
	if d := b.stride(); d != 0 {
		for i := old; i < c; i++ {
			b.Counts[i] = d
		}
	}
}

func growSlice(s []uint32, c int) []uint32 {
	out := make([]uint32, c)
	copy(out, s)
	return out
}

func (b *Buffer) stride() uint32 {
	if b.Indexed {
		return b.IndexStride
	}
	return b.VertexStride
}

// Add appends an instanced range covering instanceCount instances starting
// at baseInstance and returns its index.
func (b *Buffer) Add(baseInstance, instanceCount uint32) int {
	i := b.n
	b.EnsureCapacity(i + 1)
	b.Offsets[i] = 0
	b.Counts[i] = b.stride()
	b.BaseInstances[i] = baseInstance
	b.InstanceCounts[i] = instanceCount
	b.n++
	b.converted = false
	return i
}

// Set overwrites range i, extending Len if needed.
func (b *Buffer) Set(i int, r Range) {
	b.EnsureCapacity(i + 1)
	b.Offsets[i] = r.Offset
	b.Counts[i] = r.Count
	b.BaseInstances[i] = r.BaseInstance
	b.InstanceCounts[i] = r.InstanceCount
	b.n = max(b.n, i+1)
	b.converted = false
}

// Range returns entry i.
func (b *Buffer) Range(i int) Range {
	return Range{
		Offset:        b.Offsets[i],
		Count:         b.Counts[i],
		BaseInstance:  b.BaseInstances[i],
		InstanceCount: b.InstanceCounts[i],
	}
}

// Ranges returns the entries in use.
func (b *Buffer) Ranges() []Range {
	out := make([]Range, b.n)
	for i := range out {
		out[i] = b.Range(i)
	}
	return out
}

// Reset empties the table without releasing storage.
func (b *Buffer) Reset() {
	b.n = 0
	b.converted = false
}

// Converted reports whether the table holds plain ranges.
func (b *Buffer) Converted() bool { return b.converted }

// ConvertInstancesToVertices rewrites every instanced range into a plain
// range: the offset becomes baseInstance×stride and the count
// instanceCount×stride, using the index stride when indexed. It does
// nothing in instanced mode or when the table is already converted.
func (b *Buffer) ConvertInstancesToVertices() {
	if b.Instanced || b.converted {
		return
	}
	d := b.stride()
	for i := range b.n {
		b.Offsets[i] = b.BaseInstances[i] * d
		b.Counts[i] = b.InstanceCounts[i] * d
	}
	b.converted = true
}

func (b *Buffer) String() string {
	mode := "instanced"
	if !b.Instanced {
		mode = "flattened"
	}
	return fmt.Sprintf("multidraw.Buffer{%d/%d ranges, %s, converted=%t}", b.n, b.Capacity(), mode, b.converted)
}
