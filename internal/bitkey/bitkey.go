// Package bitkey builds fixed-width composite cache keys.
//
// A key is a uint64 assembled from bounded fields with shift/OR. Each field
// declares its bit width; a value that does not fit is rejected with
// ErrOverflow instead of being truncated, so two packed keys are equal if
// and only if every field is equal.
//
// Variable-length inputs (attribute lists, binding layouts) are reduced to
// dense ids with an Interner. Interning maps each distinct canonical
// signature to its own id, which makes the reduction collision-free.
package bitkey

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

// ErrOverflow is returned when a value does not fit its field width.
var ErrOverflow = errors.New("bitkey: value exceeds field width")

// Field describes one bounded sub-key inside a packed key.
type Field struct {
	Name  string
	Shift uint
	Width uint
}

// Max returns the largest value the field can hold.
func (f Field) Max() uint64 {
	if f.Width >= 64 {
		return ^uint64(0)
	}
	return 1<<f.Width - 1
}

// Check reports whether v fits the field.
func (f Field) Check(v uint64) error {
	if v > f.Max() {
		return fmt.Errorf("%w: %s=%d (max %d)", ErrOverflow, f.Name, v, f.Max())
	}
	return nil
}

// Put ORs v into key at the field position. The caller must have checked v;
// an out-of-range value here is a programming error and panics.
func (f Field) Put(key, v uint64) uint64 {
	if v > f.Max() {
		panic(fmt.Sprintf("bitkey: %s=%d overflows %d bits", f.Name, v, f.Width))
	}
	return key | v<<f.Shift
}

// Get extracts the field value from key.
func (f Field) Get(key uint64) uint64 {
	return key >> f.Shift & f.Max()
}

// Layout is an ordered set of non-overlapping fields.
type Layout []Field

// NewLayout validates that fields fit in 64 bits and do not overlap.
// It panics otherwise: layouts are package-level declarations.
func NewLayout(fields ...Field) Layout {
	var used uint64
	for _, f := range fields {
		if f.Width == 0 || f.Shift+f.Width > 64 {
			panic(fmt.Sprintf("bitkey: field %s [%d,+%d) out of range", f.Name, f.Shift, f.Width))
		}
		mask := f.Max() << f.Shift
		if used&mask != 0 {
			panic(fmt.Sprintf("bitkey: field %s overlaps another field", f.Name))
		}
		used |= mask
	}
	return Layout(fields)
}

// Bits returns the total number of bits used by the layout.
func (l Layout) Bits() int {
	n := 0
	for _, f := range l {
		n += int(f.Width)
	}
	return n
}

// Pack packs values in field order. It returns ErrOverflow if any value
// exceeds its field width.
func (l Layout) Pack(values ...uint64) (uint64, error) {
	if len(values) != len(l) {
		return 0, fmt.Errorf("bitkey: pack got %d values for %d fields", len(values), len(l))
	}
	var key uint64
	for i, f := range l {
		if err := f.Check(values[i]); err != nil {
			return 0, err
		}
		key = f.Put(key, values[i])
	}
	return key, nil
}

// Unpack returns the field values of key in field order.
func (l Layout) Unpack(key uint64) []uint64 {
	out := make([]uint64, len(l))
	for i, f := range l {
		out[i] = f.Get(key)
	}
	return out
}

// WidthFor returns the number of bits needed to store n.
func WidthFor(n uint64) uint {
	if n == 0 {
		return 1
	}
	return uint(bits.Len64(n))
}

// Interner assigns dense ids to canonical signature strings.
// Ids start at 1; 0 is left free to mean "not computed".
// An Interner is safe for concurrent use.
type Interner struct {
	field Field

	mu   sync.Mutex
	ids  map[string]uint64
	next uint64
}

// NewInterner creates an interner whose ids must fit in width bits.
func NewInterner(name string, width uint) *Interner {
	return &Interner{
		field: Field{Name: name, Width: width},
		ids:   make(map[string]uint64),
		next:  1,
	}
}

// ID returns the id for sig, allocating a new one on first sight.
// It returns ErrOverflow once the id space of the declared width is used up.
func (in *Interner) ID(sig string) (uint64, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if id, ok := in.ids[sig]; ok {
		return id, nil
	}
	id := in.next
	if err := in.field.Check(id); err != nil {
		return 0, err
	}
	in.ids[sig] = id
	in.next++
	return id, nil
}

// Len returns the number of interned signatures.
func (in *Interner) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.ids)
}

// Counter hands out unique ids bounded by a field width.
// It is used for per-object identities that are never deduplicated.
type Counter struct {
	field Field

	mu   sync.Mutex
	next uint64
}

// NewCounter creates a counter whose ids must fit in width bits.
func NewCounter(name string, width uint) *Counter {
	return &Counter{field: Field{Name: name, Width: width}, next: 1}
}

// Next returns a fresh id or ErrOverflow when the space is exhausted.
func (c *Counter) Next() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	if err := c.field.Check(id); err != nil {
		return 0, err
	}
	c.next++
	return id, nil
}
