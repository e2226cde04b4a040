// Package bindgroup resolves shader resource groups into cached device
// bind groups.
//
// A Group is an index-addressed set of resources, one slot per binding
// number. Its GPU key concatenates the tokens of the resources a program
// declares for one group index, in declaration order, and is memoized per
// program layout until a slot or a member resource changes. The device
// Cache maps a (group layout, GPU key) pair to a hal.BindGroup.
//
// Groups are not safe for concurrent use. Mutating a group while a draw
// resolves it is a caller bug.
package bindgroup

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucache/shader"
	"github.com/gogpu/gpucache/upload"
)

var (
	// ErrResourceDestroyed is returned when a group slot held a resource
	// that was destroyed while still referenced.
	ErrResourceDestroyed = errors.New("bindgroup: bound resource destroyed")

	// ErrMissingResource is returned when a declared binding has no resource.
	ErrMissingResource = errors.New("bindgroup: binding has no resource")

	// ErrKindMismatch is returned when a resource cannot fill a binding.
	ErrKindMismatch = errors.New("bindgroup: resource does not match binding")

	// ErrOutOfRange is returned for slot indices and writes out of range.
	ErrOutOfRange = errors.New("bindgroup: out of range")
)

type memoKey struct {
	layout uint64
	group  uint32
}

type memoEntry struct {
	revision uint64
	key      string
}

// Group is a fixed-size set of resources addressed by binding number.
type Group struct {
	Label string

	slots    []Resource
	cancel   []func()
	tainted  []bool
	revision uint64
	memo     map[memoKey]memoEntry
}

// New returns a group with size empty slots.
func New(label string, size int) *Group {
	return &Group{
		Label:   label,
		slots:   make([]Resource, size),
		cancel:  make([]func(), size),
		tainted: make([]bool, size),
		memo:    make(map[memoKey]memoEntry),
	}
}

// Len returns the number of slots.
func (g *Group) Len() int { return len(g.slots) }

// Revision returns the change counter. It advances on every slot
// replacement and every change notification from a member resource.
func (g *Group) Revision() uint64 { return g.revision }

// Resource returns the resource at index, or nil.
func (g *Group) Resource(index int) Resource {
	if index < 0 || index >= len(g.slots) {
		return nil
	}
	return g.slots[index]
}

// SetResource places r at index, moving the change subscription from the
// previous occupant to r. A nil r clears the slot.
func (g *Group) SetResource(index int, r Resource) error {
	if index < 0 || index >= len(g.slots) {
		return fmt.Errorf("%w: slot %d of %d in group %q", ErrOutOfRange, index, len(g.slots), g.Label)
	}
	if g.slots[index] == r && r != nil && !g.tainted[index] {
		return nil
	}
	if g.cancel[index] != nil {
		g.cancel[index]()
		g.cancel[index] = nil
	}
	g.slots[index] = r
	g.tainted[index] = false
	if r != nil {
		if r.Destroyed() {
			g.slots[index] = nil
			g.tainted[index] = true
		} else {
			g.cancel[index] = r.Subscribe(func(res Resource, e Event) { g.onEvent(index, res, e) })
		}
	}
	g.revision++
	return nil
}

func (g *Group) onEvent(index int, r Resource, e Event) {
	if g.slots[index] != r {
		return
	}
	if e == Destroyed {
		g.slots[index] = nil
		g.cancel[index] = nil
		g.tainted[index] = true
		slogger().Warn("bindgroup: referenced resource destroyed", "group", g.Label, "index", index)
	}
	g.revision++
}

// GPUKey returns the key of the binding that prog's declaration of group
// index group resolves to. Bindings are visited in declaration order. When
// the group holds storage bindings, the program layout key is appended,
// since such groups are only compatible with matching pipeline layouts.
func (g *Group) GPUKey(prog *shader.Program, group uint32) (string, error) {
	mk := memoKey{layout: prog.LayoutKey(), group: group}
	if m, ok := g.memo[mk]; ok && m.revision == g.revision {
		return m.key, nil
	}

	bindings := prog.Layout().Group(group)
	var sb strings.Builder
	for i, b := range bindings {
		r, err := g.resolve(b, prog)
		if err != nil {
			return "", err
		}
		if i > 0 {
			sb.WriteByte('-')
		}
		sb.WriteString(r.Token())
	}
	if prog.Layout().HasStorage(group) {
		sb.WriteString("|layout:")
		sb.WriteString(strconv.FormatUint(prog.LayoutKey(), 10))
	}
	key := sb.String()
	g.memo[mk] = memoEntry{revision: g.revision, key: key}
	return key, nil
}

func (g *Group) resolve(b shader.BindingDesc, prog *shader.Program) (Resource, error) {
	idx := int(b.Binding)
	if idx >= len(g.slots) {
		return nil, fmt.Errorf("%w: binding %q (%d) beyond %d slots of group %q",
			ErrOutOfRange, b.Name, b.Binding, len(g.slots), g.Label)
	}
	r := g.slots[idx]
	if g.tainted[idx] || r != nil && r.Destroyed() {
		slogger().Warn("bindgroup: destroyed resource in binding",
			"group", g.Label, "index", idx, "binding", b.Name, "program", prog.String())
		return nil, fmt.Errorf("%w: group %q binding %q (%d)", ErrResourceDestroyed, g.Label, b.Name, idx)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: group %q binding %q (%d) for %s", ErrMissingResource, g.Label, b.Name, idx, prog)
	}
	if !r.Accepts(b.Kind) {
		return nil, fmt.Errorf("%w: group %q binding %q wants %s, got %T", ErrKindMismatch, g.Label, b.Name, b.Kind, r)
	}
	return r, nil
}

// Entries returns the bind group entries for prog's declaration of group.
func (g *Group) Entries(prog *shader.Program, group uint32) ([]gputypes.BindGroupEntry, error) {
	bindings := prog.Layout().Group(group)
	entries := make([]gputypes.BindGroupEntry, 0, len(bindings))
	for _, b := range bindings {
		r, err := g.resolve(b, prog)
		if err != nil {
			return nil, err
		}
		entries = append(entries, gputypes.BindGroupEntry{Binding: b.Binding, Resource: r.Binding()})
	}
	return entries, nil
}

// Dirty reports whether any member has content pending upload.
func (g *Group) Dirty() bool {
	for _, r := range g.slots {
		if s, ok := r.(Syncer); ok && s.Dirty() {
			return true
		}
	}
	return false
}

// Sync uploads pending content of every member resource.
func (g *Group) Sync(queue hal.Queue, uploads *upload.Registry) error {
	for i, r := range g.slots {
		s, ok := r.(Syncer)
		if !ok || !s.Dirty() {
			continue
		}
		if err := s.Sync(queue, uploads); err != nil {
			return fmt.Errorf("bindgroup: sync group %q slot %d: %w", g.Label, i, err)
		}
	}
	return nil
}

// Release drops every slot and its change subscription.
func (g *Group) Release() {
	for i := range g.slots {
		if g.cancel[i] != nil {
			g.cancel[i]()
		}
		g.slots[i], g.cancel[i], g.tainted[i] = nil, nil, false
	}
	clear(g.memo)
	g.revision++
}
