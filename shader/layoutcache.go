package shader

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/wgpu/hal"
)

// ErrLayoutCreation wraps backend failures creating layout objects.
var ErrLayoutCreation = errors.New("shader: layout creation failed")

// LayoutCache owns the bind-group and pipeline layout objects of one
// device. Objects are shared between programs with equal structure, which
// makes their bind groups interchangeable.
type LayoutCache struct {
	device hal.Device

	mu        sync.Mutex
	groups    map[uint64]hal.BindGroupLayout
	pipelines map[uint64]hal.PipelineLayout
}

// NewLayoutCache creates an empty cache for device.
func NewLayoutCache(device hal.Device) *LayoutCache {
	return &LayoutCache{
		device:    device,
		groups:    make(map[uint64]hal.BindGroupLayout),
		pipelines: make(map[uint64]hal.PipelineLayout),
	}
}

// BindGroupLayout returns the layout object for group g of p.
func (c *LayoutCache) BindGroupLayout(p *Program, g uint32) (hal.BindGroupLayout, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupLocked(p, g)
}

func (c *LayoutCache) groupLocked(p *Program, g uint32) (hal.BindGroupLayout, error) {
	key := p.GroupLayoutKey(g)
	if l, ok := c.groups[key]; ok {
		return l, nil
	}
	bindings := p.layout.Group(g)
	desc := &hal.BindGroupLayoutDescriptor{Label: fmt.Sprintf("%s/group%d", p.Label, g)}
	for _, b := range bindings {
		desc.Entries = append(desc.Entries, b.Entry())
	}
	l, err := c.device.CreateBindGroupLayout(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s group %d: %w", ErrLayoutCreation, p, g, err)
	}
	c.groups[key] = l
	return l, nil
}

// PipelineLayout returns the pipeline layout object for p.
func (c *LayoutCache) PipelineLayout(p *Program) (hal.PipelineLayout, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.pipelines[p.layoutKey]; ok {
		return l, nil
	}
	n := p.layout.GroupCount()
	groups := make([]hal.BindGroupLayout, n)
	for g := range n {
		l, err := c.groupLocked(p, g)
		if err != nil {
			return nil, err
		}
		groups[g] = l
	}
	l, err := c.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            p.Label,
		BindGroupLayouts: groups,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLayoutCreation, p, err)
	}
	c.pipelines[p.layoutKey] = l
	return l, nil
}

// Len returns the number of bind-group and pipeline layouts held.
func (c *LayoutCache) Len() (groups, pipelines int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups), len(c.pipelines)
}

// Destroy releases every layout object.
func (c *LayoutCache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, l := range c.pipelines {
		c.device.DestroyPipelineLayout(l)
		delete(c.pipelines, k)
	}
	for k, l := range c.groups {
		c.device.DestroyBindGroupLayout(l)
		delete(c.groups, k)
	}
}
