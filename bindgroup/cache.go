package bindgroup

import (
	"errors"
	"fmt"

	"github.com/gogpu/wgpu/hal"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gogpu/gpucache/shader"
)

// DefaultCacheSize is the number of bind groups a Cache keeps by default.
const DefaultCacheSize = 1024

var (
	// ErrBindGroupCreation wraps backend bind group creation failures.
	ErrBindGroupCreation = errors.New("bindgroup: creation failed")

	// ErrCacheClosed is returned after Destroy.
	ErrCacheClosed = errors.New("bindgroup: cache destroyed")
)

type cacheKey struct {
	layout uint64
	gpu    string
}

// CacheStats counts cache activity.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Live      int
	Retired   int
}

func (s CacheStats) String() string {
	return fmt.Sprintf("bindgroups: %d live, %d retired, %d hits, %d misses, %d evicted",
		s.Live, s.Retired, s.Hits, s.Misses, s.Evictions)
}

// Cache keeps resolved device bind groups, bounded by least recent use.
// Evicted bind groups may still be referenced by recorded commands, so
// they are retired and destroyed by Collect once the caller knows the
// device is done with them.
type Cache struct {
	device  hal.Device
	layouts *shader.LayoutCache
	groups  *lru.Cache[cacheKey, hal.BindGroup]
	retired []hal.BindGroup
	stats   CacheStats
	closed  bool
}

// NewCache returns a cache of at most size bind groups. Bind group layouts
// come from layouts, shared with the pipeline cache.
func NewCache(device hal.Device, layouts *shader.LayoutCache, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c := &Cache{device: device, layouts: layouts}
	groups, err := lru.NewWithEvict[cacheKey, hal.BindGroup](size, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("bindgroup: %w", err)
	}
	c.groups = groups
	return c, nil
}

func (c *Cache) onEvict(_ cacheKey, bg hal.BindGroup) {
	c.stats.Evictions++
	c.retired = append(c.retired, bg)
}

// BindGroup returns the device bind group for g under prog's declaration
// of group index group, creating it on a miss. The GPU key is returned
// with it so callers can compare bindings without touching the device.
func (c *Cache) BindGroup(g *Group, prog *shader.Program, group uint32) (hal.BindGroup, string, error) {
	if c.closed {
		return nil, "", ErrCacheClosed
	}
	key, err := g.GPUKey(prog, group)
	if err != nil {
		return nil, "", err
	}
	ck := cacheKey{layout: prog.GroupLayoutKey(group), gpu: key}
	if bg, ok := c.groups.Get(ck); ok {
		c.stats.Hits++
		return bg, key, nil
	}
	c.stats.Misses++

	layout, err := c.layouts.BindGroupLayout(prog, group)
	if err != nil {
		return nil, "", err
	}
	entries, err := g.Entries(prog, group)
	if err != nil {
		return nil, "", err
	}
	bg, err := c.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   fmt.Sprintf("%s@%d", g.Label, group),
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: group %q for %s: %w", ErrBindGroupCreation, g.Label, prog, err)
	}
	c.groups.Add(ck, bg)
	slogger().Debug("bindgroup: created", "group", g.Label, "index", group, "program", prog.String(), "key", key)
	return bg, key, nil
}

// Collect destroys bind groups evicted since the last call.
func (c *Cache) Collect() int {
	n := len(c.retired)
	for _, bg := range c.retired {
		c.device.DestroyBindGroup(bg)
	}
	c.retired = c.retired[:0]
	return n
}

// Len returns the number of live bind groups.
func (c *Cache) Len() int { return c.groups.Len() }

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() CacheStats {
	s := c.stats
	s.Live = c.groups.Len()
	s.Retired = len(c.retired)
	return s
}

// Purge retires every live bind group. They are destroyed by the next
// Collect.
func (c *Cache) Purge() { c.groups.Purge() }

// Destroy destroys every bind group the cache holds.
func (c *Cache) Destroy() {
	if c.closed {
		return
	}
	c.groups.Purge()
	c.Collect()
	c.closed = true
}
