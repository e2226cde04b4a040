package pipeline

import "fmt"

// Stats holds pipeline cache counters.
type Stats struct {
	// Hits and Misses count pipeline lookups.
	Hits   uint64
	Misses uint64

	// RenderPipelines and ComputePipelines count live pipeline objects.
	RenderPipelines  int
	ComputePipelines int

	// Partitions is the number of global-state partitions ever created.
	Partitions int
	// Programs is the number of per-program sub-caches across partitions.
	Programs int

	// Retired counts dropped objects waiting for Collect.
	Retired int

	// Warnings counts non-fatal configuration defects.
	Warnings int
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("pipelines: %d render, %d compute, %d retired, %d partitions, %d programs, hits %d, misses %d, warnings %d",
		s.RenderPipelines, s.ComputePipelines, s.Retired, s.Partitions, s.Programs, s.Hits, s.Misses, s.Warnings)
}
