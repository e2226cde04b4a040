package texpool

import "fmt"

// Stats counts pool activity. Allocated, Free, InUse, Bytes and the
// bucket counts describe the current state; the rest are totals.
type Stats struct {
	Allocated     int
	Free          int
	InUse         int
	Bytes         int64
	Buckets       int
	ScreenBuckets int

	Hits      uint64
	Misses    uint64
	Destroyed uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("texpool: %d textures (%d free, %d in use, %.1f MiB) in %d buckets (%d screen), %d hits, %d misses, %d destroyed",
		s.Allocated, s.Free, s.InUse, float64(s.Bytes)/(1<<20), s.Buckets, s.ScreenBuckets, s.Hits, s.Misses, s.Destroyed)
}
