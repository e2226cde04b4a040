package encoder

import "fmt"

// Stats counts recorded commands and the commands elided because the
// bound state already matched.
type Stats struct {
	Frames        uint64
	RenderPasses  uint64
	ComputePasses uint64
	Restores      uint64
	Submits       uint64

	Draws      uint64
	MultiDraws uint64
	Dispatches uint64

	PipelineSets     uint64
	VertexBufferSets uint64
	IndexBufferSets  uint64
	BindGroupSets    uint64
	ViewportSets     uint64
	ScissorSets      uint64
	StencilRefSets   uint64

	// Elided counts state changes skipped because nothing changed.
	Elided uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("encoder: %d frames, %d passes, %d draws, %d dispatches; sets pipeline=%d vertex=%d index=%d bindgroup=%d; %d elided",
		s.Frames, s.RenderPasses+s.ComputePasses, s.Draws, s.Dispatches,
		s.PipelineSets, s.VertexBufferSets, s.IndexBufferSets, s.BindGroupSets, s.Elided)
}
