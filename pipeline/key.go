package pipeline

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpucache/geometry"
	"github.com/gogpu/gpucache/internal/bitkey"
	"github.com/gogpu/gpucache/shader"
)

// Program key fields.
var (
	TopologyField = bitkey.Field{Name: "topology", Shift: 0, Width: 3}
	ProgramField  = bitkey.Field{Name: "program", Shift: 3, Width: shader.ProgramIDBits}
	GeometryField = bitkey.Field{Name: "geometry layout", Shift: 3 + shader.ProgramIDBits, Width: geometry.LayoutKeyBits}

	programLayout = bitkey.NewLayout(TopologyField, ProgramField, GeometryField)
)

// ProgramKey packs a geometry layout key, a program id and a topology.
func ProgramKey(geometryKey, programID uint64, topology gputypes.PrimitiveTopology) (uint64, error) {
	return programLayout.Pack(uint64(topology), programID, geometryKey)
}

// vertexKey identifies a vertex state translation: the same geometry
// layout read through the same attribute locations.
type vertexKey struct {
	geometry   uint64
	attributes uint64
}
