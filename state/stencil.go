package state

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// StencilMode is the active stencil usage of the render target.
// It is part of the global state because masking toggles it for whole
// runs of draws.
type StencilMode uint8

const (
	// StencilNone means no stencil configuration is applied.
	StencilNone StencilMode = iota
	// StencilDisabled keeps the stencil buffer untouched and never tests.
	StencilDisabled
	// StencilMaskAdd increments the stencil where the mask shape is drawn.
	StencilMaskAdd
	// StencilMaskRemove decrements the stencil where the mask shape is drawn.
	StencilMaskRemove
	// StencilMaskActive draws only where the stencil equals the reference.
	StencilMaskActive
	// StencilInverseMaskActive draws only where the stencil differs from
	// the reference.
	StencilInverseMaskActive

	stencilModeCount
)

var stencilNames = [...]string{
	StencilNone:              "none",
	StencilDisabled:          "disabled",
	StencilMaskAdd:           "mask-add",
	StencilMaskRemove:        "mask-remove",
	StencilMaskActive:        "mask-active",
	StencilInverseMaskActive: "inverse-mask-active",
}

func (m StencilMode) String() string {
	if m < stencilModeCount {
		return stencilNames[m]
	}
	return fmt.Sprintf("StencilMode(%d)", uint8(m))
}

// StencilFaces is the stencil portion of a depth/stencil descriptor.
type StencilFaces struct {
	Front     hal.StencilFaceState
	Back      hal.StencilFaceState
	ReadMask  uint32
	WriteMask uint32
}

func face(compare gputypes.CompareFunction, pass hal.StencilOperation) hal.StencilFaceState {
	return hal.StencilFaceState{
		Compare:     compare,
		FailOp:      hal.StencilOperationKeep,
		DepthFailOp: hal.StencilOperationKeep,
		PassOp:      pass,
	}
}

// Faces returns the stencil test applied by m. Both faces are identical.
func (m StencilMode) Faces() StencilFaces {
	var f hal.StencilFaceState
	read, write := uint32(0xFF), uint32(0xFF)
	switch m {
	case StencilMaskAdd:
		f = face(gputypes.CompareFunctionEqual, hal.StencilOperationIncrementClamp)
	case StencilMaskRemove:
		f = face(gputypes.CompareFunctionEqual, hal.StencilOperationDecrementClamp)
	case StencilMaskActive:
		f = face(gputypes.CompareFunctionEqual, hal.StencilOperationKeep)
		write = 0
	case StencilInverseMaskActive:
		f = face(gputypes.CompareFunctionNotEqual, hal.StencilOperationKeep)
		write = 0
	default:
		f = face(gputypes.CompareFunctionAlways, hal.StencilOperationKeep)
		read, write = 0, 0
	}
	return StencilFaces{Front: f, Back: f, ReadMask: read, WriteMask: write}
}
