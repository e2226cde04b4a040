package shader

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucache/internal/bitkey"
)

// ProgramIDBits is the width of a program identity inside a program key.
const ProgramIDBits = 20

var (
	// ErrInvalidLayout is returned for a malformed Layout.
	ErrInvalidLayout = errors.New("shader: invalid layout")

	// ErrModuleCreation wraps backend shader-module failures.
	ErrModuleCreation = errors.New("shader: module creation failed")

	// ErrNoStage is returned for a program without a usable stage.
	ErrNoStage = errors.New("shader: program has no vertex or compute stage")

	// ErrProgramDestroyed is returned when a destroyed program is used.
	ErrProgramDestroyed = errors.New("shader: program destroyed")
)

var programIDs = bitkey.NewCounter("program", ProgramIDBits)

// Stage is one compiled entry point.
type Stage struct {
	Module     hal.ShaderModule
	EntryPoint string
}

// Valid reports whether the stage has a module and an entry point.
func (s Stage) Valid() bool { return s.Module != nil && s.EntryPoint != "" }

// Program is a set of compiled stages together with their resource layout.
// A Program is either a render program (vertex, optional fragment) or a
// compute program.
type Program struct {
	Label    string
	Vertex   Stage
	Fragment Stage
	Compute  Stage

	layout    *Layout
	id        uint64
	attrKey   uint64
	layoutKey uint64
	groupKeys []uint64

	owned     []hal.ShaderModule
	destroyed bool
}

// NewProgram validates layout and derives the program's keys. Bindings
// without an explicit visibility become visible to every stage present.
func NewProgram(label string, layout *Layout, vertex, fragment, compute Stage) (*Program, error) {
	if !vertex.Valid() && !compute.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrNoStage, label)
	}
	if layout == nil {
		layout = &Layout{}
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	p := &Program{Label: label, Vertex: vertex, Fragment: fragment, Compute: compute}
	p.layout = layout.Clone()
	stages := p.Stages()
	for i := range p.layout.Bindings {
		if p.layout.Bindings[i].Visibility == gputypes.ShaderStageNone {
			p.layout.Bindings[i].Visibility = stages
		}
	}

	var err error
	if p.id, err = programIDs.Next(); err != nil {
		return nil, err
	}
	if p.attrKey, err = attributeKeys.ID(p.layout.attributeSignature()); err != nil {
		return nil, err
	}
	if p.layoutKey, err = layoutKeys.ID(p.layout.layoutSignature()); err != nil {
		return nil, err
	}
	p.groupKeys = make([]uint64, p.layout.GroupCount())
	for g := range p.groupKeys {
		if p.groupKeys[g], err = groupKeys.ID(p.layout.groupSignature(uint32(g))); err != nil {
			return nil, err
		}
	}
	slogger().Debug("shader: program created",
		"program", label, "id", p.id, "layoutKey", p.layoutKey, "groups", len(p.groupKeys))
	return p, nil
}

// ID returns the program's unique identity.
func (p *Program) ID() uint64 { return p.id }

// Layout returns the program's resource layout. It must not be modified.
func (p *Program) Layout() *Layout { return p.layout }

// AttributeLocationsKey identifies the sorted attribute location list.
func (p *Program) AttributeLocationsKey() uint64 { return p.attrKey }

// LayoutKey identifies the program's bind-group structure. Programs with
// equal structure share the key and can use each other's bind groups.
func (p *Program) LayoutKey() uint64 { return p.layoutKey }

// GroupLayoutKey identifies the structure of bind group g.
func (p *Program) GroupLayoutKey(g uint32) uint64 {
	if int(g) >= len(p.groupKeys) {
		return 0
	}
	return p.groupKeys[g]
}

// IsCompute reports whether p is a compute program.
func (p *Program) IsCompute() bool { return p.Compute.Valid() }

// Stages returns the shader stages present in p.
func (p *Program) Stages() gputypes.ShaderStages {
	var s gputypes.ShaderStages
	if p.Vertex.Valid() {
		s |= gputypes.ShaderStageVertex
	}
	if p.Fragment.Valid() {
		s |= gputypes.ShaderStageFragment
	}
	if p.Compute.Valid() {
		s |= gputypes.ShaderStageCompute
	}
	return s
}

// Destroyed reports whether Destroy was called.
func (p *Program) Destroyed() bool { return p.destroyed }

// Destroy releases the shader modules created by Compile. Modules passed
// to NewProgram by the caller are left alone.
func (p *Program) Destroy(device hal.Device) {
	if p.destroyed {
		return
	}
	for _, m := range p.owned {
		device.DestroyShaderModule(m)
	}
	p.owned = nil
	p.destroyed = true
}

func (p *Program) String() string {
	return fmt.Sprintf("%s#%d", p.Label, p.id)
}

// Source is WGSL program source with its entry points. Empty entry points
// are looked up by stage in the reflected module.
type Source struct {
	Label    string
	WGSL     string
	Vertex   string
	Fragment string
	Compute  string
	// Layout overrides reflection when set.
	Layout *Layout
}

// Compile creates one shader module from src and builds a Program from it.
// The layout is reflected from the source unless src.Layout is set.
func Compile(device hal.Device, src Source) (*Program, error) {
	var (
		refl *Reflection
		err  error
	)
	if src.Layout == nil || src.Vertex == "" && src.Compute == "" {
		if refl, err = Reflect(src.WGSL); err != nil {
			return nil, fmt.Errorf("shader: %s: %w", src.Label, err)
		}
	}
	layout := src.Layout
	if layout == nil {
		layout = refl.Layout
	}
	vsName, fsName, csName := src.Vertex, src.Fragment, src.Compute
	if refl != nil && vsName == "" && fsName == "" && csName == "" {
		vsName, fsName, csName = refl.VertexEntry, refl.FragmentEntry, refl.ComputeEntry
	}

	module, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  src.Label,
		Source: hal.ShaderSource{WGSL: src.WGSL},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrModuleCreation, src.Label, err)
	}

	stage := func(name string) Stage {
		if name == "" {
			return Stage{}
		}
		return Stage{Module: module, EntryPoint: name}
	}
	p, err := NewProgram(src.Label, layout, stage(vsName), stage(fsName), stage(csName))
	if err != nil {
		device.DestroyShaderModule(module)
		return nil, err
	}
	p.owned = []hal.ShaderModule{module}
	return p, nil
}
