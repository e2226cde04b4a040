package shader

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
)

// ErrReflect is returned when WGSL source cannot be reflected.
var ErrReflect = errors.New("shader: reflection failed")

// Reflection is the result of reflecting WGSL source.
type Reflection struct {
	Layout        *Layout
	VertexEntry   string
	FragmentEntry string
	ComputeEntry  string
}

// Reflect parses WGSL and extracts the vertex inputs of the first vertex
// entry point and every @group/@binding resource.
func Reflect(wgsl string) (*Reflection, error) {
	ast, err := naga.Parse(wgsl)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReflect, err)
	}
	module, err := naga.LowerWithSource(ast, wgsl)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReflect, err)
	}
	return reflectModule(module)
}

func reflectModule(m *ir.Module) (*Reflection, error) {
	r := &Reflection{Layout: &Layout{Attributes: make(map[string]uint32)}}

	for i := range m.EntryPoints {
		ep := &m.EntryPoints[i]
		switch ep.Stage {
		case ir.StageVertex:
			if r.VertexEntry != "" {
				continue
			}
			r.VertexEntry = ep.Name
			for _, arg := range ep.Function.Arguments {
				collectInputs(m, arg.Name, arg.Type, arg.Binding, r.Layout.Attributes)
			}
		case ir.StageFragment:
			if r.FragmentEntry == "" {
				r.FragmentEntry = ep.Name
			}
		case ir.StageCompute:
			if r.ComputeEntry == "" {
				r.ComputeEntry = ep.Name
			}
		}
	}

	for _, gv := range m.GlobalVariables {
		if gv.Binding == nil {
			continue
		}
		desc, err := bindingFor(m, gv)
		if err != nil {
			return nil, err
		}
		r.Layout.Bindings = append(r.Layout.Bindings, desc)
	}
	if err := r.Layout.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// collectInputs records @location inputs, descending into struct arguments.
func collectInputs(m *ir.Module, name string, ty ir.TypeHandle, binding *ir.Binding, out map[string]uint32) {
	if binding != nil {
		if loc, ok := locationOf(*binding); ok {
			out[name] = loc
		}
		return
	}
	if int(ty) >= len(m.Types) {
		return
	}
	st, ok := m.Types[ty].Inner.(ir.StructType)
	if !ok {
		return
	}
	for _, mem := range st.Members {
		collectInputs(m, mem.Name, mem.Type, mem.Binding, out)
	}
}

func locationOf(b ir.Binding) (uint32, bool) {
	switch lb := b.(type) {
	case ir.LocationBinding:
		return lb.Location, true
	case *ir.LocationBinding:
		return lb.Location, true
	}
	return 0, false
}

func bindingFor(m *ir.Module, gv ir.GlobalVariable) (BindingDesc, error) {
	desc := BindingDesc{Name: gv.Name, Group: gv.Binding.Group, Binding: gv.Binding.Binding}

	switch gv.Space {
	case ir.SpaceUniform:
		desc.Kind = UniformBuffer
		return desc, nil
	case ir.SpaceStorage:
		desc.Kind = StorageBuffer
		if gv.Access == ir.StorageRead {
			desc.Kind = ReadOnlyStorageBuffer
		}
		return desc, nil
	}

	if int(gv.Type) >= len(m.Types) {
		return desc, fmt.Errorf("%w: %q has unknown type", ErrReflect, gv.Name)
	}
	inner := m.Types[gv.Type].Inner
	if arr, ok := inner.(ir.BindingArrayType); ok && int(arr.Base) < len(m.Types) {
		inner = m.Types[arr.Base].Inner
	}
	switch t := inner.(type) {
	case ir.SamplerType:
		desc.Kind = Sampler
		if t.Comparison {
			desc.Kind = ComparisonSampler
		}
	case ir.ImageType:
		desc.ViewDimension = viewDimension(t)
		desc.Multisampled = t.Multisampled
		switch t.Class {
		case ir.ImageClassStorage:
			desc.Kind = StorageTexture
			desc.Access = storageAccess(t.StorageAccess)
			desc.Format = storageFormat(t.StorageFormat)
		case ir.ImageClassDepth:
			desc.Kind = Texture
			desc.SampleType = gputypes.TextureSampleTypeDepth
		default:
			desc.Kind = Texture
			desc.SampleType = sampleType(t.SampledKind, t.Multisampled)
		}
	default:
		return desc, fmt.Errorf("%w: %q has unsupported resource type %T", ErrReflect, gv.Name, inner)
	}
	return desc, nil
}

func viewDimension(t ir.ImageType) gputypes.TextureViewDimension {
	switch t.Dim {
	case ir.Dim1D:
		return gputypes.TextureViewDimension1D
	case ir.Dim3D:
		return gputypes.TextureViewDimension3D
	case ir.DimCube:
		if t.Arrayed {
			return gputypes.TextureViewDimensionCubeArray
		}
		return gputypes.TextureViewDimensionCube
	}
	if t.Arrayed {
		return gputypes.TextureViewDimension2DArray
	}
	return gputypes.TextureViewDimension2D
}

func sampleType(k ir.ScalarKind, multisampled bool) gputypes.TextureSampleType {
	switch k {
	case ir.ScalarSint:
		return gputypes.TextureSampleTypeSint
	case ir.ScalarUint:
		return gputypes.TextureSampleTypeUint
	}
	if multisampled {
		return gputypes.TextureSampleTypeUnfilterableFloat
	}
	return gputypes.TextureSampleTypeFloat
}

func storageAccess(a ir.StorageAccess) gputypes.StorageTextureAccess {
	switch a {
	case ir.StorageAccessRead:
		return gputypes.StorageTextureAccessReadOnly
	case ir.StorageAccessReadWrite, ir.StorageAccessAtomic:
		return gputypes.StorageTextureAccessReadWrite
	}
	return gputypes.StorageTextureAccessWriteOnly
}

var storageFormats = map[ir.StorageFormat]gputypes.TextureFormat{
	ir.StorageFormatR32Float:    gputypes.TextureFormatR32Float,
	ir.StorageFormatR32Uint:     gputypes.TextureFormatR32Uint,
	ir.StorageFormatRgba8Unorm:  gputypes.TextureFormatRGBA8Unorm,
	ir.StorageFormatRgba8Snorm:  gputypes.TextureFormatRGBA8Snorm,
	ir.StorageFormatBgra8Unorm:  gputypes.TextureFormatBGRA8Unorm,
	ir.StorageFormatRgba16Float: gputypes.TextureFormatRGBA16Float,
	ir.StorageFormatRgba32Float: gputypes.TextureFormatRGBA32Float,
	ir.StorageFormatRgba32Uint:  gputypes.TextureFormatRGBA32Uint,
}

func storageFormat(f ir.StorageFormat) gputypes.TextureFormat {
	return storageFormats[f]
}
