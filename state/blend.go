package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpucache/internal/bitkey"
)

// BlendMode identifies a registered blend equation. Ids fit in 8 bits.
type BlendMode uint8

// Built-in blend modes. The values are stable and occupy the first ids.
const (
	BlendNormal BlendMode = iota
	BlendAdd
	BlendMultiply
	BlendScreen
	BlendErase
	BlendReplace
	BlendMin
	BlendMax

	builtinBlendModes
)

// ErrUnknownBlendMode is returned for an id that was never registered.
var ErrUnknownBlendMode = errors.New("state: unknown blend mode")

var blendField = bitkey.Field{Name: "blend mode", Width: 8}

type blendEntry struct {
	name  string
	state gputypes.BlendState
}

var blendRegistry = struct {
	sync.RWMutex
	modes  []blendEntry
	byName map[string]BlendMode
}{byName: make(map[string]BlendMode)}

func component(src, dst gputypes.BlendFactor, op gputypes.BlendOperation) gputypes.BlendComponent {
	return gputypes.BlendComponent{SrcFactor: src, DstFactor: dst, Operation: op}
}

func init() {
	add := gputypes.BlendOperationAdd
	one := gputypes.BlendFactorOne
	zero := gputypes.BlendFactorZero
	oneMinusSrcA := gputypes.BlendFactorOneMinusSrcAlpha

	builtins := []blendEntry{
		BlendNormal: {"normal", gputypes.BlendStatePremultiplied()},
		BlendAdd: {"add", gputypes.BlendState{
			Color: component(one, one, add),
			Alpha: component(one, one, add),
		}},
		BlendMultiply: {"multiply", gputypes.BlendState{
			Color: component(gputypes.BlendFactorDst, oneMinusSrcA, add),
			Alpha: component(one, oneMinusSrcA, add),
		}},
		BlendScreen: {"screen", gputypes.BlendState{
			Color: component(one, gputypes.BlendFactorOneMinusSrc, add),
			Alpha: component(one, oneMinusSrcA, add),
		}},
		BlendErase: {"erase", gputypes.BlendState{
			Color: component(zero, oneMinusSrcA, add),
			Alpha: component(zero, oneMinusSrcA, add),
		}},
		BlendReplace: {"replace", gputypes.BlendStateReplace()},
		BlendMin: {"min", gputypes.BlendState{
			Color: component(one, one, gputypes.BlendOperationMin),
			Alpha: component(one, one, gputypes.BlendOperationMin),
		}},
		BlendMax: {"max", gputypes.BlendState{
			Color: component(one, one, gputypes.BlendOperationMax),
			Alpha: component(one, one, gputypes.BlendOperationMax),
		}},
	}
	for i, e := range builtins {
		blendRegistry.modes = append(blendRegistry.modes, e)
		blendRegistry.byName[e.name] = BlendMode(i)
	}
}

// RegisterBlendMode adds a custom blend equation and returns its id.
// Registering an existing name returns the existing id. Registration fails
// with bitkey.ErrOverflow once 256 modes exist.
func RegisterBlendMode(name string, bs gputypes.BlendState) (BlendMode, error) {
	blendRegistry.Lock()
	defer blendRegistry.Unlock()

	if id, ok := blendRegistry.byName[name]; ok {
		return id, nil
	}
	id := uint64(len(blendRegistry.modes))
	if err := blendField.Check(id); err != nil {
		return 0, err
	}
	blendRegistry.modes = append(blendRegistry.modes, blendEntry{name: name, state: bs})
	blendRegistry.byName[name] = BlendMode(id)
	return BlendMode(id), nil
}

// LookupBlendMode returns the id registered under name.
func LookupBlendMode(name string) (BlendMode, bool) {
	blendRegistry.RLock()
	defer blendRegistry.RUnlock()
	id, ok := blendRegistry.byName[name]
	return id, ok
}

// BlendState returns the blend equation of m.
func (m BlendMode) BlendState() (gputypes.BlendState, error) {
	blendRegistry.RLock()
	defer blendRegistry.RUnlock()
	if int(m) >= len(blendRegistry.modes) {
		return gputypes.BlendState{}, fmt.Errorf("%w: %d", ErrUnknownBlendMode, m)
	}
	return blendRegistry.modes[m].state, nil
}

// String returns the registered name of m.
func (m BlendMode) String() string {
	blendRegistry.RLock()
	defer blendRegistry.RUnlock()
	if int(m) >= len(blendRegistry.modes) {
		return fmt.Sprintf("BlendMode(%d)", uint8(m))
	}
	return blendRegistry.modes[m].name
}
