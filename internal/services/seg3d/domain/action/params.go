package action

import (
	"fmt"
	"strings"

	"github.com/louisbranch/seg3d/internal/services/seg3d/core/variant"
)

// Params holds the argument and key values of one action instance.
type Params struct {
	info    *Info
	args    []variant.Value
	keys    []variant.Value
	ignored []string
}

func newParams(info *Info) *Params {
	p := &Params{
		info: info,
		args: make([]variant.Value, len(info.def.Arguments)),
		keys: make([]variant.Value, len(info.def.Keys)),
	}
	p.resetKeys()
	return p
}

func (p *Params) resetKeys() {
	for i, key := range p.info.def.Keys {
		p.keys[i] = defaultValue(key)
	}
	p.ignored = nil
}

func defaultValue(key Key) variant.Value {
	if key.Kind != variant.KindNone {
		if v, err := variant.Parse(key.Kind, key.Default); err == nil {
			return v
		}
	}
	return variant.FromString(key.Default)
}

// Value returns the slot for the named argument or key.
func (p *Params) Value(name string) (*variant.Value, bool) {
	name = strings.ToLower(name)
	if idx, ok := p.info.argIndex(name); ok {
		return &p.args[idx], true
	}
	if idx, ok := p.info.keyIndex(name); ok {
		return &p.keys[idx], true
	}
	return nil, false
}

// Set stores v in the named slot. Programmatic callers (tests, undo, Lua
// bindings) use it to build actions without text.
func (p *Params) Set(name string, v variant.Value) error {
	slot, ok := p.Value(name)
	if !ok {
		return fmt.Errorf("%s has no parameter %q", p.info.Type(), name)
	}
	*slot = v
	return nil
}

// IgnoredKeys lists unknown keys skipped by the last import.
func (p *Params) IgnoredKeys() []string {
	return append([]string(nil), p.ignored...)
}

// Param returns the named parameter converted to T.
func Param[T variant.Type](p *Params, name string) (T, error) {
	var zero T
	slot, ok := p.Value(name)
	if !ok {
		return zero, fmt.Errorf("%s has no parameter %q", p.info.Type(), name)
	}
	v, err := variant.Get[T](slot)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", p.info.Type(), name, err)
	}
	return v, nil
}

// SetParam stores a typed value in the named slot.
func SetParam[T variant.Type](p *Params, name string, x T) error {
	return p.Set(name, variant.New(x))
}
