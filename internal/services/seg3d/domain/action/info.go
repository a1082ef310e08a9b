package action

import (
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/seg3d/internal/services/seg3d/core/variant"
)

// Flags describe how the dispatcher and undo machinery treat an action.
type Flags uint8

const (
	// FlagUndoable marks actions that push an undo item when they succeed.
	FlagUndoable Flags = 1 << iota
	// FlagChangesProjectData marks actions that dirty the project.
	FlagChangesProjectData
)

// Arg declares a required positional argument.
type Arg struct {
	Name        string
	Description string
	Kind        variant.Kind
}

// Key declares an optional named parameter and its default.
type Key struct {
	Name        string
	Default     string
	Description string
	Kind        variant.Kind
}

// Definition is the declaration used to build an Info.
type Definition struct {
	Type        string
	Description string
	Arguments   []Arg
	Keys        []Key
	Flags       Flags
}

// Info is the immutable description of one action type.
type Info struct {
	def  Definition
	args map[string]int
	keys map[string]int
}

// NewInfo validates def and normalizes argument and key names to lower case.
func NewInfo(def Definition) (*Info, error) {
	def.Type = strings.TrimSpace(def.Type)
	if def.Type == "" {
		return nil, errors.New("action type is required")
	}
	if strings.ContainsAny(def.Type, " \t=\"'") {
		return nil, fmt.Errorf("action type %q must be a single bare word", def.Type)
	}

	info := &Info{
		args: make(map[string]int, len(def.Arguments)),
		keys: make(map[string]int, len(def.Keys)),
	}
	seen := make(map[string]bool)
	args := make([]Arg, len(def.Arguments))
	for i, arg := range def.Arguments {
		arg.Name = strings.ToLower(strings.TrimSpace(arg.Name))
		if arg.Name == "" {
			return nil, fmt.Errorf("%s: argument %d has no name", def.Type, i)
		}
		if seen[arg.Name] {
			return nil, fmt.Errorf("%s: duplicate parameter %q", def.Type, arg.Name)
		}
		seen[arg.Name] = true
		info.args[arg.Name] = i
		args[i] = arg
	}
	keys := make([]Key, len(def.Keys))
	for i, key := range def.Keys {
		key.Name = strings.ToLower(strings.TrimSpace(key.Name))
		if key.Name == "" {
			return nil, fmt.Errorf("%s: key %d has no name", def.Type, i)
		}
		if seen[key.Name] {
			return nil, fmt.Errorf("%s: duplicate parameter %q", def.Type, key.Name)
		}
		if key.Kind != variant.KindNone {
			if _, err := variant.Parse(key.Kind, key.Default); err != nil {
				return nil, fmt.Errorf("%s: default for %q: %w", def.Type, key.Name, err)
			}
		}
		seen[key.Name] = true
		info.keys[key.Name] = i
		keys[i] = key
	}
	def.Arguments, def.Keys = args, keys
	info.def = def
	return info, nil
}

// MustInfo is NewInfo for package-level declarations; it panics on error.
func MustInfo(def Definition) *Info {
	info, err := NewInfo(def)
	if err != nil {
		panic(err)
	}
	return info
}

// Type returns the action type name as declared.
func (i *Info) Type() string { return i.def.Type }

// Description returns the one-line help text.
func (i *Info) Description() string { return i.def.Description }

// Arguments returns the positional argument declarations in wire order.
func (i *Info) Arguments() []Arg { return append([]Arg(nil), i.def.Arguments...) }

// Keys returns the key declarations in declaration order.
func (i *Info) Keys() []Key { return append([]Key(nil), i.def.Keys...) }

// Flags returns the action flags.
func (i *Info) Flags() Flags { return i.def.Flags }

// Undoable reports whether FlagUndoable is set.
func (i *Info) Undoable() bool { return i.def.Flags&FlagUndoable != 0 }

// ChangesProjectData reports whether FlagChangesProjectData is set.
func (i *Info) ChangesProjectData() bool { return i.def.Flags&FlagChangesProjectData != 0 }

// Usage renders "Type ARG1 ARG2 [key=default] ...".
func (i *Info) Usage() string {
	var b strings.Builder
	b.WriteString(i.def.Type)
	for _, arg := range i.def.Arguments {
		b.WriteByte(' ')
		b.WriteString(strings.ToUpper(arg.Name))
	}
	for _, key := range i.def.Keys {
		b.WriteString(" [")
		b.WriteString(key.Name)
		b.WriteByte('=')
		b.WriteString(Quote(key.Default))
		b.WriteByte(']')
	}
	return b.String()
}

func (i *Info) argIndex(name string) (int, bool) {
	idx, ok := i.args[name]
	return idx, ok
}

func (i *Info) keyIndex(name string) (int, bool) {
	idx, ok := i.keys[name]
	return idx, ok
}
