package action

import "fmt"

// Status is the outcome recorded on a Context.
type Status int

const (
	StatusSuccess Status = iota
	StatusError
	StatusInvalid
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusInvalid:
		return "invalid"
	case StatusUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Source tags where an action (and the state changes it causes) came from.
type Source int

const (
	SourceNone Source = iota
	SourceInterfaceWidget
	SourceInterfaceMouse
	SourceInterfaceKeyboard
	SourceInterfaceMenu
	SourceScript
	SourceCommandLine
	// SourceProvenance marks replayed actions; they are not recorded again.
	SourceProvenance
	// SourceUndoBuffer marks actions re-posted by redo.
	SourceUndoBuffer
)

var sourceNames = map[Source]string{
	SourceNone:              "none",
	SourceInterfaceWidget:   "widget",
	SourceInterfaceMouse:    "mouse",
	SourceInterfaceKeyboard: "keyboard",
	SourceInterfaceMenu:     "menu",
	SourceScript:            "script",
	SourceCommandLine:       "commandline",
	SourceProvenance:        "provenance",
	SourceUndoBuffer:        "undobuffer",
}

func (s Source) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// ParseSource returns the Source whose String is name.
func ParseSource(name string) (Source, bool) {
	for s, n := range sourceNames {
		if n == name {
			return s, true
		}
	}
	return SourceNone, false
}

// IsInterface reports whether the source is a GUI interaction.
func (s Source) IsInterface() bool {
	return s >= SourceInterfaceWidget && s <= SourceInterfaceMenu
}

// IsScripted reports whether failures from this source must be surfaced
// rather than dropped.
func (s Source) IsScripted() bool {
	return s == SourceScript || s == SourceCommandLine || s == SourceProvenance
}
