package variant

import (
	"fmt"
	"slices"

	perrors "github.com/louisbranch/seg3d/internal/platform/errors"
)

// Kind discriminates the typed forms a Value can hold.
type Kind uint8

const (
	KindNone Kind = iota
	KindBool
	KindInt
	KindDouble
	KindString
	KindPoints
	KindStrings
)

var kindNames = [...]string{
	KindNone:    "none",
	KindBool:    "bool",
	KindInt:     "int",
	KindDouble:  "double",
	KindString:  "string",
	KindPoints:  "points",
	KindStrings: "strings",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Point is a position in volume space.
type Point struct {
	X, Y, Z float64
}

// Type lists the Go types a Value can materialize.
type Type interface {
	bool | int | float64 | string | []Point | []string
}

var (
	// ErrParse reports that a raw string could not be converted.
	ErrParse = perrors.New(perrors.CodeParse, "variant: cannot parse value")
	// ErrTypeMismatch reports a typed read for a kind other than the stored one.
	ErrTypeMismatch = perrors.New(perrors.CodeTypeMismatch, "variant: type mismatch")
	// ErrEmpty reports a typed read from a Value that holds nothing.
	ErrEmpty = perrors.New(perrors.CodeNotFound, "variant: value is empty")
)

// Value is a string-or-typed parameter value. The zero Value is empty.
type Value struct {
	kind Kind
	b    bool
	i    int
	f    float64
	s    string
	pts  []Point
	strs []string

	raw    string
	hasRaw bool

	// failure memoizes the last failed conversion of raw.
	failed  Kind
	failErr error
}

// New returns a Value holding x.
func New[T Type](x T) Value {
	var v Value
	Set(&v, x)
	return v
}

// FromString returns a Value holding the uninterpreted string s.
func FromString(s string) Value {
	var v Value
	v.ImportFromString(s)
	return v
}

// KindOf returns the Kind matching T.
func KindOf[T Type]() Kind {
	var zero T
	switch any(zero).(type) {
	case bool:
		return KindBool
	case int:
		return KindInt
	case float64:
		return KindDouble
	case string:
		return KindString
	case []Point:
		return KindPoints
	case []string:
		return KindStrings
	}
	return KindNone
}

// Set stores a typed value and drops any string form.
func Set[T Type](v *Value, x T) {
	*v = Value{}
	switch t := any(x).(type) {
	case bool:
		v.kind, v.b = KindBool, t
	case int:
		v.kind, v.i = KindInt, t
	case float64:
		v.kind, v.f = KindDouble, t
	case string:
		v.kind, v.s = KindString, t
	case []Point:
		v.kind, v.pts = KindPoints, slices.Clone(t)
	case []string:
		v.kind, v.strs = KindStrings, slices.Clone(t)
	}
}

// Get returns the value as T, converting and memoizing a raw string on first
// access.
func Get[T Type](v *Value) (T, error) {
	var zero T
	want := KindOf[T]()

	if v.kind == KindNone {
		if !v.hasRaw {
			return zero, ErrEmpty
		}
		if v.failErr != nil && v.failed == want {
			return zero, v.failErr
		}
		parsed, err := parse(want, v.raw)
		if err != nil {
			v.failed, v.failErr = want, err
			return zero, err
		}
		*v = parsed
	}

	if v.kind != want {
		return zero, perrors.Wrap(perrors.CodeTypeMismatch,
			fmt.Sprintf("variant: holds %s, requested %s", v.kind, want), ErrTypeMismatch)
	}

	var out any
	switch want {
	case KindBool:
		out = v.b
	case KindInt:
		out = v.i
	case KindDouble:
		out = v.f
	case KindString:
		out = v.s
	case KindPoints:
		out = slices.Clone(v.pts)
	case KindStrings:
		out = slices.Clone(v.strs)
	}
	return out.(T), nil
}

// Kind reports the materialized kind, or KindNone while the value is still a
// raw string or empty.
func (v *Value) Kind() Kind {
	return v.kind
}

// Raw returns the uninterpreted string, if the value has not been converted.
func (v *Value) Raw() (string, bool) {
	return v.raw, v.hasRaw && v.kind == KindNone
}

// IsEmpty reports whether the value holds neither a string nor a typed value.
func (v *Value) IsEmpty() bool {
	return v.kind == KindNone && !v.hasRaw
}

// ImportFromString replaces the content with the raw string s. It never fails;
// conversion errors surface on the next typed read.
func (v *Value) ImportFromString(s string) {
	*v = Value{raw: s, hasRaw: true}
}

// ExportToString returns the canonical form of the typed value, or the raw
// string when nothing has been materialized.
func (v *Value) ExportToString() string {
	switch v.kind {
	case KindNone:
		return v.raw
	case KindBool:
		return formatBool(v.b)
	case KindInt:
		return formatInt(v.i)
	case KindDouble:
		return formatDouble(v.f)
	case KindString:
		return v.s
	case KindPoints:
		return formatPoints(v.pts)
	case KindStrings:
		return formatStrings(v.strs)
	}
	return ""
}

// String implements fmt.Stringer.
func (v Value) String() string {
	return v.ExportToString()
}

// Equal reports whether both values export to the same string.
func (v *Value) Equal(other *Value) bool {
	return v.ExportToString() == other.ExportToString()
}

// Parse validates s against kind and returns the typed Value it converts to.
func Parse(kind Kind, s string) (Value, error) {
	if kind == KindNone {
		return FromString(s), nil
	}
	return parse(kind, s)
}
