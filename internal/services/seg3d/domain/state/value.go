package state

import (
	"context"
	"fmt"
	"slices"

	perrors "github.com/louisbranch/seg3d/internal/platform/errors"
	"github.com/louisbranch/seg3d/internal/services/seg3d/core/variant"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

// ValueChange is emitted after a Value cell commits a new value.
type ValueChange[T variant.Type] struct {
	Value  T
	Source action.Source
}

// Value is a cell holding a single typed value. Slice-typed values
// ([]variant.Point, []string) are the vector cells.
type Value[T variant.Type] struct {
	cellBase

	// value is guarded by the engine mutex.
	value T
	// coerce maps an incoming value to the one that will be stored. adjusted
	// is true when the result differs from the input. Called with the engine
	// mutex held.
	coerce func(x T) (out T, adjusted bool, err error)

	valueChanged signal[ValueChange[T]]
}

// AddValue registers a Value cell under key with default def.
func AddValue[T variant.Type](h *Handler, key string, def T) (*Value[T], error) {
	v := &Value[T]{value: cloneValue(def)}
	v.init(h, key)
	if err := h.add(key, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	e := v.handler.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneValue(v.value)
}

// Set stores x and emits change signals if the value changed.
func (v *Value[T]) Set(ctx context.Context, x T, src action.Source) error {
	if err := v.checkWritable(ctx, src); err != nil {
		return err
	}

	e := v.handler.engine
	e.mu.Lock()
	x, adjusted, err := v.apply(x)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	// A clamped value is pushed back to every observer, including the one
	// that asked for the change.
	if adjusted {
		src = action.SourceNone
	}
	exported := format(x)
	if exported == format(v.value) && !adjusted {
		e.mu.Unlock()
		return nil
	}
	v.value = cloneValue(x)
	e.mu.Unlock()

	if v.signalsEnabled() {
		v.valueChanged.emit(ValueChange[T]{Value: cloneValue(x), Source: src})
	}
	v.notify(exported, src)
	return nil
}

// OnValueChanged subscribes fn to committed changes of the value.
func (v *Value[T]) OnValueChanged(fn func(ValueChange[T])) func() {
	return v.valueChanged.connect(fn)
}

func (v *Value[T]) ExportToString() string {
	return format(v.Get())
}

func (v *Value[T]) ExportVariant() variant.Value {
	return variant.New(v.Get())
}

func (v *Value[T]) ImportFromString(ctx context.Context, s string, src action.Source) error {
	return v.ImportVariant(ctx, variant.FromString(s), src)
}

func (v *Value[T]) ImportVariant(ctx context.Context, in variant.Value, src action.Source) error {
	x, err := v.convert(in)
	if err != nil {
		return err
	}
	return v.Set(ctx, x, src)
}

func (v *Value[T]) ValidateVariant(in variant.Value) error {
	x, err := v.convert(in)
	if err != nil {
		return err
	}
	e := v.handler.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _, err = v.apply(x)
	return err
}

func (v *Value[T]) apply(x T) (T, bool, error) {
	if v.coerce == nil {
		return x, false, nil
	}
	return v.coerce(x)
}

func (v *Value[T]) convert(in variant.Value) (T, error) {
	want := variant.KindOf[T]()
	if k := in.Kind(); k != variant.KindNone && k != want {
		in = variant.FromString(in.ExportToString())
	}
	x, err := variant.Get[T](&in)
	if err != nil {
		var zero T
		return zero, perrors.Wrap(perrors.CodeValidation,
			fmt.Sprintf("state '%s' expects %s: %s", v.ID(), want, err.Error()), err)
	}
	return x, nil
}

func format[T variant.Type](x T) string {
	v := variant.New(x)
	return v.ExportToString()
}

func cloneValue[T variant.Type](x T) T {
	switch t := any(x).(type) {
	case []variant.Point:
		return any(slices.Clone(t)).(T)
	case []string:
		return any(slices.Clone(t)).(T)
	}
	return x
}
