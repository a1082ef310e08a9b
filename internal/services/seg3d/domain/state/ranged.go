package state

import (
	"context"
	"fmt"

	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

// Number is the set of types a Ranged cell can hold.
type Number interface {
	int | float64
}

// Range is the inclusive interval of a Ranged cell plus its widget step.
type Range[T Number] struct {
	Min, Max, Step T
}

// Ranged is a numeric cell clamped to a range.
type Ranged[T Number] struct {
	Value[T]

	// rng is guarded by the engine mutex.
	rng          Range[T]
	rangeChanged signal[Range[T]]
}

var (
	_ Cell      = (*Ranged[int])(nil)
	_ Offsetter = (*Ranged[float64])(nil)
)

// AddRanged registers a Ranged cell. Reversed bounds are swapped and def is
// clamped into the range.
func AddRanged[T Number](h *Handler, key string, def, lo, hi, step T) (*Ranged[T], error) {
	r := &Ranged[T]{rng: normalizeRange(Range[T]{Min: lo, Max: hi, Step: step})}
	r.value, _ = clampTo(def, r.rng)
	r.coerce = func(x T) (T, bool, error) {
		out, adjusted := clampTo(x, r.rng)
		return out, adjusted, nil
	}
	r.init(h, key)
	if err := h.add(key, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Range returns the current range.
func (r *Ranged[T]) Range() Range[T] {
	e := r.handler.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.rng
}

// SetRange replaces the range, clamping the current value into it.
func (r *Ranged[T]) SetRange(ctx context.Context, lo, hi T, src action.Source) error {
	if err := r.checkWritable(ctx, src); err != nil {
		return err
	}

	e := r.handler.engine
	e.mu.Lock()
	rng := normalizeRange(Range[T]{Min: lo, Max: hi, Step: r.rng.Step})
	rangeChanged := rng != r.rng
	r.rng = rng
	clamped, valueChanged := clampTo(r.value, rng)
	r.value = clamped
	e.mu.Unlock()

	if !r.signalsEnabled() {
		return nil
	}
	if rangeChanged {
		r.rangeChanged.emit(rng)
	}
	if valueChanged {
		r.valueChanged.emit(ValueChange[T]{Value: clamped, Source: src})
		r.notify(format(clamped), src)
	}
	return nil
}

// OnRangeChanged subscribes fn to range updates.
func (r *Ranged[T]) OnRangeChanged(fn func(Range[T])) func() {
	return r.rangeChanged.connect(fn)
}

// Offset adds delta to the current value. Integer cells truncate delta.
func (r *Ranged[T]) Offset(ctx context.Context, delta float64, src action.Source) error {
	return r.Set(ctx, r.Get()+T(delta), src)
}

func (r *Ranged[T]) String() string {
	rng := r.Range()
	return fmt.Sprintf("%s=%s [%v,%v]", r.ID(), r.ExportToString(), rng.Min, rng.Max)
}

func normalizeRange[T Number](rng Range[T]) Range[T] {
	if rng.Min > rng.Max {
		rng.Min, rng.Max = rng.Max, rng.Min
	}
	return rng
}

func clampTo[T Number](x T, rng Range[T]) (T, bool) {
	switch {
	case x < rng.Min:
		return rng.Min, true
	case x > rng.Max:
		return rng.Max, true
	}
	return x, false
}
