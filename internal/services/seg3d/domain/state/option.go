package state

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	perrors "github.com/louisbranch/seg3d/internal/platform/errors"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

// Option is a string cell restricted to a list of options. Options and
// values are compared lowercased.
type Option struct {
	Value[string]

	// options is guarded by the engine mutex.
	options        []string
	optionsChanged signal[[]string]
}

// AddOption registers an Option cell. def must be one of options.
func AddOption(h *Handler, key, def string, options []string) (*Option, error) {
	o := &Option{options: foldAll(options)}
	o.coerce = o.check
	o.init(h, key)
	value, _, err := o.check(def)
	if err != nil {
		return nil, err
	}
	o.value = value
	if err := h.add(key, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Options returns the current option list.
func (o *Option) Options() []string {
	e := o.handler.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(o.options)
}

// SetOptions replaces the option list. If the current value is no longer
// valid it falls back to the first option.
func (o *Option) SetOptions(ctx context.Context, options []string, src action.Source) error {
	if err := o.checkWritable(ctx, src); err != nil {
		return err
	}
	folded := foldAll(options)
	if len(folded) == 0 {
		return fmt.Errorf("state '%s': option list is empty", o.ID())
	}

	e := o.handler.engine
	e.mu.Lock()
	o.options = folded
	valueChanged := false
	if !slices.Contains(folded, o.value) {
		o.value = folded[0]
		valueChanged = true
	}
	value := o.value
	e.mu.Unlock()

	if !o.signalsEnabled() {
		return nil
	}
	o.optionsChanged.emit(slices.Clone(folded))
	if valueChanged {
		o.valueChanged.emit(ValueChange[string]{Value: value, Source: src})
		o.notify(value, src)
	}
	return nil
}

// OnOptionsChanged subscribes fn to option list updates.
func (o *Option) OnOptionsChanged(fn func([]string)) func() {
	return o.optionsChanged.connect(fn)
}

func (o *Option) check(x string) (string, bool, error) {
	folded := fold(x)
	if !slices.Contains(o.options, folded) {
		return "", false, perrors.New(perrors.CodeValidation,
			fmt.Sprintf("Option '%s' is not a valid option for '%s'", x, o.ID()))
	}
	return folded, false, nil
}

func foldAll(options []string) []string {
	out := make([]string, 0, len(options))
	for _, opt := range options {
		opt = fold(opt)
		if opt != "" && !slices.Contains(out, opt) {
			out = append(out, opt)
		}
	}
	return out
}

// fold builds a Caser per call; Casers carry state and are not safe to share.
func fold(s string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(s))
}
