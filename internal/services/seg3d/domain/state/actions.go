package state

import (
	"context"
	"fmt"

	perrors "github.com/louisbranch/seg3d/internal/platform/errors"
	"github.com/louisbranch/seg3d/internal/services/seg3d/core/variant"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

var (
	setInfo = action.MustInfo(action.Definition{
		Type:        "Set",
		Description: "Set the value of a state variable.",
		Arguments: []action.Arg{
			{Name: "stateid", Description: "The id of the state variable.", Kind: variant.KindString},
			{Name: "value", Description: "The new value of the state variable."},
		},
		Flags: action.FlagChangesProjectData,
	})
	getInfo = action.MustInfo(action.Definition{
		Type:        "Get",
		Description: "Get the value of a state variable.",
		Arguments: []action.Arg{
			{Name: "stateid", Description: "The id of the state variable.", Kind: variant.KindString},
		},
	})
	offsetInfo = action.MustInfo(action.Definition{
		Type:        "Offset",
		Description: "Add an offset to a numeric state variable.",
		Arguments: []action.Arg{
			{Name: "stateid", Description: "The id of the state variable.", Kind: variant.KindString},
			{Name: "offset", Description: "The amount to add.", Kind: variant.KindDouble},
		},
		Flags: action.FlagChangesProjectData,
	})
)

// RegisterActions registers Set, Get and Offset bound to e.
func RegisterActions(reg *action.Registry, e *Engine) error {
	for _, r := range []struct {
		info  *action.Info
		build action.Constructor
	}{
		{setInfo, func() action.Action { return NewSetAction(e) }},
		{getInfo, func() action.Action { return NewGetAction(e) }},
		{offsetInfo, func() action.Action { return NewOffsetAction(e) }},
	} {
		if err := reg.Register(r.info, r.build); err != nil {
			return err
		}
	}
	return nil
}

// stateAction resolves its stateid argument during Validate.
type stateAction struct {
	action.Base
	engine *Engine
	cell   Cell
}

func (a *stateAction) resolve() (Cell, error) {
	id, err := action.Param[string](a.Params(), "stateid")
	if err != nil {
		return nil, err
	}
	c, ok := a.engine.GetState(id)
	if !ok {
		return nil, perrors.New(perrors.CodeNotFound, fmt.Sprintf("State variable '%s' does not exist", id))
	}
	return c, nil
}

func (a *stateAction) ClearCache() { a.cell = nil }

// SetAction imports a value into a cell.
type SetAction struct{ stateAction }

// NewSetAction returns an empty Set action bound to e.
func NewSetAction(e *Engine) *SetAction {
	return &SetAction{stateAction{Base: action.NewBase(setInfo), engine: e}}
}

func (a *SetAction) Validate(_ context.Context, _ action.Context) error {
	c, err := a.resolve()
	if err != nil {
		return err
	}
	value, _ := a.Params().Value("value")
	if err := c.ValidateVariant(*value); err != nil {
		return err
	}
	a.cell = c
	return nil
}

func (a *SetAction) Run(ctx context.Context, actx action.Context) (variant.Value, error) {
	value, _ := a.Params().Value("value")
	if err := a.cell.ImportVariant(ctx, *value, actx.Source()); err != nil {
		return variant.Value{}, err
	}
	return variant.Value{}, nil
}

// GetAction returns the exported value of a cell as its result.
type GetAction struct{ stateAction }

// NewGetAction returns an empty Get action bound to e.
func NewGetAction(e *Engine) *GetAction {
	return &GetAction{stateAction{Base: action.NewBase(getInfo), engine: e}}
}

func (a *GetAction) Validate(_ context.Context, _ action.Context) error {
	c, err := a.resolve()
	if err != nil {
		return err
	}
	a.cell = c
	return nil
}

func (a *GetAction) Run(_ context.Context, _ action.Context) (variant.Value, error) {
	return a.cell.ExportVariant(), nil
}

// OffsetAction nudges a numeric cell.
type OffsetAction struct {
	stateAction
	target Offsetter
}

// NewOffsetAction returns an empty Offset action bound to e.
func NewOffsetAction(e *Engine) *OffsetAction {
	return &OffsetAction{stateAction: stateAction{Base: action.NewBase(offsetInfo), engine: e}}
}

func (a *OffsetAction) Validate(_ context.Context, _ action.Context) error {
	c, err := a.resolve()
	if err != nil {
		return err
	}
	target, ok := c.(Offsetter)
	if !ok {
		return perrors.New(perrors.CodeValidation, fmt.Sprintf("State variable '%s' does not support offsets", c.ID()))
	}
	if _, err := action.Param[float64](a.Params(), "offset"); err != nil {
		return err
	}
	a.cell, a.target = c, target
	return nil
}

func (a *OffsetAction) Run(ctx context.Context, actx action.Context) (variant.Value, error) {
	delta, err := action.Param[float64](a.Params(), "offset")
	if err != nil {
		return variant.Value{}, err
	}
	return variant.Value{}, a.target.Offset(ctx, delta, actx.Source())
}

func (a *OffsetAction) ClearCache() {
	a.stateAction.ClearCache()
	a.target = nil
}
