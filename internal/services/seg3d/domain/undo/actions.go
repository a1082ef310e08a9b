package undo

import (
	"context"

	"github.com/louisbranch/seg3d/internal/services/seg3d/core/variant"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

var (
	undoInfo = action.MustInfo(action.Definition{
		Type:        "Undo",
		Description: "Undo the last undoable action.",
		Flags:       action.FlagChangesProjectData,
	})
	redoInfo = action.MustInfo(action.Definition{
		Type:        "Redo",
		Description: "Redo the last undone action.",
		Flags:       action.FlagChangesProjectData,
	})
)

// RegisterActions registers Undo and Redo bound to b.
func RegisterActions(reg *action.Registry, b *Buffer) error {
	if err := reg.Register(undoInfo, func() action.Action { return NewUndoAction(b) }); err != nil {
		return err
	}
	return reg.Register(redoInfo, func() action.Action { return NewRedoAction(b) })
}

// UndoAction reverses the newest undo item.
type UndoAction struct {
	action.Base
	buffer *Buffer
}

// NewUndoAction returns an Undo action bound to b.
func NewUndoAction(b *Buffer) *UndoAction {
	return &UndoAction{Base: action.NewBase(undoInfo), buffer: b}
}

func (a *UndoAction) Validate(context.Context, action.Context) error {
	if n, _ := a.buffer.Len(); n == 0 {
		return ErrUndoEmpty
	}
	return nil
}

func (a *UndoAction) Run(ctx context.Context, _ action.Context) (variant.Value, error) {
	return variant.Value{}, a.buffer.Undo(ctx)
}

// RedoAction re-executes the newest undone action.
type RedoAction struct {
	action.Base
	buffer *Buffer
}

// NewRedoAction returns a Redo action bound to b.
func NewRedoAction(b *Buffer) *RedoAction {
	return &RedoAction{Base: action.NewBase(redoInfo), buffer: b}
}

func (a *RedoAction) Validate(context.Context, action.Context) error {
	if _, n := a.buffer.Len(); n == 0 {
		return ErrRedoEmpty
	}
	return nil
}

func (a *RedoAction) Run(ctx context.Context, actx action.Context) (variant.Value, error) {
	return variant.Value{}, a.buffer.Redo(ctx, actx)
}
