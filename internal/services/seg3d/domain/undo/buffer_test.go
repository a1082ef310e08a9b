package undo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/louisbranch/seg3d/internal/platform/errors"
	"github.com/louisbranch/seg3d/internal/services/seg3d/core/variant"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

type fakeItem struct {
	tag       string
	size      int64
	command   string
	applyErr  error
	applied   int
	discarded int
}

func (f *fakeItem) Tag() string         { return f.tag }
func (f *fakeItem) ByteSize() int64     { return f.size }
func (f *fakeItem) RedoCommand() string { return f.command }
func (f *fakeItem) Discard()            { f.discarded++ }

func (f *fakeItem) ApplyAndClearUndo(context.Context) error {
	f.applied++
	return f.applyErr
}

var echoInfo = action.MustInfo(action.Definition{
	Type:      "Echo",
	Arguments: []action.Arg{{Name: "text"}},
	Flags:     action.FlagUndoable,
})

// echo pushes a fresh undo item every time it runs, like a real undoable
// action.
type echo struct {
	action.Base
	buffer *Buffer
	ran    *[]action.Source
}

func (e *echo) Run(_ context.Context, actx action.Context) (variant.Value, error) {
	*e.ran = append(*e.ran, actx.Source())
	e.buffer.Insert(actx, &fakeItem{tag: "Echo", command: e.ExportToString()})
	return variant.Value{}, nil
}

func newBufferWithEcho(cfg Config) (*Buffer, *[]action.Source) {
	var ran []action.Source
	reg := action.NewRegistry(nil)
	var b *Buffer
	reg.MustRegister(echoInfo, func() action.Action {
		return &echo{Base: action.NewBase(echoInfo), buffer: b, ran: &ran}
	})
	cfg.Rebuild = reg.Create
	b = NewBuffer(cfg)
	return b, &ran
}

func TestInsertClearsRedoUnlessFromUndoBuffer(t *testing.T) {
	b := NewBuffer(Config{})
	first := &fakeItem{tag: "Paint"}
	b.Insert(action.NewContext(action.SourceScript), first)
	require.NoError(t, b.Undo(context.Background()))
	_, redo := b.Len()
	require.Equal(t, 1, redo)

	b.Insert(action.NewContext(action.SourceUndoBuffer), &fakeItem{tag: "Other"})
	_, redo = b.Len()
	assert.Equal(t, 1, redo)

	b.Insert(action.NewContext(action.SourceInterfaceMouse), &fakeItem{tag: "Fresh"})
	_, redo = b.Len()
	assert.Equal(t, 0, redo)
	assert.Equal(t, 1, first.discarded)
}

func TestInsertTrimsToItemBudget(t *testing.T) {
	b := NewBuffer(Config{MaxItems: 2})
	items := []*fakeItem{{tag: "a"}, {tag: "b"}, {tag: "c"}}
	for _, it := range items {
		b.Insert(nil, it)
	}

	undo, _ := b.Len()
	assert.Equal(t, 2, undo)
	assert.Equal(t, "c", b.UndoTag(0))
	assert.Equal(t, "b", b.UndoTag(1))
	assert.Equal(t, "", b.UndoTag(2))
	assert.Equal(t, 1, items[0].discarded)
}

func TestInsertTrimsToByteBudgetButKeepsNewest(t *testing.T) {
	b := NewBuffer(Config{MaxBytes: 100})
	old := &fakeItem{tag: "old", size: 60}
	b.Insert(nil, old)
	huge := &fakeItem{tag: "huge", size: 500}
	b.Insert(nil, huge)

	undo, _ := b.Len()
	assert.Equal(t, 1, undo)
	assert.Equal(t, "huge", b.UndoTag(0))
	assert.Equal(t, 1, old.discarded)
	assert.Equal(t, int64(500), b.ByteSize())
}

func TestUndoEmpty(t *testing.T) {
	b := NewBuffer(Config{})
	err := b.Undo(context.Background())
	require.ErrorIs(t, err, ErrUndoEmpty)
	assert.Equal(t, "Undo list is empty", err.Error())
	assert.ErrorIs(t, b.Redo(context.Background(), action.NewContext(action.SourceNone)), ErrRedoEmpty)
}

func TestFailedUndoDropsItem(t *testing.T) {
	unavailable := perrors.New(perrors.CodeUndoDataUnavailable, "checkpoint evicted")
	b := NewBuffer(Config{})
	item := &fakeItem{tag: "Paint", applyErr: unavailable}
	b.Insert(nil, item)

	err := b.Undo(context.Background())
	require.Error(t, err)
	assert.True(t, perrors.HasCode(err, perrors.CodeUndoDataUnavailable))
	undo, redo := b.Len()
	assert.Zero(t, undo)
	assert.Zero(t, redo)
	assert.Equal(t, 1, item.discarded)
}

func TestRedoReplaysCommandWithUndoBufferSource(t *testing.T) {
	b, ran := newBufferWithEcho(Config{})
	b.Insert(action.NewContext(action.SourceScript), &fakeItem{tag: "Echo", command: "Echo hello"})
	require.NoError(t, b.Undo(context.Background()))

	changes := 0
	b.OnChanged(func() { changes++ })
	require.NoError(t, b.Redo(context.Background(), action.NewContext(action.SourceScript)))

	assert.Equal(t, []action.Source{action.SourceUndoBuffer}, *ran)
	undo, redo := b.Len()
	assert.Equal(t, 1, undo)
	assert.Zero(t, redo)
	assert.Positive(t, changes)
}

func TestRedoOfUnknownCommandFails(t *testing.T) {
	b, _ := newBufferWithEcho(Config{})
	b.Insert(nil, &fakeItem{tag: "Gone", command: "Gone now"})
	require.NoError(t, b.Undo(context.Background()))

	err := b.Redo(context.Background(), action.NewContext(action.SourceNone))
	require.Error(t, err)
	assert.True(t, perrors.HasCode(err, perrors.CodeUnknownAction))
}

func TestDisabledBufferDiscardsItems(t *testing.T) {
	b := NewBuffer(Config{})
	b.Insert(nil, &fakeItem{tag: "kept"})
	b.SetEnabled(false)
	item := &fakeItem{tag: "skipped"}
	b.Insert(nil, item)

	undo, _ := b.Len()
	assert.Zero(t, undo)
	assert.Equal(t, 1, item.discarded)
}

func TestUndoAndRedoActions(t *testing.T) {
	b, _ := newBufferWithEcho(Config{})
	reg := action.NewRegistry(nil)
	require.NoError(t, RegisterActions(reg, b))

	undoAction, err := reg.Create("Undo")
	require.NoError(t, err)
	err = undoAction.Validate(context.Background(), action.NewContext(action.SourceScript))
	assert.True(t, errors.Is(err, ErrUndoEmpty))

	b.Insert(nil, &fakeItem{tag: "Echo", command: "Echo again"})
	require.NoError(t, undoAction.Validate(context.Background(), action.NewContext(action.SourceScript)))
	_, err = undoAction.Run(context.Background(), action.NewContext(action.SourceScript))
	require.NoError(t, err)

	redoAction, err := reg.Create("Redo")
	require.NoError(t, err)
	actx := action.NewContext(action.SourceScript)
	require.NoError(t, redoAction.Validate(context.Background(), actx))
	_, err = redoAction.Run(context.Background(), actx)
	require.NoError(t, err)
	assert.Equal(t, "Echo", b.UndoTag(0))
}
