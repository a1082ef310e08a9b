// Package undo keeps the undo and redo stacks of executed actions.
package undo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	perrors "github.com/louisbranch/seg3d/internal/platform/errors"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

const (
	// DefaultMaxItems caps the undo stack length.
	DefaultMaxItems = 100
	// DefaultMaxBytes caps the checkpoint memory kept for undo.
	DefaultMaxBytes int64 = 512 << 20
)

var (
	// ErrUndoEmpty is returned by Undo with nothing to undo.
	ErrUndoEmpty = perrors.New(perrors.CodeUndoEmpty, "Undo list is empty")
	// ErrRedoEmpty is returned by Redo with nothing to redo.
	ErrRedoEmpty = perrors.New(perrors.CodeUndoEmpty, "Redo list is empty")
)

// Item reverses one executed action.
type Item interface {
	// Tag is the label shown for the item, normally the action type.
	Tag() string
	ByteSize() int64
	// ApplyAndClearUndo reverses the action. It runs on the application
	// goroutine and empties the item; a second call does nothing.
	ApplyAndClearUndo(ctx context.Context) error
	// RedoCommand is the command line that re-executes the action.
	RedoCommand() string
	// Discard releases whatever the item retains once it leaves both stacks.
	Discard()
}

// Rebuilder turns a command line back into an action.
type Rebuilder func(command string) (action.Action, error)

// Config configures a Buffer.
type Config struct {
	MaxItems int
	MaxBytes int64
	Rebuild  Rebuilder
	Logger   *zap.Logger
}

// Buffer holds undo items newest first and the items undone since the last
// new action.
type Buffer struct {
	maxItems int
	maxBytes int64
	rebuild  Rebuilder
	logger   *zap.Logger

	mu       sync.Mutex
	undo     []Item
	redo     []Item
	disabled bool

	obsMu     sync.Mutex
	nextObs   int
	observers map[int]func()
}

// NewBuffer returns an empty buffer.
func NewBuffer(cfg Config) *Buffer {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Buffer{
		maxItems:  cfg.MaxItems,
		maxBytes:  cfg.MaxBytes,
		rebuild:   cfg.Rebuild,
		logger:    cfg.Logger.With(zap.String("component", "undo_buffer")),
		observers: make(map[int]func()),
	}
}

// SetEnabled turns recording on or off. Disabling clears both stacks.
func (b *Buffer) SetEnabled(on bool) {
	b.mu.Lock()
	b.disabled = !on
	b.mu.Unlock()
	if !on {
		b.Reset()
	}
}

// Insert pushes item on the undo stack. Any source except the undo buffer
// itself invalidates the redo stack. Old items beyond the item or byte
// budget are discarded; the new item is always kept.
func (b *Buffer) Insert(actx action.Context, item Item) {
	b.mu.Lock()
	if b.disabled {
		b.mu.Unlock()
		item.Discard()
		return
	}
	var dropped []Item
	if actx == nil || actx.Source() != action.SourceUndoBuffer {
		dropped = append(dropped, b.redo...)
		b.redo = nil
	}

	kept := []Item{item}
	size := item.ByteSize()
	for i, old := range b.undo {
		size += old.ByteSize()
		if len(kept) >= b.maxItems || size > b.maxBytes {
			dropped = append(dropped, b.undo[i:]...)
			break
		}
		kept = append(kept, old)
	}
	b.undo = kept
	b.mu.Unlock()

	for _, it := range dropped {
		it.Discard()
	}
	if len(dropped) > 0 {
		b.logger.Debug("discarded undo items", zap.Int("count", len(dropped)))
	}
	b.changed()
}

// Undo reverses the newest item and moves it to the redo stack. If the item
// cannot be applied it is dropped and the error returned.
func (b *Buffer) Undo(ctx context.Context) error {
	b.mu.Lock()
	if len(b.undo) == 0 {
		b.mu.Unlock()
		return ErrUndoEmpty
	}
	item := b.undo[0]
	b.undo = b.undo[1:]
	b.mu.Unlock()

	if err := item.ApplyAndClearUndo(ctx); err != nil {
		item.Discard()
		b.changed()
		b.logger.Error("undo failed", zap.String("tag", item.Tag()), zap.Error(err))
		return fmt.Errorf("undo %s: %w", item.Tag(), err)
	}

	b.mu.Lock()
	b.redo = append([]Item{item}, b.redo...)
	b.mu.Unlock()
	b.changed()
	return nil
}

// Redo re-executes the newest undone action through its command line. The
// action runs inline, so Redo must be called on the application goroutine;
// its own undo item lands on the undo stack without clearing redo.
func (b *Buffer) Redo(ctx context.Context, actx action.Context) error {
	b.mu.Lock()
	if len(b.redo) == 0 {
		b.mu.Unlock()
		return ErrRedoEmpty
	}
	if b.rebuild == nil {
		b.mu.Unlock()
		return errors.New("undo buffer has no action rebuilder")
	}
	item := b.redo[0]
	b.redo = b.redo[1:]
	b.mu.Unlock()
	defer b.changed()
	defer item.Discard()

	a, err := b.rebuild(item.RedoCommand())
	if err != nil {
		return fmt.Errorf("redo %s: %w", item.Tag(), err)
	}
	rctx := &redoContext{Context: actx}
	if c, ok := a.(action.CacheClearer); ok {
		defer c.ClearCache()
	}
	if t, ok := a.(action.Translator); ok {
		if err := t.Translate(ctx, rctx); err != nil {
			return fmt.Errorf("redo %s: %w", item.Tag(), err)
		}
	}
	if err := a.Validate(ctx, rctx); err != nil {
		return fmt.Errorf("redo %s: %w", item.Tag(), err)
	}
	if _, err := a.Run(ctx, rctx); err != nil {
		return fmt.Errorf("redo %s: %w", item.Tag(), err)
	}
	return nil
}

// Reset discards both stacks.
func (b *Buffer) Reset() {
	b.mu.Lock()
	dropped := append(append([]Item(nil), b.undo...), b.redo...)
	b.undo, b.redo = nil, nil
	b.mu.Unlock()
	for _, it := range dropped {
		it.Discard()
	}
	b.changed()
}

// UndoTag returns the tag of the i-th undo item, or "".
func (b *Buffer) UndoTag(i int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return tagAt(b.undo, i)
}

// RedoTag returns the tag of the i-th redo item, or "".
func (b *Buffer) RedoTag(i int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return tagAt(b.redo, i)
}

// Len returns the sizes of the undo and redo stacks.
func (b *Buffer) Len() (undo, redo int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.undo), len(b.redo)
}

// ByteSize returns the memory retained by the undo stack.
func (b *Buffer) ByteSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, it := range b.undo {
		n += it.ByteSize()
	}
	return n
}

// OnChanged subscribes fn to any stack change.
func (b *Buffer) OnChanged(fn func()) func() {
	b.obsMu.Lock()
	id := b.nextObs
	b.nextObs++
	b.observers[id] = fn
	b.obsMu.Unlock()
	return func() {
		b.obsMu.Lock()
		delete(b.observers, id)
		b.obsMu.Unlock()
	}
}

func (b *Buffer) changed() {
	b.obsMu.Lock()
	fns := make([]func(), 0, len(b.observers))
	for _, fn := range b.observers {
		fns = append(fns, fn)
	}
	b.obsMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func tagAt(items []Item, i int) string {
	if i < 0 || i >= len(items) {
		return ""
	}
	return items[i].Tag()
}

// redoContext reports the undo buffer as the source of a redone action.
type redoContext struct {
	action.Context
}

func (c *redoContext) Source() action.Source { return action.SourceUndoBuffer }

func (c *redoContext) IsScript() bool { return false }
