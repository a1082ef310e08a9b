package state

import (
	"context"
	"sync/atomic"

	perrors "github.com/louisbranch/seg3d/internal/platform/errors"
	"github.com/louisbranch/seg3d/internal/services/seg3d/core/appthread"
	"github.com/louisbranch/seg3d/internal/services/seg3d/core/variant"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

// Session load priorities. Higher values load first.
const (
	DoNotLoad   = -1
	LoadLast    = 0
	DefaultLoad = 100
)

// ErrStateLocked is returned when an interface source changes a locked cell.
var ErrStateLocked = perrors.New(perrors.CodeStateLocked, "state is locked")

// Cell is the type-independent view of a state cell used by actions,
// sessions and debugging tools.
type Cell interface {
	ID() string
	Key() string
	Handler() *Handler

	ExportToString() string
	ImportFromString(ctx context.Context, s string, src action.Source) error
	ExportVariant() variant.Value
	ImportVariant(ctx context.Context, v variant.Value, src action.Source) error
	// ValidateVariant checks v without storing it.
	ValidateVariant(v variant.Value) error

	Locked() bool
	SetLocked(locked bool)
	IsProjectData() bool
	SetProjectData(on bool)
	SessionPriority() int
	SetSessionPriority(priority int)
	EnableSignals(on bool)
	OnStateChanged(fn func()) func()
}

// Offsetter is implemented by numeric cells that can be nudged by a delta.
type Offsetter interface {
	Offset(ctx context.Context, delta float64, src action.Source) error
}

type cellBase struct {
	handler  *Handler
	key      string
	locked   atomic.Bool
	project  atomic.Bool
	priority atomic.Int32
	silenced atomic.Bool

	stateChanged signal[struct{}]
}

func (c *cellBase) init(h *Handler, key string) {
	c.handler, c.key = h, key
	c.priority.Store(DefaultLoad)
}

func (c *cellBase) ID() string { return c.handler.id + ":" + c.key }
func (c *cellBase) Key() string { return c.key }
func (c *cellBase) Handler() *Handler { return c.handler }

func (c *cellBase) Locked() bool { return c.locked.Load() }
func (c *cellBase) SetLocked(locked bool) { c.locked.Store(locked) }
func (c *cellBase) IsProjectData() bool { return c.project.Load() }
func (c *cellBase) SetProjectData(on bool) { c.project.Store(on) }
func (c *cellBase) SessionPriority() int { return int(c.priority.Load()) }
func (c *cellBase) SetSessionPriority(p int) { c.priority.Store(int32(p)) }
func (c *cellBase) EnableSignals(on bool) { c.silenced.Store(!on) }
func (c *cellBase) signalsEnabled() bool { return !c.silenced.Load() }

func (c *cellBase) OnStateChanged(fn func()) func() {
	return c.stateChanged.connect(func(struct{}) { fn() })
}

// checkWritable enforces the single-writer rule and the lock flag.
func (c *cellBase) checkWritable(ctx context.Context, src action.Source) error {
	if !c.handler.initializing.Load() {
		appthread.Assert(ctx, "state "+c.ID()+" mutation")
	}
	if c.locked.Load() && src.IsInterface() {
		return perrors.Wrap(perrors.CodeStateLocked, "state '"+c.ID()+"' is locked", ErrStateLocked)
	}
	return nil
}

// notify emits the cell, handler and engine change signals. Callers must
// not hold the engine mutex.
func (c *cellBase) notify(exported string, src action.Source) {
	if !c.signalsEnabled() {
		return
	}
	id := c.ID()
	c.stateChanged.emit(struct{}{})
	c.handler.changed.emit(id)
	c.handler.engine.changed.emit(Change{ID: id, Value: exported, Source: src})
}
