package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

var (
	// ErrDuplicateHandler indicates a handler id already in use.
	ErrDuplicateHandler = errors.New("state handler id is already registered")
	// ErrDuplicateKey indicates a cell key already used within a handler.
	ErrDuplicateKey = errors.New("state key is already registered")
	// ErrHandlerDetached indicates an operation on an invalidated handler.
	ErrHandlerDetached = errors.New("state handler is not registered")
)

// Change describes one committed cell update.
type Change struct {
	ID     string
	Value  string
	Source action.Source
}

// Engine owns every registered handler and cell. Its mutex guards cell
// values; it is never held while observers run.
type Engine struct {
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[string]*Handler
	cells    map[string]Cell
	counters map[string]int

	changed signal[Change]
}

// NewEngine returns an empty engine.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger:   logger.With(zap.String("component", "state_engine")),
		handlers: make(map[string]*Handler),
		cells:    make(map[string]Cell),
		counters: make(map[string]int),
	}
}

// RegisterHandler creates a handler. With autoID the id is typeName_<n>,
// where n comes from a counter scoped to typeName; otherwise the id is
// typeName itself.
func (e *Engine) RegisterHandler(typeName string, autoID bool) (*Handler, error) {
	typeName = strings.TrimSpace(typeName)
	if typeName == "" {
		return nil, errors.New("state handler type is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	id := typeName
	if autoID {
		for {
			id = fmt.Sprintf("%s_%d", typeName, e.counters[typeName])
			e.counters[typeName]++
			if _, taken := e.handlers[id]; !taken {
				break
			}
		}
	} else if _, taken := e.handlers[id]; taken {
		return nil, fmt.Errorf("%s: %w", id, ErrDuplicateHandler)
	}

	h := &Handler{engine: e, typeName: typeName, id: id, byKey: make(map[string]Cell)}
	h.attached.Store(true)
	e.handlers[id] = h
	return h, nil
}

// AttachHandler re-registers a handler removed with Handler.Invalidate,
// under its original id and with its cells and values intact.
func (e *Engine) AttachHandler(h *Handler) error {
	if h == nil || h.engine != e {
		return errors.New("handler does not belong to this engine")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if h.attached.Load() {
		return nil
	}
	if _, taken := e.handlers[h.id]; taken {
		return fmt.Errorf("%s: %w", h.id, ErrDuplicateHandler)
	}
	e.handlers[h.id] = h
	for _, c := range h.cells {
		e.cells[c.ID()] = c
	}
	h.attached.Store(true)
	return nil
}

// RemoveHandler invalidates the handler registered under id, if any.
func (e *Engine) RemoveHandler(id string) bool {
	e.mu.Lock()
	h, ok := e.handlers[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	h.Invalidate()
	return true
}

// Handler returns the attached handler with the given id.
func (e *Engine) Handler(id string) (*Handler, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handlers[id]
	return h, ok
}

// Handlers returns the ids of every attached handler in sorted order.
func (e *Engine) Handlers() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.handlers))
	for id := range e.handlers {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// GetState returns the cell addressed by id ("<handler_id>:<key>").
func (e *Engine) GetState(id string) (Cell, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cells[id]
	return c, ok
}

// States returns every registered state id in sorted order.
func (e *Engine) States() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.cells))
	for id := range e.cells {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Cells returns every registered cell ordered by id.
func (e *Engine) Cells() []Cell {
	ids := e.States()
	out := make([]Cell, 0, len(ids))
	for _, id := range ids {
		if c, ok := e.GetState(id); ok {
			out = append(out, c)
		}
	}
	return out
}

// Counter returns the next auto id number for typeName.
func (e *Engine) Counter(typeName string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters[typeName]
}

// RestoreCounter resets the auto id counter for typeName. Undo uses it to
// hand out the same ids again after rolling back a creation.
func (e *Engine) RestoreCounter(typeName string, n int) {
	e.mu.Lock()
	e.counters[typeName] = n
	e.mu.Unlock()
	e.logger.Debug("restored handler counter", zap.String("type", typeName), zap.Int("next", n))
}

// OnChanged subscribes fn to every committed change of any cell.
func (e *Engine) OnChanged(fn func(Change)) func() {
	return e.changed.connect(fn)
}

// Handler groups the cells of one component under a shared id prefix.
type Handler struct {
	engine   *Engine
	typeName string
	id       string

	// cells and byKey are guarded by engine.mu.
	cells []Cell
	byKey map[string]Cell

	attached     atomic.Bool
	initializing atomic.Bool
	changed      signal[string]
}

// ID returns the handler id.
func (h *Handler) ID() string { return h.id }

// TypeName returns the type the handler was registered with.
func (h *Handler) TypeName() string { return h.typeName }

// Engine returns the owning engine.
func (h *Handler) Engine() *Engine { return h.engine }

// Attached reports whether the handler's cells are reachable from the engine.
func (h *Handler) Attached() bool { return h.attached.Load() }

// SetInitializing lets the owner set cells from any goroutine while it is
// still being constructed.
func (h *Handler) SetInitializing(on bool) { h.initializing.Store(on) }

// Cells returns the handler's cells in registration order.
func (h *Handler) Cells() []Cell {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	return append([]Cell(nil), h.cells...)
}

// Cell returns the cell registered under key.
func (h *Handler) Cell(key string) (Cell, bool) {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	c, ok := h.byKey[key]
	return c, ok
}

// OnStateChanged subscribes fn to changes of any cell of the handler; fn
// receives the changed cell id.
func (h *Handler) OnStateChanged(fn func(id string)) func() {
	return h.changed.connect(fn)
}

// Invalidate removes the handler and its cells from the engine. The cells
// keep their values so AttachHandler can restore them.
func (h *Handler) Invalidate() {
	e := h.engine
	e.mu.Lock()
	if !h.attached.Load() {
		e.mu.Unlock()
		return
	}
	delete(e.handlers, h.id)
	for _, c := range h.cells {
		delete(e.cells, c.ID())
	}
	h.attached.Store(false)
	e.mu.Unlock()
	e.logger.Debug("handler invalidated", zap.String("handler", h.id))
}

func (h *Handler) add(key string, c Cell) error {
	key = strings.TrimSpace(key)
	if key == "" || strings.Contains(key, ":") {
		return fmt.Errorf("invalid state key %q", key)
	}
	e := h.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if !h.attached.Load() {
		return fmt.Errorf("%s: %w", h.id, ErrHandlerDetached)
	}
	if _, taken := h.byKey[key]; taken {
		return fmt.Errorf("%s:%s: %w", h.id, key, ErrDuplicateKey)
	}
	h.cells = append(h.cells, c)
	h.byKey[key] = c
	e.cells[h.id+":"+key] = c
	return nil
}
