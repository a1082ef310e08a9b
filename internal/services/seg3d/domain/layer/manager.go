package layer

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	perrors "github.com/louisbranch/seg3d/internal/platform/errors"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/state"
)

// HandlerType is the state handler type of every layer; layer ids are
// HandlerType_<n>.
const HandlerType = "layer"

// ErrUndoDataUnavailable reports undo data that was evicted or whose layer
// no longer exists.
var ErrUndoDataUnavailable = perrors.New(perrors.CodeUndoDataUnavailable, "undo data is no longer available")

// Manager is an arena of layers keyed by id. Deleted layers stay in the
// arena, detached from the state engine, until Purge, so undo can reinstate
// them.
type Manager struct {
	engine *state.Engine
	logger *zap.Logger

	mu    sync.Mutex
	arena map[string]*Layer
	order []string
}

// NewManager returns an empty manager registering layers with engine.
func NewManager(engine *state.Engine, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		engine: engine,
		logger: logger.With(zap.String("component", "layer_manager")),
		arena:  make(map[string]*Layer),
	}
}

// Engine returns the state engine layers register with.
func (m *Manager) Engine() *state.Engine { return m.engine }

// Create allocates a zero-filled layer. An empty name defaults to the id.
func (m *Manager) Create(name string, dims Dims) (*Layer, error) {
	if !dims.Valid() {
		return nil, fmt.Errorf("invalid layer dimensions %s", dims)
	}
	h, err := m.engine.RegisterHandler(HandlerType, true)
	if err != nil {
		return nil, err
	}
	l := &Layer{
		id:      h.ID(),
		dims:    dims,
		handler: h,
		data:    make([]float32, dims.Len()),
		ready:   readyNotifier(h.ID()),
	}
	if strings.TrimSpace(name) == "" {
		name = l.id
	}

	h.SetInitializing(true)
	defer h.SetInitializing(false)
	if l.Name, err = state.AddValue(h, "name", name); err != nil {
		h.Invalidate()
		return nil, err
	}
	if l.Visible, err = state.AddValue(h, "visible", true); err != nil {
		h.Invalidate()
		return nil, err
	}
	if l.Opacity, err = state.AddRanged(h, "opacity", 1.0, 0, 1, 0.01); err != nil {
		h.Invalidate()
		return nil, err
	}
	l.Name.SetProjectData(true)
	l.Visible.SetProjectData(true)
	l.Opacity.SetProjectData(true)

	m.mu.Lock()
	if _, stale := m.arena[l.id]; stale {
		m.logger.Warn("replacing detached layer with reused id", zap.String("layer", l.id))
	}
	m.arena[l.id] = l
	m.order = append(m.order, l.id)
	m.mu.Unlock()
	m.logger.Debug("layer created", zap.String("layer", l.id), zap.Stringer("dims", dims))
	return l, nil
}

// FindLayer returns an attached layer.
func (m *Manager) FindLayer(id string) (*Layer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.order, id) {
		return nil, false
	}
	l, ok := m.arena[id]
	return l, ok
}

// Lookup returns a layer from the arena whether or not it is attached.
func (m *Manager) Lookup(id string) (*Layer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.arena[id]
	return l, ok
}

// Layers returns the attached layers in creation order.
func (m *Manager) Layers() []*Layer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Layer, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.arena[id])
	}
	return out
}

// Delete detaches a layer: it is no longer found and its state ids are
// released, but it stays in the arena.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	idx := slices.Index(m.order, id)
	if idx < 0 {
		m.mu.Unlock()
		return m.invalid(id)
	}
	l := m.arena[id]
	m.order = slices.Delete(m.order, idx, idx+1)
	m.mu.Unlock()

	l.handler.Invalidate()
	m.logger.Debug("layer deleted", zap.String("layer", id))
	return nil
}

// Reinstate re-attaches a deleted layer under its old id.
func (m *Manager) Reinstate(id string) error {
	m.mu.Lock()
	l, ok := m.arena[id]
	if !ok {
		m.mu.Unlock()
		return perrors.Wrap(perrors.CodeUndoDataUnavailable, fmt.Sprintf("layer '%s' is no longer available", id), ErrUndoDataUnavailable)
	}
	if slices.Contains(m.order, id) {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.engine.AttachHandler(l.handler); err != nil {
		return err
	}
	m.mu.Lock()
	m.order = append(m.order, id)
	m.mu.Unlock()
	m.logger.Debug("layer reinstated", zap.String("layer", id))
	return nil
}

// Purge drops a layer from the arena. An attached layer is detached first.
func (m *Manager) Purge(id string) {
	m.mu.Lock()
	l, ok := m.arena[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.arena, id)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == id })
	m.mu.Unlock()

	l.handler.Invalidate()
	if r := l.Filter(); r != nil {
		r.Abort()
	}
	m.logger.Debug("layer purged", zap.String("layer", id))
}

// IDCount returns the number the next layer id will use.
func (m *Manager) IDCount() int { return m.engine.Counter(HandlerType) }

// SetIDCount rolls the layer id counter back or forward.
func (m *Manager) SetIDCount(n int) { m.engine.RestoreCounter(HandlerType, n) }

// ArenaSize returns the number of layers held, attached or not.
func (m *Manager) ArenaSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.arena)
}

// Resolve finds an attached layer for an action's Validate. A layer still
// being written by a filter yields action.ErrNeedResource through actx.
func (m *Manager) Resolve(actx action.Context, id string) (*Layer, error) {
	l, ok := m.FindLayer(id)
	if !ok {
		return nil, m.invalid(id)
	}
	if !l.IsReady() {
		return nil, actx.ReportNeedResource(l.Ready())
	}
	return l, nil
}

func (m *Manager) invalid(id string) error {
	return perrors.New(perrors.CodeValidation, fmt.Sprintf("LayerID '%s' is invalid", id))
}
