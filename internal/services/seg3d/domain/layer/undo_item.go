package layer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"weak"

	"github.com/louisbranch/seg3d/internal/platform/timeouts"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/filter"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/provenance"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/undo"
)

type itemState int

const (
	itemRecording itemState = iota
	itemCommitted
	itemCleared
)

type restoreEntry struct {
	layerID    string
	checkpoint *Checkpoint
}

// UndoItem collects the inverse of a layer action while it runs. Layers are
// referenced by id and resolved through the Manager when the item is
// applied; filters are held weakly so a finished filter can be collected.
type UndoItem struct {
	tag        string
	manager    *Manager
	provenance *provenance.Recorder
	idCount    int

	mu       sync.Mutex
	state    itemState
	redo     string
	filters  []weak.Pointer[filter.Runner]
	added    []string
	deleted  []string
	restores []restoreEntry
	steps    []int64
	size     int64
}

var _ undo.Item = (*UndoItem)(nil)

// NewUndoItem starts recording an item and snapshots the layer id counter.
// rec may be nil when provenance is not tracked.
func NewUndoItem(tag string, m *Manager, rec *provenance.Recorder) *UndoItem {
	return &UndoItem{tag: tag, manager: m, provenance: rec, idCount: m.IDCount()}
}

// AddFilterToAbort registers a filter started by the action; undo aborts it
// and waits before touching layer data.
func (u *UndoItem) AddFilterToAbort(r *filter.Runner) {
	u.mu.Lock()
	u.filters = append(u.filters, weak.Make(r))
	u.mu.Unlock()
}

// AddLayerToAdd registers a layer the action created; undo deletes it.
func (u *UndoItem) AddLayerToAdd(id string) {
	u.mu.Lock()
	u.added = append(u.added, id)
	u.mu.Unlock()
}

// AddLayerToDelete registers a layer the action deleted; undo reinstates
// it from the arena.
func (u *UndoItem) AddLayerToDelete(id string) {
	u.mu.Lock()
	u.deleted = append(u.deleted, id)
	u.mu.Unlock()
}

// AddLayerToRestore registers a checkpoint taken before the action changed
// the layer's data.
func (u *UndoItem) AddLayerToRestore(id string, cp *Checkpoint) {
	u.mu.Lock()
	u.restores = append(u.restores, restoreEntry{layerID: id, checkpoint: cp})
	u.mu.Unlock()
}

// SetProvenanceSteps records the provenance steps undo must withdraw.
func (u *UndoItem) SetProvenanceSteps(ids ...int64) {
	u.mu.Lock()
	u.steps = append(u.steps[:0], ids...)
	u.mu.Unlock()
}

// SetRedoCommand sets the command line redo re-executes.
func (u *UndoItem) SetRedoCommand(cmd string) {
	u.mu.Lock()
	u.redo = cmd
	u.mu.Unlock()
}

// Commit ends recording and fixes the item's byte size.
func (u *UndoItem) Commit() {
	u.mu.Lock()
	defer u.mu.Unlock()
	var size int64
	for _, r := range u.restores {
		size += r.checkpoint.ByteSize()
	}
	for _, id := range u.deleted {
		if l, ok := u.manager.Lookup(id); ok {
			size += l.ByteSize()
		}
	}
	u.size = size
	u.state = itemCommitted
}

func (u *UndoItem) Tag() string { return u.tag }

func (u *UndoItem) ByteSize() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.size
}

func (u *UndoItem) RedoCommand() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.redo
}

// ApplyAndClearUndo runs the inverse steps: abort filters, delete added
// layers, reinstate deleted layers, restore checkpoints, roll back the id
// counter, withdraw provenance steps. The item is cleared even on failure;
// a second call does nothing.
func (u *UndoItem) ApplyAndClearUndo(ctx context.Context) error {
	u.mu.Lock()
	if u.state == itemCleared {
		u.mu.Unlock()
		return nil
	}
	u.state = itemCleared
	filters, added, deleted, restores, steps := u.filters, u.added, u.deleted, u.restores, u.steps
	u.filters, u.added, u.deleted, u.restores, u.steps = nil, nil, nil, nil, nil
	u.size = 0
	u.mu.Unlock()

	for _, wp := range filters {
		r := wp.Value()
		if r == nil {
			continue
		}
		actx, cancel := context.WithTimeout(ctx, timeouts.FilterAbort)
		err := r.AbortAndWait(actx)
		cancel()
		if err != nil {
			return fmt.Errorf("undo %s: %w", u.tag, err)
		}
	}

	for _, id := range added {
		if _, ok := u.manager.FindLayer(id); !ok {
			return u.unavailable(id)
		}
		u.manager.Purge(id)
	}

	var errs []error
	for _, id := range deleted {
		if err := u.manager.Reinstate(id); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range restores {
		l, ok := u.manager.FindLayer(r.layerID)
		if !ok {
			errs = append(errs, u.unavailable(r.layerID))
			continue
		}
		if err := r.checkpoint.Apply(l); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	u.manager.SetIDCount(u.idCount)
	if u.provenance != nil && len(steps) > 0 {
		u.provenance.Delete(steps...)
	}
	return nil
}

// Discard releases what a never-applied item retains: layers deleted by
// the action are purged from the arena and checkpoints evicted.
func (u *UndoItem) Discard() {
	u.mu.Lock()
	if u.state == itemCleared {
		u.mu.Unlock()
		return
	}
	u.state = itemCleared
	deleted, restores := u.deleted, u.restores
	u.filters, u.added, u.deleted, u.restores, u.steps = nil, nil, nil, nil, nil
	u.mu.Unlock()

	for _, id := range deleted {
		if _, attached := u.manager.FindLayer(id); !attached {
			u.manager.Purge(id)
		}
	}
	for _, r := range restores {
		r.checkpoint.Evict()
	}
}

func (u *UndoItem) unavailable(id string) error {
	return fmt.Errorf("undo %s: layer '%s': %w", u.tag, id, ErrUndoDataUnavailable)
}
