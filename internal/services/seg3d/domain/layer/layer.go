// Package layer manages the volumes being segmented and the actions that
// create, delete and edit them.
package layer

import (
	"fmt"
	"sync"

	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/filter"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/state"
)

// Dims is the voxel extent of a layer.
type Dims struct {
	X, Y, Z int
}

// Len returns the number of voxels.
func (d Dims) Len() int { return d.X * d.Y * d.Z }

// SliceLen returns the number of voxels in one Z slice.
func (d Dims) SliceLen() int { return d.X * d.Y }

// Valid reports whether every extent is positive.
func (d Dims) Valid() bool { return d.X > 0 && d.Y > 0 && d.Z > 0 }

func (d Dims) String() string { return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z) }

// Layer is one volume plus its state cells. Voxel data has its own mutex so
// filters can write it off the application goroutine.
type Layer struct {
	id      string
	dims    Dims
	handler *state.Handler

	Name    *state.Value[string]
	Visible *state.Value[bool]
	Opacity *state.Ranged[float64]

	mu         sync.RWMutex
	data       []float32
	ready      *action.Notifier
	runner     *filter.Runner
	processing bool
}

// ID returns the layer id, which is also its state handler id.
func (l *Layer) ID() string { return l.id }

// Dims returns the voxel extent.
func (l *Layer) Dims() Dims { return l.dims }

// Handler returns the state handler holding the layer's cells.
func (l *Layer) Handler() *state.Handler { return l.handler }

// Ready returns the notifier that fires once the layer's data is valid.
func (l *Layer) Ready() *action.Notifier {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ready
}

// IsReady reports whether no filter is writing the layer.
func (l *Layer) IsReady() bool {
	return l.Ready().Fired()
}

// Filter returns the filter currently writing the layer, if any.
func (l *Layer) Filter() *filter.Runner {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.runner
}

// Voxel returns the value at (x, y, z).
func (l *Layer) Voxel(x, y, z int) float32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.data[l.index(x, y, z)]
}

// Slice returns a copy of Z slice z.
func (l *Layer) Slice(z int) []float32 {
	n := l.dims.SliceLen()
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]float32(nil), l.data[z*n:(z+1)*n]...)
}

// ByteSize returns the memory held by the voxel data.
func (l *Layer) ByteSize() int64 {
	return int64(l.dims.Len()) * 4
}

// Read calls fn with the voxel data under the read lock.
func (l *Layer) Read(fn func(data []float32)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn(l.data)
}

// Write calls fn with the voxel data under the write lock.
func (l *Layer) Write(fn func(data []float32)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.data)
}

func (l *Layer) index(x, y, z int) int {
	return (z*l.dims.Y+y)*l.dims.X + x
}

// beginProcessing marks the layer as being written by a filter and returns
// the notifier that fires when it is done.
func (l *Layer) beginProcessing(name string) *action.Notifier {
	n := action.NewNotifier(l.id + " " + name)
	l.mu.Lock()
	l.ready = n
	l.processing = true
	l.mu.Unlock()
	return n
}

// attachFilter records r as the filter writing the layer. A filter that
// already finished is not attached.
func (l *Layer) attachFilter(r *filter.Runner) {
	l.mu.Lock()
	if l.processing {
		l.runner = r
	}
	l.mu.Unlock()
}

// finishProcessing drops the filter reference and fires the ready notifier.
func (l *Layer) finishProcessing() {
	l.mu.Lock()
	n := l.ready
	l.runner = nil
	l.processing = false
	l.mu.Unlock()
	n.Fire()
}

func readyNotifier(id string) *action.Notifier {
	n := action.NewNotifier(id)
	n.Fire()
	return n
}
