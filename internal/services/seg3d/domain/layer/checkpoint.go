package layer

import (
	"fmt"
	"sync"

	perrors "github.com/louisbranch/seg3d/internal/platform/errors"
)

// FullVolume is the slice index of a checkpoint that covers every slice.
const FullVolume = -1

// Checkpoint is a copy of layer data taken before an action modifies it.
type Checkpoint struct {
	layerID string
	dims    Dims
	slice   int

	mu      sync.Mutex
	data    []float32
	evicted bool
}

// NewCheckpoint copies the whole volume of l.
func NewCheckpoint(l *Layer) *Checkpoint {
	cp := &Checkpoint{layerID: l.id, dims: l.dims, slice: FullVolume}
	l.Read(func(data []float32) {
		cp.data = append([]float32(nil), data...)
	})
	return cp
}

// NewSliceCheckpoint copies Z slice z of l.
func NewSliceCheckpoint(l *Layer, z int) (*Checkpoint, error) {
	if z < 0 || z >= l.dims.Z {
		return nil, fmt.Errorf("slice %d is outside layer '%s' (depth %d)", z, l.id, l.dims.Z)
	}
	return &Checkpoint{layerID: l.id, dims: l.dims, slice: z, data: l.Slice(z)}, nil
}

// LayerID returns the id of the layer the checkpoint was taken from.
func (c *Checkpoint) LayerID() string { return c.layerID }

// Slice returns the checkpointed slice, or FullVolume.
func (c *Checkpoint) Slice() int { return c.slice }

// ByteSize returns the memory held by the copy; zero once evicted.
func (c *Checkpoint) ByteSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.data)) * 4
}

// Evict releases the copied data. Applying an evicted checkpoint fails.
func (c *Checkpoint) Evict() {
	c.mu.Lock()
	c.data = nil
	c.evicted = true
	c.mu.Unlock()
}

// Evicted reports whether Evict was called.
func (c *Checkpoint) Evicted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

// Apply writes the copy back into l.
func (c *Checkpoint) Apply(l *Layer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return perrors.Wrap(perrors.CodeUndoDataUnavailable,
			fmt.Sprintf("checkpoint of layer '%s' was evicted", c.layerID), ErrUndoDataUnavailable)
	}
	if l.dims != c.dims {
		return perrors.Wrap(perrors.CodeUndoDataUnavailable,
			fmt.Sprintf("layer '%s' is %s, checkpoint is %s", l.id, l.dims, c.dims), ErrUndoDataUnavailable)
	}
	l.Write(func(data []float32) {
		if c.slice == FullVolume {
			copy(data, c.data)
			return
		}
		n := c.dims.SliceLen()
		copy(data[c.slice*n:(c.slice+1)*n], c.data)
	})
	return nil
}
