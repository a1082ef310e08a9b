package layer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	perrors "github.com/louisbranch/seg3d/internal/platform/errors"
	"github.com/louisbranch/seg3d/internal/services/seg3d/core/appthread"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/dispatch"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/filter"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/provenance"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/state"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/undo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	engine *state.Engine
	layers *Manager
	reg    *action.Registry
	undo   *undo.Buffer
	rec    *provenance.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	engine := state.NewEngine(nil)
	reg := action.NewRegistry(nil)
	h := &harness{
		engine: engine,
		layers: NewManager(engine, nil),
		reg:    reg,
		undo:   undo.NewBuffer(undo.Config{Rebuild: reg.Create}),
		rec:    provenance.NewRecorder(nil),
	}
	require.NoError(t, RegisterActions(reg, Env{Layers: h.layers, Undo: h.undo, Provenance: h.rec}))
	require.NoError(t, undo.RegisterActions(reg, h.undo))
	require.NoError(t, state.RegisterActions(reg, engine))
	return h
}

func appCtx() context.Context {
	return appthread.Mark(context.Background(), "test")
}

// exec runs one command inline the way the dispatcher would.
func (h *harness) exec(t *testing.T, line string) (out string, err error) {
	t.Helper()
	a, err := h.reg.Create(line)
	require.NoError(t, err)
	actx := action.NewContext(action.SourceScript)
	if err := a.Validate(appCtx(), actx); err != nil {
		return "", err
	}
	result, err := a.Run(appCtx(), actx)
	if c, ok := a.(action.CacheClearer); ok {
		c.ClearCache()
	}
	return result.ExportToString(), err
}

func (h *harness) startDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New(dispatch.Config{Name: "test"})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	<-d.Started()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errc)
	})
	return d
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPaintOnMissingLayerIsRejected(t *testing.T) {
	h := newHarness(t)
	d := h.startDispatcher(t)

	a, err := h.reg.Create(`Paint target="layer_0" slice_number=12 brush_radius=3`)
	require.NoError(t, err)
	actx := action.NewContext(action.SourceScript)
	require.NoError(t, d.PostAndWaitAction(waitCtx(t), a, actx))

	assert.Equal(t, "LayerID 'layer_0' is invalid", actx.ErrorMessage())
	assert.Equal(t, action.StatusInvalid, actx.Status())
	assert.Empty(t, h.engine.States())
	assert.Empty(t, h.rec.Records())
	undoLen, _ := h.undo.Len()
	assert.Zero(t, undoLen)
}

func TestUndoNewLayerRollsBackCounter(t *testing.T) {
	h := newHarness(t)
	before := h.layers.IDCount()

	id, err := h.exec(t, "NewLayer name=brain dim_x=4 dim_y=4 dim_z=2")
	require.NoError(t, err)
	require.Equal(t, "layer_0", id)
	_, ok := h.layers.FindLayer("layer_0")
	require.True(t, ok)
	require.Len(t, h.rec.Records(), 1)

	require.NoError(t, h.undo.Undo(appCtx()))

	_, ok = h.layers.FindLayer("layer_0")
	assert.False(t, ok)
	_, ok = h.engine.GetState("layer_0:name")
	assert.False(t, ok)
	assert.Equal(t, before, h.layers.IDCount())
	assert.Zero(t, h.layers.ArenaSize())
	assert.Empty(t, h.rec.Records())

	require.NoError(t, h.undo.Redo(appCtx(), action.NewContext(action.SourceScript)))
	l, ok := h.layers.FindLayer("layer_0")
	require.True(t, ok)
	assert.Equal(t, "brain", l.Name.Get())
	assert.Equal(t, Dims{X: 4, Y: 4, Z: 2}, l.Dims())
}

func TestUndoDeleteLayersReinstatesState(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec(t, "NewLayer dim_x=2 dim_y=2 dim_z=2")
	require.NoError(t, err)
	_, err = h.exec(t, "Set layer_0:name skull")
	require.NoError(t, err)

	_, err = h.exec(t, "DeleteLayers [layer_0]")
	require.NoError(t, err)
	_, ok := h.layers.FindLayer("layer_0")
	assert.False(t, ok)
	assert.Equal(t, 1, h.layers.ArenaSize())
	_, err = h.exec(t, "Get layer_0:name")
	require.Error(t, err)

	require.NoError(t, h.undo.Undo(appCtx()))
	got, err := h.exec(t, "Get layer_0:name")
	require.NoError(t, err)
	assert.Equal(t, "skull", got)
}

func TestDiscardedDeleteItemPurgesLayers(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec(t, "NewLayer dim_x=2 dim_y=2 dim_z=2")
	require.NoError(t, err)
	_, err = h.exec(t, "DeleteLayers layer_0")
	require.NoError(t, err)
	require.Equal(t, 1, h.layers.ArenaSize())

	h.undo.Reset()
	assert.Zero(t, h.layers.ArenaSize())
}

func TestUndoPaintRestoresSlice(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec(t, "NewLayer dim_x=8 dim_y=8 dim_z=4")
	require.NoError(t, err)

	painted, err := h.exec(t, "Paint target=layer_0 slice_number=2 x=4 y=4 brush_radius=1")
	require.NoError(t, err)
	assert.Equal(t, "5", painted)

	l, _ := h.layers.FindLayer("layer_0")
	assert.Equal(t, float32(1), l.Voxel(4, 4, 2))
	assert.Equal(t, float32(1), l.Voxel(5, 4, 2))
	assert.Equal(t, float32(0), l.Voxel(5, 5, 2))
	assert.Equal(t, float32(0), l.Voxel(4, 4, 1))

	require.NoError(t, h.undo.Undo(appCtx()))
	assert.Equal(t, float32(0), l.Voxel(4, 4, 2))
	assert.Equal(t, "NewLayer", h.undo.UndoTag(0))
	assert.Equal(t, "Paint", h.undo.RedoTag(0))
}

func TestPaintRejectsSliceOutOfRange(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec(t, "NewLayer dim_x=2 dim_y=2 dim_z=2")
	require.NoError(t, err)

	_, err = h.exec(t, "Paint target=layer_0 slice_number=12")
	require.Error(t, err)
	assert.Equal(t, "Slice number 12 is out of range for layer 'layer_0'", err.Error())
}

func TestEvictedCheckpointFailsUndo(t *testing.T) {
	h := newHarness(t)
	l, err := h.layers.Create("", Dims{X: 2, Y: 2, Z: 1})
	require.NoError(t, err)

	item := NewUndoItem("Paint", h.layers, nil)
	cp, err := NewSliceCheckpoint(l, 0)
	require.NoError(t, err)
	item.AddLayerToRestore(l.ID(), cp)
	item.Commit()
	assert.Equal(t, int64(16), item.ByteSize())

	cp.Evict()
	err = item.ApplyAndClearUndo(appCtx())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUndoDataUnavailable)
	assert.True(t, perrors.HasCode(err, perrors.CodeUndoDataUnavailable))

	assert.NoError(t, item.ApplyAndClearUndo(appCtx()))
}

func TestUndoAbortsRunningFilterFirst(t *testing.T) {
	h := newHarness(t)
	before := h.layers.IDCount()
	item := NewUndoItem("Threshold", h.layers, nil)

	dst, err := h.layers.Create("mask", Dims{X: 2, Y: 2, Z: 2})
	require.NoError(t, err)
	ready := dst.beginProcessing("test")
	item.AddLayerToAdd(dst.ID())
	r := filter.Start(context.Background(), "block", nil, func(ctx context.Context, _ *filter.Runner) error {
		defer dst.finishProcessing()
		<-ctx.Done()
		return ctx.Err()
	})
	dst.attachFilter(r)
	item.AddFilterToAbort(r)
	item.Commit()
	require.False(t, ready.Fired())

	require.NoError(t, item.ApplyAndClearUndo(appCtx()))

	assert.ErrorIs(t, r.Err(), filter.ErrAborted)
	assert.True(t, ready.Fired())
	_, ok := h.layers.FindLayer(dst.ID())
	assert.False(t, ok)
	assert.Equal(t, before, h.layers.IDCount())
}

func TestFinishedFilterIsNotAttached(t *testing.T) {
	h := newHarness(t)
	dst, err := h.layers.Create("mask", Dims{X: 1, Y: 1, Z: 1})
	require.NoError(t, err)
	ready := dst.beginProcessing("test")

	r := filter.Start(context.Background(), "quick", nil, func(context.Context, *filter.Runner) error {
		dst.finishProcessing()
		return nil
	})
	require.NoError(t, r.Wait(waitCtx(t)))
	require.True(t, ready.Fired())

	dst.attachFilter(r)
	assert.Nil(t, dst.Filter(), "a filter that finished before attach must not stay on the layer")

	dst.beginProcessing("again")
	dst.attachFilter(r)
	assert.Same(t, r, dst.Filter())
	dst.finishProcessing()
	assert.Nil(t, dst.Filter())
}

func TestThresholdConsumerWaitsForFilter(t *testing.T) {
	h := newHarness(t)
	d := h.startDispatcher(t)

	var actions []action.Action
	for _, line := range []string{
		"NewLayer dim_x=4 dim_y=4 dim_z=3",
		"Paint target=layer_0 slice_number=1 x=1 y=1 brush_radius=0",
		"Threshold layer_0 0.5 1.5",
		"Paint target=layer_1 slice_number=0 x=3 y=3 brush_radius=0",
	} {
		a, err := h.reg.Create(line)
		require.NoError(t, err)
		actions = append(actions, a)
	}
	actx := action.NewContext(action.SourceScript)
	require.NoError(t, d.PostAndWaitActions(waitCtx(t), actions, actx))
	require.Equal(t, action.StatusSuccess, actx.Status(), actx.ErrorMessage())

	mask, ok := h.layers.FindLayer("layer_1")
	require.True(t, ok)
	select {
	case <-mask.Ready().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("threshold filter did not finish")
	}
	assert.Equal(t, "layer_0 threshold", mask.Name.Get())
	assert.Equal(t, float32(1), mask.Voxel(1, 1, 1))
	assert.Equal(t, float32(0), mask.Voxel(2, 1, 1))
	assert.Equal(t, float32(1), mask.Voxel(3, 3, 0))

	records := h.rec.Records()
	require.Len(t, records, 4)
	assert.Equal(t, []string{"layer_0"}, records[2].Inputs)
	assert.Equal(t, []string{"layer_1"}, records[2].Outputs)
}
