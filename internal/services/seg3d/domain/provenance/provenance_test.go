package provenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/louisbranch/seg3d/internal/services/seg3d/core/variant"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var stepInfo = action.MustInfo(action.Definition{
	Type:      "Step",
	Arguments: []action.Arg{{Name: "target"}},
	Keys:      []action.Key{{Name: "fail", Default: "false", Kind: variant.KindBool}},
	Flags:     action.FlagUndoable,
})

type step struct {
	action.Base
	ran *[]string
}

func (s *step) Run(_ context.Context, actx action.Context) (variant.Value, error) {
	fail, err := action.Param[bool](s.Params(), "fail")
	if err != nil {
		return variant.Value{}, err
	}
	if fail {
		return variant.Value{}, errors.New("step failed")
	}
	*s.ran = append(*s.ran, s.ExportToString()+" from "+actx.Source().String())
	return variant.Value{}, nil
}

func newRegistry(ran *[]string) *action.Registry {
	reg := action.NewRegistry(nil)
	reg.MustRegister(stepInfo, func() action.Action {
		return &step{Base: action.NewBase(stepInfo), ran: ran}
	})
	return reg
}

// inlinePoster runs batches on the calling goroutine the way the dispatcher
// runs a scripted batch.
type inlinePoster struct{}

func (inlinePoster) PostAndWaitActions(ctx context.Context, actions []action.Action, actx action.Context) error {
	for _, a := range actions {
		actx.Reset()
		if err := a.Validate(ctx, actx); err != nil {
			actx.ReportError(err.Error())
			actx.ReportStatus(action.StatusInvalid)
			return nil
		}
		if _, err := a.Run(ctx, actx); err != nil {
			actx.ReportError(err.Error())
			actx.ReportStatus(action.StatusError)
			return nil
		}
		actx.ReportDone()
	}
	return nil
}

func mustCreate(t *testing.T, reg *action.Registry, line string) action.Action {
	t.Helper()
	a, err := reg.Create(line)
	require.NoError(t, err)
	return a
}

func TestRecorderNumbersStepsAndSkipsReplays(t *testing.T) {
	reg := newRegistry(new([]string))
	r := NewRecorder(nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	id, ok := r.Record(action.NewContext(action.SourceScript), mustCreate(t, reg, "Step layer_0"), nil, []string{"layer_0"})
	require.True(t, ok)
	assert.Equal(t, int64(1), id)

	_, ok = r.Record(action.NewContext(action.SourceProvenance), mustCreate(t, reg, "Step layer_1"), nil, nil)
	assert.False(t, ok)

	want := []Record{{
		StepID:    1,
		Command:   "Step layer_0 fail=false",
		Outputs:   []string{"layer_0"},
		Source:    action.SourceScript,
		Timestamp: fixed,
	}}
	if diff := cmp.Diff(want, r.Records(), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestRecorderDeleteAndRestore(t *testing.T) {
	reg := newRegistry(new([]string))
	r := NewRecorder(nil)
	var events []EventKind
	r.OnEvent(func(ev Event) { events = append(events, ev.Kind) })

	a := mustCreate(t, reg, "Step layer_0")
	first, _ := r.Record(nil, a, nil, nil)
	second, _ := r.Record(nil, a, nil, nil)
	r.Delete(first)

	records := r.Records()
	require.Len(t, records, 1)
	assert.Equal(t, second, records[0].StepID)
	assert.Equal(t, []EventKind{EventAdded, EventAdded, EventDeleted}, events)

	third, _ := r.Record(nil, a, nil, nil)
	assert.Equal(t, int64(3), third, "withdrawn ids are not handed out again")

	r.Restore([]Record{{StepID: 41, Command: "Step x"}})
	next, _ := r.Record(nil, a, nil, nil)
	assert.Equal(t, int64(42), next)
}

func TestReplayedActionsClaimRestoredSteps(t *testing.T) {
	reg := newRegistry(new([]string))
	r := NewRecorder(nil)
	var events []EventKind
	r.OnEvent(func(ev Event) { events = append(events, ev.Kind) })

	stored := []Record{
		{StepID: 7, Command: "Step layer_0 fail=false"},
		{StepID: 9, Command: "Step layer_1 fail=false"},
	}
	r.Restore(stored)
	r.ExpectReplay(stored)
	replay := action.NewContext(action.SourceProvenance)

	id, ok := r.Record(replay, mustCreate(t, reg, "Step layer_0"), nil, nil)
	require.True(t, ok)
	assert.Equal(t, int64(7), id)

	_, ok = r.Record(replay, mustCreate(t, reg, "Step layer_2"), nil, nil)
	assert.False(t, ok, "a mismatched command does not claim the step")

	r.ExpectReplay(nil)
	_, ok = r.Record(replay, mustCreate(t, reg, "Step layer_1"), nil, nil)
	assert.False(t, ok)

	assert.Empty(t, events, "claiming a step records nothing new")
	assert.Len(t, r.Records(), 2)

	r.Delete(id)
	assert.Equal(t, []EventKind{EventDeleted}, events)
	if diff := cmp.Diff(stored[1:], r.Records(), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

type memoryStore struct {
	mu      sync.Mutex
	steps   map[int64]string
	written chan struct{}
}

func (m *memoryStore) AppendProvenance(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.steps[rec.StepID] = rec.Command
	m.mu.Unlock()
	m.written <- struct{}{}
	return nil
}

func (m *memoryStore) DeleteProvenance(_ context.Context, stepID int64) error {
	m.mu.Lock()
	delete(m.steps, stepID)
	m.mu.Unlock()
	m.written <- struct{}{}
	return nil
}

func TestPersisterWritesOffTheRecordingGoroutine(t *testing.T) {
	reg := newRegistry(new([]string))
	store := &memoryStore{steps: make(map[int64]string), written: make(chan struct{}, 8)}
	p := NewPersister(store, nil)
	r := NewRecorder(nil)
	p.Attach(r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	id, _ := r.Record(nil, mustCreate(t, reg, "Step layer_0"), nil, nil)
	r.Record(nil, mustCreate(t, reg, "Step layer_1"), nil, nil)
	r.Delete(id)
	for range 3 {
		select {
		case <-store.written:
		case <-time.After(5 * time.Second):
			t.Fatal("persister did not write")
		}
	}
	cancel()
	require.NoError(t, <-done)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, map[int64]string{2: "Step layer_1 fail=false"}, store.steps)
	assert.Zero(t, p.Pending())
}

func TestReplayRunsWithProvenanceSource(t *testing.T) {
	var ran []string
	reg := newRegistry(&ran)
	records := []Record{
		{StepID: 1, Command: "Step layer_0"},
		{StepID: 2, Command: "Step layer_1"},
	}

	actx, err := Replay(context.Background(), records, reg, inlinePoster{})
	require.NoError(t, err)
	assert.Equal(t, action.SourceProvenance, actx.Source())
	assert.Equal(t, []string{
		"Step layer_0 fail=false from provenance",
		"Step layer_1 fail=false from provenance",
	}, ran)
}

func TestReplayStopsAtFailingStep(t *testing.T) {
	var ran []string
	reg := newRegistry(&ran)
	records := []Record{
		{StepID: 1, Command: "Step layer_0 fail=true"},
		{StepID: 2, Command: "Step layer_1"},
	}

	_, err := Replay(context.Background(), records, reg, inlinePoster{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step failed")
	assert.Empty(t, ran)

	_, err = Replay(context.Background(), []Record{{StepID: 3, Command: "Nope"}}, reg, inlinePoster{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replay step 3")
}
