package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/louisbranch/seg3d/internal/services/seg3d/core/appthread"
	"github.com/louisbranch/seg3d/internal/services/seg3d/core/variant"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fakeInfo = action.MustInfo(action.Definition{
	Type:      "Fake",
	Arguments: []action.Arg{{Name: "name"}},
})

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeAction struct {
	action.Base
	name     string
	log      *eventLog
	validate func(context.Context, action.Context) error
	run      func(context.Context, action.Context) (variant.Value, error)
}

func newFake(name string, log *eventLog) *fakeAction {
	p := &fakeAction{Base: action.NewBase(fakeInfo), name: name, log: log}
	_ = p.Params().Set("name", variant.FromString(name))
	return p
}

func (p *fakeAction) Validate(ctx context.Context, actx action.Context) error {
	if !appthread.On(ctx) {
		panic("validate off the application goroutine")
	}
	p.log.add("validate %s", p.name)
	if p.validate != nil {
		return p.validate(ctx, actx)
	}
	return nil
}

func (p *fakeAction) Run(ctx context.Context, actx action.Context) (variant.Value, error) {
	p.log.add("run %s", p.name)
	if p.run != nil {
		return p.run(ctx, actx)
	}
	return variant.Value{}, nil
}

func startDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	d := New(cfg)
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

func TestRunCompletesBeforeNextValidate(t *testing.T) {
	d := startDispatcher(t, Config{})
	log := &eventLog{}

	actx := action.NewContext(action.SourceScript)
	d.PostAction(newFake("a1", log), actx)
	require.NoError(t, d.PostAndWaitAction(waitCtx(t), newFake("a2", log), actx))

	assert.Equal(t, []string{"validate a1", "run a1", "validate a2", "run a2"}, log.all())
	assert.False(t, d.LastActionCompleted().IsZero())
	assert.Equal(t, uint64(2), d.Posted())
}

func TestPostsFromManyGoroutinesRunInQueueOrder(t *testing.T) {
	d := startDispatcher(t, Config{})
	log := &eventLog{}

	var (
		orderMu sync.Mutex
		posted  []string
		counter atomic.Int64
		wg      sync.WaitGroup
	)
	for g := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				name := fmt.Sprintf("g%d-%d", g, i)
				p := newFake(name, log)
				p.run = func(context.Context, action.Context) (variant.Value, error) {
					return variant.New(int(counter.Add(1))), nil
				}
				orderMu.Lock()
				posted = append(posted, "run "+name)
				d.PostAction(p, action.NewContext(action.SourceScript))
				orderMu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.NoError(t, d.Invoke(waitCtx(t), func(context.Context) error { return nil }))

	var runs []string
	for _, ev := range log.all() {
		if strings.HasPrefix(ev, "run ") {
			runs = append(runs, ev)
		}
	}
	assert.Equal(t, posted, runs)
	assert.Equal(t, int64(100), counter.Load())
}

func TestBatchRunsWithoutInterleaving(t *testing.T) {
	d := startDispatcher(t, Config{})
	log := &eventLog{}

	gate := make(chan struct{})
	d.Post(func(context.Context) { <-gate })

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		batch := []action.Action{newFake("b1", log), newFake("b2", log), newFake("b3", log)}
		d.PostActions(batch, action.NewContext(action.SourceScript))
	}()
	go func() {
		defer wg.Done()
		for i := range 3 {
			d.PostAction(newFake(fmt.Sprintf("s%d", i), log), action.NewContext(action.SourceScript))
		}
	}()
	wg.Wait()
	close(gate)
	require.NoError(t, d.Invoke(waitCtx(t), func(context.Context) error { return nil }))

	var order []string
	for _, ev := range log.all() {
		if name, ok := strings.CutPrefix(ev, "run "); ok {
			order = append(order, name)
		}
	}
	require.Len(t, order, 6)
	start := -1
	for i, name := range order {
		if name == "b1" {
			start = i
		}
	}
	require.GreaterOrEqual(t, start, 0)
	require.LessOrEqual(t, start+2, len(order)-1)
	assert.Equal(t, []string{"b1", "b2", "b3"}, order[start:start+3])
}

func TestValidationFailureIsTerminal(t *testing.T) {
	d := startDispatcher(t, Config{})
	log := &eventLog{}

	var posts atomic.Int32
	d.OnPostAction(func(PostEvent) { posts.Add(1) })

	bad := newFake("bad", log)
	bad.validate = func(context.Context, action.Context) error {
		return errors.New("LayerID 'layer_0' is invalid")
	}
	actx := action.NewContext(action.SourceInterfaceWidget)
	require.NoError(t, d.PostAndWaitAction(waitCtx(t), bad, actx))

	assert.Equal(t, action.StatusInvalid, actx.Status())
	assert.Equal(t, "LayerID 'layer_0' is invalid", actx.ErrorMessage())
	assert.Equal(t, []string{"validate bad"}, log.all())
	assert.Equal(t, int32(0), posts.Load(), "rejected actions are not completed actions")
	assert.Equal(t, 1, actx.Finished())
}

func TestScriptBatchAbortsOnValidationFailure(t *testing.T) {
	d := startDispatcher(t, Config{})

	for _, tt := range []struct {
		source action.Source
		want   []string
	}{
		{source: action.SourceScript, want: []string{"run ok1", "validate bad"}},
		{source: action.SourceInterfaceMenu, want: []string{"run ok1", "validate bad", "run ok2"}},
	} {
		t.Run(tt.source.String(), func(t *testing.T) {
			log := &eventLog{}
			bad := newFake("bad", log)
			bad.validate = func(context.Context, action.Context) error { return errors.New("nope") }
			batch := []action.Action{newFake("ok1", log), bad, newFake("ok2", log)}

			actx := action.NewContext(tt.source)
			require.NoError(t, d.PostAndWaitActions(waitCtx(t), batch, actx))

			var got []string
			for _, ev := range log.all() {
				if strings.HasPrefix(ev, "run ") || ev == "validate bad" {
					got = append(got, ev)
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunFailureAndPanicDoNotStopLoop(t *testing.T) {
	d := startDispatcher(t, Config{})
	log := &eventLog{}

	failing := newFake("fail", log)
	failing.run = func(context.Context, action.Context) (variant.Value, error) {
		return variant.Value{}, errors.New("threshold could not complete")
	}
	panicking := newFake("panic", log)
	panicking.run = func(context.Context, action.Context) (variant.Value, error) {
		panic("boom")
	}

	failCtx := action.NewContext(action.SourceInterfaceMouse)
	panicCtx := action.NewContext(action.SourceInterfaceMouse)
	d.PostAction(failing, failCtx)
	d.PostAction(panicking, panicCtx)

	okCtx := action.NewContext(action.SourceInterfaceMouse)
	ok := newFake("ok", log)
	ok.run = func(context.Context, action.Context) (variant.Value, error) { return variant.New("done"), nil }
	require.NoError(t, d.PostAndWaitAction(waitCtx(t), ok, okCtx))

	assert.Equal(t, action.StatusError, failCtx.Status())
	assert.Equal(t, "threshold could not complete", failCtx.ErrorMessage())
	assert.Equal(t, action.StatusError, panicCtx.Status())
	assert.Contains(t, panicCtx.ErrorMessage(), "panicked: boom")

	assert.Equal(t, action.StatusSuccess, okCtx.Status())
	result, has := okCtx.Result()
	require.True(t, has)
	assert.Equal(t, "done", result.ExportToString())
}

func TestNeedResourceRequeuesBehindLaterPosts(t *testing.T) {
	d := startDispatcher(t, Config{})
	log := &eventLog{}

	ready := action.NewNotifier("layer_1")
	var available atomic.Bool
	consumer := newFake("consumer", log)
	consumer.validate = func(_ context.Context, actx action.Context) error {
		if !available.Load() {
			return actx.ReportNeedResource(ready)
		}
		return nil
	}

	consumerCtx := action.NewContext(action.SourceScript)
	d.PostAction(consumer, consumerCtx)
	require.NoError(t, d.PostAndWaitAction(waitCtx(t), newFake("later", log), action.NewContext(action.SourceScript)))

	available.Store(true)
	ready.Fire()
	require.Eventually(t, func() bool { return consumerCtx.Finished() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"validate consumer", "validate later", "run later", "validate consumer", "run consumer"}, log.all())
	assert.Equal(t, action.StatusSuccess, consumerCtx.Status())
}

func TestNeedResourceRetriesAreBounded(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	d := startDispatcher(t, Config{MaxRequeue: 3, Metrics: metrics})
	log := &eventLog{}

	fired := action.NewNotifier("never-ready")
	fired.Fire()
	var attempts atomic.Int32
	stuck := newFake("stuck", log)
	stuck.validate = func(_ context.Context, actx action.Context) error {
		attempts.Add(1)
		return actx.ReportNeedResource(fired)
	}

	actx := action.NewContext(action.SourceScript)
	d.PostAction(stuck, actx)
	require.Eventually(t, func() bool { return actx.Finished() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(4), attempts.Load())
	assert.Equal(t, action.StatusUnavailable, actx.Status())
	assert.Equal(t, "Fake: resource 'never-ready' not available (gave up after 3 attempts)", actx.ErrorMessage())
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Requeues.WithLabelValues("Fake")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Actions.WithLabelValues("Fake", "unavailable")))
}

func TestNeedResourceTimesOut(t *testing.T) {
	d := startDispatcher(t, Config{ResourceTimeout: 50 * time.Millisecond})
	log := &eventLog{}

	pending := action.NewNotifier("mask")
	waiting := newFake("waiting", log)
	waiting.validate = func(_ context.Context, actx action.Context) error {
		return actx.ReportNeedResource(pending)
	}

	actx := action.NewContext(action.SourceScript)
	d.PostAction(waiting, actx)
	require.Eventually(t, func() bool { return actx.Finished() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, action.StatusUnavailable, actx.Status())
	assert.Equal(t, "Fake: resource 'mask' not available (timed out after 50ms)", actx.ErrorMessage())
	pending.Fire()
}

func TestShutdownReleasesJobsWaitingOnResources(t *testing.T) {
	d := New(Config{ResourceTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	<-d.Started()
	log := &eventLog{}

	pending := action.NewNotifier("mask")
	waiting := newFake("waiting", log)
	waiting.validate = func(_ context.Context, actx action.Context) error {
		return actx.ReportNeedResource(pending)
	}
	actx := action.NewContext(action.SourceScript)
	waited := make(chan error, 1)
	go func() { waited <- d.PostAndWaitAction(context.Background(), waiting, actx) }()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.parked) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter still blocked after shutdown")
	}
	assert.Equal(t, action.StatusUnavailable, actx.Status())
	assert.Equal(t, "Fake was not run: dispatcher stopped", actx.ErrorMessage())

	pending.Fire()
	assert.Equal(t, 1, actx.Finished(), "a late notifier does not revive the job")
}

func TestPostAndWaitOnApplicationGoroutineFails(t *testing.T) {
	d := startDispatcher(t, Config{})
	log := &eventLog{}

	var inner error
	require.NoError(t, d.Invoke(waitCtx(t), func(ctx context.Context) error {
		inner = d.PostAndWaitAction(ctx, newFake("nested", log), nil)
		return nil
	}))
	assert.ErrorIs(t, inner, ErrWaitOnApplicationThread)
}

func TestPreAndPostEvents(t *testing.T) {
	d := startDispatcher(t, Config{})
	log := &eventLog{}

	unsubPre := d.OnPreAction(func(ev PreEvent) { log.add("pre %s", ev.Action.ExportToString()) })
	unsubPost := d.OnPostAction(func(ev PostEvent) { log.add("post %s %s", ev.Action.ExportToString(), ev.Status) })

	require.NoError(t, d.PostAndWaitAction(waitCtx(t), newFake("x", log), nil))
	unsubPre()
	unsubPost()
	require.NoError(t, d.PostAndWaitAction(waitCtx(t), newFake("y", log), nil))

	assert.Equal(t, []string{
		"pre Fake x", "validate x", "run x", "post Fake x success",
		"validate y", "run y",
	}, log.all())
}

func TestStoppedDispatcherAbandonsWork(t *testing.T) {
	d := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	<-d.Started()
	cancel()
	require.NoError(t, <-done)
	<-d.Stopped()

	actx := action.NewContext(action.SourceScript)
	require.NoError(t, d.PostAndWaitAction(waitCtx(t), newFake("late", &eventLog{}), actx))
	assert.Equal(t, action.StatusUnavailable, actx.Status())
	assert.Equal(t, "Fake was not run: dispatcher stopped", actx.ErrorMessage())

	assert.ErrorIs(t, d.Invoke(waitCtx(t), func(context.Context) error { return nil }), ErrStopped)
	assert.ErrorIs(t, d.Run(context.Background()), ErrAlreadyRunning)
}

func TestMetricsCountOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	d := startDispatcher(t, Config{Metrics: metrics})
	log := &eventLog{}

	bad := newFake("bad", log)
	bad.validate = func(context.Context, action.Context) error { return errors.New("invalid") }
	require.NoError(t, d.PostAndWaitActions(waitCtx(t), []action.Action{newFake("good", log), bad}, action.NewContext(action.SourceInterfaceMenu)))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Actions.WithLabelValues("Fake", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Actions.WithLabelValues("Fake", "invalid")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.QueueDepth))
}
