package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	perrors "github.com/louisbranch/seg3d/internal/platform/errors"
	"github.com/louisbranch/seg3d/internal/services/seg3d/core/appthread"
	"github.com/louisbranch/seg3d/internal/services/seg3d/core/variant"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

const (
	// DefaultMaxRequeue bounds how often one action may wait for a resource.
	DefaultMaxRequeue = 8
	// DefaultResourceTimeout bounds how long one wait for a resource may last.
	DefaultResourceTimeout = 30 * time.Second
)

var (
	// ErrWaitOnApplicationThread is returned by the post-and-wait variants
	// when called from the application goroutine, which would deadlock.
	ErrWaitOnApplicationThread = errors.New("post and wait called on the application goroutine")
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("dispatcher is already running")
	// ErrStopped reports work posted after (or pending when) the loop exited.
	ErrStopped = perrors.New(perrors.CodeResourceUnavailable, "dispatcher stopped")
	// ErrNoActions is returned when an empty batch is posted.
	ErrNoActions = errors.New("no actions to post")
)

// Config configures a Dispatcher.
type Config struct {
	// Name identifies the application goroutine (main runtime or a sandbox).
	Name string
	// MaxRequeue bounds resource retries per action. Zero means the default.
	MaxRequeue int
	// ResourceTimeout bounds each resource wait. Zero means the default.
	ResourceTimeout time.Duration
	Logger          *zap.Logger
	Metrics         *Metrics
	Tracer          trace.Tracer
}

// Dispatcher owns the action queue and the application loop.
type Dispatcher struct {
	name            string
	maxRequeue      int
	resourceTimeout time.Duration
	logger          *zap.Logger
	metrics         *Metrics
	tracer          trace.Tracer

	mu     sync.Mutex
	queue  []*job
	parked map[*parking]*job
	closed bool

	wake    chan struct{}
	started chan struct{}
	stopped chan struct{}
	running atomic.Bool
	busy    atomic.Bool
	posted  atomic.Uint64

	lastCompleted atomic.Int64

	observers observers
}

// New builds a Dispatcher. Call Run to start executing posted work.
func New(cfg Config) *Dispatcher {
	if cfg.Name == "" {
		cfg.Name = "main"
	}
	if cfg.MaxRequeue <= 0 {
		cfg.MaxRequeue = DefaultMaxRequeue
	}
	if cfg.ResourceTimeout <= 0 {
		cfg.ResourceTimeout = DefaultResourceTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/louisbranch/seg3d/dispatch")
	}
	return &Dispatcher{
		name:            cfg.Name,
		maxRequeue:      cfg.MaxRequeue,
		resourceTimeout: cfg.ResourceTimeout,
		logger:          cfg.Logger.With(zap.String("component", "dispatcher"), zap.String("runtime", cfg.Name)),
		metrics:         cfg.Metrics,
		tracer:          cfg.Tracer,
		parked:          make(map[*parking]*job),
		wake:            make(chan struct{}, 1),
		started:         make(chan struct{}),
		stopped:         make(chan struct{}),
	}
}

// Name returns the application goroutine name.
func (d *Dispatcher) Name() string { return d.name }

// Started is closed once Run has begun draining the queue.
func (d *Dispatcher) Started() <-chan struct{} { return d.started }

// Stopped is closed once Run has returned and the queue is drained.
func (d *Dispatcher) Stopped() <-chan struct{} { return d.stopped }

// IsBusy reports whether the loop is executing a job right now, or has jobs
// waiting.
func (d *Dispatcher) IsBusy() bool {
	if d.busy.Load() {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) > 0
}

// LastActionCompleted returns when the last action finished, or the zero time.
func (d *Dispatcher) LastActionCompleted() time.Time {
	ns := d.lastCompleted.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Posted returns how many actions have been posted since construction.
func (d *Dispatcher) Posted() uint64 { return d.posted.Load() }

// PostAction queues a for execution and returns immediately.
func (d *Dispatcher) PostAction(a action.Action, actx action.Context) {
	d.submit(newActionJob([]action.Action{a}, actx, false))
}

// PostActions queues a batch that runs in order with no other posted work
// interleaved, except where an action in it waits for a resource.
func (d *Dispatcher) PostActions(actions []action.Action, actx action.Context) {
	if len(actions) == 0 {
		return
	}
	d.submit(newActionJob(actions, actx, false))
}

// PostAndWaitAction queues a and blocks until it has finished. It must not be
// called from the application goroutine.
func (d *Dispatcher) PostAndWaitAction(ctx context.Context, a action.Action, actx action.Context) error {
	return d.PostAndWaitActions(ctx, []action.Action{a}, actx)
}

// PostAndWaitActions is the blocking form of PostActions.
func (d *Dispatcher) PostAndWaitActions(ctx context.Context, actions []action.Action, actx action.Context) error {
	if appthread.On(ctx) {
		return ErrWaitOnApplicationThread
	}
	if len(actions) == 0 {
		return ErrNoActions
	}
	j := newActionJob(actions, actx, true)
	d.submit(j)
	return j.wait(ctx)
}

// Post schedules fn on the application goroutine.
func (d *Dispatcher) Post(fn func(ctx context.Context)) {
	d.submit(newFuncJob(func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, false))
}

// Invoke runs fn on the application goroutine and waits for its result.
func (d *Dispatcher) Invoke(ctx context.Context, fn func(ctx context.Context) error) error {
	if appthread.On(ctx) {
		return ErrWaitOnApplicationThread
	}
	j := newFuncJob(fn, true)
	d.submit(j)
	if err := j.wait(ctx); err != nil {
		return err
	}
	return j.err
}

func (d *Dispatcher) submit(j *job) {
	for _, a := range j.actions {
		d.posted.Add(1)
		d.logger.Debug("posting action", zap.String("command", a.ExportToString()))
	}
	d.enqueue(j)
}

func (d *Dispatcher) enqueue(j *job) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.abandon(j)
		return
	}
	d.queue = append(d.queue, j)
	depth := len(d.queue)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(depth))
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) pop() *job {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	j := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(len(d.queue)))
	}
	return j
}

// Run executes queued work until ctx is cancelled. It is the application
// goroutine: every action runs here with a context marked by appthread.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer d.shutdown()

	loopCtx := appthread.Mark(ctx, d.name)
	close(d.started)
	d.logger.Info("application loop started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		j := d.pop()
		if j == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-d.wake:
			}
			continue
		}
		d.busy.Store(true)
		d.runJob(loopCtx, j)
		d.busy.Store(false)
	}
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	d.closed = true
	pending := d.queue
	d.queue = nil
	parked := d.parked
	d.parked = nil
	d.mu.Unlock()

	for p, j := range parked {
		if p.claim(true) {
			pending = append(pending, j)
		}
	}
	for _, j := range pending {
		d.abandon(j)
	}
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(0)
	}
	d.logger.Info("application loop stopped", zap.Int("abandoned", len(pending)))
	close(d.stopped)
}

// abandon finishes a job that will never reach the loop.
func (d *Dispatcher) abandon(j *job) {
	if j.fn != nil {
		j.err = ErrStopped
	} else if j.next < len(j.actions) {
		j.actx.ReportError(fmt.Sprintf("%s was not run: %s", j.actions[j.next].Info().Type(), ErrStopped.Error()))
		j.actx.ReportStatus(action.StatusUnavailable)
		j.actx.ReportDone()
	}
	j.finish()
}

func (d *Dispatcher) runJob(ctx context.Context, j *job) {
	if j.fn != nil {
		j.err = d.safeCall(ctx, "posted function", j.fn)
		j.finish()
		return
	}

	for j.next < len(j.actions) {
		a := j.actions[j.next]
		var out outcome
		if j.expired {
			j.expired = false
			out = d.giveUp(a, j, fmt.Sprintf("timed out after %s", d.resourceTimeout))
		} else {
			out = d.runAction(ctx, a, j)
		}

		switch out {
		case outcomeWait:
			d.requeue(a, j)
			return
		case outcomeRejected, outcomeFailed:
			if j.actx.IsScript() && j.next+1 < len(j.actions) {
				remaining := len(j.actions) - j.next - 1
				j.actx.ReportError(fmt.Sprintf("aborting %d remaining action(s)", remaining))
				d.logger.Warn("script batch aborted",
					zap.String("type", a.Info().Type()),
					zap.Int("remaining", remaining))
				j.next = len(j.actions)
				continue
			}
		}
		j.next++
		j.attempts = 0
	}
	j.finish()
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeFailed
	outcomeRejected
	outcomeWait
)

func (d *Dispatcher) runAction(ctx context.Context, a action.Action, j *job) outcome {
	actx := j.actx
	info := a.Info()
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "action "+info.Type(), trace.WithAttributes(
		attribute.String("seg3d.action.type", info.Type()),
		attribute.String("seg3d.action.source", actx.Source().String()),
		attribute.Int("seg3d.action.attempt", j.attempts),
	))
	defer span.End()

	d.observers.emitPre(PreEvent{Action: a, Context: actx, Attempt: j.attempts})
	actx.Reset()

	if t, ok := a.(action.Translator); ok {
		if err := d.safeCall(ctx, info.Type()+" translate", func(ctx context.Context) error {
			return t.Translate(ctx, actx)
		}); err != nil {
			return d.reject(span, a, j, err)
		}
	}
	if err := d.safeCall(ctx, info.Type()+" validate", func(ctx context.Context) error {
		return a.Validate(ctx, actx)
	}); err != nil {
		return d.reject(span, a, j, err)
	}

	var result variant.Value
	err := d.safeCall(ctx, info.Type()+" run", func(ctx context.Context) error {
		var runErr error
		result, runErr = a.Run(ctx, actx)
		return runErr
	})
	elapsed := time.Since(start)
	status := action.StatusSuccess
	if err != nil {
		status = action.StatusError
		actx.ReportError(err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("action failed", zap.String("command", a.ExportToString()), zap.Error(err))
	} else if !result.IsEmpty() {
		actx.ReportResult(result)
	}
	actx.ReportStatus(status)
	actx.ReportDone()
	clearCache(a)

	d.lastCompleted.Store(time.Now().UnixNano())
	d.observe(info.Type(), status, elapsed)
	span.SetAttributes(attribute.String("seg3d.action.status", status.String()))
	d.observers.emitPost(PostEvent{
		Action:   a,
		Context:  actx,
		Result:   result,
		Status:   status,
		Err:      err,
		Duration: elapsed,
	})
	if err != nil {
		return outcomeFailed
	}
	return outcomeDone
}

// reject handles a translate or validate failure, telling a resource wait
// apart from a terminal rejection.
func (d *Dispatcher) reject(span trace.Span, a action.Action, j *job, err error) outcome {
	actx := j.actx
	if errors.Is(err, action.ErrNeedResource) || actx.Status() == action.StatusUnavailable {
		j.attempts++
		if j.attempts > d.maxRequeue {
			return d.giveUp(a, j, fmt.Sprintf("gave up after %d attempts", d.maxRequeue))
		}
		span.AddEvent("requeue")
		return outcomeWait
	}

	status := action.StatusInvalid
	actx.ReportError(err.Error())
	actx.ReportStatus(status)
	actx.ReportDone()
	clearCache(a)

	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("seg3d.action.status", status.String()))
	d.observe(a.Info().Type(), status, 0)
	level := zap.DebugLevel
	if actx.IsScript() {
		level = zap.WarnLevel
	}
	d.logger.Log(level, "action rejected",
		zap.String("command", a.ExportToString()),
		zap.Stringer("source", actx.Source()),
		zap.Error(err))
	return outcomeRejected
}

func (d *Dispatcher) giveUp(a action.Action, j *job, reason string) outcome {
	name := "resource"
	if n := j.actx.ResourceNotifier(); n != nil {
		name = n.Name()
	} else if j.waitingOn != "" {
		name = j.waitingOn
	}
	msg := fmt.Sprintf("%s: resource '%s' not available (%s)", a.Info().Type(), name, reason)
	j.actx.ReportError(msg)
	j.actx.ReportStatus(action.StatusUnavailable)
	j.actx.ReportDone()
	clearCache(a)
	j.attempts = 0
	d.observe(a.Info().Type(), action.StatusUnavailable, 0)
	d.logger.Warn("action unavailable", zap.String("command", a.ExportToString()), zap.String("reason", reason))
	return outcomeRejected
}

// requeue parks j until its notifier fires (or the wait times out) and then
// appends it to the tail of the queue.
func (d *Dispatcher) requeue(a action.Action, j *job) {
	if d.metrics != nil {
		d.metrics.Requeues.WithLabelValues(a.Info().Type()).Inc()
	}
	clearCache(a)
	n := j.actx.ResourceNotifier()
	if n == nil {
		d.enqueue(j)
		return
	}
	j.waitingOn = n.Name()
	d.logger.Debug("waiting for resource",
		zap.String("type", a.Info().Type()),
		zap.String("resource", n.Name()),
		zap.Int("attempt", j.attempts))

	p := &parking{}
	wake := func(expired, stopTimer bool) {
		if !p.claim(stopTimer) {
			return
		}
		d.mu.Lock()
		delete(d.parked, p)
		d.mu.Unlock()
		j.expired = expired
		d.enqueue(j)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.abandon(j)
		return
	}
	// The timer is set before shutdown can see p.
	p.timer = time.AfterFunc(d.resourceTimeout, func() { wake(true, false) })
	d.parked[p] = j
	d.mu.Unlock()
	n.OnFire(func() { wake(false, true) })
}

// parking is a job waiting on a resource. Exactly one of the notifier, the
// timeout or shutdown claims it.
type parking struct {
	claimed atomic.Bool
	timer   *time.Timer
}

func (p *parking) claim(stopTimer bool) bool {
	if !p.claimed.CompareAndSwap(false, true) {
		return false
	}
	if stopTimer {
		p.timer.Stop()
	}
	return true
}

func (d *Dispatcher) observe(typeName string, status action.Status, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.Actions.WithLabelValues(typeName, status.String()).Inc()
	if elapsed > 0 {
		d.metrics.Duration.WithLabelValues(typeName).Observe(elapsed.Seconds())
	}
}

// safeCall runs fn and converts a panic into an error so one bad action
// cannot take the loop down.
func (d *Dispatcher) safeCall(ctx context.Context, what string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic on application goroutine", zap.String("in", what), zap.Any("panic", r), zap.Stack("stack"))
			err = perrors.New(perrors.CodeRunFailed, fmt.Sprintf("%s panicked: %v", what, r))
		}
	}()
	return fn(ctx)
}

func clearCache(a action.Action) {
	if c, ok := a.(action.CacheClearer); ok {
		c.ClearCache()
	}
}
