// Package filter runs long computations off the application goroutine with
// cooperative cancellation.
package filter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/louisbranch/seg3d/internal/services/seg3d/core/appthread"
)

// ErrAborted is returned by Err for a filter stopped through Abort.
var ErrAborted = errors.New("filter aborted")

// Func is the body of a filter. It must return promptly once ctx is done or
// r.Aborted reports true.
type Func func(ctx context.Context, r *Runner) error

// Runner is one running filter.
type Runner struct {
	name   string
	logger *zap.Logger

	cancel  context.CancelFunc
	aborted atomic.Bool
	done    chan struct{}

	mu       sync.Mutex
	err      error
	finished time.Time
}

// Start launches fn on its own goroutine. The filter context is detached
// from the caller's cancellation and from the application goroutine; use
// Abort to stop it.
func Start(ctx context.Context, name string, logger *zap.Logger, fn Func) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	fctx, cancel := context.WithCancel(appthread.Release(context.WithoutCancel(ctx)))
	r := &Runner{
		name:   name,
		logger: logger.With(zap.String("filter", name)),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.run(fctx, fn)
	return r
}

func (r *Runner) run(ctx context.Context, fn Func) {
	defer close(r.done)
	defer r.cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("filter %s panicked: %v", r.name, p)
			}
		}()
		return fn(ctx, r)
	}()
	if r.aborted.Load() && (err == nil || errors.Is(err, context.Canceled)) {
		err = ErrAborted
	}

	r.mu.Lock()
	r.err = err
	r.finished = time.Now()
	r.mu.Unlock()

	switch {
	case errors.Is(err, ErrAborted):
		r.logger.Info("filter aborted", zap.Duration("elapsed", time.Since(start)))
	case err != nil:
		r.logger.Warn("filter failed", zap.Error(err))
	default:
		r.logger.Debug("filter finished", zap.Duration("elapsed", time.Since(start)))
	}
}

// Name returns the filter name.
func (r *Runner) Name() string { return r.name }

// Aborted reports whether Abort was requested. Filter bodies poll it.
func (r *Runner) Aborted() bool { return r.aborted.Load() }

// Abort requests cancellation without waiting.
func (r *Runner) Abort() {
	if r.aborted.CompareAndSwap(false, true) {
		r.logger.Debug("abort requested")
	}
	r.cancel()
}

// Done is closed once the filter body returned.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Wait blocks until the filter finishes or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AbortAndWait aborts the filter and waits for it to acknowledge. It returns
// nil when the filter stopped, whatever its own result was.
func (r *Runner) AbortAndWait(ctx context.Context) error {
	r.Abort()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("filter %s did not stop: %w", r.name, ctx.Err())
	}
}

// Err returns the filter result. It is nil while the filter runs.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Finished reports when the filter returned, or the zero time.
func (r *Runner) Finished() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}
