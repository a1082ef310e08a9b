package dispatch

import (
	"context"

	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

// job is one queue entry: an action batch sharing a context, or a function.
type job struct {
	actions []action.Action
	actx    action.Context
	fn      func(context.Context) error
	err     error

	// next indexes the first action of the batch not yet finished.
	next      int
	attempts  int
	expired   bool
	waitingOn string

	done chan struct{}
}

func newActionJob(actions []action.Action, actx action.Context, wait bool) *job {
	if actx == nil {
		actx = action.NewContext(action.SourceNone)
	}
	j := &job{actions: append([]action.Action(nil), actions...), actx: actx}
	if wait {
		j.done = make(chan struct{})
	}
	return j
}

func newFuncJob(fn func(context.Context) error, wait bool) *job {
	j := &job{fn: fn}
	if wait {
		j.done = make(chan struct{})
	}
	return j
}

func (j *job) finish() {
	if j.done != nil {
		close(j.done)
	}
}

// wait blocks until the job finished or ctx ends. The job still runs if the
// caller stops waiting.
func (j *job) wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
