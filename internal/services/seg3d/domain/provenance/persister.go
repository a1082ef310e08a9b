package provenance

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Store persists provenance steps.
type Store interface {
	AppendProvenance(ctx context.Context, rec Record) error
	DeleteProvenance(ctx context.Context, stepID int64) error
}

// Persister copies recorder events to a Store from its own goroutine so the
// application goroutine never waits on I/O.
type Persister struct {
	store  Store
	logger *zap.Logger

	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
}

// NewPersister returns a persister writing to store. Call Run to start it.
func NewPersister(store Store, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{
		store:  store,
		logger: logger.With(zap.String("component", "provenance_persister")),
		wake:   make(chan struct{}, 1),
	}
}

// Attach subscribes the persister to r.
func (p *Persister) Attach(r *Recorder) func() {
	return r.OnEvent(p.enqueue)
}

func (p *Persister) enqueue(ev Event) {
	p.mu.Lock()
	p.pending = append(p.pending, ev)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run writes queued events until ctx is done, then flushes what is left
// with a context that is no longer cancelled.
func (p *Persister) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.flush(context.WithoutCancel(ctx))
			return nil
		case <-p.wake:
			p.flush(ctx)
		}
	}
}

// Pending returns the number of events not yet written.
func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Persister) flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, ev := range batch {
		var err error
		switch ev.Kind {
		case EventAdded:
			err = p.store.AppendProvenance(ctx, ev.Record)
		case EventDeleted:
			err = p.store.DeleteProvenance(ctx, ev.Record.StepID)
		}
		if err != nil {
			p.logger.Error("persist provenance step",
				zap.Int64("step", ev.Record.StepID),
				zap.String("command", ev.Record.Command),
				zap.Error(err))
		}
	}
}
