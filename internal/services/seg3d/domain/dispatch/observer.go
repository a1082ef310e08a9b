package dispatch

import (
	"sync"
	"time"

	"github.com/louisbranch/seg3d/internal/services/seg3d/core/variant"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

// PreEvent is emitted on the application goroutine before an action is
// translated and validated. Attempt counts earlier resource waits.
type PreEvent struct {
	Action  action.Action
	Context action.Context
	Attempt int
}

// PostEvent is emitted after an action ran, successfully or not. Actions
// rejected by validation produce no PostEvent.
type PostEvent struct {
	Action   action.Action
	Context  action.Context
	Result   variant.Value
	Status   action.Status
	Err      error
	Duration time.Duration
}

type observers struct {
	mu     sync.RWMutex
	nextID int
	pre    map[int]func(PreEvent)
	post   map[int]func(PostEvent)
}

// OnPreAction subscribes fn to pre-action events and returns an unsubscribe
// function.
func (d *Dispatcher) OnPreAction(fn func(PreEvent)) func() {
	o := &d.observers
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pre == nil {
		o.pre = make(map[int]func(PreEvent))
	}
	id := o.nextID
	o.nextID++
	o.pre[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.pre, id)
		o.mu.Unlock()
	}
}

// OnPostAction subscribes fn to post-action events and returns an
// unsubscribe function.
func (d *Dispatcher) OnPostAction(fn func(PostEvent)) func() {
	o := &d.observers
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.post == nil {
		o.post = make(map[int]func(PostEvent))
	}
	id := o.nextID
	o.nextID++
	o.post[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.post, id)
		o.mu.Unlock()
	}
}

func (o *observers) emitPre(ev PreEvent) {
	o.mu.RLock()
	fns := make([]func(PreEvent), 0, len(o.pre))
	for _, fn := range o.pre {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (o *observers) emitPost(ev PostEvent) {
	o.mu.RLock()
	fns := make([]func(PostEvent), 0, len(o.post))
	for _, fn := range o.post {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
