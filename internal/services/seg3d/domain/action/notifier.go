package action

import "sync"

// Notifier is a one-shot signal for an asynchronous resource, such as a layer
// still being written by a filter.
type Notifier struct {
	name string

	once      sync.Once
	done      chan struct{}
	mu        sync.Mutex
	callbacks []func()
}

// NewNotifier returns an unfired notifier.
func NewNotifier(name string) *Notifier {
	return &Notifier{name: name, done: make(chan struct{})}
}

// Name identifies the resource in logs.
func (n *Notifier) Name() string { return n.name }

// Done is closed when the notifier fires.
func (n *Notifier) Done() <-chan struct{} { return n.done }

// Fired reports whether Fire has been called.
func (n *Notifier) Fired() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// Fire releases waiters and runs registered callbacks once. Later calls are
// no-ops.
func (n *Notifier) Fire() {
	n.once.Do(func() {
		n.mu.Lock()
		close(n.done)
		callbacks := n.callbacks
		n.callbacks = nil
		n.mu.Unlock()
		for _, fn := range callbacks {
			fn()
		}
	})
}

// OnFire registers fn to run when the notifier fires. If it already fired, fn
// runs immediately on the calling goroutine.
func (n *Notifier) OnFire(fn func()) {
	n.mu.Lock()
	if n.Fired() {
		n.mu.Unlock()
		fn()
		return
	}
	n.callbacks = append(n.callbacks, fn)
	n.mu.Unlock()
}
