package state

import (
	"sort"
	"sync"
)

// signal is a list of slots invoked synchronously by emit.
type signal[T any] struct {
	mu    sync.Mutex
	next  int
	slots map[int]func(T)
}

func (s *signal[T]) connect(fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots == nil {
		s.slots = make(map[int]func(T))
	}
	id := s.next
	s.next++
	s.slots[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.slots, id)
		s.mu.Unlock()
	}
}

// emit calls slots in connection order, outside the signal's own lock.
func (s *signal[T]) emit(v T) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.slots[id])
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
