package dispatch

import (
	"sync"
	"time"

	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

// DefaultHistorySize is the number of executed commands History keeps.
const DefaultHistorySize = 300

// HistoryEntry records one executed action.
type HistoryEntry struct {
	Command  string
	Source   action.Source
	Status   action.Status
	Finished time.Time
}

// History is a bounded log of executed command lines, newest last.
type History struct {
	mu      sync.Mutex
	size    int
	entries []HistoryEntry
	now     func() time.Time
}

// NewHistory returns a History holding at most size entries.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size, now: time.Now}
}

// Attach records every post-action event of d. It returns the unsubscribe
// function.
func (h *History) Attach(d *Dispatcher) func() {
	return d.OnPostAction(func(ev PostEvent) {
		h.Record(HistoryEntry{
			Command: ev.Action.ExportToString(),
			Source:  ev.Context.Source(),
			Status:  ev.Status,
		})
	})
}

// Record appends an entry, evicting the oldest when full.
func (h *History) Record(entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if entry.Finished.IsZero() {
		entry.Finished = h.now()
	}
	if len(h.entries) == h.size {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:h.size-1]
	}
	h.entries = append(h.entries, entry)
}

// Entries returns a copy of the recorded entries, oldest first.
func (h *History) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryEntry(nil), h.entries...)
}

// Clear drops every entry.
func (h *History) Clear() {
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
}
