// Package provenance records the command line and data lineage of every
// executed undoable action.
package provenance

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

// Record is one provenance step.
type Record struct {
	StepID    int64
	Command   string
	Inputs    []string
	Outputs   []string
	Source    action.Source
	Timestamp time.Time
}

// EventKind tells observers whether a record was added or withdrawn.
type EventKind int

const (
	EventAdded EventKind = iota
	EventDeleted
)

// Event is delivered to Recorder observers.
type Event struct {
	Kind   EventKind
	Record Record
}

// Recorder keeps provenance records in memory and fans them out to
// observers such as a Persister. It performs no I/O.
type Recorder struct {
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	next    int64
	records []Record
	// replaying holds restored steps whose actions are being re-run, oldest
	// first. Each replayed action claims the head.
	replaying []Record

	obsMu     sync.Mutex
	nextObs   int
	observers map[int]func(Event)
}

// NewRecorder returns an empty recorder whose step ids start at 1.
func NewRecorder(logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		logger:    logger.With(zap.String("component", "provenance")),
		now:       time.Now,
		next:      1,
		observers: make(map[int]func(Event)),
	}
}

// Record stores a step for a executed by actx. Replayed actions are not
// recorded again: they get the id of the restored step they re-run, so
// undoing them withdraws that step. ok is false when a replayed action has
// no matching step.
func (r *Recorder) Record(actx action.Context, a action.Action, inputs, outputs []string) (stepID int64, ok bool) {
	if actx != nil && actx.Source() == action.SourceProvenance {
		return r.claimReplayed(a)
	}
	rec := Record{
		Command:   a.ExportToString(),
		Inputs:    slices.Clone(inputs),
		Outputs:   slices.Clone(outputs),
		Timestamp: r.now().UTC(),
	}
	if actx != nil {
		rec.Source = actx.Source()
	}

	r.mu.Lock()
	rec.StepID = r.next
	r.next++
	r.records = append(r.records, rec)
	r.mu.Unlock()

	r.logger.Debug("recorded step", zap.Int64("step", rec.StepID), zap.String("command", rec.Command))
	r.emit(Event{Kind: EventAdded, Record: rec})
	return rec.StepID, true
}

// Delete withdraws steps, for example when the action that produced them is
// undone.
func (r *Recorder) Delete(stepIDs ...int64) {
	var removed []Record
	r.mu.Lock()
	r.records = slices.DeleteFunc(r.records, func(rec Record) bool {
		if slices.Contains(stepIDs, rec.StepID) {
			removed = append(removed, rec)
			return true
		}
		return false
	})
	r.mu.Unlock()
	for _, rec := range removed {
		r.emit(Event{Kind: EventDeleted, Record: rec})
	}
}

// Records returns the steps in recording order.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.records)
}

// Restore replaces the in-memory records, typically with rows loaded from
// storage, and continues numbering after the highest step id.
func (r *Recorder) Restore(records []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = slices.Clone(records)
	r.next = 1
	for _, rec := range records {
		if rec.StepID >= r.next {
			r.next = rec.StepID + 1
		}
	}
}

// ExpectReplay declares that records are about to be re-run in order. Pass
// nil once the replay finished to drop unclaimed steps.
func (r *Recorder) ExpectReplay(records []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaying = slices.Clone(records)
}

func (r *Recorder) claimReplayed(a action.Action) (int64, bool) {
	command := a.ExportToString()
	r.mu.Lock()
	if len(r.replaying) == 0 {
		r.mu.Unlock()
		return 0, false
	}
	head := r.replaying[0]
	r.replaying = r.replaying[1:]
	r.mu.Unlock()

	if head.Command != command {
		r.logger.Warn("replayed action does not match its step",
			zap.Int64("step", head.StepID),
			zap.String("recorded", head.Command),
			zap.String("replayed", command))
		return 0, false
	}
	return head.StepID, true
}

// OnEvent subscribes fn to added and deleted records.
func (r *Recorder) OnEvent(fn func(Event)) func() {
	r.obsMu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	r.obsMu.Unlock()
	return func() {
		r.obsMu.Lock()
		delete(r.observers, id)
		r.obsMu.Unlock()
	}
}

func (r *Recorder) emit(ev Event) {
	r.obsMu.Lock()
	fns := make([]func(Event), 0, len(r.observers))
	for _, fn := range r.observers {
		fns = append(fns, fn)
	}
	r.obsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
