package action

import (
	"fmt"
	"sync"

	perrors "github.com/louisbranch/seg3d/internal/platform/errors"
	"github.com/louisbranch/seg3d/internal/services/seg3d/core/variant"
)

// ErrNeedResource is returned by ReportNeedResource so Validate can hand the
// request straight back to the dispatcher.
var ErrNeedResource = perrors.New(perrors.CodeResourceUnavailable, "action needs a resource that is not ready")

// Context is the per-post channel between an action and its caller.
// Implementations must be safe for use from the application goroutine and
// the caller's goroutine at the same time.
type Context interface {
	ReportError(text string)
	ReportWarning(text string)
	ReportMessage(text string)
	ReportStatus(status Status)
	ReportResult(result variant.Value)
	// ReportNeedResource records that validation must wait for n and returns
	// ErrNeedResource.
	ReportNeedResource(n *Notifier) error
	ReportDone()

	Status() Status
	Source() Source
	IsScript() bool
	ResourceNotifier() *Notifier
	Result() (variant.Value, bool)
	ErrorMessage() string
	// Reset clears status, result and resource request before a retry.
	// Accumulated reports are kept.
	Reset()
}

// Level classifies a report line.
type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelMessage
	LevelResult
)

// Prefix returns the wire prefix used by line-oriented transports.
func (l Level) Prefix() string {
	switch l {
	case LevelError:
		return "ERROR:"
	case LevelWarning:
		return "WARNING:"
	case LevelResult:
		return "RESULT:"
	default:
		return "MESSAGE:"
	}
}

// Report is one line of feedback.
type Report struct {
	Level Level
	Text  string
}

// String renders the report as "PREFIX: text".
func (r Report) String() string {
	return fmt.Sprintf("%s %s", r.Level.Prefix(), r.Text)
}

// ContextOption configures a BufferedContext.
type ContextOption func(*BufferedContext)

// WithReportHook calls fn for every report as it is made, in addition to
// buffering it. Interactive callers use it to surface feedback immediately.
func WithReportHook(fn func(Report)) ContextOption {
	return func(c *BufferedContext) { c.hook = fn }
}

// WithDoneHook calls fn each time an action finishes with this context.
func WithDoneHook(fn func(Status)) ContextOption {
	return func(c *BufferedContext) { c.onDone = fn }
}

// BufferedContext accumulates reports until the caller drains them.
type BufferedContext struct {
	source Source
	hook   func(Report)
	onDone func(Status)

	mu        sync.Mutex
	reports   []Report
	status    Status
	result    variant.Value
	hasResult bool
	notifier  *Notifier
	lastError string
	finished  int
}

// NewContext returns an empty context for the given source.
func NewContext(source Source, opts ...ContextOption) *BufferedContext {
	c := &BufferedContext{source: source}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Context = (*BufferedContext)(nil)

func (c *BufferedContext) report(level Level, text string) {
	c.mu.Lock()
	c.reports = append(c.reports, Report{Level: level, Text: text})
	if level == LevelError {
		c.lastError = text
	}
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(Report{Level: level, Text: text})
	}
}

func (c *BufferedContext) ReportError(text string)   { c.report(LevelError, text) }
func (c *BufferedContext) ReportWarning(text string) { c.report(LevelWarning, text) }
func (c *BufferedContext) ReportMessage(text string) { c.report(LevelMessage, text) }

func (c *BufferedContext) ReportStatus(status Status) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

// ReportResult stores the result and queues a RESULT line.
func (c *BufferedContext) ReportResult(result variant.Value) {
	c.mu.Lock()
	c.result, c.hasResult = result, true
	c.mu.Unlock()
	c.report(LevelResult, result.ExportToString())
}

func (c *BufferedContext) ReportNeedResource(n *Notifier) error {
	c.mu.Lock()
	c.notifier = n
	c.status = StatusUnavailable
	c.mu.Unlock()
	return ErrNeedResource
}

func (c *BufferedContext) ReportDone() {
	c.mu.Lock()
	c.finished++
	status := c.status
	onDone := c.onDone
	c.mu.Unlock()
	if onDone != nil {
		onDone(status)
	}
}

func (c *BufferedContext) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *BufferedContext) Source() Source { return c.source }

func (c *BufferedContext) IsScript() bool { return c.source.IsScripted() }

func (c *BufferedContext) ResourceNotifier() *Notifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifier
}

func (c *BufferedContext) Result() (variant.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.hasResult
}

// ErrorMessage returns the most recent error text.
func (c *BufferedContext) ErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *BufferedContext) Reset() {
	c.mu.Lock()
	c.status = StatusSuccess
	c.result, c.hasResult = variant.Value{}, false
	c.notifier = nil
	c.mu.Unlock()
}

// Finished returns how many actions reported done on this context.
func (c *BufferedContext) Finished() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Reports returns a copy of the buffered reports.
func (c *BufferedContext) Reports() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Report(nil), c.reports...)
}

// Drain returns the buffered reports and empties the buffer.
func (c *BufferedContext) Drain() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.reports
	c.reports = nil
	return out
}
