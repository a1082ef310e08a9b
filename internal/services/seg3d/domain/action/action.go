package action

import (
	"context"

	"github.com/louisbranch/seg3d/internal/services/seg3d/core/variant"
)

// Action is one serializable, validated, optionally undoable command.
//
// Validate and Run are only ever called on the application goroutine, in
// that order, and Run at most once.
type Action interface {
	Info() *Info
	Params() *Params
	ExportToString() string
	ImportFromString(line string) error
	// Validate checks argument legality. It may call actx.ReportNeedResource
	// and return its error to ask the dispatcher for a retry.
	Validate(ctx context.Context, actx Context) error
	// Run performs the effect and returns an optional result value.
	Run(ctx context.Context, actx Context) (variant.Value, error)
}

// Translator is implemented by actions whose arguments reference ids that
// must be resolved (for example provenance ids) before validation.
type Translator interface {
	Translate(ctx context.Context, actx Context) error
}

// CacheClearer is implemented by actions that cache handles during Validate.
// The dispatcher calls ClearCache once the action is finished with, whatever
// the outcome.
type CacheClearer interface {
	ClearCache()
}

// Base carries the Info and Params of a concrete action. Embed it and
// implement Run (and usually Validate).
type Base struct {
	info   *Info
	params *Params
}

// NewBase returns a Base with parameter slots for info and keys set to their
// defaults.
func NewBase(info *Info) Base {
	return Base{info: info, params: newParams(info)}
}

// Info returns the action's declaration.
func (b *Base) Info() *Info { return b.info }

// Params returns the action's parameter values.
func (b *Base) Params() *Params { return b.params }

// ExportToString serializes the action as a command line.
func (b *Base) ExportToString() string { return exportParams(b.params) }

// ImportFromString replaces the parameter values from a command line.
func (b *Base) ImportFromString(line string) error { return importParams(b.params, line) }

// Validate accepts everything.
func (b *Base) Validate(context.Context, Context) error { return nil }
