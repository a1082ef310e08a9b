// Package appthread marks contexts that belong to the application goroutine.
//
// Exactly one goroutine (the dispatcher loop) may mutate state. The loop
// derives every context it hands to actions from Mark, and state setters call
// Assert before touching a cell.
package appthread

import (
	"context"
	"fmt"
)

type markerKey struct{}

type marker struct {
	owner string
}

// Mark returns a context flagged as running on the application goroutine
// owned by owner (normally the runtime or sandbox name).
func Mark(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, markerKey{}, marker{owner: owner})
}

// Release returns a context derived from ctx that is no longer flagged as
// the application goroutine. Work handed to other goroutines must use it.
func Release(ctx context.Context) context.Context {
	if !On(ctx) {
		return ctx
	}
	return context.WithValue(ctx, markerKey{}, nil)
}

// On reports whether ctx was derived from Mark.
func On(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	_, ok := ctx.Value(markerKey{}).(marker)
	return ok
}

// Owner returns the owner passed to Mark, or "" outside the application goroutine.
func Owner(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	m, _ := ctx.Value(markerKey{}).(marker)
	return m.owner
}

// Assert panics when ctx does not come from the application goroutine.
func Assert(ctx context.Context, what string) {
	if !On(ctx) {
		panic(fmt.Sprintf("%s must run on the application goroutine", what))
	}
}
