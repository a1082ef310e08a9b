// Package state holds the named, typed variables that make up application
// state.
//
// An Engine owns handlers; a handler owns cells. A cell id is
// "<handler_id>:<key>" and handler ids come from a per-type counter, so the
// first layer's name lives at "layer_0:name". Cells are mutated only on the
// application goroutine (see package appthread) unless their handler is
// still initializing. Change signals run after the engine mutex is released,
// so observers may read any state.
package state
