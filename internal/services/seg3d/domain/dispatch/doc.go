// Package dispatch serializes action execution onto a single application
// goroutine.
//
// Any goroutine may post actions; Run drains a FIFO queue and executes each
// action as translate, validate, run, one at a time and in post order. A batch
// posted with PostActions runs without other posts interleaved. An action
// whose validation reports a pending resource goes back to the tail of the
// queue once the resource notifier fires, up to a bounded number of retries.
//
// Every outcome is reported through the action's Context; nothing an action
// does (including a panic) stops the loop.
package dispatch
