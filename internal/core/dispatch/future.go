// Package dispatch is the business terminus of server pipelines: it resolves
// routes, binds handler parameters via a resolver chain planned at
// registration time, invokes the handler, and normalizes whatever comes back
// into an Outbound.
package dispatch

import "sync/atomic"

// Future is an asynchronous handler result. A handler returns one
// immediately, completes it from any goroutine, and the dispatcher applies
// the same normalization to the eventual value that a synchronous return
// gets. Completion is a single transition: of all Complete and Fail calls,
// exactly one wins.
type Future struct {
	state atomic.Int32
	done  chan struct{}
	value any
	err   error
}

const (
	futurePending int32 = iota
	futureSettling
	futureDone
)

// NewFuture returns a pending future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete settles the future with a value. It reports whether this call won
// the transition.
func (f *Future) Complete(v any) bool {
	if !f.state.CompareAndSwap(futurePending, futureSettling) {
		return false
	}
	f.value = v
	f.state.Store(futureDone)
	close(f.done)
	return true
}

// Fail settles the future with an error.
func (f *Future) Fail(err error) bool {
	if !f.state.CompareAndSwap(futurePending, futureSettling) {
		return false
	}
	f.err = err
	f.state.Store(futureDone)
	close(f.done)
	return true
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the settled value or error. Valid only after Done.
func (f *Future) Result() (any, error) { return f.value, f.err }

// Settled reports whether the future has completed or failed.
func (f *Future) Settled() bool { return f.state.Load() == futureDone }
