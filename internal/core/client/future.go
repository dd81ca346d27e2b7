package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gatewire/gatewire/internal/core/message"
)

// ResponseFuture is the pending half of one correlated request. Three
// outcomes race for it: the matching response, the timeout sweep, and
// connection loss. Exactly one wins; the losers are no-ops.
type ResponseFuture struct {
	id       string
	deadline time.Time

	won   atomic.Bool
	done  chan struct{}
	reply *message.Envelope
	err   error
}

func newFuture(id string, deadline time.Time) *ResponseFuture {
	return &ResponseFuture{id: id, deadline: deadline, done: make(chan struct{})}
}

// ID returns the correlation id the response must carry.
func (f *ResponseFuture) ID() string { return f.id }

// Done is closed once the future has settled.
func (f *ResponseFuture) Done() <-chan struct{} { return f.done }

// complete settles the future. The first caller wins and closes Done;
// every later call returns false and changes nothing.
func (f *ResponseFuture) complete(reply *message.Envelope, err error) bool {
	if !f.won.CompareAndSwap(false, true) {
		return false
	}
	f.reply = reply
	f.err = err
	close(f.done)
	return true
}

func (f *ResponseFuture) settled() bool { return f.won.Load() }

func (f *ResponseFuture) expired(now time.Time) bool { return now.After(f.deadline) }

// Result blocks until the future settles.
func (f *ResponseFuture) Result() (*message.Envelope, error) {
	<-f.done
	return f.reply, f.err
}

// Await blocks until the future settles or ctx ends. A cancelled context
// settles the future itself, so a late response finds nothing to complete.
func (f *ResponseFuture) Await(ctx context.Context) (*message.Envelope, error) {
	select {
	case <-f.done:
		return f.reply, f.err
	case <-ctx.Done():
		if f.complete(nil, ctx.Err()) {
			return nil, ctx.Err()
		}
		<-f.done
		return f.reply, f.err
	}
}
