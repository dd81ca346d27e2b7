// Package conn wraps transport endpoints behind one write-queued,
// close-instrumented surface the pipeline can govern. Writes are deferred:
// every connection owns a bounded queue drained by its own writer goroutine,
// and the pending byte count of that queue is the backpressure signal.
package conn

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	ErrClosed           = errors.New("connection is closed")
	ErrWriteUnsupported = errors.New("connection does not accept direct writes")
	ErrNoPeer           = errors.New("datagram write requires a peer address")
)

// Conn is one governed connection endpoint.
type Conn interface {
	ID() string
	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// Write enqueues one fully framed buffer on the deferred write queue.
	Write(frame []byte) error
	// PendingBytes reports bytes accepted by Write but not yet flushed.
	PendingBytes() int64

	// SuspendRead parks the read loop after the in-flight message;
	// ResumeRead releases it. The condition is level-triggered: writability
	// observers re-check it on every queue drain, not just on the first.
	SuspendRead()
	ResumeRead()
	// AwaitReadable blocks while reads are suspended.
	AwaitReadable(ctx context.Context) error

	// OnWritable registers fn to run after each queue drain with the pending
	// byte count at that moment.
	OnWritable(fn func(pending int64))
	// OnClose registers fn to run exactly once when the connection dies. If
	// the connection is already closed, fn runs immediately.
	OnClose(fn func(reason string))

	// Close tears the connection down. The first reason wins; repeated calls
	// are no-ops.
	Close(reason string) error
	Closed() bool
}

// base carries the identity, read gate and close machinery shared by every
// Conn implementation.
type base struct {
	id     string
	done   chan struct{}
	closed atomic.Bool
	reason string

	mu       sync.Mutex
	gate     chan struct{} // non-nil while reads are suspended
	closeFns []func(reason string)

	closeTransport func() error
}

func (b *base) init(id string, closeTransport func() error) {
	b.id = id
	b.done = make(chan struct{})
	b.closeTransport = closeTransport
}

func (b *base) ID() string { return b.id }

func (b *base) Closed() bool { return b.closed.Load() }

func (b *base) SuspendRead() {
	b.mu.Lock()
	if b.gate == nil {
		b.gate = make(chan struct{})
	}
	b.mu.Unlock()
}

func (b *base) ResumeRead() {
	b.mu.Lock()
	if b.gate != nil {
		close(b.gate)
		b.gate = nil
	}
	b.mu.Unlock()
}

func (b *base) AwaitReadable(ctx context.Context) error {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *base) OnClose(fn func(reason string)) {
	b.mu.Lock()
	if !b.closed.Load() {
		b.closeFns = append(b.closeFns, fn)
		b.mu.Unlock()
		return
	}
	reason := b.reason
	b.mu.Unlock()
	fn(reason)
}

// Close runs the teardown once: mark closed, release waiters, close the
// transport, then fire close listeners synchronously on the caller's
// goroutine so cancellation side effects (auth timers, registry removal)
// complete before Close returns.
func (b *base) Close(reason string) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	b.reason = reason
	fns := b.closeFns
	b.closeFns = nil
	if b.gate != nil {
		close(b.gate)
		b.gate = nil
	}
	b.mu.Unlock()
	close(b.done)

	var err error
	if b.closeTransport != nil {
		err = b.closeTransport()
	}
	for _, fn := range fns {
		fn(reason)
	}
	return err
}

// queued adds the deferred write queue shared by stream-like connections.
type queued struct {
	base
	queue   chan []byte
	pending atomic.Int64

	wmu      sync.Mutex
	writable []func(pending int64)
}

const writeQueueCap = 512

func (q *queued) initQueue() {
	q.queue = make(chan []byte, writeQueueCap)
}

func (q *queued) Write(frame []byte) error {
	if q.closed.Load() {
		return ErrClosed
	}
	q.pending.Add(int64(len(frame)))
	select {
	case q.queue <- frame:
		return nil
	case <-q.done:
		q.pending.Add(-int64(len(frame)))
		return ErrClosed
	}
}

func (q *queued) PendingBytes() int64 { return q.pending.Load() }

func (q *queued) OnWritable(fn func(pending int64)) {
	q.wmu.Lock()
	q.writable = append(q.writable, fn)
	q.wmu.Unlock()
}

func (q *queued) fireWritable() {
	q.wmu.Lock()
	fns := q.writable
	q.wmu.Unlock()
	pending := q.pending.Load()
	for _, fn := range fns {
		fn(pending)
	}
}

// drain runs the writer goroutine: flush queued frames through writeFrame
// until the connection closes. A write failure closes the connection.
func (q *queued) drain(writeFrame func([]byte) error) {
	for {
		select {
		case frame := <-q.queue:
			err := writeFrame(frame)
			q.pending.Add(-int64(len(frame)))
			if err != nil {
				_ = q.Close("write failed: " + err.Error())
				return
			}
			q.fireWritable()
		case <-q.done:
			// Flush frames enqueued before close. The transport may already
			// be shutting down underneath; failures are ignored.
			for {
				select {
				case frame := <-q.queue:
					_ = writeFrame(frame)
					q.pending.Add(-int64(len(frame)))
				default:
					return
				}
			}
		}
	}
}
