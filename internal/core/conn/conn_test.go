package conn

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowSink is an io.ReadWriteCloser whose writes wait for explicit permits,
// letting tests hold bytes in the deferred queue.
type slowSink struct {
	mu      sync.Mutex
	permits chan struct{}
	written [][]byte
	closed  atomic.Bool
}

func newSlowSink() *slowSink {
	return &slowSink{permits: make(chan struct{}, 64)}
}

func (s *slowSink) allow(n int) {
	for i := 0; i < n; i++ {
		s.permits <- struct{}{}
	}
}

func (s *slowSink) Read([]byte) (int, error) { return 0, io.EOF }

func (s *slowSink) Write(p []byte) (int, error) {
	<-s.permits
	s.mu.Lock()
	s.written = append(s.written, append([]byte(nil), p...))
	s.mu.Unlock()
	return len(p), nil
}

func (s *slowSink) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *slowSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStream_PendingBytesTracksQueue(t *testing.T) {
	sink := newSlowSink()
	s := NewStream(sink, nil, nil)
	defer func() { _ = s.Close("test done") }()

	require.NoError(t, s.Write(make([]byte, 100)))
	require.NoError(t, s.Write(make([]byte, 50)))
	assert.Equal(t, int64(150), s.PendingBytes(), "queued bytes are pending")

	sink.allow(2)
	waitFor(t, func() bool { return s.PendingBytes() == 0 }, "queue should drain")
	assert.Equal(t, 2, sink.count())
}

func TestStream_WritableFiresAfterEachDrain(t *testing.T) {
	sink := newSlowSink()
	s := NewStream(sink, nil, nil)
	defer func() { _ = s.Close("test done") }()

	var fired atomic.Int32
	s.OnWritable(func(pending int64) { fired.Add(1) })

	require.NoError(t, s.Write([]byte("a")))
	require.NoError(t, s.Write([]byte("b")))
	sink.allow(2)

	waitFor(t, func() bool { return fired.Load() == 2 }, "one writability event per drained frame")
}

func TestStream_SuspendResumeGate(t *testing.T) {
	sink := newSlowSink()
	s := NewStream(sink, nil, nil)
	defer func() { _ = s.Close("test done") }()

	// Not suspended: returns immediately.
	require.NoError(t, s.AwaitReadable(context.Background()))

	s.SuspendRead()
	released := make(chan error, 1)
	go func() { released <- s.AwaitReadable(context.Background()) }()

	select {
	case <-released:
		t.Fatal("AwaitReadable returned while suspended")
	case <-time.After(20 * time.Millisecond):
	}

	s.ResumeRead()
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("resume did not release the reader")
	}
}

func TestStream_AwaitReadableUnblocksOnClose(t *testing.T) {
	sink := newSlowSink()
	s := NewStream(sink, nil, nil)
	s.SuspendRead()

	released := make(chan error, 1)
	go func() { released <- s.AwaitReadable(context.Background()) }()

	require.NoError(t, s.Close("going away"))
	select {
	case err := <-released:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not release the reader")
	}
}

func TestStream_CloseOnceAndListeners(t *testing.T) {
	sink := newSlowSink()
	s := NewStream(sink, nil, nil)

	var reasons []string
	s.OnClose(func(reason string) { reasons = append(reasons, reason) })

	require.NoError(t, s.Close("first"))
	require.NoError(t, s.Close("second"), "repeat close is a no-op")

	assert.Equal(t, []string{"first"}, reasons, "listener fires once with the first reason")
	assert.True(t, s.Closed())
	assert.True(t, sink.closed.Load())

	// Late registration fires immediately with the stored reason.
	var late string
	s.OnClose(func(reason string) { late = reason })
	assert.Equal(t, "first", late)
}

func TestStream_WriteAfterClose(t *testing.T) {
	sink := newSlowSink()
	s := NewStream(sink, nil, nil)
	require.NoError(t, s.Close("bye"))
	assert.ErrorIs(t, s.Write([]byte("x")), ErrClosed)
	assert.Equal(t, int64(0), s.PendingBytes())
}

func TestStream_WriteErrorClosesConnection(t *testing.T) {
	left, right := net.Pipe()
	s := NewNetStream(left)
	_ = right.Close()

	closed := make(chan string, 1)
	s.OnClose(func(reason string) { closed <- reason })

	// The queued write fails against the closed pipe and the writer
	// goroutine tears the connection down.
	_ = s.Write([]byte("payload"))
	select {
	case reason := <-closed:
		assert.Contains(t, reason, "write failed")
	case <-time.After(2 * time.Second):
		t.Fatal("write failure did not close the connection")
	}
}

func TestPacket_WriteNeedsPeer(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	p := NewPacket(pc)
	defer func() { _ = p.Close("test done") }()

	assert.ErrorIs(t, p.Write([]byte("x")), ErrNoPeer)
	assert.Equal(t, int64(0), p.PendingBytes())
}

func TestPacket_WriteTo(t *testing.T) {
	dst, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = dst.Close() }()

	src, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	p := NewPacket(src)
	defer func() { _ = p.Close("test done") }()

	require.NoError(t, p.WriteTo(dst.LocalAddr(), []byte("ping")))

	buf := make([]byte, 16)
	require.NoError(t, dst.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := dst.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}
