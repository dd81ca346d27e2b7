package client

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/core/conn"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
	"github.com/gatewire/gatewire/internal/metrics"
)

// Member is one live pooled connection: the transport, its client pipeline,
// the futures pending on it, and liveness bookkeeping for the heartbeat.
type Member struct {
	id   string
	cn   conn.Conn
	pipe *pipeline.Pipeline
	log  log.Log
	clk  clock.Clock

	reg    *metrics.Registry
	client string

	mu      sync.Mutex
	pending map[string]*ResponseFuture

	lastInbound atomic.Int64
	onPush      func(env *message.Envelope)

	reaped atomic.Bool
	once   sync.Once
	done   chan struct{}
}

func newMember(cn conn.Conn, pipe *pipeline.Pipeline, lg log.Log, clk clock.Clock, reg *metrics.Registry, client string, onPush func(*message.Envelope)) *Member {
	m := &Member{
		id:      cn.ID(),
		cn:      cn,
		pipe:    pipe,
		log:     lg.With(log.String("member", cn.ID())),
		clk:     clk,
		reg:     reg,
		client:  client,
		pending: make(map[string]*ResponseFuture),
		onPush:  onPush,
		done:    make(chan struct{}),
	}
	m.touch()
	return m
}

// ID returns the member's connection id.
func (m *Member) ID() string { return m.id }

// Healthy reports whether the transport is still open.
func (m *Member) Healthy() bool { return !m.cn.Closed() }

// Done is closed when the member's transport dies.
func (m *Member) Done() <-chan struct{} { return m.done }

// Close tears the transport down. Pending futures fail through the close
// hook, not here, so every death path settles them the same way.
func (m *Member) Close(reason string) {
	_ = m.cn.Close(reason)
}

// closed runs from the connection's close hook exactly once.
func (m *Member) closed() {
	m.once.Do(func() { close(m.done) })
	m.failAll(ErrConnectionLost)
}

// WriteFrame frames payload if the profile frames, and enqueues it.
func (m *Member) WriteFrame(payload []byte) error {
	frame := payload
	if f := m.pipe.Framer(); f != nil {
		var err error
		frame, err = f.EncodeFrame(payload)
		if err != nil {
			return errors.Wrap(err, "encode frame")
		}
	}
	return m.cn.Write(frame)
}

// register adds a future awaiting its response on this member.
func (m *Member) register(f *ResponseFuture) {
	m.mu.Lock()
	m.pending[f.id] = f
	m.mu.Unlock()
	m.gauge(1)
}

// unregister drops a future that will never get a response, settling it
// with err when it is still open.
func (m *Member) unregister(id string, err error) {
	m.mu.Lock()
	f, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	f.complete(nil, err)
	m.gauge(-1)
}

// completeReply settles the future matching env's id. False means no future
// was waiting, an uncorrelated or duplicate response.
func (m *Member) completeReply(env *message.Envelope) bool {
	m.mu.Lock()
	f, ok := m.pending[env.ID]
	if ok {
		delete(m.pending, env.ID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	f.complete(env, nil)
	m.gauge(-1)
	return true
}

// sweep times out futures whose deadline passed and drops entries already
// settled elsewhere, like a caller cancelling its Await context.
func (m *Member) sweep(now time.Time) {
	var expired []*ResponseFuture
	removed := 0
	m.mu.Lock()
	for id, f := range m.pending {
		if f.settled() {
			delete(m.pending, id)
			removed++
			continue
		}
		if f.expired(now) {
			delete(m.pending, id)
			removed++
			expired = append(expired, f)
		}
	}
	m.mu.Unlock()
	for _, f := range expired {
		f.complete(nil, ErrRequestTimeout)
	}
	m.gauge(-removed)
}

// failAll settles every pending future with err. Runs on connection loss.
func (m *Member) failAll(err error) {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]*ResponseFuture)
	m.mu.Unlock()
	for _, f := range pending {
		f.complete(nil, err)
	}
	m.gauge(-len(pending))
}

// gauge moves the pending-futures gauge by delta across all members.
func (m *Member) gauge(delta int) {
	if m.reg == nil || delta == 0 {
		return
	}
	m.reg.PendingFutures.WithLabelValues(m.client).Add(float64(delta))
}

// touch records inbound traffic. Any frame counts as liveness, so a busy
// connection never heartbeat-times-out between pings.
func (m *Member) touch() {
	m.lastInbound.Store(m.clk.Now().UnixNano())
}

// LastInbound reports when the member last heard from the server.
func (m *Member) LastInbound() time.Time {
	return time.Unix(0, m.lastInbound.Load())
}

// handleFrame routes one inbound frame: replies settle their future, the
// rest surface as pushes.
func (m *Member) handleFrame(data []byte) {
	m.touch()
	env, err := message.DecodeEnvelope(data)
	if err != nil {
		m.log.Debug("malformed frame dropped", log.Error(err))
		return
	}
	if env.IsReply() {
		if env.ID == "" || !m.completeReply(env) {
			m.log.Debug("uncorrelated reply dropped", log.String("id", env.ID))
		}
		return
	}
	if m.onPush != nil {
		m.onPush(env)
	}
}

// runStream reads length-framed or line-framed frames off a byte stream.
func (m *Member) runStream(st *conn.Stream) {
	framer := m.pipe.Framer()
	r := st.Reader()
	for {
		buf, err := framer.ReadFrame(r)
		if err != nil {
			m.closeOnReadErr(err)
			return
		}
		m.handleFrame(buf.Bytes())
		buf.Release()
	}
}

// runWS reads websocket messages, each already one whole frame.
func (m *Member) runWS(w *conn.WS) {
	for {
		data, err := w.ReadMessage()
		if err != nil {
			m.closeOnReadErr(err)
			return
		}
		m.handleFrame(data)
	}
}

// runDatagrams reads connected-UDP datagrams, one frame each.
func (m *Member) runDatagrams(nc net.Conn) {
	buf := make([]byte, maxDatagram)
	for {
		n, err := nc.Read(buf)
		if err != nil {
			m.closeOnReadErr(err)
			return
		}
		m.handleFrame(buf[:n])
	}
}

func (m *Member) closeOnReadErr(err error) {
	if m.cn.Closed() || err == io.EOF || errors.Is(err, conn.ErrClosed) || errors.Is(err, net.ErrClosed) {
		m.Close("peer closed connection")
		return
	}
	m.log.Debug("read failed", log.Error(err))
	m.Close("read failed: " + err.Error())
}
