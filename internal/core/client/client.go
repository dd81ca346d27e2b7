// Package client dials gatewire servers. A Client owns a bounded pool of
// member connections, each assembled through the same pipeline machinery the
// server side uses, and layers request/response correlation, reconnection
// with exponential backoff, and heartbeat liveness on top.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/gatewire/gatewire/internal/config"
	"github.com/gatewire/gatewire/internal/core/codec"
	"github.com/gatewire/gatewire/internal/core/conn"
	"github.com/gatewire/gatewire/internal/core/feature"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
	"github.com/gatewire/gatewire/internal/core/profile"
	"github.com/gatewire/gatewire/internal/metrics"
)

const (
	maxDatagram = 64 * 1024
	dialTimeout = 10 * time.Second
	quicALPN    = "gatewire"
)

// Options carries the client's collaborators. Zero values get defaults.
type Options struct {
	Log      log.Log
	Metrics  *metrics.Registry
	Clock    clock.Clock
	Codecs   *codec.Registry
	Profiles pipeline.ProfileSource
	Features pipeline.FeatureSource

	// TLS is the dial configuration used when the spec asks for an
	// encrypted transport. Nil falls back to certificate verification
	// disabled, good enough against self-signed development servers.
	TLS *tls.Config
}

// PushHandler receives server-initiated frames. Handlers run on the member
// read goroutine and must not block.
type PushHandler func(env *message.Envelope)

// Client talks to one server over a pool of member connections.
type Client struct {
	spec    *config.ClientSpec
	poolCfg *config.PoolSpec
	reqCfg  *config.RequestSpec

	asm *pipeline.Assembler
	log log.Log
	reg *metrics.Registry
	clk clock.Clock

	cdc     codec.Codec
	tlsConf *tls.Config

	pool    *Pool
	backoff *Backoff

	mu      sync.Mutex
	members map[string]*Member
	pushFns map[string][]PushHandler

	started sync.Once
	closed  atomic.Bool
	done    chan struct{}
	redial  chan struct{}
	wg      sync.WaitGroup
}

// New builds a client for spec. It resolves the profile and validates it
// against the transport but does not connect; Connect warms the pool, and
// Call dials on demand either way.
func New(spec *config.ClientSpec, opts Options) (*Client, error) {
	if opts.Log == nil {
		opts.Log = log.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Codecs == nil {
		opts.Codecs = codec.NewDefaultRegistry()
	}
	if opts.Profiles == nil {
		opts.Profiles = profile.NewDefaultRegistry(opts.Log)
	}
	if opts.Features == nil {
		opts.Features = feature.NewDefaultRegistry()
	}

	env := pipeline.Env{Log: opts.Log, Metrics: opts.Metrics, Clock: opts.Clock, Codecs: opts.Codecs}
	asm, err := pipeline.NewAssembler(pipeline.ClientTarget(spec), env, opts.Profiles, opts.Features)
	if err != nil {
		return nil, err
	}
	pf, err := asm.Assemble()
	if err != nil {
		return nil, err
	}
	if err := checkTransport(spec, asm.Profile(), pf); err != nil {
		return nil, err
	}

	c := &Client{
		spec:    spec,
		poolCfg: poolDefaults(spec.Pool),
		reqCfg:  requestDefaults(spec.Request),
		asm:     asm,
		log:     opts.Log.With(log.String("client", spec.Name)),
		reg:     opts.Metrics,
		clk:     opts.Clock,
		cdc:     pf.Context().Codec(),
		backoff: NewBackoff(reconnectDefaults(spec.Reconnect)),
		members: make(map[string]*Member),
		pushFns: make(map[string][]PushHandler),
		done:    make(chan struct{}),
		redial:  make(chan struct{}, 1),
	}
	c.tlsConf = resolveDialTLS(spec, opts.TLS, pf.TLS(), c.log)
	c.pool = NewPool(c.poolCfg, opts.Clock, c.dialMember)
	return c, nil
}

func checkTransport(spec *config.ClientSpec, prof pipeline.Profile, pf *pipeline.Pipeline) error {
	switch spec.Transport {
	case config.TransportTCP:
		if prof.Protocol() != message.ProtoTCP || pf.Framer() == nil {
			return errors.Errorf("client %q: profile %q is not a tcp stream profile", spec.Name, spec.Profile)
		}
	case config.TransportUDP:
		if prof.Protocol() != message.ProtoUDP {
			return errors.Errorf("client %q: profile %q is not a udp profile", spec.Name, spec.Profile)
		}
	case config.TransportHTTP:
		if prof.Protocol() != message.ProtoWebSocket {
			return errors.Errorf("client %q: profile %q does not dial over http; only websocket profiles keep a pooled connection", spec.Name, spec.Profile)
		}
	case config.TransportQUIC:
		if prof.Protocol() != message.ProtoQUIC || pf.Framer() == nil {
			return errors.Errorf("client %q: profile %q is not a quic stream profile", spec.Name, spec.Profile)
		}
	default:
		return errors.Errorf("client %q: transport %q is not one of tcp, udp, http, quic", spec.Name, spec.Transport)
	}
	return nil
}

func poolDefaults(s *config.PoolSpec) *config.PoolSpec {
	out := &config.PoolSpec{MaxConnections: 1, AcquireTimeoutMs: 5000}
	if s != nil {
		*out = *s
		if out.MaxConnections < 1 {
			out.MaxConnections = 1
		}
		if out.AcquireTimeoutMs <= 0 {
			out.AcquireTimeoutMs = 5000
		}
	}
	return out
}

func requestDefaults(s *config.RequestSpec) *config.RequestSpec {
	out := &config.RequestSpec{TimeoutMs: 5000, SweepIntervalMs: 100}
	if s != nil {
		*out = *s
		if out.TimeoutMs <= 0 {
			out.TimeoutMs = 5000
		}
		if out.SweepIntervalMs <= 0 {
			out.SweepIntervalMs = 100
		}
	}
	return out
}

func reconnectDefaults(s *config.ReconnectSpec) *config.ReconnectSpec {
	if s == nil {
		return &config.ReconnectSpec{}
	}
	out := *s
	if out.InitialDelayMs <= 0 {
		out.InitialDelayMs = 1000
	}
	if out.Multiplier < 1 {
		out.Multiplier = 2.0
	}
	if out.MaxDelayMs <= 0 {
		out.MaxDelayMs = 30000
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = -1
	}
	return &out
}

// resolveDialTLS decides the dial-side TLS configuration: an explicit
// override wins, then whatever the ssl feature resolved into the pipeline.
// QUIC always encrypts, so without either it falls back to verification
// disabled, which only suits self-signed development servers.
func resolveDialTLS(spec *config.ClientSpec, override, pipeTLS *tls.Config, lg log.Log) *tls.Config {
	var cfg *tls.Config
	switch {
	case override != nil:
		cfg = override.Clone()
	case pipeTLS != nil:
		cfg = pipeTLS.Clone()
	case spec.Transport == config.TransportQUIC:
		cfg = &tls.Config{InsecureSkipVerify: true}
		lg.Warn("quic dial without tls configuration, skipping server verification")
	default:
		return nil
	}
	if spec.Transport == config.TransportQUIC && len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{quicALPN}
	}
	return cfg
}

// Connect warms the pool with one member and starts the background loops.
// Optional: the first Call dials on demand too.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	m, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	c.pool.Release(m)
	c.start()
	return nil
}

func (c *Client) start() {
	c.started.Do(func() {
		c.wg.Add(1)
		go c.sweepLoop()
		if c.spec.Reconnect != nil && c.spec.Reconnect.Enabled {
			c.wg.Add(1)
			go c.reconnectLoop()
		}
	})
}

// Call sends one request and blocks for the matching response. An error
// reply from the server comes back as the envelope with Success=false;
// Go errors mean the request itself failed: pool exhaustion, transport
// loss, or timeout.
func (c *Client) Call(ctx context.Context, route string, payload any) (*message.Envelope, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.start()
	data, err := c.encode(payload)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	frame, err := message.Request(id, route, data)
	if err != nil {
		return nil, err
	}

	m, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	fut := newFuture(id, c.clk.Now().Add(c.reqCfg.Timeout()))
	m.register(fut)
	if err := m.WriteFrame(frame); err != nil {
		m.unregister(id, err)
		c.pool.Release(m)
		return nil, errors.Wrap(err, "send request")
	}
	// Release before awaiting: responses correlate by id, so the member can
	// carry other requests while this one is in flight.
	c.pool.Release(m)
	return fut.Await(ctx)
}

// Notify sends a request without a correlation id and does not wait.
func (c *Client) Notify(ctx context.Context, route string, payload any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.start()
	data, err := c.encode(payload)
	if err != nil {
		return err
	}
	frame, err := message.Request("", route, data)
	if err != nil {
		return err
	}
	m, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	err = m.WriteFrame(frame)
	c.pool.Release(m)
	return errors.Wrap(err, "send notification")
}

// OnPush registers fn for server pushes of type typ. An empty typ matches
// every push. Handlers run on the member read goroutine and must not block.
func (c *Client) OnPush(typ string, fn PushHandler) {
	c.mu.Lock()
	c.pushFns[typ] = append(c.pushFns[typ], fn)
	c.mu.Unlock()
}

func (c *Client) firePush(env *message.Envelope) {
	c.mu.Lock()
	fns := append([]PushHandler(nil), c.pushFns[env.Type]...)
	if env.Type != "" {
		fns = append(fns, c.pushFns[""]...)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (c *Client) encode(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		if c.cdc == nil {
			return nil, errors.Errorf("client %q: profile %q carries raw bytes; pass []byte", c.spec.Name, c.spec.Profile)
		}
		data, err := c.cdc.Encode(v)
		if err != nil {
			return nil, errors.Wrap(err, "encode payload")
		}
		return data, nil
	}
}

// Live reports members currently counted against the pool bound.
func (c *Client) Live() int { return c.pool.Live() }

// Close tears down every member and stops the background loops. Futures
// still pending fail with ErrConnectionLost.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.pool.Close()
	for _, m := range c.memberList() {
		m.Close("client closed")
	}
	c.wg.Wait()
	c.log.Info("client closed")
	return nil
}

func (c *Client) memberList() []*Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := make([]*Member, 0, len(c.members))
	for _, m := range c.members {
		ms = append(ms, m)
	}
	return ms
}

// dialMember opens one transport connection, assembles its pipeline, and
// wires the member into the client. The pool claims the slot before calling.
func (c *Client) dialMember(ctx context.Context) (*Member, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	p, err := c.asm.Assemble()
	if err != nil {
		return nil, errors.Wrap(err, "assemble client pipeline")
	}

	addr := fmt.Sprintf("%s:%d", c.spec.Host, c.spec.Port)
	var (
		m   *Member
		run func()
	)
	switch c.spec.Transport {
	case config.TransportTCP:
		nc, err := c.dialNet(ctx, addr)
		if err != nil {
			return nil, err
		}
		st := conn.NewNetStream(nc)
		m = c.newMember(st, p)
		run = func() { m.runStream(st) }
	case config.TransportUDP:
		var d net.Dialer
		nc, err := d.DialContext(ctx, "udp", addr)
		if err != nil {
			return nil, errors.Wrap(err, "dial udp")
		}
		st := conn.NewNetStream(nc)
		m = c.newMember(st, p)
		run = func() { m.runDatagrams(nc) }
	case config.TransportHTTP:
		wsc, err := c.dialWS(ctx, addr)
		if err != nil {
			return nil, err
		}
		w := conn.NewWS(wsc)
		m = c.newMember(w, p)
		run = func() { m.runWS(w) }
	case config.TransportQUIC:
		st, err := c.dialQUIC(ctx, addr)
		if err != nil {
			return nil, err
		}
		m = c.newMember(st, p)
		run = func() { m.runStream(st) }
	default:
		return nil, errors.Errorf("transport %q is not dialable", c.spec.Transport)
	}

	p.Bind(m.cn)
	m.cn.OnClose(func(string) { m.closed() })
	if err := p.FireConnect(); err != nil {
		_ = m.cn.Close("refused: " + err.Error())
		return nil, errors.Wrap(err, "connection refused")
	}

	c.mu.Lock()
	c.members[m.id] = m
	c.mu.Unlock()
	m.cn.OnClose(func(reason string) { c.memberGone(m, reason) })

	go run()
	if c.spec.Heartbeat != nil && c.spec.Heartbeat.Enabled {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.heartbeatLoop(m)
		}()
	}
	c.backoff.Reset()
	c.log.Info("connected",
		log.String("addr", addr),
		log.String("transport", string(c.spec.Transport)),
	)
	return m, nil
}

func (c *Client) newMember(cn conn.Conn, p *pipeline.Pipeline) *Member {
	return newMember(cn, p, c.log, c.clk, c.reg, c.spec.Name, c.firePush)
}

// memberGone runs from each member's close hook: forget it, free its pool
// slot, and nudge the reconnect loop.
func (c *Client) memberGone(m *Member, reason string) {
	c.mu.Lock()
	delete(c.members, m.id)
	c.mu.Unlock()
	c.pool.reap(m)
	if c.closed.Load() {
		return
	}
	c.log.Warn("connection lost",
		log.String("member", m.ID()),
		log.String("reason", reason),
	)
	if c.spec.Reconnect != nil && c.spec.Reconnect.Enabled {
		select {
		case c.redial <- struct{}{}:
		default:
		}
	}
}

func (c *Client) dialNet(ctx context.Context, addr string) (net.Conn, error) {
	if c.tlsConf != nil {
		d := tls.Dialer{NetDialer: &net.Dialer{}, Config: c.tlsConf}
		nc, err := d.DialContext(ctx, "tcp", addr)
		return nc, errors.Wrap(err, "dial tls")
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	return nc, errors.Wrap(err, "dial tcp")
}

func (c *Client) dialWS(ctx context.Context, addr string) (*websocket.Conn, error) {
	scheme := "ws"
	d := *websocket.DefaultDialer
	if c.tlsConf != nil {
		scheme = "wss"
		d.TLSClientConfig = c.tlsConf
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: c.spec.WSPath}
	wsc, resp, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "websocket handshake (%s)", resp.Status)
		}
		return nil, errors.Wrap(err, "dial websocket")
	}
	return wsc, nil
}

func (c *Client) dialQUIC(ctx context.Context, addr string) (*conn.Stream, error) {
	qc, err := quic.DialAddr(ctx, addr, c.tlsConf, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "dial quic")
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "no stream")
		return nil, errors.Wrap(err, "open quic stream")
	}
	st := conn.NewStream(stream, qc.LocalAddr(), qc.RemoteAddr())
	st.OnClose(func(reason string) { _ = qc.CloseWithError(0, reason) })
	return st, nil
}

// sweepLoop times out pending futures on a fixed cadence.
func (c *Client) sweepLoop() {
	defer c.wg.Done()
	tick := c.clk.Ticker(c.reqCfg.SweepInterval())
	defer tick.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-tick.C:
			now := c.clk.Now()
			for _, m := range c.memberList() {
				m.sweep(now)
			}
		}
	}
}

// reconnectLoop restores lost members. One token per loss is enough: every
// pass re-dials until the pool is whole or the retry budget runs out.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.redial:
		}
		c.restore()
	}
}

func (c *Client) restore() {
	for {
		if c.closed.Load() {
			return
		}
		if c.pool.Live() >= c.poolCfg.MaxConnections {
			return
		}
		delay, ok := c.backoff.Next()
		if !ok {
			c.log.Error("reconnect retries exhausted",
				log.Int("attempts", c.backoff.Attempt()))
			return
		}
		select {
		case <-c.done:
			return
		case <-c.clk.After(delay):
		}
		if c.reg != nil {
			c.reg.ReconnectsTotal.WithLabelValues(c.spec.Name).Inc()
		}
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		dialed, err := c.pool.Redial(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			c.log.Warn("reconnect attempt failed", log.Error(err))
			continue
		}
		if !dialed {
			return
		}
	}
}
