package pipeline

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewire/gatewire/internal/core/codec"
	"github.com/gatewire/gatewire/internal/core/message"
)

// testConn is an in-memory conn.Conn.
type testConn struct {
	id string

	mu        sync.Mutex
	writes    [][]byte
	closed    bool
	reason    string
	listeners []func(string)
}

func newTestConn(id string) *testConn { return &testConn{id: id} }

func (c *testConn) ID() string           { return c.id }
func (c *testConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9} }
func (c *testConn) LocalAddr() net.Addr  { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8} }

func (c *testConn) Write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.writes = append(c.writes, frame)
	return nil
}

func (c *testConn) PendingBytes() int64                 { return 0 }
func (c *testConn) SuspendRead()                        {}
func (c *testConn) ResumeRead()                         {}
func (c *testConn) AwaitReadable(context.Context) error { return nil }
func (c *testConn) OnWritable(func(int64))              {}

func (c *testConn) OnClose(fn func(string)) {
	c.mu.Lock()
	if c.closed {
		reason := c.reason
		c.mu.Unlock()
		fn(reason)
		return
	}
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *testConn) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.reason = reason
	fns := append([]func(string){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
	return nil
}

func (c *testConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *testConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// recorder accumulates the order of configure/stage/hook events.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.events...)
}

type recStage struct {
	name string
	rec  *recorder
	fail error
	eat  bool
}

func (s recStage) Name() string { return s.name }

func (s recStage) OnInbound(_ *Context, in *message.Inbound) (*message.Inbound, error) {
	s.rec.add("in:" + s.name)
	if s.fail != nil {
		return nil, s.fail
	}
	if s.eat {
		in.Release()
		return nil, nil
	}
	return in, nil
}

func (s recStage) OnOutbound(_ *Context, _ *message.Inbound, out *message.Outbound) (*message.Outbound, error) {
	s.rec.add("out:" + s.name)
	return out, nil
}

type recFeature struct {
	name  string
	order int
	rec   *recorder
}

func (f recFeature) Name() string      { return f.name }
func (f recFeature) Order() int        { return f.order }
func (f recFeature) Enabled(Spec) bool { return true }

func (f recFeature) Configure(p *Pipeline, _ Spec) error {
	f.rec.add("cfg:" + f.name)
	p.AddInbound(recStage{name: f.name, rec: f.rec})
	p.AddOutbound(recStage{name: f.name, rec: f.rec})
	return nil
}

type recProfile struct {
	name       string
	proto      message.Protocol
	codecName  string
	dispatcher bool
	rec        *recorder
}

func (p recProfile) Name() string               { return p.name }
func (p recProfile) Protocol() message.Protocol { return p.proto }
func (p recProfile) DefaultCodec() string       { return p.codecName }
func (p recProfile) SupportsDispatcher() bool   { return p.dispatcher }

func (p recProfile) Configure(pl *Pipeline, _ Spec) error {
	p.rec.add("cfg:profile")
	pl.AddInbound(recStage{name: "profile", rec: p.rec})
	pl.AddOutbound(recStage{name: "profile", rec: p.rec})
	return nil
}

type oneProfile struct{ p Profile }

func (s oneProfile) Required(name string) (Profile, error) {
	if s.p != nil && s.p.Name() == name {
		return s.p, nil
	}
	return nil, errors.Errorf("unknown profile %q", name)
}

type fixedFeatures []Feature

func (f fixedFeatures) Instantiate(Env) []Feature { return f }

type recDispatcher struct {
	rec *recorder
	out *message.Outbound
}

func (d recDispatcher) Dispatch(_ *Context, in *message.Inbound) *message.Outbound {
	d.rec.add("dispatch")
	in.Release()
	return d.out
}

type recConfigurer struct {
	order    int
	supports bool
	rec      *recorder
}

func (c recConfigurer) Order() int         { return c.order }
func (c recConfigurer) Supports(Spec) bool { return c.supports }

func (c recConfigurer) Configure(*Pipeline, Spec) error {
	c.rec.add("cfg:user")
	return nil
}

type recHook struct {
	name string
	rec  *recorder
	fail error
}

func (h recHook) OnConnect(*Context) error {
	h.rec.add("connect:" + h.name)
	return h.fail
}

func (h recHook) OnClose(*Context) { h.rec.add("close:" + h.name) }

func assembleTest(t *testing.T, rec *recorder, prof Profile, feats []Feature) *Assembler {
	t.Helper()
	a, err := NewAssembler(
		Spec{Name: "test", Profile: prof.Name()},
		Env{Codecs: codec.NewDefaultRegistry()},
		oneProfile{p: prof},
		fixedFeatures(feats),
	)
	require.NoError(t, err)
	return a
}

func TestAssembleOrderSplitsAroundProfile(t *testing.T) {
	rec := &recorder{}
	prof := recProfile{name: "prof", proto: message.ProtoTCP, rec: rec}
	// Deliberately out of order; the assembler sorts by (order, name).
	feats := []Feature{
		recFeature{name: "late", order: 420, rec: rec},
		recFeature{name: "limit", order: 150, rec: rec},
		recFeature{name: "ssl", order: 50, rec: rec},
		recFeature{name: "mid", order: 260, rec: rec},
	}
	a := assembleTest(t, rec, prof, feats)
	_, err := a.Assemble()
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"cfg:ssl", "cfg:limit", "cfg:profile", "cfg:mid", "cfg:late"},
		rec.snapshot(),
		"features below the governance band configure before the profile, the rest after")
}

func TestFireWalksStagesThenDispatches(t *testing.T) {
	rec := &recorder{}
	prof := recProfile{name: "prof", proto: message.ProtoTCP, dispatcher: true, rec: rec}
	a := assembleTest(t, rec, prof, []Feature{
		recFeature{name: "a", order: 100, rec: rec},
		recFeature{name: "b", order: 300, rec: rec},
	})
	a.SetDispatcher(recDispatcher{rec: rec, out: message.OK("done")})
	p, err := a.Assemble()
	require.NoError(t, err)

	var egressed *message.Outbound
	p.SetEgress(func(_ *Context, _ *message.Inbound, out *message.Outbound) error {
		rec.add("egress")
		egressed = out
		return nil
	})

	rec.events = nil
	require.NoError(t, p.Fire(&message.Inbound{}))

	assert.Equal(t,
		[]string{"in:a", "in:profile", "in:b", "dispatch", "out:b", "out:profile", "out:a", "egress"},
		rec.snapshot(),
		"inbound in registration order, outbound reversed")
	require.NotNil(t, egressed)
	assert.Equal(t, 200, egressed.Status)
}

func TestFireSwallowedMessageStopsWalk(t *testing.T) {
	rec := &recorder{}
	prof := recProfile{name: "prof", proto: message.ProtoTCP, dispatcher: true, rec: rec}
	a := assembleTest(t, rec, prof, nil)
	a.SetDispatcher(recDispatcher{rec: rec, out: message.OK("x")})
	p, err := a.Assemble()
	require.NoError(t, err)
	p.AddInbound(recStage{name: "eater", rec: rec, eat: true})

	in := &message.Inbound{}
	buf := message.GetBuffer(16)
	in.SetBuffer(buf)
	rec.events = nil
	require.NoError(t, p.Fire(in))

	assert.NotContains(t, rec.snapshot(), "dispatch")
	assert.True(t, buf.Released(), "consuming stage owns the release")
}

func TestFireWithoutDispatcherReleases(t *testing.T) {
	rec := &recorder{}
	prof := recProfile{name: "prof", proto: message.ProtoTCP, rec: rec}
	a := assembleTest(t, rec, prof, nil)
	p, err := a.Assemble()
	require.NoError(t, err)

	in := &message.Inbound{}
	buf := message.GetBuffer(16)
	in.SetBuffer(buf)
	require.NoError(t, p.Fire(in))
	assert.True(t, buf.Released())
}

func TestFireStageErrorClosesConnection(t *testing.T) {
	rec := &recorder{}
	prof := recProfile{name: "prof", proto: message.ProtoTCP, rec: rec}
	a := assembleTest(t, rec, prof, nil)
	p, err := a.Assemble()
	require.NoError(t, err)
	p.AddInbound(recStage{name: "boom", rec: rec, fail: errors.New("fatal")})

	cn := newTestConn("c1")
	p.Bind(cn)

	in := &message.Inbound{}
	buf := message.GetBuffer(16)
	in.SetBuffer(buf)
	require.Error(t, p.Fire(in))
	assert.True(t, cn.Closed())
	assert.Contains(t, cn.closeReason(), "boom")
	assert.True(t, buf.Released())
}

type panicStage struct{}

func (panicStage) Name() string { return "panic" }

func (panicStage) OnInbound(*Context, *message.Inbound) (*message.Inbound, error) {
	panic("stage exploded")
}

func TestFirePanicBoundary(t *testing.T) {
	rec := &recorder{}
	prof := recProfile{name: "prof", proto: message.ProtoTCP, rec: rec}
	a := assembleTest(t, rec, prof, nil)
	p, err := a.Assemble()
	require.NoError(t, err)
	p.AddInbound(panicStage{})

	cn := newTestConn("c1")
	p.Bind(cn)

	in := &message.Inbound{}
	buf := message.GetBuffer(16)
	in.SetBuffer(buf)
	err = p.Fire(in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.True(t, cn.Closed())
	assert.True(t, buf.Released(), "panicked message must not leak its buffer")
}

func TestFireConnectRejectionUnwindsAdmitted(t *testing.T) {
	rec := &recorder{}
	prof := recProfile{name: "prof", proto: message.ProtoTCP, rec: rec}
	a := assembleTest(t, rec, prof, nil)
	p, err := a.Assemble()
	require.NoError(t, err)
	p.AddConnHook(recHook{name: "h1", rec: rec})
	p.AddConnHook(recHook{name: "h2", rec: rec, fail: errors.New("full")})
	p.AddConnHook(recHook{name: "h3", rec: rec})

	require.Error(t, p.FireConnect())
	assert.Equal(t,
		[]string{"connect:h1", "connect:h2", "close:h1"},
		rec.snapshot(),
		"only hooks that admitted are unwound, in reverse")

	// A later FireClose must not unwind again.
	p.FireClose()
	assert.Len(t, rec.snapshot(), 3)
}

func TestBindDrivesFireCloseOnce(t *testing.T) {
	rec := &recorder{}
	prof := recProfile{name: "prof", proto: message.ProtoTCP, rec: rec}
	a := assembleTest(t, rec, prof, nil)
	p, err := a.Assemble()
	require.NoError(t, err)
	p.AddConnHook(recHook{name: "h1", rec: rec})
	p.AddConnHook(recHook{name: "h2", rec: rec})
	require.NoError(t, p.FireConnect())

	cn := newTestConn("c1")
	p.Bind(cn)
	require.NoError(t, cn.Close("peer gone"))
	require.NoError(t, cn.Close("again"))

	assert.Equal(t,
		[]string{"connect:h1", "connect:h2", "close:h2", "close:h1"},
		rec.snapshot())

	select {
	case <-p.Context().Done():
	default:
		t.Fatal("context must be done after transport close")
	}
}

func TestConfigurersRunLastGatedAndOrdered(t *testing.T) {
	rec := &recorder{}
	prof := recProfile{name: "prof", proto: message.ProtoTCP, rec: rec}
	a := assembleTest(t, rec, prof, nil)
	a.AddConfigurer(recConfigurer{order: 20, supports: true, rec: rec})
	a.AddConfigurer(recConfigurer{order: 10, supports: false, rec: rec})
	_, err := a.Assemble()
	require.NoError(t, err)

	events := rec.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, "cfg:user", events[len(events)-1])
	assert.Equal(t, 1, countOf(events, "cfg:user"), "unsupported configurer is skipped")
}

func countOf(events []string, want string) int {
	n := 0
	for _, e := range events {
		if e == want {
			n++
		}
	}
	return n
}

func TestAssemblerResolvesCodecAtStartup(t *testing.T) {
	rec := &recorder{}
	prof := recProfile{name: "prof", proto: message.ProtoTCP, codecName: "json", rec: rec}
	a := assembleTest(t, rec, prof, nil)
	p, err := a.Assemble()
	require.NoError(t, err)
	require.NotNil(t, p.Context().Codec())
	assert.Equal(t, "json", p.Context().Codec().Name())

	_, err = NewAssembler(
		Spec{Name: "bad", Profile: "prof"},
		Env{Codecs: codec.NewRegistry()},
		oneProfile{p: prof},
		nil,
	)
	assert.Error(t, err, "unknown codec must fail assembly construction")
}

func TestUnknownProfileFailsConstruction(t *testing.T) {
	_, err := NewAssembler(
		Spec{Name: "bad", Profile: "nope"},
		Env{},
		oneProfile{},
		nil,
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestWriteSuppression(t *testing.T) {
	rec := &recorder{}
	prof := recProfile{name: "prof", proto: message.ProtoTCP, rec: rec}
	a := assembleTest(t, rec, prof, nil)
	p, err := a.Assemble()
	require.NoError(t, err)

	p.AddOutbound(suppressStage{})
	egressed := false
	p.SetEgress(func(*Context, *message.Inbound, *message.Outbound) error {
		egressed = true
		return nil
	})

	require.NoError(t, p.Write(nil, message.OK("x")))
	assert.False(t, egressed, "suppressed response never reaches egress")
}

type suppressStage struct{}

func (suppressStage) Name() string { return "suppress" }

func (suppressStage) OnOutbound(*Context, *message.Inbound, *message.Outbound) (*message.Outbound, error) {
	return nil, nil
}
