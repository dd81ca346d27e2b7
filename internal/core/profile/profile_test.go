package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewire/gatewire/internal/config"
	"github.com/gatewire/gatewire/internal/core/codec"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/pipeline"
)

type namedProfile struct{ name string }

func (p *namedProfile) Name() string               { return p.name }
func (p *namedProfile) Protocol() message.Protocol { return message.ProtoTCP }
func (p *namedProfile) DefaultCodec() string       { return "" }
func (p *namedProfile) SupportsDispatcher() bool   { return false }

func (p *namedProfile) Configure(*pipeline.Pipeline, pipeline.Spec) error { return nil }

func TestRegistryReturnsRegisteredInstance(t *testing.T) {
	r := NewRegistry(nil)
	p := &namedProfile{name: "custom"}
	r.Register(p)

	got, err := r.Required("custom")
	require.NoError(t, err)
	assert.Same(t, p, got)
}

func TestRegistryUnknownListsNames(t *testing.T) {
	r := NewDefaultRegistry(nil)
	_, err := r.Required("no-such-profile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-profile")
	assert.Contains(t, err.Error(), TCPLine)
	assert.Contains(t, err.Error(), QUICLengthFieldJSON)
}

func TestRegistryLastWins(t *testing.T) {
	r := NewRegistry(nil)
	first := &namedProfile{name: "dup"}
	second := &namedProfile{name: "dup"}
	r.Register(first)
	r.Register(second)

	got, err := r.Required("dup")
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestDefaultRegistryCoversBuiltins(t *testing.T) {
	r := NewDefaultRegistry(nil)
	assert.Equal(t, []string{
		HTTP1JSON,
		QUICLengthFieldJSON,
		TCPLengthFieldJSON,
		TCPLine,
		TCPRaw,
		UDPJSON,
		WebSocket,
	}, r.Names())
}

type captureDispatcher struct {
	route   string
	id      string
	payload []byte
}

func (d *captureDispatcher) Dispatch(_ *pipeline.Context, in *message.Inbound) *message.Outbound {
	d.route = in.RouteKey
	d.id = in.ID
	d.payload = append([]byte{}, in.Payload()...)
	in.Release()
	return nil
}

func assembleJSONStream(t *testing.T, d pipeline.Dispatcher) *pipeline.Pipeline {
	t.Helper()
	a, err := pipeline.NewAssembler(
		pipeline.Spec{Name: "s1", Profile: TCPLengthFieldJSON, Routing: config.RouteMessageType},
		pipeline.Env{Codecs: codec.NewDefaultRegistry()},
		NewDefaultRegistry(nil),
		nil,
	)
	require.NoError(t, err)
	a.SetDispatcher(d)
	p, err := a.Assemble()
	require.NoError(t, err)
	return p
}

func TestEnvelopeStageExtractsRouteAndPayload(t *testing.T) {
	d := &captureDispatcher{}
	p := assembleJSONStream(t, d)

	buf := message.GetBuffer(0)
	frame := []byte(`{"id":"r-1","type":"user.get","payload":{"name":"ada"}}`)
	copy(buf.Resize(len(frame)), frame)
	in := &message.Inbound{Proto: message.ProtoTCP}
	in.SetBuffer(buf)

	require.NoError(t, p.Fire(in))
	assert.Equal(t, "user.get", d.route)
	assert.Equal(t, "r-1", d.id)
	assert.JSONEq(t, `{"name":"ada"}`, string(d.payload))
	assert.True(t, buf.Released(), "dispatcher owns the release")
}

func TestEnvelopeStageRouteKeyNeedsRealParse(t *testing.T) {
	d := &captureDispatcher{}
	p := assembleJSONStream(t, d)

	// "type" appearing inside a string value must not become the route.
	frame := []byte(`{"id":"r-2","type":"echo","payload":{"note":"\"type\":\"fake\""}}`)
	buf := message.GetBuffer(0)
	copy(buf.Resize(len(frame)), frame)
	in := &message.Inbound{Proto: message.ProtoTCP}
	in.SetBuffer(buf)

	require.NoError(t, p.Fire(in))
	assert.Equal(t, "echo", d.route)
}

func TestEnvelopeStageMalformedAnswers400(t *testing.T) {
	d := &captureDispatcher{route: "untouched"}
	p := assembleJSONStream(t, d)

	var got *message.Outbound
	p.SetEgress(func(_ *pipeline.Context, _ *message.Inbound, out *message.Outbound) error {
		got = out
		return nil
	})

	buf := message.GetBuffer(0)
	frame := []byte(`{"id": "r-3", "type":`)
	copy(buf.Resize(len(frame)), frame)
	in := &message.Inbound{Proto: message.ProtoTCP}
	in.SetBuffer(buf)

	require.NoError(t, p.Fire(in))
	require.NotNil(t, got, "malformed frame is answered, not ignored")
	assert.Equal(t, 400, got.Status)
	assert.Equal(t, "untouched", d.route, "dispatcher never sees the frame")
	assert.True(t, buf.Released())
}

func TestProfileProtocolTags(t *testing.T) {
	cases := map[string]message.Protocol{
		TCPLengthFieldJSON:  message.ProtoTCP,
		TCPLine:             message.ProtoTCP,
		TCPRaw:              message.ProtoTCP,
		HTTP1JSON:           message.ProtoHTTP,
		WebSocket:           message.ProtoWebSocket,
		UDPJSON:             message.ProtoUDP,
		QUICLengthFieldJSON: message.ProtoQUIC,
	}
	r := NewDefaultRegistry(nil)
	for name, proto := range cases {
		p, err := r.Required(name)
		require.NoError(t, err)
		assert.Equalf(t, proto, p.Protocol(), "profile %s", name)
	}
}

func TestRawProfileSkipsDispatcher(t *testing.T) {
	r := NewDefaultRegistry(nil)
	p, err := r.Required(TCPRaw)
	require.NoError(t, err)
	assert.False(t, p.SupportsDispatcher())
	assert.Empty(t, p.DefaultCodec())
}
