package profile

import (
	"github.com/gatewire/gatewire/internal/config"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
)

// Built-in profile names.
const (
	TCPLengthFieldJSON  = "tcp-lengthfield-json"
	TCPLine             = "tcp-line"
	TCPRaw              = "tcp-raw"
	HTTP1JSON           = "http1-json"
	WebSocket           = "websocket"
	UDPJSON             = "udp-json"
	QUICLengthFieldJSON = "quic-lengthfield-json"
)

// routesByType reports whether the route key comes from the envelope's type
// field. Path-shaped routing gets its key from the transport adapter instead.
func routesByType(spec pipeline.Spec) bool {
	return spec.Routing != config.RoutePath && spec.Routing != config.RouteWSPath
}

// envelopeStage parses the request envelope on message-plane streams:
// correlation id, the route key when routing by message type, and the payload
// view. A frame that is not valid JSON is answered with a 400 and dropped;
// the connection stays open.
type envelopeStage struct {
	routeByType bool
}

func (envelopeStage) Name() string { return "envelope" }

func (s envelopeStage) OnInbound(ctx *pipeline.Context, in *message.Inbound) (*message.Inbound, error) {
	env, err := message.DecodeEnvelope(in.Payload())
	if err != nil {
		ctx.Log().Debug("malformed envelope", log.Error(err))
		_ = ctx.Reply(in, message.Fail(400, "MALFORMED", "malformed message envelope"))
		in.Release()
		return nil, nil
	}
	in.ID = env.ID
	if s.routeByType {
		in.RouteKey = env.Type
	}
	if env.Payload != nil {
		in.SetPayloadView(env.Payload)
	}
	return in, nil
}

type tcpLengthJSON struct{}

func (tcpLengthJSON) Name() string               { return TCPLengthFieldJSON }
func (tcpLengthJSON) Protocol() message.Protocol { return message.ProtoTCP }
func (tcpLengthJSON) DefaultCodec() string       { return "json" }
func (tcpLengthJSON) SupportsDispatcher() bool   { return true }

func (tcpLengthJSON) Configure(p *pipeline.Pipeline, spec pipeline.Spec) error {
	p.SetFramer(NewLengthFieldFramer())
	p.AddInbound(envelopeStage{routeByType: routesByType(spec)})
	return nil
}

type tcpLine struct{}

func (tcpLine) Name() string               { return TCPLine }
func (tcpLine) Protocol() message.Protocol { return message.ProtoTCP }
func (tcpLine) DefaultCodec() string       { return "json" }
func (tcpLine) SupportsDispatcher() bool   { return true }

func (tcpLine) Configure(p *pipeline.Pipeline, spec pipeline.Spec) error {
	p.SetFramer(NewLineFramer())
	p.AddInbound(envelopeStage{routeByType: routesByType(spec)})
	return nil
}

// tcpRaw passes unframed chunks straight to user configurers. No dispatcher,
// no codec.
type tcpRaw struct{}

func (tcpRaw) Name() string               { return TCPRaw }
func (tcpRaw) Protocol() message.Protocol { return message.ProtoTCP }
func (tcpRaw) DefaultCodec() string       { return "" }
func (tcpRaw) SupportsDispatcher() bool   { return false }

func (tcpRaw) Configure(p *pipeline.Pipeline, _ pipeline.Spec) error {
	p.SetFramer(RawFramer{})
	return nil
}

// http1JSON leaves framing and route-key extraction to the HTTP transport
// adapter; the pipeline sees one fully aggregated request per message.
type http1JSON struct{}

func (http1JSON) Name() string               { return HTTP1JSON }
func (http1JSON) Protocol() message.Protocol { return message.ProtoHTTP }
func (http1JSON) DefaultCodec() string       { return "json" }
func (http1JSON) SupportsDispatcher() bool   { return true }

func (http1JSON) Configure(*pipeline.Pipeline, pipeline.Spec) error { return nil }

// wsProfile rides WebSocket frame boundaries: one text frame, one message.
type wsProfile struct{}

func (wsProfile) Name() string               { return WebSocket }
func (wsProfile) Protocol() message.Protocol { return message.ProtoWebSocket }
func (wsProfile) DefaultCodec() string       { return "json" }
func (wsProfile) SupportsDispatcher() bool   { return true }

func (wsProfile) Configure(p *pipeline.Pipeline, spec pipeline.Spec) error {
	p.AddInbound(envelopeStage{routeByType: routesByType(spec)})
	return nil
}

// udpJSON treats each datagram as one message.
type udpJSON struct{}

func (udpJSON) Name() string               { return UDPJSON }
func (udpJSON) Protocol() message.Protocol { return message.ProtoUDP }
func (udpJSON) DefaultCodec() string       { return "json" }
func (udpJSON) SupportsDispatcher() bool   { return true }

func (udpJSON) Configure(p *pipeline.Pipeline, spec pipeline.Spec) error {
	p.AddInbound(envelopeStage{routeByType: routesByType(spec)})
	return nil
}

// quicLengthJSON reuses the length-field contract over one bidirectional
// stream per connection. TLS is mandatory at the transport.
type quicLengthJSON struct{}

func (quicLengthJSON) Name() string               { return QUICLengthFieldJSON }
func (quicLengthJSON) Protocol() message.Protocol { return message.ProtoQUIC }
func (quicLengthJSON) DefaultCodec() string       { return "json" }
func (quicLengthJSON) SupportsDispatcher() bool   { return true }

func (quicLengthJSON) Configure(p *pipeline.Pipeline, spec pipeline.Spec) error {
	p.SetFramer(NewLengthFieldFramer())
	p.AddInbound(envelopeStage{routeByType: routesByType(spec)})
	return nil
}

var (
	_ pipeline.Profile = tcpLengthJSON{}
	_ pipeline.Profile = tcpLine{}
	_ pipeline.Profile = tcpRaw{}
	_ pipeline.Profile = http1JSON{}
	_ pipeline.Profile = wsProfile{}
	_ pipeline.Profile = udpJSON{}
	_ pipeline.Profile = quicLengthJSON{}
)
