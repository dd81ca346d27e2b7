package pipeline

import (
	"bufio"

	"github.com/benbjohnson/clock"

	"github.com/gatewire/gatewire/internal/core/auth"
	"github.com/gatewire/gatewire/internal/core/codec"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/metrics"
)

// Features with an order below GovernanceBand (transport wrapping, connection
// admission) are applied before the profile's framing; everything at or above
// it runs on the framed message plane after the profile.
const GovernanceBand = 200

// InboundStage handles one inbound message. Returning (nil, nil) stops the
// message's forward progress; the stage then owns releasing any pooled
// payload. A non-nil error is connection-fatal.
type InboundStage interface {
	Name() string
	OnInbound(ctx *Context, in *message.Inbound) (*message.Inbound, error)
}

// OutboundStage transforms a response on its way back down the chain. Stages
// run in reverse registration order. in is the message being answered and may
// be nil for pushes. Returning (nil, nil) drops the response.
type OutboundStage interface {
	Name() string
	OnOutbound(ctx *Context, in *message.Inbound, out *message.Outbound) (*message.Outbound, error)
}

// ConnHook observes the connection's admission and teardown. An OnConnect
// error rejects the connection; OnClose runs exactly once for every hook that
// admitted it.
type ConnHook interface {
	OnConnect(ctx *Context) error
	OnClose(ctx *Context)
}

// Framer is the byte-plane contract a profile installs: split the inbound
// stream into frames and wrap outbound payloads.
type Framer interface {
	// ReadFrame reads the next frame into a pooled buffer. The caller takes
	// ownership of the buffer.
	ReadFrame(r *bufio.Reader) (*message.Buffer, error)
	// EncodeFrame wraps one payload into its wire form.
	EncodeFrame(payload []byte) ([]byte, error)
}

// Dispatcher is the business terminus: resolve, invoke, normalize. A nil
// return means no response is written.
type Dispatcher interface {
	Dispatch(ctx *Context, in *message.Inbound) *message.Outbound
}

// EgressFunc encodes one normalized response onto the wire. in is the message
// being answered (nil for pushes); transports use it for per-request
// addressing.
type EgressFunc func(ctx *Context, in *message.Inbound, out *message.Outbound) error

// Profile is a named, stateless template selecting the framing and codec for
// one protocol stack.
type Profile interface {
	Name() string
	// Protocol tags assembled connections for error formatting and
	// rate-limit response shaping.
	Protocol() message.Protocol
	// DefaultCodec names the codec applied after framing.
	DefaultCodec() string
	// SupportsDispatcher reports whether a dispatcher stage belongs at the
	// end of the chain. Raw profiles hand control to custom configurers.
	SupportsDispatcher() bool
	Configure(p *Pipeline, spec Spec) error
}

// ProfileSource resolves profile names at assembly time.
type ProfileSource interface {
	Required(name string) (Profile, error)
}

// Feature is one togglable pipeline-stage suite. Instances are bound to a
// single listener or client and may carry per-listener state; Configure runs
// once per connection.
type Feature interface {
	Name() string
	Order() int
	Enabled(spec Spec) bool
	Configure(p *Pipeline, spec Spec) error
}

// FeatureSource materializes one fresh feature set per listener.
type FeatureSource interface {
	Instantiate(env Env) []Feature
}

// Configurer is a user-supplied pipeline extension applied after the built-in
// chain, in ascending order.
type Configurer interface {
	Order() int
	Supports(spec Spec) bool
	Configure(p *Pipeline, spec Spec) error
}

// Env bundles the shared collaborators features and profiles draw on.
type Env struct {
	Log           log.Log
	Metrics       *metrics.Registry
	Clock         clock.Clock
	Codecs        *codec.Registry
	Authenticator auth.Authenticator
	Connections   *auth.ConnectionManager
}
