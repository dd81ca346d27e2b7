// Package client is the public Go SDK for gatewire servers. It is a thin
// typed facade over the pooled core client: Call correlates one request with
// one decoded reply, Notify fires and forgets, OnPush receives server pushes.
// Correlation rides the JSON envelope, so Call needs one of the enveloped
// profiles; raw byte profiles are one-way from the client's side.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gatewire/gatewire/internal/config"
	core "github.com/gatewire/gatewire/internal/core/client"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/profile"
)

// Config declares one logical client connection. Address is required;
// everything else has a working default.
type Config struct {
	Name      string // label for logs and metrics; defaults to the address
	Address   string // host:port of the server
	Transport string // tcp, udp, http or quic; defaults to tcp
	Profile   string // wire profile; defaults to the transport's JSON profile
	WSPath    string // websocket path on the http transport

	PoolSize       int           // member connections; default 1
	FailFast       bool          // error instead of waiting when the pool is busy
	AcquireTimeout time.Duration // wait bound when FailFast is off
	RequestTimeout time.Duration // per-request response deadline

	Reconnect        bool          // redial lost members with exponential backoff
	ReconnectInitial time.Duration // first redial delay
	ReconnectMax     time.Duration // backoff ceiling
	MaxRetries       int           // -1 retries forever

	HeartbeatInterval time.Duration // 0 disables the heartbeat
	HeartbeatTimeout  time.Duration
	HeartbeatPayload  string

	TLS      *tls.Config // nil resolves from the profile's ssl feature
	LogLevel string      // debug, info, warn or error; default info
}

// DefaultConfig returns a config for a local TCP server with reconnect and
// heartbeat on.
func DefaultConfig() Config {
	return Config{
		Address:           "127.0.0.1:8080",
		Transport:         "tcp",
		PoolSize:          1,
		RequestTimeout:    5 * time.Second,
		Reconnect:         true,
		ReconnectInitial:  time.Second,
		ReconnectMax:      30 * time.Second,
		MaxRetries:        -1,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		LogLevel:          "info",
	}
}

func (c Config) spec() config.ClientSpec {
	host, port := splitAddr(c.Address)
	name := c.Name
	if name == "" {
		name = c.Address
	}
	transport := config.Transport(c.Transport)
	if transport == "" {
		transport = config.TransportTCP
	}
	prof := c.Profile
	if prof == "" {
		prof = defaultProfile(transport)
	}
	spec := config.ClientSpec{
		Name:      name,
		Transport: transport,
		Host:      host,
		Port:      port,
		Profile:   prof,
		WSPath:    c.WSPath,
	}
	if c.PoolSize > 0 || c.AcquireTimeout > 0 || c.FailFast {
		spec.Pool = &config.PoolSpec{
			MaxConnections:   c.PoolSize,
			AcquireTimeoutMs: c.AcquireTimeout.Milliseconds(),
			FailFast:         c.FailFast,
		}
	}
	if c.Reconnect {
		spec.Reconnect = &config.ReconnectSpec{
			Enabled:        true,
			InitialDelayMs: c.ReconnectInitial.Milliseconds(),
			MaxDelayMs:     c.ReconnectMax.Milliseconds(),
			MaxRetries:     c.MaxRetries,
		}
	}
	if c.HeartbeatInterval > 0 {
		spec.Heartbeat = &config.HeartbeatSpec{
			Enabled:    true,
			IntervalMs: c.HeartbeatInterval.Milliseconds(),
			TimeoutMs:  c.HeartbeatTimeout.Milliseconds(),
			Payload:    c.HeartbeatPayload,
		}
	}
	if c.RequestTimeout > 0 {
		spec.Request = &config.RequestSpec{TimeoutMs: c.RequestTimeout.Milliseconds()}
	}
	return spec
}

func defaultProfile(t config.Transport) string {
	switch t {
	case config.TransportUDP:
		return profile.UDPJSON
	case config.TransportHTTP:
		return profile.WebSocket
	case config.TransportQUIC:
		return profile.QUICLengthFieldJSON
	default:
		return profile.TCPLengthFieldJSON
	}
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// Validation reports the missing port under the client's name.
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Client is a connection to one gatewire server. All methods are safe for
// concurrent use; every request draws a member from the pool.
type Client struct {
	core *core.Client
}

// New builds a client from cfg. Nothing is dialed until Connect or the
// first request.
func New(cfg Config) (*Client, error) {
	doc := &config.Config{Clients: []config.ClientSpec{cfg.spec()}}
	doc.Normalize()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	level := log.LevelInfo
	if cfg.LogLevel != "" {
		level = log.ParseLevel(cfg.LogLevel)
	}
	cc, err := core.New(&doc.Clients[0], core.Options{Log: log.New(level), TLS: cfg.TLS})
	if err != nil {
		return nil, err
	}
	return &Client{core: cc}, nil
}

// Connect warms the pool with one member so the first Call does not pay the
// dial. Optional; requests dial on demand.
func (c *Client) Connect(ctx context.Context) error { return c.core.Connect(ctx) }

// Call sends args to route and decodes the reply payload into out. A nil out
// discards the payload. An error reply from a handler surfaces as
// *ServerError; transport failures, pool exhaustion and timeouts keep their
// sentinel errors.
func (c *Client) Call(ctx context.Context, route string, args, out any) error {
	env, err := c.core.Call(ctx, route, args)
	if err != nil {
		return err
	}
	if env.Success != nil && !*env.Success {
		se := &ServerError{Code: "ERROR", Message: "request failed"}
		if env.Error != nil {
			se.Code = env.Error.Code
			se.Message = env.Error.Message
		}
		return se
	}
	return decodePayload(env.Payload, out)
}

// Call sends args to route and returns the reply decoded as T.
func Call[T any](ctx context.Context, c *Client, route string, args any) (T, error) {
	var out T
	err := c.Call(ctx, route, args, &out)
	return out, err
}

// Notify sends args to route without waiting for an answer.
func (c *Client) Notify(ctx context.Context, route string, args any) error {
	return c.core.Notify(ctx, route, args)
}

// Push is a server-initiated message.
type Push struct {
	Type    string
	Payload json.RawMessage
}

// Decode unmarshals the push payload into v.
func (p Push) Decode(v any) error { return json.Unmarshal(p.Payload, v) }

// OnPush registers fn for pushes of the given type; an empty type matches
// every push. Handlers run on the connection read goroutine and must not
// block.
func (c *Client) OnPush(typ string, fn func(Push)) {
	c.core.OnPush(typ, func(env *message.Envelope) {
		fn(Push{Type: env.Type, Payload: env.Payload})
	})
}

// Live reports how many member connections are currently open.
func (c *Client) Live() int { return c.core.Live() }

// Close tears down the pool and stops reconnect, heartbeat and sweep loops.
// Pending calls fail with ErrConnectionLost.
func (c *Client) Close() error { return c.core.Close() }

func decodePayload(payload json.RawMessage, out any) error {
	if out == nil || len(payload) == 0 {
		return nil
	}
	switch v := out.(type) {
	case *json.RawMessage:
		*v = append((*v)[:0], payload...)
		return nil
	case *[]byte:
		*v = append((*v)[:0], payload...)
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}
