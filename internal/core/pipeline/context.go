package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/gatewire/gatewire/internal/core/codec"
	"github.com/gatewire/gatewire/internal/core/conn"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
)

// Context is the per-connection state passed through every stage: identity,
// the protocol tag, ambient attributes (principal, custom stage state), and
// the handles stages act on (reply, push, close). It replaces hidden
// side-channel storage so each stage can be tested with an injected context.
type Context struct {
	id    string
	spec  Spec
	proto message.Protocol
	codec codec.Codec
	log   log.Log
	pipe  *Pipeline
	conn  conn.Conn

	mu           sync.RWMutex
	attrs        map[string]any
	reqCtx       context.Context
	pendingClose []func(reason string)

	baseCtx context.Context
	cancel  context.CancelFunc
}

func newContext(spec Spec, cdc codec.Codec, lg log.Log) *Context {
	return &Context{
		id:    uuid.NewString(),
		spec:  spec,
		codec: cdc,
		log:   lg,
		attrs: make(map[string]any, 4),
	}
}

// ID returns the connection id. Once bound it equals the conn's id.
func (c *Context) ID() string { return c.id }

// ServerName returns the owning server (or client) name, used for
// route filtering and instrument labels.
func (c *Context) ServerName() string { return c.spec.Name }

// Spec returns the declaration this connection was assembled from.
func (c *Context) Spec() Spec { return c.spec }

// Protocol returns the wire-family tag set during assembly.
func (c *Context) Protocol() message.Protocol { return c.proto }

// SetProtocol tags the connection. The assembler calls this first.
func (c *Context) SetProtocol(p message.Protocol) { c.proto = p }

// Codec returns the payload codec selected by the profile.
func (c *Context) Codec() codec.Codec { return c.codec }

// Conn returns the transport handle, nil before Bind.
func (c *Context) Conn() conn.Conn { return c.conn }

// Log returns the connection-scoped logger.
func (c *Context) Log() log.Log { return c.log }

// Set stores an ambient attribute.
func (c *Context) Set(key string, v any) {
	c.mu.Lock()
	c.attrs[key] = v
	c.mu.Unlock()
}

// Get loads an ambient attribute.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	v, ok := c.attrs[key]
	c.mu.RUnlock()
	return v, ok
}

// Reply writes a response to the message being handled through the outbound
// half of the chain.
func (c *Context) Reply(in *message.Inbound, out *message.Outbound) error {
	return c.pipe.Write(in, out)
}

// Push writes an unsolicited message to the peer.
func (c *Context) Push(out *message.Outbound) error {
	return c.pipe.Write(nil, out)
}

// Close tears the connection down. Safe on unbound contexts.
func (c *Context) Close(reason string) error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close(reason)
}

// OnClose registers a connection-teardown listener. Listeners registered
// before Bind are attached when the connection arrives.
func (c *Context) OnClose(fn func(reason string)) {
	c.mu.Lock()
	if c.conn == nil {
		c.pendingClose = append(c.pendingClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.conn.OnClose(fn)
}

// Done is closed when the connection dies. Before Bind it returns nil,
// blocking forever, which matches an unbound test context.
func (c *Context) Done() <-chan struct{} {
	if c.baseCtx == nil {
		return nil
	}
	return c.baseCtx.Done()
}

// RequestContext returns the context for the message being handled: the
// per-request override when the transport set one (HTTP), otherwise the
// connection-lifetime context.
func (c *Context) RequestContext() context.Context {
	c.mu.RLock()
	rc := c.reqCtx
	c.mu.RUnlock()
	if rc != nil {
		return rc
	}
	if c.baseCtx != nil {
		return c.baseCtx
	}
	return context.Background()
}

// SetRequestContext installs a per-request context override; nil clears it.
func (c *Context) SetRequestContext(ctx context.Context) {
	c.mu.Lock()
	c.reqCtx = ctx
	c.mu.Unlock()
}

func (c *Context) bind(cn conn.Conn, firePipelineClose func(reason string)) {
	c.mu.Lock()
	c.conn = cn
	c.id = cn.ID()
	c.log = c.log.With(log.String("conn", c.id))
	c.baseCtx, c.cancel = context.WithCancel(context.Background())
	pending := c.pendingClose
	c.pendingClose = nil
	c.mu.Unlock()

	cn.OnClose(func(reason string) {
		c.cancel()
		firePipelineClose(reason)
	})
	for _, fn := range pending {
		cn.OnClose(fn)
	}
}
