package pipeline

import (
	"crypto/tls"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/core/conn"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
)

// ErrNoEgress is returned when a response reaches the bottom of the chain and
// no transport egress was installed.
var ErrNoEgress = errors.New("pipeline: no egress installed")

// Pipeline is one connection's assembled processing chain: the byte-plane
// framer plus the ordered message-plane stages, connection hooks, and the
// optional dispatcher terminus. Assembly is single-goroutine; after Bind the
// chain is structurally frozen and only message traffic flows through it.
type Pipeline struct {
	spec Spec
	ctx  *Context

	framer     Framer
	tlsConf    *tls.Config
	inbound    []InboundStage
	outbound   []OutboundStage
	hooks      []ConnHook
	dispatcher Dispatcher
	egress     EgressFunc

	admitted  int
	closeOnce sync.Once
}

func newPipeline(spec Spec, ctx *Context) *Pipeline {
	p := &Pipeline{spec: spec, ctx: ctx}
	ctx.pipe = p
	return p
}

// Spec returns the declaration this pipeline was assembled from.
func (p *Pipeline) Spec() Spec { return p.spec }

// Context returns the connection context shared by all stages.
func (p *Pipeline) Context() *Context { return p.ctx }

// SetFramer installs the byte-plane framer. Profiles call this.
func (p *Pipeline) SetFramer(f Framer) { p.framer = f }

// Framer returns the installed framer, nil for unframed transports.
func (p *Pipeline) Framer() Framer { return p.framer }

// SetTLS installs the transport TLS configuration.
func (p *Pipeline) SetTLS(cfg *tls.Config) { p.tlsConf = cfg }

// TLS returns the transport TLS configuration, nil when plaintext.
func (p *Pipeline) TLS() *tls.Config { return p.tlsConf }

// AddInbound appends a message-plane inbound stage.
func (p *Pipeline) AddInbound(s InboundStage) { p.inbound = append(p.inbound, s) }

// AddOutbound appends an outbound stage. Outbound stages run in reverse
// registration order, mirroring the inbound walk.
func (p *Pipeline) AddOutbound(s OutboundStage) { p.outbound = append(p.outbound, s) }

// AddConnHook appends a connection admission/teardown hook.
func (p *Pipeline) AddConnHook(h ConnHook) { p.hooks = append(p.hooks, h) }

// SetDispatcher installs the chain terminus.
func (p *Pipeline) SetDispatcher(d Dispatcher) { p.dispatcher = d }

// Dispatcher returns the installed terminus, nil on raw profiles.
func (p *Pipeline) Dispatcher() Dispatcher { return p.dispatcher }

// SetEgress installs the transport write function.
func (p *Pipeline) SetEgress(fn EgressFunc) { p.egress = fn }

// Bind attaches the transport connection: the context adopts the conn's id,
// and transport teardown drives the hook unwind exactly once.
func (p *Pipeline) Bind(cn conn.Conn) {
	p.ctx.bind(cn, func(string) { p.FireClose() })
}

// FireConnect runs admission hooks in registration order. The first rejection
// unwinds the hooks that already admitted, in reverse, and returns the error;
// the caller closes the transport.
func (p *Pipeline) FireConnect() error {
	for _, h := range p.hooks {
		if err := h.OnConnect(p.ctx); err != nil {
			p.unwind()
			return err
		}
		p.admitted++
	}
	return nil
}

// FireClose unwinds the admitted hooks in reverse order, once. Both transport
// teardown and admission failure funnel here, so a hook that admitted sees
// exactly one OnClose.
func (p *Pipeline) FireClose() {
	p.closeOnce.Do(p.unwind)
}

func (p *Pipeline) unwind() {
	for i := p.admitted - 1; i >= 0; i-- {
		p.hooks[i].OnClose(p.ctx)
	}
	p.admitted = 0
}

// Fire pushes one inbound message through the chain. A stage returning
// (nil, nil) ends the walk with the stage owning the payload; a stage error
// closes the connection. Panics anywhere in the walk or dispatch are caught
// here: logged with the stack, answered with a best-effort 500 on HTTP, and
// the connection is closed.
func (p *Pipeline) Fire(in *message.Inbound) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		p.ctx.Log().Error("pipeline panic",
			log.Any("panic", r),
			log.String("route", in.RouteKey),
			log.String("stack", string(debug.Stack())),
		)
		if p.ctx.Protocol() == message.ProtoHTTP && p.egress != nil {
			_ = p.egress(p.ctx, in, message.Fail(500, "INTERNAL", "internal error"))
		}
		in.Release()
		_ = p.ctx.Close("pipeline panic")
		err = fmt.Errorf("pipeline panic: %v", r)
	}()

	for _, st := range p.inbound {
		next, serr := st.OnInbound(p.ctx, in)
		if serr != nil {
			in.Release()
			_ = p.ctx.Close("stage " + st.Name() + ": " + serr.Error())
			return errors.Wrapf(serr, "inbound stage %s", st.Name())
		}
		if next == nil {
			return nil
		}
		in = next
	}

	if p.dispatcher == nil {
		// No terminus: the chain is purely observational, nothing claimed
		// the message.
		in.Release()
		return nil
	}
	out := p.dispatcher.Dispatch(p.ctx, in)
	if out == nil {
		return nil
	}
	// The dispatcher released the payload buffer; from here only the
	// inbound's correlation fields (id, peer, origin) may be read.
	return p.Write(in, out)
}

// Write pushes a response through the outbound stages in reverse registration
// order, then hands it to the transport egress. A stage returning (nil, nil)
// suppresses the response. in may be nil for pushes.
func (p *Pipeline) Write(in *message.Inbound, out *message.Outbound) error {
	if out == nil {
		return nil
	}
	for i := len(p.outbound) - 1; i >= 0; i-- {
		st := p.outbound[i]
		next, err := st.OnOutbound(p.ctx, in, out)
		if err != nil {
			return errors.Wrapf(err, "outbound stage %s", st.Name())
		}
		if next == nil {
			return nil
		}
		out = next
	}
	if p.egress == nil {
		return ErrNoEgress
	}
	return p.egress(p.ctx, in, out)
}
