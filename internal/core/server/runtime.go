package server

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/config"
	"github.com/gatewire/gatewire/internal/core/codec"
	"github.com/gatewire/gatewire/internal/core/conn"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
	"github.com/gatewire/gatewire/internal/metrics"
)

// drainPoll is how often shutdown re-checks the live connection count while
// waiting for the drain deadline.
const drainPoll = 25 * time.Millisecond

// base carries what every runtime kind shares: the spec, the per-connection
// assembler, connection tracking for shutdown, and instrument handles.
type base struct {
	spec  *config.ServerSpec
	asm   *pipeline.Assembler
	log   log.Log
	reg   *metrics.Registry
	clk   clock.Clock
	conns tracker
}

func (b *base) Name() string { return b.spec.Name }

// admit assembles a pipeline for cn, binds it, and runs admission. A nil
// return means the connection was refused and already closed.
func (b *base) admit(cn conn.Conn, egress func(*pipeline.Pipeline) pipeline.EgressFunc) *pipeline.Pipeline {
	p, err := b.asm.Assemble()
	if err != nil {
		b.log.Error("pipeline assembly failed", log.Error(err))
		b.dropped("assembly")
		_ = cn.Close("pipeline assembly failed")
		return nil
	}
	p.SetEgress(egress(p))
	p.Bind(cn)
	b.conns.add(cn)
	if err := p.FireConnect(); err != nil {
		b.log.Info("connection refused",
			log.String("remote", remoteString(cn)),
			log.Error(err),
		)
		b.dropped("rejected")
		_ = cn.Close("refused: " + err.Error())
		return nil
	}
	return p
}

// readLoop pumps framed messages into the pipeline until the connection
// dies. Stage and dispatch failures close the connection inside Fire; they
// surface here as an error return or as the next read failing.
func (b *base) readLoop(p *pipeline.Pipeline, st *conn.Stream) {
	framer := p.Framer()
	proto := p.Context().Protocol()
	for {
		if err := st.AwaitReadable(context.Background()); err != nil {
			return
		}
		buf, err := framer.ReadFrame(st.Reader())
		if err != nil {
			b.closeOnReadErr(st, err)
			return
		}
		in := &message.Inbound{Proto: proto, ReceivedAt: b.clk.Now()}
		in.SetBuffer(buf)
		if err := p.Fire(in); err != nil {
			return
		}
	}
}

func (b *base) closeOnReadErr(cn conn.Conn, err error) {
	if cn.Closed() || errors.Is(err, io.EOF) || errors.Is(err, conn.ErrClosed) {
		_ = cn.Close("peer closed connection")
		return
	}
	b.log.Debug("read failed", log.String("conn", cn.ID()), log.Error(err))
	_ = cn.Close("read failed: " + err.Error())
}

// streamEgress writes replies and pushes back over the connection itself,
// framed for the wire when the profile frames.
func (b *base) streamEgress(p *pipeline.Pipeline) pipeline.EgressFunc {
	framer := p.Framer()
	return func(ctx *pipeline.Context, in *message.Inbound, out *message.Outbound) error {
		frame := encodeWireFrame(ctx.Codec(), in, out, b.log)
		if frame == nil {
			return nil
		}
		if framer != nil {
			var err error
			frame, err = framer.EncodeFrame(frame)
			if err != nil {
				return errors.Wrap(err, "encode frame")
			}
		}
		if err := ctx.Conn().Write(frame); err != nil {
			return err
		}
		b.wroteBytes(len(frame))
		return nil
	}
}

// shutdown drains live connections: a quiet period first, then polling until
// the tracker empties, force-closing whatever remains at the hard deadline.
func (b *base) shutdown(ctx context.Context) {
	sd := b.spec.Shutdown
	if sd == nil {
		b.forceClose()
		return
	}
	deadline := b.clk.After(sd.Timeout())
	if quiet := sd.QuietPeriod(); quiet > 0 {
		select {
		case <-b.clk.After(quiet):
		case <-ctx.Done():
			b.forceClose()
			return
		}
	}
	tick := b.clk.Ticker(drainPoll)
	defer tick.Stop()
	for b.conns.len() > 0 {
		select {
		case <-tick.C:
		case <-deadline:
			b.forceClose()
			return
		case <-ctx.Done():
			b.forceClose()
			return
		}
	}
}

func (b *base) forceClose() {
	n := b.conns.closeAll("server shutdown")
	if n == 0 {
		return
	}
	b.log.Warn("force-closed connections at shutdown", log.Int("count", n))
	if b.reg != nil {
		b.reg.ConnectionsDropped.WithLabelValues(b.spec.Name, "shutdown").Add(float64(n))
	}
}

func (b *base) dropped(cause string) {
	if b.reg != nil {
		b.reg.ConnectionsDropped.WithLabelValues(b.spec.Name, cause).Inc()
	}
}

func (b *base) wroteBytes(n int) {
	if b.reg != nil {
		b.reg.BytesOut.WithLabelValues(b.spec.Name).Add(float64(n))
	}
}

// encodeWireFrame shapes a normalized outcome for a message channel: a reply
// envelope when answering, a typed push frame otherwise. Reply encode
// failures degrade to a hand-built error frame so the peer always hears
// back; push encode failures drop the push. Channels without a codec pass
// byte and string payloads through untouched.
func encodeWireFrame(cdc codec.Codec, in *message.Inbound, out *message.Outbound, lg log.Log) []byte {
	if cdc == nil {
		switch v := out.Payload.(type) {
		case []byte:
			return v
		case string:
			return []byte(v)
		case nil:
			return nil
		default:
			lg.Error("raw channel cannot encode payload", log.Any("payload", v))
			return nil
		}
	}
	if in != nil {
		data, err := cdc.Encode(message.NewReply(in.ID, out))
		if err != nil {
			lg.Error("reply encode failed", log.String("route", in.RouteKey), log.Error(err))
			return message.ErrorFrame(in.ID, "ENCODE_FAILED", "response encoding failed")
		}
		return data
	}
	typ := out.Headers[message.TypeHeader]
	if typ == "" {
		typ = "push"
	}
	var payload []byte
	if out.Payload != nil {
		var err error
		payload, err = cdc.Encode(out.Payload)
		if err != nil {
			lg.Error("push encode failed", log.String("type", typ), log.Error(err))
			return nil
		}
	}
	return message.PushFrame(typ, payload)
}

func remoteString(cn conn.Conn) string {
	if addr := cn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// tracker indexes live connections so shutdown can watch and force them.
type tracker struct {
	mu    sync.Mutex
	conns map[string]conn.Conn
}

func (t *tracker) add(cn conn.Conn) {
	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[string]conn.Conn, 16)
	}
	t.conns[cn.ID()] = cn
	t.mu.Unlock()
	id := cn.ID()
	cn.OnClose(func(string) { t.remove(id) })
}

func (t *tracker) remove(id string) {
	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *tracker) closeAll(reason string) int {
	t.mu.Lock()
	live := make([]conn.Conn, 0, len(t.conns))
	for _, cn := range t.conns {
		live = append(live, cn)
	}
	t.mu.Unlock()
	for _, cn := range live {
		_ = cn.Close(reason)
	}
	return len(live)
}
