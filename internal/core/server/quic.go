package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/gatewire/gatewire/internal/core/conn"
	"github.com/gatewire/gatewire/internal/core/feature"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
)

// quicALPN is the application protocol negotiated when the spec does not
// configure its own.
const quicALPN = "gatewire"

// quicRuntime serves the quic stream profile. Each session contributes one
// bidirectional stream that carries the framed message channel.
type quicRuntime struct {
	base
	ln     *quic.Listener
	cancel context.CancelFunc
}

func (rt *quicRuntime) Start(context.Context) error {
	p, err := rt.asm.Assemble()
	if err != nil {
		return errors.Wrapf(err, "server %s", rt.spec.Name)
	}
	if rt.asm.Profile().Protocol() != message.ProtoQUIC || p.Framer() == nil {
		return errors.Errorf("server %s: profile %q is not a quic stream profile", rt.spec.Name, rt.spec.Profile)
	}

	tlsConf := p.TLS()
	if tlsConf == nil {
		rt.log.Warn("quic requires tls and none is configured, using a self-signed development certificate")
		cert, err := feature.SelfSignedCert(rt.spec.Host)
		if err != nil {
			return errors.Wrapf(err, "server %s: self-signed certificate", rt.spec.Name)
		}
		tlsConf = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
		}
	} else {
		tlsConf = tlsConf.Clone()
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{quicALPN}
	}

	addr := fmt.Sprintf("%s:%d", rt.spec.Host, rt.spec.Port)
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return errors.Wrapf(err, "server %s: listen %s", rt.spec.Name, addr)
	}
	rt.ln = ln

	actx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.log.Info("quic server listening", log.String("addr", ln.Addr().String()))
	go rt.acceptLoop(actx)
	return nil
}

func (rt *quicRuntime) acceptLoop(ctx context.Context) {
	for {
		qc, err := rt.ln.Accept(ctx)
		if err != nil {
			return
		}
		go rt.serveSession(ctx, qc)
	}
}

// serveSession adopts the session's first bidirectional stream as the
// connection's message channel and pins the session's fate to it.
func (rt *quicRuntime) serveSession(ctx context.Context, qc *quic.Conn) {
	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		rt.log.Debug("quic session yielded no stream", log.Error(err))
		_ = qc.CloseWithError(0, "no stream")
		return
	}
	st := conn.NewStream(stream, qc.LocalAddr(), qc.RemoteAddr())
	st.OnClose(func(reason string) { _ = qc.CloseWithError(0, reason) })
	p := rt.admit(st, rt.streamEgress)
	if p == nil {
		return
	}
	rt.readLoop(p, st)
}

func (rt *quicRuntime) Stop(ctx context.Context) error {
	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.ln != nil {
		_ = rt.ln.Close()
	}
	rt.shutdown(ctx)
	return nil
}

func (rt *quicRuntime) Addr() net.Addr {
	if rt.ln == nil {
		return nil
	}
	return rt.ln.Addr()
}
