package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/core/conn"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
)

type tcpRuntime struct {
	base
	ln net.Listener
}

func (rt *tcpRuntime) Start(context.Context) error {
	p, err := rt.asm.Assemble()
	if err != nil {
		return errors.Wrapf(err, "server %s", rt.spec.Name)
	}
	if rt.asm.Profile().Protocol() != message.ProtoTCP || p.Framer() == nil {
		return errors.Errorf("server %s: profile %q is not a tcp stream profile", rt.spec.Name, rt.spec.Profile)
	}

	addr := fmt.Sprintf("%s:%d", rt.spec.Host, rt.spec.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "server %s: listen %s", rt.spec.Name, addr)
	}
	if cfg := p.TLS(); cfg != nil {
		ln = tls.NewListener(ln, cfg)
	}
	rt.ln = ln
	rt.log.Info("tcp server listening", log.String("addr", ln.Addr().String()))
	go rt.acceptLoop()
	return nil
}

func (rt *tcpRuntime) acceptLoop() {
	for {
		nc, err := rt.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			rt.log.Warn("accept failed", log.Error(err))
			continue
		}
		go rt.serveConn(nc)
	}
}

func (rt *tcpRuntime) serveConn(nc net.Conn) {
	st := conn.NewNetStream(nc)
	p := rt.admit(st, rt.streamEgress)
	if p == nil {
		return
	}
	rt.readLoop(p, st)
}

func (rt *tcpRuntime) Stop(ctx context.Context) error {
	if rt.ln != nil {
		_ = rt.ln.Close()
	}
	rt.shutdown(ctx)
	return nil
}

func (rt *tcpRuntime) Addr() net.Addr {
	if rt.ln == nil {
		return nil
	}
	return rt.ln.Addr()
}
