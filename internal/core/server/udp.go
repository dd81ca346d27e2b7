package server

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/core/conn"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
)

// maxDatagram bounds a single read; larger datagrams are truncated by the
// kernel, which UDP peers must already tolerate.
const maxDatagram = 64 * 1024

// udpRuntime treats the socket as one connection shared by every peer, the
// way a datagram channel is. Each datagram runs the full pipeline with the
// sender carried on the message, and replies are addressed back to it.
type udpRuntime struct {
	base
	pc   net.PacketConn
	pkt  *conn.Packet
	pipe *pipeline.Pipeline
	wg   sync.WaitGroup
}

func (rt *udpRuntime) Start(context.Context) error {
	p, err := rt.asm.Assemble()
	if err != nil {
		return errors.Wrapf(err, "server %s", rt.spec.Name)
	}
	if rt.asm.Profile().Protocol() != message.ProtoUDP {
		return errors.Errorf("server %s: profile %q is not a datagram profile", rt.spec.Name, rt.spec.Profile)
	}

	addr := fmt.Sprintf("%s:%d", rt.spec.Host, rt.spec.Port)
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "server %s: listen %s", rt.spec.Name, addr)
	}
	rt.pc = pc
	rt.pkt = conn.NewPacket(pc)

	p.SetEgress(rt.datagramEgress)
	p.Bind(rt.pkt)
	if err := p.FireConnect(); err != nil {
		_ = rt.pkt.Close("refused: " + err.Error())
		return errors.Wrapf(err, "server %s: socket admission", rt.spec.Name)
	}
	rt.pipe = p

	workers := 0
	if rt.spec.Threads != nil {
		workers = rt.spec.Threads.Worker
	}
	if workers <= 0 {
		workers = 2 * runtime.GOMAXPROCS(0)
	}
	for i := 0; i < workers; i++ {
		rt.wg.Add(1)
		go rt.readDatagrams()
	}
	rt.log.Info("udp server listening",
		log.String("addr", pc.LocalAddr().String()),
		log.Int("workers", workers),
	)
	return nil
}

func (rt *udpRuntime) readDatagrams() {
	defer rt.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := rt.pc.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !rt.pkt.Closed() {
				rt.log.Debug("datagram read failed", log.Error(err))
			}
			return
		}
		b := message.GetBuffer(n)
		copy(b.Bytes(), buf[:n])
		in := &message.Inbound{
			Proto:      message.ProtoUDP,
			Peer:       peer,
			ReceivedAt: rt.clk.Now(),
		}
		in.SetBuffer(b)
		_ = rt.pipe.Fire(in)
	}
}

func (rt *udpRuntime) datagramEgress(ctx *pipeline.Context, in *message.Inbound, out *message.Outbound) error {
	if in == nil || in.Peer == nil {
		return conn.ErrNoPeer
	}
	frame := encodeWireFrame(ctx.Codec(), in, out, rt.log)
	if frame == nil {
		return nil
	}
	if err := rt.pkt.WriteTo(in.Peer, frame); err != nil {
		return err
	}
	rt.wroteBytes(len(frame))
	return nil
}

func (rt *udpRuntime) Stop(context.Context) error {
	if rt.pkt != nil {
		_ = rt.pkt.Close("server shutdown")
	}
	rt.wg.Wait()
	return nil
}

func (rt *udpRuntime) Addr() net.Addr {
	if rt.pc == nil {
		return nil
	}
	return rt.pc.LocalAddr()
}
