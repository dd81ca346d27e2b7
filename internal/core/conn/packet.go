package conn

import (
	"net"

	"github.com/google/uuid"
)

var _ Conn = (*Packet)(nil)

// Packet adapts a datagram socket. The whole socket is one connection: every
// datagram is one message, and responses are addressed per message origin via
// WriteTo rather than the stream queue.
type Packet struct {
	base
	pc net.PacketConn
}

// NewPacket wraps a bound packet socket.
func NewPacket(pc net.PacketConn) *Packet {
	p := &Packet{pc: pc}
	p.init(uuid.NewString(), pc.Close)
	return p
}

// Write is unsupported: datagram responses need a peer. Use WriteTo.
func (p *Packet) Write([]byte) error { return ErrNoPeer }

// WriteTo sends one datagram to peer immediately; datagram sockets do not
// defer writes.
func (p *Packet) WriteTo(peer net.Addr, frame []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	_, err := p.pc.WriteTo(frame, peer)
	return err
}

// PendingBytes is always zero: there is no deferred write queue to fill.
func (p *Packet) PendingBytes() int64 { return 0 }

func (p *Packet) OnWritable(func(int64)) {}

func (p *Packet) RemoteAddr() net.Addr { return nil }

func (p *Packet) LocalAddr() net.Addr { return p.pc.LocalAddr() }
