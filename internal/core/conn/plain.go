package conn

import (
	"net"

	"github.com/google/uuid"
)

var _ Conn = (*Plain)(nil)

// Plain wraps a connection whose I/O is owned elsewhere (the HTTP server's
// request machinery). It exists so connection-scoped governance such as
// limits, auth state, and forced closes has a handle to act on.
type Plain struct {
	base
	nc net.Conn
}

// NewPlain wraps nc without taking over its reads or writes.
func NewPlain(nc net.Conn) *Plain {
	p := &Plain{nc: nc}
	p.init(uuid.NewString(), nc.Close)
	return p
}

// Write is unsupported: responses travel through the owning server's writer.
func (p *Plain) Write([]byte) error { return ErrWriteUnsupported }

func (p *Plain) PendingBytes() int64 { return 0 }

func (p *Plain) OnWritable(func(int64)) {}

func (p *Plain) RemoteAddr() net.Addr { return p.nc.RemoteAddr() }

func (p *Plain) LocalAddr() net.Addr { return p.nc.LocalAddr() }
