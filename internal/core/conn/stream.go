package conn

import (
	"bufio"
	"io"
	"net"

	"github.com/google/uuid"
)

const readerBufSize = 16 * 1024

var _ Conn = (*Stream)(nil)

// Stream adapts any byte-stream transport (TCP socket, QUIC stream) to the
// governed Conn surface. The read side is exposed as a buffered reader for
// the profile's framer; the write side goes through the deferred queue.
type Stream struct {
	queued
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	local  net.Addr
	remote net.Addr
}

// NewStream wraps rwc and starts its writer goroutine.
func NewStream(rwc io.ReadWriteCloser, local, remote net.Addr) *Stream {
	s := &Stream{
		rwc:    rwc,
		reader: bufio.NewReaderSize(rwc, readerBufSize),
		local:  local,
		remote: remote,
	}
	s.init(uuid.NewString(), rwc.Close)
	s.initQueue()
	go s.drain(s.writeFrame)
	return s
}

// NewNetStream wraps a net.Conn, taking its addresses.
func NewNetStream(nc net.Conn) *Stream {
	return NewStream(nc, nc.LocalAddr(), nc.RemoteAddr())
}

func (s *Stream) writeFrame(frame []byte) error {
	_, err := s.rwc.Write(frame)
	return err
}

// Reader exposes the buffered read side for frame decoding. Only the
// connection's read loop may use it.
func (s *Stream) Reader() *bufio.Reader { return s.reader }

func (s *Stream) RemoteAddr() net.Addr { return s.remote }

func (s *Stream) LocalAddr() net.Addr { return s.local }
