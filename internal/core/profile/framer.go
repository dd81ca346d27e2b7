// Package profile supplies the built-in protocol profiles: named, stateless
// templates that install framing and payload decoding onto a pipeline, plus
// the registry that resolves profile names at startup.
package profile

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/core/message"
)

const (
	// MaxLengthFrame caps length-field frames at 1 MiB.
	MaxLengthFrame = 1 << 20
	// MaxLineLength caps delimited lines at 8 KiB, delimiter excluded.
	MaxLineLength = 8192

	rawChunkSize = 4096
)

var (
	ErrFrameTooLarge = errors.New("profile: frame exceeds maximum size")
	ErrLineTooLong   = errors.New("profile: line exceeds maximum length")
)

// LengthFieldFramer frames messages as [4-byte big-endian length][payload],
// the length excluding itself.
type LengthFieldFramer struct {
	// MaxFrame overrides the 1 MiB frame cap when positive.
	MaxFrame int
}

// NewLengthFieldFramer returns a framer with the default cap.
func NewLengthFieldFramer() *LengthFieldFramer { return &LengthFieldFramer{} }

func (f *LengthFieldFramer) cap() int {
	if f.MaxFrame > 0 {
		return f.MaxFrame
	}
	return MaxLengthFrame
}

func (f *LengthFieldFramer) ReadFrame(r *bufio.Reader) (*message.Buffer, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if int64(n) > int64(f.cap()) {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", n)
	}
	buf := message.GetBuffer(int(n))
	if _, err := io.ReadFull(r, buf.Bytes()); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}

func (f *LengthFieldFramer) EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > f.cap() {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(payload))
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

// LineFramer frames messages as single lines terminated by LF or CRLF.
// Encoded frames carry a trailing LF; payloads must not contain the
// delimiter.
type LineFramer struct {
	// MaxLine overrides the 8 KiB line cap when positive.
	MaxLine int
}

// NewLineFramer returns a framer with the default cap.
func NewLineFramer() *LineFramer { return &LineFramer{} }

func (f *LineFramer) cap() int {
	if f.MaxLine > 0 {
		return f.MaxLine
	}
	return MaxLineLength
}

func (f *LineFramer) ReadFrame(r *bufio.Reader) (*message.Buffer, error) {
	max := f.cap()
	buf := message.GetBuffer(0)
	for {
		chunk, err := r.ReadSlice('\n')
		if len(chunk) > 0 {
			cur := buf.Len()
			copy(buf.Resize(cur+len(chunk))[cur:], chunk)
		}
		if err == bufio.ErrBufferFull {
			if buf.Len() > max {
				buf.Release()
				return nil, errors.Wrapf(ErrLineTooLong, "%d bytes and no delimiter", buf.Len())
			}
			continue
		}
		if err != nil {
			buf.Release()
			return nil, err
		}
		break
	}
	line := buf.Bytes()
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if len(line) > max {
		buf.Release()
		return nil, errors.Wrapf(ErrLineTooLong, "%d bytes", len(line))
	}
	buf.Resize(len(line))
	return buf, nil
}

func (f *LineFramer) EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > f.cap() {
		return nil, errors.Wrapf(ErrLineTooLong, "%d bytes", len(payload))
	}
	out := make([]byte, len(payload)+1)
	copy(out, payload)
	out[len(payload)] = '\n'
	return out, nil
}

// RawFramer passes bytes through unframed: each read yields whatever chunk
// the transport delivered.
type RawFramer struct{}

func (RawFramer) ReadFrame(r *bufio.Reader) (*message.Buffer, error) {
	buf := message.GetBuffer(rawChunkSize)
	n, err := r.Read(buf.Bytes())
	if err != nil {
		buf.Release()
		return nil, err
	}
	buf.Resize(n)
	return buf, nil
}

func (RawFramer) EncodeFrame(payload []byte) ([]byte, error) { return payload, nil }
