// Package message defines the values that flow through connection pipelines:
// the per-request Inbound, the terminal Outbound, the JSON wire envelope, and
// the pooled payload buffers whose ownership moves with the message.
package message

import (
	"net"
	"sync/atomic"
	"time"
)

// Protocol tags a connection's wire family. Stages use it to shape error
// responses (HTTP gets status codes, message streams get error envelopes).
type Protocol string

const (
	ProtoTCP       Protocol = "tcp"
	ProtoUDP       Protocol = "udp"
	ProtoHTTP      Protocol = "http"
	ProtoWebSocket Protocol = "websocket"
	ProtoQUIC      Protocol = "quic"
)

// Inbound is one decoded request. It lives for a single dispatch cycle: the
// transport adapter creates it, pipeline stages may consume or transform it,
// and whoever stops its forward progress releases its pooled buffer.
type Inbound struct {
	Proto    Protocol
	ID       string
	RouteKey string
	Method   string
	Headers  map[string]string
	Query    map[string]string

	// ReceivedAt is stamped by the transport adapter when the frame arrives.
	ReceivedAt time.Time

	// Peer is the datagram origin; only UDP adapters set it and only the UDP
	// egress reads it.
	Peer net.Addr

	// Origin is an opaque per-request transport handle (the HTTP adapter
	// stores the response writer here). Stages must not touch it.
	Origin any

	// Body is set when the payload already carries a typed value (client-side
	// push handlers, tests). When nil, the raw bytes below are authoritative.
	Body any

	raw []byte
	buf *Buffer
}

// SetRaw attaches an unpooled payload.
func (in *Inbound) SetRaw(p []byte) { in.raw = p; in.buf = nil }

// SetBuffer attaches a pooled payload. The Inbound takes ownership; Release
// must be called exactly once on whichever path stops forwarding the message.
func (in *Inbound) SetBuffer(b *Buffer) { in.buf = b; in.raw = b.Bytes() }

// SetPayloadView narrows the visible payload to a slice of the attached
// buffer (the envelope's payload field) without giving up buffer ownership.
func (in *Inbound) SetPayloadView(p []byte) { in.raw = p }

// Payload returns the raw payload bytes, whichever backing form is attached.
func (in *Inbound) Payload() []byte { return in.raw }

// Release returns the pooled buffer, if any. It reports whether this call
// performed the release; subsequent calls are no-ops.
func (in *Inbound) Release() bool {
	if in.buf == nil {
		return false
	}
	return in.buf.Release()
}

// Header returns a header value or "".
func (in *Inbound) Header(key string) string {
	if in.Headers == nil {
		return ""
	}
	return in.Headers[key]
}

// Outbound is the normalized response: an HTTP-style status code that is
// meaningful as a logical outcome even off HTTP, and a payload. Written once,
// then discarded.
type Outbound struct {
	Status  int
	Payload any
	Headers map[string]string
}

// ErrorBody is the structured error payload carried by failure responses.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OK wraps a payload in a 200 outcome.
func OK(payload any) *Outbound {
	return &Outbound{Status: 200, Payload: payload}
}

// Fail builds a status-coded error outcome.
func Fail(status int, code, msg string) *Outbound {
	return &Outbound{Status: status, Payload: ErrorBody{Code: code, Message: msg}}
}

// SetHeader sets a response header (HTTP transports only).
func (o *Outbound) SetHeader(key, value string) {
	if o.Headers == nil {
		o.Headers = make(map[string]string, 2)
	}
	o.Headers[key] = value
}

// IsError reports whether the outcome is a failure (status >= 400).
func (o *Outbound) IsError() bool { return o.Status >= 400 }

// counterID hands out cheap sequence numbers for anonymous inbounds (UDP
// datagrams, pushes) so logs can correlate a message without a wire id.
var counterID atomic.Uint64

// NextSeq returns a process-unique message sequence number.
func NextSeq() uint64 { return counterID.Add(1) }
