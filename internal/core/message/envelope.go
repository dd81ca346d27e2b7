package message

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Envelope is the JSON wire shape carried by message-type routed streams.
// Requests arrive as {"id","type","payload"}; responses leave as
// {"id","success","payload"} or {"id","success":false,"error":{...}}. The
// Success pointer distinguishes the two on connections that carry both
// directions (clients see responses and server pushes on one stream).
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// IsReply reports whether the envelope is a response frame rather than a
// request or push.
func (e *Envelope) IsReply() bool { return e.Success != nil }

// DecodeEnvelope parses one wire frame. A full JSON parse, not a substring
// scan: a payload string containing literal "type" text must not change the
// route.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	return &e, nil
}

// Reply is the outbound response envelope built from a normalized Outbound.
type Reply struct {
	ID      string     `json:"id,omitempty"`
	Success bool       `json:"success"`
	Payload any        `json:"payload,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// NewReply maps an Outbound onto the wire response shape: sub-400 outcomes
// carry the payload, everything else carries a structured error.
func NewReply(id string, out *Outbound) Reply {
	r := Reply{ID: id, Success: !out.IsError()}
	if r.Success {
		r.Payload = out.Payload
		return r
	}
	switch body := out.Payload.(type) {
	case ErrorBody:
		r.Error = &body
	case *ErrorBody:
		r.Error = body
	default:
		r.Error = &ErrorBody{Code: "ERROR", Message: toString(body)}
	}
	return r
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case error:
		return s.Error()
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// Request builds a request envelope frame for an outbound client call.
func Request(id, routeType string, payload json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(Envelope{ID: id, Type: routeType, Payload: payload})
	if err != nil {
		return nil, errors.Wrap(err, "encode request envelope")
	}
	return data, nil
}

// ErrorFrame hand-builds a {"success":false,"error":{...}} frame without
// going through any codec, for failure paths that must not themselves fail.
func ErrorFrame(id, code, msg string) []byte {
	buf := make([]byte, 0, 64+len(id)+len(code)+len(msg))
	buf = append(buf, '{')
	if id != "" {
		buf = append(buf, `"id":`...)
		buf = AppendJSONString(buf, id)
		buf = append(buf, ',')
	}
	buf = append(buf, `"success":false,"error":{"code":`...)
	buf = AppendJSONString(buf, code)
	buf = append(buf, `,"message":`...)
	buf = AppendJSONString(buf, msg)
	buf = append(buf, `}}`...)
	return buf
}

// TypeHeader names the outbound header that carries the push type for
// server-initiated messages. Egress adapters map it onto the envelope's
// "type" field; it never reaches HTTP response headers.
const TypeHeader = "x-message-type"

// PushFrame hand-builds a {"type":...,"payload":{...}} push frame from
// pre-encoded payload JSON.
func PushFrame(typ string, payload []byte) []byte {
	buf := make([]byte, 0, 32+len(typ)+len(payload))
	buf = append(buf, `{"type":`...)
	buf = AppendJSONString(buf, typ)
	if len(payload) > 0 {
		buf = append(buf, `,"payload":`...)
		buf = append(buf, payload...)
	}
	buf = append(buf, '}')
	return buf
}

// AppendJSONString appends s to dst as a quoted JSON string, escaping quote,
// backslash, newline, carriage return, tab and any other control byte.
func AppendJSONString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			dst = append(dst, '\\', '"')
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		default:
			if c < 0x20 {
				const hex = "0123456789abcdef"
				dst = append(dst, '\\', 'u', '0', '0', hex[c>>4], hex[c&0xf])
			} else {
				dst = append(dst, c)
			}
		}
	}
	return append(dst, '"')
}
