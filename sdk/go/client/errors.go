package client

import (
	"fmt"

	core "github.com/gatewire/gatewire/internal/core/client"
)

// Sentinels shared with the core client, so errors.Is works across the
// facade boundary.
var (
	// ErrClosed fires on any operation after Close.
	ErrClosed = core.ErrClosed
	// ErrPoolExhausted fires when no member frees up inside the acquire
	// window, or immediately under FailFast.
	ErrPoolExhausted = core.ErrPoolExhausted
	// ErrRequestTimeout fires when no response arrives inside RequestTimeout.
	ErrRequestTimeout = core.ErrRequestTimeout
	// ErrConnectionLost fails every call still pending on a dead member.
	ErrConnectionLost = core.ErrConnectionLost
)

// ServerError is an application-level failure: the request reached the
// server and the server answered with an error reply. Code is the wire
// error code, "NOT_FOUND" or "HANDLER_ERROR" for the built-in outcomes.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}
