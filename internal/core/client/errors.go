package client

import "github.com/pkg/errors"

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("client is closed")
	// ErrPoolExhausted means no member became available within the acquire
	// budget, or immediately under the fail-fast policy.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrRequestTimeout completes a future whose response never arrived.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrConnectionLost completes the futures pending on a member when its
	// transport dies before their responses arrive.
	ErrConnectionLost = errors.New("connection lost")
)
