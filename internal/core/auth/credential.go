package auth

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// State is one connection's position in the credential handshake.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// CredSession tracks one connection's credential handshake: an atomic state
// word, the principal once granted, and the authentication deadline. The
// deadline timer is stopped exactly once, by whichever of handshake
// completion or connection close happens first, so it can never fire into
// a torn-down connection.
type CredSession struct {
	state     atomic.Int32
	principal atomic.Pointer[Principal]

	timer    *clock.Timer
	stopOnce sync.Once
}

// NewCredSession starts the handshake clock. A non-positive timeout disables
// the deadline; otherwise onTimeout runs on the injected clock when no
// credential message arrived in time.
func NewCredSession(clk clock.Clock, timeout time.Duration, onTimeout func()) *CredSession {
	s := &CredSession{}
	if timeout > 0 {
		s.timer = clk.AfterFunc(timeout, onTimeout)
	}
	return s
}

// State returns the current handshake state.
func (s *CredSession) State() State { return State(s.state.Load()) }

// Principal returns the granted principal, nil before authentication.
func (s *CredSession) Principal() *Principal { return s.principal.Load() }

// Begin claims the handshake for an arriving credential message, moving
// unauthenticated to authenticating. It reports false when another message
// already claimed it or the session is already authenticated.
func (s *CredSession) Begin() bool {
	return s.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateAuthenticating))
}

// Grant lands the handshake in its terminal authenticated state and stops
// the deadline.
func (s *CredSession) Grant(p *Principal) {
	s.principal.Store(p)
	s.state.Store(int32(StateAuthenticated))
	s.StopTimer()
}

// Reject returns a failed handshake to unauthenticated so the peer may retry.
// The deadline was already consumed by the attempt.
func (s *CredSession) Reject() {
	s.state.Store(int32(StateUnauthenticated))
	s.StopTimer()
}

// StopTimer cancels the authentication deadline and reports whether this call
// performed the cancellation. Later calls are no-ops.
func (s *CredSession) StopTimer() bool {
	performed := false
	s.stopOnce.Do(func() {
		performed = true
		if s.timer != nil {
			s.timer.Stop()
		}
	})
	return performed
}
