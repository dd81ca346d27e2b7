// Package auth supplies the authentication building blocks the pipeline's
// auth feature composes: principals, the user-supplied authenticator
// contract, Ant-style path excludes, token-validation memoization, the
// per-connection credential state machine, and the user connection registry.
package auth

import (
	"context"
	"time"

	"github.com/gatewire/gatewire/internal/core/message"
)

// Principal identifies an authenticated peer. UserID is immutable once set;
// everything else is informational.
type Principal struct {
	UserID          string
	Username        string
	Roles           []string
	Attributes      map[string]string
	AuthenticatedAt time.Time
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Result is the outcome of one authentication attempt. Code and Message are
// surfaced to the peer on failure.
type Result struct {
	Success   bool
	Principal *Principal
	Code      string
	Message   string
}

// Granted builds a successful result.
func Granted(p *Principal) Result { return Result{Success: true, Principal: p} }

// Denied builds a failed result with a peer-visible error.
func Denied(code, message string) Result { return Result{Code: code, Message: message} }

// Authenticator validates credential material. Implementations are supplied
// by the embedding application and called synchronously from pipeline stages,
// so a slow implementation stalls that connection's pending request.
type Authenticator interface {
	AuthenticateToken(ctx context.Context, token string) Result
	AuthenticateCredential(ctx context.Context, username, password string) Result
}

// Session is the slice of a connection the registry needs: identity, an
// unsolicited-push channel for kick notices, and teardown.
type Session interface {
	ID() string
	Push(out *message.Outbound) error
	Close(reason string) error
	OnClose(fn func(reason string))
}
