package auth

import (
	"context"
	"time"
)

// Static is an in-memory Authenticator for examples and tests. Populate it
// before serving; it is read-only afterwards.
type Static struct {
	tokens    map[string]*Principal
	passwords map[string]string
	users     map[string]*Principal
}

// NewStatic returns an empty static authenticator.
func NewStatic() *Static {
	return &Static{
		tokens:    make(map[string]*Principal),
		passwords: make(map[string]string),
		users:     make(map[string]*Principal),
	}
}

// AddToken maps a bearer token to a principal.
func (s *Static) AddToken(token string, p Principal) *Static {
	s.tokens[token] = &p
	return s
}

// AddUser maps a username/password pair to a principal.
func (s *Static) AddUser(username, password string, p Principal) *Static {
	s.passwords[username] = password
	s.users[username] = &p
	return s
}

func (s *Static) AuthenticateToken(_ context.Context, token string) Result {
	p, ok := s.tokens[token]
	if !ok {
		return Denied("INVALID_TOKEN", "unknown token")
	}
	return Granted(stamp(p))
}

func (s *Static) AuthenticateCredential(_ context.Context, username, password string) Result {
	want, ok := s.passwords[username]
	if !ok || want != password {
		return Denied("INVALID_CREDENTIALS", "bad username or password")
	}
	return Granted(stamp(s.users[username]))
}

func stamp(p *Principal) *Principal {
	cp := *p
	cp.AuthenticatedAt = time.Now()
	return &cp
}

var _ Authenticator = (*Static)(nil)
