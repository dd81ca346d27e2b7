package auth

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/patrickmn/go-cache"
)

const defaultTokenTTL = time.Minute

// TokenValidator wraps an Authenticator with a TTL memo over successful
// validations. Failures are never cached, so a freshly issued token works
// immediately and a revoked one is re-checked every time. Entries are keyed
// by token hash so raw tokens never sit in the cache.
type TokenValidator struct {
	auth Authenticator
	memo *cache.Cache
}

// NewTokenValidator builds a validator with the given success TTL.
// A non-positive TTL falls back to one minute.
func NewTokenValidator(a Authenticator, ttl time.Duration) *TokenValidator {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenValidator{
		auth: a,
		memo: cache.New(ttl, 2*ttl),
	}
}

// Validate checks one token, consulting the memo first.
func (v *TokenValidator) Validate(ctx context.Context, token string) Result {
	key := strconv.FormatUint(xxhash.Sum64String(token), 16)
	if hit, ok := v.memo.Get(key); ok {
		return Granted(hit.(*Principal))
	}
	res := v.auth.AuthenticateToken(ctx, token)
	if res.Success && res.Principal != nil {
		v.memo.Set(key, res.Principal, cache.DefaultExpiration)
	}
	return res
}
