package feature

import (
	"math"
	"strconv"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/config"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/pipeline"
)

// tokenScale converts whole tokens to the bucket's integer micro-token unit,
// keeping sub-token replenishment exact under atomic arithmetic.
const tokenScale = 1_000_000

// rateLimit installs a per-connection token bucket ahead of dispatch.
type rateLimit struct {
	env pipeline.Env
}

// NewRateLimit builds the token-bucket feature.
func NewRateLimit(env pipeline.Env) pipeline.Feature { return &rateLimit{env: env} }

func (f *rateLimit) Name() string { return "rate-limit" }
func (f *rateLimit) Order() int   { return OrderRateLimit }

func (f *rateLimit) Enabled(spec pipeline.Spec) bool {
	s := spec.FeatureSet().RateLimit
	return s != nil && s.Enabled && s.RequestsPerSecond > 0
}

func (f *rateLimit) Configure(p *pipeline.Pipeline, spec pipeline.Spec) error {
	s := spec.FeatureSet().RateLimit
	p.AddInbound(&rateLimitStage{
		bucket: newBucket(f.env.Clock, s.RequestsPerSecond, s.BurstSize),
		action: s.Action,
		env:    f.env,
	})
	return nil
}

// bucket is a lock-free token bucket. Tokens replenish continuously with
// elapsed wall time and consumption retries on CAS conflicts, so concurrent
// takers never double-spend.
type bucket struct {
	clk    clock.Clock
	rate   float64
	burst  int64
	tokens atomic.Int64
	last   atomic.Int64
}

func newBucket(clk clock.Clock, rps float64, burstSize int) *bucket {
	b := &bucket{clk: clk, rate: rps, burst: int64(burstSize) * tokenScale}
	if b.burst <= 0 {
		b.burst = int64(math.Max(rps, 1) * tokenScale)
	}
	b.tokens.Store(b.burst)
	b.last.Store(clk.Now().UnixNano())
	return b
}

func (b *bucket) take() bool {
	b.refill()
	for {
		cur := b.tokens.Load()
		if cur < tokenScale {
			return false
		}
		if b.tokens.CompareAndSwap(cur, cur-tokenScale) {
			return true
		}
	}
}

func (b *bucket) refill() {
	now := b.clk.Now().UnixNano()
	for {
		last := b.last.Load()
		elapsed := now - last
		if elapsed <= 0 {
			return
		}
		credit := int64(float64(elapsed) * b.rate * tokenScale / 1e9)
		if credit <= 0 {
			return
		}
		// Claim the elapsed window first; the loser of this race recomputes
		// against the new timestamp and credits nothing.
		if !b.last.CompareAndSwap(last, now) {
			continue
		}
		for {
			cur := b.tokens.Load()
			next := cur + credit
			if next > b.burst {
				next = b.burst
			}
			if b.tokens.CompareAndSwap(cur, next) {
				return
			}
		}
	}
}

// retryAfterSeconds is the ceiling of one token's replenish time.
func (b *bucket) retryAfterSeconds() int {
	s := int(math.Ceil(1 / b.rate))
	if s < 1 {
		s = 1
	}
	return s
}

type rateLimitStage struct {
	bucket *bucket
	action config.RateLimitAction
	env    pipeline.Env
}

func (s *rateLimitStage) Name() string { return "rate-limit" }

func (s *rateLimitStage) OnInbound(ctx *pipeline.Context, in *message.Inbound) (*message.Inbound, error) {
	if s.bucket.take() {
		return in, nil
	}
	s.count(ctx)

	if ctx.Protocol() == message.ProtoHTTP {
		out := message.Fail(429, "RATE_LIMITED", "rate limit exceeded")
		out.SetHeader("Retry-After", strconv.Itoa(s.bucket.retryAfterSeconds()))
		_ = ctx.Reply(in, out)
		in.Release()
		return nil, nil
	}

	switch s.action {
	case config.ActionClose:
		if ws, ok := ctx.Conn().(interface{ CloseWithCode(int, string) error }); ok && ctx.Protocol() == message.ProtoWebSocket {
			in.Release()
			_ = ws.CloseWithCode(websocket.ClosePolicyViolation, "rate limit exceeded")
			return nil, nil
		}
		return nil, errors.New("rate limit exceeded")
	case config.ActionReject:
		_ = ctx.Reply(in, message.Fail(429, "RATE_LIMITED", "rate limit exceeded"))
		in.Release()
		return nil, nil
	default:
		in.Release()
		return nil, nil
	}
}

func (s *rateLimitStage) count(ctx *pipeline.Context) {
	if s.env.Metrics == nil {
		return
	}
	action := string(s.action)
	if ctx.Protocol() == message.ProtoHTTP {
		action = "reject"
	}
	s.env.Metrics.RateLimitedTotal.WithLabelValues(ctx.ServerName(), action).Inc()
}
