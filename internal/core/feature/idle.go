package feature

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gatewire/gatewire/internal/config"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
)

// minIdleCheck floors the watcher tick so tiny timeouts cannot spin.
const minIdleCheck = 10 * time.Millisecond

// idle closes connections that stop reading, writing, or both for longer
// than the configured windows. Zero for a window disables that check.
type idle struct {
	env pipeline.Env
}

// NewIdle builds the idle detection feature.
func NewIdle(env pipeline.Env) pipeline.Feature { return &idle{env: env} }

func (f *idle) Name() string { return "idle" }
func (f *idle) Order() int   { return OrderIdle }

func (f *idle) Enabled(spec pipeline.Spec) bool {
	s := spec.FeatureSet().Idle
	return s != nil && s.Enabled && (s.ReadIdleMs > 0 || s.WriteIdleMs > 0 || s.AllIdleMs > 0)
}

func (f *idle) Configure(p *pipeline.Pipeline, spec pipeline.Spec) error {
	s := spec.FeatureSet().Idle
	st := newIdleStage(f.env.Clock, s)
	p.AddInbound(st)
	p.AddOutbound(st)
	p.AddConnHook(st)
	return nil
}

// idleStage is per-connection: stamps on traffic, one watcher goroutine
// between OnConnect and OnClose.
type idleStage struct {
	clk       clock.Clock
	readIdle  time.Duration
	writeIdle time.Duration
	allIdle   time.Duration

	lastRead  atomic.Int64
	lastWrite atomic.Int64
	stop      chan struct{}
}

func newIdleStage(clk clock.Clock, s *config.IdleSpec) *idleStage {
	return &idleStage{
		clk:       clk,
		readIdle:  time.Duration(s.ReadIdleMs) * time.Millisecond,
		writeIdle: time.Duration(s.WriteIdleMs) * time.Millisecond,
		allIdle:   time.Duration(s.AllIdleMs) * time.Millisecond,
		stop:      make(chan struct{}),
	}
}

func (s *idleStage) Name() string { return "idle" }

func (s *idleStage) OnInbound(ctx *pipeline.Context, in *message.Inbound) (*message.Inbound, error) {
	s.stampRead()
	return in, nil
}

func (s *idleStage) OnOutbound(ctx *pipeline.Context, in *message.Inbound, out *message.Outbound) (*message.Outbound, error) {
	s.stampWrite()
	return out, nil
}

func (s *idleStage) OnConnect(ctx *pipeline.Context) error {
	now := s.clk.Now().UnixNano()
	s.lastRead.Store(now)
	s.lastWrite.Store(now)
	go s.watch(ctx)
	return nil
}

func (s *idleStage) OnClose(*pipeline.Context) { close(s.stop) }

func (s *idleStage) stampRead()  { s.lastRead.Store(s.clk.Now().UnixNano()) }
func (s *idleStage) stampWrite() { s.lastWrite.Store(s.clk.Now().UnixNano()) }

func (s *idleStage) watch(ctx *pipeline.Context) {
	tick := s.clk.Ticker(s.checkEvery())
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if kind, since := s.expired(); kind != "" {
				ctx.Log().Info("idle timeout",
					log.String("kind", kind),
					log.Duration("idle", since))
				_ = ctx.Close("idle timeout (" + kind + ")")
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (s *idleStage) expired() (string, time.Duration) {
	now := s.clk.Now().UnixNano()
	read := time.Duration(now - s.lastRead.Load())
	write := time.Duration(now - s.lastWrite.Load())
	both := read
	if write < both {
		both = write
	}
	switch {
	case s.readIdle > 0 && read >= s.readIdle:
		return "read", read
	case s.writeIdle > 0 && write >= s.writeIdle:
		return "write", write
	case s.allIdle > 0 && both >= s.allIdle:
		return "all", both
	}
	return "", 0
}

func (s *idleStage) checkEvery() time.Duration {
	min := time.Duration(0)
	for _, d := range []time.Duration{s.readIdle, s.writeIdle, s.allIdle} {
		if d > 0 && (min == 0 || d < min) {
			min = d
		}
	}
	every := min / 4
	if every < minIdleCheck {
		every = minIdleCheck
	}
	return every
}
