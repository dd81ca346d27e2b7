package feature

import (
	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/config"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
)

// backpressure bounds the pending outbound bytes of a connection. The
// overflow threshold is a hard ceiling that disconnects regardless of the
// configured strategy; the high-water mark applies the strategy.
type backpressure struct {
	env pipeline.Env
}

// NewBackpressure builds the pending-write governor.
func NewBackpressure(env pipeline.Env) pipeline.Feature { return &backpressure{env: env} }

func (f *backpressure) Name() string { return "backpressure" }
func (f *backpressure) Order() int   { return OrderBackpressure }

func (f *backpressure) Enabled(spec pipeline.Spec) bool {
	s := spec.FeatureSet().Backpressure
	return s != nil && s.Enabled
}

func (f *backpressure) Configure(p *pipeline.Pipeline, spec pipeline.Spec) error {
	s := spec.FeatureSet().Backpressure
	st := &backpressureStage{
		high:     s.HighWaterMark,
		overflow: s.OverflowThreshold,
		strategy: s.Strategy,
	}
	p.AddInbound(st)
	p.AddConnHook(st)
	return nil
}

type backpressureStage struct {
	high     int64
	overflow int64
	strategy config.BackpressureStrategy
}

func (s *backpressureStage) Name() string { return "backpressure" }

// OnConnect arms the level-triggered resume: after every queue drain the
// pending count is re-checked, so a read suspended at any point wakes as
// soon as the queue is genuinely below the mark again.
func (s *backpressureStage) OnConnect(ctx *pipeline.Context) error {
	if s.strategy != config.StrategySuspendRead {
		return nil
	}
	cn := ctx.Conn()
	if cn == nil {
		return nil
	}
	cn.OnWritable(func(pending int64) {
		if pending <= s.high {
			cn.ResumeRead()
		}
	})
	return nil
}

func (s *backpressureStage) OnClose(*pipeline.Context) {}

func (s *backpressureStage) OnInbound(ctx *pipeline.Context, in *message.Inbound) (*message.Inbound, error) {
	cn := ctx.Conn()
	if cn == nil {
		return in, nil
	}
	pending := cn.PendingBytes()
	if s.overflow > 0 && pending > s.overflow {
		return nil, errors.Errorf("backpressure overflow: %d pending bytes past %d", pending, s.overflow)
	}
	if s.high <= 0 || pending <= s.high {
		return in, nil
	}
	switch s.strategy {
	case config.StrategyDrop:
		ctx.Log().Debug("backpressure drop",
			log.String("route", in.RouteKey),
			log.Int64("pending", pending))
		in.Release()
		return nil, nil
	case config.StrategyDisconnect:
		return nil, errors.Errorf("backpressure high water: %d pending bytes past %d", pending, s.high)
	default:
		cn.SuspendRead()
		return in, nil
	}
}
