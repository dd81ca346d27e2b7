package feature

import (
	"strconv"

	"github.com/benbjohnson/clock"

	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/pipeline"
	"github.com/gatewire/gatewire/internal/metrics"
)

// metricsFeature instruments the pipeline: connection gauges, payload byte
// counters, request counts and latency. As the highest-ordered feature its
// outbound stage registers last and therefore observes responses first,
// closest to the dispatcher.
type metricsFeature struct {
	env pipeline.Env
}

// NewMetrics builds the instrumentation feature.
func NewMetrics(env pipeline.Env) pipeline.Feature { return &metricsFeature{env: env} }

func (f *metricsFeature) Name() string { return "metrics" }
func (f *metricsFeature) Order() int   { return OrderMetrics }

func (f *metricsFeature) Enabled(spec pipeline.Spec) bool {
	s := spec.FeatureSet().Metrics
	return s != nil && s.Enabled && f.env.Metrics != nil
}

func (f *metricsFeature) Configure(p *pipeline.Pipeline, spec pipeline.Spec) error {
	st := &metricsStage{
		reg:    f.env.Metrics,
		clk:    f.env.Clock,
		server: spec.Name,
	}
	p.AddInbound(st)
	p.AddOutbound(st)
	p.AddConnHook(st)
	return nil
}

type metricsStage struct {
	reg    *metrics.Registry
	clk    clock.Clock
	server string
}

func (s *metricsStage) Name() string { return "metrics" }

func (s *metricsStage) OnInbound(ctx *pipeline.Context, in *message.Inbound) (*message.Inbound, error) {
	s.reg.BytesIn.WithLabelValues(s.server).Add(float64(len(in.Payload())))
	return in, nil
}

func (s *metricsStage) OnOutbound(ctx *pipeline.Context, in *message.Inbound, out *message.Outbound) (*message.Outbound, error) {
	s.reg.RequestsTotal.WithLabelValues(s.server, strconv.Itoa(out.Status)).Inc()
	if in != nil && !in.ReceivedAt.IsZero() {
		s.reg.RequestDuration.WithLabelValues(s.server).Observe(s.clk.Since(in.ReceivedAt).Seconds())
	}
	return out, nil
}

func (s *metricsStage) OnConnect(*pipeline.Context) error {
	s.reg.ConnectionsActive.WithLabelValues(s.server).Inc()
	s.reg.ConnectionsTotal.WithLabelValues(s.server).Inc()
	return nil
}

func (s *metricsStage) OnClose(*pipeline.Context) {
	s.reg.ConnectionsActive.WithLabelValues(s.server).Dec()
}
