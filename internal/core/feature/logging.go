package feature

import (
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
)

// logging is the diagnostic pass-through stage: connection lifecycle at info,
// per-message traffic at the configured level. It never alters the message.
type logging struct{}

// NewLogging builds the traffic logging feature.
func NewLogging(pipeline.Env) pipeline.Feature { return &logging{} }

func (f *logging) Name() string { return "logging" }
func (f *logging) Order() int   { return OrderLogging }

func (f *logging) Enabled(spec pipeline.Spec) bool {
	s := spec.FeatureSet().Logging
	return s != nil && s.Enabled
}

func (f *logging) Configure(p *pipeline.Pipeline, spec pipeline.Spec) error {
	lvl := log.LevelDebug
	if s := spec.FeatureSet().Logging.Level; s != "" {
		lvl = log.ParseLevel(s)
	}
	st := &logStage{emit: emitter(lvl)}
	p.AddInbound(st)
	p.AddOutbound(st)
	p.AddConnHook(st)
	return nil
}

func emitter(lvl log.Level) func(log.Log, string, ...log.Field) {
	switch lvl {
	case log.LevelDebug:
		return func(lg log.Log, msg string, fields ...log.Field) { lg.Debug(msg, fields...) }
	case log.LevelWarn:
		return func(lg log.Log, msg string, fields ...log.Field) { lg.Warn(msg, fields...) }
	case log.LevelError:
		return func(lg log.Log, msg string, fields ...log.Field) { lg.Error(msg, fields...) }
	default:
		return func(lg log.Log, msg string, fields ...log.Field) { lg.Info(msg, fields...) }
	}
}

type logStage struct {
	emit func(lg log.Log, msg string, fields ...log.Field)
}

func (s *logStage) Name() string { return "logging" }

func (s *logStage) OnInbound(ctx *pipeline.Context, in *message.Inbound) (*message.Inbound, error) {
	s.emit(ctx.Log(), "inbound",
		log.String("route", in.RouteKey),
		log.Int("bytes", len(in.Payload())))
	return in, nil
}

func (s *logStage) OnOutbound(ctx *pipeline.Context, in *message.Inbound, out *message.Outbound) (*message.Outbound, error) {
	s.emit(ctx.Log(), "outbound", log.Int("status", out.Status))
	return out, nil
}

func (s *logStage) OnConnect(ctx *pipeline.Context) error {
	lg := ctx.Log()
	if cn := ctx.Conn(); cn != nil {
		lg = lg.With(log.Any("remote", cn.RemoteAddr()))
	}
	lg.Info("connection opened")
	return nil
}

func (s *logStage) OnClose(ctx *pipeline.Context) {
	ctx.Log().Info("connection closed")
}
