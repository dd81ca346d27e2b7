package feature

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/core/pipeline"
)

// ErrConnectionLimit rejects connections past the per-listener cap.
var ErrConnectionLimit = errors.New("connection limit reached")

// connLimit counts open connections across every pipeline of one listener.
// Admission is optimistic: increment first, then back out on overshoot. A
// rejected connection never reaches the close hook, so the backout here is
// the only decrement it gets.
type connLimit struct {
	active atomic.Int64
}

// NewConnectionLimit builds the connection cap feature.
func NewConnectionLimit(pipeline.Env) pipeline.Feature { return &connLimit{} }

func (f *connLimit) Name() string { return "connection-limit" }
func (f *connLimit) Order() int   { return OrderConnectionLimit }

func (f *connLimit) Enabled(spec pipeline.Spec) bool {
	s := spec.FeatureSet().ConnectionLimit
	return s != nil && s.Enabled
}

func (f *connLimit) Configure(p *pipeline.Pipeline, spec pipeline.Spec) error {
	p.AddConnHook(&connLimitHook{
		active: &f.active,
		max:    int64(spec.FeatureSet().ConnectionLimit.MaxConnections),
	})
	return nil
}

// Active reports the current admitted connection count.
func (f *connLimit) Active() int64 { return f.active.Load() }

type connLimitHook struct {
	active *atomic.Int64
	max    int64
}

func (h *connLimitHook) OnConnect(ctx *pipeline.Context) error {
	n := h.active.Add(1)
	if h.max > 0 && n > h.max {
		h.active.Add(-1)
		return errors.Wrapf(ErrConnectionLimit, "%d of %d in use", h.max, h.max)
	}
	return nil
}

func (h *connLimitHook) OnClose(*pipeline.Context) {
	h.active.Add(-1)
}
