// Package feature holds the built-in pipeline features: reusable
// spec-gated building blocks (TLS, limits, compression, auth, metrics)
// that the assembler weaves around each profile's framing and codec.
package feature

import (
	"sync"

	"github.com/gatewire/gatewire/internal/core/pipeline"
)

// Assembly order slots. Everything below pipeline.GovernanceBand runs before
// the profile installs framing and codec; the rest runs after.
const (
	OrderSSL             = 50
	OrderConnectionLimit = 150
	OrderCompression     = 260
	OrderLogging         = 320
	OrderRateLimit       = 340
	OrderIdle            = 360
	OrderBackpressure    = 380
	OrderAuth            = 420
	OrderMetrics         = 520
)

// Factory builds one feature instance bound to a single listener or dialer.
// Instances own per-listener state (counters, caches), so each assembler gets
// its own set.
type Factory func(env pipeline.Env) pipeline.Feature

// Registry is the process-wide catalog of feature factories.
type Registry struct {
	mu        sync.RWMutex
	factories []Factory
}

var _ pipeline.FeatureSource = (*Registry)(nil)

// NewRegistry creates an empty feature catalog.
func NewRegistry() *Registry { return &Registry{} }

// NewDefaultRegistry creates a catalog with every built-in feature.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewSSL)
	r.Register(NewConnectionLimit)
	r.Register(NewCompression)
	r.Register(NewLogging)
	r.Register(NewRateLimit)
	r.Register(NewIdle)
	r.Register(NewBackpressure)
	r.Register(NewAuth)
	r.Register(NewMetrics)
	return r
}

// Register appends a factory to the catalog.
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = append(r.factories, f)
}

// Instantiate builds one instance of every registered feature for the given
// environment. The assembler filters by Enabled and sorts by Order.
func (r *Registry) Instantiate(env pipeline.Env) []pipeline.Feature {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]pipeline.Feature, 0, len(r.factories))
	for _, f := range r.factories {
		out = append(out, f(env))
	}
	return out
}
