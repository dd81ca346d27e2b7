package profile

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
)

// Registry maps profile names to profiles. Registration is last-wins on a
// name collision, with a warning, so embedders can shadow a built-in.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]pipeline.Profile
	log    log.Log
}

// NewRegistry returns an empty registry.
func NewRegistry(lg log.Log) *Registry {
	if lg == nil {
		lg = log.Nop()
	}
	return &Registry{byName: make(map[string]pipeline.Profile), log: lg}
}

// NewDefaultRegistry returns a registry holding every built-in profile.
func NewDefaultRegistry(lg log.Log) *Registry {
	r := NewRegistry(lg)
	r.Register(tcpLengthJSON{})
	r.Register(tcpLine{})
	r.Register(tcpRaw{})
	r.Register(http1JSON{})
	r.Register(wsProfile{})
	r.Register(udpJSON{})
	r.Register(quicLengthJSON{})
	return r
}

// Register adds a profile under its name, replacing any previous holder.
func (r *Registry) Register(p pipeline.Profile) {
	r.mu.Lock()
	if _, exists := r.byName[p.Name()]; exists {
		r.log.Warn("profile replaced", log.String("name", p.Name()))
	}
	r.byName[p.Name()] = p
	r.mu.Unlock()
}

// Required resolves a profile name. Unknown names fail with an error that
// lists what is registered; callers treat this as startup-fatal.
func (r *Registry) Required(name string) (pipeline.Profile, error) {
	r.mu.RLock()
	p, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown profile %q (registered: %s)", name, strings.Join(r.Names(), ", "))
	}
	return p, nil
}

// Names returns the registered profile names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

var _ pipeline.ProfileSource = (*Registry)(nil)
