package pipeline

import (
	"crypto/tls"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/core/codec"
	"github.com/gatewire/gatewire/internal/core/observability/log"
)

// Assembler builds one pipeline per connection for a single listener or
// client. Profile and codec resolution happen once, at construction, so a
// misspelled name fails the process at startup instead of on first connect.
// Feature instances are also created once: per-listener state (admission
// counters, lazily built TLS) lives in them across every connection they
// configure.
type Assembler struct {
	spec        Spec
	env         Env
	profile     Profile
	codec       codec.Codec
	features    []Feature
	configurers []Configurer
	dispatcher  Dispatcher
}

// NewAssembler resolves the spec's profile and codec and instantiates the
// enabled features. Unknown profile or codec names are returned as errors and
// are meant to abort startup.
func NewAssembler(spec Spec, env Env, profiles ProfileSource, features FeatureSource) (*Assembler, error) {
	if env.Log == nil {
		env.Log = log.Nop()
	}
	if env.Clock == nil {
		env.Clock = clock.New()
	}

	if profiles == nil {
		return nil, errors.New("assembler: nil profile source")
	}
	prof, err := profiles.Required(spec.Profile)
	if err != nil {
		return nil, errors.Wrapf(err, "server %s", spec.Name)
	}

	var cdc codec.Codec
	if name := prof.DefaultCodec(); name != "" {
		if env.Codecs == nil {
			return nil, errors.Errorf("server %s: profile %s needs codec %q but no codec registry is configured", spec.Name, prof.Name(), name)
		}
		cdc, err = env.Codecs.Required(name)
		if err != nil {
			return nil, errors.Wrapf(err, "server %s", spec.Name)
		}
	}

	a := &Assembler{
		spec:    spec,
		env:     env,
		profile: prof,
		codec:   cdc,
	}
	if features != nil {
		for _, f := range features.Instantiate(env) {
			if f.Enabled(spec) {
				a.features = append(a.features, f)
			}
		}
		sort.Slice(a.features, func(i, j int) bool {
			if a.features[i].Order() != a.features[j].Order() {
				return a.features[i].Order() < a.features[j].Order()
			}
			return a.features[i].Name() < a.features[j].Name()
		})
	}
	return a, nil
}

// Env returns the shared collaborators this assembler hands to features.
func (a *Assembler) Env() Env { return a.env }

// Spec returns the declaration being assembled.
func (a *Assembler) Spec() Spec { return a.spec }

// Profile returns the resolved profile.
func (a *Assembler) Profile() Profile { return a.profile }

// SetDispatcher installs the shared terminus added to every assembled
// pipeline whose profile supports one.
func (a *Assembler) SetDispatcher(d Dispatcher) { a.dispatcher = d }

// AddConfigurer registers a user extension. Configurers run after the
// built-in chain, ascending by order.
func (a *Assembler) AddConfigurer(c Configurer) {
	a.configurers = append(a.configurers, c)
	sort.SliceStable(a.configurers, func(i, j int) bool {
		return a.configurers[i].Order() < a.configurers[j].Order()
	})
}

// Assemble builds a fresh pipeline: protocol tag, governance features, the
// profile's framing and codec stages, the remaining features, the dispatcher
// when the profile supports one, then user configurers. The result has no
// transport yet; the caller Binds it.
func (a *Assembler) Assemble() (*Pipeline, error) {
	ctx := newContext(a.spec, a.codec, a.env.Log.With(log.String("server", a.spec.Name)))
	p := newPipeline(a.spec, ctx)
	ctx.SetProtocol(a.profile.Protocol())

	for _, f := range a.features {
		if f.Order() >= GovernanceBand {
			break
		}
		if err := f.Configure(p, a.spec); err != nil {
			return nil, errors.Wrapf(err, "feature %s", f.Name())
		}
	}
	if err := a.profile.Configure(p, a.spec); err != nil {
		return nil, errors.Wrapf(err, "profile %s", a.profile.Name())
	}
	for _, f := range a.features {
		if f.Order() < GovernanceBand {
			continue
		}
		if err := f.Configure(p, a.spec); err != nil {
			return nil, errors.Wrapf(err, "feature %s", f.Name())
		}
	}
	if a.dispatcher != nil && a.profile.SupportsDispatcher() {
		p.SetDispatcher(a.dispatcher)
	}
	for _, c := range a.configurers {
		if !c.Supports(a.spec) {
			continue
		}
		if err := c.Configure(p, a.spec); err != nil {
			return nil, errors.Wrap(err, "configurer")
		}
	}
	return p, nil
}

// Preflight assembles and discards one pipeline so per-connection
// configuration errors surface at startup, and returns the TLS configuration
// the transport should listen with (nil for plaintext).
func (a *Assembler) Preflight() (*tls.Config, error) {
	p, err := a.Assemble()
	if err != nil {
		return nil, err
	}
	return p.TLS(), nil
}
