// Package server turns server declarations into live listeners. Each spec
// becomes one runtime that binds a transport, assembles a fresh pipeline per
// connection, and drains its connections on shutdown. The Orchestrator walks
// every runtime through the lifecycle together and reports each one's state.
package server

import (
	"context"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/gatewire/gatewire/internal/config"
	"github.com/gatewire/gatewire/internal/core/auth"
	"github.com/gatewire/gatewire/internal/core/codec"
	"github.com/gatewire/gatewire/internal/core/conn"
	"github.com/gatewire/gatewire/internal/core/feature"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
	"github.com/gatewire/gatewire/internal/core/profile"
	"github.com/gatewire/gatewire/internal/metrics"
)

// Runtime is one live listener built from a server spec.
type Runtime interface {
	Name() string
	// Start binds the listener and spawns the accept machinery. It returns
	// once the server is reachable; the context covers binding only.
	Start(ctx context.Context) error
	// Stop closes the listener and drains connections per the spec's
	// shutdown settings.
	Stop(ctx context.Context) error
	// Addr reports the bound address, nil before Start.
	Addr() net.Addr
}

// Options carries the collaborators shared by every runtime. Zero-value
// fields fall back to working defaults; Dispatcher stays nil when no routes
// are registered.
type Options struct {
	Log           log.Log
	Metrics       *metrics.Registry
	Clock         clock.Clock
	Codecs        *codec.Registry
	Profiles      pipeline.ProfileSource
	Features      pipeline.FeatureSource
	Authenticator auth.Authenticator
	Connections   *auth.ConnectionManager
	Dispatcher    pipeline.Dispatcher
	Configurers   []pipeline.Configurer
}

// Orchestrator owns the declared runtimes and moves them through the
// lifecycle as a group.
type Orchestrator struct {
	log      log.Log
	metrics  *metrics.Registry
	runtimes []Runtime
}

// New builds one runtime per spec. Unknown profiles, codecs and transports
// are reported here, before anything binds.
func New(specs []config.ServerSpec, opts Options) (*Orchestrator, error) {
	if opts.Log == nil {
		opts.Log = log.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Codecs == nil {
		opts.Codecs = codec.NewDefaultRegistry()
	}
	if opts.Profiles == nil {
		opts.Profiles = profile.NewDefaultRegistry(opts.Log)
	}
	if opts.Features == nil {
		opts.Features = feature.NewDefaultRegistry()
	}
	if opts.Connections == nil {
		opts.Connections = auth.NewConnectionManager()
	}

	o := &Orchestrator{log: opts.Log, metrics: opts.Metrics}
	for i := range specs {
		rt, err := newRuntime(&specs[i], opts)
		if err != nil {
			return nil, err
		}
		o.runtimes = append(o.runtimes, rt)
	}
	return o, nil
}

func newRuntime(spec *config.ServerSpec, opts Options) (Runtime, error) {
	env := pipeline.Env{
		Log:           opts.Log,
		Metrics:       opts.Metrics,
		Clock:         opts.Clock,
		Codecs:        opts.Codecs,
		Authenticator: opts.Authenticator,
		Connections:   opts.Connections,
	}
	asm, err := pipeline.NewAssembler(pipeline.ServerTarget(spec), env, opts.Profiles, opts.Features)
	if err != nil {
		return nil, err
	}
	if opts.Dispatcher != nil {
		asm.SetDispatcher(opts.Dispatcher)
	}
	for _, c := range opts.Configurers {
		asm.AddConfigurer(c)
	}

	b := base{
		spec: spec,
		asm:  asm,
		log:  opts.Log.With(log.String("server", spec.Name)),
		reg:  opts.Metrics,
		clk:  opts.Clock,
	}
	switch spec.Transport {
	case config.TransportTCP:
		return &tcpRuntime{base: b}, nil
	case config.TransportUDP:
		return &udpRuntime{base: b}, nil
	case config.TransportHTTP:
		return newHTTPRuntime(b), nil
	case config.TransportQUIC:
		return &quicRuntime{base: b}, nil
	default:
		return nil, errors.Errorf("server %q: transport %q is not one of tcp, udp, http, quic", spec.Name, spec.Transport)
	}
}

func newHTTPRuntime(b base) *httpRuntime {
	rt := &httpRuntime{
		base:  b,
		plain: make(map[net.Conn]*conn.Plain),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if cs := b.spec.Features; cs != nil && cs.Compression != nil && cs.Compression.Enabled {
		rt.upgrader.EnableCompression = true
	}
	return rt
}

// Start brings every runtime up in parallel. When any fails to bind, the
// ones already running are stopped again and the first error is returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	var (
		mu      sync.Mutex
		started []Runtime
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range o.runtimes {
		g.Go(func() error {
			o.setState(rt.Name(), metrics.StateStarting)
			if err := rt.Start(gctx); err != nil {
				o.setState(rt.Name(), metrics.StateFailed)
				return errors.Wrapf(err, "start %s", rt.Name())
			}
			mu.Lock()
			started = append(started, rt)
			mu.Unlock()
			o.setState(rt.Name(), metrics.StateRunning)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = o.stopAll(context.Background(), started)
		return err
	}
	o.log.Info("servers running", log.Int("count", len(o.runtimes)))
	return nil
}

// Stop drains every runtime in parallel and returns the first error.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.stopAll(ctx, o.runtimes)
}

// Run starts every server, blocks until the context is cancelled, then stops
// them all.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return o.Stop(context.Background())
}

// Runtimes returns the constructed runtimes in declaration order.
func (o *Orchestrator) Runtimes() []Runtime { return o.runtimes }

// Runtime returns the named runtime.
func (o *Orchestrator) Runtime(name string) (Runtime, bool) {
	for _, rt := range o.runtimes {
		if rt.Name() == name {
			return rt, true
		}
	}
	return nil, false
}

func (o *Orchestrator) stopAll(ctx context.Context, rts []Runtime) error {
	var g errgroup.Group
	for _, rt := range rts {
		g.Go(func() error {
			o.setState(rt.Name(), metrics.StateStopping)
			err := rt.Stop(ctx)
			o.setState(rt.Name(), metrics.StateStopped)
			return err
		})
	}
	return g.Wait()
}

func (o *Orchestrator) setState(name string, st metrics.ServerState) {
	if o.metrics != nil {
		o.metrics.SetServerState(name, st)
	}
}
