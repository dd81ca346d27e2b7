package injector

import (
	"github.com/benbjohnson/clock"
	"github.com/google/wire"

	"github.com/gatewire/gatewire/internal/config"
	"github.com/gatewire/gatewire/internal/core/client"
	"github.com/gatewire/gatewire/internal/core/codec"
	"github.com/gatewire/gatewire/internal/core/dispatch"
	"github.com/gatewire/gatewire/internal/core/feature"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/profile"
	"github.com/gatewire/gatewire/internal/core/router"
	"github.com/gatewire/gatewire/internal/core/server"
	"github.com/gatewire/gatewire/internal/metrics"
)

// App is everything a composition binary needs: the parsed config, the
// shared observability plumbing, the registries and the routing surface
// handlers register on. One App backs any number of servers and clients
// from the same config file.
type App struct {
	Config     *config.Config
	Log        log.Log
	Metrics    *metrics.Registry
	Clock      clock.Clock
	Codecs     *codec.Registry
	Profiles   *profile.Registry
	Features   *feature.Registry
	Routes     *dispatch.Table
	Dispatcher *dispatch.Dispatcher
}

// ServerOptions adapts the graph into the orchestrator's option block.
// Routes registered on a.Routes are picked up even after server.New, the
// dispatcher resolves per request.
func (a *App) ServerOptions() server.Options {
	return server.Options{
		Log:        a.Log,
		Metrics:    a.Metrics,
		Clock:      a.Clock,
		Codecs:     a.Codecs,
		Profiles:   a.Profiles,
		Features:   a.Features,
		Dispatcher: a.Dispatcher,
	}
}

// ClientOptions adapts the graph into the client's option block.
func (a *App) ClientOptions() client.Options {
	return client.Options{
		Log:      a.Log,
		Metrics:  a.Metrics,
		Clock:    a.Clock,
		Codecs:   a.Codecs,
		Profiles: a.Profiles,
		Features: a.Features,
	}
}

func ProvideLog(level log.Level) log.Log { return log.New(level) }

func ProvideClock() clock.Clock { return clock.New() }

func ProvideProfiles(lg log.Log) *profile.Registry { return profile.NewDefaultRegistry(lg) }

func ProvideRouter(lg log.Log) *router.Router { return router.NewRouter(lg) }

func ProvideTable(routes *router.Router, lg log.Log) *dispatch.Table {
	return dispatch.NewTable(routes, lg)
}

func ProvideDispatcher(routes *router.Router, lg log.Log) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(routes, lg)
}

// Graph wires the full App from a config path and a log level.
var Graph = wire.NewSet(
	config.Load,
	ProvideLog,
	ProvideClock,
	metrics.NewRegistry,
	codec.NewDefaultRegistry,
	ProvideProfiles,
	feature.NewDefaultRegistry,
	ProvideRouter,
	ProvideTable,
	ProvideDispatcher,
	wire.Struct(new(App), "*"),
)
