package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewire/gatewire/internal/config"
	"github.com/gatewire/gatewire/internal/core/dispatch"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/pipeline"
	"github.com/gatewire/gatewire/internal/core/profile"
	"github.com/gatewire/gatewire/internal/core/router"
	"github.com/gatewire/gatewire/internal/metrics"
)

// testRoutes registers the handlers the loopback tests exercise: an echo, a
// failing handler, a subscription that hands its connection context to the
// test for pushes, and a path route for the http servers.
func testRoutes(t *testing.T, subs chan *pipeline.Context) pipeline.Dispatcher {
	t.Helper()
	routes := router.NewRouter(nil)
	tbl := dispatch.NewTable(routes, nil)
	tbl.MustHandle("echo", func(body map[string]any) *message.Outbound {
		return message.OK(body)
	})
	tbl.MustHandle("boom", func() error {
		return errors.New("kaput")
	})
	tbl.MustHandle("silent", func() {})
	if subs != nil {
		tbl.MustHandle("subscribe", func(ctx *pipeline.Context) *message.Outbound {
			subs <- ctx
			return message.OK(map[string]string{"state": "subscribed"})
		})
	}
	tbl.MustHandle("/users/{id}", func(vars dispatch.PathVars) *message.Outbound {
		return message.OK(map[string]string{"id": vars["id"]})
	})
	tbl.MustHandle("/silent", func() {})
	tbl.MustHandle("/ws", func() *message.Outbound {
		return message.OK(map[string]string{"via": "path"})
	})
	return dispatch.NewDispatcher(routes, nil)
}

// startOne builds and starts a single-server orchestrator and stops it when
// the test ends.
func startOne(t *testing.T, spec config.ServerSpec, opts Options) Runtime {
	t.Helper()
	orch, err := New([]config.ServerSpec{spec}, opts)
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() { _ = orch.Stop(context.Background()) })
	rt := orch.Runtimes()[0]
	require.NotNil(t, rt.Addr())
	return rt
}

func tcpSpec(name string) config.ServerSpec {
	return config.ServerSpec{
		Name:      name,
		Transport: config.TransportTCP,
		Host:      "127.0.0.1",
		Profile:   profile.TCPLengthFieldJSON,
		Routing:   config.RouteMessageType,
		Shutdown:  &config.ShutdownSpec{QuietPeriodMs: 10, TimeoutMs: 500},
	}
}

func udpSpec(name string) config.ServerSpec {
	return config.ServerSpec{
		Name:      name,
		Transport: config.TransportUDP,
		Host:      "127.0.0.1",
		Profile:   profile.UDPJSON,
		Routing:   config.RouteMessageType,
		Shutdown:  &config.ShutdownSpec{QuietPeriodMs: 10, TimeoutMs: 500},
	}
}

func httpSpec(name string) config.ServerSpec {
	return config.ServerSpec{
		Name:      name,
		Transport: config.TransportHTTP,
		Host:      "127.0.0.1",
		Profile:   profile.HTTP1JSON,
		Routing:   config.RoutePath,
		Shutdown:  &config.ShutdownSpec{QuietPeriodMs: 10, TimeoutMs: 500},
	}
}

func wsSpec(name string) config.ServerSpec {
	s := httpSpec(name)
	s.Profile = profile.WebSocket
	s.Routing = config.RouteMessageType
	s.WSPath = "/ws"
	return s
}

func decodeEnvelope(t *testing.T, frame []byte) message.Envelope {
	t.Helper()
	var env message.Envelope
	require.NoError(t, json.Unmarshal(frame, &env), "frame: %s", frame)
	return env
}

// stateValue reads the one-hot lifecycle gauge for a server and state.
func stateValue(t *testing.T, reg *metrics.Registry, server string, state metrics.ServerState) float64 {
	t.Helper()
	fams, err := reg.Gatherer().Gather()
	require.NoError(t, err)
	for _, f := range fams {
		if f.GetName() != "gatewire_server_state" {
			continue
		}
		for _, m := range f.GetMetric() {
			var srv, st string
			for _, lp := range m.GetLabel() {
				switch lp.GetName() {
				case "server":
					srv = lp.GetValue()
				case "state":
					st = lp.GetValue()
				}
			}
			if srv == server && st == string(state) {
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func counterValue(t *testing.T, reg *metrics.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	fams, err := reg.Gatherer().Gather()
	require.NoError(t, err)
	for _, f := range fams {
		if f.GetName() != name {
			continue
		}
	metric:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestOrchestratorWalksLifecycleStates(t *testing.T) {
	reg := metrics.NewRegistry()
	orch, err := New(
		[]config.ServerSpec{tcpSpec("alpha"), udpSpec("beta")},
		Options{Metrics: reg, Dispatcher: testRoutes(t, nil)},
	)
	require.NoError(t, err)

	require.NoError(t, orch.Start(context.Background()))
	assert.Equal(t, 1.0, stateValue(t, reg, "alpha", metrics.StateRunning))
	assert.Equal(t, 1.0, stateValue(t, reg, "beta", metrics.StateRunning))

	require.NoError(t, orch.Stop(context.Background()))
	assert.Equal(t, 1.0, stateValue(t, reg, "alpha", metrics.StateStopped))
	assert.Equal(t, 0.0, stateValue(t, reg, "alpha", metrics.StateRunning))
	assert.Equal(t, 1.0, stateValue(t, reg, "beta", metrics.StateStopped))
}

func TestOrchestratorStartFailureStopsTheRest(t *testing.T) {
	reg := metrics.NewRegistry()
	bad := tcpSpec("bad")
	bad.Profile = profile.UDPJSON

	orch, err := New(
		[]config.ServerSpec{tcpSpec("good"), bad},
		Options{Metrics: reg, Dispatcher: testRoutes(t, nil)},
	)
	require.NoError(t, err)

	err = orch.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a tcp stream profile")
	assert.Equal(t, 1.0, stateValue(t, reg, "bad", metrics.StateFailed))
	assert.Equal(t, 1.0, stateValue(t, reg, "good", metrics.StateStopped))
}

func TestNewRejectsUnknownTransport(t *testing.T) {
	spec := tcpSpec("s")
	spec.Transport = "carrier-pigeon"
	_, err := New([]config.ServerSpec{spec}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport")
}

func TestNewRejectsUnknownProfile(t *testing.T) {
	spec := tcpSpec("s")
	spec.Profile = "no-such-profile"
	_, err := New([]config.ServerSpec{spec}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-profile")
}

func TestOrchestratorRuntimeLookup(t *testing.T) {
	orch, err := New([]config.ServerSpec{tcpSpec("alpha")}, Options{Dispatcher: testRoutes(t, nil)})
	require.NoError(t, err)

	rt, ok := orch.Runtime("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", rt.Name())

	_, ok = orch.Runtime("missing")
	assert.False(t, ok)
}
