// Package metrics holds the prometheus instruments gatewire updates at
// runtime. The framework only writes these; exposing them over HTTP is the
// embedding application's concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ServerState enumerates the lifecycle states reported per server.
type ServerState string

const (
	StateStarting ServerState = "starting"
	StateRunning  ServerState = "running"
	StateStopping ServerState = "stopping"
	StateStopped  ServerState = "stopped"
	StateFailed   ServerState = "failed"
)

var serverStates = []ServerState{StateStarting, StateRunning, StateStopping, StateStopped, StateFailed}

// Registry bundles every instrument the framework writes, registered on a
// dedicated prometheus registry so embedders can expose or merge it as they
// see fit.
type Registry struct {
	reg *prometheus.Registry

	serverState        *prometheus.GaugeVec
	ConnectionsActive  *prometheus.GaugeVec
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionsDropped *prometheus.CounterVec
	BytesIn            *prometheus.CounterVec
	BytesOut           *prometheus.CounterVec
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	RateLimitedTotal   *prometheus.CounterVec
	KickedTotal        *prometheus.CounterVec
	ReconnectsTotal    *prometheus.CounterVec
	HeartbeatTimeouts  *prometheus.CounterVec
	PendingFutures     *prometheus.GaugeVec
}

// NewRegistry creates the instrument set on a fresh prometheus registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		serverState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatewire", Name: "server_state",
			Help: "One-hot server lifecycle state (1 for the current state).",
		}, []string{"server", "state"}),
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatewire", Name: "connections_active",
			Help: "Currently open connections per server.",
		}, []string{"server"}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewire", Name: "connections_total",
			Help: "Connections accepted since start.",
		}, []string{"server"}),
		ConnectionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewire", Name: "connections_dropped_total",
			Help: "Connections refused or force-closed, by cause.",
		}, []string{"server", "cause"}),
		BytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewire", Name: "bytes_in_total",
			Help: "Payload bytes received per server.",
		}, []string{"server"}),
		BytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewire", Name: "bytes_out_total",
			Help: "Payload bytes written per server.",
		}, []string{"server"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewire", Name: "requests_total",
			Help: "Dispatched requests by logical status code.",
		}, []string{"server", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gatewire", Name: "request_duration_seconds",
			Help:    "Handler latency from dispatch to normalized response.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server"}),
		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewire", Name: "rate_limited_total",
			Help: "Messages hit by the rate limiter, by applied action.",
		}, []string{"server", "action"}),
		KickedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewire", Name: "kicked_connections_total",
			Help: "Connections force-closed by the KICK_OLD policy.",
		}, []string{"server"}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewire", Name: "reconnects_total",
			Help: "Reconnect attempts per client.",
		}, []string{"client"}),
		HeartbeatTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewire", Name: "heartbeat_timeouts_total",
			Help: "Heartbeat responses that never arrived in time.",
		}, []string{"client"}),
		PendingFutures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatewire", Name: "pending_futures",
			Help: "Response futures awaiting completion per client.",
		}, []string{"client"}),
	}

	reg.MustRegister(
		r.serverState, r.ConnectionsActive, r.ConnectionsTotal, r.ConnectionsDropped,
		r.BytesIn, r.BytesOut, r.RequestsTotal, r.RequestDuration,
		r.RateLimitedTotal, r.KickedTotal, r.ReconnectsTotal,
		r.HeartbeatTimeouts, r.PendingFutures,
	)
	return r
}

// Gatherer exposes the underlying registry read-only for scraping.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Registerer allows embedders to add their own collectors alongside ours.
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// SetServerState flips the one-hot state gauge for a server.
func (r *Registry) SetServerState(server string, state ServerState) {
	for _, s := range serverStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		r.serverState.WithLabelValues(server, string(s)).Set(v)
	}
}
