// Package config defines the declarative server/client specs that drive
// gatewire and binds them from YAML. Core packages consume the built spec
// structs; nothing outside this package parses configuration files.
package config

import "time"

// Transport identifies the listener/dialer kind a spec binds to.
type Transport string

const (
	TransportTCP  Transport = "tcp"
	TransportUDP  Transport = "udp"
	TransportHTTP Transport = "http"
	TransportQUIC Transport = "quic"
)

// RoutingMode selects how the route key of an inbound message is derived.
type RoutingMode string

const (
	// RoutePath routes by HTTP request path (and method).
	RoutePath RoutingMode = "path"
	// RouteMessageType routes by the "type" field of the message envelope.
	RouteMessageType RoutingMode = "message-type"
	// RouteWSPath routes every message on a WebSocket by its upgrade path.
	RouteWSPath RoutingMode = "ws-path"
)

// RateLimitAction is applied to non-HTTP traffic once a bucket is drained.
type RateLimitAction string

const (
	ActionDrop   RateLimitAction = "drop"
	ActionClose  RateLimitAction = "close"
	ActionReject RateLimitAction = "reject"
)

// BackpressureStrategy is applied when pending writes pass the high-water mark.
type BackpressureStrategy string

const (
	StrategySuspendRead BackpressureStrategy = "suspend-read"
	StrategyDrop        BackpressureStrategy = "drop"
	StrategyDisconnect  BackpressureStrategy = "disconnect"
)

// AuthMode selects the authentication state machine.
type AuthMode string

const (
	AuthToken      AuthMode = "token"
	AuthCredential AuthMode = "credential"
)

// ConnPolicy governs multiple connections for one authenticated user.
type ConnPolicy string

const (
	PolicyAllow     ConnPolicy = "allow"
	PolicyRejectNew ConnPolicy = "reject-new"
	PolicyKickOld   ConnPolicy = "kick-old"
)

// ServerSpec declares one listener. Immutable once normalized.
type ServerSpec struct {
	Name      string      `yaml:"name"`
	Transport Transport   `yaml:"transport"`
	Host      string      `yaml:"host"`
	Port      int         `yaml:"port"`
	Profile   string      `yaml:"profile"`
	Routing   RoutingMode `yaml:"routing"`
	WSPath    string      `yaml:"wsPath"`

	Threads  *ThreadSpec   `yaml:"threads"`
	Shutdown *ShutdownSpec `yaml:"shutdown"`
	Features *FeatureSet   `yaml:"features"`
}

// ClientSpec declares one outbound connection pool. Immutable once normalized.
type ClientSpec struct {
	Name      string    `yaml:"name"`
	Transport Transport `yaml:"transport"`
	Host      string    `yaml:"host"`
	Port      int       `yaml:"port"`
	Profile   string    `yaml:"profile"`
	WSPath    string    `yaml:"wsPath"`

	Features  *FeatureSet    `yaml:"features"`
	Pool      *PoolSpec      `yaml:"pool"`
	Reconnect *ReconnectSpec `yaml:"reconnect"`
	Heartbeat *HeartbeatSpec `yaml:"heartbeat"`
	Request   *RequestSpec   `yaml:"request"`
}

// ThreadSpec sizes the accept and worker goroutine budgets. Zero means auto.
type ThreadSpec struct {
	Boss   int `yaml:"boss"`
	Worker int `yaml:"worker"`
}

// ShutdownSpec controls graceful stop: drain quietly, then force-close.
type ShutdownSpec struct {
	QuietPeriodMs int64 `yaml:"quietPeriodMs"`
	TimeoutMs     int64 `yaml:"timeoutMs"`
}

func (s *ShutdownSpec) QuietPeriod() time.Duration {
	return time.Duration(s.QuietPeriodMs) * time.Millisecond
}

func (s *ShutdownSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// FeatureSet carries one optional block per built-in feature. A nil block
// means the feature is absent for this spec (defaults may still supply one).
type FeatureSet struct {
	SSL             *SSLSpec             `yaml:"ssl"`
	ConnectionLimit *ConnectionLimitSpec `yaml:"connectionLimit"`
	Compression     *CompressionSpec     `yaml:"compression"`
	Logging         *LoggingSpec         `yaml:"logging"`
	RateLimit       *RateLimitSpec       `yaml:"rateLimit"`
	Idle            *IdleSpec            `yaml:"idle"`
	Backpressure    *BackpressureSpec    `yaml:"backpressure"`
	Auth            *AuthSpec            `yaml:"auth"`
	Metrics         *MetricsSpec         `yaml:"metrics"`
}

// SSLSpec configures TLS. Without cert/key a self-signed development
// certificate is generated (with a warning).
type SSLSpec struct {
	Enabled        bool   `yaml:"enabled"`
	CertFile       string `yaml:"certFile"`
	KeyFile        string `yaml:"keyFile"`
	ClientAuth     bool   `yaml:"clientAuth"`
	TrustCertFile  string `yaml:"trustCertFile"`
	SelfSignedHost string `yaml:"selfSignedHost"`
}

// ConnectionLimitSpec caps concurrently open connections per listener.
type ConnectionLimitSpec struct {
	Enabled        bool `yaml:"enabled"`
	MaxConnections int  `yaml:"maxConnections"`
}

// CompressionSpec enables gzip payload compression between framing and codec.
type CompressionSpec struct {
	Enabled bool `yaml:"enabled"`
	Level   int  `yaml:"level"`
	MinSize int  `yaml:"minSize"`
}

// LoggingSpec attaches the pass-through diagnostic stage.
type LoggingSpec struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
}

// RateLimitSpec configures the per-connection token bucket.
type RateLimitSpec struct {
	Enabled           bool            `yaml:"enabled"`
	RequestsPerSecond float64         `yaml:"requestsPerSecond"`
	BurstSize         int             `yaml:"burstSize"`
	Action            RateLimitAction `yaml:"action"`
}

// IdleSpec configures read/write/all idle detection. Zero disables a timer.
type IdleSpec struct {
	Enabled     bool  `yaml:"enabled"`
	ReadIdleMs  int64 `yaml:"readIdleMs"`
	WriteIdleMs int64 `yaml:"writeIdleMs"`
	AllIdleMs   int64 `yaml:"allIdleMs"`
}

// BackpressureSpec bounds pending outbound writes per connection.
type BackpressureSpec struct {
	Enabled           bool                 `yaml:"enabled"`
	HighWaterMark     int64                `yaml:"highWaterMark"`
	OverflowThreshold int64                `yaml:"overflowThreshold"`
	Strategy          BackpressureStrategy `yaml:"strategy"`
}

// AuthSpec configures the authentication stage and per-user connection policy.
type AuthSpec struct {
	Enabled               bool       `yaml:"enabled"`
	Mode                  AuthMode   `yaml:"mode"`
	Header                string     `yaml:"header"`
	AuthRoute             string     `yaml:"authRoute"`
	ExcludePaths          []string   `yaml:"excludePaths"`
	CloseOnFailure        bool       `yaml:"closeOnFailure"`
	TimeoutMs             int64      `yaml:"timeoutMs"`
	TokenCacheTTLMs       int64      `yaml:"tokenCacheTtlMs"`
	MaxConnectionsPerUser int        `yaml:"maxConnectionsPerUser"`
	Policy                ConnPolicy `yaml:"policy"`
}

func (s *AuthSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

func (s *AuthSpec) TokenCacheTTL() time.Duration {
	return time.Duration(s.TokenCacheTTLMs) * time.Millisecond
}

// MetricsSpec attaches the per-message instrumentation stage.
type MetricsSpec struct {
	Enabled bool `yaml:"enabled"`
}

// PoolSpec bounds the outbound connection pool.
type PoolSpec struct {
	MaxConnections   int   `yaml:"maxConnections"`
	AcquireTimeoutMs int64 `yaml:"acquireTimeoutMs"`
	FailFast         bool  `yaml:"failFast"`
}

func (s *PoolSpec) AcquireTimeout() time.Duration {
	return time.Duration(s.AcquireTimeoutMs) * time.Millisecond
}

// ReconnectSpec configures exponential-backoff reconnection.
// MaxRetries of -1 retries forever.
type ReconnectSpec struct {
	Enabled        bool    `yaml:"enabled"`
	InitialDelayMs int64   `yaml:"initialDelayMs"`
	Multiplier     float64 `yaml:"multiplier"`
	MaxDelayMs     int64   `yaml:"maxDelayMs"`
	MaxRetries     int     `yaml:"maxRetries"`
}

func (s *ReconnectSpec) InitialDelay() time.Duration {
	return time.Duration(s.InitialDelayMs) * time.Millisecond
}

func (s *ReconnectSpec) MaxDelay() time.Duration {
	return time.Duration(s.MaxDelayMs) * time.Millisecond
}

// HeartbeatSpec configures keep-alive traffic on pool members.
type HeartbeatSpec struct {
	Enabled    bool   `yaml:"enabled"`
	IntervalMs int64  `yaml:"intervalMs"`
	TimeoutMs  int64  `yaml:"timeoutMs"`
	Payload    string `yaml:"payload"`
}

func (s *HeartbeatSpec) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

func (s *HeartbeatSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// RequestSpec configures request/response correlation on a client.
type RequestSpec struct {
	TimeoutMs       int64 `yaml:"timeoutMs"`
	SweepIntervalMs int64 `yaml:"sweepIntervalMs"`
}

func (s *RequestSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

func (s *RequestSpec) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalMs) * time.Millisecond
}
