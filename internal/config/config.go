package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults is a partial spec applied to every server and client that does not
// override the corresponding block itself. Instance-level blocks always win.
type Defaults struct {
	Threads   *ThreadSpec    `yaml:"threads"`
	Shutdown  *ShutdownSpec  `yaml:"shutdown"`
	Features  *FeatureSet    `yaml:"features"`
	Pool      *PoolSpec      `yaml:"pool"`
	Reconnect *ReconnectSpec `yaml:"reconnect"`
	Heartbeat *HeartbeatSpec `yaml:"heartbeat"`
	Request   *RequestSpec   `yaml:"request"`
}

// Config is the root document: shared defaults plus the declared servers and
// clients.
type Config struct {
	Defaults Defaults     `yaml:"defaults"`
	Servers  []ServerSpec `yaml:"servers"`
	Clients  []ClientSpec `yaml:"clients"`
}

// Load reads, binds, normalizes and validates a YAML config file. Unknown
// fields are rejected so typos fail startup instead of silently defaulting.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse binds a YAML document. See Load.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("bind config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize merges defaults into each spec and fills library defaults into
// anything still unset. Must be called before Validate.
func (c *Config) Normalize() {
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Threads == nil {
			s.Threads = c.Defaults.Threads
		}
		if s.Shutdown == nil {
			s.Shutdown = c.Defaults.Shutdown
		}
		s.Features = mergeFeatures(s.Features, c.Defaults.Features)
		s.normalize()
	}
	for i := range c.Clients {
		cl := &c.Clients[i]
		if cl.Pool == nil {
			cl.Pool = c.Defaults.Pool
		}
		if cl.Reconnect == nil {
			cl.Reconnect = c.Defaults.Reconnect
		}
		if cl.Heartbeat == nil {
			cl.Heartbeat = c.Defaults.Heartbeat
		}
		if cl.Request == nil {
			cl.Request = c.Defaults.Request
		}
		cl.Features = mergeFeatures(cl.Features, c.Defaults.Features)
		cl.normalize()
	}
}

// mergeFeatures overlays instance feature blocks onto the default set.
// Block granularity: a present instance block fully replaces the default one.
func mergeFeatures(inst, def *FeatureSet) *FeatureSet {
	if inst == nil && def == nil {
		return &FeatureSet{}
	}
	if inst == nil {
		cp := *def
		return &cp
	}
	if def == nil {
		return inst
	}
	out := *inst
	if out.SSL == nil {
		out.SSL = def.SSL
	}
	if out.ConnectionLimit == nil {
		out.ConnectionLimit = def.ConnectionLimit
	}
	if out.Compression == nil {
		out.Compression = def.Compression
	}
	if out.Logging == nil {
		out.Logging = def.Logging
	}
	if out.RateLimit == nil {
		out.RateLimit = def.RateLimit
	}
	if out.Idle == nil {
		out.Idle = def.Idle
	}
	if out.Backpressure == nil {
		out.Backpressure = def.Backpressure
	}
	if out.Auth == nil {
		out.Auth = def.Auth
	}
	if out.Metrics == nil {
		out.Metrics = def.Metrics
	}
	return &out
}

func (s *ServerSpec) normalize() {
	if s.Host == "" {
		s.Host = "0.0.0.0"
	}
	if s.Routing == "" {
		switch s.Transport {
		case TransportHTTP:
			s.Routing = RoutePath
		default:
			s.Routing = RouteMessageType
		}
	}
	if s.WSPath == "" {
		s.WSPath = "/ws"
	}
	if s.Threads == nil {
		s.Threads = &ThreadSpec{}
	}
	if s.Shutdown == nil {
		s.Shutdown = &ShutdownSpec{QuietPeriodMs: 2000, TimeoutMs: 15000}
	}
	if s.Features == nil {
		s.Features = &FeatureSet{}
	}
	normalizeFeatures(s.Features)
}

func (c *ClientSpec) normalize() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.WSPath == "" {
		c.WSPath = "/ws"
	}
	if c.Pool == nil {
		c.Pool = &PoolSpec{MaxConnections: 1, AcquireTimeoutMs: 5000}
	}
	if c.Pool.MaxConnections <= 0 {
		c.Pool.MaxConnections = 1
	}
	if c.Pool.AcquireTimeoutMs <= 0 {
		c.Pool.AcquireTimeoutMs = 5000
	}
	if c.Reconnect == nil {
		c.Reconnect = &ReconnectSpec{}
	}
	if c.Reconnect.Enabled {
		if c.Reconnect.InitialDelayMs <= 0 {
			c.Reconnect.InitialDelayMs = 1000
		}
		if c.Reconnect.Multiplier < 1 {
			c.Reconnect.Multiplier = 2.0
		}
		if c.Reconnect.MaxDelayMs <= 0 {
			c.Reconnect.MaxDelayMs = 30000
		}
		if c.Reconnect.MaxRetries == 0 {
			c.Reconnect.MaxRetries = -1
		}
	}
	if c.Heartbeat == nil {
		c.Heartbeat = &HeartbeatSpec{}
	}
	if c.Heartbeat.Enabled {
		if c.Heartbeat.IntervalMs <= 0 {
			c.Heartbeat.IntervalMs = 30000
		}
		if c.Heartbeat.TimeoutMs <= 0 {
			c.Heartbeat.TimeoutMs = 10000
		}
		if c.Heartbeat.Payload == "" {
			c.Heartbeat.Payload = `{"type":"ping"}`
		}
	}
	if c.Request == nil {
		c.Request = &RequestSpec{}
	}
	if c.Request.TimeoutMs <= 0 {
		c.Request.TimeoutMs = 5000
	}
	if c.Request.SweepIntervalMs <= 0 {
		c.Request.SweepIntervalMs = 100
	}
	if c.Features == nil {
		c.Features = &FeatureSet{}
	}
	normalizeFeatures(c.Features)
}

func normalizeFeatures(f *FeatureSet) {
	if f.Auth != nil {
		if f.Auth.Mode == "" {
			f.Auth.Mode = AuthToken
		}
		if f.Auth.Header == "" {
			f.Auth.Header = "Authorization"
		}
		if f.Auth.AuthRoute == "" {
			f.Auth.AuthRoute = "/auth"
		}
		if f.Auth.TimeoutMs <= 0 {
			f.Auth.TimeoutMs = 10000
		}
		if f.Auth.MaxConnectionsPerUser <= 0 {
			f.Auth.MaxConnectionsPerUser = 1
		}
		if f.Auth.Policy == "" {
			f.Auth.Policy = PolicyAllow
		}
	}
	if f.RateLimit != nil && f.RateLimit.Action == "" {
		f.RateLimit.Action = ActionReject
	}
	if f.Backpressure != nil {
		if f.Backpressure.Strategy == "" {
			f.Backpressure.Strategy = StrategySuspendRead
		}
		if f.Backpressure.HighWaterMark <= 0 {
			f.Backpressure.HighWaterMark = 256 * 1024
		}
	}
	if f.Compression != nil && f.Compression.MinSize <= 0 {
		f.Compression.MinSize = 1024
	}
}

var validTransports = []Transport{TransportTCP, TransportUDP, TransportHTTP, TransportQUIC}

// Validate reports the first startup-fatal problem with the bound config.
// Errors name the offending field and, where a closed set applies, the valid
// alternatives.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Servers)+len(c.Clients))
	for i := range c.Servers {
		if err := c.Servers[i].validate(); err != nil {
			return err
		}
		if _, dup := seen[c.Servers[i].Name]; dup {
			return fmt.Errorf("server name %q: duplicate name", c.Servers[i].Name)
		}
		seen[c.Servers[i].Name] = struct{}{}
	}
	for i := range c.Clients {
		if err := c.Clients[i].validate(); err != nil {
			return err
		}
		if _, dup := seen[c.Clients[i].Name]; dup {
			return fmt.Errorf("client name %q: duplicate name", c.Clients[i].Name)
		}
		seen[c.Clients[i].Name] = struct{}{}
	}
	return nil
}

func (s *ServerSpec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("server name: must not be empty")
	}
	if !transportValid(s.Transport) {
		return fmt.Errorf("server %q transport %q: must be one of %s", s.Name, s.Transport, transportList())
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server %q port %d: must be in 1..65535", s.Name, s.Port)
	}
	if s.Profile == "" {
		return fmt.Errorf("server %q profile: must not be empty", s.Name)
	}
	switch s.Routing {
	case RoutePath, RouteMessageType, RouteWSPath:
	default:
		return fmt.Errorf("server %q routing %q: must be one of %q, %q, %q",
			s.Name, s.Routing, RoutePath, RouteMessageType, RouteWSPath)
	}
	return validateFeatures(s.Name, s.Features)
}

func (c *ClientSpec) validate() error {
	if c.Name == "" {
		return fmt.Errorf("client name: must not be empty")
	}
	if !transportValid(c.Transport) {
		return fmt.Errorf("client %q transport %q: must be one of %s", c.Name, c.Transport, transportList())
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("client %q port %d: must be in 1..65535", c.Name, c.Port)
	}
	if c.Profile == "" {
		return fmt.Errorf("client %q profile: must not be empty", c.Name)
	}
	if c.Reconnect.Enabled && c.Reconnect.MaxRetries < -1 {
		return fmt.Errorf("client %q reconnect.maxRetries %d: must be -1 (unbounded) or >= 0",
			c.Name, c.Reconnect.MaxRetries)
	}
	return validateFeatures(c.Name, c.Features)
}

func validateFeatures(owner string, f *FeatureSet) error {
	if f == nil {
		return nil
	}
	if rl := f.RateLimit; rl != nil && rl.Enabled {
		if rl.RequestsPerSecond <= 0 {
			return fmt.Errorf("%q rateLimit.requestsPerSecond %v: must be > 0", owner, rl.RequestsPerSecond)
		}
		if rl.BurstSize <= 0 {
			return fmt.Errorf("%q rateLimit.burstSize %d: must be > 0", owner, rl.BurstSize)
		}
		switch rl.Action {
		case ActionDrop, ActionClose, ActionReject:
		default:
			return fmt.Errorf("%q rateLimit.action %q: must be one of %q, %q, %q",
				owner, rl.Action, ActionDrop, ActionClose, ActionReject)
		}
	}
	if bp := f.Backpressure; bp != nil && bp.Enabled {
		switch bp.Strategy {
		case StrategySuspendRead, StrategyDrop, StrategyDisconnect:
		default:
			return fmt.Errorf("%q backpressure.strategy %q: must be one of %q, %q, %q",
				owner, bp.Strategy, StrategySuspendRead, StrategyDrop, StrategyDisconnect)
		}
		if bp.OverflowThreshold > 0 && bp.OverflowThreshold < bp.HighWaterMark {
			return fmt.Errorf("%q backpressure.overflowThreshold %d: must be >= highWaterMark %d",
				owner, bp.OverflowThreshold, bp.HighWaterMark)
		}
	}
	if a := f.Auth; a != nil && a.Enabled {
		switch a.Mode {
		case AuthToken, AuthCredential:
		default:
			return fmt.Errorf("%q auth.mode %q: must be one of %q, %q", owner, a.Mode, AuthToken, AuthCredential)
		}
		switch a.Policy {
		case PolicyAllow, PolicyRejectNew, PolicyKickOld:
		default:
			return fmt.Errorf("%q auth.policy %q: must be one of %q, %q, %q",
				owner, a.Policy, PolicyAllow, PolicyRejectNew, PolicyKickOld)
		}
	}
	if cl := f.ConnectionLimit; cl != nil && cl.Enabled && cl.MaxConnections <= 0 {
		return fmt.Errorf("%q connectionLimit.maxConnections %d: must be > 0", owner, cl.MaxConnections)
	}
	return nil
}

func transportValid(t Transport) bool {
	for _, v := range validTransports {
		if t == v {
			return true
		}
	}
	return false
}

func transportList() string {
	names := make([]string, len(validTransports))
	for i, t := range validTransports {
		names[i] = string(t)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
