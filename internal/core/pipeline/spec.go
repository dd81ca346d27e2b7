// Package pipeline turns a declarative server or client spec into the ordered
// per-connection processing chain: transport framing, codec, governance and
// business stages, dispatch, and a trailing exception boundary.
package pipeline

import "github.com/gatewire/gatewire/internal/config"

// Kind distinguishes server-side from client-side pipelines.
type Kind int

const (
	KindServer Kind = iota
	KindClient
)

func (k Kind) String() string {
	if k == KindClient {
		return "client"
	}
	return "server"
}

// Spec is the slice of one server or client declaration that profiles,
// features and configurers consult during assembly.
type Spec struct {
	Name      string
	Kind      Kind
	Transport config.Transport
	Profile   string
	Routing   config.RoutingMode
	WSPath    string
	Features  *config.FeatureSet
}

// ServerTarget projects a bound server spec.
func ServerTarget(s *config.ServerSpec) Spec {
	return Spec{
		Name:      s.Name,
		Kind:      KindServer,
		Transport: s.Transport,
		Profile:   s.Profile,
		Routing:   s.Routing,
		WSPath:    s.WSPath,
		Features:  s.Features,
	}
}

// ClientTarget projects a bound client spec. Clients route inbound pushes by
// message type.
func ClientTarget(c *config.ClientSpec) Spec {
	return Spec{
		Name:      c.Name,
		Kind:      KindClient,
		Transport: c.Transport,
		Profile:   c.Profile,
		Routing:   config.RouteMessageType,
		WSPath:    c.WSPath,
		Features:  c.Features,
	}
}

// FeatureSet returns the spec's feature configuration, never nil.
func (s Spec) FeatureSet() *config.FeatureSet {
	if s.Features == nil {
		return &config.FeatureSet{}
	}
	return s.Features
}
