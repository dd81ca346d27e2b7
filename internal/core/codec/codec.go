// Package codec translates message payloads between wire bytes and Go values.
// Codecs are stateless and safe for concurrent use; profiles name the codec
// they apply after framing and the dispatcher uses the same codec to decode
// handler body parameters.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrEncodeFailed = errors.New("payload encode failed")
	ErrDecodeFailed = errors.New("payload decode failed")
)

// Codec encodes Go values to payload bytes and back.
type Codec interface {
	// Name is the registry key, e.g. "json".
	Name() string
	// Encode marshals v. Failures propagate to the caller.
	Encode(v any) ([]byte, error)
	// Decode unmarshals data into the value pointed to by into.
	Decode(data []byte, into any) error
}

// Registry maps codec names to implementations. Registration happens at
// startup; lookups run on the per-message path.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Register stores c under its name. Last registration wins on collision.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	r.codecs[c.Name()] = c
	r.mu.Unlock()
}

// Get returns the codec registered under name.
func (r *Registry) Get(name string) (Codec, bool) {
	r.mu.RLock()
	c, ok := r.codecs[name]
	r.mu.RUnlock()
	return c, ok
}

// Required returns the codec registered under name or a startup-fatal error
// listing the registered names.
func (r *Registry) Required(name string) (Codec, error) {
	if c, ok := r.Get(name); ok {
		return c, nil
	}
	r.mu.RLock()
	names := make([]string, 0, len(r.codecs))
	for n := range r.codecs {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return nil, fmt.Errorf("unknown codec %q: registered codecs are [%s]", name, strings.Join(names, ", "))
}

// NewDefaultRegistry returns a registry with the built-in codecs.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(JSON{})
	return r
}
