package dispatch

import (
	"reflect"
	"runtime"

	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/router"
)

// binding is one compiled handler: the function plus the parameter plan built
// by reflection at registration time, so dispatch does no per-request type
// analysis.
type binding struct {
	fn      reflect.Value
	params  []paramResolver
	outs    int
	errOnly bool
	name    string
}

func newBinding(fn any) (*binding, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil, errors.Errorf("handler must be a func, got %T", fn)
	}
	t := v.Type()
	b := &binding{
		fn:   v,
		outs: t.NumOut(),
		name: runtime.FuncForPC(v.Pointer()).Name(),
	}
	switch t.NumOut() {
	case 0:
	case 1:
		b.errOnly = t.Out(0) == errorType
	case 2:
		if !t.Out(1).Implements(errorType) {
			return nil, errors.Errorf("handler %s: second return must be error, got %s", b.name, t.Out(1))
		}
	default:
		return nil, errors.Errorf("handler %s: at most two return values, got %d", b.name, t.NumOut())
	}
	for i := 0; i < t.NumIn(); i++ {
		b.params = append(b.params, resolverFor(t.In(i)))
	}
	return b, nil
}

// Option adjusts one route registration.
type Option func(*router.Route)

// WithMethod restricts the route to one HTTP method.
func WithMethod(method string) Option {
	return func(r *router.Route) { r.Method = method }
}

// WithServer restricts the route to the named server.
func WithServer(server string) Option {
	return func(r *router.Route) { r.Server = server }
}

// Table registers handlers against the route table. It is the Go surface for
// route declarations: explicit calls at startup instead of scanning.
type Table struct {
	routes *router.Router
	log    log.Log
}

// NewTable wraps a router with handler compilation.
func NewTable(routes *router.Router, lg log.Log) *Table {
	if lg == nil {
		lg = log.Nop()
	}
	return &Table{routes: routes, log: lg}
}

// Router exposes the underlying route table.
func (t *Table) Router() *router.Router { return t.routes }

// Handle compiles fn and registers it under key. The key is an HTTP path for
// path-routed servers or a message type elsewhere, and may contain {var}
// placeholders.
func (t *Table) Handle(key string, fn any, opts ...Option) error {
	b, err := newBinding(fn)
	if err != nil {
		return errors.Wrapf(err, "route %q", key)
	}
	route := router.Route{Key: key, Binding: b}
	for _, opt := range opts {
		opt(&route)
	}
	return t.routes.Register(route)
}

// MustHandle is Handle for static startup wiring; registration errors are
// programming errors there.
func (t *Table) MustHandle(key string, fn any, opts ...Option) {
	if err := t.Handle(key, fn, opts...); err != nil {
		panic(err)
	}
}
