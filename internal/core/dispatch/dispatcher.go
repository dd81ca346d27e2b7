package dispatch

import (
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
	"github.com/gatewire/gatewire/internal/core/router"
)

// Dispatcher routes inbound messages to compiled handler bindings. One
// instance serves every connection of a server; all per-request state lives
// in the call context.
type Dispatcher struct {
	routes *router.Router
	log    log.Log
}

// NewDispatcher builds the pipeline terminus over a route table.
func NewDispatcher(routes *router.Router, lg log.Log) *Dispatcher {
	if lg == nil {
		lg = log.Nop()
	}
	return &Dispatcher{routes: routes, log: lg}
}

var _ pipeline.Dispatcher = (*Dispatcher)(nil)

// Dispatch resolves, invokes, and normalizes. It owns the inbound's payload
// buffer: release happens on every path once the handler (and any future it
// returned) is finished with the bytes. No route is a 404 outcome, a handler
// error or panic a 500 outcome; neither touches the connection.
func (d *Dispatcher) Dispatch(ctx *pipeline.Context, in *message.Inbound) (out *message.Outbound) {
	defer in.Release()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		d.log.Error("handler panic",
			log.String("route", in.RouteKey),
			log.Any("panic", r),
			log.String("stack", string(debug.Stack())),
		)
		out = message.Fail(500, "INTERNAL", fmt.Sprintf("%v", r))
	}()

	m, ok := d.routes.Find(ctx.ServerName(), in.Method, in.RouteKey)
	if !ok {
		return message.Fail(404, "NOT_FOUND", "no route for "+in.RouteKey)
	}
	b, ok := m.Route.Binding.(*binding)
	if !ok {
		d.log.Error("route binding is not invokable", log.String("route", in.RouteKey))
		return message.Fail(500, "INTERNAL", "route binding is not invokable")
	}

	cc := &callCtx{ctx: ctx, in: in, vars: m.Vars, log: d.log}
	args := make([]reflect.Value, len(b.params))
	for i, resolve := range b.params {
		args[i] = resolve(cc)
	}
	rets := b.fn.Call(args)

	switch b.outs {
	case 0:
		return nil
	case 1:
		if b.errOnly {
			if !rets[0].IsNil() {
				return failFromErr(rets[0].Interface().(error))
			}
			return nil
		}
		return d.normalize(ctx, rets[0].Interface())
	default:
		if !rets[1].IsNil() {
			return failFromErr(rets[1].Interface().(error))
		}
		return d.normalize(ctx, rets[0].Interface())
	}
}

// normalize maps a handler result onto the wire outcome: nil writes nothing,
// an Outbound passes through, a Future is awaited and its value re-enters the
// same normalization, anything else is a 200 payload. Sync and async paths
// must shape identical results identically.
func (d *Dispatcher) normalize(ctx *pipeline.Context, v any) *message.Outbound {
	switch r := v.(type) {
	case nil:
		return nil
	case *message.Outbound:
		return r
	case *Future:
		if r == nil {
			return nil
		}
		select {
		case <-r.Done():
			val, err := r.Result()
			if err != nil {
				return failFromErr(err)
			}
			return d.normalize(ctx, val)
		case <-ctx.RequestContext().Done():
			// Connection gone or request cancelled; nothing to write to.
			return nil
		}
	case error:
		return failFromErr(r)
	default:
		return message.OK(v)
	}
}

func failFromErr(err error) *message.Outbound {
	return message.Fail(500, "HANDLER_ERROR", err.Error())
}
