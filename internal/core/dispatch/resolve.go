package dispatch

import (
	"context"
	"reflect"

	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
)

// PathVars carries the {var} captures of a pattern route into a handler
// parameter.
type PathVars map[string]string

// Query carries the request's query parameters into a handler parameter.
type Query map[string]string

// Headers carries the request's headers into a handler parameter.
type Headers map[string]string

// callCtx is the per-invocation state every resolver draws from.
type callCtx struct {
	ctx  *pipeline.Context
	in   *message.Inbound
	vars map[string]string
	log  log.Log
}

type paramResolver func(c *callCtx) reflect.Value

var (
	connCtxType  = reflect.TypeOf((*pipeline.Context)(nil))
	inboundType  = reflect.TypeOf((*message.Inbound)(nil))
	pathVarsType = reflect.TypeOf(PathVars(nil))
	queryType    = reflect.TypeOf(Query(nil))
	headersType  = reflect.TypeOf(Headers(nil))
	stdCtxType   = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
	bytesType    = reflect.TypeOf([]byte(nil))
)

// resolverFor plans how one handler parameter is produced. The chain is
// ordered: connection context, raw message, path vars, query, headers,
// request context, and finally the body conversion for everything else.
func resolverFor(pt reflect.Type) paramResolver {
	switch pt {
	case connCtxType:
		return func(c *callCtx) reflect.Value { return reflect.ValueOf(c.ctx) }
	case inboundType:
		return func(c *callCtx) reflect.Value { return reflect.ValueOf(c.in) }
	case pathVarsType:
		return func(c *callCtx) reflect.Value { return reflect.ValueOf(PathVars(c.vars)) }
	case queryType:
		return func(c *callCtx) reflect.Value { return reflect.ValueOf(Query(c.in.Query)) }
	case headersType:
		return func(c *callCtx) reflect.Value { return reflect.ValueOf(Headers(c.in.Headers)) }
	case stdCtxType:
		return func(c *callCtx) reflect.Value { return reflect.ValueOf(c.ctx.RequestContext()) }
	default:
		return bodyResolver(pt)
	}
}

// bodyResolver converts the inbound payload to the parameter type: identity
// when a typed body already satisfies it, raw bytes for []byte, otherwise a
// codec decode. Decode failures resolve to the zero value and the request
// proceeds; handlers tolerate zero bodies.
func bodyResolver(pt reflect.Type) paramResolver {
	return func(c *callCtx) reflect.Value {
		if c.in.Body != nil {
			bv := reflect.ValueOf(c.in.Body)
			if bv.Type().AssignableTo(pt) {
				return bv
			}
		}
		if pt == bytesType {
			return reflect.ValueOf(c.in.Payload())
		}
		payload := c.in.Payload()
		cdc := c.ctx.Codec()
		if len(payload) == 0 || cdc == nil {
			return reflect.Zero(pt)
		}
		if pt.Kind() == reflect.Ptr {
			target := reflect.New(pt.Elem())
			if err := cdc.Decode(payload, target.Interface()); err != nil {
				c.log.Debug("body decode failed",
					log.String("route", c.in.RouteKey),
					log.Error(err),
				)
				return reflect.Zero(pt)
			}
			return target
		}
		target := reflect.New(pt)
		if err := cdc.Decode(payload, target.Interface()); err != nil {
			c.log.Debug("body decode failed",
				log.String("route", c.in.RouteKey),
				log.Error(err),
			)
			return reflect.Zero(pt)
		}
		return target.Elem()
	}
}
