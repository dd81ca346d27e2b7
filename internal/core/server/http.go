package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/config"
	"github.com/gatewire/gatewire/internal/core/codec"
	"github.com/gatewire/gatewire/internal/core/conn"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
	"github.com/gatewire/gatewire/internal/core/profile"
)

// pipeCtxKey stashes the per-connection pipeline in the request context.
type pipeCtxKey struct{}

// httpRuntime serves the http profile and the websocket profile. Pipelines
// are assembled per TCP connection, not per request, so connection-scoped
// features govern exchanges exactly like the stream transports.
type httpRuntime struct {
	base
	srv      *http.Server
	ln       net.Listener
	ws       bool
	upgrader websocket.Upgrader

	pmu   sync.Mutex
	plain map[net.Conn]*conn.Plain
}

func (rt *httpRuntime) Start(context.Context) error {
	p, err := rt.asm.Assemble()
	if err != nil {
		return errors.Wrapf(err, "server %s", rt.spec.Name)
	}
	switch rt.asm.Profile().Protocol() {
	case message.ProtoHTTP:
	case message.ProtoWebSocket:
		rt.ws = true
	default:
		return errors.Errorf("server %s: profile %q does not run over http", rt.spec.Name, rt.spec.Profile)
	}

	addr := fmt.Sprintf("%s:%d", rt.spec.Host, rt.spec.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "server %s: listen %s", rt.spec.Name, addr)
	}
	if cfg := p.TLS(); cfg != nil {
		ln = tls.NewListener(ln, cfg)
	}
	rt.ln = ln

	srv := &http.Server{
		Handler:           rt,
		ReadHeaderTimeout: 10 * time.Second,
		// Pipelines assume sequential requests per connection; HTTP/2
		// multiplexes. Stay on HTTP/1.1.
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
	}
	if !rt.ws {
		srv.ConnContext = rt.connContext
		srv.ConnState = rt.connState
	}
	rt.srv = srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.log.Error("http server failed", log.Error(err))
		}
	}()
	rt.log.Info("http server listening",
		log.String("addr", ln.Addr().String()),
		log.Bool("websocket", rt.ws),
	)
	return nil
}

// connContext assembles the connection's pipeline as soon as the socket
// arrives. Refused sockets get no pipeline; their requests answer 503 while
// the close races the handler.
func (rt *httpRuntime) connContext(ctx context.Context, nc net.Conn) context.Context {
	cn := conn.NewPlain(nc)
	p := rt.admit(cn, rt.httpEgress)
	if p == nil {
		return ctx
	}
	rt.pmu.Lock()
	rt.plain[nc] = cn
	rt.pmu.Unlock()
	return context.WithValue(ctx, pipeCtxKey{}, p)
}

// connState mirrors net/http's connection teardown onto the wrapper so close
// hooks and the tracker fire when the server reaps a connection itself.
func (rt *httpRuntime) connState(nc net.Conn, st http.ConnState) {
	if st != http.StateClosed && st != http.StateHijacked {
		return
	}
	rt.pmu.Lock()
	cn := rt.plain[nc]
	delete(rt.plain, nc)
	rt.pmu.Unlock()
	if cn != nil && st == http.StateClosed {
		_ = cn.Close("connection closed")
	}
}

func (rt *httpRuntime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if rt.ws {
		rt.serveWS(w, r)
		return
	}
	p, _ := r.Context().Value(pipeCtxKey{}).(*pipeline.Pipeline)
	if p == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "connection was not admitted")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, profile.MaxLengthFrame)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "request body exceeds limit")
		return
	}

	ex := &httpExchange{w: w}
	in := &message.Inbound{
		Proto:      message.ProtoHTTP,
		RouteKey:   r.URL.Path,
		Method:     r.Method,
		Headers:    flattenHeader(r.Header),
		Query:      flattenQuery(r.URL.Query()),
		ReceivedAt: rt.clk.Now(),
		Origin:     ex,
	}
	in.SetRaw(body)

	pc := p.Context()
	pc.SetRequestContext(r.Context())
	defer pc.SetRequestContext(nil)
	_ = p.Fire(in)
	if !ex.wrote {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (rt *httpRuntime) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != rt.spec.WSPath {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "no websocket endpoint at "+r.URL.Path)
		return
	}
	wsc, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.log.Debug("websocket upgrade failed", log.Error(err))
		return
	}
	cn := conn.NewWS(wsc)
	p := rt.admit(cn, rt.streamEgress)
	if p == nil {
		return
	}
	rt.wsReadLoop(p, cn, r)
}

// wsReadLoop feeds websocket messages through the pipeline. The upgrade
// request's headers and query travel on every message, so handshake-borne
// credentials reach auth and handlers alike.
func (rt *httpRuntime) wsReadLoop(p *pipeline.Pipeline, cn *conn.WS, r *http.Request) {
	headers := flattenHeader(r.Header)
	query := flattenQuery(r.URL.Query())
	path := r.URL.Path
	routeByPath := rt.spec.Routing == config.RouteWSPath
	for {
		if err := cn.AwaitReadable(context.Background()); err != nil {
			return
		}
		data, err := cn.ReadMessage()
		if err != nil {
			rt.closeOnReadErr(cn, err)
			return
		}
		buf := message.GetBuffer(len(data))
		copy(buf.Bytes(), data)
		in := &message.Inbound{
			Proto:      message.ProtoWebSocket,
			Headers:    headers,
			Query:      query,
			ReceivedAt: rt.clk.Now(),
		}
		if routeByPath {
			in.RouteKey = path
		}
		in.SetBuffer(buf)
		if err := p.Fire(in); err != nil {
			return
		}
	}
}

// httpEgress answers over the originating exchange: raw payload bodies on
// success, the structured error shape on failure. Pushes have nowhere to go
// on a plain request channel.
func (rt *httpRuntime) httpEgress(*pipeline.Pipeline) pipeline.EgressFunc {
	return func(ctx *pipeline.Context, in *message.Inbound, out *message.Outbound) error {
		if in == nil {
			return errors.New("http egress: push without an originating request")
		}
		ex, ok := in.Origin.(*httpExchange)
		if !ok || ex == nil {
			return errors.New("http egress: request carries no exchange")
		}
		if ex.wrote {
			return nil
		}
		body, err := encodeHTTPBody(ctx.Codec(), out)
		if err != nil {
			rt.log.Error("response encode failed", log.String("route", in.RouteKey), log.Error(err))
			out = message.Fail(http.StatusInternalServerError, "ENCODE_FAILED", "response encoding failed")
			body = message.ErrorFrame("", "ENCODE_FAILED", "response encoding failed")
		}
		hdr := ex.w.Header()
		hdr.Set("Content-Type", "application/json")
		for k, v := range out.Headers {
			if k == message.TypeHeader {
				continue
			}
			hdr.Set(k, v)
		}
		ex.w.WriteHeader(out.Status)
		if len(body) > 0 {
			_, _ = ex.w.Write(body)
		}
		ex.wrote = true
		rt.wroteBytes(len(body))
		return nil
	}
}

func (rt *httpRuntime) Stop(ctx context.Context) error {
	if rt.srv == nil {
		return nil
	}
	budget := ctx
	if sd := rt.spec.Shutdown; sd != nil {
		var cancel context.CancelFunc
		budget, cancel = context.WithTimeout(ctx, sd.Timeout())
		defer cancel()
	}
	_ = rt.srv.Shutdown(budget)
	rt.shutdown(ctx)
	return nil
}

func (rt *httpRuntime) Addr() net.Addr {
	if rt.ln == nil {
		return nil
	}
	return rt.ln.Addr()
}

// httpExchange carries the response writer through the pipeline and records
// whether anything answered, so the handler can finish bare exchanges.
type httpExchange struct {
	w     http.ResponseWriter
	wrote bool
}

// encodeHTTPBody renders payloads directly on success; failures keep the
// structured error envelope.
func encodeHTTPBody(cdc codec.Codec, out *message.Outbound) ([]byte, error) {
	if out.IsError() {
		return cdc.Encode(message.NewReply("", out))
	}
	if out.Payload == nil {
		return nil, nil
	}
	return cdc.Encode(out.Payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(message.ErrorFrame("", code, msg))
}

func flattenHeader(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			m[k] = vs[0]
		}
	}
	return m
}

func flattenQuery(q map[string][]string) map[string]string {
	m := make(map[string]string, len(q))
	for k, vs := range q {
		if len(vs) > 0 {
			m[k] = vs[0]
		}
	}
	return m
}
