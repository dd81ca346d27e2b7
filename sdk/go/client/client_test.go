package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewire/gatewire/internal/config"
	"github.com/gatewire/gatewire/internal/core/dispatch"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/pipeline"
	"github.com/gatewire/gatewire/internal/core/router"
	"github.com/gatewire/gatewire/internal/core/server"
)

type sumArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

type sumReply struct {
	Total int `json:"total"`
}

func testServer(t *testing.T) string {
	t.Helper()
	routes := router.NewRouter(nil)
	tbl := dispatch.NewTable(routes, nil)
	tbl.MustHandle("sum", func(in sumArgs) sumReply {
		return sumReply{Total: in.A + in.B}
	})
	tbl.MustHandle("fail", func() error {
		return errors.New("no such account")
	})
	tbl.MustHandle("subscribe", func(ctx *pipeline.Context) *message.Outbound {
		push := message.OK(map[string]int{"seq": 7})
		push.SetHeader(message.TypeHeader, "event.update")
		_ = ctx.Push(push)
		return message.OK(map[string]bool{"ok": true})
	})

	spec := config.ServerSpec{
		Name:      "sdk-test",
		Transport: config.TransportTCP,
		Host:      "127.0.0.1",
		Profile:   "tcp-lengthfield-json",
		Routing:   config.RouteMessageType,
		Shutdown:  &config.ShutdownSpec{QuietPeriodMs: 10, TimeoutMs: 500},
	}
	orch, err := server.New([]config.ServerSpec{spec}, server.Options{
		Dispatcher: dispatch.NewDispatcher(routes, nil),
	})
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() { _ = orch.Stop(context.Background()) })

	addr := orch.Runtimes()[0].Addr()
	require.NotNil(t, addr)
	return fmt.Sprintf("127.0.0.1:%d", addr.(*net.TCPAddr).Port)
}

func testClient(t *testing.T, addr string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = "sdk-test-client"
	cfg.Address = addr
	cfg.RequestTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 0
	cfg.LogLevel = "error"
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCallDecodesTypedReply(t *testing.T) {
	c := testClient(t, testServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out sumReply
	require.NoError(t, c.Call(ctx, "sum", sumArgs{A: 19, B: 23}, &out))
	assert.Equal(t, 42, out.Total)

	reply, err := Call[sumReply](ctx, c, "sum", sumArgs{A: 1, B: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, reply.Total)
}

func TestCallSurfacesServerErrors(t *testing.T) {
	c := testClient(t, testServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Call(ctx, "fail", nil, nil)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "HANDLER_ERROR", se.Code)
	assert.Contains(t, se.Message, "no such account")

	err = c.Call(ctx, "no-such-route", nil, nil)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "NOT_FOUND", se.Code)
}

func TestOnPushDecodesPayloads(t *testing.T) {
	c := testClient(t, testServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []int
	c.OnPush("event.update", func(p Push) {
		var body struct {
			Seq int `json:"seq"`
		}
		if err := p.Decode(&body); err == nil {
			mu.Lock()
			got = append(got, body.Seq)
			mu.Unlock()
		}
	})

	require.NoError(t, c.Call(ctx, "subscribe", nil, nil))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == 7
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNotifyDoesNotWait(t *testing.T) {
	c := testClient(t, testServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Notify(ctx, "sum", sumArgs{A: 1, B: 1}))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = "localhost"
	_, err := New(cfg)
	require.Error(t, err, "an address without a port must not validate")

	cfg = DefaultConfig()
	cfg.Transport = "smoke-signal"
	_, err = New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smoke-signal")
}

func TestDefaultProfilePerTransport(t *testing.T) {
	for transport, want := range map[string]string{
		"tcp":  "tcp-lengthfield-json",
		"udp":  "udp-json",
		"http": "websocket",
		"quic": "quic-lengthfield-json",
	} {
		cfg := DefaultConfig()
		cfg.Address = "127.0.0.1:9000"
		cfg.Transport = transport
		spec := cfg.spec()
		assert.Equal(t, want, spec.Profile, "transport %s", transport)

		c, err := New(cfg)
		require.NoError(t, err, "transport %s must accept its default profile", transport)
		_ = c.Close()
	}
}
