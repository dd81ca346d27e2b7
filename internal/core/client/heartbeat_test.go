package client

import (
	"bytes"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewire/gatewire/internal/config"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/profile"
	"github.com/gatewire/gatewire/internal/metrics"
)

// heartbeatFixture runs a heartbeat loop over a fake member on a mock clock.
// Interval 100ms, timeout 50ms, so the allowance before a close is 150ms.
type heartbeatFixture struct {
	mc     *clock.Mock
	reg    *metrics.Registry
	fc     *fakeConn
	m      *Member
	exited chan struct{}
}

func startHeartbeat(t *testing.T) *heartbeatFixture {
	t.Helper()
	f := &heartbeatFixture{
		mc:     clock.NewMock(),
		reg:    metrics.NewRegistry(),
		exited: make(chan struct{}),
	}
	f.fc = newFakeConn()
	f.m = newMember(f.fc, testPipeline(t, profile.TCPLengthFieldJSON), log.Nop(), f.mc, f.reg, "hb-test", nil)
	f.fc.OnClose(func(string) { f.m.closed() })

	c := &Client{
		spec: &config.ClientSpec{
			Name:      "hb-test",
			Heartbeat: &config.HeartbeatSpec{Enabled: true, IntervalMs: 100, TimeoutMs: 50, Payload: "ping"},
		},
		log:  log.Nop(),
		reg:  f.reg,
		clk:  f.mc,
		done: make(chan struct{}),
	}
	t.Cleanup(func() { close(c.done) })

	go func() {
		defer close(f.exited)
		c.heartbeatLoop(f.m)
	}()
	// Let the loop park on its ticker before moving the clock.
	time.Sleep(10 * time.Millisecond)
	return f
}

func (f *heartbeatFixture) pings() [][]byte { return f.fc.writes() }

func TestHeartbeatPingsOnCadence(t *testing.T) {
	f := startHeartbeat(t)

	f.mc.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return len(f.pings()) == 1 }, 2*time.Second, 5*time.Millisecond)

	w := f.pings()[0]
	assert.True(t, bytes.HasSuffix(w, []byte("ping")), "the ping rides the profile framing")
	assert.Greater(t, len(w), len("ping"))
	assert.False(t, f.fc.Closed())
}

func TestHeartbeatClosesASilentMember(t *testing.T) {
	f := startHeartbeat(t)

	f.mc.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return len(f.pings()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// No inbound traffic since dial: the next tick is past the allowance.
	f.mc.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return f.fc.Closed() }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "heartbeat timeout", f.fc.closeReason())
	assert.Equal(t, float64(1),
		counterValue(t, f.reg, "gatewire_heartbeat_timeouts_total", map[string]string{"client": "hb-test"}))

	select {
	case <-f.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat loop must exit after closing the member")
	}
	assert.Len(t, f.pings(), 1, "a dead member gets no further pings")
}

func TestHeartbeatTreatsInboundTrafficAsLiveness(t *testing.T) {
	f := startHeartbeat(t)

	f.mc.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return len(f.pings()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// The server never answers the ping, but a push arrives in between.
	f.m.touch()

	f.mc.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return len(f.pings()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, f.fc.Closed(), "fresh inbound traffic keeps the member warm")

	f.mc.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return f.fc.Closed() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "heartbeat timeout", f.fc.closeReason())
}
