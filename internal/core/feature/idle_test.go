package feature

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewire/gatewire/internal/config"
	"github.com/gatewire/gatewire/internal/core/pipeline"
)

func TestIdleExpiryPicksTheRightKind(t *testing.T) {
	clk := clock.NewMock()
	spec := &config.IdleSpec{ReadIdleMs: 1000, WriteIdleMs: 2000, AllIdleMs: 500}

	newStage := func() *idleStage {
		st := newIdleStage(clk, spec)
		st.lastRead.Store(clk.Now().UnixNano())
		st.lastWrite.Store(clk.Now().UnixNano())
		return st
	}

	st := newStage()
	clk.Add(600 * time.Millisecond)
	kind, since := st.expired()
	assert.Equal(t, "all", kind, "both directions idle trips allIdle first")
	assert.Equal(t, 600*time.Millisecond, since)

	// Fresh writes hold allIdle back until readIdle trips on its own.
	st = newStage()
	clk.Add(600 * time.Millisecond)
	st.stampWrite()
	clk.Add(500 * time.Millisecond)
	kind, _ = st.expired()
	assert.Equal(t, "read", kind)

	st = newStage()
	kind, _ = st.expired()
	assert.Equal(t, "", kind, "fresh connection is not idle")
}

func TestIdleCheckIntervalFollowsSmallestWindow(t *testing.T) {
	clk := clock.NewMock()

	st := newIdleStage(clk, &config.IdleSpec{ReadIdleMs: 1000, WriteIdleMs: 2000, AllIdleMs: 500})
	assert.Equal(t, 125*time.Millisecond, st.checkEvery())

	st = newIdleStage(clk, &config.IdleSpec{ReadIdleMs: 20})
	assert.Equal(t, minIdleCheck, st.checkEvery(), "tiny windows cannot spin the watcher")
}

func TestIdleReadTimeoutClosesConnection(t *testing.T) {
	clk := clock.NewMock()
	r := assembleRig(t, rigSpec{
		features: &config.FeatureSet{
			Idle: &config.IdleSpec{Enabled: true, ReadIdleMs: 1000},
		},
		env:       pipeline.Env{Clock: clk},
		factories: []Factory{NewIdle},
	})

	// Traffic inside the window keeps the connection alive.
	clk.Add(800 * time.Millisecond)
	in, _ := pooledInbound(`{}`)
	in.RouteKey = "/orders"
	require.NoError(t, r.pipe.Fire(in))
	clk.Add(800 * time.Millisecond)
	assert.False(t, r.conn.Closed())

	// Going quiet past the window closes it.
	for i := 0; i < 6; i++ {
		clk.Add(250 * time.Millisecond)
	}
	require.Eventually(t, r.conn.Closed, time.Second, 5*time.Millisecond)
	assert.Contains(t, r.conn.closeReason(), "idle timeout (read)")
}
