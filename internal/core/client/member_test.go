package client

import (
	"bytes"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewire/gatewire/internal/core/message"
)

func TestMemberCorrelatesReplies(t *testing.T) {
	mc := clock.NewMock()
	m, _ := testMember(t, mc, nil)

	fut := newFuture("r1", mc.Now().Add(time.Second))
	m.register(fut)
	m.handleFrame([]byte(`{"id":"r1","success":true,"payload":{"ok":1}}`))

	select {
	case <-fut.Done():
	default:
		t.Fatal("future not settled by matching reply")
	}
	env, err := fut.Result()
	require.NoError(t, err)
	require.NotNil(t, env.Success)
	assert.True(t, *env.Success)
	assert.JSONEq(t, `{"ok":1}`, string(env.Payload))
}

func TestMemberDropsUncorrelatedReplies(t *testing.T) {
	mc := clock.NewMock()
	pushes := 0
	m, _ := testMember(t, mc, func(*message.Envelope) { pushes++ })

	m.handleFrame([]byte(`{"id":"ghost","success":true,"payload":{}}`))
	m.handleFrame([]byte(`{"success":false,"error":{"code":"NOT_FOUND","message":"x"}}`))

	assert.Zero(t, pushes, "replies must never surface as pushes")
}

func TestMemberRoutesPushesByType(t *testing.T) {
	mc := clock.NewMock()
	var got []*message.Envelope
	m, _ := testMember(t, mc, func(env *message.Envelope) { got = append(got, env) })

	m.handleFrame([]byte(`{"type":"event.x","payload":{"a":1}}`))
	m.handleFrame([]byte(`not json at all`))

	require.Len(t, got, 1)
	assert.Equal(t, "event.x", got[0].Type)
	assert.JSONEq(t, `{"a":1}`, string(got[0].Payload))
}

func TestMemberSweepExpiresOnlyPastDeadline(t *testing.T) {
	mc := clock.NewMock()
	m, _ := testMember(t, mc, nil)

	soon := newFuture("soon", mc.Now().Add(50*time.Millisecond))
	late := newFuture("late", mc.Now().Add(time.Hour))
	m.register(soon)
	m.register(late)

	m.sweep(mc.Now())
	assert.False(t, soon.settled())
	assert.False(t, late.settled())

	mc.Add(60 * time.Millisecond)
	m.sweep(mc.Now())

	_, err := soon.Result()
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.False(t, late.settled())
}

func TestMemberConnectionLossFailsPending(t *testing.T) {
	mc := clock.NewMock()
	m, fc := testMember(t, mc, nil)

	a := newFuture("a", mc.Now().Add(time.Hour))
	b := newFuture("b", mc.Now().Add(time.Hour))
	m.register(a)
	m.register(b)

	fc.Close("cable pulled")

	_, err := a.Result()
	assert.ErrorIs(t, err, ErrConnectionLost)
	_, err = b.Result()
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.False(t, m.Healthy())
	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed on connection loss")
	}
}

func TestMemberWriteFrameAppliesProfileFraming(t *testing.T) {
	mc := clock.NewMock()
	m, fc := testMember(t, mc, nil)

	payload := []byte(`{"x":1}`)
	require.NoError(t, m.WriteFrame(payload))

	writes := fc.writes()
	require.Len(t, writes, 1)
	assert.True(t, bytes.HasSuffix(writes[0], payload), "payload must survive framing")
	assert.Greater(t, len(writes[0]), len(payload), "frame must carry a length prefix")
}

func TestMemberTracksInboundTraffic(t *testing.T) {
	mc := clock.NewMock()
	m, _ := testMember(t, mc, nil)
	require.Equal(t, mc.Now().UnixNano(), m.LastInbound().UnixNano())

	mc.Add(5 * time.Second)
	m.handleFrame([]byte(`{"type":"event.tick","payload":{}}`))
	assert.Equal(t, mc.Now().UnixNano(), m.LastInbound().UnixNano())
}
