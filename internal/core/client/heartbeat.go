package client

import (
	"github.com/gatewire/gatewire/internal/core/observability/log"
)

// heartbeatLoop pings m on the configured cadence and closes it once the
// server has been silent past interval+timeout. Any inbound frame counts as
// a response, so push or reply traffic keeps a member alive even when the
// server never answers the ping itself.
func (c *Client) heartbeatLoop(m *Member) {
	hb := c.spec.Heartbeat
	allowance := hb.Interval() + hb.Timeout()
	tick := c.clk.Ticker(hb.Interval())
	defer tick.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-m.Done():
			return
		case <-tick.C:
		}
		if c.clk.Now().Sub(m.LastInbound()) > allowance {
			c.log.Warn("heartbeat timed out",
				log.String("member", m.ID()),
				log.Duration("silence", c.clk.Now().Sub(m.LastInbound())),
			)
			if c.reg != nil {
				c.reg.HeartbeatTimeouts.WithLabelValues(c.spec.Name).Inc()
			}
			m.Close("heartbeat timeout")
			return
		}
		if err := m.WriteFrame([]byte(hb.Payload)); err != nil {
			m.log.Debug("heartbeat write failed", log.Error(err))
			return
		}
	}
}
