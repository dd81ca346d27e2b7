package client

import (
	"sync"
	"time"

	"github.com/gatewire/gatewire/internal/config"
)

// Backoff schedules reconnect delays: the initial delay grows by the
// multiplier on every consecutive failure and is clamped at the maximum.
// A successful connect resets the ladder.
type Backoff struct {
	spec *config.ReconnectSpec

	mu      sync.Mutex
	attempt int
}

func NewBackoff(spec *config.ReconnectSpec) *Backoff {
	return &Backoff{spec: spec}
}

// Next returns the delay before the upcoming attempt, or false when the
// retry budget is spent. MaxRetries of -1 never runs out.
func (b *Backoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spec.MaxRetries >= 0 && b.attempt >= b.spec.MaxRetries {
		return 0, false
	}
	d := b.spec.InitialDelay()
	max := b.spec.MaxDelay()
	for i := 0; i < b.attempt && d < max; i++ {
		d = time.Duration(float64(d) * b.spec.Multiplier)
	}
	if max > 0 && d > max {
		d = max
	}
	b.attempt++
	return d, true
}

// Reset rewinds the ladder to the initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempt reports how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
