package client

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/gatewire/gatewire/internal/config"
)

// Pool bounds how many members a client keeps alive and hands them out for
// requests. Acquire prefers an idle member, dials below the bound, and
// otherwise either waits out the acquire budget or fails fast per the spec.
type Pool struct {
	spec *config.PoolSpec
	clk  clock.Clock
	dial func(ctx context.Context) (*Member, error)

	mu      sync.Mutex
	idle    []*Member
	created int
	closed  bool

	freed chan struct{}
}

func NewPool(spec *config.PoolSpec, clk clock.Clock, dial func(ctx context.Context) (*Member, error)) *Pool {
	return &Pool{spec: spec, clk: clk, dial: dial, freed: make(chan struct{}, 1)}
}

// Acquire returns a healthy member. At capacity with nothing idle it blocks
// until a slot frees, the acquire timeout elapses, or ctx ends; with the
// fail-fast policy it returns ErrPoolExhausted immediately instead.
func (p *Pool) Acquire(ctx context.Context) (*Member, error) {
	m, dialable, err := p.take()
	if err != nil {
		return nil, err
	}
	if m != nil {
		return m, nil
	}
	if dialable {
		return p.dialOne(ctx)
	}
	if p.spec.FailFast {
		return nil, ErrPoolExhausted
	}

	timer := p.clk.Timer(p.spec.AcquireTimeout())
	defer timer.Stop()
	for {
		select {
		case <-p.freed:
		case <-timer.C:
			return nil, ErrPoolExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m, dialable, err = p.take()
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}
		if dialable {
			return p.dialOne(ctx)
		}
	}
}

// take pops an idle member or, when the pool is below its bound, claims a
// dial slot. (nil, false, nil) means full with nothing idle.
func (p *Pool) take() (*Member, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrClosed
	}
	for len(p.idle) > 0 {
		m := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if m.Healthy() {
			return m, false, nil
		}
		// A dead idle member frees its slot on reap; drop it here in case
		// the close hook has not fired yet.
	}
	if p.created < p.spec.MaxConnections {
		p.created++
		return nil, true, nil
	}
	return nil, false, nil
}

func (p *Pool) dialOne(ctx context.Context) (*Member, error) {
	m, err := p.dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		p.pulse()
		return nil, err
	}
	return m, nil
}

// Release returns a member after use. Dead members are closed; their slot
// frees through the reap hook.
func (p *Pool) Release(m *Member) {
	if m == nil {
		return
	}
	if !m.Healthy() {
		m.Close("released dead")
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		m.Close("client closed")
		return
	}
	p.idle = append(p.idle, m)
	p.mu.Unlock()
	p.pulse()
}

// Redial claims a free slot and dials a fresh member into the idle set.
// (false, nil) means the pool was already whole and no dial happened.
func (p *Pool) Redial(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, ErrClosed
	}
	if p.created >= p.spec.MaxConnections {
		p.mu.Unlock()
		return false, nil
	}
	p.created++
	p.mu.Unlock()
	m, err := p.dialOne(ctx)
	if err != nil {
		return false, err
	}
	p.Release(m)
	return true, nil
}

// reap releases a dead member's slot. Runs exactly once per member, from its
// close hook, whether it died idle or checked out.
func (p *Pool) reap(m *Member) {
	if !m.reaped.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	p.created--
	for i, im := range p.idle {
		if im == m {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	p.pulse()
}

// Live reports members counted against the bound, idle and checked out.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Close stops hand-outs and closes the idle members. Checked-out members
// close when released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, m := range idle {
		m.Close("client closed")
	}
}

// pulse wakes one blocked Acquire. The channel holds a single token; a
// woken waiter re-checks the pool state, so coalesced pulses are safe.
func (p *Pool) pulse() {
	select {
	case p.freed <- struct{}{}:
	default:
	}
}
