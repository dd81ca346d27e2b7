package message

import (
	"sync/atomic"

	"github.com/gatewire/gatewire/pkg/generic"
)

// Buffers above this capacity are dropped on release instead of pooled so a
// single huge frame cannot pin memory for the life of the pool.
const maxPooledCap = 64 * 1024

var bufferPool = generic.NewPool[*Buffer](func() *Buffer {
	return &Buffer{data: make([]byte, 0, 4096)}
})

// Buffer is a pooled payload holder. Ownership travels with the Inbound that
// carries it: whichever stage stops the message's forward progress calls
// Release, and exactly one of those calls returns the buffer to the pool.
type Buffer struct {
	data     []byte
	released atomic.Bool
}

// GetBuffer fetches a buffer from the pool sized to hold n bytes.
func GetBuffer(n int) *Buffer {
	b := bufferPool.Get()
	b.released.Store(false)
	b.Resize(n)
	return b
}

// Bytes returns the buffer's current contents.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the current payload length.
func (b *Buffer) Len() int { return len(b.data) }

// Resize sets the length to n, growing the backing array when needed, and
// returns the writable slice.
func (b *Buffer) Resize(n int) []byte {
	if cap(b.data) < n {
		b.data = make([]byte, n)
	} else {
		b.data = b.data[:n]
	}
	return b.data
}

// Release returns the buffer to the pool. It reports whether this call
// performed the release; later calls are no-ops, so double-release cannot
// corrupt the pool. Callers must not touch the buffer after releasing it.
func (b *Buffer) Release() bool {
	if !b.released.CompareAndSwap(false, true) {
		return false
	}
	if cap(b.data) <= maxPooledCap {
		bufferPool.Put(b)
	}
	return true
}

// Released reports whether the buffer has already been returned.
func (b *Buffer) Released() bool { return b.released.Load() }
