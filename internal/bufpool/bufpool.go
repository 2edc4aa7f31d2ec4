// Package bufpool implements a thread-safe stack of reusable byte buffers,
// grounded on the original BufferPool: Acquire reuses a pooled buffer of at
// least the requested size or allocates a fresh one, and Release discards
// (rather than retains) buffers whose capacity falls outside
// [MinBufferSize, MaxBufferSize] or when the pool is already at MaxPoolSize.
package bufpool

import (
	"sync"

	"github.com/kestrel-web/engine/internal/metrics"
)

const (
	// DefaultSize is the size Acquire uses when the caller doesn't care.
	DefaultSize = 4096

	// MinBufferSize and MaxBufferSize bound what Release will retain.
	MinBufferSize = 4096
	MaxBufferSize = 128 * 1024

	// MaxPoolSize caps the number of buffers retained at once.
	MaxPoolSize = 2000
)

// Pool is a bounded, thread-safe stack of []byte buffers.
type Pool struct {
	mu    sync.Mutex
	stack [][]byte
}

// New returns an empty buffer pool.
func New() *Pool {
	return &Pool{}
}

// Acquire returns a buffer of length size, reused from the pool when an
// entry of sufficient capacity is available, or freshly allocated
// otherwise. If size is 0, DefaultSize is used.
func (p *Pool) Acquire(size int) []byte {
	if size <= 0 {
		size = DefaultSize
	}

	p.mu.Lock()
	for i := len(p.stack) - 1; i >= 0; i-- {
		buf := p.stack[i]
		if cap(buf) >= size {
			p.stack = append(p.stack[:i], p.stack[i+1:]...)
			n := len(p.stack)
			p.mu.Unlock()
			metrics.BufferPoolSize.Set(float64(n))
			return buf[:size]
		}
	}
	p.mu.Unlock()

	return make([]byte, size, max(size, MinBufferSize))
}

// Release returns buf to the pool for reuse, unless its capacity falls
// outside [MinBufferSize, MaxBufferSize] or the pool is already at
// MaxPoolSize, in which case it is discarded and left for the garbage
// collector.
func (p *Pool) Release(buf []byte) {
	c := cap(buf)
	if c < MinBufferSize || c > MaxBufferSize {
		return
	}

	p.mu.Lock()
	if len(p.stack) >= MaxPoolSize {
		p.mu.Unlock()
		return
	}
	p.stack = append(p.stack, buf[:0:c])
	n := len(p.stack)
	p.mu.Unlock()
	metrics.BufferPoolSize.Set(float64(n))
}

// Size returns the number of buffers currently retained.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stack)
}
