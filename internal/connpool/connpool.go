// Package connpool pools *httpconn.Conn objects so that accepting a new
// TCP connection reuses an existing parser/buffer instead of allocating a
// fresh one every time. Grounded on the original ConnectionPool.h's
// stack-of-reusable-objects design (MAX_POOL_SIZE, total_created/in_use
// counters, RAII-acquired ManagedConnection), translated to Go's
// acquire/release-by-hand idiom since Go has no destructors to hook a
// RAII wrapper onto.
package connpool

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/kestrel-web/engine/internal/httpconn"
)

// MaxPoolSize bounds how many idle *httpconn.Conn objects are retained,
// matching the original's MAX_POOL_SIZE.
const MaxPoolSize = 10000

// Pool hands out reusable httpconn.Conn objects.
type Pool struct {
	mu    sync.Mutex
	idle  []*httpconn.Conn
	total atomic.Int64 // total objects ever constructed
	inUse atomic.Int64
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{}
}

// Acquire returns a Conn wrapping netConn under cfg, reusing a pooled
// object when one is idle, else constructing a new one.
func (p *Pool) Acquire(netConn net.Conn, cfg httpconn.Config) *httpconn.Conn {
	p.mu.Lock()
	n := len(p.idle)
	if n == 0 {
		p.mu.Unlock()
		p.total.Add(1)
		p.inUse.Add(1)
		return httpconn.New(netConn, cfg)
	}
	c := p.idle[n-1]
	p.idle = p.idle[:n-1]
	p.mu.Unlock()

	p.inUse.Add(1)
	c.Reset(netConn, cfg)
	return c
}

// Release returns c to the pool for reuse, discarding it if the pool is
// already at MaxPoolSize. Callers must not touch c after calling Release.
func (p *Pool) Release(c *httpconn.Conn) {
	p.inUse.Add(-1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= MaxPoolSize {
		return
	}
	p.idle = append(p.idle, c)
}

// TotalCreated returns how many Conn objects this pool has ever
// constructed.
func (p *Pool) TotalCreated() int64 { return p.total.Load() }

// InUse returns the number of Conn objects currently acquired.
func (p *Pool) InUse() int64 { return p.inUse.Load() }

// Idle returns the number of Conn objects currently sitting idle in the
// pool.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
