// Package dbpool implements a fixed-size pool of database handles, grounded
// on the original SqlConnectionPool: the pool eagerly opens N handles at
// construction, Acquire blocks (or times out, or respects a context) until
// one is free, and Release returns a handle to the free set.
//
// Unlike database/sql's own internal pool (which already multiplexes many
// logical queries over a dynamically sized set of connections), this pool
// hands out whole *sql.DB instances, each pinned to exactly one physical
// connection (SetMaxOpenConns(1)). That mirrors the original's semantics
// of a caller owning one exclusive handle for the duration of a unit of
// work, which the report store and the login/register handlers rely on for predictable backpressure
// under load instead of unbounded queuing inside database/sql itself.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-web/engine/internal/metrics"
)

// Pool is a bounded set of pre-opened database handles.
type Pool struct {
	mu    sync.Mutex
	cond  *sync.Cond
	free  []*sql.DB
	all   []*sql.DB
	closed bool
}

// Open creates count handles against driverName/dsn and returns a pool
// that hands them out one at a time. It fails if any handle cannot be
// opened or pinged.
func Open(ctx context.Context, driverName, dsn string, count int) (*Pool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("dbpool: count must be positive, got %d", count)
	}
	p := &Pool{free: make([]*sql.DB, 0, count), all: make([]*sql.DB, 0, count)}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < count; i++ {
		db, err := sql.Open(driverName, dsn)
		if err != nil {
			p.closeAll()
			return nil, fmt.Errorf("dbpool: open handle %d: %w", i, err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			p.closeAll()
			return nil, fmt.Errorf("dbpool: ping handle %d: %w", i, err)
		}
		p.free = append(p.free, db)
		p.all = append(p.all, db)
	}
	return p, nil
}

func (p *Pool) closeAll() {
	for _, db := range p.all {
		db.Close()
	}
}

// Acquire blocks until a handle is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*sql.DB, error) {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		close(done)
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.free) == 0 && !p.closed {
		select {
		case <-done:
			return nil, ctx.Err()
		default:
		}
		p.cond.Wait()
	}
	if p.closed {
		return nil, fmt.Errorf("dbpool: closed")
	}
	if len(p.free) == 0 {
		return nil, ctx.Err()
	}
	db := p.takeLocked()
	metrics.DBPoolInUse.Set(float64(len(p.all) - len(p.free)))
	return db, nil
}

// AcquireTimeout blocks for at most d. ok is false on timeout.
func (p *Pool) AcquireTimeout(d time.Duration) (db *sql.DB, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	got, err := p.Acquire(ctx)
	if err != nil {
		return nil, false
	}
	return got, true
}

func (p *Pool) takeLocked() *sql.DB {
	n := len(p.free)
	db := p.free[n-1]
	p.free = p.free[:n-1]
	return db
}

// Release returns db to the free set. db must have been obtained from this
// pool; releasing an unrecognized handle is a no-op.
func (p *Pool) Release(db *sql.DB) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	known := false
	for _, h := range p.all {
		if h == db {
			known = true
			break
		}
	}
	if !known {
		return
	}
	p.free = append(p.free, db)
	metrics.DBPoolInUse.Set(float64(len(p.all) - len(p.free)))
	p.cond.Signal()
}

// InUse returns the number of handles currently checked out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all) - len(p.free)
}

// Close closes every handle and wakes any blocked Acquire callers.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.cond.Broadcast()
	var firstErr error
	for _, db := range p.all {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
