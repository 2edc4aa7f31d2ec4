// Package workerpool implements a bounded goroutine pool consuming a fixed
// backlog of tasks, grounded on the original thread_pool: N workers are
// spawned up front, Submit is non-blocking and fails once the backlog is
// full (callers apply their own backpressure instead of queuing forever),
// and Shutdown waits one overall timeout for the whole pool before
// abandoning stragglers.
package workerpool

import (
	"log"
	"sync"
	"time"

	"github.com/kestrel-web/engine/internal/metrics"
)

// Task is a unit of work executed by a worker goroutine.
type Task func()

// Pool is a fixed-size worker pool with a bounded task backlog.
type Pool struct {
	tasks chan Task
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New spawns numWorkers goroutines that pull from a backlog of at most
// maxBacklog pending tasks.
func New(numWorkers, maxBacklog int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if maxBacklog <= 0 {
		maxBacklog = 1
	}
	p := &Pool{tasks: make(chan Task, maxBacklog)}
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for t := range p.tasks {
		t()
	}
}

// Submit enqueues t without blocking. It returns false if the backlog is
// full or the pool has been asked to shut down — the caller is expected
// to treat false as "try again later" or "reject this unit of work",
// matching the original append()'s non-blocking contract.
func (p *Pool) Submit(t Task) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	select {
	case p.tasks <- t:
		metrics.WorkerPoolBacklog.Set(float64(len(p.tasks)))
		return true
	default:
		return false
	}
}

// Backlog returns the number of tasks currently queued but not yet picked
// up by a worker.
func (p *Pool) Backlog() int {
	return len(p.tasks)
}

// Shutdown closes the task channel so workers drain and exit, then waits
// up to timeout in total for all workers to finish. The budget is shared
// by the whole pool; there is no separate budget per worker. Workers still
// running past the deadline are abandoned: Shutdown logs and returns
// without waiting for them, rather than hanging forever.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("workerpool: shutdown timeout after %s, abandoning stragglers", timeout)
	}
}
