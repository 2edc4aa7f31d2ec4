// Package timers implements an ordered timer manager: entries carry an
// absolute deadline and a callback; Tick fires every entry whose deadline
// has elapsed. Insert, adjust, and remove are all O(log n) via a min-heap
// keyed by deadline plus an index from entry to heap position, the Go
// counterpart of the original's multimap<time_t, util_timer*> + an
// auxiliary unordered_map<util_timer*, iterator>.
package timers

import (
	"container/heap"
	"sync"
	"time"
)

// Callback is invoked when a timer fires. UserData is opaque caller state,
// matching the original util_timer's user_data pointer.
type Callback func(userData any)

// Entry is a single scheduled timer. Callers hold the returned *Entry to
// later Adjust or Remove it; the manager never hands out entries to other
// callers.
type Entry struct {
	expire   time.Time
	cb       Callback
	userData any
	index    int // position in the heap, maintained by container/heap
	removed  bool
}

// Expire returns the entry's current deadline.
func (e *Entry) Expire() time.Time { return e.expire }

type entryHeap []*Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].expire.Before(h[j].expire) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { e := x.(*Entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Manager is a thread-safe collection of pending timers.
type Manager struct {
	mu sync.Mutex
	h  entryHeap
}

// NewManager returns an empty timer manager.
func NewManager() *Manager {
	return &Manager{}
}

// Add schedules cb to fire at expire with userData, and returns the Entry
// handle used to Adjust or Remove it.
func (m *Manager) Add(expire time.Time, cb Callback, userData any) *Entry {
	e := &Entry{expire: expire, cb: cb, userData: userData}
	m.mu.Lock()
	heap.Push(&m.h, e)
	m.mu.Unlock()
	return e
}

// AddAfter schedules cb to fire after d elapses from now.
func (m *Manager) AddAfter(d time.Duration, cb Callback, userData any) *Entry {
	return m.Add(time.Now().Add(d), cb, userData)
}

// Adjust moves an existing, still-pending entry to a new deadline. It is a
// no-op if the entry already fired or was removed.
func (m *Manager) Adjust(e *Entry, newExpire time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.removed || e.index < 0 {
		return
	}
	e.expire = newExpire
	heap.Fix(&m.h, e.index)
}

// Remove cancels a pending entry. It is a no-op if the entry already
// fired or was already removed.
func (m *Manager) Remove(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.removed || e.index < 0 {
		return
	}
	heap.Remove(&m.h, e.index)
	e.removed = true
}

// Len returns the number of pending (not yet fired) timers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.h)
}

// Tick fires every entry whose deadline is at or before now. It follows
// the original's two-phase contract: due entries are collected under the
// lock, then their callbacks run after the lock is released, so a
// callback that calls back into Add/Adjust/Remove never deadlocks.
func (m *Manager) Tick(now time.Time) {
	var due []*Entry

	m.mu.Lock()
	for len(m.h) > 0 && !m.h[0].expire.After(now) {
		e := heap.Pop(&m.h).(*Entry)
		e.removed = true
		due = append(due, e)
	}
	m.mu.Unlock()

	for _, e := range due {
		e.cb(e.userData)
	}
}

// NextDeadline returns the earliest pending deadline and true, or the zero
// time and false if no timers are pending. Callers use this to size an
// epoll_wait/select timeout.
func (m *Manager) NextDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.h) == 0 {
		return time.Time{}, false
	}
	return m.h[0].expire, true
}
