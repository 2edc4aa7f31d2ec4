//go:build linux

package reactor

import (
	"context"
	"encoding/binary"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"golang.org/x/sys/unix"

	"github.com/kestrel-web/engine/internal/connpool"
	"github.com/kestrel-web/engine/internal/httpconn"
	"github.com/kestrel-web/engine/internal/httpx"
	"github.com/kestrel-web/engine/internal/metrics"
	"github.com/kestrel-web/engine/internal/queue"
	"github.com/kestrel-web/engine/internal/timers"
	"github.com/kestrel-web/engine/internal/wsconn"
	"github.com/kestrel-web/engine/internal/wsserver"
)

// readInterestFlags is the epoll interest mask a connection is armed with
// while waiting to become readable: edge-triggered, one-shot, and
// reporting peer hangups explicitly rather than surfacing them as a
// spurious readable event.
const readInterestFlags = unix.EPOLLIN | unix.EPOLLET | unix.EPOLLONESHOT | unix.EPOLLRDHUP

// writeInterestFlags is the mask used instead of readInterestFlags when
// httpconn reports ActionWrite: the connection has a response still
// queued and is waiting for the socket send buffer to drain.
const writeInterestFlags = unix.EPOLLOUT | unix.EPOLLET | unix.EPOLLONESHOT | unix.EPOLLRDHUP

// Task is a unit of work posted from a worker-pool goroutine back onto
// the owning SubReactor's single loop goroutine, so that epoll interest
// changes and per-fd bookkeeping (timers, connection maps) are only ever
// mutated from one place — the reactor loop itself — without needing a
// mutex around every map. Grounded on the original's eventfd-driven
// "post task action" queue.
type Task func()

// SubReactor owns one epoll instance, the HTTP and WebSocket connections
// registered on it, a per-fd idle timer, and the cross-thread task queue
// worker-pool goroutines use to report back a connection's next Action.
type SubReactor struct {
	id    int
	epoll *Epoll

	wakeFd int
	tasks  *queue.Queue[Task]

	timerMgr *timers.Manager

	workers  *workerSubmitter
	connPool *connpool.Pool

	router    httpRouterConfig
	wsServer  *wsserver.Server

	mu        sync.Mutex
	httpConns map[int]*httpconn.Conn
	wsConns   map[int]*wsconn.Conn
	timerByFd map[int]*timers.Entry

	idleTimeout time.Duration
	logger      *log.Logger

	stop chan struct{}
}

// workerSubmitter is the minimal surface SubReactor needs from
// internal/workerpool, kept as a plain function value so tests can
// substitute an inline executor.
type workerSubmitter struct {
	submit func(func()) bool
}

// httpRouterConfig is the fixed template SubReactor clones (with its idle
// timeout and upgrade hook substituted) for every accepted HTTP
// connection.
type httpRouterConfig = httpconn.Config

// Config configures a new SubReactor.
type Config struct {
	ID          int
	WorkerSubmit func(func()) bool
	ConnPool    *connpool.Pool
	HTTPConfig  httpconn.Config
	WSServer    *wsserver.Server
	IdleTimeout time.Duration
	Logger      *log.Logger
}

// NewSubReactor constructs a SubReactor from cfg. The caller must call Run
// in its own goroutine.
func NewSubReactor(cfg Config) (*SubReactor, error) {
	ep, err := NewEpoll()
	if err != nil {
		return nil, err
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		ep.Close()
		return nil, err
	}

	sr := &SubReactor{
		id:          cfg.ID,
		epoll:       ep,
		wakeFd:      wakeFd,
		tasks:       queue.New[Task](4096),
		timerMgr:    timers.NewManager(),
		workers:     &workerSubmitter{submit: cfg.WorkerSubmit},
		connPool:    cfg.ConnPool,
		router:      cfg.HTTPConfig,
		wsServer:    cfg.WSServer,
		httpConns:   make(map[int]*httpconn.Conn),
		wsConns:     make(map[int]*wsconn.Conn),
		timerByFd:   make(map[int]*timers.Entry),
		idleTimeout: cfg.IdleTimeout,
		logger:      cfg.Logger,
		stop:        make(chan struct{}),
	}

	if err := ep.Add(wakeFd, wakeMarker{}, unix.EPOLLIN); err != nil {
		ep.Close()
		unix.Close(wakeFd)
		return nil, err
	}
	return sr, nil
}

// wakeMarker identifies the wakeup eventfd's owner slot in the epoll map.
type wakeMarker struct{}

// PostTask enqueues fn to run on the reactor's own loop goroutine and
// wakes the loop if it is blocked in epoll_wait.
func (sr *SubReactor) PostTask(fn Task) {
	sr.tasks.Push(fn)
	sr.wake()
}

func (sr *SubReactor) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(sr.wakeFd, buf[:])
}

// AcceptHTTP registers a freshly accepted TCP connection for HTTP
// serving. Safe to call from any goroutine (the acceptor loop): the
// kernel allows concurrent epoll_ctl on one epfd, and Epoll's own map is
// mutex-guarded.
func (sr *SubReactor) AcceptHTTP(netConn net.Conn) error {
	fd, err := SocketFD(netConn)
	if err != nil {
		return err
	}

	cfg := sr.router
	cfg.IdleTimeout = sr.idleTimeout
	cfg.OnUpgrade = sr.onUpgrade(fd)
	conn := sr.connPool.Acquire(netConn, cfg)

	sr.mu.Lock()
	sr.httpConns[fd] = conn
	sr.armIdleTimerLocked(fd)
	sr.mu.Unlock()
	metrics.HTTPConnectionsTotal.Inc()

	return sr.epoll.Add(fd, httpMarker{fd: fd}, readInterestFlags)
}

type httpMarker struct{ fd int }
type wsMarker struct{ fd int }

// onUpgrade returns the hook passed to httpconn.Config.OnUpgrade: it
// constructs the WebSocket connection object in place of the HTTP one,
// still under the same fd, matching the original's "construct WebSocket
// connection in the ws-slot" step of handle_action(Upgrade). The actual
// epoll re-registration happens afterward on the reactor loop (see
// handleHTTPAction's ActionUpgrade case), once ServeOne has returned and
// the 101 response bytes are known to be flushed.
func (sr *SubReactor) onUpgrade(fd int) httpconn.UpgradeHook {
	return func(netConn net.Conn, req *httpx.Request) {
		wc := wsconn.New(netConn, fd)
		sr.mu.Lock()
		sr.wsConns[fd] = wc
		sr.mu.Unlock()
	}
}

// armIdleTimerLocked (re)schedules fd's idle-eviction timer. Caller must
// hold sr.mu.
func (sr *SubReactor) armIdleTimerLocked(fd int) {
	if sr.idleTimeout <= 0 {
		return
	}
	if e, ok := sr.timerByFd[fd]; ok {
		sr.timerMgr.Adjust(e, time.Now().Add(sr.idleTimeout))
		return
	}
	fdCopy := fd
	sr.timerByFd[fd] = sr.timerMgr.AddAfter(sr.idleTimeout, func(any) {
		sr.PostTask(func() { sr.evictIdle(fdCopy) })
	}, nil)
}

func (sr *SubReactor) cancelIdleTimerLocked(fd int) {
	if e, ok := sr.timerByFd[fd]; ok {
		sr.timerMgr.Remove(e)
		delete(sr.timerByFd, fd)
	}
}

func (sr *SubReactor) evictIdle(fd int) {
	sr.closeFd(fd)
}

// Run drives the epoll loop until Stop is called. It must be called from
// the goroutine that owns this SubReactor; all epoll/timer/map mutation
// triggered by Wait's results happens on this same goroutine.
func (sr *SubReactor) Run() {
	for {
		select {
		case <-sr.stop:
			return
		default:
		}

		timeoutMS := sr.nextTimeoutMS()
		ready, err := sr.epoll.Wait(timeoutMS)
		if err != nil {
			sr.logf("epoll wait error: %v", err)
			continue
		}

		sr.timerMgr.Tick(time.Now())

		for _, r := range ready {
			switch owner := r.Owner.(type) {
			case wakeMarker:
				sr.drainWake()
				sr.runQueuedTasks()
			case httpMarker:
				sr.dispatchHTTP(owner.fd)
			case wsMarker:
				sr.dispatchWS(owner.fd)
			}
		}
	}
}

func (sr *SubReactor) nextTimeoutMS() int {
	deadline, ok := sr.timerMgr.NextDeadline()
	if !ok {
		return -1
	}
	d := time.Until(deadline)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms <= 0 {
		return 1
	}
	return ms
}

func (sr *SubReactor) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(sr.wakeFd, buf[:])
		if err != nil {
			return
		}
	}
}

// runQueuedTasks drains every task currently queued without blocking —
// PostTask already signaled the wakeup fd for each one, so a task arriving
// after this loop exits gets its own wake and its own pass through Run.
func (sr *SubReactor) runQueuedTasks() {
	for {
		task, ok := sr.tasks.PopTimeout(0)
		if !ok {
			return
		}
		task()
	}
}

// dispatchHTTP hands a ready HTTP fd to the worker pool for one
// non-blocking read/parse/route/write step, then posts the resulting Action
// back to this reactor's loop.
func (sr *SubReactor) dispatchHTTP(fd int) {
	sr.mu.Lock()
	conn, ok := sr.httpConns[fd]
	sr.mu.Unlock()
	if !ok {
		return
	}

	accepted := sr.workers.submit(func() {
		action, err := conn.ServeOne()
		sr.PostTask(func() { sr.handleHTTPAction(fd, action, err) })
	})
	if !accepted {
		// Pool is backlogged or stopped; the fd is already disarmed by
		// EPOLLONESHOT, so nothing else will ever re-arm or close it
		// unless we do it here. Called on the reactor's own loop
		// goroutine, so closing directly is safe.
		sr.closeHTTP(fd)
	}
}

func (sr *SubReactor) handleHTTPAction(fd int, action httpconn.Action, err error) {
	sr.mu.Lock()
	_, ok := sr.httpConns[fd]
	sr.mu.Unlock()
	if !ok {
		return
	}

	if err != nil || action == httpconn.ActionClose {
		sr.closeHTTP(fd)
		return
	}

	switch action {
	case httpconn.ActionWait, httpconn.ActionRead:
		sr.mu.Lock()
		sr.armIdleTimerLocked(fd)
		sr.mu.Unlock()
		if err := sr.epoll.Modify(fd, readInterestFlags); err != nil {
			sr.logf("epoll modify fd=%d: %v", fd, err)
			sr.closeHTTP(fd)
		}
	case httpconn.ActionWrite:
		sr.mu.Lock()
		sr.armIdleTimerLocked(fd)
		sr.mu.Unlock()
		if err := sr.epoll.Modify(fd, writeInterestFlags); err != nil {
			sr.logf("epoll modify fd=%d: %v", fd, err)
			sr.closeHTTP(fd)
		}
	case httpconn.ActionUpgrade:
		sr.mu.Lock()
		delete(sr.httpConns, fd)
		sr.cancelIdleTimerLocked(fd)
		sr.mu.Unlock()
		if conn, ok := sr.wsConns[fd]; ok {
			sr.registerWSLocked(fd, conn)
		}
	}
}

func (sr *SubReactor) closeHTTP(fd int) {
	sr.mu.Lock()
	conn, ok := sr.httpConns[fd]
	if ok {
		delete(sr.httpConns, fd)
		sr.cancelIdleTimerLocked(fd)
	}
	sr.mu.Unlock()
	if !ok {
		return
	}
	_ = sr.epoll.Remove(fd)
	conn.Close()
	sr.connPool.Release(conn)
	metrics.HTTPConnectionsTotal.Dec()
}

// registerWSLocked finishes the HTTP -> WebSocket handoff for fd: the
// wsconn.Conn object already sits in sr.wsConns (placed there by the
// OnUpgrade hook while still inside ServeOne), so fd's epoll registration
// only needs its owner swapped in place — epoll_ctl never sees a second
// ADD for the same fd, since EPOLLONESHOT leaves the fd registered (just
// inactive) between events.
func (sr *SubReactor) registerWSLocked(fd int, conn *wsconn.Conn) {
	sr.wsServer.Add(conn, func(writableFd int) {
		accepted := sr.workers.submit(func() {
			sr.mu.Lock()
			c, ok := sr.wsConns[writableFd]
			sr.mu.Unlock()
			if !ok {
				return
			}
			if err := c.Flush(); err != nil {
				sr.PostTask(func() { sr.closeWS(writableFd) })
			}
		})
		if !accepted {
			// This callback can fire from any goroutine (broadcast or
			// report paths), never just the reactor loop, so closing
			// must go through PostTask like every other cross-goroutine
			// mutation of sr.wsConns/sr.epoll.
			sr.PostTask(func() { sr.closeWS(writableFd) })
		}
	})
	sr.epoll.SetOwner(fd, wsMarker{fd: fd})
	if err := sr.epoll.Modify(fd, readInterestFlags); err != nil {
		sr.logf("epoll modify ws fd=%d: %v", fd, err)
	}
}

func (sr *SubReactor) dispatchWS(fd int) {
	sr.mu.Lock()
	conn, ok := sr.wsConns[fd]
	sr.mu.Unlock()
	if !ok {
		return
	}

	accepted := sr.workers.submit(func() {
		frame, err := conn.ReadFrame()
		if err != nil {
			sr.PostTask(func() { sr.closeWS(fd) })
			return
		}
		if frame.OpCode.IsControl() {
			switch frame.OpCode {
			case ws.OpClose:
				sr.PostTask(func() { sr.closeWS(fd) })
				return
			case ws.OpPing:
				_, pongErr := conn.QueueFrame(ws.OpPong, nil)
				if pongErr == nil {
					pongErr = conn.Flush()
				}
				if pongErr != nil {
					sr.PostTask(func() { sr.closeWS(fd) })
					return
				}
			}
			sr.PostTask(func() { sr.rearmWS(fd) })
			return
		}
		sr.wsServer.HandleMessage(context.Background(), fd, frame.Payload)
		sr.PostTask(func() { sr.rearmWS(fd) })
	})
	if !accepted {
		// Runs on the reactor's own loop goroutine, so closing directly
		// is safe; the fd is already disarmed by EPOLLONESHOT and
		// nothing else will re-arm or close it otherwise.
		sr.closeWS(fd)
	}
}

func (sr *SubReactor) rearmWS(fd int) {
	sr.mu.Lock()
	_, ok := sr.wsConns[fd]
	sr.mu.Unlock()
	if !ok {
		return
	}
	if err := sr.epoll.Modify(fd, readInterestFlags); err != nil {
		sr.closeWS(fd)
	}
}

func (sr *SubReactor) closeWS(fd int) {
	sr.mu.Lock()
	conn, ok := sr.wsConns[fd]
	if ok {
		delete(sr.wsConns, fd)
	}
	sr.mu.Unlock()
	if !ok {
		return
	}
	_ = sr.epoll.Remove(fd)
	sr.wsServer.Remove(fd)
	conn.Close()
}

func (sr *SubReactor) closeFd(fd int) {
	sr.mu.Lock()
	_, isHTTP := sr.httpConns[fd]
	_, isWS := sr.wsConns[fd]
	sr.mu.Unlock()
	if isHTTP {
		sr.closeHTTP(fd)
	}
	if isWS {
		sr.closeWS(fd)
	}
}

// Stop ends the reactor's loop after the current Wait call returns. A
// second call is a no-op.
func (sr *SubReactor) Stop() {
	select {
	case <-sr.stop:
		return
	default:
		close(sr.stop)
	}
	sr.wake()
}

func (sr *SubReactor) logf(format string, args ...any) {
	if sr.logger != nil {
		sr.logger.Printf(format, args...)
	}
}
