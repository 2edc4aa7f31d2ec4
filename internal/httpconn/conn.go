// Package httpconn implements the per-connection HTTP/1.1 state machine:
// read -> parse -> route -> write, with keep-alive reuse and zero-copy
// file responses. Grounded on the original HttpConnection.cpp, kept
// idiomatic to Go where that doesn't change the shape of the thing: a
// Conn does not park a worker-pool goroutine on a socket read or on an
// in-memory response write. Each ServeOne call runs non-blocking reads or
// writes against the connection's raw fd (via syscall.Conn, the same
// mechanism internal/reactor already uses to pull fds out for epoll),
// loops them until EAGAIN the way the original's event loop thread does
// by hand, and reports back one of Read/Write/Wait/Close/Upgrade so the
// reactor can re-arm epoll for the right direction and give the worker
// back to the pool. File responses and the 400 reply to a malformed
// request are the exception: they are written in one blocking pass.
// The four-state/five-action model from the
// original (Reading/Writing/WaitingKeepAlive/Closed,
// Read/Write/Wait/Close/Upgrade) is kept as the Conn's externally
// observable lifecycle — see State and Action below.
package httpconn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kestrel-web/engine/internal/bufpool"
	"github.com/kestrel-web/engine/internal/httpparser"
	"github.com/kestrel-web/engine/internal/httpx"
	"github.com/kestrel-web/engine/internal/metrics"
)

// State mirrors the original's connection lifecycle states.
type State int32

const (
	StateReading State = iota
	StateWriting
	StateWaitingKeepAlive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateWriting:
		return "writing"
	case StateWaitingKeepAlive:
		return "waiting_keep_alive"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Action tells the reactor what to do with the connection after a Serve
// cycle returns: which epoll direction to re-arm (Read/Write), whether to
// leave it idle awaiting the next request (Wait), tear it down (Close),
// or hand it to the WebSocket layer (Upgrade).
type Action int

const (
	ActionWait Action = iota
	ActionRead
	ActionWrite
	ActionClose
	ActionUpgrade
)

// UpgradeHook, if set as Config.OnUpgrade (internal/reactor sets one per
// connection), is invoked with the raw connection once the HTTP response
// has been flushed, to hand control to the WebSocket layer.
type UpgradeHook func(conn net.Conn, req *httpx.Request)

// Config tunes a Conn.
type Config struct {
	MaxRequests int           // 0 = unlimited
	IdleTimeout time.Duration // read deadline applied before each request
	UploadDir   string
	BufferPool  *bufpool.Pool
	Router      *httpx.Router
	Context     *httpx.Context
	OnUpgrade   UpgradeHook
}

// Conn is one pooled HTTP connection object. It is reusable across TCP
// connections via Reset, matching internal/connpool's acquire/release
// contract and the original ConnectionPool's pooled-object shape.
type Conn struct {
	state atomic.Int32

	netConn net.Conn

	parser *httpparser.Parser
	cfg    Config

	requests int

	// readBuf is held across ActionRead steps of a single request; it is
	// acquired from cfg.BufferPool on first use and released once the
	// request is fully parsed or the connection closes.
	readBuf []byte

	// writeBuf is the undrained tail of the current response; non-nil
	// between an ActionWrite step and the one that finally empties it.
	writeBuf   []byte
	pendingReq *httpx.Request
	pendingRes *httpx.Response
}

// New wraps conn for HTTP/1.1 serving under cfg.
func New(conn net.Conn, cfg Config) *Conn {
	c := &Conn{
		netConn: conn,
		parser:  httpparser.New(httpparser.Options{UploadDir: cfg.UploadDir}),
		cfg:     cfg,
	}
	c.state.Store(int32(StateReading))
	return c
}

// Reset re-initializes a pooled Conn for reuse against a new net.Conn,
// matching ConnectionPool's object-reuse contract (internal/connpool).
func (c *Conn) Reset(conn net.Conn, cfg Config) {
	c.netConn = conn
	c.parser.Reset()
	c.cfg = cfg
	c.requests = 0
	c.releaseReadBuf()
	c.writeBuf = nil
	c.pendingReq = nil
	c.pendingRes = nil
	c.state.Store(int32(StateReading))
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// RequestCount returns how many requests have been served on this
// connection so far.
func (c *Conn) RequestCount() int { return c.requests }

// ServeOne performs exactly one non-blocking step of this connection's
// request/response cycle and reports back the Action the reactor should
// take next. A single call may run several non-blocking reads or writes
// in a row (draining the socket until EAGAIN, the way the original's
// event loop thread does); on EAGAIN it returns ActionRead/ActionWrite so
// the caller can re-arm epoll and hand the worker back to the pool instead
// of blocking it. File bodies and the 400 reply to a malformed request are
// written with blocking writes inside the call.
func (c *Conn) ServeOne() (Action, error) {
	if State(c.state.Load()) == StateWriting {
		return c.resumeWrite()
	}

	c.state.Store(int32(StateReading))
	if c.cfg.IdleTimeout > 0 {
		c.netConn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	}

	status, err := c.readStep()
	if err != nil {
		c.releaseReadBuf()
		return ActionClose, err
	}
	if status == httpparser.Incomplete {
		return ActionRead, nil
	}
	if status == httpparser.Error {
		c.releaseReadBuf()
		c.writeResponseBlocking(httpx.BadRequest("malformed request"))
		return ActionClose, nil
	}

	parsed := c.parser.Result()
	c.releaseReadBuf()
	c.netConn.SetReadDeadline(time.Time{})

	req := httpx.FromParsed(parsed, c.netConn.RemoteAddr().String())

	dispatchStart := time.Now()
	resp := c.cfg.Router.Dispatch(c.cfg.Context, req)
	metrics.HTTPRequestLatency.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Observe(time.Since(dispatchStart).Seconds())

	return c.beginWrite(req, resp)
}

// readStep feeds the parser from one or more non-blocking reads, stopping
// at EAGAIN, a completed request, a parse error, or a real I/O error.
func (c *Conn) readStep() (httpparser.Status, error) {
	if c.readBuf == nil {
		c.readBuf = c.acquireReadBuf()
	}

	for {
		n, wouldBlock, err := readNonBlocking(c.netConn, c.readBuf)
		if n > 0 {
			status, ferr := c.parser.Feed(c.readBuf[:n])
			if ferr != nil {
				return httpparser.Error, nil
			}
			if status == httpparser.Complete {
				return status, nil
			}
		}
		if wouldBlock {
			return httpparser.Incomplete, nil
		}
		if err != nil {
			return httpparser.Incomplete, err
		}
	}
}

func (c *Conn) acquireReadBuf() []byte {
	if c.cfg.BufferPool != nil {
		return c.cfg.BufferPool.Acquire(8192)
	}
	return make([]byte, 8192)
}

func (c *Conn) releaseReadBuf() {
	if c.readBuf == nil {
		return
	}
	if c.cfg.BufferPool != nil {
		c.cfg.BufferPool.Release(c.readBuf)
	}
	c.readBuf = nil
}

// beginWrite starts sending resp. File bodies are sent in one blocking
// pass (see sendFileBlocking); in-memory bodies are queued into writeBuf
// and drained through the same non-blocking step contract as reads.
func (c *Conn) beginWrite(req *httpx.Request, resp *httpx.Response) (Action, error) {
	c.state.Store(int32(StateWriting))

	if resp.FilePath != "" {
		if err := c.sendFileBlocking(resp); err != nil {
			return ActionClose, err
		}
		return c.afterResponse(req, resp)
	}

	header := resp.WriteHeaderBytes()
	buf := make([]byte, 0, len(header)+len(resp.Body))
	buf = append(buf, header...)
	buf = append(buf, resp.Body...)

	c.writeBuf = buf
	c.pendingReq = req
	c.pendingRes = resp
	return c.resumeWrite()
}

// resumeWrite drains whatever of writeBuf remains in non-blocking chunks.
// Only in-memory bodies participate in this step: a partially drained
// writeBuf plus the pending request/response is all the state an
// ActionWrite resume needs.
func (c *Conn) resumeWrite() (Action, error) {
	for len(c.writeBuf) > 0 {
		n, wouldBlock, err := writeNonBlocking(c.netConn, c.writeBuf)
		if n > 0 {
			c.writeBuf = c.writeBuf[n:]
		}
		if wouldBlock {
			return ActionWrite, nil
		}
		if err != nil {
			c.writeBuf = nil
			c.pendingReq, c.pendingRes = nil, nil
			return ActionClose, fmt.Errorf("httpconn: write response: %w", err)
		}
	}

	c.writeBuf = nil
	req, resp := c.pendingReq, c.pendingRes
	c.pendingReq, c.pendingRes = nil, nil
	return c.afterResponse(req, resp)
}

// afterResponse applies keep-alive/upgrade/request-limit policy once a
// response has been fully sent.
func (c *Conn) afterResponse(req *httpx.Request, resp *httpx.Response) (Action, error) {
	c.requests++

	if isUpgradeResponse(resp) && c.cfg.OnUpgrade != nil {
		c.state.Store(int32(StateClosed)) // ownership passes to the WS layer
		c.cfg.OnUpgrade(c.netConn, req)
		return ActionUpgrade, nil
	}

	if !c.shouldKeepAlive(req, resp) {
		return ActionClose, nil
	}
	if c.cfg.MaxRequests > 0 && c.requests >= c.cfg.MaxRequests {
		return ActionClose, nil
	}

	c.parser.Reset()
	c.state.Store(int32(StateWaitingKeepAlive))
	return ActionWait, nil
}

// sendFileBlocking writes resp's header and streams its file body in one
// blocking pass via io.Copy, which the Go runtime turns into a
// sendfile(2) call when the destination is a *net.TCPConn and the source
// a *os.File — the zero-copy path the original achieves by hand via its
// own sendfile wrapper. File responses don't participate in the
// read/write step contract: only in-memory bodies resume across
// ActionWrite events.
func (c *Conn) sendFileBlocking(resp *httpx.Response) error {
	header := resp.WriteHeaderBytes()
	if _, err := c.netConn.Write(header); err != nil {
		return fmt.Errorf("httpconn: write header: %w", err)
	}

	f, err := os.Open(resp.FilePath)
	if err != nil {
		return fmt.Errorf("httpconn: open response file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(c.netConn, f); err != nil {
		return fmt.Errorf("httpconn: send file: %w", err)
	}
	return nil
}

// writeResponseBlocking sends a small, final response before the
// connection closes outright (the malformed-request path never reports
// ActionWrite, so one blocking write here is fine).
func (c *Conn) writeResponseBlocking(resp *httpx.Response) {
	header := resp.WriteHeaderBytes()
	if _, err := c.netConn.Write(header); err != nil {
		return
	}
	if len(resp.Body) > 0 {
		c.netConn.Write(resp.Body)
	}
}

func (c *Conn) shouldKeepAlive(req *httpx.Request, resp *httpx.Response) bool {
	if resp.Header.Get("Connection") == "close" {
		return false
	}
	return req.KeepAlive()
}

func isUpgradeResponse(resp *httpx.Response) bool {
	return resp.Header.Get("Upgrade") == "websocket" && resp.StatusCode == 101
}

// Close closes the underlying connection and marks the state closed.
func (c *Conn) Close() error {
	c.state.Store(int32(StateClosed))
	c.releaseReadBuf()
	return c.netConn.Close()
}

// readNonBlocking attempts a single, non-blocking read into buf using the
// connection's raw fd, so a caller can loop it until EAGAIN without ever
// parking the calling goroutine in the runtime netpoller. Falls back to
// an ordinary blocking Read for net.Conn implementations that don't
// expose a raw fd (e.g. in tests, over net.Pipe).
func readNonBlocking(conn net.Conn, buf []byte) (n int, wouldBlock bool, err error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		nn, rerr := conn.Read(buf)
		return nn, false, rerr
	}
	raw, rerr := sc.SyscallConn()
	if rerr != nil {
		return 0, false, rerr
	}

	var readErr error
	ctrlErr := raw.Read(func(fd uintptr) bool {
		n, readErr = unix.Read(int(fd), buf)
		return true
	})
	if ctrlErr != nil {
		return 0, false, ctrlErr
	}
	if readErr != nil {
		if errors.Is(readErr, unix.EAGAIN) {
			return 0, true, nil
		}
		return 0, false, readErr
	}
	if n == 0 {
		return 0, false, io.EOF
	}
	return n, false, nil
}

// writeNonBlocking is readNonBlocking's write-side counterpart: a single
// non-blocking write attempt, reporting wouldBlock on EAGAIN instead of
// parking the caller.
func writeNonBlocking(conn net.Conn, buf []byte) (n int, wouldBlock bool, err error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		nn, werr := conn.Write(buf)
		return nn, false, werr
	}
	raw, rerr := sc.SyscallConn()
	if rerr != nil {
		return 0, false, rerr
	}

	var writeErr error
	ctrlErr := raw.Write(func(fd uintptr) bool {
		n, writeErr = unix.Write(int(fd), buf)
		return true
	})
	if ctrlErr != nil {
		return 0, false, ctrlErr
	}
	if writeErr != nil {
		if errors.Is(writeErr, unix.EAGAIN) {
			return 0, true, nil
		}
		return 0, false, writeErr
	}
	return n, false, nil
}
