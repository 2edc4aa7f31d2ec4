//go:build linux

// Package reactor implements the main/sub-reactor event loop: a listening
// main reactor that round-robins accepted connections across a fixed set
// of sub-reactors, each running its own epoll instance, timer manager,
// and cross-thread task queue. Grounded on the original
// include/webserver/SubReactor.h / src/webserver/SubReactor.cpp and
// src/webserver/WebServer.cpp, with the epoll wrapper itself adapted from
// the teacher's internal/ws/epoll.go (generalized from a net.Conn-keyed
// map to an arbitrary-owner-keyed map, since one epoll instance here
// multiplexes both HTTP and WebSocket connections).
package reactor

import (
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Ready is one readiness notification from Epoll.Wait.
type Ready struct {
	Fd     int
	Owner  any
	Events uint32
}

// Epoll wraps a Linux epoll instance keyed by fd, each fd carrying an
// arbitrary owner value (an *httpconn.Conn, a *wsconn.Conn, or a control
// marker for the wakeup eventfd) resolved back out on Wait.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	owners map[int]any
	events []unix.EpollEvent
}

// NewEpoll creates a new epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Epoll{
		fd:     fd,
		owners: make(map[int]any),
		events: make([]unix.EpollEvent, 256),
	}, nil
}

// Add registers fd for the given event mask, associating owner with it
// for later Wait lookups.
func (e *Epoll) Add(fd int, owner any, events uint32) error {
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add fd=%d: %w", fd, err)
	}
	e.mu.Lock()
	e.owners[fd] = owner
	e.mu.Unlock()
	return nil
}

// Modify changes fd's interest mask, e.g. switching between EPOLLIN and
// EPOLLOUT as a connection's Action dictates.
func (e *Epoll) Modify(fd int, events uint32) error {
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("reactor: epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

// SetOwner replaces the owner value already registered for fd without
// touching the kernel's interest list — used when a connection object
// changes identity in place under the same fd (an HTTP connection
// becoming a WebSocket connection after a 101 upgrade).
func (e *Epoll) SetOwner(fd int, owner any) {
	e.mu.Lock()
	e.owners[fd] = owner
	e.mu.Unlock()
}

// Remove unregisters fd.
func (e *Epoll) Remove(fd int) error {
	_ = unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)
	e.mu.Lock()
	delete(e.owners, fd)
	e.mu.Unlock()
	return nil
}

// Wait blocks (up to timeoutMS milliseconds; -1 blocks indefinitely)
// until one or more registered fds are ready, returning their owners and
// event masks.
func (e *Epoll) Wait(timeoutMS int) ([]Ready, error) {
	n, err := unix.EpollWait(e.fd, e.events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	e.mu.RLock()
	out := make([]Ready, 0, n)
	for i := 0; i < n; i++ {
		fd := int(e.events[i].Fd)
		owner, ok := e.owners[fd]
		if !ok {
			continue
		}
		out = append(out, Ready{Fd: fd, Owner: owner, Events: e.events[i].Events})
	}
	e.mu.RUnlock()
	return out, nil
}

// Close closes the epoll fd.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.owners = nil
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// SocketFD extracts the raw file descriptor backing a net.Conn, the way
// the kernel-level epoll registration needs it.
func SocketFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("reactor: connection does not expose a raw fd")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("reactor: SyscallConn: %w", err)
	}
	var fd int
	ctlErr := raw.Control(func(sfd uintptr) { fd = int(sfd) })
	if ctlErr != nil {
		return -1, fmt.Errorf("reactor: raw control: %w", ctlErr)
	}
	return fd, nil
}
