// Package wsserver implements the WebSocket server singleton: a registry
// of connected fds, the rooms and users they belong to, and the
// auth/room/chat message dispatch, grounded on the original
// WebSocketServer.cpp and the teacher's internal/ws/server.go +
// dispatcher.go. Unlike the teacher's Server, this one does not own an
// epoll instance or an HTTP listener itself — those live in
// internal/reactor, which owns connection lifecycle and calls into this
// registry for room/user bookkeeping and message dispatch, matching the
// original's separation between WebSocketServer (pure state) and
// SubReactor/WebServer (I/O).
package wsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/kestrel-web/engine/internal/metrics"
	"github.com/kestrel-web/engine/internal/report"
	"github.com/kestrel-web/engine/internal/wsconn"
	"github.com/kestrel-web/engine/internal/wsmsg"
)

// SessionLookup resolves an HTTP-issued session id to the username bound
// to it, used by the auth message handler. internal/session.Store
// implements this.
type SessionLookup interface {
	Username(ctx context.Context, sessionID string) (string, bool)
}

// RoomRelay optionally fans a room's broadcasts out to other server
// instances over a shared bus. Nil disables cross-instance relay. See
// internal/roomrelay.
type RoomRelay interface {
	Publish(room string, frame []byte) error
	Subscribe(room string, handler func(frame []byte)) error
	Unsubscribe(room string) error
}

// ReportSink persists abuse reports filed over the "report" message.
// internal/report.Store implements this.
type ReportSink interface {
	Create(ctx context.Context, r *report.Report) error
}

// AbuseChecker tracks per-user report counts and escalates to a ban once a
// threshold is crossed. internal/ban.Store implements this.
type AbuseChecker interface {
	ReportAndCheck(ctx context.Context, username, reason string) (bool, time.Duration, error)
}

// Server is the room/user registry and message dispatcher. It is never
// torn down during the process lifetime (see original's "eternal
// singleton" note): any sub-reactor may call into it concurrently.
type Server struct {
	mu        sync.Mutex
	conns     map[int]*wsconn.Conn
	rooms     map[string]map[int]struct{}
	users     map[string]map[int]struct{}
	onWritable map[int]func(fd int)

	sessions SessionLookup
	relay    RoomRelay
	reports  ReportSink
	bans     AbuseChecker
}

// New returns an empty Server. sessions is required; relay may be nil.
func New(sessions SessionLookup, relay RoomRelay) *Server {
	return &Server{
		conns:      make(map[int]*wsconn.Conn),
		rooms:      make(map[string]map[int]struct{}),
		users:      make(map[string]map[int]struct{}),
		onWritable: make(map[int]func(fd int)),
		sessions:   sessions,
		relay:      relay,
	}
}

// SetReporting wires the abuse-report pipeline in. Both reports and bans
// may be nil — each disables independently (reports nil: "report" messages
// are rejected with reporting_disabled; bans nil: reports are stored but
// never escalate to an automatic ban), matching the rest of the domain
// stack's opt-in-at-startup wiring.
func (s *Server) SetReporting(reports ReportSink, bans AbuseChecker) {
	s.mu.Lock()
	s.reports = reports
	s.bans = bans
	s.mu.Unlock()
}

// Add registers a newly upgraded connection. onWritable is the callback
// the sub-reactor uses to schedule a flush of fd's write buffer when a
// broadcast makes that buffer non-empty.
func (s *Server) Add(c *wsconn.Conn, onWritable func(fd int)) {
	s.mu.Lock()
	s.conns[c.Fd] = c
	s.onWritable[c.Fd] = onWritable
	s.mu.Unlock()
	metrics.ConnectionsTotal.Inc()
}

// Remove pulls fd out of every room and user set, erases its callback,
// and drops the connection itself — matching the original's remove(fd).
func (s *Server) Remove(fd int) {
	s.mu.Lock()
	c, ok := s.conns[fd]
	if !ok {
		s.mu.Unlock()
		return
	}
	username := c.Username()

	emptiedRooms := make([]string, 0)
	for room, members := range s.rooms {
		if _, in := members[fd]; in {
			delete(members, fd)
			if len(members) == 0 {
				delete(s.rooms, room)
				emptiedRooms = append(emptiedRooms, room)
			}
		}
	}
	if username != "" {
		if fds, ok := s.users[username]; ok {
			delete(fds, fd)
			if len(fds) == 0 {
				delete(s.users, username)
			}
		}
	}
	delete(s.conns, fd)
	delete(s.onWritable, fd)
	s.mu.Unlock()

	metrics.ConnectionsTotal.Dec()
	metrics.RoomsTotal.Sub(float64(len(emptiedRooms)))

	if s.relay != nil {
		for _, room := range emptiedRooms {
			_ = s.relay.Unsubscribe(room)
		}
	}
}

// Count returns the number of registered connections.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// JoinRoom adds fd to room's member set and broadcasts a system join
// notice to the room.
func (s *Server) JoinRoom(room string, fd int) {
	firstMember := false
	s.mu.Lock()
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[int]struct{})
		s.rooms[room] = members
		firstMember = true
	}
	members[fd] = struct{}{}
	username := s.usernameLocked(fd)
	s.mu.Unlock()

	if firstMember {
		metrics.RoomsTotal.Inc()
	}

	if firstMember && s.relay != nil {
		_ = s.relay.Subscribe(room, func(frame []byte) { s.relayInbound(room, frame) })
	}

	if msg, err := wsmsg.NewSystemMessage(username+" joined", username, time.Now().Unix()); err == nil {
		s.BroadcastRoom(room, msg, -1)
	}
}

// LeaveRoom removes fd from room's member set and broadcasts a system
// leave notice.
func (s *Server) LeaveRoom(room string, fd int) {
	s.mu.Lock()
	username := s.usernameLocked(fd)
	members, ok := s.rooms[room]
	emptied := false
	if ok {
		delete(members, fd)
		if len(members) == 0 {
			delete(s.rooms, room)
			emptied = true
		}
	}
	s.mu.Unlock()

	if emptied {
		metrics.RoomsTotal.Dec()
	}
	if emptied && s.relay != nil {
		_ = s.relay.Unsubscribe(room)
	}

	if msg, err := wsmsg.NewSystemMessage(username+" left", username, time.Now().Unix()); err == nil {
		s.BroadcastRoom(room, msg, -1)
	}
}

func (s *Server) usernameLocked(fd int) string {
	if c, ok := s.conns[fd]; ok {
		return c.Username()
	}
	return ""
}

// BroadcastRoom appends frame to the write buffer of every member of room
// except excludeFd (pass -1 to exclude nothing). Per member, if the
// buffer was empty before the append, the fd's registered onWritable
// callback is invoked — the edge-trigger that tells the owning
// sub-reactor to schedule a flush, avoiding a redundant notification for
// a connection that already has a pending write.
func (s *Server) BroadcastRoom(room string, frame []byte, excludeFd int) {
	s.mu.Lock()
	members, ok := s.rooms[room]
	if !ok {
		s.mu.Unlock()
		return
	}
	type target struct {
		conn       *wsconn.Conn
		onWritable func(int)
		fd         int
	}
	targets := make([]target, 0, len(members))
	for fd := range members {
		if fd == excludeFd {
			continue
		}
		c, ok := s.conns[fd]
		if !ok {
			continue
		}
		targets = append(targets, target{conn: c, onWritable: s.onWritable[fd], fd: fd})
	}
	s.mu.Unlock()

	for _, t := range targets {
		wasEmpty, err := t.conn.QueueFrame(ws.OpText, frame)
		if err != nil {
			log.Printf("wsserver: queue frame fd=%d: %v", t.fd, err)
			continue
		}
		if wasEmpty && t.onWritable != nil {
			t.onWritable(t.fd)
		}
	}

	if s.relay != nil {
		if err := s.relay.Publish(room, frame); err != nil {
			log.Printf("wsserver: relay publish room=%s: %v", room, err)
		}
	}
}

// relayInbound re-broadcasts a frame received from another instance to
// this instance's local members of room (relay messages are never
// re-published, so instances don't echo forever).
func (s *Server) relayInbound(room string, frame []byte) {
	s.mu.Lock()
	members, ok := s.rooms[room]
	if !ok {
		s.mu.Unlock()
		return
	}
	type target struct {
		conn       *wsconn.Conn
		onWritable func(int)
		fd         int
	}
	targets := make([]target, 0, len(members))
	for fd := range members {
		c, ok := s.conns[fd]
		if !ok {
			continue
		}
		targets = append(targets, target{conn: c, onWritable: s.onWritable[fd], fd: fd})
	}
	s.mu.Unlock()

	for _, t := range targets {
		wasEmpty, err := t.conn.QueueFrame(ws.OpText, frame)
		if err == nil && wasEmpty && t.onWritable != nil {
			t.onWritable(t.fd)
		}
	}
}

// HandleMessage parses and dispatches one client data frame payload for
// the connection registered under fd.
func (s *Server) HandleMessage(ctx context.Context, fd int, raw []byte) {
	start := time.Now()
	defer func() { metrics.MessageLatency.Observe(time.Since(start).Seconds()) }()

	s.mu.Lock()
	c, ok := s.conns[fd]
	s.mu.Unlock()
	if !ok {
		return
	}

	env, err := wsmsg.ParseEnvelope(raw)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		s.sendError(c, "parse_error", "invalid message format")
		return
	}
	metrics.MessagesTotal.WithLabelValues("received").Inc()

	switch env.Type {
	case wsmsg.TypeAuth:
		s.handleAuth(ctx, c, env)
	case wsmsg.TypeRoom:
		s.handleRoom(c, env)
	case wsmsg.TypeChat:
		s.handleChat(c, env)
	case wsmsg.TypeReport:
		s.handleReport(ctx, c, env)
	default:
		s.sendError(c, "unsupported_type", fmt.Sprintf("unsupported message type %q", env.Type))
	}
}

func (s *Server) handleAuth(ctx context.Context, c *wsconn.Conn, env *wsmsg.Envelope) {
	var msg wsmsg.AuthMsg
	if err := unmarshal(env.Raw, &msg); err != nil {
		s.sendError(c, "parse_error", "invalid auth message")
		return
	}

	username, ok := s.sessions.Username(ctx, msg.SessionID)
	if !ok {
		s.sendError(c, "auth_failed", "unknown or expired session")
		return
	}

	c.SetUsername(username)
	s.mu.Lock()
	fds, ok := s.users[username]
	if !ok {
		fds = make(map[int]struct{})
		s.users[username] = fds
	}
	fds[c.Fd] = struct{}{}
	s.mu.Unlock()

	if reply, err := wsmsg.NewSystemMessage("authenticated", username, time.Now().Unix()); err == nil {
		s.sendDirect(c, reply)
	}
}

func (s *Server) handleRoom(c *wsconn.Conn, env *wsmsg.Envelope) {
	var msg wsmsg.RoomMsg
	if err := unmarshal(env.Raw, &msg); err != nil {
		s.sendError(c, "parse_error", "invalid room message")
		return
	}
	switch msg.Action {
	case "join":
		s.JoinRoom(msg.Room, c.Fd)
	case "leave":
		s.LeaveRoom(msg.Room, c.Fd)
	default:
		s.sendError(c, "bad_action", fmt.Sprintf("unknown room action %q", msg.Action))
	}
}

func (s *Server) handleChat(c *wsconn.Conn, env *wsmsg.Envelope) {
	var msg wsmsg.ChatMsg
	if err := unmarshal(env.Raw, &msg); err != nil {
		s.sendError(c, "parse_error", "invalid chat message")
		return
	}
	if msg.Subtype != "room_msg" {
		s.sendError(c, "bad_subtype", fmt.Sprintf("unsupported chat subtype %q", msg.Subtype))
		return
	}
	if msg.From != c.Username() {
		s.sendError(c, "identity_mismatch", "from field does not match authenticated username")
		return
	}

	frame, err := wsmsg.NewChatMessage(msg.From, msg.Room, msg.Content, msg.Ts)
	if err != nil {
		log.Printf("wsserver: build chat frame: %v", err)
		return
	}
	// No exclusion: the sender receives its own echo, which the client
	// uses to confirm delivery.
	s.BroadcastRoom(msg.Room, frame, -1)
}

func (s *Server) handleReport(ctx context.Context, c *wsconn.Conn, env *wsmsg.Envelope) {
	var msg wsmsg.ReportMsg
	if err := unmarshal(env.Raw, &msg); err != nil {
		s.sendError(c, "parse_error", "invalid report message")
		return
	}

	reporter := c.Username()
	if reporter == "" {
		s.sendError(c, "auth_required", "must authenticate before filing a report")
		return
	}
	if msg.Reported == "" || msg.Reported == reporter {
		s.sendError(c, "bad_report", "reported must name a different user")
		return
	}

	s.mu.Lock()
	reports, bans := s.reports, s.bans
	s.mu.Unlock()

	if reports == nil {
		s.sendError(c, "reporting_disabled", "abuse reporting is not configured on this server")
		return
	}

	r := &report.Report{Reporter: reporter, Reported: msg.Reported, Room: msg.Room, Reason: msg.Reason}
	if err := reports.Create(ctx, r); err != nil {
		log.Printf("wsserver: store report reporter=%s reported=%s: %v", reporter, msg.Reported, err)
		s.sendError(c, "report_failed", "could not file report")
		return
	}

	if bans != nil {
		if banned, dur, err := bans.ReportAndCheck(ctx, msg.Reported, msg.Reason); err != nil {
			log.Printf("wsserver: check ban escalation reported=%s: %v", msg.Reported, err)
		} else if banned {
			log.Printf("wsserver: auto-banned user=%s for %s after repeated reports", msg.Reported, dur)
		}
	}

	if ack, err := wsmsg.NewSystemMessage("report received", reporter, time.Now().Unix()); err == nil {
		s.sendDirect(c, ack)
	}
}

func (s *Server) sendError(c *wsconn.Conn, code, message string) {
	data, err := wsmsg.NewErrorMessage(code, message)
	if err != nil {
		log.Printf("wsserver: build error message: %v", err)
		return
	}
	s.sendDirect(c, data)
}

func (s *Server) sendDirect(c *wsconn.Conn, frame []byte) {
	wasEmpty, err := c.QueueFrame(ws.OpText, frame)
	if err != nil {
		log.Printf("wsserver: queue direct frame fd=%d: %v", c.Fd, err)
		return
	}
	if wasEmpty {
		s.mu.Lock()
		cb := s.onWritable[c.Fd]
		s.mu.Unlock()
		if cb != nil {
			cb(c.Fd)
		}
	}
}

func unmarshal(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
