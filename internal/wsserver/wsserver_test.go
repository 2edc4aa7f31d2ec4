package wsserver

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kestrel-web/engine/internal/report"
	"github.com/kestrel-web/engine/internal/wsconn"
	"github.com/kestrel-web/engine/internal/wsmsg"
)

type fakeSessions struct {
	byID map[string]string
}

func (f *fakeSessions) Username(ctx context.Context, sessionID string) (string, bool) {
	u, ok := f.byID[sessionID]
	return u, ok
}

func newTestConn(t *testing.T, fd int) (*wsconn.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	go io.Copy(io.Discard, client)
	return wsconn.New(server, fd), client
}

func TestAuthBindsUsername(t *testing.T) {
	sessions := &fakeSessions{byID: map[string]string{"sess-1": "alice"}}
	s := New(sessions, nil)

	c, _ := newTestConn(t, 1)
	written := false
	s.Add(c, func(fd int) { written = true })

	raw, _ := json.Marshal(wsmsg.AuthMsg{Type: "auth", SessionID: "sess-1"})
	s.HandleMessage(context.Background(), 1, raw)

	if c.Username() != "alice" {
		t.Fatalf("Username() = %q, want alice", c.Username())
	}
	if !written {
		t.Fatalf("onWritable callback not invoked after auth ack queued")
	}
}

func TestAuthFailureKeepsConnectionOpen(t *testing.T) {
	sessions := &fakeSessions{byID: map[string]string{}}
	s := New(sessions, nil)
	c, _ := newTestConn(t, 1)
	s.Add(c, func(int) {})

	raw, _ := json.Marshal(wsmsg.AuthMsg{Type: "auth", SessionID: "missing"})
	s.HandleMessage(context.Background(), 1, raw)

	if c.Username() != "" {
		t.Fatalf("Username() = %q, want empty after failed auth", c.Username())
	}
	if s.Count() != 1 {
		t.Fatalf("connection was removed after auth failure, want kept")
	}
}

func TestBroadcastRoomExcludesSenderWhenAsked(t *testing.T) {
	s := New(&fakeSessions{byID: map[string]string{}}, nil)

	c1, _ := newTestConn(t, 1)
	c2, _ := newTestConn(t, 2)
	var notified []int
	s.Add(c1, func(fd int) { notified = append(notified, fd) })
	s.Add(c2, func(fd int) { notified = append(notified, fd) })

	s.JoinRoom("lobby", 1)
	s.JoinRoom("lobby", 2)
	_ = c1.Flush()
	_ = c2.Flush()
	notified = nil

	s.BroadcastRoom("lobby", []byte(`{"type":"chat"}`), 1)

	if c1.Pending() {
		t.Fatalf("excluded fd 1 should not have a pending frame")
	}
	if !c2.Pending() {
		t.Fatalf("fd 2 should have a pending frame")
	}
}

func TestChatRejectsIdentityMismatch(t *testing.T) {
	sessions := &fakeSessions{byID: map[string]string{"s1": "alice"}}
	s := New(sessions, nil)
	c, _ := newTestConn(t, 1)
	s.Add(c, func(int) {})
	s.HandleMessage(context.Background(), 1, mustJSON(wsmsg.AuthMsg{Type: "auth", SessionID: "s1"}))
	_ = c.Flush()

	s.JoinRoom("lobby", 1)
	_ = c.Flush()

	chat := wsmsg.ChatMsg{Type: "chat", Subtype: "room_msg", From: "mallory", Room: "lobby", Content: "hi", Ts: time.Now().Unix()}
	s.HandleMessage(context.Background(), 1, mustJSON(chat))

	if !c.Pending() {
		t.Fatalf("expected an error frame queued for identity mismatch")
	}
}

func TestRemoveClearsRoomAndUserMembership(t *testing.T) {
	sessions := &fakeSessions{byID: map[string]string{"s1": "alice"}}
	s := New(sessions, nil)
	c, _ := newTestConn(t, 1)
	s.Add(c, func(int) {})
	s.HandleMessage(context.Background(), 1, mustJSON(wsmsg.AuthMsg{Type: "auth", SessionID: "s1"}))
	s.JoinRoom("lobby", 1)

	s.Remove(1)

	if s.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after Remove", s.Count())
	}
	// Joining again with a fresh fd should not find any residue of the old member.
	s.BroadcastRoom("lobby", []byte("x"), -1) // should be a no-op, not panic
}

type fakeReportSink struct {
	created []*report.Report
}

func (f *fakeReportSink) Create(ctx context.Context, r *report.Report) error {
	f.created = append(f.created, r)
	return nil
}

type fakeAbuseChecker struct {
	calls int
}

func (f *fakeAbuseChecker) ReportAndCheck(ctx context.Context, username, reason string) (bool, time.Duration, error) {
	f.calls++
	return f.calls >= 3, time.Hour, nil
}

func TestReportRequiresAuth(t *testing.T) {
	s := New(&fakeSessions{byID: map[string]string{}}, nil)
	sink := &fakeReportSink{}
	s.SetReporting(sink, nil)
	c, _ := newTestConn(t, 1)
	s.Add(c, func(int) {})

	s.HandleMessage(context.Background(), 1, mustJSON(wsmsg.ReportMsg{Type: "report", Reported: "mallory", Room: "lobby", Reason: "spam"}))

	if len(sink.created) != 0 {
		t.Fatalf("report was stored without authentication")
	}
	if !c.Pending() {
		t.Fatalf("expected an auth_required error frame queued")
	}
}

func TestReportStoresAndEscalates(t *testing.T) {
	sessions := &fakeSessions{byID: map[string]string{"s1": "alice"}}
	s := New(sessions, nil)
	sink := &fakeReportSink{}
	checker := &fakeAbuseChecker{}
	s.SetReporting(sink, checker)

	c, _ := newTestConn(t, 1)
	s.Add(c, func(int) {})
	s.HandleMessage(context.Background(), 1, mustJSON(wsmsg.AuthMsg{Type: "auth", SessionID: "s1"}))
	_ = c.Flush()

	s.HandleMessage(context.Background(), 1, mustJSON(wsmsg.ReportMsg{Type: "report", Reported: "mallory", Room: "lobby", Reason: "harassment"}))

	if len(sink.created) != 1 {
		t.Fatalf("created = %d reports, want 1", len(sink.created))
	}
	got := sink.created[0]
	if got.Reporter != "alice" || got.Reported != "mallory" || got.Reason != "harassment" {
		t.Fatalf("unexpected report: %+v", got)
	}
	if checker.calls != 1 {
		t.Fatalf("ReportAndCheck calls = %d, want 1", checker.calls)
	}
}

func TestReportRejectsSelfReport(t *testing.T) {
	sessions := &fakeSessions{byID: map[string]string{"s1": "alice"}}
	s := New(sessions, nil)
	sink := &fakeReportSink{}
	s.SetReporting(sink, nil)

	c, _ := newTestConn(t, 1)
	s.Add(c, func(int) {})
	s.HandleMessage(context.Background(), 1, mustJSON(wsmsg.AuthMsg{Type: "auth", SessionID: "s1"}))
	_ = c.Flush()

	s.HandleMessage(context.Background(), 1, mustJSON(wsmsg.ReportMsg{Type: "report", Reported: "alice", Room: "lobby", Reason: "spam"}))

	if len(sink.created) != 0 {
		t.Fatalf("self-report was stored")
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
