// Package report provides PostgreSQL-backed storage for abuse reports sent
// over the room chat protocol's "report" message. Adapted from the
// original report/store.go: fingerprints/chat_id become usernames/room,
// and the handle is borrowed from internal/dbpool for each operation
// instead of holding one *sql.DB open for the package's lifetime, so
// report storage competes for handles under the same bounded pool as
// every other database-touching component.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kestrel-web/engine/internal/dbpool"
)

// validReasons mirrors the CHECK constraint on the abuse_reports table
// (see migrations/).
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"other":      true,
}

// Store manages abuse reports in PostgreSQL via a bounded handle pool.
type Store struct {
	pool *dbpool.Pool
}

// Report is one abuse report to persist.
type Report struct {
	Reporter string
	Reported string
	Room     string
	Reason   string
	Messages []MessageEntry // recent room chat snapshot for moderator review
}

// MessageEntry is one message in the conversation snapshot attached to a
// report.
type MessageEntry struct {
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// NewStore wraps pool for report storage.
func NewStore(pool *dbpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts an abuse report, validating the reason against the
// allowed set first.
func (s *Store) Create(ctx context.Context, report *Report) error {
	if !validReasons[report.Reason] {
		return fmt.Errorf("report: invalid reason %q", report.Reason)
	}

	var messagesJSON []byte
	if len(report.Messages) > 0 {
		var err error
		messagesJSON, err = json.Marshal(report.Messages)
		if err != nil {
			return fmt.Errorf("report: marshal messages: %w", err)
		}
	}

	db, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("report: acquire db handle: %w", err)
	}
	defer s.pool.Release(db)

	const query = `
		INSERT INTO abuse_reports (reporter, reported, room, reason, messages)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = db.ExecContext(ctx, query, report.Reporter, report.Reported, report.Room, report.Reason, messagesJSON)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against reported within
// window. internal/ban does not use it: its escalation threshold runs on
// its own Redis report counters.
func (s *Store) CountRecent(ctx context.Context, reported string, window time.Duration) (int, error) {
	db, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("report: acquire db handle: %w", err)
	}
	defer s.pool.Release(db)

	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	if err := db.QueryRowContext(ctx, query, reported, window.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
