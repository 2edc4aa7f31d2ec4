// Package ban provides username-based ban management backed by Redis.
// Ban records are stored as simple key-value pairs with TTL-based expiry:
//
//	Key:   ban:<username>
//	Value: <reason>
//	TTL:   ban duration
//
// Adapted from the teacher's fingerprint-keyed anonymous-visitor ban store:
// this server authenticates over a session store before a connection can do
// anything report-worthy, so every ban here is keyed on the authenticated
// username a report names, not a browser fingerprint. The Redis schema,
// escalation ladder, and auto-ban threshold are otherwise unchanged.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for ban records.
	BanPrefix = "ban:"

	// ReportsPrefix is the Redis key prefix for report counters
	// (used by the escalating ban system in ABUSE-6).
	ReportsPrefix = "reports:"

	// Escalating ban durations (ABUSE-6).
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// ReportsTTL is how long the offense counter lives in Redis.
	// After 24h without new offenses the counter resets to zero.
	ReportsTTL = 24 * time.Hour

	// AutoBanThreshold is the number of reports within ReportsTTL that
	// triggers an automatic ban.
	AutoBanThreshold = 3
)

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsBanned checks if username is currently banned.
// Returns (isBanned, remainingSeconds, reason, error).
// If username is not banned, isBanned is false and the other return
// values are zero/empty. Redis errors are returned so callers can decide
// how to handle them (the recommended policy is fail-open).
func (s *Store) IsBanned(ctx context.Context, username string) (bool, int, string, error) {
	key := BanPrefix + username

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	// Key exists — get the remaining TTL.
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// We know the ban exists but can't read the TTL. Report banned
		// with 0 remaining rather than swallowing the ban.
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}

	return true, remaining, reason, nil
}

// Ban sets a ban on username with the given duration and reason. The ban
// automatically expires after the specified duration.
func (s *Store) Ban(ctx context.Context, username string, duration time.Duration, reason string) error {
	key := BanPrefix + username
	return s.client.Set(ctx, key, reason, duration).Err()
}

// Unban removes a ban from username immediately.
func (s *Store) Unban(ctx context.Context, username string) error {
	key := BanPrefix + username
	return s.client.Del(ctx, key).Err()
}

// ---------------------------------------------------------------------------
// Escalating ban system (ABUSE-6)
// ---------------------------------------------------------------------------

// escalationDuration returns the ban duration for a given offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// GetOffenseCount returns the current offense/report counter for username.
// Returns 0 if the key does not exist (no offenses recorded or counter
// expired).
func (s *Store) GetOffenseCount(ctx context.Context, username string) (int, error) {
	key := ReportsPrefix + username
	val, err := s.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// Escalate increments the offense counter for username and applies a ban
// whose duration escalates with the number of offenses:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
//
// The offense counter has a 24h TTL that resets on first increment, so
// counters naturally expire if there is no new activity.
//
// Returns the ban duration that was applied.
func (s *Store) Escalate(ctx context.Context, username string, reason string) (time.Duration, error) {
	key := ReportsPrefix + username

	// Atomically increment the counter.
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: escalate incr: %w", err)
	}

	// Set TTL only on first increment so the window doesn't slide.
	if count == 1 {
		if err := s.client.Expire(ctx, key, ReportsTTL).Err(); err != nil {
			return 0, fmt.Errorf("ban: escalate expire: %w", err)
		}
	}

	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, username, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: escalate ban: %w", err)
	}

	return duration, nil
}

// ReportAndCheck increments the report counter for username and checks
// whether the auto-ban threshold (3 reports in 24h) has been reached.
//
// If the threshold is met or exceeded, Escalate's ban logic is applied to
// username with escalating duration. Returns (banned, duration, error).
func (s *Store) ReportAndCheck(ctx context.Context, username string, reason string) (bool, time.Duration, error) {
	key := ReportsPrefix + username

	// Atomically increment the report counter.
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ban: report incr: %w", err)
	}

	// Set TTL only on first increment so the 24h window doesn't slide.
	if count == 1 {
		if err := s.client.Expire(ctx, key, ReportsTTL).Err(); err != nil {
			return false, 0, fmt.Errorf("ban: report expire: %w", err)
		}
	}

	// Auto-ban when threshold is reached.
	if count >= AutoBanThreshold {
		duration := escalationDuration(int(count))
		if err := s.Ban(ctx, username, duration, "multiple_reports"); err != nil {
			return false, 0, fmt.Errorf("ban: report ban: %w", err)
		}
		return true, duration, nil
	}

	return false, 0, nil
}
