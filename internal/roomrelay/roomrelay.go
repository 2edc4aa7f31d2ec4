// Package roomrelay relays room broadcasts between server instances over
// NATS, so that two users joined to the same room but connected to
// different processes still see each other's chat messages. It is
// opt-in and disabled by default (see SPEC_FULL.md §4.10) — a single
// instance needs no relay at all, since internal/wsserver's in-process
// room registry already handles that case.
//
// Adapted from the original messaging/nats.go's connection wrapper; the
// original's match/moderation subjects (this server has neither feature)
// are dropped in favor of one subject pattern, "room.<room>", carrying
// the same chat frame bytes internal/wsserver already builds for local
// broadcast.
package roomrelay

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "room."

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "engine",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Relay publishes and subscribes to room broadcasts across instances.
type Relay struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Connect dials NATS under cfg.
func Connect(cfg Config) (*Relay, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		// Every room with a local member subscribes to its own subject
		// (see wsserver.JoinRoom), so without NoEcho a publish would
		// come right back and get delivered to local members twice.
		nats.NoEcho(),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("roomrelay: disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("roomrelay: reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("roomrelay: connect: %w", err)
	}
	log.Printf("roomrelay: connected to %s", nc.ConnectedUrl())

	return &Relay{conn: nc, subs: make(map[string]*nats.Subscription)}, nil
}

// Publish broadcasts frame to every other instance subscribed to room.
func (r *Relay) Publish(room string, frame []byte) error {
	return r.conn.Publish(subjectPrefix+room, frame)
}

// Subscribe registers handler for broadcasts arriving on room from other
// instances. Each room should be subscribed at most once per instance;
// re-subscribing replaces the previous subscription.
func (r *Relay) Subscribe(room string, handler func(frame []byte)) error {
	subject := subjectPrefix + room
	sub, err := r.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("roomrelay: subscribe %s: %w", subject, err)
	}

	r.mu.Lock()
	if old, ok := r.subs[room]; ok {
		_ = old.Unsubscribe()
	}
	r.subs[room] = sub
	r.mu.Unlock()
	return nil
}

// Unsubscribe stops relaying for room (called once its last local member
// leaves).
func (r *Relay) Unsubscribe(room string) error {
	r.mu.Lock()
	sub, ok := r.subs[room]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.subs, room)
	r.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("roomrelay: unsubscribe %s: %w", room, err)
	}
	return nil
}

// Close drains all subscriptions and closes the connection.
func (r *Relay) Close() {
	r.mu.Lock()
	for room, sub := range r.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("roomrelay: drain %s: %v", room, err)
		}
	}
	r.subs = make(map[string]*nats.Subscription)
	r.mu.Unlock()

	if err := r.conn.Drain(); err != nil {
		log.Printf("roomrelay: connection drain: %v", err)
	}
}
