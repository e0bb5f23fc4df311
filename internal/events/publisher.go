// Package events publishes session lifecycle notifications to NATS
// under ckad.session.<verb> subjects. Consumers include the email
// notifier and observability tooling; delivery is best-effort.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Verb names the lifecycle transition an event reports.
type Verb string

const (
	VerbReserved  Verb = "reserved"
	VerbRunning   Verb = "running"
	VerbExtended  Verb = "extended"
	VerbFailed    Verb = "failed"
	VerbEnded     Verb = "ended"
	VerbTimedOut  Verb = "timed_out"
)

func subject(v Verb) string {
	return "ckad.session." + string(v)
}

// SessionEvent is the payload published for every lifecycle transition.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	OwnerID   string    `json:"owner_id"`
	Verb      Verb      `json:"verb"`
	Reason    string    `json:"reason,omitempty"`
	Instant   time.Time `json:"instant"`
}

// Publisher publishes session lifecycle events to NATS. A publish
// failure is logged but never fails the caller's operation: event
// delivery is best-effort observability, not part of the session state
// transaction.
type Publisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

func New(conn *nats.Conn, log zerolog.Logger) *Publisher {
	return &Publisher{conn: conn, log: log}
}

func (p *Publisher) Publish(sessionID, ownerID string, verb Verb, reason string) {
	if p == nil || p.conn == nil {
		return
	}
	evt := SessionEvent{
		SessionID: sessionID,
		OwnerID:   ownerID,
		Verb:      verb,
		Reason:    reason,
		Instant:   time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		p.log.Warn().Err(err).Str("session", sessionID).Msg("marshal session event failed")
		return
	}
	if err := p.conn.Publish(subject(verb), data); err != nil {
		p.log.Warn().Err(err).Str("session", sessionID).Str("subject", subject(verb)).Msg("publish session event failed")
	}
}
