package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

// Status is a session's position in its lifecycle state machine.
type Status string

const (
	StatusReserved     Status = "Reserved"
	StatusProvisioning Status = "Provisioning"
	StatusRunning      Status = "Running"
	StatusEnding       Status = "Ending"
	StatusEnded        Status = "Ended"
	StatusTimedOut     Status = "TimedOut"
	StatusFailed       Status = "Failed"
)

// nonTerminal lists the statuses that still hold live resources.
var nonTerminal = map[Status]bool{
	StatusReserved:     true,
	StatusProvisioning: true,
	StatusRunning:      true,
	StatusEnding:       true,
}

// IsTerminal reports whether s is one of the absorbing states.
func IsTerminal(s Status) bool { return !nonTerminal[s] }

// forward lists, for each status, the statuses it may advance to.
// Every status may additionally move to Failed or Ending as a
// failure/termination shortcut except from the terminal states
// themselves, which accept nothing.
var forward = map[Status][]Status{
	StatusReserved:     {StatusProvisioning, StatusFailed, StatusEnding},
	StatusProvisioning: {StatusRunning, StatusFailed, StatusEnding},
	StatusRunning:      {StatusEnding, StatusFailed},
	StatusEnding:       {StatusEnded, StatusTimedOut, StatusFailed},
	StatusEnded:        {},
	StatusTimedOut:     {},
	StatusFailed:       {},
}

// CanAdvance reports whether the monotonic state machine permits the
// transition from -> to. Terminal states are absorbing.
func CanAdvance(from, to Status) bool {
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is the durable record for one leased environment.
type Session struct {
	ID                 string
	OwnerID            string
	Status             Status
	StartInstant       time.Time
	TTLMinutes         int
	Extended           bool
	ClusterName        string
	KubeconfigLocation string
	SandboxHandle      string
	Notes              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RemainingMinutes returns the minutes left before TTL expiry, floored
// at zero.
func (s *Session) RemainingMinutes(now time.Time) int {
	deadline := s.StartInstant.Add(time.Duration(s.TTLMinutes) * time.Minute)
	remaining := int(deadline.Sub(now).Minutes())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SessionStore is the serialization point for per-session state: every
// status transition happens inside a short transaction here, and no
// external operation (cluster/sandbox calls) is ever performed while one
// is open.
type SessionStore struct {
	db        *DB
	sanitizer *bluemonday.Policy
}

func NewSessionStore(d *DB) *SessionStore {
	return &SessionStore{db: d, sanitizer: bluemonday.StrictPolicy()}
}

// ErrActiveSessionExists is returned by CreateReserved when the owner
// already holds a non-terminal session.
var ErrActiveSessionExists = errors.New("db: owner already has an active session")

// ErrClusterNameTaken is returned by CreateReserved on the vanishingly
// unlikely event of a cluster_name collision between two concurrent
// reservations.
var ErrClusterNameTaken = errors.New("db: cluster name already in use")

// CreateReserved inserts a new session row in status Reserved. The
// (owner, non-terminal) and (cluster_name, non-terminal) partial unique
// indexes make this insert the single atomic point where the
// one-active-session-per-owner invariant is enforced: a second
// concurrent CreateReserved for the same owner fails here rather than
// racing a separate existence check.
func (s *SessionStore) CreateReserved(ctx context.Context, ownerID, clusterName string, ttlMinutes int) (*Session, error) {
	now := Now()
	sess := &Session{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		Status:       StatusReserved,
		StartInstant: now,
		TTLMinutes:   ttlMinutes,
		ClusterName:  clusterName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, status, start_instant, ttl_minutes, extended,
			cluster_name, kubeconfig_location, sandbox_handle, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, '', '', '', $7, $7)
	`, sess.ID, sess.OwnerID, string(sess.Status), sess.StartInstant, sess.TTLMinutes, sess.ClusterName, sess.CreatedAt)
	if err != nil {
		// SQLite names the violated columns, not the partial index, in
		// its message ("UNIQUE constraint failed: sessions.owner_id")
		if isUniqueViolation(err, "sessions.owner_id") {
			return nil, ErrActiveSessionExists
		}
		if isUniqueViolation(err, "sessions.cluster_name") {
			return nil, ErrClusterNameTaken
		}
		return nil, fmt.Errorf("db: create session: %w", err)
	}
	return sess, nil
}

func isUniqueViolation(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") && strings.Contains(err.Error(), column)
}

// Get fetches a session by id.
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	return scanOne(s.db.conn.QueryRowContext(ctx, sessionSelect+" WHERE id = $1", id))
}

// GetActiveByOwner returns the owner's non-terminal session, if any.
func (s *SessionStore) GetActiveByOwner(ctx context.Context, ownerID string) (*Session, error) {
	row := s.db.conn.QueryRowContext(ctx, sessionSelect+`
		WHERE owner_id = $1 AND status IN ('Reserved','Provisioning','Running','Ending')`, ownerID)
	sess, err := scanOne(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

const sessionSelect = `
	SELECT id, owner_id, status, start_instant, ttl_minutes, extended,
		cluster_name, kubeconfig_location, sandbox_handle, notes, created_at, updated_at
	FROM sessions`

func scanOne(row *sql.Row) (*Session, error) {
	var sess Session
	var extended int
	if err := row.Scan(&sess.ID, &sess.OwnerID, &sess.Status, &sess.StartInstant, &sess.TTLMinutes,
		&extended, &sess.ClusterName, &sess.KubeconfigLocation, &sess.SandboxHandle, &sess.Notes,
		&sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("db: scan session: %w", err)
	}
	sess.Extended = extended != 0
	return &sess, nil
}

// AdvanceStatus moves the session to `to`, rejecting backward or
// out-of-order transitions. Optional field setters (kubeconfig path,
// sandbox handle) are applied in the same transaction as the status
// write so that a reader observing the new status also observes the
// fields that status implies.
func (s *SessionStore) AdvanceStatus(ctx context.Context, id string, to Status, mutate func(*Session)) error {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, sessionSelect+" WHERE id = $1", id)
	sess, err := scanOne(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("db: session %s not found", id)
		}
		return err
	}

	if sess.Status == to {
		// concurrent teardown (user stop racing the reaper) may re-request
		// the state the row is already in; treat it as a no-op
		return nil
	}
	if !CanAdvance(sess.Status, to) {
		return fmt.Errorf("db: illegal transition %s -> %s for session %s", sess.Status, to, id)
	}
	if mutate != nil {
		mutate(sess)
	}
	sess.Status = to
	sess.UpdatedAt = Now()

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET status=$1, kubeconfig_location=$2, sandbox_handle=$3, notes=$4,
			ttl_minutes=$5, extended=$6, updated_at=$7
		WHERE id=$8`,
		string(sess.Status), sess.KubeconfigLocation, sess.SandboxHandle, sess.Notes,
		sess.TTLMinutes, boolToInt(sess.Extended), sess.UpdatedAt, id)
	if err != nil {
		return fmt.Errorf("db: advance status: %w", err)
	}
	return tx.Commit()
}

// AppendNote appends a sanitized free-text note to the session's
// append-only notes column, used for non-fatal failures (task
// assignment) and the first error kind recorded on compensation.
func (s *SessionStore) AppendNote(ctx context.Context, id, note string) error {
	clean := s.sanitizer.Sanitize(note)
	_, err := s.db.conn.ExecContext(ctx, `
		UPDATE sessions SET notes = CASE WHEN notes = '' THEN $1 ELSE notes || char(10) || $1 END,
			updated_at = $2
		WHERE id = $3`, clean, Now(), id)
	return err
}

// ErrAlreadyExtended signals a second Extend call.
var ErrAlreadyExtended = errors.New("db: session already extended")

// ErrSessionTerminal signals an operation against a frozen session row.
var ErrSessionTerminal = errors.New("db: session is in a terminal status")

// Extend adds extraMinutes to ttl_minutes and sets extended=true,
// atomically enforcing the one-shot rule. Terminal sessions are frozen
// and cannot be extended.
func (s *SessionStore) Extend(ctx context.Context, id string, extraMinutes int) (*Session, error) {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("db: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, sessionSelect+" WHERE id = $1", id)
	sess, err := scanOne(row)
	if err != nil {
		return nil, err
	}
	if IsTerminal(sess.Status) {
		return nil, ErrSessionTerminal
	}
	if sess.Extended {
		return nil, ErrAlreadyExtended
	}
	sess.TTLMinutes += extraMinutes
	sess.Extended = true
	sess.UpdatedAt = Now()

	_, err = tx.ExecContext(ctx, `UPDATE sessions SET ttl_minutes=$1, extended=1, updated_at=$2 WHERE id=$3`,
		sess.TTLMinutes, sess.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("db: extend: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sess, nil
}

// ListExpired returns non-terminal sessions whose TTL has elapsed,
// consumed by the Reaper's expire loop.
func (s *SessionStore) ListExpired(ctx context.Context, now time.Time) ([]*Session, error) {
	rows, err := s.db.conn.QueryContext(ctx, sessionSelect+`
		WHERE status IN ('Reserved','Provisioning','Running','Ending')
		AND datetime(start_instant, '+' || ttl_minutes || ' minutes') < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("db: list expired: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// ListNonTerminal returns every session currently holding live
// resources, used by the Reaper's sweep loop and by capacity checks.
func (s *SessionStore) ListNonTerminal(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.conn.QueryContext(ctx, sessionSelect+`
		WHERE status IN ('Reserved','Provisioning','Running','Ending')`)
	if err != nil {
		return nil, fmt.Errorf("db: list non-terminal: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([]*Session, error) {
	var out []*Session
	for rows.Next() {
		var sess Session
		var extended int
		if err := rows.Scan(&sess.ID, &sess.OwnerID, &sess.Status, &sess.StartInstant, &sess.TTLMinutes,
			&extended, &sess.ClusterName, &sess.KubeconfigLocation, &sess.SandboxHandle, &sess.Notes,
			&sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("db: scan session row: %w", err)
		}
		sess.Extended = extended != 0
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// CountNonTerminal returns the number of sessions currently counted
// against MAX_CONCURRENT.
func (s *SessionStore) CountNonTerminal(ctx context.Context) (int, error) {
	var n int
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions WHERE status IN ('Reserved','Provisioning','Running','Ending')`).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
