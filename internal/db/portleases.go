package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// PortKind distinguishes the three disjoint port ranges.
type PortKind string

const (
	PortKindAPI         PortKind = "api"
	PortKindIngressHTTP PortKind = "ingressHTTP"
	PortKindIngressHTTPS PortKind = "ingressHTTPS"
)

// PortLease is one reserved host TCP port of a declared kind, owned by
// exactly one session.
type PortLease struct {
	Port             int
	SessionID        string
	Kind             PortKind
	AllocatedInstant time.Time
}

// LeasesForSession returns every lease currently held by a session.
func (d *DB) LeasesForSession(ctx context.Context, sessionID string) ([]PortLease, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT port, session_id, kind, allocated_instant FROM port_leases WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("db: leases for session: %w", err)
	}
	defer rows.Close()

	var out []PortLease
	for rows.Next() {
		var l PortLease
		if err := rows.Scan(&l.Port, &l.SessionID, &l.Kind, &l.AllocatedInstant); err != nil {
			return nil, fmt.Errorf("db: scan lease: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteLeasesForSession removes every lease held by a session. It is
// idempotent: deleting a session with no leases is a no-op. Backs the
// port allocator's Release.
func (d *DB) DeleteLeasesForSession(ctx context.Context, sessionID string) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM port_leases WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("db: delete leases: %w", err)
	}
	return nil
}

// DeleteOrphanLeases removes every lease whose session id is not among
// liveSessionIDs, returning the number removed. Backs the port
// allocator's SweepOrphans, which the reaper's sweep loop calls.
func (d *DB) DeleteOrphanLeases(ctx context.Context, liveSessionIDs []string) (int, error) {
	if len(liveSessionIDs) == 0 {
		res, err := d.conn.ExecContext(ctx, `DELETE FROM port_leases`)
		if err != nil {
			return 0, fmt.Errorf("db: sweep all leases: %w", err)
		}
		n, _ := res.RowsAffected()
		return int(n), nil
	}

	placeholders := make([]string, len(liveSessionIDs))
	args := make([]interface{}, len(liveSessionIDs))
	for i, id := range liveSessionIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM port_leases WHERE session_id NOT IN (%s)`, strings.Join(placeholders, ","))
	res, err := d.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("db: sweep orphan leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
