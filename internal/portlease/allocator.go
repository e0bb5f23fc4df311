// Package portlease implements a transactional port pool over three
// disjoint host TCP port ranges (cluster API, ingress HTTP, ingress
// HTTPS), handing out and reclaiming leases without double-allocation
// under concurrent session start/stop.
package portlease

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ckadlab/orchestrator/internal/apperr"
	"github.com/ckadlab/orchestrator/internal/db"
)

// Range is an inclusive [Min, Max] integer range for one port kind.
type Range struct {
	Min, Max int
}

// Allocator hands out and reclaims port leases. The lease transaction
// runs here; the non-transactional delete paths go through the shared
// lease helpers in internal/db.
type Allocator struct {
	data   *db.DB
	ranges map[db.PortKind]Range
}

// New builds an Allocator over the three configured ranges.
func New(data *db.DB, api, http, https Range) *Allocator {
	return &Allocator{
		data: data,
		ranges: map[db.PortKind]Range{
			db.PortKindAPI:          api,
			db.PortKindIngressHTTP:  http,
			db.PortKindIngressHTTPS: https,
		},
	}
}

// Leased is the result of a successful Lease call.
type Leased struct {
	API          int
	IngressHTTP  int
	IngressHTTPS int
}

// Lease performs a single serializable transaction that, for each of the
// three kinds, selects the smallest integer in that kind's range not
// already present in the lease table and inserts a row for sessionID.
// On a serialization conflict (another transaction committed a lease
// first) the whole attempt is retried exactly once before the error is
// surfaced.
func (a *Allocator) Lease(ctx context.Context, sessionID string) (*Leased, error) {
	var result *Leased
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		result, err = a.leaseOnce(ctx, sessionID)
		if err == nil {
			return result, nil
		}
		if !isSerializationConflict(err) {
			return nil, err
		}
	}
	return nil, apperr.Wrap(apperr.Internal, "port lease transaction conflict", err)
}

func (a *Allocator) leaseOnce(ctx context.Context, sessionID string) (*Leased, error) {
	tx, err := a.data.Conn().BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("portlease: begin: %w", err)
	}
	defer tx.Rollback()

	now := db.Now()
	out := &Leased{}

	for _, kind := range []db.PortKind{db.PortKindAPI, db.PortKindIngressHTTP, db.PortKindIngressHTTPS} {
		rng := a.ranges[kind]
		port, err := smallestFree(ctx, tx, rng)
		if err != nil {
			return nil, err
		}
		if port == 0 {
			return nil, apperr.New(apperr.Exhausted, fmt.Sprintf("no free port in %s range", kind))
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO port_leases (port, session_id, kind, allocated_instant) VALUES ($1, $2, $3, $4)`,
			port, sessionID, string(kind), now); err != nil {
			return nil, fmt.Errorf("portlease: insert %s lease: %w", kind, err)
		}
		switch kind {
		case db.PortKindAPI:
			out.API = port
		case db.PortKindIngressHTTP:
			out.IngressHTTP = port
		case db.PortKindIngressHTTPS:
			out.IngressHTTPS = port
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("portlease: commit: %w", err)
	}
	return out, nil
}

// smallestFree returns the smallest port in rng not already leased, or
// 0 if the range is exhausted. The scan is bounded by the range size,
// which is small (a few thousand ports) relative to the cost of an
// external round trip elsewhere in session start.
func smallestFree(ctx context.Context, tx *sql.Tx, rng Range) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT port FROM port_leases WHERE port >= $1 AND port <= $2 ORDER BY port`, rng.Min, rng.Max)
	if err != nil {
		return 0, fmt.Errorf("portlease: scan range: %w", err)
	}
	defer rows.Close()

	taken := make(map[int]bool)
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return 0, err
		}
		taken[p] = true
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for p := rng.Min; p <= rng.Max; p++ {
		if !taken[p] {
			return p, nil
		}
	}
	return 0, nil
}

// Release deletes every lease held by sessionID. Idempotent: releasing a
// session with no leases succeeds silently.
func (a *Allocator) Release(ctx context.Context, sessionID string) error {
	if err := a.data.DeleteLeasesForSession(ctx, sessionID); err != nil {
		return apperr.Wrap(apperr.Internal, "release port leases", err)
	}
	return nil
}

// SweepOrphans deletes leases whose session id is not in liveSessionIDs,
// returning the count removed. Used by the Reaper.
func (a *Allocator) SweepOrphans(ctx context.Context, liveSessionIDs []string) (int, error) {
	n, err := a.data.DeleteOrphanLeases(ctx, liveSessionIDs)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "sweep orphan port leases", err)
	}
	return n, nil
}

func isSerializationConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "conflict")
}
