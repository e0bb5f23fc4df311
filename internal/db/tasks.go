package db

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Task is a practice exercise from the catalog. Grading and
// verification happen elsewhere; this is a read-mostly record.
type Task struct {
	ID           string
	Title        string
	Body         string
	Difficulty   string
	Verification string
}

// TaskResult mirrors the TaskResult entity; results are immutable once
// written.
type TaskResult struct {
	SessionID     string
	TaskID        string
	Score         float64
	ChecksPassed  int
	ChecksTotal   int
	RecordedAt    time.Time
}

// ListTaskIDs returns every known task id, used to draw a random subset
// for assignment.
func (d *DB) ListTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT id FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("db: list task ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AssignTasks records the given task ids as assigned to a session.
// Assignment and completion are two distinct tables, never
// disambiguated by inspecting a shared blob's shape.
func (d *DB) AssignTasks(ctx context.Context, sessionID string, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db: begin: %w", err)
	}
	defer tx.Rollback()

	for _, taskID := range taskIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO session_assigned_tasks (session_id, task_id) VALUES ($1, $2)`,
			sessionID, taskID); err != nil {
			return fmt.Errorf("db: assign task %s: %w", taskID, err)
		}
	}
	return tx.Commit()
}

// AssignedTasks returns the task ids assigned to a session.
func (d *DB) AssignedTasks(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT task_id FROM session_assigned_tasks WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("db: assigned tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordResult writes an immutable task result for a session.
func (d *DB) RecordResult(ctx context.Context, r TaskResult) error {
	r.RecordedAt = Now()
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO task_results (session_id, task_id, score, checks_passed, checks_total, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, task_id) DO NOTHING`,
		r.SessionID, r.TaskID, r.Score, r.ChecksPassed, r.ChecksTotal, r.RecordedAt)
	if err != nil {
		return fmt.Errorf("db: record result: %w", err)
	}
	return nil
}

// RandomTaskSubset picks up to n distinct task ids at random, used by
// session start to assign a practice set. A failure to assign is
// non-fatal at the call site.
func RandomTaskSubset(ids []string, n int) []string {
	if n >= len(ids) {
		out := make([]string, len(ids))
		copy(out, ids)
		return out
	}
	shuffled := make([]string, len(ids))
	copy(shuffled, ids)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}
