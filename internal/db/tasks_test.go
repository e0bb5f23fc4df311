package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTasks(t *testing.T, d *DB, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := d.conn.Exec(`INSERT INTO tasks (id, title, body, difficulty, verification) VALUES ($1, $2, '', 'easy', '')`, id, id)
		require.NoError(t, err)
	}
}

func TestRandomTaskSubset_ReturnsAllWhenFewerThanRequested(t *testing.T) {
	ids := []string{"t1", "t2", "t3"}
	got := RandomTaskSubset(ids, 10)
	assert.ElementsMatch(t, ids, got)
}

func TestRandomTaskSubset_ReturnsExactlyNDistinctIDs(t *testing.T) {
	ids := []string{"t1", "t2", "t3", "t4", "t5"}
	got := RandomTaskSubset(ids, 3)
	assert.Len(t, got, 3)

	seen := make(map[string]bool)
	for _, id := range got {
		assert.False(t, seen[id], "subset must not repeat a task id")
		seen[id] = true
		assert.Contains(t, ids, id)
	}
}

func TestAssignTasks_AndAssignedTasks(t *testing.T) {
	d := openTestDB(t)
	store := NewSessionStore(d)
	ctx := context.Background()

	seedTasks(t, d, "t1", "t2", "t3")
	sess, err := store.CreateReserved(ctx, "owner-1", "cluster-a", 60)
	require.NoError(t, err)

	require.NoError(t, d.AssignTasks(ctx, sess.ID, []string{"t1", "t2"}))

	assigned, err := d.AssignedTasks(ctx, sess.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2"}, assigned)
}

func TestAssignTasks_IsIdempotent(t *testing.T) {
	d := openTestDB(t)
	store := NewSessionStore(d)
	ctx := context.Background()

	seedTasks(t, d, "t1")
	sess, err := store.CreateReserved(ctx, "owner-1", "cluster-a", 60)
	require.NoError(t, err)

	require.NoError(t, d.AssignTasks(ctx, sess.ID, []string{"t1"}))
	require.NoError(t, d.AssignTasks(ctx, sess.ID, []string{"t1"}))

	assigned, err := d.AssignedTasks(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, assigned, 1)
}

func TestRecordResult_IsImmutableOnConflict(t *testing.T) {
	d := openTestDB(t)
	store := NewSessionStore(d)
	ctx := context.Background()

	seedTasks(t, d, "t1")
	sess, err := store.CreateReserved(ctx, "owner-1", "cluster-a", 60)
	require.NoError(t, err)

	require.NoError(t, d.RecordResult(ctx, TaskResult{SessionID: sess.ID, TaskID: "t1", Score: 0.5, ChecksPassed: 1, ChecksTotal: 2}))
	require.NoError(t, d.RecordResult(ctx, TaskResult{SessionID: sess.ID, TaskID: "t1", Score: 1.0, ChecksPassed: 2, ChecksTotal: 2}))

	var score float64
	require.NoError(t, d.conn.QueryRow(`SELECT score FROM task_results WHERE session_id=$1 AND task_id=$2`, sess.ID, "t1").Scan(&score))
	assert.Equal(t, 0.5, score, "a second RecordResult for the same (session, task) must not overwrite the first")
}
