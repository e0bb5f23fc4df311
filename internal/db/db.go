// Package db provides the embedded-SQL persistence layer for the session
// orchestrator: the Session Store and the Port Allocator's lease table
// share this connection and its migrations.
//
// The store is intentionally embedded (SQLite via mattn/go-sqlite3)
// rather than a client/server database: persisted state lives in a
// local working directory alongside the artifacts it references
// (kubeconfig files keyed by cluster_name). Write-ahead logging and
// foreign-key enforcement are turned on explicitly because SQLite
// defaults to neither.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the embedded database connection.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema migrations. A single connection is used: SQLite
// serializes writers internally and the orchestrator's write volume
// (session/lease bookkeeping, not session I/O) never approaches a level
// where a pool would help.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	d := &DB{conn: conn}
	if err := d.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: migrate: %w", err)
	}
	return d, nil
}

// Conn exposes the underlying *sql.DB for components that need to start
// their own transactions (the Port Allocator's lease transaction, the
// Session Store's reservation transaction).
func (d *DB) Conn() *sql.DB { return d.conn }

func (d *DB) Close() error { return d.conn.Close() }

func (d *DB) Ping() error {
	return d.conn.Ping()
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                   TEXT PRIMARY KEY,
	owner_id             TEXT NOT NULL,
	status               TEXT NOT NULL,
	start_instant        DATETIME NOT NULL,
	ttl_minutes          INTEGER NOT NULL,
	extended             INTEGER NOT NULL DEFAULT 0,
	cluster_name         TEXT NOT NULL,
	kubeconfig_location  TEXT NOT NULL DEFAULT '',
	sandbox_handle       TEXT NOT NULL DEFAULT '',
	notes                TEXT NOT NULL DEFAULT '',
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL
);

-- at most one session per owner in a non-terminal status
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_owner_active
	ON sessions(owner_id)
	WHERE status IN ('Reserved','Provisioning','Running','Ending');

-- cluster_name unique across all non-terminal sessions
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_cluster_active
	ON sessions(cluster_name)
	WHERE status IN ('Reserved','Provisioning','Running','Ending');

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS port_leases (
	port             INTEGER PRIMARY KEY,
	session_id       TEXT NOT NULL,
	kind             TEXT NOT NULL,
	allocated_instant DATETIME NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_port_leases_session ON port_leases(session_id);

CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	body         TEXT NOT NULL,
	difficulty   TEXT NOT NULL,
	verification TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS task_results (
	session_id     TEXT NOT NULL,
	task_id        TEXT NOT NULL,
	score          REAL NOT NULL DEFAULT 0,
	checks_passed  INTEGER NOT NULL DEFAULT 0,
	checks_total   INTEGER NOT NULL DEFAULT 0,
	recorded_at    DATETIME NOT NULL,
	PRIMARY KEY (session_id, task_id),
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS session_assigned_tasks (
	session_id TEXT NOT NULL,
	task_id    TEXT NOT NULL,
	PRIMARY KEY (session_id, task_id),
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
`

func (d *DB) migrate() error {
	_, err := d.conn.Exec(schema)
	return err
}

// Now is overridable in tests that need a fixed or accelerated clock;
// production code always calls db.Now().
var Now = func() time.Time { return time.Now().UTC() }
