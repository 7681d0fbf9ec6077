// Package testutil provides test utilities for database setup.
package testutil

import (
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/require"
)

// Schema mirrors the production migrations so repository tests can run
// against an in-memory database without touching the filesystem.
const Schema = `
CREATE TABLE workflows (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	current_jobs TEXT NOT NULL DEFAULT '[]',
	completed_jobs TEXT NOT NULL DEFAULT '[]',
	failed_jobs TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE jobs (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	type TEXT NOT NULL,
	parameters TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	worker_id TEXT,
	result TEXT,
	error TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	on_success TEXT NOT NULL DEFAULT '[]',
	on_failure TEXT NOT NULL DEFAULT '[]',
	always_run INTEGER NOT NULL DEFAULT 0,
	position INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY (workflow_id) REFERENCES workflows(id)
);

CREATE INDEX idx_jobs_workflow_id ON jobs(workflow_id);

CREATE TABLE workers (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'idle',
	capabilities TEXT NOT NULL DEFAULT '[]',
	current_job_id TEXT,
	last_heartbeat INTEGER NOT NULL,
	registered_at INTEGER NOT NULL
);

CREATE TABLE assignments (
	job_id TEXT PRIMARY KEY,
	worker_id TEXT NOT NULL,
	assigned_at INTEGER NOT NULL
);
`

// NewTestDB creates an in-memory SQLite database with the full schema.
// The caller is responsible for closing the database.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(Schema)
	require.NoError(t, err)
	return db
}
