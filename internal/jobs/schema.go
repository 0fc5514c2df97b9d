package jobs

import "database/sql"

// Schema for fetch jobs. Symbol lists, progress, per-symbol results, and
// error lists are stored as JSON text; the status and created_at indexes
// serve the worker's claim query.
const Schema = `
CREATE TABLE IF NOT EXISTS fetch_jobs (
    job_id TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'pending',
    symbols TEXT NOT NULL,
    date_from TEXT NOT NULL,
    date_to TEXT NOT NULL,
    interval TEXT NOT NULL DEFAULT '1d',
    force_refresh INTEGER NOT NULL DEFAULT 0,
    priority TEXT NOT NULL DEFAULT 'normal',
    progress TEXT NOT NULL DEFAULT '{}',
    results TEXT NOT NULL DEFAULT '{}',
    errors TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL,
    started_at TEXT,
    completed_at TEXT,
    created_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_fetch_jobs_status ON fetch_jobs(status);
CREATE INDEX IF NOT EXISTS idx_fetch_jobs_created_at ON fetch_jobs(created_at);
`

// InitSchema creates the fetch_jobs table and its indexes
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
