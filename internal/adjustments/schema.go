package adjustments

import "database/sql"

// Schema for corporate events. The unique triple is the natural key used for
// dedup; the partial status index serves the active-event queries that run on
// every detector pass.
const Schema = `
CREATE TABLE IF NOT EXISTS corporate_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    event_date TEXT NOT NULL,
    event_type TEXT NOT NULL,
    ratio REAL,
    amount REAL,
    currency TEXT NOT NULL DEFAULT '',
    ex_date TEXT,
    detected_at TEXT,
    db_price_at_detection REAL,
    yf_price_at_detection REAL,
    pct_difference REAL,
    severity TEXT NOT NULL DEFAULT 'low',
    status TEXT NOT NULL DEFAULT 'detected',
    fixed_at TEXT,
    fix_job_id TEXT,
    rows_deleted INTEGER,
    rows_refetched INTEGER,
    source_data TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    UNIQUE (symbol, event_date, event_type)
);

CREATE INDEX IF NOT EXISTS idx_corporate_events_symbol ON corporate_events(symbol);
CREATE INDEX IF NOT EXISTS idx_corporate_events_active
    ON corporate_events(status) WHERE status != 'fixed';
CREATE INDEX IF NOT EXISTS idx_corporate_events_date ON corporate_events(event_date);
`

// InitSchema creates the corporate_events table and its indexes
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
