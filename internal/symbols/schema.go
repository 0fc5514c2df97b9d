package symbols

import "database/sql"

// Schema ensures the symbols and symbol_changes tables exist in market.db.
// symbol_changes.new_symbol is UNIQUE: at most one rename targets a given
// current symbol, which is what makes one-hop resolution deterministic.
const Schema = `
CREATE TABLE IF NOT EXISTS symbols (
    symbol TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    exchange TEXT NOT NULL DEFAULT '',
    currency TEXT NOT NULL DEFAULT 'USD',
    active INTEGER NOT NULL DEFAULT 1,
    has_full_history INTEGER NOT NULL DEFAULT 0,
    first_date TEXT,
    last_date TEXT,
    created_at TEXT NOT NULL,
    CHECK (first_date IS NULL OR last_date IS NULL OR last_date >= first_date)
);

CREATE TABLE IF NOT EXISTS symbol_changes (
    old_symbol TEXT NOT NULL,
    new_symbol TEXT NOT NULL,
    change_date TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    PRIMARY KEY (old_symbol, change_date)
);

CREATE INDEX IF NOT EXISTS idx_symbol_changes_old ON symbol_changes(old_symbol);
CREATE UNIQUE INDEX IF NOT EXISTS idx_symbol_changes_new ON symbol_changes(new_symbol);
`

// InitSchema creates the symbol tables if they do not exist
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
