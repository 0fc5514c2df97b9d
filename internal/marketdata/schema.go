package marketdata

import "database/sql"

// Schema for the prices table. Symbols own their price rows: renames cascade
// into the price key, deleting a symbol with rows is refused.
const Schema = `
CREATE TABLE IF NOT EXISTS prices (
    symbol TEXT NOT NULL REFERENCES symbols(symbol) ON UPDATE CASCADE ON DELETE RESTRICT,
    date TEXT NOT NULL,
    open REAL NOT NULL CHECK (open > 0),
    high REAL NOT NULL CHECK (high > 0),
    low REAL NOT NULL CHECK (low > 0),
    close REAL NOT NULL CHECK (close > 0),
    volume INTEGER NOT NULL DEFAULT 0 CHECK (volume >= 0),
    source TEXT NOT NULL DEFAULT '',
    last_updated TEXT NOT NULL,
    PRIMARY KEY (symbol, date),
    CHECK (high >= open AND high >= low AND high >= close),
    CHECK (low <= open AND low <= close)
);

CREATE INDEX IF NOT EXISTS idx_prices_date ON prices(date);
CREATE INDEX IF NOT EXISTS idx_prices_last_updated ON prices(last_updated);
`

// InitSchema creates the prices table and its indexes
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
