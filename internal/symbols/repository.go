package symbols

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/quotevault/internal/utils"
	"github.com/rs/zerolog"
)

// Symbol represents a registered instrument
type Symbol struct {
	Symbol         string     `json:"symbol"`
	Name           string     `json:"name"`
	Exchange       string     `json:"exchange"`
	Currency       string     `json:"currency"`
	Active         bool       `json:"active"`
	HasFullHistory bool       `json:"has_full_history"`
	FirstDate      *time.Time `json:"first_date,omitempty"`
	LastDate       *time.Time `json:"last_date,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// SymbolChange records a one-hop ticker rename (old -> new at change_date)
type SymbolChange struct {
	OldSymbol  string    `json:"old_symbol"`
	NewSymbol  string    `json:"new_symbol"`
	ChangeDate time.Time `json:"change_date"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CoverageRow is one line of the per-symbol coverage summary view
type CoverageRow struct {
	Symbol      string  `json:"symbol"`
	DataPoints  int     `json:"data_points"`
	FirstDate   *string `json:"first_date,omitempty"`
	LastDate    *string `json:"last_date,omitempty"`
	LastUpdated *string `json:"last_updated,omitempty"`
	TotalDays   int     `json:"total_days"`
}

// Repository provides access to symbols and rename history
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new symbol repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "symbol_repo").Logger(),
	}
}

// Get fetches a symbol record. Returns nil when not found (not an error).
func (r *Repository) Get(symbol string) (*Symbol, error) {
	row := r.db.QueryRow(`
		SELECT symbol, name, exchange, currency, active, has_full_history,
		       first_date, last_date, created_at
		FROM symbols
		WHERE symbol = ?
	`, symbol)

	s, err := scanSymbol(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get symbol %s: %w", symbol, err)
	}
	return s, nil
}

// Insert registers a new symbol
func (r *Repository) Insert(s *Symbol) error {
	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var first, last interface{}
	if s.FirstDate != nil {
		first = utils.FormatDate(*s.FirstDate)
	}
	if s.LastDate != nil {
		last = utils.FormatDate(*s.LastDate)
	}

	_, err := r.db.Exec(`
		INSERT INTO symbols (symbol, name, exchange, currency, active, has_full_history,
		                     first_date, last_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.Symbol, s.Name, s.Exchange, s.Currency, boolToInt(s.Active),
		boolToInt(s.HasFullHistory), first, last, createdAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert symbol %s: %w", s.Symbol, err)
	}

	r.log.Info().Str("symbol", s.Symbol).Msg("Registered symbol")
	return nil
}

// ListActive returns all active symbols ordered alphabetically
func (r *Repository) ListActive() ([]Symbol, error) {
	rows, err := r.db.Query(`
		SELECT symbol, name, exchange, currency, active, has_full_history,
		       first_date, last_date, created_at
		FROM symbols
		WHERE active = 1
		ORDER BY symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active symbols: %w", err)
	}
	defer rows.Close()

	var result []Symbol
	for rows.Next() {
		s, err := scanSymbol(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		result = append(result, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbols: %w", err)
	}

	return result, nil
}

// UpdateDateRange widens the stored [first_date, last_date] window to include
// the given range. Narrowing never happens here; deletes reset via ClearDateRange.
func (r *Repository) UpdateDateRange(symbol string, first, last time.Time) error {
	_, err := r.db.Exec(`
		UPDATE symbols
		SET first_date = CASE
		        WHEN first_date IS NULL OR first_date > ? THEN ?
		        ELSE first_date END,
		    last_date = CASE
		        WHEN last_date IS NULL OR last_date < ? THEN ?
		        ELSE last_date END
		WHERE symbol = ?
	`, utils.FormatDate(first), utils.FormatDate(first),
		utils.FormatDate(last), utils.FormatDate(last), symbol)
	if err != nil {
		return fmt.Errorf("failed to update date range for %s: %w", symbol, err)
	}
	return nil
}

// ClearDateRange resets the stored coverage window, used after a full delete
func (r *Repository) ClearDateRange(symbol string) error {
	_, err := r.db.Exec(`
		UPDATE symbols SET first_date = NULL, last_date = NULL, has_full_history = 0
		WHERE symbol = ?
	`, symbol)
	if err != nil {
		return fmt.Errorf("failed to clear date range for %s: %w", symbol, err)
	}
	return nil
}

// MarkFullHistory flags the symbol as having completed a one-shot full backfill
func (r *Repository) MarkFullHistory(symbol string) error {
	_, err := r.db.Exec("UPDATE symbols SET has_full_history = 1 WHERE symbol = ?", symbol)
	if err != nil {
		return fmt.Errorf("failed to mark full history for %s: %w", symbol, err)
	}
	return nil
}

// SetActive toggles the active flag
func (r *Repository) SetActive(symbol string, active bool) error {
	_, err := r.db.Exec("UPDATE symbols SET active = ? WHERE symbol = ?", boolToInt(active), symbol)
	if err != nil {
		return fmt.Errorf("failed to set active for %s: %w", symbol, err)
	}
	return nil
}

// CoverageSummary returns the per-symbol dashboard view: row counts and the
// actual stored date window derived from the prices table.
func (r *Repository) CoverageSummary() ([]CoverageRow, error) {
	rows, err := r.db.Query(`
		SELECT s.symbol,
		       COUNT(p.date) AS data_points,
		       MIN(p.date) AS first_date,
		       MAX(p.date) AS last_date,
		       MAX(p.last_updated) AS last_updated,
		       CAST(julianday(MAX(p.date)) - julianday(MIN(p.date)) + 1 AS INTEGER) AS total_days
		FROM symbols s
		LEFT JOIN prices p ON p.symbol = s.symbol
		WHERE s.active = 1
		GROUP BY s.symbol
		ORDER BY s.symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query coverage summary: %w", err)
	}
	defer rows.Close()

	var result []CoverageRow
	for rows.Next() {
		var row CoverageRow
		var totalDays sql.NullInt64
		if err := rows.Scan(&row.Symbol, &row.DataPoints, &row.FirstDate,
			&row.LastDate, &row.LastUpdated, &totalDays); err != nil {
			return nil, fmt.Errorf("failed to scan coverage row: %w", err)
		}
		if totalDays.Valid {
			row.TotalDays = int(totalDays.Int64)
		}
		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating coverage summary: %w", err)
	}

	return result, nil
}

// GetChangeByNewSymbol fetches the rename that produced the given current
// symbol. Returns nil when the symbol was never renamed.
func (r *Repository) GetChangeByNewSymbol(newSymbol string) (*SymbolChange, error) {
	row := r.db.QueryRow(`
		SELECT old_symbol, new_symbol, change_date, reason, created_at
		FROM symbol_changes
		WHERE new_symbol = ?
	`, newSymbol)

	c, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get symbol change for %s: %w", newSymbol, err)
	}
	return c, nil
}

// InsertChange records a rename. The unique index on new_symbol enforces the
// one-hop guarantee at the storage level.
func (r *Repository) InsertChange(c *SymbolChange) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.Exec(`
		INSERT INTO symbol_changes (old_symbol, new_symbol, change_date, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.OldSymbol, c.NewSymbol, utils.FormatDate(c.ChangeDate), c.Reason,
		createdAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert symbol change %s -> %s: %w",
			c.OldSymbol, c.NewSymbol, err)
	}

	r.log.Info().
		Str("old_symbol", c.OldSymbol).
		Str("new_symbol", c.NewSymbol).
		Str("change_date", utils.FormatDate(c.ChangeDate)).
		Msg("Recorded symbol rename")
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSymbol(row rowScanner) (*Symbol, error) {
	var s Symbol
	var active, hasFull int
	var first, last sql.NullString
	var createdAt string

	err := row.Scan(&s.Symbol, &s.Name, &s.Exchange, &s.Currency, &active,
		&hasFull, &first, &last, &createdAt)
	if err != nil {
		return nil, err
	}

	s.Active = active != 0
	s.HasFullHistory = hasFull != 0

	if first.Valid {
		if d, err := utils.ParseDate(first.String); err == nil {
			s.FirstDate = &d
		}
	}
	if last.Valid {
		if d, err := utils.ParseDate(last.String); err == nil {
			s.LastDate = &d
		}
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		s.CreatedAt = t
	}

	return &s, nil
}

func scanChange(row rowScanner) (*SymbolChange, error) {
	var c SymbolChange
	var changeDate, createdAt string

	err := row.Scan(&c.OldSymbol, &c.NewSymbol, &changeDate, &c.Reason, &createdAt)
	if err != nil {
		return nil, err
	}

	d, err := utils.ParseDate(changeDate)
	if err != nil {
		return nil, fmt.Errorf("invalid change_date for %s: %w", c.OldSymbol, err)
	}
	c.ChangeDate = d

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		c.CreatedAt = t
	}

	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
