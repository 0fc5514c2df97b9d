// Package marketdata stores and serves adjusted daily OHLCV rows and runs the
// read-through coverage engine on top of them.
package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quotevault/internal/database"
	"github.com/aristath/quotevault/internal/symbols"
	"github.com/aristath/quotevault/internal/upstream"
	"github.com/aristath/quotevault/internal/utils"
)

// Price is one stored daily bar
type Price struct {
	Symbol      string    `json:"symbol"`
	Date        time.Time `json:"-"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      int64     `json:"volume"`
	Source      string    `json:"source,omitempty"`
	LastUpdated time.Time `json:"-"`
}

// PriceRow is the read model returned to callers. Symbol carries the symbol
// the caller asked for; SourceSymbol carries the storage symbol when the row
// comes from a pre-rename segment.
type PriceRow struct {
	Symbol       string  `json:"symbol" msgpack:"symbol"`
	SourceSymbol string  `json:"source_symbol" msgpack:"source_symbol"`
	Date         string  `json:"date" msgpack:"date"`
	Open         float64 `json:"open" msgpack:"open"`
	High         float64 `json:"high" msgpack:"high"`
	Low          float64 `json:"low" msgpack:"low"`
	Close        float64 `json:"close" msgpack:"close"`
	Volume       int64   `json:"volume" msgpack:"volume"`
	Source       string  `json:"source,omitempty" msgpack:"source"`
	LastUpdated  string  `json:"last_updated,omitempty" msgpack:"last_updated"`
}

// UpsertCounts reports the outcome of a batch write
type UpsertCounts struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Coverage describes what is stored for one symbol inside a requested window
type Coverage struct {
	FirstDate           *time.Time
	LastDate            *time.Time
	RowCount            int
	HasWeekdayGap       bool
	FirstMissingWeekday *time.Time
}

// PriceRepository provides access to the prices table
type PriceRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPriceRepository creates a new price repository
func NewPriceRepository(db *sql.DB, log zerolog.Logger) *PriceRepository {
	return &PriceRepository{
		db:  db,
		log: log.With().Str("component", "price_repo").Logger(),
	}
}

// validateBar enforces the OHLC invariants mirrored by the table CHECKs
func validateBar(b upstream.Bar) error {
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return fmt.Errorf("non-positive price")
	}
	if b.High < b.Open || b.High < b.Low || b.High < b.Close {
		return fmt.Errorf("high below another price")
	}
	if b.Low > b.Open || b.Low > b.Close {
		return fmt.Errorf("low above another price")
	}
	if b.Volume < 0 {
		return fmt.Errorf("negative volume")
	}
	return nil
}

// UpsertBatch writes bars for one storage symbol in a single transaction.
// Invalid rows are skipped with a structured log and do not abort the batch.
func (r *PriceRepository) UpsertBatch(symbol, source string, bars []upstream.Bar) (UpsertCounts, error) {
	var counts UpsertCounts
	if len(bars) == 0 {
		return counts, nil
	}

	existing, err := r.existingDates(symbol, bars)
	if err != nil {
		return counts, err
	}

	now := time.Now().UTC().Format(time.RFC3339)

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO prices (symbol, date, open, high, low, close, volume, source, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, date) DO UPDATE SET
				open = excluded.open,
				high = excluded.high,
				low = excluded.low,
				close = excluded.close,
				volume = excluded.volume,
				source = excluded.source,
				last_updated = excluded.last_updated
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, bar := range bars {
			if err := validateBar(bar); err != nil {
				counts.Skipped++
				r.log.Warn().
					Str("symbol", symbol).
					Str("date", utils.FormatDate(bar.Date)).
					Str("reason", err.Error()).
					Msg("Skipping invalid price row")
				continue
			}

			date := utils.FormatDate(bar.Date)
			if _, err := stmt.Exec(symbol, date, bar.Open, bar.High, bar.Low,
				bar.Close, bar.Volume, source, now); err != nil {
				return fmt.Errorf("failed to upsert %s %s: %w", symbol, date, err)
			}

			if existing[date] {
				counts.Updated++
			} else {
				counts.Inserted++
			}
		}
		return nil
	})
	if err != nil {
		return UpsertCounts{}, err
	}

	r.log.Debug().
		Str("symbol", symbol).
		Int("inserted", counts.Inserted).
		Int("updated", counts.Updated).
		Int("skipped", counts.Skipped).
		Msg("Upserted price batch")
	return counts, nil
}

// existingDates returns the set of already-stored dates inside the batch window
func (r *PriceRepository) existingDates(symbol string, bars []upstream.Bar) (map[string]bool, error) {
	min, max := bars[0].Date, bars[0].Date
	for _, b := range bars[1:] {
		min = utils.MinDate(min, b.Date)
		max = utils.MaxDate(max, b.Date)
	}

	rows, err := r.db.Query(`
		SELECT date FROM prices WHERE symbol = ? AND date >= ? AND date <= ?
	`, symbol, utils.FormatDate(min), utils.FormatDate(max))
	if err != nil {
		return nil, fmt.Errorf("failed to query existing dates for %s: %w", symbol, err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan date: %w", err)
		}
		existing[d] = true
	}
	return existing, rows.Err()
}

// GetCoverage reports the stored window and the first weekday hole for one
// storage symbol inside [from, to]. Gap detection walks the stored dates in
// Go because SQLite has no calendar.
func (r *PriceRepository) GetCoverage(symbol string, from, to time.Time) (*Coverage, error) {
	rows, err := r.db.Query(`
		SELECT date FROM prices
		WHERE symbol = ? AND date >= ? AND date <= ?
		ORDER BY date
	`, symbol, utils.FormatDate(from), utils.FormatDate(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query coverage for %s: %w", symbol, err)
	}
	defer rows.Close()

	have := make(map[string]bool)
	var first, last time.Time
	count := 0
	for rows.Next() {
		var ds string
		if err := rows.Scan(&ds); err != nil {
			return nil, fmt.Errorf("failed to scan date: %w", err)
		}
		d, err := utils.ParseDate(ds)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			first = d
		}
		last = d
		have[ds] = true
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cov := &Coverage{RowCount: count}
	if count == 0 {
		return cov, nil
	}
	cov.FirstDate = &first
	cov.LastDate = &last

	// A gap is a working day inside [first, last] with no row. Market
	// holidays trigger a one-time refetch of an already-complete span,
	// which the upsert absorbs as updates.
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if !utils.IsWeekday(d) {
			continue
		}
		if !have[utils.FormatDate(d)] {
			gap := d
			cov.HasWeekdayGap = true
			cov.FirstMissingWeekday = &gap
			break
		}
	}

	return cov, nil
}

// ReadResolved reads price rows across the resolved segments of one requested
// symbol. Every row carries the requested symbol in Symbol and the storage
// symbol in SourceSymbol; rows predating a rename expose the old ticker there.
func (r *PriceRepository) ReadResolved(requested string, segs []symbols.Segment) ([]PriceRow, error) {
	var out []PriceRow
	for _, seg := range segs {
		rows, err := r.db.Query(`
			SELECT date, open, high, low, close, volume, source, last_updated
			FROM prices
			WHERE symbol = ? AND date >= ? AND date <= ?
			ORDER BY date
		`, seg.StorageSymbol, utils.FormatDate(seg.From), utils.FormatDate(seg.To))
		if err != nil {
			return nil, fmt.Errorf("failed to read prices for %s: %w", seg.StorageSymbol, err)
		}

		for rows.Next() {
			var pr PriceRow
			if err := rows.Scan(&pr.Date, &pr.Open, &pr.High, &pr.Low, &pr.Close,
				&pr.Volume, &pr.Source, &pr.LastUpdated); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan price row: %w", err)
			}
			pr.Symbol = requested
			pr.SourceSymbol = seg.StorageSymbol
			out = append(out, pr)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// CountForSymbol returns the number of stored rows for one storage symbol
func (r *PriceRepository) CountForSymbol(symbol string) (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM prices WHERE symbol = ?", symbol).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count prices for %s: %w", symbol, err)
	}
	return n, nil
}

// DeleteAllForSymbol removes every stored row for one storage symbol and
// returns the number of rows deleted.
func (r *PriceRepository) DeleteAllForSymbol(symbol string) (int64, error) {
	var deleted int64
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM prices WHERE symbol = ?", symbol)
		if err != nil {
			return fmt.Errorf("failed to delete prices for %s: %w", symbol, err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.log.Info().Str("symbol", symbol).Int64("rows_deleted", deleted).Msg("Deleted price history")
	return deleted, nil
}

// DeleteRange removes rows in [from, to] for one storage symbol
func (r *PriceRepository) DeleteRange(symbol string, from, to time.Time) (int64, error) {
	res, err := r.db.Exec(`
		DELETE FROM prices WHERE symbol = ? AND date >= ? AND date <= ?
	`, symbol, utils.FormatDate(from), utils.FormatDate(to))
	if err != nil {
		return 0, fmt.Errorf("failed to delete price range for %s: %w", symbol, err)
	}
	deleted, _ := res.RowsAffected()

	r.log.Info().
		Str("symbol", symbol).
		Str("from", utils.FormatDate(from)).
		Str("to", utils.FormatDate(to)).
		Int64("rows_deleted", deleted).
		Msg("Deleted price range")
	return deleted, nil
}

// GetCloses returns stored (date, close) pairs for one storage symbol,
// ordered by date. Used by the adjustment detector's sampling step.
func (r *PriceRepository) GetCloses(symbol string, from, to time.Time) ([]DateClose, error) {
	rows, err := r.db.Query(`
		SELECT date, close FROM prices
		WHERE symbol = ? AND date >= ? AND date <= ?
		ORDER BY date
	`, symbol, utils.FormatDate(from), utils.FormatDate(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query closes for %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []DateClose
	for rows.Next() {
		var ds string
		var dc DateClose
		if err := rows.Scan(&ds, &dc.Close); err != nil {
			return nil, fmt.Errorf("failed to scan close: %w", err)
		}
		d, err := utils.ParseDate(ds)
		if err != nil {
			return nil, err
		}
		dc.Date = d
		out = append(out, dc)
	}
	return out, rows.Err()
}

// DateClose pairs a trading date with its stored adjusted close
type DateClose struct {
	Date  time.Time
	Close float64
}
