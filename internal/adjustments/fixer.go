package adjustments

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quotevault/internal/symbols"
	"github.com/aristath/quotevault/internal/utils"
)

// PriceWiper deletes a symbol's whole price history
type PriceWiper interface {
	DeleteAllForSymbol(symbol string) (int64, error)
}

// SymbolStore is the slice of the symbol repository the fixer needs
type SymbolStore interface {
	Get(symbol string) (*symbols.Symbol, error)
	ClearDateRange(symbol string) error
}

// FetchJobSubmitter queues a refetch job and returns its id
type FetchJobSubmitter interface {
	SubmitFetchJob(syms []string, from, to time.Time, forceRefresh bool, priority, createdBy string) (string, error)
}

// FixResult reports one repair
type FixResult struct {
	Symbol       string `json:"symbol"`
	RowsDeleted  int64  `json:"rows_deleted"`
	FixJobID     string `json:"fix_job_id"`
	EventsMarked int    `json:"events_marked"`
}

// fallbackInception bounds the refetch window when the symbol's first known
// date was never recorded.
var fallbackInception = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// Fixer repairs a drifted symbol: wipe the stored history, queue a
// high-priority full refetch, and move the symbol's active events to fixing.
type Fixer struct {
	prices  PriceWiper
	symbols SymbolStore
	events  *EventRepository
	jobs    FetchJobSubmitter
	log     zerolog.Logger
	now     func() time.Time
}

// NewFixer creates the fixer
func NewFixer(prices PriceWiper, symbolStore SymbolStore, events *EventRepository,
	jobs FetchJobSubmitter, log zerolog.Logger) *Fixer {
	return &Fixer{
		prices:  prices,
		symbols: symbolStore,
		events:  events,
		jobs:    jobs,
		log:     log.With().Str("component", "adjustment_fixer").Logger(),
		now:     time.Now,
	}
}

// Fix runs the repair for one symbol
func (f *Fixer) Fix(ctx context.Context, symbol string) (*FixResult, error) {
	sym, err := f.symbols.Get(symbol)
	if err != nil {
		return nil, err
	}
	if sym == nil {
		return nil, fmt.Errorf("cannot fix unknown symbol %s", symbol)
	}

	from := fallbackInception
	if sym.FirstDate != nil {
		from = *sym.FirstDate
	}
	to := utils.Midnight(f.now())

	deleted, err := f.prices.DeleteAllForSymbol(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to wipe prices for %s: %w", symbol, err)
	}
	if err := f.symbols.ClearDateRange(symbol); err != nil {
		return nil, err
	}

	jobID, err := f.jobs.SubmitFetchJob([]string{symbol}, from, to, true, "high", "adjustment_fixer")
	if err != nil {
		// History is already gone; the events stay active so the next
		// maintenance pass retries the fix.
		return nil, fmt.Errorf("failed to submit fix job for %s after deleting %d rows: %w",
			symbol, deleted, err)
	}

	marked, err := f.events.MarkFixing(symbol, jobID, deleted)
	if err != nil {
		return nil, err
	}

	f.log.Info().
		Str("symbol", symbol).
		Int64("rows_deleted", deleted).
		Str("fix_job_id", jobID).
		Int("events_marked", marked).
		Msg("Submitted adjustment fix")

	return &FixResult{
		Symbol:       symbol,
		RowsDeleted:  deleted,
		FixJobID:     jobID,
		EventsMarked: marked,
	}, nil
}
