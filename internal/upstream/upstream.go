// Package upstream defines the market-data provider contract used by the
// coverage engine and the adjustment detector. Implementations live in
// subpackages (internal/upstream/yahoo).
package upstream

import (
	"context"
	"errors"
	"time"
)

// Bar is one adjusted daily OHLCV row as returned by the provider
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// ActionType identifies a corporate action reported alongside price bars
type ActionType string

const (
	ActionSplit       ActionType = "split"
	ActionDividend    ActionType = "dividend"
	ActionCapitalGain ActionType = "capital_gain"
)

// ActionEvent is one corporate action from the provider's events feed
type ActionEvent struct {
	Date   time.Time
	Type   ActionType
	Ratio  float64 // splits: new shares per old share
	Amount float64 // dividends and capital gains: cash amount
}

// Series bundles the bars and corporate actions for one request window
type Series struct {
	Bars   []Bar
	Events []ActionEvent
}

// Client is the provider contract. The [from, to] range is inclusive;
// implementations translate to the provider's exclusive-end convention.
// Empty results are legal (delisted or pre-IPO windows).
type Client interface {
	// FetchDailyBars returns adjusted daily bars plus corporate actions
	// for the window, cleaned, sorted by date, and deduplicated.
	FetchDailyBars(ctx context.Context, symbol string, from, to time.Time) (*Series, error)

	// Probe checks whether the provider knows the symbol at all.
	// Returns (false, nil) for definitively unknown symbols; an error is
	// returned only for transient failures where validity is undecidable.
	Probe(ctx context.Context, symbol string) (bool, error)
}

// Sentinel errors surfaced by implementations
var (
	// ErrNoData means the provider has no rows for the symbol/window.
	ErrNoData = errors.New("upstream: no data for range")
	// ErrInvalidSymbol means the provider does not know the symbol.
	ErrInvalidSymbol = errors.New("upstream: invalid symbol")
	// ErrRateLimited means the provider rejected the call with a rate signal
	// and retries were exhausted.
	ErrRateLimited = errors.New("upstream: rate limited")
)

// IsPermanent reports whether the error is a definitive provider answer
// that retrying cannot change.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNoData) || errors.Is(err, ErrInvalidSymbol)
}
