package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quotevault/internal/cache"
	"github.com/aristath/quotevault/internal/symbols"
	"github.com/aristath/quotevault/internal/utils"
)

// Sentinel errors for request caps
var (
	ErrTooManySymbols = errors.New("too many symbols requested")
	ErrTooMuchData    = errors.New("requested range yields too many rows")
	ErrNoDataInRange  = errors.New("no data in requested range")
)

// ReaderLimits holds the two cap tiers. The strict tier applies when
// auto_fetch is on, because every symbol may cost an upstream round trip.
type ReaderLimits struct {
	MaxSymbols        int
	MaxRows           int
	MaxSymbolsRelaxed int
	MaxRowsRelaxed    int
}

const readCacheTTL = 5 * time.Minute

// Reader serves price queries, optionally triggering the coverage engine
// first. Responses for plain reads are cached briefly.
type Reader struct {
	coverage *CoverageService
	resolver *symbols.Resolver
	prices   *PriceRepository
	cache    *cache.Store
	limits   ReaderLimits
	log      zerolog.Logger
}

// NewReader creates the price reader. cacheStore may be nil to disable
// response caching.
func NewReader(coverage *CoverageService, resolver *symbols.Resolver, prices *PriceRepository,
	cacheStore *cache.Store, limits ReaderLimits, log zerolog.Logger) *Reader {
	return &Reader{
		coverage: coverage,
		resolver: resolver,
		prices:   prices,
		cache:    cacheStore,
		limits:   limits,
		log:      log.With().Str("component", "price_reader").Logger(),
	}
}

// GetPrices returns rows for the requested symbols over [from, to], sorted by
// (date, symbol). With autoFetch the coverage engine runs first for each
// symbol, so the response reflects the provider's current history.
func (r *Reader) GetPrices(ctx context.Context, syms []string, from, to time.Time, autoFetch bool) ([]PriceRow, error) {
	if len(syms) == 0 {
		return nil, fmt.Errorf("no symbols requested")
	}
	from = utils.Midnight(from)
	to = utils.Midnight(to)
	if from.After(to) {
		return nil, fmt.Errorf("invalid range: from after to")
	}

	maxSymbols, maxRows := r.limits.MaxSymbolsRelaxed, r.limits.MaxRowsRelaxed
	if autoFetch {
		maxSymbols, maxRows = r.limits.MaxSymbols, r.limits.MaxRows
	}
	if maxSymbols > 0 && len(syms) > maxSymbols {
		return nil, fmt.Errorf("%w: %d requested, limit %d", ErrTooManySymbols, len(syms), maxSymbols)
	}

	normalized := make([]string, 0, len(syms))
	for _, raw := range syms {
		sym, err := symbols.Normalize(raw)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, sym)
	}

	cacheKey := r.cacheKey(normalized, from, to)
	if !autoFetch && r.cache != nil {
		var cached []PriceRow
		if hit, err := r.cache.GetInto(cacheKey, &cached); err == nil && hit {
			return cached, nil
		}
	}

	if autoFetch {
		for _, sym := range normalized {
			if _, err := r.coverage.EnsureCoverage(ctx, sym, from, to, EnsureOptions{}); err != nil {
				return nil, err
			}
		}
	}

	var out []PriceRow
	for _, sym := range normalized {
		segs, err := r.resolver.Resolve(sym, from, to)
		if err != nil {
			return nil, err
		}
		rows, err := r.prices.ReadResolved(sym, segs)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)

		if maxRows > 0 && len(out) > maxRows {
			return nil, fmt.Errorf("%w: over %d rows, narrow the range", ErrTooMuchData, maxRows)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s to %s", ErrNoDataInRange,
			utils.FormatDate(from), utils.FormatDate(to))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Symbol < out[j].Symbol
	})

	if !autoFetch && r.cache != nil {
		if err := r.cache.Set(cacheKey, out, readCacheTTL); err != nil {
			r.log.Debug().Err(err).Msg("Failed to cache read response")
		}
	}

	return out, nil
}

func (r *Reader) cacheKey(syms []string, from, to time.Time) string {
	return fmt.Sprintf("prices:%s:%s:%s",
		strings.Join(syms, ","), utils.FormatDate(from), utils.FormatDate(to))
}
