package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quotevault/internal/symbols"
	"github.com/aristath/quotevault/internal/upstream"
	"github.com/aristath/quotevault/internal/utils"
)

// Sentinel errors surfaced to the API layer
var (
	ErrSymbolNotFound = errors.New("symbol not registered")
	ErrInvalidSymbol  = errors.New("symbol rejected by provider")
)

// EventRecorder receives corporate actions reported by the provider feed.
// Inserts are idempotent on (symbol, event_date, event_type).
type EventRecorder interface {
	RecordProviderEvent(symbol string, date time.Time, eventType string, ratio, amount float64) error
}

// anchorLadder is the fixed set of probe dates used to locate a symbol's true
// inception when the requested start precedes provider history.
var anchorLadder = []int{1970, 1980, 1990, 2000, 2010}

// EnsureOptions tune a single ensure-coverage call
type EnsureOptions struct {
	// RefetchDays overrides the tail-refresh window when > 0
	RefetchDays int
	// ForceRefresh ignores stored coverage and refetches the whole range
	ForceRefresh bool
}

// EnsureResult reports what one ensure-coverage call did
type EnsureResult struct {
	Symbol   string          `json:"symbol"`
	Segments []SegmentResult `json:"segments"`
}

// SegmentResult covers one storage segment of the request
type SegmentResult struct {
	StorageSymbol string       `json:"storage_symbol"`
	From          string       `json:"from"`
	To            string       `json:"to"`
	Fetched       int          `json:"fetched"`
	Counts        UpsertCounts `json:"counts"`
	Notes         []string     `json:"notes,omitempty"`
}

// TotalFetched sums fetched rows across segments
func (r *EnsureResult) TotalFetched() int {
	n := 0
	for _, s := range r.Segments {
		n += s.Fetched
	}
	return n
}

// CoverageService is the read-through engine: given a symbol and window it
// determines what is missing, fetches only that, and upserts the result.
type CoverageService struct {
	symbols  *symbols.Repository
	resolver *symbols.Resolver
	prices   *PriceRepository
	client   upstream.Client
	events   EventRecorder
	locks    *symbolLocks
	log      zerolog.Logger

	refetchDays  int
	autoRegister bool
	now          func() time.Time
}

// NewCoverageService creates the coverage engine. events may be nil when no
// corporate-action recording is wanted (tests).
func NewCoverageService(
	symbolRepo *symbols.Repository,
	resolver *symbols.Resolver,
	prices *PriceRepository,
	client upstream.Client,
	events EventRecorder,
	refetchDays int,
	autoRegister bool,
	log zerolog.Logger,
) *CoverageService {
	if refetchDays <= 0 {
		refetchDays = 7
	}
	return &CoverageService{
		symbols:      symbolRepo,
		resolver:     resolver,
		prices:       prices,
		client:       client,
		events:       events,
		locks:        newSymbolLocks(defaultLockStripes),
		log:          log.With().Str("component", "coverage").Logger(),
		refetchDays:  refetchDays,
		autoRegister: autoRegister,
		now:          time.Now,
	}
}

// EnsureCoverage guarantees that stored data covers [from, to] for the symbol
// as well as the provider allows, fetching only missing or stale ranges.
func (s *CoverageService) EnsureCoverage(ctx context.Context, symbol string, from, to time.Time, opts EnsureOptions) (*EnsureResult, error) {
	from = utils.Midnight(from)
	to = utils.Midnight(to)
	if from.After(to) {
		return nil, fmt.Errorf("invalid range: from %s after to %s",
			utils.FormatDate(from), utils.FormatDate(to))
	}

	if err := s.ensureRegistered(ctx, symbol); err != nil {
		return nil, err
	}

	segs, err := s.resolver.Resolve(symbol, from, to)
	if err != nil {
		return nil, err
	}

	refetchDays := s.refetchDays
	if opts.RefetchDays > 0 {
		refetchDays = opts.RefetchDays
	}

	result := &EnsureResult{Symbol: symbol}
	for _, seg := range segs {
		segResult, err := s.ensureSegment(ctx, seg, refetchDays, opts.ForceRefresh)
		if err != nil {
			return nil, err
		}
		result.Segments = append(result.Segments, *segResult)
	}

	return result, nil
}

// ensureRegistered checks the symbol exists, auto-registering it when enabled.
// The provider probe runs outside any transaction so upstream latency never
// holds a connection.
func (s *CoverageService) ensureRegistered(ctx context.Context, symbol string) error {
	rec, err := s.symbols.Get(symbol)
	if err != nil {
		return err
	}
	if rec != nil {
		return nil
	}

	if !s.autoRegister {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}

	known, err := s.client.Probe(ctx, symbol)
	if err != nil {
		return fmt.Errorf("failed to validate symbol %s: %w", symbol, err)
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
	}

	s.log.Info().Str("symbol", symbol).Msg("Auto-registering symbol")
	err = s.symbols.Insert(&symbols.Symbol{Symbol: symbol, Active: true})
	if err != nil {
		// A concurrent caller may have won the insert
		if existing, getErr := s.symbols.Get(symbol); getErr == nil && existing != nil {
			return nil
		}
		return err
	}
	return nil
}

// ensureSegment runs the coverage algorithm for one storage segment under the
// per-symbol write lock.
func (s *CoverageService) ensureSegment(ctx context.Context, seg symbols.Segment, refetchDays int, force bool) (*SegmentResult, error) {
	unlock := s.locks.Lock(seg.StorageSymbol)
	defer unlock()

	result := &SegmentResult{
		StorageSymbol: seg.StorageSymbol,
		From:          utils.FormatDate(seg.From),
		To:            utils.FormatDate(seg.To),
	}

	// Coverage is read inside the lock so a second caller finds nothing to do
	cov, err := s.prices.GetCoverage(seg.StorageSymbol, seg.From, seg.To)
	if err != nil {
		return nil, err
	}

	ranges := s.candidateRanges(seg, cov, refetchDays, force, result)
	for _, rg := range ranges {
		if err := s.fetchAndStore(ctx, seg.StorageSymbol, rg, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

type dateRange struct {
	from, to time.Time
}

// candidateRanges applies the three-candidate union: initial backfill, gap
// fill, and tail refresh, merged and clipped to the segment.
func (s *CoverageService) candidateRanges(seg symbols.Segment, cov *Coverage, refetchDays int, force bool, result *SegmentResult) []dateRange {
	if force || cov.FirstDate == nil {
		if force && cov.FirstDate != nil {
			result.Notes = append(result.Notes, "force refresh: refetching full range")
		}
		return []dateRange{{seg.From, seg.To}}
	}

	var candidates []dateRange

	// Gap fill: from the first missing weekday up to the stored tail
	if cov.HasWeekdayGap && cov.FirstMissingWeekday != nil {
		gapFrom := utils.MaxDate(seg.From, *cov.FirstMissingWeekday)
		gapTo := utils.MinDate(*cov.LastDate, seg.To)
		candidates = append(candidates, dateRange{gapFrom, gapTo})
	}

	// Tail refresh: re-pull the last refetchDays so provider late-adjustments
	// land, but only when the stored tail is actually stale
	today := utils.Midnight(s.now())
	if !seg.To.Before(*cov.LastDate) && utils.DaysBetween(*cov.LastDate, today) > 1 {
		tailFrom := utils.MaxDate(seg.From, cov.LastDate.AddDate(0, 0, -refetchDays))
		candidates = append(candidates, dateRange{tailFrom, seg.To})
	}

	merged := mergeRanges(candidates)

	out := merged[:0]
	for _, rg := range merged {
		if rg.from.After(seg.To) {
			result.Notes = append(result.Notes,
				fmt.Sprintf("fetch start %s beyond requested end, skipped", utils.FormatDate(rg.from)))
			continue
		}
		if rg.from.After(rg.to) {
			continue
		}
		out = append(out, rg)
	}
	return out
}

// mergeRanges unions overlapping or adjacent date ranges
func mergeRanges(ranges []dateRange) []dateRange {
	valid := make([]dateRange, 0, len(ranges))
	for _, rg := range ranges {
		if !rg.from.After(rg.to) {
			valid = append(valid, rg)
		}
	}
	if len(valid) <= 1 {
		return valid
	}

	// Insertion sort is fine for at most three candidates
	for i := 1; i < len(valid); i++ {
		for j := i; j > 0 && valid[j].from.Before(valid[j-1].from); j-- {
			valid[j], valid[j-1] = valid[j-1], valid[j]
		}
	}

	merged := []dateRange{valid[0]}
	for _, rg := range valid[1:] {
		last := &merged[len(merged)-1]
		if !rg.from.After(last.to.AddDate(0, 0, 1)) {
			if rg.to.After(last.to) {
				last.to = rg.to
			}
			continue
		}
		merged = append(merged, rg)
	}
	return merged
}

// fetchAndStore pulls one range from the provider, walking the anchor ladder
// when the start precedes provider history, then upserts and records events.
func (s *CoverageService) fetchAndStore(ctx context.Context, storageSymbol string, rg dateRange, result *SegmentResult) error {
	series, actualFrom, err := s.fetchWithAnchors(ctx, storageSymbol, rg)
	if err != nil {
		return err
	}
	if series == nil || len(series.Bars) == 0 {
		boundary := rg.to
		if inception := s.probeInception(ctx, storageSymbol, rg.to); !inception.IsZero() {
			boundary = inception
		}
		result.Notes = append(result.Notes,
			fmt.Sprintf("no data available before %s", utils.FormatDate(boundary)))
		return nil
	}

	// A start slipping more than a week past the request means the provider
	// has no earlier history; a day or two is just weekends and holidays.
	if utils.DaysBetween(rg.from, actualFrom) > 5 {
		result.Notes = append(result.Notes,
			fmt.Sprintf("no data available before %s", utils.FormatDate(actualFrom)))
	}

	counts, err := s.prices.UpsertBatch(storageSymbol, sourceName(s.client), series.Bars)
	if err != nil {
		return err
	}

	result.Fetched += len(series.Bars)
	result.Counts.Inserted += counts.Inserted
	result.Counts.Updated += counts.Updated
	result.Counts.Skipped += counts.Skipped

	first := series.Bars[0].Date
	last := series.Bars[len(series.Bars)-1].Date
	if err := s.symbols.UpdateDateRange(storageSymbol, first, last); err != nil {
		return err
	}

	if s.events != nil {
		for _, ev := range series.Events {
			if err := s.events.RecordProviderEvent(storageSymbol, ev.Date,
				providerEventType(ev), ev.Ratio, ev.Amount); err != nil {
				s.log.Warn().Err(err).
					Str("symbol", storageSymbol).
					Str("date", utils.FormatDate(ev.Date)).
					Msg("Failed to record provider event")
			}
		}
	}

	return nil
}

// fetchWithAnchors fetches [rg.from, rg.to], and when the provider has
// nothing that early, retries from each anchor year after rg.from until data
// appears. Returns the effective start of the fetched data.
func (s *CoverageService) fetchWithAnchors(ctx context.Context, symbol string, rg dateRange) (*upstream.Series, time.Time, error) {
	series, err := s.client.FetchDailyBars(ctx, symbol, rg.from, rg.to)
	if err == nil && len(series.Bars) > 0 {
		return series, series.Bars[0].Date, nil
	}
	if err != nil && !errors.Is(err, upstream.ErrNoData) {
		return nil, time.Time{}, fmt.Errorf("fetch %s [%s, %s]: %w",
			symbol, utils.FormatDate(rg.from), utils.FormatDate(rg.to), err)
	}

	for _, year := range anchorLadder {
		anchor := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
		if !anchor.After(rg.from) || anchor.After(rg.to) {
			continue
		}
		s.log.Debug().
			Str("symbol", symbol).
			Int("anchor_year", year).
			Msg("Probing anchor date for inception")

		series, err := s.client.FetchDailyBars(ctx, symbol, anchor, rg.to)
		if errors.Is(err, upstream.ErrNoData) {
			continue
		}
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("anchor fetch %s from %d: %w", symbol, year, err)
		}
		if len(series.Bars) > 0 {
			return series, series.Bars[0].Date, nil
		}
	}

	return nil, time.Time{}, nil
}

// probeInception locates the provider's first available bar when the whole
// requested window precedes history. One unclamped fetch from the window end
// to today is enough: its first bar is the inception. Best effort only, a
// failed probe just falls back to the window end.
func (s *CoverageService) probeInception(ctx context.Context, symbol string, after time.Time) time.Time {
	today := utils.Midnight(s.now())
	if !after.Before(today) {
		return time.Time{}
	}
	series, err := s.client.FetchDailyBars(ctx, symbol, after, today)
	if err != nil || len(series.Bars) == 0 {
		return time.Time{}
	}
	return series.Bars[0].Date
}

// providerEventType maps a feed action onto the stored event taxonomy
func providerEventType(ev upstream.ActionEvent) string {
	switch ev.Type {
	case upstream.ActionSplit:
		if ev.Ratio > 0 && ev.Ratio < 1 {
			return "reverse_split"
		}
		return "stock_split"
	case upstream.ActionDividend:
		return "dividend"
	case upstream.ActionCapitalGain:
		return "capital_gain"
	default:
		return "unknown"
	}
}

// sourceName labels stored rows with the provider that produced them
func sourceName(c upstream.Client) string {
	if n, ok := c.(interface{ Source() string }); ok {
		return n.Source()
	}
	return "upstream"
}
