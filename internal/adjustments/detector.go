package adjustments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/quotevault/internal/marketdata"
	"github.com/aristath/quotevault/internal/symbols"
	"github.com/aristath/quotevault/internal/upstream"
	"github.com/aristath/quotevault/internal/utils"
)

// noiseFloorPct is the comparison floor below which differences are treated
// as floating-point noise, in percent.
const noiseFloorPct = "0.0001"

// ClosesSource provides stored closes for sampling
type ClosesSource interface {
	GetCloses(symbol string, from, to time.Time) ([]marketdata.DateClose, error)
}

// SymbolLister enumerates the symbols a full scan walks
type SymbolLister interface {
	ListActive() ([]symbols.Symbol, error)
}

// DetectorConfig tunes the sampling and comparison
type DetectorConfig struct {
	// ThresholdPct is the configured significance threshold in percent
	ThresholdPct float64
	// SamplePoints caps the number of stored rows compared per symbol
	SamplePoints int
	// MinDataAgeDays excludes rows newer than this many days; the tail
	// refresh already keeps those honest
	MinDataAgeDays int
}

// DefaultDetectorConfig returns the stock thresholds
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		ThresholdPct:   0.001,
		SamplePoints:   10,
		MinDataAgeDays: 7,
	}
}

// SampleResult is the comparison outcome for one sampled date
type SampleResult struct {
	Date          string  `json:"date"`
	StoredClose   float64 `json:"stored_close"`
	ProviderClose float64 `json:"provider_close"`
	DiffPct       float64 `json:"diff_pct"`
	Significant   bool    `json:"significant"`
	EventType     string  `json:"event_type,omitempty"`
	Severity      string  `json:"severity,omitempty"`
}

// SymbolReport aggregates one symbol's detection pass
type SymbolReport struct {
	Symbol       string         `json:"symbol"`
	NeedsRefresh bool           `json:"needs_refresh"`
	MaxPctDiff   float64        `json:"max_pct_diff"`
	Samples      []SampleResult `json:"samples,omitempty"`
	Skipped      string         `json:"skipped,omitempty"`
}

// ScanSummary aggregates a full scan
type ScanSummary struct {
	Scanned    int            `json:"scanned"`
	Flagged    int            `json:"flagged"`
	ByType     map[string]int `json:"by_type"`
	BySeverity map[string]int `json:"by_severity"`
	Fixed      []string       `json:"fixed,omitempty"`
	Reports    []SymbolReport `json:"reports"`
	Errors     []string       `json:"errors,omitempty"`
}

// Detector compares sampled stored closes against the provider's current
// adjusted closes and classifies any drift.
type Detector struct {
	prices  ClosesSource
	symbols SymbolLister
	client  upstream.Client
	events  *EventRepository
	fixer   *Fixer
	cfg     DetectorConfig
	log     zerolog.Logger
	now     func() time.Time
}

// NewDetector creates the detector. fixer may be nil when auto-fix is never
// requested.
func NewDetector(prices ClosesSource, symbolList SymbolLister, client upstream.Client,
	events *EventRepository, fixer *Fixer, cfg DetectorConfig, log zerolog.Logger) *Detector {
	if cfg.SamplePoints <= 0 {
		cfg.SamplePoints = 10
	}
	if cfg.MinDataAgeDays <= 0 {
		cfg.MinDataAgeDays = 7
	}
	return &Detector{
		prices:  prices,
		symbols: symbolList,
		client:  client,
		events:  events,
		fixer:   fixer,
		cfg:     cfg,
		log:     log.With().Str("component", "adjustment_detector").Logger(),
		now:     time.Now,
	}
}

// CheckSymbol runs one detection pass for a symbol
func (d *Detector) CheckSymbol(ctx context.Context, symbol string) (*SymbolReport, error) {
	report := &SymbolReport{Symbol: symbol}

	cutoff := utils.Midnight(d.now()).AddDate(0, 0, -d.cfg.MinDataAgeDays)
	closes, err := d.prices.GetCloses(symbol, time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), cutoff)
	if err != nil {
		return nil, err
	}
	if len(closes) < 2 {
		report.Skipped = "insufficient data"
		return report, nil
	}

	samples := sampleCloses(closes, d.cfg.SamplePoints)
	first := samples[0].Date
	last := samples[len(samples)-1].Date

	series, err := d.client.FetchDailyBars(ctx, symbol, first, last)
	if err != nil {
		if errors.Is(err, upstream.ErrNoData) || errors.Is(err, upstream.ErrInvalidSymbol) {
			report.Skipped = "provider has no data for sampled range"
			return report, nil
		}
		return nil, fmt.Errorf("probe %s: %w", symbol, err)
	}

	provider := make(map[string]float64, len(series.Bars))
	for _, b := range series.Bars {
		provider[utils.FormatDate(b.Date)] = b.Close
	}

	threshold := decimal.NewFromFloat(d.cfg.ThresholdPct)
	noise := decimal.RequireFromString(noiseFloorPct)
	if threshold.LessThan(noise) {
		threshold = noise
	}

	for _, s := range samples {
		dateStr := utils.FormatDate(s.Date)
		provClose, ok := provider[dateStr]
		if !ok {
			continue
		}

		sr := SampleResult{
			Date:          dateStr,
			StoredClose:   s.Close,
			ProviderClose: provClose,
		}

		stored := decimal.NewFromFloat(s.Close)
		prov := decimal.NewFromFloat(provClose)
		if stored.IsZero() {
			continue
		}

		diffPct := stored.Sub(prov).Abs().Div(stored).Mul(decimal.NewFromInt(100))
		sr.DiffPct, _ = diffPct.Float64()

		if diffPct.GreaterThanOrEqual(threshold) {
			sr.Significant = true
			sr.EventType, sr.Severity = classify(diffPct, s.Date, series.Events)
			report.NeedsRefresh = true
		}
		if sr.DiffPct > report.MaxPctDiff {
			report.MaxPctDiff = sr.DiffPct
		}

		report.Samples = append(report.Samples, sr)

		if sr.Significant && d.events != nil {
			d.recordDetection(symbol, sr)
		}
	}

	if report.NeedsRefresh {
		d.log.Warn().
			Str("symbol", symbol).
			Float64("max_pct_diff", report.MaxPctDiff).
			Msg("Stored prices drifted from provider")
	}
	return report, nil
}

func (d *Detector) recordDetection(symbol string, sr SampleResult) {
	now := time.Now().UTC()
	inserted, err := d.events.Insert(&CorporateEvent{
		Symbol:        symbol,
		EventDate:     sr.Date,
		EventType:     sr.EventType,
		DetectedAt:    &now,
		DBPrice:       &sr.StoredClose,
		ProviderPrice: &sr.ProviderClose,
		PctDifference: &sr.DiffPct,
		Severity:      sr.Severity,
		Status:        StatusDetected,
	})
	if err != nil {
		d.log.Error().Err(err).
			Str("symbol", symbol).
			Str("date", sr.Date).
			Msg("Failed to record detected event")
		return
	}
	if inserted {
		d.log.Info().
			Str("symbol", symbol).
			Str("date", sr.Date).
			Str("event_type", sr.EventType).
			Str("severity", sr.Severity).
			Float64("pct_diff", sr.DiffPct).
			Msg("Recorded detected adjustment event")
	}
}

// ScanAllSymbols runs detection across the given symbols (all active when
// nil) and aggregates the outcome. autoFix hands every flagged symbol to the
// fixer.
func (d *Detector) ScanAllSymbols(ctx context.Context, syms []string, autoFix bool) (*ScanSummary, error) {
	if syms == nil {
		active, err := d.symbols.ListActive()
		if err != nil {
			return nil, err
		}
		for _, s := range active {
			syms = append(syms, s.Symbol)
		}
	}

	summary := &ScanSummary{
		ByType:     make(map[string]int),
		BySeverity: make(map[string]int),
	}

	for _, symbol := range syms {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		report, err := d.CheckSymbol(ctx, symbol)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", symbol, err))
			continue
		}
		summary.Scanned++
		summary.Reports = append(summary.Reports, *report)

		if !report.NeedsRefresh {
			continue
		}
		summary.Flagged++
		for _, s := range report.Samples {
			if s.Significant {
				summary.ByType[s.EventType]++
				summary.BySeverity[s.Severity]++
			}
		}

		if autoFix && d.fixer != nil {
			if _, err := d.fixer.Fix(ctx, symbol); err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("fix %s: %v", symbol, err))
				continue
			}
			summary.Fixed = append(summary.Fixed, symbol)
		}
	}

	return summary, nil
}

// sampleCloses picks up to n sample points: always the earliest and latest,
// the rest at equal index stride.
func sampleCloses(closes []marketdata.DateClose, n int) []marketdata.DateClose {
	if len(closes) <= n {
		return closes
	}

	samples := make([]marketdata.DateClose, 0, n)
	stride := float64(len(closes)-1) / float64(n-1)
	prev := -1
	for i := 0; i < n; i++ {
		idx := int(float64(i) * stride)
		if i == n-1 {
			// Pin the last sample to the latest close; float truncation
			// can otherwise land it one short
			idx = len(closes) - 1
		}
		if idx == prev {
			continue
		}
		samples = append(samples, closes[idx])
		prev = idx
	}
	return samples
}

// classify applies the drift heuristics for one significant sample, looking
// only at provider actions dated after the sample.
func classify(diffPct decimal.Decimal, sampleDate time.Time, events []upstream.ActionEvent) (string, string) {
	var splitFactor float64 = 1
	splits := 0
	var divs []float64
	capGains := 0

	for _, ev := range events {
		if !ev.Date.After(sampleDate) {
			continue
		}
		switch ev.Type {
		case upstream.ActionSplit:
			splits++
			if ev.Ratio > 0 {
				splitFactor *= ev.Ratio
			}
		case upstream.ActionDividend:
			divs = append(divs, ev.Amount)
		case upstream.ActionCapitalGain:
			capGains++
		}
	}

	ten := decimal.NewFromInt(10)
	fifteen := decimal.NewFromInt(15)
	two := decimal.NewFromInt(2)

	switch {
	case diffPct.GreaterThanOrEqual(ten) && splits > 0 && splitFactor < 1:
		return TypeReverseSplit, SeverityHigh
	case diffPct.GreaterThanOrEqual(ten) && splits > 0:
		return TypeStockSplit, SeverityCritical
	case diffPct.GreaterThanOrEqual(fifteen) && splits == 0:
		return TypeSpinoff, SeverityCritical
	case len(divs) > 0 && maxOf(divs) > 2*meanOf(divs) && diffPct.GreaterThanOrEqual(two):
		return TypeSpecialDividend, SeverityHigh
	case len(divs) > 0:
		return TypeDividend, SeverityNormal
	case capGains > 0:
		return TypeCapitalGain, SeverityNormal
	default:
		return TypeUnknown, SeverityLow
	}
}

func maxOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func meanOf(vals []float64) float64 {
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
