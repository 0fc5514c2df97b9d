package adjustments

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quotevault/internal/marketdata"
	"github.com/aristath/quotevault/internal/symbols"
	"github.com/aristath/quotevault/internal/upstream"
	"github.com/aristath/quotevault/internal/utils"
)

type fakeCloses struct {
	closes map[string][]marketdata.DateClose
}

func (f *fakeCloses) GetCloses(symbol string, from, to time.Time) ([]marketdata.DateClose, error) {
	var out []marketdata.DateClose
	for _, c := range f.closes[symbol] {
		if !c.Date.Before(from) && !c.Date.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeLister struct {
	active []string
}

func (f *fakeLister) ListActive() ([]symbols.Symbol, error) {
	var out []symbols.Symbol
	for _, s := range f.active {
		out = append(out, symbols.Symbol{Symbol: s, Active: true})
	}
	return out, nil
}

// fakeProbe serves provider closes as a fraction of the stored close, plus a
// fixed event list.
type fakeProbe struct {
	mu     sync.Mutex
	closes map[string]map[string]float64
	events []upstream.ActionEvent
	calls  int
}

func (f *fakeProbe) FetchDailyBars(_ context.Context, symbol string, from, to time.Time) (*upstream.Series, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	series := &upstream.Series{Events: f.events}
	for dateStr, close := range f.closes[symbol] {
		d, err := utils.ParseDate(dateStr)
		if err != nil {
			return nil, err
		}
		if d.Before(from) || d.After(to) {
			continue
		}
		series.Bars = append(series.Bars, upstream.Bar{
			Date: d, Open: close, High: close, Low: close, Close: close, Volume: 1,
		})
	}
	return series, nil
}

func (f *fakeProbe) Probe(context.Context, string) (bool, error) { return true, nil }

func mkCloses(t *testing.T, pairs map[string]float64) []marketdata.DateClose {
	t.Helper()
	var out []marketdata.DateClose
	for dateStr, close := range pairs {
		d, err := utils.ParseDate(dateStr)
		require.NoError(t, err)
		out = append(out, marketdata.DateClose{Date: d, Close: close})
	}
	// GetCloses contract is date-ascending
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Date.Before(out[j-1].Date); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func setupDetector(t *testing.T, stored map[string]float64, provider map[string]float64,
	events []upstream.ActionEvent) (*Detector, *EventRepository, *fakeProbe) {
	t.Helper()

	repo := setupEventRepo(t)
	probe := &fakeProbe{closes: map[string]map[string]float64{"AAPL": provider}, events: events}
	src := &fakeCloses{closes: map[string][]marketdata.DateClose{"AAPL": mkCloses(t, stored)}}

	d := NewDetector(src, &fakeLister{active: []string{"AAPL"}}, probe, repo, nil,
		DefaultDetectorConfig(), zerolog.Nop())
	d.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return d, repo, probe
}

func TestCheckSymbolNoDrift(t *testing.T) {
	stored := map[string]float64{
		"2024-01-02": 100, "2024-01-03": 101, "2024-01-04": 102,
	}
	d, repo, probe := setupDetector(t, stored, stored, nil)

	report, err := d.CheckSymbol(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.False(t, report.NeedsRefresh)
	assert.Equal(t, 1, probe.calls, "one probe call per symbol")

	events, err := repo.Query(EventFilter{Symbol: "AAPL"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCheckSymbolIgnoresFloatNoise(t *testing.T) {
	stored := map[string]float64{"2024-01-02": 100, "2024-01-03": 101}
	provider := map[string]float64{"2024-01-02": 100.00000001, "2024-01-03": 101}
	d, _, _ := setupDetector(t, stored, provider, nil)

	report, err := d.CheckSymbol(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.False(t, report.NeedsRefresh)
}

func TestCheckSymbolDetectsSplit(t *testing.T) {
	// Stored closes are twice the provider's: a 2:1 split landed after storage
	stored := map[string]float64{"2024-01-02": 200, "2024-01-03": 202}
	provider := map[string]float64{"2024-01-02": 100, "2024-01-03": 101}
	events := []upstream.ActionEvent{
		{Date: utilsDate(t, "2024-01-05"), Type: upstream.ActionSplit, Ratio: 2},
	}
	d, repo, _ := setupDetector(t, stored, provider, events)

	report, err := d.CheckSymbol(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, report.NeedsRefresh)
	assert.InDelta(t, 50.0, report.MaxPctDiff, 0.01)

	require.NotEmpty(t, report.Samples)
	assert.Equal(t, TypeStockSplit, report.Samples[0].EventType)
	assert.Equal(t, SeverityCritical, report.Samples[0].Severity)

	recorded, err := repo.Query(EventFilter{Symbol: "AAPL", EventType: TypeStockSplit})
	require.NoError(t, err)
	assert.NotEmpty(t, recorded)
	assert.Equal(t, StatusDetected, recorded[0].Status)
}

func TestCheckSymbolDetectsReverseSplit(t *testing.T) {
	stored := map[string]float64{"2024-01-02": 10, "2024-01-03": 11}
	provider := map[string]float64{"2024-01-02": 50, "2024-01-03": 55}
	events := []upstream.ActionEvent{
		{Date: utilsDate(t, "2024-01-05"), Type: upstream.ActionSplit, Ratio: 0.2},
	}
	d, _, _ := setupDetector(t, stored, provider, events)

	report, err := d.CheckSymbol(context.Background(), "AAPL")
	require.NoError(t, err)
	require.True(t, report.NeedsRefresh)
	assert.Equal(t, TypeReverseSplit, report.Samples[0].EventType)
	assert.Equal(t, SeverityHigh, report.Samples[0].Severity)
}

func TestCheckSymbolSuspectsSpinoff(t *testing.T) {
	// 20% drift with no provider actions reported
	stored := map[string]float64{"2024-01-02": 100, "2024-01-03": 100}
	provider := map[string]float64{"2024-01-02": 80, "2024-01-03": 80}
	d, _, _ := setupDetector(t, stored, provider, nil)

	report, err := d.CheckSymbol(context.Background(), "AAPL")
	require.NoError(t, err)
	require.True(t, report.NeedsRefresh)
	assert.Equal(t, TypeSpinoff, report.Samples[0].EventType)
	assert.Equal(t, SeverityCritical, report.Samples[0].Severity)
}

func TestCheckSymbolClassifiesDividends(t *testing.T) {
	stored := map[string]float64{"2024-01-02": 100, "2024-01-03": 100}
	provider := map[string]float64{"2024-01-02": 97, "2024-01-03": 97}

	t.Run("special dividend", func(t *testing.T) {
		events := []upstream.ActionEvent{
			{Date: utilsDate(t, "2024-01-10"), Type: upstream.ActionDividend, Amount: 0.25},
			{Date: utilsDate(t, "2024-01-15"), Type: upstream.ActionDividend, Amount: 0.25},
			{Date: utilsDate(t, "2024-01-20"), Type: upstream.ActionDividend, Amount: 5.00},
		}
		d, _, _ := setupDetector(t, stored, provider, events)

		report, err := d.CheckSymbol(context.Background(), "AAPL")
		require.NoError(t, err)
		require.True(t, report.NeedsRefresh)
		assert.Equal(t, TypeSpecialDividend, report.Samples[0].EventType)
		assert.Equal(t, SeverityHigh, report.Samples[0].Severity)
	})

	t.Run("regular dividend", func(t *testing.T) {
		events := []upstream.ActionEvent{
			{Date: utilsDate(t, "2024-01-10"), Type: upstream.ActionDividend, Amount: 0.25},
			{Date: utilsDate(t, "2024-01-20"), Type: upstream.ActionDividend, Amount: 0.26},
		}
		d, _, _ := setupDetector(t, stored, provider, events)

		report, err := d.CheckSymbol(context.Background(), "AAPL")
		require.NoError(t, err)
		require.True(t, report.NeedsRefresh)
		assert.Equal(t, TypeDividend, report.Samples[0].EventType)
		assert.Equal(t, SeverityNormal, report.Samples[0].Severity)
	})
}

func TestCheckSymbolInsufficientData(t *testing.T) {
	d, _, probe := setupDetector(t, map[string]float64{"2024-01-02": 100}, nil, nil)

	report, err := d.CheckSymbol(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "insufficient data", report.Skipped)
	assert.False(t, report.NeedsRefresh)
	assert.Zero(t, probe.calls, "no probe without enough samples")
}

func TestCheckSymbolMinAgeExcludesRecentRows(t *testing.T) {
	// Rows newer than the min age are invisible; only one old row remains
	stored := map[string]float64{
		"2024-01-02": 100,
		"2024-05-30": 120,
		"2024-05-31": 121,
	}
	d, _, _ := setupDetector(t, stored, stored, nil)

	report, err := d.CheckSymbol(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "insufficient data", report.Skipped)
}

func TestSampleClosesSpread(t *testing.T) {
	var closes []marketdata.DateClose
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		closes = append(closes, marketdata.DateClose{Date: base.AddDate(0, 0, i), Close: float64(i)})
	}

	samples := sampleCloses(closes, 10)
	require.Len(t, samples, 10)
	assert.Equal(t, closes[0].Date, samples[0].Date, "earliest always sampled")
	assert.Equal(t, closes[99].Date, samples[9].Date, "latest always sampled")

	// Short histories are used whole
	short := sampleCloses(closes[:5], 10)
	assert.Len(t, short, 5)

	// The last sample pins to the latest close at every length, including
	// those where the stride truncates one short
	for length := 11; length <= 60; length++ {
		s := sampleCloses(closes[:length], 10)
		require.NotEmpty(t, s)
		assert.Equal(t, closes[length-1].Date, s[len(s)-1].Date, "length %d", length)
	}
}

func TestScanAllSymbolsAggregates(t *testing.T) {
	stored := map[string]float64{"2024-01-02": 200, "2024-01-03": 202}
	provider := map[string]float64{"2024-01-02": 100, "2024-01-03": 101}
	events := []upstream.ActionEvent{
		{Date: utilsDate(t, "2024-01-05"), Type: upstream.ActionSplit, Ratio: 2},
	}
	d, _, _ := setupDetector(t, stored, provider, events)

	summary, err := d.ScanAllSymbols(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 1, summary.Flagged)
	assert.Positive(t, summary.ByType[TypeStockSplit])
	assert.Positive(t, summary.BySeverity[SeverityCritical])
	assert.Empty(t, summary.Fixed)
}

func utilsDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := utils.ParseDate(s)
	require.NoError(t, err)
	return d
}
