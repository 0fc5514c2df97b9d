package adjustments

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quotevault/internal/symbols"
)

type fakeWiper struct {
	deleted map[string]int64
	calls   []string
}

func (f *fakeWiper) DeleteAllForSymbol(symbol string) (int64, error) {
	f.calls = append(f.calls, symbol)
	return f.deleted[symbol], nil
}

type fakeSymbolStore struct {
	syms    map[string]*symbols.Symbol
	cleared []string
}

func (f *fakeSymbolStore) Get(symbol string) (*symbols.Symbol, error) {
	return f.syms[symbol], nil
}

func (f *fakeSymbolStore) ClearDateRange(symbol string) error {
	f.cleared = append(f.cleared, symbol)
	return nil
}

type submittedJob struct {
	symbols      []string
	from, to     time.Time
	forceRefresh bool
	priority     string
	createdBy    string
}

type fakeSubmitter struct {
	jobs    []submittedJob
	failing bool
}

func (f *fakeSubmitter) SubmitFetchJob(syms []string, from, to time.Time,
	forceRefresh bool, priority, createdBy string) (string, error) {
	if f.failing {
		return "", fmt.Errorf("queue unavailable")
	}
	f.jobs = append(f.jobs, submittedJob{syms, from, to, forceRefresh, priority, createdBy})
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

func setupFixer(t *testing.T) (*Fixer, *EventRepository, *fakeWiper, *fakeSymbolStore, *fakeSubmitter) {
	t.Helper()

	repo := setupEventRepo(t)
	first := time.Date(2010, 3, 15, 0, 0, 0, 0, time.UTC)
	store := &fakeSymbolStore{syms: map[string]*symbols.Symbol{
		"AAPL": {Symbol: "AAPL", Active: true, FirstDate: &first},
		"NEW":  {Symbol: "NEW", Active: true},
	}}
	wiper := &fakeWiper{deleted: map[string]int64{"AAPL": 3500}}
	submitter := &fakeSubmitter{}

	fixer := NewFixer(wiper, store, repo, submitter, zerolog.Nop())
	fixer.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return fixer, repo, wiper, store, submitter
}

func TestFixWipesAndQueuesRefetch(t *testing.T) {
	fixer, repo, wiper, store, submitter := setupFixer(t)

	_, err := repo.Insert(detectedEvent("AAPL", "2024-01-10", TypeStockSplit))
	require.NoError(t, err)
	confirmed := detectedEvent("AAPL", "2024-01-11", TypeDividend)
	confirmed.Status = StatusConfirmed
	_, err = repo.Insert(confirmed)
	require.NoError(t, err)

	res, err := fixer.Fix(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL"}, wiper.calls)
	assert.Equal(t, []string{"AAPL"}, store.cleared)
	assert.Equal(t, int64(3500), res.RowsDeleted)
	assert.Equal(t, 2, res.EventsMarked)
	assert.Equal(t, "job-1", res.FixJobID)

	require.Len(t, submitter.jobs, 1)
	job := submitter.jobs[0]
	assert.Equal(t, []string{"AAPL"}, job.symbols)
	assert.Equal(t, time.Date(2010, 3, 15, 0, 0, 0, 0, time.UTC), job.from, "refetch from first known date")
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), job.to)
	assert.True(t, job.forceRefresh)
	assert.Equal(t, "high", job.priority)

	fixing, err := repo.BySymbolAndStatus("AAPL", StatusFixing)
	require.NoError(t, err)
	require.Len(t, fixing, 2)
	assert.Equal(t, "job-1", fixing[0].FixJobID)
	require.NotNil(t, fixing[0].RowsDeleted)
	assert.Equal(t, int64(3500), *fixing[0].RowsDeleted)
}

func TestFixUnknownFirstDateFallsBack(t *testing.T) {
	fixer, _, _, _, submitter := setupFixer(t)

	_, err := fixer.Fix(context.Background(), "NEW")
	require.NoError(t, err)

	require.Len(t, submitter.jobs, 1)
	assert.Equal(t, 1970, submitter.jobs[0].from.Year())
}

func TestFixUnknownSymbol(t *testing.T) {
	fixer, _, wiper, _, _ := setupFixer(t)

	_, err := fixer.Fix(context.Background(), "NOPE")
	assert.Error(t, err)
	assert.Empty(t, wiper.calls, "nothing deleted for unknown symbols")
}

func TestFixSubmitFailureKeepsEventsActive(t *testing.T) {
	fixer, repo, _, _, submitter := setupFixer(t)
	submitter.failing = true

	_, err := repo.Insert(detectedEvent("AAPL", "2024-01-10", TypeStockSplit))
	require.NoError(t, err)

	_, err = fixer.Fix(context.Background(), "AAPL")
	require.Error(t, err)

	active, err := repo.ActiveBySymbol("AAPL")
	require.NoError(t, err)
	assert.Len(t, active, 1, "events stay active so the next pass retries")
}
