package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quotevault/internal/marketdata"
)

// fakeEngine counts rows per symbol and can fail or trigger side effects
type fakeEngine struct {
	mu      sync.Mutex
	rows    map[string]int
	failing map[string]bool
	onCall  func(symbol string)
	calls   []string
	force   []bool
}

func (f *fakeEngine) EnsureCoverage(ctx context.Context, symbol string, from, to time.Time,
	opts marketdata.EnsureOptions) (*marketdata.EnsureResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, symbol)
	f.force = append(f.force, opts.ForceRefresh)
	cb := f.onCall
	f.mu.Unlock()

	if cb != nil {
		cb(symbol)
	}
	if f.failing[symbol] {
		return nil, fmt.Errorf("provider refused %s", symbol)
	}

	n := f.rows[symbol]
	return &marketdata.EnsureResult{
		Symbol: symbol,
		Segments: []marketdata.SegmentResult{
			{StorageSymbol: symbol, Fetched: n},
		},
	}, nil
}

func setupWorker(t *testing.T, engine *fakeEngine) (*Worker, *Repository) {
	t.Helper()
	repo := setupJobRepo(t)

	cfg := DefaultWorkerConfig()
	cfg.Concurrency = 1 // deterministic symbol order in tests
	cfg.PollInterval = time.Millisecond

	return NewWorker(repo, engine, cfg, zerolog.Nop()), repo
}

func TestWorkerCompletesJob(t *testing.T) {
	engine := &fakeEngine{rows: map[string]int{"AAPL": 100, "MSFT": 50}}
	worker, repo := setupWorker(t, engine)

	job, err := repo.Create(validRequest())
	require.NoError(t, err)

	ran, err := worker.RunJobOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	got, err := repo.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{"AAPL", "MSFT"}, engine.calls)

	assert.Equal(t, "ok", got.Results["AAPL"].Status)
	assert.Equal(t, 100, got.Results["AAPL"].RowsFetched)
	assert.Equal(t, 50, got.Results["MSFT"].RowsFetched)
	assert.Equal(t, 2, got.Progress.CompletedSymbols)
	assert.Equal(t, 150, got.Progress.FetchedRows)
	assert.Equal(t, 100.0, got.Progress.Percent)
	assert.Empty(t, got.Errors)
}

func TestWorkerPartialFailure(t *testing.T) {
	engine := &fakeEngine{
		rows:    map[string]int{"AAPL": 100},
		failing: map[string]bool{"MSFT": true},
	}
	worker, repo := setupWorker(t, engine)

	job, err := repo.Create(validRequest())
	require.NoError(t, err)

	_, err = worker.RunJobOnce(context.Background())
	require.NoError(t, err)

	got, err := repo.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithErrors, got.Status)
	assert.Equal(t, "ok", got.Results["AAPL"].Status)
	assert.Equal(t, "error", got.Results["MSFT"].Status)
	assert.Contains(t, got.Results["MSFT"].Error, "provider refused")
	assert.Len(t, got.Errors, 1)
}

func TestWorkerAllSymbolsFail(t *testing.T) {
	engine := &fakeEngine{failing: map[string]bool{"AAPL": true, "MSFT": true}}
	worker, repo := setupWorker(t, engine)

	job, err := repo.Create(validRequest())
	require.NoError(t, err)

	_, err = worker.RunJobOnce(context.Background())
	require.NoError(t, err)

	got, err := repo.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestWorkerCooperativeCancellation(t *testing.T) {
	var repo *Repository
	var jobID string

	engine := &fakeEngine{rows: map[string]int{"AAPL": 10, "MSFT": 10}}
	engine.onCall = func(symbol string) {
		// Cancel mid-job, after the first symbol starts
		if symbol == "AAPL" {
			require.NoError(t, repo.Cancel(jobID))
		}
	}

	worker, r := setupWorker(t, engine)
	repo = r

	job, err := repo.Create(validRequest())
	require.NoError(t, err)
	jobID = job.ID

	_, err = worker.RunJobOnce(context.Background())
	require.NoError(t, err)

	got, err := repo.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, []string{"AAPL"}, engine.calls, "second symbol never dispatched")
	assert.Equal(t, "ok", got.Results["AAPL"].Status, "already-written work is kept")
}

func TestWorkerPassesForceRefresh(t *testing.T) {
	engine := &fakeEngine{rows: map[string]int{"AAPL": 1, "MSFT": 1}}
	worker, repo := setupWorker(t, engine)

	req := validRequest()
	req.ForceRefresh = true
	_, err := repo.Create(req)
	require.NoError(t, err)

	_, err = worker.RunJobOnce(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, engine.force)
	for _, f := range engine.force {
		assert.True(t, f)
	}
}

func TestWorkerStartStop(t *testing.T) {
	engine := &fakeEngine{rows: map[string]int{"AAPL": 5, "MSFT": 5}}
	worker, repo := setupWorker(t, engine)

	job, err := repo.Create(validRequest())
	require.NoError(t, err)

	worker.Start(context.Background())

	require.Eventually(t, func() bool {
		got, err := repo.Get(job.ID)
		return err == nil && got.Status == StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	worker.Stop()
}

func TestWorkerNoJobAvailable(t *testing.T) {
	worker, _ := setupWorker(t, &fakeEngine{})

	ran, err := worker.RunJobOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}
