package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/quotevault/internal/marketdata"
	"github.com/aristath/quotevault/internal/utils"
)

// CoverageEngine is the slice of the coverage service the worker drives
type CoverageEngine interface {
	EnsureCoverage(ctx context.Context, symbol string, from, to time.Time,
		opts marketdata.EnsureOptions) (*marketdata.EnsureResult, error)
}

// WorkerConfig tunes the job executor
type WorkerConfig struct {
	// Concurrency bounds simultaneous per-symbol fetches inside one job
	Concurrency int
	// SymbolTimeout caps one symbol's coverage run
	SymbolTimeout time.Duration
	// PollInterval is the idle sleep between queue checks
	PollInterval time.Duration
}

// DefaultWorkerConfig returns the stock worker tuning
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:   4,
		SymbolTimeout: 5 * time.Minute,
		PollInterval:  2 * time.Second,
	}
}

// Worker claims pending jobs and runs them against the coverage engine
type Worker struct {
	repo   *Repository
	engine CoverageEngine
	cfg    WorkerConfig
	log    zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates the worker
func NewWorker(repo *Repository, engine CoverageEngine, cfg WorkerConfig, log zerolog.Logger) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.SymbolTimeout <= 0 {
		cfg.SymbolTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Worker{
		repo:   repo,
		engine: engine,
		cfg:    cfg,
		log:    log.With().Str("component", "fetch_worker").Logger(),
	}
}

// Start launches the claim loop in the background
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		w.log.Info().
			Int("concurrency", w.cfg.Concurrency).
			Msg("Fetch worker started")

		for {
			job, err := w.repo.ClaimNext()
			if err != nil {
				w.log.Error().Err(err).Msg("Failed to claim job")
			} else if job != nil {
				w.runJob(ctx, job)
				continue
			}

			select {
			case <-ctx.Done():
				w.log.Info().Msg("Fetch worker stopped")
				return
			case <-time.After(w.cfg.PollInterval):
			}
		}
	}()
}

// Stop halts the claim loop and waits for the in-flight job to wind down
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

// RunJobOnce claims and runs a single job synchronously, reporting whether
// one was available. Used by tests and by manual drains.
func (w *Worker) RunJobOnce(ctx context.Context) (bool, error) {
	job, err := w.repo.ClaimNext()
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.runJob(ctx, job)
	return true, nil
}

func (w *Worker) runJob(ctx context.Context, job *Job) {
	w.log.Info().
		Str("job_id", job.ID).
		Int("symbols", len(job.Symbols)).
		Str("priority", job.Priority).
		Msg("Running fetch job")

	from, err := utils.ParseDate(job.DateFrom)
	if err == nil {
		var to time.Time
		to, err = utils.ParseDate(job.DateTo)
		if err == nil {
			w.executeSymbols(ctx, job, from, to)
			return
		}
	}

	// Validation should make this unreachable; guard against hand-edited rows
	w.finish(job, StatusFailed, nil, []string{fmt.Sprintf("corrupt date range: %v", err)})
}

func (w *Worker) executeSymbols(ctx context.Context, job *Job, from, to time.Time) {
	var mu sync.Mutex
	progress := Progress{TotalSymbols: len(job.Symbols)}
	results := make(map[string]SymbolResult, len(job.Symbols))
	var errs []string
	cancelled := false

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)

	for _, symbol := range job.Symbols {
		if gctx.Err() != nil {
			break
		}
		mu.Lock()
		stop := cancelled
		mu.Unlock()
		if stop {
			break
		}

		symbol := symbol
		g.Go(func() error {
			// Cooperative cancellation check before each symbol starts
			if isCancelled, _ := w.repo.IsCancelled(job.ID); isCancelled {
				mu.Lock()
				cancelled = true
				mu.Unlock()
				return nil
			}

			mu.Lock()
			progress.CurrentSymbol = symbol
			_ = w.repo.UpdateProgress(job.ID, progress)
			mu.Unlock()

			fetched, err := w.runSymbol(gctx, job, symbol, from, to)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[symbol] = SymbolResult{Status: "error", Error: err.Error()}
				errs = append(errs, fmt.Sprintf("%s: %v", symbol, err))
				w.log.Warn().Err(err).
					Str("job_id", job.ID).
					Str("symbol", symbol).
					Msg("Symbol fetch failed")
			} else {
				results[symbol] = SymbolResult{Status: "ok", RowsFetched: fetched}
				progress.FetchedRows += fetched
			}
			progress.CompletedSymbols++
			_ = w.repo.UpdateProgress(job.ID, progress)
			return nil
		})
	}

	_ = g.Wait()

	if !cancelled {
		if isCancelled, _ := w.repo.IsCancelled(job.ID); isCancelled {
			cancelled = true
		}
	}

	status := StatusCompleted
	switch {
	case cancelled:
		status = StatusCancelled
	case len(errs) == len(job.Symbols) && len(errs) > 0:
		status = StatusFailed
	case len(errs) > 0:
		status = StatusCompletedWithErrors
	}

	w.finish(job, status, results, errs)
}

func (w *Worker) runSymbol(ctx context.Context, job *Job, symbol string, from, to time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.SymbolTimeout)
	defer cancel()

	res, err := w.engine.EnsureCoverage(ctx, symbol, from, to, marketdata.EnsureOptions{
		ForceRefresh: job.ForceRefresh,
	})
	if err != nil {
		return 0, err
	}
	return res.TotalFetched(), nil
}

func (w *Worker) finish(job *Job, status string, results map[string]SymbolResult, errs []string) {
	if err := w.repo.Complete(job.ID, status, results, errs); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to finalize job")
		return
	}
	w.log.Info().
		Str("job_id", job.ID).
		Str("status", status).
		Int("errors", len(errs)).
		Msg("Fetch job finished")
}
