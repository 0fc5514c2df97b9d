// Package maintenance bundles the recurring housekeeping passes: the daily
// incremental update, the adjustment scan, the fix-job sweeper, and record
// cleanup. The scheduler and the secret-gated HTTP endpoints both call in
// here.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quotevault/internal/adjustments"
	"github.com/aristath/quotevault/internal/jobs"
	"github.com/aristath/quotevault/internal/symbols"
	"github.com/aristath/quotevault/internal/utils"
)

// ErrAdjustmentCheckDisabled is returned when a scan is requested while the
// detector is switched off by configuration.
var ErrAdjustmentCheckDisabled = errors.New("adjustment checking is disabled")

// SymbolLister enumerates active symbols for the daily batch
type SymbolLister interface {
	ListActive() ([]symbols.Symbol, error)
}

// JobStore is the slice of the job repository maintenance needs
type JobStore interface {
	SubmitFetchJob(syms []string, from, to time.Time, forceRefresh bool, priority, createdBy string) (string, error)
	Get(id string) (*jobs.Job, error)
	SweepAbandoned(olderThan time.Duration) (int64, error)
	Cleanup(olderThanDays int) (int64, error)
}

// EventStore is the slice of the event repository the fix sweeper needs
type EventStore interface {
	FixingJobIDs() ([]string, error)
	ResolveFixing(fixJobID string, success bool, rowsRefetched int64) (int, error)
}

// Scanner runs the adjustment detector
type Scanner interface {
	ScanAllSymbols(ctx context.Context, syms []string, autoFix bool) (*adjustments.ScanSummary, error)
}

// CachePurger expires stale cache rows
type CachePurger interface {
	PurgeExpired() (int64, error)
}

// Config tunes the maintenance passes
type Config struct {
	// BatchSize is the number of symbols per daily-update job
	BatchSize int
	// UpdateDays is K in the [today-K, today-1] daily window
	UpdateDays int
	// JobCleanupDays is the retention for terminal job records
	JobCleanupDays int
	// AbandonedAfter demotes running jobs older than this to failed
	AbandonedAfter time.Duration
	// AdjustmentCheckEnabled gates the detector
	AdjustmentCheckEnabled bool
	// AutoFix hands flagged symbols straight to the fixer during scans
	AutoFix bool
}

// DefaultConfig returns the stock maintenance tuning
func DefaultConfig() Config {
	return Config{
		BatchSize:              50,
		UpdateDays:             7,
		JobCleanupDays:         30,
		AbandonedAfter:         6 * time.Hour,
		AdjustmentCheckEnabled: true,
	}
}

// DailyUpdateResult reports one daily-update pass
type DailyUpdateResult struct {
	Symbols   int      `json:"symbols"`
	Batches   int      `json:"batches"`
	JobIDs    []string `json:"job_ids,omitempty"`
	DateFrom  string   `json:"date_from"`
	DateTo    string   `json:"date_to"`
	DryRun    bool     `json:"dry_run,omitempty"`
	SweptJobs int64    `json:"swept_jobs"`
}

// FixSweepResult reports one fix-job sweep
type FixSweepResult struct {
	Checked int `json:"checked"`
	Fixed   int `json:"fixed"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

// Service runs the maintenance passes
type Service struct {
	symbols SymbolLister
	jobs    JobStore
	events  EventStore
	scanner Scanner
	cache   CachePurger
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
}

// NewService creates the maintenance service. cache may be nil when no cache
// database is attached.
func NewService(symbolList SymbolLister, jobStore JobStore, events EventStore,
	scanner Scanner, cache CachePurger, cfg Config, log zerolog.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.UpdateDays <= 0 {
		cfg.UpdateDays = 7
	}
	return &Service{
		symbols: symbolList,
		jobs:    jobStore,
		events:  events,
		scanner: scanner,
		cache:   cache,
		cfg:     cfg,
		log:     log.With().Str("component", "maintenance").Logger(),
		now:     time.Now,
	}
}

// DailyUpdate batches every active symbol into incremental fetch jobs over
// [today-K, today-1]. With dryRun nothing is submitted.
func (s *Service) DailyUpdate(ctx context.Context, dryRun bool) (*DailyUpdateResult, error) {
	today := utils.Midnight(s.now())
	from := today.AddDate(0, 0, -s.cfg.UpdateDays)
	to := today.AddDate(0, 0, -1)

	active, err := s.symbols.ListActive()
	if err != nil {
		return nil, err
	}

	result := &DailyUpdateResult{
		Symbols:  len(active),
		DateFrom: utils.FormatDate(from),
		DateTo:   utils.FormatDate(to),
		DryRun:   dryRun,
	}

	// Stuck running jobs from a previous crash are demoted first so their
	// symbols are not starved
	if !dryRun {
		swept, err := s.jobs.SweepAbandoned(s.cfg.AbandonedAfter)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to sweep abandoned jobs")
		}
		result.SweptJobs = swept
	}

	if len(active) == 0 {
		return result, nil
	}

	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		result.Batches++
		if !dryRun {
			id, err := s.jobs.SubmitFetchJob(batch, from, to, false, jobs.PriorityNormal, "daily_update")
			if err != nil {
				return fmt.Errorf("failed to submit daily batch: %w", err)
			}
			result.JobIDs = append(result.JobIDs, id)
		}
		batch = nil
		return nil
	}

	for _, sym := range active {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch = append(batch, sym.Symbol)
		if len(batch) >= s.cfg.BatchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}
	if err := flush(); err != nil {
		return result, err
	}

	s.log.Info().
		Int("symbols", result.Symbols).
		Int("batches", result.Batches).
		Bool("dry_run", dryRun).
		Str("window", result.DateFrom+".."+result.DateTo).
		Msg("Daily update submitted")
	return result, nil
}

// CheckAdjustments runs the detector over the given symbols (all active when
// nil). autoFix overrides the configured default when true.
func (s *Service) CheckAdjustments(ctx context.Context, syms []string, autoFix bool) (*adjustments.ScanSummary, error) {
	if !s.cfg.AdjustmentCheckEnabled {
		return nil, ErrAdjustmentCheckDisabled
	}
	return s.scanner.ScanAllSymbols(ctx, syms, autoFix || s.cfg.AutoFix)
}

// SweepFixJobs closes the loop on adjustment fixes: events in fixing whose
// refetch job finished move to fixed or failed.
func (s *Service) SweepFixJobs() (*FixSweepResult, error) {
	ids, err := s.events.FixingJobIDs()
	if err != nil {
		return nil, err
	}

	result := &FixSweepResult{Checked: len(ids)}
	for _, id := range ids {
		job, err := s.jobs.Get(id)
		if err != nil {
			s.log.Error().Err(err).Str("job_id", id).Msg("Failed to load fix job")
			continue
		}

		switch {
		case job == nil:
			// The job record was cleaned up or never landed; the fix
			// cannot be verified
			if _, err := s.events.ResolveFixing(id, false, 0); err != nil {
				return nil, err
			}
			result.Failed++
		case job.Status == jobs.StatusCompleted || job.Status == jobs.StatusCompletedWithErrors:
			if _, err := s.events.ResolveFixing(id, true, int64(job.Progress.FetchedRows)); err != nil {
				return nil, err
			}
			result.Fixed++
		case job.Status == jobs.StatusFailed || job.Status == jobs.StatusCancelled:
			if _, err := s.events.ResolveFixing(id, false, 0); err != nil {
				return nil, err
			}
			result.Failed++
		default:
			result.Pending++
		}
	}

	if result.Fixed > 0 || result.Failed > 0 {
		s.log.Info().
			Int("fixed", result.Fixed).
			Int("failed", result.Failed).
			Int("pending", result.Pending).
			Msg("Swept fix jobs")
	}
	return result, nil
}

// CleanupJobs deletes old terminal job records
func (s *Service) CleanupJobs() (int64, error) {
	return s.jobs.Cleanup(s.cfg.JobCleanupDays)
}

// PurgeCache drops expired cache rows
func (s *Service) PurgeCache() (int64, error) {
	if s.cache == nil {
		return 0, nil
	}
	return s.cache.PurgeExpired()
}
