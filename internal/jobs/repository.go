// Package jobs implements the asynchronous fetch job queue: validated job
// records in SQLite and the worker that executes them against the coverage
// engine.
package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/quotevault/internal/symbols"
	"github.com/aristath/quotevault/internal/utils"
)

// Statuses
const (
	StatusPending             = "pending"
	StatusRunning             = "running"
	StatusCompleted           = "completed"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusFailed              = "failed"
	StatusCancelled           = "cancelled"
)

// Priorities
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Sentinel errors
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotCancellable = errors.New("job is not pending or running")
	ErrValidation        = errors.New("invalid job request")
)

// symbolPattern is the permitted ticker charset for job symbols
var symbolPattern = regexp.MustCompile(`^[A-Z0-9.^-]{1,15}$`)

// Limits bound job creation
type Limits struct {
	MaxSymbols int
	MaxDays    int
}

// DefaultLimits returns the stock job bounds
func DefaultLimits() Limits {
	// MaxDays leaves room for a full-history refetch from the 1970 epoch
	return Limits{MaxSymbols: 100, MaxDays: 25000}
}

// Progress is the structured progress blob stored on the job
type Progress struct {
	TotalSymbols     int     `json:"total_symbols"`
	CompletedSymbols int     `json:"completed_symbols"`
	CurrentSymbol    string  `json:"current_symbol,omitempty"`
	FetchedRows      int     `json:"fetched_rows"`
	Percent          float64 `json:"percent"`
}

// SymbolResult is the per-symbol outcome stored on the job
type SymbolResult struct {
	Status      string `json:"status"`
	RowsFetched int    `json:"rows_fetched"`
	Error       string `json:"error,omitempty"`
}

// Job is one fetch job record
type Job struct {
	ID           string                  `json:"job_id"`
	Status       string                  `json:"status"`
	Symbols      []string                `json:"symbols"`
	DateFrom     string                  `json:"date_from"`
	DateTo       string                  `json:"date_to"`
	Interval     string                  `json:"interval"`
	ForceRefresh bool                    `json:"force_refresh"`
	Priority     string                  `json:"priority"`
	Progress     Progress                `json:"progress"`
	Results      map[string]SymbolResult `json:"results,omitempty"`
	Errors       []string                `json:"errors,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
	CreatedBy    string                  `json:"created_by,omitempty"`
}

// CreateRequest is a new-job submission
type CreateRequest struct {
	Symbols      []string `json:"symbols"`
	DateFrom     string   `json:"date_from"`
	DateTo       string   `json:"date_to"`
	ForceRefresh bool     `json:"force_refresh"`
	Priority     string   `json:"priority"`
	CreatedBy    string   `json:"created_by"`
}

// Repository provides access to the fetch_jobs table
type Repository struct {
	db     *sql.DB
	limits Limits
	log    zerolog.Logger
	now    func() time.Time
}

// NewRepository creates a new job repository
func NewRepository(db *sql.DB, limits Limits, log zerolog.Logger) *Repository {
	if limits.MaxSymbols <= 0 {
		limits = DefaultLimits()
	}
	return &Repository{
		db:     db,
		limits: limits,
		log:    log.With().Str("component", "job_repo").Logger(),
		now:    time.Now,
	}
}

// Create validates and stores a new pending job
func (r *Repository) Create(req CreateRequest) (*Job, error) {
	job, err := r.buildJob(req)
	if err != nil {
		return nil, err
	}

	symbolsJSON, _ := json.Marshal(job.Symbols)
	progressJSON, _ := json.Marshal(job.Progress)

	_, err = r.db.Exec(`
		INSERT INTO fetch_jobs
			(job_id, status, symbols, date_from, date_to, interval,
			 force_refresh, priority, progress, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Status, string(symbolsJSON), job.DateFrom, job.DateTo,
		job.Interval, boolToInt(job.ForceRefresh), job.Priority,
		string(progressJSON), job.CreatedAt.Format(time.RFC3339), job.CreatedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	r.log.Info().
		Str("job_id", job.ID).
		Int("symbols", len(job.Symbols)).
		Str("priority", job.Priority).
		Str("created_by", job.CreatedBy).
		Msg("Created fetch job")
	return job, nil
}

// SubmitFetchJob is the programmatic submission path used by the fixer and
// the maintenance service.
func (r *Repository) SubmitFetchJob(syms []string, from, to time.Time,
	forceRefresh bool, priority, createdBy string) (string, error) {
	job, err := r.Create(CreateRequest{
		Symbols:      syms,
		DateFrom:     utils.FormatDate(from),
		DateTo:       utils.FormatDate(to),
		ForceRefresh: forceRefresh,
		Priority:     priority,
		CreatedBy:    createdBy,
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (r *Repository) buildJob(req CreateRequest) (*Job, error) {
	if len(req.Symbols) == 0 {
		return nil, fmt.Errorf("%w: symbols list is empty", ErrValidation)
	}
	if len(req.Symbols) > r.limits.MaxSymbols {
		return nil, fmt.Errorf("%w: %d symbols exceeds limit %d",
			ErrValidation, len(req.Symbols), r.limits.MaxSymbols)
	}

	normalized := make([]string, 0, len(req.Symbols))
	seen := make(map[string]bool)
	for _, raw := range req.Symbols {
		sym, err := symbols.Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if !symbolPattern.MatchString(sym) {
			return nil, fmt.Errorf("%w: symbol %q has invalid characters", ErrValidation, sym)
		}
		if !seen[sym] {
			seen[sym] = true
			normalized = append(normalized, sym)
		}
	}

	from, err := utils.ParseDate(req.DateFrom)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	to, err := utils.ParseDate(req.DateTo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if from.After(to) {
		return nil, fmt.Errorf("%w: date_from after date_to", ErrValidation)
	}
	today := utils.Midnight(r.now())
	if to.After(today) {
		return nil, fmt.Errorf("%w: date_to %s is in the future", ErrValidation, req.DateTo)
	}
	if days := utils.DaysBetween(from, to); days > r.limits.MaxDays {
		return nil, fmt.Errorf("%w: window of %d days exceeds limit %d",
			ErrValidation, days, r.limits.MaxDays)
	}

	priority := req.Priority
	switch priority {
	case "":
		priority = PriorityNormal
	case PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, priority)
	}

	return &Job{
		ID:           uuid.New().String(),
		Status:       StatusPending,
		Symbols:      normalized,
		DateFrom:     utils.FormatDate(from),
		DateTo:       utils.FormatDate(to),
		Interval:     "1d",
		ForceRefresh: req.ForceRefresh,
		Priority:     priority,
		Progress:     Progress{TotalSymbols: len(normalized)},
		CreatedAt:    r.now().UTC(),
		CreatedBy:    req.CreatedBy,
	}, nil
}

// Get fetches one job. Returns nil when not found.
func (r *Repository) Get(id string) (*Job, error) {
	row := r.db.QueryRow(selectJob+" WHERE job_id = ?", id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// List returns jobs, optionally filtered by status, newest first
func (r *Repository) List(status string, limit, offset int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := selectJob
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// ClaimNext atomically claims the highest-priority oldest pending job,
// returning nil when the queue is empty.
func (r *Repository) ClaimNext() (*Job, error) {
	for {
		row := r.db.QueryRow(selectJob + `
			WHERE status = 'pending'
			ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
			         created_at
			LIMIT 1
		`)
		job, err := scanJob(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pick pending job: %w", err)
		}

		// Conditional update loses gracefully to a concurrent claimer
		res, err := r.db.Exec(`
			UPDATE fetch_jobs SET status = 'running', started_at = ?
			WHERE job_id = ? AND status = 'pending'
		`, r.now().UTC().Format(time.RFC3339), job.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return r.Get(job.ID)
		}
	}
}

// Cancel marks a pending or running job cancelled. The worker observes the
// flag cooperatively; rows already written stay.
func (r *Repository) Cancel(id string) error {
	job, err := r.Get(id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != StatusPending && job.Status != StatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrJobNotCancellable, id, job.Status)
	}

	_, err = r.db.Exec(`
		UPDATE fetch_jobs SET status = 'cancelled', completed_at = ?
		WHERE job_id = ? AND status IN ('pending', 'running')
	`, r.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", id, err)
	}

	r.log.Info().Str("job_id", id).Msg("Cancelled fetch job")
	return nil
}

// IsCancelled reports whether the job has been cancelled
func (r *Repository) IsCancelled(id string) (bool, error) {
	var status string
	err := r.db.QueryRow("SELECT status FROM fetch_jobs WHERE job_id = ?", id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return false, err
	}
	return status == StatusCancelled, nil
}

// UpdateProgress persists the progress blob
func (r *Repository) UpdateProgress(id string, p Progress) error {
	if p.TotalSymbols > 0 {
		p.Percent = float64(p.CompletedSymbols) / float64(p.TotalSymbols) * 100
	}
	blob, _ := json.Marshal(p)
	_, err := r.db.Exec("UPDATE fetch_jobs SET progress = ? WHERE job_id = ?", string(blob), id)
	if err != nil {
		return fmt.Errorf("failed to update progress for %s: %w", id, err)
	}
	return nil
}

// Complete finalizes a running job with its outcome. Cancelled jobs keep
// their status; results and errors are still recorded.
func (r *Repository) Complete(id, status string, results map[string]SymbolResult, errs []string) error {
	resultsJSON, _ := json.Marshal(results)
	if errs == nil {
		errs = []string{}
	}
	errorsJSON, _ := json.Marshal(errs)

	_, err := r.db.Exec(`
		UPDATE fetch_jobs
		SET status = CASE WHEN status = 'cancelled' THEN 'cancelled' ELSE ? END,
		    results = ?, errors = ?, completed_at = ?
		WHERE job_id = ?
	`, status, string(resultsJSON), string(errorsJSON),
		r.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return nil
}

// SweepAbandoned demotes running jobs whose start is older than the threshold
// to failed. Running rows found at startup are crash leftovers.
func (r *Repository) SweepAbandoned(olderThan time.Duration) (int64, error) {
	cutoff := r.now().UTC().Add(-olderThan).Format(time.RFC3339)
	res, err := r.db.Exec(`
		UPDATE fetch_jobs
		SET status = 'failed', completed_at = ?,
		    errors = '["abandoned: worker never finished"]'
		WHERE status = 'running' AND started_at < ?
	`, r.now().UTC().Format(time.RFC3339), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep abandoned jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Warn().Int64("jobs", n).Msg("Demoted abandoned running jobs to failed")
	}
	return n, nil
}

// Cleanup deletes terminal jobs older than the given number of days
func (r *Repository) Cleanup(olderThanDays int) (int64, error) {
	cutoff := r.now().UTC().AddDate(0, 0, -olderThanDays).Format(time.RFC3339)
	res, err := r.db.Exec(`
		DELETE FROM fetch_jobs
		WHERE status IN ('completed', 'completed_with_errors', 'failed', 'cancelled')
		  AND created_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Info().Int64("jobs", n).Msg("Deleted old job records")
	}
	return n, nil
}

const selectJob = `
	SELECT job_id, status, symbols, date_from, date_to, interval,
	       force_refresh, priority, progress, results, errors,
	       created_at, started_at, completed_at, created_by
	FROM fetch_jobs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var symbolsJSON, progressJSON, resultsJSON, errorsJSON string
	var forceRefresh int
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&j.ID, &j.Status, &symbolsJSON, &j.DateFrom, &j.DateTo,
		&j.Interval, &forceRefresh, &j.Priority, &progressJSON, &resultsJSON,
		&errorsJSON, &createdAt, &startedAt, &completedAt, &j.CreatedBy)
	if err != nil {
		return nil, err
	}

	j.ForceRefresh = forceRefresh != 0
	if err := json.Unmarshal([]byte(symbolsJSON), &j.Symbols); err != nil {
		return nil, fmt.Errorf("corrupt symbols blob on job %s: %w", j.ID, err)
	}
	if progressJSON != "" {
		_ = json.Unmarshal([]byte(progressJSON), &j.Progress)
	}
	if resultsJSON != "" && resultsJSON != "{}" {
		_ = json.Unmarshal([]byte(resultsJSON), &j.Results)
	}
	if errorsJSON != "" && errorsJSON != "[]" {
		_ = json.Unmarshal([]byte(errorsJSON), &j.Errors)
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		j.CreatedAt = t
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
			j.StartedAt = &t
		}
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
			j.CompletedAt = &t
		}
	}

	return &j, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Summary counts jobs per status for the health endpoint
func (r *Repository) Summary() (map[string]int, error) {
	rows, err := r.db.Query("SELECT status, COUNT(*) FROM fetch_jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to summarize jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[strings.TrimSpace(status)] = n
	}
	return out, rows.Err()
}
