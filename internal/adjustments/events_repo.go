// Package adjustments detects and repairs drift between stored adjusted
// prices and the provider's current adjusted history, tracking the corporate
// events behind the drift.
package adjustments

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quotevault/internal/utils"
)

// Lifecycle errors
var (
	ErrEventNotFound     = errors.New("event not found")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Event types
const (
	TypeStockSplit      = "stock_split"
	TypeReverseSplit    = "reverse_split"
	TypeDividend        = "dividend"
	TypeSpecialDividend = "special_dividend"
	TypeCapitalGain     = "capital_gain"
	TypeSpinoff         = "spinoff"
	TypeUnknown         = "unknown"
)

// Severities
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityNormal   = "normal"
	SeverityLow      = "low"
)

// Statuses
const (
	StatusDetected  = "detected"
	StatusConfirmed = "confirmed"
	StatusFixing    = "fixing"
	StatusFixed     = "fixed"
	StatusIgnored   = "ignored"
	StatusFailed    = "failed"
)

// allowedTransitions encodes the monotone lifecycle: detected moves to
// confirmed or ignored, active events move to fixing, fixing resolves to
// fixed or failed. ignored is terminal.
var allowedTransitions = map[string][]string{
	StatusDetected:  {StatusConfirmed, StatusIgnored, StatusFixing},
	StatusConfirmed: {StatusIgnored, StatusFixing},
	StatusFixing:    {StatusFixed, StatusFailed},
	StatusFailed:    {StatusFixing},
}

// CorporateEvent is one detected or provider-reported corporate action
type CorporateEvent struct {
	ID            int64      `json:"id"`
	Symbol        string     `json:"symbol"`
	EventDate     string     `json:"event_date"`
	EventType     string     `json:"event_type"`
	Ratio         *float64   `json:"ratio,omitempty"`
	Amount        *float64   `json:"amount,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	ExDate        *string    `json:"ex_date,omitempty"`
	DetectedAt    *time.Time `json:"detected_at,omitempty"`
	DBPrice       *float64   `json:"db_price_at_detection,omitempty"`
	ProviderPrice *float64   `json:"yf_price_at_detection,omitempty"`
	PctDifference *float64   `json:"pct_difference,omitempty"`
	Severity      string     `json:"severity"`
	Status        string     `json:"status"`
	FixedAt       *time.Time `json:"fixed_at,omitempty"`
	FixJobID      string     `json:"fix_job_id,omitempty"`
	RowsDeleted   *int64     `json:"rows_deleted,omitempty"`
	RowsRefetched *int64     `json:"rows_refetched,omitempty"`
	SourceData    string     `json:"source_data,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// EventFilter narrows event queries. Zero values mean "any".
type EventFilter struct {
	Symbol    string
	EventType string
	Status    string
	From      string
	To        string
	Limit     int
	Offset    int
}

// EventRepository provides access to the corporate_events table
type EventRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewEventRepository creates a new corporate event repository
func NewEventRepository(db *sql.DB, log zerolog.Logger) *EventRepository {
	return &EventRepository{
		db:  db,
		log: log.With().Str("component", "event_repo").Logger(),
	}
}

// Insert records a new event. Duplicate (symbol, event_date, event_type)
// triples are silently dropped; the bool reports whether a row landed.
func (r *EventRepository) Insert(e *CorporateEvent) (bool, error) {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityLow
	}
	if e.Status == "" {
		e.Status = StatusDetected
	}

	var detectedAt interface{}
	if e.DetectedAt != nil {
		detectedAt = e.DetectedAt.Format(time.RFC3339)
	}

	res, err := r.db.Exec(`
		INSERT OR IGNORE INTO corporate_events
			(symbol, event_date, event_type, ratio, amount, currency, ex_date,
			 detected_at, db_price_at_detection, yf_price_at_detection,
			 pct_difference, severity, status, source_data, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Symbol, e.EventDate, e.EventType, e.Ratio, e.Amount, e.Currency,
		e.ExDate, detectedAt, e.DBPrice, e.ProviderPrice, e.PctDifference,
		e.Severity, e.Status, e.SourceData, e.Notes, createdAt.Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("failed to insert event %s/%s/%s: %w",
			e.Symbol, e.EventDate, e.EventType, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, nil
	}

	id, _ := res.LastInsertId()
	e.ID = id
	return true, nil
}

// RecordProviderEvent stores a corporate action reported by the provider
// feed, deduplicated on the natural key.
func (r *EventRepository) RecordProviderEvent(symbol string, date time.Time, eventType string, ratio, amount float64) error {
	e := &CorporateEvent{
		Symbol:    symbol,
		EventDate: utils.FormatDate(date),
		EventType: eventType,
		Severity:  SeverityNormal,
		Status:    StatusConfirmed,
		Notes:     "reported by provider feed",
	}
	if ratio != 0 {
		e.Ratio = &ratio
	}
	if amount != 0 {
		e.Amount = &amount
	}
	_, err := r.Insert(e)
	return err
}

// GetByID fetches one event. Returns nil when not found.
func (r *EventRepository) GetByID(id int64) (*CorporateEvent, error) {
	row := r.db.QueryRow(selectColumns+" FROM corporate_events WHERE id = ?", id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %d: %w", id, err)
	}
	return e, nil
}

// UpdateStatus moves one event along the lifecycle, refusing transitions the
// lifecycle does not allow.
func (r *EventRepository) UpdateStatus(id int64, newStatus string) error {
	e, err := r.GetByID(id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: event %d", ErrEventNotFound, id)
	}

	if !transitionAllowed(e.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s for event %d",
			ErrIllegalTransition, e.Status, newStatus, id)
	}

	_, err = r.db.Exec("UPDATE corporate_events SET status = ? WHERE id = ?", newStatus, id)
	if err != nil {
		return fmt.Errorf("failed to update status for event %d: %w", id, err)
	}

	r.log.Info().
		Int64("event_id", id).
		Str("symbol", e.Symbol).
		Str("from", e.Status).
		Str("to", newStatus).
		Msg("Event status changed")
	return nil
}

func transitionAllowed(from, to string) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ActiveBySymbol returns the symbol's events still awaiting a fix
// (status detected or confirmed).
func (r *EventRepository) ActiveBySymbol(symbol string) ([]CorporateEvent, error) {
	return r.Query(EventFilter{Symbol: symbol, Status: "active"})
}

// BySymbolAndStatus returns the symbol's events in one exact status
func (r *EventRepository) BySymbolAndStatus(symbol, status string) ([]CorporateEvent, error) {
	return r.Query(EventFilter{Symbol: symbol, Status: status})
}

// MarkFixing stamps the fix bookkeeping and transitions active events of the
// symbol to fixing in one transaction-free sweep (each row is independent).
func (r *EventRepository) MarkFixing(symbol, fixJobID string, rowsDeleted int64) (int, error) {
	res, err := r.db.Exec(`
		UPDATE corporate_events
		SET status = ?, fix_job_id = ?, rows_deleted = ?
		WHERE symbol = ? AND status IN (?, ?)
	`, StatusFixing, fixJobID, rowsDeleted, symbol, StatusDetected, StatusConfirmed)
	if err != nil {
		return 0, fmt.Errorf("failed to mark events fixing for %s: %w", symbol, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResolveFixing finishes the fix lifecycle for every fixing event tied to the
// job: fixed with a refetch count on success, failed otherwise.
func (r *EventRepository) ResolveFixing(fixJobID string, success bool, rowsRefetched int64) (int, error) {
	var res sql.Result
	var err error
	if success {
		res, err = r.db.Exec(`
			UPDATE corporate_events
			SET status = ?, fixed_at = ?, rows_refetched = ?
			WHERE fix_job_id = ? AND status = ?
		`, StatusFixed, time.Now().UTC().Format(time.RFC3339), rowsRefetched,
			fixJobID, StatusFixing)
	} else {
		res, err = r.db.Exec(`
			UPDATE corporate_events SET status = ?
			WHERE fix_job_id = ? AND status = ?
		`, StatusFailed, fixJobID, StatusFixing)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve fixing events for job %s: %w", fixJobID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// FixingJobIDs returns the distinct fix job ids still in flight
func (r *EventRepository) FixingJobIDs() ([]string, error) {
	rows, err := r.db.Query(`
		SELECT DISTINCT fix_job_id FROM corporate_events
		WHERE status = ? AND fix_job_id IS NOT NULL AND fix_job_id != ''
	`, StatusFixing)
	if err != nil {
		return nil, fmt.Errorf("failed to query fixing job ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Query returns events matching the filter, newest event date first.
// Status "active" is shorthand for detected-or-confirmed.
func (r *EventRepository) Query(f EventFilter) ([]CorporateEvent, error) {
	var conds []string
	var args []interface{}

	if f.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	switch f.Status {
	case "":
	case "active":
		conds = append(conds, "status IN (?, ?)")
		args = append(args, StatusDetected, StatusConfirmed)
	default:
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.From != "" {
		conds = append(conds, "event_date >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		conds = append(conds, "event_date <= ?")
		args = append(args, f.To)
	}

	query := selectColumns + " FROM corporate_events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY event_date DESC, id DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []CorporateEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// EventSummary aggregates the event table for reporting
type EventSummary struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	BySeverity map[string]int `json:"by_severity"`
	ByType     map[string]int `json:"by_type"`
}

// Summarize counts events grouped by status, severity, and type
func (r *EventRepository) Summarize() (*EventSummary, error) {
	s := &EventSummary{
		ByStatus:   map[string]int{},
		BySeverity: map[string]int{},
		ByType:     map[string]int{},
	}

	rows, err := r.db.Query(`
		SELECT status, severity, event_type, COUNT(*)
		FROM corporate_events
		GROUP BY status, severity, event_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, severity, eventType string
		var n int
		if err := rows.Scan(&status, &severity, &eventType, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event summary: %w", err)
		}
		s.Total += n
		s.ByStatus[status] += n
		s.BySeverity[severity] += n
		s.ByType[eventType] += n
	}
	return s, rows.Err()
}

const selectColumns = `
	SELECT id, symbol, event_date, event_type, ratio, amount, currency, ex_date,
	       detected_at, db_price_at_detection, yf_price_at_detection,
	       pct_difference, severity, status, fixed_at, fix_job_id,
	       rows_deleted, rows_refetched, source_data, notes, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*CorporateEvent, error) {
	var e CorporateEvent
	var ratio, amount, dbPrice, provPrice, pctDiff sql.NullFloat64
	var exDate, detectedAt, fixedAt, fixJobID sql.NullString
	var rowsDeleted, rowsRefetched sql.NullInt64
	var createdAt string

	err := row.Scan(&e.ID, &e.Symbol, &e.EventDate, &e.EventType, &ratio,
		&amount, &e.Currency, &exDate, &detectedAt, &dbPrice, &provPrice,
		&pctDiff, &e.Severity, &e.Status, &fixedAt, &fixJobID,
		&rowsDeleted, &rowsRefetched, &e.SourceData, &e.Notes, &createdAt)
	if err != nil {
		return nil, err
	}

	if ratio.Valid {
		e.Ratio = &ratio.Float64
	}
	if amount.Valid {
		e.Amount = &amount.Float64
	}
	if dbPrice.Valid {
		e.DBPrice = &dbPrice.Float64
	}
	if provPrice.Valid {
		e.ProviderPrice = &provPrice.Float64
	}
	if pctDiff.Valid {
		e.PctDifference = &pctDiff.Float64
	}
	if exDate.Valid {
		e.ExDate = &exDate.String
	}
	if fixJobID.Valid {
		e.FixJobID = fixJobID.String
	}
	if rowsDeleted.Valid {
		e.RowsDeleted = &rowsDeleted.Int64
	}
	if rowsRefetched.Valid {
		e.RowsRefetched = &rowsRefetched.Int64
	}
	if detectedAt.Valid {
		if t, err := time.Parse(time.RFC3339, detectedAt.String); err == nil {
			e.DetectedAt = &t
		}
	}
	if fixedAt.Valid {
		if t, err := time.Parse(time.RFC3339, fixedAt.String); err == nil {
			e.FixedAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		e.CreatedAt = t
	}

	return &e, nil
}
