package symbols

import (
	"fmt"
	"time"

	"github.com/aristath/quotevault/internal/cache"
	"github.com/aristath/quotevault/internal/utils"
	"github.com/rs/zerolog"
)

// renameCacheTTL bounds how stale a cached rename lookup may be. Renames are
// administrative and rare, so a short TTL is plenty.
const renameCacheTTL = 5 * time.Minute

// Segment is a contiguous sub-range of a requested window mapped to the
// symbol under which its rows are actually stored.
type Segment struct {
	StorageSymbol string
	From          time.Time
	To            time.Time
}

// RenameLookup is the subset of the repository the resolver needs
type RenameLookup interface {
	GetChangeByNewSymbol(newSymbol string) (*SymbolChange, error)
}

// Resolver translates a current symbol plus date range into the storage
// segments that cover it. Exactly one rename hop is resolved; the UNIQUE
// constraint on symbol_changes.new_symbol guarantees determinism.
type Resolver struct {
	changes RenameLookup
	cache   *cache.Store // optional
	log     zerolog.Logger
}

// NewResolver creates a segment resolver. The cache store may be nil.
func NewResolver(changes RenameLookup, cacheStore *cache.Store, log zerolog.Logger) *Resolver {
	return &Resolver{
		changes: changes,
		cache:   cacheStore,
		log:     log.With().Str("component", "segment_resolver").Logger(),
	}
}

// cachedRename is the msgpack-encoded cache entry for a rename lookup.
// Misses are cached too, so unrenamed symbols skip the DB on the hot path.
type cachedRename struct {
	Found      bool
	OldSymbol  string
	ChangeDate string
}

// Resolve returns the ordered storage segments covering [from, to] for the
// given current symbol. The union of the returned segments equals [from, to]
// with no overlap, and at most two segments are produced.
func (r *Resolver) Resolve(symbol string, from, to time.Time) ([]Segment, error) {
	if from.After(to) {
		return nil, fmt.Errorf("invalid range: from %s after to %s",
			utils.FormatDate(from), utils.FormatDate(to))
	}

	change, err := r.lookupRename(symbol)
	if err != nil {
		return nil, err
	}

	if change == nil {
		return []Segment{{StorageSymbol: symbol, From: from, To: to}}, nil
	}

	changeDate := change.ChangeDate
	var segments []Segment

	// Historical segment: [from, change_date - 1 day], clamped to the request
	histTo := utils.MinDate(to, changeDate.AddDate(0, 0, -1))
	if !histTo.Before(from) {
		segments = append(segments, Segment{
			StorageSymbol: change.OldSymbol,
			From:          from,
			To:            histTo,
		})
	}

	// Current segment: [max(from, change_date), to]
	curFrom := utils.MaxDate(from, changeDate)
	if !curFrom.After(to) {
		segments = append(segments, Segment{
			StorageSymbol: symbol,
			From:          curFrom,
			To:            to,
		})
	}

	return segments, nil
}

// lookupRename resolves the rename targeting symbol, consulting the cache first
func (r *Resolver) lookupRename(symbol string) (*SymbolChange, error) {
	cacheKey := "rename:" + symbol

	if r.cache != nil {
		var entry cachedRename
		ok, err := r.cache.GetInto(cacheKey, &entry)
		if err != nil {
			r.log.Warn().Err(err).Str("symbol", symbol).Msg("Rename cache read failed")
		} else if ok {
			if !entry.Found {
				return nil, nil
			}
			d, err := utils.ParseDate(entry.ChangeDate)
			if err == nil {
				return &SymbolChange{
					OldSymbol:  entry.OldSymbol,
					NewSymbol:  symbol,
					ChangeDate: d,
				}, nil
			}
		}
	}

	change, err := r.changes.GetChangeByNewSymbol(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to look up rename history for %s: %w", symbol, err)
	}

	if r.cache != nil {
		entry := cachedRename{Found: change != nil}
		if change != nil {
			entry.OldSymbol = change.OldSymbol
			entry.ChangeDate = utils.FormatDate(change.ChangeDate)
		}
		if err := r.cache.Set(cacheKey, entry, renameCacheTTL); err != nil {
			r.log.Warn().Err(err).Str("symbol", symbol).Msg("Rename cache write failed")
		}
	}

	return change, nil
}
