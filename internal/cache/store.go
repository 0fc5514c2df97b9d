// Package cache provides an opaque TTL key-value store backed by cache.db.
// Values are msgpack-encoded; expired entries are purged by maintenance.
package cache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Schema ensures the kv_cache table exists in cache.db
const Schema = `
CREATE TABLE IF NOT EXISTS kv_cache (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_kv_cache_expires ON kv_cache(expires_at);
`

// InitSchema creates the cache tables if they do not exist
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Store provides TTL-scoped key-value access
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time // injectable for tests
}

// NewStore creates a new cache store
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "cache").Logger(),
		now: time.Now,
	}
}

// Set stores a value under key with the given TTL
func (s *Store) Set(key string, value interface{}, ttl time.Duration) error {
	blob, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}

	expiresAt := s.now().Add(ttl).Unix()
	_, err = s.db.Exec(`
		INSERT INTO kv_cache (key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, blob, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	return nil
}

// GetInto loads the value for key into dest.
// Returns false when the key is absent or expired (not an error).
func (s *Store) GetInto(key string, dest interface{}) (bool, error) {
	var blob []byte
	var expiresAt int64

	err := s.db.QueryRow("SELECT value, expires_at FROM kv_cache WHERE key = ?", key).
		Scan(&blob, &expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	if expiresAt < s.now().Unix() {
		return false, nil
	}

	if err := msgpack.Unmarshal(blob, dest); err != nil {
		return false, fmt.Errorf("failed to decode cache value: %w", err)
	}

	return true, nil
}

// Delete removes a key. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv_cache WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// PurgeExpired removes all expired entries and returns the count removed
func (s *Store) PurgeExpired() (int64, error) {
	result, err := s.db.Exec("DELETE FROM kv_cache WHERE expires_at < ?", s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired cache entries: %w", err)
	}

	removed, _ := result.RowsAffected()
	if removed > 0 {
		s.log.Debug().Int64("removed", removed).Msg("Purged expired cache entries")
	}

	return removed, nil
}
