// Package clientcache provides persistent caching for upstream API responses.
// Payloads are stored as msgpack blobs with expiration timestamps so that
// slow-moving reference data (trading calendar, stock roster) can be served
// cache-first without spending API call budget.
package clientcache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// TTL constants for different data classes. These are added to time.Now()
// when storing to calculate expires_at.
const (
	// Trading calendars are published a year ahead and only revised on
	// exceptional holiday announcements.
	TTLCalendar = 7 * 24 * time.Hour

	// The listed-stock roster changes with IPOs and delistings, a handful
	// of rows per day at most.
	TTLStockRoster = 24 * time.Hour
)

// Repository provides cache operations over the client_cache table.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new client cache repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Key builds a cache key from an API name and its distinguishing parameter.
func Key(apiName, qualifier string) string {
	if qualifier == "" {
		return apiName
	}
	return apiName + ":" + qualifier
}

// Store saves a value with expiration = now + ttl. Existing entries under
// the same key are replaced.
func (r *Repository) Store(key, apiName string, value interface{}, ttl time.Duration) error {
	payload, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache payload: %w", err)
	}

	expiresAt := time.Now().Add(ttl).Unix()

	_, err = r.db.Exec(
		`INSERT OR REPLACE INTO client_cache (cache_key, api_name, payload, expires_at)
		 VALUES (?, ?, ?, ?)`,
		key, apiName, payload, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", key, err)
	}

	return nil
}

// GetIfFresh decodes the cached value into dest only if it has not expired.
// Returns false if the key doesn't exist or the entry is stale. Use Get to
// retrieve stale data as a fallback when the upstream call fails.
func (r *Repository) GetIfFresh(key string, dest interface{}) (bool, error) {
	return r.get(key, dest, true)
}

// Get decodes the cached value into dest regardless of expiration. Stale
// data is better than no data when the upstream is unavailable.
func (r *Repository) Get(key string, dest interface{}) (bool, error) {
	return r.get(key, dest, false)
}

func (r *Repository) get(key string, dest interface{}, freshOnly bool) (bool, error) {
	query := "SELECT payload FROM client_cache WHERE cache_key = ?"
	args := []interface{}{key}
	if freshOnly {
		query += " AND expires_at > ?"
		args = append(args, time.Now().Unix())
	}

	var payload []byte
	err := r.db.QueryRow(query, args...).Scan(&payload)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}

	if err := msgpack.Unmarshal(payload, dest); err != nil {
		return false, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}

	return true, nil
}

// Delete removes a specific entry.
func (r *Repository) Delete(key string) error {
	_, err := r.db.Exec("DELETE FROM client_cache WHERE cache_key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	return nil
}

// DeleteExpired removes all entries past their expiration. Returns the
// number of rows deleted.
func (r *Repository) DeleteExpired() (int64, error) {
	result, err := r.db.Exec(
		"DELETE FROM client_cache WHERE expires_at < ?", time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}
