package clientcache

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

const testSchema = `
CREATE TABLE client_cache (
    cache_key  TEXT PRIMARY KEY,
    api_name   TEXT    NOT NULL,
    payload    BLOB    NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    expires_at TIMESTAMP NOT NULL
);
CREATE INDEX idx_client_cache_expires ON client_cache(expires_at);
`

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	return db
}

type rosterEntry struct {
	TsCode string `msgpack:"ts_code"`
	Name   string `msgpack:"name"`
}

func TestKey(t *testing.T) {
	assert.Equal(t, "trade_cal", Key("trade_cal", ""))
	assert.Equal(t, "trade_cal:SSE", Key("trade_cal", "SSE"))
}

func TestStoreAndGetIfFresh(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	stored := []rosterEntry{
		{TsCode: "600519.SH", Name: "Kweichow Moutai"},
		{TsCode: "000001.SZ", Name: "Ping An Bank"},
	}
	require.NoError(t, repo.Store("stock_basic", "stock_basic", stored, time.Hour))

	var got []rosterEntry
	found, err := repo.GetIfFresh("stock_basic", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, stored, got)
}

func TestGetIfFresh_MissingKey(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	var got []rosterEntry
	found, err := repo.GetIfFresh("nope", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetIfFresh_ExpiredEntry(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	require.NoError(t, repo.Store("k", "trade_cal", "stale", -time.Minute))

	var got string
	found, err := repo.GetIfFresh("k", &got)
	require.NoError(t, err)
	assert.False(t, found, "expired entries must not be served as fresh")

	// Get still returns the stale entry as a fallback.
	found, err = repo.Get("k", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "stale", got)
}

func TestStore_ReplacesExistingEntry(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	require.NoError(t, repo.Store("k", "trade_cal", "first", time.Hour))
	require.NoError(t, repo.Store("k", "trade_cal", "second", time.Hour))

	var got string
	found, err := repo.GetIfFresh("k", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "second", got)
}

func TestDelete(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	require.NoError(t, repo.Store("k", "trade_cal", "v", time.Hour))
	require.NoError(t, repo.Delete("k"))

	var got string
	found, err := repo.Get("k", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteExpired(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	require.NoError(t, repo.Store("fresh", "trade_cal", "v", time.Hour))
	require.NoError(t, repo.Store("stale1", "trade_cal", "v", -time.Minute))
	require.NoError(t, repo.Store("stale2", "stock_basic", "v", -time.Hour))

	deleted, err := repo.DeleteExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	var got string
	found, err := repo.Get("fresh", &got)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCleanupJob(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	require.NoError(t, repo.Store("stale", "trade_cal", "v", -time.Minute))

	job := NewCleanupJob(repo, zerolog.Nop())
	assert.Equal(t, "client_cache_cleanup", job.Name())
	require.NoError(t, job.Run())

	var got string
	found, err := repo.Get("stale", &got)
	require.NoError(t, err)
	assert.False(t, found)
}
