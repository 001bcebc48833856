package database

// metaSchema is the single source of truth for the metadata database.
// Every statement is idempotent so Migrate can run on every start.
const metaSchema = `
-- Ingestion audit log: one row per (plugin, trade_date) task attempt.
-- This table drives dependency gating and backfill resumability.
CREATE TABLE IF NOT EXISTS ingestion_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT    NOT NULL,
    task_id     TEXT    NOT NULL,
    plugin      TEXT    NOT NULL,
    trade_date  TEXT    NOT NULL,           -- YYYYMMDD, empty for dateless plugins
    status      TEXT    NOT NULL,           -- completed | failed | blocked | cancelled
    rows        INTEGER NOT NULL DEFAULT 0,
    error       TEXT,
    started_at  TIMESTAMP,
    finished_at TIMESTAMP,
    created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_ingestion_log_plugin_date
    ON ingestion_log(plugin, trade_date, status);
CREATE INDEX IF NOT EXISTS idx_ingestion_log_run
    ON ingestion_log(run_id);

-- Quality-check results, append-only.
CREATE TABLE IF NOT EXISTS quality_results (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    plugin     TEXT    NOT NULL,
    "table"    TEXT    NOT NULL,
    check_name TEXT    NOT NULL,
    severity   TEXT    NOT NULL,             -- info | warning | critical
    passed     INTEGER NOT NULL,
    detail     TEXT,
    checked_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_quality_results_plugin
    ON quality_results(plugin, checked_at);

-- Schema evolution log: one row per DDL applied to the market store.
CREATE TABLE IF NOT EXISTS schema_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    "table"    TEXT    NOT NULL,
    ddl        TEXT    NOT NULL,
    applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Upstream response cache (msgpack payloads with TTL).
CREATE TABLE IF NOT EXISTS client_cache (
    cache_key  TEXT PRIMARY KEY,
    api_name   TEXT    NOT NULL,
    payload    BLOB    NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    expires_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_client_cache_expires
    ON client_cache(expires_at);
`
