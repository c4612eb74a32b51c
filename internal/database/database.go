package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the tables if needed. Having the migration in code
// keeps the service self-contained so docker-compose can bootstrap everything.
//
// The partial unique index on artifacts is load-bearing: it is what turns the
// lookup-then-create sequence into an atomic claim, so two near-simultaneous
// requests for the same fingerprint cannot both insert an in-flight row.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	scope_id TEXT NOT NULL,
	selector TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	status TEXT NOT NULL,
	storage_key TEXT,
	public_url TEXT,
	file_name TEXT,
	size_bytes BIGINT,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_lookup
	ON artifacts(scope_id, selector, fingerprint, status, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_inflight
	ON artifacts(scope_id, selector, fingerprint)
	WHERE status IN ('pending','generating');
CREATE TABLE IF NOT EXISTS scopes (
	id TEXT PRIMARY KEY,
	label TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS media_items (
	id TEXT PRIMARY KEY,
	scope_id TEXT NOT NULL,
	remote_url TEXT NOT NULL,
	file_name TEXT NOT NULL,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	kind TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_media_items_scope ON media_items(scope_id, kind);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
