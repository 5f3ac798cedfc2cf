// Package postgres is the system of record: orders with their status event
// log, wallet assignments and failed webhook deliveries. Every state change
// that must be race-safe is a single conditional statement.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool and pings it once.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS offramp_orders (
    id                    TEXT PRIMARY KEY,
    provider              TEXT NOT NULL,
    provider_order_id     TEXT NOT NULL,
    source_amount         NUMERIC(38, 18) NOT NULL,
    net_amount            NUMERIC(38, 18) NOT NULL DEFAULT 0,
    fee_amount            NUMERIC(38, 18) NOT NULL DEFAULT 0,
    local_amount          NUMERIC(38, 18) NOT NULL DEFAULT 0,
    local_currency        TEXT NOT NULL,
    destination           JSONB NOT NULL,
    deposit_address       TEXT NOT NULL DEFAULT '',
    expires_at            TIMESTAMPTZ NULL,
    status                TEXT NOT NULL,
    provider_raw_status   TEXT NOT NULL DEFAULT '',
    poll_attempt_count    INTEGER NOT NULL DEFAULT 0,
    last_polled_at        TIMESTAMPTZ NULL,
    created_at            TIMESTAMPTZ NOT NULL,
    updated_at            TIMESTAMPTZ NOT NULL,
    completed_at          TIMESTAMPTZ NULL,
    settlement_receipt_id TEXT NOT NULL DEFAULT '',
    CONSTRAINT offramp_orders_provider_order_uq UNIQUE (provider, provider_order_id)
);

CREATE TABLE IF NOT EXISTS order_status_events (
    seq               BIGSERIAL PRIMARY KEY,
    id                TEXT NOT NULL UNIQUE,
    order_id          TEXT NOT NULL REFERENCES offramp_orders(id),
    provider          TEXT NOT NULL,
    provider_order_id TEXT NOT NULL,
    source            TEXT NOT NULL,
    raw_status        TEXT NOT NULL,
    canonical_status  TEXT NOT NULL,
    observed_at       TIMESTAMPTZ NOT NULL,
    recorded_at       TIMESTAMPTZ NOT NULL,
    applied           BOOLEAN NOT NULL,
    reason            TEXT NOT NULL DEFAULT '',
    external_event_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_order_status_events_order ON order_status_events(order_id, seq);
CREATE INDEX IF NOT EXISTS idx_order_status_events_external
    ON order_status_events(provider, external_event_id) WHERE external_event_id <> '';

CREATE TABLE IF NOT EXISTS wallet_assignments (
    user_id              TEXT NOT NULL,
    platform             TEXT NOT NULL,
    assigned_address     TEXT NULL,
    external_resource_id TEXT NULL,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    assigned_at          TIMESTAMPTZ NULL,
    PRIMARY KEY (user_id, platform)
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id          TEXT PRIMARY KEY,
    provider    TEXT NOT NULL,
    payload     BYTEA NOT NULL,
    last_error  TEXT NOT NULL DEFAULT '',
    attempts    INTEGER NOT NULL DEFAULT 0,
    received_at TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    resolved_at TIMESTAMPTZ NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_unresolved
    ON webhook_deliveries(received_at) WHERE resolved_at IS NULL;
`

// EnsureSchema creates the tables the service reads and writes. It is
// idempotent and safe to run on every start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
