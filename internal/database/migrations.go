package database

import (
	"context"
	"fmt"

	"github.com/signalswap/backend/internal/core"
)

// migrations are applied in order at startup. Never edit an applied entry;
// append a new one.
var migrations = []string{
	// 1: base schema
	`
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
    id              UUID PRIMARY KEY,
    primary_address TEXT NOT NULL,
    api_key_hash    TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS automation_wallets (
    id             UUID PRIMARY KEY,
    user_id        UUID NOT NULL REFERENCES users(id),
    public_address TEXT NOT NULL UNIQUE,
    ciphertext     BYTEA NOT NULL,
    iv             BYTEA NOT NULL,
    auth_tag       BYTEA NOT NULL,
    key_version    INT NOT NULL DEFAULT 1,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rules (
    id                UUID PRIMARY KEY,
    user_id           UUID NOT NULL REFERENCES users(id),
    wallet_id         UUID NOT NULL REFERENCES automation_wallets(id),
    name              TEXT NOT NULL CHECK (char_length(name) <= 100),
    market_id         TEXT NOT NULL,
    condition         TEXT NOT NULL CHECK (condition IN ('ABOVE','BELOW')),
    threshold         DOUBLE PRECISION NOT NULL CHECK (threshold >= 0 AND threshold <= 1),
    action            TEXT NOT NULL CHECK (action IN ('TO_STABLE','TO_VOLATILE')),
    swap_fraction_pct INT NOT NULL CHECK (swap_fraction_pct BETWEEN 1 AND 100),
    cooldown_hours    INT NOT NULL CHECK (cooldown_hours >= 0),
    status            TEXT NOT NULL CHECK (status IN
        ('CREATED','ACTIVE','PAUSED','TRIGGERED','EXECUTING','EXECUTED','FAILED','CANCELLED')),
    last_triggered_at TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS rules_due_idx ON rules (status, last_triggered_at);

CREATE TABLE IF NOT EXISTS executions (
    id                        UUID PRIMARY KEY,
    rule_id                   UUID NOT NULL REFERENCES rules(id),
    triggered_at              TIMESTAMPTZ NOT NULL,
    market_condition_snapshot JSONB NOT NULL,
    idempotency_key           TEXT NOT NULL UNIQUE,
    status                    TEXT NOT NULL CHECK (status IN
        ('TRIGGERED','EXECUTING','EXECUTED','FAILED')),
    tx_signature  TEXT,
    tx_blockhash  TEXT,
    tx_sent_at    TIMESTAMPTZ,
    retry_count   INT NOT NULL DEFAULT 0,
    error_message TEXT,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS executions_rule_idx ON executions (rule_id, triggered_at DESC);

CREATE TABLE IF NOT EXISTS execution_locks (
    rule_id     UUID PRIMARY KEY,
    owner_id    TEXT NOT NULL,
    acquired_at TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
    id               UUID PRIMARY KEY,
    execution_id     UUID NOT NULL REFERENCES executions(id),
    failure_reason   TEXT NOT NULL,
    retry_count      INT NOT NULL,
    moved_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    status           TEXT NOT NULL CHECK (status IN
        ('PENDING','RETRYING','RESOLVED','ABANDONED')),
    resolution_notes TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS dlq_open_per_execution
    ON dead_letter_queue (execution_id)
    WHERE status IN ('PENDING','RETRYING');

CREATE TABLE IF NOT EXISTS webhooks (
    id                UUID PRIMARY KEY,
    user_id           UUID NOT NULL REFERENCES users(id),
    kind              TEXT NOT NULL CHECK (kind IN ('HTTP','SLACK','DISCORD','EMAIL')),
    destination       TEXT NOT NULL,
    event_mask        TEXT[] NOT NULL DEFAULT '{}',
    secret            TEXT NOT NULL DEFAULT '',
    enabled           BOOLEAN NOT NULL DEFAULT true,
    failure_count     INT NOT NULL DEFAULT 0,
    last_triggered_at TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS webhooks_user_idx ON webhooks (user_id) WHERE enabled;

CREATE TABLE IF NOT EXISTS audit_log (
    id            BIGSERIAL PRIMARY KEY,
    actor         TEXT NOT NULL,
    action        TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id   TEXT NOT NULL,
    detail        JSONB,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS secrets_audit (
    id            BIGSERIAL PRIMARY KEY,
    action        TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id   TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`,
}

// Migrate applies any pending migrations, recording each version.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
            version INT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("%w: bootstrap schema_migrations: %v", core.ErrStoreFailure, err)
	}

	for i, stmt := range migrations {
		version := i + 1
		var exists bool
		err := db.conn.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("%w: check migration %d: %v", core.ErrStoreFailure, version, err)
		}
		if exists {
			continue
		}

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: begin migration %d: %v", core.ErrStoreFailure, version, err)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: apply migration %d: %v", core.ErrStoreFailure, version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: record migration %d: %v", core.ErrStoreFailure, version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit migration %d: %v", core.ErrStoreFailure, version, err)
		}
		db.logger.Printf("📦 applied migration %d", version)
	}
	return nil
}
