package store

import (
	"context"
	"fmt"
)

// Schema is the DDL for the four persisted tables the router needs. A
// migration *runner* is explicitly out of scope; this DDL is what Migrate
// executes so the store is self-sufficient to run and test against.
const Schema = `
CREATE EXTENSION IF NOT EXISTS pgcrypto;

CREATE TABLE IF NOT EXISTS servers (
    id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name           TEXT NOT NULL,
    url            TEXT NOT NULL,
    description    TEXT NOT NULL DEFAULT '',
    enabled        BOOLEAN NOT NULL DEFAULT true,
    auto_reconnect BOOLEAN NOT NULL DEFAULT true,
    timeout_ms     INTEGER NOT NULL DEFAULT 30000,
    retry_attempts INTEGER NOT NULL DEFAULT 3,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at     TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_servers_name_live
    ON servers (name) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS server_events (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    server_id  UUID NOT NULL,
    type       TEXT NOT NULL,
    details    JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_server_events_server ON server_events (server_id, created_at);

CREATE TABLE IF NOT EXISTS tool_calls (
    id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    server         TEXT NOT NULL,
    tool           TEXT NOT NULL,
    arguments      JSONB,
    response       JSONB,
    duration_ms    BIGINT NOT NULL DEFAULT 0,
    status         TEXT NOT NULL,
    error_message  TEXT NOT NULL DEFAULT '',
    user_id        TEXT NOT NULL DEFAULT '',
    user_email     TEXT NOT NULL DEFAULT '',
    api_key_prefix TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_server_tool ON tool_calls (server, tool, created_at);

CREATE TABLE IF NOT EXISTS sync_events (
    id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    event_type   TEXT NOT NULL,
    event_data   JSONB NOT NULL DEFAULT '{}',
    instance_id  TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    processed_by TEXT[] NOT NULL DEFAULT '{}',
    processed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sync_events_created_at ON sync_events (created_at);
`

// Migrate executes Schema against db, creating tables and indexes if they
// do not already exist. It is idempotent.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// cleanupDeletedServersSQL builds the hard-delete statement for soft-deleted
// server rows older than daysOld. The interval is templated as a validated
// integer rather than bound as a parameter: parameterized INTERVAL
// expressions are driver-dependent (see DESIGN.md open question #3), but a
// bounds-checked integer substitution is always safe from injection.
func cleanupDeletedServersSQL(daysOld int) (string, error) {
	if daysOld < 0 {
		return "", fmt.Errorf("store: cleanup: daysOld must be non-negative, got %d", daysOld)
	}
	return fmt.Sprintf(
		`DELETE FROM servers WHERE deleted_at IS NOT NULL AND deleted_at < now() - INTERVAL '%d days'`,
		daysOld,
	), nil
}
