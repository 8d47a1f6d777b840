// Package postgres provides a PostgreSQL-backed [turnlog.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.RecordTurn(ctx, turnlog.TurnRecord{SessionID: id, UserText: "book a call"})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlTurns = `
CREATE TABLE IF NOT EXISTS voice_turns (
    id              UUID         PRIMARY KEY,
    session_id      TEXT         NOT NULL,
    mode            TEXT         NOT NULL DEFAULT '',
    user_text       TEXT         NOT NULL DEFAULT '',
    assistant_text  TEXT         NOT NULL DEFAULT '',
    timestamp       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_turns_session_timestamp
    ON voice_turns (session_id, timestamp);
`

const ddlToolCalls = `
CREATE TABLE IF NOT EXISTS voice_tool_calls (
    id           UUID         PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    call_id      TEXT         NOT NULL,
    tool         TEXT         NOT NULL,
    args         JSONB        NOT NULL DEFAULT '{}',
    result       TEXT         NOT NULL DEFAULT '',
    status       TEXT         NOT NULL DEFAULT '',
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    timestamp    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_tool_calls_session_timestamp
    ON voice_tool_calls (session_id, timestamp);
`

// Migrate creates the turn log tables if they do not exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlTurns, ddlToolCalls} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
