package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/deskvoice/internal/turnlog"
)

var _ turnlog.Store = (*Store)(nil)

// Store is a [turnlog.Store] backed by a [pgxpool.Pool]. All operations are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("turnlog store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("turnlog store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("turnlog store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping verifies the database is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// RecordTurn implements [turnlog.Store].
func (s *Store) RecordTurn(ctx context.Context, rec turnlog.TurnRecord) error {
	rec.Normalize()
	const q = `
		INSERT INTO voice_turns
		    (id, session_id, mode, user_text, assistant_text, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := s.pool.Exec(ctx, q,
		rec.ID,
		rec.SessionID,
		rec.Mode,
		rec.UserText,
		rec.AssistantText,
		rec.Timestamp,
	); err != nil {
		return fmt.Errorf("turnlog store: record turn: %w", err)
	}
	return nil
}

// RecordToolCall implements [turnlog.Store].
func (s *Store) RecordToolCall(ctx context.Context, rec turnlog.ToolCallRecord) error {
	rec.Normalize()
	args := rec.Args
	if args == nil {
		args = map[string]any{}
	}
	const q = `
		INSERT INTO voice_tool_calls
		    (id, session_id, call_id, tool, args, result, status, duration_ns, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	if _, err := s.pool.Exec(ctx, q,
		rec.ID,
		rec.SessionID,
		rec.CallID,
		rec.Tool,
		args,
		rec.Result,
		rec.Status,
		rec.Duration.Nanoseconds(),
		rec.Timestamp,
	); err != nil {
		return fmt.Errorf("turnlog store: record tool call: %w", err)
	}
	return nil
}

// Turns implements [turnlog.Store].
func (s *Store) Turns(ctx context.Context, sessionID string, limit int) ([]turnlog.TurnRecord, error) {
	q := `
		SELECT id, session_id, mode, user_text, assistant_text, timestamp
		FROM   voice_turns
		WHERE  session_id = $1
		ORDER  BY timestamp DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += "\nLIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("turnlog store: turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (turnlog.TurnRecord, error) {
		var t turnlog.TurnRecord
		err := row.Scan(&t.ID, &t.SessionID, &t.Mode, &t.UserText, &t.AssistantText, &t.Timestamp)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("turnlog store: scan turns: %w", err)
	}

	// Newest first from the query; callers expect chronological order.
	out := make([]turnlog.TurnRecord, len(turns))
	for i, t := range turns {
		out[len(turns)-1-i] = t
	}
	return out, nil
}

// ToolCalls implements [turnlog.Store].
func (s *Store) ToolCalls(ctx context.Context, sessionID string) ([]turnlog.ToolCallRecord, error) {
	const q = `
		SELECT id, session_id, call_id, tool, args, result, status, duration_ns, timestamp
		FROM   voice_tool_calls
		WHERE  session_id = $1
		ORDER  BY timestamp`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("turnlog store: tool calls: %w", err)
	}
	calls, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (turnlog.ToolCallRecord, error) {
		var (
			c          turnlog.ToolCallRecord
			durationNS int64
		)
		if err := row.Scan(&c.ID, &c.SessionID, &c.CallID, &c.Tool, &c.Args,
			&c.Result, &c.Status, &durationNS, &c.Timestamp); err != nil {
			return turnlog.ToolCallRecord{}, err
		}
		c.Duration = time.Duration(durationNS)
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("turnlog store: scan tool calls: %w", err)
	}
	if calls == nil {
		calls = []turnlog.ToolCallRecord{}
	}
	return calls, nil
}
