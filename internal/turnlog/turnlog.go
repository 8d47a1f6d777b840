// Package turnlog records finished turns and tool calls for later review.
//
// A [Store] receives one [TurnRecord] per "turn finished" callback and one
// [ToolCallRecord] per dispatched tool call. [MemStore] keeps everything in
// process; the postgres sub-package persists to PostgreSQL.
package turnlog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TurnRecord is one finished user/assistant exchange.
type TurnRecord struct {
	ID            uuid.UUID
	SessionID     string
	Mode          string
	UserText      string
	AssistantText string
	Timestamp     time.Time
}

// ToolCallRecord is one dispatched tool call and the result sent back.
type ToolCallRecord struct {
	ID        uuid.UUID
	SessionID string
	CallID    string
	Tool      string
	Args      map[string]any
	Result    string
	Status    string
	Duration  time.Duration
	Timestamp time.Time
}

// Store persists turn and tool call records. Implementations must be safe for
// concurrent use.
type Store interface {
	// RecordTurn appends rec. A zero ID or Timestamp is filled in.
	RecordTurn(ctx context.Context, rec TurnRecord) error

	// RecordToolCall appends rec. A zero ID or Timestamp is filled in.
	RecordToolCall(ctx context.Context, rec ToolCallRecord) error

	// Turns returns the turns of sessionID, oldest first. limit <= 0 means
	// all of them; otherwise the most recent limit turns are returned.
	Turns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)

	// ToolCalls returns the tool calls of sessionID, oldest first.
	ToolCalls(ctx context.Context, sessionID string) ([]ToolCallRecord, error)
}

// Normalize fills a zero ID and Timestamp of rec.
func (rec *TurnRecord) Normalize() {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
}

// Normalize fills a zero ID and Timestamp of rec.
func (rec *ToolCallRecord) Normalize() {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
}
