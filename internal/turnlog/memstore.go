package turnlog

import (
	"context"
	"maps"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. The zero value is ready to use.
type MemStore struct {
	mu    sync.RWMutex
	turns []TurnRecord
	calls []ToolCallRecord
}

// RecordTurn implements [Store].
func (m *MemStore) RecordTurn(_ context.Context, rec TurnRecord) error {
	rec.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, rec)
	return nil
}

// RecordToolCall implements [Store].
func (m *MemStore) RecordToolCall(_ context.Context, rec ToolCallRecord) error {
	rec.Normalize()
	rec.Args = maps.Clone(rec.Args)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, rec)
	return nil
}

// Turns implements [Store].
func (m *MemStore) Turns(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []TurnRecord{}
	for _, t := range m.turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ToolCalls implements [Store].
func (m *MemStore) ToolCalls(_ context.Context, sessionID string) ([]ToolCallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []ToolCallRecord{}
	for _, c := range m.calls {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out, nil
}
