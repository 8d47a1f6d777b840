// Package mock provides test doubles for the s2s package interfaces.
//
// Use Transport to verify Connect calls and hand out controllable sessions.
// Use Session to inject inbound events and inspect what the caller sent.
//
// Example:
//
//	tr := &mock.Transport{}
//	sess, _ := tr.Connect(ctx, cfg)
//	tr.LastSession().Emit(s2s.TurnComplete{})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/deskvoice/pkg/audio"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
)

var (
	_ s2s.Transport = (*Transport)(nil)
	_ s2s.Session   = (*Session)(nil)
)

// ConnectCall records a single invocation of Transport.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Transport is a mock implementation of s2s.Transport.
type Transport struct {
	mu sync.Mutex

	// ID is returned by Name. Empty means "mock".
	ID string

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect block until Gate is closed or the
	// context is cancelled, simulating a slow handshake.
	Gate chan struct{}

	// IgnoreClose is copied to every session created by Connect.
	IgnoreClose bool

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions holds every session handed out, in order.
	Sessions []*Session
}

// Name implements s2s.Transport.
func (t *Transport) Name() string {
	if t.ID == "" {
		return "mock"
	}
	return t.ID
}

// Connect records the call and returns a new Session or ConnectErr.
func (t *Transport) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	t.mu.Lock()
	t.ConnectCalls = append(t.ConnectCalls, ConnectCall{Cfg: cfg})
	gate := t.Gate
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &s2s.ConnectError{Transport: t.Name(), Stage: "handshake", Err: ctx.Err()}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConnectErr != nil {
		return nil, t.ConnectErr
	}
	sess := NewSession()
	sess.IgnoreClose = t.IgnoreClose
	t.Sessions = append(t.Sessions, sess)
	return sess, nil
}

// LastSession returns the most recently created session, or nil.
func (t *Transport) LastSession() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Sessions) == 0 {
		return nil
	}
	return t.Sessions[len(t.Sessions)-1]
}

// SetConnectErr replaces ConnectErr under the mock's lock.
func (t *Transport) SetConnectErr(err error) {
	t.mu.Lock()
	t.ConnectErr = err
	t.mu.Unlock()
}

// ConnectCount returns the number of Connect calls.
func (t *Transport) ConnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ConnectCalls)
}

// Session is a mock implementation of s2s.Session.
type Session struct {
	mu     sync.Mutex
	emitMu sync.Mutex

	// IgnoreClose keeps the event stream open after Close so tests can
	// deliver events that race with teardown.
	IgnoreClose bool

	// AudioFrames records every frame passed to SendAudio while open.
	AudioFrames []audio.AudioFrame

	// ToolResults records every result passed to SendToolResult while open.
	ToolResults []s2s.ToolResult

	// CloseCalls is the number of times Close was called.
	CloseCalls int

	life   s2s.Lifecycle
	events chan s2s.Event
	done   chan struct{}
	ended  bool
}

// NewSession returns an open session.
func NewSession() *Session {
	s := &Session{
		events: make(chan s2s.Event, 256),
		done:   make(chan struct{}),
	}
	s.life.Advance(s2s.StateConnecting)
	s.life.Advance(s2s.StateOpen)
	return s
}

// Emit delivers an inbound event. It reports false once the stream has ended.
func (s *Session) Emit(ev s2s.Event) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Fail simulates a fatal transport error: Error and Closed are emitted and
// the stream ends.
func (s *Session) Fail(message string) {
	s.Emit(s2s.Error{Message: message})
	s.Emit(s2s.Closed{})
	s.life.Fail()
	s.end()
}

// SendAudio implements s2s.Session.
func (s *Session) SendAudio(frame audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.life.Load() != s2s.StateOpen {
		return
	}
	s.AudioFrames = append(s.AudioFrames, frame)
}

// SendToolResult implements s2s.Session.
func (s *Session) SendToolResult(res s2s.ToolResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.life.Load() != s2s.StateOpen {
		return
	}
	s.ToolResults = append(s.ToolResults, res)
}

// Events implements s2s.Session.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// State implements s2s.Session.
func (s *Session) State() s2s.State { return s.life.Load() }

// Stats implements s2s.Session.
func (s *Session) Stats() s2s.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s2s.Stats{AudioSent: int64(len(s.AudioFrames))}
}

// Close implements s2s.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	ignore := s.IgnoreClose
	s.mu.Unlock()

	s.life.Advance(s2s.StateClosing)
	s.life.Advance(s2s.StateClosed)
	if !ignore {
		s.end()
	}
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	close(s.done)
	s.mu.Unlock()

	s.emitMu.Lock()
	close(s.events)
	s.emitMu.Unlock()
}

// Sent returns copies of the recorded audio frames and tool results.
func (s *Session) Sent() ([]audio.AudioFrame, []s2s.ToolResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.AudioFrames...), append([]s2s.ToolResult(nil), s.ToolResults...)
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCalls
}

// WaitFor polls cond until it holds or timeout elapses and reports the result.
func (s *Session) WaitFor(timeout time.Duration, cond func(frames []audio.AudioFrame, results []s2s.ToolResult) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		frames, results := s.Sent()
		if cond(frames, results) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
