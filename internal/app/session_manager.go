package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/deskvoice/internal/config"
	"github.com/MrWong99/deskvoice/internal/resilience"
	"github.com/MrWong99/deskvoice/internal/voice"
)

// stopTimeout bounds the final Stop when the run context is cancelled.
const stopTimeout = 5 * time.Second

// VoiceController is the part of [voice.Controller] the session manager
// drives.
type VoiceController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() voice.Status
	OnStatus(fn func(voice.Status))
}

var _ VoiceController = (*voice.Controller)(nil)

// SessionInfo holds metadata about the current voice session.
type SessionInfo struct {
	SessionID string
	StartedAt time.Time

	// Restarts counts sessions reopened after a transport error.
	Restarts int
}

// SessionManager keeps one voice session open for the lifetime of Run. When
// the session ends with a transport error it either returns the error or,
// if reconnecting is enabled, reopens the session with exponential backoff.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	ctrl      VoiceController
	reconnect config.ReconnectConfig

	// ended receives the error text of a session that closed on its own.
	ended chan string

	mu       sync.Mutex
	active   bool
	stopping bool
	info     SessionInfo
	prev     voice.State
}

// NewSessionManager wires itself to ctrl's status callback. ctrl must not
// have another status callback registered.
func NewSessionManager(ctrl VoiceController, reconnect config.ReconnectConfig) *SessionManager {
	sm := &SessionManager{
		ctrl:      ctrl,
		reconnect: reconnect,
		ended:     make(chan string, 1),
	}
	ctrl.OnStatus(sm.observe)
	return sm
}

// observe runs on the controller loop and must not block.
func (sm *SessionManager) observe(st voice.Status) {
	sm.mu.Lock()
	prev := sm.prev
	sm.prev = st.State
	stopping := sm.stopping
	sm.mu.Unlock()

	slog.Debug("voice status",
		"state", st.State,
		"recording", st.IsRecording,
		"speaking", st.IsSpeaking,
		"thinking", st.IsThinking,
	)

	wasOpen := prev == voice.StateActive || prev == voice.StateStopping
	if wasOpen && st.State == voice.StateIdle && st.Error != "" && !stopping {
		select {
		case sm.ended <- st.Error:
		default:
		}
	}
}

// Run opens the session and supervises it until ctx is done. It returns
// ctx.Err() after a clean stop, or the session error when the session ended
// and reconnecting is disabled or exhausted.
func (sm *SessionManager) Run(ctx context.Context) error {
	if err := sm.start(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			sm.stop(context.WithoutCancel(ctx))
			return ctx.Err()
		case msg := <-sm.ended:
			sm.setInactive()
			if !sm.reconnect.Enabled {
				return fmt.Errorf("app: voice session ended: %s", msg)
			}
			slog.Warn("voice session ended, reconnecting", "err", msg)
			if err := sm.start(ctx); err != nil {
				return err
			}
			sm.mu.Lock()
			sm.info.Restarts++
			sm.mu.Unlock()
		}
	}
}

func (sm *SessionManager) start(ctx context.Context) error {
	var err error
	if sm.reconnect.Enabled {
		b := resilience.Backoff{
			MaxRetries: sm.reconnect.MaxRetries,
			Initial:    sm.reconnect.Initial,
			Max:        sm.reconnect.Max,
		}
		err = b.Retry(ctx, "voice session", func(ctx context.Context, _ int) error {
			return sm.ctrl.Start(ctx)
		})
	} else {
		err = sm.ctrl.Start(ctx)
	}
	if err != nil {
		if errors.Is(err, voice.ErrStopped) && ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("app: start voice session: %w", err)
	}

	st := sm.ctrl.Status()
	sm.mu.Lock()
	sm.active = true
	sm.info.SessionID = st.SessionID
	sm.info.StartedAt = time.Now()
	sm.mu.Unlock()
	slog.Info("voice session active", "session_id", st.SessionID)
	return nil
}

func (sm *SessionManager) stop(ctx context.Context) {
	sm.mu.Lock()
	sm.stopping = true
	sm.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	if err := sm.ctrl.Stop(ctx); err != nil {
		slog.Warn("voice session stop", "err", err)
	}
	sm.setInactive()
}

func (sm *SessionManager) setInactive() {
	sm.mu.Lock()
	sm.active = false
	sm.mu.Unlock()
}

// IsActive reports whether a session is currently open.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the current or last session.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}
