// Package dictation implements push-to-talk transcription on the same capture
// and transport primitives as the voice controller. Sessions are opened with
// tools disabled and in transcribe-only mode; nothing is played back.
package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/deskvoice/internal/observe"
	"github.com/MrWong99/deskvoice/internal/transcript"
	"github.com/MrWong99/deskvoice/internal/turnlog"
	"github.com/MrWong99/deskvoice/pkg/audio"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
)

// Mode is the metrics and turn log label for dictation sessions.
const Mode = "dictation"

// DefaultGrace is how long Stop waits for the service to finish transcribing
// the last words after capture ended.
const DefaultGrace = 1500 * time.Millisecond

var (
	// ErrNoActiveSession is returned by Stop and Abort when nothing is recording.
	ErrNoActiveSession = errors.New("dictation: no active recording session")

	// ErrActive is returned by Start while a session is recording.
	ErrActive = errors.New("dictation: already recording")

	// ErrNoTranscript is returned by Stop when nothing was recognised.
	ErrNoTranscript = errors.New("dictation: no transcript captured")
)

// State models the push-to-talk lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateRecording  State = "recording"
	StateStopping   State = "stopping"
)

// Status summarizes the current runtime status.
type Status struct {
	State      State
	Active     bool
	SessionID  string
	Transcript string
	Error      string
}

// Option configures a [Controller].
type Option func(*Controller)

// WithSystemInstruction sets the instruction sent with every session.
func WithSystemInstruction(s string) Option {
	return func(c *Controller) { c.instruction = s }
}

// WithVoice sets the provider voice. Unused by most transports in
// transcribe-only mode but forwarded for completeness.
func WithVoice(v string) Option {
	return func(c *Controller) { c.voice = v }
}

// WithSendQueue bounds the outbound audio queue of each session.
func WithSendQueue(n int) Option {
	return func(c *Controller) { c.sendQueue = n }
}

// WithGrace overrides [DefaultGrace].
func WithGrace(d time.Duration) Option {
	return func(c *Controller) { c.grace = d }
}

// WithInputRate sets the capture sample rate. Default: [audio.InputSampleRate].
func WithInputRate(rate int) Option {
	return func(c *Controller) { c.inputRate = rate }
}

// WithOnPartial registers fn to receive the running transcript after every
// fragment. It is called from the event goroutine and must not block.
func WithOnPartial(fn func(text string)) Option {
	return func(c *Controller) { c.onPartial = fn }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTurnLog records every finished dictation as a turn.
func WithTurnLog(store turnlog.Store) Option {
	return func(c *Controller) { c.turnlog = store }
}

// Controller orchestrates push-to-talk recording and transcription.
type Controller struct {
	transport   s2s.Transport
	capture     audio.Source
	instruction string
	voice       string
	sendQueue   int
	grace       time.Duration
	inputRate   int
	onPartial   func(string)
	metrics     *observe.Metrics
	turnlog     turnlog.Store

	mu       sync.Mutex
	current  *activeSession
	starting bool
	lastErr  string
}

// New returns a dictation controller.
func New(transport s2s.Transport, capture audio.Source, opts ...Option) *Controller {
	c := &Controller{
		transport: transport,
		capture:   capture,
		grace:     DefaultGrace,
		inputRate: audio.InputSampleRate,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

type activeSession struct {
	id     string
	conn   s2s.Session
	cancel context.CancelFunc

	stateMu sync.Mutex
	state   State

	text     *text
	stopping atomic.Bool
	flushed  chan struct{}
	flushOne sync.Once

	eventsDone chan struct{}
	audioDone  chan struct{}
}

func (s *activeSession) setState(state State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
}

func (s *activeSession) getState() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *activeSession) markFlushed() {
	s.flushOne.Do(func() { close(s.flushed) })
}

// Start opens capture and a transcribe-only session. It fails with
// [ErrActive] while another session is starting or recording.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.current != nil || c.starting {
		c.mu.Unlock()
		return ErrActive
	}
	c.starting = true
	c.lastErr = ""
	c.mu.Unlock()

	active, frames, err := c.open(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting = false
	if err != nil {
		c.lastErr = err.Error()
		return err
	}
	c.current = active

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	active.cancel = cancel
	go c.consumeEvents(active)
	go c.pumpAudio(sessCtx, active, frames)

	c.metrics.ActiveSessions.Add(ctx, 1, metric.WithAttributes(observe.Attr("mode", Mode)))
	slog.Info("dictation: recording started", "session_id", active.id, "transport", c.transport.Name())
	return nil
}

func (c *Controller) open(ctx context.Context) (*activeSession, <-chan []float32, error) {
	frames, err := c.capture.Open(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("dictation: open capture: %w", err)
	}

	start := time.Now()
	conn, err := c.transport.Connect(ctx, s2s.SessionConfig{
		SystemInstruction: c.instruction,
		ToolsEnabled:      false,
		TranscribeOnly:    true,
		Voice:             c.voice,
		SendQueue:         c.sendQueue,
	})
	if err != nil {
		c.metrics.RecordConnect(ctx, c.transport.Name(), "error", time.Since(start))
		c.metrics.RecordSessionError(ctx, c.transport.Name(), "connect")
		_ = c.capture.Close()
		return nil, nil, fmt.Errorf("dictation: %w", err)
	}
	c.metrics.RecordConnect(ctx, c.transport.Name(), "ok", time.Since(start))

	return &activeSession{
		id:         uuid.NewString(),
		conn:       conn,
		state:      StateRecording,
		text:       &text{},
		flushed:    make(chan struct{}),
		eventsDone: make(chan struct{}),
		audioDone:  make(chan struct{}),
	}, frames, nil
}

// Stop ends capture, waits up to the grace period for the service to finish
// transcribing, closes the session and returns the transcript. ctx bounds the
// grace wait.
func (c *Controller) Stop(ctx context.Context) (string, error) {
	active, err := c.getCurrent()
	if err != nil {
		return "", err
	}
	if !active.stopping.CompareAndSwap(false, true) {
		return "", ErrNoActiveSession
	}
	active.setState(StateStopping)

	if err := c.capture.Close(); err != nil {
		slog.Warn("dictation: close capture", "session_id", active.id, "err", err)
	}
	<-active.audioDone

	if c.grace > 0 {
		timer := time.NewTimer(c.grace)
		select {
		case <-active.flushed:
		case <-active.eventsDone:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}

	c.closeSession(active)

	raw, sessErr := active.text.Result()
	c.finish(active, sessErr)

	if raw == "" {
		if sessErr != nil {
			return "", fmt.Errorf("dictation: %w", sessErr)
		}
		return "", ErrNoTranscript
	}

	c.metrics.RecordTurn(ctx, Mode)
	if c.turnlog != nil {
		err := c.turnlog.RecordTurn(ctx, turnlog.TurnRecord{
			SessionID: active.id,
			Mode:      Mode,
			UserText:  raw,
		})
		if err != nil {
			slog.Warn("dictation: record turn", "session_id", active.id, "err", err)
		}
	}
	slog.Info("dictation: recording stopped", "session_id", active.id, "chars", len(raw))
	return raw, nil
}

// Abort cancels and discards an active session without waiting for the
// transcript.
func (c *Controller) Abort() error {
	active, err := c.getCurrent()
	if err != nil {
		return err
	}
	if !active.stopping.CompareAndSwap(false, true) {
		return ErrNoActiveSession
	}
	_ = c.capture.Close()
	<-active.audioDone
	c.closeSession(active)
	c.finish(active, nil)
	slog.Info("dictation: recording discarded", "session_id", active.id)
	return nil
}

// Status returns the current status. A session error is reported while the
// session is still waiting for Stop.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.starting:
		return Status{State: StateConnecting}
	case c.current == nil:
		return Status{State: StateIdle, Error: c.lastErr}
	}
	running, err := c.current.text.Result()
	st := Status{
		State:      c.current.getState(),
		Active:     true,
		SessionID:  c.current.id,
		Transcript: running,
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

func (c *Controller) getCurrent() (*activeSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, ErrNoActiveSession
	}
	return c.current, nil
}

func (c *Controller) closeSession(active *activeSession) {
	active.cancel()
	c.metrics.RecordFramesDropped(context.Background(), "queue_full", active.conn.Stats().AudioDropped)
	if err := active.conn.Close(); err != nil {
		slog.Warn("dictation: close session", "session_id", active.id, "err", err)
	}
	<-active.eventsDone
}

func (c *Controller) finish(active *activeSession, sessErr error) {
	active.setState(StateIdle)
	c.metrics.ActiveSessions.Add(context.Background(), -1, metric.WithAttributes(observe.Attr("mode", Mode)))

	c.mu.Lock()
	if c.current == active {
		c.current = nil
	}
	if sessErr != nil {
		c.lastErr = sessErr.Error()
	}
	c.mu.Unlock()
}

// ── Goroutines ──

func (c *Controller) pumpAudio(ctx context.Context, active *activeSession, frames <-chan []float32) {
	defer close(active.audioDone)

	var offset time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case samples, ok := <-frames:
			if !ok {
				return
			}
			active.conn.SendAudio(audio.NewFrame(samples, c.inputRate, offset))
			offset += time.Duration(len(samples)) * time.Second / time.Duration(c.inputRate)
		}
	}
}

func (c *Controller) consumeEvents(active *activeSession) {
	defer close(active.eventsDone)

	for ev := range active.conn.Events() {
		switch ev := ev.(type) {
		case s2s.PartialTranscript:
			if ev.Speaker != s2s.SpeakerUser || ev.Text == "" {
				continue
			}
			running := active.text.Add(ev.Text)
			if c.onPartial != nil {
				c.onPartial(running)
			}
		case s2s.TurnComplete:
			active.text.EndSegment()
			if active.stopping.Load() {
				active.markFlushed()
			}
		case s2s.Error:
			slog.Error("dictation: session error", "session_id", active.id, "message", ev.Message)
			c.metrics.RecordSessionError(context.Background(), c.transport.Name(), "transport")
			active.text.Fail(errors.New(ev.Message))
		}
	}
}

// ── Transcript ──

// text joins the user transcript across service turns. A dictation spans
// many turns; the accumulator only holds the current one.
type text struct {
	mu       sync.Mutex
	acc      transcript.Accumulator
	segments []string
	err      error
}

// Add appends a fragment and returns the running transcript.
func (t *text) Add(fragment string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acc.OnFragment(s2s.SpeakerUser, fragment)
	return t.joinLocked()
}

// EndSegment moves the current turn into the finished segments.
func (t *text) EndSegment() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seg := strings.TrimSpace(t.acc.OnTurnComplete().UserText); seg != "" {
		t.segments = append(t.segments, seg)
	}
}

// Fail records a session error.
func (t *text) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// Result returns the full transcript and the session error, if any.
func (t *text) Result() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joinLocked(), t.err
}

func (t *text) joinLocked() string {
	parts := t.segments
	if running := strings.TrimSpace(t.acc.Running().UserText); running != "" {
		parts = append(parts[:len(parts):len(parts)], running)
	}
	return strings.Join(parts, " ")
}
