// Package voice implements the voice session controller: the state machine
// that wires microphone capture, the speech-to-speech session, tool dispatch
// and gapless playback together.
//
// Every input to a [Controller] (capture frames, inbound session events,
// playback completions, tool results and API calls) is turned into a message
// on one channel and handled by a single loop goroutine. Each session gets a
// new epoch; messages stamped with an older epoch are discarded, so work that
// resolves after [Controller.Stop] never touches a later session.
package voice

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/deskvoice/internal/observe"
	"github.com/MrWong99/deskvoice/internal/tools"
	"github.com/MrWong99/deskvoice/internal/turnlog"
	"github.com/MrWong99/deskvoice/pkg/audio"
	"github.com/MrWong99/deskvoice/pkg/audio/playback"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
)

// Mode is the metrics and turn log label for voice sessions.
const Mode = "voice"

var (
	// ErrClosed is returned by API calls after [Controller.Close].
	ErrClosed = errors.New("voice: controller is closed")

	// ErrStopped is returned by [Controller.Start] when Stop was called
	// before the session opened.
	ErrStopped = errors.New("voice: stopped before the session opened")
)

// State is the controller lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateStopping
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Status is the read-only view of a controller handed to the UI.
type Status struct {
	State     State
	SessionID string

	IsConnecting bool
	IsRecording  bool
	IsSpeaking   bool
	IsThinking   bool

	UserTranscript      string
	AssistantTranscript string

	// Error is the last failure, cleared by the next Start.
	Error string
}

// Option configures a [Controller].
type Option func(*Controller)

// WithSessionConfig sets the base session configuration. When ToolsEnabled is
// true and Tools is empty, the dispatcher's registered tools are offered.
func WithSessionConfig(cfg s2s.SessionConfig) Option {
	return func(c *Controller) { c.sessionCfg = cfg }
}

// WithDispatcher sets the tool dispatcher. Default: an empty registry, so
// every tool call is answered as unsupported.
func WithDispatcher(d *tools.Dispatcher) Option {
	return func(c *Controller) { c.dispatcher = d }
}

// WithTurnLog records finished turns and tool calls to store.
func WithTurnLog(store turnlog.Store) Option {
	return func(c *Controller) { c.turnlog = store }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithPlaybackClock replaces the clock of every session's playback scheduler.
func WithPlaybackClock(clk playback.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithInputRate sets the capture sample rate. Default: [audio.InputSampleRate].
func WithInputRate(rate int) Option {
	return func(c *Controller) { c.inputRate = rate }
}

// WithContext sets the initial UI selection used for context injection.
func WithContext(snap tools.ContextSnapshot) Option {
	return func(c *Controller) { c.snap = snap }
}

// Controller is the voice session state machine. At most one session is live
// at a time. All methods are safe for concurrent use.
type Controller struct {
	transport  s2s.Transport
	capture    audio.Source
	sink       audio.Sink
	sessionCfg s2s.SessionConfig
	dispatcher *tools.Dispatcher
	turnlog    turnlog.Store
	metrics    *observe.Metrics
	clock      playback.Clock
	inputRate  int

	msgs      chan message
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// bg tracks goroutines that outlive a message: connects, pumps, event
	// readers, dispatches and turn log writes.
	bg sync.WaitGroup

	cbMu           sync.Mutex
	onStatus       func(Status)
	onTurnFinished func(user, assistant string)

	statusMu sync.Mutex
	status   Status

	// Loop-owned state below.
	snap    tools.ContextSnapshot
	sess    *session
	epoch   uint64
	lastErr string
}

// New returns a controller streaming from capture to transport and playing
// synthesized speech on sink. The loop goroutine runs until [Controller.Close].
func New(transport s2s.Transport, capture audio.Source, sink audio.Sink, opts ...Option) *Controller {
	c := &Controller{
		transport: transport,
		capture:   capture,
		sink:      sink,
		inputRate: audio.InputSampleRate,
		msgs:      make(chan message, 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.dispatcher == nil {
		c.dispatcher = tools.NewDispatcher(tools.NewRegistry(), tools.WithMetrics(c.metrics))
	}
	go c.run()
	return c
}

// Start opens capture and a new session and blocks until the session is
// active or the attempt failed. It is a no-op unless the controller is idle.
// Cancelling ctx aborts the handshake; it does not end an active session.
func (c *Controller) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	if !c.post(startReq{ctx: ctx, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Stop ends the current session from any state and returns once the
// controller is idle again. Stopping mid-connect aborts the handshake. ctx
// only bounds the wait; teardown completes regardless.
func (c *Controller) Stop(ctx context.Context) error {
	reply := make(chan struct{})
	if !c.post(stopReq{reply: reply}) {
		return nil
	}
	select {
	case <-reply:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetContext replaces the UI selection used for subsequent tool calls.
func (c *Controller) SetContext(snap tools.ContextSnapshot) {
	c.post(contextReq{snap: snap})
}

// Status returns the latest published status.
func (c *Controller) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

// OnStatus registers fn to receive every status change. fn runs on the
// controller loop and must not block or call back into the controller.
func (c *Controller) OnStatus(fn func(Status)) {
	c.cbMu.Lock()
	c.onStatus = fn
	c.cbMu.Unlock()
}

// OnTurnFinished registers fn to receive the final user and assistant text of
// every turn. It runs on the controller loop and must not block.
func (c *Controller) OnTurnFinished(fn func(user, assistant string)) {
	c.cbMu.Lock()
	c.onTurnFinished = fn
	c.cbMu.Unlock()
}

// Close stops any session, ends the loop and waits for background work.
// The audio sink is not closed. Close is idempotent.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
	})
	<-c.done
	c.bg.Wait()
	c.drain()
	return nil
}

// post queues m for the loop and reports false once the controller is closed.
func (c *Controller) post(m message) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.msgs <- m:
		return true
	case <-c.quit:
		return false
	}
}
