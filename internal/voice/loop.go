package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/deskvoice/internal/observe"
	"github.com/MrWong99/deskvoice/internal/tools"
	"github.com/MrWong99/deskvoice/internal/transcript"
	"github.com/MrWong99/deskvoice/internal/turnlog"
	"github.com/MrWong99/deskvoice/pkg/audio"
	"github.com/MrWong99/deskvoice/pkg/audio/playback"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
)

// storeTimeout bounds a single turn log write.
const storeTimeout = 5 * time.Second

var (
	errCaptureEnded = errors.New("audio capture ended")
	errRemoteClosed = errors.New("session closed by the service")
)

// ── Messages ──

type message any

type startReq struct {
	ctx   context.Context
	reply chan error
}

type stopReq struct {
	reply chan struct{}
}

type contextReq struct {
	snap tools.ContextSnapshot
}

type connected struct {
	epoch  uint64
	frames <-chan []float32
	conn   s2s.Session
	err    error
}

type captured struct {
	epoch uint64
	frame audio.AudioFrame
}

type captureEnded struct {
	epoch uint64
}

type inbound struct {
	epoch uint64
	ev    s2s.Event
}

type toolDone struct {
	epoch uint64
	seq   uint64
	out   tools.Outcome
}

type playbackDone struct {
	epoch uint64
}

// session is the loop-owned state of one Start..Stop cycle.
type session struct {
	epoch  uint64
	id     string
	state  State
	ctx    context.Context
	cancel context.CancelFunc

	conn  s2s.Session
	sched *playback.Scheduler
	acc   transcript.Accumulator
	shown transcript.Turn

	// pending is keyed by a per-session call sequence, not by the service's
	// call ID, which may be empty or repeated.
	pending  map[uint64]struct{}
	callSeq  uint64
	speaking bool
	thinking bool

	startReply  chan error
	stopWaiters []chan struct{}
}

// ── Loop ──

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			c.shutdown()
			return
		case m := <-c.msgs:
			c.handle(m)
			c.publish()
		}
	}
}

func (c *Controller) handle(m message) {
	switch m := m.(type) {
	case startReq:
		c.handleStart(m)
	case stopReq:
		c.handleStop(m)
	case contextReq:
		c.snap = m.snap
	case connected:
		c.handleConnected(m)
	case captured:
		if s := c.active(m.epoch); s != nil {
			s.conn.SendAudio(m.frame)
		}
	case captureEnded:
		if s := c.active(m.epoch); s != nil {
			slog.Warn("voice: capture stream ended", "session_id", s.id)
			c.metrics.RecordSessionError(s.ctx, c.transport.Name(), "capture")
			c.teardown(s, errCaptureEnded)
		}
	case inbound:
		if s := c.active(m.epoch); s != nil {
			c.handleEvent(s, m.ev)
		}
	case toolDone:
		c.handleToolDone(m)
	case playbackDone:
		if s := c.active(m.epoch); s != nil && s.sched.Playing() == 0 {
			s.speaking = false
		}
	}
}

// active returns the current session if it is active and belongs to epoch.
func (c *Controller) active(epoch uint64) *session {
	s := c.sess
	if s == nil || s.epoch != epoch || s.state != StateActive {
		return nil
	}
	return s
}

func (c *Controller) handleStart(m startReq) {
	if c.sess != nil {
		m.reply <- nil
		return
	}

	c.epoch++
	s := &session{
		epoch:      c.epoch,
		id:         uuid.NewString(),
		state:      StateConnecting,
		pending:    make(map[uint64]struct{}),
		startReply: m.reply,
	}
	s.ctx, s.cancel = context.WithCancel(observe.WithSessionID(context.WithoutCancel(m.ctx), s.id))
	c.sess = s
	c.lastErr = ""

	cfg := c.sessionConfig()
	c.bg.Go(func() { c.connect(m.ctx, s, cfg) })
}

func (c *Controller) sessionConfig() s2s.SessionConfig {
	cfg := c.sessionCfg
	switch {
	case !cfg.ToolsEnabled:
		cfg.Tools = nil
	case len(cfg.Tools) == 0:
		cfg.Tools = c.dispatcher.Registry().Definitions()
	}
	return cfg
}

// connect opens capture and the transport session off the loop and hands
// the result back as a [connected] message.
func (c *Controller) connect(startCtx context.Context, s *session, cfg s2s.SessionConfig) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(startCtx, cancel)
	defer stop()

	ctx, span := observe.StartSpan(ctx, "voice.connect",
		trace.WithAttributes(attribute.String("transport", c.transport.Name())),
	)
	defer span.End()

	res := connected{epoch: s.epoch}
	frames, err := c.capture.Open(s.ctx)
	if err != nil {
		res.err = fmt.Errorf("voice: open capture: %w", err)
	} else {
		res.frames = frames
		start := time.Now()
		res.conn, res.err = c.transport.Connect(ctx, cfg)
		status := "ok"
		if res.err != nil {
			status = "error"
		}
		c.metrics.RecordConnect(s.ctx, c.transport.Name(), status, time.Since(start))
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, "connect failed")
	}

	if !c.post(res) {
		c.release(res)
	}
}

// release closes whatever a connect attempt acquired.
func (c *Controller) release(res connected) {
	if res.conn != nil {
		if err := res.conn.Close(); err != nil {
			slog.Warn("voice: close session", "err", err)
		}
	}
	if res.frames != nil {
		if err := c.capture.Close(); err != nil {
			slog.Warn("voice: close capture", "err", err)
		}
		go audio.Drain(res.frames)
	}
}

func (c *Controller) handleConnected(m connected) {
	s := c.sess
	if s == nil || s.epoch != m.epoch {
		c.release(m)
		return
	}

	switch {
	case s.state == StateStopping:
		c.release(m)
		c.finish(s, nil)
		return
	case m.err != nil:
		c.release(m)
		slog.Warn("voice: session failed to start", "session_id", s.id, "err", m.err)
		kind := "connect"
		var derr *audio.DeviceError
		if errors.As(m.err, &derr) {
			kind = "device"
		}
		c.metrics.RecordSessionError(s.ctx, c.transport.Name(), kind)
		c.finish(s, m.err)
		return
	}

	epoch := s.epoch
	opts := []playback.Option{
		playback.WithOnAllFinished(func() { c.post(playbackDone{epoch: epoch}) }),
	}
	if c.clock != nil {
		opts = append(opts, playback.WithClock(c.clock))
	}
	s.conn = m.conn
	s.sched = playback.New(c.sink, opts...)
	s.state = StateActive

	c.metrics.ActiveSessions.Add(s.ctx, 1, metric.WithAttributes(observe.Attr("mode", Mode)))
	c.bg.Go(func() { c.pump(s, m.frames) })
	c.bg.Go(func() { c.read(s) })

	slog.Info("voice: session started", "session_id", s.id, "transport", c.transport.Name())
	s.startReply <- nil
	s.startReply = nil
}

func (c *Controller) handleStop(m stopReq) {
	s := c.sess
	if s == nil {
		close(m.reply)
		return
	}
	s.stopWaiters = append(s.stopWaiters, m.reply)
	switch s.state {
	case StateConnecting:
		s.state = StateStopping
		s.cancel()
	case StateActive:
		c.teardown(s, nil)
	}
}

// teardown closes an active session. cause is surfaced as the status error
// when non-nil.
func (c *Controller) teardown(s *session, cause error) {
	if s.state == StateActive {
		s.state = StateStopping
		c.publish()

		s.cancel()
		s.sched.StopAll()
		c.metrics.RecordFramesDropped(s.ctx, "queue_full", s.conn.Stats().AudioDropped)
		if err := s.conn.Close(); err != nil {
			slog.Warn("voice: close session", "session_id", s.id, "err", err)
		}
		if err := c.capture.Close(); err != nil {
			slog.Warn("voice: close capture", "session_id", s.id, "err", err)
		}
		c.metrics.ActiveSessions.Add(s.ctx, -1, metric.WithAttributes(observe.Attr("mode", Mode)))
		slog.Info("voice: session stopped", "session_id", s.id, "cause", cause)
	}
	c.finish(s, cause)
}

// finish returns the controller to idle and releases every waiter of s.
func (c *Controller) finish(s *session, cause error) {
	s.cancel()
	if c.sess == s {
		c.sess = nil
	}
	if cause != nil {
		c.lastErr = cause.Error()
	}
	if s.startReply != nil {
		if cause == nil {
			cause = ErrStopped
		}
		s.startReply <- cause
		s.startReply = nil
	}
	for _, w := range s.stopWaiters {
		close(w)
	}
	s.stopWaiters = nil
}

func (c *Controller) shutdown() {
	if s := c.sess; s != nil {
		if s.state == StateActive {
			c.teardown(s, nil)
		} else {
			// The connect goroutine releases its own result once posting fails.
			c.finish(s, nil)
		}
	}
	c.publish()
}

// drain releases connect results that were queued but never handled.
func (c *Controller) drain() {
	for {
		select {
		case m := <-c.msgs:
			if res, ok := m.(connected); ok {
				c.release(res)
			}
		default:
			return
		}
	}
}

// ── Session events ──

func (c *Controller) handleEvent(s *session, ev s2s.Event) {
	switch ev := ev.(type) {
	case s2s.PartialTranscript:
		// User transcription may trail the start of the reply, so only the
		// service's Interrupted signal cancels playback.
		s.acc.OnFragment(ev.Speaker, ev.Text)
		s.shown = s.acc.Running()

	case s2s.AudioChunk:
		it, err := s.sched.Enqueue(ev.Data)
		if err != nil {
			status := "sink_error"
			var derr *playback.DecodeError
			if errors.As(err, &derr) {
				status = "malformed"
			} else {
				slog.Warn("voice: playback enqueue failed", "session_id", s.id, "err", err)
			}
			c.metrics.RecordPlaybackChunk(s.ctx, status)
			return
		}
		if it.ID == 0 {
			return
		}
		c.metrics.RecordPlaybackChunk(s.ctx, "ok")
		s.speaking = true

	case s2s.ToolCallRequest:
		s.callSeq++
		seq := s.callSeq
		s.pending[seq] = struct{}{}
		s.thinking = true
		snap := c.snap
		c.bg.Go(func() { c.dispatch(s, seq, ev, snap) })

	case s2s.Interrupted:
		if s.speaking {
			c.bargeIn(s)
		}

	case s2s.TurnComplete:
		turn := s.acc.OnTurnComplete()
		s.shown = turn
		s.thinking = false
		c.metrics.RecordTurn(s.ctx, Mode)

		c.cbMu.Lock()
		cb := c.onTurnFinished
		c.cbMu.Unlock()
		if cb != nil {
			cb(turn.UserText, turn.AssistantText)
		}
		c.recordTurn(s.id, turn)

	case s2s.Error:
		slog.Error("voice: session error", "session_id", s.id, "message", ev.Message)
		c.metrics.RecordSessionError(s.ctx, c.transport.Name(), "transport")
		c.teardown(s, errors.New(ev.Message))

	case s2s.Closed:
		slog.Warn("voice: session closed by remote", "session_id", s.id)
		c.metrics.RecordSessionError(s.ctx, c.transport.Name(), "closed")
		c.teardown(s, errRemoteClosed)
	}
}

func (c *Controller) bargeIn(s *session) {
	s.sched.StopAll()
	s.speaking = false
	c.metrics.BargeIns.Add(s.ctx, 1)
	slog.Debug("voice: barge-in, playback stopped", "session_id", s.id)
}

func (c *Controller) handleToolDone(m toolDone) {
	s := c.active(m.epoch)
	if s == nil {
		slog.Debug("voice: discarding tool result of ended session",
			"tool", m.out.Name, "call_id", m.out.ID)
		return
	}
	s.conn.SendToolResult(m.out.ToolResult)
	delete(s.pending, m.seq)
	if len(s.pending) == 0 {
		s.thinking = false
	}
}

// ── Background work ──

func (c *Controller) pump(s *session, frames <-chan []float32) {
	var offset time.Duration
	for {
		select {
		case <-s.ctx.Done():
			return
		case samples, ok := <-frames:
			if !ok {
				c.post(captureEnded{epoch: s.epoch})
				return
			}
			frame := audio.NewFrame(samples, c.inputRate, offset)
			offset += time.Duration(len(samples)) * time.Second / time.Duration(c.inputRate)
			if !c.post(captured{epoch: s.epoch, frame: frame}) {
				return
			}
		}
	}
}

func (c *Controller) read(s *session) {
	events := s.conn.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !c.post(inbound{epoch: s.epoch, ev: ev}) {
				return
			}
		}
	}
}

func (c *Controller) dispatch(s *session, seq uint64, req s2s.ToolCallRequest, snap tools.ContextSnapshot) {
	out := c.dispatcher.Dispatch(s.ctx, req, snap)
	c.post(toolDone{epoch: s.epoch, seq: seq, out: out})

	if c.turnlog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := c.turnlog.RecordToolCall(ctx, turnlog.ToolCallRecord{
		SessionID: s.id,
		CallID:    out.ID,
		Tool:      out.Name,
		Args:      out.Args,
		Result:    out.Result,
		Status:    out.Status,
		Duration:  out.Duration,
	})
	if err != nil {
		slog.Warn("voice: record tool call", "session_id", s.id, "err", err)
	}
}

func (c *Controller) recordTurn(sessionID string, turn transcript.Turn) {
	if c.turnlog == nil || turn.Empty() {
		return
	}
	c.bg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		err := c.turnlog.RecordTurn(ctx, turnlog.TurnRecord{
			SessionID:     sessionID,
			Mode:          Mode,
			UserText:      turn.UserText,
			AssistantText: turn.AssistantText,
		})
		if err != nil {
			slog.Warn("voice: record turn", "session_id", sessionID, "err", err)
		}
	})
}

// ── Status ──

// publish stores the status derived from loop state and notifies the
// OnStatus callback when it changed.
func (c *Controller) publish() {
	st := Status{Error: c.lastErr}
	if s := c.sess; s != nil {
		st.State = s.state
		st.SessionID = s.id
		st.IsConnecting = s.state == StateConnecting
		st.IsRecording = s.state == StateActive
		st.IsSpeaking = s.state == StateActive && s.speaking
		st.IsThinking = s.state == StateActive && s.thinking
		st.UserTranscript = s.shown.UserText
		st.AssistantTranscript = s.shown.AssistantText
	}

	c.statusMu.Lock()
	changed := st != c.status
	c.status = st
	c.statusMu.Unlock()
	if !changed {
		return
	}

	c.cbMu.Lock()
	cb := c.onStatus
	c.cbMu.Unlock()
	if cb != nil {
		cb(st)
	}
}
