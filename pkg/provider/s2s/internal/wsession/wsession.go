// Package wsession implements the connection mechanics shared by the
// WebSocket-based s2s transports: lifecycle tracking, the outbound writer with
// its drop-oldest audio queue, keepalive pings and the ordered event stream.
//
// Providers supply a [Codec] that translates between their wire protocol and
// s2s types; everything else lives here.
package wsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/deskvoice/pkg/audio"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
)

var _ s2s.Session = (*Session)(nil)

const (
	eventBuffer = 64

	DefaultKeepaliveInterval = 20 * time.Second
	DefaultKeepaliveTimeout  = 5 * time.Second
	DefaultHandshakeTimeout  = 15 * time.Second
)

// Codec translates between s2s values and a provider's wire messages.
//
// Decode is only ever called from the session's read goroutine, so a codec
// may keep per-session parsing state without locking. EncodeAudio and
// EncodeToolResult may be called concurrently.
type Codec interface {
	EncodeAudio(frame audio.AudioFrame) ([]byte, error)
	EncodeToolResult(res s2s.ToolResult) ([][]byte, error)
	Decode(data []byte) ([]s2s.Event, error)
}

// Replier is implemented by codecs that answer some inbound frames on the
// wire. Replies is called on the read goroutine after every Decode and its
// messages are queued as control messages.
type Replier interface {
	Replies() [][]byte
}

// Config tunes a [Session].
type Config struct {
	// Transport names the provider in logs.
	Transport string

	// SendQueue bounds queued audio frames. Zero uses [s2s.DefaultSendQueue].
	SendQueue int

	// KeepaliveInterval is the ping period. Zero uses [DefaultKeepaliveInterval];
	// negative disables pings.
	KeepaliveInterval time.Duration

	// KeepaliveTimeout bounds each ping. Zero uses [DefaultKeepaliveTimeout].
	KeepaliveTimeout time.Duration
}

// Session is a running WebSocket session.
type Session struct {
	cfg   Config
	conn  *websocket.Conn
	codec Codec

	life   s2s.Lifecycle
	out    *s2s.Outbox
	events chan s2s.Event

	ctx        context.Context
	cancel     context.CancelFunc
	stopped    chan struct{}
	userClosed atomic.Bool
	closeOnce  sync.Once
	wg         sync.WaitGroup

	mu  sync.Mutex
	err error
}

// New wraps an established connection. The session is in the Connecting
// state until [Session.Start]; use [Handshake] in between.
func New(conn *websocket.Conn, codec Codec, cfg Config) *Session {
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.KeepaliveTimeout == 0 {
		cfg.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		conn:    conn,
		codec:   codec,
		out:     s2s.NewOutbox(cfg.SendQueue),
		events:  make(chan s2s.Event, eventBuffer),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	s.life.Advance(s2s.StateConnecting)
	return s
}

// Start moves the session to Open and launches its goroutines.
func (s *Session) Start() {
	s.life.Advance(s2s.StateOpen)
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	if s.cfg.KeepaliveInterval > 0 {
		s.wg.Add(1)
		go s.keepaliveLoop()
	}
}

// Abort tears down a session whose handshake failed.
func (s *Session) Abort(reason string) {
	s.life.Fail()
	s.cancel()
	s.out.Close()
	_ = s.conn.Close(websocket.StatusInternalError, reason)
	close(s.events)
}

// Handshake writes setup and reads frames until ack reports completion, ack
// fails, or timeout elapses. Frames read here are not surfaced as events.
func Handshake(ctx context.Context, conn *websocket.Conn, setup []byte, timeout time.Duration, ack func(data []byte) (bool, error)) error {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if setup != nil {
		if err := conn.Write(ctx, websocket.MessageText, setup); err != nil {
			return fmt.Errorf("write setup: %w", err)
		}
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await acknowledgement: %w", err)
		}
		done, err := ack(data)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// ── s2s.Session ──────────────────────────────────────────────────────────────

// SendAudio implements [s2s.Session].
func (s *Session) SendAudio(frame audio.AudioFrame) {
	if s.life.Load() != s2s.StateOpen {
		return
	}
	msg, err := s.codec.EncodeAudio(frame)
	if err != nil || msg == nil {
		return
	}
	if s.out.PushAudio(msg) {
		slog.Debug("s2s: outbound queue full, dropped oldest audio frame", "transport", s.cfg.Transport)
	}
}

// SendToolResult implements [s2s.Session].
func (s *Session) SendToolResult(res s2s.ToolResult) {
	if s.life.Load() != s2s.StateOpen {
		return
	}
	msgs, err := s.codec.EncodeToolResult(res)
	if err != nil {
		slog.Warn("s2s: encode tool result", "transport", s.cfg.Transport, "id", res.ID, "err", err)
		return
	}
	for _, m := range msgs {
		s.out.PushControl(m)
	}
}

// Events implements [s2s.Session].
func (s *Session) Events() <-chan s2s.Event { return s.events }

// State implements [s2s.Session].
func (s *Session) State() s2s.State { return s.life.Load() }

// Stats implements [s2s.Session].
func (s *Session) Stats() s2s.Stats { return s.out.Stats() }

// Close implements [s2s.Session].
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.userClosed.Store(true)
		close(s.stopped)
		s.life.Advance(s2s.StateClosing)
		s.out.Close()
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
		s.life.Advance(s2s.StateClosed)
	})
	return nil
}

// ── goroutines ───────────────────────────────────────────────────────────────

func (s *Session) readLoop() {
	defer s.wg.Done()
	fatal := ""
	defer func() { s.finish(fatal) }()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if !s.userClosed.Load() {
				fatal = s.fail(err)
			}
			return
		}
		evs, err := s.codec.Decode(data)
		if err != nil {
			slog.Debug("s2s: skipping malformed frame", "transport", s.cfg.Transport, "err", err)
			continue
		}
		if r, ok := s.codec.(Replier); ok {
			for _, m := range r.Replies() {
				s.out.PushControl(m)
			}
		}
		for _, ev := range evs {
			if !s.emit(ev) {
				return
			}
			if e, ok := ev.(s2s.Error); ok {
				s.fail(errors.New(e.Message))
				return
			}
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		msg, err := s.out.Next(s.ctx)
		if err != nil {
			return
		}
		if err := s.conn.Write(s.ctx, websocket.MessageText, msg); err != nil {
			if !s.userClosed.Load() {
				s.fail(fmt.Errorf("write: %w", err))
			}
			return
		}
	}
}

func (s *Session) keepaliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, s.cfg.KeepaliveTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil && s.ctx.Err() == nil {
				s.fail(fmt.Errorf("keepalive: %w", err))
				return
			}
		}
	}
}

// fail records the first fatal error, moves to Closed and unblocks every
// goroutine. It returns the message of the first recorded error.
func (s *Session) fail(err error) string {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	first := s.err
	s.mu.Unlock()

	if s.life.Fail() {
		slog.Warn("s2s: session failed", "transport", s.cfg.Transport, "err", first)
	}
	s.out.Close()
	s.cancel()
	_ = s.conn.CloseNow()
	return first.Error()
}

// finish emits the terminal events and closes the stream. It runs once, on
// the read goroutine, which is the only sender on events.
func (s *Session) finish(fatal string) {
	if fatal != "" {
		s.emit(s2s.Error{Message: fatal})
	}
	s.emit(s2s.Closed{})
	close(s.events)
}

func (s *Session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stopped:
		return false
	}
}
