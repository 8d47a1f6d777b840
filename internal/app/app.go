// Package app wires all deskvoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the selected mode until its context is cancelled,
// and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithTurnLog, WithMetrics, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/deskvoice/internal/config"
	"github.com/MrWong99/deskvoice/internal/dictation"
	"github.com/MrWong99/deskvoice/internal/health"
	"github.com/MrWong99/deskvoice/internal/observe"
	"github.com/MrWong99/deskvoice/internal/tools"
	"github.com/MrWong99/deskvoice/internal/tools/mcpsource"
	"github.com/MrWong99/deskvoice/internal/tools/suggest"
	"github.com/MrWong99/deskvoice/internal/turnlog"
	"github.com/MrWong99/deskvoice/internal/turnlog/postgres"
	"github.com/MrWong99/deskvoice/internal/voice"
	"github.com/MrWong99/deskvoice/pkg/audio"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
)

// Mode selects what Run does.
type Mode string

const (
	// ModeVoice runs a conversational voice session with tools and playback.
	ModeVoice Mode = "voice"

	// ModeDictation records until the run context is cancelled and writes
	// the transcript to the output.
	ModeDictation Mode = "dictation"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeVoice || m == ModeDictation
}

// Providers holds the device and service implementations. Populated by
// main.go via the config registry.
type Providers struct {
	// Transport opens sessions. Usually a resilience.TransportFallback.
	Transport s2s.Transport

	Capture audio.Source

	// Output plays synthesized speech. Required in [ModeVoice] only.
	Output audio.Sink
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	mode      Mode
	out       io.Writer
	now       func() time.Time
	snap      tools.ContextSnapshot

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics    *observe.Metrics
	turns      turnlog.Store
	pinger     func(context.Context) error
	registry   *tools.Registry
	mcp        *mcpsource.Source
	dispatcher *tools.Dispatcher
	voice      *voice.Controller
	sessions   *SessionManager
	dictation  *dictation.Controller
	admin      *http.Server
	adminLn    net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMode selects the run mode. Default: [ModeVoice].
func WithMode(m Mode) Option {
	return func(a *App) { a.mode = m }
}

// WithTurnLog injects a turn log store instead of creating one from config.
func WithTurnLog(s turnlog.Store) Option {
	return func(a *App) { a.turns = s }
}

// WithMetrics injects the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithOutput sets where dictation transcripts are written. Default: stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithClock sets the clock used by the builtin getCurrentTime tool.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithContextSnapshot sets the initial selection injected into tool calls.
func WithContextSnapshot(snap tools.ContextSnapshot) Option {
	return func(a *App) { a.snap = snap }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: turn log connection, tool
// registration including MCP servers, controller construction and binding
// the admin listener.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		mode:      ModeVoice,
		out:       os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if !a.mode.IsValid() {
		return nil, fmt.Errorf("app: unknown mode %q", a.mode)
	}
	if providers == nil || providers.Transport == nil || providers.Capture == nil {
		return nil, errors.New("app: a transport and a capture source are required")
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Turn log ──────────────────────────────────────────────────────
	if err := a.initTurnLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init turn log: %w", err)
	}

	// ── 2. Tools ─────────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 3. Controllers ───────────────────────────────────────────────────
	if err := a.initControllers(); err != nil {
		return nil, fmt.Errorf("app: init controllers: %w", err)
	}

	// ── 4. Admin server ──────────────────────────────────────────────────
	if err := a.initAdmin(); err != nil {
		return nil, fmt.Errorf("app: init admin server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTurnLog sets up the PostgreSQL turn log, or keeps turns in memory when
// no DSN is configured.
func (a *App) initTurnLog(ctx context.Context) error {
	if a.turns != nil {
		return nil
	}
	dsn := a.cfg.TurnLog.PostgresDSN
	if dsn == "" {
		a.turns = &turnlog.MemStore{}
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.turns = store
	a.pinger = store.Ping
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

func (a *App) initTools(ctx context.Context) error {
	a.registry = tools.NewRegistry()
	if err := tools.RegisterBuiltins(a.registry, a.now); err != nil {
		return err
	}

	a.mcp = mcpsource.New(a.registry)
	a.closers = append(a.closers, a.mcp.Close)
	for _, srv := range a.cfg.Tools.MCPServers {
		if err := a.mcp.Connect(ctx, srv); err != nil {
			return fmt.Errorf("connect mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name, "tools", len(a.mcp.Tools()[srv.Name]))
	}

	rules := tools.DefaultInjectionRules
	if len(a.cfg.Tools.Injection) > 0 {
		rules = a.cfg.Tools.Injection
	}
	a.dispatcher = tools.NewDispatcher(a.registry,
		tools.WithTimeout(a.cfg.Tools.Timeout),
		tools.WithStillWorking(a.cfg.Tools.StillWorking),
		tools.WithInjectionRules(rules),
		tools.WithMetrics(a.metrics),
		tools.WithSuggester(suggest.New()),
		tools.WithLateResult(func(o tools.Outcome) {
			slog.Info("tool finished after its placeholder was sent",
				"tool", o.Name, "call_id", o.ID, "status", o.Status, "duration", o.Duration)
		}),
	)
	return nil
}

func (a *App) initControllers() error {
	switch a.mode {
	case ModeVoice:
		if a.providers.Output == nil {
			return errors.New("voice mode requires an audio output")
		}
		a.voice = voice.New(a.providers.Transport, a.providers.Capture, a.providers.Output,
			voice.WithSessionConfig(s2s.SessionConfig{
				SystemInstruction: a.cfg.Session.SystemInstruction,
				ToolsEnabled:      a.cfg.Session.ToolsOn(),
				Voice:             a.cfg.Provider.Voice,
				SendQueue:         a.cfg.Session.SendQueue,
			}),
			voice.WithDispatcher(a.dispatcher),
			voice.WithTurnLog(a.turns),
			voice.WithMetrics(a.metrics),
			voice.WithInputRate(a.inputRate()),
			voice.WithContext(a.snap),
		)
		a.voice.OnTurnFinished(func(user, assistant string) {
			slog.Info("turn finished", "user", user, "assistant", assistant)
		})
		a.sessions = NewSessionManager(a.voice, a.cfg.Session.Reconnect)
		a.closers = append(a.closers, a.voice.Close)

	case ModeDictation:
		opts := []dictation.Option{
			dictation.WithSystemInstruction(a.cfg.Session.DictationInstruction),
			dictation.WithVoice(a.cfg.Provider.Voice),
			dictation.WithSendQueue(a.cfg.Session.SendQueue),
			dictation.WithInputRate(a.inputRate()),
			dictation.WithMetrics(a.metrics),
			dictation.WithTurnLog(a.turns),
			dictation.WithOnPartial(func(text string) {
				slog.Debug("dictation partial", "text", text)
			}),
		}
		if a.cfg.Session.DictationGrace > 0 {
			opts = append(opts, dictation.WithGrace(a.cfg.Session.DictationGrace))
		}
		a.dictation = dictation.New(a.providers.Transport, a.providers.Capture, opts...)
	}
	return nil
}

func (a *App) inputRate() int {
	if a.cfg.Audio.InputRate > 0 {
		return a.cfg.Audio.InputRate
	}
	return audio.InputSampleRate
}

// initAdmin binds the admin listener so address errors surface from New.
func (a *App) initAdmin() error {
	addr := a.cfg.Server.AdminAddr
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.adminLn = ln
	a.admin = &http.Server{
		Handler:           a.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// AdminHandler returns the /healthz, /readyz and /metrics routes wrapped in
// the observability middleware.
func (a *App) AdminHandler() http.Handler {
	var checkers []health.Checker
	if a.pinger != nil {
		checkers = append(checkers, health.Checker{Name: "turnlog", Check: a.pinger})
	}
	checkers = append(checkers, health.Checker{Name: "tools", Check: func(context.Context) error {
		if len(a.registry.Names()) == 0 {
			return errors.New("no tools registered")
		}
		return nil
	}})

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run executes the selected mode and serves the admin endpoints until ctx is
// cancelled or the session fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.admin != nil {
		g.Go(func() error {
			slog.Info("admin server listening", "addr", a.adminLn.Addr().String())
			if err := a.admin.Serve(a.adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
			defer cancel()
			return a.admin.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		switch a.mode {
		case ModeDictation:
			return a.runDictation(ctx)
		default:
			return a.sessions.Run(ctx)
		}
	})

	slog.Info("app running", "mode", a.mode)
	return g.Wait()
}

// runDictation records until ctx is done, then writes the transcript.
func (a *App) runDictation(ctx context.Context) error {
	if err := a.dictation.Start(ctx); err != nil {
		return fmt.Errorf("app: start dictation: %w", err)
	}
	slog.Info("dictation recording, cancel to finish", "session_id", a.dictation.Status().SessionID)
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	text, err := a.dictation.Stop(stopCtx)
	if err != nil {
		if errors.Is(err, dictation.ErrNoTranscript) {
			slog.Warn("dictation produced no transcript")
			return ctx.Err()
		}
		return fmt.Errorf("app: stop dictation: %w", err)
	}
	if _, err := fmt.Fprintln(a.out, text); err != nil {
		return fmt.Errorf("app: write transcript: %w", err)
	}
	return ctx.Err()
}

// SetContext replaces the selection injected into subsequent tool calls.
func (a *App) SetContext(snap tools.ContextSnapshot) {
	if a.voice != nil {
		a.voice.SetContext(snap)
	}
}

// Sessions returns the voice session manager, nil in dictation mode.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Tools returns the registered tool names.
func (a *App) Tools() []string { return a.registry.Names() }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.dictation != nil {
			if err := a.dictation.Abort(); err != nil && !errors.Is(err, dictation.ErrNoActiveSession) {
				slog.Warn("dictation abort error", "err", err)
			}
		}
		if a.adminLn != nil {
			_ = a.adminLn.Close()
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		if a.providers.Output != nil {
			if err := a.providers.Output.Close(); err != nil {
				slog.Warn("audio output close error", "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
