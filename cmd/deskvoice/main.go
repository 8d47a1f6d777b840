// Command deskvoice runs the voice command pipeline against the default
// microphone and speaker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/deskvoice/internal/app"
	"github.com/MrWong99/deskvoice/internal/config"
	"github.com/MrWong99/deskvoice/internal/observe"
	"github.com/MrWong99/deskvoice/internal/resilience"
	"github.com/MrWong99/deskvoice/internal/tools"
	"github.com/MrWong99/deskvoice/pkg/audio"
	"github.com/MrWong99/deskvoice/pkg/audio/ffmpeg"
	"github.com/MrWong99/deskvoice/pkg/audio/portaudio"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s/gemini"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	mode := flag.String("mode", string(app.ModeVoice), "run mode: voice or dictation")
	businessLine := flag.String("business-line", "", "business line id injected into tool calls")
	client := flag.String("client", "", "client id injected into tool calls")
	deal := flag.String("deal", "", "deal id injected into tool calls")
	flag.Parse()

	runMode := app.Mode(*mode)
	if !runMode.IsValid() {
		fmt.Fprintf(os.Stderr, "deskvoice: unknown mode %q; use voice or dictation\n", *mode)
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "deskvoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "deskvoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("deskvoice starting",
		"version", version,
		"config", *configPath,
		"mode", runMode,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
		Transport:      transportChain(cfg),
		Mode:           string(runMode),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		applyReload(&level, config.Diff(cfg, next))
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Backends ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	providers, err := buildProviders(cfg, reg, runMode)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg, runMode)

	application, err := app.New(ctx, cfg, providers,
		app.WithMode(runMode),
		app.WithContextSnapshot(tools.ContextSnapshot{
			BusinessLineID: *businessLine,
			ClientID:       *client,
			DealID:         *deal,
		}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if runMode == app.ModeDictation {
		slog.Info("dictating; press Ctrl+C to finish")
	} else {
		slog.Info("listening; press Ctrl+C to shut down")
	}

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the transports and audio devices that ship
// with deskvoice into reg.
func registerBuiltinBackends(reg *config.Registry) {
	// ── Transports ────────────────────────────────────────────────────────────
	reg.RegisterTransport(gemini.Name, func(entry config.ProviderEntry) (s2s.Transport, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if d, err := optDuration(entry, "handshake_timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, gemini.WithHandshakeTimeout(d))
		}
		if d, err := optDuration(entry, "keepalive"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, gemini.WithKeepalive(d))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTransport(openai.Name, func(entry config.ProviderEntry) (s2s.Transport, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if m, ok := entry.Options["transcription_model"].(string); ok && m != "" {
			opts = append(opts, openai.WithTranscriptionModel(m))
		}
		if d, err := optDuration(entry, "handshake_timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, openai.WithHandshakeTimeout(d))
		}
		if d, err := optDuration(entry, "keepalive"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, openai.WithKeepalive(d))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	// ── Capture ───────────────────────────────────────────────────────────────
	reg.RegisterCapture(config.CapturePortAudio, func(cfg config.AudioConfig) (audio.Source, error) {
		var opts []portaudio.CaptureOption
		if cfg.InputRate > 0 {
			opts = append(opts, portaudio.WithSampleRate(cfg.InputRate))
		}
		if cfg.FrameSize > 0 {
			opts = append(opts, portaudio.WithFrameSize(cfg.FrameSize))
		}
		return portaudio.NewCapture(opts...), nil
	})

	reg.RegisterCapture(config.CaptureFFmpeg, func(cfg config.AudioConfig) (audio.Source, error) {
		opts := []ffmpeg.Option{ffmpeg.WithInput(cfg.FFmpeg.Format, cfg.FFmpeg.Device)}
		if cfg.FFmpeg.Command != "" {
			opts = append(opts, ffmpeg.WithCommand(cfg.FFmpeg.Command))
		}
		if cfg.InputRate > 0 {
			opts = append(opts, ffmpeg.WithSampleRate(cfg.InputRate))
		}
		if cfg.FrameSize > 0 {
			opts = append(opts, ffmpeg.WithFrameSize(cfg.FrameSize))
		}
		return ffmpeg.New(opts...), nil
	})

	// ── Output ────────────────────────────────────────────────────────────────
	reg.RegisterOutput(func(cfg config.AudioConfig) (audio.Sink, error) {
		rate := cfg.OutputRate
		if rate <= 0 {
			rate = audio.OutputSampleRate
		}
		return portaudio.NewOutput(portaudio.WithOutputFormat(audio.Format{SampleRate: rate, Channels: 1}))
	})
}

// transportChain lists the configured transports in failover order.
func transportChain(cfg *config.Config) string {
	names := []string{cfg.Provider.Name}
	for _, fb := range cfg.Fallbacks {
		names = append(names, fb.Name)
	}
	return strings.Join(names, ",")
}

// buildProviders instantiates the transport chain and audio devices named in
// cfg. Fallback transports sit behind per-transport circuit breakers.
func buildProviders(cfg *config.Config, reg *config.Registry, mode app.Mode) (*app.Providers, error) {
	primary, err := reg.CreateTransport(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("create transport %q: %w", cfg.Provider.Name, err)
	}
	chain := resilience.NewTransportFallback(primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Session.Breaker.MaxFailures,
			ResetTimeout: cfg.Session.Breaker.ResetTimeout,
		},
	})
	for _, entry := range cfg.Fallbacks {
		t, err := reg.CreateTransport(entry)
		if err != nil {
			return nil, fmt.Errorf("create fallback transport %q: %w", entry.Name, err)
		}
		chain.AddFallback(t)
	}

	capture, err := reg.CreateCapture(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create capture: %w", err)
	}

	p := &app.Providers{Transport: chain, Capture: capture}
	if mode == app.ModeVoice {
		out, err := reg.CreateOutput(cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("create audio output: %w", err)
		}
		p.Output = out
	}
	return p, nil
}

// optDuration reads a duration option given either as a string ("20s") or a
// number of seconds.
func optDuration(entry config.ProviderEntry, key string) (time.Duration, error) {
	switch v := entry.Options[key].(type) {
	case nil:
		return 0, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("provider %q: options.%s: %w", entry.Name, key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("provider %q: options.%s: unsupported value %v", entry.Name, key, v)
	}
}

// ── Hot reload ────────────────────────────────────────────────────────────────

func applyReload(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changed; restart to apply", "sections", strings.Join(d.RestartRequired, ", "))
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

// printStartupSummary writes to stderr so dictation output on stdout stays
// clean.
func printStartupSummary(cfg *config.Config, mode app.Mode) {
	w := os.Stderr
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        deskvoice: startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	fmt.Fprintf(w, "║  Mode            : %-19s ║\n", mode)
	fmt.Fprintf(w, "║  Transport       : %-19s ║\n", cfg.Provider.Name)
	for _, fb := range cfg.Fallbacks {
		fmt.Fprintf(w, "║  Fallback        : %-19s ║\n", fb.Name)
	}
	backend := cfg.Audio.Backend
	if backend == "" {
		backend = config.CapturePortAudio
	}
	fmt.Fprintf(w, "║  Capture         : %-19s ║\n", backend)
	fmt.Fprintf(w, "║  Tools enabled   : %-19t ║\n", cfg.Session.ToolsOn())
	fmt.Fprintf(w, "║  MCP servers     : %-19d ║\n", len(cfg.Tools.MCPServers))
	fmt.Fprintf(w, "║  Reconnect       : %-19t ║\n", cfg.Session.Reconnect.Enabled)
	if cfg.TurnLog.PostgresDSN != "" {
		fmt.Fprintf(w, "║  Turn log        : %-19s ║\n", "postgres")
	} else {
		fmt.Fprintf(w, "║  Turn log        : %-19s ║\n", "memory")
	}
	if cfg.Server.AdminAddr != "" {
		fmt.Fprintf(w, "║  Admin addr      : %-19s ║\n", cfg.Server.AdminAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}
