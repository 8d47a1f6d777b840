package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/deskvoice/internal/config"
	"github.com/MrWong99/deskvoice/internal/tools"
	"github.com/MrWong99/deskvoice/internal/tools/mcpsource"
	"github.com/MrWong99/deskvoice/pkg/audio"
	audiomock "github.com/MrWong99/deskvoice/pkg/audio/mock"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/deskvoice/pkg/provider/s2s/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  log_level: info
  admin_addr: "127.0.0.1:9470"

provider:
  name: gemini-live
  api_key: gm-test
  model: gemini-2.0-flash-live-001
  voice: Puck
  options:
    keepalive: 20s

fallbacks:
  - name: openai-realtime
    api_key: sk-test
    options:
      transcription_model: whisper-1

audio:
  backend: ffmpeg
  input_rate: 16000
  output_rate: 24000
  frame_size: 4096
  ffmpeg:
    format: pulse
    device: default

session:
  system_instruction: "You are the CRM assistant."
  tools_enabled: false
  send_queue: 12
  dictation_grace: 2s
  reconnect:
    enabled: true
    max_retries: 3
    initial: 250ms
    max: 5s
  breaker:
    max_failures: 4
    reset_timeout: 1m

tools:
  timeout: 6s
  still_working: "Give me a moment."
  injection:
    - tool: createTask
      arg: clientId
      field: clientId
  mcp_servers:
    - name: calendar
      transport: stdio
      command: calendar-mcp --readonly
      env:
        CAL_TOKEN: abc
    - name: crm
      transport: streamable-http
      url: http://localhost:8081/mcp

turnlog:
  postgres_dsn: "postgres://localhost/deskvoice"
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Server.AdminAddr != "127.0.0.1:9470" {
		t.Errorf("admin_addr: got %q", cfg.Server.AdminAddr)
	}
	if cfg.Provider.Name != "gemini-live" || cfg.Provider.Voice != "Puck" {
		t.Errorf("provider: got %+v", cfg.Provider)
	}
	if cfg.Provider.Options["keepalive"] != "20s" {
		t.Errorf("provider.options.keepalive: got %v", cfg.Provider.Options["keepalive"])
	}
	if len(cfg.Fallbacks) != 1 || cfg.Fallbacks[0].Name != "openai-realtime" {
		t.Errorf("fallbacks: got %+v", cfg.Fallbacks)
	}
	if cfg.Audio.Backend != config.CaptureFFmpeg || cfg.Audio.FFmpeg.Format != "pulse" {
		t.Errorf("audio: got %+v", cfg.Audio)
	}
	if cfg.Session.ToolsOn() {
		t.Error("tools_enabled: false was not honoured")
	}
	if cfg.Session.SendQueue != 12 || cfg.Session.DictationGrace != 2*time.Second {
		t.Errorf("session: got %+v", cfg.Session)
	}
	rc := cfg.Session.Reconnect
	if !rc.Enabled || rc.MaxRetries != 3 || rc.Initial != 250*time.Millisecond || rc.Max != 5*time.Second {
		t.Errorf("reconnect: got %+v", rc)
	}
	if cfg.Session.Breaker.MaxFailures != 4 || cfg.Session.Breaker.ResetTimeout != time.Minute {
		t.Errorf("breaker: got %+v", cfg.Session.Breaker)
	}
	if cfg.Tools.Timeout != 6*time.Second || cfg.Tools.StillWorking != "Give me a moment." {
		t.Errorf("tools: got %+v", cfg.Tools)
	}
	wantRule := tools.InjectionRule{Tool: "createTask", Arg: "clientId", Field: tools.FieldClientID}
	if len(cfg.Tools.Injection) != 1 || cfg.Tools.Injection[0] != wantRule {
		t.Errorf("tools.injection: got %+v", cfg.Tools.Injection)
	}
	if len(cfg.Tools.MCPServers) != 2 {
		t.Fatalf("tools.mcp_servers: got %d, want 2", len(cfg.Tools.MCPServers))
	}
	if srv := cfg.Tools.MCPServers[0]; srv.Transport != mcpsource.TransportStdio || srv.Env["CAL_TOKEN"] != "abc" {
		t.Errorf("mcp_servers[0]: got %+v", srv)
	}
	if cfg.TurnLog.PostgresDSN != "postgres://localhost/deskvoice" {
		t.Errorf("turnlog.postgres_dsn: got %q", cfg.TurnLog.PostgresDSN)
	}
}

func TestLoadFromReader_Minimal(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("provider:\n  name: openai-realtime\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Session.ToolsOn() {
		t.Error("tools should be enabled by default")
	}
	if cfg.Session.Reconnect.Enabled {
		t.Error("reconnect should be off by default")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("provider:\n  name: gemini-live\n  modle: typo\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_EmptyRequiresProvider(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "provider.name") {
		t.Fatalf("expected provider.name error, got %v", err)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownTransport(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateTransport(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_UnknownCapture(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateCapture(config.AudioConfig{Backend: config.CaptureFFmpeg})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
	if _, err := reg.CreateOutput(config.AudioConfig{}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered for output, got %v", err)
	}
}

func TestRegistry_RegisteredTransport(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var got config.ProviderEntry
	reg.RegisterTransport("stub", func(e config.ProviderEntry) (s2s.Transport, error) {
		got = e
		return &s2smock.Transport{ID: "stub"}, nil
	})
	reg.RegisterTransport("another", func(config.ProviderEntry) (s2s.Transport, error) {
		return &s2smock.Transport{}, nil
	})

	tr, err := reg.CreateTransport(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Name() != "stub" {
		t.Errorf("Name() = %q", tr.Name())
	}
	if got.Model != "m1" {
		t.Errorf("factory received %+v", got)
	}
	if names := reg.Transports(); len(names) != 2 || names[0] != "another" || names[1] != "stub" {
		t.Errorf("Transports() = %v", names)
	}
}

func TestRegistry_CaptureDefaultsToPortAudio(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	src := &audiomock.Source{}
	reg.RegisterCapture(config.CapturePortAudio, func(config.AudioConfig) (audio.Source, error) {
		return src, nil
	})
	got, err := reg.CreateCapture(config.AudioConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != src {
		t.Error("CreateCapture returned a different source")
	}
	ch, err := got.Open(context.Background())
	if err != nil || ch == nil {
		t.Fatalf("Open: %v", err)
	}
	_ = got.Close()
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	sentinel := errors.New("factory failed")
	reg.RegisterTransport("bad", func(config.ProviderEntry) (s2s.Transport, error) {
		return nil, sentinel
	})
	_, err := reg.CreateTransport(config.ProviderEntry{Name: "bad"})
	if !errors.Is(err, sentinel) {
		t.Errorf("expected sentinel error, got %v", err)
	}
}
