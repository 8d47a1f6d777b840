package app_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/deskvoice/internal/app"
	"github.com/MrWong99/deskvoice/internal/config"
	"github.com/MrWong99/deskvoice/internal/turnlog"
	audiomock "github.com/MrWong99/deskvoice/pkg/audio/mock"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/deskvoice/pkg/provider/s2s/mock"
)

// testConfig returns a minimal config for tests.
func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogInfo},
		Provider: config.ProviderEntry{Name: "mock"},
		Session:  config.SessionConfig{SystemInstruction: "You are the CRM assistant."},
	}
}

type fixture struct {
	transport *s2smock.Transport
	source    *audiomock.Source
	sink      *audiomock.Sink
}

func newFixture() *fixture {
	return &fixture{
		transport: &s2smock.Transport{},
		source:    &audiomock.Source{},
		sink:      &audiomock.Sink{},
	}
}

func (f *fixture) providers() *app.Providers {
	return &app.Providers{Transport: f.transport, Capture: f.source, Output: f.sink}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func shutdown(t *testing.T, a *app.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	f := newFixture()
	application, err := app.New(context.Background(), testConfig(), f.providers(),
		app.WithTurnLog(&turnlog.MemStore{}))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { shutdown(t, application) })

	names := application.Tools()
	for _, want := range []string{"getCurrentSelection", "getCurrentTime"} {
		if !slices.Contains(names, want) {
			t.Errorf("Tools() = %v, missing %q", names, want)
		}
	}
	if application.Sessions() == nil {
		t.Error("voice mode should have a session manager")
	}
	if f.transport.ConnectCount() != 0 {
		t.Error("New must not open a session")
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		providers *app.Providers
		opts      []app.Option
		want      string
	}{
		{
			name:      "voice without output",
			providers: &app.Providers{Transport: &s2smock.Transport{}, Capture: &audiomock.Source{}},
			want:      "audio output",
		},
		{
			name:      "missing transport",
			providers: &app.Providers{Capture: &audiomock.Source{}},
			want:      "transport",
		},
		{
			name:      "unknown mode",
			providers: newFixture().providers(),
			opts:      []app.Option{app.WithMode("karaoke")},
			want:      "unknown mode",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := app.New(context.Background(), testConfig(), tt.providers, tt.opts...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("New() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	f := newFixture()
	application, err := app.New(context.Background(), testConfig(), f.providers())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	waitFor(t, "active session", application.Sessions().IsActive)
	if f.transport.ConnectCount() != 1 {
		t.Errorf("ConnectCount = %d, want 1", f.transport.ConnectCount())
	}
	cfg := f.transport.ConnectCalls[0].Cfg
	if !cfg.ToolsEnabled || cfg.SystemInstruction != "You are the CRM assistant." {
		t.Errorf("session config = %+v", cfg)
	}
	if application.Sessions().Info().SessionID == "" {
		t.Error("session info has no id")
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}
	if application.Sessions().IsActive() {
		t.Error("session still active after Run returned")
	}
	if f.source.IsOpen() {
		t.Error("capture left open")
	}

	shutdown(t, application)
	if f.sink.CallCountClose != 1 {
		t.Errorf("sink Close call count = %d, want 1", f.sink.CallCountClose)
	}
}

func TestApp_SessionErrorEndsRun(t *testing.T) {
	t.Parallel()

	f := newFixture()
	application, err := app.New(context.Background(), testConfig(), f.providers())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { shutdown(t, application) })

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(context.Background())
	}()
	waitFor(t, "active session", application.Sessions().IsActive)

	f.transport.LastSession().Fail("quota exceeded")

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
			t.Fatalf("Run() = %v, want the session error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after the session failed")
	}
}

func TestApp_ReconnectsAfterTransportError(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Session.Reconnect = config.ReconnectConfig{Enabled: true, MaxRetries: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond}

	f := newFixture()
	application, err := app.New(context.Background(), cfg, f.providers())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { shutdown(t, application) })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()
	waitFor(t, "active session", application.Sessions().IsActive)
	first := application.Sessions().Info().SessionID

	f.transport.LastSession().Fail("connection reset")
	waitFor(t, "restart", func() bool { return application.Sessions().Info().Restarts == 1 })

	if n := f.transport.ConnectCount(); n != 2 {
		t.Errorf("ConnectCount = %d, want 2", n)
	}
	if got := application.Sessions().Info().SessionID; got == first || got == "" {
		t.Errorf("restarted session id = %q, first was %q", got, first)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestApp_Dictation(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Session.DictationGrace = 200 * time.Millisecond
	store := &turnlog.MemStore{}
	out := &syncBuffer{}

	f := newFixture()
	application, err := app.New(context.Background(), cfg,
		&app.Providers{Transport: f.transport, Capture: f.source},
		app.WithMode(app.ModeDictation),
		app.WithOutput(out),
		app.WithTurnLog(store),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { shutdown(t, application) })
	if application.Sessions() != nil {
		t.Error("dictation mode should not have a voice session manager")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()
	waitFor(t, "connect", func() bool { return f.transport.ConnectCount() == 1 })
	if cfg := f.transport.ConnectCalls[0].Cfg; !cfg.TranscribeOnly || cfg.ToolsEnabled {
		t.Errorf("dictation session config = %+v", cfg)
	}
	f.transport.LastSession().Emit(s2s.PartialTranscript{Speaker: s2s.SpeakerUser, Text: "call Jane"})

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
	if got := strings.TrimSpace(out.String()); got != "call Jane" {
		t.Errorf("transcript output = %q, want %q", got, "call Jane")
	}
}

func TestAdminHandler(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), newFixture().providers())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { shutdown(t, application) })

	srv := httptest.NewServer(application.AdminHandler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}
