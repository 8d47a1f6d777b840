package voice_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/deskvoice/internal/observe"
	"github.com/MrWong99/deskvoice/internal/tools"
	"github.com/MrWong99/deskvoice/internal/turnlog"
	"github.com/MrWong99/deskvoice/internal/voice"
	"github.com/MrWong99/deskvoice/pkg/audio"
	audiomock "github.com/MrWong99/deskvoice/pkg/audio/mock"
	"github.com/MrWong99/deskvoice/pkg/audio/playback"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/deskvoice/pkg/provider/s2s/mock"
)

// ── Helpers ──

type harness struct {
	ctrl      *voice.Controller
	transport *s2smock.Transport
	source    *audiomock.Source
	sink      *audiomock.Sink
}

func newHarness(t *testing.T, transport *s2smock.Transport, opts ...voice.Option) *harness {
	t.Helper()
	if transport == nil {
		transport = &s2smock.Transport{}
	}
	h := &harness{
		transport: transport,
		source:    &audiomock.Source{},
		sink:      &audiomock.Sink{},
	}
	h.ctrl = voice.New(h.transport, h.source, h.sink, opts...)
	t.Cleanup(func() { _ = h.ctrl.Close() })
	return h
}

func (h *harness) start(t *testing.T) *s2smock.Session {
	t.Helper()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := h.transport.LastSession()
	if sess == nil {
		t.Fatal("no session opened")
	}
	return sess
}

func waitStatus(t *testing.T, c *voice.Controller, cond func(voice.Status) bool) voice.Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := c.Status()
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("status condition not met, last status %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// pcm returns silent PCM16 speech of duration d at the output rate.
func pcm(d time.Duration) []byte {
	samples := int(d * audio.OutputSampleRate / time.Second)
	return make([]byte, samples*2)
}

// fakeClock fires timers only on Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) playback.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	ft := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, ft)
	return ft
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	pending := !t.stopped
	t.stopped = true
	return pending
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, ft := range c.timers {
		if !ft.stopped && !ft.at.After(c.now) {
			ft.stopped = true
			due = append(due, ft)
		}
	}
	c.mu.Unlock()
	for _, ft := range due {
		ft.f()
	}
}

// ── Lifecycle ──

func TestStart_StreamsCaptureFrames(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	sess := h.start(t)

	st := h.ctrl.Status()
	if st.State != voice.StateActive || !st.IsRecording || st.IsConnecting {
		t.Fatalf("status after Start = %+v", st)
	}
	if st.SessionID == "" {
		t.Error("SessionID is empty")
	}

	for range 3 {
		if !h.source.Emit(make([]float32, audio.DefaultFrameSize)) {
			t.Fatal("Emit: source not open")
		}
	}

	ok := sess.WaitFor(2*time.Second, func(frames []audio.AudioFrame, _ []s2s.ToolResult) bool {
		return len(frames) == 3
	})
	if !ok {
		t.Fatal("expected 3 frames sent")
	}
	frames, _ := sess.Sent()
	var prev time.Duration = -1
	for i, f := range frames {
		if len(f.Data) != 8192 {
			t.Errorf("frame %d: %d bytes, want 8192", i, len(f.Data))
		}
		if f.SampleRate != audio.InputSampleRate || f.Channels != 1 {
			t.Errorf("frame %d: rate %d channels %d", i, f.SampleRate, f.Channels)
		}
		if f.Timestamp <= prev {
			t.Errorf("frame %d: timestamp %v not after %v", i, f.Timestamp, prev)
		}
		prev = f.Timestamp
	}
}

func TestStart_NoOpWhileActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if n := h.transport.ConnectCount(); n != 1 {
		t.Errorf("ConnectCount = %d, want 1", n)
	}
	if h.source.CallCountOpen != 1 {
		t.Errorf("capture opened %d times, want 1", h.source.CallCountOpen)
	}
}

func TestStop_ReleasesEverything(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	h := newHarness(t, nil, voice.WithPlaybackClock(clk))
	sess := h.start(t)

	sess.Emit(s2s.AudioChunk{Data: pcm(time.Second)})
	waitStatus(t, h.ctrl, func(st voice.Status) bool { return st.IsSpeaking })

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st := h.ctrl.Status()
	if st.State != voice.StateIdle || st.IsRecording || st.IsSpeaking || st.Error != "" {
		t.Errorf("status after Stop = %+v", st)
	}
	if h.source.IsOpen() {
		t.Error("capture still open")
	}
	if sess.CloseCount() == 0 {
		t.Error("session not closed")
	}
	if sess.State() != s2s.StateClosed {
		t.Errorf("session state = %v, want closed", sess.State())
	}
	if _, _, flushes := h.sink.Snapshot(); flushes != 1 {
		t.Errorf("sink flushes = %d, want 1", flushes)
	}

	// Stop again from idle.
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStop_MidConnecting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &s2smock.Transport{Gate: make(chan struct{})})

	started := make(chan error, 1)
	go func() { started <- h.ctrl.Start(context.Background()) }()

	waitStatus(t, h.ctrl, func(st voice.Status) bool { return st.IsConnecting })
	deadline := time.Now().Add(2 * time.Second)
	for h.transport.ConnectCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Connect never called")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-started:
		if !errors.Is(err, voice.ErrStopped) {
			t.Errorf("Start = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}

	st := h.ctrl.Status()
	if st.State != voice.StateIdle || st.IsConnecting {
		t.Errorf("status = %+v, want idle", st)
	}
	if h.source.IsOpen() {
		t.Error("capture still open")
	}
	if h.transport.LastSession() != nil {
		t.Error("a session was opened")
	}

	// The controller is usable again.
	close(h.transport.Gate)
	h.start(t)
}

func TestStart_ConnectFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &s2smock.Transport{
		ConnectErr: &s2s.ConnectError{Transport: "mock", Stage: "handshake", Err: errors.New("401")},
	})

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, s2s.ErrConnectFailed) {
		t.Fatalf("Start = %v, want ErrConnectFailed", err)
	}
	st := h.ctrl.Status()
	if st.State != voice.StateIdle || st.Error == "" {
		t.Errorf("status = %+v, want idle with error", st)
	}
	if h.source.IsOpen() {
		t.Error("capture left open after failed connect")
	}

	h.transport.SetConnectErr(nil)
	h.start(t)
	if st := h.ctrl.Status(); st.Error != "" {
		t.Errorf("Error not cleared by Start: %q", st.Error)
	}
}

func TestStart_DeviceError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.source.OpenError = &audio.DeviceError{Device: "default", Kind: audio.ErrPermissionDenied}

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start = %v, want ErrPermissionDenied", err)
	}
	if n := h.transport.ConnectCount(); n != 0 {
		t.Errorf("ConnectCount = %d, want 0", n)
	}
	if st := h.ctrl.Status(); st.State != voice.StateIdle || st.Error == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestTransportError_SurfacesAndStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	sess := h.start(t)

	sess.Fail("quota exceeded")

	st := waitStatus(t, h.ctrl, func(st voice.Status) bool { return st.State == voice.StateIdle })
	if st.Error != "quota exceeded" {
		t.Errorf("Error = %q, want %q", st.Error, "quota exceeded")
	}
	if h.source.IsOpen() {
		t.Error("capture still open")
	}
	if sess.CloseCount() == 0 {
		t.Error("session not closed")
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	if err := h.ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.ctrl.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if h.source.IsOpen() {
		t.Error("capture still open after Close")
	}
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, voice.ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}

// ── Turns ──

func TestTurnFinished(t *testing.T) {
	t.Parallel()
	store := &turnlog.MemStore{}
	h := newHarness(t, nil, voice.WithTurnLog(store))

	type turn struct{ user, assistant string }
	turns := make(chan turn, 1)
	h.ctrl.OnTurnFinished(func(user, assistant string) { turns <- turn{user, assistant} })

	sess := h.start(t)
	sess.Emit(s2s.PartialTranscript{Speaker: s2s.SpeakerUser, Text: "book a"})
	sess.Emit(s2s.PartialTranscript{Speaker: s2s.SpeakerUser, Text: " call"})
	sess.Emit(s2s.TurnComplete{})

	select {
	case got := <-turns:
		if got != (turn{"book a call", ""}) {
			t.Errorf("turn = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnTurnFinished not called")
	}

	sessionID := h.ctrl.Status().SessionID
	deadline := time.Now().Add(2 * time.Second)
	for {
		recs, err := store.Turns(context.Background(), sessionID, 0)
		if err != nil {
			t.Fatalf("Turns: %v", err)
		}
		if len(recs) == 1 {
			if recs[0].UserText != "book a call" || recs[0].Mode != voice.Mode {
				t.Errorf("record = %+v", recs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("turn not recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatus_ShowsRunningTranscript(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	var mu sync.Mutex
	var seen []voice.Status
	h.ctrl.OnStatus(func(st voice.Status) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	sess := h.start(t)
	sess.Emit(s2s.PartialTranscript{Speaker: s2s.SpeakerUser, Text: "what's next"})
	sess.Emit(s2s.PartialTranscript{Speaker: s2s.SpeakerAssistant, Text: "Your next"})

	waitStatus(t, h.ctrl, func(st voice.Status) bool {
		return st.UserTranscript == "what's next" && st.AssistantTranscript == "Your next"
	})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || !seen[0].IsConnecting {
		t.Errorf("first status change should be connecting, got %+v", seen)
	}
}

// ── Tools ──

func TestToolCall_InjectsContextAndReplies(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		gotArgs map[string]any
	)
	reg := tools.NewRegistry()
	err := reg.RegisterFunc("createTask", func(_ context.Context, args tools.Args, _ tools.ContextSnapshot) (string, error) {
		mu.Lock()
		gotArgs = map[string]any(args)
		mu.Unlock()
		return "Task created.", nil
	})
	if err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}

	store := &turnlog.MemStore{}
	h := newHarness(t, nil,
		voice.WithDispatcher(tools.NewDispatcher(reg)),
		voice.WithTurnLog(store),
	)
	h.ctrl.SetContext(tools.ContextSnapshot{ClientID: "c1"})
	sess := h.start(t)

	sess.Emit(s2s.ToolCallRequest{ID: "1", Name: "createTask", Arguments: map[string]any{"title": "Call Jane"}})

	ok := sess.WaitFor(2*time.Second, func(_ []audio.AudioFrame, results []s2s.ToolResult) bool {
		return len(results) == 1
	})
	if !ok {
		t.Fatal("no tool result sent")
	}
	_, results := sess.Sent()
	want := s2s.ToolResult{ID: "1", Name: "createTask", Result: "Task created."}
	if results[0] != want {
		t.Errorf("result = %+v, want %+v", results[0], want)
	}

	mu.Lock()
	args := gotArgs
	mu.Unlock()
	if !reflect.DeepEqual(args, map[string]any{"title": "Call Jane", "clientId": "c1"}) {
		t.Errorf("handler args = %v", args)
	}

	waitStatus(t, h.ctrl, func(st voice.Status) bool { return !st.IsThinking })

	sessionID := h.ctrl.Status().SessionID
	deadline := time.Now().Add(2 * time.Second)
	for {
		calls, err := store.ToolCalls(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("ToolCalls: %v", err)
		}
		if len(calls) == 1 {
			if calls[0].Tool != "createTask" || calls[0].Status != tools.StatusOK {
				t.Errorf("record = %+v", calls[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tool call not recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestToolCall_ThinkingUntilAllAnswered(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	reg := tools.NewRegistry()
	_ = reg.RegisterFunc("fast", func(context.Context, tools.Args, tools.ContextSnapshot) (string, error) {
		return "done", nil
	})
	_ = reg.RegisterFunc("slow", func(context.Context, tools.Args, tools.ContextSnapshot) (string, error) {
		<-release
		return "done later", nil
	})

	h := newHarness(t, nil, voice.WithDispatcher(tools.NewDispatcher(reg, tools.WithTimeout(5*time.Second))))
	sess := h.start(t)

	sess.Emit(s2s.ToolCallRequest{ID: "a", Name: "slow"})
	sess.Emit(s2s.ToolCallRequest{ID: "b", Name: "fast"})

	sess.WaitFor(2*time.Second, func(_ []audio.AudioFrame, results []s2s.ToolResult) bool {
		return len(results) == 1
	})
	if st := h.ctrl.Status(); !st.IsThinking {
		t.Errorf("IsThinking = false with a call still pending")
	}

	close(release)
	waitStatus(t, h.ctrl, func(st voice.Status) bool { return !st.IsThinking })

	_, results := sess.Sent()
	if len(results) != 2 || results[0].ID != "b" || results[1].ID != "a" {
		t.Errorf("results = %+v, want b then a", results)
	}
}

func TestToolCall_RepeatedIDsTrackedSeparately(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	reg := tools.NewRegistry()
	_ = reg.RegisterFunc("fast", func(context.Context, tools.Args, tools.ContextSnapshot) (string, error) {
		return "done", nil
	})
	_ = reg.RegisterFunc("slow", func(context.Context, tools.Args, tools.ContextSnapshot) (string, error) {
		<-release
		return "done later", nil
	})

	h := newHarness(t, nil, voice.WithDispatcher(tools.NewDispatcher(reg, tools.WithTimeout(5*time.Second))))
	sess := h.start(t)

	sess.Emit(s2s.ToolCallRequest{Name: "slow"})
	sess.Emit(s2s.ToolCallRequest{Name: "fast"})

	sess.WaitFor(2*time.Second, func(_ []audio.AudioFrame, results []s2s.ToolResult) bool {
		return len(results) == 1
	})
	time.Sleep(20 * time.Millisecond)
	if st := h.ctrl.Status(); !st.IsThinking {
		t.Errorf("IsThinking = false while the second call with the same id is running")
	}

	close(release)
	waitStatus(t, h.ctrl, func(st voice.Status) bool { return !st.IsThinking })
	if _, results := sess.Sent(); len(results) != 2 {
		t.Errorf("results = %+v, want 2", results)
	}
}

func TestToolCall_UnknownToolAnswered(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	sess := h.start(t)

	sess.Emit(s2s.ToolCallRequest{ID: "x", Name: "launchRocket"})

	ok := sess.WaitFor(time.Second, func(_ []audio.AudioFrame, results []s2s.ToolResult) bool {
		return len(results) == 1 && results[0].ID == "x" && results[0].Result != ""
	})
	if !ok {
		t.Fatal("unknown tool not answered")
	}
}

func TestSessionConfig_Tools(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	_ = reg.RegisterFunc("createTask", func(context.Context, tools.Args, tools.ContextSnapshot) (string, error) {
		return "", nil
	})
	d := tools.NewDispatcher(reg)

	tests := []struct {
		name    string
		enabled bool
		want    int
	}{
		{"enabled", true, 1},
		{"disabled", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil,
				voice.WithDispatcher(d),
				voice.WithSessionConfig(s2s.SessionConfig{SystemInstruction: "be brief", ToolsEnabled: tt.enabled}),
			)
			h.start(t)

			cfg := h.transport.ConnectCalls[0].Cfg
			if len(cfg.Tools) != tt.want {
				t.Errorf("tools offered = %d, want %d", len(cfg.Tools), tt.want)
			}
			if cfg.SystemInstruction != "be brief" {
				t.Errorf("SystemInstruction = %q", cfg.SystemInstruction)
			}
		})
	}
}

// ── Playback ──

func TestAudioChunk_SpeakingUntilPlaybackFinishes(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	h := newHarness(t, nil, voice.WithPlaybackClock(clk))
	sess := h.start(t)

	sess.Emit(s2s.AudioChunk{Data: pcm(100 * time.Millisecond)})
	sess.Emit(s2s.AudioChunk{Data: pcm(100 * time.Millisecond)})
	waitStatus(t, h.ctrl, func(st voice.Status) bool { return st.IsSpeaking })
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, writes, _ := h.sink.Snapshot(); writes == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("chunks not written to sink")
		}
		time.Sleep(5 * time.Millisecond)
	}

	clk.Advance(100 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if st := h.ctrl.Status(); !st.IsSpeaking {
		t.Error("speaking cleared while second chunk still playing")
	}

	clk.Advance(100 * time.Millisecond)
	waitStatus(t, h.ctrl, func(st voice.Status) bool { return !st.IsSpeaking })
}

func TestAudioChunk_MalformedIsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, voice.WithPlaybackClock(newFakeClock()))
	sess := h.start(t)

	sess.Emit(s2s.AudioChunk{Data: []byte{1, 2, 3}})
	sess.Emit(s2s.AudioChunk{Data: pcm(50 * time.Millisecond)})

	waitStatus(t, h.ctrl, func(st voice.Status) bool { return st.IsSpeaking })
	if _, writes, _ := h.sink.Snapshot(); writes != 1 {
		t.Errorf("sink writes = %d, want 1", writes)
	}
	if st := h.ctrl.Status(); st.State != voice.StateActive {
		t.Errorf("state = %v, want active", st.State)
	}
}

func TestBargeIn(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := newHarness(t, nil, voice.WithPlaybackClock(newFakeClock()), voice.WithMetrics(m))
	sess := h.start(t)

	sess.Emit(s2s.AudioChunk{Data: pcm(time.Second)})
	waitStatus(t, h.ctrl, func(st voice.Status) bool { return st.IsSpeaking })

	sess.Emit(s2s.Interrupted{})
	waitStatus(t, h.ctrl, func(st voice.Status) bool { return !st.IsSpeaking })

	if _, _, flushes := h.sink.Snapshot(); flushes != 1 {
		t.Errorf("sink flushes = %d, want 1", flushes)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var bargeIns int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "deskvoice.playback.barge_ins" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				bargeIns += dp.Value
			}
		}
	}
	if bargeIns != 1 {
		t.Errorf("barge-ins = %d, want 1", bargeIns)
	}
}

func TestTrailingUserTranscriptKeepsPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, voice.WithPlaybackClock(newFakeClock()))
	sess := h.start(t)

	sess.Emit(s2s.AudioChunk{Data: pcm(time.Second)})
	waitStatus(t, h.ctrl, func(st voice.Status) bool { return st.IsSpeaking })

	sess.Emit(s2s.PartialTranscript{Speaker: s2s.SpeakerUser, Text: "for Jane"})
	waitStatus(t, h.ctrl, func(st voice.Status) bool { return st.UserTranscript == "for Jane" })

	if st := h.ctrl.Status(); !st.IsSpeaking {
		t.Error("speaking cleared by a user transcript fragment")
	}
	if _, _, flushes := h.sink.Snapshot(); flushes != 0 {
		t.Errorf("sink flushes = %d, want 0", flushes)
	}
}

func TestLateAudioAfterStopIsIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &s2smock.Transport{IgnoreClose: true}, voice.WithPlaybackClock(newFakeClock()))
	sess := h.start(t)

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	sess.Emit(s2s.AudioChunk{Data: pcm(time.Second)})
	time.Sleep(50 * time.Millisecond)

	if _, writes, _ := h.sink.Snapshot(); writes != 0 {
		t.Errorf("sink writes = %d, want 0", writes)
	}
	if st := h.ctrl.Status(); st.IsSpeaking || st.State != voice.StateIdle {
		t.Errorf("status = %+v", st)
	}
}
