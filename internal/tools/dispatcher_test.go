package tools_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/deskvoice/internal/observe"
	"github.com/MrWong99/deskvoice/internal/tools"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
)

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

func newMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// argRecorder captures the arguments a handler was invoked with.
type argRecorder struct {
	mu   sync.Mutex
	args []tools.Args
}

func (r *argRecorder) last() tools.Args {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.args) == 0 {
		return nil
	}
	return r.args[len(r.args)-1]
}

func createTaskTool(rec *argRecorder) tools.Tool {
	return tools.Tool{
		Definition: s2s.ToolDefinition{
			Name:        "createTask",
			Description: "Creates a task.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":    map[string]any{"type": "string"},
					"clientId": map[string]any{"type": "string"},
					"dealId":   map[string]any{"type": "string"},
				},
				"required": []any{"title"},
			},
		},
		Handler: func(_ context.Context, args tools.Args, _ tools.ContextSnapshot) (string, error) {
			rec.mu.Lock()
			rec.args = append(rec.args, args)
			rec.mu.Unlock()
			return "Task created.", nil
		},
	}
}

func newDispatcher(t *testing.T, opts ...tools.Option) (*tools.Dispatcher, *argRecorder) {
	t.Helper()
	reg := tools.NewRegistry()
	rec := &argRecorder{}
	if err := reg.Register(createTaskTool(rec)); err != nil {
		t.Fatal(err)
	}
	m, _ := newMetrics(t)
	return tools.NewDispatcher(reg, append([]tools.Option{tools.WithMetrics(m)}, opts...)...), rec
}

func register(t *testing.T, d *tools.Dispatcher, name string, h tools.Handler) {
	t.Helper()
	if err := d.Registry().RegisterFunc(name, h); err != nil {
		t.Fatal(err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────────────────────────────────

func TestDispatch_InjectsClientFromContext(t *testing.T) {
	t.Parallel()

	d, rec := newDispatcher(t, tools.WithInjectionRules([]tools.InjectionRule{
		{Tool: "createTask", Arg: "clientId", Field: tools.FieldClientID},
	}))

	out := d.Dispatch(context.Background(), s2s.ToolCallRequest{
		ID:        "1",
		Name:      "createTask",
		Arguments: map[string]any{"title": "Call Jane"},
	}, tools.ContextSnapshot{ClientID: "c1"})

	want := s2s.ToolResult{ID: "1", Name: "createTask", Result: "Task created."}
	if out.ToolResult != want {
		t.Errorf("result = %+v, want %+v", out.ToolResult, want)
	}
	if out.Status != tools.StatusOK {
		t.Errorf("status = %q, want ok", out.Status)
	}

	got := rec.last()
	if len(got) != 2 || got.String("title") != "Call Jane" || got.String("clientId") != "c1" {
		t.Errorf("handler args = %v, want {title:Call Jane clientId:c1}", got)
	}
}

func TestDispatch_DoesNotOverwriteSuppliedArgument(t *testing.T) {
	t.Parallel()

	d, rec := newDispatcher(t)
	d.Dispatch(context.Background(), s2s.ToolCallRequest{
		ID:        "2",
		Name:      "createTask",
		Arguments: map[string]any{"title": "Call Jane", "dealId": "d-explicit"},
	}, tools.ContextSnapshot{ClientID: "c1", DealID: "d-ambient"})

	got := rec.last()
	if got.String("dealId") != "d-explicit" {
		t.Errorf("dealId = %q, want d-explicit", got.String("dealId"))
	}
	if got.String("clientId") != "c1" {
		t.Errorf("clientId = %q, want c1", got.String("clientId"))
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	t.Parallel()

	d, _ := newDispatcher(t)

	tests := []struct {
		name     string
		tool     string
		contains []string
		excludes string
	}{
		{"with suggestion", "createTsk", []string{"Unsupported action: createTsk.", "Did you mean createTask?"}, ""},
		{"without suggestion", "launchRocket", []string{"Unsupported action: launchRocket."}, "Did you mean"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			done := make(chan tools.Outcome, 1)
			go func() {
				done <- d.Dispatch(context.Background(), s2s.ToolCallRequest{ID: "x", Name: tc.tool}, tools.ContextSnapshot{})
			}()
			var out tools.Outcome
			select {
			case out = <-done:
			case <-time.After(time.Second):
				t.Fatal("dispatch of unknown tool did not return")
			}
			if out.Status != tools.StatusUnknown || out.ID != "x" || out.Name != tc.tool {
				t.Errorf("outcome = %+v", out)
			}
			for _, s := range tc.contains {
				if !strings.Contains(out.Result, s) {
					t.Errorf("result %q does not contain %q", out.Result, s)
				}
			}
			if tc.excludes != "" && strings.Contains(out.Result, tc.excludes) {
				t.Errorf("result %q unexpectedly contains %q", out.Result, tc.excludes)
			}
		})
	}
}

func TestDispatch_InvalidArguments(t *testing.T) {
	t.Parallel()

	d, rec := newDispatcher(t)
	out := d.Dispatch(context.Background(), s2s.ToolCallRequest{
		ID: "3", Name: "createTask", Arguments: map[string]any{"clientId": "c1"},
	}, tools.ContextSnapshot{})

	if out.Status != tools.StatusInvalidArgs {
		t.Errorf("status = %q, want invalid_args", out.Status)
	}
	if !strings.Contains(out.Result, "title: required") {
		t.Errorf("result = %q", out.Result)
	}
	if rec.last() != nil {
		t.Error("handler must not run with invalid arguments")
	}
}

func TestDispatch_HandlerFailures(t *testing.T) {
	t.Parallel()

	d, _ := newDispatcher(t)
	register(t, d, "fails", func(context.Context, tools.Args, tools.ContextSnapshot) (string, error) {
		return "", errors.New("crm unavailable")
	})
	register(t, d, "panics", func(context.Context, tools.Args, tools.ContextSnapshot) (string, error) {
		panic("nil deal")
	})

	tests := []struct {
		tool       string
		wantStatus string
		wantResult string
	}{
		{"fails", tools.StatusError, "The action fails failed: crm unavailable"},
		{"panics", tools.StatusPanic, "The action panics failed unexpectedly."},
	}
	for _, tc := range tests {
		t.Run(tc.tool, func(t *testing.T) {
			t.Parallel()
			out := d.Dispatch(context.Background(), s2s.ToolCallRequest{ID: "e", Name: tc.tool}, tools.ContextSnapshot{})
			if out.Status != tc.wantStatus || out.Result != tc.wantResult {
				t.Errorf("outcome = (%q, %q), want (%q, %q)", out.Status, out.Result, tc.wantStatus, tc.wantResult)
			}
		})
	}
}

func TestDispatch_TimeoutSendsPlaceholder(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	late := make(chan tools.Outcome, 1)
	d, _ := newDispatcher(t,
		tools.WithTimeout(30*time.Millisecond),
		tools.WithStillWorking("still working"),
		tools.WithLateResult(func(o tools.Outcome) { late <- o }),
	)
	register(t, d, "slow", func(context.Context, tools.Args, tools.ContextSnapshot) (string, error) {
		<-release
		return "finally done", nil
	})

	start := time.Now()
	out := d.Dispatch(context.Background(), s2s.ToolCallRequest{ID: "s", Name: "slow"}, tools.ContextSnapshot{})
	if out.Status != tools.StatusTimeout || out.Result != "still working" {
		t.Errorf("outcome = (%q, %q), want placeholder", out.Status, out.Result)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("dispatch took %v, want bounded wait", elapsed)
	}

	close(release)
	select {
	case o := <-late:
		if o.ID != "s" || o.Result != "finally done" || o.Status != tools.StatusOK {
			t.Errorf("late outcome = %+v", o)
		}
	case <-time.After(time.Second):
		t.Fatal("late result hook not called")
	}
}

func TestDispatch_ContextCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	d, _ := newDispatcher(t)
	register(t, d, "waits", func(context.Context, tools.Args, tools.ContextSnapshot) (string, error) {
		<-release
		return "too late", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	out := d.Dispatch(ctx, s2s.ToolCallRequest{ID: "c", Name: "waits"}, tools.ContextSnapshot{})
	if out.Status != tools.StatusCancelled {
		t.Errorf("status = %q, want cancelled", out.Status)
	}
}

func TestDispatch_RecordsMetrics(t *testing.T) {
	t.Parallel()

	m, reader := newMetrics(t)
	reg := tools.NewRegistry()
	if err := reg.Register(createTaskTool(&argRecorder{})); err != nil {
		t.Fatal(err)
	}
	d := tools.NewDispatcher(reg, tools.WithMetrics(m))

	ctx := context.Background()
	d.Dispatch(ctx, s2s.ToolCallRequest{ID: "1", Name: "createTask", Arguments: map[string]any{"title": "a"}}, tools.ContextSnapshot{})
	d.Dispatch(ctx, s2s.ToolCallRequest{ID: "2", Name: "nope"}, tools.ContextSnapshot{})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}
	statuses := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "deskvoice.tool.calls" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value("status"); ok {
					statuses[v.AsString()] += dp.Value
				}
			}
		}
	}
	if statuses[tools.StatusOK] != 1 || statuses[tools.StatusUnknown] != 1 {
		t.Errorf("tool call statuses = %v", statuses)
	}
}
