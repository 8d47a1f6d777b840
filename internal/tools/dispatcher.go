package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/deskvoice/internal/observe"
	"github.com/MrWong99/deskvoice/internal/tools/suggest"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
)

const (
	// DefaultTimeout bounds how long Dispatch waits for a handler.
	DefaultTimeout = 8 * time.Second

	// DefaultStillWorking is the placeholder result sent when a handler
	// exceeds the timeout.
	DefaultStillWorking = "This is taking longer than expected. The action is still running in the background."
)

// Dispatch outcome labels used in metrics, spans and logs.
const (
	StatusOK          = "ok"
	StatusUnknown     = "unknown"
	StatusInvalidArgs = "invalid_args"
	StatusError       = "error"
	StatusPanic       = "panic"
	StatusTimeout     = "timeout"
	StatusCancelled   = "cancelled"
)

// Option is a functional option for [NewDispatcher].
type Option func(*Dispatcher)

// WithTimeout sets the bounded wait per call. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithStillWorking overrides the placeholder result sent on timeout.
func WithStillWorking(text string) Option {
	return func(d *Dispatcher) {
		if text != "" {
			d.stillWorking = text
		}
	}
}

// WithInjectionRules replaces [DefaultInjectionRules].
func WithInjectionRules(rules []InjectionRule) Option {
	return func(d *Dispatcher) {
		d.rules = rules
	}
}

// WithMetrics records dispatch metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithLateResult registers fn to observe results of handlers that finished
// after their call had already been answered with the placeholder. The
// result is never sent to the service.
func WithLateResult(fn func(Outcome)) Option {
	return func(d *Dispatcher) {
		d.onLate = fn
	}
}

// WithSuggester sets the matcher used to propose a registered name for
// unknown tools. Pass nil to disable suggestions.
func WithSuggester(m *suggest.Matcher) Option {
	return func(d *Dispatcher) {
		d.suggester = m
	}
}

// Outcome is the result of one dispatch together with how it was produced.
type Outcome struct {
	s2s.ToolResult

	// Status is one of the Status* labels.
	Status string

	// Args are the arguments the handler received after injection and
	// coercion. Nil when the handler was never invoked.
	Args Args

	// Duration is the time spent waiting for the handler.
	Duration time.Duration
}

// Dispatcher runs tool-call requests against a [Registry]. It is safe for
// concurrent use; every call produces a result.
type Dispatcher struct {
	reg          *Registry
	rules        []InjectionRule
	timeout      time.Duration
	stillWorking string
	metrics      *observe.Metrics
	suggester    *suggest.Matcher
	onLate       func(Outcome)
}

// NewDispatcher returns a Dispatcher over reg.
func NewDispatcher(reg *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:          reg,
		rules:        DefaultInjectionRules,
		timeout:      DefaultTimeout,
		stillWorking: DefaultStillWorking,
		suggester:    suggest.New(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Registry returns the registry the dispatcher looks handlers up in.
func (d *Dispatcher) Registry() *Registry { return d.reg }

// Dispatch runs req and returns the result to relay to the service.
//
// It never fails: unknown tools, invalid arguments, handler errors and
// panics all become textual results. A handler that outlives the timeout is
// answered with the still-working placeholder and its eventual result is
// discarded. Cancelling ctx cancels the handler and answers immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, req s2s.ToolCallRequest, snap ContextSnapshot) Outcome {
	ctx = observe.WithCallID(ctx, req.ID)
	ctx, span := observe.StartSpan(ctx, "tools.dispatch",
		trace.WithAttributes(attribute.String("tool.name", req.Name)),
	)
	defer span.End()

	start := time.Now()
	out := d.run(ctx, req, snap)
	out.Duration = time.Since(start)

	label := req.Name
	if out.Status == StatusUnknown {
		label = StatusUnknown
	}
	d.metrics.ToolExecutionDuration.Record(ctx, out.Duration.Seconds(),
		metric.WithAttributes(attribute.String("tool", label)))
	d.metrics.RecordToolCall(ctx, label, out.Status)

	span.SetAttributes(attribute.String("tool.status", out.Status))
	if out.Status != StatusOK {
		span.SetStatus(codes.Error, out.Status)
	}

	observe.Logger(ctx).Info("tools: call dispatched",
		"tool", req.Name,
		"status", out.Status,
		"duration", out.Duration,
	)
	return out
}

type handlerResult struct {
	text     string
	err      error
	panicked bool
}

func (d *Dispatcher) run(ctx context.Context, req s2s.ToolCallRequest, snap ContextSnapshot) Outcome {
	out := Outcome{ToolResult: s2s.ToolResult{ID: req.ID, Name: req.Name}}

	tool, ok := d.reg.Lookup(req.Name)
	if !ok {
		out.Result, out.Status = d.unsupported(req.Name), StatusUnknown
		return out
	}

	args, err := coerceArgs(req.Name, tool.Definition.Parameters, Inject(req.Name, req.Arguments, snap, d.rules))
	if err != nil {
		var argErr *ArgumentError
		if errors.As(err, &argErr) {
			err = argErr.Err
		}
		slog.Warn("tools: invalid arguments", "tool", req.Name, "call_id", req.ID, "err", err)
		out.Result, out.Status = fmt.Sprintf("Invalid arguments for %s: %v", req.Name, err), StatusInvalidArgs
		return out
	}
	out.Args = args

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("tools: handler panicked",
					"tool", req.Name,
					"call_id", req.ID,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				done <- handlerResult{err: fmt.Errorf("panic: %v", r), panicked: true}
			}
		}()
		text, err := tool.Handler(ctx, args, snap)
		done <- handlerResult{text: text, err: err}
	}()

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		out.Result, out.Status = d.render(req.Name, res)
		return out
	case <-timer.C:
		slog.Warn("tools: handler exceeded timeout, sending placeholder",
			"tool", req.Name, "call_id", req.ID, "timeout", d.timeout)
		go d.awaitLate(out, done)
		out.Result, out.Status = d.stillWorking, StatusTimeout
		return out
	case <-ctx.Done():
		go d.awaitLate(out, done)
		out.Result, out.Status = fmt.Sprintf("The action %s was cancelled.", req.Name), StatusCancelled
		return out
	}
}

// awaitLate drains the handler result after its call was already answered.
func (d *Dispatcher) awaitLate(out Outcome, done <-chan handlerResult) {
	start := time.Now()
	res := <-done
	out.Result, out.Status = d.render(out.Name, res)
	out.Duration = time.Since(start)
	slog.Info("tools: late handler result discarded",
		"tool", out.Name, "call_id", out.ID, "status", out.Status)
	if d.onLate != nil {
		d.onLate(out)
	}
}

func (d *Dispatcher) render(name string, res handlerResult) (string, string) {
	switch {
	case res.panicked:
		return fmt.Sprintf("The action %s failed unexpectedly.", name), StatusPanic
	case res.err != nil:
		slog.Warn("tools: handler failed", "tool", name, "err", res.err)
		return fmt.Sprintf("The action %s failed: %v", name, res.err), StatusError
	}
	return res.text, StatusOK
}

func (d *Dispatcher) unsupported(name string) string {
	msg := fmt.Sprintf("Unsupported action: %s.", name)
	if d.suggester != nil {
		if best, _, ok := d.suggester.Closest(name, d.reg.Names()); ok {
			msg += fmt.Sprintf(" Did you mean %s?", best)
		}
	}
	slog.Warn("tools: unsupported action requested", "tool", name)
	return msg
}
