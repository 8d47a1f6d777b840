package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
)

// TransportFallback implements [s2s.Transport] with per-backend circuit
// breakers and failover. Only Connect participates; once a session is open
// its failures are the caller's concern.
type TransportFallback struct {
	group *FallbackGroup[s2s.Transport]
}

var _ s2s.Transport = (*TransportFallback)(nil)

// NewTransportFallback wraps primary. With no fallbacks added it is a plain
// circuit breaker around primary.Connect.
func NewTransportFallback(primary s2s.Transport, cfg FallbackConfig) *TransportFallback {
	return &TransportFallback{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

// AddFallback registers another transport tried after the previous ones.
func (f *TransportFallback) AddFallback(t s2s.Transport) {
	f.group.AddFallback(t.Name(), t)
}

// Name joins the backend names, primary first.
func (f *TransportFallback) Name() string {
	return strings.Join(f.group.Names(), ",")
}

// Breaker returns the circuit breaker guarding the named backend, or nil.
func (f *TransportFallback) Breaker(name string) *CircuitBreaker {
	return f.group.Breaker(name)
}

// Connect opens a session on the first backend that accepts the handshake.
// When every backend fails or is open the error wraps [ErrAllFailed] and the
// last backend's error ([ErrCircuitOpen] or an [*s2s.ConnectError]).
func (f *TransportFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	return ExecuteWithResult(f.group, func(t s2s.Transport) (s2s.Session, error) {
		return t.Connect(ctx, cfg)
	})
}
