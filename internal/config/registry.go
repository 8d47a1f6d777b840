package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/deskvoice/pkg/audio"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	transport map[string]func(ProviderEntry) (s2s.Transport, error)
	capture   map[CaptureBackend]func(AudioConfig) (audio.Source, error)
	output    func(AudioConfig) (audio.Sink, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transport: make(map[string]func(ProviderEntry) (s2s.Transport, error)),
		capture:   make(map[CaptureBackend]func(AudioConfig) (audio.Source, error)),
	}
}

// RegisterTransport registers a session transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory func(ProviderEntry) (s2s.Transport, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport[name] = factory
}

// RegisterCapture registers a microphone factory under backend.
func (r *Registry) RegisterCapture(backend CaptureBackend, factory func(AudioConfig) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[backend] = factory
}

// RegisterOutput sets the speaker factory.
func (r *Registry) RegisterOutput(factory func(AudioConfig) (audio.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = factory
}

// Transports returns the registered transport names in sorted order.
func (r *Registry) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transport))
	for name := range r.transport {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateTransport instantiates a transport using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateTransport(entry ProviderEntry) (s2s.Transport, error) {
	r.mu.RLock()
	factory, ok := r.transport[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCapture instantiates the microphone for cfg.Backend, defaulting to
// [CapturePortAudio].
func (r *Registry) CreateCapture(cfg AudioConfig) (audio.Source, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = CapturePortAudio
	}
	r.mu.RLock()
	factory, ok := r.capture[backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, backend)
	}
	return factory(cfg)
}

// CreateOutput instantiates the speaker.
func (r *Registry) CreateOutput(cfg AudioConfig) (audio.Sink, error) {
	r.mu.RLock()
	factory := r.output
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("%w: output", ErrProviderNotRegistered)
	}
	return factory(cfg)
}
