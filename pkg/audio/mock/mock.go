// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Sink] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{}
//	frames, _ := src.Open(ctx)
//	go src.Emit(make([]float32, audio.DefaultFrameSize))
//	<-frames
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/deskvoice/pkg/audio"
)

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source]. Frames are delivered with [Source.Emit],
// which waits for the consumer instead of dropping so tests stay deterministic.
type Source struct {
	mu     sync.Mutex
	emitMu sync.Mutex

	// OpenError is returned by Open when non-nil.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	ch     chan []float32
	done   chan struct{}
	isOpen bool
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context) (<-chan []float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	s.ch = make(chan []float32)
	s.done = make(chan struct{})
	s.isOpen = true
	return s.ch, nil
}

// Emit hands samples to the consumer. It reports false if the source is not
// open or was closed before the consumer received the block.
func (s *Source) Emit(samples []float32) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	ch, done, open := s.ch, s.done, s.isOpen
	s.mu.Unlock()
	if !open {
		return false
	}
	select {
	case ch <- samples:
		return true
	case <-done:
		return false
	}
}

// Close implements [audio.Source]. The frame channel is closed on the first call.
func (s *Source) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	if !s.isOpen {
		s.mu.Unlock()
		return nil
	}
	s.isOpen = false
	close(s.done)
	ch := s.ch
	s.mu.Unlock()

	s.emitMu.Lock()
	close(ch)
	s.emitMu.Unlock()
	return nil
}

// IsOpen reports whether the source currently holds the device.
func (s *Source) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOpen
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock [audio.Sink] that records written buffers.
type Sink struct {
	mu sync.Mutex

	// WriteError is returned by Write when non-nil.
	WriteError error

	// Written holds every buffer passed to Write since the last Flush.
	Written []audio.Buffer

	// CallCountWrite records how many times Write was called.
	CallCountWrite int

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Write implements [audio.Sink].
func (s *Sink) Write(buf audio.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountWrite++
	if s.WriteError != nil {
		return s.WriteError
	}
	s.Written = append(s.Written, buf)
	return nil
}

// Flush implements [audio.Sink]. Written is cleared.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountFlush++
	s.Written = nil
	return nil
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// Snapshot returns copies of the recorded counters and buffers.
func (s *Sink) Snapshot() (written []audio.Buffer, writes, flushes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Buffer(nil), s.Written...), s.CallCountWrite, s.CallCountFlush
}
