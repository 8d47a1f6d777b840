// Package playback schedules decoded synthesized speech for gapless,
// strictly ordered output.
//
// Every chunk handed to [Scheduler.Enqueue] is placed on a playback timeline
// at max(now, end of the last scheduled item), so items never overlap and
// back-to-back chunks play without gaps. The scheduler keeps the set of items
// that have not finished yet and reports when that set becomes empty.
package playback

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/deskvoice/pkg/audio"
)

// DecodeError reports a chunk that could not be decoded. The chunk is
// dropped; later chunks are unaffected.
type DecodeError struct {
	Bytes int
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("playback: decode chunk of %d bytes: %v", e.Bytes, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Item is one scheduled buffer on the playback timeline.
type Item struct {
	ID    uint64
	Start time.Time
	End   time.Time
}

// Duration is End - Start.
func (i Item) Duration() time.Duration { return i.End.Sub(i.Start) }

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithFormat sets the format of incoming chunks. Default: mono at
// [audio.OutputSampleRate].
func WithFormat(f audio.Format) Option {
	return func(s *Scheduler) { s.format = f }
}

// WithOnAllFinished registers fn to run when the last live item finishes.
// It runs on a timer goroutine and must not block.
func WithOnAllFinished(fn func()) Option {
	return func(s *Scheduler) { s.onAllFinished = fn }
}

type entry struct {
	item  Item
	timer Timer
}

// Scheduler decodes PCM16 chunks and schedules them on an [audio.Sink].
// It is safe for concurrent use.
type Scheduler struct {
	sink          audio.Sink
	clock         Clock
	format        audio.Format
	onAllFinished func()

	mu       sync.Mutex
	lastEnd  time.Time
	live     map[uint64]*entry
	seq      uint64
	epoch    uint64
	finished int
}

// New returns a scheduler writing to sink.
func New(sink audio.Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:   sink,
		clock:  systemClock{},
		format: audio.Format{SampleRate: audio.OutputSampleRate, Channels: 1},
		live:   make(map[uint64]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue decodes raw PCM16 and schedules it right after everything already
// scheduled, or immediately if playback is idle. A malformed chunk returns a
// [*DecodeError] and is dropped.
func (s *Scheduler) Enqueue(raw []byte) (Item, error) {
	buf, err := audio.PCM16ToFloat(raw, s.format.SampleRate, s.format.Channels)
	if err != nil {
		derr := &DecodeError{Bytes: len(raw), Err: err}
		slog.Warn("playback: dropping malformed chunk", "bytes", len(raw), "err", err)
		return Item{}, derr
	}
	if len(buf.Samples) == 0 {
		return Item{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sink.Write(buf); err != nil {
		return Item{}, fmt.Errorf("playback: write to sink: %w", err)
	}

	now := s.clock.Now()
	start := now
	if s.lastEnd.After(now) {
		start = s.lastEnd
	}
	end := start.Add(buf.Duration())
	s.lastEnd = end
	s.seq++
	it := Item{ID: s.seq, Start: start, End: end}

	id, epoch := it.ID, s.epoch
	e := &entry{item: it}
	e.timer = s.clock.AfterFunc(end.Sub(now), func() { s.finish(id, epoch) })
	s.live[id] = e
	return it, nil
}

func (s *Scheduler) finish(id, epoch uint64) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	if _, ok := s.live[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.live, id)
	s.finished++
	empty := len(s.live) == 0
	cb := s.onAllFinished
	s.mu.Unlock()

	if empty && cb != nil {
		cb()
	}
}

// StopAll halts everything scheduled or playing, flushes the sink and clears
// the live set. Pending finish callbacks are cancelled; onAllFinished is not
// invoked.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	for _, e := range s.live {
		e.timer.Stop()
	}
	clear(s.live)
	s.epoch++
	s.lastEnd = time.Time{}
	s.mu.Unlock()

	if err := s.sink.Flush(); err != nil {
		slog.Warn("playback: flush sink", "err", err)
	}
}

// Playing returns the number of items that have not finished.
func (s *Scheduler) Playing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Live returns the unfinished items ordered by start time.
func (s *Scheduler) Live() []Item {
	s.mu.Lock()
	items := make([]Item, 0, len(s.live))
	for _, e := range s.live {
		items = append(items, e.item)
	}
	s.mu.Unlock()
	slices.SortFunc(items, func(a, b Item) int { return a.Start.Compare(b.Start) })
	return items
}

// Finished returns how many items have played to completion.
func (s *Scheduler) Finished() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
