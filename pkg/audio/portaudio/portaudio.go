// Package portaudio implements [audio.Source] and [audio.Sink] on top of the
// PortAudio default input and output devices.
//
// Both types use PortAudio's blocking read/write API. Initialize and Terminate
// are reference counted by PortAudio, so a capture and an output may be open
// at the same time.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/deskvoice/pkg/audio"
)

var (
	_ audio.Source = (*Capture)(nil)
	_ audio.Sink   = (*Output)(nil)
)

// ErrClosed is returned by Write after the output has been closed.
var ErrClosed = errors.New("portaudio: output closed")

// deviceError maps a PortAudio failure onto the audio device error taxonomy.
func deviceError(device string, err error) error {
	kind := audio.ErrDeviceUnavailable
	if strings.Contains(strings.ToLower(err.Error()), "permission") {
		kind = audio.ErrPermissionDenied
	}
	return &audio.DeviceError{Device: device, Kind: kind, Err: err}
}

// ── Capture ──────────────────────────────────────────────────────────────────

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithSampleRate sets the capture sample rate. Default: [audio.InputSampleRate].
func WithSampleRate(rate int) CaptureOption {
	return func(c *Capture) { c.sampleRate = rate }
}

// WithFrameSize sets the samples per delivered block. Default: [audio.DefaultFrameSize].
func WithFrameSize(n int) CaptureOption {
	return func(c *Capture) { c.frameSize = n }
}

// Capture reads mono float32 blocks from the default input device.
type Capture struct {
	sampleRate int
	frameSize  int

	mu      sync.Mutex
	stream  *portaudio.Stream
	done    chan struct{}
	exited  chan struct{}
	dropped atomic.Int64
}

// NewCapture returns a capture for the default input device. The device is
// not touched until Open.
func NewCapture(opts ...CaptureOption) *Capture {
	c := &Capture{sampleRate: audio.InputSampleRate, frameSize: audio.DefaultFrameSize}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open implements [audio.Source].
func (c *Capture) Open(ctx context.Context) (<-chan []float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return nil, errors.New("portaudio: capture already open")
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, deviceError("default input", err)
	}
	buf := make([]float32, c.frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(c.sampleRate), len(buf), buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, deviceError("default input", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, deviceError("default input", err)
	}

	out := make(chan []float32, 1)
	c.stream = stream
	c.done = make(chan struct{})
	c.exited = make(chan struct{})
	go c.readLoop(ctx, stream, buf, out, c.done, c.exited)
	return out, nil
}

func (c *Capture) readLoop(ctx context.Context, stream *portaudio.Stream, buf []float32, out chan<- []float32, done <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)
	defer close(out)
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err := stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			select {
			case <-done:
			default:
				slog.Warn("portaudio: capture read failed", "err", err)
			}
			return
		}
		select {
		case out <- slices.Clone(buf):
		default:
			if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
				slog.Debug("portaudio: consumer busy, dropped capture block", "dropped", n)
			}
		}
	}
}

// Close implements [audio.Source].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	close(c.done)
	stopErr := c.stream.Stop()
	<-c.exited
	closeErr := c.stream.Close()
	c.stream = nil
	termErr := portaudio.Terminate()
	if err := errors.Join(stopErr, closeErr, termErr); err != nil {
		return fmt.Errorf("portaudio: close capture: %w", err)
	}
	return nil
}

// ── Output ───────────────────────────────────────────────────────────────────

// OutputOption configures an [Output].
type OutputOption func(*Output)

// WithOutputFormat sets the device format. Default: [audio.OutputSampleRate] mono.
func WithOutputFormat(f audio.Format) OutputOption {
	return func(o *Output) { o.format = f }
}

// WithFramesPerBuffer sets the device write granularity. Default: 1024.
func WithFramesPerBuffer(n int) OutputOption {
	return func(o *Output) { o.framesPerBuffer = n }
}

// Output plays decoded buffers on the default output device. Writes are queued
// and drained by a background goroutine, so Write never blocks on playback.
type Output struct {
	format          audio.Format
	framesPerBuffer int

	stream *portaudio.Stream
	buf    []float32

	mu     sync.Mutex
	queue  []audio.Buffer
	closed bool
	gen    atomic.Uint64
	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
}

// NewOutput opens and starts the default output device.
func NewOutput(opts ...OutputOption) (*Output, error) {
	o := &Output{
		format:          audio.Format{SampleRate: audio.OutputSampleRate, Channels: 1},
		framesPerBuffer: 1024,
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
		exited:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, deviceError("default output", err)
	}
	o.buf = make([]float32, o.framesPerBuffer*o.format.Channels)
	stream, err := portaudio.OpenDefaultStream(0, o.format.Channels, float64(o.format.SampleRate), o.framesPerBuffer, o.buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, deviceError("default output", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, deviceError("default output", err)
	}
	o.stream = stream
	go o.writeLoop()
	return o, nil
}

// Write implements [audio.Sink].
func (o *Output) Write(buf audio.Buffer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.queue = append(o.queue, buf)
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Flush implements [audio.Sink]. The buffer currently being written is cut
// short at the next device period.
func (o *Output) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = nil
	o.gen.Add(1)
	return nil
}

func (o *Output) next() (audio.Buffer, uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return audio.Buffer{}, 0, false
	}
	b := o.queue[0]
	o.queue = o.queue[1:]
	return b, o.gen.Load(), true
}

func (o *Output) writeLoop() {
	defer close(o.exited)
	for {
		b, gen, ok := o.next()
		if !ok {
			select {
			case <-o.wake:
				continue
			case <-o.done:
				return
			}
		}
		samples := b.ToFormat(o.format).Samples
		for off := 0; off < len(samples); off += len(o.buf) {
			if o.gen.Load() != gen {
				break
			}
			n := copy(o.buf, samples[off:])
			clear(o.buf[n:])
			if err := o.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
				slog.Warn("portaudio: output write failed", "err", err)
				break
			}
			select {
			case <-o.done:
				return
			default:
			}
		}
	}
}

// Close implements [audio.Sink].
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.queue = nil
	o.gen.Add(1)
	close(o.done)
	o.mu.Unlock()

	<-o.exited
	stopErr := o.stream.Stop()
	closeErr := o.stream.Close()
	termErr := portaudio.Terminate()
	if err := errors.Join(stopErr, closeErr, termErr); err != nil {
		return fmt.Errorf("portaudio: close output: %w", err)
	}
	return nil
}
