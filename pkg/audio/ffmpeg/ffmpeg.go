// Package ffmpeg implements [audio.Source] by running an ffmpeg subprocess
// that records the system microphone and writes raw PCM16 to stdout.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/deskvoice/pkg/audio"
)

var _ audio.Source = (*Capture)(nil)

const (
	startupProbe = 250 * time.Millisecond
	stopGrace    = 1200 * time.Millisecond
)

// Option configures a [Capture].
type Option func(*Capture)

// WithCommand sets the ffmpeg executable. Default: "ffmpeg".
func WithCommand(cmd string) Option {
	return func(c *Capture) { c.command = cmd }
}

// WithInput sets the ffmpeg input format and device, e.g. "pulse" / "default"
// on Linux or "avfoundation" / ":0" on macOS.
func WithInput(format, device string) Option {
	return func(c *Capture) {
		c.inputFormat = format
		c.inputDevice = device
	}
}

// WithSampleRate sets the capture sample rate. Default: [audio.InputSampleRate].
func WithSampleRate(rate int) Option {
	return func(c *Capture) { c.sampleRate = rate }
}

// WithFrameSize sets the samples per delivered block. Default: [audio.DefaultFrameSize].
func WithFrameSize(n int) Option {
	return func(c *Capture) { c.frameSize = n }
}

// Capture streams mono microphone audio from an ffmpeg child process.
type Capture struct {
	command     string
	inputFormat string
	inputDevice string
	sampleRate  int
	frameSize   int

	mu      sync.Mutex
	proc    *os.Process
	stdout  io.ReadCloser
	stderr  *syncBuffer
	waitErr chan error
	exited  chan struct{}
}

// New returns an ffmpeg capture. The subprocess is not started until Open.
func New(opts ...Option) *Capture {
	c := &Capture{
		command:     "ffmpeg",
		inputFormat: "pulse",
		inputDevice: "default",
		sampleRate:  audio.InputSampleRate,
		frameSize:   audio.DefaultFrameSize,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Capture) args() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.inputFormat,
		"-i", c.inputDevice,
		"-ac", "1",
		"-ar", strconv.Itoa(c.sampleRate),
		"-f", "s16le",
		"-",
	}
}

// Open implements [audio.Source]. It waits briefly to catch an ffmpeg that
// exits immediately, which usually means the device could not be opened.
func (c *Capture) Open(ctx context.Context) (<-chan []float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != nil {
		return nil, errors.New("ffmpeg: capture already open")
	}

	cmd := exec.Command(c.command, c.args()...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = stopGrace
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &audio.DeviceError{Device: c.inputDevice, Kind: audio.ErrDeviceUnavailable, Err: err}
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		msg := strings.TrimSpace(stderr.String())
		kind := audio.ErrDeviceUnavailable
		if strings.Contains(strings.ToLower(msg), "permission denied") {
			kind = audio.ErrPermissionDenied
		}
		if err == nil {
			err = errors.New("exited before capture started")
		}
		return nil, &audio.DeviceError{Device: c.inputDevice, Kind: kind, Err: fmt.Errorf("%w: %s", err, msg)}
	case <-time.After(startupProbe):
	}

	out := make(chan []float32, 1)
	c.proc = cmd.Process
	c.stdout = stdout
	c.stderr = stderr
	c.waitErr = waitErr
	c.exited = make(chan struct{})
	go c.readLoop(ctx, stdout, out, c.exited)
	return out, nil
}

func (c *Capture) readLoop(ctx context.Context, r io.Reader, out chan<- []float32, exited chan<- struct{}) {
	defer close(exited)
	defer close(out)
	raw := make([]byte, c.frameSize*2)
	for {
		if _, err := io.ReadFull(r, raw); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("ffmpeg: capture read failed", "err", err)
			}
			return
		}
		buf, err := audio.PCM16ToFloat(raw, c.sampleRate, 1)
		if err != nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case out <- buf.Samples:
		default:
		}
	}
}

// Close implements [audio.Source]. ffmpeg is interrupted first so it can
// release the device cleanly and killed if it does not exit in time.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return nil
	}
	_ = c.proc.Signal(os.Interrupt)

	var stopErr error
	select {
	case err, ok := <-c.waitErr:
		if ok {
			stopErr = normalizeStopErr(err)
		}
	case <-time.After(stopGrace):
		_ = c.proc.Kill()
		if err, ok := <-c.waitErr; ok {
			stopErr = normalizeStopErr(err)
		}
	}
	if err := c.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && stopErr == nil {
		stopErr = err
	}
	<-c.exited
	c.proc = nil

	if stopErr != nil {
		return fmt.Errorf("ffmpeg: stop capture: %w: %s", stopErr, strings.TrimSpace(c.stderr.String()))
	}
	return nil
}

// normalizeStopErr treats a non-zero exit after our own interrupt as success.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// syncBuffer is a bytes.Buffer safe for the exec copier and readers.
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
