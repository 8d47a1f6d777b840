// Package audio defines the audio primitives shared by the capture, transport
// and playback halves of the voice pipeline.
//
// Audio enters the pipeline as float32 sample blocks from a [Source], is packed
// into PCM16 [AudioFrame] values by the codec, and leaves it as decoded
// [Buffer] values written to a [Sink].
package audio

import "time"

const (
	// InputSampleRate is the rate at which microphone audio is captured and
	// streamed to the understanding service.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of synthesized speech received from the
	// understanding service.
	OutputSampleRate = 24000

	// DefaultFrameSize is the number of samples per captured block.
	DefaultFrameSize = 4096

	// InputMIMEType tags outbound audio frames on the wire.
	InputMIMEType = "audio/pcm;rate=16000"
)

// AudioFrame is an immutable block of signed 16-bit little-endian PCM samples.
// Once handed to a transport the frame belongs to it; callers must not retain
// or modify Data afterwards.
type AudioFrame struct {
	// PCM audio data, 2 bytes per sample per channel.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for synthesized speech).
	SampleRate int

	// Channels is 1 for everything the pipeline produces.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (2 * f.Channels)
}

// Buffer is decoded, playable audio.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Duration reports how long the buffer takes to play at its sample rate.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 || b.Channels <= 0 {
		return 0
	}
	frames := len(b.Samples) / b.Channels
	return time.Duration(frames) * time.Second / time.Duration(b.SampleRate)
}
