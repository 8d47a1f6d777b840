package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FormatConverter adapts mono PCM16 frames to the rate a transport expects on
// the wire. It logs once on the first conversion. Create one per session.
type FormatConverter struct {
	Target Format
	warned sync.Once
}

// Convert returns frame at the target sample rate. Frames already at the
// target rate are returned unchanged. Odd-length frames yield an empty frame.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: frame.Channels, Timestamp: frame.Timestamp}
	}
	if frame.SampleRate == c.Target.SampleRate {
		return frame
	}
	c.warned.Do(func() {
		slog.Debug("audio: resampling outbound frames", "from", frame.SampleRate, "to", c.Target.SampleRate)
	})
	return AudioFrame{
		Data:       ResampleMono16(frame.Data, frame.SampleRate, c.Target.SampleRate),
		SampleRate: c.Target.SampleRate,
		Channels:   frame.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := make([]float32, len(pcm)/2)
	for i := range src {
		src[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	dst := Resample(src, srcRate, dstRate)
	out := make([]byte, len(dst)*2)
	for i, s := range dst {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out
}

// Resample converts mono float samples from srcRate to dstRate using linear
// interpolation. If the rates match the input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// MonoToStereo duplicates each mono sample into an interleaved L+R pair.
func MonoToStereo(samples []float32) []float32 {
	out := make([]float32, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// ToFormat converts a mono buffer to the given output format.
func (b Buffer) ToFormat(f Format) Buffer {
	if b.Channels != 1 {
		return b
	}
	samples := Resample(b.Samples, b.SampleRate, f.SampleRate)
	if f.Channels == 2 {
		samples = MonoToStereo(samples)
	}
	return Buffer{Samples: samples, SampleRate: f.SampleRate, Channels: max(f.Channels, 1)}
}
