package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedAudio is returned when PCM16 input has an odd byte count.
var ErrMalformedAudio = errors.New("audio: malformed PCM16 data")

// FloatToPCM16 converts float samples in [-1, 1] to 16-bit little-endian PCM.
// Out-of-range samples are clamped. Negative values scale by 32768 and positive
// values by 32767 so both extremes map onto the full int16 range.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if math.IsNaN(float64(s)) {
			s = 0
		}
		s = max(-1, min(1, s))
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat decodes 16-bit little-endian PCM into a playable [Buffer] at the
// given rate and channel count. Odd-length input fails with [ErrMalformedAudio].
func PCM16ToFloat(data []byte, sampleRate, channels int) (Buffer, error) {
	if len(data)%2 != 0 {
		return Buffer{}, fmt.Errorf("%w: odd byte count %d", ErrMalformedAudio, len(data))
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
	}
	return Buffer{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
}

// NewFrame packs a captured float block into a mono PCM16 [AudioFrame].
func NewFrame(samples []float32, sampleRate int, ts time.Duration) AudioFrame {
	return AudioFrame{
		Data:       FloatToPCM16(samples),
		SampleRate: sampleRate,
		Channels:   1,
		Timestamp:  ts,
	}
}

// EncodeTransport frames binary audio as text for JSON wire formats.
func EncodeTransport(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeTransport reverses [EncodeTransport].
func DecodeTransport(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode transport payload: %w", err)
	}
	return b, nil
}
