package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/deskvoice/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestResample_SameRate(t *testing.T) {
	t.Parallel()

	in := []float32{0.1, 0.2}
	out := audio.Resample(in, 16000, 16000)
	if &out[0] != &in[0] {
		t.Error("expected input slice returned unchanged")
	}
}

func TestResample_Upsample(t *testing.T) {
	t.Parallel()

	out := audio.Resample([]float32{0, 1}, 16000, 32000)
	want := []float32{0, 0.5, 1, 1}
	if len(out) != len(want) {
		t.Fatalf("length: got %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %f, want %f", i, out[i], want[i])
		}
	}
}

func TestResampleMono16_Length(t *testing.T) {
	t.Parallel()

	in := samplesToBytes(make([]int16, 1600))
	out := audio.ResampleMono16(in, 16000, 24000)
	if got := len(out) / 2; got != 2400 {
		t.Errorf("samples: got %d, want 2400", got)
	}
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()

	got := audio.MonoToStereo([]float32{0.1, -0.2})
	want := []float32{0.1, 0.1, -0.2, -0.2}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestFormatConverter(t *testing.T) {
	t.Parallel()

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 24000, Channels: 1}}

	same := audio.AudioFrame{Data: samplesToBytes([]int16{1, 2}), SampleRate: 24000, Channels: 1}
	if got := conv.Convert(same); len(got.Data) != 4 {
		t.Errorf("passthrough: got %d bytes", len(got.Data))
	}

	in := audio.AudioFrame{Data: samplesToBytes(make([]int16, 160)), SampleRate: 16000, Channels: 1}
	got := conv.Convert(in)
	if got.SampleRate != 24000 || got.Samples() != 240 {
		t.Errorf("converted: got %dHz %d samples", got.SampleRate, got.Samples())
	}

	odd := audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1}
	if got := conv.Convert(odd); len(got.Data) != 0 {
		t.Errorf("odd input: got %d bytes, want 0", len(got.Data))
	}
}

func TestBufferToFormat(t *testing.T) {
	t.Parallel()

	buf := audio.Buffer{Samples: make([]float32, 240), SampleRate: 24000, Channels: 1}
	got := buf.ToFormat(audio.Format{SampleRate: 48000, Channels: 2})
	if got.SampleRate != 48000 || got.Channels != 2 || len(got.Samples) != 960 {
		t.Errorf("got %dHz %dch %d samples", got.SampleRate, got.Channels, len(got.Samples))
	}
	if got.Duration() != buf.Duration() {
		t.Errorf("duration changed: %v -> %v", buf.Duration(), got.Duration())
	}
}
