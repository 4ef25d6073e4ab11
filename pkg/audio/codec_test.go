package audio_test

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/parleylabs/parley/pkg/audio"
)

func TestEncodePCM16_KnownValues(t *testing.T) {
	got := audio.EncodePCM16([]float32{0, 1, -1})
	if len(got) != 6 {
		t.Fatalf("length mismatch: got %d, want 6", len(got))
	}
	if v := int16(got[0]) | int16(got[1])<<8; v != 0 {
		t.Errorf("sample 0: got %d, want 0", v)
	}
	if v := int16(got[2]) | int16(got[3])<<8; v != 32767 {
		t.Errorf("sample 1: got %d, want 32767", v)
	}
	if v := int16(got[4]) | int16(got[5])<<8; v != -32767 {
		t.Errorf("sample 2: got %d, want -32767", v)
	}
}

func TestEncodePCM16_ClampsOutOfRange(t *testing.T) {
	got := audio.EncodePCM16([]float32{2.5, -3})
	if v := int16(got[0]) | int16(got[1])<<8; v != 32767 {
		t.Errorf("positive overflow: got %d, want 32767", v)
	}
	if v := int16(got[2]) | int16(got[3])<<8; v != -32767 {
		t.Errorf("negative overflow: got %d, want -32767", v)
	}
}

func TestDecodePCM16_EmptyInput(t *testing.T) {
	buf, err := audio.DecodePCM16(nil, 24000, 1)
	if err != nil {
		t.Fatalf("DecodePCM16(nil): %v", err)
	}
	if len(buf.Samples) != 0 {
		t.Errorf("expected zero-length buffer, got %d samples", len(buf.Samples))
	}
	if buf.SampleRate != 24000 || buf.Channels != 1 {
		t.Errorf("buffer format not preserved: %+v", buf)
	}
}

func TestDecodePCM16_OddByteCount(t *testing.T) {
	_, err := audio.DecodePCM16([]byte{0x01, 0x02, 0x03}, 24000, 1)
	if !errors.Is(err, audio.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

// Encode → decode must reproduce samples within one quantization step.
func TestCodecRoundTrip(t *testing.T) {
	cases := [][]float32{
		nil,
		{0},
		{0.5, -0.5, 0.25, -0.25},
		{0.9999, -0.9999, 0.0001, -0.0001},
	}
	const step = 1.0 / 32768

	for _, samples := range cases {
		buf, err := audio.DecodePCM16(audio.EncodePCM16(samples), 16000, 1)
		if err != nil {
			t.Fatalf("round trip decode: %v", err)
		}
		if len(buf.Samples) != len(samples) {
			t.Fatalf("length mismatch: got %d, want %d", len(buf.Samples), len(samples))
		}
		for i, want := range samples {
			if diff := math.Abs(float64(buf.Samples[i]) - float64(want)); diff > step {
				t.Errorf("sample %d: got %f, want %f (diff %f)", i, buf.Samples[i], want, diff)
			}
		}
	}
}

func TestTransportRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0xff, 0x00, 0x7f, 0x80},
		[]byte("arbitrary payload bytes \x00\x01\x02"),
	}
	for _, data := range cases {
		got, err := audio.TransportDecode(audio.TransportEncode(data))
		if err != nil {
			t.Fatalf("TransportDecode: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("round trip mismatch: got %v, want %v", got, data)
		}
	}
}

func TestTransportDecode_Malformed(t *testing.T) {
	if _, err := audio.TransportDecode("not!!valid@@base64"); !errors.Is(err, audio.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f, want 0", got)
	}
	if got := audio.RMS([]float32{0, 0, 0}); got != 0 {
		t.Errorf("RMS(silence) = %f, want 0", got)
	}
	// Constant amplitude: RMS equals the amplitude.
	if got := audio.RMS([]float32{0.5, -0.5, 0.5, -0.5}); math.Abs(got-0.5) > 1e-6 {
		t.Errorf("RMS(±0.5) = %f, want 0.5", got)
	}
	if got := audio.RMS([]float32{-0.3}); got < 0 {
		t.Errorf("RMS must be non-negative, got %f", got)
	}
}

func TestBufferDuration(t *testing.T) {
	buf := audio.Buffer{Samples: make([]float32, 24000), SampleRate: 24000, Channels: 1}
	if got := buf.Duration(); got != time.Second {
		t.Errorf("Duration = %v, want 1s", got)
	}

	stereo := audio.Buffer{Samples: make([]float32, 960), SampleRate: 48000, Channels: 2}
	if got := stereo.Duration(); got != 10*time.Millisecond {
		t.Errorf("stereo Duration = %v, want 10ms", got)
	}

	if got := (audio.Buffer{}).Duration(); got != 0 {
		t.Errorf("zero buffer Duration = %v, want 0", got)
	}
}

func TestResample_SameRate(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out := audio.Resample(in, 24000, 24000)
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(in))
	}
}

func TestResample_Halving(t *testing.T) {
	in := make([]float32, 480)
	out := audio.Resample(in, 48000, 24000)
	if len(out) != 240 {
		t.Fatalf("length mismatch: got %d, want 240", len(out))
	}
}
