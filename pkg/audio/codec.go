// Package audio provides the codec utilities shared by the capture and
// playback sides of the Parley duplex engine: float ↔ s16le PCM conversion,
// the base64 transport transcoding used on the wire, RMS measurement, and
// linear resampling for playback devices whose rate differs from the model
// output rate.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
)

// ErrDecode reports malformed inbound audio data. Decode failures are
// recoverable: callers skip the offending chunk and keep the session alive.
var ErrDecode = errors.New("audio: malformed pcm data")

// EncodePCM16 quantizes float32 samples in [-1, 1] to little-endian signed
// 16-bit PCM. Out-of-range samples are clamped. The conversion is
// deterministic and lossy; no resampling is performed.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// DecodePCM16 converts little-endian signed 16-bit PCM bytes into a float32
// [Buffer] labelled with the given sample rate and channel count. Empty input
// yields a zero-length buffer and no error. An odd byte count wraps
// [ErrDecode].
func DecodePCM16(data []byte, sampleRate, channels int) (Buffer, error) {
	buf := Buffer{SampleRate: sampleRate, Channels: channels}
	if len(data) == 0 {
		return buf, nil
	}
	if len(data)%2 != 0 {
		return Buffer{}, fmt.Errorf("%w: odd byte count %d", ErrDecode, len(data))
	}

	buf.Samples = make([]float32, len(data)/2)
	for i := range buf.Samples {
		v := int16(data[i*2]) | int16(data[i*2+1])<<8
		buf.Samples[i] = float32(v) / 32768
	}
	return buf, nil
}

// TransportEncode transcodes raw bytes to the text form used on the wire.
func TransportEncode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// TransportDecode is the inverse of [TransportEncode]:
// TransportDecode(TransportEncode(x)) == x for every byte sequence x.
func TransportDecode(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return data, nil
}

// RMS returns the root-mean-square amplitude of a sample block. The result is
// always ≥ 0; an empty block reports 0. RMS is the cheap voice-activity proxy
// used by the turn detector.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Resample converts mono float32 samples from srcRate to dstRate using linear
// interpolation. If the rates match or either is non-positive, the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
