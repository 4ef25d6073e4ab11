package audio

import "time"

// Buffer is a decoded block of floating-point audio ready for playback.
// Samples are interleaved when Channels > 1 and lie in [-1, 1].
type Buffer struct {
	// Samples holds the decoded float32 PCM samples.
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for capture, 24000 for model output).
	SampleRate int

	// Channels: 1 for mono capture/model audio, 2 for stereo playback devices.
	Channels int
}

// Duration returns the playback duration of the buffer. A zero-length or
// misconfigured buffer reports zero.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 || b.Channels <= 0 {
		return 0
	}
	frames := len(b.Samples) / b.Channels
	return time.Duration(frames) * time.Second / time.Duration(b.SampleRate)
}
