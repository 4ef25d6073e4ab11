package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// maxOpusFrameMs is the largest frame duration an Opus packet may carry.
const maxOpusFrameMs = 60

// OpusDecoder decodes inbound Opus packets into float32 buffers for the
// playback scheduler. Providers that negotiate `audio_codec: opus` deliver
// one Opus packet per audio event; each session gets its own decoder because
// Opus decoding is stateful across consecutive frames.
//
// Not safe for concurrent use; decode from a single goroutine.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
}

// NewOpusDecoder creates a decoder for the given output rate and channel
// count. Opus supports 8, 12, 16, 24 and 48 kHz; gopus rejects other rates.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, sampleRate: sampleRate, channels: channels}, nil
}

// Decode decodes a single Opus packet. Malformed packets wrap [ErrDecode] so
// callers can treat them like any other recoverable decode failure.
func (d *OpusDecoder) Decode(packet []byte) (Buffer, error) {
	if len(packet) == 0 {
		return Buffer{SampleRate: d.sampleRate, Channels: d.channels}, nil
	}

	frameSize := d.sampleRate * maxOpusFrameMs / 1000
	pcm, err := d.dec.Decode(packet, frameSize, false)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: opus: %v", ErrDecode, err)
	}

	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = float32(s) / 32768
	}
	return Buffer{Samples: samples, SampleRate: d.sampleRate, Channels: d.channels}, nil
}
