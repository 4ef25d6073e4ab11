package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/parleylabs/parley/pkg/audio"
)

// Gate reports whether the microphone is currently muted. The turn detector's
// gate satisfies this; the pipeline never mutates it.
type Gate interface {
	Muted() bool
}

// Handlers receives the per-block outputs of the pipeline. All callbacks are
// invoked synchronously from the device callback thread and must not block.
type Handlers struct {
	// Volume is invoked once per block unconditionally with the block's RMS,
	// or exactly 0 while the gate is muted.
	Volume func(rms float64)

	// Block feeds the turn detector with every block's true RMS, muted or not,
	// so silence timing stays live across mute transitions.
	Block func(rms float64)

	// Send receives the s16le-encoded block for transmission. Not invoked
	// while the gate is muted.
	Send func(pcm []byte)
}

// Pipeline pulls fixed-size sample blocks from a [Device] and fans each block
// out to the registered [Handlers]. It owns the device handle exclusively:
// Start acquires it, Stop releases it.
type Pipeline struct {
	gate     Gate
	h        Handlers
	sendRate int

	mu      sync.Mutex
	dev     Device
	running bool
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithSendRate sets the PCM sample rate expected by the Send handler's
// consumer. Blocks are resampled from [SampleRate] before encoding when the
// rates differ. RMS, volume, and detector feeds always see the native rate.
func WithSendRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.sendRate = rate
		}
	}
}

// New creates a Pipeline. gate must not be nil; zero-value handlers are
// skipped individually.
func New(gate Gate, h Handlers, opts ...Option) *Pipeline {
	p := &Pipeline{gate: gate, h: h, sendRate: SampleRate}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start acquires dev and begins block delivery. Returns
// [ErrDeviceUnavailable] (possibly wrapped) when the device cannot be opened.
// Starting an already running pipeline is an error.
func (p *Pipeline) Start(dev Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("capture: pipeline already started")
	}
	if err := dev.Start(p.processBlock); err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("capture: start device: %w", err)
	}
	p.dev = dev
	p.running = true
	return nil
}

// Stop releases the device. Idempotent; stopping a pipeline that never
// started is a no-op.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	dev := p.dev
	p.dev = nil
	p.running = false
	p.mu.Unlock()

	if err := dev.Stop(); err != nil {
		return fmt.Errorf("capture: stop device: %w", err)
	}
	return nil
}

// Running reports whether the pipeline currently owns a started device.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// processBlock is the per-block hot path: RMS, volume callback, detector
// feed, and (unless muted) encode + send. It runs on the device callback
// thread and performs no blocking work.
func (p *Pipeline) processBlock(samples []float32) {
	rms := audio.RMS(samples)
	muted := p.gate.Muted()

	if p.h.Volume != nil {
		if muted {
			p.h.Volume(0)
		} else {
			p.h.Volume(rms)
		}
	}
	if p.h.Block != nil {
		p.h.Block(rms)
	}
	if !muted && p.h.Send != nil {
		out := samples
		if p.sendRate != SampleRate {
			out = audio.Resample(samples, SampleRate, p.sendRate)
		}
		p.h.Send(audio.EncodePCM16(out))
	}
}
