// Package mock provides a scripted [capture.Device] for tests.
package mock

import (
	"sync"

	"github.com/parleylabs/parley/pkg/capture"
)

// Device is a scripted capture device. Tests call [Device.EmitBlock] to
// simulate microphone callbacks; FailStart makes Start return
// [capture.ErrDeviceUnavailable].
type Device struct {
	// FailStart, when true, makes Start fail as if no microphone existed.
	FailStart bool

	mu      sync.Mutex
	onBlock func([]float32)
	started bool
	stops   int
}

// Start records the block callback. Fails when FailStart is set.
func (d *Device) Start(onBlock func(samples []float32)) error {
	if d.FailStart {
		return capture.ErrDeviceUnavailable
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onBlock = onBlock
	d.started = true
	return nil
}

// Stop releases the device. Idempotent.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	d.stops++
	return nil
}

// EmitBlock delivers one scripted sample block to the pipeline, as the real
// device callback would. No-op when the device is stopped.
func (d *Device) EmitBlock(samples []float32) {
	d.mu.Lock()
	cb := d.onBlock
	started := d.started
	d.mu.Unlock()

	if started && cb != nil {
		cb(samples)
	}
}

// EmitConstant emits a block of n samples all set to v. Convenient for
// driving the RMS above or below the silence threshold.
func (d *Device) EmitConstant(v float32, n int) {
	block := make([]float32, n)
	for i := range block {
		block[i] = v
	}
	d.EmitBlock(block)
}

// Started reports whether the device is currently started.
func (d *Device) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// StopCalls returns how many times Stop has been invoked.
func (d *Device) StopCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}
