// Package capture owns the microphone side of the Parley duplex engine: a
// [Device] abstraction over the platform audio input and a [Pipeline] that
// turns the device's fixed-size sample blocks into volume updates, turn
// detector feed, and encoded blocks for transmission.
//
// Device implementations are provided by adapter packages (audio/malgodev
// for the miniaudio backend, capture/mock for tests). The interface is
// intentionally narrow so the pipeline stays decoupled from platform details.
package capture

import "errors"

// Capture runs at 16 kHz mono; blocks are fixed-size sample slices.
const (
	// SampleRate is the capture input rate in Hz.
	SampleRate = 16000

	// Channels is the capture channel count.
	Channels = 1

	// BlockSize is the number of samples per capture block (128 ms at 16 kHz).
	BlockSize = 2048
)

// ErrDeviceUnavailable reports that no capture device exists or that
// permission to use it was denied. Fatal to connect; no retry is attempted.
var ErrDeviceUnavailable = errors.New("capture: audio input device unavailable")

// Device is the microphone input abstraction. Start begins delivering
// fixed-size sample blocks to onBlock from the device's own callback thread;
// Stop releases the device and must be idempotent.
//
// onBlock is invoked once per [BlockSize] samples and must return before the
// next block is due to avoid underruns.
type Device interface {
	Start(onBlock func(samples []float32)) error
	Stop() error
}
