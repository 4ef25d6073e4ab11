// Package turn implements the silence-based end-of-turn state machine and
// the microphone mute gate it drives.
//
// The detector consumes one RMS volume sample per captured block. Speech
// above the silence threshold keeps the turn alive; once the user has spoken
// and then stayed silent for the silence duration, the detector emits a
// turn-complete event exactly once and force-mutes the gate. The same
// idempotent forced mute is triggered when the remote service signals its own
// turn start (first audio byte) or turn end, so the live microphone never
// bleeds into a turn while the remote is speaking.
package turn

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// SilenceThreshold is the RMS level below which a block counts as silence.
	SilenceThreshold = 0.01

	// SilenceDuration is how long the user must stay silent after speaking
	// before the turn is considered over.
	SilenceDuration = 2500 * time.Millisecond
)

// State is the detector's position in the end-of-turn state machine.
type State int

const (
	// StateIdle: gate muted, no turn in progress.
	StateIdle State = iota

	// StateListening: gate open, waiting for speech or tracking it.
	StateListening

	// StateSilenceTimer: user has spoken and is currently silent; the
	// silence window is running.
	StateSilenceTimer

	// StateTurnEnded: the turn-complete event fired; gate force-muted.
	// Re-armed to StateListening on the next unmute.
	StateTurnEnded
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSilenceTimer:
		return "silence-timer"
	case StateTurnEnded:
		return "turn-ended"
	default:
		return "unknown"
	}
}

// Option configures a [Detector].
type Option func(*Detector)

// WithClock overrides the wall-clock source. Used by tests to drive the
// silence window deterministically.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithSilenceDuration overrides the silence window. Useful in tests to keep
// suite execution fast.
func WithSilenceDuration(dur time.Duration) Option {
	return func(d *Detector) { d.silenceDur = dur }
}

// WithSilenceThreshold overrides the RMS speech threshold.
func WithSilenceThreshold(threshold float64) Option {
	return func(d *Detector) { d.threshold = threshold }
}

// Detector is the end-of-turn state machine. All methods are safe for
// concurrent use: volume samples arrive on the capture callback thread while
// remote signals arrive on the session receive goroutine.
type Detector struct {
	gate       *Gate
	now        func() time.Time
	silenceDur time.Duration
	threshold  float64

	// onTurnComplete fires exactly once per locally detected turn end.
	onTurnComplete func()

	mu    sync.Mutex
	state State

	// remoteFired guards the remote-triggered forced mute so it fires at
	// most once per remote turn. Reset on unmute and on remote turn end.
	remoteFired bool
}

// New creates a Detector driving gate. onTurnComplete is invoked from the
// goroutine that delivered the triggering volume sample and must not block;
// it may be nil.
func New(gate *Gate, onTurnComplete func(), opts ...Option) *Detector {
	d := &Detector{
		gate:           gate,
		now:            time.Now,
		silenceDur:     SilenceDuration,
		threshold:      SilenceThreshold,
		onTurnComplete: onTurnComplete,
		state:          StateIdle,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// State returns the current machine state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SetTuning applies new silence parameters at runtime, taking effect on the
// next observed block. Zero or negative values keep the current setting.
func (d *Detector) SetTuning(threshold float64, window time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if threshold > 0 {
		d.threshold = threshold
	}
	if window > 0 {
		d.silenceDur = window
	}
}

// Observe processes one volume sample. Called once per captured block,
// muted or not, so silence timing stays live across mute transitions.
func (d *Detector) Observe(v float64) {
	now := d.now()

	d.mu.Lock()
	threshold, silenceDur := d.threshold, d.silenceDur
	d.mu.Unlock()

	d.gate.mu.Lock()
	if v > threshold {
		d.gate.lastSpeechAt = now
		d.gate.spokenThisTurn = true
		d.gate.mu.Unlock()

		d.mu.Lock()
		if d.state != StateTurnEnded {
			d.state = StateListening
		}
		d.mu.Unlock()
		return
	}

	spoken := d.gate.spokenThisTurn
	elapsed := now.Sub(d.gate.lastSpeechAt)
	d.gate.mu.Unlock()

	if !spoken {
		return
	}

	if elapsed > silenceDur {
		// spokenThisTurn is cleared by the forced mute, so this fires exactly
		// once per speaking turn.
		fired := d.endUserTurn("silence")
		d.mu.Lock()
		d.state = StateTurnEnded
		d.mu.Unlock()
		if fired && d.onTurnComplete != nil {
			d.onTurnComplete()
		}
		return
	}

	d.mu.Lock()
	if d.state == StateListening {
		d.state = StateSilenceTimer
	}
	d.mu.Unlock()
}

// Mute is the explicit user mute command. Resets per-turn state.
func (d *Detector) Mute() {
	d.gate.mu.Lock()
	d.gate.muted = true
	d.gate.spokenThisTurn = false
	d.gate.mu.Unlock()

	d.mu.Lock()
	d.state = StateIdle
	d.mu.Unlock()
}

// Unmute re-arms the machine to Listening and opens the gate. The silence
// window restarts from now.
func (d *Detector) Unmute() {
	d.gate.mu.Lock()
	d.gate.muted = false
	d.gate.spokenThisTurn = false
	d.gate.lastSpeechAt = d.now()
	d.gate.mu.Unlock()

	d.mu.Lock()
	d.state = StateListening
	d.remoteFired = false
	d.mu.Unlock()
}

// RemoteAudioStarted handles the first byte of remote audio output for a
// turn: force-mute so the live mic does not bleed into the remote's turn.
// Subsequent audio of the same remote turn is a no-op.
func (d *Detector) RemoteAudioStarted() {
	d.mu.Lock()
	if d.remoteFired {
		d.mu.Unlock()
		return
	}
	d.remoteFired = true
	d.mu.Unlock()

	d.endUserTurn("remote audio")
}

// RemoteTurnComplete handles the remote service finishing its response. It
// applies the same forced mute (idempotent — the first audio byte usually
// fired it already) and re-arms the remote guard for the next remote turn.
func (d *Detector) RemoteTurnComplete() {
	d.endUserTurn("remote turn complete")

	d.mu.Lock()
	d.remoteFired = false
	d.mu.Unlock()
}

// endUserTurn is the single idempotent forced-mute operation shared by the
// silence timeout, the remote turn-complete signal, and the first remote
// audio byte. Returns true when it actually muted the gate; a no-op when
// already muted.
func (d *Detector) endUserTurn(reason string) bool {
	d.gate.mu.Lock()
	if d.gate.muted {
		d.gate.mu.Unlock()
		return false
	}
	d.gate.muted = true
	d.gate.spokenThisTurn = false
	d.gate.mu.Unlock()

	slog.Debug("mic gate force-muted", "reason", reason)
	return true
}
