package turn

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestDetector(t *testing.T, onTurnComplete func()) (*Detector, *Gate, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	gate := &Gate{}
	d := New(gate, onTurnComplete, WithClock(clock.Now))
	return d, gate, clock
}

func TestObserve_SpeechSetsSpokenAndKeepsGateOpen(t *testing.T) {
	d, gate, _ := newTestDetector(t, nil)
	d.Unmute()

	d.Observe(0.05)

	if gate.Muted() {
		t.Error("speech must not change the mute state")
	}
	gate.mu.Lock()
	spoken := gate.spokenThisTurn
	gate.mu.Unlock()
	if !spoken {
		t.Error("spokenThisTurn = false after speech, want true")
	}
	if d.State() != StateListening {
		t.Errorf("state = %v, want %v", d.State(), StateListening)
	}
}

func TestObserve_SpeechTracksEvenWhileMuted(t *testing.T) {
	d, gate, _ := newTestDetector(t, nil)
	d.Mute()

	d.Observe(0.05)

	gate.mu.Lock()
	spoken := gate.spokenThisTurn
	gate.mu.Unlock()
	if !spoken {
		t.Error("spokenThisTurn must track speech even while muted")
	}
}

func TestObserve_SilenceTimeoutFiresExactlyOnce(t *testing.T) {
	fired := 0
	d, gate, clock := newTestDetector(t, func() { fired++ })
	d.Unmute()

	// Speak for 1000 ms at RMS 0.05, one block every 100 ms.
	for i := 0; i < 10; i++ {
		d.Observe(0.05)
		clock.Advance(100 * time.Millisecond)
	}

	// Fall silent for 2600 ms.
	for i := 0; i < 26; i++ {
		d.Observe(0.001)
		clock.Advance(100 * time.Millisecond)
	}

	if fired != 1 {
		t.Fatalf("turn-complete fired %d times, want exactly 1", fired)
	}
	if !gate.Muted() {
		t.Error("gate must be force-muted when the turn ends")
	}
	if d.State() != StateTurnEnded {
		t.Errorf("state = %v, want %v", d.State(), StateTurnEnded)
	}

	// More silence must not re-fire without an intervening unmute.
	for i := 0; i < 30; i++ {
		d.Observe(0.001)
		clock.Advance(100 * time.Millisecond)
	}
	if fired != 1 {
		t.Errorf("turn-complete re-fired without unmute: %d times", fired)
	}
}

func TestObserve_TimeoutAtRoughlySilenceDuration(t *testing.T) {
	fired := 0
	d, _, clock := newTestDetector(t, func() { fired++ })
	d.Unmute()

	d.Observe(0.05)
	speechStopped := clock.now

	// Walk silence forward in 100 ms steps until the event fires.
	for i := 0; i < 40 && fired == 0; i++ {
		clock.Advance(100 * time.Millisecond)
		d.Observe(0.001)
	}

	elapsed := clock.now.Sub(speechStopped)
	if fired != 1 {
		t.Fatal("turn-complete never fired")
	}
	if elapsed < SilenceDuration || elapsed > SilenceDuration+200*time.Millisecond {
		t.Errorf("fired after %v of silence, want ~%v", elapsed, SilenceDuration)
	}
}

func TestObserve_NoEventWithoutSpeech(t *testing.T) {
	fired := 0
	d, _, clock := newTestDetector(t, func() { fired++ })
	d.Unmute()

	for i := 0; i < 50; i++ {
		d.Observe(0.001)
		clock.Advance(100 * time.Millisecond)
	}

	if fired != 0 {
		t.Errorf("turn-complete fired %d times with no speech, want 0", fired)
	}
}

func TestObserve_SilenceTimerState(t *testing.T) {
	d, _, clock := newTestDetector(t, nil)
	d.Unmute()

	d.Observe(0.05)
	clock.Advance(500 * time.Millisecond)
	d.Observe(0.001)

	if d.State() != StateSilenceTimer {
		t.Errorf("state = %v, want %v", d.State(), StateSilenceTimer)
	}

	// Speech resets back to listening.
	d.Observe(0.05)
	if d.State() != StateListening {
		t.Errorf("state = %v after renewed speech, want %v", d.State(), StateListening)
	}
}

func TestUnmute_RearmsAfterTurnEnd(t *testing.T) {
	fired := 0
	d, gate, clock := newTestDetector(t, func() { fired++ })
	d.Unmute()

	speakThenSilence := func() {
		for i := 0; i < 5; i++ {
			d.Observe(0.05)
			clock.Advance(100 * time.Millisecond)
		}
		for i := 0; i < 27; i++ {
			d.Observe(0.001)
			clock.Advance(100 * time.Millisecond)
		}
	}

	speakThenSilence()
	if fired != 1 {
		t.Fatalf("first turn: fired %d times, want 1", fired)
	}

	d.Unmute()
	if gate.Muted() {
		t.Fatal("gate still muted after unmute")
	}
	if d.State() != StateListening {
		t.Fatalf("state = %v after unmute, want %v", d.State(), StateListening)
	}

	speakThenSilence()
	if fired != 2 {
		t.Errorf("second turn: fired %d times total, want 2", fired)
	}
}

func TestWithSilenceDuration_ShortWindow(t *testing.T) {
	fired := 0
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d := New(&Gate{}, func() { fired++ },
		WithClock(clock.Now),
		WithSilenceDuration(200*time.Millisecond),
	)
	d.Unmute()

	d.Observe(0.05)
	clock.Advance(250 * time.Millisecond)
	d.Observe(0.001)

	if fired != 1 {
		t.Errorf("fired %d times with shortened window, want 1", fired)
	}
}

func TestSetTuning_AppliesOnNextBlock(t *testing.T) {
	fired := 0
	d, _, clock := newTestDetector(t, func() { fired++ })
	d.Unmute()

	// At the default 2500 ms window, 300 ms of silence is not a turn end.
	d.Observe(0.05)
	clock.Advance(300 * time.Millisecond)
	d.Observe(0.001)
	if fired != 0 {
		t.Fatalf("fired %d times inside the default window, want 0", fired)
	}

	// Tighten the window at runtime; the same elapsed silence now ends the turn.
	d.SetTuning(0, 200*time.Millisecond)
	d.Observe(0.001)
	if fired != 1 {
		t.Errorf("fired %d times after tightening the window, want 1", fired)
	}
}

func TestSetTuning_ThresholdReclassifiesSpeech(t *testing.T) {
	d, gate, _ := newTestDetector(t, nil)
	d.Unmute()

	// 0.05 RMS counts as speech at the default 0.01 threshold...
	d.Observe(0.05)
	gate.mu.Lock()
	spoken := gate.spokenThisTurn
	gate.spokenThisTurn = false
	gate.mu.Unlock()
	if !spoken {
		t.Fatal("0.05 RMS must count as speech at the default threshold")
	}

	// ...but not after raising the threshold above it.
	d.SetTuning(0.1, 0)
	d.Observe(0.05)
	gate.mu.Lock()
	spoken = gate.spokenThisTurn
	gate.mu.Unlock()
	if spoken {
		t.Error("0.05 RMS must not count as speech at a 0.1 threshold")
	}
}

func TestSetTuning_ZeroValuesKeepSettings(t *testing.T) {
	fired := 0
	d, _, clock := newTestDetector(t, func() { fired++ })
	d.Unmute()

	d.SetTuning(0, 0)

	d.Observe(0.05)
	clock.Advance(SilenceDuration + 100*time.Millisecond)
	d.Observe(0.001)
	if fired != 1 {
		t.Errorf("fired %d times, want 1: zero tuning values must keep the defaults", fired)
	}
}

func TestRemoteAudioStarted_MutesOncePerRemoteTurn(t *testing.T) {
	d, gate, _ := newTestDetector(t, nil)
	d.Unmute()

	d.RemoteAudioStarted()
	if !gate.Muted() {
		t.Fatal("first remote audio byte must force-mute the gate")
	}

	// User unmutes mid-response; further audio of the same remote turn must
	// not mute again.
	d.gate.mu.Lock()
	d.gate.muted = false
	d.gate.mu.Unlock()

	d.RemoteAudioStarted()
	if gate.Muted() {
		t.Error("subsequent audio of the same remote turn must not re-mute")
	}

	// After the remote turn completes, the next turn's first byte mutes again.
	d.RemoteTurnComplete()
	d.gate.mu.Lock()
	d.gate.muted = false
	d.gate.mu.Unlock()

	d.RemoteAudioStarted()
	if !gate.Muted() {
		t.Error("first audio byte of a new remote turn must force-mute")
	}
}

func TestRemoteTurnComplete_IdempotentWithAudioStart(t *testing.T) {
	d, gate, _ := newTestDetector(t, nil)
	d.Unmute()

	// Both triggers of the same remote turn; the second is a no-op.
	d.RemoteAudioStarted()
	d.RemoteTurnComplete()

	if !gate.Muted() {
		t.Error("gate must stay muted")
	}
}

func TestEndUserTurn_NoUpwardEventWhenAlreadyMuted(t *testing.T) {
	fired := 0
	d, _, clock := newTestDetector(t, func() { fired++ })
	d.Unmute()

	d.Observe(0.05)
	d.Mute() // explicit user mute clears spokenThisTurn

	for i := 0; i < 30; i++ {
		d.Observe(0.001)
		clock.Advance(100 * time.Millisecond)
	}

	if fired != 0 {
		t.Errorf("fired %d times after explicit mute, want 0", fired)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateListening, "listening"},
		{StateSilenceTimer, "silence-timer"},
		{StateTurnEnded, "turn-ended"},
		{State(99), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
