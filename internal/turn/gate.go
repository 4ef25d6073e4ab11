package turn

import (
	"sync"
	"time"
)

// Gate is the microphone mute gate: a mute flag plus the two pieces of
// per-turn state the silence detector needs. It is mutated by the [Detector]
// (automatic silence mute, remote-triggered mute) and by explicit user
// mute/unmute commands; the capture pipeline only reads Muted.
//
// spokenThisTurn is reset on every mute and unmute so the automatic mute can
// fire at most once per continuous speaking turn.
type Gate struct {
	mu             sync.Mutex
	muted          bool
	lastSpeechAt   time.Time
	spokenThisTurn bool
}

// Muted reports whether the microphone is muted. Satisfies capture.Gate.
func (g *Gate) Muted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.muted
}
