package audio

import "time"

// Handle identifies one chunk that has been handed to a [Sink]. Stop discards
// the chunk immediately; stopping an already finished chunk is a no-op.
type Handle interface {
	Stop()
}

// Sink accepts decoded buffers for playback at absolute offsets on the sink's
// own playback clock. done is invoked once when the chunk finishes playing
// naturally; it is not invoked after Stop.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	PlayAt(buf Buffer, at time.Duration, done func()) Handle
}

// Clock exposes the current playback-clock time of a [Sink]. The scheduler
// uses it to snap its cursor forward after a stall.
type Clock interface {
	Now() time.Duration
}
