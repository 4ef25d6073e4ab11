// Package playback schedules decoded audio chunks for gapless back-to-back
// playback on a single advancing cursor, and can flush everything instantly
// on a barge-in interruption.
//
// The scheduler is deliberately thin: real audio output lives behind the
// audio.Sink contract (pkg/audio/malgodev in production, a recording sink in
// tests) and time behind audio.Clock, so every timing property is testable
// without a sound card.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/parleylabs/parley/pkg/audio"
)

// Decoder turns a raw inbound payload into a playable buffer. The default is
// s16le PCM at the provider's output rate; Opus sessions install an
// audio.OpusDecoder instead.
type Decoder func(data []byte) (audio.Buffer, error)

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithDecoder replaces the inbound payload decoder.
func WithDecoder(dec Decoder) Option {
	return func(s *Scheduler) { s.decode = dec }
}

// Scheduler owns the playback cursor and the set of currently scheduled
// chunk handles. Safe for concurrent use; Schedule and Interrupt may race
// from the session receive goroutine and the command path.
type Scheduler struct {
	clock  audio.Clock
	sink   audio.Sink
	decode Decoder

	mu     sync.Mutex
	cursor time.Duration
	nextID uint64
	active map[uint64]audio.Handle
}

// New creates a Scheduler playing through sink on sink's clock. The default
// decoder treats payloads as s16le mono PCM at sampleRate.
func New(clock audio.Clock, sink audio.Sink, sampleRate int, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock: clock,
		sink:  sink,
		decode: func(data []byte) (audio.Buffer, error) {
			return audio.DecodePCM16(data, sampleRate, 1)
		},
		active: make(map[uint64]audio.Handle),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ScheduleEncoded decodes one inbound payload and schedules it. A decode
// failure is recoverable: the chunk is logged and skipped, the cursor is
// untouched, and other chunks are unaffected. The error is returned so the
// caller can count drops.
func (s *Scheduler) ScheduleEncoded(data []byte) error {
	buf, err := s.decode(data)
	if err != nil {
		if errors.Is(err, audio.ErrDecode) {
			slog.Warn("skipping undecodable audio chunk", "bytes", len(data), "err", err)
		} else {
			slog.Warn("audio chunk decode failed", "err", err)
		}
		return err
	}
	s.Schedule(buf)
	return nil
}

// Schedule queues buf to start at the cursor, snapping the cursor up to the
// current playback-clock time first if it has fallen behind. The cursor then
// advances by the chunk's duration so consecutive chunks play back-to-back
// with no gap or overlap. Empty buffers are ignored.
func (s *Scheduler) Schedule(buf audio.Buffer) {
	dur := buf.Duration()
	if dur == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if now := s.clock.Now(); s.cursor < now {
		s.cursor = now
	}
	at := s.cursor
	s.cursor += dur

	s.nextID++
	id := s.nextID
	s.active[id] = s.sink.PlayAt(buf, at, func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	})
}

// Interrupt stops and discards every scheduled chunk immediately, clears the
// active set, and resets the cursor to zero. No leftover audio plays after a
// remote-signaled interruption.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	stopped := s.active
	s.active = make(map[uint64]audio.Handle)
	s.cursor = 0
	s.mu.Unlock()

	for _, h := range stopped {
		h.Stop()
	}
	if len(stopped) > 0 {
		slog.Debug("playback interrupted", "discarded", len(stopped))
	}
}

// Active returns the number of currently scheduled or playing chunks.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Cursor returns the scheduled start time of the next chunk.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}
