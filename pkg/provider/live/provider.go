// Package live defines the Provider interface for remote conversational
// speech services.
//
// A live provider wraps a real-time voice AI service that accepts streamed
// microphone audio and returns synthesised audio plus transcripts in a
// single, stateful bidirectional session. Examples include the Gemini Live
// API and the OpenAI Realtime API.
//
// Inbound traffic is surfaced as a single ordered stream of [Event] values
// with one dispatch point, rather than per-kind callbacks, so ordering
// guarantees are easy to reason about and test. The event channel closes
// when the session ends; [SessionHandle.Err] distinguishes a clean close
// from a transport fault.
//
// All implementations must be safe for concurrent use.
package live

import "context"

// Speaker identifies who produced a transcript fragment.
type Speaker string

const (
	// SpeakerUser is the human side of the conversation, as recognised by
	// the remote service.
	SpeakerUser Speaker = "user"

	// SpeakerModel is the remote service's own spoken output.
	SpeakerModel Speaker = "model"
)

// EventType enumerates the inbound event kinds a session delivers.
type EventType int

const (
	// EventTranscript carries partial or final transcript text for either
	// speaker.
	EventTranscript EventType = iota

	// EventTurnComplete signals that the remote finished producing its
	// response turn. No payload.
	EventTurnComplete

	// EventAudio carries one inline audio payload in the session's
	// negotiated output codec.
	EventAudio

	// EventInterrupted signals that previously delivered output audio must
	// be discarded immediately (barge-in).
	EventInterrupted
)

// String returns the event kind name for logs.
func (t EventType) String() string {
	switch t {
	case EventTranscript:
		return "transcript"
	case EventTurnComplete:
		return "turn-complete"
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Event is one inbound session event. Only the fields relevant to Type are
// populated.
type Event struct {
	Type EventType

	// Transcript fields (EventTranscript).
	Speaker Speaker
	Text    string
	Final   bool

	// Audio holds the raw payload bytes (EventAudio).
	Audio []byte
}

// SessionConfig is the initial configuration for a new live session.
type SessionConfig struct {
	// Instructions is the behavioral-instruction payload sent at session
	// start: the persona plus the correction-formatting contract the
	// conversational service must follow.
	Instructions string

	// Voice selects the provider voice for synthesised output. Empty uses
	// the provider default.
	Voice string

	// OutputModality requests the response modality, normally "audio".
	OutputModality string
}

// Capabilities describes static properties of a live provider. Values are
// constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRate is the PCM rate the provider expects on SendAudio.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of EventAudio payloads.
	OutputSampleRate int

	// AudioCodec is the inbound payload codec: "pcm16" or "opus".
	AudioCodec string
}

// SessionHandle represents an open live session. It is an interface so that
// test code can supply scripted implementations without a network connection.
//
// The session is the hot path of the duplex engine — every method must
// return quickly. Callers must call Close when done.
type SessionHandle interface {
	// SendAudio delivers one s16le PCM block at the provider's input rate.
	// Best-effort from the caller's perspective: an error means this block
	// was not transmitted, not that the session is dead.
	SendAudio(chunk []byte) error

	// Events returns the ordered inbound event stream. The channel is closed
	// when the session ends; consumers must drain it promptly so the
	// provider's receive loop is never stalled.
	Events() <-chan Event

	// Err returns the transport error that closed the Events channel, or nil
	// after a clean close. Valid once Events is closed.
	Err() error

	// Close terminates the session and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any live conversational backend.
type Provider interface {
	// Connect establishes a new session with the given configuration. The
	// returned SessionHandle is ready to accept audio immediately. The caller
	// owns the handle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider's audio
	// contract.
	Capabilities() Capabilities
}
