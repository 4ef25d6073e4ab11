// Package session implements the streaming session manager: the lifecycle of
// the bidirectional connection to the remote conversational service and the
// routing of its inbound events to the playback scheduler, the turn detector,
// and the upward callbacks.
//
// The manager owns the Connection state machine exclusively; the outside
// world observes connection health only through the state callback. It is the
// single cancellation point: Disconnect is idempotent, safe from any state,
// and must win a race against an in-flight Connect.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleylabs/parley/internal/observe"
	"github.com/parleylabs/parley/internal/playback"
	"github.com/parleylabs/parley/internal/turn"
	"github.com/parleylabs/parley/pkg/audio"
	"github.com/parleylabs/parley/pkg/capture"
	"github.com/parleylabs/parley/pkg/provider/live"
)

// ErrAlreadyConnected is returned by Connect while a connect is in flight or
// a session is established.
var ErrAlreadyConnected = errors.New("session: already connected")

// Connection is the session manager's externally observable state.
type Connection int

const (
	// Disconnected: no session, no capture. The initial and terminal state.
	Disconnected Connection = iota

	// Connecting: device acquisition or remote handshake in progress.
	Connecting

	// Connected: live session established, capture pipeline running.
	Connected

	// Errored: a fatal device or transport fault occurred. Only an explicit
	// Disconnect (reset) leaves this state.
	Errored
)

// String returns the state name for logs and callbacks.
func (c Connection) String() string {
	switch c {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Callbacks is the upward notification surface. All fields are optional; a
// nil callback is simply skipped. Callbacks are invoked from the capture
// callback thread or the session receive goroutine and must not block.
type Callbacks struct {
	// OnState fires on every Connection transition.
	OnState func(Connection)

	// OnVolume fires once per captured block with the RMS level, exactly 0
	// while the mic gate is muted.
	OnVolume func(float64)

	// OnTranscript fires per inbound transcript fragment. The collaborator
	// merges consecutive same-speaker fragments.
	OnTranscript func(text string, speaker live.Speaker, final bool)

	// OnTurnComplete fires when the silence detector ends the user's turn.
	OnTurnComplete func()

	// OnError fires with a human-readable message for fatal faults, before
	// or alongside the transition to Errored. Recoverable faults (send
	// failures, decode errors) never reach it.
	OnError func(msg string)
}

// Option configures a [Manager].
type Option func(*Manager)

// WithMetrics replaces the metrics instance, used by tests to avoid the
// global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithDetectorOptions passes options through to the turn detector, used by
// tests to install a fake clock or shorten the silence window.
func WithDetectorOptions(opts ...turn.Option) Option {
	return func(mgr *Manager) { mgr.detectorOpts = opts }
}

// WithProviderName sets the provider label attached to connect metrics.
func WithProviderName(name string) Option {
	return func(mgr *Manager) { mgr.providerName = name }
}

// Manager is the streaming session manager. Construct with [New]; all
// exported methods are safe for concurrent use.
type Manager struct {
	provider     live.Provider
	providerName string
	device       capture.Device
	cb           Callbacks
	metrics      *observe.Metrics

	detectorOpts []turn.Option

	gate      *turn.Gate
	detector  *turn.Detector
	pipeline  *capture.Pipeline
	scheduler *playback.Scheduler

	mu    sync.Mutex
	state Connection
	sess  live.SessionHandle

	// gen invalidates stale goroutines: Disconnect bumps it so a late
	// connect completion or a receive-loop teardown for a previous session
	// cannot resurrect torn-down resources.
	gen uint64
}

// New wires a Manager from its collaborators. The playback path is built
// from the provider's static capabilities: output sample rate and, for
// providers that negotiate it, an Opus decoder.
func New(provider live.Provider, device capture.Device, clock audio.Clock, sink audio.Sink, cb Callbacks, opts ...Option) (*Manager, error) {
	m := &Manager{
		provider:     provider,
		providerName: "live",
		device:       device,
		cb:           cb,
		metrics:      observe.DefaultMetrics(),
		state:        Disconnected,
		gate:         &turn.Gate{},
	}
	for _, o := range opts {
		o(m)
	}

	caps := provider.Capabilities()

	m.detector = turn.New(m.gate, m.localTurnComplete, m.detectorOpts...)

	// Outbound blocks are captured at the fixed mic rate; providers that
	// expect a different PCM rate on SendAudio get resampled blocks.
	var pipeOpts []capture.Option
	if caps.InputSampleRate > 0 && caps.InputSampleRate != capture.SampleRate {
		pipeOpts = append(pipeOpts, capture.WithSendRate(caps.InputSampleRate))
	}
	m.pipeline = capture.New(m.gate, capture.Handlers{
		Volume: m.volume,
		Block:  m.block,
		Send:   m.send,
	}, pipeOpts...)

	var schedOpts []playback.Option
	if caps.AudioCodec == "opus" {
		dec, err := audio.NewOpusDecoder(caps.OutputSampleRate, 1)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		schedOpts = append(schedOpts, playback.WithDecoder(dec.Decode))
	}
	m.scheduler = playback.New(clock, sink, caps.OutputSampleRate, schedOpts...)

	return m, nil
}

// State returns the current Connection state.
func (m *Manager) State() Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Scheduler exposes the playback scheduler, primarily for tests asserting
// cursor and active-set behavior.
func (m *Manager) Scheduler() *playback.Scheduler { return m.scheduler }

// Connect acquires the capture device, opens the live session with the given
// behavioral instructions and output modality, and on success transitions to
// Connected with the capture pipeline running and the mic gate open. On a
// device or transport failure it transitions to Errored, reports the error
// upward, and tears down whatever was partially acquired.
//
// A concurrent Disconnect wins: if it runs while Connect is in flight, the
// late success is discarded and its resources released.
func (m *Manager) Connect(ctx context.Context, cfg live.SessionConfig) error {
	m.mu.Lock()
	if m.state == Connecting || m.state == Connected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.gen++
	gen := m.gen
	m.state = Connecting
	m.mu.Unlock()
	m.notifyState(Connecting)

	start := time.Now()

	if err := m.pipeline.Start(m.device); err != nil {
		err = fmt.Errorf("acquire capture device: %w", err)
		m.failConnect(ctx, gen, start, err)
		return err
	}

	handle, err := m.provider.Connect(ctx, cfg)
	if err != nil {
		m.pipeline.Stop()
		err = fmt.Errorf("open live session: %w", err)
		m.failConnect(ctx, gen, start, err)
		return err
	}

	m.mu.Lock()
	if m.gen != gen || m.state != Connecting {
		// Disconnect ran while we were dialing. Do not resurrect.
		m.mu.Unlock()
		m.pipeline.Stop()
		handle.Close()
		return nil
	}
	m.sess = handle
	m.state = Connected
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(ctx, 1)
	m.metrics.RecordConnect(ctx, m.providerName, "ok", time.Since(start).Seconds())
	m.detector.Unmute()
	m.notifyState(Connected)
	slog.Info("live session established", "elapsed", time.Since(start))

	go m.routeEvents(handle, gen)
	return nil
}

// failConnect moves a still-current in-flight connect to Errored and reports
// the fault upward. A stale generation means Disconnect already won; the
// failure is then only logged.
func (m *Manager) failConnect(ctx context.Context, gen uint64, start time.Time, err error) {
	m.metrics.RecordConnect(ctx, m.providerName, "error", time.Since(start).Seconds())

	m.mu.Lock()
	if m.gen != gen || m.state != Connecting {
		m.mu.Unlock()
		slog.Debug("connect failed after disconnect", "err", err)
		return
	}
	m.state = Errored
	m.mu.Unlock()

	slog.Error("connect failed", "err", err)
	if m.cb.OnError != nil {
		m.cb.OnError(err.Error())
	}
	m.notifyState(Errored)
}

// Disconnect tears everything down in order: capture, session, playback.
// Idempotent and safe from any state, including while a Connect is in
// flight or after a fatal error (acting as the Errored-state reset).
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	sess := m.sess
	m.sess = nil
	changed := m.state != Disconnected
	m.state = Disconnected
	m.mu.Unlock()

	m.pipeline.Stop()
	if sess != nil {
		sess.Close()
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	m.scheduler.Interrupt()
	m.detector.Mute()

	if changed {
		m.notifyState(Disconnected)
		slog.Info("session disconnected")
	}
}

// ApplyTurnTuning updates the silence detector parameters at runtime, e.g.
// after a config hot-reload. Zero values keep the current setting.
func (m *Manager) ApplyTurnTuning(threshold float64, window time.Duration) {
	m.detector.SetTuning(threshold, window)
	slog.Info("turn tuning updated", "threshold", threshold, "window", window)
}

// MuteMic is the explicit user mute command.
func (m *Manager) MuteMic() { m.detector.Mute() }

// UnmuteMic re-opens the mic gate and re-arms the turn detector.
func (m *Manager) UnmuteMic() { m.detector.Unmute() }

// ── Capture pipeline handlers ─────────────────────────────────────────────────

func (m *Manager) volume(v float64) {
	if m.cb.OnVolume != nil {
		m.cb.OnVolume(v)
	}
}

func (m *Manager) block(rms float64) {
	m.metrics.BlocksCaptured.Add(context.Background(), 1)
	m.detector.Observe(rms)
}

// send transmits one encoded block, best-effort. A failure is logged and
// counted; it never changes Connection state.
func (m *Manager) send(pcm []byte) {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return
	}

	if err := sess.SendAudio(pcm); err != nil {
		slog.Warn("audio block send failed", "bytes", len(pcm), "err", err)
		m.metrics.SendFailures.Add(context.Background(), 1)
	}
}

func (m *Manager) localTurnComplete() {
	m.metrics.RecordTurnCompleted(context.Background(), "silence")
	if m.cb.OnTurnComplete != nil {
		m.cb.OnTurnComplete()
	}
}

// ── Inbound routing ────────────────────────────────────────────────────────────

// routeEvents is the single dispatch point for inbound session events. It
// preserves transport delivery order and, when the stream ends, performs the
// full teardown: Errored on a transport fault, Disconnected on a clean close.
func (m *Manager) routeEvents(sess live.SessionHandle, gen uint64) {
	ctx := context.Background()

	for evt := range sess.Events() {
		switch evt.Type {
		case live.EventTranscript:
			if m.cb.OnTranscript != nil {
				m.cb.OnTranscript(evt.Text, evt.Speaker, evt.Final)
			}

		case live.EventTurnComplete:
			m.detector.RemoteTurnComplete()
			m.metrics.RecordTurnCompleted(ctx, "remote")

		case live.EventAudio:
			// First payload of a remote turn also force-mutes the mic.
			m.detector.RemoteAudioStarted()
			if err := m.scheduler.ScheduleEncoded(evt.Audio); err != nil {
				m.metrics.DecodeErrors.Add(ctx, 1)
			} else {
				m.metrics.ChunksScheduled.Add(ctx, 1)
			}

		case live.EventInterrupted:
			m.scheduler.Interrupt()
			m.metrics.Interruptions.Add(ctx, 1)
		}
	}

	err := sess.Err()

	m.mu.Lock()
	if m.gen != gen {
		// Disconnect already tore this session down.
		m.mu.Unlock()
		return
	}
	m.gen++
	m.sess = nil
	to := Disconnected
	if err != nil {
		to = Errored
	}
	m.state = to
	m.mu.Unlock()

	m.pipeline.Stop()
	sess.Close()
	m.scheduler.Interrupt()
	m.detector.Mute()
	m.metrics.ActiveSessions.Add(ctx, -1)

	if err != nil {
		slog.Error("session transport fault", "err", err)
		if m.cb.OnError != nil {
			m.cb.OnError(err.Error())
		}
	} else {
		slog.Info("session closed by remote")
	}
	m.notifyState(to)
}

func (m *Manager) notifyState(c Connection) {
	if m.cb.OnState != nil {
		m.cb.OnState(c)
	}
}
