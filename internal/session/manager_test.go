package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/parleylabs/parley/internal/observe"
	"github.com/parleylabs/parley/internal/session"
	"github.com/parleylabs/parley/internal/turn"
	"github.com/parleylabs/parley/pkg/audio"
	"github.com/parleylabs/parley/pkg/capture"
	capturemock "github.com/parleylabs/parley/pkg/capture/mock"
	"github.com/parleylabs/parley/pkg/provider/live"
	livemock "github.com/parleylabs/parley/pkg/provider/live/mock"
)

const waitTimeout = 2 * time.Second

// manualClock is a playback clock advanced by hand.
type manualClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *manualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// nullSink discards scheduled chunks but keeps count.
type nullSink struct {
	mu    sync.Mutex
	plays int
	stops int
}

type nullHandle struct{ sink *nullSink }

func (h *nullHandle) Stop() {
	h.sink.mu.Lock()
	h.sink.stops++
	h.sink.mu.Unlock()
}

func (s *nullSink) PlayAt(audio.Buffer, time.Duration, func()) audio.Handle {
	s.mu.Lock()
	s.plays++
	s.mu.Unlock()
	return &nullHandle{sink: s}
}

func (s *nullSink) playCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plays
}

// harness bundles a manager with its scripted collaborators and callback
// recording channels.
type harness struct {
	mgr    *session.Manager
	prov   *livemock.Provider
	sess   *livemock.Session
	dev    *capturemock.Device
	sink   *nullSink
	states chan session.Connection
	texts  chan string
	errs   chan string
	turns  chan struct{}
}

func newHarness(t *testing.T) *harness {
	return newHarnessCaps(t, live.Capabilities{})
}

// newHarnessCaps builds a harness for a provider with the given audio
// contract; the zero value keeps the mock's 16 kHz in / 24 kHz out default.
func newHarnessCaps(t *testing.T, caps live.Capabilities) *harness {
	t.Helper()

	h := &harness{
		sess:   livemock.NewSession(),
		dev:    &capturemock.Device{},
		sink:   &nullSink{},
		states: make(chan session.Connection, 16),
		texts:  make(chan string, 16),
		errs:   make(chan string, 16),
		turns:  make(chan struct{}, 16),
	}
	h.prov = &livemock.Provider{Session: h.sess, ProviderCapabilities: caps}

	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	cb := session.Callbacks{
		OnState:        func(c session.Connection) { h.states <- c },
		OnTranscript:   func(text string, _ live.Speaker, _ bool) { h.texts <- text },
		OnError:        func(msg string) { h.errs <- msg },
		OnTurnComplete: func() { h.turns <- struct{}{} },
	}

	h.mgr, err = session.New(h.prov, h.dev, &manualClock{}, h.sink, cb,
		session.WithMetrics(metrics),
		session.WithDetectorOptions(turn.WithSilenceDuration(100*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return h
}

func (h *harness) wantState(t *testing.T, want session.Connection) {
	t.Helper()
	select {
	case got := <-h.states:
		if got != want {
			t.Fatalf("state transition = %v, want %v", got, want)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for state %v", want)
	}
}

func TestDisconnectBeforeConnect(t *testing.T) {
	h := newHarness(t)

	h.mgr.Disconnect()

	if got := h.mgr.State(); got != session.Disconnected {
		t.Errorf("state = %v, want %v", got, session.Disconnected)
	}
	select {
	case s := <-h.states:
		t.Errorf("unexpected state notification %v for a no-op disconnect", s)
	default:
	}
}

func TestConnect_Success(t *testing.T) {
	h := newHarness(t)

	if err := h.mgr.Connect(context.Background(), live.SessionConfig{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.wantState(t, session.Connecting)
	h.wantState(t, session.Connected)

	if !h.dev.Started() {
		t.Error("capture device must be running after connect")
	}
	if len(h.prov.ConnectCalls) != 1 {
		t.Errorf("provider Connect called %d times, want 1", len(h.prov.ConnectCalls))
	}

	// The gate opens on connect: captured blocks are transmitted.
	h.dev.EmitConstant(0.5, 64)
	if got := len(h.sess.SendAudioCalls); got != 1 {
		t.Errorf("SendAudio called %d times, want 1", got)
	}

	h.mgr.Disconnect()
	h.wantState(t, session.Disconnected)
	if h.dev.Started() {
		t.Error("capture device must be released on disconnect")
	}
	if !h.sess.Closed() {
		t.Error("session must be closed on disconnect")
	}
}

func TestConnect_SecondConnectRejected(t *testing.T) {
	h := newHarness(t)

	if err := h.mgr.Connect(context.Background(), live.SessionConfig{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.mgr.Connect(context.Background(), live.SessionConfig{}); !errors.Is(err, session.ErrAlreadyConnected) {
		t.Errorf("second Connect error = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnect_DeviceUnavailable(t *testing.T) {
	h := newHarness(t)
	h.dev.FailStart = true

	err := h.mgr.Connect(context.Background(), live.SessionConfig{})
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("Connect error = %v, want ErrDeviceUnavailable", err)
	}

	h.wantState(t, session.Connecting)
	h.wantState(t, session.Errored)
	select {
	case <-h.errs:
	case <-time.After(waitTimeout):
		t.Fatal("no error notification for a fatal device fault")
	}
	if len(h.prov.ConnectCalls) != 0 {
		t.Error("provider must not be dialed when the device is unavailable")
	}
}

func TestConnect_TransportFailure(t *testing.T) {
	h := newHarness(t)
	h.prov.ConnectErr = errors.New("dial refused")

	err := h.mgr.Connect(context.Background(), live.SessionConfig{})
	if err == nil {
		t.Fatal("Connect succeeded, want transport error")
	}

	h.wantState(t, session.Connecting)
	h.wantState(t, session.Errored)
	if h.dev.Started() {
		t.Error("partially acquired device must be released on a failed connect")
	}

	// Errored is only left via explicit reset.
	h.mgr.Disconnect()
	h.wantState(t, session.Disconnected)
}

func TestRouting_AudioMutesAndSchedules(t *testing.T) {
	h := newHarness(t)

	if err := h.mgr.Connect(context.Background(), live.SessionConfig{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.wantState(t, session.Connecting)
	h.wantState(t, session.Connected)

	// 100 ms of PCM16 silence at the mock's 24 kHz output rate, followed by
	// a transcript sentinel so we can wait for in-order processing.
	h.sess.Emit(live.Event{Type: live.EventAudio, Audio: make([]byte, 4800)})
	h.sess.Emit(live.Event{Type: live.EventTranscript, Speaker: live.SpeakerModel, Text: "hello"})

	select {
	case <-h.texts:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for transcript event")
	}

	if h.sink.playCount() != 1 {
		t.Errorf("scheduled %d chunks, want 1", h.sink.playCount())
	}
	if h.mgr.Scheduler().Active() != 1 {
		t.Errorf("active set = %d, want 1", h.mgr.Scheduler().Active())
	}

	// First remote audio byte force-mutes: captured blocks stop transmitting.
	h.dev.EmitConstant(0.5, 64)
	if got := len(h.sess.SendAudioCalls); got != 0 {
		t.Errorf("SendAudio called %d times while remote speaks, want 0", got)
	}
}

func TestRouting_InterruptFlushesPlayback(t *testing.T) {
	h := newHarness(t)

	if err := h.mgr.Connect(context.Background(), live.SessionConfig{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.wantState(t, session.Connecting)
	h.wantState(t, session.Connected)

	h.sess.Emit(live.Event{Type: live.EventAudio, Audio: make([]byte, 4800)})
	h.sess.Emit(live.Event{Type: live.EventAudio, Audio: make([]byte, 4800)})
	h.sess.Emit(live.Event{Type: live.EventInterrupted})
	h.sess.Emit(live.Event{Type: live.EventTranscript, Text: "sentinel"})

	select {
	case <-h.texts:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for sentinel transcript")
	}

	if h.mgr.Scheduler().Active() != 0 {
		t.Errorf("active set = %d after interrupt, want 0", h.mgr.Scheduler().Active())
	}
	if h.mgr.Scheduler().Cursor() != 0 {
		t.Errorf("cursor = %v after interrupt, want 0", h.mgr.Scheduler().Cursor())
	}
}

func TestRouting_RemoteTurnCompleteMutes(t *testing.T) {
	h := newHarness(t)

	if err := h.mgr.Connect(context.Background(), live.SessionConfig{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.wantState(t, session.Connecting)
	h.wantState(t, session.Connected)

	h.sess.Emit(live.Event{Type: live.EventTurnComplete})
	h.sess.Emit(live.Event{Type: live.EventTranscript, Text: "sentinel"})

	select {
	case <-h.texts:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for sentinel transcript")
	}

	h.dev.EmitConstant(0.5, 64)
	if got := len(h.sess.SendAudioCalls); got != 0 {
		t.Errorf("SendAudio called %d times after remote turn complete, want 0", got)
	}

	// Unmute re-opens the gate.
	h.mgr.UnmuteMic()
	h.dev.EmitConstant(0.5, 64)
	if got := len(h.sess.SendAudioCalls); got != 1 {
		t.Errorf("SendAudio called %d times after unmute, want 1", got)
	}
}

func TestSend_ResamplesToProviderInputRate(t *testing.T) {
	h := newHarnessCaps(t, live.Capabilities{
		InputSampleRate:  24000,
		OutputSampleRate: 24000,
		AudioCodec:       "pcm16",
	})

	if err := h.mgr.Connect(context.Background(), live.SessionConfig{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.wantState(t, session.Connecting)
	h.wantState(t, session.Connected)

	// 100 ms at the 16 kHz capture rate must leave as 100 ms at 24 kHz.
	h.dev.EmitConstant(0.5, 1600)

	if got := len(h.sess.SendAudioCalls); got != 1 {
		t.Fatalf("SendAudio called %d times, want 1", got)
	}
	if got := len(h.sess.SendAudioCalls[0].Chunk); got != 2400*2 {
		t.Errorf("transmitted chunk = %d bytes, want %d (2400 samples at 24 kHz)", got, 2400*2)
	}
}

func TestSend_NativeRateProviderPassesThrough(t *testing.T) {
	h := newHarness(t) // mock default: 16 kHz input

	if err := h.mgr.Connect(context.Background(), live.SessionConfig{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.wantState(t, session.Connecting)
	h.wantState(t, session.Connected)

	h.dev.EmitConstant(0.5, 1600)

	if got := len(h.sess.SendAudioCalls); got != 1 {
		t.Fatalf("SendAudio called %d times, want 1", got)
	}
	if got := len(h.sess.SendAudioCalls[0].Chunk); got != 1600*2 {
		t.Errorf("transmitted chunk = %d bytes, want %d", got, 1600*2)
	}
}

func TestSendFailure_IsRecoverable(t *testing.T) {
	h := newHarness(t)
	h.sess.SendAudioErr = errors.New("write: broken pipe")

	if err := h.mgr.Connect(context.Background(), live.SessionConfig{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.wantState(t, session.Connecting)
	h.wantState(t, session.Connected)

	h.dev.EmitConstant(0.5, 64)
	h.dev.EmitConstant(0.5, 64)

	if got := h.mgr.State(); got != session.Connected {
		t.Errorf("state = %v after send failures, want Connected", got)
	}
	select {
	case msg := <-h.errs:
		t.Errorf("send failure surfaced to the error channel: %q", msg)
	default:
	}
}

func TestStreamEnd_CleanCloseDisconnects(t *testing.T) {
	h := newHarness(t)

	if err := h.mgr.Connect(context.Background(), live.SessionConfig{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.wantState(t, session.Connecting)
	h.wantState(t, session.Connected)

	h.sess.CloseEvents(nil)

	h.wantState(t, session.Disconnected)
	if h.dev.Started() {
		t.Error("capture device must be released when the stream ends")
	}
	select {
	case msg := <-h.errs:
		t.Errorf("clean close surfaced an error: %q", msg)
	default:
	}
}

func TestStreamEnd_TransportFaultErrors(t *testing.T) {
	h := newHarness(t)

	if err := h.mgr.Connect(context.Background(), live.SessionConfig{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.wantState(t, session.Connecting)
	h.wantState(t, session.Connected)

	h.sess.CloseEvents(errors.New("websocket: connection reset"))

	h.wantState(t, session.Errored)
	select {
	case <-h.errs:
	case <-time.After(waitTimeout):
		t.Fatal("no error notification for a transport fault")
	}
}

func TestSilenceTurnComplete_NotifiesUpward(t *testing.T) {
	h := newHarness(t)

	if err := h.mgr.Connect(context.Background(), live.SessionConfig{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.wantState(t, session.Connecting)
	h.wantState(t, session.Connected)

	// Speak, then stay silent past the shortened 100 ms window.
	h.dev.EmitConstant(0.5, 64)
	time.Sleep(150 * time.Millisecond)
	h.dev.EmitConstant(0.0, 64)

	select {
	case <-h.turns:
	case <-time.After(waitTimeout):
		t.Fatal("no upward turn-complete after silence timeout")
	}

	// Gate is force-muted: volume gated, transmission stopped.
	sends := len(h.sess.SendAudioCalls)
	h.dev.EmitConstant(0.5, 64)
	if got := len(h.sess.SendAudioCalls); got != sends {
		t.Error("transmission must stop after the automatic mute")
	}
}
