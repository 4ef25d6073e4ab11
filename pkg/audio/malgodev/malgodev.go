// Package malgodev adapts the miniaudio backend (github.com/gen2brain/malgo)
// to the Parley audio contracts: [Microphone] implements capture.Device and
// [Speaker] implements the audio.Sink and audio.Clock playback contracts.
//
// Both types own their own malgo context so they can be created and torn down
// independently.
package malgodev

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/parleylabs/parley/pkg/audio"
	"github.com/parleylabs/parley/pkg/capture"
)

// Compile-time assertions against the audio contracts.
var (
	_ capture.Device = (*Microphone)(nil)
	_ audio.Sink     = (*Speaker)(nil)
	_ audio.Clock    = (*Speaker)(nil)
)

// ── Microphone ────────────────────────────────────────────────────────────────

// Microphone is a capture.Device backed by a system microphone at 16 kHz mono
// f32. Sample blocks of capture.BlockSize are assembled from the device
// callback and delivered in order.
type Microphone struct {
	deviceName string

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	dev     *malgo.Device
	pending []float32
}

// MicOption configures a [Microphone].
type MicOption func(*Microphone)

// WithCaptureDevice selects the capture device by name instead of the system
// default. The empty string keeps the default.
func WithCaptureDevice(name string) MicOption {
	return func(m *Microphone) { m.deviceName = name }
}

// NewMicrophone initialises the miniaudio context. The device itself is not
// opened until Start.
func NewMicrophone(opts ...MicOption) (*Microphone, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgodev: init context: %w", err)
	}
	m := &Microphone{ctx: ctx}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Start opens the default capture device and begins delivering blocks.
// Returns capture.ErrDeviceUnavailable when no device can be opened.
func (m *Microphone) Start(onBlock func(samples []float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dev != nil {
		return fmt.Errorf("malgodev: microphone already started")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = capture.Channels
	cfg.SampleRate = capture.SampleRate
	cfg.Alsa.NoMMap = 1

	if m.deviceName != "" {
		id, err := resolveDevice(m.ctx, malgo.Capture, m.deviceName)
		if err != nil {
			return fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	onRecv := func(_, pSample []byte, framecount uint32) {
		if framecount == 0 {
			return
		}
		m.mu.Lock()
		n := int(framecount) * capture.Channels
		for i := 0; i < n && (i+1)*4 <= len(pSample); i++ {
			m.pending = append(m.pending, float32FromBytes(pSample[i*4:]))
		}
		var blocks [][]float32
		for len(m.pending) >= capture.BlockSize {
			block := make([]float32, capture.BlockSize)
			copy(block, m.pending[:capture.BlockSize])
			m.pending = append(m.pending[:0], m.pending[capture.BlockSize:]...)
			blocks = append(blocks, block)
		}
		m.mu.Unlock()

		for _, b := range blocks {
			onBlock(b)
		}
	}

	dev, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		return fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}
	m.dev = dev
	return nil
}

// Stop releases the capture device. Idempotent.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dev == nil {
		return nil
	}
	m.dev.Uninit()
	m.dev = nil
	m.pending = nil
	return nil
}

// Close releases the miniaudio context. Call after Stop.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
	return nil
}

// ── Speaker ───────────────────────────────────────────────────────────────────

// scheduled is one buffer queued on the speaker's playback timeline.
type scheduled struct {
	startFrame int64
	samples    []float32
	done       func()
}

// Speaker plays scheduled buffers through the default output device. Its
// playback clock is the number of frames written to the device since New,
// which makes audio.Clock monotonic and immune to wall-clock jumps.
type Speaker struct {
	sampleRate int
	deviceName string

	mu       sync.Mutex
	ctx      *malgo.AllocatedContext
	dev      *malgo.Device
	playhead int64
	items    map[uint64]*scheduled
	nextID   uint64
}

// SpeakerOption configures a [Speaker].
type SpeakerOption func(*Speaker)

// WithPlaybackDevice selects the playback device by name instead of the
// system default. The empty string keeps the default.
func WithPlaybackDevice(name string) SpeakerOption {
	return func(s *Speaker) { s.deviceName = name }
}

// NewSpeaker opens a playback device at the given mono sample rate and starts
// it. The device idles on silence until buffers are scheduled.
func NewSpeaker(sampleRate int, opts ...SpeakerOption) (*Speaker, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgodev: init context: %w", err)
	}

	s := &Speaker{
		sampleRate: sampleRate,
		ctx:        ctx,
		items:      make(map[uint64]*scheduled),
	}
	for _, o := range opts {
		o(s)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	if s.deviceName != "" {
		id, err := resolveDevice(ctx, malgo.Playback, s.deviceName)
		if err != nil {
			_ = ctx.Uninit()
			ctx.Free()
			return nil, fmt.Errorf("malgodev: %w", err)
		}
		cfg.Playback.DeviceID = id.Pointer()
	}

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: s.fill})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("malgodev: init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("malgodev: start playback device: %w", err)
	}
	s.dev = dev
	return s, nil
}

// Now returns the playback-clock time: frames written so far.
func (s *Speaker) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.playhead) * time.Second / time.Duration(s.sampleRate)
}

// PlayAt schedules buf to start at offset at on the playback clock. Buffers
// are resampled and downmixed to the speaker's mono rate as needed.
func (s *Speaker) PlayAt(buf audio.Buffer, at time.Duration, done func()) audio.Handle {
	samples := buf.Samples
	if buf.Channels == 2 {
		samples = downmix(samples)
	}
	samples = audio.Resample(samples, buf.SampleRate, s.sampleRate)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.items[id] = &scheduled{
		startFrame: int64(at) * int64(s.sampleRate) / int64(time.Second),
		samples:    samples,
		done:       done,
	}
	return &speakerHandle{s: s, id: id}
}

// fill is the device data callback: zero the output then mix every scheduled
// buffer that overlaps this span of the timeline.
func (s *Speaker) fill(pOutput, _ []byte, framecount uint32) {
	s.mu.Lock()

	frames := int64(framecount)
	for i := range pOutput {
		pOutput[i] = 0
	}

	var finished []func()
	for id, item := range s.items {
		// Offset of this callback span inside the item's sample slice.
		rel := s.playhead - item.startFrame
		if rel+frames <= 0 {
			continue // starts after this span
		}
		for f := int64(0); f < frames; f++ {
			idx := rel + f
			if idx < 0 || idx >= int64(len(item.samples)) {
				continue
			}
			mixInto(pOutput, int(f), item.samples[idx])
		}
		if rel+frames >= int64(len(item.samples)) {
			if item.done != nil {
				finished = append(finished, item.done)
			}
			delete(s.items, id)
		}
	}
	s.playhead += frames
	s.mu.Unlock()

	// Completion callbacks run off the audio thread.
	for _, done := range finished {
		go done()
	}
}

// Close stops the playback device and releases the context. Pending buffers
// are discarded without their done callbacks firing.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev != nil {
		s.dev.Uninit()
		s.dev = nil
	}
	if s.ctx != nil {
		_ = s.ctx.Uninit()
		s.ctx.Free()
		s.ctx = nil
	}
	s.items = make(map[uint64]*scheduled)
	return nil
}

// speakerHandle removes its buffer from the timeline on Stop.
type speakerHandle struct {
	s  *Speaker
	id uint64
}

func (h *speakerHandle) Stop() {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	delete(h.s.items, h.id)
}

// ── helpers ───────────────────────────────────────────────────────────────────

// resolveDevice finds an enumerated device by name. An unknown name fails
// with the available device names listed so config typos are diagnosable.
func resolveDevice(ctx *malgo.AllocatedContext, kind malgo.DeviceType, name string) (*malgo.DeviceID, error) {
	infos, err := ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}

	var names []string
	for i := range infos {
		n := infos[i].Name()
		if n == name {
			id := infos[i].ID
			return &id, nil
		}
		names = append(names, n)
	}
	return nil, fmt.Errorf("no device named %q (available: %v)", name, names)
}

// mixInto adds a sample into the f32le output buffer at the given frame,
// clamping to [-1, 1].
func mixInto(out []byte, frame int, sample float32) {
	off := frame * 4
	if off+4 > len(out) {
		return
	}
	cur := math.Float32frombits(binary.LittleEndian.Uint32(out[off:]))
	mixed := cur + sample
	if mixed > 1 {
		mixed = 1
	} else if mixed < -1 {
		mixed = -1
	}
	binary.LittleEndian.PutUint32(out[off:], math.Float32bits(mixed))
}

// downmix averages interleaved stereo samples to mono.
func downmix(stereo []float32) []float32 {
	mono := make([]float32, len(stereo)/2)
	for i := range mono {
		mono[i] = (stereo[i*2] + stereo[i*2+1]) / 2
	}
	return mono
}

func float32FromBytes(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
