// Package app wires all Parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithProvider, WithCaptureDevice, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/health"
	"github.com/parleylabs/parley/internal/observe"
	"github.com/parleylabs/parley/internal/resilience"
	"github.com/parleylabs/parley/internal/session"
	"github.com/parleylabs/parley/internal/turn"
	"github.com/parleylabs/parley/pkg/audio"
	"github.com/parleylabs/parley/pkg/audio/malgodev"
	"github.com/parleylabs/parley/pkg/capture"
	"github.com/parleylabs/parley/pkg/provider/live"
)

// shutdownTimeout bounds the HTTP server drain during Shutdown.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes: the live provider, the audio devices,
// the session manager, and the observability HTTP server.
type App struct {
	cfg *config.Config

	provider live.Provider
	device   capture.Device
	sink     audio.Sink
	clock    audio.Clock

	manager *Manager
	cb      session.Callbacks

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Manager aliases the session manager type so callers of app need not import
// internal/session for the common case.
type Manager = session.Manager

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects a live provider instead of creating one from the
// config registry.
func WithProvider(p live.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithCaptureDevice injects a capture device instead of opening the real
// microphone.
func WithCaptureDevice(d capture.Device) Option {
	return func(a *App) { a.device = d }
}

// WithPlayback injects a playback sink and clock instead of opening the real
// speaker.
func WithPlayback(sink audio.Sink, clock audio.Clock) Option {
	return func(a *App) {
		a.sink = sink
		a.clock = clock
	}
}

// WithCallbacks sets the upward notification surface (the UI). Defaults to
// log-only callbacks.
func WithCallbacks(cb session.Callbacks) Option {
	return func(a *App) { a.cb = cb }
}

// New creates an App by wiring all subsystems together. The registry maps
// the configured provider name to its constructor; Option functions inject
// test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		cb:  loggingCallbacks(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Live provider ─────────────────────────────────────────────────
	if a.provider == nil {
		p, err := reg.CreateProvider(cfg.Provider)
		if err != nil {
			return nil, fmt.Errorf("app: create provider: %w (registered: %v)", err, reg.Names())
		}
		a.provider = p
	}

	// ── 2. Audio devices ─────────────────────────────────────────────────
	if a.device == nil {
		mic, err := malgodev.NewMicrophone(malgodev.WithCaptureDevice(cfg.Capture.Device))
		if err != nil {
			return nil, fmt.Errorf("app: open microphone: %w", err)
		}
		a.device = mic
		a.closers = append(a.closers, mic.Close)
	}
	if a.sink == nil {
		spk, err := malgodev.NewSpeaker(a.provider.Capabilities().OutputSampleRate,
			malgodev.WithPlaybackDevice(cfg.Playback.Device))
		if err != nil {
			return nil, fmt.Errorf("app: open speaker: %w", err)
		}
		a.sink = spk
		a.clock = spk
		a.closers = append(a.closers, spk.Close)
	}

	// ── 3. Session manager ───────────────────────────────────────────────
	var detectorOpts []turn.Option
	if cfg.Turn.SilenceThreshold > 0 {
		detectorOpts = append(detectorOpts, turn.WithSilenceThreshold(cfg.Turn.SilenceThreshold))
	}
	if cfg.Turn.SilenceMs > 0 {
		detectorOpts = append(detectorOpts, turn.WithSilenceDuration(time.Duration(cfg.Turn.SilenceMs)*time.Millisecond))
	}

	mgr, err := session.New(a.provider, a.device, a.clock, a.sink, a.cb,
		session.WithProviderName(cfg.Provider.Name),
		session.WithDetectorOptions(detectorOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("app: build session manager: %w", err)
	}
	a.manager = mgr

	return a, nil
}

// SessionManager returns the session manager for issuing connect,
// disconnect, and mute commands.
func (a *App) SessionManager() *Manager { return a.manager }

// sessionConfig builds the provider session config from the app config.
func (a *App) sessionConfig() live.SessionConfig {
	modality := string(a.cfg.Session.OutputModality)
	if modality == "" {
		modality = string(config.ModalityAudio)
	}
	return live.SessionConfig{
		Instructions:   a.cfg.Session.Instructions,
		Voice:          a.cfg.Provider.Voice,
		OutputModality: modality,
	}
}

// Run connects the session and serves the observability endpoints until ctx
// is cancelled. It returns the first fatal error, or nil on a clean
// cancellation.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// ── Observability HTTP server ────────────────────────────────────────
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := a.buildHTTPServer(addr)
		g.Go(func() error {
			slog.Info("observability server listening", "addr", addr)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// ── Live session ─────────────────────────────────────────────────────
	g.Go(func() error {
		reconnector := resilience.NewReconnector(resilience.ReconnectConfig{
			Name: "session.connect",
		})
		err := reconnector.Execute(ctx, func(ctx context.Context) error {
			connectCtx, span := observe.StartSpan(ctx, "session.connect")
			defer span.End()
			return a.manager.Connect(connectCtx, a.sessionConfig())
		})
		if err != nil {
			return fmt.Errorf("app: connect: %w", err)
		}

		<-ctx.Done()
		a.manager.Disconnect()
		return nil
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil && err == ctx.Err() {
		return nil
	}
	return err
}

// buildHTTPServer assembles the /healthz, /readyz, and /metrics routes
// behind the tracing middleware.
func (a *App) buildHTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()
	health.New(
		health.ConnectionChecker("session", func() string {
			return a.manager.State().String()
		}),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(observe.DefaultMetrics())(mux),
	}
}

// Shutdown disconnects the session and releases the audio devices.
// Idempotent; safe to call after Run returns.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.manager.Disconnect()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// loggingCallbacks is the default upward surface when no UI is attached:
// transcripts and state changes go to the log, volume updates are dropped.
func loggingCallbacks() session.Callbacks {
	return session.Callbacks{
		OnState: func(c session.Connection) {
			slog.Info("connection state", "state", c)
		},
		OnTranscript: func(text string, speaker live.Speaker, final bool) {
			slog.Info("transcript", "speaker", speaker, "final", final, "text", text)
		},
		OnTurnComplete: func() {
			slog.Debug("user turn complete")
		},
		OnError: func(msg string) {
			slog.Error("session error", "msg", msg)
		},
	}
}
