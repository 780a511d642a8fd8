// Package app wires all voxgate subsystems into a running broker.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithDetector, WithRecognizer). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxgate/voxgate/internal/bridge"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/server"
	"github.com/voxgate/voxgate/pkg/asr"
	"github.com/voxgate/voxgate/pkg/asr/energy"
	asrmock "github.com/voxgate/voxgate/pkg/asr/mock"
	"github.com/voxgate/voxgate/pkg/asr/whisper"
)

// demoTranscript is what the mock recognizer answers when no script is
// injected, so a broker running without a model still demonstrates the full
// event flow.
const demoTranscript = "<|zh|><|EMO_UNKNOWN|><|Speech|><|woitn|>收到"

// App owns all subsystem lifetimes and serves the voice-to-LLM pipeline.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics    *observe.Metrics
	bridge     *bridge.Bridge
	detector   asr.SpeechDetector
	recognizer asr.Recognizer
	engineErr  error
	web        *server.Server
	httpSrv    *http.Server
	listener   net.Listener

	bridgeDone chan struct{}

	// closers run in reverse order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics set instead of initialising the global OTel
// providers. Tests use this with a noop meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithDetector injects a speech detector instead of building one from config.
func WithDetector(d asr.SpeechDetector) Option {
	return func(a *App) { a.detector = d }
}

// WithRecognizer injects a recognizer instead of building one from config.
func WithRecognizer(r asr.Recognizer) Option {
	return func(a *App) { a.recognizer = r }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: telemetry, speech
// engines, the backend bridge and the HTTP surface. The listen socket is
// bound here so a port conflict fails fast; Run starts serving on it.
//
// Engine construction failures are fatal when asr.strict_model is set.
// Otherwise the broker starts anyway and refuses sessions with a
// "model not ready" warning while /healthz keeps reporting the error.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if a.metrics == nil {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxgate"})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.closers = append(a.closers, shutdown)
		a.metrics = observe.DefaultMetrics()
	}

	// ── 2. Speech engines ────────────────────────────────────────────────
	if err := a.initEngines(); err != nil {
		if cfg.ASR.StrictModel {
			return nil, fmt.Errorf("app: init speech engines: %w", err)
		}
		slog.Warn("speech engines unavailable, sessions will be refused", "error", err)
		a.engineErr = err
	}

	// ── 3. Backend bridge ────────────────────────────────────────────────
	a.bridge = bridge.New(cfg.Backend, a.metrics)

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.web = server.New(cfg, server.Deps{
		Bridge:     a.bridge,
		Detector:   a.detector,
		Recognizer: a.recognizer,
		EngineErr:  a.engineErr,
		Metrics:    a.metrics,
	})
	a.httpSrv = &http.Server{
		Handler:           observe.Middleware(a.metrics)(a.web.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("app: listen on %s: %w", cfg.Server.ListenAddr, err)
	}
	a.listener = ln

	return a, nil
}

// ListenAddr is the bound address, useful when the config asked for port 0.
func (a *App) ListenAddr() string {
	return a.listener.Addr().String()
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initEngines builds the boundary detector and the recognizer selected by
// the config, honoring injected doubles.
func (a *App) initEngines() error {
	if a.detector == nil {
		switch a.cfg.VAD.Engine {
		case config.VADMock:
			a.detector = &asrmock.Detector{}
		default:
			d, err := energy.New(
				energy.WithSampleRate(a.cfg.Audio.SampleRate),
				energy.WithThreshold(a.cfg.VAD.EnergyThreshold),
				energy.WithHangMS(a.cfg.VAD.HangMS),
			)
			if err != nil {
				return fmt.Errorf("build energy detector: %w", err)
			}
			a.detector = d
		}
	}

	if a.recognizer == nil {
		switch a.cfg.ASR.Engine {
		case config.ASRWhisper:
			r, err := whisper.New(a.cfg.ASR.ModelPath,
				whisper.WithLanguage(a.cfg.ASR.Language),
				whisper.WithITN(a.cfg.ASR.UseITN),
			)
			if err != nil {
				return fmt.Errorf("load whisper model: %w", err)
			}
			a.recognizer = r
			a.closers = append(a.closers, func(context.Context) error { return r.Close() })
			slog.Info("whisper model loaded", "path", a.cfg.ASR.ModelPath, "language", a.cfg.ASR.Language)
		default:
			a.recognizer = &asrmock.Recognizer{Default: demoTranscript}
		}
	}

	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the bridge loop and the HTTP server and blocks until ctx is
// cancelled or serving fails. On cancellation the listener stops accepting;
// running sessions keep draining until Shutdown.
func (a *App) Run(ctx context.Context) error {
	// The bridge outlives ctx: sessions draining during shutdown still need
	// it, so only Shutdown stops it.
	a.bridgeDone = make(chan struct{})
	go func() {
		defer close(a.bridgeDone)
		if err := a.bridge.Run(context.Background()); err != nil {
			slog.Warn("bridge loop ended", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("broker listening",
			"addr", a.ListenAddr(),
			"backend", a.cfg.Backend.URL,
			"asr_engine", a.cfg.ASR.Engine,
			"vad_engine", a.cfg.VAD.Engine,
		)
		if err := a.httpSrv.Serve(a.listener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(sctx); err != nil {
			slog.Warn("http listener shutdown", "error", err)
		}
		return gctx.Err()
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the broker down: stop accepting, drain sessions, stop the
// bridge they talk through, then release engines and telemetry. It respects
// the context deadline; when ctx expires remaining steps are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "error", err)
		}
		// Serve may never have started; close the socket directly too.
		_ = a.listener.Close()
		if err := a.web.Shutdown(ctx); err != nil {
			slog.Warn("session drain error", "error", err)
			shutdownErr = err
		}

		a.bridge.Stop()
		if a.bridgeDone != nil {
			select {
			case <-a.bridgeDone:
			case <-ctx.Done():
				shutdownErr = ctx.Err()
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
