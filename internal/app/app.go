// Package app wires all voxlate subsystems into a running application.
//
// The App struct owns the full lifecycle: New connects the providers, room
// registry, pipeline, and HTTP surface; Run serves until the context is
// cancelled; Shutdown tears everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/voxlate/voxlate/internal/config"
	"github.com/voxlate/voxlate/internal/health"
	"github.com/voxlate/voxlate/internal/observe"
	"github.com/voxlate/voxlate/internal/pipeline"
	"github.com/voxlate/voxlate/internal/resilience"
	"github.com/voxlate/voxlate/internal/room"
	"github.com/voxlate/voxlate/internal/server"
	"github.com/voxlate/voxlate/pkg/audio"
	"github.com/voxlate/voxlate/pkg/provider/mt"
	"github.com/voxlate/voxlate/pkg/provider/stt"
	"github.com/voxlate/voxlate/pkg/provider/tts"
)

// Providers holds one interface value per pipeline stage. Populated by
// main.go via the config registry.
type Providers struct {
	STT stt.Provider
	MT  mt.Provider
	TTS tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	version string
	metrics *observe.Metrics

	rooms      *room.Registry
	pipe       *pipeline.Pipeline
	httpServer *http.Server

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics injects the metrics instruments. Without this option the app
// runs uninstrumented, which tests rely on.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithVersion sets the version string reported by the HTTP surface.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// New wires an App from validated configuration and constructed providers.
// Each provider is wrapped in a circuit breaker; the breakers feed the
// readiness endpoint so a tripped backend shows up in /readyz.
func New(cfg *config.Config, providers Providers, opts ...Option) (*App, error) {
	if providers.STT == nil || providers.MT == nil || providers.TTS == nil {
		return nil, errors.New("app: stt, mt, and tts providers are all required")
	}

	a := &App{cfg: cfg, version: "dev"}
	for _, o := range opts {
		o(a)
	}

	breakerCfg := resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: time.Duration(cfg.Resilience.ResetTimeoutSec) * time.Second,
		HalfOpenMax:  cfg.Resilience.HalfOpenMax,
	}
	guardedSTT := resilience.GuardSTT(providers.STT, breakerCfg)
	guardedMT := resilience.GuardMT(providers.MT, breakerCfg)
	guardedTTS := resilience.GuardTTS(providers.TTS, breakerCfg)

	a.rooms = room.NewRegistry(room.Config{
		IdleTimeout:   time.Duration(cfg.Rooms.IdleTimeoutSec) * time.Second,
		SweepInterval: time.Duration(cfg.Rooms.SweepIntervalSec) * time.Second,
	}, a.metrics)

	a.pipe = pipeline.New(guardedSTT, guardedMT, guardedTTS, a.rooms, a.metrics, pipeline.Config{
		StageTimeout:       time.Duration(cfg.Pipeline.StageTimeoutMs) * time.Millisecond,
		MinTranscriptChars: cfg.Pipeline.MinTranscriptChars,
		Echo:               cfg.Pipeline.Echo,
	})

	healthHandler := health.New(
		health.BreakerChecker("stt", guardedSTT.Breaker()),
		health.BreakerChecker("mt", guardedMT.Breaker()),
		health.BreakerChecker("tts", guardedTTS.Breaker()),
	)

	srv := server.New(a.rooms, a.pipe, guardedMT, server.ProviderNames{
		STT: providers.STT.Name(),
		MT:  providers.MT.Name(),
		TTS: providers.TTS.Name(),
	}, a.metrics, healthHandler, server.Config{
		Version:           a.version,
		DefaultTargetLang: cfg.Server.DefaultTargetLang,
		Segmenter: audio.SegmenterConfig{
			SampleRate:   cfg.Audio.SampleRate,
			RMSThreshold: cfg.Audio.RMSThreshold,
			SilenceGapMs: cfg.Audio.SilenceGapMs,
			MaxSegmentMs: cfg.Audio.MaxSegmentMs,
		},
		MaxInFlight:  cfg.Session.MaxInFlight,
		SendBuffer:   cfg.Session.SendBuffer,
		WriteTimeout: time.Duration(cfg.Session.WriteTimeoutMs) * time.Millisecond,
	})

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Rooms exposes the registry, mainly for tests.
func (a *App) Rooms() *room.Registry { return a.rooms }

// Run serves HTTP and sweeps idle rooms until ctx is cancelled or the
// listener fails. It always returns after a graceful shutdown attempt.
func (a *App) Run(ctx context.Context) error {
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go a.rooms.Run(sweepCtx)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", a.httpServer.Addr, "tls", a.cfg.Server.TLS != nil)
		if tls := a.cfg.Server.TLS; tls != nil {
			serveErr <- a.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			serveErr <- a.httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown()
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// Shutdown stops the HTTP server gracefully. Safe to call more than once.
func (a *App) Shutdown() error {
	a.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		slog.Info("shutting down")
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.stopErr = fmt.Errorf("app: shutdown: %w", err)
		}
	})
	return a.stopErr
}
