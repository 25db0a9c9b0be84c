// Package app wires all Voxgate subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown stops
// accepting new calls and drains the ones in flight.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithMediaServer). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxgate/voxgate/internal/bridge"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/gateway"
	"github.com/voxgate/voxgate/internal/health"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/resilience"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/realtime"
	"github.com/voxgate/voxgate/pkg/telephony/mediaws"
	"github.com/voxgate/voxgate/pkg/vad"
)

// App owns all subsystem lifetimes: the call session registry, the media
// WebSocket server, the platform event feed and the HTTP server that fronts
// them.
type App struct {
	cfg      *config.Config
	provider realtime.Provider

	metrics  *observe.Metrics
	registry *bridge.Registry
	media    *mediaws.Server
	feed     *gateway.Client
	httpSrv  *http.Server

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics set instead of using the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMediaServer injects a media server instead of creating one from config.
func WithMediaServer(s *mediaws.Server) Option {
	return func(a *App) { a.media = s }
}

// New creates an App by wiring all subsystems together. The provider comes
// from main.go (created via the config registry). cfg must have passed
// [config.Config.Validate].
func New(cfg *config.Config, provider realtime.Provider, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: nil AI provider")
	}
	a := &App{
		cfg:      cfg,
		provider: provider,
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.registry = bridge.NewRegistry(a.metrics, cfg.Limits.MaxConcurrentCalls)

	if a.media == nil {
		a.media = mediaws.NewServer(mediaws.Config{
			Format:      audio.Format{SampleRate: cfg.Telephony.SampleRate, Channels: 1},
			SendTimeout: cfg.Telephony.SendTimeout.Std(),
		})
	}

	if cfg.Telephony.EventsURL != "" {
		a.feed = gateway.New(gateway.Config{
			URL:           cfg.Telephony.EventsURL,
			Registry:      a.registry,
			Media:         a.media,
			Session:       sessionConfig(cfg, provider, a.metrics),
			AttachTimeout: cfg.Limits.MediaAttachTimeout.Std(),
		})
	}

	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Registry exposes the call session registry, primarily for the startup
// summary and tests.
func (a *App) Registry() *bridge.Registry { return a.registry }

// Handler returns the root HTTP handler. Exposed for tests that drive the
// routes through httptest instead of a real listener.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// sessionConfig builds the per-call bridge configuration from the loaded
// config. Every incoming call gets a copy of this template.
func sessionConfig(cfg *config.Config, provider realtime.Provider, metrics *observe.Metrics) bridge.Config {
	telFmt := audio.Format{SampleRate: cfg.Telephony.SampleRate, Channels: 1}
	aiFmt := audio.Format{SampleRate: cfg.AI.SampleRate, Channels: 1}

	session := realtime.SessionConfig{
		Voice:        cfg.AI.Voice,
		Instructions: cfg.AI.Instructions,
		Language:     cfg.AI.Language,
	}
	if td := cfg.AI.TurnDetection; td != nil {
		session.TurnDetection = &realtime.TurnDetection{
			Threshold:       td.Threshold,
			SilenceMs:       td.SilenceMs,
			PrefixPaddingMs: td.PrefixPaddingMs,
		}
	}

	return bridge.Config{
		Provider:            provider,
		AISession:           session,
		TelephonyFormat:     telFmt,
		AIFormat:            aiFmt,
		AIChunkBytes:        aiFmt.BytesFor(time.Duration(cfg.AI.ChunkMs) * time.Millisecond),
		TelephonyFrameBytes: telFmt.BytesFor(time.Duration(cfg.Telephony.FrameMs) * time.Millisecond),
		VAD: vad.Config{
			EnergyThreshold: cfg.VAD.EnergyThreshold,
			SpeechConfirm:   cfg.VAD.SpeechConfirm.Std(),
			SilenceConfirm:  cfg.VAD.SilenceConfirm.Std(),
			Smoothing:       cfg.VAD.Smoothing,
		},
		MaxCallDuration: cfg.Limits.MaxCallDuration.Std(),
		TeardownTimeout: cfg.Limits.TeardownTimeout.Std(),
		ConnectRetry:    resilience.RetryPolicy{Name: "ai-connect"},
		Metrics:         metrics,
	}
}

// buildHandler assembles the HTTP routes. The media stream upgrades to
// WebSocket, so it is mounted outside the observability middleware: the
// hijacked connection must reach the media server untouched.
func (a *App) buildHandler() http.Handler {
	admin := http.NewServeMux()
	checkers := []health.Checker{a.capacityCheck()}
	if a.feed != nil {
		checkers = append(checkers, a.feedCheck())
	}
	health.New(checkers...).Register(admin)
	admin.Handle("GET /metrics", promhttp.Handler())
	admin.HandleFunc("GET /calls", a.handleCalls)

	root := http.NewServeMux()
	root.Handle(a.cfg.Server.MediaPath, a.media)
	root.Handle("/", observe.Middleware(a.metrics)(admin))
	return root
}

// capacityCheck reports not-ready while the registry is at the concurrent
// call cap, so a load balancer can steer new calls elsewhere.
func (a *App) capacityCheck() health.Checker {
	return health.Checker{
		Name: "call_capacity",
		Check: func(context.Context) error {
			maxCalls := a.cfg.Limits.MaxConcurrentCalls
			if n := a.registry.Len(); maxCalls > 0 && n >= maxCalls {
				return fmt.Errorf("at capacity: %d active calls", n)
			}
			return nil
		},
	}
}

// feedCheck reports not-ready while the platform event feed is disconnected.
func (a *App) feedCheck() health.Checker {
	return health.Checker{
		Name: "event_feed",
		Check: func(context.Context) error {
			if !a.feed.Connected() {
				return errors.New("event feed disconnected")
			}
			return nil
		},
	}
}

// handleCalls serves a JSON snapshot of all live call sessions.
func (a *App) handleCalls(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.registry.Snapshot()); err != nil {
		slog.Warn("encode call snapshot", "err", err)
	}
}

// Run serves HTTP and consumes the platform event feed until ctx is
// cancelled, then stops the HTTP listener. Live calls are left to Shutdown.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	if a.feed != nil {
		g.Go(func() error {
			if err := a.feed.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: event feed: %w", err)
			}
			return nil
		})
	} else {
		slog.Warn("no events_url configured; calls must be initiated by the media stream peer")
	}

	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(stopCtx)
	})

	return g.Wait()
}

// Shutdown stops the HTTP listener and drains all live calls. It respects
// the context deadline: calls still running when ctx expires are abandoned
// with a warning.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.registry.Len())

		// Stop accepting new connections before draining calls.
		if err := a.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}
		a.registry.DrainAll(ctx)

		if err := ctx.Err(); err != nil {
			shutdownErr = err
			return
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
