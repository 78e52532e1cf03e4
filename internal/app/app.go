// Package app wires all earshot subsystems into a running host.
//
// The App struct owns the full lifecycle: New creates the shared providers
// (the subprocess denoiser, the neural and heuristic VAD engines), Run drives
// the idle reaper and the optional HTTP surface, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithPrimaryDenoiser, WithNeuralVAD, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/earshot-ai/earshot/internal/config"
	"github.com/earshot-ai/earshot/internal/health"
	"github.com/earshot-ai/earshot/internal/observe"
	"github.com/earshot-ai/earshot/pkg/provider/denoise"
	"github.com/earshot-ai/earshot/pkg/provider/denoise/demucs"
	"github.com/earshot-ai/earshot/pkg/provider/vad"
	"github.com/earshot-ai/earshot/pkg/provider/vad/energy"
	"github.com/earshot-ai/earshot/pkg/provider/vad/silero"
)

// httpShutdownTimeout bounds the graceful HTTP server drain during Run
// teardown.
const httpShutdownTimeout = 5 * time.Second

// App owns the shared providers and the session manager.
type App struct {
	cfg     *config.Config
	monitor *health.Monitor
	metrics *observe.Metrics

	primary   denoise.Denoiser
	neural    vad.Engine
	heuristic vad.Engine
	manager   *SessionManager

	// closers are called in reverse order during Shutdown.
	closers      []func() error
	otelShutdown func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPrimaryDenoiser injects a primary denoiser instead of launching the
// subprocess service from config.
func WithPrimaryDenoiser(d denoise.Denoiser) Option {
	return func(a *App) { a.primary = d }
}

// WithNeuralVAD injects a neural VAD engine instead of loading the ONNX model
// from config.
func WithNeuralVAD(e vad.Engine) Option {
	return func(a *App) { a.neural = e }
}

// WithHeuristicVAD injects the fallback VAD engine.
func WithHeuristicVAD(e vad.Engine) Option {
	return func(a *App) { a.heuristic = e }
}

// WithMonitor injects a health monitor instead of creating one from config.
func WithMonitor(m *health.Monitor) Option {
	return func(a *App) { a.monitor = m }
}

// WithMetrics injects a metrics instance instead of initialising the global
// OTel providers.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. Provider
// construction is deliberately lenient: a denoiser or neural VAD that fails
// to come up is logged and skipped, because sessions can run on the
// remaining providers. Only a configuration that leaves no VAD provider at
// all will fail later, at session creation.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// Telemetry. Only set up the global OTel providers when there is an
	// HTTP surface to scrape them from.
	if a.metrics == nil && cfg.Server.ListenAddr != "" {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.otelShutdown = shutdown
		a.metrics = observe.DefaultMetrics()
	}

	if a.monitor == nil {
		a.monitor = health.NewMonitor(health.MonitorConfig{
			Window:         cfg.Health.Window.Std(),
			LatencyCeiling: cfg.Health.LatencyCeiling.Std(),
			IdleAfter:      cfg.Health.IdleAfter.Std(),
		})
	}

	a.initDenoiser()
	a.initVAD()

	a.manager = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Primary:   a.primary,
		Neural:    a.neural,
		Heuristic: a.heuristic,
		Monitor:   a.monitor,
		Metrics:   a.metrics,
	})

	return a, nil
}

// initDenoiser launches the subprocess denoiser when configured. Failure is
// not fatal: the cascade degrades to the spectral gate.
func (a *App) initDenoiser() {
	if a.primary != nil || !a.cfg.Denoise.Primary.Enabled {
		return
	}
	client, err := demucs.New(demucs.Config{
		Command:        a.cfg.Denoise.Primary.Command,
		Args:           a.cfg.Denoise.Primary.Args,
		ModelPath:      a.cfg.Denoise.Primary.ModelPath,
		RequestTimeout: a.cfg.Denoise.Primary.RequestTimeout.Std(),
		InitTimeout:    a.cfg.Denoise.Primary.InitTimeout.Std(),
	})
	if err != nil {
		slog.Warn("primary denoiser unavailable, sessions will fall back to the spectral gate", "err", err)
		return
	}
	a.primary = client
	a.closers = append(a.closers, client.Close)
	slog.Info("primary denoiser ready", "command", a.cfg.Denoise.Primary.Command)
}

// initVAD sets up the shared VAD engines. The heuristic engine always
// exists; the neural engine is loaded only when a model path is configured,
// and a load failure downgrades sessions to the heuristic.
func (a *App) initVAD() {
	if a.heuristic == nil {
		a.heuristic = &energy.Engine{
			ActivityThreshold: a.cfg.VAD.ActivityThreshold,
			Debug:             a.cfg.VAD.Debug,
		}
	}
	if a.neural != nil || a.cfg.VAD.ModelPath == "" {
		return
	}
	eng, err := silero.New(silero.Config{
		ModelPath:         a.cfg.VAD.ModelPath,
		SharedLibraryPath: a.cfg.VAD.OnnxLibraryPath,
		Debug:             a.cfg.VAD.Debug,
	})
	if err != nil {
		slog.Warn("neural VAD unavailable, sessions will use heuristic scoring", "err", err)
		return
	}
	a.neural = eng
	slog.Info("neural VAD ready", "model", a.cfg.VAD.ModelPath)
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.manager }

// Monitor returns the pipeline health monitor.
func (a *App) Monitor() *health.Monitor { return a.monitor }

// Run blocks until ctx is cancelled, driving the session idle reaper and,
// when server.listen_addr is set, the HTTP surface with /metrics, /healthz,
// and /readyz. Returns the context error on orderly termination.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.manager.Run(ctx) })

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())

		checkers := []health.Checker{{Name: "pipeline", Check: a.monitor.Check}}
		// The subprocess denoiser answers a health command; fold it into
		// readiness when present.
		if hc, ok := a.primary.(interface {
			Health(context.Context) error
		}); ok {
			checkers = append(checkers, health.Checker{Name: "denoiser", Check: hc.Health})
		}
		health.New(checkers...).Register(mux)

		srv := &http.Server{
			Addr:              addr,
			Handler:           observe.Middleware(a.metrics)(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			slog.Info("http surface listening", "addr", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shCtx)
		})
	}

	slog.Info("earshot running")
	return g.Wait()
}

// Shutdown tears down all subsystems: live sessions first, then the shared
// providers in reverse-init order, then telemetry. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.manager.Len())

		a.manager.DestroyAll()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		if a.otelShutdown != nil {
			if err := a.otelShutdown(ctx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
