// Package app wires the livecopilot subsystems into a running daemon.
//
// The App owns the full lifecycle: New builds the session engine around the
// configured providers, Run serves the HTTP control plane until its context
// is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithBreaker). When an option is not provided, New builds real
// implementations from the config.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/livecopilot/internal/capture"
	"github.com/MrWong99/livecopilot/internal/config"
	"github.com/MrWong99/livecopilot/internal/health"
	"github.com/MrWong99/livecopilot/internal/observe"
	"github.com/MrWong99/livecopilot/internal/resilience"
	"github.com/MrWong99/livecopilot/internal/session"
	"github.com/MrWong99/livecopilot/pkg/audio"
	"github.com/MrWong99/livecopilot/pkg/provider/live"
)

// shutdownGrace bounds the HTTP server drain in Run.
const shutdownGrace = 5 * time.Second

// Providers holds the backends created by main.go via the config registry.
type Providers struct {
	Live  live.Provider
	Audio audio.Platform
}

// App owns all subsystem lifetimes.
type App struct {
	cfg         *config.Config
	providers   *Providers
	metrics     *observe.Metrics
	breaker     *resilience.CircuitBreaker
	engine      *session.Engine
	hub         *Hub
	handler     http.Handler
	defaultMode capture.Mode

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithBreaker guards provider connects with cb instead of a breaker built
// from the resilience config.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(a *App) { a.breaker = cb }
}

// WithCloser registers fn to run during Shutdown after the engine has been
// closed. Used for backend resources such as the audio context.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. The providers come from main.go. New does not touch
// any device; the first capture happens on the first session start.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Live == nil || providers.Audio == nil {
		return nil, errors.New("app: live provider and audio platform are required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	mode, err := capture.ParseMode(cfg.Session.CaptureMode)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.defaultMode = mode
	persona, err := session.ParsePersona(cfg.Session.Persona)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	if a.breaker == nil {
		a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         cfg.Provider.Name,
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
		})
	}

	a.hub = NewHub()
	a.engine = session.New(session.Config{
		Platform:     providers.Audio,
		Provider:     resilience.NewGuardedProvider(providers.Live, a.breaker),
		ProviderName: cfg.Provider.Name,
		Voice:        cfg.Provider.Voice,
		Persona:      persona,
		Instructions: personaOverrides(cfg.Session.Personas),
		Observer:     a.hub,
		Metrics:      a.metrics,
		ActivityRate: cfg.Session.ActivityHz,
	})

	a.handler = a.routes()
	return a, nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /session", a.handleSnapshot)
	mux.HandleFunc("POST /session/start", a.handleStart)
	mux.HandleFunc("POST /session/stop", a.handleStop)
	mux.HandleFunc("POST /session/persona", a.handlePersona)
	mux.HandleFunc("GET /events", a.handleEvents)
	mux.Handle("GET /metrics", promhttp.Handler())

	health.New(
		health.Loaded("config", func() bool { return a.cfg != nil }),
		health.Breaker("provider", a.breaker),
	).Register(mux)

	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the control plane handler.
func (a *App) Handler() http.Handler { return a.handler }

// Engine returns the session engine.
func (a *App) Engine() *session.Engine { return a.engine }

// Hub returns the event hub feeding /events.
func (a *App) Hub() *Hub { return a.hub }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control plane on cfg.Server.ListenAddr and blocks until ctx
// is cancelled or the server fails. On cancellation the server is drained
// and Run returns nil.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("control plane listening", "addr", ln.Addr().String())
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Hijacked event streams are not tracked by Shutdown; close them first.
	a.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("control plane shutdown", "err", err)
	}
	return <-errCh
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change. Changes
// that need a restart are logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.PersonasChanged {
		a.engine.SetInstructions(personaOverrides(d.NewPersonas))
		slog.Info("persona instructions reloaded", "overrides", len(d.NewPersonas))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops any live session and runs the registered closers. It
// respects the context deadline: remaining closers are skipped once ctx
// expires and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.engine.Stop(ctx); err != nil {
			slog.Warn("session stop", "err", err)
		}
		_ = a.engine.Close()
		a.hub.Close()

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

// ─── Helpers ─────────────────────────────────────────────────────────────────

// personaOverrides converts config persona names, which Validate has
// already checked, to engine personas.
func personaOverrides(m map[string]string) map[session.Persona]string {
	out := make(map[session.Persona]string, len(m))
	for name, text := range m {
		p, err := session.ParsePersona(name)
		if err != nil {
			continue
		}
		out[p] = text
	}
	return out
}
