// Command livecopilot runs the live interview copilot daemon: a session
// engine streaming local audio to a live model and playing its answers,
// controlled over a small HTTP and WebSocket API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livecopilot/internal/app"
	"github.com/MrWong99/livecopilot/internal/config"
	"github.com/MrWong99/livecopilot/internal/observe"
	"github.com/MrWong99/livecopilot/pkg/audio"
	"github.com/MrWong99/livecopilot/pkg/audio/miniaudio"
	"github.com/MrWong99/livecopilot/pkg/audio/speaker"
	"github.com/MrWong99/livecopilot/pkg/provider/live"
	"github.com/MrWong99/livecopilot/pkg/provider/live/gemini"
	"github.com/MrWong99/livecopilot/pkg/provider/live/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listen := flag.String("listen", "", "override server.listen_addr")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livecopilot: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livecopilot: %v\n", err)
		}
		return 1
	}
	if *listen != "" {
		cfg.Server.ListenAddr = *listen
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&level))

	slog.Info("livecopilot starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	devices := &deviceStack{}
	registerBuiltinProviders(reg, devices)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		_ = devices.Close()
		return 1
	}

	application, err := app.New(cfg, providers, app.WithCloser(devices.Close))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = devices.Close()
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if d := config.Diff(old, new); d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		application.ApplyConfig(old, new)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	printStartupSummary(cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	slog.Info("ready, press Ctrl+C to shut down")
	runErr := g.Wait()
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// deviceStack lazily creates the single miniaudio context shared by the
// capture and playback registrations.
type deviceStack struct {
	once sync.Once
	p    *miniaudio.Platform
	err  error
}

func (d *deviceStack) miniaudio(cfg config.AudioConfig) (*miniaudio.Platform, error) {
	d.once.Do(func() {
		opts := []miniaudio.Option{miniaudio.WithFrameSize(cfg.FrameSize)}
		if len(cfg.MonitorDevices) > 0 {
			opts = append(opts, miniaudio.WithMonitorPatterns(cfg.MonitorDevices...))
		}
		d.p, d.err = miniaudio.New(opts...)
	})
	return d.p, d.err
}

// Close releases the miniaudio context if one was created.
func (d *deviceStack) Close() error {
	if d.p == nil {
		return nil
	}
	return d.p.Close()
}

// registerBuiltinProviders wires the built-in live providers and device
// backends into reg.
func registerBuiltinProviders(reg *config.Registry, devices *deviceStack) {
	// ── Live providers ────────────────────────────────────────────────────────

	reg.RegisterLive("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			if !slices.Contains(gemini.Models, entry.Model) {
				slog.Warn("model not in the known gemini list", "model", entry.Model, "known", gemini.Models)
			}
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		warnVoice("gemini-live", entry.Voice, gemini.Voices)
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive("openai-realtime", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		warnVoice("openai-realtime", entry.Voice, openai.Voices)
		return openai.New(entry.APIKey, opts...), nil
	})

	// ── Audio backends ────────────────────────────────────────────────────────

	reg.RegisterInput("miniaudio", func(cfg config.AudioConfig) (audio.InputOpener, error) {
		return devices.miniaudio(cfg)
	})
	reg.RegisterOutput("miniaudio", func(cfg config.AudioConfig) (audio.OutputOpener, error) {
		return devices.miniaudio(cfg)
	})
	reg.RegisterOutput("oto", func(config.AudioConfig) (audio.OutputOpener, error) {
		return speaker.New(), nil
	})
}

func warnVoice(provider, voice string, known []string) {
	if voice != "" && !slices.Contains(known, voice) {
		slog.Warn("voice not offered by provider", "provider", provider, "voice", voice, "known", known)
	}
}

// buildProviders instantiates the configured live provider and audio
// platform.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	p, err := reg.CreateLive(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("create live provider %q: %w", cfg.Provider.Name, err)
	}
	slog.Info("provider created", "kind", "live", "name", cfg.Provider.Name)

	platform, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio platform: %w", err)
	}
	slog.Info("audio platform created", "input", cfg.Audio.Input, "output", cfg.Audio.Output)

	return &app.Providers{Live: p, Audio: platform}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      livecopilot, startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name)
	printRow("Model", cfg.Provider.Model)
	printRow("Voice", cfg.Provider.Voice)
	printRow("Capture", cfg.Audio.Input)
	printRow("Playback", cfg.Audio.Output)
	printRow("Mode", cfg.Session.CaptureMode)
	printRow("Persona", cfg.Session.Persona)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(default)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
