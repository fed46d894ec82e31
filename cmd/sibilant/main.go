// Command sibilant is the main entry point for the Sibilant voice activity
// detection service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sibilant-audio/sibilant/internal/app"
	"github.com/sibilant-audio/sibilant/internal/config"
	"github.com/sibilant-audio/sibilant/internal/observe"
	"github.com/sibilant-audio/sibilant/pkg/audio"
	"github.com/sibilant-audio/sibilant/pkg/audio/mic"
	"github.com/sibilant-audio/sibilant/pkg/audio/mock"
	"github.com/sibilant-audio/sibilant/pkg/audio/rawin"
)

// version is stamped by the linker in release builds.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Load configuration ────────────────────────────────────────────────────
	// A local .env file supplies SIBILANT_* variables during development.
	_ = godotenv.Load()

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sibilant: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sibilant: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("sibilant starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Audio source registry ─────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinSources(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, reg,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithConfigPath(*configPath),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Source wiring ─────────────────────────────────────────────────────────────

// registerBuiltinSources wires the audio sources that ship with the binary
// into reg. The names match [config.KnownSourceNames].
func registerBuiltinSources(reg *config.Registry) {
	// The mock source produces no audio. It exists so the service wiring can
	// be smoke-tested on hosts without capture hardware.
	reg.RegisterSource("mock", func(config.SourceConfig) (audio.Source, error) {
		return &mock.Source{}, nil
	})

	reg.RegisterSource("stdin", func(config.SourceConfig) (audio.Source, error) {
		return rawin.New(os.Stdin), nil
	})

	reg.RegisterSource("portaudio", func(config.SourceConfig) (audio.Source, error) {
		if !mic.Available() {
			return nil, errors.New("microphone capture not compiled in; rebuild with -tags portaudio")
		}
		return mic.New(), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered audio source", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Sibilant — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Source", cfg.Source.Name)
	printRow("Sample rate", fmt.Sprintf("%d Hz", cfg.Pipeline.SampleRate))
	printRow("Buffer size", fmt.Sprintf("%d samples", cfg.Pipeline.BufferSize))
	printRow("Threshold", fmt.Sprintf("%.3f", cfg.Pipeline.NoiseThreshold))
	printRow("Mobile", mobileSummary(cfg.Pipeline.Mobile))
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Log level", string(cfg.Server.LogLevel))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// mobileSummary compresses the mobile adaptation switches into one cell.
func mobileSummary(m config.MobileConfig) string {
	if !m.Enabled {
		return "(disabled)"
	}
	var parts []string
	if m.AdaptiveBufferSize {
		parts = append(parts, "buffer")
	}
	if m.BatteryAware {
		parts = append(parts, "battery")
	}
	if m.PowerSaveEnabled {
		parts = append(parts, "skip")
	}
	if len(parts) == 0 {
		return "enabled"
	}
	return strings.Join(parts, "+")
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned [slog.LevelVar] lets the
// application change the level at runtime when the config file changes.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(level.Level())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}
