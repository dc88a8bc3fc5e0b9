// Command livevox is a real-time voice client for speech-to-speech model
// sessions. It captures the microphone, streams it to the configured
// transport, plays the model's audio and serves a small HTTP UI surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/livevox/internal/app"
	"github.com/MrWong99/livevox/internal/config"
	"github.com/MrWong99/livevox/internal/observe"
	"github.com/MrWong99/livevox/pkg/transport"
	"github.com/MrWong99/livevox/pkg/transport/gemini"
	"github.com/MrWong99/livevox/pkg/transport/genailive"
	"github.com/MrWong99/livevox/pkg/transport/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "livevox.yaml", "path to the YAML configuration file")
	autostart := flag.Bool("autostart", false, "start a session immediately")
	watch := flag.Bool("watch", true, "reload session settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livevox: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livevox: %v\n", err)
		}
		return 1
	}
	config.ApplyEnv(cfg, os.Getenv)

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.ParseLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(os.Stderr, cfg.Server.LogFormat, &level))

	slog.Info("livevox starting",
		"version", version,
		"config", *configPath,
		"transport", cfg.Transport.Name,
		"fallbacks", len(cfg.Transport.Fallbacks),
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "livevox",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinTransports(reg)

	opts := []app.Option{
		app.WithRegistry(reg),
		app.WithLogLevel(&level),
		app.WithAutostart(*autostart),
	}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, os.Getenv))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Transport wiring ──────────────────────────────────────────────────────────

// registerBuiltinTransports wires the transports that ship with livevox into
// reg. The model is passed per Connect, so factories only carry credentials
// and endpoints.
func registerBuiltinTransports(reg *config.Registry) {
	reg.Register(gemini.Name, func(e config.TransportEntry) (transport.Provider, error) {
		var opts []gemini.Option
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		return gemini.New(e.APIKey, opts...), nil
	})

	reg.Register(genailive.Name, func(e config.TransportEntry) (transport.Provider, error) {
		var opts []genailive.Option
		if e.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(e.BaseURL))
		}
		return genailive.New(e.APIKey, opts...), nil
	})

	reg.Register(openai.Name, func(e config.TransportEntry) (transport.Provider, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, opts...), nil
	})

	slog.Debug("registered transports", "names", reg.Names())
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
