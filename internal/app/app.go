// Package app wires the livevox subsystems into a running process.
//
// [New] builds the transport (with failover), the audio devices, the optional
// transcript archive and the session engine from a [config.Config]. [App.Run]
// serves the HTTP UI surface, drives the console consumer and watches the
// config file until its context ends; [App.Shutdown] tears everything down.
//
// For tests, inject doubles with the functional options (WithProvider,
// WithDevices, ...). Anything not injected is built from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livevox/internal/archive"
	"github.com/MrWong99/livevox/internal/capture"
	"github.com/MrWong99/livevox/internal/config"
	"github.com/MrWong99/livevox/internal/engine"
	"github.com/MrWong99/livevox/internal/health"
	"github.com/MrWong99/livevox/internal/observe"
	"github.com/MrWong99/livevox/internal/playback"
	"github.com/MrWong99/livevox/internal/resilience"
	"github.com/MrWong99/livevox/internal/transcript"
	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/transport"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	registry   *config.Registry
	provider   transport.Provider
	breakers   []*resilience.CircuitBreaker
	capDev     audio.CaptureDevice
	outDev     audio.OutputDevice
	archiveW   archive.Writer
	pingers    []health.Checker
	metrics    *observe.Metrics
	console    io.Writer
	logLevel   *slog.LevelVar
	configPath string
	getenv     func(string) string
	watchOpts  []config.WatcherOption
	autostart  bool
	listener   net.Listener

	engine *engine.Engine
	cons   *consoleConsumer

	// closers run in order during Shutdown, after the engine stopped.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry sets the transport registry used when no provider is injected.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithProvider injects the transport instead of building it from the registry.
func WithProvider(p transport.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithDevices injects the microphone and speaker instead of building them
// from the audio config.
func WithDevices(capDev audio.CaptureDevice, outDev audio.OutputDevice) Option {
	return func(a *App) {
		a.capDev = capDev
		a.outDev = outDev
	}
}

// WithArchive injects the transcript archive writer instead of opening
// PostgreSQL from archive.postgres_dsn.
func WithArchive(w archive.Writer) Option {
	return func(a *App) { a.archiveW = w }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConsole sets where the console consumer prints state changes and
// finalized turns. Nil disables the console. Defaults to stdout.
func WithConsole(w io.Writer) Option {
	return func(a *App) { a.console = w }
}

// WithLogLevel lets config reloads change the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithConfigWatch watches path and applies session setting changes to the
// next session. getenv supplies API keys for reloaded configs.
func WithConfigWatch(path string, getenv func(string) string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.configPath = path
		a.getenv = getenv
		a.watchOpts = opts
	}
}

// WithAutostart starts a session as soon as Run begins.
func WithAutostart(on bool) Option {
	return func(a *App) { a.autostart = on }
}

// WithListener serves HTTP on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, console: os.Stdout}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Transport ─────────────────────────────────────────────────────
	if err := a.initTransport(); err != nil {
		return nil, fmt.Errorf("app: init transport: %w", err)
	}

	// ── 2. Devices ───────────────────────────────────────────────────────
	if a.capDev == nil || a.outDev == nil {
		capDev, outDev := buildDevices(cfg.Audio)
		if a.capDev == nil {
			a.capDev = capDev
		}
		if a.outDev == nil {
			a.outDev = outDev
		}
	}

	// ── 3. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 4. Engine ────────────────────────────────────────────────────────
	var sinks multiSink
	if a.archiveW != nil {
		q := archive.NewQueue(a.archiveW)
		sinks = append(sinks, q)
		a.closers = append([]func(context.Context) error{q.Close}, a.closers...)
	}
	if a.console != nil {
		a.cons = newConsoleConsumer(a.console)
		sinks = append(sinks, a.cons)
	}

	engOpts := []engine.Option{
		engine.WithSessionConfig(cfg.Transport.Model, cfg.Session.Transport()),
		engine.WithGreeting(cfg.Session.Greeting),
		engine.WithMetrics(a.metrics),
		engine.WithPlaybackSampleRate(cfg.Audio.PlaybackSampleRate),
		engine.WithCaptureOptions(
			capture.WithSampleRate(cfg.Audio.CaptureSampleRate),
			capture.WithBlockSize(cfg.Audio.CaptureBlockSize),
			capture.WithMetrics(a.metrics),
		),
		engine.WithPlaybackOptions(playback.WithMetrics(a.metrics)),
	}
	if len(sinks) > 0 {
		engOpts = append(engOpts, engine.WithSink(sinks))
	}
	a.engine = engine.New(a.provider, a.capDev, a.outDev, engOpts...)
	if a.cons != nil {
		a.engine.OnStateChange(a.cons.stateChanged)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTransport builds the primary transport and its fallbacks from the
// registry unless a provider was injected.
func (a *App) initTransport() error {
	if a.provider != nil {
		return nil
	}
	if a.registry == nil {
		return errors.New("no transport registry")
	}

	primary, err := a.registry.Create(a.cfg.Transport.TransportEntry)
	if err != nil {
		return err
	}
	var backends []resilience.Backend
	for _, fb := range a.cfg.Transport.Fallbacks {
		p, err := a.registry.Create(fb)
		if err != nil {
			return err
		}
		backends = append(backends, resilience.Backend{Provider: p, Model: fb.Model})
	}

	f := resilience.NewFailover(primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  a.cfg.Resilience.MaxFailures,
			ResetTimeout: a.cfg.Resilience.ResetTimeout,
		},
	}, backends...)
	a.provider = f
	a.breakers = f.Breakers()
	slog.Info("transport ready", "primary", primary.Name(), "fallbacks", len(backends))
	return nil
}

// initArchive opens the PostgreSQL archive when configured and not injected.
func (a *App) initArchive(ctx context.Context) error {
	if a.archiveW == nil && a.cfg.Archive.PostgresDSN != "" {
		store, err := archive.Open(ctx, a.cfg.Archive.PostgresDSN)
		if err != nil {
			return err
		}
		a.archiveW = store
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		slog.Info("transcript archive enabled")
	}
	if p, ok := a.archiveW.(health.Pinger); ok {
		a.pingers = append(a.pingers, health.Ping("archive", p))
	}
	return nil
}

// Engine returns the session engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP surface, the console consumer and the config watcher
// until ctx is cancelled, then returns ctx.Err(). A failing component ends
// Run early with its error.
func (a *App) Run(ctx context.Context) error {
	var watcher *config.Watcher
	if a.configPath != "" {
		opts := append([]config.WatcherOption{config.WithEnv(a.getenv)}, a.watchOpts...)
		w, err := config.NewWatcher(a.configPath, a.applyConfig, opts...)
		if err != nil {
			return fmt.Errorf("app: watch config: %w", err)
		}
		watcher = w
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.listener != nil || a.cfg.Server.ListenAddr != "" {
		g.Go(func() error { return a.serve(gctx) })
	}

	if a.cons != nil {
		g.Go(func() error {
			a.cons.run(gctx)
			return nil
		})
	}

	if watcher != nil {
		g.Go(func() error {
			<-gctx.Done()
			watcher.Stop()
			return nil
		})
	}

	if a.autostart {
		g.Go(func() error {
			if err := a.engine.Start(gctx); err != nil {
				slog.Warn("autostart failed", "err", err)
			}
			return nil
		})
	}

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "autostart", a.autostart)
	<-gctx.Done()
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// serve runs the HTTP server until ctx ends.
func (a *App) serve(ctx context.Context) error {
	l := a.listener
	if l == nil {
		var err error
		if l, err = net.Listen("tcp", a.cfg.Server.ListenAddr); err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()
	slog.Info("http server listening", "addr", l.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: serve: %w", err)
	}
	return nil
}

// applyConfig is the config watcher callback. Session settings apply to the
// next session start; a live session keeps the settings it connected with.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(ParseLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		if err := a.engine.SetSessionConfig(new.Transport.Model, new.Session.Transport()); err != nil {
			slog.Warn("rejected session config", "err", err)
		} else {
			a.engine.SetGreeting(new.Session.Greeting)
			slog.Info("session settings updated, applied at next start")
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// ParseLevel maps a config log level to its slog level.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
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

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends any live session, then runs the closers in order. Remaining
// closers are skipped once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.engine.Shutdown(ctx); err != nil {
			slog.Warn("engine shutdown", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = errors.Join(shutdownErr, err)
				return
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// multiSink fans finalized turns out to several sinks.
type multiSink []transcript.Sink

func (m multiSink) Append(ctx context.Context, sessionID string, entries []transcript.Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, sessionID, entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
