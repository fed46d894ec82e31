// Package app wires the detection service's subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New creates and connects the
// subsystems, Run executes until the context is cancelled, and Shutdown
// tears everything down in order. A detection session (audio source plus
// pipeline) is rebuilt from scratch whenever a pipeline-affecting
// configuration section changes; sessions are never mutated in place.
//
// For testing, inject doubles via functional options (WithBatterySource,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sibilant-audio/sibilant/internal/config"
	"github.com/sibilant-audio/sibilant/internal/diag"
	"github.com/sibilant-audio/sibilant/internal/observe"
	"github.com/sibilant-audio/sibilant/pkg/power"
	"github.com/sibilant-audio/sibilant/pkg/power/sysfs"
	"github.com/sibilant-audio/sibilant/pkg/vad"
)

// disposeTimeout bounds pipeline teardown during a config-triggered restart.
const disposeTimeout = 10 * time.Second

// App owns the audio source, the detection pipeline, the report feed, and
// the diagnostics server.
type App struct {
	logger   *slog.Logger
	level    *slog.LevelVar
	reg      *config.Registry
	metrics  *observe.Metrics
	recorder *observe.ReportRecorder
	feed     *diag.Feed
	server   *diag.Server
	batt     power.Source

	configPath string

	mu   sync.Mutex
	cfg  *config.Config
	pipe *vad.Pipeline

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger for all subsystems. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithLevelVar connects the log handler's level var so that log-level
// configuration changes apply live, without a restart.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics injects a metrics instance instead of using the package
// default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithBatterySource injects the battery reader used by every session instead
// of constructing one from the power config.
func WithBatterySource(src power.Source) Option {
	return func(a *App) { a.batt = src }
}

// WithConfigPath enables hot reload: the file at path is watched for changes
// while the app runs.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// New creates an App from cfg. Audio sources are created through reg, so the
// source named in the config must be registered there. The detection session
// itself starts in [App.Run].
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		logger: slog.Default(),
		reg:    reg,
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.recorder = observe.NewReportRecorder(a.metrics)
	a.feed = diag.NewFeed(diag.WithFeedLogger(a.logger))
	a.server = diag.New(cfg.Server.ListenAddr, a.feed,
		diag.WithLogger(a.logger),
		diag.WithMetrics(a.metrics),
		diag.WithChecker(diag.Checker{Name: "pipeline", Check: a.checkPipeline}),
	)

	pipe, err := a.buildPipeline(cfg)
	if err != nil {
		return nil, err
	}
	a.pipe = pipe
	return a, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the detection session and the diagnostics server, then blocks
// until ctx is cancelled or the server fails. A clean cancellation returns
// nil; call [App.Shutdown] afterwards to tear the session down.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	cfg, pipe := a.cfg, a.pipe
	a.mu.Unlock()

	if err := a.startSession(ctx, cfg, pipe); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(gctx) })

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.ApplyConfig)
		if err != nil {
			a.logger.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	a.logger.Info("app running",
		"source", cfg.Source.Name,
		"listen_addr", cfg.Server.ListenAddr)
	return g.Wait()
}

// ─── Session management ──────────────────────────────────────────────────────

// buildPipeline constructs an idle pipeline from cfg with the app's
// listeners attached.
func (a *App) buildPipeline(cfg *config.Config) (*vad.Pipeline, error) {
	batt := a.batt
	if batt == nil {
		sysfsOpts := []sysfs.Option{sysfs.WithLogger(a.logger)}
		if cfg.Power.SysfsPath != "" {
			sysfsOpts = append(sysfsOpts, sysfs.WithRoot(cfg.Power.SysfsPath))
		}
		if cfg.Power.PollInterval > 0 {
			sysfsOpts = append(sysfsOpts, sysfs.WithInterval(time.Duration(cfg.Power.PollInterval)))
		}
		batt = sysfs.New(sysfsOpts...)
	}

	pipeOpts := []vad.Option{
		vad.WithLogger(a.logger),
		vad.WithBatterySource(batt),
	}
	if cfg.Pipeline.ReportInterval > 0 {
		pipeOpts = append(pipeOpts, vad.WithReportInterval(time.Duration(cfg.Pipeline.ReportInterval)))
	}

	pipe, err := vad.New(cfg.Pipeline.VAD(), pipeOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: build pipeline: %w", err)
	}
	pipe.AddEventListener(a.onEvent)
	pipe.AddReportListener(a.onReport)
	pipe.AddErrorListener(a.onPipelineError)
	return pipe, nil
}

// startSession creates the configured audio source and brings the pipeline
// up on it.
func (a *App) startSession(ctx context.Context, cfg *config.Config, pipe *vad.Pipeline) error {
	src, err := a.reg.CreateSource(cfg.Source)
	if err != nil {
		return fmt.Errorf("app: create audio source %q: %w", cfg.Source.Name, err)
	}
	if err := pipe.Initialize(ctx, src); err != nil {
		return fmt.Errorf("app: initialize pipeline: %w", err)
	}
	a.metrics.ActivePipelines.Add(ctx, 1)
	return nil
}

// ApplyConfig reacts to a configuration change. Log level changes apply
// live; pipeline-affecting changes tear the session down and start a fresh
// one from cur. A changed listen address cannot be applied to the running
// server and is logged instead.
func (a *App) ApplyConfig(old, cur *config.Config) {
	d := config.Diff(old, cur)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.logger.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.ListenAddrChanged {
		a.logger.Warn("server.listen_addr changed; restart the process to apply it")
	}

	a.mu.Lock()
	a.cfg = cur
	a.mu.Unlock()

	if d.RequiresPipelineRestart() {
		a.restart(cur)
	}
}

// restart tears down the running session and brings up a new one built from
// cfg. On failure the app keeps running without an active session; the
// readiness probe reports the gap until a later config change succeeds.
func (a *App) restart(cfg *config.Config) {
	a.logger.Info("pipeline configuration changed, restarting session")

	a.mu.Lock()
	oldPipe := a.pipe
	a.pipe = nil
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()

	if oldPipe != nil && oldPipe.Running() {
		if err := oldPipe.Dispose(ctx); err != nil {
			a.logger.Warn("dispose during restart", "err", err)
		}
		a.metrics.ActivePipelines.Add(ctx, -1)
	}
	a.recorder.Reset()

	pipe, err := a.buildPipeline(cfg)
	if err != nil {
		a.logger.Error("session restart failed, no active pipeline", "err", err)
		return
	}
	if err := a.startSession(ctx, cfg, pipe); err != nil {
		a.logger.Error("session restart failed, no active pipeline", "err", err)
		return
	}

	a.mu.Lock()
	a.pipe = pipe
	a.mu.Unlock()
}

// Running reports whether a detection session is active.
func (a *App) Running() bool {
	return a.checkPipeline(context.Background()) == nil
}

// checkPipeline is the readiness check for the diagnostics server.
func (a *App) checkPipeline(context.Context) error {
	a.mu.Lock()
	pipe := a.pipe
	a.mu.Unlock()
	if pipe == nil || !pipe.Running() {
		return errors.New("pipeline not running")
	}
	return nil
}

// ─── Listeners ───────────────────────────────────────────────────────────────

func (a *App) onEvent(ev vad.Event) {
	a.metrics.RecordSpeechEvent(context.Background(), ev.Kind.String())
	switch ev.Kind {
	case vad.SpeechStart:
		a.logger.Info("speech started", "at", ev.Time, "energy", ev.Energy)
	case vad.SpeechEnd:
		a.logger.Info("speech ended", "at", ev.Time)
	case vad.SilenceObserved:
		a.logger.Debug("silence continues", "for", ev.SilenceFor)
	}
}

func (a *App) onReport(rep vad.PerformanceReport) {
	a.recorder.Record(context.Background(), rep)
	a.feed.Publish(rep)
}

func (a *App) onPipelineError(pe *vad.PipelineError) {
	a.metrics.RecordPipelineError(context.Background(), pe.Class.String())
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disposes the detection session and disconnects feed clients. It
// respects the context deadline for the pipeline drain. Repeated calls are
// no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		pipe := a.pipe
		a.pipe = nil
		a.mu.Unlock()

		if pipe != nil && pipe.Running() {
			if err := pipe.Dispose(ctx); err != nil {
				shutdownErr = fmt.Errorf("app: shutdown: %w", err)
			}
			a.metrics.ActivePipelines.Add(ctx, -1)
		}
		a.feed.Close()
		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}
