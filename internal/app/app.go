// Package app wires the audioproc subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the engine, the session
// and the frame pipeline around it, Run drives frames through the session,
// and Shutdown tears everything down in order.
//
// For testing, inject a registry with mock engines and a ManualReader-backed
// [observe.Metrics] via functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/audioproc/internal/config"
	"github.com/MrWong99/audioproc/internal/health"
	"github.com/MrWong99/audioproc/internal/observe"
	"github.com/MrWong99/audioproc/internal/pipeline"
	"github.com/MrWong99/audioproc/internal/resilience"
	"github.com/MrWong99/audioproc/pkg/apm"
)

// reloadTimeout bounds how long a hot reload waits for the frame loop.
const reloadTimeout = 5 * time.Second

var (
	// ErrPipelineStopped is reported by the session readiness check once Run
	// has returned.
	ErrPipelineStopped = errors.New("pipeline stopped")

	// ErrBypassing is reported by the guard readiness check while the engine
	// is being bypassed.
	ErrBypassing = errors.New("engine bypassed after repeated failures")
)

// App owns the session and every subsystem built around it.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	log      *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	realtime bool

	// Subsystems, initialised in New and torn down in Shutdown.
	session  *apm.Session
	guard    *resilience.Guard
	pipeline *pipeline.Pipeline
	health   *health.Handler

	mu  sync.Mutex
	cur *config.Config

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger handed to every subsystem. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets hot reloads change the log level of the handler that
// owns v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics injects metric instruments instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithRealtime paces the frame loop at one frame per frame period. Use it for
// live sources; file sources run as fast as possible without it.
func WithRealtime(on bool) Option {
	return func(a *App) { a.realtime = on }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. The engine named in cfg.Session.Engine is
// looked up in reg.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		cur:      cfg,
		registry: reg,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Session ───────────────────────────────────────────────────────
	if err := a.initSession(); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 2. Guard + pipeline ──────────────────────────────────────────────
	a.initPipeline()

	// ── 3. Stats gauges ──────────────────────────────────────────────────
	statsReg, err := a.metrics.RegisterStatsGauges(a.pipeline.Stats)
	if err != nil {
		_ = a.shutdownClosers(context.Background())
		return nil, fmt.Errorf("app: register stats gauges: %w", err)
	}
	a.closers = append([]func() error{statsReg.Unregister}, a.closers...)

	// ── 4. Health ────────────────────────────────────────────────────────
	a.initHealth()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSession builds the engine factory and opens the session with the
// configured tuning and stream controls.
func (a *App) initSession() error {
	_, span := observe.StartSpan(context.Background(), "app.create_session",
		trace.WithAttributes(attribute.String("engine", a.cfg.Session.Engine)))
	defer span.End()

	factory, err := a.registry.EngineFactory(a.cfg.Session)
	if err != nil {
		return err
	}
	s := a.cfg.Session
	sess, err := apm.New(s.CaptureChannels, s.RenderChannels, s.SampleRateHz,
		apm.WithEngineFactory(factory),
		apm.WithConfig(a.cfg.Processing),
		apm.WithLogger(a.log),
	)
	if err != nil {
		span.RecordError(err)
		return err
	}
	a.session = sess
	a.closers = append(a.closers, sess.Close)

	if a.cfg.Stream.DelayMs != 0 {
		sess.SetDelayMs(a.cfg.Stream.DelayMs)
	}
	if a.cfg.Stream.OutputMuted {
		sess.SetOutputMuted(true)
	}
	a.log.Info("session opened",
		"engine", s.Engine,
		"capture", sess.CaptureGeometry(),
		"render", sess.RenderGeometry(),
	)
	return nil
}

func (a *App) initPipeline() {
	a.guard = resilience.NewGuard(resilience.GuardConfig{
		Name:         "capture",
		MaxFailures:  a.cfg.Resilience.MaxFailures,
		BypassFrames: a.cfg.Resilience.BypassFrames,
		Logger:       a.log,
	})
	a.pipeline = pipeline.New(a.session,
		pipeline.WithGuard(a.guard),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(a.log),
		pipeline.WithStatsInterval(a.cfg.Telemetry.StatsInterval),
		pipeline.WithRealtime(a.realtime),
	)
}

func (a *App) initHealth() {
	a.health = health.New(
		health.Checker{Name: "pipeline", Check: func(context.Context) error {
			select {
			case <-a.pipeline.Done():
				return ErrPipelineStopped
			default:
				return nil
			}
		}},
		health.Checker{Name: "guard", Check: func(context.Context) error {
			if a.guard.State() == resilience.StateOpen {
				return ErrBypassing
			}
			return nil
		}},
	)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Pipeline returns the frame pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Health returns the probe handler.
func (a *App) Health() *health.Handler { return a.health }

// Config returns the most recently applied configuration.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives frames from render and capture through the session until capture
// ends or ctx is cancelled. The app reports ready while Run is active.
func (a *App) Run(ctx context.Context, render, capture pipeline.FrameSource, sink pipeline.FrameSink) (pipeline.Report, error) {
	a.health.SetReady(true)
	defer a.health.SetReady(false)
	return a.pipeline.Run(ctx, render, capture, sink)
}

// OnConfigChange applies a reloaded configuration to the running session. It
// has the signature [config.NewWatcher] expects.
func (a *App) OnConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.SlogLevel())
			a.log.Info("log level changed", "level", d.NewLogLevel)
		} else {
			a.log.Warn("server.log_level changed but the logger is not reloadable")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "app.config_reload")
	defer span.End()
	if err := a.pipeline.ApplyDiff(ctx, d); err != nil {
		span.RecordError(err)
		a.log.Error("config reload partially applied", "err", err)
	}

	a.mu.Lock()
	a.cur = new
	a.mu.Unlock()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		shutdownErr = a.shutdownClosers(ctx)
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) shutdownClosers(ctx context.Context) error {
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	return nil
}
