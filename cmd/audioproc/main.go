// Command audioproc runs the audio processing session over WAV or raw PCM16
// files or, with no capture file, over live silence while serving the
// control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/audioproc/internal/app"
	"github.com/MrWong99/audioproc/internal/config"
	"github.com/MrWong99/audioproc/internal/control"
	"github.com/MrWong99/audioproc/internal/observe"
	"github.com/MrWong99/audioproc/internal/pipeline"
	"github.com/MrWong99/audioproc/internal/wavio"
	"github.com/MrWong99/audioproc/pkg/apm"
	"github.com/MrWong99/audioproc/pkg/apm/native"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults when empty)")
	capturePath := flag.String("capture", "", "capture WAV or raw PCM16 (.raw, .pcm) file; overrides io.capture_file")
	renderPath := flag.String("render", "", "render (far-end) WAV or raw PCM16 file; overrides io.render_file")
	outPath := flag.String("out", "", "output WAV or raw PCM16 file; overrides io.output_file")
	listen := flag.String("listen", "", "control API address; overrides server.listen_addr")
	watch := flag.Bool("watch", false, "reload -config when it changes")
	realtime := flag.Bool("realtime", false, "pace file processing at real time")
	keepServing := flag.Bool("serve", false, "keep the control API up after the capture file ends")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	logger := newLogger(level)
	slog.SetDefault(logger)

	// ── Load configuration ────────────────────────────────────────────────────
	var watcher *config.Watcher
	var cfg *config.Config
	var err error
	switch {
	case *configPath == "":
		cfg = config.Default()
	case *watch:
		// The callback is bound after the app exists; see onChange below.
		watcher, err = config.NewWatcher(*configPath, func(old, new *config.Config) { onChange(old, new) },
			config.WithWatcherLogger(logger))
		if err == nil {
			cfg = watcher.Current()
		}
	default:
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "audioproc: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "audioproc: %v\n", err)
		}
		return 1
	}
	applyOverrides(cfg, *capturePath, *renderPath, *outPath, *listen)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "audioproc: %v\n", err)
		return 1
	}
	level.Set(cfg.Server.LogLevel.SlogLevel())

	slog.Info("audioproc starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Engine registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	reg.RegisterEngine("native", func(config.SessionConfig) (apm.Engine, error) {
		return native.New(), nil
	})

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prov, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := prov.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(prov.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Sources ───────────────────────────────────────────────────────────────
	live := cfg.IO.CaptureFile == ""
	render, capture, closeInputs, err := openSources(cfg, logger)
	if err != nil {
		slog.Error("failed to open input", "err", err)
		return 1
	}
	defer closeInputs()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, reg,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetrics(metrics),
		app.WithRealtime(live || *realtime),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	onChange = application.OnConfigChange

	printStartupSummary(cfg, live)

	// Raw PCM output streams frame by frame; WAV output is collected and
	// written once the run ends.
	var sink pipeline.FrameSink
	var collected *pipeline.CollectSink
	switch {
	case cfg.IO.OutputFile == "":
	case isRawPCM(cfg.IO.OutputFile):
		out, err := os.Create(cfg.IO.OutputFile)
		if err != nil {
			slog.Error("failed to create output", "err", err)
			return 1
		}
		defer out.Close()
		sink = pipeline.NewPCMSink(out)
	default:
		collected = &pipeline.CollectSink{}
		sink = collected
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()

	g.Go(func() error {
		// The end of the capture file ends the process unless -serve is set.
		if !*keepServing || cfg.Server.ListenAddr == "" {
			defer cancelRun()
		}
		rep, err := application.Run(runCtx, render, capture, sink)
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		printReport(rep)
		if *keepServing && cfg.Server.ListenAddr != "" {
			slog.Info("capture finished; still serving until interrupted")
		}
		if collected != nil {
			clip := wavio.FromFrames(collected.Frames(), application.Pipeline().SourceRate())
			if err := wavio.WriteFile(cfg.IO.OutputFile, clip); err != nil {
				return err
			}
			slog.Info("output written", "path", cfg.IO.OutputFile, "seconds", float64(clip.Samples())/float64(clip.SampleRate))
		}
		return nil
	})

	if watcher != nil {
		g.Go(func() error { return watcher.Run(runCtx) })
	}

	if cfg.Server.ListenAddr != "" {
		srv := &http.Server{
			Addr: cfg.Server.ListenAddr,
			Handler: control.New(application.Pipeline(),
				control.WithHealth(application.Health()),
				control.WithMetricsHandler(prov.Handler()),
				control.WithMiddleware(observe.Middleware(metrics)),
				control.WithLogger(logger),
			).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error { return serve(srv, cfg.Server.TLS) })
		g.Go(func() error {
			<-runCtx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	slog.Info("processing; press Ctrl+C to stop")
	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// onChange is the hot-reload hook. It is a no-op until the app exists.
var onChange = func(old, new *config.Config) {}

// applyOverrides copies non-empty flag values into cfg.
func applyOverrides(cfg *config.Config, capture, render, out, listen string) {
	if capture != "" {
		cfg.IO.CaptureFile = capture
	}
	if render != "" {
		cfg.IO.RenderFile = render
	}
	if out != "" {
		cfg.IO.OutputFile = out
	}
	if listen != "" {
		cfg.Server.ListenAddr = listen
	}
}

// isRawPCM reports whether path names headerless little-endian PCM16 in the
// session geometry rather than a WAV file.
func isRawPCM(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".raw", ".pcm":
		return true
	}
	return false
}

// openSources opens the configured input files as frame sources shaped for
// the session. Without a capture file, capture is endless silence. closeFn
// releases any files left open for streaming.
func openSources(cfg *config.Config, log *slog.Logger) (render, capture pipeline.FrameSource, closeFn func(), err error) {
	cg := cfg.Session.CaptureGeometry()
	rg := cfg.Session.RenderGeometry()

	var files []*os.File
	closeFn = func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	if cfg.IO.CaptureFile == "" {
		log.Info("no capture file; processing silence in real time")
		return nil, pipeline.NewSilenceSource(cg), closeFn, nil
	}
	capture, err = fileSource(cfg.IO.CaptureFile, cg, log, &files)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	if cfg.IO.RenderFile != "" {
		if render, err = fileSource(cfg.IO.RenderFile, rg, log, &files); err != nil {
			closeFn()
			return nil, nil, nil, err
		}
	}
	return render, capture, closeFn, nil
}

// fileSource streams raw PCM16 files as they are and decodes WAV files up
// front, conforming them to g.
func fileSource(path string, g apm.StreamGeometry, log *slog.Logger, files *[]*os.File) (pipeline.FrameSource, error) {
	if isRawPCM(path) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		*files = append(*files, f)
		log.Info("reading raw pcm16", "file", path, "geometry", g)
		return pipeline.NewPCMSource(f, g), nil
	}

	clip, err := wavio.ReadFile(path)
	if err != nil {
		return nil, err
	}
	clip, err = clip.Conform(g.SampleRateHz, g.Channels, log.With("file", path))
	if err != nil {
		return nil, fmt.Errorf("conform %q: %w", path, err)
	}
	return pipeline.NewSliceSource(clip.Frames(g.FrameSize())), nil
}

// serve runs srv until it is shut down.
func serve(srv *http.Server, tls *config.TLSConfig) error {
	slog.Info("control API listening", "addr", srv.Addr, "tls", tls != nil)
	var err error
	if tls != nil {
		err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ── Summaries ─────────────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, live bool) {
	p := cfg.Processing
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        audioproc: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Engine          : %-19s ║\n", cfg.Session.Engine)
	fmt.Printf("║  Capture         : %-19s ║\n", cfg.Session.CaptureGeometry())
	fmt.Printf("║  Render          : %-19s ║\n", cfg.Session.RenderGeometry())
	printToggle("Echo cancel", p.EchoCancellation.Enabled)
	printToggle("Gain control", p.GainControl.Enabled)
	printToggle("Voice detect", p.VoiceDetection.Enabled)
	printToggle("Level estimate", p.LevelEstimation.Enabled)
	printToggle("High-pass", p.HighPassFilter.Enabled)
	if live {
		fmt.Printf("║  Input           : %-19s ║\n", "(live silence)")
	} else {
		fmt.Printf("║  Input           : %-19s ║\n", truncate(cfg.IO.CaptureFile, 19))
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printToggle(name string, on bool) {
	v := "off"
	if on {
		v = "on"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", name, v)
}

func printReport(rep pipeline.Report) {
	fmt.Printf("frames=%d capture_failures=%d render_failures=%d bypassed=%d guard_trips=%d elapsed=%s\n",
		rep.Frames, rep.CaptureFailures, rep.RenderFailures, rep.Bypassed, rep.GuardTrips, rep.Elapsed.Round(time.Millisecond))
	if v, ok := rep.Stats.RMSLevel.Get(); ok {
		fmt.Printf("rms_level=-%ddBFS\n", v)
	}
	if rep.FirstFailure != apm.StatusOK {
		fmt.Printf("first_failure=%s\n", rep.FirstFailure)
	}
	if v, ok := rep.Stats.EchoReturnLossEnhancement.Get(); ok {
		fmt.Printf("erle=%.1fdB\n", v)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n+3:]
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
