package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidEngineNames lists the engines shipped with audioproc.
// Used by [Validate] to warn about unrecognised engine names.
var ValidEngineNames = []string{"native"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Session
	if cfg.Session.Engine == "" {
		errs = append(errs, errors.New("session.engine is required"))
	} else if !slices.Contains(ValidEngineNames, cfg.Session.Engine) {
		slog.Warn("unknown engine name; it must be registered by the host",
			"name", cfg.Session.Engine,
			"known", ValidEngineNames,
		)
	}
	if err := cfg.Session.CaptureGeometry().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session capture: %w", err))
	}
	if cfg.Session.RenderChannels < 1 {
		errs = append(errs, fmt.Errorf("session.render_channels %d must be at least 1", cfg.Session.RenderChannels))
	}

	// Processing
	if err := cfg.Processing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("processing: %w", err))
	}
	if cfg.Processing.EchoCancellation.Enabled && cfg.IO.CaptureFile != "" && cfg.IO.RenderFile == "" {
		slog.Warn("processing.echo_cancellation is enabled but io.render_file is empty; the canceller has no reference")
	}

	// Stream
	if cfg.Stream.DelayMs < 0 {
		errs = append(errs, fmt.Errorf("stream.delay_ms %d must not be negative", cfg.Stream.DelayMs))
	}

	// IO
	if cfg.IO.RenderFile != "" && cfg.IO.CaptureFile == "" {
		errs = append(errs, errors.New("io.render_file requires io.capture_file"))
	}
	if cfg.IO.OutputFile != "" && cfg.IO.CaptureFile == "" {
		errs = append(errs, errors.New("io.output_file requires io.capture_file"))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.BypassFrames < 0 {
		errs = append(errs, fmt.Errorf("resilience.bypass_frames %d must not be negative", cfg.Resilience.BypassFrames))
	}

	// Telemetry
	if cfg.Telemetry.StatsInterval < 0 {
		errs = append(errs, fmt.Errorf("telemetry.stats_interval %s must not be negative", cfg.Telemetry.StatsInterval))
	}

	return errors.Join(errs...)
}
