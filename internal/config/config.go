// Package config provides the configuration schema, loader, engine registry
// and hot-reload support for the audioproc host.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/audioproc/pkg/apm"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Session    SessionConfig    `yaml:"session"`
	Processing apm.Config       `yaml:"processing"`
	Stream     StreamConfig     `yaml:"stream"`
	IO         IOConfig         `yaml:"io"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the control server.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on (e.g., ":8080").
	// Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// SessionConfig selects the engine and the stream geometry of the session.
type SessionConfig struct {
	// Engine is the registry name of the engine, e.g. "native".
	Engine string `yaml:"engine"`

	CaptureChannels int `yaml:"capture_channels"`
	RenderChannels  int `yaml:"render_channels"`
	SampleRateHz    int `yaml:"sample_rate_hz"`
}

// CaptureGeometry returns the capture stream shape.
func (s SessionConfig) CaptureGeometry() apm.StreamGeometry {
	return apm.StreamGeometry{SampleRateHz: s.SampleRateHz, Channels: s.CaptureChannels}
}

// RenderGeometry returns the render stream shape.
func (s SessionConfig) RenderGeometry() apm.StreamGeometry {
	return apm.StreamGeometry{SampleRateHz: s.SampleRateHz, Channels: s.RenderChannels}
}

// ProcessingConfig returns the engine initialization shape for s.
func (s SessionConfig) ProcessingConfig() apm.ProcessingConfig {
	return apm.NewProcessingConfig(s.CaptureGeometry(), s.RenderGeometry())
}

// StreamConfig holds the live stream controls that are pushed to the session.
type StreamConfig struct {
	// DelayMs is the initial render-to-capture delay estimate.
	DelayMs int `yaml:"delay_ms"`

	// OutputMuted tells the engine the render output is silenced.
	OutputMuted bool `yaml:"output_muted"`
}

// IOConfig names the WAV files the CLI processes.
type IOConfig struct {
	// CaptureFile is the microphone recording to enhance.
	CaptureFile string `yaml:"capture_file"`

	// RenderFile is the far-end signal that was played while capturing.
	// Optional; without it render frames are silent.
	RenderFile string `yaml:"render_file"`

	// OutputFile receives the processed capture signal.
	OutputFile string `yaml:"output_file"`
}

// ResilienceConfig tunes the frame bypass guard.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive failing frames that trips the
	// guard. Zero disables bypassing.
	MaxFailures int `yaml:"max_failures"`

	// BypassFrames is how many frames pass through unprocessed once tripped.
	BypassFrames int `yaml:"bypass_frames"`
}

// TelemetryConfig configures metrics and the stats publisher.
type TelemetryConfig struct {
	// ServiceName is reported as the OpenTelemetry service.name.
	ServiceName string `yaml:"service_name"`

	// StatsInterval bounds how often stats are sampled from the session.
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// Default returns the configuration every loaded file is decoded on top of.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		Session: SessionConfig{
			Engine:          "native",
			CaptureChannels: 1,
			RenderChannels:  1,
			SampleRateHz:    48000,
		},
		Processing: apm.DefaultConfig(),
		Resilience: ResilienceConfig{
			MaxFailures:  5,
			BypassFrames: 100,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "audioproc",
			StatsInterval: time.Second,
		},
	}
}
