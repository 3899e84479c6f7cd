package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/audioproc/internal/config"
	"github.com/MrWong99/audioproc/pkg/apm"
)

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

session:
  engine: native
  capture_channels: 2
  render_channels: 1
  sample_rate_hz: 16000

processing:
  echo_cancellation:
    enabled: true
    suppression_level: high
    filter_length_ms: 32
  gain_control:
    enabled: true
    mode: fixed_digital
    target_level_dbfs: 6
    compression_gain_db: 12
    enable_limiter: false
  voice_detection:
    enabled: true
    likelihood: low
  level_estimation:
    enabled: true
  high_pass_filter:
    enabled: true

stream:
  delay_ms: 60
  output_muted: true

io:
  capture_file: mic.wav
  render_file: speaker.wav
  output_file: clean.wav

resilience:
  max_failures: 3
  bypass_frames: 50

telemetry:
  service_name: audioproc-test
  stats_interval: 250ms
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if g := cfg.Session.CaptureGeometry(); g != (apm.StreamGeometry{SampleRateHz: 16000, Channels: 2}) {
		t.Errorf("capture geometry = %v", g)
	}
	ec := cfg.Processing.EchoCancellation
	if !ec.Enabled || ec.SuppressionLevel != apm.SuppressionHigh || ec.FilterLengthMs != 32 {
		t.Errorf("echo_cancellation = %+v", ec)
	}
	gc := cfg.Processing.GainControl
	if gc.Mode != apm.GainFixedDigital || gc.TargetLevelDBFS != 6 || gc.CompressionGainDB != 12 || gc.EnableLimiter {
		t.Errorf("gain_control = %+v", gc)
	}
	if cfg.Processing.VoiceDetection.Likelihood != apm.LikelihoodLow {
		t.Errorf("likelihood = %q", cfg.Processing.VoiceDetection.Likelihood)
	}
	if cfg.Stream.DelayMs != 60 || !cfg.Stream.OutputMuted {
		t.Errorf("stream = %+v", cfg.Stream)
	}
	if cfg.IO.RenderFile != "speaker.wav" {
		t.Errorf("io = %+v", cfg.IO)
	}
	if cfg.Resilience.MaxFailures != 3 || cfg.Resilience.BypassFrames != 50 {
		t.Errorf("resilience = %+v", cfg.Resilience)
	}
	if cfg.Telemetry.StatsInterval != 250*time.Millisecond {
		t.Errorf("stats_interval = %s", cfg.Telemetry.StatsInterval)
	}
}

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	def := config.Default()
	if cfg.Session != def.Session || cfg.Processing != def.Processing || cfg.Telemetry != def.Telemetry {
		t.Errorf("empty document did not yield defaults: %+v", cfg)
	}
}

func TestLoadFromReader_PartialKeepsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(`
processing:
  voice_detection:
    enabled: true
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if !cfg.Processing.VoiceDetection.Enabled {
		t.Error("voice_detection.enabled not applied")
	}
	if cfg.Processing.VoiceDetection.Likelihood != apm.LikelihoodModerate {
		t.Errorf("likelihood default lost: %q", cfg.Processing.VoiceDetection.Likelihood)
	}
	if !cfg.Processing.LevelEstimation.Enabled {
		t.Error("level_estimation default lost")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  bogus: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantSub []string
	}{
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: loud\n",
			wantSub: []string{"server.log_level"},
		},
		{
			name:    "unsupported rate",
			yaml:    "session:\n  sample_rate_hz: 22050\n",
			wantSub: []string{"session capture"},
		},
		{
			name:    "zero channels",
			yaml:    "session:\n  capture_channels: 0\n  render_channels: 0\n",
			wantSub: []string{"session capture", "session.render_channels"},
		},
		{
			name:    "empty engine",
			yaml:    "session:\n  engine: \"\"\n",
			wantSub: []string{"session.engine is required"},
		},
		{
			name:    "bad suppression and gain",
			yaml:    "processing:\n  echo_cancellation:\n    suppression_level: extreme\n  gain_control:\n    target_level_dbfs: 40\n",
			wantSub: []string{"suppression_level", "target_level_dbfs"},
		},
		{
			name:    "negative delay",
			yaml:    "stream:\n  delay_ms: -5\n",
			wantSub: []string{"stream.delay_ms"},
		},
		{
			name:    "render without capture",
			yaml:    "io:\n  render_file: r.wav\n  output_file: o.wav\n",
			wantSub: []string{"io.render_file", "io.output_file"},
		},
		{
			name:    "negative resilience",
			yaml:    "resilience:\n  max_failures: -1\n  bypass_frames: -1\n",
			wantSub: []string{"max_failures", "bypass_frames"},
		},
		{
			name:    "tls without key",
			yaml:    "server:\n  tls:\n    cert_file: c.pem\n",
			wantSub: []string{"server.tls"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, sub := range tt.wantSub {
				if !strings.Contains(err.Error(), sub) {
					t.Errorf("error should mention %q, got: %v", sub, err)
				}
			}
		})
	}
}

func TestValidate_UnknownEngineIsWarningOnly(t *testing.T) {
	t.Parallel()
	if _, err := config.LoadFromReader(strings.NewReader("session:\n  engine: custom\n")); err != nil {
		t.Errorf("unknown engine name should not fail validation: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audioproc.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telemetry.ServiceName != "audioproc-test" {
		t.Errorf("service_name = %q", cfg.Telemetry.ServiceName)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
