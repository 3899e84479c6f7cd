package apm

import (
	"errors"
	"fmt"
)

// ProcessingConfig is the four-way stream shape an [Engine] is initialized
// with. The capture input and output must have the same channel count because
// capture frames are processed in place.
type ProcessingConfig struct {
	CaptureInput  StreamConfig `json:"capture_input" yaml:"capture_input"`
	CaptureOutput StreamConfig `json:"capture_output" yaml:"capture_output"`
	RenderInput   StreamConfig `json:"render_input" yaml:"render_input"`
	RenderOutput  StreamConfig `json:"render_output" yaml:"render_output"`
}

// defaultStream is the shape of a default-constructed stream config.
var defaultStream = StreamConfig{SampleRateHz: 16000, Channels: 1}

// DefaultProcessingConfig returns 16 kHz mono for all four streams.
func DefaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		CaptureInput:  defaultStream,
		CaptureOutput: defaultStream,
		RenderInput:   defaultStream,
		RenderOutput:  defaultStream,
	}
}

// NewProcessingConfig mirrors capture onto the capture input/output pair and
// render onto the render pair.
func NewProcessingConfig(capture, render StreamGeometry) ProcessingConfig {
	return ProcessingConfig{
		CaptureInput:  capture,
		CaptureOutput: capture,
		RenderInput:   render,
		RenderOutput:  render,
	}
}

// Validate checks every stream and the capture channel symmetry.
func (c ProcessingConfig) Validate() error {
	var errs []error
	for _, s := range []struct {
		name string
		g    StreamConfig
	}{
		{"capture_input", c.CaptureInput},
		{"capture_output", c.CaptureOutput},
		{"render_input", c.RenderInput},
		{"render_output", c.RenderOutput},
	} {
		if err := s.g.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	if c.CaptureInput.Channels != c.CaptureOutput.Channels {
		errs = append(errs, fmt.Errorf("%w: capture input has %d channels but output has %d",
			ErrInvalidGeometry, c.CaptureInput.Channels, c.CaptureOutput.Channels))
	}
	return errors.Join(errs...)
}

// SuppressionLevel selects how aggressively the echo canceller adapts.
type SuppressionLevel string

const (
	SuppressionLow      SuppressionLevel = "low"
	SuppressionModerate SuppressionLevel = "moderate"
	SuppressionHigh     SuppressionLevel = "high"
)

// IsValid reports whether l is a recognised suppression level.
func (l SuppressionLevel) IsValid() bool {
	switch l {
	case SuppressionLow, SuppressionModerate, SuppressionHigh:
		return true
	}
	return false
}

// GainMode selects the gain controller behaviour.
type GainMode string

const (
	// GainAdaptiveDigital tracks the signal level toward a target.
	GainAdaptiveDigital GainMode = "adaptive_digital"

	// GainFixedDigital applies CompressionGainDB as a constant gain.
	GainFixedDigital GainMode = "fixed_digital"
)

// IsValid reports whether m is a recognised gain mode.
func (m GainMode) IsValid() bool {
	return m == GainAdaptiveDigital || m == GainFixedDigital
}

// VoiceLikelihood biases the voice detector toward reporting speech.
type VoiceLikelihood string

const (
	LikelihoodVeryLow  VoiceLikelihood = "very_low"
	LikelihoodLow      VoiceLikelihood = "low"
	LikelihoodModerate VoiceLikelihood = "moderate"
	LikelihoodHigh     VoiceLikelihood = "high"
)

// IsValid reports whether l is a recognised likelihood.
func (l VoiceLikelihood) IsValid() bool {
	switch l {
	case LikelihoodVeryLow, LikelihoodLow, LikelihoodModerate, LikelihoodHigh:
		return true
	}
	return false
}

// Config is the runtime tuning of the Engine's sub-algorithms. Unlike
// [ProcessingConfig] it can be applied without discarding adaptive state.
type Config struct {
	EchoCancellation EchoCancellationConfig `json:"echo_cancellation" yaml:"echo_cancellation"`
	GainControl      GainControlConfig      `json:"gain_control" yaml:"gain_control"`
	VoiceDetection   VoiceDetectionConfig   `json:"voice_detection" yaml:"voice_detection"`
	LevelEstimation  LevelEstimationConfig  `json:"level_estimation" yaml:"level_estimation"`
	HighPassFilter   HighPassFilterConfig   `json:"high_pass_filter" yaml:"high_pass_filter"`
}

// EchoCancellationConfig tunes the echo canceller.
type EchoCancellationConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// SuppressionLevel defaults to moderate when empty.
	SuppressionLevel SuppressionLevel `json:"suppression_level" yaml:"suppression_level"`

	// FilterLengthMs is the span of echo path the adaptive filter models
	// after the bulk delay. Defaults to 16 ms when zero.
	FilterLengthMs int `json:"filter_length_ms" yaml:"filter_length_ms"`
}

// GainControlConfig tunes the automatic gain controller.
type GainControlConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Mode    GainMode `json:"mode" yaml:"mode"`

	// TargetLevelDBFS is the desired output RMS as a positive attenuation
	// below full scale, in the range [0, 31]. 3 means -3 dBFS.
	TargetLevelDBFS int `json:"target_level_dbfs" yaml:"target_level_dbfs"`

	// CompressionGainDB is the maximum gain in adaptive mode and the applied
	// gain in fixed mode, in the range [0, 90].
	CompressionGainDB int `json:"compression_gain_db" yaml:"compression_gain_db"`

	// EnableLimiter hard-limits the output to full scale.
	EnableLimiter bool `json:"enable_limiter" yaml:"enable_limiter"`
}

// VoiceDetectionConfig tunes the voice activity detector.
type VoiceDetectionConfig struct {
	Enabled    bool            `json:"enabled" yaml:"enabled"`
	Likelihood VoiceLikelihood `json:"likelihood" yaml:"likelihood"`
}

// LevelEstimationConfig toggles the RMS level estimator.
type LevelEstimationConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// HighPassFilterConfig toggles the capture high-pass filter.
type HighPassFilterConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns the tuning of a freshly initialized Engine: only the
// level estimator runs.
func DefaultConfig() Config {
	return Config{
		EchoCancellation: EchoCancellationConfig{
			SuppressionLevel: SuppressionModerate,
			FilterLengthMs:   16,
		},
		GainControl: GainControlConfig{
			Mode:              GainAdaptiveDigital,
			TargetLevelDBFS:   3,
			CompressionGainDB: 9,
			EnableLimiter:     true,
		},
		VoiceDetection: VoiceDetectionConfig{
			Likelihood: LikelihoodModerate,
		},
		LevelEstimation: LevelEstimationConfig{Enabled: true},
	}
}

// Validate checks enum and range fields. Empty enums are accepted and mean
// the default.
func (c Config) Validate() error {
	var errs []error
	if l := c.EchoCancellation.SuppressionLevel; l != "" && !l.IsValid() {
		errs = append(errs, fmt.Errorf("echo_cancellation.suppression_level %q is invalid; valid values: low, moderate, high", l))
	}
	if ms := c.EchoCancellation.FilterLengthMs; ms < 0 || ms > 500 {
		errs = append(errs, fmt.Errorf("echo_cancellation.filter_length_ms %d is out of range [0, 500]", ms))
	}
	if m := c.GainControl.Mode; m != "" && !m.IsValid() {
		errs = append(errs, fmt.Errorf("gain_control.mode %q is invalid; valid values: adaptive_digital, fixed_digital", m))
	}
	if t := c.GainControl.TargetLevelDBFS; t < 0 || t > 31 {
		errs = append(errs, fmt.Errorf("gain_control.target_level_dbfs %d is out of range [0, 31]", t))
	}
	if g := c.GainControl.CompressionGainDB; g < 0 || g > 90 {
		errs = append(errs, fmt.Errorf("gain_control.compression_gain_db %d is out of range [0, 90]", g))
	}
	if l := c.VoiceDetection.Likelihood; l != "" && !l.IsValid() {
		errs = append(errs, fmt.Errorf("voice_detection.likelihood %q is invalid; valid values: very_low, low, moderate, high", l))
	}
	return errors.Join(errs...)
}
