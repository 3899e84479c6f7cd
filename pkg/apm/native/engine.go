// Package native is a pure-Go implementation of apm.Engine.
//
// The capture chain runs a high-pass filter, an NLMS echo canceller and a
// digital gain controller, in that order. Voice detection and level
// estimation observe the processed output. Render frames only feed the echo
// canceller's reference history and are left untouched.
//
// All per-frame buffers are allocated by Initialize, so ProcessStream and
// ProcessReverseStream do not allocate. Capture and render must share a
// sample rate and each stream's input and output shapes must match; the
// engine does not resample.
package native

import (
	"sync/atomic"

	"github.com/MrWong99/audioproc/pkg/apm"
)

// Engine is the reference apm.Engine. Create it with [New].
type Engine struct {
	initialized bool
	processing  apm.ProcessingConfig
	config      apm.Config

	muted atomic.Bool

	highPass []biquad
	echo     *echoCanceller
	gain     *gainController
	voice    *voiceDetector
	level    *levelEstimator

	capture [][]float64
	render  []float64
}

// New returns an uninitialized Engine tuned with [apm.DefaultConfig].
func New() *Engine {
	return &Engine{config: apm.DefaultConfig()}
}

// Factory is an apm.EngineFactory for the native engine.
func Factory() (apm.Engine, error) {
	return New(), nil
}

// NewSession creates an apm.Session backed by a native Engine.
func NewSession(captureChannels, renderChannels, sampleRateHz int, opts ...apm.Option) (*apm.Session, error) {
	opts = append([]apm.Option{apm.WithEngineFactory(Factory)}, opts...)
	return apm.New(captureChannels, renderChannels, sampleRateHz, opts...)
}

// Initialize implements apm.Engine.
func (e *Engine) Initialize(cfg apm.ProcessingConfig) apm.StatusCode {
	if err := cfg.Validate(); err != nil {
		if !apm.IsSupportedSampleRate(cfg.CaptureInput.SampleRateHz) ||
			!apm.IsSupportedSampleRate(cfg.RenderInput.SampleRateHz) {
			return apm.StatusBadSampleRate
		}
		return apm.StatusBadNumberChannels
	}
	if cfg.CaptureOutput != cfg.CaptureInput || cfg.RenderOutput != cfg.RenderInput {
		return apm.StatusBadParameter
	}
	if cfg.CaptureInput.SampleRateHz != cfg.RenderInput.SampleRateHz {
		return apm.StatusBadSampleRate
	}

	rate := cfg.CaptureInput.SampleRateHz
	channels := cfg.CaptureInput.Channels
	frameSize := cfg.CaptureInput.FrameSize()

	e.highPass = make([]biquad, channels)
	for i := range e.highPass {
		e.highPass[i] = newButterworthHighPass(highPassCutoffHz, float64(rate))
	}
	e.echo = newEchoCanceller(rate, channels, e.config.EchoCancellation)
	e.gain = newGainController(e.config.GainControl)
	e.voice = newVoiceDetector(e.config.VoiceDetection)
	e.level = &levelEstimator{}
	e.level.configure(e.config.LevelEstimation)

	e.capture = make([][]float64, channels)
	for i := range e.capture {
		e.capture[i] = make([]float64, frameSize)
	}
	e.render = make([]float64, cfg.RenderInput.FrameSize())

	e.processing = cfg
	e.initialized = true
	return apm.StatusOK
}

// ProcessingConfig implements apm.Engine.
func (e *Engine) ProcessingConfig() apm.ProcessingConfig { return e.processing }

// ApplyConfig implements apm.Engine. Adaptive state of sub-algorithms that
// stay enabled is kept.
func (e *Engine) ApplyConfig(cfg apm.Config) apm.StatusCode {
	if err := cfg.Validate(); err != nil {
		return apm.StatusBadParameter
	}
	e.config = cfg
	if !e.initialized {
		return apm.StatusOK
	}
	e.echo.configure(cfg.EchoCancellation)
	e.gain.configure(cfg.GainControl)
	e.voice.configure(cfg.VoiceDetection)
	e.level.configure(cfg.LevelEstimation)
	return apm.StatusOK
}

// Config implements apm.Engine.
func (e *Engine) Config() apm.Config { return e.config }

// ProcessStream implements apm.Engine.
func (e *Engine) ProcessStream(channels [][]float32, in, out apm.StreamConfig) apm.StatusCode {
	if code := e.checkStream(channels, in, out, e.processing.CaptureInput); code != apm.StatusOK {
		return code
	}

	for c, src := range channels {
		dst := e.capture[c]
		for i, s := range src {
			dst[i] = float64(s)
		}
	}

	if e.config.HighPassFilter.Enabled {
		for c := range e.capture {
			e.highPass[c].processBlock(e.capture[c])
		}
	}
	if e.echo.enabled {
		e.echo.process(e.capture, !e.muted.Load())
	}
	if e.gain.enabled {
		e.gain.process(e.capture)
	}

	var sumSq float64
	for c, dst := range channels {
		for i, v := range e.capture[c] {
			sumSq += v * v
			dst[i] = float32(v)
		}
	}
	n := len(channels) * len(e.capture[0])
	e.level.observe(sumSq, n)
	e.voice.observe(rmsOf(sumSq, n))
	return apm.StatusOK
}

// ProcessReverseStream implements apm.Engine. The render buffers are not
// modified.
func (e *Engine) ProcessReverseStream(channels [][]float32, in, out apm.StreamConfig) apm.StatusCode {
	if code := e.checkStream(channels, in, out, e.processing.RenderInput); code != apm.StatusOK {
		return code
	}

	scale := 1 / float64(len(channels))
	clear(e.render)
	for _, src := range channels {
		for i, s := range src {
			e.render[i] += float64(s) * scale
		}
	}
	e.echo.feedRender(e.render)
	return apm.StatusOK
}

func (e *Engine) checkStream(channels [][]float32, in, out, want apm.StreamConfig) apm.StatusCode {
	if !e.initialized {
		return apm.StatusUnspecified
	}
	if in != want || out != want {
		return apm.StatusBadStreamParameterWarning
	}
	if len(channels) != want.Channels {
		return apm.StatusBadNumberChannels
	}
	n := want.FrameSize()
	for _, c := range channels {
		if len(c) != n {
			return apm.StatusBadDataLength
		}
	}
	return apm.StatusOK
}

// SetStreamDelayMs implements apm.Engine. Delays outside [0, MaxDelayMs] are
// clamped and reported with apm.StatusBadStreamParameterWarning.
func (e *Engine) SetStreamDelayMs(delayMs int) apm.StatusCode {
	if !e.initialized {
		return apm.StatusUnspecified
	}
	if e.echo.setDelayMs(delayMs) {
		return apm.StatusBadStreamParameterWarning
	}
	return apm.StatusOK
}

// SetOutputWillBeMuted implements apm.Engine. It is safe to call from any
// goroutine. While muted the echo canceller stops adapting.
func (e *Engine) SetOutputWillBeMuted(muted bool) {
	e.muted.Store(muted)
}

// EchoCancellation implements apm.Engine. It is nil before Initialize.
func (e *Engine) EchoCancellation() apm.EchoCanceller {
	if e.echo == nil {
		return nil
	}
	return e.echo
}

// LevelEstimator implements apm.Engine. It is nil before Initialize.
func (e *Engine) LevelEstimator() apm.LevelEstimator {
	if e.level == nil {
		return nil
	}
	return e.level
}

// VoiceDetection implements apm.Engine. It is nil before Initialize.
func (e *Engine) VoiceDetection() apm.VoiceDetector {
	if e.voice == nil {
		return nil
	}
	return e.voice
}

// Close implements apm.Engine. The engine must be initialized again before
// further use.
func (e *Engine) Close() error {
	e.initialized = false
	return nil
}

var _ apm.Engine = (*Engine)(nil)
