// Package mock provides a call-recording test double for apm.Engine.
//
// The zero value is a working Engine: every call succeeds, echo cancellation,
// level estimation and voice detection are absent, and Config reports
// apm.DefaultConfig until ApplyConfig is called.
//
// Example:
//
//	eng := &mock.Engine{HasEchoCanceller: true}
//	sess, _ := apm.New(1, 1, 48000, apm.WithEngineFactory(eng.Factory()))
//	sess.SetDelayMs(250)
//	sess.ProcessCaptureFrame(frame)
//	// eng.ProcessStreamCalls[0].DelayMs == apm.Some(250) when enabled.
package mock

import (
	"sync"

	"github.com/MrWong99/audioproc/pkg/apm"
)

// ProcessStreamCall records a single invocation of Engine.ProcessStream.
type ProcessStreamCall struct {
	In, Out apm.StreamConfig

	// Channels and Samples describe the buffers that were passed.
	Channels int
	Samples  int

	// DelayMs is the last SetStreamDelayMs value received since the previous
	// ProcessStream call, or absent if none was pushed.
	DelayMs apm.Optional[int]
}

// Engine is a mock implementation of apm.Engine.
type Engine struct {
	mu sync.Mutex

	// --- Configurable results ---

	// InitializeResult is returned by every Initialize call.
	InitializeResult apm.StatusCode

	// ApplyConfigResult is returned by every ApplyConfig call.
	ApplyConfigResult apm.StatusCode

	// ProcessStreamResult is returned by every ProcessStream call.
	ProcessStreamResult apm.StatusCode

	// ProcessReverseStreamResult is returned by every ProcessReverseStream call.
	ProcessReverseStreamResult apm.StatusCode

	// SetStreamDelayResult is returned by every SetStreamDelayMs call.
	SetStreamDelayResult apm.StatusCode

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// HasEchoCanceller exposes an echo canceller whose Enabled state follows
	// the applied Config and whose Metrics returns EchoMetrics.
	HasEchoCanceller bool
	EchoMetrics      apm.EchoMetrics

	// HasLevelEstimator exposes a level estimator returning RMSLevel.
	HasLevelEstimator bool
	RMSLevel          apm.Optional[int]

	// HasVoiceDetector exposes a voice detector returning HasVoice.
	HasVoiceDetector bool
	HasVoice         apm.Optional[bool]

	// OnProcessStream, if set, is called with the capture buffers so tests
	// can mutate them.
	OnProcessStream func(channels [][]float32)

	// --- Call records ---

	// InitializeCalls records every config passed to Initialize.
	InitializeCalls []apm.ProcessingConfig

	// ApplyConfigCalls records every config passed to ApplyConfig.
	ApplyConfigCalls []apm.Config

	// ProcessStreamCalls records every call to ProcessStream in order.
	ProcessStreamCalls []ProcessStreamCall

	// ProcessReverseStreamCallCount is the number of ProcessReverseStream calls.
	ProcessReverseStreamCallCount int

	// SetStreamDelayCalls records every value passed to SetStreamDelayMs.
	SetStreamDelayCalls []int

	// MuteCalls records every value passed to SetOutputWillBeMuted.
	MuteCalls []bool

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	processing apm.ProcessingConfig
	config     *apm.Config
	lastDelay  apm.Optional[int]
}

// Factory returns an apm.EngineFactory that always hands out e.
func (e *Engine) Factory() apm.EngineFactory {
	return func() (apm.Engine, error) { return e, nil }
}

// Initialize records the call and returns InitializeResult. On success the
// config becomes the one reported by ProcessingConfig.
func (e *Engine) Initialize(cfg apm.ProcessingConfig) apm.StatusCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.InitializeCalls = append(e.InitializeCalls, cfg)
	if apm.IsSuccess(e.InitializeResult) {
		e.processing = cfg
		e.lastDelay = apm.None[int]()
	}
	return e.InitializeResult
}

// ProcessingConfig returns the last successfully initialized config.
func (e *Engine) ProcessingConfig() apm.ProcessingConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processing
}

// ApplyConfig records the call and returns ApplyConfigResult. On success cfg
// becomes the one reported by Config.
func (e *Engine) ApplyConfig(cfg apm.Config) apm.StatusCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ApplyConfigCalls = append(e.ApplyConfigCalls, cfg)
	if apm.IsSuccess(e.ApplyConfigResult) {
		e.config = &cfg
	}
	return e.ApplyConfigResult
}

// Config returns the last applied config, or apm.DefaultConfig.
func (e *Engine) Config() apm.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentConfig()
}

func (e *Engine) currentConfig() apm.Config {
	if e.config == nil {
		return apm.DefaultConfig()
	}
	return *e.config
}

// ProcessStream records the call, runs OnProcessStream and returns
// ProcessStreamResult.
func (e *Engine) ProcessStream(channels [][]float32, in, out apm.StreamConfig) apm.StatusCode {
	e.mu.Lock()
	call := ProcessStreamCall{In: in, Out: out, Channels: len(channels), DelayMs: e.lastDelay}
	if len(channels) > 0 {
		call.Samples = len(channels[0])
	}
	e.ProcessStreamCalls = append(e.ProcessStreamCalls, call)
	e.lastDelay = apm.None[int]()
	hook := e.OnProcessStream
	result := e.ProcessStreamResult
	e.mu.Unlock()

	if hook != nil {
		hook(channels)
	}
	return result
}

// ProcessReverseStream records the call and returns ProcessReverseStreamResult.
func (e *Engine) ProcessReverseStream(channels [][]float32, in, out apm.StreamConfig) apm.StatusCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ProcessReverseStreamCallCount++
	return e.ProcessReverseStreamResult
}

// SetStreamDelayMs records the call and returns SetStreamDelayResult.
func (e *Engine) SetStreamDelayMs(delayMs int) apm.StatusCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SetStreamDelayCalls = append(e.SetStreamDelayCalls, delayMs)
	e.lastDelay = apm.Some(delayMs)
	return e.SetStreamDelayResult
}

// SetOutputWillBeMuted records the call.
func (e *Engine) SetOutputWillBeMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.MuteCalls = append(e.MuteCalls, muted)
}

// EchoCancellation returns nil unless HasEchoCanceller is set.
func (e *Engine) EchoCancellation() apm.EchoCanceller {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.HasEchoCanceller {
		return nil
	}
	return echoCanceller{e}
}

// LevelEstimator returns nil unless HasLevelEstimator is set.
func (e *Engine) LevelEstimator() apm.LevelEstimator {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.HasLevelEstimator {
		return nil
	}
	return levelEstimator{e}
}

// VoiceDetection returns nil unless HasVoiceDetector is set.
func (e *Engine) VoiceDetection() apm.VoiceDetector {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.HasVoiceDetector {
		return nil
	}
	return voiceDetector{e}
}

// Close records the call and returns CloseErr.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return e.CloseErr
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.InitializeCalls = nil
	e.ApplyConfigCalls = nil
	e.ProcessStreamCalls = nil
	e.ProcessReverseStreamCallCount = 0
	e.SetStreamDelayCalls = nil
	e.MuteCalls = nil
	e.CloseCallCount = 0
}

// Ensure Engine implements apm.Engine at compile time.
var _ apm.Engine = (*Engine)(nil)

type echoCanceller struct{ e *Engine }

func (c echoCanceller) Enabled() bool {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	return c.e.currentConfig().EchoCancellation.Enabled
}

func (c echoCanceller) Metrics() apm.EchoMetrics {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	return c.e.EchoMetrics
}

type levelEstimator struct{ e *Engine }

func (l levelEstimator) RMS() apm.Optional[int] {
	l.e.mu.Lock()
	defer l.e.mu.Unlock()
	return l.e.RMSLevel
}

type voiceDetector struct{ e *Engine }

func (v voiceDetector) StreamHasVoice() apm.Optional[bool] {
	v.e.mu.Lock()
	defer v.e.mu.Unlock()
	return v.e.HasVoice
}
