package apm

// Engine is the enhancement algorithm suite a [Session] configures and drives.
// It is an interface so the session contract can be exercised against a test
// double and so hosts can plug in any DSP backend.
//
// A Session owns its Engine exclusively. Engine methods are called from the
// session's goroutines as described in the package documentation; except for
// [Engine.SetOutputWillBeMuted] no method needs to be safe for concurrent use
// with the frame methods. Sub-capability reads such as
// [LevelEstimator.RMS] happen on the audio goroutine between frames.
type Engine interface {
	// Initialize (re)builds the engine for the given stream shape, discarding
	// all adaptive state. Runtime [Config] survives re-initialization.
	Initialize(cfg ProcessingConfig) StatusCode

	// ProcessingConfig returns the shape passed to the last successful
	// Initialize.
	ProcessingConfig() ProcessingConfig

	// ApplyConfig enables, disables and tunes sub-algorithms.
	ApplyConfig(cfg Config) StatusCode

	// Config returns the currently applied runtime tuning.
	Config() Config

	// ProcessStream runs the capture chain over planar channel buffers in
	// place. in and out describe the same buffers.
	ProcessStream(channels [][]float32, in, out StreamConfig) StatusCode

	// ProcessReverseStream feeds one render frame. The buffers may be shaped
	// in place.
	ProcessReverseStream(channels [][]float32, in, out StreamConfig) StatusCode

	// SetStreamDelayMs tells the echo canceller how far the render signal
	// lags behind the capture signal acoustically, for the next capture frame.
	SetStreamDelayMs(delayMs int) StatusCode

	// SetOutputWillBeMuted tells the engine the render output is silenced so
	// adaptive stages do not train on an artificially silent reference.
	SetOutputWillBeMuted(muted bool)

	// EchoCancellation returns nil when the engine has no echo canceller.
	EchoCancellation() EchoCanceller

	// LevelEstimator returns nil when the engine has no level estimator.
	LevelEstimator() LevelEstimator

	// VoiceDetection returns nil when the engine has no voice detector.
	VoiceDetection() VoiceDetector

	// Close releases engine resources. It is safe to call more than once.
	Close() error
}

// EchoCanceller is the echo cancellation sub-algorithm.
type EchoCanceller interface {
	// Enabled reports whether echo cancellation is currently active.
	Enabled() bool

	// Metrics returns the current echo return loss figures in dB.
	Metrics() EchoMetrics
}

// EchoMetrics are the quality figures of the echo canceller.
type EchoMetrics struct {
	// EchoReturnLoss is the attenuation between the render signal and the
	// echo captured by the microphone, in dB.
	EchoReturnLoss float64

	// EchoReturnLossEnhancement is the additional attenuation achieved by
	// the canceller, in dB.
	EchoReturnLossEnhancement float64
}

// LevelEstimator is the capture level estimation sub-algorithm.
type LevelEstimator interface {
	// RMS returns the capture RMS level since the previous call as a positive
	// attenuation below full scale (0 is full scale, 127 is digital silence).
	// It is absent while the estimator is disabled.
	RMS() Optional[int]
}

// VoiceDetector is the voice activity detection sub-algorithm.
type VoiceDetector interface {
	// StreamHasVoice reports the decision for the last capture frame. It is
	// absent while the detector is disabled or before any frame was seen.
	StreamHasVoice() Optional[bool]
}

// EngineFactory creates a fresh, uninitialized Engine.
type EngineFactory func() (Engine, error)
