package apm

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
)

// delayUnset marks a session whose delay was never set. The pending delay is
// stored in a single atomic word so the audio goroutine never takes a lock.
const delayUnset = math.MinInt64

// Session drives one [Engine] over a fixed capture/render geometry.
//
// Frame methods ([Session.ProcessRenderFrame], [Session.ProcessCaptureFrame])
// belong to a single audio goroutine and never lock or allocate.
// [Session.SetDelayMs] and [Session.SetOutputMuted] may be called from any
// goroutine. The delay is a last-write-wins value: a capture frame that races
// with SetDelayMs sees either the old or the new value, which is tolerated.
//
// [Session.Stats] reads engine state the frame methods write, so it belongs
// to the audio goroutine too, between frames.
//
// [Session.Reconfigure], [Session.ApplyConfig], [Session.ResetToDefaults] and
// [Session.Close] are non-real-time and must not run concurrently with frame
// processing. The Session does not enforce this; quiesce the audio goroutine
// first.
type Session struct {
	engine Engine
	log    *slog.Logger

	capture StreamGeometry
	render  StreamGeometry

	delayMs atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// Option configures a [Session] at construction time.
type Option func(*options)

type options struct {
	factory EngineFactory
	logger  *slog.Logger
	config  *Config
}

// WithEngineFactory sets the factory used to create the Session's Engine.
// It is required.
func WithEngineFactory(f EngineFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithLogger sets the logger for lifecycle events. Frame methods never log.
// Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithConfig applies cfg right after the Engine is initialized. A rejected
// config fails construction like a rejected initialization.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.config = &cfg }
}

// New creates a Session for captureChannels microphone channels and
// renderChannels speaker channels, both at sampleRateHz.
//
// Geometry is validated before any Engine exists; violations return a wrapped
// [ErrInvalidGeometry]. If the Engine rejects initialization it is closed and
// an [*EngineInitError] carrying the Engine's code is returned. New never
// returns a partially built Session.
func New(captureChannels, renderChannels, sampleRateHz int, opts ...Option) (*Session, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = slog.Default()
	}

	// ── 1. Geometry ──────────────────────────────────────────────────────
	capture, err := NewStreamGeometry(sampleRateHz, captureChannels)
	if err != nil {
		return nil, fmt.Errorf("apm: capture: %w", err)
	}
	render, err := NewStreamGeometry(sampleRateHz, renderChannels)
	if err != nil {
		return nil, fmt.Errorf("apm: render: %w", err)
	}
	if o.factory == nil {
		return nil, ErrNoEngineFactory
	}

	// ── 2. Engine ────────────────────────────────────────────────────────
	engine, err := o.factory()
	if err != nil {
		return nil, &EngineInitError{Code: StatusCreationFailed, Err: err}
	}
	if engine == nil {
		return nil, &EngineInitError{Code: StatusNullPointer}
	}

	if code := engine.Initialize(NewProcessingConfig(capture, render)); !IsSuccess(code) {
		closeQuietly(engine, log)
		return nil, &EngineInitError{Code: code}
	}
	if o.config != nil {
		if code := engine.ApplyConfig(*o.config); !IsSuccess(code) {
			closeQuietly(engine, log)
			return nil, &EngineInitError{Code: code}
		}
	}

	s := &Session{
		engine:  engine,
		log:     log,
		capture: capture,
		render:  render,
	}
	s.delayMs.Store(delayUnset)

	log.Debug("apm: session created", "capture", capture, "render", render)
	return s, nil
}

func closeQuietly(e Engine, log *slog.Logger) {
	if err := e.Close(); err != nil {
		log.Warn("apm: close engine after failed init", "err", err)
	}
}

// ProcessRenderFrame feeds one render frame through the Engine's reverse path.
// Call it once per frame period, before the capture frame of the same period.
// channels must hold one buffer of [Session.RenderGeometry] FrameSize samples
// per render channel; otherwise the Engine is not called and
// [StatusBadNumberChannels] or [StatusBadDataLength] is returned.
func (s *Session) ProcessRenderFrame(channels [][]float32) StatusCode {
	if code := s.render.fits(channels); code != StatusOK {
		return code
	}
	return s.engine.ProcessReverseStream(channels, s.render, s.render)
}

// ProcessCaptureFrame enhances one capture frame in place and returns the
// Engine's status unchanged. When echo cancellation is enabled the pending
// delay (0 if never set) is pushed to the Engine first.
//
// Buffers are checked against [Session.CaptureGeometry] like
// [Session.ProcessRenderFrame].
func (s *Session) ProcessCaptureFrame(channels [][]float32) StatusCode {
	if code := s.capture.fits(channels); code != StatusOK {
		return code
	}
	if ec := s.engine.EchoCancellation(); ec != nil && ec.Enabled() {
		delay := s.delayMs.Load()
		if delay == delayUnset {
			delay = 0
		}
		// The delay push status is advisory; the capture status is what the
		// caller gets.
		s.engine.SetStreamDelayMs(int(delay))
	}
	return s.engine.ProcessStream(channels, s.capture, s.capture)
}

// SetDelayMs records the current render-to-capture acoustic delay estimate,
// consumed by the next capture frame. The value is not range checked.
func (s *Session) SetDelayMs(delayMs int) {
	s.delayMs.Store(int64(delayMs))
}

// PendingDelayMs returns the last value passed to [Session.SetDelayMs], or
// an absent value if it was never called.
func (s *Session) PendingDelayMs() Optional[int] {
	v := s.delayMs.Load()
	if v == delayUnset {
		return None[int]()
	}
	return Some(int(v))
}

// SetOutputMuted tells the Engine whether the render output is silenced.
func (s *Session) SetOutputMuted(muted bool) {
	s.engine.SetOutputWillBeMuted(muted)
}

// Reconfigure re-initializes the Engine with cfg, discarding adaptive state.
// On success the session's capture and render geometries become
// cfg.CaptureInput and cfg.RenderInput. On failure the geometries are left
// unchanged and the Engine's code is returned.
func (s *Session) Reconfigure(cfg ProcessingConfig) StatusCode {
	if err := cfg.Validate(); err != nil {
		s.log.Warn("apm: reconfigure rejected", "err", err)
		return StatusBadParameter
	}
	code := s.engine.Initialize(cfg)
	if !IsSuccess(code) {
		s.log.Warn("apm: reconfigure failed", "status", code)
		return code
	}
	s.capture = cfg.CaptureInput
	s.render = cfg.RenderInput
	s.log.Info("apm: session reconfigured", "capture", s.capture, "render", s.render)
	return code
}

// ApplyConfig tunes the Engine's sub-algorithms without re-initializing it.
func (s *Session) ApplyConfig(cfg Config) StatusCode {
	if err := cfg.Validate(); err != nil {
		s.log.Warn("apm: config rejected", "err", err)
		return StatusBadParameter
	}
	code := s.engine.ApplyConfig(cfg)
	if !IsSuccess(code) {
		s.log.Warn("apm: apply config failed", "status", code)
	}
	return code
}

// Config returns the Engine's current runtime tuning.
func (s *Session) Config() Config {
	return s.engine.Config()
}

// ResetToDefaults re-initializes the Engine with [DefaultProcessingConfig]
// and applies [DefaultConfig]. All custom geometry and tuning is discarded;
// nothing is merged. The session geometries follow the Engine, so frames
// must be sized for 16 kHz mono afterwards.
func (s *Session) ResetToDefaults() StatusCode {
	def := DefaultProcessingConfig()
	code := s.engine.Initialize(def)
	if !IsSuccess(code) {
		s.log.Warn("apm: reset to defaults failed", "status", code)
		return code
	}
	s.capture = def.CaptureInput
	s.render = def.RenderInput

	if code = s.engine.ApplyConfig(DefaultConfig()); !IsSuccess(code) {
		s.log.Warn("apm: reset to defaults: apply default config failed", "status", code)
		return code
	}
	s.log.Info("apm: session reset to defaults", "capture", s.capture, "render", s.render)
	return StatusOK
}

// Stats assembles a fresh statistics snapshot from the Engine. Call it from
// the audio goroutine between frames.
func (s *Session) Stats() Stats {
	return collectStats(s.engine)
}

// SamplesPerFrame returns the per-channel capture frame length.
func (s *Session) SamplesPerFrame() int {
	return s.capture.FrameSize()
}

// CaptureGeometry returns the current capture stream shape.
func (s *Session) CaptureGeometry() StreamGeometry { return s.capture }

// RenderGeometry returns the current render stream shape.
func (s *Session) RenderGeometry() StreamGeometry { return s.render }

// ProcessingConfig returns the shape the Engine was last initialized with.
func (s *Session) ProcessingConfig() ProcessingConfig {
	return s.engine.ProcessingConfig()
}

// Close releases the Engine. It is safe to call more than once; frame methods
// must not be called afterwards.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if err := s.engine.Close(); err != nil {
			s.closeErr = fmt.Errorf("apm: close engine: %w", err)
		}
		s.log.Debug("apm: session closed")
	})
	return s.closeErr
}

// IsInvalidGeometry reports whether err was caused by bad stream geometry.
func IsInvalidGeometry(err error) bool {
	return errors.Is(err, ErrInvalidGeometry)
}
