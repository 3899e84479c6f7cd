package apm

import (
	"errors"
	"fmt"
	"slices"
)

// FrameDurationMs is the fixed duration of one processing frame.
const FrameDurationMs = 10

// SupportedSampleRates lists the sample rates a [Session] accepts.
var SupportedSampleRates = []int{8000, 16000, 32000, 44100, 48000}

// ErrInvalidGeometry is returned when a channel count or sample rate violates
// the stream preconditions. It is detected before any [Engine] is created.
var ErrInvalidGeometry = errors.New("apm: invalid stream geometry")

// IsSupportedSampleRate reports whether hz is one of [SupportedSampleRates].
func IsSupportedSampleRate(hz int) bool {
	return slices.Contains(SupportedSampleRates, hz)
}

// StreamGeometry describes the shape of one audio direction: its sample rate
// and channel count. It is a value type and is never mutated after creation.
type StreamGeometry struct {
	// SampleRateHz is the sample rate shared by every channel.
	SampleRateHz int `json:"sample_rate_hz" yaml:"sample_rate_hz"`

	// Channels is the number of planar channel buffers per frame.
	Channels int `json:"channels" yaml:"channels"`
}

// StreamConfig is the per-stream entry of a [ProcessingConfig].
type StreamConfig = StreamGeometry

// NewStreamGeometry validates and returns a geometry.
func NewStreamGeometry(sampleRateHz, channels int) (StreamGeometry, error) {
	g := StreamGeometry{SampleRateHz: sampleRateHz, Channels: channels}
	if err := g.Validate(); err != nil {
		return StreamGeometry{}, err
	}
	return g, nil
}

// FrameSize returns the number of samples per channel in one frame.
func (g StreamGeometry) FrameSize() int {
	return g.SampleRateHz * FrameDurationMs / 1000
}

// Validate reports a wrapped [ErrInvalidGeometry] when g cannot be processed.
func (g StreamGeometry) Validate() error {
	if g.Channels < 1 {
		return fmt.Errorf("%w: channel count %d must be at least 1", ErrInvalidGeometry, g.Channels)
	}
	if !IsSupportedSampleRate(g.SampleRateHz) {
		return fmt.Errorf("%w: sample rate %d Hz is not one of %v", ErrInvalidGeometry, g.SampleRateHz, SupportedSampleRates)
	}
	return nil
}

// String returns a compact description such as "48000Hz/2ch".
func (g StreamGeometry) String() string {
	return fmt.Sprintf("%dHz/%dch", g.SampleRateHz, g.Channels)
}

// fits reports whether ch matches g exactly: one buffer per channel, each of
// FrameSize samples. It is used on the frame path and must not allocate.
func (g StreamGeometry) fits(ch [][]float32) StatusCode {
	if len(ch) != g.Channels {
		return StatusBadNumberChannels
	}
	n := g.FrameSize()
	for _, c := range ch {
		if len(c) != n {
			return StatusBadDataLength
		}
	}
	return StatusOK
}
