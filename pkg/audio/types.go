// Package audio holds planar float32 frame helpers shared by the hosts that
// feed an apm.Session: PCM16 conversion, interleaving, channel remixing and
// splitting a signal into fixed-duration frames.
//
// Samples are float32 in [-1, 1], one slice per channel ("planar"). That is
// the layout apm.Session consumes, so frames produced here can be passed to
// it directly.
package audio

import "time"

// Frame is one block of planar audio.
type Frame struct {
	// Channels holds one equally long sample slice per channel.
	Channels [][]float32

	// SampleRate in Hz.
	SampleRate int

	// Timestamp marks the start of the frame relative to stream start.
	Timestamp time.Duration
}

// NewFrame allocates a silent frame.
func NewFrame(sampleRate, channels, samples int) Frame {
	ch := make([][]float32, channels)
	for i := range ch {
		ch[i] = make([]float32, samples)
	}
	return Frame{Channels: ch, SampleRate: sampleRate}
}

// Samples returns the per-channel length, or 0 for a frame without channels.
func (f Frame) Samples() int {
	if len(f.Channels) == 0 {
		return 0
	}
	return len(f.Channels[0])
}

// Duration returns the playback time of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Clone returns a deep copy so the caller can process it in place.
func (f Frame) Clone() Frame {
	out := f
	out.Channels = make([][]float32, len(f.Channels))
	for i, c := range f.Channels {
		out.Channels[i] = append([]float32(nil), c...)
	}
	return out
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
