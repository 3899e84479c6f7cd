package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Int16ToFloat32 maps a PCM16 sample to [-1, 1).
func Int16ToFloat32(s int16) float32 {
	return float32(s) / 32768
}

// Float32ToInt16 maps a float sample to PCM16, clamping to the int16 range.
func Float32ToInt16(v float32) int16 {
	s := v * 32768
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return int16(s)
}

// DecodePCM16 converts interleaved little-endian int16 PCM into planar
// float32 channels. Trailing bytes that do not form a whole sample frame are
// ignored.
func DecodePCM16(pcm []byte, channels int) ([][]float32, error) {
	if channels < 1 {
		return nil, fmt.Errorf("audio: decode pcm16: invalid channel count %d", channels)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: decode pcm16: odd byte count %d", len(pcm))
	}
	frames := len(pcm) / (2 * channels)
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			off := (i*channels + c) * 2
			out[c][i] = Int16ToFloat32(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
	}
	return out, nil
}

// EncodePCM16 converts planar float32 channels to interleaved little-endian
// int16 PCM.
func EncodePCM16(channels [][]float32) []byte {
	if len(channels) == 0 {
		return nil
	}
	n := len(channels[0])
	out := make([]byte, n*len(channels)*2)
	for i := range n {
		for c, ch := range channels {
			off := (i*len(channels) + c) * 2
			binary.LittleEndian.PutUint16(out[off:], uint16(Float32ToInt16(ch[i])))
		}
	}
	return out
}

// Interleave writes planar channels into one interleaved slice.
func Interleave(channels [][]float32) []float32 {
	if len(channels) == 0 {
		return nil
	}
	n := len(channels[0])
	out := make([]float32, n*len(channels))
	for c, ch := range channels {
		for i, v := range ch[:n] {
			out[i*len(channels)+c] = v
		}
	}
	return out
}

// Remix converts src to the given channel count. Mono is duplicated into
// every output channel; more channels are averaged down to mono and then
// duplicated. Matching counts return src unchanged.
func Remix(src [][]float32, channels int) [][]float32 {
	if len(src) == channels || len(src) == 0 || channels < 1 {
		return src
	}
	mono := src[0]
	if len(src) > 1 {
		n := len(src[0])
		mono = make([]float32, n)
		scale := 1 / float32(len(src))
		for _, ch := range src {
			for i, v := range ch[:n] {
				mono[i] += v * scale
			}
		}
	}
	out := make([][]float32, channels)
	for c := range out {
		out[c] = append([]float32(nil), mono...)
	}
	return out
}

// FormatConverter remixes frames to a target channel count. It logs once on
// the first mismatch. Sample rate conversion is not its job; frames at another
// rate are passed through with a one-time warning.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target Format

	warnedRemix sync.Once
	warnedRate  sync.Once
}

// Convert returns frame in the target channel layout. If the layout already
// matches, the frame is returned unchanged.
func (c *FormatConverter) Convert(frame Frame) Frame {
	if frame.SampleRate != c.Target.SampleRate {
		c.warnedRate.Do(func() {
			slog.Warn("audio format converter: sample rate mismatch, passing through",
				"from", frame.SampleRate,
				"to", c.Target.SampleRate,
			)
		})
	}
	if len(frame.Channels) == c.Target.Channels {
		return frame
	}
	c.warnedRemix.Do(func() {
		slog.Warn("audio format mismatch: remixing",
			"from", formatString(frame.SampleRate, len(frame.Channels)),
			"to", formatString(frame.SampleRate, c.Target.Channels),
		)
	})
	frame.Channels = Remix(frame.Channels, c.Target.Channels)
	return frame
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
