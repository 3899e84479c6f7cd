// Package wavio loads and stores PCM WAV clips and conforms them to a session
// geometry, so file-driven runs can feed the frame pipeline.
package wavio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/MrWong99/audioproc/pkg/audio"
)

var (
	// ErrNotWAV is returned when the input has no RIFF/WAVE header.
	ErrNotWAV = errors.New("wavio: not a wav file")

	// ErrUnsupportedFormat is returned for non-PCM or unsupported bit depths.
	ErrUnsupportedFormat = errors.New("wavio: unsupported wav format")
)

// wavFormatPCM is the WAVE_FORMAT_PCM tag.
const wavFormatPCM = 1

// writeBitDepth is the bit depth of every file written by [Encode].
const writeBitDepth = 16

// Clip is a decoded planar signal.
type Clip struct {
	Channels   [][]float32
	SampleRate int
}

// Samples returns the per-channel length of c.
func (c *Clip) Samples() int {
	if len(c.Channels) == 0 {
		return 0
	}
	return len(c.Channels[0])
}

// ReadFile decodes the WAV file at path.
func ReadFile(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavio: open %q: %w", path, err)
	}
	defer f.Close()

	clip, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("wavio: read %q: %w", path, err)
	}
	return clip, nil
}

// Decode reads a 16, 24 or 32 bit integer PCM WAV stream.
func Decode(r io.ReadSeeker) (*Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrNotWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavio: decode pcm: %w", err)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return nil, fmt.Errorf("%w: format tag %d", ErrUnsupportedFormat, dec.WavAudioFormat)
	}
	depth := int(dec.BitDepth)
	switch depth {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedFormat, depth)
	}

	chans := int(dec.NumChans)
	if chans < 1 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, chans)
	}
	n := len(buf.Data) / chans
	scale := 1 / float32(int64(1)<<(depth-1))

	clip := &Clip{
		Channels:   make([][]float32, chans),
		SampleRate: int(dec.SampleRate),
	}
	for c := range clip.Channels {
		clip.Channels[c] = make([]float32, n)
	}
	for i := range n {
		for c := range chans {
			clip.Channels[c][i] = float32(buf.Data[i*chans+c]) * scale
		}
	}
	return clip, nil
}

// WriteFile encodes clip as 16-bit PCM into a new file at path.
func WriteFile(path string, clip *Clip) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wavio: create %q: %w", path, err)
	}
	if err := Encode(f, clip); err != nil {
		f.Close()
		return fmt.Errorf("wavio: write %q: %w", path, err)
	}
	return f.Close()
}

// Encode writes clip as 16-bit PCM. w must be seekable so the header sizes
// can be patched when the encoder closes.
func Encode(w io.WriteSeeker, clip *Clip) error {
	chans := len(clip.Channels)
	if chans == 0 {
		return fmt.Errorf("%w: no channels", ErrUnsupportedFormat)
	}
	enc := wav.NewEncoder(w, clip.SampleRate, writeBitDepth, chans, wavFormatPCM)

	inter := audio.Interleave(clip.Channels)
	data := make([]int, len(inter))
	for i, v := range inter {
		data[i] = int(audio.Float32ToInt16(v))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: chans, SampleRate: clip.SampleRate},
		Data:           data,
		SourceBitDepth: writeBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("wavio: encode: %w", err)
	}
	return enc.Close()
}

// resampleTailMs is the zero padding fed after the signal so the resampler's
// filter delay does not swallow the last samples.
const resampleTailMs = 50

// Resample returns c converted to rate. Each channel goes through its own
// high-quality resampler; the result length is round(samples*rate/in).
func (c *Clip) Resample(rate int) (*Clip, error) {
	if rate == c.SampleRate || c.Samples() == 0 {
		return &Clip{Channels: c.Channels, SampleRate: rate}, nil
	}
	if rate <= 0 || c.SampleRate <= 0 {
		return nil, fmt.Errorf("wavio: resample %d Hz to %d Hz: invalid rate", c.SampleRate, rate)
	}

	n := c.Samples()
	want := int((int64(n)*int64(rate) + int64(c.SampleRate)/2) / int64(c.SampleRate))
	pad := c.SampleRate * resampleTailMs / 1000

	out := &Clip{Channels: make([][]float32, len(c.Channels)), SampleRate: rate}
	for ch, samples := range c.Channels {
		r, err := resampling.New(&resampling.Config{
			InputRate:  float64(c.SampleRate),
			OutputRate: float64(rate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("wavio: create resampler: %w", err)
		}
		in := make([]float64, n+pad)
		for i, v := range samples {
			in[i] = float64(v)
		}
		res, err := r.Process(in)
		if err != nil {
			return nil, fmt.Errorf("wavio: resample channel %d: %w", ch, err)
		}
		dst := make([]float32, want)
		for i := range min(want, len(res)) {
			dst[i] = float32(res[i])
		}
		out.Channels[ch] = dst
	}
	return out, nil
}

// Conform resamples and remixes c to the given rate and channel count,
// logging each conversion it performs.
func (c *Clip) Conform(rate, channels int, log *slog.Logger) (*Clip, error) {
	if log == nil {
		log = slog.Default()
	}
	out := c
	if c.SampleRate != rate {
		log.Info("wavio: resampling clip", "from_hz", c.SampleRate, "to_hz", rate)
		var err error
		if out, err = c.Resample(rate); err != nil {
			return nil, err
		}
	}
	if len(out.Channels) != channels {
		log.Info("wavio: remixing clip", "from_channels", len(out.Channels), "to_channels", channels)
		out = &Clip{Channels: audio.Remix(out.Channels, channels), SampleRate: out.SampleRate}
	}
	return out, nil
}

// Frames splits c into frames of frameSize samples; the last one is
// zero-padded.
func (c *Clip) Frames(frameSize int) []audio.Frame {
	return audio.Split(c.Channels, c.SampleRate, frameSize)
}

// FromFrames joins frames back into a clip at rate.
func FromFrames(frames []audio.Frame, rate int) *Clip {
	return &Clip{Channels: audio.Join(frames), SampleRate: rate}
}
