package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/audioproc/pkg/apm"
	"github.com/MrWong99/audioproc/pkg/audio"
)

// FrameSource yields successive frames. Next returns [io.EOF] when the source
// is exhausted. The returned frame may be reused by the next call.
type FrameSource interface {
	Next(ctx context.Context) (audio.Frame, error)
}

// FrameSink receives processed capture frames. The frame is only valid for
// the duration of the call.
type FrameSink interface {
	Write(ctx context.Context, f audio.Frame) error
}

// SliceSource replays a fixed list of frames.
type SliceSource struct {
	frames []audio.Frame
	pos    int
}

// NewSliceSource returns a source over frames.
func NewSliceSource(frames []audio.Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

// Next implements [FrameSource].
func (s *SliceSource) Next(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	if s.pos >= len(s.frames) {
		return audio.Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

// Len returns the total number of frames.
func (s *SliceSource) Len() int { return len(s.frames) }

// SilenceSource yields silent frames of a fixed geometry forever.
type SilenceSource struct {
	frame audio.Frame
}

// NewSilenceSource returns an endless source of zero frames shaped like g.
func NewSilenceSource(g apm.StreamGeometry) *SilenceSource {
	return &SilenceSource{frame: audio.NewFrame(g.SampleRateHz, g.Channels, g.FrameSize())}
}

// Next implements [FrameSource]. The buffers are reused and cleared on every
// call, since the engine may shape render frames in place.
func (s *SilenceSource) Next(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	for _, ch := range s.frame.Channels {
		clear(ch)
	}
	return s.frame, nil
}

// PCMSource reads raw interleaved little-endian PCM16 at a fixed geometry,
// one frame per call. A short final frame is zero-padded.
type PCMSource struct {
	r     io.Reader
	g     apm.StreamGeometry
	buf   []byte
	ts    int64
	ended bool
}

// NewPCMSource returns a source reading frames shaped like g from r.
func NewPCMSource(r io.Reader, g apm.StreamGeometry) *PCMSource {
	return &PCMSource{r: r, g: g, buf: make([]byte, g.FrameSize()*g.Channels*2)}
}

// Next implements [FrameSource].
func (s *PCMSource) Next(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	if s.ended {
		return audio.Frame{}, io.EOF
	}
	n, err := io.ReadFull(s.r, s.buf)
	switch {
	case errors.Is(err, io.EOF):
		s.ended = true
		return audio.Frame{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.ended = true
		clear(s.buf[n:])
	case err != nil:
		return audio.Frame{}, fmt.Errorf("pipeline: read pcm: %w", err)
	}
	ch, err := audio.DecodePCM16(s.buf, s.g.Channels)
	if err != nil {
		return audio.Frame{}, err
	}
	f := audio.Frame{
		Channels:   ch,
		SampleRate: s.g.SampleRateHz,
		Timestamp:  time.Duration(s.ts) * time.Second / time.Duration(s.g.SampleRateHz),
	}
	s.ts += int64(s.g.FrameSize())
	return f, nil
}

// PCMSink writes frames to w as raw interleaved little-endian PCM16.
type PCMSink struct {
	w io.Writer
}

// NewPCMSink returns a sink writing to w.
func NewPCMSink(w io.Writer) *PCMSink {
	return &PCMSink{w: w}
}

// Write implements [FrameSink].
func (s *PCMSink) Write(_ context.Context, f audio.Frame) error {
	if _, err := s.w.Write(audio.EncodePCM16(f.Channels)); err != nil {
		return fmt.Errorf("pipeline: write pcm: %w", err)
	}
	return nil
}

// CollectSink keeps a copy of every frame written to it. It is safe for
// concurrent use.
type CollectSink struct {
	mu     sync.Mutex
	frames []audio.Frame
}

// Write implements [FrameSink].
func (c *CollectSink) Write(_ context.Context, f audio.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f.Clone())
	return nil
}

// Frames returns the collected frames.
func (c *CollectSink) Frames() []audio.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.Frame(nil), c.frames...)
}
