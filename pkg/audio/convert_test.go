package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/audioproc/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestDecodePCM16_Stereo(t *testing.T) {
	pcm := samplesToBytes([]int16{16384, -16384, 0, 32767})
	got, err := audio.DecodePCM16(pcm, 2)
	if err != nil {
		t.Fatalf("DecodePCM16: %v", err)
	}
	if len(got) != 2 || len(got[0]) != 2 {
		t.Fatalf("shape = %dx%d, want 2x2", len(got), len(got[0]))
	}
	if got[0][0] != 0.5 || got[1][0] != -0.5 || got[0][1] != 0 {
		t.Errorf("decoded = %v", got)
	}
}

func TestDecodePCM16_Errors(t *testing.T) {
	if _, err := audio.DecodePCM16([]byte{1, 2, 3}, 1); err == nil {
		t.Error("expected error for odd byte count")
	}
	if _, err := audio.DecodePCM16([]byte{1, 2}, 0); err == nil {
		t.Error("expected error for zero channels")
	}
}

func TestEncodePCM16_RoundTrip(t *testing.T) {
	want := []int16{100, -200, 300, -400, 32767, -32768}
	planar, err := audio.DecodePCM16(samplesToBytes(want), 2)
	if err != nil {
		t.Fatalf("DecodePCM16: %v", err)
	}
	out := audio.EncodePCM16(planar)
	for i, w := range want {
		if got := int16(binary.LittleEndian.Uint16(out[i*2:])); got != w {
			t.Errorf("sample %d: got %d, want %d", i, got, w)
		}
	}
}

func TestFloat32ToInt16_Clamping(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{1.5, 32767},
		{1, 32767},
		{-1, -32768},
		{-2, -32768},
		{0, 0},
	}
	for _, tt := range tests {
		if got := audio.Float32ToInt16(tt.in); got != tt.want {
			t.Errorf("Float32ToInt16(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestInterleave(t *testing.T) {
	planar := [][]float32{{1, 2, 3}, {-1, -2, -3}}
	inter := audio.Interleave(planar)
	want := []float32{1, -1, 2, -2, 3, -3}
	for i := range want {
		if inter[i] != want[i] {
			t.Fatalf("Interleave = %v, want %v", inter, want)
		}
	}
}

func TestRemix(t *testing.T) {
	stereo := audio.Remix([][]float32{{0.2, 0.4}}, 2)
	if len(stereo) != 2 || stereo[1][1] != 0.4 {
		t.Errorf("mono to stereo = %v", stereo)
	}
	stereo[0][0] = 9
	if stereo[1][0] == 9 {
		t.Error("remixed channels share storage")
	}

	mono := audio.Remix([][]float32{{0.2, 1}, {0.4, -1}}, 1)
	if len(mono) != 1 || mono[0][1] != 0 {
		t.Errorf("stereo to mono = %v", mono)
	}
	if d := mono[0][0] - 0.3; d > 1e-6 || d < -1e-6 {
		t.Errorf("stereo to mono average = %v, want 0.3", mono[0][0])
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	frame := audio.NewFrame(48000, 2, 4)
	result := conv.Convert(frame)
	if &result.Channels[0][0] != &frame.Channels[0][0] {
		t.Error("expected same buffers for matching format")
	}
}

func TestFormatConverter_MonoToStereo(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 2}}
	frame := audio.Frame{Channels: [][]float32{{0.1, 0.2}}, SampleRate: 16000}
	result := conv.Convert(frame)
	if len(result.Channels) != 2 || result.Channels[1][1] != 0.2 {
		t.Errorf("converted = %v", result.Channels)
	}
}

func TestSplitJoin(t *testing.T) {
	signal := [][]float32{make([]float32, 250), make([]float32, 250)}
	for i := range signal[0] {
		signal[0][i] = float32(i)
		signal[1][i] = -float32(i)
	}

	frames := audio.Split(signal, 16000, 100)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if frames[2].Samples() != 100 || frames[2].Channels[0][49] != 249 || frames[2].Channels[0][50] != 0 {
		t.Error("last frame not zero-padded")
	}
	if frames[1].Timestamp != 100*time.Second/16000 {
		t.Errorf("frame 1 timestamp = %v", frames[1].Timestamp)
	}
	if frames[0].Duration() != 100*time.Second/16000 {
		t.Errorf("frame duration = %v", frames[0].Duration())
	}

	frames[0].Channels[0][0] = 42
	if signal[0][0] == 42 {
		t.Error("frames alias the input signal")
	}

	joined := audio.Join(frames)
	if len(joined) != 2 || len(joined[1]) != 300 || joined[1][249] != -249 {
		t.Errorf("Join shape = %dx%d", len(joined), len(joined[0]))
	}
}

func TestFrameClone(t *testing.T) {
	f := audio.NewFrame(8000, 1, 80)
	c := f.Clone()
	c.Channels[0][0] = 1
	if f.Channels[0][0] != 0 {
		t.Error("Clone shares storage")
	}
}
