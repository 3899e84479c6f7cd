package audio

import "time"

// Split cuts a planar signal into frames of frameSize samples per channel.
// The last frame is zero-padded. Frames alias nothing in signal.
func Split(signal [][]float32, sampleRate, frameSize int) []Frame {
	if len(signal) == 0 || frameSize <= 0 {
		return nil
	}
	total := len(signal[0])
	count := (total + frameSize - 1) / frameSize
	frames := make([]Frame, 0, count)
	for n := range count {
		f := NewFrame(sampleRate, len(signal), frameSize)
		start := n * frameSize
		for c, ch := range signal {
			copy(f.Channels[c], ch[start:min(start+frameSize, total)])
		}
		if sampleRate > 0 {
			f.Timestamp = time.Duration(start) * time.Second / time.Duration(sampleRate)
		}
		frames = append(frames, f)
	}
	return frames
}

// Join concatenates frames back into one planar signal. The channel count of
// the first frame wins; frames with fewer channels contribute silence for the
// missing ones.
func Join(frames []Frame) [][]float32 {
	if len(frames) == 0 {
		return nil
	}
	channels := len(frames[0].Channels)
	var total int
	for _, f := range frames {
		total += f.Samples()
	}
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, 0, total)
	}
	for _, f := range frames {
		n := f.Samples()
		for c := range out {
			if c < len(f.Channels) {
				out[c] = append(out[c], f.Channels[c]...)
			} else {
				out[c] = append(out[c], make([]float32, n)...)
			}
		}
	}
	return out
}
