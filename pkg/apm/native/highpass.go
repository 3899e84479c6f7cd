package native

import "math"

const (
	// highPassCutoffHz is the corner of the capture DC and rumble filter.
	highPassCutoffHz = 80

	butterworthQ = 1 / math.Sqrt2
)

// biquad is a second-order section in Direct Form II Transposed. a0 is
// normalized to 1.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64

	d0, d1 float64
}

// newButterworthHighPass designs a 2nd-order Butterworth high-pass with the
// RBJ cookbook formulas.
func newButterworthHighPass(cutoffHz, sampleRate float64) biquad {
	w0 := 2 * math.Pi * cutoffHz / sampleRate
	cw, sw := math.Cos(w0), math.Sin(w0)
	alpha := sw / (2 * butterworthQ)

	a0 := 1 + alpha
	return biquad{
		b0: (1 + cw) / 2 / a0,
		b1: -(1 + cw) / a0,
		b2: (1 + cw) / 2 / a0,
		a1: -2 * cw / a0,
		a2: (1 - alpha) / a0,
	}
}

// processBlock filters buf in place.
func (f *biquad) processBlock(buf []float64) {
	for i, x := range buf {
		y := f.b0*x + f.d0
		f.d0 = f.b1*x - f.a1*y + f.d1
		f.d1 = f.b2*x - f.a2*y
		buf[i] = y
	}
}
