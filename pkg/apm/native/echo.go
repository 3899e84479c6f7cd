package native

import (
	"math"

	"github.com/cwbudde/algo-vecmath"

	"github.com/MrWong99/audioproc/pkg/apm"
)

const (
	// MaxDelayMs bounds the bulk delay the render history can cover.
	MaxDelayMs = 500

	// powerFloor stops the NLMS update when the reference is near silence.
	powerFloor = 1e-10

	// metricsSmoothing is the per-frame weight of new power measurements.
	metricsSmoothing = 0.1

	maxMetricDB = 100
)

// stepSize maps a suppression level to the NLMS step size mu (0 < mu < 2).
func stepSize(l apm.SuppressionLevel) float64 {
	switch l {
	case apm.SuppressionLow:
		return 0.1
	case apm.SuppressionHigh:
		return 0.5
	default:
		return 0.3
	}
}

// echoCanceller is a per-capture-channel NLMS adaptive FIR driven by a mono
// mixdown of the render stream.
//
// Render samples are appended to a ring buffer sized for the frame, the
// filter span and MaxDelayMs. For capture sample i the reference window ends
// delay samples before the render sample that was fed in the same frame
// period at position i.
type echoCanceller struct {
	enabled   bool
	step      float64
	taps      int
	frameSize int
	rate      int

	// weights are stored oldest-tap first so that weights[j] multiplies
	// ref[i+j], which lets a whole tap vector go through one block op.
	weights [][]float64

	history []float64
	head    int // total render samples written
	delay   int // bulk delay in samples

	ref  []float64 // contiguous reference window, frameSize+taps-1
	prod []float64 // scratch for block products, taps

	farPow  float64 // smoothed render power
	nearPow float64 // smoothed capture power before cancellation
	outPow  float64 // smoothed capture power after cancellation
}

func newEchoCanceller(rate, captureChannels int, cfg apm.EchoCancellationConfig) *echoCanceller {
	frameSize := rate * apm.FrameDurationMs / 1000
	filterMs := cfg.FilterLengthMs
	if filterMs <= 0 {
		filterMs = 16
	}
	taps := max(rate*filterMs/1000, 1)

	weights := make([][]float64, captureChannels)
	for i := range weights {
		weights[i] = make([]float64, taps)
	}
	return &echoCanceller{
		enabled:   cfg.Enabled,
		step:      stepSize(cfg.SuppressionLevel),
		taps:      taps,
		frameSize: frameSize,
		rate:      rate,
		weights:   weights,
		history:   make([]float64, frameSize+taps+rate*MaxDelayMs/1000),
		ref:       make([]float64, frameSize+taps-1),
		prod:      make([]float64, taps),
	}
}

// configure applies runtime tuning. A change of filter length keeps the
// current weights only when the tap count is unchanged.
func (c *echoCanceller) configure(cfg apm.EchoCancellationConfig) {
	if cfg.Enabled && !c.enabled {
		c.resetWeights()
	}
	c.enabled = cfg.Enabled
	c.step = stepSize(cfg.SuppressionLevel)

	filterMs := cfg.FilterLengthMs
	if filterMs <= 0 {
		filterMs = 16
	}
	if taps := max(c.rate*filterMs/1000, 1); taps != c.taps {
		c.taps = taps
		for i := range c.weights {
			c.weights[i] = make([]float64, taps)
		}
		c.history = make([]float64, c.frameSize+taps+c.rate*MaxDelayMs/1000)
		c.head = 0
		c.ref = make([]float64, c.frameSize+taps-1)
		c.prod = make([]float64, taps)
	}
}

func (c *echoCanceller) resetWeights() {
	for _, w := range c.weights {
		clear(w)
	}
}

// setDelayMs clamps ms to [0, MaxDelayMs] and reports whether it had to.
func (c *echoCanceller) setDelayMs(ms int) bool {
	clamped := min(max(ms, 0), MaxDelayMs)
	c.delay = clamped * c.rate / 1000
	return clamped != ms
}

// feedRender appends one mono render frame to the history.
func (c *echoCanceller) feedRender(mono []float64) {
	n := len(c.history)
	var pow float64
	for _, s := range mono {
		c.history[c.head%n] = s
		c.head++
		pow += s * s
	}
	c.farPow += metricsSmoothing * (pow/float64(len(mono)) - c.farPow)
}

// loadReference copies the render window aligned with the current capture
// frame into c.ref.
func (c *echoCanceller) loadReference() {
	n := len(c.history)
	start := c.head - c.frameSize - c.delay - (c.taps - 1)
	for j := range c.ref {
		idx := ((start+j)%n + n) % n
		c.ref[j] = c.history[idx]
	}
}

// process cancels echo in every channel of buf in place. Adaptation is
// skipped while adapt is false.
func (c *echoCanceller) process(buf [][]float64, adapt bool) {
	c.loadReference()

	var nearPow, outPow float64
	for ch, x := range buf {
		w := c.weights[ch]
		for i := range x {
			win := c.ref[i : i+c.taps]

			vecmath.MulBlock(c.prod, w, win)
			var y float64
			for _, p := range c.prod {
				y += p
			}
			e := x[i] - y

			if adapt {
				vecmath.MulBlock(c.prod, win, win)
				var power float64
				for _, p := range c.prod {
					power += p
				}
				if power > powerFloor {
					vecmath.ScaleBlock(c.prod, win, c.step*e/power)
					vecmath.AddBlockInPlace(w, c.prod)
				}
			}

			nearPow += x[i] * x[i]
			outPow += e * e
			x[i] = e
		}
	}

	samples := float64(len(buf) * c.frameSize)
	if samples == 0 {
		return
	}
	c.nearPow += metricsSmoothing * (nearPow/samples - c.nearPow)
	c.outPow += metricsSmoothing * (outPow/samples - c.outPow)
}

// Enabled implements apm.EchoCanceller.
func (c *echoCanceller) Enabled() bool { return c.enabled }

// Metrics implements apm.EchoCanceller. Both figures are 0 dB until there is
// enough signal to measure them.
func (c *echoCanceller) Metrics() apm.EchoMetrics {
	return apm.EchoMetrics{
		EchoReturnLoss:            powerRatioDB(c.farPow, c.nearPow),
		EchoReturnLossEnhancement: powerRatioDB(c.nearPow, c.outPow),
	}
}

// powerRatioDB returns num/den in dB, 0 when num is below the noise floor and
// at most maxMetricDB.
func powerRatioDB(num, den float64) float64 {
	if num <= powerFloor {
		return 0
	}
	return min(10*math.Log10(num/max(den, powerFloor)), maxMetricDB)
}
