package native

import (
	"math"

	"github.com/MrWong99/audioproc/pkg/apm"
)

const (
	// attackCoeff is the smoothing weight when gain has to drop.
	attackCoeff = 0.8
	// releaseCoeff is the smoothing weight when gain may rise again.
	releaseCoeff = 0.02

	// gainFloorRMS suppresses gain updates on frames below the noise floor.
	gainFloorRMS = 0.001
)

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

// gainController is a single-gain automatic gain control shared by all
// capture channels, so the stereo image is preserved.
type gainController struct {
	enabled bool
	mode    apm.GainMode
	limiter bool

	target  float64 // linear RMS target
	maxGain float64
	minGain float64
	gain    float64
}

func newGainController(cfg apm.GainControlConfig) *gainController {
	g := &gainController{gain: 1}
	g.configure(cfg)
	return g
}

func (g *gainController) configure(cfg apm.GainControlConfig) {
	g.enabled = cfg.Enabled
	g.mode = cfg.Mode
	if g.mode == "" {
		g.mode = apm.GainAdaptiveDigital
	}
	g.limiter = cfg.EnableLimiter
	g.target = dbToLinear(-float64(cfg.TargetLevelDBFS))
	g.maxGain = dbToLinear(float64(cfg.CompressionGainDB))
	g.minGain = 1 / g.maxGain

	if g.mode == apm.GainFixedDigital {
		g.gain = g.maxGain
	} else {
		g.gain = min(max(g.gain, g.minGain), g.maxGain)
	}
}

// process applies the current gain to buf and then updates the adaptive
// estimate from the frame's RMS.
func (g *gainController) process(buf [][]float64) {
	var sum float64
	var n int
	for _, x := range buf {
		for i, s := range x {
			sum += s * s
			v := s * g.gain
			if g.limiter {
				v = min(max(v, -1), 1)
			}
			x[i] = v
		}
		n += len(x)
	}

	if g.mode == apm.GainFixedDigital || n == 0 {
		return
	}
	rms := math.Sqrt(sum / float64(n))
	if rms < gainFloorRMS {
		return
	}

	desired := min(max(g.target/rms, g.minGain), g.maxGain)
	coeff := releaseCoeff
	if desired < g.gain {
		coeff = attackCoeff
	}
	g.gain += coeff * (desired - g.gain)
}
