package native

import (
	"math"

	"github.com/MrWong99/audioproc/pkg/apm"
)

// speechThreshold returns the RMS level that starts speech for a likelihood.
// Higher likelihoods report speech on quieter input.
func speechThreshold(l apm.VoiceLikelihood) float64 {
	switch l {
	case apm.LikelihoodVeryLow:
		return 0.03
	case apm.LikelihoodLow:
		return 0.02
	case apm.LikelihoodHigh:
		return 0.008
	default:
		return 0.015
	}
}

const (
	// speechOnsetFrames consecutive loud frames start speech.
	speechOnsetFrames = 3
	// speechHangFrames consecutive quiet frames end it.
	speechHangFrames = 30
)

// voiceDetector is an RMS energy detector with hysteresis.
type voiceDetector struct {
	enabled bool
	seen    bool

	speechLevel  float64
	silenceLevel float64

	inSpeech     bool
	speechCount  int
	silenceCount int
}

func newVoiceDetector(cfg apm.VoiceDetectionConfig) *voiceDetector {
	v := &voiceDetector{}
	v.configure(cfg)
	return v
}

func (v *voiceDetector) configure(cfg apm.VoiceDetectionConfig) {
	if !cfg.Enabled {
		v.seen = false
		v.inSpeech = false
		v.speechCount, v.silenceCount = 0, 0
	}
	v.enabled = cfg.Enabled
	v.speechLevel = speechThreshold(cfg.Likelihood)
	v.silenceLevel = v.speechLevel * 0.55
}

func (v *voiceDetector) observe(rms float64) {
	if !v.enabled {
		return
	}
	v.seen = true

	if v.inSpeech {
		if rms < v.silenceLevel {
			v.silenceCount++
			if v.silenceCount >= speechHangFrames {
				v.inSpeech = false
				v.silenceCount = 0
			}
		} else {
			v.silenceCount = 0
		}
		return
	}
	if rms >= v.speechLevel {
		v.speechCount++
		if v.speechCount >= speechOnsetFrames {
			v.inSpeech = true
			v.speechCount = 0
		}
	} else {
		v.speechCount = 0
	}
}

// StreamHasVoice implements apm.VoiceDetector.
func (v *voiceDetector) StreamHasVoice() apm.Optional[bool] {
	if !v.enabled || !v.seen {
		return apm.None[bool]()
	}
	return apm.Some(v.inSpeech)
}

// silenceLevelDBFS is reported for digital silence and for an empty window.
const silenceLevelDBFS = 127

// levelEstimator accumulates capture energy between RMS reads.
type levelEstimator struct {
	enabled bool
	sumSq   float64
	count   int
}

func (l *levelEstimator) configure(cfg apm.LevelEstimationConfig) {
	l.enabled = cfg.Enabled
	l.sumSq, l.count = 0, 0
}

func (l *levelEstimator) observe(sumSq float64, count int) {
	if !l.enabled {
		return
	}
	l.sumSq += sumSq
	l.count += count
}

// RMS implements apm.LevelEstimator. The window restarts on every read.
func (l *levelEstimator) RMS() apm.Optional[int] {
	if !l.enabled {
		return apm.None[int]()
	}
	sumSq, count := l.sumSq, l.count
	l.sumSq, l.count = 0, 0
	return apm.Some(levelDBFS(sumSq, count))
}

// levelDBFS converts accumulated energy to a positive attenuation below full
// scale, rounded and clamped to [0, 127].
func levelDBFS(sumSq float64, count int) int {
	if count == 0 || sumSq <= 0 {
		return silenceLevelDBFS
	}
	rms := math.Sqrt(sumSq / float64(count))
	db := -20 * math.Log10(rms)
	return int(min(max(math.Round(db), 0), silenceLevelDBFS))
}

func rmsOf(sumSq float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return math.Sqrt(sumSq / float64(n))
}
