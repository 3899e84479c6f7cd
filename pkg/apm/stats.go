package apm

// Stats is a point-in-time read of the Engine's quality metrics. It is
// assembled fresh by [Session.Stats] on every call.
//
// RMSLevel, HasVoice, EchoReturnLoss and EchoReturnLossEnhancement are sourced
// from the Engine. The remaining fields have no source wired up and are always
// absent; they exist so the shape stays stable when an Engine grows them.
type Stats struct {
	RMSLevel                        Optional[int]     `json:"rms_level"`
	HasVoice                        Optional[bool]    `json:"has_voice"`
	EchoReturnLoss                  Optional[float64] `json:"echo_return_loss"`
	EchoReturnLossEnhancement       Optional[float64] `json:"echo_return_loss_enhancement"`
	DivergentFilterFraction         Optional[float64] `json:"divergent_filter_fraction"`
	DelayMedianMs                   Optional[int]     `json:"delay_median_ms"`
	DelayStdDevMs                   Optional[int]     `json:"delay_stddev_ms"`
	ResidualEchoLikelihood          Optional[float64] `json:"residual_echo_likelihood"`
	ResidualEchoLikelihoodRecentMax Optional[float64] `json:"residual_echo_likelihood_recent_max"`
	DelayMs                         Optional[int]     `json:"delay_ms"`
}

// collectStats queries the level estimator, the voice detector and, only when
// echo cancellation is enabled, the echo metrics. A missing sub-algorithm
// yields absent fields instead of failing the snapshot.
func collectStats(e Engine) Stats {
	var st Stats

	if le := e.LevelEstimator(); le != nil {
		st.RMSLevel = le.RMS()
	}
	if vd := e.VoiceDetection(); vd != nil {
		st.HasVoice = vd.StreamHasVoice()
	}
	if ec := e.EchoCancellation(); ec != nil && ec.Enabled() {
		m := ec.Metrics()
		st.EchoReturnLoss = Some(m.EchoReturnLoss)
		st.EchoReturnLossEnhancement = Some(m.EchoReturnLossEnhancement)
	}

	// DivergentFilterFraction, DelayMedianMs, DelayStdDevMs,
	// ResidualEchoLikelihood, ResidualEchoLikelihoodRecentMax and DelayMs
	// stay absent: the Engine interface does not expose them.
	return st
}
