package correlator

import "apex-correlator/pkg/eventmodel"

// Score computes a correlation's overall confidence from its matched
// signals via eventmodel.ScoreSignals: base = Σ(cᵢ·wᵢ)/Σwᵢ, a multi-match
// boost of min(0.10, 0.03·(|S|-1)), and a 0.15 penalty when the sole
// signal is timing, clamped to [0,1].
//
// This is the single scoring path every correlation goes through, so
// recomputing Score on a correlation's own signal slice always reproduces
// its stored OverallConfidence.
func Score(signals []eventmodel.Signal) float64 {
	return eventmodel.ScoreSignals(signals, weightOf)
}
