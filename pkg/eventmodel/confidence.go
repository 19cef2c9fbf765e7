package eventmodel

// ScoreSignals computes the overall confidence for a set of matched
// signals:
//
//	base = Σ(cᵢ·wᵢ)/Σwᵢ
//	boost = min(0.10, 0.03·(|S|-1))
//	penalty = 0.15 iff |S|=1 and the sole signal is timing
//	overall = clamp(base + boost - penalty, 0, 1)
//
// weightOf resolves the base weight for a signal's Reason; callers supply
// their own weight table so this package need not know the correlator's
// condition-matching logic.
func ScoreSignals(signals []Signal, weightOf func(Signal) float64) float64 {
	if len(signals) == 0 {
		return 0
	}

	var weightedSum, weightSum float64
	for _, s := range signals {
		w := weightOf(s)
		weightedSum += s.Confidence * w
		weightSum += w
	}
	if weightSum == 0 {
		return 0
	}
	base := weightedSum / weightSum
	if len(signals) == 1 {
		// A one-signal weighted mean is that signal's confidence; taking
		// it directly keeps c·w/w rounding from drifting off it.
		base = signals[0].Confidence
	}

	boost := 0.03 * float64(len(signals)-1)
	if boost > 0.10 {
		boost = 0.10
	}

	penalty := 0.0
	if len(signals) == 1 && signals[0].Reason == SignalTiming {
		penalty = 0.15
	}

	return Clamp01(base + boost - penalty)
}
