package unifiedview

import (
	"fmt"
	"sort"

	"apex-correlator/pkg/eventmodel"
)

// OverallStatus is the aggregated execution outcome across every resolved
// platform job record in a unified view.
type OverallStatus string

const (
	StatusSuccess        OverallStatus = "success"
	StatusFailure        OverallStatus = "failure"
	StatusPartialFailure OverallStatus = "partial-failure"
)

// Summary aggregates a unified view's duration, outcome, and confidence.
type Summary struct {
	TotalDurationMS    int64
	Status             OverallStatus
	FlowDescription    string
	Confidence         float64
	CorrelatedChildren int
	TotalChildren      int
}

// summarize computes a unified view's Summary. fetchedDurationsMS is the
// [firstEvent.ts, lastEvent.ts] duration, in milliseconds, of the parent
// log and every child log whose events were fetched.
func summarize(refs []eventmodel.JobReference, correlations []eventmodel.Correlation, extractionConfidence float64, fetchedDurationsMS []int64) Summary {
	return Summary{
		TotalDurationMS:    sumDurations(fetchedDurationsMS) + sumQueueDelays(correlations),
		Status:             deriveStatus(correlations),
		FlowDescription:    describeFlow(refs, correlations),
		Confidence:         deriveConfidence(refs, correlations, extractionConfidence),
		CorrelatedChildren: len(correlatedLocalIDs(refs, correlations)),
		TotalChildren:      len(refs),
	}
}

func sumDurations(durationsMS []int64) int64 {
	var total int64
	for _, d := range durationsMS {
		total += d
	}
	return total
}

// sumQueueDelays adds up every non-negative queue delay across correlations.
func sumQueueDelays(correlations []eventmodel.Correlation) int64 {
	var total int64
	for _, c := range correlations {
		if c.QueueDelayMS > 0 {
			total += c.QueueDelayMS
		}
	}
	return total
}

// deriveStatus implements: success if no resolved record is
// failed/aborted; failure if all resolved records are; partial-failure
// otherwise.
func deriveStatus(correlations []eventmodel.Correlation) OverallStatus {
	var resolved, bad int
	for _, c := range correlations {
		if c.ResolvedStatus == "" {
			continue
		}
		resolved++
		if c.ResolvedStatus == eventmodel.JobStatusFailed || c.ResolvedStatus == eventmodel.JobStatusAborted {
			bad++
		}
	}
	switch {
	case resolved == 0 || bad == 0:
		return StatusSuccess
	case bad == resolved:
		return StatusFailure
	default:
		return StatusPartialFailure
	}
}

// correlatedLocalIDs returns the set of reference local ids with at least
// one correlation attached, including degraded ones.
func correlatedLocalIDs(refs []eventmodel.JobReference, correlations []eventmodel.Correlation) map[int]bool {
	has := make(map[int]bool, len(refs))
	for _, c := range correlations {
		has[c.JobRef.LocalID] = true
	}
	return has
}

// describeFlow renders a short deterministic summary string grouped by
// job kind, each with its correlated-vs-total reference count.
func describeFlow(refs []eventmodel.JobReference, correlations []eventmodel.Correlation) string {
	if len(refs) == 0 {
		return "no async work"
	}
	correlated := correlatedLocalIDs(refs, correlations)

	type kindCount struct{ total, correlated int }
	counts := make(map[eventmodel.AsyncJobKind]*kindCount)
	for _, r := range refs {
		kc, ok := counts[r.Kind]
		if !ok {
			kc = &kindCount{}
			counts[r.Kind] = kc
		}
		kc.total++
		if correlated[r.LocalID] {
			kc.correlated++
		}
	}

	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		kc := counts[eventmodel.AsyncJobKind(k)]
		parts = append(parts, fmt.Sprintf("%s: %d/%d correlated", k, kc.correlated, kc.total))
	}

	out := parts[0]
	for _, p := range parts[1:] {
		out += "; " + p
	}
	return out
}

// deriveConfidence implements: (extractionConfidence +
// meanCorrelationConfidence)/2 - 0.10*uncorrelatedChildren, clamped to
// [0,1].
func deriveConfidence(refs []eventmodel.JobReference, correlations []eventmodel.Correlation, extractionConfidence float64) float64 {
	mean := meanConfidence(correlations)
	uncorrelated := len(refs) - len(correlatedLocalIDs(refs, correlations))
	if uncorrelated < 0 {
		uncorrelated = 0
	}
	score := (extractionConfidence+mean)/2 - 0.10*float64(uncorrelated)
	return eventmodel.Clamp01(score)
}

func meanConfidence(correlations []eventmodel.Correlation) float64 {
	if len(correlations) == 0 {
		return 0
	}
	var sum float64
	for _, c := range correlations {
		sum += c.OverallConfidence
	}
	return sum / float64(len(correlations))
}
