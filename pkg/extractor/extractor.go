// Package extractor runs a single left-to-right scan over a parent log's
// event stream that emits typed async-job references, deduplicating and
// stack-depth-tracking as it goes.
package extractor

import "apex-correlator/pkg/eventmodel"

// Result is the outcome of a single extraction pass.
type Result struct {
	References []eventmodel.JobReference
	Confidence float64
	Warnings   []string
}

// Extract scans events once, left to right, running all four classifiers
// at each position, deduplicating references whose class, kind, and
// enqueue time agree within 1 ms, and tracking enqueue stack depth. The
// pass is deterministic: running it twice on the same events yields
// identical reference sets with identical local ids.
func Extract(events []eventmodel.Event) Result {
	var refs []eventmodel.JobReference
	depth := 0
	unknownClassCount := 0
	missingIDCount := 0

	for i, e := range events {
		switch e.Kind {
		case eventmodel.KindCodeUnitStarted, eventmodel.KindMethodEntry:
			depth++
		case eventmodel.KindCodeUnitFinished, eventmodel.KindMethodExit:
			if depth > 0 {
				depth--
			}
		}

		var (
			candidate eventmodel.JobReference
			matched   bool
		)
		if ref, ok := classifyDirect(e); ok {
			candidate, matched = ref, true
		} else if ref, ok := classifyMethodCall(events, i); ok {
			candidate, matched = ref, true
		} else if ref, ok := classifyFuture(e); ok {
			candidate, matched = ref, true
		}

		if matched {
			candidate.StackDepth = depth
			if idx := findDuplicate(refs, candidate); idx >= 0 {
				upgrade(&refs[idx], candidate)
			} else {
				candidate.LocalID = len(refs)
				refs = append(refs, candidate)
			}
			continue
		}

		if idx, jobID, ok := classifyDebugUpgrade(e, refs); ok {
			refs[idx].PlatformJobID = jobID
		}
	}

	for _, r := range refs {
		if r.IsUnknownClass() {
			unknownClassCount++
		}
		if !r.HasPlatformID() {
			missingIDCount++
		}
	}

	return Result{
		References: refs,
		Confidence: extractionConfidence(len(refs), unknownClassCount, missingIDCount, len(events)),
	}
}

// findDuplicate returns the index of an existing reference matching class,
// kind, and an enqueue time within 1 ms of candidate, or -1.
func findDuplicate(refs []eventmodel.JobReference, candidate eventmodel.JobReference) int {
	const dedupWindowNS = int64(1_000_000) // 1ms
	for i, r := range refs {
		if r.Class != candidate.Class || r.Kind != candidate.Kind {
			continue
		}
		delta := r.EnqueueTimeNS - candidate.EnqueueTimeNS
		if delta < 0 {
			delta = -delta
		}
		if delta <= dedupWindowNS {
			return i
		}
	}
	return -1
}

// upgrade folds a later-discovered duplicate into the surviving reference:
// only a platform id discovery is carried over.
func upgrade(surviving *eventmodel.JobReference, duplicate eventmodel.JobReference) {
	if !surviving.HasPlatformID() && duplicate.HasPlatformID() {
		surviving.PlatformJobID = duplicate.PlatformJobID
	}
}

// extractionConfidence starts at 1.0, subtracts 0.3 *
// (unknown_class_count/total) and 0.2 * (missing_id_count/total), and a
// flat 0.1 if fewer than 50 total events were seen, floored at 0.
func extractionConfidence(refCount, unknownClassCount, missingIDCount, totalEvents int) float64 {
	if refCount == 0 {
		return eventmodel.Clamp01(1.0)
	}
	score := 1.0
	score -= 0.3 * (float64(unknownClassCount) / float64(refCount))
	score -= 0.2 * (float64(missingIDCount) / float64(refCount))
	if totalEvents < 50 {
		score -= 0.1
	}
	if score < 0 {
		score = 0
	}
	return score
}
