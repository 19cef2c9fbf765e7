// Package unifiedview splices a parent log's event stream and its
// correlated async children into a single causally ordered execution
// tree, with an aggregated summary and overall confidence.
package unifiedview

import (
	"time"

	"apex-correlator/pkg/eventmodel"
)

// ChildLogData is everything the builder needs about one already-fetched
// and already-analyzed child log to splice it in as a grandchild level.
// Callers (the top-level orchestrator) populate this by running the same
// extraction/resolution/correlation pipeline on the child log's own event
// stream before calling Build; unifiedview itself never triggers that
// work, so it stays decoupled from the extractor/tracker/correlator
// packages.
type ChildLogData struct {
	LogStartWall         time.Time
	Events               []eventmodel.Event
	References           []eventmodel.JobReference
	Correlations         []eventmodel.Correlation
	ExtractionConfidence float64
}

// segment is one contiguous run of events belonging to the same node kind
// during partitioning.
type segment struct {
	kind   eventmodel.NodeKind
	events []eventmodel.Event
	ref    *eventmodel.JobReference // set only for an async-boundary segment
}

// partition splits events into sync segments and single-event
// async-boundary segments, one per enqueuing event a reference points at.
func partition(events []eventmodel.Event, refs []eventmodel.JobReference) []segment {
	boundaryAt := make(map[int]*eventmodel.JobReference, len(refs))
	for i := range refs {
		boundaryAt[refs[i].EnqueuingEventID] = &refs[i]
	}

	var segments []segment
	var syncRun []eventmodel.Event
	flush := func() {
		if len(syncRun) > 0 {
			segments = append(segments, segment{kind: eventmodel.NodeSync, events: syncRun})
			syncRun = nil
		}
	}

	for _, e := range events {
		if ref, ok := boundaryAt[e.ID]; ok {
			flush()
			segments = append(segments, segment{kind: eventmodel.NodeAsyncBoundary, events: []eventmodel.Event{e}, ref: ref})
			continue
		}
		syncRun = append(syncRun, e)
	}
	flush()
	return segments
}

// timeRangeOf derives a node's wall-clock TimeRange, in unix nanoseconds,
// from its own log-relative events and that log's start time. An empty
// event list yields a zero-width range anchored at the log start.
func timeRangeOf(events []eventmodel.Event, logStartWall time.Time) eventmodel.TimeRange {
	if len(events) == 0 {
		start := logStartWall.UnixNano()
		return eventmodel.TimeRange{Start: start, End: start}
	}
	start := eventmodel.ToWall(events[0].Timestamp, logStartWall).UnixNano()
	end := eventmodel.ToWall(events[len(events)-1].Timestamp, logStartWall).UnixNano()
	return eventmodel.TimeRange{Start: start, End: end}
}
