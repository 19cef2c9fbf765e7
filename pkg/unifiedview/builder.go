package unifiedview

import (
	"time"

	"apex-correlator/pkg/eventmodel"
)

// defaultMaxDepth bounds grandchildren recursion when BuildInput.MaxDepth
// is left at zero.
const defaultMaxDepth = 3

// BuildInput is everything needed to assemble one parent log's unified
// execution tree.
type BuildInput struct {
	ParentLogID          string
	LogStartWall         time.Time
	Events               []eventmodel.Event
	References           []eventmodel.JobReference
	Correlations         []eventmodel.Correlation
	ExtractionConfidence float64
	// ChildData carries already-analyzed child logs, keyed by child log
	// id, so a correlated boundary can be expanded into an async-child
	// node with its own events, and recursed into for grandchildren.
	ChildData            map[string]ChildLogData
	IncludeGrandchildren bool
	MaxDepth             int
}

// Result is the assembled tree plus its aggregated summary.
type Result struct {
	Root    *eventmodel.ExecutionNode
	Summary Summary
}

// Build constructs the unified execution tree for one parent log and
// computes its summary.
func Build(input BuildInput) Result {
	maxDepth := input.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}

	nextID := 0
	allocID := func() int {
		id := nextID
		nextID++
		return id
	}

	var durationsMS []int64
	root := buildNode(allocID, input.ParentLogID, input.LogStartWall, input.Events, input.References,
		input.Correlations, input.ChildData, input.IncludeGrandchildren, maxDepth, 0, &durationsMS)

	summary := summarize(input.References, input.Correlations, input.ExtractionConfidence, durationsMS)

	return Result{Root: root, Summary: summary}
}

// buildNode builds one log's sync root node and recursively attaches its
// async-boundary children and their async-child nodes. Every call
// represents one fetched log in full, so its [firstEvent, lastEvent]
// duration is recorded into durationsMS exactly once.
func buildNode(allocID func() int, logID string, logStartWall time.Time, events []eventmodel.Event,
	refs []eventmodel.JobReference, correlations []eventmodel.Correlation, childData map[string]ChildLogData,
	includeGrandchildren bool, maxDepth, depth int, durationsMS *[]int64) *eventmodel.ExecutionNode {

	logRange := timeRangeOf(events, logStartWall)
	*durationsMS = append(*durationsMS, durationMS(events))

	root := &eventmodel.ExecutionNode{
		ID:        allocID(),
		Kind:      eventmodel.NodeSync,
		OwningLog: logID,
		Events:    events,
		TimeRange: logRange,
	}

	for _, seg := range partition(events, refs) {
		switch seg.kind {
		case eventmodel.NodeSync:
			root.Children = append(root.Children, &eventmodel.ExecutionNode{
				ID:        allocID(),
				Kind:      eventmodel.NodeSync,
				OwningLog: logID,
				Events:    seg.events,
				TimeRange: timeRangeOf(seg.events, logStartWall),
			})
		case eventmodel.NodeAsyncBoundary:
			boundary := &eventmodel.ExecutionNode{
				ID:        allocID(),
				Kind:      eventmodel.NodeAsyncBoundary,
				OwningLog: logID,
				Events:    seg.events,
				JobRef:    seg.ref,
				TimeRange: timeRangeOf(seg.events, logStartWall),
			}

			for _, corr := range matchingCorrelations(correlations, seg.ref.LocalID) {
				if corr.ChildLogID == "" {
					continue // degraded: no child log to splice in
				}
				childEnd := attachAsyncChild(allocID, boundary, corr, childData, includeGrandchildren, maxDepth, depth, durationsMS)
				if childEnd > boundary.TimeRange.End {
					boundary.TimeRange.End = childEnd
				}
			}
			root.Children = append(root.Children, boundary)
		}
	}

	return root
}

// attachAsyncChild appends one async-child node for a correlated child
// log to boundary, recursing into grandchildren when enabled, and
// returns the child's end time for the boundary's max(enqueue, child end)
// rule.
func attachAsyncChild(allocID func() int, boundary *eventmodel.ExecutionNode, corr eventmodel.Correlation,
	childData map[string]ChildLogData, includeGrandchildren bool, maxDepth, depth int, durationsMS *[]int64) int64 {

	data, fetched := childData[corr.ChildLogID]

	if !fetched {
		child := &eventmodel.ExecutionNode{
			ID:        allocID(),
			Kind:      eventmodel.NodeAsyncChild,
			OwningLog: corr.ChildLogID,
			TimeRange: eventmodel.TimeRange{Start: boundary.TimeRange.Start, End: boundary.TimeRange.Start},
		}
		boundary.Children = append(boundary.Children, child)
		return child.TimeRange.End
	}

	if includeGrandchildren && depth+1 < maxDepth {
		child := buildNode(allocID, corr.ChildLogID, data.LogStartWall, data.Events, data.References,
			data.Correlations, childData, includeGrandchildren, maxDepth, depth+1, durationsMS)
		child.Kind = eventmodel.NodeAsyncChild
		boundary.Children = append(boundary.Children, child)
		return child.TimeRange.End
	}

	*durationsMS = append(*durationsMS, durationMS(data.Events))
	child := &eventmodel.ExecutionNode{
		ID:        allocID(),
		Kind:      eventmodel.NodeAsyncChild,
		OwningLog: corr.ChildLogID,
		Events:    data.Events,
		TimeRange: timeRangeOf(data.Events, data.LogStartWall),
	}
	boundary.Children = append(boundary.Children, child)
	return child.TimeRange.End
}

// durationMS returns a log's [firstEvent.ts, lastEvent.ts] span in
// milliseconds, in the log's own monotonic nanoseconds (no wall-clock
// conversion needed for a same-log delta).
func durationMS(events []eventmodel.Event) int64 {
	if len(events) == 0 {
		return 0
	}
	return (events[len(events)-1].Timestamp - events[0].Timestamp) / int64(time.Millisecond)
}

// matchingCorrelations returns every correlation scored against the
// reference with the given local id, in the order the correlator
// produced them.
func matchingCorrelations(correlations []eventmodel.Correlation, localID int) []eventmodel.Correlation {
	var out []eventmodel.Correlation
	for _, c := range correlations {
		if c.JobRef.LocalID == localID {
			out = append(out, c)
		}
	}
	return out
}
