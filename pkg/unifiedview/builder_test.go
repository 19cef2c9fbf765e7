package unifiedview

import (
	"testing"
	"time"

	"apex-correlator/pkg/eventmodel"
)

func parentFixture() (time.Time, []eventmodel.Event, eventmodel.JobReference) {
	logStart := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	ms := func(n int64) int64 { return n * int64(time.Millisecond) }
	events := []eventmodel.Event{
		{ID: 0, Kind: eventmodel.KindCodeUnitStarted, Timestamp: ms(0)},
		{ID: 1, Kind: eventmodel.KindMethodEntry, Timestamp: ms(100), Class: "Foo", Method: "run"},
		{ID: 2, Kind: eventmodel.KindAsyncEnqueue, Timestamp: ms(200), Class: "Foo",
			Payload: eventmodel.Payload{JobKind: eventmodel.JobKindQueueable}},
		{ID: 3, Kind: eventmodel.KindMethodExit, Timestamp: ms(300)},
		{ID: 4, Kind: eventmodel.KindCodeUnitFinished, Timestamp: ms(400)},
	}
	ref := eventmodel.JobReference{
		LocalID: 0, Kind: eventmodel.JobKindQueueable, Class: "Foo",
		EnqueuingEventID: 2, EnqueueTimeNS: ms(200),
	}
	return logStart, events, ref
}

func childFixture(logStart time.Time) (time.Time, []eventmodel.Event) {
	childStart := logStart.Add(2 * time.Second)
	ms := func(n int64) int64 { return n * int64(time.Millisecond) }
	return childStart, []eventmodel.Event{
		{ID: 0, Kind: eventmodel.KindCodeUnitStarted, Timestamp: ms(0)},
		{ID: 1, Kind: eventmodel.KindMethodExit, Timestamp: ms(50)},
	}
}

func TestBuild_SplitsSyncAndBoundarySegments(t *testing.T) {
	logStart, events, ref := parentFixture()
	childStart, childEvents := childFixture(logStart)

	corr := eventmodel.Correlation{
		JobRef: ref, ChildLogID: "07L000000000001", OverallConfidence: 0.9,
		QueueDelayMS: 500, ResolvedStatus: eventmodel.JobStatusCompleted,
	}

	result := Build(BuildInput{
		ParentLogID: "07L000000000000", LogStartWall: logStart,
		Events: events, References: []eventmodel.JobReference{ref}, Correlations: []eventmodel.Correlation{corr},
		ExtractionConfidence: 0.9,
		ChildData: map[string]ChildLogData{
			"07L000000000001": {LogStartWall: childStart, Events: childEvents},
		},
	})

	root := result.Root
	if root.Kind != eventmodel.NodeSync {
		t.Fatalf("expected sync root, got %v", root.Kind)
	}
	if len(root.Children) != 3 {
		t.Fatalf("expected 3 children (sync, boundary, sync), got %d", len(root.Children))
	}
	if root.Children[0].Kind != eventmodel.NodeSync || len(root.Children[0].Events) != 2 {
		t.Errorf("expected leading sync segment of 2 events, got %+v", root.Children[0])
	}
	boundary := root.Children[1]
	if boundary.Kind != eventmodel.NodeAsyncBoundary {
		t.Fatalf("expected boundary node, got %v", boundary.Kind)
	}
	if boundary.JobRef == nil || boundary.JobRef.LocalID != 0 {
		t.Errorf("expected boundary job ref local id 0, got %+v", boundary.JobRef)
	}
	if root.Children[2].Kind != eventmodel.NodeSync || len(root.Children[2].Events) != 2 {
		t.Errorf("expected trailing sync segment of 2 events, got %+v", root.Children[2])
	}
}

func TestBuild_AttachesAsyncChildAndExtendsBoundaryEnd(t *testing.T) {
	logStart, events, ref := parentFixture()
	childStart, childEvents := childFixture(logStart)

	corr := eventmodel.Correlation{
		JobRef: ref, ChildLogID: "07L000000000001", OverallConfidence: 0.9,
		QueueDelayMS: 500, ResolvedStatus: eventmodel.JobStatusCompleted,
	}

	result := Build(BuildInput{
		ParentLogID: "07L000000000000", LogStartWall: logStart,
		Events: events, References: []eventmodel.JobReference{ref}, Correlations: []eventmodel.Correlation{corr},
		ExtractionConfidence: 0.9,
		ChildData: map[string]ChildLogData{
			"07L000000000001": {LogStartWall: childStart, Events: childEvents},
		},
	})

	boundary := result.Root.Children[1]
	if len(boundary.Children) != 1 {
		t.Fatalf("expected one async-child node, got %d", len(boundary.Children))
	}
	asyncChild := boundary.Children[0]
	if asyncChild.Kind != eventmodel.NodeAsyncChild || asyncChild.OwningLog != "07L000000000001" {
		t.Errorf("unexpected async child: %+v", asyncChild)
	}
	if len(asyncChild.Events) != 2 {
		t.Errorf("expected child events attached, got %d", len(asyncChild.Events))
	}
	// The child log starts 2s after the parent, well past the enqueue
	// time, so the boundary's end time must track the child's end.
	if boundary.TimeRange.End != asyncChild.TimeRange.End {
		t.Errorf("expected boundary end to track async-child end: boundary=%d child=%d",
			boundary.TimeRange.End, asyncChild.TimeRange.End)
	}
}

func TestBuild_DegradedCorrelationAttachesNoChildNode(t *testing.T) {
	logStart, events, ref := parentFixture()
	corr := eventmodel.Correlation{
		JobRef: ref, ChildLogID: "", OverallConfidence: 0.30, ResolvedStatus: eventmodel.JobStatusCompleted,
	}

	result := Build(BuildInput{
		ParentLogID: "07L000000000000", LogStartWall: logStart,
		Events: events, References: []eventmodel.JobReference{ref}, Correlations: []eventmodel.Correlation{corr},
		ExtractionConfidence: 0.9,
	})

	boundary := result.Root.Children[1]
	if len(boundary.Children) != 0 {
		t.Errorf("expected no async-child node for a degraded correlation, got %d", len(boundary.Children))
	}
	if result.Summary.Status != StatusSuccess {
		t.Errorf("expected success status from the degraded completed record, got %v", result.Summary.Status)
	}
}

func TestBuild_UnfetchedChildGetsEmptyEventList(t *testing.T) {
	logStart, events, ref := parentFixture()
	corr := eventmodel.Correlation{JobRef: ref, ChildLogID: "07L000000000002", OverallConfidence: 0.7}

	result := Build(BuildInput{
		ParentLogID: "07L000000000000", LogStartWall: logStart,
		Events: events, References: []eventmodel.JobReference{ref}, Correlations: []eventmodel.Correlation{corr},
		ExtractionConfidence: 0.9,
	})

	boundary := result.Root.Children[1]
	if len(boundary.Children) != 1 {
		t.Fatalf("expected one async-child placeholder node, got %d", len(boundary.Children))
	}
	if len(boundary.Children[0].Events) != 0 {
		t.Errorf("expected an empty event list for an unfetched child, got %d events", len(boundary.Children[0].Events))
	}
}

func TestBuild_GrandchildrenRecursion(t *testing.T) {
	logStart, events, ref := parentFixture()
	childStart, childEvents := childFixture(logStart)

	grandchildRef := eventmodel.JobReference{LocalID: 0, Kind: eventmodel.JobKindFuture, Class: "Bar",
		Method: "later", EnqueuingEventID: 1, EnqueueTimeNS: childEvents[1].Timestamp}
	childEvents = append(childEvents, eventmodel.Event{ID: 2, Kind: eventmodel.KindMethodEntry, Timestamp: childEvents[1].Timestamp + int64(time.Millisecond)})

	grandchildStart := childStart.Add(time.Second)
	grandchildEvents := []eventmodel.Event{
		{ID: 0, Kind: eventmodel.KindCodeUnitStarted, Timestamp: 0},
	}
	grandchildCorr := eventmodel.Correlation{JobRef: grandchildRef, ChildLogID: "07L000000000003", OverallConfidence: 0.8}

	corr := eventmodel.Correlation{JobRef: ref, ChildLogID: "07L000000000001", OverallConfidence: 0.9, ResolvedStatus: eventmodel.JobStatusCompleted}

	result := Build(BuildInput{
		ParentLogID: "07L000000000000", LogStartWall: logStart,
		Events: events, References: []eventmodel.JobReference{ref}, Correlations: []eventmodel.Correlation{corr},
		ExtractionConfidence: 0.9,
		ChildData: map[string]ChildLogData{
			"07L000000000001": {
				LogStartWall: childStart, Events: childEvents,
				References: []eventmodel.JobReference{grandchildRef}, Correlations: []eventmodel.Correlation{grandchildCorr},
				ExtractionConfidence: 0.8,
			},
			"07L000000000003": {LogStartWall: grandchildStart, Events: grandchildEvents},
		},
		IncludeGrandchildren: true,
		MaxDepth:             3,
	})

	asyncChild := result.Root.Children[1].Children[0]
	if len(asyncChild.Children) == 0 {
		t.Fatal("expected the recursed child node to carry its own boundary/grandchild subtree")
	}
	var found bool
	for _, c := range asyncChild.Children {
		if c.Kind == eventmodel.NodeAsyncBoundary {
			found = true
			if len(c.Children) != 1 || c.Children[0].OwningLog != "07L000000000003" {
				t.Errorf("expected the grandchild async node, got %+v", c.Children)
			}
		}
	}
	if !found {
		t.Error("expected a boundary node under the recursed child")
	}
}

func TestSummarize_PartialFailureWhenSomeResolvedRecordsFailed(t *testing.T) {
	refs := []eventmodel.JobReference{{LocalID: 0}, {LocalID: 1}}
	correlations := []eventmodel.Correlation{
		{JobRef: refs[0], OverallConfidence: 0.9, ResolvedStatus: eventmodel.JobStatusCompleted},
		{JobRef: refs[1], OverallConfidence: 0.5, ResolvedStatus: eventmodel.JobStatusFailed},
	}
	s := summarize(refs, correlations, 1.0, nil)
	if s.Status != StatusPartialFailure {
		t.Errorf("expected partial-failure, got %v", s.Status)
	}
}

func TestSummarize_FailureWhenAllResolvedRecordsFailed(t *testing.T) {
	refs := []eventmodel.JobReference{{LocalID: 0}}
	correlations := []eventmodel.Correlation{
		{JobRef: refs[0], OverallConfidence: 0.5, ResolvedStatus: eventmodel.JobStatusAborted},
	}
	s := summarize(refs, correlations, 1.0, nil)
	if s.Status != StatusFailure {
		t.Errorf("expected failure, got %v", s.Status)
	}
}

func TestSummarize_ConfidencePenalizedForUncorrelatedReference(t *testing.T) {
	refs := []eventmodel.JobReference{{LocalID: 0}, {LocalID: 1}}
	correlations := []eventmodel.Correlation{
		{JobRef: refs[0], OverallConfidence: 1.0},
	}
	s := summarize(refs, correlations, 1.0, nil)
	// (1.0 + 1.0)/2 - 0.10*1 = 0.90
	if s.Confidence < 0.89 || s.Confidence > 0.91 {
		t.Errorf("expected confidence near 0.90, got %v", s.Confidence)
	}
}

func TestSummarize_FlowDescriptionGroupsByKind(t *testing.T) {
	refs := []eventmodel.JobReference{
		{LocalID: 0, Kind: eventmodel.JobKindQueueable},
		{LocalID: 1, Kind: eventmodel.JobKindQueueable},
		{LocalID: 2, Kind: eventmodel.JobKindBatch},
	}
	correlations := []eventmodel.Correlation{
		{JobRef: refs[0], OverallConfidence: 0.9},
		{JobRef: refs[2], OverallConfidence: 0.9},
	}
	desc := describeFlow(refs, correlations)
	want := "batch: 1/1 correlated; queueable: 1/2 correlated"
	if desc != want {
		t.Errorf("describeFlow() = %q, want %q", desc, want)
	}
}

func TestSummarize_TotalDurationSumsLogsAndQueueDelays(t *testing.T) {
	_, events, ref := parentFixture()
	corr := eventmodel.Correlation{JobRef: ref, QueueDelayMS: 250}
	s := summarize([]eventmodel.JobReference{ref}, []eventmodel.Correlation{corr}, 1.0, []int64{durationMS(events)})
	if s.TotalDurationMS != 400+250 {
		t.Errorf("expected total duration 650ms, got %d", s.TotalDurationMS)
	}
}
