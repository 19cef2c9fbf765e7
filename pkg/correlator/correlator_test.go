package correlator

import (
	"context"
	"testing"
	"time"

	"apex-correlator/pkg/eventmodel"
)

type fakeLister struct {
	records []eventmodel.LogRecord
}

func (f *fakeLister) ListLogsInWindow(ctx context.Context, start, end time.Time, limit int) ([]eventmodel.LogRecord, error) {
	return f.records, nil
}

func wallClock(base time.Time) func(int64) time.Time {
	return func(ns int64) time.Time { return base.Add(time.Duration(ns)) }
}

func TestCorrelate_HappyPathQueueable(t *testing.T) {
	parentStart := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	toWall := wallClock(parentStart)

	ref := eventmodel.JobReference{
		LocalID: 0, Class: "MyQueueable", Kind: eventmodel.JobKindQueueable,
		EnqueueTimeNS: int64(1 * time.Second), PlatformJobID: "707X000000000AB",
	}
	job := eventmodel.PlatformJob{
		PlatformJobID: "707X000000000AB", ClassName: "MyQueueable", JobType: "Queueable",
		Status: eventmodel.JobStatusCompleted, CreatedAt: parentStart.Add(1 * time.Second),
	}
	childStart := parentStart.Add(3 * time.Second)
	lister := &fakeLister{records: []eventmodel.LogRecord{
		{ID: "07L000000000001", StartTime: childStart, Operation: "MyQueueable.execute"},
	}}

	c := New(lister, DefaultOptions(), nil)
	corrs, err := c.Correlate(context.Background(), "07L000000000000", []eventmodel.JobReference{ref},
		map[int]eventmodel.PlatformJob{0: job}, toWall)
	if err != nil {
		t.Fatalf("Correlate() error: %v", err)
	}
	if len(corrs) != 1 {
		t.Fatalf("expected 1 correlation, got %d", len(corrs))
	}
	if corrs[0].OverallConfidence < 0.85 {
		t.Errorf("expected high confidence, got %v", corrs[0].OverallConfidence)
	}
	if corrs[0].Level != eventmodel.LevelHigh {
		t.Errorf("expected high level, got %v", corrs[0].Level)
	}
	if corrs[0].ChildLogID != "07L000000000001" {
		t.Errorf("unexpected child log id: %s", corrs[0].ChildLogID)
	}
}

func TestCorrelate_DegradedWhenRecordResolvedButNoChildLog(t *testing.T) {
	parentStart := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	toWall := wallClock(parentStart)

	ref := eventmodel.JobReference{LocalID: 0, Class: "Unknown", Kind: eventmodel.JobKindQueueable, EnqueueTimeNS: 0}
	job := eventmodel.PlatformJob{
		PlatformJobID: "707X000000000CD", ClassName: "SomeClass", JobType: "Queueable",
		Status: eventmodel.JobStatusCompleted, CreatedAt: parentStart,
	}
	lister := &fakeLister{} // no candidate logs at all

	c := New(lister, DefaultOptions(), nil)
	corrs, err := c.Correlate(context.Background(), "07L000000000000", []eventmodel.JobReference{ref},
		map[int]eventmodel.PlatformJob{0: job}, toWall)
	if err != nil {
		t.Fatalf("Correlate() error: %v", err)
	}
	if len(corrs) != 1 || !corrs[0].IsDegraded() {
		t.Fatalf("expected one degraded correlation, got %+v", corrs)
	}
	if corrs[0].OverallConfidence != 0.30 {
		t.Errorf("expected degraded confidence 0.30, got %v", corrs[0].OverallConfidence)
	}
	if corrs[0].ResolvedStatus != eventmodel.JobStatusCompleted {
		t.Errorf("expected resolved status copied from record, got %v", corrs[0].ResolvedStatus)
	}
	if recomputed := Score(corrs[0].Signals); recomputed != corrs[0].OverallConfidence {
		t.Errorf("Score(Signals) = %v, want it to reproduce OverallConfidence %v", recomputed, corrs[0].OverallConfidence)
	}
}

func TestCorrelate_NoRecordNoCandidateEmitsNothing(t *testing.T) {
	parentStart := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	toWall := wallClock(parentStart)

	ref := eventmodel.JobReference{LocalID: 0, Class: "Unknown", Kind: eventmodel.JobKindQueueable, EnqueueTimeNS: 0}
	lister := &fakeLister{}

	c := New(lister, DefaultOptions(), nil)
	corrs, err := c.Correlate(context.Background(), "07L000000000000", []eventmodel.JobReference{ref}, nil, toWall)
	if err != nil {
		t.Fatalf("Correlate() error: %v", err)
	}
	if len(corrs) != 0 {
		t.Errorf("expected no correlations when nothing resolved and no candidates, got %+v", corrs)
	}
}

func TestCorrelate_MaxChildrenCap(t *testing.T) {
	parentStart := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	toWall := wallClock(parentStart)

	ref := eventmodel.JobReference{LocalID: 0, Class: "MyBatch", Kind: eventmodel.JobKindBatch, EnqueueTimeNS: 0}
	job := eventmodel.PlatformJob{PlatformJobID: "707X000000000EF", ClassName: "MyBatch", JobType: "BatchApex", Status: eventmodel.JobStatusCompleted, CreatedAt: parentStart}

	var records []eventmodel.LogRecord
	for i := 0; i < 8; i++ {
		records = append(records, eventmodel.LogRecord{
			ID:        string(rune('A' + i)),
			StartTime: parentStart.Add(time.Duration(i+1) * time.Second),
			Operation: "MyBatch.execute(batch)",
		})
	}
	lister := &fakeLister{records: records}

	opts := DefaultOptions()
	opts.MaxChildren = 5
	c := New(lister, opts, nil)
	corrs, err := c.Correlate(context.Background(), "07L000000000000", []eventmodel.JobReference{ref},
		map[int]eventmodel.PlatformJob{0: job}, toWall)
	if err != nil {
		t.Fatalf("Correlate() error: %v", err)
	}
	if len(corrs) != 5 {
		t.Fatalf("expected correlations capped at MaxChildren=5, got %d", len(corrs))
	}
}

func TestCorrelate_BelowMinConfidenceSuppressed(t *testing.T) {
	parentStart := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	toWall := wallClock(parentStart)

	// Unknown class, candidate far into the window with no class/record
	// corroboration: only a weak timing signal should fire.
	ref := eventmodel.JobReference{LocalID: 0, Class: eventmodel.UnknownClass, Kind: eventmodel.JobKindQueueable, EnqueueTimeNS: 0}
	lister := &fakeLister{records: []eventmodel.LogRecord{
		{ID: "07L000000000002", StartTime: parentStart.Add(45 * time.Second), Operation: "UnrelatedClass.run"},
	}}

	opts := DefaultOptions()
	opts.MinConfidence = 0.40
	c := New(lister, opts, nil)
	corrs, err := c.Correlate(context.Background(), "07L000000000000", []eventmodel.JobReference{ref}, nil, toWall)
	if err != nil {
		t.Fatalf("Correlate() error: %v", err)
	}
	if len(corrs) != 0 {
		t.Errorf("expected the lone weak timing-only signal to be suppressed by minConfidence, got %+v", corrs)
	}
}

func TestScore_Deterministic(t *testing.T) {
	signals := []eventmodel.Signal{
		{Reason: eventmodel.SignalJobID, Confidence: 1.0},
		{Reason: eventmodel.SignalClassName, Confidence: 1.0},
	}
	if Score(signals) != Score(signals) {
		t.Error("Score must be deterministic for identical signal sets")
	}
}
