package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"apex-correlator/internal/platform"
	"apex-correlator/pkg/capture"
	"apex-correlator/pkg/correlator"
	"apex-correlator/pkg/eventmodel"
	"apex-correlator/pkg/redaction"
	"apex-correlator/pkg/streamartifact"
	"apex-correlator/pkg/tracker"
)

// fakeQuerier satisfies tracker.PlatformQuerier with a fixed record set;
// the SOQL text itself is exercised by tracker's own tests, not here.
type fakeQuerier struct {
	records []map[string]interface{}
}

func (f *fakeQuerier) Query(ctx context.Context, soql string) ([]map[string]interface{}, error) {
	return f.records, nil
}

// fakeLister satisfies correlator.LogLister with a fixed candidate set.
type fakeLister struct {
	logs []eventmodel.LogRecord
}

func (f *fakeLister) ListLogsInWindow(ctx context.Context, start, end time.Time, limit int) ([]eventmodel.LogRecord, error) {
	return f.logs, nil
}

func jobRecord(id, classID, className, jobType, status string, created time.Time, completed *time.Time) map[string]interface{} {
	rec := map[string]interface{}{
		"Id":          id,
		"ApexClassId": classID,
		"JobType":     jobType,
		"Status":      status,
		"ApexClass":   map[string]interface{}{"Name": className},
		"CreatedDate": created.UTC().Format(time.RFC3339),
	}
	if completed != nil {
		rec["CompletedDate"] = completed.UTC().Format(time.RFC3339)
	}
	return rec
}

func newTestService(t *testing.T, querier tracker.PlatformQuerier, lister correlator.LogLister) *Service {
	t.Helper()
	trk := tracker.New(querier, nil)
	corr := correlator.New(lister, correlator.DefaultOptions(), nil)
	redactor := redaction.New(redaction.DefaultConfig())
	return New(trk, corr, redactor, nil, nil, nil, nil, Options{}, nil)
}

// Scenario 1 (spec §8): parent log enqueues a queueable at t=1s with a
// known job id; the platform resolves it completed; a child log starts
// 2s later with a matching operation name. Expect one high-confidence
// correlation citing job-id, class-name, and timing.
func TestCorrelateLog_HappyPathQueueable(t *testing.T) {
	parentStart := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	created := parentStart.Add(1 * time.Second)
	completed := parentStart.Add(5 * time.Second)

	events := []eventmodel.Event{
		{
			ID: 0, Kind: eventmodel.KindAsyncEnqueue, Timestamp: int64(1 * time.Second), Class: "MyQueueable",
			Payload: eventmodel.Payload{JobKind: eventmodel.JobKindQueueable, JobID: "707X000000000AB"},
		},
	}

	querier := &fakeQuerier{records: []map[string]interface{}{
		jobRecord("707X000000000AB", "01p000000000001", "MyQueueable", "Queueable", "Completed", created, &completed),
	}}
	lister := &fakeLister{logs: []eventmodel.LogRecord{
		{ID: "07L000000000child", StartTime: parentStart.Add(2 * time.Second), Operation: "MyQueueable.execute", Status: "Success", DurationMS: 500},
	}}

	svc := newTestService(t, querier, lister)
	result, err := svc.CorrelateLog(context.Background(), Input{
		ParentLogID: "07Lparent", LogStartWall: parentStart, Events: events,
	})
	if err != nil {
		t.Fatalf("CorrelateLog error: %v", err)
	}
	if len(result.Correlations) != 1 {
		t.Fatalf("expected 1 correlation, got %d", len(result.Correlations))
	}
	corr := result.Correlations[0]
	if corr.OverallConfidence < 0.90 {
		t.Errorf("expected overall confidence >= 0.90, got %v", corr.OverallConfidence)
	}
	if corr.Level != eventmodel.LevelHigh {
		t.Errorf("expected high confidence level, got %v", corr.Level)
	}
	reasons := map[eventmodel.SignalReason]bool{}
	for _, s := range corr.Signals {
		reasons[s.Reason] = true
	}
	for _, want := range []eventmodel.SignalReason{eventmodel.SignalJobID, eventmodel.SignalClassName, eventmodel.SignalTiming} {
		if !reasons[want] {
			t.Errorf("expected signal %q among %v", want, corr.Signals)
		}
	}
}

func TestWriteStream_RoundTripsMetaEventsAndSummary(t *testing.T) {
	parentStart := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	created := parentStart.Add(1 * time.Second)
	completed := parentStart.Add(5 * time.Second)

	events := []eventmodel.Event{
		{
			ID: 0, Kind: eventmodel.KindAsyncEnqueue, Timestamp: int64(1 * time.Second), Class: "MyQueueable",
			Payload: eventmodel.Payload{JobKind: eventmodel.JobKindQueueable, JobID: "707X000000000AB"},
		},
	}
	querier := &fakeQuerier{records: []map[string]interface{}{
		jobRecord("707X000000000AB", "01p000000000001", "MyQueueable", "Queueable", "Completed", created, &completed),
	}}
	lister := &fakeLister{logs: []eventmodel.LogRecord{
		{ID: "07L000000000child", StartTime: parentStart.Add(2 * time.Second), Operation: "MyQueueable.execute", Status: "Success", DurationMS: 500},
	}}

	svc := newTestService(t, querier, lister)
	result, err := svc.CorrelateLog(context.Background(), Input{
		ParentLogID: "07Lparent", LogStartWall: parentStart, Events: events,
	})
	if err != nil {
		t.Fatalf("CorrelateLog error: %v", err)
	}

	var buf strings.Builder
	if err := WriteStream(&buf, "07Lparent.log", 4096, result); err != nil {
		t.Fatalf("WriteStream error: %v", err)
	}

	decoded, err := streamartifact.NewReader(strings.NewReader(buf.String())).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	if len(decoded) < 3 {
		t.Fatalf("expected at least META, 1 event, and SUMMARY lines, got %d", len(decoded))
	}
	if decoded[0].Kind != streamartifact.RecordMeta || decoded[0].Meta.Filename != "07Lparent.log" {
		t.Fatalf("expected leading META line for 07Lparent.log, got %+v", decoded[0])
	}
	last := decoded[len(decoded)-1]
	if last.Kind != streamartifact.RecordSummary {
		t.Fatalf("expected trailing SUMMARY line, got kind %v", last.Kind)
	}
	if last.Summary.FlowSummary != result.View.Summary.FlowDescription {
		t.Errorf("summary flow description mismatch: got %q want %q", last.Summary.FlowSummary, result.View.Summary.FlowDescription)
	}
	for _, d := range decoded[1 : len(decoded)-1] {
		if d.Kind != streamartifact.RecordEvent {
			t.Errorf("expected only EVENT lines between META and SUMMARY, got %v", d.Kind)
		}
	}
}

// Scenario 2 (spec §8): unknown class, candidate child log 45s later with
// an unrelated operation name. With default minConfidence (0.40), no
// correlation is emitted at all since the only possible signal is timing
// and it's penalized below the threshold.
func TestCorrelateLog_TimingOnlyBelowThreshold_NoCorrelation(t *testing.T) {
	parentStart := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	events := []eventmodel.Event{
		{
			ID: 0, Kind: eventmodel.KindAsyncEnqueue, Timestamp: int64(1 * time.Second), Class: eventmodel.UnknownClass,
			Payload: eventmodel.Payload{JobKind: eventmodel.JobKindQueueable},
		},
	}

	querier := &fakeQuerier{}
	lister := &fakeLister{logs: []eventmodel.LogRecord{
		{ID: "07Lunrelated", StartTime: parentStart.Add(1*time.Second + 45*time.Second), Operation: "AnotherClass", Status: "Success"},
	}}

	svc := newTestService(t, querier, lister)
	result, err := svc.CorrelateLog(context.Background(), Input{
		ParentLogID: "07Lparent2", LogStartWall: parentStart, Events: events,
	})
	if err != nil {
		t.Fatalf("CorrelateLog error: %v", err)
	}
	if len(result.Correlations) != 0 {
		t.Fatalf("expected no correlations below minConfidence, got %d", len(result.Correlations))
	}
}

// Scenario 3 (spec §8): a batch enqueue resolves to a parent batch
// record plus worker records surfaced as separate candidate logs; up to
// maxChildren correlations with batch-pattern signals are expected.
func TestCorrelateLog_BatchWithWorkers(t *testing.T) {
	parentStart := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	created := parentStart.Add(1 * time.Second)

	events := []eventmodel.Event{
		{
			ID: 0, Kind: eventmodel.KindAsyncEnqueue, Timestamp: int64(1 * time.Second), Class: "MyBatch",
			Payload: eventmodel.Payload{JobKind: eventmodel.JobKindBatch, JobID: "707X000000000BB"},
		},
	}

	querier := &fakeQuerier{records: []map[string]interface{}{
		jobRecord("707X000000000BB", "01p000000000002", "MyBatch", "BatchApex", "Completed", created, nil),
	}}
	lister := &fakeLister{logs: []eventmodel.LogRecord{
		{ID: "07Lworker1", StartTime: parentStart.Add(2 * time.Second), Operation: "MyBatch.execute", Status: "Success"},
		{ID: "07Lworker2", StartTime: parentStart.Add(3 * time.Second), Operation: "MyBatch.start", Status: "Success"},
		{ID: "07Lworker3", StartTime: parentStart.Add(4 * time.Second), Operation: "MyBatch.finish", Status: "Success"},
	}}

	svc := newTestService(t, querier, lister)
	result, err := svc.CorrelateLog(context.Background(), Input{
		ParentLogID: "07Lparent3", LogStartWall: parentStart, Events: events,
	})
	if err != nil {
		t.Fatalf("CorrelateLog error: %v", err)
	}
	if len(result.Correlations) == 0 {
		t.Fatal("expected at least one correlation for the batch's workers")
	}
	if len(result.Correlations) > correlator.DefaultOptions().MaxChildren {
		t.Errorf("expected at most %d correlations, got %d", correlator.DefaultOptions().MaxChildren, len(result.Correlations))
	}
	foundBatchSignal := false
	for _, c := range result.Correlations {
		for _, s := range c.Signals {
			if s.Reason == eventmodel.SignalBatchPattern {
				foundBatchSignal = true
			}
		}
	}
	if !foundBatchSignal {
		t.Error("expected at least one correlation to carry a batch-pattern signal")
	}
}

// fakeCaptureClient satisfies capture.PlatformClient with an empty user
// directory, so FindUserByName for "Automated Process" always misses.
type fakeCaptureClient struct {
	flags       map[string]platform.TraceFlagRecord
	debugLevels map[string]platform.DebugLevelRecord
}

func newFakeCaptureClient() *fakeCaptureClient {
	return &fakeCaptureClient{flags: map[string]platform.TraceFlagRecord{}, debugLevels: map[string]platform.DebugLevelRecord{}}
}

func (f *fakeCaptureClient) FindUserByName(ctx context.Context, name string) (platform.UserRecord, bool, error) {
	return platform.UserRecord{}, false, nil
}
func (f *fakeCaptureClient) FindActiveTraceFlag(ctx context.Context, tracedEntityID string) (platform.TraceFlagRecord, bool, error) {
	flag, ok := f.flags[tracedEntityID]
	return flag, ok, nil
}
func (f *fakeCaptureClient) FindDebugLevelByName(ctx context.Context, developerName string) (platform.DebugLevelRecord, bool, error) {
	dl, ok := f.debugLevels[developerName]
	return dl, ok, nil
}
func (f *fakeCaptureClient) CreateDebugLevel(ctx context.Context, developerName, masterLabel string, fields map[string]string) (string, error) {
	id := "7dl" + developerName
	f.debugLevels[developerName] = platform.DebugLevelRecord{ID: id, DeveloperName: developerName}
	return id, nil
}
func (f *fakeCaptureClient) CreateTraceFlag(ctx context.Context, tracedEntityID, debugLevelID string, expiresAt time.Time) (string, error) {
	id := "7tf" + tracedEntityID
	f.flags[tracedEntityID] = platform.TraceFlagRecord{ID: id, DebugLevelID: debugLevelID, ExpirationDate: expiresAt}
	return id, nil
}
func (f *fakeCaptureClient) ExtendTraceFlag(ctx context.Context, traceFlagID string, expiresAt time.Time) error {
	return nil
}
func (f *fakeCaptureClient) DeleteTraceFlag(ctx context.Context, traceFlagID string) error {
	delete(f.flags, traceFlagID)
	return nil
}
func (f *fakeCaptureClient) FetchLogBody(ctx context.Context, logID string) ([]byte, error) {
	return nil, nil
}
func (f *fakeCaptureClient) DeleteLog(ctx context.Context, logID string) error { return nil }

// Scenario 4 (spec §8), service-level half: when automated-process
// coverage can't be enabled, AcquireCaptureSession reports a warning
// rather than failing the session.
func TestAcquireCaptureSession_WarnsWhenAutomatedProcessMissing(t *testing.T) {
	controller := capture.New(newFakeCaptureClient(), capture.Config{IncludeAutomatedProcess: true}, nil)

	session, release, warnings, err := AcquireCaptureSession(context.Background(), controller, "005user", "minimal", true)
	defer release()
	if err != nil {
		t.Fatalf("AcquireCaptureSession error: %v", err)
	}
	if len(session.TargetUsers) != 1 {
		t.Fatalf("expected only the requesting user to have coverage, got %v", session.TargetUsers)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected one warning about missing automated process coverage, got %v", warnings)
	}
}

func TestRecordCorrelationMetrics_UnattributedWhenNoCorrelationsButRefsExist(t *testing.T) {
	svc := &Service{}
	// Must not panic on an empty correlator/tracker-less Service; this
	// only exercises the metrics bookkeeping path.
	svc.recordCorrelationMetrics(nil, 2)
}
