// Package tracker resolves extracted job references against the
// platform's AsyncApexJob bookkeeping records, either by known id
// (batched) or by a per-reference class+type+time-window query, plus
// polling a single job to completion.
package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"apex-correlator/pkg/apexerrors"
	"apex-correlator/pkg/concurrency"
	"apex-correlator/pkg/eventmodel"
)

// PlatformQuerier is the minimal platform dependency the tracker needs: run
// a SOQL query and get back loosely-typed records, the shape the query
// REST endpoint actually returns. internal/platform.Client implements
// this; tests supply a fake.
type PlatformQuerier interface {
	Query(ctx context.Context, soql string) ([]map[string]interface{}, error)
}

// LoadGate scales down a base parallelism figure under resource pressure.
// pkg/resourcewatch.Watcher implements this; kept as an interface so
// tracker stays decoupled from it.
type LoadGate interface {
	AllowedParallelism(base int) int
}

// Tracker resolves job references into platform job records.
type Tracker struct {
	querier     PlatformQuerier
	logger      *logrus.Entry
	maxInFlight int
	loadGate    LoadGate
}

// SetLoadGate wires a backpressure source that scales down per-reference
// query parallelism under memory or goroutine pressure. Optional; nil
// (the default) always uses the configured maxInFlight.
func (t *Tracker) SetLoadGate(gate LoadGate) {
	t.loadGate = gate
}

// New builds a Tracker over the given querier. Per-reference queries fan
// out with a bounded parallelism of concurrency.DefaultFanout in-flight
// requests; use NewWithFanout to override it.
func New(querier PlatformQuerier, logger *logrus.Entry) *Tracker {
	return NewWithFanout(querier, logger, concurrency.DefaultFanout)
}

// NewWithFanout builds a Tracker with an explicit per-reference query
// parallelism.
func NewWithFanout(querier PlatformQuerier, logger *logrus.Entry, maxInFlight int) *Tracker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if maxInFlight <= 0 {
		maxInFlight = concurrency.DefaultFanout
	}
	return &Tracker{querier: querier, logger: logger.WithField("component", "tracker"), maxInFlight: maxInFlight}
}

// Resolve resolves every reference in refs against the platform, given a
// function to convert a reference's enqueue nanoseconds to wall-clock time
// (the parent log's ToWall closure). It partitions references by whether a
// platform id is already known, batch-queries the known ids, and runs one
// per-reference query for the rest, taking the earliest match. Unresolved
// references are simply absent from the result map.
func (t *Tracker) Resolve(ctx context.Context, refs []eventmodel.JobReference, toWall func(ns int64) time.Time) (map[int]eventmodel.PlatformJob, error) {
	resolved := make(map[int]eventmodel.PlatformJob, len(refs))

	var withID []eventmodel.JobReference
	var withoutID []eventmodel.JobReference
	for _, r := range refs {
		if r.HasPlatformID() {
			withID = append(withID, r)
		} else {
			withoutID = append(withoutID, r)
		}
	}

	if len(withID) > 0 {
		byID, err := t.resolveByID(ctx, withID)
		if err != nil {
			return nil, err
		}
		for _, r := range withID {
			if job, ok := byID[r.PlatformJobID]; ok {
				resolved[r.LocalID] = job
			}
		}
	}

	if len(withoutID) > 0 {
		fanout := t.maxInFlight
		if t.loadGate != nil {
			fanout = t.loadGate.AllowedParallelism(t.maxInFlight)
		}
		var mu sync.Mutex
		err := concurrency.Each(ctx, len(withoutID), fanout, func(ctx context.Context, i int) error {
			r := withoutID[i]
			job, found, err := t.resolveByQuery(ctx, r, toWall(r.EnqueueTimeNS))
			if err != nil {
				return err
			}
			if found {
				mu.Lock()
				resolved[r.LocalID] = job
				mu.Unlock()
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return resolved, nil
}

// resolveByID runs the batched id queries and returns every matched record
// keyed by platform job id.
func (t *Tracker) resolveByID(ctx context.Context, refs []eventmodel.JobReference) (map[string]eventmodel.PlatformJob, error) {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.PlatformJobID)
	}

	out := make(map[string]eventmodel.PlatformJob)
	for _, query := range BuildIDBatchQueries(ids) {
		records, err := t.querier.Query(ctx, query)
		if err != nil {
			return nil, apexerrors.Transient("tracker", "resolveByID", "id batch query failed").Wrap(err)
		}
		for _, rec := range records {
			job, err := parseRecord(rec)
			if err != nil {
				t.logger.WithError(err).Warn("skipping malformed AsyncApexJob record")
				continue
			}
			out[job.PlatformJobID] = job
		}
	}
	return out, nil
}

// resolveByQuery runs the per-reference query and returns the earliest
// match, if any.
func (t *Tracker) resolveByQuery(ctx context.Context, ref eventmodel.JobReference, enqueueWall time.Time) (eventmodel.PlatformJob, bool, error) {
	query, ok := BuildReferenceQuery(ref, enqueueWall)
	if !ok {
		return eventmodel.PlatformJob{}, false, nil
	}

	records, err := t.querier.Query(ctx, query)
	if err != nil {
		return eventmodel.PlatformJob{}, false, apexerrors.Transient("tracker", "resolveByQuery", "reference query failed").Wrap(err)
	}
	if len(records) == 0 {
		return eventmodel.PlatformJob{}, false, nil
	}

	job, err := parseRecord(records[0])
	if err != nil {
		t.logger.WithError(err).Warn("skipping malformed AsyncApexJob record")
		return eventmodel.PlatformJob{}, false, nil
	}
	return job, true, nil
}

// WaitForCompletion polls jobID until its status is terminal or maxWait
// elapses, returning the last observed record either way.
func (t *Tracker) WaitForCompletion(ctx context.Context, jobID string, maxWait, pollInterval time.Duration) (eventmodel.PlatformJob, error) {
	if !ValidRecordID(jobID) {
		return eventmodel.PlatformJob{}, apexerrors.New(apexerrors.CodeQueryFailed, "tracker", "WaitForCompletion", "invalid job id shape")
	}

	deadline := time.Now().Add(maxWait)
	var last eventmodel.PlatformJob

	for {
		byID, err := t.resolveByID(ctx, []eventmodel.JobReference{{PlatformJobID: jobID}})
		if err != nil {
			return last, err
		}
		if job, ok := byID[jobID]; ok {
			last = job
			if job.Status.Terminal() {
				return last, nil
			}
		}

		if time.Now().After(deadline) {
			return last, nil
		}

		select {
		case <-ctx.Done():
			return last, apexerrors.New(apexerrors.CodeCancelled, "tracker", "WaitForCompletion", "poll cancelled").Wrap(ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// ListBatchWorkers lists worker jobs spawned by a batch apex parent
// record, sorted earliest-first.
func (t *Tracker) ListBatchWorkers(ctx context.Context, className string, parentCreated time.Time) ([]eventmodel.PlatformJob, error) {
	records, err := t.querier.Query(ctx, BuildBatchWorkerQuery(className, parentCreated))
	if err != nil {
		return nil, apexerrors.Transient("tracker", "ListBatchWorkers", "batch worker listing failed").Wrap(err)
	}

	jobs := make([]eventmodel.PlatformJob, 0, len(records))
	for _, rec := range records {
		job, err := parseRecord(rec)
		if err != nil {
			t.logger.WithError(err).Warn("skipping malformed AsyncApexJob record")
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// parseRecord converts one loosely-typed query row into a PlatformJob,
// validating presence of required fields at this single adapter boundary.
func parseRecord(rec map[string]interface{}) (eventmodel.PlatformJob, error) {
	id, _ := rec["Id"].(string)
	if id == "" {
		return eventmodel.PlatformJob{}, fmt.Errorf("record missing Id")
	}

	job := eventmodel.PlatformJob{
		PlatformJobID:  id,
		ClassID:        stringField(rec, "ApexClassId"),
		JobType:        stringField(rec, "JobType"),
		Status:         eventmodel.JobStatus(stringField(rec, "Status")),
		ExtendedStatus: stringField(rec, "ExtendedStatus"),
		ParentJobID:    stringField(rec, "ParentJobId"),
		MethodName:     stringField(rec, "MethodName"),
	}

	if apexClass, ok := rec["ApexClass"].(map[string]interface{}); ok {
		job.ClassName = stringField(apexClass, "Name")
	}

	job.ItemsProcessed = intField(rec, "JobItemsProcessed")
	job.TotalItems = intField(rec, "TotalJobItems")
	job.NumberOfErrors = intField(rec, "NumberOfErrors")

	created, err := timeField(rec, "CreatedDate")
	if err != nil {
		return eventmodel.PlatformJob{}, fmt.Errorf("record %s: %w", id, err)
	}
	job.CreatedAt = created

	if raw, ok := rec["CompletedDate"]; ok && raw != nil {
		completed, err := timeField(rec, "CompletedDate")
		if err == nil {
			job.CompletedAt = &completed
		}
	}

	return job, nil
}

func stringField(rec map[string]interface{}, key string) string {
	s, _ := rec[key].(string)
	return s
}

func intField(rec map[string]interface{}, key string) int {
	switch v := rec[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func timeField(rec map[string]interface{}, key string) (time.Time, error) {
	s, ok := rec[key].(string)
	if !ok || s == "" {
		return time.Time{}, fmt.Errorf("field %s missing or not a string", key)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %s: %w", key, err)
	}
	return t, nil
}
