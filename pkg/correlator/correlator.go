// Package correlator implements candidate child-log enumeration,
// multi-signal confidence scoring, tie resolution, and the
// degraded-result fallback for a parent log's job references.
package correlator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"apex-correlator/pkg/apexerrors"
	"apex-correlator/pkg/eventmodel"
)

// LogLister is the platform dependency needed to enumerate candidate child
// logs by start-time window. internal/platform.Client implements it
// against the query REST endpoint; tests supply a fake.
type LogLister interface {
	ListLogsInWindow(ctx context.Context, start, end time.Time, limit int) ([]eventmodel.LogRecord, error)
}

// Options configures the correlator, mirroring the recognized
// correlation.* config keys.
type Options struct {
	MaxTimeWindow    time.Duration // default 1h
	MinConfidence    float64       // default 0.40
	MaxChildren      int           // default 5
	QueryPlatformJobs bool         // default true; resolvedJobs ignored if false
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxTimeWindow:     time.Hour,
		MinConfidence:     0.40,
		MaxChildren:       5,
		QueryPlatformJobs: true,
	}
}

const candidateFetchCap = 50
const candidateEnumerationBuffer = 5 * time.Second
const degradedConfidence = 0.30

// Correlator pairs job references with candidate child logs and scores the
// result.
type Correlator struct {
	lister LogLister
	logger *logrus.Entry

	mu   sync.RWMutex
	opts Options
}

// New builds a Correlator.
func New(lister LogLister, opts Options, logger *logrus.Entry) *Correlator {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Correlator{lister: lister, logger: logger.WithField("component", "correlator"), opts: opts}
}

// SetOptions swaps the active options, picked up by the next Correlate
// call. Safe to call while Correlate runs concurrently — config hot-reload
// is the intended caller.
func (c *Correlator) SetOptions(opts Options) {
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
}

func (c *Correlator) options() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts
}

// Correlate resolves every reference in refs against candidate child
// logs, scoring and filtering each match. toWall converts a reference's
// log-relative nanosecond enqueue time to platform wall-clock time.
// resolvedJobs maps a reference's LocalID to its resolved platform job
// record, as produced by pkg/tracker; a reference absent from the map has
// no resolved record.
func (c *Correlator) Correlate(ctx context.Context, parentLogID string, refs []eventmodel.JobReference, resolvedJobs map[int]eventmodel.PlatformJob, toWall func(ns int64) time.Time) ([]eventmodel.Correlation, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	opts := c.options()
	if !opts.QueryPlatformJobs {
		resolvedJobs = nil
	}

	candidates, err := c.fetchCandidatePool(ctx, refs, toWall, opts)
	if err != nil {
		return nil, err
	}

	var out []eventmodel.Correlation
	for _, ref := range refs {
		job, hasJob := resolvedJobs[ref.LocalID]
		var jobPtr *eventmodel.PlatformJob
		if hasJob {
			jobPtr = &job
		}

		enqueueWall := toWall(ref.EnqueueTimeNS)
		matches := c.matchCandidates(ref, enqueueWall, candidates, jobPtr, opts)

		correlations := make([]eventmodel.Correlation, 0, len(matches))
		for _, m := range matches {
			confidence := Score(m.signals)
			if confidence < opts.MinConfidence {
				continue
			}
			correlations = append(correlations, buildCorrelation(parentLogID, ref, jobPtr, m.candidate, m.signals, confidence, enqueueWall))
		}

		if len(correlations) == 0 && hasJob {
			correlations = append(correlations, degradedCorrelation(parentLogID, ref, job))
		}

		sortCorrelations(correlations)
		if len(correlations) > opts.MaxChildren {
			c.logger.WithFields(logrus.Fields{
				"parent_log": parentLogID, "ref": ref.LocalID, "dropped": len(correlations) - opts.MaxChildren,
			}).Warn("correlator: per-parent max-children cap reached, dropping lowest-ranked correlations")
			correlations = correlations[:opts.MaxChildren]
		}
		out = append(out, correlations...)
	}

	return out, nil
}

type candidateMatch struct {
	candidate eventmodel.LogRecord
	signals   []eventmodel.Signal
}

// fetchCandidatePool fetches the shared candidate pool spanning every
// reference's window ([minEnqueue-5s, maxEnqueue+window)), capped at 50
// logs.
func (c *Correlator) fetchCandidatePool(ctx context.Context, refs []eventmodel.JobReference, toWall func(ns int64) time.Time, opts Options) ([]eventmodel.LogRecord, error) {
	minEnqueue := toWall(refs[0].EnqueueTimeNS)
	maxEnqueue := minEnqueue
	for _, r := range refs[1:] {
		t := toWall(r.EnqueueTimeNS)
		if t.Before(minEnqueue) {
			minEnqueue = t
		}
		if t.After(maxEnqueue) {
			maxEnqueue = t
		}
	}

	window := opts.MaxTimeWindow
	if window <= 0 {
		window = time.Hour
	}
	start := minEnqueue.Add(-candidateEnumerationBuffer)
	end := maxEnqueue.Add(window)

	candidates, err := c.lister.ListLogsInWindow(ctx, start, end, candidateFetchCap)
	if err != nil {
		return nil, apexerrors.Transient("correlator", "fetchCandidatePool", "candidate log listing failed").Wrap(err)
	}
	return candidates, nil
}

// matchCandidates filters the shared pool down to candidates relevant to
// one reference (a per-reference AND/OR filter) and computes signals for
// each survivor.
func (c *Correlator) matchCandidates(ref eventmodel.JobReference, enqueueWall time.Time, pool []eventmodel.LogRecord, job *eventmodel.PlatformJob, opts Options) []candidateMatch {
	window := opts.MaxTimeWindow
	if window <= 0 {
		window = time.Hour
	}
	lo := enqueueWall.Add(-candidateEnumerationBuffer)
	hi := enqueueWall.Add(window)

	var matches []candidateMatch
	for _, cand := range pool {
		if cand.StartTime.Before(lo) || cand.StartTime.After(hi) {
			continue
		}

		classInOperation := !ref.IsUnknownClass() && strings.Contains(strings.ToLower(cand.Operation), strings.ToLower(ref.Class))
		inRecordRange := false
		if job != nil {
			recLo := job.CreatedAt.Add(-candidateEnumerationBuffer)
			recHi := job.CreatedAt.Add(candidateEnumerationBuffer)
			if job.CompletedAt != nil {
				recHi = job.CompletedAt.Add(candidateEnumerationBuffer)
			}
			inRecordRange = !cand.StartTime.Before(recLo) && !cand.StartTime.After(recHi)
		}
		// A candidate purely inside the primary timing window is still
		// considered, even without a class/record match, so the timing
		// signal alone can surface a weak, penalized correlation.
		if !classInOperation && !inRecordRange && !(cand.StartTime.Sub(enqueueWall) >= 0 && cand.StartTime.Sub(enqueueWall) <= window) {
			continue
		}

		signals := matchSignals(ref, enqueueWall, cand, job)
		if len(signals) == 0 {
			continue
		}
		matches = append(matches, candidateMatch{candidate: cand, signals: signals})
	}
	return matches
}

// buildCorrelation assembles a Correlation from a scored candidate match.
func buildCorrelation(parentLogID string, ref eventmodel.JobReference, job *eventmodel.PlatformJob, candidate eventmodel.LogRecord, signals []eventmodel.Signal, confidence float64, enqueueWall time.Time) eventmodel.Correlation {
	corr := eventmodel.Correlation{
		ParentLogID:       parentLogID,
		ChildLogID:        candidate.ID,
		JobRef:            ref,
		PlatformJob:       job,
		Signals:           signals,
		OverallConfidence: confidence,
		Level:             eventmodel.DeriveLevel(confidence),
		QueueDelayMS:      candidate.StartTime.Sub(enqueueWall).Milliseconds(),
		ExecDurationMS:    candidate.DurationMS,
	}
	if job != nil {
		corr.ResolvedStatus = job.Status
	}
	return corr
}

// degradedCorrelation emits the partial-knowledge result for when a
// platform job record resolved but no candidate log matched. The
// signal's own Confidence is degradedConfidence so that recomputing
// Score on the stored signal slice reproduces OverallConfidence exactly,
// the same invariant every other correlation path relies on.
func degradedCorrelation(parentLogID string, ref eventmodel.JobReference, job eventmodel.PlatformJob) eventmodel.Correlation {
	signal := eventmodel.Signal{
		Reason:      eventmodel.SignalClassName,
		Confidence:  degradedConfidence,
		Description: "degraded result: platform job record resolved but no child log found",
	}
	signals := []eventmodel.Signal{signal}
	confidence := Score(signals)
	return eventmodel.Correlation{
		ParentLogID:       parentLogID,
		ChildLogID:        "",
		JobRef:            ref,
		PlatformJob:       &job,
		Signals:           signals,
		OverallConfidence: confidence,
		Level:             eventmodel.DeriveLevel(confidence),
		ResolvedStatus:    job.Status,
	}
}

// sortCorrelations applies the tie-break order: confidence desc, then
// signal count desc, then job-id-matched first, then earliest child-log
// start time (approximated here by queue delay, since start time isn't
// retained on Correlation — an earlier start yields a smaller, possibly
// negative, queue delay).
func sortCorrelations(correlations []eventmodel.Correlation) {
	sort.SliceStable(correlations, func(i, j int) bool {
		a, b := correlations[i], correlations[j]
		if a.OverallConfidence != b.OverallConfidence {
			return a.OverallConfidence > b.OverallConfidence
		}
		if len(a.Signals) != len(b.Signals) {
			return len(a.Signals) > len(b.Signals)
		}
		aJobID, bJobID := hasSignal(a, eventmodel.SignalJobID), hasSignal(b, eventmodel.SignalJobID)
		if aJobID != bJobID {
			return aJobID
		}
		return a.QueueDelayMS < b.QueueDelayMS
	})
}

func hasSignal(c eventmodel.Correlation, reason eventmodel.SignalReason) bool {
	for _, s := range c.Signals {
		if s.Reason == reason {
			return true
		}
	}
	return false
}
