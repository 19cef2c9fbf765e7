// Package service wires the correlation pipeline's components —
// extraction, tracking, correlation, unified-view assembly, and
// redaction — into the single request/response operation an external
// caller actually wants: "analyze this parent log". Capture and
// platform connectivity are handed in by the caller, not owned here.
package service

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"apex-correlator/internal/metrics"
	"apex-correlator/internal/tracing"
	"apex-correlator/pkg/apexerrors"
	"apex-correlator/pkg/capture"
	"apex-correlator/pkg/concurrency"
	"apex-correlator/pkg/correlator"
	"apex-correlator/pkg/eventmodel"
	"apex-correlator/pkg/extractor"
	"apex-correlator/pkg/publish"
	"apex-correlator/pkg/redaction"
	"apex-correlator/pkg/streamartifact"
	"apex-correlator/pkg/tracker"
	"apex-correlator/pkg/unifiedview"
)

// EventParser converts a fetched log body into its event stream and the
// log's wall-clock start time. Parsing a raw Apex debug log is an
// external concern (§1 non-goals); the service depends on it only
// through this seam, so any parser implementation can be plugged in
// without this package knowing its shape.
type EventParser func(body []byte) ([]eventmodel.Event, time.Time, error)

// LogFetcher is the capture-session dependency needed to pull a child
// log's body once its id is known from a correlation.
type LogFetcher interface {
	FetchLog(ctx context.Context, logID string) ([]byte, error)
}

// Options configures how deep and how wide a single analysis goes.
type Options struct {
	OrgID                string
	IncludeGrandchildren bool
	MaxDepth             int
	FetchChildren        bool // when false, boundaries are left unfetched even if correlated
	ChildFetchFanout     int
}

func defaultOptions() Options {
	return Options{MaxDepth: 3, ChildFetchFanout: concurrency.DefaultFanout}
}

// Service ties extraction, tracking, correlation, unified-view
// assembly, redaction, and optional downstream publication together
// into one analysis operation per parent log.
type Service struct {
	tracker    *tracker.Tracker
	correlator *correlator.Correlator
	redactor   *redaction.Pipeline
	publisher  *publish.ArtifactPublisher
	dlq        *publish.DeadLetterQueue
	parser     EventParser
	tracer     *tracing.Manager
	logger     *logrus.Entry
	opts       Options
}

// New builds a Service. publisher and dlq may be nil when Kafka
// publication isn't configured; tracerMgr may be nil (tracing.NewManager
// with Config.Enabled=false already returns a no-op manager, but nil is
// also accepted here for tests that don't care about tracing at all).
func New(trk *tracker.Tracker, corr *correlator.Correlator, redactor *redaction.Pipeline,
	publisher *publish.ArtifactPublisher, dlq *publish.DeadLetterQueue, parser EventParser,
	tracerMgr *tracing.Manager, opts Options, logger *logrus.Entry) *Service {

	d := defaultOptions()
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = d.MaxDepth
	}
	if opts.ChildFetchFanout <= 0 {
		opts.ChildFetchFanout = d.ChildFetchFanout
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		tracker: trk, correlator: corr, redactor: redactor, publisher: publisher, dlq: dlq,
		parser: parser, tracer: tracerMgr, logger: logger.WithField("component", "service"), opts: opts,
	}
}

// Input is one parent log analysis request. Parsing the raw log body
// into Events happens upstream of this package; the caller supplies the
// already-parsed stream.
type Input struct {
	ParentLogID  string
	LogStartWall time.Time
	Events       []eventmodel.Event
	Fetcher      LogFetcher // required only when Options.FetchChildren is set
}

// Result is the outcome of one parent log analysis. RunID identifies this
// analysis independent of the parent log id, so the same log can be
// re-analyzed (different config, re-run after a platform hiccup) without
// downstream consumers conflating the two runs' artifacts.
type Result struct {
	RunID              string
	View               unifiedview.Result
	Correlations       []eventmodel.Correlation
	ExtractionWarnings []string
}

func (s *Service) startStage(ctx context.Context, name string) *tracing.Stage {
	if s.tracer == nil {
		return tracing.NoopStage(ctx)
	}
	return s.tracer.StartStage(ctx, name)
}

// CorrelateLog runs the full pipeline for one parent log: extraction,
// job-reference resolution, candidate correlation, optional recursive
// child-log fetch, unified-view assembly, and redaction of the
// human-facing summary text. It always returns a result — degraded
// correlations and unfetched children are part of the normal output, not
// errors — failing only on a platform or context error that leaves the
// result meaningless.
func (s *Service) CorrelateLog(ctx context.Context, in Input) (*Result, error) {
	started := time.Now()

	extractStage := s.startStage(ctx, "extraction")
	extracted := extractor.Extract(in.Events)
	extractStage.SetAttribute("reference_count", len(extracted.References))
	extractStage.SetAttribute("confidence", extracted.Confidence)
	extractStage.End()

	toWall := func(ns int64) time.Time { return eventmodel.ToWall(ns, in.LogStartWall) }

	trackStage := s.startStage(ctx, "tracking")
	resolvedJobs, err := s.tracker.Resolve(trackStage.Context(), extracted.References, toWall)
	if err != nil {
		trackStage.SetError(err)
		trackStage.End()
		metrics.CorrelationDuration.WithLabelValues("error").Observe(time.Since(started).Seconds())
		return nil, apexerrors.Transient("service", "CorrelateLog", "job tracking failed").Wrap(err)
	}
	trackStage.End()

	corrStage := s.startStage(ctx, "correlation")
	correlations, err := s.correlator.Correlate(corrStage.Context(), in.ParentLogID, extracted.References, resolvedJobs, toWall)
	if err != nil {
		corrStage.SetError(err)
		corrStage.End()
		metrics.CorrelationDuration.WithLabelValues("error").Observe(time.Since(started).Seconds())
		return nil, apexerrors.Transient("service", "CorrelateLog", "correlation failed").Wrap(err)
	}
	corrStage.End()
	s.recordCorrelationMetrics(correlations, len(extracted.References))

	childData := map[string]unifiedview.ChildLogData{}
	if s.opts.FetchChildren && in.Fetcher != nil {
		childData = s.collectChildData(ctx, correlations, in.Fetcher, 0)
	}

	viewStage := s.startStage(ctx, "view")
	view := unifiedview.Build(unifiedview.BuildInput{
		ParentLogID:          in.ParentLogID,
		LogStartWall:         in.LogStartWall,
		Events:               in.Events,
		References:           extracted.References,
		Correlations:         correlations,
		ExtractionConfidence: extracted.Confidence,
		ChildData:            childData,
		IncludeGrandchildren: s.opts.IncludeGrandchildren,
		MaxDepth:             s.opts.MaxDepth,
	})
	viewStage.End()

	if s.redactor != nil {
		redactStage := s.startStage(ctx, "redaction")
		redactedFlow, report := s.redactor.Redact(view.Summary.FlowDescription)
		view.Summary.FlowDescription = redactedFlow
		for _, entry := range report.Entries {
			metrics.RedactionHitsTotal.WithLabelValues(entry.Category).Inc()
		}
		redactStage.End()
	}

	metrics.CorrelationDuration.WithLabelValues("ok").Observe(time.Since(started).Seconds())

	s.publish(ctx, in.ParentLogID, view)

	return &Result{RunID: uuid.NewString(), View: view, Correlations: correlations, ExtractionWarnings: extracted.Warnings}, nil
}

func (s *Service) recordCorrelationMetrics(correlations []eventmodel.Correlation, refCount int) {
	if len(correlations) == 0 {
		status := "none"
		if refCount > 0 {
			status = "unattributed"
			metrics.UnattributedEventsTotal.WithLabelValues("async-job-enqueued").Add(float64(refCount))
		}
		metrics.CorrelationsTotal.WithLabelValues(status).Inc()
		return
	}
	for _, c := range correlations {
		status := "correlated"
		if c.IsDegraded() {
			status = "degraded"
		}
		metrics.CorrelationsTotal.WithLabelValues(status).Inc()
		for _, sig := range c.Signals {
			metrics.CorrelationConfidence.WithLabelValues(string(sig.Reason)).Observe(c.OverallConfidence)
		}
	}
}

// publish emits the finished view onto the optional Kafka sink, falling
// back to the dead-letter queue on a publish failure so the artifact is
// never silently dropped.
func (s *Service) publish(ctx context.Context, parentLogID string, view unifiedview.Result) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, parentLogID, s.opts.OrgID, view); err != nil {
		metrics.KafkaPublishTotal.WithLabelValues("error").Inc()
		s.logger.WithError(err).WithField("parent_log", parentLogID).Warn("service: artifact publish failed, routing to dead-letter queue")
		if s.dlq != nil {
			if raw, mErr := json.Marshal(view); mErr == nil {
				if dErr := s.dlq.Add(parentLogID, raw, err); dErr == nil {
					metrics.DLQEntriesTotal.Inc()
				} else {
					s.logger.WithError(dErr).Error("service: dead-letter queue write failed")
				}
			}
		}
		return
	}
	metrics.KafkaPublishTotal.WithLabelValues("ok").Inc()
}

// collectChildData recursively fetches, parses, and re-runs the pipeline
// on every correlated child log up to Options.MaxDepth, flattening the
// result into one logID-keyed map — unifiedview.Build itself recurses
// through grandchildren via this same flat map, so the service's only
// job is to populate every level it's allowed to reach.
func (s *Service) collectChildData(ctx context.Context, correlations []eventmodel.Correlation, fetcher LogFetcher, depth int) map[string]unifiedview.ChildLogData {
	out := map[string]unifiedview.ChildLogData{}
	s.fetchLevel(ctx, correlations, fetcher, depth, out)
	return out
}

func (s *Service) fetchLevel(ctx context.Context, correlations []eventmodel.Correlation, fetcher LogFetcher, depth int, out map[string]unifiedview.ChildLogData) {
	if depth+1 >= s.opts.MaxDepth && depth > 0 {
		// unifiedview.Build enforces the same bound; avoid fetching logs
		// that would never be spliced in past maxDepth.
		if !s.opts.IncludeGrandchildren {
			return
		}
	}

	var toFetch []eventmodel.Correlation
	for _, c := range correlations {
		if c.ChildLogID == "" {
			continue
		}
		if _, already := out[c.ChildLogID]; already {
			continue
		}
		toFetch = append(toFetch, c)
	}
	if len(toFetch) == 0 {
		return
	}

	type fetched struct {
		logID        string
		data         unifiedview.ChildLogData
		correlations []eventmodel.Correlation
	}
	results := make([]fetched, len(toFetch))

	_ = concurrency.Each(ctx, len(toFetch), s.opts.ChildFetchFanout, func(ctx context.Context, i int) error {
		corr := toFetch[i]
		body, err := fetcher.FetchLog(ctx, corr.ChildLogID)
		if err != nil {
			s.logger.WithError(err).WithField("child_log", corr.ChildLogID).Warn("service: child log fetch failed, leaving boundary unexpanded")
			return nil
		}
		events, startWall, err := s.parser(body)
		if err != nil {
			s.logger.WithError(err).WithField("child_log", corr.ChildLogID).Warn("service: child log parse failed, leaving boundary unexpanded")
			return nil
		}

		childExtracted := extractor.Extract(events)
		childToWall := func(ns int64) time.Time { return eventmodel.ToWall(ns, startWall) }
		childResolved, err := s.tracker.Resolve(ctx, childExtracted.References, childToWall)
		if err != nil {
			childResolved = nil
		}
		childCorrelations, err := s.correlator.Correlate(ctx, corr.ChildLogID, childExtracted.References, childResolved, childToWall)
		if err != nil {
			childCorrelations = nil
		}

		results[i] = fetched{
			logID: corr.ChildLogID,
			data: unifiedview.ChildLogData{
				LogStartWall:         startWall,
				Events:               events,
				References:           childExtracted.References,
				Correlations:         childCorrelations,
				ExtractionConfidence: childExtracted.Confidence,
			},
			correlations: childCorrelations,
		}
		return nil
	})

	var nextLevel []eventmodel.Correlation
	for _, r := range results {
		if r.logID == "" {
			continue
		}
		out[r.logID] = r.data
		nextLevel = append(nextLevel, r.correlations...)
	}

	if s.opts.IncludeGrandchildren && depth+2 < s.opts.MaxDepth {
		s.fetchLevel(ctx, nextLevel, fetcher, depth+1, out)
	}
}

// AcquireCaptureSession wraps capture.AcquireSession, additionally
// tracking the active-session gauge and surfacing a warning (rather than
// an error) when automated-process coverage could not be enabled —
// async child logs running as the system executor simply won't be
// captured, but the session is otherwise usable (§4.3 "Enable async
// coverage").
func AcquireCaptureSession(ctx context.Context, controller *capture.Controller, userID, presetName string, includeAutomatedProcess bool) (*capture.CaptureSession, func(), []string, error) {
	session, release, err := capture.AcquireSession(ctx, controller, userID, presetName)
	if err != nil {
		return nil, release, nil, err
	}

	metrics.ActiveCaptureSessions.Inc()
	wrappedRelease := func() {
		release()
		metrics.ActiveCaptureSessions.Dec()
	}

	var warnings []string
	if includeAutomatedProcess && len(session.TargetUsers) < 2 {
		warnings = append(warnings, "async child logs may not be captured: automated process coverage unavailable")
	}
	return session, wrappedRelease, warnings, nil
}

// WriteStream serializes a finished Result as the line-delimited
// META/EVENT/SUMMARY protocol, for a caller that wants to pipe a run
// straight onto a socket, file, or pipe instead of consuming the
// in-memory Result. Events are written in tree order: the parent log
// first, then each correlated child depth-first, matching the causal
// order unifiedview already established.
func WriteStream(w io.Writer, filename string, sizeBytes int, result *Result) error {
	sw := streamartifact.NewWriter(w)

	// The stream protocol's META.detected_levels names the raw log's
	// debug-level header (APEX_CODE=FINE, DB=INFO, ...), which isn't
	// retained on parsed Events; a capture-time caller that still has
	// the raw header can pass it through a richer writer directly.
	if err := sw.WriteMeta(filename, sizeBytes, nil, false, ""); err != nil {
		return err
	}
	if err := writeNodeEvents(sw, result.View.Root); err != nil {
		return err
	}
	if err := sw.WriteSummary(string(result.View.Summary.Status), result.View.Summary.TotalDurationMS,
		result.View.Summary.FlowDescription, result.View.Summary.Confidence); err != nil {
		return err
	}
	return sw.Flush()
}

func writeNodeEvents(sw *streamartifact.Writer, node *eventmodel.ExecutionNode) error {
	if node == nil {
		return nil
	}
	for _, ev := range node.Events {
		if err := sw.WriteEvent(ev); err != nil {
			return err
		}
	}
	for _, child := range node.Children {
		if err := writeNodeEvents(sw, child); err != nil {
			return err
		}
	}
	return nil
}
