package correlator

import (
	"strings"
	"time"

	"apex-correlator/pkg/eventmodel"
)

// baseWeight is the fixed per-reason weight used only when combining two or
// more differently-typed signals into an overall score (the wᵢ term in
// eventmodel.ScoreSignals' weighted mean). A signal's own Confidence already
// carries the condition-specific strength, so for the common single-signal
// case the base weight cancels out and Confidence passes straight through.
var baseWeight = map[eventmodel.SignalReason]float64{
	eventmodel.SignalJobID:           0.95,
	eventmodel.SignalClassName:       0.80,
	eventmodel.SignalTiming:          0.60,
	eventmodel.SignalMethodSignature: 0.875,
	eventmodel.SignalBatchPattern:    0.75,
	eventmodel.SignalUser:            0.50,
	eventmodel.SignalSequence:        0.50,
}

// weightOf is the closure handed to eventmodel.ScoreSignals: it returns the
// fixed base weight for the signal's reason.
func weightOf(s eventmodel.Signal) float64 {
	if w, ok := baseWeight[s.Reason]; ok {
		return w
	}
	return 0.5
}

// jobIDSignal fires when the reference's platform id exactly equals the
// resolved record's id.
func jobIDSignal(ref eventmodel.JobReference, job *eventmodel.PlatformJob) (eventmodel.Signal, bool) {
	if job == nil || !ref.HasPlatformID() || ref.PlatformJobID != job.PlatformJobID {
		return eventmodel.Signal{}, false
	}
	return eventmodel.Signal{
		Reason:      eventmodel.SignalJobID,
		Confidence:  0.95,
		Description: "job reference id matches resolved platform job id",
		Evidence:    job.PlatformJobID,
	}, true
}

// stripNamespace removes a leading "Namespace." prefix from operation text
// tokens, approximating the platform's namespace-qualified class naming.
func stripNamespace(s string) string {
	if idx := strings.Index(s, "."); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// classNameSignal fires when the candidate log's operation text contains the
// reference's class name, full or namespace-stripped, or when the resolved
// platform record's class name matches the reference.
func classNameSignal(ref eventmodel.JobReference, operation string, job *eventmodel.PlatformJob) (eventmodel.Signal, bool) {
	if ref.IsUnknownClass() {
		return eventmodel.Signal{}, false
	}
	lowerOp := strings.ToLower(operation)
	lowerClass := strings.ToLower(ref.Class)

	if job != nil && strings.EqualFold(job.ClassName, ref.Class) {
		return eventmodel.Signal{
			Reason:      eventmodel.SignalClassName,
			Confidence:  0.85,
			Description: "resolved platform record's class matches reference class",
			Evidence:    job.ClassName,
		}, true
	}
	if strings.Contains(lowerOp, lowerClass) {
		return eventmodel.Signal{
			Reason:      eventmodel.SignalClassName,
			Confidence:  0.80,
			Description: "operation text contains reference class name",
			Evidence:    ref.Class,
		}, true
	}
	if strings.Contains(strings.ToLower(stripNamespace(operation)), lowerClass) {
		return eventmodel.Signal{
			Reason:      eventmodel.SignalClassName,
			Confidence:  0.65,
			Description: "namespace-stripped operation text contains reference class name",
			Evidence:    ref.Class,
		}, true
	}
	return eventmodel.Signal{}, false
}

// timingSignal fires when the candidate log starts within the 0-60s primary
// window after enqueue, graded by how close to enqueue it starts, or within
// the resolved record's [created, completed] range extended by a 120s
// window on the alternate track.
func timingSignal(enqueueWall time.Time, candidateStart time.Time, job *eventmodel.PlatformJob) (eventmodel.Signal, bool) {
	delay := candidateStart.Sub(enqueueWall)
	if delay >= 0 && delay <= 60*time.Second {
		var confidence float64
		switch {
		case delay < 10*time.Second:
			confidence = 0.80
		case delay < 30*time.Second:
			confidence = 0.60
		default:
			confidence = 0.40
		}
		return eventmodel.Signal{
			Reason:      eventmodel.SignalTiming,
			Confidence:  confidence,
			Description: "candidate log starts within the primary enqueue-relative window",
			Evidence:    delay.String(),
		}, true
	}

	if job != nil {
		window := 120 * time.Second
		lo := job.CreatedAt.Add(-window)
		hi := job.CreatedAt.Add(window)
		if job.CompletedAt != nil {
			hi = job.CompletedAt.Add(window)
		}
		if !candidateStart.Before(lo) && !candidateStart.After(hi) {
			return eventmodel.Signal{
				Reason:      eventmodel.SignalTiming,
				Confidence:  0.40,
				Description: "candidate log starts within the resolved record's alternate timing window",
				Evidence:    job.CreatedAt.String(),
			}, true
		}
	}
	return eventmodel.Signal{}, false
}

// methodSignatureSignal fires for a future reference whose method name, or
// "Class.method", appears in the candidate operation text.
func methodSignatureSignal(ref eventmodel.JobReference, operation string) (eventmodel.Signal, bool) {
	if ref.Kind != eventmodel.JobKindFuture || ref.Method == "" {
		return eventmodel.Signal{}, false
	}
	lowerOp := strings.ToLower(operation)
	qualified := strings.ToLower(ref.Class + "." + ref.Method)
	if strings.Contains(lowerOp, qualified) {
		return eventmodel.Signal{
			Reason:      eventmodel.SignalMethodSignature,
			Confidence:  0.90,
			Description: "operation text contains qualified class.method signature",
			Evidence:    ref.Class + "." + ref.Method,
		}, true
	}
	if strings.Contains(lowerOp, strings.ToLower(ref.Method)) {
		return eventmodel.Signal{
			Reason:      eventmodel.SignalMethodSignature,
			Confidence:  0.85,
			Description: "operation text contains future method name",
			Evidence:    ref.Method,
		}, true
	}
	return eventmodel.Signal{}, false
}

// batchVerbs are the literal operation-text tokens recognized as batch-apex
// lifecycle evidence.
var batchVerbs = []string{"start(", "execute(", "finish(", "batch"}

// batchPatternSignal fires when the resolved record's type is batch and the
// operation text matches one of the recognized batch verbs.
func batchPatternSignal(operation string, job *eventmodel.PlatformJob) (eventmodel.Signal, bool) {
	if job == nil || job.JobType != "BatchApex" {
		return eventmodel.Signal{}, false
	}
	lowerOp := strings.ToLower(operation)
	for _, verb := range batchVerbs {
		if strings.Contains(lowerOp, verb) {
			return eventmodel.Signal{
				Reason:      eventmodel.SignalBatchPattern,
				Confidence:  0.75,
				Description: "operation text matches a batch apex lifecycle verb",
				Evidence:    verb,
			}, true
		}
	}
	return eventmodel.Signal{}, false
}

// matchSignals runs every applicable signal matcher for one (reference,
// candidate) pair and returns every signal that fired.
func matchSignals(ref eventmodel.JobReference, enqueueWall time.Time, candidate eventmodel.LogRecord, job *eventmodel.PlatformJob) []eventmodel.Signal {
	var signals []eventmodel.Signal
	if s, ok := jobIDSignal(ref, job); ok {
		signals = append(signals, s)
	}
	if s, ok := classNameSignal(ref, candidate.Operation, job); ok {
		signals = append(signals, s)
	}
	if s, ok := timingSignal(enqueueWall, candidate.StartTime, job); ok {
		signals = append(signals, s)
	}
	if s, ok := methodSignatureSignal(ref, candidate.Operation); ok {
		signals = append(signals, s)
	}
	if s, ok := batchPatternSignal(candidate.Operation, job); ok {
		signals = append(signals, s)
	}
	return signals
}
