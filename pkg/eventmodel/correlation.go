package eventmodel

// SignalReason enumerates the kinds of evidence a correlation can cite.
type SignalReason string

const (
	SignalJobID           SignalReason = "job-id"
	SignalClassName       SignalReason = "class-name"
	SignalTiming          SignalReason = "timing"
	SignalUser            SignalReason = "user"
	SignalMethodSignature SignalReason = "method-signature"
	SignalSequence        SignalReason = "sequence"
	SignalBatchPattern    SignalReason = "batch-pattern"
)

// Signal is a single piece of evidence contributing to a correlation's
// confidence.
type Signal struct {
	Reason      SignalReason
	Confidence  float64 // observed confidence for this signal, [0,1]
	Description string
	Evidence    string // optional, e.g. the matched substring
}

// Correlation links one job reference to a candidate child log (or, in
// the degraded case, to nothing) with a scored, explainable confidence.
type Correlation struct {
	ParentLogID       string
	ChildLogID        string // empty in the degraded result
	JobRef            JobReference
	PlatformJob       *PlatformJob
	Signals           []Signal
	OverallConfidence float64
	Level             Level
	ResolvedStatus    JobStatus
	QueueDelayMS      int64
	ExecDurationMS    int64
}

// IsDegraded reports whether this is a partial-knowledge correlation with
// no child log attached.
func (c Correlation) IsDegraded() bool {
	return c.ChildLogID == ""
}

// NodeKind enumerates the kinds of node in a unified execution tree.
type NodeKind string

const (
	NodeSync         NodeKind = "sync"
	NodeAsyncBoundary NodeKind = "async-boundary"
	NodeAsyncChild   NodeKind = "async-child"
)

// TimeRange is a half-open [Start, End) interval in nanoseconds on the
// owning log's monotonic timeline (or, once normalized to wall clock, in
// unix nanoseconds — callers must not mix units within one tree).
type TimeRange struct {
	Start int64
	End   int64
}

// Contains reports whether other lies entirely within r.
func (r TimeRange) Contains(other TimeRange) bool {
	return r.Start <= other.Start && other.End <= r.End
}

// ExecutionNode is one node of the unified execution tree spliced across
// sync and async boundaries. The root is always a NodeSync node covering
// the full parent log.
type ExecutionNode struct {
	ID         int
	Kind       NodeKind
	OwningLog  string
	Events     []Event
	Children   []*ExecutionNode
	JobRef     *JobReference // set for boundary/child nodes
	TimeRange  TimeRange
}
