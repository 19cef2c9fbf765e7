package eventmodel

import "time"

// JobReference is an async job reference extracted from a parent event
// stream. Its local ID is unique within the owning parent log; it carries
// no reference to the platform job record until the tracker resolves it.
type JobReference struct {
	LocalID          int
	Kind             AsyncJobKind
	Class            string // UnknownClass if it could not be determined
	Method           string // required for JobKindFuture
	EnqueuingEventID int
	EnqueueTimeNS    int64
	PlatformJobID    string // optional; may be discovered later and upgraded
	StackDepth       int
	Namespace        string
}

// HasPlatformID reports whether a platform job id is already known.
func (r JobReference) HasPlatformID() bool {
	return r.PlatformJobID != ""
}

// IsUnknownClass reports whether the class name is the unknown sentinel.
func (r JobReference) IsUnknownClass() bool {
	return r.Class == "" || r.Class == UnknownClass
}

// JobStatus enumerates the platform's async job status taxonomy.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusPreparing  JobStatus = "preparing"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusAborted    JobStatus = "aborted"
	JobStatusHolding    JobStatus = "holding"
)

// Terminal reports whether the status is a terminal state. Terminal
// statuses never transition back.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusAborted:
		return true
	default:
		return false
	}
}

// PlatformJob is the asynchronously-scheduled job as the platform's own
// bookkeeping record describes it.
type PlatformJob struct {
	PlatformJobID  string
	ClassID        string
	ClassName      string
	JobType        string // platform taxonomy, e.g. "BatchApex", "Queueable", "Future", "ScheduledApex"
	Status         JobStatus
	ItemsProcessed int
	TotalItems     int
	NumberOfErrors int
	// CreatedAt/CompletedAt: CompletedAt is a *time.Time rather than a
	// zero-value sentinel so presence/absence is explicit at the type
	// level. The adapter that parses the platform's JSON is the only
	// place that reasons about a missing field; everywhere else a nil
	// pointer means "not completed yet".
	CreatedAt      time.Time
	CompletedAt    *time.Time
	ExtendedStatus string
	ParentJobID    string // batch worker relation
	MethodName     string
}
