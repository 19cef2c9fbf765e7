package extractor

import (
	"regexp"
	"strings"

	"apex-correlator/pkg/eventmodel"
)

// enqueueMethods maps the platform's async-enqueue method names to the job
// kind they imply.
var enqueueMethods = map[string]eventmodel.AsyncJobKind{
	"System.enqueueJob":    eventmodel.JobKindQueueable,
	"Database.executeBatch": eventmodel.JobKindBatch,
	"System.schedule":      eventmodel.JobKindSchedulable,
}

// jobIDPattern extracts a platform job id from a user-debug message of the
// form "jobId: 707xx0000000001" / "batchId=707xx..." / "enqueue ... 707xx...".
var jobIDPattern = regexp.MustCompile(`(?i)(?:jobid|batchid|enqueue)\D{0,12}([a-zA-Z0-9]{15,18})`)

// classifyDirect handles classifier 1: the parser already emitted an
// async-job-enqueued event, so the reference is read straight off its
// payload.
func classifyDirect(e eventmodel.Event) (eventmodel.JobReference, bool) {
	if e.Kind != eventmodel.KindAsyncEnqueue {
		return eventmodel.JobReference{}, false
	}
	ref := eventmodel.JobReference{
		Kind:             e.Payload.JobKind,
		Class:            e.Class,
		Method:           e.Method,
		EnqueuingEventID: e.ID,
		EnqueueTimeNS:    e.Timestamp,
		PlatformJobID:    e.Payload.JobID,
		Namespace:        e.Namespace,
	}
	if ref.Class == "" {
		ref.Class = eventmodel.UnknownClass
	}
	return ref, true
}

// classifyMethodCall handles classifier 2: a method-entry on one of the
// platform's enqueue/execute-batch/schedule methods, with the enqueuing
// class inferred from the nearest preceding constructor-entry within a
// bounded lookback window.
func classifyMethodCall(events []eventmodel.Event, idx int) (eventmodel.JobReference, bool) {
	e := events[idx]
	if e.Kind != eventmodel.KindMethodEntry {
		return eventmodel.JobReference{}, false
	}
	kind, ok := enqueueMethods[e.Method]
	if !ok {
		return eventmodel.JobReference{}, false
	}

	class := eventmodel.UnknownClass
	const lookback = 10
	for j := idx - 1; j >= 0 && idx-j <= lookback; j-- {
		if events[j].Kind == eventmodel.KindConstructorEntry && events[j].HasClass() {
			class = events[j].Class
			break
		}
	}

	return eventmodel.JobReference{
		Kind:             kind,
		Class:            class,
		EnqueuingEventID: e.ID,
		EnqueueTimeNS:    e.Timestamp,
		Namespace:        e.Namespace,
	}, true
}

// futureMarker matches the (intentionally narrow) future-annotation tag the
// parser attaches to a method-entry event, e.g. "[future]". A looser
// heuristic of regex-matching "static void" or "async" in a method
// signature produces false positives on ordinary static methods and is
// deliberately not used; a method-entry only classifies as a future
// invocation once the parser has already tagged it as one.
const futureMarker = "[future]"

// classifyFuture handles classifier 3: a method-entry explicitly tagged as
// a future invocation by the parser.
func classifyFuture(e eventmodel.Event) (eventmodel.JobReference, bool) {
	if e.Kind != eventmodel.KindMethodEntry || !strings.Contains(e.Payload.Message, futureMarker) {
		return eventmodel.JobReference{}, false
	}
	class := e.Class
	if class == "" {
		class = eventmodel.UnknownClass
	}
	return eventmodel.JobReference{
		Kind:             eventmodel.JobKindFuture,
		Class:            class,
		Method:           e.Method,
		EnqueuingEventID: e.ID,
		EnqueueTimeNS:    e.Timestamp,
		Namespace:        e.Namespace,
	}, true
}

// classifyDebugUpgrade handles classifier 4: a user-debug event carrying a
// platform job id for a job already in the emission buffer. It returns the
// discovered id and true if a candidate to upgrade exists among refs.
func classifyDebugUpgrade(e eventmodel.Event, refs []eventmodel.JobReference) (matchIdx int, jobID string, ok bool) {
	if e.Kind != eventmodel.KindUserDebug {
		return -1, "", false
	}
	m := jobIDPattern.FindStringSubmatch(e.Payload.Message)
	if m == nil {
		return -1, "", false
	}
	jobID = m[1]

	// Upgrade the most recent reference preceding this debug line that
	// doesn't already carry a platform id: the debug statement almost
	// always follows the enqueue call it's reporting on.
	for i := len(refs) - 1; i >= 0; i-- {
		if refs[i].EnqueueTimeNS <= e.Timestamp && !refs[i].HasPlatformID() {
			return i, jobID, true
		}
	}
	return -1, "", false
}
