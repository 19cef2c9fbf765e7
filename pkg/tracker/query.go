package tracker

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"apex-correlator/pkg/eventmodel"
)

// recordIDPattern matches the platform's 15 or 18 character alphanumeric
// record id shape. Every id is validated against it before substitution
// into a query.
var recordIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]{15}([a-zA-Z0-9]{3})?$`)

// ValidRecordID reports whether id has the platform's 15/18-char shape.
func ValidRecordID(id string) bool {
	return recordIDPattern.MatchString(id)
}

// EscapeSOQLString escapes backslash, single-quote and double-quote per the
// platform's query dialect. Every user-supplied string is run through this
// before interpolation into a query.
func EscapeSOQLString(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`"`, `\"`,
	)
	return r.Replace(s)
}

// jobTypeByKind maps the core's AsyncJobKind onto the platform's AsyncApexJob
// JobType taxonomy. This is the fixed allow-list checked before any
// enum-valued filter is interpolated into a query.
var jobTypeByKind = map[eventmodel.AsyncJobKind]string{
	eventmodel.JobKindQueueable:   "Queueable",
	eventmodel.JobKindBatch:       "BatchApex",
	eventmodel.JobKindFuture:      "Future",
	eventmodel.JobKindSchedulable: "ScheduledApex",
}

// allowedJobTypes is the allow-list used to validate a JobType value
// before it is interpolated into a query, independent of how it was
// derived.
var allowedJobTypes = map[string]bool{
	"Queueable":     true,
	"BatchApex":     true,
	"Future":        true,
	"ScheduledApex": true,
}

// jobTypeForKind returns the platform JobType for kind, validated against
// the allow-list, or false if kind has no platform equivalent.
func jobTypeForKind(kind eventmodel.AsyncJobKind) (string, bool) {
	jt, ok := jobTypeByKind[kind]
	if !ok || !allowedJobTypes[jt] {
		return "", false
	}
	return jt, true
}

const asyncJobFields = "Id, ApexClassId, ApexClass.Name, JobType, Status, " +
	"NumberOfErrors, JobItemsProcessed, TotalJobItems, CreatedDate, " +
	"CompletedDate, ExtendedStatus, ParentJobId, MethodName"

// maxBatchSize is the maximum number of ids batched into a single IN() query.
const maxBatchSize = 50

// BuildIDBatchQueries splits ids into groups of at most maxBatchSize and
// returns one SOQL query per group, validating each id's shape first and
// silently dropping ids that fail validation (a malformed id can never
// have come from a real platform job record).
func BuildIDBatchQueries(ids []string) []string {
	var valid []string
	for _, id := range ids {
		if ValidRecordID(id) {
			valid = append(valid, id)
		}
	}

	var queries []string
	for i := 0; i < len(valid); i += maxBatchSize {
		end := i + maxBatchSize
		if end > len(valid) {
			end = len(valid)
		}
		group := valid[i:end]
		quoted := make([]string, len(group))
		for j, id := range group {
			quoted[j] = fmt.Sprintf("'%s'", EscapeSOQLString(id))
		}
		queries = append(queries, fmt.Sprintf(
			"SELECT %s FROM AsyncApexJob WHERE Id IN (%s)",
			asyncJobFields, strings.Join(quoted, ","),
		))
	}
	return queries
}

// BuildReferenceQuery builds the per-reference resolution query for a
// reference with no known platform id: same class name AND job-type mapped
// to the platform taxonomy AND created-time within [enqueue-5s,
// enqueue+60s]. enqueueWall is the reference's enqueue time already
// converted to platform wall-clock via eventmodel.ToWall. Returns ("",
// false) if the reference's kind has no platform JobType equivalent.
func BuildReferenceQuery(ref eventmodel.JobReference, enqueueWall time.Time) (string, bool) {
	jobType, ok := jobTypeForKind(ref.Kind)
	if !ok {
		return "", false
	}

	windowStart := enqueueWall.Add(-5 * time.Second).UTC().Format(time.RFC3339)
	windowEnd := enqueueWall.Add(60 * time.Second).UTC().Format(time.RFC3339)

	query := fmt.Sprintf(
		"SELECT %s FROM AsyncApexJob WHERE ApexClass.Name = '%s' AND JobType = '%s' "+
			"AND CreatedDate >= %s AND CreatedDate <= %s ORDER BY CreatedDate ASC LIMIT 1",
		asyncJobFields, EscapeSOQLString(ref.Class), jobType, windowStart, windowEnd,
	)
	return query, true
}

// BuildBatchWorkerQuery lists worker jobs spawned by a batch apex parent:
// matching class name, created at or after the parent batch record's
// creation time.
func BuildBatchWorkerQuery(className string, parentCreated time.Time) string {
	since := parentCreated.UTC().Format(time.RFC3339)
	return fmt.Sprintf(
		"SELECT %s FROM AsyncApexJob WHERE ApexClass.Name = '%s' AND JobType = 'BatchApex' "+
			"AND CreatedDate >= %s ORDER BY CreatedDate ASC",
		asyncJobFields, EscapeSOQLString(className), since,
	)
}
