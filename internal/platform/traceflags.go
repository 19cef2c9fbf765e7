package platform

import (
	"context"
	"fmt"
	"time"

	"apex-correlator/pkg/tracker"
)

// TraceFlagRecord mirrors the platform's TraceFlag tooling sobject fields
// the capture controller needs.
type TraceFlagRecord struct {
	ID            string
	TracedEntityID string
	DebugLevelID  string
	StartDate     time.Time
	ExpirationDate time.Time
	LogType       string
}

// DebugLevelRecord mirrors the platform's DebugLevel tooling sobject.
type DebugLevelRecord struct {
	ID            string
	DeveloperName string
}

// UserRecord is the minimal shape needed to locate the system-executor
// user ("Automated Process") for async-coverage trace flags.
type UserRecord struct {
	ID   string
	Name string
}

// FindUserByName looks up a User record by exact Name, used to locate the
// canonical "Automated Process" system-executor identity. Returns
// (UserRecord{}, false, nil) if no such user exists rather than an error,
// since its absence is an expected, recoverable condition.
func (c *Client) FindUserByName(ctx context.Context, name string) (UserRecord, bool, error) {
	soql := fmt.Sprintf("SELECT Id, Name FROM User WHERE Name = '%s' LIMIT 1", tracker.EscapeSOQLString(name))
	rows, err := c.Query(ctx, soql)
	if err != nil {
		return UserRecord{}, false, err
	}
	if len(rows) == 0 {
		return UserRecord{}, false, nil
	}
	return UserRecord{ID: stringField(rows[0], "Id"), Name: stringField(rows[0], "Name")}, true, nil
}

// FindActiveTraceFlag returns the active trace flag on tracedEntityID, if
// any, ordered by latest expiration first.
func (c *Client) FindActiveTraceFlag(ctx context.Context, tracedEntityID string) (TraceFlagRecord, bool, error) {
	soql := fmt.Sprintf(
		"SELECT Id, TracedEntityId, DebugLevelId, StartDate, ExpirationDate, LogType FROM TraceFlag WHERE TracedEntityId = '%s' AND ExpirationDate > %s ORDER BY ExpirationDate DESC LIMIT 1",
		tracker.EscapeSOQLString(tracedEntityID), formatSOQLDateTime(time.Now()),
	)
	rows, err := c.Query(ctx, soql)
	if err != nil {
		return TraceFlagRecord{}, false, err
	}
	if len(rows) == 0 {
		return TraceFlagRecord{}, false, nil
	}
	return parseTraceFlag(rows[0]), true, nil
}

func parseTraceFlag(row map[string]interface{}) TraceFlagRecord {
	rec := TraceFlagRecord{
		ID:             stringField(row, "Id"),
		TracedEntityID: stringField(row, "TracedEntityId"),
		DebugLevelID:   stringField(row, "DebugLevelId"),
		LogType:        stringField(row, "LogType"),
	}
	if s, ok := row["StartDate"].(string); ok {
		rec.StartDate, _ = time.Parse(time.RFC3339, s)
	}
	if s, ok := row["ExpirationDate"].(string); ok {
		rec.ExpirationDate, _ = time.Parse(time.RFC3339, s)
	}
	return rec
}

// FindDebugLevelByName looks up a DebugLevel by developer name.
func (c *Client) FindDebugLevelByName(ctx context.Context, developerName string) (DebugLevelRecord, bool, error) {
	soql := fmt.Sprintf("SELECT Id, DeveloperName FROM DebugLevel WHERE DeveloperName = '%s' LIMIT 1", tracker.EscapeSOQLString(developerName))
	rows, err := c.Query(ctx, soql)
	if err != nil {
		return DebugLevelRecord{}, false, err
	}
	if len(rows) == 0 {
		return DebugLevelRecord{}, false, nil
	}
	return DebugLevelRecord{ID: stringField(rows[0], "Id"), DeveloperName: stringField(rows[0], "DeveloperName")}, true, nil
}

// CreateDebugLevel creates a DebugLevel with the given category verbosity
// fields (keys are the exact tooling-API field names, e.g. "ApexCode").
func (c *Client) CreateDebugLevel(ctx context.Context, developerName, masterLabel string, categories map[string]string) (string, error) {
	fields := map[string]interface{}{
		"DeveloperName": developerName,
		"MasterLabel":   masterLabel,
	}
	for k, v := range categories {
		fields[k] = v
	}
	return c.postSObject(ctx, "DebugLevel", fields)
}

// CreateTraceFlag creates a trace flag on tracedEntityID using debugLevelID,
// starting now and expiring at expiresAt (the platform itself caps this at
// 24h from now). A row-lock conflict from a concurrent caller creating the
// same flag is retried once by the underlying postSObject.
func (c *Client) CreateTraceFlag(ctx context.Context, tracedEntityID, debugLevelID string, expiresAt time.Time) (string, error) {
	fields := map[string]interface{}{
		"TracedEntityId": tracedEntityID,
		"DebugLevelId":   debugLevelID,
		"LogType":        "USER_DEBUG",
		"StartDate":      formatSOQLDateTime(time.Now()),
		"ExpirationDate": formatSOQLDateTime(expiresAt),
	}
	return c.postSObject(ctx, "TraceFlag", fields)
}

// ExtendTraceFlag pushes an existing trace flag's expiration out to
// expiresAt; this is the only legal active->active transition, an
// expiring flag being renewed before it lapses.
func (c *Client) ExtendTraceFlag(ctx context.Context, traceFlagID string, expiresAt time.Time) error {
	return c.patchSObject(ctx, "TraceFlag", traceFlagID, map[string]interface{}{
		"ExpirationDate": formatSOQLDateTime(expiresAt),
	})
}

// DeleteTraceFlag deletes one trace flag. Callers treat failures here as
// non-fatal to a cleanup pass.
func (c *Client) DeleteTraceFlag(ctx context.Context, traceFlagID string) error {
	return c.deleteSObject(ctx, "TraceFlag", traceFlagID)
}
