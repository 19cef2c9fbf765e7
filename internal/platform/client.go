// Package platform implements the REST client against the Salesforce
// platform's query, tooling, and log-body endpoints: connection pooling
// with single-flighted refresh, an adaptive rate limiter, and a circuit
// breaker guarding a single org connection from cascading a flaky-org
// failure across concurrently running correlations.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"apex-correlator/internal/metrics"
	"apex-correlator/pkg/apexerrors"
	"apex-correlator/pkg/circuitbreaker"
	"apex-correlator/pkg/eventmodel"
	"apex-correlator/pkg/tracker"
)

// maxLogBodyBytes is the hard cap on a fetched log body. The client reads
// at most one byte past it and then returns a truncation error instead of
// the body; it does not check the log's size before the download starts.
const maxLogBodyBytes = 20 * 1024 * 1024

// ClientConfig configures the tuned HTTP transport underneath Client.
type ClientConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`         // default 100
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"` // default 10
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`     // default 20
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`      // default 90s
	DialTimeout         time.Duration `yaml:"dial_timeout"`           // default 10s
	RequestTimeout      time.Duration `yaml:"request_timeout"`        // default 30s
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:      90 * time.Second,
		DialTimeout:          10 * time.Second,
		RequestTimeout:       30 * time.Second,
	}
}

// Breaker is the subset of circuitbreaker.Breaker the client depends on,
// kept as an interface so tests can supply a pass-through fake.
type Breaker interface {
	Execute(fn func() error) error
}

// passthroughBreaker never opens; used when no breaker is configured.
type passthroughBreaker struct{}

func (passthroughBreaker) Execute(fn func() error) error { return fn() }

// Client is the platform REST client, implementing tracker.PlatformQuerier
// and correlator.LogLister against a single org+user connection.
type Client struct {
	httpClient *http.Client
	pool       *ConnPool
	breaker    Breaker
	limiter    *rateLimiter
	orgID      string
	userID     string
	logger     *logrus.Entry
}

// NewClient builds a Client. breaker may be nil, in which case calls are
// never circuit-broken.
func NewClient(config ClientConfig, pool *ConnPool, orgID, userID string, breaker Breaker, limiterConfig RateLimiterConfig, logger *logrus.Entry) *Client {
	d := defaultClientConfig()
	if config.MaxIdleConns <= 0 {
		config.MaxIdleConns = d.MaxIdleConns
	}
	if config.MaxIdleConnsPerHost <= 0 {
		config.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
	}
	if config.MaxConnsPerHost <= 0 {
		config.MaxConnsPerHost = d.MaxConnsPerHost
	}
	if config.IdleConnTimeout <= 0 {
		config.IdleConnTimeout = d.IdleConnTimeout
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = d.DialTimeout
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = d.RequestTimeout
	}

	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: config.DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		MaxConnsPerHost:     config.MaxConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
	}

	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if breaker == nil {
		breaker = passthroughBreaker{}
	}

	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: config.RequestTimeout},
		pool:       pool,
		breaker:    breaker,
		limiter:    newRateLimiter(limiterConfig),
		orgID:      orgID,
		userID:     userID,
		logger:     logger.WithField("component", "platform"),
	}
}

// do executes one authenticated request through the rate limiter and
// circuit breaker, returning the response body on any 2xx status.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, apexerrors.New(apexerrors.CodeCancelled, "platform", "do", "rate limiter wait cancelled").Wrap(err)
	}

	conn, err := c.pool.Get(ctx, c.orgID, c.userID)
	if err != nil {
		return nil, 0, apexerrors.Authorization("platform", "do", "connection refresh failed").Wrap(err)
	}

	full := path
	if !strings.HasPrefix(path, "http") {
		full = strings.TrimRight(conn.InstanceURL, "/") + path
	}
	if query != nil {
		full += "?" + query.Encode()
	}

	var respBody []byte
	var statusCode int
	started := time.Now()

	execErr := c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, method, full, body)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		statusCode = resp.StatusCode
		respBody, err = io.ReadAll(io.LimitReader(resp.Body, maxLogBodyBytes+1))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("platform returned status %d: %s", resp.StatusCode, string(respBody))
		}
		return nil
	})

	c.limiter.RecordLatency(time.Since(started))
	c.recordBreakerState()

	if execErr != nil {
		classified := c.classifyError(statusCode, execErr)
		status := "error"
		if appErr, ok := classified.(*apexerrors.AppError); ok {
			metrics.PlatformErrorsTotal.WithLabelValues(appErr.Code).Inc()
		}
		metrics.PlatformRequestDuration.WithLabelValues(method, status).Observe(time.Since(started).Seconds())
		return nil, statusCode, classified
	}
	metrics.PlatformRequestDuration.WithLabelValues(method, "ok").Observe(time.Since(started).Seconds())
	return respBody, statusCode, nil
}

// breakerStateReporter is implemented by circuitbreaker.Breaker; the
// client depends on the narrower Breaker interface so tests can supply a
// pass-through fake that doesn't carry state reporting at all.
type breakerStateReporter interface {
	State() circuitbreaker.State
}

func (c *Client) recordBreakerState() {
	reporter, ok := c.breaker.(breakerStateReporter)
	if !ok {
		return
	}
	metrics.RecordCircuitBreakerState("platform", string(reporter.State()))
}

func (c *Client) classifyError(statusCode int, err error) error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return apexerrors.Authorization("platform", "do", "request rejected by the platform").Wrap(err)
	case statusCode == http.StatusTooManyRequests:
		return apexerrors.New(apexerrors.CodeRateLimited, "platform", "do", "platform rate limit exceeded").Wrap(err)
	default:
		return apexerrors.Transient("platform", "do", "request failed").Wrap(err)
	}
}

// Query implements tracker.PlatformQuerier, paginating through
// nextRecordsUrl until the result set is exhausted.
func (c *Client) Query(ctx context.Context, soql string) ([]map[string]interface{}, error) {
	path := fmt.Sprintf("/services/data/v60.0/query")
	q := url.Values{"q": []string{soql}}

	var records []map[string]interface{}
	body, _, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, apexerrors.Transient("platform", "Query", "query request failed").Wrap(err)
	}

	var page queryResult
	for {
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, apexerrors.New(apexerrors.CodeSchemaUnsupported, "platform", "Query", "malformed query response").Wrap(err)
		}
		records = append(records, page.Records...)
		if page.Done || page.NextRecordsURL == "" {
			break
		}
		body, _, err = c.do(ctx, http.MethodGet, page.NextRecordsURL, nil, nil)
		if err != nil {
			return records, apexerrors.Transient("platform", "Query", "paginated query request failed").Wrap(err)
		}
	}
	return records, nil
}

type queryResult struct {
	Done           bool                     `json:"done"`
	NextRecordsURL string                   `json:"nextRecordsUrl"`
	Records        []map[string]interface{} `json:"records"`
}

// ListLogsInWindow implements correlator.LogLister against the ApexLog
// sobject.
func (c *Client) ListLogsInWindow(ctx context.Context, start, end time.Time, limit int) ([]eventmodel.LogRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	soql := fmt.Sprintf(
		"SELECT Id, StartTime, LogUserId, Operation, LogLength, Status, DurationMilliseconds FROM ApexLog WHERE StartTime >= %s AND StartTime <= %s ORDER BY StartTime ASC LIMIT %d",
		formatSOQLDateTime(start), formatSOQLDateTime(end), limit,
	)
	rows, err := c.Query(ctx, soql)
	if err != nil {
		return nil, err
	}

	logs := make([]eventmodel.LogRecord, 0, len(rows))
	for _, row := range rows {
		rec, ok := parseLogRecord(row)
		if !ok {
			continue
		}
		logs = append(logs, rec)
	}
	return logs, nil
}

func formatSOQLDateTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func parseLogRecord(row map[string]interface{}) (eventmodel.LogRecord, bool) {
	id, _ := row["Id"].(string)
	if id == "" || !tracker.ValidRecordID(id) {
		return eventmodel.LogRecord{}, false
	}
	startStr, _ := row["StartTime"].(string)
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return eventmodel.LogRecord{}, false
	}
	rec := eventmodel.LogRecord{
		ID:        id,
		StartTime: start,
		UserID:    stringField(row, "LogUserId"),
		Operation: stringField(row, "Operation"),
		Status:    stringField(row, "Status"),
	}
	if v, ok := row["LogLength"].(float64); ok {
		rec.ByteLength = int(v)
	}
	if v, ok := row["DurationMilliseconds"].(float64); ok {
		rec.DurationMS = int64(v)
	}
	return rec, true
}

func stringField(row map[string]interface{}, key string) string {
	s, _ := row[key].(string)
	return s
}

// FetchLogBody downloads a log body and returns a truncation error if the
// bytes read exceed the 20 MiB cap. No advertised size is consulted first:
// an oversize body is read up to the cap before the error is returned.
func (c *Client) FetchLogBody(ctx context.Context, logID string) ([]byte, error) {
	if !tracker.ValidRecordID(logID) {
		return nil, apexerrors.New(apexerrors.CodeQueryFailed, "platform", "FetchLogBody", "invalid log id shape")
	}
	path := fmt.Sprintf("/services/data/v60.0/sobjects/ApexLog/%s/Body", logID)
	body, _, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(body) > maxLogBodyBytes {
		return nil, apexerrors.New(apexerrors.CodeLogTooLarge, "platform", "FetchLogBody", "log body exceeds the 20 MiB fetch cap").
			WithMetadata("log_id", logID).
			WithMetadata("size_bytes", len(body))
	}
	return body, nil
}

// DeleteLog deletes one ApexLog record.
func (c *Client) DeleteLog(ctx context.Context, logID string) error {
	if !tracker.ValidRecordID(logID) {
		return apexerrors.New(apexerrors.CodeQueryFailed, "platform", "DeleteLog", "invalid log id shape")
	}
	path := fmt.Sprintf("/services/data/v60.0/sobjects/ApexLog/%s", logID)
	_, _, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	return err
}

// rowLockStatusCode is the HTTP status the platform returns for a
// concurrent-modification ("UNABLE_TO_LOCK_ROW") conflict on create.
const rowLockStatusCode = http.StatusConflict

// postSObject creates one record of sobjectType, retrying exactly once
// with a fixed linear backoff if the platform reports a row-lock
// conflict from a concurrent caller creating the same flag.
func (c *Client) postSObject(ctx context.Context, sobjectType string, fields map[string]interface{}) (string, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", apexerrors.Invariant("platform", "postSObject", "failed to marshal sobject payload").Wrap(err)
	}
	path := fmt.Sprintf("/services/data/v60.0/sobjects/%s", sobjectType)

	body, status, err := c.do(ctx, http.MethodPost, path, nil, strings.NewReader(string(payload)))
	if err != nil && status == rowLockStatusCode {
		time.Sleep(500 * time.Millisecond)
		body, _, err = c.do(ctx, http.MethodPost, path, nil, strings.NewReader(string(payload)))
	}
	if err != nil {
		return "", apexerrors.New(apexerrors.CodeTraceFlagConflict, "platform", "postSObject", "sobject create failed").Wrap(err)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", apexerrors.New(apexerrors.CodeSchemaUnsupported, "platform", "postSObject", "malformed create response").Wrap(err)
	}
	return created.ID, nil
}

// patchSObject updates fields on an existing record.
func (c *Client) patchSObject(ctx context.Context, sobjectType, id string, fields map[string]interface{}) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return apexerrors.Invariant("platform", "patchSObject", "failed to marshal sobject payload").Wrap(err)
	}
	path := fmt.Sprintf("/services/data/v60.0/sobjects/%s/%s", sobjectType, id)
	_, _, err = c.do(ctx, http.MethodPatch, path, nil, strings.NewReader(string(payload)))
	return err
}

// deleteSObject deletes one record by id.
func (c *Client) deleteSObject(ctx context.Context, sobjectType, id string) error {
	path := fmt.Sprintf("/services/data/v60.0/sobjects/%s/%s", sobjectType, id)
	_, _, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	return err
}
