package apexerrors

import (
	"errors"
	"testing"
)

func TestNew_DefaultsToMediumSeverity(t *testing.T) {
	err := New(CodeQueryFailed, "tracker", "FetchJob", "boom")
	if err.Severity != SeverityMedium {
		t.Errorf("New() severity = %v, want %v", err.Severity, SeverityMedium)
	}
	if err.Component != "tracker" || err.Operation != "FetchJob" {
		t.Errorf("unexpected component/operation: %+v", err)
	}
	if err.StackFrame == "" {
		t.Error("expected a non-empty stack frame")
	}
}

func TestNewCritical_SetsCriticalSeverity(t *testing.T) {
	err := NewCritical(CodeAuthFailed, "platform", "Authenticate", "bad creds")
	if err.Severity != SeverityCritical {
		t.Errorf("NewCritical() severity = %v, want %v", err.Severity, SeverityCritical)
	}
}

func TestError_FormatsWithAndWithoutCause(t *testing.T) {
	base := New(CodeTimeout, "correlator", "Run", "deadline exceeded")
	if got := base.Error(); got == "" {
		t.Error("Error() should not be empty")
	}

	wrapped := base.Wrap(errors.New("context deadline exceeded"))
	if wrapped != base {
		t.Error("Wrap should return the same receiver for chaining")
	}
	if got := wrapped.Error(); got == base.Message {
		t.Error("Error() with a cause should include the cause text")
	}
}

func TestUnwrap_ExposesCause(t *testing.T) {
	cause := errors.New("network reset")
	err := New(CodeQueryFailed, "tracker", "Query", "query failed").Wrap(cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should see through Unwrap to the cause")
	}
}

func TestRecoverable_BySeverity(t *testing.T) {
	tests := []struct {
		severity Severity
		want     bool
	}{
		{SeverityCritical, false},
		{SeverityHigh, false},
		{SeverityMedium, true},
		{SeverityLow, true},
	}
	for _, tt := range tests {
		err := New(CodeQueryFailed, "c", "o", "m").WithSeverity(tt.severity)
		if got := err.Recoverable(); got != tt.want {
			t.Errorf("Recoverable() for severity %v = %v, want %v", tt.severity, got, tt.want)
		}
	}
}

func TestWithMetadata_AccumulatesKeys(t *testing.T) {
	err := New(CodeQueryFailed, "tracker", "Query", "failed").
		WithMetadata("job_id", "707xx0000000001").
		WithMetadata("attempt", 2)

	if err.Metadata["job_id"] != "707xx0000000001" || err.Metadata["attempt"] != 2 {
		t.Errorf("unexpected metadata: %+v", err.Metadata)
	}
}

func TestFields_IncludesCauseAndMetadata(t *testing.T) {
	err := New(CodeQueryFailed, "tracker", "Query", "failed").
		WithMetadata("job_id", "abc").
		Wrap(errors.New("socket closed"))

	fields := err.Fields()
	if fields["error_code"] != CodeQueryFailed {
		t.Errorf("expected error_code field, got %+v", fields)
	}
	if fields["error_cause"] != "socket closed" {
		t.Errorf("expected error_cause field, got %+v", fields)
	}
	if fields["error_meta_job_id"] != "abc" {
		t.Errorf("expected metadata field, got %+v", fields)
	}
}

func TestAs_DetectsAppError(t *testing.T) {
	err := New(CodeTimeout, "c", "o", "m")
	if ae, ok := As(err); !ok || ae != err {
		t.Error("As() should detect an *AppError and return it unchanged")
	}
	if _, ok := As(errors.New("plain error")); ok {
		t.Error("As() should reject a non-AppError")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	if got := Transient("p", "o", "m"); got.Code != CodeQueryFailed || !got.Recoverable() {
		t.Errorf("Transient() = %+v, want recoverable QUERY_FAILED", got)
	}
	if got := Authorization("p", "o", "m"); got.Code != CodeAuthFailed || got.Recoverable() {
		t.Errorf("Authorization() = %+v, want non-recoverable AUTH_FAILED", got)
	}
	if got := Invariant("p", "o", "m"); got.Code != CodeInvariantViolation || got.Recoverable() {
		t.Errorf("Invariant() = %+v, want non-recoverable INVARIANT_VIOLATION", got)
	}
	for _, err := range []*AppError{Transient("p", "o", "m"), Authorization("p", "o", "m"), Invariant("p", "o", "m")} {
		if err.Suggestion == "" {
			t.Errorf("convenience constructor %q should set a suggestion", err.Code)
		}
	}
}
