package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
app:
  name: test-correlator
  log_level: warn
  log_format: text
admin:
  enabled: false
capture:
  preset: minimal
correlation:
  min_confidence: 0.5
publish:
  enabled: false
hot_reload:
  enabled: false
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestNew_BuildsEveryComponentWithoutNetworkAccess(t *testing.T) {
	a, err := New(writeTestConfig(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if a.Service == nil {
		t.Fatal("expected a wired Service")
	}
	if a.tracker == nil || a.correlator == nil || a.redactor == nil || a.watcher == nil {
		t.Fatal("expected tracker, correlator, redactor, and resource watcher to be wired")
	}
	if a.publisher != nil {
		t.Error("expected no kafka publisher when publish.enabled is false")
	}
	if a.admin != nil {
		t.Error("expected no admin server when admin.enabled is false")
	}
}

func TestApp_StartStopIsGraceful(t *testing.T) {
	a, err := New(writeTestConfig(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return in time")
	}
}

func TestApp_AcquireCaptureSession_UnreachablePlatformReturnsError(t *testing.T) {
	a, err := New(writeTestConfig(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, release, _, err := a.AcquireCaptureSession(ctx, "005unknown", "minimal")
	if release != nil {
		release()
	}
	if err == nil {
		t.Fatal("expected an error acquiring a session against an unreachable platform")
	}
}
