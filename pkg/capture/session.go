package capture

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CaptureSession is a live capture configuration: the preset in force,
// the users it covers, and the trace flags created to realize it. It is
// always obtained through AcquireSession, which guarantees every trace
// flag the session created is deleted on release regardless of how the
// caller's context ends.
type CaptureSession struct {
	controller   *Controller
	SessionID    string
	PresetName   string
	TargetUsers  []string
	TraceFlagIDs []string
	ExpiresAt    time.Time
}

// FetchLog fetches a log body captured under this session.
func (s *CaptureSession) FetchLog(ctx context.Context, logID string) ([]byte, error) {
	return s.controller.FetchLog(ctx, logID)
}

// DeleteLog deletes a log record captured under this session.
func (s *CaptureSession) DeleteLog(ctx context.Context, logID string) error {
	return s.controller.DeleteLog(ctx, logID)
}

// Release deletes every trace flag this session created. Per-flag
// failures are logged and swallowed, so one locked or already-deleted
// row never blocks cleanup of the rest.
func (s *CaptureSession) Release(ctx context.Context) {
	s.controller.cleanup(ctx, s.TraceFlagIDs)
}

// AcquireSession ensures a capture session for userID under presetName
// and returns it alongside a release func that is always safe to call,
// including after the passed context has already been cancelled (release
// runs cleanup against context.Background() rather than the caller's
// possibly-dead context, since deleting a trace flag after cancellation
// is exactly the case this exists to handle).
func AcquireSession(ctx context.Context, controller *Controller, userID, presetName string) (*CaptureSession, func(), error) {
	session, err := controller.EnsureSession(ctx, userID, presetName)
	if err != nil {
		return nil, func() {}, err
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		session.Release(releaseCtx)
	}
	return session, release, nil
}
