package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"apex-correlator/internal/metrics"
	"apex-correlator/internal/platform"
	"apex-correlator/pkg/apexerrors"
)

// automatedProcessUserName is the platform's canonical system-executor
// identity; async child jobs that don't run under an interactive user
// execute as this user, so its coverage is needed to capture their logs.
const automatedProcessUserName = "Automated Process"

// PlatformClient is the platform dependency the capture controller needs:
// user lookup, trace-flag and debug-level CRUD, and log body operations.
// *platform.Client implements this directly; tests supply a fake.
type PlatformClient interface {
	FindUserByName(ctx context.Context, name string) (platform.UserRecord, bool, error)
	FindActiveTraceFlag(ctx context.Context, tracedEntityID string) (platform.TraceFlagRecord, bool, error)
	FindDebugLevelByName(ctx context.Context, developerName string) (platform.DebugLevelRecord, bool, error)
	CreateDebugLevel(ctx context.Context, developerName, masterLabel string, fields map[string]string) (string, error)
	CreateTraceFlag(ctx context.Context, tracedEntityID, debugLevelID string, expiresAt time.Time) (string, error)
	ExtendTraceFlag(ctx context.Context, traceFlagID string, expiresAt time.Time) error
	DeleteTraceFlag(ctx context.Context, traceFlagID string) error
	FetchLogBody(ctx context.Context, logID string) ([]byte, error)
	DeleteLog(ctx context.Context, logID string) error
}

// Config configures the controller's behavior.
type Config struct {
	RemainingMinutesBuffer  time.Duration // below this remaining lifetime, ensure-session extends instead of leaving as-is
	DefaultDuration         time.Duration // requested trace-flag lifetime before the 24h platform cap
	IncludeAutomatedProcess bool
}

func defaultConfig() Config {
	return Config{
		RemainingMinutesBuffer: 10 * time.Minute,
		DefaultDuration:        2 * time.Hour,
	}
}

// Controller ensures trace flags exist for a capture session and cleans
// them up afterward.
type Controller struct {
	client PlatformClient
	config Config
	logger *logrus.Entry
}

// New builds a Controller.
func New(client PlatformClient, config Config, logger *logrus.Entry) *Controller {
	d := defaultConfig()
	if config.RemainingMinutesBuffer <= 0 {
		config.RemainingMinutesBuffer = d.RemainingMinutesBuffer
	}
	if config.DefaultDuration <= 0 {
		config.DefaultDuration = d.DefaultDuration
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{client: client, config: config, logger: logger.WithField("component", "capture")}
}

// ensureDebugLevel gets or creates the DebugLevel row for presetName,
// idempotent because the flag rowspace is shared across concurrent
// callers targeting the same preset.
func (c *Controller) ensureDebugLevel(ctx context.Context, presetName string, preset Preset) (string, error) {
	developerName := DeveloperName(presetName)
	if id, found, err := c.client.FindDebugLevelByName(ctx, developerName); err != nil {
		return "", err
	} else if found {
		return id, nil
	}
	id, err := c.client.CreateDebugLevel(ctx, developerName, developerName, preset.Fields())
	if err != nil {
		return "", apexerrors.Transient("capture", "ensureDebugLevel", "failed to create debug level").Wrap(err)
	}
	return id, nil
}

// ensureFlag ensures one active trace flag on tracedEntityID with
// debugLevelID, extending an about-to-expire flag rather than creating a
// redundant one. owned reports whether this call created or extended
// the flag, as opposed to finding a healthy flag already set by another
// actor and leaving it untouched — only an owned flag is this session's
// to delete on release.
func (c *Controller) ensureFlag(ctx context.Context, tracedEntityID, debugLevelID string) (id string, owned bool, err error) {
	expiresAt := time.Now().Add(ClampExpiration(c.config.DefaultDuration))

	existing, found, err := c.client.FindActiveTraceFlag(ctx, tracedEntityID)
	if err != nil {
		return "", false, err
	}
	if !found {
		id, err := c.client.CreateTraceFlag(ctx, tracedEntityID, debugLevelID, expiresAt)
		if err != nil {
			return "", false, apexerrors.New(apexerrors.CodeTraceFlagConflict, "capture", "ensureFlag", "trace flag create failed").Wrap(err)
		}
		metrics.TraceFlagTransitionsTotal.WithLabelValues("created").Inc()
		return id, true, nil
	}

	state := DeriveState(existing.ExpirationDate, c.config.RemainingMinutesBuffer)
	if state == FlagExpiring || state == FlagDeleted {
		if err := c.client.ExtendTraceFlag(ctx, existing.ID, expiresAt); err != nil {
			return "", false, apexerrors.Transient("capture", "ensureFlag", "trace flag extend failed").Wrap(err)
		}
		metrics.TraceFlagTransitionsTotal.WithLabelValues("extended").Inc()
		return existing.ID, true, nil
	}
	return existing.ID, false, nil
}

// EnsureSession ensures at least one active trace flag exists on userID
// with presetName's debug levels: an existing flag within the expiry
// buffer is extended, a healthy existing flag is left untouched, and a
// new flag is created only when none exists.
func (c *Controller) EnsureSession(ctx context.Context, userID, presetName string) (*CaptureSession, error) {
	preset, ok := PresetByName(presetName)
	if !ok {
		return nil, apexerrors.New(apexerrors.CodeQueryFailed, "capture", "EnsureSession", fmt.Sprintf("unknown preset %q", presetName))
	}

	debugLevelID, err := c.ensureDebugLevel(ctx, presetName, preset)
	if err != nil {
		return nil, err
	}

	flagID, owned, err := c.ensureFlag(ctx, userID, debugLevelID)
	if err != nil {
		return nil, err
	}

	session := &CaptureSession{
		controller:  c,
		SessionID:   uuid.NewString(),
		PresetName:  presetName,
		TargetUsers: []string{userID},
		ExpiresAt:   time.Now().Add(ClampExpiration(c.config.DefaultDuration)),
	}
	if owned {
		session.TraceFlagIDs = []string{flagID}
	}

	if c.config.IncludeAutomatedProcess {
		c.enableAsyncCoverage(ctx, session, preset, presetName, debugLevelID)
	}

	return session, nil
}

// enableAsyncCoverage locates the Automated Process system-executor user
// and layers a parallel trace flag onto it with the same debug level as
// the user's flag. If the user can't be located, the session is still usable —
// only a warning is logged, since async child logs running under that
// identity simply won't be captured.
func (c *Controller) enableAsyncCoverage(ctx context.Context, session *CaptureSession, preset Preset, presetName, debugLevelID string) {
	user, found, err := c.client.FindUserByName(ctx, automatedProcessUserName)
	if err != nil {
		c.logger.WithError(err).Warn("capture: automated process lookup failed, async child logs may not be captured")
		return
	}
	if !found {
		c.logger.Warn("capture: automated process user not found, async child logs may not be captured")
		return
	}

	flagID, owned, err := c.ensureFlag(ctx, user.ID, debugLevelID)
	if err != nil {
		c.logger.WithError(err).Warn("capture: automated process trace flag failed, async child logs may not be captured")
		return
	}

	session.TargetUsers = append(session.TargetUsers, user.ID)
	if owned {
		session.TraceFlagIDs = append(session.TraceFlagIDs, flagID)
	}
}

// cleanup deletes every trace flag the session created, logging but
// swallowing per-flag failures so one bad row cannot block the rest.
func (c *Controller) cleanup(ctx context.Context, flagIDs []string) {
	for _, id := range flagIDs {
		if err := c.client.DeleteTraceFlag(ctx, id); err != nil {
			c.logger.WithError(err).WithField("trace_flag_id", id).Warn("capture: trace flag cleanup failed, continuing")
			continue
		}
		metrics.TraceFlagTransitionsTotal.WithLabelValues("deleted").Inc()
	}
}

// FetchLog fetches a log body, truncation-capped by PlatformClient.
func (c *Controller) FetchLog(ctx context.Context, logID string) ([]byte, error) {
	return c.client.FetchLogBody(ctx, logID)
}

// DeleteLog deletes a log record.
func (c *Controller) DeleteLog(ctx context.Context, logID string) error {
	return c.client.DeleteLog(ctx, logID)
}
