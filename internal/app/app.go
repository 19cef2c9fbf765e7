// Package app wires every correlator component into one process:
// platform connectivity, capture control, the correlation pipeline, the
// optional Kafka publisher, and the admin HTTP surface. It owns the
// process lifecycle (Start, Stop, Run) the way the teacher's own App
// does, trimmed to this domain's components.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"apex-correlator/internal/adminhttp"
	"apex-correlator/internal/config"
	"apex-correlator/internal/platform"
	"apex-correlator/internal/service"
	"apex-correlator/internal/tracing"
	"apex-correlator/pkg/capture"
	"apex-correlator/pkg/circuitbreaker"
	"apex-correlator/pkg/correlator"
	"apex-correlator/pkg/publish"
	"apex-correlator/pkg/redaction"
	"apex-correlator/pkg/resourcewatch"
	"apex-correlator/pkg/tracker"
)

// envTokenRefresher satisfies platform.Refresher by reading a pre-issued
// access token and instance URL from the environment. It implements the
// "manual-token" entry of capture.AuthMethod: the PKCE/device-code flows
// named in auth.preferredMethods are an external collaborator's concern
// (browser redirects, polling a device endpoint) that this module does
// not implement; a deployment that wants one of those swaps this
// Refresher out for its own.
type envTokenRefresher struct {
	accessToken string
	instanceURL string
}

func (r envTokenRefresher) Refresh(ctx context.Context, orgID, userID string) (*oauth2.Token, string, error) {
	if r.accessToken == "" || r.instanceURL == "" {
		return nil, "", fmt.Errorf("app: no manual token configured (set APEX_ACCESS_TOKEN and APEX_INSTANCE_URL)")
	}
	return &oauth2.Token{AccessToken: r.accessToken, Expiry: time.Now().Add(12 * time.Hour)}, r.instanceURL, nil
}

// App coordinates every long-lived component of the correlator process.
type App struct {
	configFile string
	config     *config.Config
	logger     *logrus.Entry

	pool       *platform.ConnPool
	client     *platform.Client
	breaker    *circuitbreaker.Breaker
	capture    *capture.Controller
	watcher    *resourcewatch.Watcher
	tracker    *tracker.Tracker
	correlator *correlator.Correlator
	redactor   *redaction.Pipeline
	publisher  *publish.ArtifactPublisher
	dlq        *publish.DeadLetterQueue
	tracer     *tracing.Manager
	reloader   *config.Reloader
	admin      *adminhttp.Server

	// Service is the single pipeline entry point ("analyze this parent
	// log"). Triggering a run — polling the platform, subscribing to a
	// log-creation event, or an operator-invoked one-shot — is the
	// tool-protocol layer this module deliberately does not implement;
	// callers drive Service.CorrelateLog directly.
	Service *service.Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads configuration from configFile and builds every component,
// failing fast on any construction error rather than starting partially
// wired.
func New(configFile string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("app: failed to load config: %w", err)
	}

	logger := newLogger(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{configFile: configFile, config: cfg, logger: logger, ctx: ctx, cancel: cancel}
	if err := a.initializeComponents(); err != nil {
		cancel()
		return nil, err
	}
	return a, nil
}

func newLogger(cfg *config.Config) *logrus.Entry {
	base := logrus.New()
	if level, err := logrus.ParseLevel(cfg.App.LogLevel); err == nil {
		base.SetLevel(level)
	}
	if cfg.App.LogFormat == "text" {
		base.SetFormatter(&logrus.TextFormatter{})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{})
	}
	return base.WithFields(logrus.Fields{
		"app":         cfg.App.Name,
		"environment": cfg.App.Environment,
	})
}

func (a *App) initializeComponents() error {
	cfg := a.config

	refresher := envTokenRefresher{accessToken: os.Getenv("APEX_ACCESS_TOKEN"), instanceURL: os.Getenv("APEX_INSTANCE_URL")}
	a.pool = platform.NewConnPool(refresher, 5*time.Minute, "v60.0")

	orgID := os.Getenv("APEX_ORG_ID")
	userID := os.Getenv("APEX_USER_ID")

	a.breaker = circuitbreaker.New(circuitbreaker.Config{})
	a.client = platform.NewClient(cfg.Platform, a.pool, orgID, userID, a.breaker, cfg.RateLimit, a.logger)

	a.capture = capture.New(a.client, cfg.CaptureControllerConfig(), a.logger)

	watcher, err := resourcewatch.New(resourcewatch.DefaultConfig(), a.logger)
	if err != nil {
		return fmt.Errorf("app: failed to start resource watcher: %w", err)
	}
	a.watcher = watcher

	a.tracker = tracker.New(a.client, a.logger)
	a.tracker.SetLoadGate(a.watcher)

	a.correlator = correlator.New(a.client, cfg.CorrelatorOptions(), a.logger)
	a.redactor = redaction.New(cfg.Redaction)

	tracerMgr, err := tracing.NewManager(cfg.Tracing, a.logger)
	if err != nil {
		return fmt.Errorf("app: failed to initialize tracing: %w", err)
	}
	a.tracer = tracerMgr

	if cfg.Publish.Enabled {
		publisher, err := publish.NewArtifactPublisher(cfg.Publish, a.logger)
		if err != nil {
			return fmt.Errorf("app: failed to initialize kafka publisher: %w", err)
		}
		a.publisher = publisher

		if cfg.Publish.DeadLetterDir != "" {
			dlq, err := publish.NewDeadLetterQueue(cfg.Publish.DeadLetterDir, a.logger)
			if err != nil {
				return fmt.Errorf("app: failed to initialize dead-letter queue: %w", err)
			}
			a.dlq = dlq
		}
	}

	a.Service = service.New(a.tracker, a.correlator, a.redactor, a.publisher, a.dlq, nil, a.tracer,
		service.Options{OrgID: orgID, IncludeGrandchildren: true, FetchChildren: true}, a.logger)

	if cfg.Admin.Enabled {
		checks := map[string]adminhttp.HealthChecker{
			"resource_watch": func() error {
				if a.watcher.Current().Level >= resourcewatch.LevelCritical {
					return fmt.Errorf("load shedding at critical level")
				}
				return nil
			},
		}
		a.admin = adminhttp.New(adminhttp.Config{Addr: cfg.Admin.Addr}, checks, a.logger)
	}

	reloader, err := config.NewReloader(a.configFile, cfg.HotReload, a.logger, a.onConfigReloaded, func(err error) {
		a.logger.WithError(err).Warn("app: config reload failed")
	})
	if err != nil {
		return fmt.Errorf("app: failed to initialize config reloader: %w", err)
	}
	a.reloader = reloader

	return nil
}

// onConfigReloaded applies the correlation thresholds live. It also
// rebuilds a.redactor from the new redaction policy, but Service keeps the
// pipeline it was constructed with, so a redaction change reaches
// correlation runs only after a restart. Capture preset and platform
// connection settings likewise require a restart since they're baked
// into already-constructed components.
func (a *App) onConfigReloaded(cfg *config.Config) {
	a.correlator.SetOptions(cfg.CorrelatorOptions())
	a.redactor = redaction.New(cfg.Redaction)
	a.config = cfg
}

// Start begins background components: resource sampling, the admin HTTP
// surface, and config hot-reload.
func (a *App) Start() error {
	a.logger.Info("starting apex-correlator")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.watcher.Run(a.ctx)
	}()

	if a.admin != nil {
		a.admin.Start()
	}

	if err := a.reloader.Start(); err != nil {
		return fmt.Errorf("app: failed to start config reloader: %w", err)
	}

	a.logger.Info("apex-correlator started")
	return nil
}

// Stop gracefully shuts down every component. Individual component
// errors are logged but never prevent the rest of shutdown from
// proceeding.
func (a *App) Stop() error {
	a.logger.Info("stopping apex-correlator")
	a.cancel()

	if err := a.reloader.Stop(); err != nil {
		a.logger.WithError(err).Error("failed to stop config reloader")
	}
	if a.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.admin.Stop(ctx); err != nil {
			a.logger.WithError(err).Error("failed to stop admin server")
		}
	}
	if a.dlq != nil {
		if err := a.dlq.Close(); err != nil {
			a.logger.WithError(err).Error("failed to close dead-letter queue")
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.WithError(err).Error("failed to close kafka publisher")
		}
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("failed to shutdown tracing manager")
		}
	}

	a.wg.Wait()
	a.logger.Info("apex-correlator stopped")
	return nil
}

// AcquireCaptureSession wraps service.AcquireCaptureSession over this
// process's capture controller, so an external trigger layer (a platform
// event subscription, an operator-invoked one-shot) can start a capture
// session without reaching into App's internals.
func (a *App) AcquireCaptureSession(ctx context.Context, userID, presetName string) (*capture.CaptureSession, func(), []string, error) {
	return service.AcquireCaptureSession(ctx, a.capture, userID, presetName, a.config.Capture.IncludeAutomatedProcess)
}

// Run starts the application and blocks until SIGINT/SIGTERM.
func (a *App) Run() error {
	if err := a.Start(); err != nil {
		return err
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	a.logger.Info("shutdown signal received")
	return a.Stop()
}
