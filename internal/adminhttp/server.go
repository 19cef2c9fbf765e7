// Package adminhttp exposes the operational surface of the correlator:
// liveness and Prometheus metrics. It carries no business API — the
// tool-protocol layer that would sit in front of correlation requests is
// an external collaborator's concern.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthChecker reports whether a dependency the correlator relies on
// (the platform connection pool, the Kafka publisher) is currently
// usable. A nil error means healthy.
type HealthChecker func() error

// Server is the admin HTTP surface: /healthz and /metrics only.
type Server struct {
	httpServer *http.Server
	logger     *logrus.Entry
	startedAt  time.Time
	checks     map[string]HealthChecker
}

// Config configures the admin server's listen address.
type Config struct {
	Addr string `yaml:"addr"`
}

// New builds a Server. checks is a name->HealthChecker map consulted on
// every /healthz request; a nil map means the process reports healthy as
// long as it is running.
func New(cfg Config, checks map[string]HealthChecker, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		logger:    logger.WithField("component", "adminhttp"),
		startedAt: time.Now(),
		checks:    checks,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}
	return s
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	details := make(map[string]string, len(s.checks))

	for name, check := range s.checks {
		if err := check(); err != nil {
			status = "degraded"
			details[name] = err.Error()
		} else {
			details[name] = "ok"
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  status,
		"uptime":  time.Since(s.startedAt).String(),
		"checks":  details,
	})
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("admin server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
