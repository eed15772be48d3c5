package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablemover/internal/health"
	"github.com/devrev/pairdb/tablemover/internal/model"
)

// StatusSource provides the run status served on /status
type StatusSource interface {
	GetMigrationStatus() model.MigrationStatus
}

// ServerConfig holds configuration for the metrics server
type ServerConfig struct {
	Port        int
	MetricsPath string
	// Gatherer defaults to the global Prometheus registry
	Gatherer prometheus.Gatherer
}

// Server serves Prometheus metrics, health probes and the run status via HTTP
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	status     StatusSource
	logger     *zap.Logger
}

// NewServer creates a new metrics server
func NewServer(cfg ServerConfig, status StatusSource, hc *health.HealthChecker, logger *zap.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		router: router,
		status: status,
		logger: logger,
	}

	path := cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	metricsHandler := promhttp.Handler()
	if cfg.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}
	router.Handle(path, metricsHandler).Methods(http.MethodGet)

	if hc != nil {
		router.HandleFunc("/health/live", hc.LivenessHandler).Methods(http.MethodGet)
		router.HandleFunc("/health/ready", hc.ReadinessHandler).Methods(http.MethodGet)
	}
	router.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)

	return s
}

// Handler returns the http.Handler for the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info("Stopping metrics server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	return nil
}

// statusHandler handles run status requests
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.status == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"no migration registered"}`)
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(s.status.GetMigrationStatus()); err != nil {
		s.logger.Warn("Failed to encode status", zap.Error(err))
	}
}
