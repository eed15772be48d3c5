package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Checker is a dependency the run needs to be ready
type Checker interface {
	Name() string
	Ping(ctx context.Context) error
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	checkers []Checker
	timeout  time.Duration
	logger   *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker. Nil checkers are skipped.
func NewHealthChecker(logger *zap.Logger, checkers ...Checker) *HealthChecker {
	active := make([]Checker, 0, len(checkers))
	for _, c := range checkers {
		if c != nil {
			active = append(active, c)
		}
	}
	return &HealthChecker{
		checkers: active,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks, allHealthy := h.Check(ctx)
	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")

	if allHealthy {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}

// Check pings every dependency and reports each result
func (h *HealthChecker) Check(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string, len(h.checkers))
	allHealthy := true

	for _, c := range h.checkers {
		if err := c.Ping(ctx); err != nil {
			h.logger.Error("Health check failed",
				zap.String("dependency", c.Name()),
				zap.Error(err))
			checks[c.Name()] = "unhealthy: " + err.Error()
			allHealthy = false
			continue
		}
		checks[c.Name()] = "healthy"
	}
	return checks, allHealthy
}

// RedisChecker adapts a Redis client to Checker
type RedisChecker struct {
	name   string
	client *redis.Client
}

// NewRedisChecker creates a checker for a Redis client
func NewRedisChecker(name string, client *redis.Client) *RedisChecker {
	return &RedisChecker{name: name, client: client}
}

// Name returns the dependency name
func (c *RedisChecker) Name() string {
	return c.name
}

// Ping checks the Redis connection
func (c *RedisChecker) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
