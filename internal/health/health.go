// Package health provides liveness, readiness and detailed health probes for
// the identity service and the dependencies it loads directories from.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Component states
const (
	StatusUp       = "up"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// ComponentStatus represents the health status of a single component
type ComponentStatus struct {
	Status    string  `json:"status"`
	LatencyMS float64 `json:"latency_ms"`
	Details   string  `json:"details,omitempty"`
	CheckedAt string  `json:"checked_at"`
}

// HealthResponse is the response structure for health checks
type HealthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	CheckedAt  string                     `json:"checked_at"`
}

// HealthChecker is implemented by every dependency probe
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) ComponentStatus
	// IsCritical reports whether the service is unready while this component is down
	IsCritical() bool
}

// HealthService runs the registered checkers and aggregates their results
type HealthService struct {
	checkers  []HealthChecker
	logger    *zap.Logger
	startTime time.Time
	version   string
	timeout   time.Duration
	mu        sync.RWMutex
}

// NewHealthService creates a new HealthService
func NewHealthService(logger *zap.Logger) *HealthService {
	return &HealthService{
		logger:    logger.With(zap.String("component", "health")),
		startTime: time.Now(),
		timeout:   5 * time.Second,
	}
}

// SetVersion sets the application version reported in health responses
func (h *HealthService) SetVersion(version string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.version = version
}

// RegisterCheck adds a checker
func (h *HealthService) RegisterCheck(checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, checker)
	h.logger.Info("Registered health checker",
		zap.String("name", checker.Name()),
		zap.Bool("critical", checker.IsCritical()))
}

func (h *HealthService) snapshot() ([]HealthChecker, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	checkers := make([]HealthChecker, len(h.checkers))
	copy(checkers, h.checkers)
	return checkers, h.version
}

// Check runs all checkers concurrently and aggregates the results. Any down
// component makes the whole service down.
func (h *HealthService) Check(ctx context.Context) *HealthResponse {
	checkers, version := h.snapshot()

	type result struct {
		name  string
		check ComponentStatus
	}
	results := make(chan result, len(checkers))
	for _, checker := range checkers {
		go func(c HealthChecker) {
			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			results <- result{name: c.Name(), check: c.Check(checkCtx)}
		}(checker)
	}

	components := make(map[string]ComponentStatus, len(checkers))
	for range checkers {
		r := <-results
		components[r.name] = r.check
	}

	overall := StatusUp
	for name, comp := range components {
		switch comp.Status {
		case StatusDown:
			overall = StatusDown
			h.logger.Warn("Component is down", zap.String("component", name), zap.String("details", comp.Details))
		case StatusDegraded:
			if overall != StatusDown {
				overall = StatusDegraded
			}
			h.logger.Warn("Component is degraded", zap.String("component", name))
		}
	}

	return &HealthResponse{
		Status:     overall,
		Components: components,
		Version:    version,
		Uptime:     formatDuration(time.Since(h.startTime)),
		CheckedAt:  time.Now().UTC().Format(time.RFC3339),
	}
}

// Ready reports whether no critical component is down, with the first failing component
func (h *HealthService) Ready(ctx context.Context) (bool, string) {
	resp := h.Check(ctx)
	checkers, _ := h.snapshot()
	for _, checker := range checkers {
		if !checker.IsCritical() {
			continue
		}
		if comp, ok := resp.Components[checker.Name()]; ok && comp.Status == StatusDown {
			return false, checker.Name()
		}
	}
	return true, ""
}

// Handler serves the detailed health report: 200 for up or degraded, 503 for down
func (h *HealthService) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := h.Check(c.Request.Context())
		status := http.StatusOK
		if resp.Status == StatusDown {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, resp)
	}
}

// ReadyHandler answers readiness probes
func (h *HealthService) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ready, failing := h.Ready(c.Request.Context()); !ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"reason": fmt.Sprintf("critical component %s is down", failing),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// LiveHandler answers liveness probes while the process runs
func (h *HealthService) LiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "alive",
			"uptime": formatDuration(time.Since(h.startTime)),
		})
	}
}

// RegisterStandardRoutes registers /health, /health/ready and /health/live under prefix
func (h *HealthService) RegisterStandardRoutes(router gin.IRoutes, prefix string) {
	if prefix == "" {
		prefix = "/health"
	}
	router.GET(prefix, h.Handler())
	router.GET(prefix+"/ready", h.ReadyHandler())
	router.GET(prefix+"/live", h.LiveHandler())
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
