// Package metrics provides Prometheus metrics for the identity directory service
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics for the ops surface
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openidx",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "openidx",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method", "path"},
	)
)

// Directory metrics
var (
	// AuthAttemptsTotal counts authentication attempts per backend type
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openidx",
			Subsystem: "directory",
			Name:      "auth_attempts_total",
			Help:      "Total number of authentication attempts",
		},
		[]string{"directory_type", "outcome"}, // outcome: success, not_found, locked, expired, failure, error
	)

	passwordChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openidx",
			Subsystem: "directory",
			Name:      "password_changes_total",
			Help:      "Total number of password changes",
		},
		[]string{"kind", "outcome"}, // kind: change, admin, reset
	)

	reloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openidx",
			Subsystem: "directory",
			Name:      "reloads_total",
			Help:      "Total number of directory registry reloads",
		},
		[]string{"outcome"},
	)

	reloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "openidx",
			Subsystem: "directory",
			Name:      "reload_duration_seconds",
			Help:      "Time taken to rebuild the directory registry",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	backendsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "openidx",
			Subsystem: "directory",
			Name:      "backends",
			Help:      "Number of live directory backends",
		},
		[]string{"type"},
	)

	skippedDescriptorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "openidx",
			Subsystem: "directory",
			Name:      "skipped_descriptors_total",
			Help:      "Descriptors that failed to build during reload",
		},
	)

	ldapOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openidx",
			Subsystem: "directory",
			Name:      "ldap_operations_total",
			Help:      "Total number of LDAP operations",
		},
		[]string{"operation", "outcome"},
	)

	ldapOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "openidx",
			Subsystem: "directory",
			Name:      "ldap_operation_duration_seconds",
			Help:      "LDAP operation latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	securityCodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openidx",
			Subsystem: "directory",
			Name:      "security_codes_total",
			Help:      "Password reset security codes issued and verified",
		},
		[]string{"operation", "outcome"}, // operation: issue, verify
	)
)

// Middleware returns a Gin middleware that records HTTP metrics.
// serviceName is used as the "service" label on all metrics.
func Middleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		if path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		httpRequestsTotal.WithLabelValues(serviceName, method, path, status).Inc()
		httpRequestDuration.WithLabelValues(serviceName, method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns a gin.HandlerFunc that serves Prometheus metrics.
// Register this on the "/metrics" route.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAuthAttempt records an authentication attempt
func RecordAuthAttempt(directoryType, outcome string) {
	AuthAttemptsTotal.WithLabelValues(directoryType, outcome).Inc()
}

// RecordPasswordChange records a password change of the given kind
func RecordPasswordChange(kind, outcome string) {
	passwordChangesTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordReload records a registry reload and the resulting backend counts per type
func RecordReload(outcome string, duration time.Duration, backendsByType map[string]int, skipped int) {
	reloadsTotal.WithLabelValues(outcome).Inc()
	reloadDuration.Observe(duration.Seconds())
	if backendsByType != nil {
		backendsGauge.Reset()
		for typ, n := range backendsByType {
			backendsGauge.WithLabelValues(typ).Set(float64(n))
		}
	}
	if skipped > 0 {
		skippedDescriptorsTotal.Add(float64(skipped))
	}
}

// RecordLDAPOperation records the outcome and latency of one LDAP operation
func RecordLDAPOperation(operation, outcome string, duration time.Duration) {
	ldapOperationsTotal.WithLabelValues(operation, outcome).Inc()
	ldapOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSecurityCode records issuance or verification of a reset security code
func RecordSecurityCode(operation, outcome string) {
	securityCodesTotal.WithLabelValues(operation, outcome).Inc()
}
