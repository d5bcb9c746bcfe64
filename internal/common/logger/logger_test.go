package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuditLogger_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	audit := NewAuditLogger(zap.New(core))

	audit.LogDirectoryChanged("create", "d1", "Staff", "internal")
	audit.LogPasswordReset("d1", "alice", AuditDenied, "invalid security code")
	audit.LogPasswordReset("d1", "alice", AuditFailure, "ServiceUnavailable")

	entries := logs.All()
	require.Len(t, entries, 3)

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "audit", fields["log_type"])
	assert.Equal(t, "directory.created", fields["event_type"])
	assert.Equal(t, "d1", fields["directory_id"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "invalid security code", entries[1].ContextMap()["reason"])
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	router := gin.New()
	router.Use(GinMiddleware(zap.New(core)))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	router.GET("/broken", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	for _, path := range []string{"/ok", "/missing", "/broken"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Request-ID", "req-1")
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "Request completed", entries[0].Message)
	assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

func TestWithTraceContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	WithTraceContext(log, context.Background()).Info("no span")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))
	WithTraceContext(log, ctx).Info("with span")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.NotContains(t, entries[0].ContextMap(), "trace_id")
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entries[1].ContextMap()["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entries[1].ContextMap()["span_id"])
}

func TestWithDirectory(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	WithComponent(WithDirectory(zap.New(core), "d1", "ldap"), "registry").Info("x")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "d1", fields["directory_id"])
	assert.Equal(t, "ldap", fields["directory_type"])
	assert.Equal(t, "registry", fields["component"])
}
