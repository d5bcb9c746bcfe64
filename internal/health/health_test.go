package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openidx/identityd/internal/common/database"
	"github.com/openidx/identityd/internal/common/resilience"
	"github.com/openidx/identityd/internal/common/testutil"
	"github.com/openidx/identityd/internal/directory"
	"github.com/openidx/identityd/internal/store/memory"
)

type mockChecker struct {
	name     string
	status   string
	critical bool
}

func (m *mockChecker) Name() string { return m.name }

func (m *mockChecker) Check(ctx context.Context) ComponentStatus {
	return statusNow(m.status, 0, "")
}

func (m *mockChecker) IsCritical() bool { return m.critical }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthService_Check(t *testing.T) {
	tests := []struct {
		name           string
		checkers       []HealthChecker
		expectedStatus string
	}{
		{
			name: "all components up",
			checkers: []HealthChecker{
				&mockChecker{name: "database", status: StatusUp, critical: true},
				&mockChecker{name: "directories", status: StatusUp, critical: true},
			},
			expectedStatus: StatusUp,
		},
		{
			name: "one component degraded",
			checkers: []HealthChecker{
				&mockChecker{name: "database", status: StatusUp, critical: true},
				&mockChecker{name: "redis", status: StatusDegraded},
			},
			expectedStatus: StatusDegraded,
		},
		{
			name: "non-critical down",
			checkers: []HealthChecker{
				&mockChecker{name: "database", status: StatusUp, critical: true},
				&mockChecker{name: "redis", status: StatusDown},
			},
			expectedStatus: StatusDown,
		},
		{
			name: "down takes precedence over degraded",
			checkers: []HealthChecker{
				&mockChecker{name: "database", status: StatusDown, critical: true},
				&mockChecker{name: "redis", status: StatusDegraded},
			},
			expectedStatus: StatusDown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHealthService(zaptest.NewLogger(t))
			for _, c := range tt.checkers {
				hs.RegisterCheck(c)
			}

			result := hs.Check(context.Background())
			assert.Equal(t, tt.expectedStatus, result.Status)
			assert.Len(t, result.Components, len(tt.checkers))
			for _, c := range tt.checkers {
				assert.Equal(t, c.(*mockChecker).status, result.Components[c.Name()].Status)
			}
		})
	}
}

func TestHealthService_Ready(t *testing.T) {
	tests := []struct {
		name     string
		checkers []HealthChecker
		ready    bool
		failing  string
	}{
		{
			name:     "critical up",
			checkers: []HealthChecker{&mockChecker{name: "directories", status: StatusUp, critical: true}},
			ready:    true,
		},
		{
			name:     "critical down",
			checkers: []HealthChecker{&mockChecker{name: "directories", status: StatusDown, critical: true}},
			failing:  "directories",
		},
		{
			name:     "critical degraded is still ready",
			checkers: []HealthChecker{&mockChecker{name: "database", status: StatusDegraded, critical: true}},
			ready:    true,
		},
		{
			name: "non-critical down is still ready",
			checkers: []HealthChecker{
				&mockChecker{name: "database", status: StatusUp, critical: true},
				&mockChecker{name: "redis", status: StatusDown},
			},
			ready: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHealthService(zaptest.NewLogger(t))
			for _, c := range tt.checkers {
				hs.RegisterCheck(c)
			}
			ready, failing := hs.Ready(context.Background())
			assert.Equal(t, tt.ready, ready)
			assert.Equal(t, tt.failing, failing)
		})
	}
}

func TestHealthService_Routes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hs := NewHealthService(zaptest.NewLogger(t))
	hs.SetVersion("1.2.3")
	hs.RegisterCheck(&mockChecker{name: "directories", status: StatusDown, critical: true})

	router := gin.New()
	hs.RegisterStandardRoutes(router, "")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "1.2.3", resp.Version)
	assert.NotEmpty(t, resp.Uptime)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "critical component directories is down")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}

func TestPingChecker(t *testing.T) {
	ctx := context.Background()

	up := NewPingChecker("db", pingFunc(func(context.Context) error { return nil }), time.Second, true)
	assert.Equal(t, StatusUp, up.Check(ctx).Status)
	assert.True(t, up.IsCritical())

	down := NewPingChecker("db", pingFunc(func(context.Context) error { return errors.New("refused") }), time.Second, true)
	status := down.Check(ctx)
	assert.Equal(t, StatusDown, status.Status)
	assert.Equal(t, "refused", status.Details)

	slow := NewPingChecker("db", pingFunc(func(context.Context) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}), time.Millisecond, false)
	assert.Equal(t, StatusDegraded, slow.Check(ctx).Status)
}

func TestRedisChecker(t *testing.T) {
	m := testutil.StartMockRedis(t)
	checker := NewRedisChecker(&database.RedisClient{Client: m.Client()})
	assert.Equal(t, "redis", checker.Name())
	assert.False(t, checker.IsCritical())
	assert.Equal(t, StatusUp, checker.Check(context.Background()).Status)

	require.NoError(t, m.Shutdown())
	assert.Equal(t, StatusDown, checker.Check(context.Background()).Status)
}

func TestRegistryChecker(t *testing.T) {
	ctx := context.Background()
	store, err := memory.New()
	require.NoError(t, err)
	registry := directory.NewRegistry(directory.Dependencies{
		Store:  store,
		Hasher: directory.NewPBKDF2Hasher("", 1000),
		Logger: zaptest.NewLogger(t),
	})
	checker := NewRegistryChecker(registry)

	assert.Equal(t, StatusDown, checker.Check(ctx).Status)

	require.NoError(t, registry.Reload(ctx))
	assert.Equal(t, StatusDegraded, checker.Check(ctx).Status)

	require.NoError(t, store.CreateDirectory(ctx, &directory.Descriptor{ID: "d1", Type: "internal", Name: "Staff"}))
	require.NoError(t, registry.Reload(ctx))
	status := checker.Check(ctx)
	assert.Equal(t, StatusUp, status.Status)
	assert.Equal(t, "1 directories loaded", status.Details)
}

func TestFuncChecker(t *testing.T) {
	calls := 0
	hs := NewHealthService(zaptest.NewLogger(t))
	hs.RegisterCheck(NewFuncChecker("func", func(ctx context.Context) ComponentStatus {
		calls++
		return statusNow(StatusUp, 10*time.Millisecond, "func check")
	}, true))

	result := hs.Check(context.Background())
	assert.Equal(t, 1, calls)
	assert.Equal(t, "func check", result.Components["func"].Details)
	assert.Equal(t, float64(10), result.Components["func"].LatencyMS)
}

func TestBreakerChecker(t *testing.T) {
	breakers := resilience.NewRegistry(resilience.Config{Threshold: 1, ResetTimeout: time.Hour})
	checker := NewBreakerChecker(breakers)
	assert.False(t, checker.IsCritical())

	breakers.Breaker("ldap://dc1:389")
	assert.Equal(t, StatusUp, checker.Check(context.Background()).Status)

	_ = breakers.Breaker("ldap://dc1:389").Execute(func() error { return errors.New("refused") })
	status := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Contains(t, status.Details, "ldap://dc1:389")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{time.Second, "1s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 30*time.Minute, "2h 30m 0s"},
		{2*24*time.Hour + 3*time.Hour + 45*time.Minute + 30*time.Second, "2d 3h 45m 30s"},
	}
	for _, tt := range tests {
		t.Run(tt.input.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.input))
		})
	}
}
