package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openidx/identityd/internal/common/database"
	"github.com/openidx/identityd/internal/common/resilience"
	"github.com/openidx/identityd/internal/directory"
)

func statusNow(status string, latency time.Duration, details string) ComponentStatus {
	return ComponentStatus{
		Status:    status,
		LatencyMS: float64(latency.Milliseconds()),
		Details:   details,
		CheckedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// Pinger is a dependency with a liveness round trip
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a dependency down when its ping fails and degraded when
// the round trip exceeds the latency budget
type PingChecker struct {
	name     string
	target   Pinger
	degraded time.Duration
	critical bool
}

// NewPingChecker creates a checker for any Pinger
func NewPingChecker(name string, target Pinger, degradedAfter time.Duration, critical bool) *PingChecker {
	return &PingChecker{name: name, target: target, degraded: degradedAfter, critical: critical}
}

// NewPostgresChecker checks the directory store database
func NewPostgresChecker(db *database.PostgresDB) *PingChecker {
	return NewPingChecker("database", db, 500*time.Millisecond, true)
}

// NewRedisChecker checks the security code cache. Only password resets depend
// on it, so it is not critical for readiness.
func NewRedisChecker(redis *database.RedisClient) *PingChecker {
	return NewPingChecker("redis", redis, 200*time.Millisecond, false)
}

func (p *PingChecker) Name() string { return p.name }

func (p *PingChecker) IsCritical() bool { return p.critical }

func (p *PingChecker) Check(ctx context.Context) ComponentStatus {
	start := time.Now()
	err := p.target.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return statusNow(StatusDown, latency, err.Error())
	}
	if p.degraded > 0 && latency > p.degraded {
		return statusNow(StatusDegraded, latency, "high latency")
	}
	return statusNow(StatusUp, latency, "")
}

// DirectoryState is the registry view the directory checker needs
type DirectoryState interface {
	Loaded() bool
	Directories() []directory.LoadedDirectory
}

// RegistryChecker reports whether the directory registry has completed a load
type RegistryChecker struct {
	registry DirectoryState
}

// NewRegistryChecker creates a critical checker over the directory registry
func NewRegistryChecker(registry DirectoryState) *RegistryChecker {
	return &RegistryChecker{registry: registry}
}

func (r *RegistryChecker) Name() string { return "directories" }

func (r *RegistryChecker) IsCritical() bool { return true }

func (r *RegistryChecker) Check(ctx context.Context) ComponentStatus {
	if !r.registry.Loaded() {
		return statusNow(StatusDown, 0, "directories not loaded")
	}
	dirs := r.registry.Directories()
	if len(dirs) == 0 {
		return statusNow(StatusDegraded, 0, "no directories loaded")
	}
	return statusNow(StatusUp, 0, fmt.Sprintf("%d directories loaded", len(dirs)))
}

// NewBreakerChecker reports degraded while any LDAP endpoint circuit is open
func NewBreakerChecker(breakers *resilience.Registry) *FuncChecker {
	return NewFuncChecker("ldap_endpoints", func(context.Context) ComponentStatus {
		if open := breakers.Open(); len(open) > 0 {
			return statusNow(StatusDegraded, 0, "circuit open: "+strings.Join(open, ", "))
		}
		return statusNow(StatusUp, 0, "")
	}, false)
}

// FuncChecker adapts a function into a checker
type FuncChecker struct {
	name     string
	check    func(context.Context) ComponentStatus
	critical bool
}

// NewFuncChecker creates a checker from a function
func NewFuncChecker(name string, check func(context.Context) ComponentStatus, critical bool) *FuncChecker {
	return &FuncChecker{name: name, check: check, critical: critical}
}

func (f *FuncChecker) Name() string { return f.name }

func (f *FuncChecker) IsCritical() bool { return f.critical }

func (f *FuncChecker) Check(ctx context.Context) ComponentStatus { return f.check(ctx) }
