// Package resilience guards calls to remote directory servers with circuit breakers.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned while a breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

var (
	cbStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "openidx",
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	cbTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openidx",
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	cbRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openidx",
			Name:      "circuit_breaker_requests_total",
			Help:      "Total requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: success, failure, rejected
	)
)

func stateToFloat(s CircuitState) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Config configures a CircuitBreaker
type Config struct {
	Threshold    int           // consecutive failures before opening
	ResetTimeout time.Duration // how long to stay open before a trial call
	Logger       *zap.Logger
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Stats is a point-in-time view of a breaker
type Stats struct {
	Name        string       `json:"name"`
	State       CircuitState `json:"state"`
	Failures    int          `json:"failures"`
	Threshold   int          `json:"threshold"`
	LastFailure *time.Time   `json:"last_failure,omitempty"`
}

// CircuitBreaker opens after Threshold consecutive failures and rejects
// calls until ResetTimeout has passed. The next call is a trial: success
// closes the circuit, failure reopens it.
type CircuitBreaker struct {
	mu          sync.Mutex
	name        string
	cfg         Config
	failures    int
	lastFailure time.Time
	state       CircuitState
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	cbStateGauge.WithLabelValues(name).Set(0)
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
	}
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the circuit is open. Rejected calls return an error
// wrapping ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == StateOpen {
		retryAt := cb.lastFailure.Add(cb.cfg.ResetTimeout)
		if cb.cfg.Now().Before(retryAt) {
			cb.mu.Unlock()
			cbRequestsTotal.WithLabelValues(cb.name, "rejected").Inc()
			return fmt.Errorf("%s: %w until %s", cb.name, ErrCircuitOpen, retryAt.Format(time.RFC3339))
		}
		cb.transition(StateHalfOpen)
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = cb.cfg.Now()
		cbRequestsTotal.WithLabelValues(cb.name, "failure").Inc()

		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.Threshold {
			if cb.state != StateOpen {
				cb.cfg.Logger.Warn("Circuit breaker opened",
					zap.String("name", cb.name),
					zap.Int("failures", cb.failures),
					zap.Duration("reset_timeout", cb.cfg.ResetTimeout),
					zap.Error(err))
			}
			cb.transition(StateOpen)
		}
		return err
	}

	if cb.state == StateHalfOpen {
		cb.cfg.Logger.Info("Circuit breaker recovered", zap.String("name", cb.name))
	}
	cb.failures = 0
	cb.transition(StateClosed)
	cbRequestsTotal.WithLabelValues(cb.name, "success").Inc()
	return nil
}

// transition must be called with the lock held
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cbStateGauge.WithLabelValues(cb.name).Set(stateToFloat(to))
	cbTransitionsTotal.WithLabelValues(cb.name, string(from), string(to)).Inc()
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears the failure count
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.lastFailure = time.Time{}
	cb.transition(StateClosed)
}

// Stats returns current stats for health reporting
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	stats := Stats{
		Name:      cb.name,
		State:     cb.state,
		Failures:  cb.failures,
		Threshold: cb.cfg.Threshold,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		stats.LastFailure = &t
	}
	return stats
}
