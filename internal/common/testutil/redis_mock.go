// Package testutil provides testing utilities shared by the directory packages
package testutil

import (
	"fmt"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MockRedis manages a miniredis instance for testing
type MockRedis struct {
	mini    *miniredis.Miniredis
	client  *redis.Client
	logger  *zap.Logger
	mu      sync.RWMutex
	running bool
}

// NewMockRedis creates a new mock Redis instance
func NewMockRedis(logger *zap.Logger) *MockRedis {
	return &MockRedis{
		logger: logger.With(zap.String("component", "mock_redis")),
	}
}

// StartMockRedis starts a mock Redis for the duration of the test
func StartMockRedis(t testing.TB) *MockRedis {
	t.Helper()
	m := NewMockRedis(zap.NewNop())
	if err := m.Setup(); err != nil {
		t.Fatalf("failed to start mock redis: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

// Setup initializes the miniredis instance and creates a client
func (m *MockRedis) Setup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	mini, err := miniredis.Run()
	if err != nil {
		return fmt.Errorf("failed to start miniredis: %w", err)
	}

	m.mini = mini
	m.client = redis.NewClient(&redis.Options{
		Addr: mini.Addr(),
	})

	m.running = true
	m.logger.Debug("Mock Redis started", zap.String("addr", mini.Addr()))
	return nil
}

// Shutdown closes the miniredis instance
func (m *MockRedis) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	if m.client != nil {
		_ = m.client.Close()
	}
	if m.mini != nil {
		m.mini.Close()
	}

	m.running = false
	m.logger.Debug("Mock Redis stopped")
	return nil
}

// Client returns the Redis client
func (m *MockRedis) Client() *redis.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// FastForward advances the mock Redis time by the given duration.
// Used to expire password reset codes.
func (m *MockRedis) FastForward(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mini == nil {
		return fmt.Errorf("mock redis not running")
	}

	m.mini.FastForward(d)
	return nil
}

// GetString directly gets a string value from miniredis
func (m *MockRedis) GetString(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.mini == nil {
		return "", false
	}

	v, err := m.mini.Get(key)
	if err != nil {
		return "", false
	}
	return v, true
}

// Keys returns all keys matching a pattern
func (m *MockRedis) Keys(pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.mini == nil {
		return nil, fmt.Errorf("mock redis not running")
	}

	keys := m.mini.Keys()
	if pattern == "" || pattern == "*" {
		return keys, nil
	}
	var matched []string
	for _, k := range keys {
		if ok, _ := path.Match(pattern, k); ok {
			matched = append(matched, k)
		}
	}
	return matched, nil
}
