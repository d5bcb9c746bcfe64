package directory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/openidx/identityd/internal/directory"
)

func TestScheduler_PeriodicReload(t *testing.T) {
	env := newTestEnv(t)
	r := directory.NewRegistry(env.deps)
	s := directory.NewScheduler(r, 10*time.Millisecond, zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	env.addDirectory(t, "int-1", "internal", "Staff", nil)
	assert.Eventually(t, func() bool {
		return r.IsInternal("int-1")
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_StopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	s := directory.NewScheduler(directory.NewRegistry(env.deps), time.Hour, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler ignored context cancellation")
	}
}

func TestScheduler_TriggerReload(t *testing.T) {
	env := newTestEnv(t)
	// triggered reloads may outlive the test
	env.deps.Logger = zap.NewNop()
	r := directory.NewRegistry(env.deps)
	s := directory.NewScheduler(r, 0, zap.NewNop())

	// a disabled interval returns immediately
	s.Start(context.Background())
	assert.False(t, r.Loaded())

	env.addDirectory(t, "int-1", "internal", "Staff", nil)
	assert.True(t, s.TriggerReload())
	assert.Eventually(t, func() bool {
		return r.Loaded() && r.IsInternal("int-1")
	}, time.Second, 5*time.Millisecond)

	// once idle another reload can be triggered
	assert.Eventually(t, s.TriggerReload, time.Second, 5*time.Millisecond)
}
