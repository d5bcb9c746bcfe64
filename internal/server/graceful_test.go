package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(name string, err error) Shutdownable {
	return NewShutdownFunc(name, func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.order = append(r.order, name)
		return err
	})
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

func TestShutdownFunc(t *testing.T) {
	called := false
	fn := NewShutdownFunc("test", func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.Equal(t, "test", fn.Name())
	require.NoError(t, fn.Shutdown(context.Background()))
	assert.True(t, called)

	failing := NewShutdownFunc("failing", func(context.Context) error { return assert.AnError })
	assert.Equal(t, assert.AnError, failing.Shutdown(context.Background()))
}

func TestCloser(t *testing.T) {
	closed := false
	c := Closer("redis", closeFunc(func() error { closed = true; return nil }))

	assert.Equal(t, "redis", c.Name())
	require.NoError(t, c.Shutdown(context.Background()))
	assert.True(t, closed)
}

func TestShutdown_ReverseOrderAndOnce(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	gs := New(Config{Logger: zap.New(core), ShutdownTimeout: time.Second})

	rec := &recorder{}
	gs.Add(rec.add("database", nil))
	gs.Add(rec.add("redis", assert.AnError))
	gs.Add(rec.add("scheduler", nil))

	gs.Shutdown()
	gs.Shutdown()

	assert.Equal(t, []string{"scheduler", "redis", "database"}, rec.order)
	failures := logs.FilterMessage("Error shutting down component").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "redis", failures[0].ContextMap()["name"])
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})}
	gs := New(Config{
		Server: server,
		Logger: zap.NewNop(),
		Listen: func(s *http.Server) error { return s.Serve(ln) },
	})
	rec := &recorder{}
	gs.Add(rec.add("tracer", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gs.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, []string{"tracer"}, rec.order)

	_, err = http.Get("http://" + ln.Addr().String())
	assert.Error(t, err)
}

func TestRun_ListenerFailure(t *testing.T) {
	gs := New(Config{
		Server: &http.Server{},
		Logger: zap.NewNop(),
		Listen: func(*http.Server) error { return errors.New("address in use") },
	})
	rec := &recorder{}
	gs.Add(rec.add("database", nil))

	err := gs.Run(context.Background())
	assert.EqualError(t, err, "address in use")
	assert.Equal(t, []string{"database"}, rec.order)
}

func TestRun_Trigger(t *testing.T) {
	gs := New(Config{Logger: zap.NewNop()})
	gs.Trigger()

	done := make(chan error, 1)
	go func() { done <- gs.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Trigger")
	}
}
