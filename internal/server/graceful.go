// Package server runs the ops HTTP server and shuts the process down in order.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Shutdownable is a component released during shutdown
type Shutdownable interface {
	Shutdown(ctx context.Context) error
	Name() string
}

// ShutdownFunc adapts a function into a Shutdownable
type ShutdownFunc struct {
	name string
	fn   func(context.Context) error
}

// NewShutdownFunc creates a Shutdownable from a function
func NewShutdownFunc(name string, fn func(context.Context) error) *ShutdownFunc {
	return &ShutdownFunc{name: name, fn: fn}
}

func (s *ShutdownFunc) Name() string { return s.name }

func (s *ShutdownFunc) Shutdown(ctx context.Context) error { return s.fn(ctx) }

// Closer wraps anything with a Close method
func Closer(name string, c interface{ Close() error }) Shutdownable {
	return NewShutdownFunc(name, func(context.Context) error { return c.Close() })
}

// ListenFunc starts serving on an already configured server
type ListenFunc func(server *http.Server) error

// GracefulShutdown runs the HTTP server until a signal or context
// cancellation, then stops it and releases components in reverse order of
// registration.
type GracefulShutdown struct {
	server          *http.Server
	logger          *zap.Logger
	shutdownTimeout time.Duration
	listen          ListenFunc
	signals         chan os.Signal

	mu            sync.Mutex
	shutdownables []Shutdownable
	once          sync.Once
}

// Config holds configuration for graceful shutdown
type Config struct {
	Server          *http.Server
	Logger          *zap.Logger
	ShutdownTimeout time.Duration
	// Listen defaults to server.ListenAndServe
	Listen ListenFunc
}

// New creates a new GracefulShutdown manager
func New(cfg Config) *GracefulShutdown {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Listen == nil {
		cfg.Listen = func(s *http.Server) error { return s.ListenAndServe() }
	}
	return &GracefulShutdown{
		server:          cfg.Server,
		logger:          cfg.Logger.With(zap.String("component", "shutdown")),
		shutdownTimeout: cfg.ShutdownTimeout,
		listen:          cfg.Listen,
		signals:         make(chan os.Signal, 1),
	}
}

// Add registers a component. Components are released last-in first-out.
func (g *GracefulShutdown) Add(s Shutdownable) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdownables = append(g.shutdownables, s)
}

// AddFunc registers a shutdown function
func (g *GracefulShutdown) AddFunc(name string, fn func(context.Context) error) {
	g.Add(NewShutdownFunc(name, fn))
}

// Run serves until SIGINT, SIGTERM, ctx cancellation or a listener failure,
// then shuts down. It returns the listener error, if any.
func (g *GracefulShutdown) Run(ctx context.Context) error {
	signal.Notify(g.signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(g.signals)

	serveErr := make(chan error, 1)
	if g.server != nil {
		go func() {
			g.logger.Info("Server listening", zap.String("addr", g.server.Addr))
			if err := g.listen(g.server); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	var err error
	select {
	case sig := <-g.signals:
		g.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		g.logger.Info("Context cancelled, initiating shutdown")
	case err = <-serveErr:
		g.logger.Error("Server failed", zap.Error(err))
	}

	g.Shutdown()
	return err
}

// Trigger requests shutdown of a running Run
func (g *GracefulShutdown) Trigger() {
	select {
	case g.signals <- syscall.SIGTERM:
	default:
	}
}

// Shutdown stops the server and releases every component once
func (g *GracefulShutdown) Shutdown() {
	g.once.Do(g.shutdown)
}

func (g *GracefulShutdown) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), g.shutdownTimeout)
	defer cancel()

	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Warn("Server shutdown incomplete, forcing close", zap.Error(err))
			_ = g.server.Close()
		} else {
			g.logger.Info("HTTP server stopped")
		}
	}

	g.mu.Lock()
	components := make([]Shutdownable, len(g.shutdownables))
	copy(components, g.shutdownables)
	g.mu.Unlock()

	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if err := c.Shutdown(ctx); err != nil {
			g.logger.Error("Error shutting down component",
				zap.String("name", c.Name()),
				zap.Error(err))
			continue
		}
		g.logger.Debug("Component shut down", zap.String("name", c.Name()))
	}

	g.logger.Info("Graceful shutdown complete")
}
