package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownHook releases one resource during shutdown. Hooks run concurrently
// once the HTTP server has drained, so they must not depend on each other.
type ShutdownHook func(context.Context) error

// ShutdownManager drains the HTTP server and runs registered hooks when the
// process receives SIGINT or SIGTERM.
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	hooks map[string]ShutdownHook

	// signals is swapped out in tests to trigger shutdown without a real
	// process signal.
	signals chan os.Signal
}

// NewShutdownManager creates a shutdown manager for the given server. A zero
// timeout defaults to 30 seconds.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:  logger,
		server:  server,
		timeout: timeout,
		hooks:   make(map[string]ShutdownHook),
		signals: make(chan os.Signal, 1),
	}
}

// OnShutdown registers a named hook to run during shutdown. Registering the
// same name twice replaces the earlier hook.
func (sm *ShutdownManager) OnShutdown(name string, hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks[name] = hook
}

// Wait blocks until a termination signal arrives, then drains the server and
// runs all hooks. It returns the first error encountered, if any.
func (sm *ShutdownManager) Wait() error {
	signal.Notify(sm.signals, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sm.signals
	sm.logger.Infof("Received signal %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("HTTP server shutdown failed")
			return fmt.Errorf("http server shutdown: %w", err)
		}
		sm.logger.Info("HTTP server drained")
	}

	sm.mu.Lock()
	hooks := make(map[string]ShutdownHook, len(sm.hooks))
	for name, hook := range sm.hooks {
		hooks[name] = hook
	}
	sm.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(hooks))
	for name, hook := range hooks {
		wg.Add(1)
		go func(name string, hook ShutdownHook) {
			defer wg.Done()
			if err := hook(ctx); err != nil {
				sm.logger.WithError(err).Errorf("Shutdown hook %q failed", name)
				errs <- fmt.Errorf("shutdown hook %s: %w", name, err)
				return
			}
			sm.logger.Infof("Shutdown hook %q complete", name)
		}(name, hook)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sm.logger.Warn("Shutdown timeout reached")
		return fmt.Errorf("shutdown timed out after %s", sm.timeout)
	}

	close(errs)
	for err := range errs {
		return err
	}

	sm.logger.Info("Graceful shutdown complete")
	return nil
}
