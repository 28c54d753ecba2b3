// Package runtime coordinates process lifecycle for the crew CLI:
// signal-driven run cancellation and ordered resource cleanup.
package runtime

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/avhart/crew/internal/logging"
)

// CleanupFunc releases one resource during shutdown.
type CleanupFunc func(ctx context.Context) error

type namedCleanup struct {
	name string
	fn   CleanupFunc
}

// DefaultCleanupTimeout bounds how long shutdown waits for cleanups.
const DefaultCleanupTimeout = 10 * time.Second

// Manager owns the process context and the cleanup stack. The first
// termination signal cancels the context so a live run can wind down
// its workers; a second signal exits immediately.
type Manager struct {
	mu       sync.Mutex
	cleanups []namedCleanup

	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	once    sync.Once
}

// NewManager creates a lifecycle manager. A zero timeout uses the default.
func NewManager(logger *zap.Logger, timeout time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultCleanupTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Context is canceled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// OnCleanup registers a cleanup. Cleanups run in reverse registration
// order, so dependents register after their dependencies.
func (m *Manager) OnCleanup(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, namedCleanup{name: name, fn: fn})
}

// ListenForSignals installs the SIGINT/SIGTERM handler. Non-blocking.
func (m *Manager) ListenForSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		m.logger.Warn("shutdown signal received, canceling run",
			zap.String("signal", sig.String()))
		m.cancel()

		sig = <-sigCh
		m.logger.Error("second signal, exiting without cleanup",
			zap.String("signal", sig.String()))
		os.Exit(130)
	}()
}

// Shutdown cancels the context and runs every cleanup once, newest
// first. Safe to call multiple times.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		m.mu.Lock()
		cleanups := make([]namedCleanup, len(m.cleanups))
		copy(cleanups, m.cleanups)
		m.mu.Unlock()

		for i := len(cleanups) - 1; i >= 0; i-- {
			m.runCleanup(ctx, cleanups[i])
		}
	})
}

// runCleanup runs one cleanup, logging failures and containing panics
// so the rest of the stack still runs.
func (m *Manager) runCleanup(ctx context.Context, c namedCleanup) {
	defer logging.Recover(m.logger, "cleanup "+c.name)

	start := time.Now()
	if err := c.fn(ctx); err != nil {
		m.logger.Warn("cleanup failed",
			zap.String("name", c.name),
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
		return
	}
	m.logger.Debug("cleanup done",
		zap.String("name", c.name),
		zap.Duration("took", time.Since(start)))
}
