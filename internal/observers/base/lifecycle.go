package base

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrShutdownTimeout is returned when graceful shutdown times out.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// LifecycleManager supervises an observer's goroutines and coordinates
// graceful shutdown through a shared context.
type LifecycleManager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger

	stopped atomic.Bool
	running atomic.Int32
}

// NewLifecycleManager creates a lifecycle manager rooted at ctx.
func NewLifecycleManager(ctx context.Context, logger *zap.Logger) *LifecycleManager {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	return &LifecycleManager{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Start launches a named goroutine under the manager's supervision.
func (lm *LifecycleManager) Start(name string, fn func()) {
	lm.wg.Add(1)
	lm.running.Add(1)

	go func() {
		defer lm.wg.Done()
		defer lm.running.Add(-1)

		if lm.logger != nil {
			lm.logger.Debug("Starting goroutine", zap.String("name", name))
			defer lm.logger.Debug("Goroutine stopped", zap.String("name", name))
		}

		fn()
	}()
}

// Stop cancels the context and waits up to timeout for all goroutines.
func (lm *LifecycleManager) Stop(timeout time.Duration) error {
	if !lm.stopped.CompareAndSwap(false, true) {
		return nil
	}

	if lm.logger != nil {
		lm.logger.Info("Initiating graceful shutdown",
			zap.Int32("running_goroutines", lm.running.Load()),
			zap.Duration("timeout", timeout))
	}

	lm.cancel()

	done := make(chan struct{})
	go func() {
		lm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		if lm.logger != nil {
			lm.logger.Warn("Shutdown timeout exceeded",
				zap.Int32("still_running", lm.running.Load()))
		}
		return ErrShutdownTimeout
	}
}

// Context returns the lifecycle context shared by supervised goroutines.
func (lm *LifecycleManager) Context() context.Context {
	return lm.ctx
}

// IsShuttingDown reports whether Stop has been called.
func (lm *LifecycleManager) IsShuttingDown() bool {
	return lm.stopped.Load()
}

// GetRunningGoroutines returns the number of running goroutines.
func (lm *LifecycleManager) GetRunningGoroutines() int32 {
	return lm.running.Load()
}
