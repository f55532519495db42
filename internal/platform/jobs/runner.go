package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/keymarket/api/internal/platform/requestctx"
)

// ErrRunnerClosed is returned by Go after Shutdown has started.
var ErrRunnerClosed = errors.New("jobs: runner closed")

// Runner executes fire-and-forget tasks on detached contexts with a concurrency cap,
// a per-task timeout and panic recovery. Shutdown waits for in-flight tasks.
type Runner struct {
	logger  *zap.Logger
	timeout time.Duration
	slots   chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRunner builds a Runner; concurrency <= 0 means 16, timeout <= 0 means 30s.
func NewRunner(logger *zap.Logger, concurrency int, timeout time.Duration) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 16
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{
		logger:  logger,
		timeout: timeout,
		slots:   make(chan struct{}, concurrency),
	}
}

// Go schedules task. The task context keeps ctx values but not its cancellation, so a
// finished request does not abort the work. Failures are logged, never returned.
func (r *Runner) Go(ctx context.Context, name string, task func(context.Context) error) error {
	if task == nil {
		return fmt.Errorf("jobs: task %q is nil", name)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	detached := requestctx.Detach(ctx)
	go func() {
		defer r.wg.Done()
		r.slots <- struct{}{}
		defer func() { <-r.slots }()
		r.run(detached, name, task)
	}()
	return nil
}

func (r *Runner) run(ctx context.Context, name string, task func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	logger := requestctx.Logger(ctx)
	if logger == requestctx.NoopLogger() {
		logger = r.logger
	}
	logger = logger.With(zap.String("task", name))

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("background task panicked", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
		}
	}()

	start := time.Now()
	if err := task(ctx); err != nil {
		logger.Warn("background task failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	logger.Debug("background task finished", zap.Duration("elapsed", time.Since(start)))
}

// Shutdown stops accepting tasks and waits for running ones or ctx, whichever first.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
