package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRunnerSurvivesCallerCancellation(t *testing.T) {
	runner := NewRunner(zap.NewNop(), 2, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var sawCancel atomic.Bool
	require.NoError(t, runner.Go(ctx, "notify", func(taskCtx context.Context) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		sawCancel.Store(taskCtx.Err() != nil)
		return nil
	}))
	<-started
	cancel()

	require.NoError(t, runner.Shutdown(context.Background()))
	assert.False(t, sawCancel.Load(), "task context must not follow the caller")
}

func TestRunnerRecoversPanicsAndLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	runner := NewRunner(zap.New(core), 1, time.Second)

	require.NoError(t, runner.Go(context.Background(), "explode", func(context.Context) error { panic("boom") }))
	require.NoError(t, runner.Go(context.Background(), "fail", func(context.Context) error { return errors.New("smtp down") }))
	require.NoError(t, runner.Shutdown(context.Background()))

	assert.Equal(t, 1, logs.FilterMessage("background task panicked").Len())
	assert.Equal(t, 1, logs.FilterMessage("background task failed").Len())
}

func TestRunnerBoundsConcurrency(t *testing.T) {
	runner := NewRunner(zap.NewNop(), 2, time.Second)

	var running, peak atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, runner.Go(context.Background(), "work", func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	require.NoError(t, runner.Shutdown(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunnerAppliesTimeoutAndRejectsAfterShutdown(t *testing.T) {
	runner := NewRunner(zap.NewNop(), 1, 10*time.Millisecond)

	var deadlineHit atomic.Bool
	require.NoError(t, runner.Go(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		deadlineHit.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	}))
	require.NoError(t, runner.Shutdown(context.Background()))
	assert.True(t, deadlineHit.Load())

	assert.ErrorIs(t, runner.Go(context.Background(), "late", func(context.Context) error { return nil }), ErrRunnerClosed)
}
