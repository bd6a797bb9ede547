package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/tannatlabs/stakevault/engine/pkg/scheduler"
	"github.com/tannatlabs/stakevault/engine/pkg/stake"
	"github.com/tannatlabs/stakevault/utils/pkg/retry"
	vaulttesting "github.com/tannatlabs/stakevault/utils/pkg/testing"
)

type mockEngine struct {
	advanceFunc func(ctx context.Context) (stake.AdvanceResult, error)
	sweepFunc   func(ctx context.Context) (stake.SweepResult, error)
}

func (m *mockEngine) AdvanceEpoch(ctx context.Context) (stake.AdvanceResult, error) {
	return m.advanceFunc(ctx)
}

func (m *mockEngine) SweepCooldowns(ctx context.Context) (stake.SweepResult, error) {
	return m.sweepFunc(ctx)
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestVault_Scheduler_Validate(t *testing.T) {
	t.Parallel()

	engine := &mockEngine{}

	_, err := scheduler.New(scheduler.Config{
		Logger:        vaulttesting.NewLogger(),
		Engine:        engine,
		SweepInterval: time.Minute,
	})
	require.Error(t, err)

	_, err = scheduler.New(scheduler.Config{
		Logger:        vaulttesting.NewLogger(),
		EpochInterval: time.Minute,
		SweepInterval: time.Minute,
	})
	require.Error(t, err)

	_, err = scheduler.New(scheduler.Config{
		Logger:        vaulttesting.NewLogger(),
		Engine:        engine,
		EpochInterval: time.Minute,
		SweepInterval: time.Minute,
	})
	require.NoError(t, err)
}

func TestVault_Scheduler_RunEpoch(t *testing.T) {
	t.Parallel()

	t.Run("propagates engine errors", func(t *testing.T) {
		t.Parallel()
		engine := &mockEngine{
			advanceFunc: func(ctx context.Context) (stake.AdvanceResult, error) {
				return stake.AdvanceResult{}, errors.New("store unavailable")
			},
		}
		s, err := scheduler.New(scheduler.Config{
			Logger:        vaulttesting.NewLogger(),
			Engine:        engine,
			EpochInterval: time.Minute,
			SweepInterval: time.Minute,
			Retry:         fastRetry(),
		})
		require.NoError(t, err)

		err = s.RunEpoch(context.Background())
		require.Error(t, err)
		var jobErr *scheduler.JobError
		require.ErrorAs(t, err, &jobErr)
		require.Equal(t, scheduler.JobEpoch, jobErr.Job)
		require.False(t, jobErr.Retryable)
	})

	t.Run("skipped advance is not an error", func(t *testing.T) {
		t.Parallel()
		engine := &mockEngine{
			advanceFunc: func(ctx context.Context) (stake.AdvanceResult, error) {
				return stake.AdvanceResult{Skipped: true, Reason: "epoch window not elapsed"}, nil
			},
		}
		s, err := scheduler.New(scheduler.Config{
			Logger:        vaulttesting.NewLogger(),
			Engine:        engine,
			EpochInterval: time.Minute,
			SweepInterval: time.Minute,
		})
		require.NoError(t, err)

		require.NoError(t, s.RunEpoch(context.Background()))
	})
}

func TestVault_Scheduler_Loop(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	var epochRuns, sweepRuns atomic.Int64
	epochRan := make(chan struct{}, 16)
	sweepRan := make(chan struct{}, 16)

	engine := &mockEngine{
		advanceFunc: func(ctx context.Context) (stake.AdvanceResult, error) {
			epochRuns.Add(1)
			epochRan <- struct{}{}
			return stake.AdvanceResult{Skipped: true}, nil
		},
		sweepFunc: func(ctx context.Context) (stake.SweepResult, error) {
			sweepRuns.Add(1)
			sweepRan <- struct{}{}
			return stake.SweepResult{}, nil
		},
	}

	s, err := scheduler.New(scheduler.Config{
		Logger:        vaulttesting.NewLogger(),
		Clock:         clock,
		Engine:        engine,
		EpochInterval: time.Hour,
		SweepInterval: time.Minute,
		Retry:         fastRetry(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// Both jobs run once at startup.
	waitSignal(t, epochRan)
	waitSignal(t, sweepRan)

	// Advancing one sweep interval fires only the sweep.
	clock.Advance(time.Minute)
	waitSignal(t, sweepRan)
	require.Equal(t, int64(1), epochRuns.Load())

	clock.Advance(time.Hour)
	waitSignal(t, epochRan)
	require.GreaterOrEqual(t, sweepRuns.Load(), int64(2))
}

func TestVault_Scheduler_Retry(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	done := make(chan struct{})
	engine := &mockEngine{
		advanceFunc: func(ctx context.Context) (stake.AdvanceResult, error) {
			if attempts.Add(1) < 3 {
				return stake.AdvanceResult{}, errors.New("connection refused")
			}
			close(done)
			return stake.AdvanceResult{Skipped: true}, nil
		},
		sweepFunc: func(ctx context.Context) (stake.SweepResult, error) {
			return stake.SweepResult{}, nil
		},
	}

	s, err := scheduler.New(scheduler.Config{
		Logger:        vaulttesting.NewLogger(),
		Engine:        engine,
		EpochInterval: time.Hour,
		SweepInterval: time.Hour,
		Retry:         fastRetry(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	waitSignal(t, done)
	require.Equal(t, int64(3), attempts.Load())
}

func waitSignal[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job run")
	}
}
