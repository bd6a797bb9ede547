// Package scheduler drives the engine's periodic jobs: epoch advancement and
// the cooldown sweep. Both jobs are idempotent in the engine, so the
// scheduler's only responsibilities are cadence, retry with backoff, and
// keeping a panicking job from taking the process down.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tannatlabs/stakevault/engine/pkg/metrics"
	"github.com/tannatlabs/stakevault/engine/pkg/stake"
	"github.com/tannatlabs/stakevault/utils/pkg/retry"
)

const (
	JobEpoch = "epoch_advance"
	JobSweep = "cooldown_sweep"
)

// JobError wraps a job failure with the job name and whether the underlying
// error looked transient, so operators can tell a flaky store apart from a
// bug from the logs alone.
type JobError struct {
	Job       string
	Retryable bool
	Err       error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed (retryable=%t): %v", e.Job, e.Retryable, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// Engine is the surface the scheduler drives.
type Engine interface {
	AdvanceEpoch(ctx context.Context) (stake.AdvanceResult, error)
	SweepCooldowns(ctx context.Context) (stake.SweepResult, error)
}

type Config struct {
	Logger        *slog.Logger
	Clock         clockwork.Clock
	Engine        Engine
	EpochInterval time.Duration
	SweepInterval time.Duration
	Retry         retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.EpochInterval <= 0 {
		return errors.New("epoch interval must be greater than 0")
	}
	if cfg.SweepInterval <= 0 {
		return errors.New("sweep interval must be greater than 0")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Scheduler struct {
	log *slog.Logger
	cfg Config

	epochMu sync.Mutex
	sweepMu sync.Mutex
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg}, nil
}

// Start launches one loop per job. Each loop runs its job immediately, then
// on its interval until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx, JobEpoch, s.cfg.EpochInterval, s.RunEpoch)
	go s.loop(ctx, JobSweep, s.cfg.SweepInterval, s.RunSweep)
}

func (s *Scheduler) loop(ctx context.Context, job string, interval time.Duration, run func(context.Context) error) {
	s.log.Info("scheduler: starting job loop", "job", job, "interval", interval)

	s.safeRun(ctx, job, run)

	ticker := s.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.safeRun(ctx, job, run)
		}
	}
}

func (s *Scheduler) safeRun(ctx context.Context, job string, run func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler: job panicked", "job", job, "panic", r)
			metrics.SchedulerJobTotal.WithLabelValues(job, "panic").Inc()
		}
	}()

	start := time.Now()
	err := retry.Do(ctx, s.cfg.Retry, func() error { return run(ctx) })
	metrics.SchedulerJobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("scheduler: job failed", "job", job, "error", err)
		metrics.SchedulerJobTotal.WithLabelValues(job, "error").Inc()
		return
	}
	metrics.SchedulerJobTotal.WithLabelValues(job, "success").Inc()
}

// RunEpoch advances the epoch once if due.
func (s *Scheduler) RunEpoch(ctx context.Context) error {
	s.epochMu.Lock()
	defer s.epochMu.Unlock()

	res, err := s.cfg.Engine.AdvanceEpoch(ctx)
	if err != nil {
		return &JobError{Job: JobEpoch, Retryable: retry.IsRetryable(err), Err: err}
	}
	if res.Skipped {
		s.log.Debug("scheduler: epoch advance skipped", "reason", res.Reason, "epoch", res.Epoch)
		return nil
	}
	s.log.Info("scheduler: epoch advanced",
		"epoch", res.Epoch, "weekly_emission", res.WeeklyEmission, "touched", res.Touched)
	return nil
}

// RunSweep finalizes elapsed cooldowns once.
func (s *Scheduler) RunSweep(ctx context.Context) error {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	res, err := s.cfg.Engine.SweepCooldowns(ctx)
	if err != nil {
		return &JobError{Job: JobSweep, Retryable: retry.IsRetryable(err), Err: err}
	}
	if res.Finalized > 0 {
		s.log.Info("scheduler: cooldowns swept",
			"checked", res.Checked, "finalized", res.Finalized, "released", res.Released)
	}
	return nil
}
