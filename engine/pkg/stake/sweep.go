package stake

import (
	"context"
	"errors"
	"fmt"

	"github.com/tannatlabs/stakevault/engine/pkg/metrics"
	"github.com/tannatlabs/stakevault/engine/pkg/rewardmath"
)

// AdvanceResult reports an epoch advance attempt.
type AdvanceResult struct {
	Skipped        bool
	Reason         string
	Epoch          uint64
	WeeklyEmission uint64
	Touched        int
}

// AdvanceEpoch rolls the engine into the next epoch if a full epoch length
// has elapsed, recomputing the weekly emission from the current pool balance
// and touching every active position's accrual timestamp. Calling it early is
// a no-op, so the scheduler may fire it as often as it likes.
func (e *Engine) AdvanceEpoch(ctx context.Context) (AdvanceResult, error) {
	e.advanceMu.Lock()
	defer e.advanceMu.Unlock()

	now := e.clock.Now().UTC()

	e.mu.Lock()
	g := e.global
	e.mu.Unlock()

	if g.Paused {
		return AdvanceResult{Skipped: true, Reason: "paused", Epoch: g.Epoch}, nil
	}
	if now.Sub(g.EpochStartTs) < e.cfg.Params.EpochLength {
		return AdvanceResult{Skipped: true, Reason: "epoch window not elapsed", Epoch: g.Epoch}, nil
	}

	pool := g.RewardPoolBalance
	if pool < 0 {
		pool = 0
	}
	emission := rewardmath.WeeklyEmission(uint64(pool), e.cfg.Params.EmissionRateBp, e.cfg.Params.EmissionPrecision)

	up := EpochUpdate{Epoch: g.Epoch + 1, EpochStartTs: now, WeeklyEmission: emission}
	if err := e.commit(ctx, Change{Epoch: &up}); err != nil {
		return AdvanceResult{}, fmt.Errorf("failed to commit epoch advance: %w", err)
	}

	e.mu.Lock()
	keys := make([]string, 0, len(e.positions))
	for k, p := range e.positions {
		if p.Active {
			keys = append(keys, k)
		}
	}
	e.mu.Unlock()

	res := AdvanceResult{Epoch: up.Epoch, WeeklyEmission: emission}
	for _, k := range keys {
		unlock := e.locks.lock(k)
		pc, ok := e.getPosition(k)
		if !ok || !pc.Active {
			unlock()
			continue
		}
		pc.LastAccrualTs = now
		err := e.commit(ctx, Change{Position: &pc})
		unlock()
		if err != nil {
			return res, fmt.Errorf("failed to touch position %s: %w", k, err)
		}
		res.Touched++
	}

	e.log.Info("engine: epoch advanced",
		"epoch", res.Epoch, "weekly_emission", emission, "touched", res.Touched)

	return res, nil
}

// SweepResult reports a cooldown sweep pass.
type SweepResult struct {
	Checked   int
	Finalized int
	Released  uint64
}

// SweepCooldowns finalizes every position whose cooldown has elapsed and
// whose pending principal was never collected by the owner. Positions
// finalized by the owner between the scan and the per-position lock are
// skipped, and positions already swept are never decremented again.
func (e *Engine) SweepCooldowns(ctx context.Context) (SweepResult, error) {
	now := e.clock.Now().UTC()

	e.mu.Lock()
	var candidates []string
	for k, p := range e.positions {
		if !p.Active && p.CooldownEndTs != nil && !now.Before(*p.CooldownEndTs) {
			candidates = append(candidates, k)
		}
	}
	e.mu.Unlock()

	res := SweepResult{Checked: len(candidates)}
	for _, k := range candidates {
		unlock := e.locks.lock(k)
		amount, _, err := e.finalize(ctx, k, e.clock.Now().UTC())
		unlock()
		switch {
		case err == nil:
			res.Finalized++
			res.Released += amount
		case errors.Is(err, ErrNoCooldown), errors.Is(err, ErrNotFound), errors.Is(err, ErrStillActive):
			// Finalized or reopened concurrently; nothing to do.
		default:
			var cne *CooldownNotElapsedError
			if errors.As(err, &cne) {
				continue
			}
			return res, fmt.Errorf("failed to sweep %s: %w", k, err)
		}
	}

	if res.Finalized > 0 {
		e.log.Info("engine: cooldowns swept", "checked", res.Checked, "finalized", res.Finalized, "released", res.Released)
	}

	return res, nil
}

// DriftReport compares the aggregate ledger against a recomputation from
// individual positions. Positions in cooldown keep contributing to the
// aggregates until their totals are released, so the report counts them in.
type DriftReport struct {
	TotalStakedDrift  int64
	StakingPowerDrift int64
	CoolingDown       int
	PoolNegative      bool
}

func (r DriftReport) Clean() bool {
	return r.TotalStakedDrift == 0 && r.StakingPowerDrift == 0 && !r.PoolNegative
}

// CheckInvariants recomputes the aggregates from positions and reports any
// drift against the ledger.
func (e *Engine) CheckInvariants() DriftReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	var sumStaked, sumPower uint64
	cooling := 0
	for _, p := range e.positions {
		if p.Active {
			sumStaked += p.PrincipalAmount
			sumPower += p.StakingPower
			continue
		}
		if !p.TotalsReleased {
			sumStaked += p.PrincipalAmount
			sumPower += p.StakingPower
			cooling++
		}
	}

	r := DriftReport{
		TotalStakedDrift:  int64(e.global.TotalStaked) - int64(sumStaked),
		StakingPowerDrift: int64(e.global.TotalStakingPower) - int64(sumPower),
		CoolingDown:       cooling,
		PoolNegative:      e.global.RewardPoolBalance < 0,
	}
	metrics.AggregateDrift.WithLabelValues("total_staked").Set(float64(r.TotalStakedDrift))
	metrics.AggregateDrift.WithLabelValues("staking_power").Set(float64(r.StakingPowerDrift))

	if !r.Clean() {
		e.log.Error("engine: aggregate drift detected",
			"total_staked_drift", r.TotalStakedDrift,
			"staking_power_drift", r.StakingPowerDrift,
			"pool_negative", r.PoolNegative)
	}

	return r
}
