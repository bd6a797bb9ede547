// Package rewardmath holds the pure fixed-point arithmetic behind staking
// rewards and penalties. Every function is deterministic, total over its
// inputs, and rounds down: the engine may under-distribute by dust but never
// over-distributes past the mathematically entitled amount.
package rewardmath

import "math/big"

const (
	// BasisPointDenominator is the fixed-point scale: 10000 bp == 100%.
	BasisPointDenominator = 10_000

	// WeeksPerYear is the annualization factor for APY computations.
	WeeksPerYear = 52
)

// Duration bands and their staking power multipliers, in basis points.
// Longer locks earn a higher multiplier; the bands are closed on the left.
const (
	multiplierBase     = 10_000 // < 6 months
	multiplierHalfYear = 15_000 // 6–11 months
	multiplierOneYear  = 20_000 // 12–17 months
	multiplier18Months = 25_000 // 18–23 months
	multiplierTwoYears = 30_000 // 24–35 months
	multiplierThreeUp  = 40_000 // >= 36 months
)

// PowerMultiplierBp maps a lock duration to its staking power multiplier.
// Total over all inputs: anything below the first band (including zero)
// falls back to the base multiplier.
func PowerMultiplierBp(durationMonths uint32) uint64 {
	switch {
	case durationMonths >= 36:
		return multiplierThreeUp
	case durationMonths >= 24:
		return multiplierTwoYears
	case durationMonths >= 18:
		return multiplier18Months
	case durationMonths >= 12:
		return multiplierOneYear
	case durationMonths >= 6:
		return multiplierHalfYear
	default:
		return multiplierBase
	}
}

// StakingPower returns floor(principal * multiplierBp / 10000).
func StakingPower(principal, multiplierBp uint64) uint64 {
	return mulDiv(principal, multiplierBp, BasisPointDenominator)
}

// WeeklyEmission returns the pool emission for one week:
// floor(poolBalance * emissionRateBp / precision).
func WeeklyEmission(poolBalance, emissionRateBp, precision uint64) uint64 {
	if precision == 0 {
		return 0
	}
	return mulDiv(poolBalance, emissionRateBp, precision)
}

// ProRataReward computes the raw (uncapped) reward for a position holding
// userPower out of totalPower, over weeksElapsed whole weeks. Returns 0 when
// either power term is zero.
func ProRataReward(userPower, totalPower, poolBalance, weeksElapsed, emissionRateBp, precision uint64) uint64 {
	if userPower == 0 || totalPower == 0 {
		return 0
	}
	weekly := WeeklyEmission(poolBalance, emissionRateBp, precision)
	share := mulDiv(weekly, userPower, totalPower)
	return share * weeksElapsed
}

// ApplyApyCap clamps rawReward so the annualized rate never exceeds maxApyBp.
// A zero weeksElapsed passes the raw reward through unmodified (nothing to
// annualize over).
func ApplyApyCap(stakedAmount, rawReward, weeksElapsed, maxApyBp uint64) uint64 {
	if weeksElapsed == 0 || stakedAmount == 0 || rawReward == 0 {
		return rawReward
	}

	// annualizedBp = floor(raw * 52 * 10000 / (staked * weeks))
	num := new(big.Int).SetUint64(rawReward)
	num.Mul(num, big.NewInt(WeeksPerYear*BasisPointDenominator))
	den := new(big.Int).SetUint64(stakedAmount)
	den.Mul(den, new(big.Int).SetUint64(weeksElapsed))
	annualizedBp := new(big.Int).Quo(num, den)

	if annualizedBp.Cmp(new(big.Int).SetUint64(maxApyBp)) <= 0 {
		return rawReward
	}

	// capped = floor(staked * maxApyBp * weeks / (10000 * 52))
	capped := new(big.Int).SetUint64(stakedAmount)
	capped.Mul(capped, new(big.Int).SetUint64(maxApyBp))
	capped.Mul(capped, new(big.Int).SetUint64(weeksElapsed))
	capped.Quo(capped, big.NewInt(BasisPointDenominator*WeeksPerYear))
	return capped.Uint64()
}

// Split is the outcome of an early-exit penalty computation. The reward pool
// and treasury shares are each floor(penalty/2); an odd penalty leaves one
// unit undistributed, which is accepted dust.
type Split struct {
	Penalty      uint64
	ToRewardPool uint64
	ToTreasury   uint64
}

// PenaltySplit computes the early-exit penalty for a principal at the tier's
// penalty rate and splits it between the reward pool and the treasury.
func PenaltySplit(principal, tierPenaltyRateBp uint64) Split {
	penalty := mulDiv(principal, tierPenaltyRateBp, BasisPointDenominator)
	half := penalty / 2
	return Split{
		Penalty:      penalty,
		ToRewardPool: half,
		ToTreasury:   half,
	}
}

// mulDiv returns floor(a*b/d) computed exactly; the intermediate product can
// exceed 64 bits for realistic balances.
func mulDiv(a, b, d uint64) uint64 {
	if d == 0 {
		return 0
	}
	n := new(big.Int).SetUint64(a)
	n.Mul(n, new(big.Int).SetUint64(b))
	n.Quo(n, new(big.Int).SetUint64(d))
	return n.Uint64()
}
