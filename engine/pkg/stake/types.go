// Package stake implements the staking position lifecycle and the global
// aggregate ledger: opening positions, early/normal close with cooldown,
// time-weighted reward claims with vesting receipts, and the scheduler entry
// points that advance epochs and finalize expired cooldowns.
package stake

import (
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
)

// Position is one stake of principal for a chosen duration and tier.
// Identity is (Owner, Seed); the derived ledger address is reported in
// results but never stored as authoritative state.
type Position struct {
	Owner solana.PublicKey
	Seed  string

	PrincipalAmount   uint64
	DurationMonths    uint32
	TierID            uint32
	TierPenaltyRateBp uint64 // copied from the tier at open time
	PowerMultiplierBp uint64
	StakingPower      uint64 // always floor(principal * multiplier / 10000)

	StartTs       time.Time
	UnlockTs      time.Time
	LastAccrualTs time.Time
	LastClaimTs   time.Time

	// CooldownEndTs and PendingPrincipal are set together by InitiateClose
	// and cleared together by finalization.
	CooldownEndTs    *time.Time
	PendingPrincipal *uint64

	Active bool

	// TotalsReleased guards the one-time aggregate decrement shared between
	// user-initiated FinalizeClose and the scheduler's cooldown sweep.
	TotalsReleased bool
}

// Key returns the position's map key.
func (p *Position) Key() string {
	return PositionKey(p.Owner, p.Seed)
}

// PositionKey builds the canonical key for an (owner, seed) pair.
func PositionKey(owner solana.PublicKey, seed string) string {
	return owner.String() + "/" + seed
}

// RewardReceipt is a vesting claim: the reward amount is frozen at claim time
// and becomes withdrawable once VestTs has passed.
type RewardReceipt struct {
	Owner        solana.PublicKey
	PositionSeed string
	NFTSeed      string
	RewardAmount uint64
	CreatedTs    time.Time
	VestTs       time.Time
	Active       bool
}

// Key returns the receipt's map key.
func (r *RewardReceipt) Key() string {
	return ReceiptKey(r.Owner, r.NFTSeed)
}

// ReceiptKey builds the canonical key for an (owner, nftSeed) pair.
func ReceiptKey(owner solana.PublicKey, nftSeed string) string {
	return owner.String() + "/" + nftSeed
}

// PenaltyRecord is the append-only audit row written for each early close.
// The treasury share is logged here, not held locally.
type PenaltyRecord struct {
	Owner             solana.PublicKey
	PositionSeed      string
	PenaltyAmount     uint64
	ToRewardPool      uint64
	ToTreasury        uint64
	TierPenaltyRateBp uint64
	CreatedTs         time.Time
}

// GlobalState is the aggregate ledger singleton. TotalStaked and
// TotalStakingPower include cooling-down positions until their one-time
// release at finalization. RewardPoolBalance is advisory under concurrent
// claims and may transiently go negative.
type GlobalState struct {
	Epoch             uint64
	EpochStartTs      time.Time
	WeeklyEmission    uint64
	TotalStaked       uint64
	TotalStakingPower uint64
	RewardPoolBalance int64
	Paused            bool
}

// Params are the engine's tunable constants.
type Params struct {
	MinStakeAmount    uint64
	CooldownPeriod    time.Duration
	MinClaimInterval  time.Duration
	VestingPeriod     time.Duration
	EpochLength       time.Duration
	EmissionRateBp    uint64
	EmissionPrecision uint64
	MaxApyBp          uint64
	MonthDuration     time.Duration
	WeekDuration      time.Duration
}

// DefaultParams returns production defaults.
func DefaultParams() Params {
	return Params{
		MinStakeAmount:    1_000_000,
		CooldownPeriod:    48 * time.Hour,
		MinClaimInterval:  7 * 24 * time.Hour,
		VestingPeriod:     365 * 24 * time.Hour,
		EpochLength:       7 * 24 * time.Hour,
		EmissionRateBp:    21,
		EmissionPrecision: 10_000,
		MaxApyBp:          5_000,
		MonthDuration:     30 * 24 * time.Hour,
		WeekDuration:      7 * 24 * time.Hour,
	}
}

// Validate fills zero fields with defaults and rejects nonsense values.
func (p *Params) Validate() error {
	def := DefaultParams()
	if p.MinStakeAmount == 0 {
		p.MinStakeAmount = def.MinStakeAmount
	}
	if p.CooldownPeriod <= 0 {
		p.CooldownPeriod = def.CooldownPeriod
	}
	if p.MinClaimInterval <= 0 {
		p.MinClaimInterval = def.MinClaimInterval
	}
	if p.VestingPeriod <= 0 {
		p.VestingPeriod = def.VestingPeriod
	}
	if p.EpochLength <= 0 {
		p.EpochLength = def.EpochLength
	}
	if p.EmissionPrecision == 0 {
		p.EmissionPrecision = def.EmissionPrecision
	}
	if p.EmissionRateBp == 0 {
		p.EmissionRateBp = def.EmissionRateBp
	}
	if p.EmissionRateBp > p.EmissionPrecision {
		return errors.New("emission rate exceeds precision")
	}
	if p.MaxApyBp == 0 {
		p.MaxApyBp = def.MaxApyBp
	}
	if p.MonthDuration <= 0 {
		p.MonthDuration = def.MonthDuration
	}
	if p.WeekDuration <= 0 {
		p.WeekDuration = def.WeekDuration
	}
	return nil
}

// IntentKind names the intended external-ledger transition.
type IntentKind string

const (
	IntentOpen     IntentKind = "open"
	IntentClose    IntentKind = "close"
	IntentWithdraw IntentKind = "withdraw"
	IntentClaim    IntentKind = "claim"
	IntentVest     IntentKind = "vest"
)

// Intent describes a committed local transition awaiting external-ledger
// submission. The engine fires intents asynchronously; submission never
// blocks or rolls back the local commit.
type Intent struct {
	Kind      IntentKind
	Owner     solana.PublicKey
	Address   solana.PublicKey
	Seed      string
	Amount    uint64
	CreatedTs time.Time
}

// IntentSink receives intents for asynchronous submission. Enqueue must not
// block; implementations drop and surface intents they cannot buffer.
type IntentSink interface {
	Enqueue(Intent)
}

// Clock is the subset of clockwork used by the engine, aliased for config
// readability.
type Clock = clockwork.Clock
