package stake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/tannatlabs/stakevault/engine/pkg/chain"
	"github.com/tannatlabs/stakevault/engine/pkg/metrics"
	"github.com/tannatlabs/stakevault/engine/pkg/rewardmath"
	"github.com/tannatlabs/stakevault/engine/pkg/tier"
)

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Store     Store
	Tiers     *tier.Catalog
	Params    Params
	ProgramID solana.PublicKey
	Intents   IntentSink // optional; nil disables submission intents
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Tiers == nil {
		return errors.New("tier catalog is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if err := cfg.Params.Validate(); err != nil {
		return err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine is the staking position and reward accounting engine. State is
// memory-authoritative with write-through persistence: every mutation commits
// a Change to the store first and is applied in memory only on success.
//
// Locking: a keyed mutex serializes lifecycle operations per (owner, seed);
// the engine mutex guards the maps and the aggregate ledger for short
// read/apply sections. No lock is ever held across an external network call;
// ledger submission is a non-blocking intent enqueue.
type Engine struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock

	locks     *keyedLocks
	advanceMu sync.Mutex

	mu        sync.Mutex
	global    GlobalState
	positions map[string]*Position
	receipts  map[string]*RewardReceipt
}

func New(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		log:       cfg.Logger,
		cfg:       cfg,
		clock:     cfg.Clock,
		locks:     newKeyedLocks(),
		positions: make(map[string]*Position),
		receipts:  make(map[string]*RewardReceipt),
	}

	snap, err := cfg.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	if snap.Global != nil {
		e.global = *snap.Global
	} else {
		// First boot: initialize the aggregate ledger singleton.
		now := e.clock.Now().UTC()
		up := EpochUpdate{Epoch: 0, EpochStartTs: now}
		if err := cfg.Store.Apply(ctx, Change{Epoch: &up}); err != nil {
			return nil, fmt.Errorf("failed to initialize global state: %w", err)
		}
		e.global = GlobalState{EpochStartTs: now}
	}
	for i := range snap.Positions {
		p := snap.Positions[i]
		e.positions[p.Key()] = &p
	}
	for i := range snap.Receipts {
		r := snap.Receipts[i]
		e.receipts[r.Key()] = &r
	}

	e.log.Info("engine: loaded state",
		"positions", len(e.positions),
		"receipts", len(e.receipts),
		"epoch", e.global.Epoch)
	e.publishGauges()

	return e, nil
}

// OpenResult reports a newly opened position and the intended ledger action.
type OpenResult struct {
	Position Position
	Address  solana.PublicKey
	Intent   Intent
}

// Open creates a new position for the owner. An empty seed gets a generated
// one; a caller-supplied seed must be unused for this owner.
func (e *Engine) Open(ctx context.Context, owner solana.PublicKey, amount uint64, durationMonths uint32, tierID uint32, seed string) (res *OpenResult, err error) {
	defer func() { recordOp("open", err) }()

	if owner.IsZero() {
		return nil, fmt.Errorf("owner is required")
	}
	if seed == "" {
		seed = chain.NewSeed()
	} else if serr := chain.ValidateSeed(seed); serr != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSeed, serr)
	}

	t, ok := e.cfg.Tiers.Get(tierID)
	if !ok || !t.Active {
		return nil, ErrInvalidTier
	}
	if !t.AllowsDuration(durationMonths) {
		return nil, ErrInvalidDuration
	}
	if amount < e.cfg.Params.MinStakeAmount {
		return nil, ErrBelowMinimumAmount
	}

	addr, err := chain.PositionAddress(e.cfg.ProgramID, owner, seed)
	if err != nil {
		return nil, err
	}

	key := PositionKey(owner, seed)
	unlock := e.locks.lock(key)
	defer unlock()

	e.mu.Lock()
	paused := e.global.Paused
	_, exists := e.positions[key]
	e.mu.Unlock()
	if paused {
		return nil, ErrProgramPaused
	}
	if exists {
		return nil, ErrSeedInUse
	}

	now := e.clock.Now().UTC()
	multiplier := rewardmath.PowerMultiplierBp(durationMonths)
	power := rewardmath.StakingPower(amount, multiplier)

	p := Position{
		Owner:             owner,
		Seed:              seed,
		PrincipalAmount:   amount,
		DurationMonths:    durationMonths,
		TierID:            tierID,
		TierPenaltyRateBp: t.PenaltyRateBp,
		PowerMultiplierBp: multiplier,
		StakingPower:      power,
		StartTs:           now,
		UnlockTs:          now.Add(time.Duration(durationMonths) * e.cfg.Params.MonthDuration),
		LastAccrualTs:     now,
		LastClaimTs:       now,
		Active:            true,
	}
	delta := GlobalDelta{Staked: int64(amount), Power: int64(power)}

	if err := e.commit(ctx, Change{Position: &p, Delta: &delta}); err != nil {
		return nil, fmt.Errorf("failed to commit open: %w", err)
	}

	intent := Intent{Kind: IntentOpen, Owner: owner, Address: addr, Seed: seed, Amount: amount, CreatedTs: now}
	e.enqueue(intent)

	e.log.Info("engine: position opened",
		"owner", owner.String(), "seed", seed, "amount", amount,
		"duration_months", durationMonths, "staking_power", power)

	return &OpenResult{Position: p, Address: addr, Intent: intent}, nil
}

// CloseResult reports an initiated close. Penalty is nil when the position
// was past its unlock time.
type CloseResult struct {
	Position       Position
	Address        solana.PublicKey
	IsEarlyUnstake bool
	Penalty        *PenaltyRecord
	Intent         Intent
}

// InitiateClose starts a withdrawal: computes the early-exit penalty if the
// position has not reached its unlock time, deactivates the position, and
// opens the cooldown window.
func (e *Engine) InitiateClose(ctx context.Context, owner solana.PublicKey, seed string) (res *CloseResult, err error) {
	defer func() { recordOp("initiate_close", err) }()

	key := PositionKey(owner, seed)
	unlock := e.locks.lock(key)
	defer unlock()

	pc, ok := e.getPosition(key)
	if !ok {
		return nil, ErrNotFound
	}
	if !pc.Active {
		if pc.CooldownEndTs != nil {
			return nil, ErrCooldownAlreadyActive
		}
		return nil, ErrNotActive
	}

	now := e.clock.Now().UTC()
	isEarly := now.Before(pc.UnlockTs)

	pending := pc.PrincipalAmount
	var penalty *PenaltyRecord
	var delta *GlobalDelta
	if isEarly {
		split := rewardmath.PenaltySplit(pc.PrincipalAmount, pc.TierPenaltyRateBp)
		pending = pc.PrincipalAmount - split.Penalty
		penalty = &PenaltyRecord{
			Owner:             owner,
			PositionSeed:      seed,
			PenaltyAmount:     split.Penalty,
			ToRewardPool:      split.ToRewardPool,
			ToTreasury:        split.ToTreasury,
			TierPenaltyRateBp: pc.TierPenaltyRateBp,
			CreatedTs:         now,
		}
		// The treasury share is logged in the penalty record only; the pool
		// share is credited here.
		delta = &GlobalDelta{Pool: int64(split.ToRewardPool)}
	}

	end := now.Add(e.cfg.Params.CooldownPeriod)
	pc.Active = false
	pc.CooldownEndTs = &end
	pc.PendingPrincipal = &pending

	if err := e.commit(ctx, Change{Position: &pc, Penalty: penalty, Delta: delta}); err != nil {
		return nil, fmt.Errorf("failed to commit close: %w", err)
	}

	addr, aerr := chain.PositionAddress(e.cfg.ProgramID, owner, seed)
	if aerr != nil {
		addr = solana.PublicKey{}
	}
	intent := Intent{Kind: IntentClose, Owner: owner, Address: addr, Seed: seed, Amount: pending, CreatedTs: now}
	e.enqueue(intent)

	if isEarly {
		e.log.Info("engine: early close initiated",
			"owner", owner.String(), "seed", seed,
			"penalty", penalty.PenaltyAmount, "to_reward_pool", penalty.ToRewardPool,
			"pending", pending, "cooldown_end", end)
	} else {
		e.log.Info("engine: close initiated",
			"owner", owner.String(), "seed", seed, "pending", pending, "cooldown_end", end)
	}

	return &CloseResult{Position: pc, Address: addr, IsEarlyUnstake: isEarly, Penalty: penalty, Intent: intent}, nil
}

// WithdrawResult reports a finalized close and the principal released.
type WithdrawResult struct {
	Position Position
	Address  solana.PublicKey
	Amount   uint64
	Intent   Intent
}

// FinalizeClose completes a withdrawal once the cooldown has elapsed. The
// aggregate decrement is shared with the scheduler's cooldown sweep and runs
// exactly once regardless of which path finalizes the position first.
func (e *Engine) FinalizeClose(ctx context.Context, owner solana.PublicKey, seed string) (res *WithdrawResult, err error) {
	defer func() { recordOp("finalize_close", err) }()

	key := PositionKey(owner, seed)
	unlock := e.locks.lock(key)
	defer unlock()

	amount, pc, err := e.finalize(ctx, key, e.clock.Now().UTC())
	if err != nil {
		return nil, err
	}

	addr, aerr := chain.PositionAddress(e.cfg.ProgramID, owner, seed)
	if aerr != nil {
		addr = solana.PublicKey{}
	}
	intent := Intent{Kind: IntentWithdraw, Owner: owner, Address: addr, Seed: seed, Amount: amount, CreatedTs: e.clock.Now().UTC()}
	e.enqueue(intent)

	e.log.Info("engine: close finalized", "owner", owner.String(), "seed", seed, "amount", amount)

	return &WithdrawResult{Position: *pc, Address: addr, Amount: amount, Intent: intent}, nil
}

// finalize clears an elapsed cooldown and releases the aggregates exactly
// once. The caller must hold the position's keyed lock.
func (e *Engine) finalize(ctx context.Context, key string, now time.Time) (uint64, *Position, error) {
	pc, ok := e.getPosition(key)
	if !ok {
		return 0, nil, ErrNotFound
	}
	if pc.Active {
		return 0, nil, ErrStillActive
	}
	if pc.CooldownEndTs == nil {
		return 0, nil, ErrNoCooldown
	}
	if now.Before(*pc.CooldownEndTs) {
		return 0, nil, &CooldownNotElapsedError{Remaining: pc.CooldownEndTs.Sub(now)}
	}

	var amount uint64
	if pc.PendingPrincipal != nil {
		amount = *pc.PendingPrincipal
	}
	pc.PendingPrincipal = nil
	pc.CooldownEndTs = nil

	var delta *GlobalDelta
	if !pc.TotalsReleased {
		pc.TotalsReleased = true
		delta = &GlobalDelta{Staked: -int64(pc.PrincipalAmount), Power: -int64(pc.StakingPower)}
	}

	if err := e.commit(ctx, Change{Position: &pc, Delta: delta}); err != nil {
		return 0, nil, fmt.Errorf("failed to commit finalize: %w", err)
	}
	return amount, &pc, nil
}

// ClaimResult reports a new vesting receipt.
type ClaimResult struct {
	Receipt        RewardReceipt
	ReceiptAddress solana.PublicKey
	WeeksElapsed   uint64
	Intent         Intent
}

// Claim accrues the position's share of pool emission over the whole weeks
// elapsed since last accrual and freezes it into a vesting receipt. The
// reward is computed against the global power/pool snapshot at call time.
func (e *Engine) Claim(ctx context.Context, owner solana.PublicKey, seed string) (res *ClaimResult, err error) {
	defer func() { recordOp("claim", err) }()

	key := PositionKey(owner, seed)
	unlock := e.locks.lock(key)
	defer unlock()

	e.mu.Lock()
	p, ok := e.positions[key]
	var pc Position
	if ok {
		pc = p.clone()
	}
	g := e.global
	e.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	if !pc.Active {
		return nil, ErrNotActive
	}
	if g.Paused {
		return nil, ErrProgramPaused
	}

	now := e.clock.Now().UTC()
	if nextAllowed := pc.LastClaimTs.Add(e.cfg.Params.MinClaimInterval); now.Before(nextAllowed) {
		return nil, &TooSoonToClaimError{Remaining: nextAllowed.Sub(now)}
	}

	weeks := uint64(now.Sub(pc.LastAccrualTs) / e.cfg.Params.WeekDuration)
	if weeks == 0 {
		return nil, ErrNothingAccrued
	}

	pool := g.RewardPoolBalance
	if pool < 0 {
		pool = 0
	}
	raw := rewardmath.ProRataReward(
		pc.StakingPower, g.TotalStakingPower, uint64(pool),
		weeks, e.cfg.Params.EmissionRateBp, e.cfg.Params.EmissionPrecision)
	reward := rewardmath.ApplyApyCap(pc.PrincipalAmount, raw, weeks, e.cfg.Params.MaxApyBp)
	if reward == 0 {
		return nil, ErrNoReward
	}

	nftSeed := chain.NewSeed()
	rec := RewardReceipt{
		Owner:        owner,
		PositionSeed: seed,
		NFTSeed:      nftSeed,
		RewardAmount: reward,
		CreatedTs:    now,
		VestTs:       now.Add(e.cfg.Params.VestingPeriod),
		Active:       true,
	}
	pc.LastAccrualTs = now
	pc.LastClaimTs = now

	delta := GlobalDelta{Pool: -int64(reward)}
	if err := e.commit(ctx, Change{Position: &pc, Receipt: &rec, Delta: &delta}); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	recAddr, aerr := chain.ReceiptAddress(e.cfg.ProgramID, owner, nftSeed)
	if aerr != nil {
		recAddr = solana.PublicKey{}
	}
	intent := Intent{Kind: IntentClaim, Owner: owner, Address: recAddr, Seed: nftSeed, Amount: reward, CreatedTs: now}
	e.enqueue(intent)

	e.log.Info("engine: reward claimed",
		"owner", owner.String(), "seed", seed, "nft_seed", nftSeed,
		"reward", reward, "weeks", weeks, "vest_ts", rec.VestTs)

	return &ClaimResult{Receipt: rec, ReceiptAddress: recAddr, WeeksElapsed: weeks, Intent: intent}, nil
}

// VestResult reports a vested receipt and the released reward.
type VestResult struct {
	Receipt RewardReceipt
	Amount  uint64
	Intent  Intent
}

// Vest releases a matured receipt's reward. A receipt vests exactly once.
func (e *Engine) Vest(ctx context.Context, owner solana.PublicKey, nftSeed string) (res *VestResult, err error) {
	defer func() { recordOp("vest", err) }()

	key := ReceiptKey(owner, nftSeed)
	unlock := e.locks.lock(key)
	defer unlock()

	e.mu.Lock()
	r, ok := e.receipts[key]
	var rc RewardReceipt
	if ok {
		rc = *r
	}
	e.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	if !rc.Active {
		return nil, ErrAlreadyVested
	}

	now := e.clock.Now().UTC()
	if now.Before(rc.VestTs) {
		return nil, &VestingNotCompleteError{Remaining: rc.VestTs.Sub(now)}
	}

	rc.Active = false
	if err := e.commit(ctx, Change{Receipt: &rc}); err != nil {
		return nil, fmt.Errorf("failed to commit vest: %w", err)
	}

	addr, aerr := chain.ReceiptAddress(e.cfg.ProgramID, owner, nftSeed)
	if aerr != nil {
		addr = solana.PublicKey{}
	}
	intent := Intent{Kind: IntentVest, Owner: owner, Address: addr, Seed: nftSeed, Amount: rc.RewardAmount, CreatedTs: now}
	e.enqueue(intent)

	e.log.Info("engine: receipt vested", "owner", owner.String(), "nft_seed", nftSeed, "amount", rc.RewardAmount)

	return &VestResult{Receipt: rc, Amount: rc.RewardAmount, Intent: intent}, nil
}

// SetPaused toggles the program-wide pause flag.
func (e *Engine) SetPaused(ctx context.Context, paused bool) error {
	b := paused
	if err := e.commit(ctx, Change{Paused: &b}); err != nil {
		return fmt.Errorf("failed to commit pause=%v: %w", paused, err)
	}
	e.log.Info("engine: pause flag set", "paused", paused)
	return nil
}

// commit persists a Change and, on success, applies it to memory. A failed
// persist leaves memory untouched so the store and memory never diverge on a
// single operation.
func (e *Engine) commit(ctx context.Context, ch Change) error {
	if err := e.cfg.Store.Apply(ctx, ch); err != nil {
		return err
	}
	e.mu.Lock()
	e.applyLocked(ch)
	e.mu.Unlock()
	return nil
}

func (e *Engine) applyLocked(ch Change) {
	if ch.Position != nil {
		cp := ch.Position.clone()
		e.positions[cp.Key()] = &cp
	}
	if ch.Receipt != nil {
		cr := *ch.Receipt
		e.receipts[cr.Key()] = &cr
	}
	if ch.Delta != nil {
		e.global.TotalStaked = addSigned(e.global.TotalStaked, ch.Delta.Staked)
		e.global.TotalStakingPower = addSigned(e.global.TotalStakingPower, ch.Delta.Power)
		e.global.RewardPoolBalance += ch.Delta.Pool
		if e.global.RewardPoolBalance < 0 {
			e.log.Warn("engine: reward pool balance transiently negative",
				"balance", e.global.RewardPoolBalance)
		}
	}
	if ch.Epoch != nil {
		e.global.Epoch = ch.Epoch.Epoch
		e.global.EpochStartTs = ch.Epoch.EpochStartTs
		e.global.WeeklyEmission = ch.Epoch.WeeklyEmission
	}
	if ch.Paused != nil {
		e.global.Paused = *ch.Paused
	}
	e.publishGaugesLocked()
}

func (e *Engine) getPosition(key string) (Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[key]
	if !ok {
		return Position{}, false
	}
	return p.clone(), true
}

func (e *Engine) enqueue(in Intent) {
	if e.cfg.Intents != nil {
		e.cfg.Intents.Enqueue(in)
	}
}

func (e *Engine) publishGauges() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishGaugesLocked()
}

func (e *Engine) publishGaugesLocked() {
	metrics.TotalStaked.Set(float64(e.global.TotalStaked))
	metrics.TotalStakingPower.Set(float64(e.global.TotalStakingPower))
	metrics.RewardPoolBalance.Set(float64(e.global.RewardPoolBalance))
	metrics.CurrentEpoch.Set(float64(e.global.Epoch))
}

func (p *Position) clone() Position {
	c := *p
	if p.CooldownEndTs != nil {
		t := *p.CooldownEndTs
		c.CooldownEndTs = &t
	}
	if p.PendingPrincipal != nil {
		v := *p.PendingPrincipal
		c.PendingPrincipal = &v
	}
	return c
}

func addSigned(base uint64, delta int64) uint64 {
	if delta >= 0 {
		return base + uint64(delta)
	}
	d := uint64(-delta)
	if d > base {
		return 0
	}
	return base - d
}

func recordOp(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.OperationsTotal.WithLabelValues(op, status).Inc()
}

// keyedLocks serializes operations per position or receipt key. Entries are
// reference-counted and removed when the last holder releases.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{entries: make(map[string]*lockEntry)}
}

func (l *keyedLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	en, ok := l.entries[key]
	if !ok {
		en = &lockEntry{}
		l.entries[key] = en
	}
	en.refs++
	l.mu.Unlock()

	en.mu.Lock()
	return func() {
		en.mu.Unlock()
		l.mu.Lock()
		en.refs--
		if en.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}
