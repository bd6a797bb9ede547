package postgres_test

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/tannatlabs/stakevault/engine/pkg/reconcile"
	"github.com/tannatlabs/stakevault/engine/pkg/stake"
	"github.com/tannatlabs/stakevault/engine/pkg/store/postgres"
	pgtesting "github.com/tannatlabs/stakevault/engine/pkg/store/postgres/testing"
	"github.com/tannatlabs/stakevault/engine/pkg/tier"
	vaulttesting "github.com/tannatlabs/stakevault/utils/pkg/testing"
)

var testProgramID = solana.MustPublicKeyFromBase58("Stake11111111111111111111111111111111111111")

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	pool := pgtesting.NewTestPool(t, testDB)
	pgtesting.ResetTables(t, pool)
	return postgres.NewWithPool(vaulttesting.NewLogger(), pool)
}

func randomSignature(t *testing.T) solana.Signature {
	t.Helper()
	var sig solana.Signature
	_, err := rand.Read(sig[:])
	require.NoError(t, err)
	return sig
}

func TestVault_Postgres_GlobalState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// The migration seeds the singleton row.
	snap, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.Global)
	require.Equal(t, uint64(0), snap.Global.Epoch)
	require.False(t, snap.Global.Paused)

	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	err = store.Apply(ctx, stake.Change{
		Epoch:  &stake.EpochUpdate{Epoch: 3, EpochStartTs: now, WeeklyEmission: 2_100_000_000},
		Paused: boolPtr(true),
	})
	require.NoError(t, err)

	snap, err = store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), snap.Global.Epoch)
	require.Equal(t, now, snap.Global.EpochStartTs.UTC())
	require.Equal(t, uint64(2_100_000_000), snap.Global.WeeklyEmission)
	require.True(t, snap.Global.Paused)
}

func TestVault_Postgres_PositionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	owner := solana.NewWallet().PublicKey()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	p := stake.Position{
		Owner:             owner,
		Seed:              "s1",
		PrincipalAmount:   1_000_000_000,
		DurationMonths:    6,
		TierID:            1,
		TierPenaltyRateBp: 500,
		PowerMultiplierBp: 15_000,
		StakingPower:      1_500_000_000,
		StartTs:           now,
		UnlockTs:          now.Add(6 * 720 * time.Hour),
		LastAccrualTs:     now,
		LastClaimTs:       now,
		Active:            true,
	}
	err := store.Apply(ctx, stake.Change{
		Position: &p,
		Delta:    &stake.GlobalDelta{Staked: 1_000_000_000, Power: 1_500_000_000},
	})
	require.NoError(t, err)

	// Deactivate with a cooldown, as a close does.
	end := now.Add(48 * time.Hour)
	pending := uint64(950_000_000)
	p.Active = false
	p.CooldownEndTs = &end
	p.PendingPrincipal = &pending
	err = store.Apply(ctx, stake.Change{
		Position: &p,
		Penalty: &stake.PenaltyRecord{
			Owner: owner, PositionSeed: "s1",
			PenaltyAmount: 50_000_000, ToRewardPool: 25_000_000, ToTreasury: 25_000_000,
			TierPenaltyRateBp: 500, CreatedTs: now,
		},
		Delta: &stake.GlobalDelta{Pool: 25_000_000},
	})
	require.NoError(t, err)

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Positions, 1)

	got := snap.Positions[0]
	require.Equal(t, owner, got.Owner)
	require.Equal(t, uint64(1_000_000_000), got.PrincipalAmount)
	require.Equal(t, uint64(1_500_000_000), got.StakingPower)
	require.False(t, got.Active)
	require.NotNil(t, got.CooldownEndTs)
	require.Equal(t, end, got.CooldownEndTs.UTC())
	require.NotNil(t, got.PendingPrincipal)
	require.Equal(t, pending, *got.PendingPrincipal)
	require.False(t, got.TotalsReleased)

	require.Equal(t, uint64(1_000_000_000), snap.Global.TotalStaked)
	require.Equal(t, int64(25_000_000), snap.Global.RewardPoolBalance)

	penalties, err := store.PenaltyRecords(ctx)
	require.NoError(t, err)
	require.Len(t, penalties, 1)
	require.Equal(t, uint64(50_000_000), penalties[0].PenaltyAmount)
}

func TestVault_Postgres_AdditiveDeltas(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Concurrent deltas must all land; the aggregate update is additive.
	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Apply(ctx, stake.Change{Delta: &stake.GlobalDelta{Staked: 1_000, Power: 1_500, Pool: 10}})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(n*1_000), snap.Global.TotalStaked)
	require.Equal(t, uint64(n*1_500), snap.Global.TotalStakingPower)
	require.Equal(t, int64(n*10), snap.Global.RewardPoolBalance)
}

func TestVault_Postgres_Receipts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	owner := solana.NewWallet().PublicKey()
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	r := stake.RewardReceipt{
		Owner:        owner,
		PositionSeed: "s1",
		NFTSeed:      "nft1",
		RewardAmount: 19_230_769,
		CreatedTs:    now,
		VestTs:       now.Add(8760 * time.Hour),
		Active:       true,
	}
	require.NoError(t, store.Apply(ctx, stake.Change{Receipt: &r}))

	r.Active = false
	require.NoError(t, store.Apply(ctx, stake.Change{Receipt: &r}))

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Receipts, 1)
	require.False(t, snap.Receipts[0].Active)
	require.Equal(t, uint64(19_230_769), snap.Receipts[0].RewardAmount)
}

func TestVault_Postgres_LedgerEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sig := randomSignature(t)

	seen, _, err := store.Seen(ctx, sig)
	require.NoError(t, err)
	require.False(t, seen)

	ev := reconcile.Event{
		Signature:  sig,
		Kind:       reconcile.EventOpen,
		Owner:      solana.NewWallet().PublicKey(),
		Amount:     1_000_000,
		Slot:       42,
		BlockTime:  time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		Confidence: reconcile.ConfidenceConfirmed,
		IngestedTs: time.Now().UTC(),
	}
	require.NoError(t, store.InsertEvent(ctx, ev))
	// A duplicate insert is a no-op.
	require.NoError(t, store.InsertEvent(ctx, ev))

	seen, confidence, err := store.Seen(ctx, sig)
	require.NoError(t, err)
	require.True(t, seen)
	require.Equal(t, reconcile.ConfidenceConfirmed, confidence)

	require.NoError(t, store.MarkFinalized(ctx, sig))
	_, confidence, err = store.Seen(ctx, sig)
	require.NoError(t, err)
	require.Equal(t, reconcile.ConfidenceFinalized, confidence)
}

func TestVault_Postgres_EngineIntegration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))

	cfg := stake.Config{
		Logger:    vaulttesting.NewLogger(),
		Clock:     clock,
		Store:     store,
		Tiers:     tier.DefaultCatalog(),
		Params:    stake.DefaultParams(),
		ProgramID: testProgramID,
	}
	engine, err := stake.New(ctx, cfg)
	require.NoError(t, err)

	owner := solana.NewWallet().PublicKey()
	_, err = engine.Open(ctx, owner, 1_000_000_000, 6, 1, "s1")
	require.NoError(t, err)
	_, err = engine.InitiateClose(ctx, owner, "s1")
	require.NoError(t, err)

	// A restarted engine picks up exactly where the first left off.
	restarted, err := stake.New(ctx, cfg)
	require.NoError(t, err)

	p1, err := engine.Position(owner, "s1")
	require.NoError(t, err)
	p2, err := restarted.Position(owner, "s1")
	require.NoError(t, err)
	require.Equal(t, p1.PendingPrincipal, p2.PendingPrincipal)
	require.Equal(t, p1.Active, p2.Active)
	require.Equal(t, engine.Global().TotalStaked, restarted.Global().TotalStaked)
	require.Equal(t, engine.Global().RewardPoolBalance, restarted.Global().RewardPoolBalance)

	clock.Advance(48 * time.Hour)
	res, err := restarted.FinalizeClose(ctx, owner, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(950_000_000), res.Amount)

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), snap.Global.TotalStaked)
	require.True(t, snap.Positions[0].TotalsReleased)
}

func boolPtr(b bool) *bool { return &b }
