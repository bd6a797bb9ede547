// Package postgres persists engine state. Each stake.Change commits in a
// single transaction, and the aggregate ledger updates are additive so
// concurrent commits never overwrite one another's totals.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"

	"github.com/tannatlabs/stakevault/engine/pkg/reconcile"
	"github.com/tannatlabs/stakevault/engine/pkg/stake"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

type Config struct {
	Logger  *slog.Logger
	ConnStr string
	// RunMigrations applies pending migrations on connect.
	RunMigrations bool
	MaxConns      int32
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ConnStr == "" {
		return errors.New("connection string is required")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	return nil
}

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.RunMigrations {
		if err := Migrate(cfg.Logger, cfg.ConnStr); err != nil {
			return nil, err
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Store{log: cfg.Logger, pool: pool}, nil
}

// NewWithPool wraps an existing pool. The caller owns the pool's lifecycle.
func NewWithPool(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies pending migrations using goose.
func Migrate(log *slog.Logger, connStr string) error {
	goose.SetBaseFS(EmbedMigrations)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("postgres: migrations completed")
	return nil
}

func (s *Store) Load(ctx context.Context) (*stake.Snapshot, error) {
	snap := &stake.Snapshot{}

	var g stake.GlobalState
	var epoch, weekly, staked, power int64
	err := s.pool.QueryRow(ctx, `
		SELECT epoch, epoch_start_ts, weekly_emission, total_staked,
		       total_staking_power, reward_pool_balance, paused
		FROM global_state WHERE id = 1
	`).Scan(&epoch, &g.EpochStartTs, &weekly, &staked, &power, &g.RewardPoolBalance, &g.Paused)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Migrations not applied yet; the caller initializes on first write.
	case err != nil:
		return nil, fmt.Errorf("failed to load global state: %w", err)
	default:
		g.Epoch = uint64(epoch)
		g.WeeklyEmission = uint64(weekly)
		g.TotalStaked = uint64(staked)
		g.TotalStakingPower = uint64(power)
		snap.Global = &g
	}

	rows, err := s.pool.Query(ctx, `
		SELECT owner, seed, principal_amount, duration_months, tier_id,
		       tier_penalty_rate_bp, power_multiplier_bp, staking_power,
		       start_ts, unlock_ts, last_accrual_ts, last_claim_ts,
		       cooldown_end_ts, pending_principal, active, totals_released
		FROM positions
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p stake.Position
		var owner string
		var principal, penaltyRate, multiplier, sp int64
		var pending *int64
		if err := rows.Scan(&owner, &p.Seed, &principal, &p.DurationMonths, &p.TierID,
			&penaltyRate, &multiplier, &sp,
			&p.StartTs, &p.UnlockTs, &p.LastAccrualTs, &p.LastClaimTs,
			&p.CooldownEndTs, &pending, &p.Active, &p.TotalsReleased); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.Owner, err = solana.PublicKeyFromBase58(owner)
		if err != nil {
			return nil, fmt.Errorf("failed to parse owner %q: %w", owner, err)
		}
		p.PrincipalAmount = uint64(principal)
		p.TierPenaltyRateBp = uint64(penaltyRate)
		p.PowerMultiplierBp = uint64(multiplier)
		p.StakingPower = uint64(sp)
		if pending != nil {
			v := uint64(*pending)
			p.PendingPrincipal = &v
		}
		snap.Positions = append(snap.Positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate positions: %w", err)
	}

	rrows, err := s.pool.Query(ctx, `
		SELECT owner, nft_seed, position_seed, reward_amount, created_ts, vest_ts, active
		FROM reward_receipts
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load receipts: %w", err)
	}
	defer rrows.Close()
	for rrows.Next() {
		var r stake.RewardReceipt
		var owner string
		var amount int64
		if err := rrows.Scan(&owner, &r.NFTSeed, &r.PositionSeed, &amount, &r.CreatedTs, &r.VestTs, &r.Active); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		r.Owner, err = solana.PublicKeyFromBase58(owner)
		if err != nil {
			return nil, fmt.Errorf("failed to parse owner %q: %w", owner, err)
		}
		r.RewardAmount = uint64(amount)
		snap.Receipts = append(snap.Receipts, r)
	}
	if err := rrows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipts: %w", err)
	}

	return snap, nil
}

func (s *Store) Apply(ctx context.Context, ch stake.Change) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if ch.Position != nil {
		p := ch.Position
		var pending *int64
		if p.PendingPrincipal != nil {
			v := int64(*p.PendingPrincipal)
			pending = &v
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO positions (
				owner, seed, principal_amount, duration_months, tier_id,
				tier_penalty_rate_bp, power_multiplier_bp, staking_power,
				start_ts, unlock_ts, last_accrual_ts, last_claim_ts,
				cooldown_end_ts, pending_principal, active, totals_released
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (owner, seed) DO UPDATE SET
				last_accrual_ts = EXCLUDED.last_accrual_ts,
				last_claim_ts = EXCLUDED.last_claim_ts,
				cooldown_end_ts = EXCLUDED.cooldown_end_ts,
				pending_principal = EXCLUDED.pending_principal,
				active = EXCLUDED.active,
				totals_released = EXCLUDED.totals_released
		`,
			p.Owner.String(), p.Seed, int64(p.PrincipalAmount), p.DurationMonths, p.TierID,
			int64(p.TierPenaltyRateBp), int64(p.PowerMultiplierBp), int64(p.StakingPower),
			p.StartTs, p.UnlockTs, p.LastAccrualTs, p.LastClaimTs,
			p.CooldownEndTs, pending, p.Active, p.TotalsReleased)
		if err != nil {
			return fmt.Errorf("failed to upsert position: %w", err)
		}
	}

	if ch.Receipt != nil {
		r := ch.Receipt
		_, err := tx.Exec(ctx, `
			INSERT INTO reward_receipts (owner, nft_seed, position_seed, reward_amount, created_ts, vest_ts, active)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (owner, nft_seed) DO UPDATE SET active = EXCLUDED.active
		`, r.Owner.String(), r.NFTSeed, r.PositionSeed, int64(r.RewardAmount), r.CreatedTs, r.VestTs, r.Active)
		if err != nil {
			return fmt.Errorf("failed to upsert receipt: %w", err)
		}
	}

	if ch.Penalty != nil {
		pn := ch.Penalty
		_, err := tx.Exec(ctx, `
			INSERT INTO penalty_records (owner, position_seed, penalty_amount, to_reward_pool, to_treasury, tier_penalty_rate_bp, created_ts)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, pn.Owner.String(), pn.PositionSeed, int64(pn.PenaltyAmount), int64(pn.ToRewardPool), int64(pn.ToTreasury), int64(pn.TierPenaltyRateBp), pn.CreatedTs)
		if err != nil {
			return fmt.Errorf("failed to insert penalty record: %w", err)
		}
	}

	if ch.Delta != nil {
		d := ch.Delta
		_, err := tx.Exec(ctx, `
			UPDATE global_state SET
				total_staked = GREATEST(total_staked + $1, 0),
				total_staking_power = GREATEST(total_staking_power + $2, 0),
				reward_pool_balance = reward_pool_balance + $3
			WHERE id = 1
		`, d.Staked, d.Power, d.Pool)
		if err != nil {
			return fmt.Errorf("failed to update aggregates: %w", err)
		}
	}

	if ch.Epoch != nil {
		_, err := tx.Exec(ctx, `
			UPDATE global_state SET epoch = $1, epoch_start_ts = $2, weekly_emission = $3
			WHERE id = 1
		`, int64(ch.Epoch.Epoch), ch.Epoch.EpochStartTs, int64(ch.Epoch.WeeklyEmission))
		if err != nil {
			return fmt.Errorf("failed to update epoch: %w", err)
		}
	}

	if ch.Paused != nil {
		_, err := tx.Exec(ctx, `UPDATE global_state SET paused = $1 WHERE id = 1`, *ch.Paused)
		if err != nil {
			return fmt.Errorf("failed to update pause flag: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Seen(ctx context.Context, sig solana.Signature) (bool, reconcile.Confidence, error) {
	var confidence string
	err := s.pool.QueryRow(ctx, `SELECT confidence FROM ledger_events WHERE signature = $1`, sig.String()).Scan(&confidence)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, "", nil
	case err != nil:
		return false, "", fmt.Errorf("failed to check signature: %w", err)
	}
	return true, reconcile.Confidence(confidence), nil
}

func (s *Store) InsertEvent(ctx context.Context, ev reconcile.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_events (signature, kind, owner, address, amount, slot, block_time, confidence, ingested_ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (signature) DO NOTHING
	`, ev.Signature.String(), string(ev.Kind), ev.Owner.String(), ev.Address.String(),
		int64(ev.Amount), int64(ev.Slot), ev.BlockTime, string(ev.Confidence), ev.IngestedTs)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *Store) MarkFinalized(ctx context.Context, sig solana.Signature) error {
	_, err := s.pool.Exec(ctx, `UPDATE ledger_events SET confidence = $1 WHERE signature = $2`,
		string(reconcile.ConfidenceFinalized), sig.String())
	if err != nil {
		return fmt.Errorf("failed to mark event finalized: %w", err)
	}
	return nil
}

// PenaltyRecords returns all penalty records, oldest first.
func (s *Store) PenaltyRecords(ctx context.Context) ([]stake.PenaltyRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT owner, position_seed, penalty_amount, to_reward_pool, to_treasury, tier_penalty_rate_bp, created_ts
		FROM penalty_records ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load penalty records: %w", err)
	}
	defer rows.Close()

	var out []stake.PenaltyRecord
	for rows.Next() {
		var pn stake.PenaltyRecord
		var owner string
		var amount, toPool, toTreasury, rate int64
		if err := rows.Scan(&owner, &pn.PositionSeed, &amount, &toPool, &toTreasury, &rate, &pn.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan penalty record: %w", err)
		}
		pn.Owner, err = solana.PublicKeyFromBase58(owner)
		if err != nil {
			return nil, fmt.Errorf("failed to parse owner %q: %w", owner, err)
		}
		pn.PenaltyAmount = uint64(amount)
		pn.ToRewardPool = uint64(toPool)
		pn.ToTreasury = uint64(toTreasury)
		pn.TierPenaltyRateBp = uint64(rate)
		out = append(out, pn)
	}
	return out, rows.Err()
}
