package server

import (
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"github.com/tannatlabs/stakevault/engine/pkg/stake"
)

type globalView struct {
	Epoch             uint64    `json:"epoch"`
	EpochStartTs      time.Time `json:"epoch_start_ts"`
	WeeklyEmission    uint64    `json:"weekly_emission"`
	TotalStaked       uint64    `json:"total_staked"`
	TotalStakingPower uint64    `json:"total_staking_power"`
	RewardPoolBalance int64     `json:"reward_pool_balance"`
	Paused            bool      `json:"paused"`
}

type positionView struct {
	Owner             string     `json:"owner"`
	Seed              string     `json:"seed"`
	PrincipalAmount   uint64     `json:"principal_amount"`
	DurationMonths    uint32     `json:"duration_months"`
	TierID            uint32     `json:"tier_id"`
	PowerMultiplierBp uint64     `json:"power_multiplier_bp"`
	StakingPower      uint64     `json:"staking_power"`
	StartTs           time.Time  `json:"start_ts"`
	UnlockTs          time.Time  `json:"unlock_ts"`
	LastAccrualTs     time.Time  `json:"last_accrual_ts"`
	LastClaimTs       time.Time  `json:"last_claim_ts"`
	CooldownEndTs     *time.Time `json:"cooldown_end_ts,omitempty"`
	PendingPrincipal  *uint64    `json:"pending_principal,omitempty"`
	Active            bool       `json:"active"`
}

func newPositionView(p stake.Position) positionView {
	return positionView{
		Owner:             p.Owner.String(),
		Seed:              p.Seed,
		PrincipalAmount:   p.PrincipalAmount,
		DurationMonths:    p.DurationMonths,
		TierID:            p.TierID,
		PowerMultiplierBp: p.PowerMultiplierBp,
		StakingPower:      p.StakingPower,
		StartTs:           p.StartTs,
		UnlockTs:          p.UnlockTs,
		LastAccrualTs:     p.LastAccrualTs,
		LastClaimTs:       p.LastClaimTs,
		CooldownEndTs:     p.CooldownEndTs,
		PendingPrincipal:  p.PendingPrincipal,
		Active:            p.Active,
	}
}

type receiptView struct {
	Owner        string    `json:"owner"`
	PositionSeed string    `json:"position_seed"`
	NFTSeed      string    `json:"nft_seed"`
	RewardAmount uint64    `json:"reward_amount"`
	CreatedTs    time.Time `json:"created_ts"`
	VestTs       time.Time `json:"vest_ts"`
	Active       bool      `json:"active"`
}

func newReceiptView(r stake.RewardReceipt) receiptView {
	return receiptView{
		Owner:        r.Owner.String(),
		PositionSeed: r.PositionSeed,
		NFTSeed:      r.NFTSeed,
		RewardAmount: r.RewardAmount,
		CreatedTs:    r.CreatedTs,
		VestTs:       r.VestTs,
		Active:       r.Active,
	}
}

func (s *Server) parseOwner(w http.ResponseWriter, r *http.Request) (solana.PublicKey, bool) {
	owner, err := solana.PublicKeyFromBase58(chi.URLParam(r, "owner"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid owner public key")
		return solana.PublicKey{}, false
	}
	return owner, true
}
