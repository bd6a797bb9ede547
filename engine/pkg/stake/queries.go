package stake

import (
	"sort"

	"github.com/gagliardetto/solana-go"
)

// Global returns a copy of the aggregate ledger.
func (e *Engine) Global() GlobalState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.global
}

// Position returns the position for (owner, seed).
func (e *Engine) Position(owner solana.PublicKey, seed string) (Position, error) {
	pc, ok := e.getPosition(PositionKey(owner, seed))
	if !ok {
		return Position{}, ErrNotFound
	}
	return pc, nil
}

// PositionsByOwner returns the owner's positions, oldest first.
func (e *Engine) PositionsByOwner(owner solana.PublicKey) []Position {
	e.mu.Lock()
	out := make([]Position, 0)
	for _, p := range e.positions {
		if p.Owner.Equals(owner) {
			out = append(out, p.clone())
		}
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTs.Equal(out[j].StartTs) {
			return out[i].StartTs.Before(out[j].StartTs)
		}
		return out[i].Seed < out[j].Seed
	})
	return out
}

// Receipt returns the reward receipt for (owner, nftSeed).
func (e *Engine) Receipt(owner solana.PublicKey, nftSeed string) (RewardReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.receipts[ReceiptKey(owner, nftSeed)]
	if !ok {
		return RewardReceipt{}, ErrNotFound
	}
	return *r, nil
}

// ReceiptsByOwner returns the owner's reward receipts, oldest first.
func (e *Engine) ReceiptsByOwner(owner solana.PublicKey) []RewardReceipt {
	e.mu.Lock()
	out := make([]RewardReceipt, 0)
	for _, r := range e.receipts {
		if r.Owner.Equals(owner) {
			out = append(out, *r)
		}
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedTs.Equal(out[j].CreatedTs) {
			return out[i].CreatedTs.Before(out[j].CreatedTs)
		}
		return out[i].NFTSeed < out[j].NFTSeed
	})
	return out
}
