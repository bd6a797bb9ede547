// Package chain derives the deterministic external-ledger addresses for
// positions and reward receipts. The derived address is reported to callers
// so they can correlate local state with the eventual on-chain account; it is
// never authoritative inside the engine.
package chain

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

const (
	positionSeedPrefix = "position"
	receiptSeedPrefix  = "receipt"

	// MaxSeedLen is the ledger's per-seed byte limit.
	MaxSeedLen = 32
)

// NewSeed returns a fresh random seed, base58-encoded so it fits the ledger's
// seed length limit and stays printable.
func NewSeed() string {
	id := uuid.New()
	return base58.Encode(id[:])
}

// ValidateSeed checks a caller-supplied seed against the ledger's constraints.
func ValidateSeed(seed string) error {
	if seed == "" {
		return fmt.Errorf("seed is empty")
	}
	if len(seed) > MaxSeedLen {
		return fmt.Errorf("seed is %d bytes, limit is %d", len(seed), MaxSeedLen)
	}
	return nil
}

// PositionAddress derives the program address for a position.
func PositionAddress(programID, owner solana.PublicKey, seed string) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte(positionSeedPrefix), owner.Bytes(), []byte(seed)},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive position address: %w", err)
	}
	return addr, nil
}

// ReceiptAddress derives the program address for a reward receipt.
func ReceiptAddress(programID, owner solana.PublicKey, nftSeed string) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte(receiptSeedPrefix), owner.Bytes(), []byte(nftSeed)},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive receipt address: %w", err)
	}
	return addr, nil
}
