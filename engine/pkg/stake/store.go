package stake

import (
	"context"
	"time"
)

// GlobalDelta is an additive mutation of the aggregate ledger. Deltas from
// independent positions commute, so concurrent operations never overwrite
// each other's aggregate updates.
type GlobalDelta struct {
	Staked int64
	Power  int64
	Pool   int64
}

// EpochUpdate sets the epoch fields of the aggregate ledger.
type EpochUpdate struct {
	Epoch          uint64
	EpochStartTs   time.Time
	WeeklyEmission uint64
}

// Change is the atomic unit of persistence: every non-nil part commits
// together with the others or not at all. A position mutation and its
// aggregate delta always travel in the same Change.
type Change struct {
	Position *Position
	Receipt  *RewardReceipt
	Penalty  *PenaltyRecord
	Delta    *GlobalDelta
	Epoch    *EpochUpdate
	Paused   *bool
}

// Snapshot is the full engine state loaded at boot. Global is nil when the
// store has never been written.
type Snapshot struct {
	Global    *GlobalState
	Positions []Position
	Receipts  []RewardReceipt
}

// Store persists engine state. Apply must be atomic per Change; Load returns
// everything needed to rebuild the in-memory state.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Apply(ctx context.Context, ch Change) error
}
