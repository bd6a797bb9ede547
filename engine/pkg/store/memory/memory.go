// Package memory provides an in-process store for tests and single-node runs
// without persistence.
package memory

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/tannatlabs/stakevault/engine/pkg/reconcile"
	"github.com/tannatlabs/stakevault/engine/pkg/stake"
)

type Store struct {
	mu        sync.Mutex
	global    *stake.GlobalState
	positions map[string]stake.Position
	receipts  map[string]stake.RewardReceipt
	penalties []stake.PenaltyRecord
	events    map[solana.Signature]reconcile.Event
}

func New() *Store {
	return &Store{
		positions: make(map[string]stake.Position),
		receipts:  make(map[string]stake.RewardReceipt),
		events:    make(map[solana.Signature]reconcile.Event),
	}
}

func (s *Store) Load(ctx context.Context) (*stake.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &stake.Snapshot{}
	if s.global != nil {
		g := *s.global
		snap.Global = &g
	}
	for _, p := range s.positions {
		snap.Positions = append(snap.Positions, p)
	}
	for _, r := range s.receipts {
		snap.Receipts = append(snap.Receipts, r)
	}
	return snap, nil
}

func (s *Store) Apply(ctx context.Context, ch stake.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.global == nil {
		s.global = &stake.GlobalState{}
	}
	if ch.Position != nil {
		s.positions[ch.Position.Key()] = *ch.Position
	}
	if ch.Receipt != nil {
		s.receipts[ch.Receipt.Key()] = *ch.Receipt
	}
	if ch.Penalty != nil {
		s.penalties = append(s.penalties, *ch.Penalty)
	}
	if ch.Delta != nil {
		s.global.TotalStaked = addSigned(s.global.TotalStaked, ch.Delta.Staked)
		s.global.TotalStakingPower = addSigned(s.global.TotalStakingPower, ch.Delta.Power)
		s.global.RewardPoolBalance += ch.Delta.Pool
	}
	if ch.Epoch != nil {
		s.global.Epoch = ch.Epoch.Epoch
		s.global.EpochStartTs = ch.Epoch.EpochStartTs
		s.global.WeeklyEmission = ch.Epoch.WeeklyEmission
	}
	if ch.Paused != nil {
		s.global.Paused = *ch.Paused
	}
	return nil
}

// Penalties returns a copy of the accumulated penalty records.
func (s *Store) Penalties() []stake.PenaltyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stake.PenaltyRecord, len(s.penalties))
	copy(out, s.penalties)
	return out
}

func (s *Store) Seen(ctx context.Context, sig solana.Signature) (bool, reconcile.Confidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[sig]
	if !ok {
		return false, "", nil
	}
	return true, ev.Confidence, nil
}

func (s *Store) InsertEvent(ctx context.Context, ev reconcile.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.Signature] = ev
	return nil
}

func (s *Store) MarkFinalized(ctx context.Context, sig solana.Signature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[sig]
	if !ok {
		return nil
	}
	ev.Confidence = reconcile.ConfidenceFinalized
	s.events[sig] = ev
	return nil
}

// Events returns a copy of the ingested ledger events.
func (s *Store) Events() []reconcile.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]reconcile.Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	return out
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
