// Package tier provides the read-only tier catalog: named duration bands with
// early-exit penalty rates. The catalog is owned by an external admin
// collaborator; this engine only reads it, and copies the penalty rate into a
// position at open time so later edits never change a live position.
package tier

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/tannatlabs/stakevault/engine/pkg/rewardmath"
)

// Tier is one duration band with its early-exit penalty rate.
type Tier struct {
	ID                uint32 `json:"id"`
	PenaltyRateBp     uint64 `json:"penalty_rate_bp"`
	MinDurationMonths uint32 `json:"min_duration_months"`
	MaxDurationMonths uint32 `json:"max_duration_months"`
	Active            bool   `json:"active"`
}

// AllowsDuration reports whether a lock duration falls inside the tier's band.
func (t Tier) AllowsDuration(months uint32) bool {
	return months >= t.MinDurationMonths && months <= t.MaxDurationMonths
}

func (t Tier) validate() error {
	if t.MinDurationMonths == 0 {
		return fmt.Errorf("tier %d: min duration must be at least 1 month", t.ID)
	}
	if t.MaxDurationMonths < t.MinDurationMonths {
		return fmt.Errorf("tier %d: max duration %d below min %d", t.ID, t.MaxDurationMonths, t.MinDurationMonths)
	}
	if t.PenaltyRateBp > rewardmath.BasisPointDenominator {
		return fmt.Errorf("tier %d: penalty rate %dbp exceeds 100%%", t.ID, t.PenaltyRateBp)
	}
	return nil
}

// Catalog is a concurrency-safe snapshot of the current tier set. Replace
// swaps the whole snapshot atomically; lookups see either the old set or the
// new one, never a mix.
type Catalog struct {
	mu    sync.RWMutex
	tiers map[uint32]Tier
}

// NewCatalog builds a catalog from an initial tier set.
func NewCatalog(tiers []Tier) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(tiers); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace atomically swaps the tier set. Invoked by the admin sync.
func (c *Catalog) Replace(tiers []Tier) error {
	if len(tiers) == 0 {
		return errors.New("at least one tier is required")
	}
	m := make(map[uint32]Tier, len(tiers))
	for _, t := range tiers {
		if err := t.validate(); err != nil {
			return err
		}
		if _, dup := m[t.ID]; dup {
			return fmt.Errorf("duplicate tier id %d", t.ID)
		}
		m[t.ID] = t
	}
	c.mu.Lock()
	c.tiers = m
	c.mu.Unlock()
	return nil
}

// Get returns the tier with the given id.
func (c *Catalog) Get(id uint32) (Tier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tiers[id]
	return t, ok
}

// Active returns the active tiers sorted by id.
func (c *Catalog) Active() []Tier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tier, 0, len(c.tiers))
	for _, t := range c.tiers {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Default returns the built-in tier set used when no override file is given.
func Default() []Tier {
	return []Tier{
		{ID: 1, PenaltyRateBp: 500, MinDurationMonths: 1, MaxDurationMonths: 11, Active: true},
		{ID: 2, PenaltyRateBp: 750, MinDurationMonths: 12, MaxDurationMonths: 23, Active: true},
		{ID: 3, PenaltyRateBp: 1_000, MinDurationMonths: 24, MaxDurationMonths: 60, Active: true},
	}
}

// DefaultCatalog returns a catalog holding the built-in tier set.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(Default())
	if err != nil {
		// The built-in set is static and always valid.
		panic(err)
	}
	return c
}

// LoadFile reads a tier set from a JSON file.
func LoadFile(path string) ([]Tier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier file: %w", err)
	}
	var tiers []Tier
	if err := json.Unmarshal(data, &tiers); err != nil {
		return nil, fmt.Errorf("failed to parse tier file %s: %w", path, err)
	}
	return tiers, nil
}
