package admission

import (
	"fmt"
	"math"
)

// Tier is a cost bucket for import jobs, derived from the requested
// record count. Higher tiers allow fewer concurrent jobs and carry a
// longer cooldown when a user overflows the limit.
type Tier struct {
	Name            string
	MaxCount        int64 // inclusive upper bound on requested count; math.MaxInt64 = unbounded
	MaxConcurrent   int
	CooldownSeconds int
}

// Unbounded marks the catch-all tier's MaxCount.
const Unbounded = int64(math.MaxInt64)

// Table holds tiers in ascending MaxCount order. Immutable after
// construction.
type Table struct {
	tiers []Tier
}

// DefaultTiers returns the built-in tier ladder.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "SMALL", MaxCount: 100, MaxConcurrent: 10, CooldownSeconds: 5},
		{Name: "MEDIUM", MaxCount: 10_000, MaxConcurrent: 5, CooldownSeconds: 10},
		{Name: "LARGE", MaxCount: 100_000, MaxConcurrent: 3, CooldownSeconds: 20},
		{Name: "XL", MaxCount: Unbounded, MaxConcurrent: 1, CooldownSeconds: 30},
	}
}

// NewTable validates and builds a tier table. Tiers must be non-empty,
// strictly ascending in MaxCount, and each must allow at least one
// concurrent job.
func NewTable(tiers []Tier) (*Table, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier table must not be empty")
	}
	var prev int64 = -1
	for _, t := range tiers {
		if t.Name == "" {
			return nil, fmt.Errorf("tier with max_count %d has no name", t.MaxCount)
		}
		if t.MaxCount <= prev {
			return nil, fmt.Errorf("tier %s: max_count must be strictly ascending", t.Name)
		}
		if t.MaxConcurrent < 1 {
			return nil, fmt.Errorf("tier %s: max_concurrent must be >= 1", t.Name)
		}
		if t.CooldownSeconds < 0 {
			return nil, fmt.Errorf("tier %s: cooldown_seconds must be >= 0", t.Name)
		}
		prev = t.MaxCount
	}
	cp := make([]Tier, len(tiers))
	copy(cp, tiers)
	return &Table{tiers: cp}, nil
}

// DefaultTable builds the table of built-in tiers.
func DefaultTable() *Table {
	t, err := NewTable(DefaultTiers())
	if err != nil {
		panic(err) // defaults are statically valid
	}
	return t
}

// Classify returns the smallest tier whose MaxCount covers the
// requested count. Counts beyond every finite bound fall into the
// last tier.
func (t *Table) Classify(count int64) Tier {
	for _, tier := range t.tiers {
		if count <= tier.MaxCount {
			return tier
		}
	}
	return t.tiers[len(t.tiers)-1]
}

// Lookup finds a tier by name.
func (t *Table) Lookup(name string) (Tier, bool) {
	for _, tier := range t.tiers {
		if tier.Name == name {
			return tier, true
		}
	}
	return Tier{}, false
}

// Tiers returns a copy of the tier ladder.
func (t *Table) Tiers() []Tier {
	cp := make([]Tier, len(t.tiers))
	copy(cp, t.tiers)
	return cp
}
