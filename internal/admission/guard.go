package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/vega/internal/logging"
)

// Store is the contract the admission controller needs from the shared
// key/value store. All operations may block on I/O; implementations
// attach their own per-call timeouts and do not retry.
type Store interface {
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (string, error)
	TTLSeconds(ctx context.Context, key string) (int64, error)
	SetAdd(ctx context.Context, key, member string) error
	SetRemove(ctx context.Context, key, member string) error
	SetCardinality(ctx context.Context, key string) (int64, error)
	SetMembers(ctx context.Context, key string) ([]string, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// ReserveSlot atomically counts the set and adds member only when
	// cardinality is below limit. Returns true when the slot was taken.
	ReserveSlot(ctx context.Context, setKey string, limit int, member string) (bool, error)
}

// Outcome is the result kind of an admission attempt. Rejections are
// normal outcomes, not errors; only store failures surface as errors.
type Outcome int

const (
	Allowed Outcome = iota
	RejectedConcurrency
	RejectedCooldown
)

// Decision is the tagged result of CheckAndReserve.
type Decision struct {
	Outcome Outcome
	Tier    Tier

	// RejectedConcurrency
	Limit int

	// RejectedCooldown
	CooldownTotal     time.Duration
	CooldownRemaining time.Duration
}

// DefaultSafetyKeyTTL bounds how long any job may run. A reservation
// whose safety key outlives this without MarkFinished is treated as
// crashed and reclaimed.
const DefaultSafetyKeyTTL = 15 * time.Minute

// Guard decides whether a user may start a new import job. It is safe
// for concurrent use from any number of replicas: the only writers of
// admission state are the shared store's atomic operations.
type Guard struct {
	store     Store
	tiers     *Table
	safetyTTL time.Duration
}

// NewGuard creates an admission guard. A zero safetyTTL selects
// DefaultSafetyKeyTTL.
func NewGuard(store Store, tiers *Table, safetyTTL time.Duration) *Guard {
	if safetyTTL <= 0 {
		safetyTTL = DefaultSafetyKeyTTL
	}
	return &Guard{store: store, tiers: tiers, safetyTTL: safetyTTL}
}

// Tiers exposes the guard's tier table.
func (g *Guard) Tiers() *Table { return g.tiers }

// CheckAndReserve classifies the request into a tier and attempts to
// reserve a concurrency slot for jobID.
//
// Order matters: the cooldown gate runs before the reservation so an
// admitted-then-blocked sequence cannot occur, and the safety key is
// written after the atomic set-add so a crash between the two leaves
// an orphaned member for the expiry listener, never a silent key.
func (g *Guard) CheckAndReserve(ctx context.Context, userID string, count int64, jobID string) (Decision, error) {
	tier := g.tiers.Classify(count)

	if d, active, err := g.checkCooldown(ctx, userID, tier); err != nil {
		return Decision{}, err
	} else if active {
		return d, nil
	}

	setKey := RunningSetKey(userID, tier.Name)
	ok, err := g.store.ReserveSlot(ctx, setKey, tier.MaxConcurrent, jobID)
	if err != nil {
		return Decision{}, fmt.Errorf("reserve slot: %w", err)
	}
	if !ok {
		// The user overflowed this tier's limit; start the global
		// cooldown window sized by the tier that caused the overflow.
		cooldown := time.Duration(tier.CooldownSeconds) * time.Second
		if cooldown > 0 {
			if err := g.store.SetWithTTL(ctx, CooldownKey(userID), tier.Name, cooldown); err != nil {
				logging.Op().Warn("cooldown key write failed", "user_id", userID, "tier", tier.Name, "error", err)
			}
		}
		return Decision{Outcome: RejectedConcurrency, Tier: tier, Limit: tier.MaxConcurrent}, nil
	}

	if err := g.store.SetWithTTL(ctx, SafetyKey(userID, tier.Name, jobID), tier.Name, g.safetyTTL); err != nil {
		// The slot is taken but has no TTL bound. Compensate by
		// releasing the member; if that also fails the listener or
		// sweeper reclaims it.
		if rmErr := g.store.SetRemove(ctx, setKey, jobID); rmErr != nil {
			logging.Op().Error("reservation compensation failed, orphan left for cleanup",
				"user_id", userID, "tier", tier.Name, "job_id", jobID, "error", rmErr)
		}
		return Decision{}, fmt.Errorf("write safety key: %w", err)
	}

	return Decision{Outcome: Allowed, Tier: tier}, nil
}

// MarkFinished releases the reservation for jobID. Both deletes are
// idempotent, so calling it repeatedly, or for a reservation that
// never succeeded, is harmless.
func (g *Guard) MarkFinished(ctx context.Context, userID string, tier Tier, jobID string) error {
	var firstErr error
	if err := g.store.Delete(ctx, SafetyKey(userID, tier.Name, jobID)); err != nil {
		firstErr = fmt.Errorf("delete safety key: %w", err)
	}
	if err := g.store.SetRemove(ctx, RunningSetKey(userID, tier.Name), jobID); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("remove running-set member: %w", err)
	}
	return firstErr
}

// checkCooldown reports whether the user is inside a cooldown window.
// The read is not atomic with the reservation; a user crossing out of
// cooldown between the two calls is admitted, which errs toward
// allowing work.
func (g *Guard) checkCooldown(ctx context.Context, userID string, requested Tier) (Decision, bool, error) {
	key := CooldownKey(userID)
	exists, err := g.store.Exists(ctx, key)
	if err != nil {
		return Decision{}, false, fmt.Errorf("check cooldown: %w", err)
	}
	if !exists {
		return Decision{}, false, nil
	}

	remaining, err := g.store.TTLSeconds(ctx, key)
	if err != nil {
		return Decision{}, false, fmt.Errorf("cooldown ttl: %w", err)
	}
	// The key may expire between the existence probe and the TTL read,
	// and a sub-second remainder truncates to zero either way. Treat
	// both as no cooldown rather than rejecting with an empty window.
	if remaining <= 0 {
		return Decision{}, false, nil
	}

	// The value names the tier whose overflow triggered the cooldown,
	// which determines the window's total length.
	total := remaining
	if name, err := g.store.Get(ctx, key); err == nil {
		if tier, ok := g.tiers.Lookup(name); ok {
			total = int64(tier.CooldownSeconds)
		}
	}

	return Decision{
		Outcome:           RejectedCooldown,
		Tier:              requested,
		CooldownTotal:     time.Duration(total) * time.Second,
		CooldownRemaining: time.Duration(remaining) * time.Second,
	}, true, nil
}
