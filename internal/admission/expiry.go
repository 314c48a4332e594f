package admission

import (
	"context"
	"time"

	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
)

// Listener repairs admission state when safety keys expire without a
// finish signal. Redis publishes expiry events for every key, delivery
// is best-effort, and events may arrive duplicated or out of order, so
// every step here is defensive and idempotent.
type Listener struct {
	store Store
	tiers *Table
}

// NewListener creates an expiry listener over the given store.
func NewListener(store Store, tiers *Table) *Listener {
	return &Listener{store: store, tiers: tiers}
}

// Run consumes expired key names until the channel closes or ctx is
// cancelled. Callers feed it from the store's key-expiry subscription.
func (l *Listener) Run(ctx context.Context, events <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-events:
			if !ok {
				return
			}
			l.Handle(ctx, key)
		}
	}
}

// Handle processes a single expired key. Non-job keys and malformed
// job keys are ignored; a valid key has its job id removed from the
// corresponding running-set.
func (l *Listener) Handle(ctx context.Context, key string) {
	userID, tierName, jobID, ok := ParseSafetyKey(key)
	if !ok {
		logging.Op().Debug("ignoring non-job expired key", "key", key)
		return
	}
	if _, known := l.tiers.Lookup(tierName); !known {
		logging.Op().Warn("ignoring expired job key with unknown tier", "key", key, "tier", tierName)
		return
	}

	setKey := RunningSetKey(userID, tierName)
	if err := l.store.SetRemove(ctx, setKey, jobID); err != nil {
		// Cleanup is idempotent; the sweeper retries what we miss.
		logging.Op().Error("stale job cleanup failed", "user_id", userID, "tier", tierName, "job_id", jobID, "error", err)
		return
	}
	metrics.Global().ExpiryCleanup()
	logging.Op().Info("cleaned stale job after safety key expiry", "user_id", userID, "tier", tierName, "job_id", jobID)
}

// Sweeper is the backstop for missed expiry notifications: it
// periodically scans every running-set and drops members whose safety
// key no longer exists. The interval should exceed the longest
// expected job duration so a member whose safety key has not been
// written yet is not raced.
type Sweeper struct {
	store    Store
	tiers    *Table
	interval time.Duration
}

// NewSweeper creates a sweeper. A zero interval selects twice the
// default safety key TTL.
func NewSweeper(store Store, tiers *Table, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 2 * DefaultSafetyKeyTTL
	}
	return &Sweeper{store: store, tiers: tiers, interval: interval}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce scans all running-sets and removes orphaned members.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	keys, err := s.store.ScanKeys(ctx, "user:*:jobs")
	if err != nil {
		logging.Op().Error("sweeper scan failed", "error", err)
		return
	}

	for _, setKey := range keys {
		userID, tierName, ok := ParseRunningSetKey(setKey)
		if !ok {
			continue
		}
		if _, known := s.tiers.Lookup(tierName); !known {
			continue
		}

		members, err := s.store.SetMembers(ctx, setKey)
		if err != nil {
			logging.Op().Error("sweeper set read failed", "key", setKey, "error", err)
			continue
		}
		for _, jobID := range members {
			alive, err := s.store.Exists(ctx, SafetyKey(userID, tierName, jobID))
			if err != nil {
				logging.Op().Error("sweeper safety probe failed", "job_id", jobID, "error", err)
				continue
			}
			if alive {
				continue
			}
			if err := s.store.SetRemove(ctx, setKey, jobID); err != nil {
				logging.Op().Error("sweeper cleanup failed", "job_id", jobID, "error", err)
				continue
			}
			metrics.Global().ExpiryCleanup()
			logging.Op().Info("sweeper removed orphaned reservation", "user_id", userID, "tier", tierName, "job_id", jobID)
		}
	}
}
