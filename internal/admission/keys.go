package admission

import "strings"

// Redis key formats used by the admission controller. Keys use ":" as
// the only separator, so user ids and job ids must never contain
// colons; the HTTP boundary rejects them before they reach this
// package.
//
//	user:{userId}:{tier}:jobs   SET of running job ids (SCARD = concurrency)
//	job:{userId}:{tier}:{jobId} per-job safety key, TTL-bounded
//	user:{userId}:cooldown      per-user cooldown, value = triggering tier

const safetyKeyPrefix = "job:"

// RunningSetKey is the set of currently admitted job ids for (user, tier).
func RunningSetKey(userID, tier string) string {
	return "user:" + userID + ":" + tier + ":jobs"
}

// SafetyKey marks a single live reservation. Its TTL expiry is the
// crash signal the expiry listener reacts to.
func SafetyKey(userID, tier, jobID string) string {
	return safetyKeyPrefix + userID + ":" + tier + ":" + jobID
}

// CooldownKey blocks all admissions for a user while present.
func CooldownKey(userID string) string {
	return "user:" + userID + ":cooldown"
}

// ParseSafetyKey splits an expired safety key into its parts. Returns
// ok=false for anything that is not a well-formed 4-segment job key.
func ParseSafetyKey(key string) (userID, tier, jobID string, ok bool) {
	if !strings.HasPrefix(key, safetyKeyPrefix) {
		return "", "", "", false
	}
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		return "", "", "", false
	}
	if parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return "", "", "", false
	}
	return parts[1], parts[2], parts[3], true
}

// ParseRunningSetKey splits a running-set key (user:{id}:{tier}:jobs),
// used by the sweeper when scanning sets.
func ParseRunningSetKey(key string) (userID, tier string, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "user" || parts[3] != "jobs" {
		return "", "", false
	}
	if parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
