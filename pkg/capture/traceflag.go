package capture

import "time"

// FlagState is one state in a trace flag's lifecycle:
// absent -> creating -> active -> expiring -> deleted. expiring -> active
// is reachable only via an explicit extend call.
type FlagState string

const (
	FlagAbsent   FlagState = "absent"
	FlagCreating FlagState = "creating"
	FlagActive   FlagState = "active"
	FlagExpiring FlagState = "expiring"
	FlagDeleted  FlagState = "deleted"
)

// maxTraceFlagLifetime is the platform's hard cap on a trace flag's
// expiration: 24 hours from creation, regardless of the requested
// duration.
const maxTraceFlagLifetime = 24 * time.Hour

// ClampExpiration caps a requested duration at the platform's 24h ceiling.
func ClampExpiration(requested time.Duration) time.Duration {
	if requested > maxTraceFlagLifetime {
		return maxTraceFlagLifetime
	}
	if requested <= 0 {
		return maxTraceFlagLifetime
	}
	return requested
}

// DeriveState classifies an existing trace flag's lifecycle state given
// its expiration and the configured remaining-minutes buffer: a flag
// with less than buffer remaining is "expiring" and due for an extend
// rather than a fresh create.
func DeriveState(expiration time.Time, buffer time.Duration) FlagState {
	remaining := time.Until(expiration)
	if remaining <= 0 {
		return FlagDeleted
	}
	if remaining < buffer {
		return FlagExpiring
	}
	return FlagActive
}
