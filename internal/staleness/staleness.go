// Package staleness classifies cached records against a fixed TTL. It is
// pure: no store, no clock, no network. Callers supply both timestamps.
package staleness

import "time"

// Freshness of a cached record. Stale records stay usable; the
// classification only changes messaging and forces revalidation on the next
// online read.
type Freshness int

const (
	Fresh Freshness = iota
	Stale
)

func (f Freshness) String() string {
	if f == Stale {
		return "stale"
	}
	return "fresh"
}

// DefaultTTL is how long a cached handoff is served without a revalidation
// warning.
const DefaultTTL = 48 * time.Hour

// Classify reports whether a record fetched at cachedAt is still fresh at
// now. A record is stale strictly after the TTL elapses; a successful
// revalidation resets the window by moving cachedAt forward.
func Classify(cachedAt, now time.Time, ttl time.Duration) Freshness {
	if now.Sub(cachedAt) > ttl {
		return Stale
	}
	return Fresh
}
