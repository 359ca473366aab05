// Package deltasync sequences base, delta and subscription operations so a
// reconnecting client only refetches what it missed.
package deltasync

import "time"

// Method is how a sync refreshes local data.
type Method int

const (
	// Full reruns the base query against the service.
	Full Method = iota
	// Partial runs the delta query for changes since the last sync.
	Partial
)

func (m Method) String() string {
	if m == Partial {
		return "partial"
	}
	return "full"
}

const DefaultRefreshInterval = 24 * time.Hour

// Policy decides between a full and a partial refresh.
type Policy struct {
	HasDelta        bool
	RefreshInterval time.Duration
}

// Method returns Full when there is no delta query, no previous sync, or the
// previous sync is older than the refresh interval. A last sync in the future
// counts as inside the interval.
func (p Policy) Method(lastSync *time.Time, now time.Time) Method {
	if !p.HasDelta || lastSync == nil {
		return Full
	}
	if now.Sub(*lastSync) > p.RefreshInterval {
		return Full
	}
	return Partial
}
