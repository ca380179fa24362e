package policy

import "time"

// TierPolicy is operator-set policy for one tier, layered over the
// static profile table.
type TierPolicy struct {
	Tier        string
	IdleTTLSecs int64 // overrides the reaper default when > 0
	Pinned      bool  // never unloaded by the reaper
	Priority    int   // higher = keep longer under pressure
}

// DeadLetter records an item that exhausted its retries.
type DeadLetter struct {
	ItemID      string
	Description string
	Tier        string
	Attempts    int
	Error       string
	FailedAt    time.Time
}
