package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/vibrationalforce/echoel-inference/internal/activity"
	"github.com/vibrationalforce/echoel-inference/internal/policy"
)

// Unloader releases the underlying resources of an unloaded tier.
type Unloader interface {
	Unload(tierName string) error
}

// Reaper sweeps tier runtime state and unloads tiers idle beyond the
// threshold. Pinned tiers and per-tier TTL overrides come from the
// policy store when one is wired.
type Reaper struct {
	Orchestrator *Orchestrator
	Policies     *policy.Store
	Unloader     Unloader
	Activity     *activity.Log

	// IdleAfter is the default idle threshold. Default 300s.
	IdleAfter time.Duration

	// Tick frequency.
	Interval time.Duration
}

func (r *Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.sweep(ctx)
		}
	}
}

// sweep is one reap pass. Returned names have been marked unloaded and
// handed to the Unloader for resource release.
func (r *Reaper) sweep(ctx context.Context) []string {
	idleAfter := r.IdleAfter
	if idleAfter <= 0 {
		idleAfter = 300 * time.Second
	}

	now := time.Now()
	var unloaded []string

	for _, st := range r.Orchestrator.TierStates() {
		if !st.Loaded {
			continue
		}

		threshold := idleAfter
		if r.Policies != nil {
			pol, ok, err := r.Policies.GetPolicy(ctx, st.Name)
			if err != nil {
				log.Printf("reaper: get policy: %v", err)
				continue
			}
			if ok && pol.Pinned {
				continue
			}
			if ok && pol.IdleTTLSecs > 0 {
				threshold = time.Duration(pol.IdleTTLSecs) * time.Second
			}
		}

		idle := now.Sub(st.LastUsed)
		if st.LastUsed.IsZero() || idle < threshold {
			continue
		}

		if !r.Orchestrator.states.markUnloaded(st.Name) {
			continue
		}
		unloaded = append(unloaded, st.Name)

		if r.Unloader != nil {
			if err := r.Unloader.Unload(st.Name); err != nil {
				log.Printf("reaper: unload failed tier=%s err=%v", st.Name, err)
			}
		}
		if r.Activity != nil {
			r.Activity.Add(activity.Event{
				At:   time.Now(),
				Type: activity.EventIdleUnload,
				Tier: st.Name,
				Note: idle.Truncate(time.Second).String(),
			})
		}
		log.Printf("reaper: unloaded idle tier=%s idle=%s", st.Name, idle.Truncate(time.Second))
	}

	return unloaded
}

// ReapIdleTiers runs one sweep immediately and returns the unloaded
// tier names.
func (r *Reaper) ReapIdleTiers(ctx context.Context) []string {
	return r.sweep(ctx)
}
