// Package orchestrator picks the compute tier for each request from
// workload analysis, the static profile table, and live resource
// telemetry.
package orchestrator

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vibrationalforce/echoel-inference/internal/activity"
	"github.com/vibrationalforce/echoel-inference/internal/profile"
	"github.com/vibrationalforce/echoel-inference/internal/telemetry"
	"github.com/vibrationalforce/echoel-inference/internal/workload"
)

// Request carries the caller's description and hard requirements.
type Request struct {
	Description string
	Width       int
	Height      int
	Frames      int

	NeedsImageConditioning bool
	NeedsControlSignal     bool
	NeedsAdapters          bool

	// ForceTier restricts selection to one tier when set.
	ForceTier profile.Tier

	// PreferSpeed ranks candidates by throughput instead of quality.
	PreferSpeed bool
}

// Overrides are configuration knobs derived deterministically from the
// workload analysis.
type Overrides struct {
	CacheThreshold  float64
	UseTiling       bool
	TileSize        int
	InferenceSteps  int
	GuidanceScale   float64
	MotionMagnitude int
}

// Decision is the immutable outcome of one tier selection.
type Decision struct {
	Selected  profile.Profile
	Fallbacks []profile.Profile
	Overrides Overrides
	Analysis  workload.Analysis

	Reason           string
	Warnings         []string
	EstimatedSeconds float64
	EstimatedQuality float64
}

// IsUnschedulable reports whether err means no tier fits the current
// resource budget.
func IsUnschedulable(err error) bool {
	return status.Code(err) == codes.ResourceExhausted
}

type Orchestrator struct {
	registry  *profile.Registry
	analyzer  *workload.Analyzer
	resources telemetry.ResourceFunc
	states    *stateMap

	// Activity receives degraded-decision events when set.
	Activity *activity.Log
}

func New(registry *profile.Registry, analyzer *workload.Analyzer, resources telemetry.ResourceFunc) *Orchestrator {
	if resources == nil {
		resources = telemetry.HostMemory(telemetry.DefaultReserveUnits)
	}
	return &Orchestrator{
		registry:  registry,
		analyzer:  analyzer,
		resources: resources,
		states:    newStateMap(),
	}
}

// Analyze classifies a request description.
func (o *Orchestrator) Analyze(description string) workload.Analysis {
	return o.analyzer.Analyze(description)
}

// SelectTier picks the tier for one request. Degraded conditions
// (no fully compatible profile, low budget) downgrade with warnings;
// the only error is a typed ResourceExhausted when even the cheapest
// tier does not fit the live budget.
func (o *Orchestrator) SelectTier(req Request) (Decision, error) {
	analysis := o.analyzer.Analyze(req.Description)
	available := o.resources()
	var warnings []string

	candidates := o.registry.Filter(profile.Constraints{
		NeedsImageConditioning: req.NeedsImageConditioning,
		NeedsControlSignal:     req.NeedsControlSignal,
		NeedsAdapters:          req.NeedsAdapters,
		MinWidth:               req.Width,
		MinHeight:              req.Height,
		MinFrames:              req.Frames,
		MaxResourceCost:        available,
	})

	if len(candidates) == 0 {
		// Relax optional capabilities and output-size requirements
		// before giving up; image conditioning is the only capability a
		// request truly cannot do without.
		warnings = append(warnings, "no tier fully meets requirements, relaxing constraints")
		candidates = o.registry.Filter(profile.Constraints{
			NeedsImageConditioning: req.NeedsImageConditioning,
			MaxResourceCost:        available,
		})
	}

	if len(candidates) == 0 {
		cheapest := o.registry.Cheapest()
		if cheapest.ResourceCost > available {
			return Decision{}, status.Errorf(codes.ResourceExhausted,
				"unschedulable: cheapest tier %s needs %.0f units, %.0f available",
				cheapest.Name, cheapest.ResourceCost, available)
		}
		warnings = append(warnings, fmt.Sprintf("falling back to lowest tier %s", cheapest.Name))
		candidates = []profile.Profile{cheapest}
	}

	if req.ForceTier != "" {
		forced := candidates[:0:0]
		for _, p := range candidates {
			if p.Tier == req.ForceTier {
				forced = append(forced, p)
			}
		}
		if len(forced) > 0 {
			candidates = forced
		} else {
			warnings = append(warnings, fmt.Sprintf("requested tier %s not available", req.ForceTier))
		}
	}

	if req.PreferSpeed {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].SecondsPerFrame < candidates[j].SecondsPerFrame
		})
	}
	// Filter already ranks by quality for the default preference.

	selected := candidates[0]
	var fallbacks []profile.Profile
	if len(candidates) > 1 {
		end := len(candidates)
		if end > 3 {
			end = 3
		}
		fallbacks = append(fallbacks, candidates[1:end]...)
	}

	estimated := selected.SecondsPerFrame * float64(req.Frames)
	switch analysis.Complexity {
	case workload.Ultra:
		estimated *= 1.3
	case workload.Complex:
		estimated *= 1.1
	}

	d := Decision{
		Selected:         selected,
		Fallbacks:        fallbacks,
		Overrides:        deriveOverrides(analysis, selected, req),
		Analysis:         analysis,
		Reason:           buildReason(analysis, selected),
		Warnings:         warnings,
		EstimatedSeconds: estimated,
		EstimatedQuality: selected.QualityScore,
	}

	if len(warnings) > 0 && o.Activity != nil {
		o.Activity.Add(activity.Event{
			At:   time.Now(),
			Type: activity.EventDegraded,
			Tier: selected.Name,
			Note: strings.Join(warnings, "; "),
		})
	}

	log.Printf("orchestrator: selected tier=%s complexity=%s warnings=%d",
		selected.Name, analysis.Complexity, len(warnings))
	return d, nil
}

// deriveOverrides is deterministic in the analysis: higher complexity
// means more conservative caching and more steps, stronger detail cues
// mean stronger guidance.
func deriveOverrides(a workload.Analysis, p profile.Profile, req Request) Overrides {
	ov := Overrides{
		CacheThreshold: 0.1,
		InferenceSteps: 40,
		GuidanceScale:  7.5,
	}

	switch a.Complexity {
	case workload.Simple:
		ov.CacheThreshold = 0.15
		ov.InferenceSteps = 30
	case workload.Ultra:
		ov.CacheThreshold = 0.05
	}

	if a.CinematicLevel > 0.5 {
		ov.InferenceSteps = 50
	}

	if a.DetailLevel > 0.6 {
		ov.GuidanceScale = 9.0
	} else if a.DetailLevel < 0.3 {
		ov.GuidanceScale = 6.0
	}

	if req.Width*req.Height > 1280*720 {
		ov.UseTiling = true
		ov.TileSize = 512
	}

	switch {
	case !a.HasMotion:
		ov.MotionMagnitude = 50
	case a.MotionMagnitude > 0.5:
		ov.MotionMagnitude = 200
	default:
		ov.MotionMagnitude = 127
	}

	return ov
}

func buildReason(a workload.Analysis, p profile.Profile) string {
	parts := []string{fmt.Sprintf("complexity: %s", a.Complexity)}
	if a.CinematicLevel > 0.3 {
		parts = append(parts, "cinematic style")
	}
	if a.HasMotion {
		parts = append(parts, fmt.Sprintf("motion level: %.0f%%", a.MotionMagnitude*100))
	}
	parts = append(parts, fmt.Sprintf("quality score: %.0f%%", p.QualityScore*100))
	return strings.Join(parts, ", ")
}

// RecordOutcome updates the tier's runtime state after one generation.
func (o *Orchestrator) RecordOutcome(tierName string, latency time.Duration, success bool) {
	o.states.observe(tierName, latency, success)
}

// TierStates returns a snapshot of all tracked tiers.
func (o *Orchestrator) TierStates() []TierState {
	return o.states.snapshot()
}

// TierState returns the runtime state of one tier.
func (o *Orchestrator) TierState(name string) (TierState, bool) {
	return o.states.get(name)
}

// AvailableResource re-reads the live budget.
func (o *Orchestrator) AvailableResource() float64 {
	return o.resources()
}
