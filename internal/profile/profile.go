package profile

import "sort"

type Tier string

const (
	TierUltra    Tier = "ultra"
	TierHigh     Tier = "high"
	TierStandard Tier = "standard"
	TierFast     Tier = "fast"
	TierPreview  Tier = "preview"
)

// Rank orders tiers from cheapest (0) to most capable.
func (t Tier) Rank() int {
	switch t {
	case TierUltra:
		return 4
	case TierHigh:
		return 3
	case TierStandard:
		return 2
	case TierFast:
		return 1
	case TierPreview:
		return 0
	}
	return -1
}

func (t Tier) Valid() bool { return t.Rank() >= 0 }

// Profile is an immutable descriptor of one compute tier. Resource
// costs are in memory units (1 unit = 1 GiB of device memory).
type Profile struct {
	Name         string
	Tier         Tier
	ResourceCost float64

	MaxWidth  int
	MaxHeight int
	MaxFrames int

	SupportsImageConditioning bool
	SupportsControlSignal     bool
	SupportsAdapters          bool

	SecondsPerFrame float64
	QualityScore    float64
	WarmupSeconds   float64
}

// Constraints are the hard requirements a caller places on tier
// selection. Zero values mean "no requirement".
type Constraints struct {
	NeedsImageConditioning bool
	NeedsControlSignal     bool
	NeedsAdapters          bool

	MinWidth  int
	MinHeight int
	MinFrames int

	// MaxResourceCost is the live available budget; profiles costing
	// more are excluded. 0 disables the check.
	MaxResourceCost float64
}

func (p Profile) Satisfies(c Constraints) bool {
	if c.MaxResourceCost > 0 && p.ResourceCost > c.MaxResourceCost {
		return false
	}
	if c.NeedsImageConditioning && !p.SupportsImageConditioning {
		return false
	}
	if c.NeedsControlSignal && !p.SupportsControlSignal {
		return false
	}
	if c.NeedsAdapters && !p.SupportsAdapters {
		return false
	}
	if c.MinWidth > 0 && p.MaxWidth < c.MinWidth {
		return false
	}
	if c.MinHeight > 0 && p.MaxHeight < c.MinHeight {
		return false
	}
	if c.MinFrames > 0 && p.MaxFrames < c.MinFrames {
		return false
	}
	return true
}

// Registry holds the static profile table. Built once at process start
// and never mutated afterwards.
type Registry struct {
	profiles []Profile
	byName   map[string]Profile
}

func NewRegistry(profiles []Profile) *Registry {
	cp := make([]Profile, len(profiles))
	copy(cp, profiles)

	byName := make(map[string]Profile, len(cp))
	for _, p := range cp {
		byName[p.Name] = p
	}
	return &Registry{profiles: cp, byName: byName}
}

func Default() *Registry {
	return NewRegistry(defaultProfiles)
}

func (r *Registry) All() []Profile {
	out := make([]Profile, len(r.profiles))
	copy(out, r.profiles)
	return out
}

func (r *Registry) ByName(name string) (Profile, bool) {
	p, ok := r.byName[name]
	return p, ok
}

func (r *Registry) ByTier(t Tier) (Profile, bool) {
	for _, p := range r.profiles {
		if p.Tier == t {
			return p, true
		}
	}
	return Profile{}, false
}

// Filter returns the profiles satisfying c, ordered by quality
// descending (ties broken by lower cost).
func (r *Registry) Filter(c Constraints) []Profile {
	var out []Profile
	for _, p := range r.profiles {
		if p.Satisfies(c) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QualityScore != out[j].QualityScore {
			return out[i].QualityScore > out[j].QualityScore
		}
		return out[i].ResourceCost < out[j].ResourceCost
	})
	return out
}

// Cheapest returns the profile with the lowest resource cost. The
// registry must not be empty.
func (r *Registry) Cheapest() Profile {
	best := r.profiles[0]
	for _, p := range r.profiles[1:] {
		if p.ResourceCost < best.ResourceCost {
			best = p
		}
	}
	return best
}

var defaultProfiles = []Profile{
	{
		Name:                      "gen-ultra-14b",
		Tier:                      TierUltra,
		ResourceCost:              24,
		MaxWidth:                  1920,
		MaxHeight:                 1080,
		MaxFrames:                 129,
		SupportsImageConditioning: true,
		SupportsControlSignal:     true,
		SupportsAdapters:          true,
		SecondsPerFrame:           8.0,
		QualityScore:              1.0,
		WarmupSeconds:             60,
	},
	{
		Name:                      "gen-high-7b",
		Tier:                      TierHigh,
		ResourceCost:              16,
		MaxWidth:                  1280,
		MaxHeight:                 720,
		MaxFrames:                 97,
		SupportsImageConditioning: true,
		SupportsControlSignal:     true,
		SupportsAdapters:          true,
		SecondsPerFrame:           5.0,
		QualityScore:              0.85,
		WarmupSeconds:             40,
	},
	{
		Name:                      "gen-standard-1.3b",
		Tier:                      TierStandard,
		ResourceCost:              8,
		MaxWidth:                  1280,
		MaxHeight:                 720,
		MaxFrames:                 81,
		SupportsImageConditioning: true,
		SupportsControlSignal:     true,
		SupportsAdapters:          true,
		SecondsPerFrame:           2.0,
		QualityScore:              0.7,
		WarmupSeconds:             20,
	},
	{
		Name:            "gen-fast",
		Tier:            TierFast,
		ResourceCost:    6,
		MaxWidth:        854,
		MaxHeight:       480,
		MaxFrames:       49,
		SecondsPerFrame: 1.0,
		QualityScore:    0.5,
		WarmupSeconds:   10,
	},
	{
		Name:            "gen-preview",
		Tier:            TierPreview,
		ResourceCost:    4,
		MaxWidth:        512,
		MaxHeight:       288,
		MaxFrames:       25,
		SecondsPerFrame: 0.3,
		QualityScore:    0.3,
		WarmupSeconds:   5,
	},
}
