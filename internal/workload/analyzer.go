package workload

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/vibrationalforce/echoel-inference/internal/profile"
)

type Complexity int

const (
	Simple Complexity = iota
	Moderate
	Complex
	Ultra
)

func (c Complexity) String() string {
	switch c {
	case Simple:
		return "simple"
	case Moderate:
		return "moderate"
	case Complex:
		return "complex"
	case Ultra:
		return "ultra"
	}
	return "unknown"
}

// Analysis is the immutable classification of one request description.
type Analysis struct {
	Complexity        Complexity
	EstimatedEntities int
	HasMotion         bool
	MotionMagnitude   float64
	SceneTransitions  int
	DetailLevel       float64
	CinematicLevel    float64
	RecommendedTier   profile.Tier

	ActionKeywords  []string
	StyleKeywords   []string
	QualityKeywords []string
}

var actionKeywords = map[Complexity][]string{
	Simple:   {"standing", "sitting", "looking", "static", "still"},
	Moderate: {"walking", "running", "moving", "turning", "waving"},
	Complex:  {"dancing", "fighting", "flying", "transforming", "morphing"},
	Ultra:    {"explosion", "crowd", "battle", "chase", "orchestra"},
}

var styleKeywords = map[string][]string{
	"cinematic": {"cinematic", "movie", "film", "hollywood", "blockbuster"},
	"artistic":  {"artistic", "painting", "abstract", "surreal", "dreamlike"},
	"realistic": {"realistic", "photorealistic", "real", "lifelike", "natural"},
	"anime":     {"anime", "manga", "cartoon", "animated", "2d"},
}

var qualityKeywords = []string{
	"8k", "4k", "hdr", "high quality", "detailed", "masterpiece",
	"professional", "premium", "best quality", "ultra detailed",
}

var motionKeywords = []string{
	"moving", "walking", "running", "dancing", "flying", "spinning",
	"jumping", "falling", "exploding", "transforming", "flowing",
}

var transitionMarkers = []string{
	"then", "after", "before", "next", "followed by", "transforms into",
}

var entityWords = []string{
	"person", "man", "woman", "character", "people", "crowd", "group",
}

var entityPattern = regexp.MustCompile(`\b(a|an|the|one|two|three|four|five|multiple|several|many)\s+\w+`)

// Analyzer classifies request descriptions. Analyses are memoized per
// description since the same prompt is often resubmitted at several
// priorities.
type Analyzer struct {
	memo *lru.Cache
}

func NewAnalyzer() *Analyzer {
	memo, _ := lru.New(512)
	return &Analyzer{memo: memo}
}

func (a *Analyzer) Analyze(description string) Analysis {
	if a.memo != nil {
		if v, ok := a.memo.Get(description); ok {
			return v.(Analysis)
		}
	}

	out := analyze(description)

	if a.memo != nil {
		a.memo.Add(description, out)
	}
	return out
}

func analyze(description string) Analysis {
	lower := strings.ToLower(description)

	var found []string
	actionLevel := Simple
	for level, kws := range actionKeywords {
		for _, kw := range kws {
			if strings.Contains(lower, kw) {
				found = append(found, kw)
				if level > actionLevel {
					actionLevel = level
				}
			}
		}
	}

	var styles []string
	for _, kws := range styleKeywords {
		for _, kw := range kws {
			if strings.Contains(lower, kw) {
				styles = append(styles, kw)
			}
		}
	}

	var quality []string
	for _, kw := range qualityKeywords {
		if strings.Contains(lower, kw) {
			quality = append(quality, kw)
		}
	}

	entities := 1
	if m := entityPattern.FindAllString(lower, -1); len(m) > entities {
		entities = len(m)
	}

	motionHits := 0
	for _, kw := range motionKeywords {
		if strings.Contains(lower, kw) {
			motionHits++
		}
	}
	hasMotion := motionHits > 0
	motionMagnitude := float64(motionHits) / float64(len(motionKeywords))

	transitions := 0
	for _, tm := range transitionMarkers {
		if strings.Contains(lower, tm) {
			transitions++
		}
	}

	characters := 0
	for _, cw := range entityWords {
		if strings.Contains(lower, cw) {
			characters++
		}
	}

	cinematic := 0.0
	for _, kw := range styleKeywords["cinematic"] {
		if strings.Contains(lower, kw) {
			cinematic += 0.2
		}
	}
	if cinematic > 1 {
		cinematic = 1
	}

	detail := float64(len(quality)) / 5
	if detail > 1 {
		detail = 1
	}

	complexity := scoreComplexity(actionLevel, entities, hasMotion, transitions, characters)

	return Analysis{
		Complexity:        complexity,
		EstimatedEntities: entities,
		HasMotion:         hasMotion,
		MotionMagnitude:   motionMagnitude,
		SceneTransitions:  transitions,
		DetailLevel:       detail,
		CinematicLevel:    cinematic,
		RecommendedTier:   recommendTier(complexity, detail, cinematic),
		ActionKeywords:    found,
		StyleKeywords:     styles,
		QualityKeywords:   quality,
	}
}

// scoreComplexity combines the signals into an ordinal class. Threshold
// comparisons use >= so ties resolve toward the higher class.
func scoreComplexity(action Complexity, entities int, hasMotion bool, transitions, characters int) Complexity {
	score := int(action)

	if entities > 5 {
		score++
	}
	if hasMotion {
		score++
	}
	if transitions > 2 {
		score++
	}
	if characters > 2 {
		score++
	}

	switch {
	case score >= 4:
		return Ultra
	case score >= 3:
		return Complex
	case score >= 1:
		return Moderate
	default:
		return Simple
	}
}

func recommendTier(c Complexity, detail, cinematic float64) profile.Tier {
	var base profile.Tier
	switch c {
	case Ultra:
		base = profile.TierUltra
	case Complex, Moderate:
		base = profile.TierHigh
	default:
		base = profile.TierStandard
	}

	// Strong quality cues bump the recommendation one tier up.
	if detail > 0.6 || cinematic > 0.4 {
		switch base {
		case profile.TierStandard:
			base = profile.TierHigh
		case profile.TierHigh:
			base = profile.TierUltra
		}
	}
	return base
}
