package workload

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vibrationalforce/echoel-inference/internal/profile"
)

func TestAnalyzeClassification(t *testing.T) {
	a := NewAnalyzer()

	cases := []struct {
		name        string
		description string
		complexity  Complexity
	}{
		{"static scene", "a vase standing on a table", Simple},
		{"empty prompt", "", Simple},
		{"motion bumps class", "a person walking through a park", Moderate},
		{"ultra keyword plus motion", "an explosion behind a running crowd of people", Ultra},
		{"transforming scene", "a dragon flying over mountains, then transforming into smoke", Complex},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := a.Analyze(tc.description)
			require.Equal(t, tc.complexity, got.Complexity, "description %q", tc.description)
		})
	}
}

func TestAnalyzeSignals(t *testing.T) {
	a := NewAnalyzer()

	got := a.Analyze("a cinematic 4k shot of a woman dancing, then a man running after her")
	require.True(t, got.HasMotion)
	require.Greater(t, got.MotionMagnitude, 0.0)
	require.GreaterOrEqual(t, got.SceneTransitions, 2)
	require.Greater(t, got.CinematicLevel, 0.0)
	require.Greater(t, got.DetailLevel, 0.0)
	require.NotEmpty(t, got.ActionKeywords)
	require.NotEmpty(t, got.StyleKeywords)
	require.NotEmpty(t, got.QualityKeywords)
}

func TestAnalyzeEntityEstimate(t *testing.T) {
	a := NewAnalyzer()

	single := a.Analyze("sunset")
	require.Equal(t, 1, single.EstimatedEntities, "floor at one entity")

	many := a.Analyze("a dog chases a cat past the fence while two kids and several adults watch")
	require.Greater(t, many.EstimatedEntities, single.EstimatedEntities)
}

func TestRecommendTier(t *testing.T) {
	a := NewAnalyzer()

	simple := a.Analyze("a rock")
	require.Equal(t, profile.TierStandard, simple.RecommendedTier)

	// Quality cues bump one tier.
	detailed := a.Analyze("a rock, 8k, hdr, masterpiece, ultra detailed")
	require.Equal(t, profile.TierHigh, detailed.RecommendedTier)

	ultra := a.Analyze("an epic battle with an exploding orchestra and a crowd of people fighting")
	require.Equal(t, profile.TierUltra, ultra.RecommendedTier)
}

func TestAnalyzeMemoized(t *testing.T) {
	a := NewAnalyzer()
	first := a.Analyze("a person walking")
	second := a.Analyze("a person walking")
	require.Equal(t, first, second)
}
