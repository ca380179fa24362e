package tempcache

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func halfVector(firstHalf bool) []float32 {
	v := make([]float32, 64)
	for i := range v {
		if (i < 32) == firstHalf {
			v[i] = 1
		}
	}
	return v
}

func TestEdgeStepsAlwaysCompute(t *testing.T) {
	c := New(Config{EdgeSteps: 3})
	state := halfVector(true)
	c.Record(10, 0, state, state)

	for _, step := range []int{0, 1, 2, 37, 38, 39} {
		require.True(t, c.ShouldCompute(step, 40, state), "step %d is inside an edge window", step)
	}
}

func TestIdenticalStateHitsAndAliases(t *testing.T) {
	c := New(Config{})
	state := halfVector(true)
	output := []float32{42}

	require.True(t, c.ShouldCompute(10, 40, state))
	c.Record(10, 0, state, output)

	// Same latent one step later: digest match, mid-sequence threshold.
	require.False(t, c.ShouldCompute(11, 40, state))

	got, ok := c.Lookup(11, 0)
	require.True(t, ok, "alias from the hit resolves the unrecorded key")
	require.Equal(t, output, got)

	st := c.Stats()
	require.Equal(t, uint64(1), st.Hits)
	require.Equal(t, uint64(1), st.Misses)
	require.Equal(t, uint64(1), st.SkippedSteps)
}

func TestDivergedStateComputes(t *testing.T) {
	c := New(Config{})
	a := halfVector(true)
	b := halfVector(false)
	c.Record(10, 0, a, a)

	require.True(t, c.ShouldCompute(20, 40, b), "orthogonal latent must recompute")
}

func TestPrefixEqualTailDivergentIsNotAHit(t *testing.T) {
	c := New(Config{})

	// Same leading 16 values and the same norm, so only the tails of
	// the normalized fingerprints differ.
	a := make([]float32, 64)
	b := make([]float32, 64)
	for i := 0; i < 16; i++ {
		a[i], b[i] = 1, 1
	}
	for i := 16; i < 40; i++ {
		a[i] = 1
	}
	for i := 40; i < 64; i++ {
		b[i] = 1
	}

	c.Record(10, 0, a, a)
	require.True(t, c.ShouldCompute(20, 40, b),
		"cosine 0.4 must not be mistaken for identity")
}

func TestEmptyStateFailsOpen(t *testing.T) {
	c := New(Config{})
	require.True(t, c.ShouldCompute(20, 40, nil))
	require.True(t, c.ShouldCompute(20, 40, []float32{}))

	// Record of an unfingerprintable state is dropped, not an error.
	c.Record(20, 0, nil, []float32{1})
	require.Equal(t, 0, c.Stats().Entries)
}

func TestFIFOEviction(t *testing.T) {
	c := New(Config{MaxCachedFrames: 2})
	a := halfVector(true)

	c.Record(10, 0, a, []float32{0})
	c.Record(11, 0, a, []float32{1})
	c.Record(12, 0, a, []float32{2})

	require.Equal(t, 2, c.Stats().Entries)
	_, ok := c.Lookup(10, 0)
	require.False(t, ok, "oldest entry is evicted first")
	_, ok = c.Lookup(12, 0)
	require.True(t, ok)
}

func TestAdaptiveThresholdBellCurve(t *testing.T) {
	c := New(Config{BaseThreshold: 0.1})

	mid := c.adaptiveThreshold(20, 41)
	early := c.adaptiveThreshold(5, 41)
	late := c.adaptiveThreshold(35, 41)

	require.InDelta(t, 0.1, mid, 1e-9, "widest at the midpoint")
	require.Less(t, early, mid)
	require.Less(t, late, mid)
	require.InDelta(t, early, late, 1e-9, "curve is symmetric")
}

func TestStatsSpeedupFormula(t *testing.T) {
	c := New(Config{})
	state := halfVector(true)
	c.Record(10, 0, state, state)

	// One hit, one miss against the initial record.
	require.False(t, c.ShouldCompute(11, 40, state))
	require.True(t, c.ShouldCompute(20, 40, halfVector(false)))

	st := c.Stats()
	require.InDelta(t, 0.5, st.HitRate, 1e-9)
	want := 1 / (1 - 0.5*(1-0.05))
	require.InDelta(t, want, st.EstimatedSpeedup, 1e-9)
	require.GreaterOrEqual(t, st.SimilarityMax, st.SimilarityMin)
}

func TestResetClearsEverything(t *testing.T) {
	c := New(Config{})
	state := halfVector(true)
	c.Record(10, 0, state, state)
	require.False(t, c.ShouldCompute(11, 40, state))

	c.Reset()

	st := c.Stats()
	require.Zero(t, st.Hits)
	require.Zero(t, st.Misses)
	require.Zero(t, st.Entries)
	_, ok := c.Lookup(10, 0)
	require.False(t, ok)

	require.True(t, math.IsInf(c.simMin, 1))
}
