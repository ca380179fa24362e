package engine

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/vibrationalforce/echoel-inference/internal/speculative"
)

// seedState derives a deterministic initial latent from the prompt so
// identical descriptions start from identical states.
func seedState(description string, size int) []float32 {
	if size <= 0 {
		size = 256
	}
	h := fnv.New64a()
	h.Write([]byte(description))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	state := make([]float32, size)
	for i := range state {
		state[i] = float32(rng.NormFloat64())
	}
	return state
}

// SimDenoiser stands in for a real diffusion step. Each step damps the
// state toward a prompt-derived attractor, so consecutive steps produce
// highly similar latents in the way a real scheduler's mid-trajectory
// steps do.
type SimDenoiser struct {
	// Damping controls how fast states converge. Values near 1 keep
	// consecutive steps close together.
	Damping float32
}

func (d *SimDenoiser) Denoise(ctx context.Context, state []float32, step int) ([]float32, error) {
	damping := d.Damping
	if damping == 0 {
		damping = 0.97
	}
	next := make([]float32, len(state))
	drift := float32(math.Sin(float64(step)*0.05)) * (1 - damping)
	for i, v := range state {
		next[i] = v*damping + drift
	}
	return next, nil
}

// SimDraft proposes cheap continuations by scaling the prefix tail. Its
// confidence decays with position so verification rejects late tokens
// more often, which is how a small draft model behaves.
type SimDraft struct{}

func (SimDraft) Propose(ctx context.Context, prefix [][]float32, steps int) ([]speculative.Proposal, error) {
	var last []float32
	if len(prefix) > 0 {
		last = prefix[len(prefix)-1]
	}
	out := make([]speculative.Proposal, 0, steps)
	for i := 0; i < steps; i++ {
		next := make([]float32, len(last))
		for j, v := range last {
			next[j] = v * 0.99
		}
		out = append(out, speculative.Proposal{
			Output:     next,
			Confidence: 1.0 / float64(i+1),
		})
		last = next
	}
	return out, nil
}

// SimTarget accepts proposals above a confidence floor and produces
// corrections for the rest.
type SimTarget struct {
	// AcceptFloor is the minimum draft confidence the target agrees
	// with. Zero means accept everything.
	AcceptFloor float64
}

func (t SimTarget) Verify(ctx context.Context, prefix [][]float32, proposals []speculative.Proposal) ([]speculative.Verification, error) {
	out := make([]speculative.Verification, len(proposals))
	for i, p := range proposals {
		if p.Confidence >= t.AcceptFloor {
			out[i] = speculative.Verification{Accepted: true}
			continue
		}
		corr := make([]float32, len(p.Output))
		for j, v := range p.Output {
			corr[j] = v * 0.5
		}
		out[i] = speculative.Verification{Accepted: false, Correction: corr}
	}
	return out, nil
}

func (t SimTarget) Generate(ctx context.Context, prefix [][]float32) ([]float32, error) {
	var last []float32
	if len(prefix) > 0 {
		last = prefix[len(prefix)-1]
	}
	next := make([]float32, len(last))
	for j, v := range last {
		next[j] = v * 0.98
	}
	return next, nil
}
