// Package speculative accelerates sequential decoding with a cheap
// draft evaluator verified by the expensive target evaluator. Accepted
// prefixes are truncated at the first rejection, so the output is
// distributed exactly as if the target evaluator had run alone.
package speculative

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Proposal is one draft output with the draft model's confidence.
type Proposal struct {
	Output     []float32
	Confidence float64
}

// Verification is the target model's verdict for one proposal. When
// rejected, Correction carries the output the target computed instead.
type Verification struct {
	Accepted   bool
	Correction []float32
}

// Draft is the cheap approximate evaluator.
type Draft interface {
	Propose(ctx context.Context, prefix [][]float32, n int) ([]Proposal, error)
}

// Target is the expensive exact evaluator.
type Target interface {
	Verify(ctx context.Context, prefix [][]float32, proposals []Proposal) ([]Verification, error)
	Generate(ctx context.Context, prefix [][]float32) ([]float32, error)
}

type Config struct {
	// DraftSteps is the number of proposals requested per round.
	// Default 4.
	DraftSteps int

	// DraftCost and TargetCost are relative per-output cost estimates
	// feeding the speedup statistic. Defaults 1 and 4.
	DraftCost  float64
	TargetCost float64

	// Parallelism bounds concurrent independent sequences in
	// DecodeSequences. Default 2.
	Parallelism int64
}

func (c Config) withDefaults() Config {
	if c.DraftSteps <= 0 {
		c.DraftSteps = 4
	}
	if c.DraftCost <= 0 {
		c.DraftCost = 1
	}
	if c.TargetCost <= 0 {
		c.TargetCost = 4
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 2
	}
	return c
}

// Stats summarizes decoding effectiveness, either for one decode call
// or cumulatively across the executor's lifetime.
type Stats struct {
	Proposed uint64
	Accepted uint64
	Rounds   uint64

	// Fallbacks counts degradation events: rounds where the draft
	// failed or made no progress and decoding switched to target-only.
	Fallbacks uint64

	AcceptanceRate float64
	SpeedupFactor  float64
}

// counters is the raw tally behind Stats.
type counters struct {
	proposed  uint64
	accepted  uint64
	rounds    uint64
	fallbacks uint64
	outputs   uint64
	spentCost float64
}

func (c *counters) add(o counters) {
	c.proposed += o.proposed
	c.accepted += o.accepted
	c.rounds += o.rounds
	c.fallbacks += o.fallbacks
	c.outputs += o.outputs
	c.spentCost += o.spentCost
}

func (c counters) stats(cfg Config) Stats {
	s := Stats{
		Proposed:  c.proposed,
		Accepted:  c.accepted,
		Rounds:    c.rounds,
		Fallbacks: c.fallbacks,
	}
	if c.proposed > 0 {
		s.AcceptanceRate = float64(c.accepted) / float64(c.proposed)
	}
	// Ratio of what the target alone would have spent to what draft
	// plus verify actually spent. Floored at parity while drafting is
	// profitable: the executor degrades to target-only instead of ever
	// running slower than it.
	if c.spentCost > 0 {
		s.SpeedupFactor = float64(c.outputs) * cfg.TargetCost / c.spentCost
		if s.SpeedupFactor < 1 && s.AcceptanceRate > 0 && cfg.DraftCost < cfg.TargetCost {
			s.SpeedupFactor = 1
		}
	}
	return s
}

type Executor struct {
	cfg    Config
	draft  Draft // nil: target-only fallback
	target Target

	mu    sync.Mutex
	total counters
}

func New(cfg Config, draft Draft, target Target) *Executor {
	return &Executor{cfg: cfg.withDefaults(), draft: draft, target: target}
}

// Decode produces maxOutputs outputs for one sequence. Cancellation is
// observed at round boundaries; a draft failure degrades to target-only
// decoding for the remainder of the call.
func (e *Executor) Decode(ctx context.Context, prefix [][]float32, maxOutputs int) ([][]float32, error) {
	out, _, err := e.DecodeSession(ctx, prefix, maxOutputs)
	return out, err
}

// DecodeSession is Decode plus the stats of this call alone,
// independent of the executor's cumulative tally.
func (e *Executor) DecodeSession(ctx context.Context, prefix [][]float32, maxOutputs int) ([][]float32, Stats, error) {
	var sess counters
	defer func() {
		e.mu.Lock()
		e.total.add(sess)
		e.mu.Unlock()
	}()

	if maxOutputs <= 0 {
		return nil, sess.stats(e.cfg), nil
	}

	out := make([][]float32, 0, maxOutputs)
	ctxState := append([][]float32(nil), prefix...)
	draft := e.draft

	for len(out) < maxOutputs {
		if err := ctx.Err(); err != nil {
			return out, sess.stats(e.cfg), err
		}

		if draft == nil {
			o, err := e.target.Generate(ctx, ctxState)
			if err != nil {
				return out, sess.stats(e.cfg), err
			}
			out = append(out, o)
			ctxState = append(ctxState, o)
			sess.outputs++
			sess.spentCost += e.cfg.TargetCost
			continue
		}

		n := e.cfg.DraftSteps
		if remaining := maxOutputs - len(out); n > remaining {
			n = remaining
		}

		proposals, err := draft.Propose(ctx, ctxState, n)
		if err != nil {
			// Draft unavailable: correct but no speedup.
			log.Printf("speculative: draft unavailable, falling back to target: %v", err)
			draft = nil
			sess.fallbacks++
			continue
		}

		verdicts, err := e.target.Verify(ctx, ctxState, proposals)
		if err != nil {
			return out, sess.stats(e.cfg), err
		}

		accepted := 0
		produced := 0
		for i, v := range verdicts {
			if i >= len(proposals) {
				break
			}
			if v.Accepted {
				out = append(out, proposals[i].Output)
				ctxState = append(ctxState, proposals[i].Output)
				accepted++
				produced++
				continue
			}
			// First rejection: take the target's correction and start
			// the next round from the corrected position.
			out = append(out, v.Correction)
			ctxState = append(ctxState, v.Correction)
			produced++
			break
		}

		// A round that moves nothing forward (empty proposals, empty
		// verdicts) would spin forever; degrade like a draft failure.
		if produced == 0 {
			log.Printf("speculative: draft made no progress, falling back to target")
			draft = nil
			sess.fallbacks++
			continue
		}

		sess.proposed += uint64(len(proposals))
		sess.accepted += uint64(accepted)
		sess.outputs += uint64(produced)
		sess.spentCost += float64(len(proposals))*e.cfg.DraftCost + e.cfg.TargetCost
		sess.rounds++
	}

	return out, sess.stats(e.cfg), nil
}

// DecodeSequences decodes independent sequences in parallel, bounded by
// the configured parallelism. The first-rejection invariant holds per
// sequence.
func (e *Executor) DecodeSequences(ctx context.Context, prefixes [][][]float32, maxOutputs int) ([][][]float32, error) {
	sem := semaphore.NewWeighted(e.cfg.Parallelism)
	results := make([][][]float32, len(prefixes))
	errs := make([]error, len(prefixes))

	var wg sync.WaitGroup
	for i, prefix := range prefixes {
		if err := sem.Acquire(ctx, 1); err != nil {
			return results, err
		}
		wg.Add(1)
		go func(i int, prefix [][]float32) {
			defer wg.Done()
			defer sem.Release(1)
			results[i], errs[i] = e.Decode(ctx, prefix, maxOutputs)
		}(i, prefix)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Stats returns the cumulative tally across all decode calls.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total.stats(e.cfg)
}
