// Package engine runs one scheduled item through the denoising loop
// and the final sequence decode. The model itself stays opaque: the
// engine only knows the evaluator contracts.
package engine

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vibrationalforce/echoel-inference/internal/orchestrator"
	"github.com/vibrationalforce/echoel-inference/internal/scheduler"
	"github.com/vibrationalforce/echoel-inference/internal/speculative"
	"github.com/vibrationalforce/echoel-inference/internal/tempcache"
)

// DenoiseFunc is the opaque per-step evaluator. It returns the next
// latent state.
type DenoiseFunc func(ctx context.Context, state []float32, step int) ([]float32, error)

// Result is the outcome of one item run.
type Result struct {
	Outputs    [][]float32
	Steps      int
	CacheStats tempcache.Stats
	Elapsed    time.Duration
}

// Runner executes items: a cache-gated denoising loop followed by a
// speculative decode of the output sequence. Each run builds its own
// cache, so concurrent runs through one runner never share reuse state.
type Runner struct {
	CacheConfig  tempcache.Config
	Decoder      *speculative.Executor
	Denoise      DenoiseFunc
	Orchestrator *orchestrator.Orchestrator

	// Steps is the default denoising step count when the decision
	// carries no override.
	Steps int

	// StateSize is the latent vector length.
	StateSize int
}

// Run executes one item. Cancellation is observed at step boundaries:
// an in-flight step completes, then the run exits.
func (r *Runner) Run(ctx context.Context, item scheduler.Item, steps int) (Result, error) {
	start := time.Now()
	if steps <= 0 {
		steps = r.Steps
	}
	if steps <= 0 {
		steps = 40
	}

	cache := tempcache.New(r.CacheConfig)
	state := seedState(item.Description, r.StateSize)

	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		if !cache.ShouldCompute(step, steps, state) {
			if cached, ok := cache.Lookup(step, item.Frames); ok {
				state = cached
				continue
			}
			// Alias vanished under eviction: fall through and compute.
		}

		next, err := r.Denoise(ctx, state, step)
		if err != nil {
			return Result{}, status.Errorf(codes.Unavailable, "denoise step %d: %v", step, err)
		}
		cache.Record(step, item.Frames, state, next)
		state = next
	}

	outputs, err := r.Decoder.Decode(ctx, [][]float32{state}, item.Frames)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Outputs:    outputs,
		Steps:      steps,
		CacheStats: cache.Stats(),
		Elapsed:    time.Since(start),
	}

	if r.Orchestrator != nil && item.Tier != "" {
		r.Orchestrator.RecordOutcome(item.Tier, res.Elapsed, true)
	}
	return res, nil
}

// Exec adapts the runner to the scheduler's executor contract and
// reports failed outcomes to the tier state.
func (r *Runner) Exec(ctx context.Context, item scheduler.Item) (any, error) {
	res, err := r.Run(ctx, item, 0)
	if err != nil {
		if r.Orchestrator != nil && item.Tier != "" && ctx.Err() == nil {
			r.Orchestrator.RecordOutcome(item.Tier, time.Since(item.CreatedAt), false)
		}
		return nil, err
	}
	return res, nil
}
