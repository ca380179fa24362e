package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vibrationalforce/echoel-inference/internal/scheduler"
	"github.com/vibrationalforce/echoel-inference/internal/speculative"
	"github.com/vibrationalforce/echoel-inference/internal/tempcache"
)

func newTestRunner() *Runner {
	return &Runner{
		CacheConfig: tempcache.Config{},
		Decoder:     speculative.New(speculative.Config{}, SimDraft{}, SimTarget{AcceptFloor: 0.3}),
		Denoise:     (&SimDenoiser{}).Denoise,
		Steps:       20,
		StateSize:   64,
	}
}

func testItem() scheduler.Item {
	return scheduler.Item{
		ID:          "item-1",
		Description: "a slow pan over a foggy valley",
		Width:       512, Height: 288, Frames: 8,
	}
}

func TestRunProducesFrames(t *testing.T) {
	r := newTestRunner()

	res, err := r.Run(context.Background(), testItem(), 0)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 8)
	require.Equal(t, 20, res.Steps)
	require.Greater(t, res.Elapsed.Nanoseconds(), int64(0))
}

func TestRunDeterministicSeed(t *testing.T) {
	a := seedState("same prompt", 64)
	b := seedState("same prompt", 64)
	c := seedState("other prompt", 64)

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestRunConvergentStatesHitCache(t *testing.T) {
	r := newTestRunner()
	// Heavy damping makes consecutive latents nearly identical, so
	// mid-sequence steps should reuse earlier ones.
	r.Denoise = (&SimDenoiser{Damping: 0.999}).Denoise

	res, err := r.Run(context.Background(), testItem(), 40)
	require.NoError(t, err)
	require.Greater(t, res.CacheStats.Hits, uint64(0))
	require.Greater(t, res.CacheStats.EstimatedSpeedup, 1.0)
}

func TestConcurrentRunsAreIsolated(t *testing.T) {
	r := newTestRunner()
	r.Denoise = (&SimDenoiser{Damping: 0.999}).Denoise

	// Two overlapping runs through one runner must each see only their
	// own reuse state.
	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	items := []scheduler.Item{testItem(), {
		ID:          "item-2",
		Description: "slow dolly across a marble hall",
		Width:       512, Height: 288, Frames: 8,
	}}

	for i := range items {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Run(context.Background(), items[i], 40)
		}(i)
	}
	wg.Wait()

	for i := range items {
		require.NoError(t, errs[i])
		require.Len(t, results[i].Outputs, 8)
		total := results[i].CacheStats.Hits + results[i].CacheStats.Misses
		require.Equal(t, uint64(34), total, "stats cover one run's non-edge steps only")
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newTestRunner()
	_, err := r.Run(ctx, testItem(), 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunDenoiseFailure(t *testing.T) {
	r := newTestRunner()
	r.Denoise = func(ctx context.Context, state []float32, step int) ([]float32, error) {
		return nil, errors.New("device lost")
	}

	_, err := r.Run(context.Background(), testItem(), 0)
	require.Error(t, err)
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestExecAdaptsToScheduler(t *testing.T) {
	r := newTestRunner()

	out, err := r.Exec(context.Background(), testItem())
	require.NoError(t, err)
	res, ok := out.(Result)
	require.True(t, ok)
	require.Len(t, res.Outputs, 8)
}
