package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vibrationalforce/echoel-inference/internal/activity"
	"github.com/vibrationalforce/echoel-inference/internal/policy"
)

func okExec(ctx context.Context, it Item) (any, error) { return "done", nil }

func submitOne(t *testing.T, s *Scheduler, desc string, w, h, f int, prio Priority) string {
	t.Helper()
	id, err := s.Submit(Request{Description: desc, Width: w, Height: h, Frames: f, Priority: prio})
	require.NoError(t, err)
	return id
}

func TestSubmitValidation(t *testing.T) {
	s := New(Config{}, okExec)

	_, err := s.Submit(Request{Width: 512, Height: 288, Frames: 25})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.Submit(Request{Description: "x", Width: 0, Height: 288, Frames: 25})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.Submit(Request{Description: "x", Width: 512, Height: 288, Frames: 25, Priority: Priority(9)})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	// A single item over the whole batch budget can never be scheduled.
	_, err = s.Submit(Request{Description: "x", Width: 512, Height: 288, Frames: 25, Cost: 100})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSubmitDedupe(t *testing.T) {
	s := New(Config{}, okExec)

	a, err := s.Submit(Request{Description: "x", Width: 512, Height: 288, Frames: 25, DedupeKey: "k"})
	require.NoError(t, err)
	b, err := s.Submit(Request{Description: "x", Width: 512, Height: 288, Frames: 25, DedupeKey: "k"})
	require.NoError(t, err)
	require.Equal(t, a, b, "live duplicate collapses onto the existing item")

	// Once the first item is terminal the key is reusable.
	require.True(t, s.Cancel(a))
	c, err := s.Submit(Request{Description: "x", Width: 512, Height: 288, Frames: 25, DedupeKey: "k"})
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestDrainPriorityAndResolution(t *testing.T) {
	s := New(Config{DrainTimeout: 50 * time.Millisecond}, okExec)

	submitOne(t, s, "big one", 1280, 720, 49, PriorityNormal)
	submitOne(t, s, "big two", 1280, 720, 49, PriorityNormal)
	urgent := submitOne(t, s, "small urgent", 512, 288, 25, PriorityCritical)

	b, err := s.Drain(context.Background())
	require.NoError(t, err)
	require.NotNil(t, b)

	// The critical item fixes the batch resolution, so the normal
	// priority items at another resolution wait for the next cycle.
	require.Len(t, b.Items, 1)
	require.Equal(t, urgent, b.Items[0].ID)

	b, err = s.Drain(context.Background())
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Len(t, b.Items, 2)
	for _, it := range b.Items {
		require.Equal(t, "1280x720x49", it.ResolutionKey())
	}
}

func TestDrainRespectsBudgets(t *testing.T) {
	s := New(Config{MaxBatchSize: 2, MaxResourceCost: 5, DrainTimeout: 50 * time.Millisecond}, okExec)

	for i := 0; i < 4; i++ {
		_, err := s.Submit(Request{Description: "x", Width: 512, Height: 288, Frames: 25, Cost: 2})
		require.NoError(t, err)
	}

	b, err := s.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, b.Items, 2, "size cap binds before the cost cap here")
	require.LessOrEqual(t, b.TotalCost, 5.0)

	b, err = s.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, b.Items, 2)
}

func TestDrainLeavesOverflowPending(t *testing.T) {
	s := New(Config{MaxBatchSize: 4, MaxResourceCost: 10, DrainTimeout: 50 * time.Millisecond}, okExec)

	for i := 0; i < 5; i++ {
		_, err := s.Submit(Request{Description: "x", Width: 512, Height: 288, Frames: 25, Cost: 1})
		require.NoError(t, err)
	}

	b, err := s.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, b.Items, 4)
	require.InDelta(t, 4.0, b.TotalCost, 1e-9)
	require.Equal(t, 1, s.Stats().Pending, "fifth item waits for the next cycle")
}

func TestDrainTimeout(t *testing.T) {
	s := New(Config{DrainTimeout: 20 * time.Millisecond}, okExec)

	start := time.Now()
	b, err := s.Drain(context.Background())
	require.NoError(t, err)
	require.Nil(t, b)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDrainPriorityOrderWithinBatch(t *testing.T) {
	s := New(Config{MaxBatchSize: 4, DrainTimeout: 50 * time.Millisecond}, okExec)

	submitOne(t, s, "low", 512, 288, 25, PriorityLow)
	submitOne(t, s, "critical", 512, 288, 25, PriorityCritical)
	submitOne(t, s, "normal", 512, 288, 25, PriorityNormal)

	b, err := s.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, b.Items, 3)
	for i := 1; i < len(b.Items); i++ {
		require.LessOrEqual(t, b.Items[i-1].Priority, b.Items[i].Priority,
			"batch drains in priority order")
	}
}

func TestCancelPendingItem(t *testing.T) {
	s := New(Config{DrainTimeout: 20 * time.Millisecond}, okExec)

	id := submitOne(t, s, "doomed", 512, 288, 25, PriorityNormal)
	require.True(t, s.Cancel(id))
	require.False(t, s.Cancel(id), "terminal items cannot be cancelled again")

	snap, ok := s.Status(id)
	require.True(t, ok)
	require.Equal(t, StateCancelled, snap.State)

	// The cancelled item never reaches a batch.
	b, err := s.Drain(context.Background())
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestCancelProcessingItem(t *testing.T) {
	started := make(chan struct{})
	exec := func(ctx context.Context, it Item) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s := New(Config{DrainTimeout: time.Second}, exec)

	id := submitOne(t, s, "long haul", 512, 288, 25, PriorityNormal)
	b, err := s.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, b.Items, 1)

	done := make(chan struct{})
	go func() {
		s.process(context.Background(), b)
		close(done)
	}()

	<-started
	require.True(t, s.Cancel(id))
	<-done

	snap, _ := s.Status(id)
	require.Equal(t, StateCancelled, snap.State)
}

func TestRetriesThenDeadLetter(t *testing.T) {
	store, err := policy.Open(filepath.Join(t.TempDir(), "policies.db"))
	require.NoError(t, err)
	defer store.Close()

	var calls atomic.Int32
	exec := func(ctx context.Context, it Item) (any, error) {
		calls.Add(1)
		return nil, errors.New("gpu fell over")
	}

	s := New(Config{MaxRetries: 2, RetryBackoff: time.Millisecond, DrainTimeout: time.Second}, exec)
	s.DeadLetters = store
	s.Activity = activity.New(16)

	id := submitOne(t, s, "flaky", 512, 288, 25, PriorityNormal)
	b, err := s.Drain(context.Background())
	require.NoError(t, err)
	s.process(context.Background(), b)

	require.Equal(t, int32(3), calls.Load(), "first attempt plus two retries")

	snap, _ := s.Status(id)
	require.Equal(t, StateFailed, snap.State)
	require.Equal(t, "gpu fell over", snap.Err)

	letters, err := store.ListDeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, id, letters[0].ItemID)

	events := s.Activity.List()
	require.NotEmpty(t, events)
	require.Equal(t, activity.EventDeadLetter, events[0].Type, "newest event first")
}

func TestStatusIdempotentAfterTerminal(t *testing.T) {
	s := New(Config{DrainTimeout: time.Second}, okExec)

	id := submitOne(t, s, "once", 512, 288, 25, PriorityNormal)
	b, err := s.Drain(context.Background())
	require.NoError(t, err)
	s.process(context.Background(), b)

	first, ok := s.Status(id)
	require.True(t, ok)
	require.Equal(t, StateCompleted, first.State)
	second, _ := s.Status(id)
	require.Equal(t, first, second)

	res, ok := s.Result(id)
	require.True(t, ok)
	require.Equal(t, "done", res)
}

func TestSimilarityGrouping(t *testing.T) {
	s := New(Config{MaxBatchSize: 4, DrainTimeout: time.Second}, okExec)

	a := submitOne(t, s, "a cat sitting on a red sofa", 512, 288, 25, PriorityNormal)
	b := submitOne(t, s, "a cat sitting on a red sofa", 512, 288, 25, PriorityNormal)
	c := submitOne(t, s, "rain over neon city streets", 512, 288, 25, PriorityNormal)

	batch, err := s.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Items, 3)
	require.True(t, batch.SharedConditioning)

	require.ElementsMatch(t, []string{a, b}, batch.SimilarityGroups[a])
	require.Equal(t, []string{c}, batch.SimilarityGroups[c])
}

func TestProcessImmediate(t *testing.T) {
	s := New(Config{}, okExec)

	res, err := s.ProcessImmediate(context.Background(), Request{
		Description: "now", Width: 512, Height: 288, Frames: 25,
	})
	require.NoError(t, err)
	require.Equal(t, "done", res)

	// Same validation as Submit: bad shape and oversized items are
	// rejected, not executed.
	_, err = s.ProcessImmediate(context.Background(), Request{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.ProcessImmediate(context.Background(), Request{Description: "x", Width: 512, Frames: 25})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.ProcessImmediate(context.Background(), Request{
		Description: "x", Width: 512, Height: 288, Frames: 25, Cost: 100,
	})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestQueueStats(t *testing.T) {
	s := New(Config{DrainTimeout: time.Second}, okExec)

	submitOne(t, s, "one", 512, 288, 25, PriorityNormal)
	submitOne(t, s, "two", 512, 288, 25, PriorityCritical)
	id := submitOne(t, s, "three", 512, 288, 25, PriorityLow)
	require.True(t, s.Cancel(id))

	qs := s.Stats()
	require.Equal(t, 2, qs.Pending)
	require.Equal(t, 1, qs.Cancelled)
	require.Equal(t, 1, qs.PendingByPriority["normal"])
	require.Equal(t, 1, qs.PendingByPriority["critical"])

	snaps := s.PendingSnapshot()
	require.Len(t, snaps, 2)
	require.Equal(t, PriorityCritical, snaps[0].Priority)
}
