// Package scheduler groups pending generation requests into
// resource-bounded batches, respecting priority and content similarity.
package scheduler

import (
	"container/heap"
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vibrationalforce/echoel-inference/internal/activity"
	"github.com/vibrationalforce/echoel-inference/internal/policy"
)

type Config struct {
	// MaxBatchSize bounds the item count of one batch. Default 4.
	MaxBatchSize int

	// MaxResourceCost bounds the summed item cost of one batch, in
	// memory units. Default 20.
	MaxResourceCost float64

	// DrainTimeout bounds the wait for the first item of a cycle.
	// Default 5s.
	DrainTimeout time.Duration

	// MaxRetries is the number of re-executions after a failed first
	// attempt. Default 2.
	MaxRetries int

	// RetryBackoff is the base delay before the first retry; it doubles
	// per attempt. Default 500ms.
	RetryBackoff time.Duration

	// SimilarityThreshold for shared-conditioning grouping. Default 0.85.
	SimilarityThreshold float64
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 4
	}
	if c.MaxResourceCost <= 0 {
		c.MaxResourceCost = 20
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.85
	}
	return c
}

// ExecFunc executes one item and returns its result. The context is
// cancelled when the item is cancelled mid-flight; implementations
// should observe it at step boundaries.
type ExecFunc func(ctx context.Context, item Item) (any, error)

// Request describes one submission.
type Request struct {
	Description string
	Width       int
	Height      int
	Frames      int
	Priority    Priority
	Cost        float64 // 0: estimated from dimensions
	Tier        string
	DedupeKey   string
}

type Scheduler struct {
	cfg  Config
	exec ExecFunc

	// Optional collaborators.
	DeadLetters *policy.Store
	Activity    *activity.Log

	mu       sync.Mutex
	pending  itemHeap
	items    map[string]*Item
	byDedupe map[string]string
	cancels  map[string]context.CancelFunc
	seq      uint64

	notify chan struct{}
}

func New(cfg Config, exec ExecFunc) *Scheduler {
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		exec:     exec,
		items:    map[string]*Item{},
		byDedupe: map[string]string{},
		cancels:  map[string]context.CancelFunc{},
		notify:   make(chan struct{}, 1),
	}
}

// validate rejects malformed requests and resolves the item cost.
func (s *Scheduler) validate(req Request) (float64, error) {
	if req.Description == "" {
		return 0, status.Error(codes.InvalidArgument, "empty description")
	}
	if req.Width <= 0 || req.Height <= 0 || req.Frames <= 0 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid dimensions %dx%dx%d", req.Width, req.Height, req.Frames)
	}
	cost := req.Cost
	if cost <= 0 {
		cost = EstimateCost(req.Width, req.Height, req.Frames)
	}
	if cost > s.cfg.MaxResourceCost {
		return 0, status.Errorf(codes.InvalidArgument,
			"item cost %.1f exceeds batch budget %.1f", cost, s.cfg.MaxResourceCost)
	}
	if req.Priority < PriorityCritical || req.Priority > PriorityPreview {
		return 0, status.Errorf(codes.InvalidArgument, "invalid priority %d", req.Priority)
	}
	return cost, nil
}

// Submit validates and enqueues one request. It never blocks.
func (s *Scheduler) Submit(req Request) (string, error) {
	cost, err := s.validate(req)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.DedupeKey != "" {
		if id, ok := s.byDedupe[req.DedupeKey]; ok {
			if prev, exists := s.items[id]; exists && !prev.State.Terminal() {
				return id, nil
			}
		}
	}

	it := &Item{
		ID:          uuid.New().String(),
		Description: req.Description,
		Width:       req.Width,
		Height:      req.Height,
		Frames:      req.Frames,
		Priority:    req.Priority,
		Cost:        cost,
		Tier:        req.Tier,
		DedupeKey:   req.DedupeKey,
		CreatedAt:   time.Now(),
		State:       StatePending,
	}

	s.seq++
	s.items[it.ID] = it
	if req.DedupeKey != "" {
		s.byDedupe[req.DedupeKey] = it.ID
	}
	heap.Push(&s.pending, &pendingItem{item: it, seq: s.seq})

	select {
	case s.notify <- struct{}{}:
	default:
	}

	return it.ID, nil
}

// Status returns the current snapshot of an item. Snapshots of terminal
// items never change.
func (s *Scheduler) Status(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		ID:          it.ID,
		State:       it.State,
		Priority:    it.Priority,
		Tier:        it.Tier,
		Attempts:    it.Attempts,
		CreatedAt:   it.CreatedAt,
		CompletedAt: it.CompletedAt,
		Err:         it.Err,
	}, true
}

// Result returns the result of a completed item.
func (s *Scheduler) Result(id string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok || it.State != StateCompleted {
		return nil, false
	}
	return it.Result, true
}

// Cancel cancels an item. Pending and queued items transition directly
// to cancelled and are never handed to a worker. Processing items are
// marked; the executor observes the cancellation at its next step
// boundary. Terminal items return false.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return false
	}

	switch it.State {
	case StatePending, StateQueued:
		it.State = StateCancelled
		it.CompletedAt = time.Now()
		return true
	case StateProcessing:
		if cancel, found := s.cancels[id]; found {
			cancel()
		}
		return true
	default:
		return false
	}
}

// Drain performs one scheduling cycle: wait (bounded) for at least one
// pending item, then assemble a batch without further blocking. A nil
// batch with nil error means the wait timed out.
func (s *Scheduler) Drain(ctx context.Context) (*Batch, error) {
	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		b := s.assembleLocked()
		s.mu.Unlock()
		if b != nil {
			return b, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-s.notify:
		}
	}
}

// assembleLocked packs a batch from the pending set: pop in priority
// order, fix the resolution key from the most urgent item, then admit
// matching items while they fit the budget. Non-admitted items are
// pushed back for the next cycle.
func (s *Scheduler) assembleLocked() *Batch {
	var admitted []*Item
	var skipped []*pendingItem
	var resolution string
	var totalCost float64

	for s.pending.Len() > 0 {
		pi := heap.Pop(&s.pending).(*pendingItem)
		it := pi.item

		if it.State != StatePending {
			continue // cancelled while queued up
		}
		if len(admitted) >= s.cfg.MaxBatchSize {
			skipped = append(skipped, pi)
			continue
		}
		if resolution == "" {
			resolution = it.ResolutionKey()
		}
		if it.ResolutionKey() != resolution || totalCost+it.Cost > s.cfg.MaxResourceCost {
			skipped = append(skipped, pi)
			continue
		}

		it.State = StateQueued
		admitted = append(admitted, it)
		totalCost += it.Cost
	}

	for _, pi := range skipped {
		heap.Push(&s.pending, pi)
	}

	if len(admitted) == 0 {
		return nil
	}

	groups := groupBySimilarity(admitted, s.cfg.SimilarityThreshold)
	shared := false
	for _, members := range groups {
		if len(members) > 1 {
			shared = true
			break
		}
	}

	return &Batch{
		ID:                 uuid.New().String(),
		Items:              admitted,
		TotalCost:          totalCost,
		CreatedAt:          time.Now(),
		SimilarityGroups:   groups,
		SharedConditioning: shared,
	}
}

// Run drives the drain loop until the context is cancelled. Item
// failures never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		b, err := s.Drain(ctx)
		if err != nil {
			return err
		}
		if b == nil {
			continue
		}
		s.process(ctx, b)
	}
}

func (s *Scheduler) process(ctx context.Context, b *Batch) {
	log.Printf("scheduler: batch=%s items=%d cost=%.1f shared=%v",
		b.ID, len(b.Items), b.TotalCost, b.SharedConditioning)

	for _, it := range b.Items {
		s.processItem(ctx, it)
	}
}

func (s *Scheduler) processItem(ctx context.Context, it *Item) {
	s.mu.Lock()
	if it.State != StateQueued {
		s.mu.Unlock()
		return // cancelled between assembly and execution
	}
	it.State = StateProcessing
	it.StartedAt = time.Now()
	itemCtx, cancel := context.WithCancel(ctx)
	s.cancels[it.ID] = cancel
	snapshot := *it
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, it.ID)
		s.mu.Unlock()
	}()

	for {
		result, err := s.exec(itemCtx, snapshot)

		if err == nil {
			s.finish(it, StateCompleted, result, "")
			return
		}
		if itemCtx.Err() != nil {
			s.finish(it, StateCancelled, nil, "")
			return
		}

		s.mu.Lock()
		it.Attempts++
		attempts := it.Attempts
		s.mu.Unlock()

		if attempts > s.cfg.MaxRetries {
			s.finish(it, StateFailed, nil, err.Error())
			s.deadLetter(it, err)
			return
		}

		backoff := s.cfg.RetryBackoff << (attempts - 1)
		log.Printf("scheduler: retrying item=%s attempt=%d backoff=%s err=%v",
			it.ID, attempts, backoff, err)
		if s.Activity != nil {
			s.Activity.Add(activity.Event{
				At: time.Now(), Type: activity.EventItemRetried,
				Item: it.ID, Tier: it.Tier, Note: err.Error(),
			})
		}

		select {
		case <-itemCtx.Done():
			s.finish(it, StateCancelled, nil, "")
			return
		case <-time.After(backoff):
		}
	}
}

func (s *Scheduler) finish(it *Item, st ItemState, result any, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it.State = st
	it.Result = result
	it.Err = errMsg
	it.CompletedAt = time.Now()
}

// deadLetter records a terminally failed item; failures are never
// silently dropped.
func (s *Scheduler) deadLetter(it *Item, cause error) {
	log.Printf("scheduler: dead letter item=%s attempts=%d err=%v", it.ID, it.Attempts, cause)

	if s.Activity != nil {
		s.Activity.Add(activity.Event{
			At: time.Now(), Type: activity.EventDeadLetter,
			Item: it.ID, Tier: it.Tier, Note: cause.Error(),
		})
	}
	if s.DeadLetters != nil {
		err := s.DeadLetters.RecordDeadLetter(context.Background(), policy.DeadLetter{
			ItemID:      it.ID,
			Description: it.Description,
			Tier:        it.Tier,
			Attempts:    it.Attempts,
			Error:       cause.Error(),
			FailedAt:    time.Now(),
		})
		if err != nil {
			log.Printf("scheduler: record dead letter: %v", err)
		}
	}
}

// ProcessImmediate bypasses batching for work that must not wait. It
// applies the same request validation as Submit.
func (s *Scheduler) ProcessImmediate(ctx context.Context, req Request) (any, error) {
	cost, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	it := Item{
		ID:          uuid.New().String(),
		Description: req.Description,
		Width:       req.Width,
		Height:      req.Height,
		Frames:      req.Frames,
		Priority:    PriorityCritical,
		Cost:        cost,
		Tier:        req.Tier,
		CreatedAt:   time.Now(),
		State:       StateProcessing,
	}
	return s.exec(ctx, it)
}

// QueueStats is a point-in-time view of the queue.
type QueueStats struct {
	Pending           int
	Processing        int
	Completed         int
	Failed            int
	Cancelled         int
	PendingByPriority map[string]int
}

func (s *Scheduler) Stats() QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	qs := QueueStats{PendingByPriority: map[string]int{}}
	for _, it := range s.items {
		switch it.State {
		case StatePending, StateQueued:
			qs.Pending++
			qs.PendingByPriority[it.Priority.String()]++
		case StateProcessing:
			qs.Processing++
		case StateCompleted:
			qs.Completed++
		case StateFailed:
			qs.Failed++
		case StateCancelled:
			qs.Cancelled++
		}
	}
	return qs
}

// Sorted snapshot of pending items, used by the HTTP API.
func (s *Scheduler) PendingSnapshot() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Snapshot
	for _, it := range s.items {
		if it.State == StatePending || it.State == StateQueued {
			out = append(out, Snapshot{
				ID: it.ID, State: it.State, Priority: it.Priority,
				Tier: it.Tier, CreatedAt: it.CreatedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
