package scheduler

import (
	"fmt"
	"time"
)

// Priority orders queued work. Lower values drain first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityPreview
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityPreview:
		return "preview"
	}
	return "unknown"
}

func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "critical":
		return PriorityCritical, true
	case "high":
		return PriorityHigh, true
	case "normal", "":
		return PriorityNormal, true
	case "low":
		return PriorityLow, true
	case "preview":
		return PriorityPreview, true
	}
	return PriorityNormal, false
}

type ItemState string

const (
	StatePending    ItemState = "pending"
	StateQueued     ItemState = "queued"
	StateProcessing ItemState = "processing"
	StateCompleted  ItemState = "completed"
	StateFailed     ItemState = "failed"
	StateCancelled  ItemState = "cancelled"
)

func (s ItemState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Item is one queued unit of work.
type Item struct {
	ID          string
	Description string
	Width       int
	Height      int
	Frames      int
	Priority    Priority
	Cost        float64
	Tier        string
	DedupeKey   string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	State    ItemState
	Attempts int
	Result   any
	Err      string
}

// ResolutionKey groups items that share per-batch fixed-cost work.
func (it *Item) ResolutionKey() string {
	return fmt.Sprintf("%dx%dx%d", it.Width, it.Height, it.Frames)
}

// EstimateCost approximates the memory-unit footprint of one item:
// roughly 0.1 units per million pixel-frames.
func EstimateCost(width, height, frames int) float64 {
	pixels := float64(width) * float64(height) * float64(frames)
	return pixels / 1_000_000 * 0.1
}

// Snapshot is the caller-visible view of an item. Repeated Status calls
// on a terminal item return identical snapshots.
type Snapshot struct {
	ID          string
	State       ItemState
	Priority    Priority
	Tier        string
	Attempts    int
	CreatedAt   time.Time
	CompletedAt time.Time
	Err         string
}

// Batch is an ordered group of items assembled to run together.
type Batch struct {
	ID        string
	Items     []*Item
	TotalCost float64
	CreatedAt time.Time

	// SimilarityGroups maps a group id (the id of the group's first
	// item) to the member item ids. SharedConditioning is set when at
	// least one group has more than one member, meaning a single
	// conditioning encoding pass can be shared.
	SimilarityGroups   map[string][]string
	SharedConditioning bool
}
