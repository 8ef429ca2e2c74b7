package queue

import (
	"fmt"
	"sync"

	"pulseq/internal/domain"
	"pulseq/internal/ports"
)

var _ ports.Bank = (*Bank)(nil)

// Bank holds one tiered FIFO per stage. Enqueue is safe for concurrent
// producers; dequeue runs on the scheduler driver only, but shares the
// same lock so the two never race.
type Bank struct {
	mu         sync.Mutex
	stages     map[string]*stageQueue
	order      []string
	autoCreate bool
	maxDepth   int // 0 = unbounded
}

const numTiers = 5 // one slot per priority tier

type stageQueue struct {
	tiers [numTiers][]*domain.WorkItem
	depth int
}

func New(stages []string, autoCreate bool, maxDepth int) *Bank {
	b := &Bank{
		stages:     make(map[string]*stageQueue, len(stages)),
		autoCreate: autoCreate,
		maxDepth:   maxDepth,
	}
	for _, name := range stages {
		if _, ok := b.stages[name]; ok {
			continue
		}
		b.stages[name] = &stageQueue{}
		b.order = append(b.order, name)
	}
	return b
}

// Enqueue appends the item to the tail of its stage's priority tier.
// Returns ErrInvalidStage for an unknown stage (unless auto-create is on)
// and ErrQueueFull when a bounded stage is at capacity. Never blocks.
func (b *Bank) Enqueue(item *domain.WorkItem) error {
	if !item.Priority.Valid() {
		return fmt.Errorf("enqueue %q: %w", item.Stage, domain.ErrUnknownPriority)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sq, ok := b.stages[item.Stage]
	if !ok {
		if !b.autoCreate {
			return fmt.Errorf("enqueue %q: %w", item.Stage, domain.ErrInvalidStage)
		}
		sq = &stageQueue{}
		b.stages[item.Stage] = sq
		b.order = append(b.order, item.Stage)
	}
	if b.maxDepth > 0 && sq.depth >= b.maxDepth {
		return fmt.Errorf("enqueue %q: %w", item.Stage, domain.ErrQueueFull)
	}

	item.State = domain.StateQueued
	sq.tiers[item.Priority] = append(sq.tiers[item.Priority], item)
	sq.depth++
	return nil
}

// DequeueBatch removes and returns up to max items from the stage,
// draining tiers strictly in priority order and FIFO within a tier.
// Returns an empty slice, not an error, when the stage is empty.
func (b *Bank) DequeueBatch(stage string, max int) ([]*domain.WorkItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sq, ok := b.stages[stage]
	if !ok {
		return nil, fmt.Errorf("dequeue %q: %w", stage, domain.ErrInvalidStage)
	}
	if max <= 0 || sq.depth == 0 {
		return nil, nil
	}

	var out []*domain.WorkItem
	for tier := range sq.tiers {
		q := sq.tiers[tier]
		for len(q) > 0 && len(out) < max {
			out = append(out, q[0])
			q[0] = nil
			q = q[1:]
		}
		sq.tiers[tier] = q
		if len(out) == max {
			break
		}
	}
	sq.depth -= len(out)
	return out, nil
}

// Depth reports the total number of queued items in a stage; unknown
// stages read as empty.
func (b *Bank) Depth(stage string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sq, ok := b.stages[stage]; ok {
		return sq.depth
	}
	return 0
}

// DepthByPriority reports per-tier depths for one stage.
func (b *Bank) DepthByPriority(stage string) map[domain.Priority]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	depths := make(map[domain.Priority]int, numTiers)
	if sq, ok := b.stages[stage]; ok {
		for tier, q := range sq.tiers {
			depths[domain.Priority(tier)] = len(q)
		}
	}
	return depths
}

// Stages returns stage names in registration order, including any
// auto-created since construction.
func (b *Bank) Stages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// HasUrgent reports whether any stage holds a CRITICAL or HIGH item.
// The heart shortens its inter-beat sleep while this is true.
func (b *Bank) HasUrgent() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sq := range b.stages {
		if len(sq.tiers[domain.PriorityCritical]) > 0 || len(sq.tiers[domain.PriorityHigh]) > 0 {
			return true
		}
	}
	return false
}
