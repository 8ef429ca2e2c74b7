package ports

import (
	"context"

	"pulseq/internal/domain"
)

// Bank is the stage-queue surface the heart drains each beat. Enqueue is
// the only mutator callable from arbitrary goroutines; dequeue happens on
// the driver only.
type Bank interface {
	Enqueue(item *domain.WorkItem) error
	DequeueBatch(stage string, max int) ([]*domain.WorkItem, error)
	Depth(stage string) int
	DepthByPriority(stage string) map[domain.Priority]int
	Stages() []string
	HasUrgent() bool
}

// DeliveryFailure attributes one failed handler invocation to a
// subscriber, with the batch it was given.
type DeliveryFailure struct {
	Subscriber string
	EventType  string
	Class      domain.ErrorClass
	Err        error
	Items      []*domain.WorkItem
}

// DeliveryReport summarizes one beat's batched delivery.
type DeliveryReport struct {
	// Matched and Succeeded count live subscribers per event type.
	Matched   map[string]int
	Succeeded map[string]int
	// DeliveredTo counts items handed to each subscriber.
	DeliveredTo map[string]int
	Failures    []DeliveryFailure
	Pruned      []string
}

// Registry delivers batches of dequeued items to interested subscribers.
type Registry interface {
	Deliver(ctx context.Context, batches map[string][]*domain.WorkItem) DeliveryReport
	Unsubscribe(name string)
}

// DeadLetterSink receives items that resolved to ERROR. Implementations
// must tolerate being called from the beat loop: fail fast, never block
// indefinitely.
type DeadLetterSink interface {
	Publish(ctx context.Context, item *domain.WorkItem, reason string) error
}
