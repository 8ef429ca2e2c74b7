package domain

import "time"

// Priority orders work items for dequeue. Lower values drain first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// Priorities returns all tiers in drain order.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground}
}

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
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// ParsePriority maps a tier name to its Priority. Used by the API layer.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "background":
		return PriorityBackground, nil
	}
	return 0, ErrUnknownPriority
}

type State string

const (
	StateQueued   State = "queued"
	StateInFlight State = "in_flight"
	StateDone     State = "done"
	StateError    State = "error"
)

// Payload is the opaque content of a work item. Type drives subscription
// routing; Data is never inspected by the scheduler core.
type Payload struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// WorkItem is one unit of scheduled work moving through a stage queue.
type WorkItem struct {
	ID          string     `json:"id"`
	Stage       string     `json:"stage"`
	Priority    Priority   `json:"priority"`
	Payload     Payload    `json:"payload"`
	State       State      `json:"state"`
	Error       string     `json:"error,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the item will never be delivered again.
func (w *WorkItem) Terminal() bool {
	return w.State == StateDone || w.State == StateError
}
