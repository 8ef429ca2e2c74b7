package domain

import "errors"

var (
	ErrInvalidStage    = errors.New("invalid stage")
	ErrQueueFull       = errors.New("queue full")
	ErrUnknownPriority = errors.New("unknown priority")
	ErrUnknownItem     = errors.New("unknown item")
	ErrNotStopped      = errors.New("scheduler not stopped")
	ErrInvalidPeriod   = errors.New("periodic interval must be positive")
)

// ErrorClass labels a classified failure for metrics and dead-lettering.
type ErrorClass string

const (
	// ErrorClassHandler is a subscriber handler returning an error.
	ErrorClassHandler ErrorClass = "handler_error"
	// ErrorClassPanic is a subscriber handler panicking mid-delivery.
	ErrorClassPanic ErrorClass = "panic"
	// ErrorClassDeliveryFailed marks an item whose every matching
	// subscriber failed in the same beat.
	ErrorClassDeliveryFailed ErrorClass = "delivery_failed"
	// ErrorClassProcessing is a failure reported by a subscriber after
	// delivery, via completion.
	ErrorClassProcessing ErrorClass = "processing_error"
)
