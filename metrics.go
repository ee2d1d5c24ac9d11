package beacon

import "time"

// Metrics captures delivery telemetry.
type Metrics interface {
	// ObserveSendDuration records the time spent on one network call.
	ObserveSendDuration(duration time.Duration)
	// AddDelivered increments the count of requests accepted by the server.
	AddDelivered(count int)
	// AddRetry counts a delivery attempt that stopped the worker.
	AddRetry(outcome Outcome)
	// AddEvicted increments the count of requests dropped because the queue was full.
	AddEvicted(count int)
	// AddDiscarded increments the count of requests dropped without sending (crawler traffic).
	AddDiscarded(count int)
	// SetQueueDepth updates the current number of queued requests.
	SetQueueDepth(depth int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveSendDuration implements Metrics.
func (NopMetrics) ObserveSendDuration(time.Duration) {}

// AddDelivered implements Metrics.
func (NopMetrics) AddDelivered(int) {}

// AddRetry implements Metrics.
func (NopMetrics) AddRetry(Outcome) {}

// AddEvicted implements Metrics.
func (NopMetrics) AddEvicted(int) {}

// AddDiscarded implements Metrics.
func (NopMetrics) AddDiscarded(int) {}

// SetQueueDepth implements Metrics.
func (NopMetrics) SetQueueDepth(int) {}
