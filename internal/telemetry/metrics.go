package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds the dispatch-core instruments: queue depth, claim
// conflicts, worker liveness transitions, and loop-bound rejections
// (SPEC_FULL ambient stack).
type Metrics struct {
	QueueDepth        metric.Int64UpDownCounter
	ClaimAttempts     metric.Int64Counter
	ClaimConflicts    metric.Int64Counter
	TaskDuration      metric.Float64Histogram
	WorkerTransitions metric.Int64Counter
	LoopRejections    metric.Int64Counter
	RoutingSkips      metric.Int64Counter
	StreamSubscribers metric.Int64UpDownCounter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.QueueDepth, err = meter.Int64UpDownCounter("boardqueue.queue.depth",
		metric.WithDescription("Number of pending tasks"))
	if err != nil {
		return nil, err
	}

	m.ClaimAttempts, err = meter.Int64Counter("boardqueue.claim.attempts",
		metric.WithDescription("Total task claim attempts"))
	if err != nil {
		return nil, err
	}

	m.ClaimConflicts, err = meter.Int64Counter("boardqueue.claim.conflicts",
		metric.WithDescription("Claim attempts that lost the race to another worker"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("boardqueue.task.duration",
		metric.WithDescription("Task duration from claim to terminal status in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.WorkerTransitions, err = meter.Int64Counter("boardqueue.worker.transitions",
		metric.WithDescription("Worker liveness status transitions (online/stale/offline)"))
	if err != nil {
		return nil, err
	}

	m.LoopRejections, err = meter.Int64Counter("boardqueue.automation.loop_rejections",
		metric.WithDescription("Automation triggers rejected for exceeding max_loop_count"))
	if err != nil {
		return nil, err
	}

	m.RoutingSkips, err = meter.Int64Counter("boardqueue.automation.routing_skips",
		metric.WithDescription("Automation terminal outcomes with no matching success/failure column"))
	if err != nil {
		return nil, err
	}

	m.StreamSubscribers, err = meter.Int64UpDownCounter("boardqueue.stream.subscribers",
		metric.WithDescription("Active /events/stream WebSocket connections"))
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("boardqueue.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the gateway rate limiter"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
