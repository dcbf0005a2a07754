package telemetry

import "go.opentelemetry.io/otel/attribute"

// Standard attribute keys for boardqueue spans.
var (
	AttrTaskID     = attribute.Key("boardqueue.task.id")
	AttrWorkerID   = attribute.Key("boardqueue.worker.id")
	AttrCardID     = attribute.Key("boardqueue.card.id")
	AttrColumnID   = attribute.Key("boardqueue.column.id")
	AttrTaskType   = attribute.Key("boardqueue.task.type")
	AttrLoopCount  = attribute.Key("boardqueue.loop.count")
	AttrOutcome    = attribute.Key("boardqueue.task.outcome")
)
