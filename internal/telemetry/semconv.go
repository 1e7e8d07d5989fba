package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention attribute keys for streambid-specific telemetry.

const (
	// AttrEventKind annotates bus metrics with the published event kind.
	AttrEventKind = attribute.Key("event.kind")
	// AttrTopic labels bus metrics with the delivery topic.
	AttrTopic = attribute.Key("topic")
	// AttrDeadlineKind labels scheduler metrics by deadline kind.
	AttrDeadlineKind = attribute.Key("deadline.kind")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrReason provides free-form context for errors and disconnects.
	AttrReason = attribute.Key("reason")
	// AttrEnvironment specifies the deployment environment on every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrDBPool labels pool health gauges by logical pool.
	AttrDBPool = attribute.Key("db_pool")
)

// EventAttributes returns common attributes for bus event metrics.
func EventAttributes(environment, eventKind, topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventKind.String(eventKind),
		AttrTopic.String(topic),
	}
}

// DeadlineAttributes returns attributes for scheduler metrics.
func DeadlineAttributes(environment, kind, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrDeadlineKind.String(kind),
		AttrResult.String(result),
	}
}
