package types

import "time"

// Event topics published on the engine's event bus. Subscribers
// register by topic name.
const (
	TopicItemAdded             = "item.added"
	TopicItemProcessing        = "item.processing"
	TopicItemCompleted         = "item.completed"
	TopicItemRetry             = "item.retry"
	TopicItemDLQ               = "item.dlq"
	TopicItemCancelled         = "item.cancelled"
	TopicItemDLQRetry          = "item.dlq.retry"
	TopicExtensionConnected    = "extension.connected"
	TopicExtensionDisconnected = "extension.disconnected"
	TopicExtensionHeartbeat    = "extension.heartbeat"
	TopicMetricsUpdated        = "metrics.updated"
	TopicCapacityReached       = "capacity.reached"
)

// Event is one lifecycle notification. CorrelationID stitches the
// events of one logical work unit across the edge API, the queue, and
// the wire frames.
type Event struct {
	Topic         string                 `json:"topic"`
	Timestamp     time.Time              `json:"timestamp"`
	JobID         string                 `json:"job_id,omitempty"`
	ExtensionID   string                 `json:"extension_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// EventSink receives lifecycle events. Publish must never block the
// caller; slow consumers are the sink's problem.
type EventSink interface {
	Publish(event Event)
}

// NopEventSink discards all events. Used where a component is wired
// without a bus (mostly tests).
type NopEventSink struct{}

func (NopEventSink) Publish(Event) {}
