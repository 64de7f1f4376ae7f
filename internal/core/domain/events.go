package domain

import "time"

// =============================================================================
// Domain Events
// =============================================================================

// EventType identifies a domain event.
type EventType string

const (
	EventDeploymentStarted       EventType = "deployment_started"
	EventUpgradeStarted          EventType = "upgrade_started"
	EventDeploymentCompleted     EventType = "deployment_completed"
	EventDeploymentFailed        EventType = "deployment_failed"
	EventDeploymentRemoved       EventType = "deployment_removed"
	EventOperationModeChanged    EventType = "operation_mode_changed"
	EventProductDeployStarted    EventType = "product_deploy_started"
	EventProductUpgradeStarted   EventType = "product_upgrade_started"
	EventProductStackCompleted   EventType = "product_stack_completed"
	EventProductStackFailed      EventType = "product_stack_failed"
	EventProductDeployFinished   EventType = "product_deploy_finished"
	EventProductRemovalStarted   EventType = "product_removal_started"
	EventProductRemoved          EventType = "product_removed"
	EventProductStatusReconciled EventType = "product_status_reconciled"
	EventHealthSnapshotCaptured  EventType = "health_snapshot_captured"
	EventServiceHealthChanged    EventType = "service_health_changed"
)

// Event is a value record emitted by an aggregate. Aggregates queue events in
// an outbox; the caller drains it with PullEvents after persisting.
type Event struct {
	Type        EventType         `json:"type"`
	AggregateID string            `json:"aggregate_id"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// NewEvent creates an event stamped with the current UTC time.
func NewEvent(eventType EventType, aggregateID string, attrs map[string]string) Event {
	return Event{
		Type:        eventType,
		AggregateID: aggregateID,
		OccurredAt:  time.Now().UTC(),
		Attributes:  attrs,
	}
}

// outbox is embedded by aggregates that emit events.
type outbox struct {
	events []Event
}

func (o *outbox) record(e Event) {
	o.events = append(o.events, e)
}

// PendingEvents returns queued events without draining them.
func (o *outbox) PendingEvents() []Event {
	out := make([]Event, len(o.events))
	copy(out, o.events)
	return out
}

// PullEvents drains the outbox.
func (o *outbox) PullEvents() []Event {
	out := o.events
	o.events = nil
	return out
}
