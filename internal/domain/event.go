package domain

import "time"

// EventType names a change in a warning's lifecycle.
type EventType string

const (
	EventCreated       EventType = "created"
	EventUpdated       EventType = "updated"
	EventStatusChanged EventType = "status_changed"
)

// WarningEvent is published whenever a reconciliation or sweep changes a
// persisted warning.
type WarningEvent struct {
	Type           EventType `json:"type"`
	Warning        Warning   `json:"warning"`
	PreviousStatus Status    `json:"previous_status,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}
