package types

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names a structured event on the bus.
type EventKind string

const (
	EventScan                EventKind = "scan"
	EventScanInvalid         EventKind = "scan_invalid"
	EventResolved            EventKind = "resolved"
	EventTransactionNotFound EventKind = "transaction_not_found"
	EventAlreadyExited       EventKind = "already_exited"
	EventDebugOverride       EventKind = "debug_override"
	EventExitCommitted       EventKind = "exit_committed"
	EventExitCompleted       EventKind = "exit_completed"
	EventStoreWriteFailed    EventKind = "store_write_failed"
	EventAttachmentFailed    EventKind = "attachment_failed"
	EventCameraFailed        EventKind = "camera_failed"
	EventGateState           EventKind = "gate_state"
	EventGateActuatorFailed  EventKind = "gate_actuator_failed"
	EventOperatorAction      EventKind = "operator_action"
	EventStats               EventKind = "stats"
)

// Event is one structured occurrence fanned out to the UI feed, the
// audio cues, and the audit log. Fields carry kind-specific detail and
// must be JSON-serializable.
type Event struct {
	ID     string         `json:"id"`
	Kind   EventKind      `json:"kind"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields,omitempty"`
}

// NewEvent stamps an event with a fresh id and the given time.
func NewEvent(kind EventKind, at time.Time, fields map[string]any) Event {
	return Event{ID: uuid.NewString(), Kind: kind, At: at, Fields: fields}
}
