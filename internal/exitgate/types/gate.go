package types

import "time"

// GateState is the boom gate's logical position. The gate service owns
// the single instance per lane; everyone else sees snapshots.
type GateState string

const (
	GateClosed  GateState = "CLOSED"
	GateOpening GateState = "OPENING"
	GateOpen    GateState = "OPEN"
	GateClosing GateState = "CLOSING"
	GateError   GateState = "ERROR"
)

// GateTransition is delivered to subscribers for every state change.
type GateTransition struct {
	From GateState
	To   GateState
	At   time.Time
	Err  string // set when To == GateError
}

// GateStatus is a point-in-time snapshot of the gate service.
type GateStatus struct {
	State        GateState `json:"state"`
	ControlMode  string    `json:"control_mode"`
	LastError    string    `json:"last_error,omitempty"`
	OpCount      uint64    `json:"op_count"`
	SuccessCount uint64    `json:"success_count"`
	ErrorCount   uint64    `json:"error_count"`
	LastOpAt     time.Time `json:"last_op_at"`
}
