package transfer

import "time"

// Type distinguishes a direct redirect from a consult-first transfer.
type Type string

const (
	TypeBlind    Type = "blind"
	TypeAttended Type = "attended"
)

// Status is the transfer attempt state machine:
//
//	initiated -> bridged -> completed
//
// failed is reachable from any non-terminal state. completed and failed are
// terminal.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusBridged   Status = "bridged"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// InFlight reports whether a record in this status still blocks new transfer
// attempts on the same customer leg.
func (s Status) InFlight() bool {
	return s == StatusInitiated || s == StatusBridged
}

// Record is the audit entry for one transfer attempt.
//
// The row is written with status=initiated BEFORE any platform command is
// issued, so a crash mid-flight is never silently lost.
type Record struct {
	ID string `json:"id" db:"id"`

	Type Type `json:"transfer_type" db:"transfer_type"`

	// SourceLegID is the customer leg being moved.
	SourceLegID string `json:"source_leg_id" db:"source_leg_id"`

	// Destination is a phone number or SIP URI.
	Destination string `json:"destination" db:"destination"`

	// ConsultLegID is set once the consult dial returns (attended only). It
	// is unique per attempt and doubles as a practical lookup key.
	ConsultLegID string `json:"consult_leg_id,omitempty" db:"consult_leg_id"`
	AgentLegID   string `json:"agent_leg_id,omitempty" db:"agent_leg_id"`

	// CommandID is the idempotency token sent with the platform command for
	// the current phase; persisted so duplicate submissions can be detected.
	CommandID string `json:"command_id,omitempty" db:"command_id"`

	Status Status `json:"status" db:"status"`

	// FailureDetail carries the platform's error text verbatim when the
	// attempt failed.
	FailureDetail string `json:"failure_detail,omitempty" db:"failure_detail"`

	InitiatedAt time.Time  `json:"initiated_at" db:"initiated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
