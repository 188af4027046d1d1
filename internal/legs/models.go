package legs

import (
	"errors"
	"time"
)

// Role identifies a participant within a call session. A session owns at most
// one leg per role.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleConsult  Role = "consult"
)

func ValidRole(r Role) bool {
	switch r {
	case RoleCustomer, RoleAgent, RoleConsult:
		return true
	default:
		return false
	}
}

// LegState is advanced only by the webhook event path or explicit action
// confirmation, never guessed by synchronous handlers.
type LegState string

const (
	LegStateDialing LegState = "dialing"
	LegStateRinging LegState = "ringing"
	LegStateActive  LegState = "active"
	LegStateOnHold  LegState = "on_hold"
	LegStateBridged LegState = "bridged"
	LegStateEnded   LegState = "ended"
)

// Session maps a logical call session to its provider leg ids. Empty leg id
// fields mean "role not assigned"; a missing row is ErrNotFound.
type Session struct {
	SessionID string `json:"session_id" db:"session_id"`

	CustomerLegID string `json:"customer_leg_id,omitempty" db:"customer_leg_id"`
	AgentLegID    string `json:"agent_leg_id,omitempty" db:"agent_leg_id"`
	ConsultLegID  string `json:"consult_leg_id,omitempty" db:"consult_leg_id"`

	CustomerState LegState `json:"customer_state,omitempty" db:"customer_state"`
	AgentState    LegState `json:"agent_state,omitempty" db:"agent_state"`
	ConsultState  LegState `json:"consult_state,omitempty" db:"consult_state"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Leg returns the leg id held by the given role, or "".
func (s Session) Leg(role Role) string {
	switch role {
	case RoleCustomer:
		return s.CustomerLegID
	case RoleAgent:
		return s.AgentLegID
	case RoleConsult:
		return s.ConsultLegID
	default:
		return ""
	}
}

var (
	// ErrNotFound means no session row exists for the given id.
	ErrNotFound = errors.New("legs: session not found")

	// ErrMissingLeg means a leg required for the requested action could not
	// be resolved. Checked before any platform command is issued.
	ErrMissingLeg = errors.New("legs: required leg not registered")

	ErrInvalidArgument = errors.New("legs: invalid argument")
)
