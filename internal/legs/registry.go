package legs

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Registry resolves a session id to its current provider leg ids and records
// newly created legs. The backing store is the source of truth; any cache in
// front of it is advisory only.
type Registry interface {
	// GetActiveLegs returns ErrNotFound when no session row exists. A row
	// with empty leg fields is not an error.
	GetActiveLegs(ctx context.Context, sessionID string) (Session, error)

	// SetLeg upserts a single role's leg id. Concurrent calls for distinct
	// roles on the same session must not lose updates.
	SetLeg(ctx context.Context, sessionID string, role Role, legID string) error

	// SetLegState records the state of whichever role currently holds legID.
	// Only the webhook event path should call this.
	SetLegState(ctx context.Context, legID string, state LegState) error

	// ClearSession removes the session's leg records. Invoked on customer
	// leg termination.
	ClearSession(ctx context.Context, sessionID string) error
}

// PostgresRegistry stores sessions in the call_sessions table.
//
// NOTE: assumed schema:
//
//	CREATE TABLE call_sessions (
//	  session_id       TEXT PRIMARY KEY,
//	  customer_leg_id  TEXT,
//	  agent_leg_id     TEXT,
//	  consult_leg_id   TEXT,
//	  customer_state   TEXT,
//	  agent_state      TEXT,
//	  consult_state    TEXT,
//	  updated_at       TIMESTAMPTZ NOT NULL
//	);
type PostgresRegistry struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db, clock: time.Now}
}

func (r *PostgresRegistry) GetActiveLegs(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		return Session{}, ErrInvalidArgument
	}

	const q = `
SELECT session_id, customer_leg_id, agent_leg_id, consult_leg_id,
       customer_state, agent_state, consult_state, updated_at
FROM call_sessions
WHERE session_id = $1
`
	var s Session
	var customerLeg, agentLeg, consultLeg sql.NullString
	var customerSt, agentSt, consultSt sql.NullString
	if err := r.db.QueryRowContext(ctx, q, sessionID).Scan(
		&s.SessionID,
		&customerLeg,
		&agentLeg,
		&consultLeg,
		&customerSt,
		&agentSt,
		&consultSt,
		&s.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	s.CustomerLegID = customerLeg.String
	s.AgentLegID = agentLeg.String
	s.ConsultLegID = consultLeg.String
	s.CustomerState = LegState(customerSt.String)
	s.AgentState = LegState(agentSt.String)
	s.ConsultState = LegState(consultSt.String)
	return s, nil
}

// Per-role upsert statements. One column per statement so concurrent writers
// for distinct roles never clobber each other (no read-modify-write).
// A freshly set leg always starts in the dialing state.
const (
	qSetCustomerLeg = `
INSERT INTO call_sessions (session_id, customer_leg_id, customer_state, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (session_id)
DO UPDATE SET customer_leg_id = EXCLUDED.customer_leg_id,
              customer_state  = EXCLUDED.customer_state,
              updated_at      = EXCLUDED.updated_at
`
	qSetAgentLeg = `
INSERT INTO call_sessions (session_id, agent_leg_id, agent_state, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (session_id)
DO UPDATE SET agent_leg_id = EXCLUDED.agent_leg_id,
              agent_state  = EXCLUDED.agent_state,
              updated_at   = EXCLUDED.updated_at
`
	qSetConsultLeg = `
INSERT INTO call_sessions (session_id, consult_leg_id, consult_state, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (session_id)
DO UPDATE SET consult_leg_id = EXCLUDED.consult_leg_id,
              consult_state  = EXCLUDED.consult_state,
              updated_at     = EXCLUDED.updated_at
`
)

func (r *PostgresRegistry) SetLeg(ctx context.Context, sessionID string, role Role, legID string) error {
	if sessionID == "" || legID == "" {
		return ErrInvalidArgument
	}

	var q string
	switch role {
	case RoleCustomer:
		q = qSetCustomerLeg
	case RoleAgent:
		q = qSetAgentLeg
	case RoleConsult:
		q = qSetConsultLeg
	default:
		return ErrInvalidArgument
	}

	_, err := r.db.ExecContext(ctx, q, sessionID, legID, string(LegStateDialing), r.clock().UTC())
	return err
}

func (r *PostgresRegistry) SetLegState(ctx context.Context, legID string, state LegState) error {
	if legID == "" {
		return ErrInvalidArgument
	}

	// The webhook only knows the leg id, not the role, so match all three
	// columns in one statement.
	const q = `
UPDATE call_sessions SET
  customer_state = CASE WHEN customer_leg_id = $1 THEN $2 ELSE customer_state END,
  agent_state    = CASE WHEN agent_leg_id    = $1 THEN $2 ELSE agent_state END,
  consult_state  = CASE WHEN consult_leg_id  = $1 THEN $2 ELSE consult_state END,
  updated_at     = $3
WHERE customer_leg_id = $1 OR agent_leg_id = $1 OR consult_leg_id = $1
`
	res, err := r.db.ExecContext(ctx, q, legID, string(state), r.clock().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRegistry) ClearSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidArgument
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM call_sessions WHERE session_id = $1`, sessionID)
	return err
}
