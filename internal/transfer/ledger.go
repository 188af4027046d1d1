package transfer

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTransferInProgress means another transfer is in flight for the same
	// customer leg. The ledger insert is the authoritative arbiter: whichever
	// request persists its initiated row first wins.
	ErrTransferInProgress = errors.New("transfer: transfer already in progress for this leg")

	// ErrInvalidTransferState means a phase was invoked before its
	// precondition phase completed (or after a terminal state).
	ErrInvalidTransferState = errors.New("transfer: record not in a valid state for this action")

	ErrRecordNotFound  = errors.New("transfer: record not found")
	ErrInvalidArgument = errors.New("transfer: invalid argument")
)

// Ledger is durable storage for transfer attempts: append-on-create,
// update-in-place on state transitions.
//
// All state transitions are conditional updates so the store, not the
// caller, decides whether a transition is legal under concurrency.
type Ledger interface {
	// Create persists a new initiated record. Returns ErrTransferInProgress
	// when an in-flight record already exists for the same source leg.
	Create(ctx context.Context, rec Record) error

	// SetConsultLeg records the consult leg id allocated by the dial.
	SetConsultLeg(ctx context.Context, id, consultLegID string) error

	// FindByConsultLeg returns the attempt that owns the given consult leg.
	FindByConsultLeg(ctx context.Context, consultLegID string) (Record, error)

	// InFlightBySourceLeg returns the most recent in-flight record for a
	// source leg, if any.
	InFlightBySourceLeg(ctx context.Context, sourceLegID string) (Record, bool, error)

	// MarkBridged transitions initiated -> bridged, storing the agent leg
	// and the bridge command id. ErrInvalidTransferState if the record is
	// not initiated.
	MarkBridged(ctx context.Context, id, agentLegID, commandID string) error

	// MarkCompleted transitions bridged -> completed with the completion
	// time. ErrInvalidTransferState if the record is not bridged.
	MarkCompleted(ctx context.Context, id string, at time.Time) error

	// MarkFailed transitions any non-terminal status -> failed.
	MarkFailed(ctx context.Context, id, detail string) error
}
