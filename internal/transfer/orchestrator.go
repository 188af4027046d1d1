package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispo-voice/internal/config"
	"dispo-voice/internal/legs"
	"dispo-voice/internal/telephony"
	"dispo-voice/pkg/logger"

	"github.com/google/uuid"
)

// Orchestrator drives blind and attended transfers: it resolves legs through
// the registry, issues call-control commands, and records every attempt in
// the ledger.
//
// Ordering within an attended attempt (consult -> bridge -> complete) is
// enforced through the ledger's status preconditions, never by trusting
// client-side sequencing: the phases arrive as independent HTTP calls and
// may arrive out of order.
type Orchestrator struct {
	ctrl   telephony.CallController
	reg    legs.Registry
	ledger Ledger
	clock  func() time.Time

	connectionID string
	webhookURL   string
	callerID     string
	mohAudioURL  string
}

func NewOrchestrator(ctrl telephony.CallController, reg legs.Registry, ledger Ledger, cfg config.TelnyxConfig) *Orchestrator {
	return &Orchestrator{
		ctrl:         ctrl,
		reg:          reg,
		ledger:       ledger,
		clock:        time.Now,
		connectionID: cfg.ConnectionID,
		webhookURL:   cfg.WebhookURL,
		callerID:     cfg.CallerID,
		mohAudioURL:  cfg.MOHAudioURL,
	}
}

// InitiateBlindTransfer redirects the session's customer leg straight to the
// destination.
//
// The initiated row is persisted before the platform command so a crash
// mid-flight leaves an auditable trace. A successful command leaves the
// record initiated: the redirect is platform-side from here on, and the
// hangup webhook for the old leg is the expected completion signal.
func (o *Orchestrator) InitiateBlindTransfer(ctx context.Context, sessionID, destination string) (Record, error) {
	if sessionID == "" || destination == "" {
		return Record{}, ErrInvalidArgument
	}

	customerLegID, err := o.resolveCustomerLeg(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	if err := o.requireNoInFlight(ctx, customerLegID); err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:          uuid.NewString(),
		Type:        TypeBlind,
		SourceLegID: customerLegID,
		Destination: destination,
		CommandID:   uuid.NewString(),
		Status:      StatusInitiated,
		InitiatedAt: o.clock().UTC(),
	}
	if err := o.ledger.Create(ctx, rec); err != nil {
		return Record{}, err
	}

	if err := o.ctrl.Transfer(ctx, customerLegID, destination, rec.CommandID); err != nil {
		o.failRecord(ctx, rec.ID, err)
		return Record{}, fmt.Errorf("blind transfer to %s failed: %w", destination, err)
	}

	logger.From(ctx).Info("blind transfer initiated",
		"transfer_id", rec.ID, "session_id", sessionID, "destination", destination)
	return rec, nil
}

// StartConsult dials the consult destination for an attended transfer and
// places the customer on hold music. The consult leg id is stored both on
// the ledger record and in the registry.
func (o *Orchestrator) StartConsult(ctx context.Context, sessionID, destination string) (Record, error) {
	if sessionID == "" || destination == "" {
		return Record{}, ErrInvalidArgument
	}

	customerLegID, err := o.resolveCustomerLeg(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	if err := o.requireNoInFlight(ctx, customerLegID); err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:          uuid.NewString(),
		Type:        TypeAttended,
		SourceLegID: customerLegID,
		Destination: destination,
		Status:      StatusInitiated,
		InitiatedAt: o.clock().UTC(),
	}
	if err := o.ledger.Create(ctx, rec); err != nil {
		return Record{}, err
	}

	consultLegID, err := o.ctrl.Dial(ctx, telephony.DialRequest{
		To:           destination,
		From:         o.callerID,
		ConnectionID: o.connectionID,
		WebhookURL:   o.webhookURL,
		ClientState:  telephony.EncodeClientState(sessionID, string(legs.RoleConsult)),
	})
	if err != nil {
		o.failRecord(ctx, rec.ID, err)
		return Record{}, fmt.Errorf("consult dial to %s failed: %w", destination, err)
	}
	rec.ConsultLegID = consultLegID

	log := logger.From(ctx)
	if err := o.ledger.SetConsultLeg(ctx, rec.ID, consultLegID); err != nil {
		// The consult leg exists platform-side; losing the ledger link is an
		// accepted inconsistency, but it must be loud.
		log.Error("consult leg not recorded on ledger",
			"transfer_id", rec.ID, "consult_leg_id", consultLegID, "err", err)
	}
	if err := o.reg.SetLeg(ctx, sessionID, legs.RoleConsult, consultLegID); err != nil {
		log.Error("consult leg not recorded in registry",
			"session_id", sessionID, "consult_leg_id", consultLegID, "err", err)
	}

	// Explicit hold: the customer hears MOH while the agent consults.
	if o.mohAudioURL != "" {
		if err := o.ctrl.PlaybackStart(ctx, customerLegID, o.mohAudioURL, true); err != nil {
			log.Warn("hold music start failed", "session_id", sessionID, "err", err)
		}
	}

	log.Info("consult started",
		"transfer_id", rec.ID, "session_id", sessionID,
		"destination", destination, "consult_leg_id", consultLegID)
	return rec, nil
}

// BridgeConsultToAgent joins the agent and the consult destination so the
// agent can speak to the target before committing the customer. Platform
// semantics: the bridge command is issued against the consult leg, naming
// the customer leg as the partner; the customer stays separately held.
func (o *Orchestrator) BridgeConsultToAgent(ctx context.Context, customerLegID, agentLegID, consultLegID string) (Record, error) {
	if customerLegID == "" || agentLegID == "" || consultLegID == "" {
		return Record{}, legs.ErrMissingLeg
	}

	rec, err := o.ledger.FindByConsultLeg(ctx, consultLegID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Record{}, ErrInvalidTransferState
		}
		return Record{}, err
	}
	// The caller's leg triple must name the attempt that owns this consult
	// leg; a customer leg from another session is a stale or mixed-up id.
	if rec.SourceLegID != customerLegID {
		return Record{}, ErrInvalidTransferState
	}
	if rec.Status != StatusInitiated {
		return Record{}, ErrInvalidTransferState
	}

	commandID := uuid.NewString()
	if err := o.ctrl.Bridge(ctx, consultLegID, customerLegID, commandID); err != nil {
		// Record stays initiated so the agent can retry the bridge; the
		// consult leg is still alive.
		logger.From(ctx).Error("consult bridge failed",
			"transfer_id", rec.ID, "consult_leg_id", consultLegID, "err", err)
		return Record{}, err
	}

	if err := o.ledger.MarkBridged(ctx, rec.ID, agentLegID, commandID); err != nil {
		return Record{}, err
	}
	rec.Status = StatusBridged
	rec.CommandID = commandID
	rec.AgentLegID = agentLegID

	logger.From(ctx).Info("consult bridged",
		"transfer_id", rec.ID, "consult_leg_id", consultLegID, "agent_leg_id", agentLegID)
	return rec, nil
}

// CompleteAttendedTransfer hands the customer off to the consult destination:
// the agent leg stops its playback, drops off, and the attempt is marked
// completed. The customer remains connected to the consult party.
//
// A bridged record must exist for the given leg triple; a still-initiated
// record means the phases arrived out of order (e.g. a double-click raced
// the bridge), and a triple naming the wrong customer or agent leg is stale
// console state. Either way nothing is sent to the platform.
func (o *Orchestrator) CompleteAttendedTransfer(ctx context.Context, customerLegID, consultLegID, agentLegID string) (Record, error) {
	if customerLegID == "" || consultLegID == "" || agentLegID == "" {
		return Record{}, legs.ErrMissingLeg
	}

	rec, err := o.ledger.FindByConsultLeg(ctx, consultLegID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Record{}, ErrInvalidTransferState
		}
		return Record{}, err
	}
	if rec.SourceLegID != customerLegID {
		return Record{}, ErrInvalidTransferState
	}
	switch rec.Status {
	case StatusBridged:
		// The hangup below must target the leg recorded at bridge time; a
		// mismatched agent id would drop an unrelated live leg.
		if rec.AgentLegID != agentLegID {
			return Record{}, ErrInvalidTransferState
		}
	case StatusCompleted:
		// Duplicate submission after success; nothing left to do.
		return rec, nil
	default:
		return Record{}, ErrInvalidTransferState
	}

	log := logger.From(ctx)

	if err := o.ctrl.PlaybackStop(ctx, agentLegID); err != nil {
		log.Warn("agent playback stop failed", "transfer_id", rec.ID, "agent_leg_id", agentLegID, "err", err)
	}

	// The hangup and the ledger update are independent side effects: the
	// customer<->consult path is already established, so a failed hangup
	// must not block marking the attempt completed.
	if err := o.ctrl.Hangup(ctx, agentLegID); err != nil {
		log.Error("agent leg hangup failed", "transfer_id", rec.ID, "agent_leg_id", agentLegID, "err", err)
	} else {
		log.Info("agent leg released", "transfer_id", rec.ID, "agent_leg_id", agentLegID)
	}

	now := o.clock().UTC()
	if err := o.ledger.MarkCompleted(ctx, rec.ID, now); err != nil {
		log.Error("transfer completion not recorded", "transfer_id", rec.ID, "err", err)
		return Record{}, err
	}
	rec.Status = StatusCompleted
	rec.CompletedAt = &now

	log.Info("attended transfer completed", "transfer_id", rec.ID, "consult_leg_id", consultLegID)
	return rec, nil
}

// CancelConsult abandons an attended transfer before completion: the consult
// leg is hung up, the customer's hold music stops, and the attempt is marked
// failed so the customer leg is free for a new transfer.
func (o *Orchestrator) CancelConsult(ctx context.Context, customerLegID, consultLegID string) (Record, error) {
	if customerLegID == "" || consultLegID == "" {
		return Record{}, legs.ErrMissingLeg
	}

	rec, err := o.ledger.FindByConsultLeg(ctx, consultLegID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Record{}, ErrInvalidTransferState
		}
		return Record{}, err
	}
	if rec.SourceLegID != customerLegID {
		return Record{}, ErrInvalidTransferState
	}
	if !rec.Status.InFlight() {
		return Record{}, ErrInvalidTransferState
	}

	log := logger.From(ctx)

	if err := o.ctrl.Hangup(ctx, consultLegID); err != nil {
		log.Warn("consult leg hangup failed", "transfer_id", rec.ID, "consult_leg_id", consultLegID, "err", err)
	}
	if err := o.ctrl.PlaybackStop(ctx, customerLegID); err != nil {
		log.Warn("customer playback stop failed", "transfer_id", rec.ID, "customer_leg_id", customerLegID, "err", err)
	}

	if err := o.ledger.MarkFailed(ctx, rec.ID, "canceled by agent"); err != nil {
		return Record{}, err
	}
	rec.Status = StatusFailed
	rec.FailureDetail = "canceled by agent"

	log.Info("consult canceled", "transfer_id", rec.ID, "consult_leg_id", consultLegID)
	return rec, nil
}

// resolveCustomerLeg looks up the session's customer leg. A lookup miss is a
// hard precondition failure: no command is ever sent with an empty target.
func (o *Orchestrator) resolveCustomerLeg(ctx context.Context, sessionID string) (string, error) {
	sess, err := o.reg.GetActiveLegs(ctx, sessionID)
	if err != nil {
		if errors.Is(err, legs.ErrNotFound) {
			return "", legs.ErrMissingLeg
		}
		return "", err
	}
	legID := sess.Leg(legs.RoleCustomer)
	if legID == "" {
		return "", legs.ErrMissingLeg
	}
	return legID, nil
}

// requireNoInFlight rejects a new attempt while one is in flight for the
// customer leg. This is a fast-path read; the ledger insert remains the
// authoritative arbiter when two initiations race past it.
func (o *Orchestrator) requireNoInFlight(ctx context.Context, sourceLegID string) error {
	_, busy, err := o.ledger.InFlightBySourceLeg(ctx, sourceLegID)
	if err != nil {
		return err
	}
	if busy {
		return ErrTransferInProgress
	}
	return nil
}

// failRecord marks the ledger row failed after an upstream rejection. The
// platform-side effect (if any) is not rolled back; a failed mark that
// itself fails is logged and accepted.
func (o *Orchestrator) failRecord(ctx context.Context, id string, cause error) {
	detail := cause.Error()
	var ue *telephony.UpstreamError
	if errors.As(cause, &ue) {
		detail = ue.Detail
	}
	if err := o.ledger.MarkFailed(ctx, id, detail); err != nil {
		logger.From(ctx).Error("transfer failure not recorded", "transfer_id", id, "err", err)
	}
}
