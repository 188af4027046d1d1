package legs

import (
	"context"
	"errors"
	"time"

	"dispo-voice/internal/config"
	"dispo-voice/internal/telephony"
	"dispo-voice/pkg/logger"

	"github.com/google/uuid"
)

// Service owns the call session lifecycle: creating the customer leg,
// starting recordings, and applying webhook-driven leg state changes.
//
// It is the only writer of leg state; synchronous handlers read state but
// never assume a command's success implies a particular state value.
type Service struct {
	ctrl  telephony.CallController
	reg   Registry
	clock func() time.Time

	connectionID string
	webhookURL   string
	callerID     string
}

func NewService(ctrl telephony.CallController, reg Registry, cfg config.TelnyxConfig) *Service {
	return &Service{
		ctrl:         ctrl,
		reg:          reg,
		clock:        time.Now,
		connectionID: cfg.ConnectionID,
		webhookURL:   cfg.WebhookURL,
		callerID:     cfg.CallerID,
	}
}

// StartCustomerCall dials the customer and registers the resulting leg under
// a new (or caller-supplied) session id. The session is created on dial; the
// leg is only known to be allocated, not answered.
func (s *Service) StartCustomerCall(ctx context.Context, sessionID, to, from string) (Session, error) {
	if to == "" {
		return Session{}, ErrInvalidArgument
	}
	if from == "" {
		from = s.callerID
	}
	if from == "" {
		return Session{}, ErrInvalidArgument
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	legID, err := s.ctrl.Dial(ctx, telephony.DialRequest{
		To:           to,
		From:         from,
		ConnectionID: s.connectionID,
		WebhookURL:   s.webhookURL,
		ClientState:  telephony.EncodeClientState(sessionID, string(RoleCustomer)),
	})
	if err != nil {
		return Session{}, err
	}

	if err := s.reg.SetLeg(ctx, sessionID, RoleCustomer, legID); err != nil {
		// The platform leg exists but we lost the mapping; the webhook path
		// will retry the registration via client_state on the next event.
		logger.From(ctx).Error("customer leg registration failed",
			"session_id", sessionID, "leg_id", legID, "err", err)
		return Session{}, err
	}

	return Session{
		SessionID:     sessionID,
		CustomerLegID: legID,
		CustomerState: LegStateDialing,
		UpdatedAt:     s.clock().UTC(),
	}, nil
}

// StartRecording begins recording the session's customer leg.
func (s *Service) StartRecording(ctx context.Context, sessionID, channels string) error {
	if sessionID == "" {
		return ErrInvalidArgument
	}
	if channels == "" {
		channels = "dual"
	}

	sess, err := s.reg.GetActiveLegs(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrMissingLeg
		}
		return err
	}
	legID := sess.Leg(RoleCustomer)
	if legID == "" {
		return ErrMissingLeg
	}
	return s.ctrl.RecordStart(ctx, legID, channels)
}

// HandleCallEvent applies one provider event to the registry. This is the
// single authoritative path that advances leg state.
func (s *Service) HandleCallEvent(ctx context.Context, ev telephony.CallEvent) error {
	log := logger.From(ctx)

	switch ev.Type {
	case telephony.EventCallInitiated:
		// First event for a leg. When client_state names a session and role,
		// (re-)register the leg; the upsert is idempotent so a mapping
		// already written by the dial path is unaffected.
		if ev.SessionID != "" && ValidRole(Role(ev.Role)) {
			if err := s.reg.SetLeg(ctx, ev.SessionID, Role(ev.Role), ev.LegID); err != nil {
				return err
			}
		}
		return s.setStateIgnoringUnknown(ctx, ev, LegStateRinging)

	case telephony.EventCallAnswered:
		return s.setStateIgnoringUnknown(ctx, ev, LegStateActive)

	case telephony.EventCallBridged:
		return s.setStateIgnoringUnknown(ctx, ev, LegStateBridged)

	case telephony.EventCallHold:
		return s.setStateIgnoringUnknown(ctx, ev, LegStateOnHold)

	case telephony.EventCallHangup:
		if err := s.setStateIgnoringUnknown(ctx, ev, LegStateEnded); err != nil {
			return err
		}
		// Legs do not outlive their session: customer hangup tears the
		// session down.
		if ev.SessionID != "" && Role(ev.Role) == RoleCustomer {
			log.Info("customer leg ended, clearing session",
				"session_id", ev.SessionID, "leg_id", ev.LegID)
			return s.reg.ClearSession(ctx, ev.SessionID)
		}
		return nil

	default:
		log.Debug("ignoring call event", "event_type", ev.Type, "leg_id", ev.LegID)
		return nil
	}
}

// setStateIgnoringUnknown tolerates events for legs we no longer track
// (e.g. hangup after ClearSession, or a stray command's leg).
func (s *Service) setStateIgnoringUnknown(ctx context.Context, ev telephony.CallEvent, state LegState) error {
	err := s.reg.SetLegState(ctx, ev.LegID, state)
	if errors.Is(err, ErrNotFound) {
		logger.From(ctx).Debug("event for untracked leg", "event_type", ev.Type, "leg_id", ev.LegID)
		return nil
	}
	return err
}
