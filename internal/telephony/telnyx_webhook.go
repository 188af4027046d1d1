package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"dispo-voice/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Telnyx webhook event types this service reacts to. Everything else is
// acknowledged and dropped.
const (
	EventCallInitiated = "call.initiated"
	EventCallAnswered  = "call.answered"
	EventCallBridged   = "call.bridged"
	EventCallHold      = "call.hold"
	EventCallHangup    = "call.hangup"
)

// CallEvent is the normalized, provider-agnostic form of a leg event.
// SessionID and Role are empty when the leg carried no client_state.
type CallEvent struct {
	Type       string
	LegID      string
	SessionID  string
	Role       string
	From       string
	To         string
	OccurredAt time.Time
}

// telnyxEventEnvelope mirrors the Call Control webhook wire format.
type telnyxEventEnvelope struct {
	Data struct {
		EventType  string    `json:"event_type"`
		ID         string    `json:"id"`
		OccurredAt time.Time `json:"occurred_at"`
		Payload    struct {
			CallControlID string `json:"call_control_id"`
			ClientState   string `json:"client_state"`
			From          string `json:"from"`
			To            string `json:"to"`
		} `json:"payload"`
	} `json:"data"`
}

// ParseTelnyxEvent decodes a webhook request body into a CallEvent.
// A missing or undecodable client_state is not an error; the event is still
// useful for leg-id-keyed state updates.
func ParseTelnyxEvent(r *http.Request) (CallEvent, error) {
	var env telnyxEventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		return CallEvent{}, err
	}

	ev := CallEvent{
		Type:       env.Data.EventType,
		LegID:      env.Data.Payload.CallControlID,
		From:       env.Data.Payload.From,
		To:         env.Data.Payload.To,
		OccurredAt: env.Data.OccurredAt,
	}
	if cs := env.Data.Payload.ClientState; cs != "" {
		if sessionID, role, err := DecodeClientState(cs); err == nil {
			ev.SessionID = sessionID
			ev.Role = role
		}
	}
	return ev, nil
}

// TelnyxWebhookHandler converts Telnyx webhooks to internal events and
// delegates to the injected sink. No business logic here.
//
// The sink is the single authoritative path that advances leg state;
// synchronous handlers only ever read it.
type TelnyxWebhookHandler struct {
	Events func(ctx context.Context, ev CallEvent) error
}

func (h TelnyxWebhookHandler) HandleEvent(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Events == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event sink not configured"})
		return
	}

	ev, err := ParseTelnyxEvent(c.Request)
	if err != nil {
		log.Warn("telnyx webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if ev.Type == "" || ev.LegID == "" {
		// Telnyx also posts non-call events; acknowledge and drop.
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := h.Events(c.Request.Context(), ev); err != nil {
		// Webhook processing is best-effort: a 2xx stops Telnyx retries, and
		// leg-state updates are reconcilable from later events.
		log.Error("call event processing failed", "event_type", ev.Type, "leg_id", ev.LegID, "err", err)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
