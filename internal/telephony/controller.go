package telephony

import (
	"context"
	"errors"
	"fmt"
)

// CallController defines the provider-agnostic call-control surface used by
// business logic.
//
// Rules:
// - No provider SDK/REST calls outside telephony adapters.
// - Commands address legs by the provider's call-control id; callers must
//   never pass an empty leg id (precondition checks belong to the caller).
// - The controller never retries; retry policy belongs to the orchestration
//   layer or operations.
type CallController interface {
	// Dial creates a new outbound leg. The returned leg id is allocated
	// synchronously; answer/hangup arrive later as webhook events.
	Dial(ctx context.Context, req DialRequest) (string, error)

	// Bridge joins legID and targetLegID into one audio path. commandID is a
	// caller-supplied idempotency token so platform-side retries do not
	// double-bridge.
	Bridge(ctx context.Context, legID, targetLegID, commandID string) error

	// Transfer redirects a leg to a new destination (phone number or SIP URI).
	Transfer(ctx context.Context, legID, to, commandID string) error

	Hangup(ctx context.Context, legID string) error

	// PlaybackStart loops audio (hold music, announcements) on a leg.
	PlaybackStart(ctx context.Context, legID, audioURL string, loop bool) error
	PlaybackStop(ctx context.Context, legID string) error

	// RecordStart begins recording a leg. channels is "single" or "dual".
	RecordStart(ctx context.Context, legID, channels string) error
}

// DialRequest carries everything needed to create an outbound leg.
type DialRequest struct {
	To           string
	From         string
	ConnectionID string
	WebhookURL   string

	// ClientState is an opaque token echoed back on webhook events for this
	// leg; see EncodeClientState.
	ClientState string
}

// ErrUnavailable indicates the platform could not be reached (network error
// or timeout). It is distinct from the platform rejecting a command.
var ErrUnavailable = errors.New("telephony: call control platform unavailable")

// UpstreamError is a non-2xx response from the call-control platform.
// Detail carries the platform's own description for operator debugging.
type UpstreamError struct {
	Status int
	Detail string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("telephony: upstream rejected command (status %d): %s", e.Status, e.Detail)
}
