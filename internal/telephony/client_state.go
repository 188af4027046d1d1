package telephony

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Client state ties a provider leg back to our session and role. Telnyx
// echoes the token verbatim on every webhook event for the leg, which lets
// the event path resolve legs without a provider-side lookup.

const clientStateSep = "|"

// EncodeClientState packs sessionID and role into the base64 token Telnyx
// requires for client_state.
func EncodeClientState(sessionID, role string) string {
	return base64.StdEncoding.EncodeToString([]byte(sessionID + clientStateSep + role))
}

// DecodeClientState reverses EncodeClientState.
func DecodeClientState(state string) (sessionID, role string, err error) {
	raw, err := base64.StdEncoding.DecodeString(state)
	if err != nil {
		return "", "", fmt.Errorf("telephony: bad client_state encoding: %w", err)
	}
	parts := strings.SplitN(string(raw), clientStateSep, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("telephony: malformed client_state %q", string(raw))
	}
	return parts[0], parts[1], nil
}
