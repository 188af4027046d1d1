package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dispo-voice/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*TelnyxClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewTelnyxClient(config.TelnyxConfig{
		APIKey:         "KEY123",
		BaseURL:        srv.URL,
		RequestTimeout: 2 * time.Second,
	})
	return c, srv
}

func TestDial_SendsAuthAndReturnsLegID(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/calls" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"call_control_id":"v3:abc"}}`))
	})

	legID, err := c.Dial(context.Background(), DialRequest{
		To:           "+15551234567",
		From:         "+15557654321",
		ConnectionID: "conn-1",
		WebhookURL:   "https://example.com/webhooks/telnyx",
		ClientState:  EncodeClientState("s1", "customer"),
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if legID != "v3:abc" {
		t.Fatalf("expected leg id v3:abc, got %q", legID)
	}
	if gotAuth != "Bearer KEY123" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotBody["connection_id"] != "conn-1" {
		t.Fatalf("expected connection_id passthrough, got %v", gotBody["connection_id"])
	}
}

func TestBridge_IssuesCommandAgainstLegWithPartnerAndCommandID(t *testing.T) {
	var gotPath string
	var gotBody map[string]string

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"result":"ok"}}`))
	})

	if err := c.Bridge(context.Background(), "leg-consult", "leg-customer", "cmd-1"); err != nil {
		t.Fatalf("bridge: %v", err)
	}
	if gotPath != "/calls/leg-consult/actions/bridge" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotBody["call_control_id"] != "leg-customer" {
		t.Fatalf("expected partner leg-customer, got %q", gotBody["call_control_id"])
	}
	if gotBody["command_id"] != "cmd-1" {
		t.Fatalf("expected command_id cmd-1, got %q", gotBody["command_id"])
	}
}

func TestTransfer_NonOKReturnsUpstreamErrorWithDetail(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":[{"code":"90015","title":"Call has already ended","detail":"Call is no longer active"}]}`))
	})

	err := c.Transfer(context.Background(), "leg-1", "+15550001111", "cmd-9")
	if err == nil {
		t.Fatalf("expected error")
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %T: %v", err, err)
	}
	if ue.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", ue.Status)
	}
	if ue.Detail != "Call is no longer active" {
		t.Fatalf("expected platform detail, got %q", ue.Detail)
	}
}

func TestDo_TimeoutMapsToUnavailable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Hangup(ctx, "leg-1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCommands_RejectEmptyLegID(t *testing.T) {
	called := false
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	if err := c.Hangup(context.Background(), ""); err == nil {
		t.Fatalf("expected error")
	}
	if err := c.Bridge(context.Background(), "", "x", "cmd"); err == nil {
		t.Fatalf("expected error")
	}
	if err := c.PlaybackStop(context.Background(), ""); err == nil {
		t.Fatalf("expected error")
	}
	if called {
		t.Fatalf("no HTTP request should be sent for an empty leg id")
	}
}

func TestRecordStart_ValidatesChannels(t *testing.T) {
	var gotBody map[string]string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"result":"ok"}}`))
	})

	if err := c.RecordStart(context.Background(), "leg-1", "stereo"); err == nil {
		t.Fatalf("expected channels validation error")
	}
	if err := c.RecordStart(context.Background(), "leg-1", "dual"); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if gotBody["channels"] != "dual" {
		t.Fatalf("expected dual channels, got %q", gotBody["channels"])
	}
}
