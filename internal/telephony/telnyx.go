package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"dispo-voice/internal/config"
)

// TelnyxClient issues Call Control commands against the Telnyx REST API.
//
// It is a thin wrapper: authenticate, serialize, normalize errors. It does
// not retry and it does not track leg state; both belong to callers.
type TelnyxClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewTelnyxClient(cfg config.TelnyxConfig) *TelnyxClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = config.DefaultTelnyxBaseURL
	}
	return &TelnyxClient{
		apiKey:  cfg.APIKey,
		baseURL: base,
		httpClient: &http.Client{
			// Hard upper bound; per-request contexts may be tighter.
			Timeout: cfg.RequestTimeout,
		},
	}
}

type dialRequestBody struct {
	To           string `json:"to"`
	From         string `json:"from"`
	ConnectionID string `json:"connection_id"`
	WebhookURL   string `json:"webhook_url,omitempty"`
	ClientState  string `json:"client_state,omitempty"`
}

type dialResponseBody struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
	} `json:"data"`
}

func (t *TelnyxClient) Dial(ctx context.Context, req DialRequest) (string, error) {
	if req.To == "" || req.From == "" {
		return "", errors.New("telnyx: dial requires to and from")
	}
	if req.ConnectionID == "" {
		return "", errors.New("telnyx: dial requires connection_id")
	}

	var out dialResponseBody
	err := t.do(ctx, http.MethodPost, "/calls", dialRequestBody{
		To:           req.To,
		From:         req.From,
		ConnectionID: req.ConnectionID,
		WebhookURL:   req.WebhookURL,
		ClientState:  req.ClientState,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Data.CallControlID == "" {
		return "", errors.New("telnyx: dial response missing call_control_id")
	}
	return out.Data.CallControlID, nil
}

func (t *TelnyxClient) Bridge(ctx context.Context, legID, targetLegID, commandID string) error {
	if err := requireLeg(legID); err != nil {
		return err
	}
	if err := requireLeg(targetLegID); err != nil {
		return err
	}
	return t.action(ctx, legID, "bridge", map[string]string{
		"call_control_id": targetLegID,
		"command_id":      commandID,
	})
}

func (t *TelnyxClient) Transfer(ctx context.Context, legID, to, commandID string) error {
	if err := requireLeg(legID); err != nil {
		return err
	}
	if to == "" {
		return errors.New("telnyx: transfer requires a destination")
	}
	return t.action(ctx, legID, "transfer", map[string]string{
		"to":         to,
		"command_id": commandID,
	})
}

func (t *TelnyxClient) Hangup(ctx context.Context, legID string) error {
	if err := requireLeg(legID); err != nil {
		return err
	}
	return t.action(ctx, legID, "hangup", struct{}{})
}

func (t *TelnyxClient) PlaybackStart(ctx context.Context, legID, audioURL string, loop bool) error {
	if err := requireLeg(legID); err != nil {
		return err
	}
	if audioURL == "" {
		return errors.New("telnyx: playback requires an audio url")
	}
	body := map[string]any{"audio_url": audioURL}
	if loop {
		body["loop"] = "infinity"
	}
	return t.action(ctx, legID, "playback_start", body)
}

func (t *TelnyxClient) PlaybackStop(ctx context.Context, legID string) error {
	if err := requireLeg(legID); err != nil {
		return err
	}
	return t.action(ctx, legID, "playback_stop", struct{}{})
}

func (t *TelnyxClient) RecordStart(ctx context.Context, legID, channels string) error {
	if err := requireLeg(legID); err != nil {
		return err
	}
	if channels != "single" && channels != "dual" {
		return fmt.Errorf("telnyx: channels must be single or dual, got %q", channels)
	}
	return t.action(ctx, legID, "record_start", map[string]string{
		"format":   "mp3",
		"channels": channels,
	})
}

func (t *TelnyxClient) action(ctx context.Context, legID, name string, body any) error {
	path := fmt.Sprintf("/calls/%s/actions/%s", url.PathEscape(legID), name)
	return t.do(ctx, http.MethodPost, path, body, nil)
}

func (t *TelnyxClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("telnyx: encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("telnyx: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		// Transport failures and timeouts are indistinguishable to callers;
		// both mean "command outcome unknown".
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseUpstreamError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("telnyx: decode response: %w", err)
		}
	}
	return nil
}

type telnyxErrorBody struct {
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func parseUpstreamError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))

	var body telnyxErrorBody
	detail := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && len(body.Errors) > 0 {
		first := body.Errors[0]
		detail = first.Detail
		if detail == "" {
			detail = first.Title
		}
	}
	return &UpstreamError{Status: resp.StatusCode, Detail: detail}
}

func requireLeg(legID string) error {
	if legID == "" {
		return errors.New("telnyx: empty call control id")
	}
	return nil
}
