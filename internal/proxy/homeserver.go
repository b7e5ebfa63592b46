package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/famedly/uia-proxy/internal/apierror"
)

// Homeserver is a thin client for the upstream Matrix homeserver calls
// the proxy needs: access-token validation and the synthetic login
// exchange that finalizes a completed UIA flow (spec.md §4.9, §6 "Wire —
// upstream homeserver").
type Homeserver struct {
	BaseURL    string
	Client     *http.Client
}

// NewHomeserver builds a client against baseURL with a bounded per-call
// timeout.
func NewHomeserver(baseURL string, timeout time.Duration) *Homeserver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Homeserver{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{Timeout: timeout}}
}

// VerifyAccessToken calls whoami with the given bearer token. A 401/403
// homeserver response maps to M_UNKNOWN_TOKEN; any other failure maps to
// the generic backend-unreachable error (spec.md §4.9).
func (h *Homeserver) VerifyAccessToken(ctx context.Context, accessToken string) (string, *apierror.Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/_matrix/client/r0/account/whoami", nil)
	if err != nil {
		return "", apierror.BackendUnreachable()
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := h.Client.Do(req)
	if err != nil {
		return "", apierror.BackendUnreachable()
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", apierror.UnknownToken("access token is not recognized by the homeserver")
	}
	if resp.StatusCode != http.StatusOK {
		return "", apierror.BackendUnreachable()
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", apierror.BackendUnreachable()
	}
	return body.UserID, nil
}

// LoginResult is the homeserver's login response, passed through
// verbatim to the client.
type LoginResult struct {
	StatusCode int
	Body       []byte
}

// FinishLogin exchanges a minted token for a real homeserver session via
// the com.famedly.login.token login type (spec.md §6).
func (h *Homeserver) FinishLogin(ctx context.Context, username, mintedToken string, extra map[string]any) (*LoginResult, error) {
	payload := map[string]any{
		"type": "com.famedly.login.token",
		"identifier": map[string]string{
			"type": "m.id.user",
			"user": username,
		},
		"token": mintedToken,
	}
	for _, key := range []string{"device_id", "initial_device_display_name"} {
		if v, ok := extra[key]; ok {
			payload[key] = v
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/_matrix/client/r0/login", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &LoginResult{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// SetDisplayname sets the displayname of mxid on the homeserver using
// accessToken, ignored by callers on failure since it's best-effort.
func (h *Homeserver) SetDisplayname(ctx context.Context, accessToken, mxid, displayname string) error {
	body, err := json.Marshal(map[string]string{"displayname": displayname})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/_matrix/client/r0/profile/%s/displayname", h.BaseURL, mxid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
