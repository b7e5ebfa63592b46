// Package proxy implements the webserver/proxy layer (spec.md §4.9, C9):
// per-endpoint middleware chain (rate limit, JSON validation, optional
// upstream-token verification, session + stage-handler middleware), and
// the terminal API handlers that mint a token and talk to the homeserver.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/famedly/uia-proxy/internal/apierror"
	"github.com/famedly/uia-proxy/internal/config"
	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/providers"
	"github.com/famedly/uia-proxy/internal/session"
	"github.com/famedly/uia-proxy/internal/token"
	"github.com/famedly/uia-proxy/internal/uia"
)

// requiresUpstreamAuth names the endpoints that must present an
// already-valid homeserver access token before UIA even starts (spec.md
// §4.9: "password, device endpoints").
var requiresUpstreamAuth = map[string]bool{
	config.EndpointPassword:               true,
	config.EndpointDeleteDevice:           true,
	config.EndpointDeleteDevices:          true,
	config.EndpointUploadDeviceSigningKeys: true,
}

type ctxKey int

const accessTokenKey ctxKey = iota

// Endpoint builds the full middleware chain plus terminal handler for one
// UIA-capable endpoint, per the order mandated in spec.md §4.9.
func Endpoint(name string, cfg config.Endpoint, store *session.Store, handler *uia.StageHandler, hs *Homeserver, minter *token.Minter, passwordChanger providers.PasswordChanger) http.HandlerFunc {
	limiter := NewRateLimiter(cfg.RateLimit.Window(), cfg.RateLimit.Burst())

	var terminal http.HandlerFunc
	switch name {
	case config.EndpointLogin:
		terminal = loginHandler(hs, minter)
	case config.EndpointPassword:
		terminal = passwordChangeHandler(passwordChanger)
	default:
		terminal = passthroughHandler(hs, minter)
	}

	chain := handler.Middleware(store, name, terminal)
	chain = limiter.Middleware(RequireJSONBody(withUpstreamAuth(name, hs, chain)))
	return chain
}

// withUpstreamAuth verifies the caller's access token against the
// homeserver's whoami for endpoints that require one, stashing the
// token in the request context for the terminal handler to reuse.
func withUpstreamAuth(name string, hs *Homeserver, next http.HandlerFunc) http.HandlerFunc {
	if !requiresUpstreamAuth[name] {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tok := accessToken(r)
		if tok == "" {
			writeError(w, apierror.MissingToken("missing access token"))
			return
		}
		if _, err := hs.VerifyAccessToken(r.Context(), tok); err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), accessTokenKey, tok)
		next(w, r.WithContext(ctx))
	}
}

// loginHandler mints a login token for the newly authenticated user and
// exchanges it with the homeserver for a real session, returning the
// homeserver's response verbatim to the client.
func loginHandler(hs *Homeserver, minter *token.Minter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, ok := uia.DataFromContext(r.Context())
		if !ok || data.Username == "" {
			writeError(w, apierror.Unknown(500, "UIA completed without a resolved username"))
			return
		}

		minted, err := minter.Mint(data.Username, data.Admin, data.Displayname)
		if err != nil {
			logging.Logger.Error("failed to mint homeserver token", "err", err)
			writeError(w, apierror.Unknown(500, "failed to mint token"))
			return
		}

		extra := uia.RequestBodyFromContext(r.Context())

		result, err := hs.FinishLogin(r.Context(), data.Username, minted, extra)
		if err != nil {
			writeError(w, apierror.BackendUnreachable())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(result.StatusCode)
		_, _ = w.Write(result.Body)
	}
}

// passwordChangeHandler implements the `password` API handler of
// spec.md §4.9: a password provider with ChangePassword is required;
// success responds `200 {}`, failure `400 M_UNKNOWN`.
func passwordChangeHandler(changer providers.PasswordChanger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if changer == nil {
			writeError(w, apierror.Unknown(400, "no password provider supports changing passwords"))
			return
		}
		data, ok := uia.DataFromContext(r.Context())
		if !ok || data.Username == "" {
			writeError(w, apierror.Unknown(500, "UIA completed without a resolved username"))
			return
		}

		body := uia.RequestBodyFromContext(r.Context())
		newPassword, _ := body["new_password"].(string)
		oldPassword := data.Password

		ok, err := changer.ChangePassword(r.Context(), data.Username, oldPassword, newPassword)
		if err != nil || !ok {
			writeError(w, apierror.Unknown(400, "failed to change password"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{})
	}
}

// passthroughHandler forwards the original method/path/body of a
// device-endpoint request (deleteDevice, deleteDevices,
// uploadDeviceSigningKeys) to the homeserver using the caller's Bearer
// token, injecting a freshly minted `auth: {type, identifier, user,
// token}` object into the body so the homeserver re-authenticates the
// action against the UIA flow just completed (spec.md §4.9 proxyRequest).
func passthroughHandler(hs *Homeserver, minter *token.Minter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, _ := r.Context().Value(accessTokenKey).(string)
		if tok == "" {
			tok = accessToken(r)
		}

		data, ok := uia.DataFromContext(r.Context())
		if !ok || data.Username == "" {
			writeError(w, apierror.Unknown(500, "UIA completed without a resolved username"))
			return
		}

		minted, err := minter.Mint(data.Username, data.Admin, data.Displayname)
		if err != nil {
			logging.Logger.Error("failed to mint homeserver token", "err", err)
			writeError(w, apierror.Unknown(500, "failed to mint token"))
			return
		}

		body := uia.RequestBodyFromContext(r.Context())
		if body == nil {
			body = make(map[string]any)
		}
		body["auth"] = map[string]any{
			"type": "com.famedly.login.token",
			"identifier": map[string]string{
				"type": "m.id.user",
				"user": data.Username,
			},
			"user":  data.Username,
			"token": minted,
		}
		payload, err := json.Marshal(body)
		if err != nil {
			writeError(w, apierror.Unknown(500, "failed to encode proxied body"))
			return
		}

		req, err := http.NewRequestWithContext(r.Context(), r.Method, hs.BaseURL+r.URL.Path, bytes.NewReader(payload))
		if err != nil {
			writeError(w, apierror.BackendUnreachable())
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := hs.Client.Do(req)
		if err != nil {
			writeError(w, apierror.BackendUnreachable())
			return
		}
		defer resp.Body.Close()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}
