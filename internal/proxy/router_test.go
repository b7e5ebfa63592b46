package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/famedly/uia-proxy/internal/apierror"
	"github.com/famedly/uia-proxy/internal/config"
	"github.com/famedly/uia-proxy/internal/session"
	"github.com/famedly/uia-proxy/internal/stages"
	"github.com/famedly/uia-proxy/internal/token"
	"github.com/famedly/uia-proxy/internal/uia"
)

// alwaysStage is a trivial stages.Stage that always succeeds, resolving
// to a fixed username, for exercising the Endpoint() chain end to end
// without a real password/LDAP provider.
type alwaysStage struct {
	username string
}

func (a *alwaysStage) Type() string              { return "m.login.dummy" }
func (a *alwaysStage) IsActive(session.Data) bool { return true }
func (a *alwaysStage) GetParams(session.Data) any { return nil }
func (a *alwaysStage) Auth(context.Context, map[string]any, any) stages.AuthResponse {
	return stages.AuthResponse{Success: true, Data: session.Data{Username: a.username}}
}

func newTestHandler(username string) *uia.StageHandler {
	return &uia.StageHandler{
		Flows: []config.Flow{{Stages: []string{"m.login.dummy"}}},
		Stages: map[string]stages.Stage{
			"m.login.dummy": &alwaysStage{username: username},
		},
	}
}

func newTestMinter(t *testing.T) *token.Minter {
	t.Helper()
	m, err := token.NewMinter("HS256", "test-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	return m
}

func unlimitedRateLimit() config.RateLimit {
	return config.RateLimit{WindowMS: 1000, Max: 1000}
}

func TestEndpointLoginCompletesAndForwardsToHomeserver(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/r0/login" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["type"] != "com.famedly.login.token" {
			t.Fatalf("expected com.famedly.login.token login type, got %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user_id":"@alice:example.com","access_token":"tok"}`))
	}))
	defer backend.Close()

	hs := NewHomeserver(backend.URL, time.Second)
	store := session.New(context.Background(), time.Hour, time.Hour)
	handler := Endpoint(config.EndpointLogin, config.Endpoint{RateLimit: unlimitedRateLimit()}, store, newTestHandler("alice"), hs, newTestMinter(t), nil)

	body := strings.NewReader(`{"auth":{"type":"m.login.dummy"}}`)
	req := httptest.NewRequest(http.MethodPost, "/login", body)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["user_id"] != "@alice:example.com" {
		t.Fatalf("expected homeserver response to be forwarded verbatim, got %+v", resp)
	}
}

func TestEndpointDeviceEndpointInjectsMintedAuth(t *testing.T) {
	var forwardedBody map[string]any
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/_matrix/client/r0/account/whoami":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"user_id":"@alice:example.com"}`))
		case "/_matrix/client/r0/devices/delete":
			_ = json.NewDecoder(r.Body).Decode(&forwardedBody)
			if got := r.Header.Get("Authorization"); got != "Bearer original-token" {
				t.Fatalf("expected the caller's original bearer token forwarded, got %q", got)
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer backend.Close()

	hs := NewHomeserver(backend.URL, time.Second)
	store := session.New(context.Background(), time.Hour, time.Hour)
	handler := Endpoint(config.EndpointDeleteDevice, config.Endpoint{RateLimit: unlimitedRateLimit()}, store, newTestHandler("alice"), hs, newTestMinter(t), nil)

	body := strings.NewReader(`{"auth":{"type":"m.login.dummy"},"device_id":"XYZ"}`)
	req := httptest.NewRequest(http.MethodPost, "/_matrix/client/r0/devices/delete", body)
	req.Header.Set("Authorization", "Bearer original-token")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body %s", rec.Code, rec.Body.String())
	}
	auth, ok := forwardedBody["auth"].(map[string]any)
	if !ok {
		t.Fatalf("expected an injected auth object in the forwarded body, got %+v", forwardedBody)
	}
	if auth["type"] != "com.famedly.login.token" {
		t.Fatalf("expected injected auth type com.famedly.login.token, got %+v", auth)
	}
	if auth["user"] != "alice" {
		t.Fatalf("expected injected auth user alice, got %+v", auth)
	}
	if auth["token"] == "" || auth["token"] == nil {
		t.Fatal("expected a non-empty minted token in the injected auth object")
	}
	if forwardedBody["device_id"] != "XYZ" {
		t.Fatalf("expected the original body fields to survive auth injection, got %+v", forwardedBody)
	}
}

func TestEndpointRejectsMissingUpstreamToken(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("homeserver should not be contacted when the caller has no access token")
	}))
	defer backend.Close()

	hs := NewHomeserver(backend.URL, time.Second)
	store := session.New(context.Background(), time.Hour, time.Hour)
	handler := Endpoint(config.EndpointDeleteDevice, config.Endpoint{RateLimit: unlimitedRateLimit()}, store, newTestHandler("alice"), hs, newTestMinter(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/_matrix/client/r0/devices/delete", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 M_MISSING_TOKEN, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestEndpointRejectsNonJSONBody(t *testing.T) {
	hs := NewHomeserver("http://unused.invalid", time.Second)
	store := session.New(context.Background(), time.Hour, time.Hour)
	handler := Endpoint(config.EndpointLogin, config.Endpoint{RateLimit: unlimitedRateLimit()}, store, newTestHandler("alice"), hs, newTestMinter(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 M_NOT_JSON, got %d body %s", rec.Code, rec.Body.String())
	}
	var apiErr apierror.Error
	if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if apiErr.Errcode != "M_NOT_JSON" {
		t.Fatalf("expected M_NOT_JSON, got %q", apiErr.Errcode)
	}
}

func TestEndpointRateLimiterReturns429(t *testing.T) {
	hs := NewHomeserver("http://unused.invalid", time.Second)
	store := session.New(context.Background(), time.Hour, time.Hour)
	epCfg := config.Endpoint{RateLimit: config.RateLimit{WindowMS: 60_000, Max: 1}}
	handler := Endpoint(config.EndpointLogin, epCfg, store, newTestHandler("alice"), hs, newTestMinter(t), nil)

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{}`))
		r.RemoteAddr = "203.0.113.1:4000"
		return r
	}

	first := httptest.NewRecorder()
	handler(first, req())
	if first.Code == http.StatusTooManyRequests {
		t.Fatal("expected the first request within burst to be allowed")
	}

	second := httptest.NewRecorder()
	handler(second, req())
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected the second request to exceed burst=1 and return 429, got %d", second.Code)
	}
}

type fakeChanger struct {
	ok  bool
	err error
}

func (f *fakeChanger) ChangePassword(context.Context, string, string, string) (bool, error) {
	return f.ok, f.err
}

func TestEndpointPasswordChangeSuccessAndFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user_id":"@alice:example.com"}`))
	}))
	defer backend.Close()
	hs := NewHomeserver(backend.URL, time.Second)
	store := session.New(context.Background(), time.Hour, time.Hour)

	newRequest := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/password", strings.NewReader(`{"auth":{"type":"m.login.dummy"},"new_password":"new-secret"}`))
		r.Header.Set("Authorization", "Bearer original-token")
		return r
	}

	okHandler := Endpoint(config.EndpointPassword, config.Endpoint{RateLimit: unlimitedRateLimit()}, store, newTestHandler("alice"), hs, newTestMinter(t), &fakeChanger{ok: true})
	rec := httptest.NewRecorder()
	okHandler(rec, newRequest())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 {} on a successful password change, got %d body %s", rec.Code, rec.Body.String())
	}

	failHandler := Endpoint(config.EndpointPassword, config.Endpoint{RateLimit: unlimitedRateLimit()}, store, newTestHandler("alice"), hs, newTestMinter(t), &fakeChanger{ok: false})
	rec = httptest.NewRecorder()
	failHandler(rec, newRequest())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 M_UNKNOWN on a failed password change, got %d body %s", rec.Code, rec.Body.String())
	}

	noChangerHandler := Endpoint(config.EndpointPassword, config.Endpoint{RateLimit: unlimitedRateLimit()}, store, newTestHandler("alice"), hs, newTestMinter(t), nil)
	rec = httptest.NewRecorder()
	noChangerHandler(rec, newRequest())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when no password provider supports changing passwords, got %d body %s", rec.Code, rec.Body.String())
	}
}
