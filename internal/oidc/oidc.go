// Package oidc implements the SSO/OIDC sub-flow (spec.md §4.6): per-provider
// discovery and client setup, the authorization-code redirect/callback
// endpoints, and the one-shot login-token table each successful callback
// populates for the com.famedly.login.sso UIA stage to consume.
package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	goidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/famedly/uia-proxy/internal/apierror"
	"github.com/famedly/uia-proxy/internal/cache"
	"github.com/famedly/uia-proxy/internal/logging"
)

const loginTokenTTL = 30 * time.Minute

// ProviderConfig configures a single OIDC provider (spec.md §4.6, §6).
type ProviderConfig struct {
	IssuerURL            string            `mapstructure:"issuer_url"`
	AuthEndpoint         string            `mapstructure:"auth_endpoint"`
	TokenEndpoint        string            `mapstructure:"token_endpoint"`
	UserinfoEndpoint     string            `mapstructure:"userinfo_endpoint"`
	IntrospectionEndpoint string           `mapstructure:"introspection_endpoint"`
	ClientID             string            `mapstructure:"client_id"`
	ClientSecret         string            `mapstructure:"client_secret"`
	Scopes               []string          `mapstructure:"scopes"`
	Namespace            string            `mapstructure:"namespace"`
	SubjectClaim         string            `mapstructure:"subject_claim"`
	NameClaim            string            `mapstructure:"name_claim"`
	ExpectedClaims       map[string]string `mapstructure:"expected_claims"`
	Introspect           bool              `mapstructure:"introspect"`
	JSONRedirects        bool              `mapstructure:"json_redirects"`
	TimeoutMS            int               `mapstructure:"timeout_ms"`
	PublicBaseURL        string            `mapstructure:"public_base_url"`
	CallbackPath         string            `mapstructure:"callback_path"`
}

func (c ProviderConfig) timeout() (time.Duration, error) {
	if c.TimeoutMS == 0 {
		return 15 * time.Second, nil
	}
	if c.TimeoutMS < 0 {
		return 0, fmt.Errorf("oidc: timeout_ms must be non-negative")
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond, nil
}

func (c ProviderConfig) subjectClaim() string {
	if c.SubjectClaim != "" {
		return c.SubjectClaim
	}
	return "sub"
}

// ManagerConfig is the top-level `oidc` configuration block: every
// provider plus which one is the default.
type ManagerConfig struct {
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Default   string                    `mapstructure:"default"`
}

// LoginToken is the one-shot artifact minted on a successful OIDC
// callback and redeemed by the sso UIA stage.
type LoginToken struct {
	User        string
	Displayname string
	UIASession  string
}

// oidcSession is the in-flight authorization-code exchange state, keyed
// by the random `state` value (spec.md §3 "OIDC session").
type oidcSession struct {
	ProviderID  string
	RedirectURL string
	UIASession  string
	Verifier    *oauth2.Config
}

type provider struct {
	id         string
	cfg        ProviderConfig
	oauth2     *oauth2.Config
	rawoidc    *goidc.Provider
	verifier   *goidc.IDTokenVerifier
	httpClient *http.Client
	tokens     *cache.TimedCache[string, LoginToken]
}

// Manager owns the configured provider set, the in-flight OIDC session
// map, and each provider's per-provider login-token cache.
type Manager struct {
	ctx       context.Context
	providers map[string]*provider
	defaultID string

	mu       sync.Mutex
	sessions map[string]*oidcSession
}

// NewManager constructs every configured provider (fetching issuer
// metadata via autodiscovery, or building it from explicit endpoint URLs)
// and validates that the configured default provider exists.
func NewManager(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	m := &Manager{
		ctx:       ctx,
		providers: make(map[string]*provider),
		defaultID: cfg.Default,
		sessions:  make(map[string]*oidcSession),
	}

	for id, pcfg := range cfg.Providers {
		p, err := newProvider(ctx, id, pcfg)
		if err != nil {
			return nil, fmt.Errorf("oidc: provider %s: %w", id, err)
		}
		m.providers[id] = p
	}

	if cfg.Default != "" {
		if _, ok := m.providers[cfg.Default]; !ok {
			return nil, fmt.Errorf("oidc: default provider %q is not configured", cfg.Default)
		}
	}
	return m, nil
}

func newProvider(ctx context.Context, id string, cfg ProviderConfig) (*provider, error) {
	timeout, err := cfg.timeout()
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: timeout}
	discoveryCtx := goidc.ClientContext(ctx, httpClient)

	var raw *goidc.Provider
	if cfg.IssuerURL != "" {
		raw, err = goidc.NewProvider(discoveryCtx, cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("discovery: %w", err)
		}
	} else {
		pcfg := &goidc.ProviderConfig{
			IssuerURL:   cfg.IssuerURL,
			AuthURL:     cfg.AuthEndpoint,
			TokenURL:    cfg.TokenEndpoint,
			UserInfoURL: cfg.UserinfoEndpoint,
		}
		raw = pcfg.NewProvider(discoveryCtx)
	}

	redirectURL := strings.TrimRight(cfg.PublicBaseURL, "/") + cfg.CallbackPath
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{goidc.ScopeOpenID}
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     raw.Endpoint(),
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}

	return &provider{
		id:         id,
		cfg:        cfg,
		oauth2:     oauthCfg,
		rawoidc:    raw,
		verifier:   raw.Verifier(&goidc.Config{ClientID: cfg.ClientID}),
		httpClient: httpClient,
		tokens:     cache.New[string, LoginToken](ctx, loginTokenTTL, time.Minute),
	}, nil
}

func (m *Manager) providerFor(id string) (*provider, bool) {
	if id == "" {
		id = m.defaultID
	}
	p, ok := m.providers[id]
	return p, ok
}

// HandleRedirect implements the GET redirect endpoint of spec.md §4.6:
// it generates a random state, stashes an in-flight OidcSession, and
// responds with (or redirects to) the provider's authorization URL.
func (m *Manager) HandleRedirect(providerID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := m.providerFor(providerID)
		if !ok {
			writeAPIError(w, apierror.Unrecognized("unknown OIDC provider"))
			return
		}

		redirectURL := r.URL.Query().Get("redirectUrl")
		if redirectURL == "" {
			writeAPIError(w, apierror.Unrecognized("missing redirectUrl"))
			return
		}
		uiaSession := lastValue(r.URL.Query()["uiaSession"])

		state, err := randomState()
		if err != nil {
			writeAPIError(w, apierror.Unknown(500, "state generation failed"))
			return
		}

		m.mu.Lock()
		m.sessions[state] = &oidcSession{ProviderID: p.id, RedirectURL: redirectURL, UIASession: uiaSession}
		m.mu.Unlock()

		authURL := p.oauth2.AuthCodeURL(state)

		if p.cfg.JSONRedirects {
			writeJSON(w, http.StatusOK, map[string]string{"location": authURL})
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// HandleCallback implements the GET callback endpoint of spec.md §4.6.
func (m *Manager) HandleCallback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")
		if state == "" {
			writeAPIError(w, apierror.Unrecognized("missing state"))
			return
		}

		m.mu.Lock()
		sess, ok := m.sessions[state]
		if ok {
			delete(m.sessions, state)
		}
		m.mu.Unlock()
		if !ok {
			writeAPIError(w, apierror.Unrecognized("unknown or expired OIDC session"))
			return
		}

		p, ok := m.providerFor(sess.ProviderID)
		if !ok {
			writeAPIError(w, apierror.Unrecognized("unknown OIDC provider"))
			return
		}

		ctx := goidc.ClientContext(r.Context(), p.httpClient)
		oauth2Token, err := p.oauth2.Exchange(ctx, r.URL.Query().Get("code"))
		if err != nil {
			logging.Logger.Warn("oidc: code exchange failed", "provider", p.id, "err", err)
			writeAPIError(w, apierror.Unauthorized("code exchange failed"))
			return
		}

		rawIDToken, _ := oauth2Token.Extra("id_token").(string)
		if rawIDToken == "" {
			writeAPIError(w, apierror.Unauthorized("id_token missing"))
			return
		}
		idToken, err := p.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			writeAPIError(w, apierror.Unauthorized("id_token verification failed"))
			return
		}

		var claims map[string]any
		if err := idToken.Claims(&claims); err != nil {
			writeAPIError(w, apierror.Unauthorized("claims parse failed"))
			return
		}

		subject, ok := claims[p.cfg.subjectClaim()].(string)
		if !ok || subject == "" {
			writeAPIError(w, apierror.Unauthorized("subject claim missing or not a string"))
			return
		}

		var displayname string
		if p.cfg.NameClaim != "" {
			if v, present := claims[p.cfg.NameClaim]; present {
				s, isStr := v.(string)
				if !isStr {
					writeAPIError(w, apierror.Unauthorized("name claim is not a string"))
					return
				}
				displayname = s
			}
		}

		for claimName, want := range p.cfg.ExpectedClaims {
			got, _ := claims[claimName].(string)
			if got != want {
				writeAPIError(w, apierror.Unauthorized(fmt.Sprintf("claim %s did not match expected value", claimName)))
				return
			}
		}

		if p.cfg.Introspect {
			active, err := m.introspect(ctx, p, oauth2Token.AccessToken)
			if err != nil {
				writeAPIError(w, apierror.Unknown(500, "introspection request failed"))
				return
			}
			if !active {
				writeAPIError(w, apierror.TokenInactive("token is not active"))
				return
			}
		}

		token, err := randomState()
		if err != nil {
			writeAPIError(w, apierror.Unknown(500, "token generation failed"))
			return
		}
		loginToken := p.id + "|" + token
		p.tokens.Set(loginToken, LoginToken{User: subject, Displayname: displayname, UIASession: sess.UIASession})

		dest := sess.RedirectURL + "?loginToken=" + url.QueryEscape(loginToken)
		if p.cfg.JSONRedirects {
			writeJSON(w, http.StatusOK, map[string]string{"location": dest})
			return
		}
		http.Redirect(w, r, dest, http.StatusFound)
	}
}

// introspect calls the provider's introspection endpoint with HTTP Basic
// auth and reports whether the token is active.
func (m *Manager) introspect(ctx context.Context, p *provider, accessToken string) (bool, error) {
	form := url.Values{"token": {accessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.IntrospectionEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Active, nil
}

// ConsumeLoginToken validates and deletes a one-shot login token
// (spec.md §4.5.4, §8 invariant 3): token must exist, be live, and carry
// a uiaSession matching the caller's session (if it carries one at all).
func (m *Manager) ConsumeLoginToken(rawToken, uiaSession string) (LoginToken, *apierror.Error) {
	providerID, _, ok := strings.Cut(rawToken, "|")
	if !ok {
		return LoginToken{}, apierror.Forbidden("malformed login token")
	}
	p, ok := m.providers[providerID]
	if !ok {
		return LoginToken{}, apierror.Forbidden("unknown login token provider")
	}

	tok, ok := p.tokens.Get(rawToken)
	if !ok {
		return LoginToken{}, apierror.Forbidden("login token is invalid or expired")
	}
	if tok.UIASession != "" && tok.UIASession != uiaSession {
		return LoginToken{}, apierror.Forbidden("login token was issued for a different session")
	}

	p.tokens.Delete(rawToken)

	namespaced := tok.User
	if p.cfg.Namespace != "" {
		namespaced = p.cfg.Namespace + "/" + tok.User
	}
	return LoginToken{User: namespaced, Displayname: tok.Displayname}, nil
}

func lastValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[len(values)-1]
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, err *apierror.Error) {
	writeJSON(w, err.Status, err)
}
