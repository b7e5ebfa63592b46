package stages

import (
	"context"
	"strings"

	"github.com/famedly/uia-proxy/internal/apierror"
	"github.com/famedly/uia-proxy/internal/providers"
	"github.com/famedly/uia-proxy/internal/session"
)

// PasswordStage implements m.login.password (spec.md §4.5.1): it
// extracts a localpart from either the spec-compliant `identifier`
// object or the off-spec `{user, password}` fallback, rejects
// fully-qualified mxids for another homeserver, then tries each
// configured PasswordProvider in order.
type PasswordStage struct {
	HomeserverDomain string
	Providers        []providers.PasswordProvider
}

func (p *PasswordStage) Type() string              { return "m.login.password" }
func (p *PasswordStage) IsActive(session.Data) bool { return true }
func (p *PasswordStage) GetParams(session.Data) any { return nil }

func (p *PasswordStage) Auth(ctx context.Context, payload map[string]any, _ any) AuthResponse {
	username, password, err := p.extractCredentials(payload)
	if err != nil {
		return AuthResponse{Success: false, Err: err}
	}

	for _, provider := range p.Providers {
		result, err := provider.CheckUser(ctx, username, password)
		if err != nil {
			continue // provider-level I/O error: try the next provider
		}
		if result.Success {
			data := session.Data{
				Username:         username,
				Password:         password,
				PasswordProvider: provider.Name(),
			}
			if result.Username != "" {
				data.Username = result.Username
			}
			if result.Displayname != "" {
				data.Displayname = result.Displayname
			}
			if result.Admin != nil {
				data.Admin = result.Admin
			}
			return AuthResponse{Success: true, Data: data}
		}
	}
	return AuthResponse{Success: false, Err: apierror.Forbidden("User not found or invalid password")}
}

func (p *PasswordStage) extractCredentials(payload map[string]any) (string, string, *apierror.Error) {
	password, _ := payload["password"].(string)

	var user string
	if ident, ok := payload["identifier"].(map[string]any); ok {
		if t, _ := ident["type"].(string); t == "m.id.user" || t == "" {
			user, _ = ident["user"].(string)
		}
	}
	if user == "" {
		// Off-spec fallback: {user, password} at the top level.
		user, _ = payload["user"].(string)
	}
	if user == "" {
		return "", "", apierror.BadJSON("missing user identifier")
	}

	if strings.HasPrefix(user, "@") {
		localpart, domain, ok := splitMXID(user)
		if !ok || domain != p.HomeserverDomain {
			return "", "", apierror.Unknown(401, "Bad User")
		}
		user = localpart
	}
	return user, password, nil
}

func splitMXID(mxid string) (localpart, domain string, ok bool) {
	if !strings.HasPrefix(mxid, "@") {
		return "", "", false
	}
	idx := strings.IndexByte(mxid, ':')
	if idx < 0 {
		return "", "", false
	}
	return mxid[1:idx], mxid[idx+1:], true
}
