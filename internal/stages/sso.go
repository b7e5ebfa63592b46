package stages

import (
	"context"

	"github.com/famedly/uia-proxy/internal/apierror"
	"github.com/famedly/uia-proxy/internal/oidc"
	"github.com/famedly/uia-proxy/internal/session"
)

// SSOStage implements com.famedly.login.sso (spec.md §4.5.4): it redeems
// a one-shot OIDC login token minted by internal/oidc's callback handler.
type SSOStage struct {
	OIDC *oidc.Manager
}

func (s *SSOStage) Type() string              { return "com.famedly.login.sso" }
func (s *SSOStage) IsActive(session.Data) bool { return true }
func (s *SSOStage) GetParams(session.Data) any { return nil }

func (s *SSOStage) Auth(_ context.Context, payload map[string]any, _ any) AuthResponse {
	token, _ := payload["token"].(string)
	if token == "" {
		return AuthResponse{Success: false, Err: apierror.BadJSON("missing token")}
	}
	// The UIA session id travels as part of the auth dict itself, not as
	// a stage parameter, so it is read straight out of the payload.
	uiaSession, _ := payload["session"].(string)

	result, err := s.OIDC.ConsumeLoginToken(token, uiaSession)
	if err != nil {
		return AuthResponse{Success: false, Err: err}
	}

	return AuthResponse{
		Success: true,
		Data: session.Data{
			Username:    result.User,
			Displayname: result.Displayname,
		},
	}
}
