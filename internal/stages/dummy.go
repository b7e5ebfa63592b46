package stages

import (
	"context"

	"github.com/famedly/uia-proxy/internal/session"
)

// DummyStage unconditionally succeeds; it lets a client acknowledge a
// step without supplying any credential.
type DummyStage struct{}

func (DummyStage) Type() string                       { return "m.login.dummy" }
func (DummyStage) IsActive(session.Data) bool          { return true }
func (DummyStage) GetParams(session.Data) any          { return nil }
func (DummyStage) Auth(context.Context, map[string]any, any) AuthResponse {
	return AuthResponse{Success: true}
}
