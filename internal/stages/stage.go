// Package stages implements the Stage interface (spec.md §4.5) and its
// built-in stage types: password, dummy, welcome_message, sso, crm.
package stages

import (
	"context"

	"github.com/famedly/uia-proxy/internal/apierror"
	"github.com/famedly/uia-proxy/internal/session"
)

// AuthResponse is the result of a stage's auth call: either success
// carrying data to merge into the session, or a structured failure.
type AuthResponse struct {
	Success bool
	Data    session.Data
	Err     *apierror.Error
}

// Stage is a named authentication capability. It is stateless across
// sessions: a Stage instance holds only its own static configuration.
type Stage interface {
	// Type is the Matrix stage type identifier, e.g. "m.login.password".
	Type() string
	// IsActive reports whether this stage applies given the session's
	// accumulated data so far. Stages with no conditional behavior
	// should simply return true.
	IsActive(data session.Data) bool
	// GetParams returns the client-visible parameters for this stage, or
	// nil if the stage exposes none.
	GetParams(data session.Data) any
	// Auth attempts to complete this stage given the client-submitted
	// auth payload (already JSON-decoded) and this stage's cached params.
	Auth(ctx context.Context, payload map[string]any, params any) AuthResponse
}
