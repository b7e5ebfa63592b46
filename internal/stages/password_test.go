package stages

import (
	"context"
	"testing"

	"github.com/famedly/uia-proxy/internal/providers"
)

func TestPasswordStageSuccessWithIdentifierObject(t *testing.T) {
	stage := &PasswordStage{
		HomeserverDomain: "example.com",
		Providers:        []providers.PasswordProvider{&providers.Dummy{ValidPassword: "hunter2"}},
	}

	resp := stage.Auth(context.Background(), map[string]any{
		"identifier": map[string]any{"type": "m.id.user", "user": "alice"},
		"password":   "hunter2",
	}, nil)

	if !resp.Success {
		t.Fatalf("expected success, got error %+v", resp.Err)
	}
	if resp.Data.Username != "alice" {
		t.Fatalf("expected username alice, got %q", resp.Data.Username)
	}
}

func TestPasswordStageOffSpecFallback(t *testing.T) {
	stage := &PasswordStage{
		HomeserverDomain: "example.com",
		Providers:        []providers.PasswordProvider{&providers.Dummy{ValidPassword: "hunter2"}},
	}

	resp := stage.Auth(context.Background(), map[string]any{
		"user":     "bob",
		"password": "hunter2",
	}, nil)

	if !resp.Success {
		t.Fatalf("expected success via off-spec fallback, got error %+v", resp.Err)
	}
}

func TestPasswordStageRejectsForeignDomainMXID(t *testing.T) {
	stage := &PasswordStage{
		HomeserverDomain: "example.com",
		Providers:        []providers.PasswordProvider{&providers.Dummy{ValidPassword: "hunter2"}},
	}

	resp := stage.Auth(context.Background(), map[string]any{
		"identifier": map[string]any{"type": "m.id.user", "user": "@alice:other.org"},
		"password":   "hunter2",
	}, nil)

	if resp.Success {
		t.Fatal("expected failure for a foreign-domain mxid")
	}
	if resp.Err == nil || resp.Err.Status != 401 {
		t.Fatalf("expected a 401 error, got %+v", resp.Err)
	}
}

func TestPasswordStageFailsOnWrongPassword(t *testing.T) {
	stage := &PasswordStage{
		HomeserverDomain: "example.com",
		Providers:        []providers.PasswordProvider{&providers.Dummy{ValidPassword: "hunter2"}},
	}

	resp := stage.Auth(context.Background(), map[string]any{
		"identifier": map[string]any{"type": "m.id.user", "user": "alice"},
		"password":   "wrong",
	}, nil)

	if resp.Success {
		t.Fatal("expected failure for wrong password")
	}
	if resp.Err == nil || resp.Err.Errcode != "M_FORBIDDEN" {
		t.Fatalf("expected M_FORBIDDEN, got %+v", resp.Err)
	}
}
