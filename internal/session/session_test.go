package session

import (
	"context"
	"testing"
	"time"
)

func TestSessionStoreNewSessionHasUniqueID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := New(ctx, time.Hour, time.Hour)
	a, err := store.NewSession("login")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	b, err := store.NewSession("login")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("expected distinct session ids")
	}
	if len(a.ID) != idLength {
		t.Fatalf("expected %d-char id, got %d", idLength, len(a.ID))
	}
}

func TestSessionStoreGetReturnsNilForUnknownID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := New(ctx, time.Hour, time.Hour)
	if store.Get("does-not-exist") != nil {
		t.Fatal("expected nil for an unknown session id")
	}
}

func TestSessionStoreSaveRejectsExpiredSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := New(ctx, 30*time.Millisecond, time.Hour)
	sess, err := store.NewSession("login")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	sess.Completed = append(sess.Completed, "m.login.dummy")
	if err := store.Save(sess); err == nil {
		t.Fatal("expected Save to reject a resurrection of an expired session")
	}
}

func TestSessionHasCompleted(t *testing.T) {
	sess := newBlank("id", "login")
	sess.Completed = []string{"m.login.dummy"}
	if !sess.HasCompleted("m.login.dummy") {
		t.Fatal("expected HasCompleted to find the stage")
	}
	if sess.HasCompleted("m.login.password") {
		t.Fatal("expected HasCompleted to miss an uncompleted stage")
	}
}
