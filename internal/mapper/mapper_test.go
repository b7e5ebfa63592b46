package mapper

import (
	"context"
	"testing"

	"github.com/famedly/uia-proxy/internal/store"
)

func newTestKV(t *testing.T) store.KV {
	t.Helper()
	kv, err := store.NewFileKV(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileKV: %v", err)
	}
	return kv
}

func TestMapperPlainModePassesThroughUnchanged(t *testing.T) {
	m, err := New(ModePlain, "", false, newTestKV(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := m.UsernameToLocalpart(context.Background(), "alice", nil)
	if err != nil {
		t.Fatalf("UsernameToLocalpart: %v", err)
	}
	if got != "alice" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestMapperHMACIsDeterministicAndWritesReverseEntry(t *testing.T) {
	kv := newTestKV(t)
	m, err := New(ModeHMACSHA256, "pepper", false, kv)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	pid := []byte("persistent-id-1")

	first, err := m.UsernameToLocalpart(ctx, "alice", pid)
	if err != nil {
		t.Fatalf("UsernameToLocalpart: %v", err)
	}
	second, err := m.UsernameToLocalpart(ctx, "alice", pid)
	if err != nil {
		t.Fatalf("UsernameToLocalpart: %v", err)
	}
	if first != second {
		t.Fatalf("expected deterministic localpart, got %q and %q", first, second)
	}

	entry, ok, err := m.LocalpartToUsername(ctx, first)
	if err != nil {
		t.Fatalf("LocalpartToUsername: %v", err)
	}
	if !ok {
		t.Fatal("expected reverse entry to exist")
	}
	if entry.Username != "alice" || string(entry.PersistentID) != string(pid) {
		t.Fatalf("unexpected reverse entry: %+v", entry)
	}
}

func TestMapperRejectsInvalidConfig(t *testing.T) {
	if _, err := New("bogus", "", false, newTestKV(t)); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := New(ModeHMACSHA256, "", false, newTestKV(t)); err == nil {
		t.Fatal("expected error for missing pepper in HMAC-SHA256 mode")
	}
}

func TestMapperBinaryPidAffectsHashedBytesOnInvalidUTF8(t *testing.T) {
	ctx := context.Background()
	invalid := []byte{0xff, 0xfe, 0x41}

	binary, err := New(ModeHMACSHA256, "pepper", true, newTestKV(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	textual, err := New(ModeHMACSHA256, "pepper", false, newTestKV(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	binaryLocalpart, err := binary.UsernameToLocalpart(ctx, "alice", invalid)
	if err != nil {
		t.Fatalf("UsernameToLocalpart (binaryPid=true): %v", err)
	}
	textualLocalpart, err := textual.UsernameToLocalpart(ctx, "alice", invalid)
	if err != nil {
		t.Fatalf("UsernameToLocalpart (binaryPid=false): %v", err)
	}

	if binaryLocalpart == textualLocalpart {
		t.Fatal("expected binaryPid to change the hashed bytes for an invalid UTF-8 persistent id")
	}
}

func TestMapperNonBinaryPidCanonicalizesInvalidUTF8(t *testing.T) {
	ctx := context.Background()
	m, err := New(ModeHMACSHA256, "pepper", false, newTestKV(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	withInvalidBytes, err := m.UsernameToLocalpart(ctx, "alice", []byte{0xff, 0xfe, 0x41})
	if err != nil {
		t.Fatalf("UsernameToLocalpart: %v", err)
	}
	// strings.ToValidUTF8 collapses a whole run of invalid bytes (0xff,
	// 0xfe) into a single replacement character, so the canonical form is
	// one U+FFFD followed by the trailing valid 'A'.
	withReplacementChar, err := m.UsernameToLocalpart(ctx, "alice", []byte("�A"))
	if err != nil {
		t.Fatalf("UsernameToLocalpart: %v", err)
	}

	if withInvalidBytes != withReplacementChar {
		t.Fatalf("expected invalid UTF-8 to canonicalize to the same bytes as an explicit replacement character, got %q and %q", withInvalidBytes, withReplacementChar)
	}
}
