package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestMintHS256RoundTrip(t *testing.T) {
	m, err := NewMinter("HS256", "super-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	admin := true
	signed, err := m.Mint("alice", &admin, "Alice")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	parsed, err := jwt.ParseWithClaims(signed, &claims{}, func(*jwt.Token) (any, error) {
		return []byte("super-secret"), nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("parse minted token: %v", err)
	}
	c := parsed.Claims.(*claims)
	if c.Subject != "alice" || c.Issuer != "Famedly Login Service" || c.Displayname != "Alice" {
		t.Fatalf("unexpected claims: %+v", c)
	}
	if c.Admin == nil || !*c.Admin {
		t.Fatal("expected admin claim to be true")
	}
}

func TestNewMinterRejectsUnknownAlgorithm(t *testing.T) {
	if _, err := NewMinter("bogus", "secret", time.Minute); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
}

func TestNewMinterRejectsMissingSecret(t *testing.T) {
	if _, err := NewMinter("HS256", "", time.Minute); err == nil {
		t.Fatal("expected error for missing HMAC secret")
	}
}
