// Package mapper implements the username mapper: a deterministic
// source-username -> Matrix-localpart derivation, with a persistent
// reverse index in a pluggable KV store (spec.md §4.2).
package mapper

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/famedly/uia-proxy/internal/store"
)

const (
	ModePlain     = "PLAIN"
	ModeHMACSHA256 = "HMAC-SHA256"
)

// Entry is the record stored under a localpart key: the original source
// username and, if one was supplied, the opaque persistent ID bytes it
// was derived from.
type Entry struct {
	Username     string `json:"username"`
	PersistentID []byte `json:"persistentId,omitempty"`
}

// Mapper derives localparts from source usernames (and optional
// persistent IDs) and maintains the localpart -> Entry reverse index.
type Mapper struct {
	mode      string
	pepper    []byte
	binaryPid bool
	kv        store.KV
}

// New constructs a Mapper. mode must be ModePlain or ModeHMACSHA256.
func New(mode, pepper string, binaryPid bool, kv store.KV) (*Mapper, error) {
	if mode != ModePlain && mode != ModeHMACSHA256 {
		return nil, fmt.Errorf("mapper: unknown mode %q", mode)
	}
	if mode == ModeHMACSHA256 && pepper == "" {
		return nil, fmt.Errorf("mapper: pepper is required in %s mode", ModeHMACSHA256)
	}
	return &Mapper{mode: mode, pepper: []byte(pepper), binaryPid: binaryPid, kv: kv}, nil
}

// UsernameToLocalpart derives the localpart for (username, persistentID).
// In PLAIN mode the username is returned unchanged. In HMAC-SHA256 mode
// the localpart is a lowercase base32 encoding of
// HMAC-SHA256(pepper, persistentID ?? username); the reverse mapping is
// written durably before the localpart is returned.
func (m *Mapper) UsernameToLocalpart(ctx context.Context, username string, persistentID []byte) (string, error) {
	if m.mode == ModePlain {
		return username, nil
	}

	subject := persistentID
	if subject == nil {
		subject = []byte(username)
	} else if !m.binaryPid {
		// Canonicalize through UTF-8 decoding (lossy) so byte- and
		// string-supplied persistent IDs hash identically, and invalid
		// sequences don't leak raw bytes into the HMAC input.
		subject = []byte(strings.ToValidUTF8(string(subject), "�"))
	}

	mac := hmac.New(sha256.New, m.pepper)
	mac.Write(subject)
	sum := mac.Sum(nil)
	localpart := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum))

	entry := Entry{Username: username, PersistentID: persistentID}
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("mapper: marshal entry: %w", err)
	}
	if err := m.kv.Set(ctx, localpart, raw); err != nil {
		return "", fmt.Errorf("mapper: persist reverse entry: %w", err)
	}
	return localpart, nil
}

// LocalpartToUsername returns the stored reverse-index record for a
// localpart, or (nil, false, nil) if absent or not parseable.
func (m *Mapper) LocalpartToUsername(ctx context.Context, localpart string) (*Entry, bool, error) {
	raw, ok, err := m.kv.Get(ctx, localpart)
	if err != nil {
		return nil, false, fmt.Errorf("mapper: read reverse entry: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Iterate walks every reverse-index entry currently stored. Used by the
// repair CLI utility (spec.md §6).
func (m *Mapper) Iterate(ctx context.Context, fn func(localpart string, entry Entry) error) error {
	return m.kv.Iterate(ctx, func(key string, value []byte) error {
		var entry Entry
		if err := json.Unmarshal(value, &entry); err != nil {
			return nil // skip unparseable entries, matching LocalpartToUsername
		}
		return fn(key, entry)
	})
}
