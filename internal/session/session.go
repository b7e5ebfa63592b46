// Package session implements the UIA session store (spec.md §4.3): random
// session IDs, bounded lifetime via a TimedCache, and the atomic
// get/save cycle stage progression is built on.
package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/famedly/uia-proxy/internal/cache"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
const idLength = 20

// Data accumulates the authenticated attributes stages contribute as the
// user progresses through a flow.
type Data struct {
	Username         string `json:"username,omitempty"`
	Password         string `json:"password,omitempty"`
	Displayname      string `json:"displayname,omitempty"`
	Admin            *bool  `json:"admin,omitempty"`
	PasswordProvider string `json:"passwordProvider,omitempty"`
}

// Session is the per-request UIA progress record. Callers update the
// *Session returned by Store.Get in place and then persist it with
// Store.Save, which refuses a session whose entry has expired.
type Session struct {
	ID            string
	Endpoint      string
	Params        map[string]any
	Data          Data
	Completed     []string
	SkippedStages map[int]bool
	CreatedAt     time.Time
}

func newBlank(id, endpoint string) *Session {
	return &Session{
		ID:            id,
		Endpoint:      endpoint,
		Params:        make(map[string]any),
		Completed:     nil,
		SkippedStages: make(map[int]bool),
		CreatedAt:     time.Now(),
	}
}

// HasCompleted reports whether stageType is already in Completed.
func (s *Session) HasCompleted(stageType string) bool {
	for _, t := range s.Completed {
		if t == stageType {
			return true
		}
	}
	return false
}

// Store allocates and persists Sessions with a bounded lifetime. It is
// safe for concurrent use; Save is the sole structural mutator of a
// session post-creation and is atomic with respect to Get (spec.md §5).
type Store struct {
	mu    sync.Mutex
	cache *cache.TimedCache[string, *Session]
}

// New constructs a session Store whose entries expire after timeout, with
// a sweep running at the given interval until ctx is cancelled.
func New(ctx context.Context, timeout, sweepInterval time.Duration) *Store {
	return &Store{
		cache: cache.New[string, *Session](ctx, timeout, sweepInterval),
	}
}

// NewSession allocates a fresh random 20-character ID (retrying on
// collision), constructs a blank Session for endpoint, and stores it.
func (s *Store) NewSession(endpoint string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < 100; attempt++ {
		id, err := randomID()
		if err != nil {
			return nil, fmt.Errorf("session: generate id: %w", err)
		}
		if s.cache.Has(id) {
			continue // collision, retry
		}
		sess := newBlank(id, endpoint)
		s.cache.Set(id, sess)
		return sess, nil
	}
	return nil, fmt.Errorf("session: failed to allocate a unique id after 100 attempts")
}

// Get returns a live session by ID, or nil if it does not exist or has
// expired.
func (s *Store) Get(id string) *Session {
	sess, ok := s.cache.Get(id)
	if !ok {
		return nil
	}
	return sess
}

// Save persists sess only if a live entry under its ID already exists,
// preventing resurrection of an expired session (spec.md §4.3).
func (s *Store) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cache.Has(sess.ID) {
		return fmt.Errorf("session: %s has expired or never existed", sess.ID)
	}
	s.cache.Set(sess.ID, sess)
	return nil
}

func randomID() (string, error) {
	buf := make([]byte, idLength)
	n := big.NewInt(int64(len(idAlphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		buf[i] = idAlphabet[idx.Int64()]
	}
	return string(buf), nil
}
