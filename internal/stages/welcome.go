package stages

import (
	"context"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/session"
)

// WelcomeMessageStage displays an inline or file-backed welcome message
// to the client; it never fails and performs no credential check
// (spec.md §4.5.3). When backed by a file, an fsnotify watcher refreshes
// the in-memory message on edit so operators don't need to restart the
// proxy to update it.
type WelcomeMessageStage struct {
	mu      sync.RWMutex
	message string
}

// NewWelcomeMessageStage builds the stage from either an inline message
// or a file path (file wins if both are given, matching "read from a
// file" precedence in spec.md §4.5.3).
func NewWelcomeMessageStage(inline, filePath string) *WelcomeMessageStage {
	s := &WelcomeMessageStage{message: inline}
	if filePath == "" {
		return s
	}
	s.loadFromFile(filePath)
	s.watch(filePath)
	return s
}

func (s *WelcomeMessageStage) loadFromFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Logger.Warn("welcome_message: failed to read file", "path", path, "err", err)
		return
	}
	s.mu.Lock()
	s.message = string(data)
	s.mu.Unlock()
}

func (s *WelcomeMessageStage) watch(path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Logger.Warn("welcome_message: failed to start watcher", "err", err)
		return
	}
	if err := watcher.Add(path); err != nil {
		logging.Logger.Warn("welcome_message: failed to watch file", "path", path, "err", err)
		watcher.Close()
		return
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					s.loadFromFile(path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Logger.Warn("welcome_message: watcher error", "err", err)
			}
		}
	}()
}

func (s *WelcomeMessageStage) Type() string { return "com.famedly.login.welcome_message" }

// IsActive is true iff the configured message is non-empty.
func (s *WelcomeMessageStage) IsActive(session.Data) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.message != ""
}

func (s *WelcomeMessageStage) GetParams(session.Data) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]string{"welcome_message": s.message}
}

func (s *WelcomeMessageStage) Auth(context.Context, map[string]any, any) AuthResponse {
	return AuthResponse{Success: true}
}
