// Package auth holds the process-wide bearer token and its persistence.
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	// ErrEmptyToken rejects attempts to store a blank credential.
	ErrEmptyToken = errors.New("auth: empty token")
	// ErrInvalidConfig indicates a token store could not be built from its options.
	ErrInvalidConfig = errors.New("auth: invalid store configuration")
	// ErrUnknownDriver indicates an unsupported token store driver name.
	ErrUnknownDriver = errors.New("auth: unknown store driver")
)

// Session is the single AuthSession shared by the transport and the login
// flow. The in-memory copy is authoritative for reads; the TokenStore keeps
// it across process restarts.
type Session struct {
	// writes serialises store mutations so a compare-and-clear cannot
	// interleave with a concurrent Set.
	writes   sync.Mutex
	mu       sync.RWMutex
	token    string
	store    TokenStore
	watchers []func(present bool)
}

// NewSession wraps store. A nil store keeps the token in memory only.
func NewSession(store TokenStore) *Session {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Session{store: store}
}

// Restore builds a session primed with the token persisted in store.
func Restore(ctx context.Context, store TokenStore) (*Session, error) {
	s := NewSession(store)
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Token returns the current token and whether one is present.
func (s *Session) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Set persists token and makes it current.
func (s *Session) Set(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	s.writes.Lock()
	defer s.writes.Unlock()
	if err := s.store.Save(ctx, token); err != nil {
		return err
	}
	s.update(token)
	return nil
}

// Clear drops the token. The in-memory copy is cleared even when the store
// fails so a revoked credential is never sent again by this process.
func (s *Session) Clear(ctx context.Context) error {
	s.writes.Lock()
	defer s.writes.Unlock()
	s.update("")
	return s.store.Delete(ctx)
}

// ClearIf clears the session only while token is still the current one and
// reports whether it did. A rejection of a credential that has since been
// replaced by a new login leaves the new one in place.
func (s *Session) ClearIf(ctx context.Context, token string) (bool, error) {
	s.writes.Lock()
	defer s.writes.Unlock()
	if current, ok := s.Token(); !ok || current != token {
		return false, nil
	}
	s.update("")
	return true, s.store.Delete(ctx)
}

// Reload re-reads the token from the store.
func (s *Session) Reload(ctx context.Context) error {
	s.writes.Lock()
	defer s.writes.Unlock()
	token, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	s.update(strings.TrimSpace(token))
	return nil
}

// OnChange registers fn to run whenever the token appears or disappears.
// fn runs synchronously with the change and must not call back into Set,
// Clear or Reload.
func (s *Session) OnChange(fn func(present bool)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// Follow keeps the session in sync with external edits to the store until
// ctx is done. Stores that cannot be watched return immediately.
func (s *Session) Follow(ctx context.Context) error {
	w, ok := s.store.(Watcher)
	if !ok {
		return nil
	}
	return w.Watch(ctx, func() {
		_ = s.Reload(ctx)
	})
}

func (s *Session) update(token string) {
	s.mu.Lock()
	before := s.token != ""
	s.token = token
	after := s.token != ""
	watchers := append([]func(bool){}, s.watchers...)
	s.mu.Unlock()
	if before == after {
		return
	}
	for _, fn := range watchers {
		fn(after)
	}
}
