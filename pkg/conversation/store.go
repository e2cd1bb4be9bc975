package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store owns a conversation history with at most one in-progress assistant
// message at its tail. All mutation goes through Store methods; readers only
// ever receive copies.
type Store struct {
	mu       sync.RWMutex
	messages []Message
	open     string
	now      func() time.Time
	newID    func() string
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides message identifier generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewStore builds an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds a finalized message at the tail.
func (s *Store) Append(msg Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidMessage, msg.Role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != "" {
		return ErrTurnInProgress
	}
	s.messages = append(s.messages, s.normalizeLocked(msg))
	return nil
}

// BeginAssistantTurn appends an empty in-progress assistant message.
func (s *Store) BeginAssistantTurn() (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != "" {
		return Handle{}, ErrTurnInProgress
	}
	msg := s.normalizeLocked(Message{Role: RoleAssistant})
	s.messages = append(s.messages, msg)
	s.open = msg.ID
	return Handle{id: msg.ID}, nil
}

// ApplyDelta appends text to the in-progress message. Each call is atomic
// with respect to Snapshot.
func (s *Store) ApplyDelta(h Handle, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.openIndexLocked(h)
	if err != nil {
		return err
	}
	s.messages[idx].Content += text
	return nil
}

// Finalize marks the in-progress message immutable.
func (s *Store) Finalize(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.openIndexLocked(h); err != nil {
		return err
	}
	s.open = ""
	return nil
}

// Discard removes the in-progress message, restoring the history to its
// state before BeginAssistantTurn. Discarding a handle that is no longer
// open is a no-op.
func (s *Store) Discard(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.IsZero() || s.open != h.id {
		return nil
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == h.id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	s.open = ""
	return nil
}

// Snapshot returns a read-only copy of the history.
func (s *Store) Snapshot() History {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return History(s.messages).Clone()
}

// InProgress returns the open assistant message, if any.
func (s *Store) InProgress() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.open == "" {
		return Message{}, false
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == s.open {
			return s.messages[i], true
		}
	}
	return Message{}, false
}

// Len returns the number of messages, including an open turn.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Replace swaps the whole history, typically with one loaded from the server.
func (s *Store) Replace(history History) error {
	normalized := make([]Message, 0, len(history))
	for _, msg := range history {
		if !msg.Role.Valid() {
			return fmt.Errorf("%w: role %q", ErrInvalidMessage, msg.Role)
		}
		normalized = append(normalized, msg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != "" {
		return ErrTurnInProgress
	}
	for i := range normalized {
		if strings.TrimSpace(normalized[i].ID) == "" {
			normalized[i].ID = s.newID()
		}
	}
	s.messages = normalized
	return nil
}

// Clear empties the history.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != "" {
		return ErrTurnInProgress
	}
	s.messages = nil
	return nil
}

// List returns messages matching the filter.
func (s *Store) List(filter Filter) History {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	limit := filter.Limit
	if limit < 0 {
		limit = 0
	}
	var (
		result  History
		skipped int
	)
	for _, msg := range s.messages {
		if filter.Role != "" && msg.Role != filter.Role {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		result = append(result, msg)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

func (s *Store) normalizeLocked(msg Message) Message {
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = s.newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	} else {
		msg.CreatedAt = msg.CreatedAt.UTC()
	}
	return msg
}

func (s *Store) openIndexLocked(h Handle) (int, error) {
	if h.IsZero() || s.open != h.id {
		return -1, ErrUnknownHandle
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == h.id {
			return i, nil
		}
	}
	return -1, ErrUnknownHandle
}
