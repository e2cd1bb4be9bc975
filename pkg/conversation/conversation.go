package conversation

import (
	"errors"
	"time"
)

var (
	// ErrTurnInProgress indicates an assistant turn is still receiving content.
	ErrTurnInProgress = errors.New("conversation: assistant turn in progress")
	// ErrUnknownHandle indicates the handle does not reference the open assistant turn.
	ErrUnknownHandle = errors.New("conversation: unknown turn handle")
	// ErrInvalidMessage signals that the supplied message is structurally invalid.
	ErrInvalidMessage = errors.New("conversation: invalid message")
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single conversation turn. Finalized messages are never mutated.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}

// History is an ordered, append-only transcript.
type History []Message

// Clone returns a copy that shares no backing array with h.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	copy(out, h)
	return out
}

// Last returns the tail message when present.
func (h History) Last() (Message, bool) {
	if len(h) == 0 {
		return Message{}, false
	}
	return h[len(h)-1], true
}

// Handle references an in-progress assistant message by its stable ID.
type Handle struct {
	id string
}

// ID returns the referenced message identifier.
func (h Handle) ID() string { return h.id }

// IsZero reports whether the handle was never issued by a store.
func (h Handle) IsZero() bool { return h.id == "" }

// Filter constrains List queries.
type Filter struct {
	Role   Role
	Offset int
	Limit  int
}
