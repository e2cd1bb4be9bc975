package api

import (
	"context"
	"io"
	"net/http"

	"github.com/godeps/reborn-go/pkg/conversation"
	"github.com/godeps/reborn-go/pkg/transport"
)

// ChatService talks to the chat endpoints. It satisfies chat.ChatAPI and
// chat.Greeter.
type ChatService struct {
	client *transport.Client
}

func NewChatService(client *transport.Client) *ChatService {
	return &ChatService{client: client}
}

type wireMessage struct {
	ID        string            `json:"id,omitempty"`
	Role      conversation.Role `json:"role"`
	Content   string            `json:"content"`
	Timestamp Timestamp         `json:"timestamp"`
}

// History fetches the server-side conversation. The backend stores only role
// and content, so IDs are assigned locally when the history is loaded into a
// store and timestamps may be zero.
func (s *ChatService) History(ctx context.Context) (conversation.History, error) {
	var out struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := s.client.DoJSON(ctx, http.MethodGet, PathHistory, nil, &out); err != nil {
		return nil, err
	}
	history := make(conversation.History, 0, len(out.Messages))
	for _, m := range out.Messages {
		history = append(history, conversation.Message{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.Timestamp.Time,
		})
	}
	return history, nil
}

// Clear deletes the server-side conversation.
func (s *ChatService) Clear(ctx context.Context) error {
	_, err := s.client.Do(ctx, http.MethodDelete, PathHistory, nil)
	return err
}

// Send posts message and returns the live event stream body.
func (s *ChatService) Send(ctx context.Context, message string) (io.ReadCloser, error) {
	return s.client.Stream(ctx, http.MethodPost, PathSend, map[string]string{"message": message})
}

// FirstMessage fetches the opening prompt shown to a new user.
func (s *ChatService) FirstMessage(ctx context.Context) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	if err := s.client.DoJSON(ctx, http.MethodGet, PathFirstMessage, nil, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}
