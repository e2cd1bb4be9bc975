package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrTimeout matches NetworkErrors caused by the bounded request timeout.
	ErrTimeout = errors.New("transport: timeout")
	// ErrUnauthorized matches AuthErrors.
	ErrUnauthorized = errors.New("transport: unauthorized")
	// ErrInvalidBaseURL rejects base URLs that are not absolute http(s) URLs.
	ErrInvalidBaseURL = errors.New("transport: invalid base url")
)

// NetworkError reports a failure to complete the HTTP exchange at all.
type NetworkError struct {
	Op      string
	Timeout bool
	After   time.Duration
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("transport: %s: timed out after %s", e.Op, e.After)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool {
	return target == ErrTimeout && e.Timeout
}

// AuthError reports a 401. By the time the caller sees it the session token
// has already been cleared.
type AuthError struct {
	Status int
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return "transport: unauthorized"
	}
	return "transport: unauthorized: " + e.Detail
}

func (e *AuthError) Is(target error) bool { return target == ErrUnauthorized }

// APIError reports any other non-2xx response. Detail is surfaced verbatim.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transport: status %d: %s", e.Status, e.Detail)
}

// parseDetail extracts the FastAPI style {"detail": ...} message, falling
// back to the raw body and then to the status text.
func parseDetail(status int, body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Detail) > 0 {
		var text string
		if err := json.Unmarshal(payload.Detail, &text); err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
		// request validation failures carry a list of {loc, msg, type}
		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(payload.Detail, &items); err == nil && len(items) > 0 {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
		if raw := strings.TrimSpace(string(payload.Detail)); raw != "" && raw != "null" {
			return raw
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return http.StatusText(status)
}
