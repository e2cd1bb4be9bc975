// Package api provides typed clients for the Reborn backend endpoints.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/godeps/reborn-go/pkg/transport"
)

// Endpoint paths.
const (
	PathSendCode     = "/api/auth/send-code"
	PathVerifyCode   = "/api/auth/verify-code"
	PathHistory      = "/api/chat/history"
	PathSend         = "/api/chat/send"
	PathFirstMessage = "/api/chat/first-message"
	PathProfile      = "/api/profile"
	PathQuestion     = "/api/reminder/question"
	PathSchedule     = "/api/reminder/schedule"
)

// API bundles every service over one transport client.
type API struct {
	Auth     *AuthService
	Chat     *ChatService
	Profile  *ProfileService
	Reminder *ReminderService
}

// New builds all services around client.
func New(client *transport.Client, opts ...AuthOption) *API {
	return &API{
		Auth:     NewAuthService(client, opts...),
		Chat:     NewChatService(client),
		Profile:  NewProfileService(client),
		Reminder: NewReminderService(client),
	}
}

// Timestamp accepts RFC 3339 values as well as the zone-less ISO form the
// backend emits for naive datetimes, which are read as local time.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("api: timestamp: %w", err)
	}
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		var (
			parsed time.Time
			err    error
		)
		if layout == time.RFC3339Nano {
			parsed, err = time.Parse(layout, raw)
		} else {
			parsed, err = time.ParseInLocation(layout, raw, time.Local)
		}
		if err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("api: unrecognised timestamp %q", raw)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}
