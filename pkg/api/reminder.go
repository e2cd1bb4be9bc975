package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/godeps/reborn-go/pkg/transport"
)

// ErrInvalidSchedule rejects reminder settings outside a single day.
var ErrInvalidSchedule = errors.New("api: invalid reminder settings")

// ReminderSettings shapes the daily reminder schedule.
type ReminderSettings struct {
	Count     int `json:"reminder_count"`
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// DefaultReminderSettings is three reminders between 09:00 and 21:00.
func DefaultReminderSettings() ReminderSettings {
	return ReminderSettings{Count: 3, StartHour: 9, EndHour: 21}
}

// Validate checks 0 <= start < end <= 24 and a positive count.
func (r ReminderSettings) Validate() error {
	if r.Count <= 0 {
		return fmt.Errorf("%w: count must be positive", ErrInvalidSchedule)
	}
	if r.StartHour < 0 || r.EndHour > 24 || r.StartHour >= r.EndHour {
		return fmt.Errorf("%w: hours %d-%d", ErrInvalidSchedule, r.StartHour, r.EndHour)
	}
	return nil
}

// ReminderItem is one scheduled reflection prompt.
type ReminderItem struct {
	ScheduledTime time.Time
	Question      string
}

// ReminderService fetches reflection questions and daily schedules.
type ReminderService struct {
	client *transport.Client
}

func NewReminderService(client *transport.Client) *ReminderService {
	return &ReminderService{client: client}
}

// Question returns a random reflection question.
func (s *ReminderService) Question(ctx context.Context) (string, error) {
	var out struct {
		Question string `json:"question"`
	}
	if err := s.client.DoJSON(ctx, http.MethodGet, PathQuestion, nil, &out); err != nil {
		return "", err
	}
	return out.Question, nil
}

// Schedule asks the backend for today's reminder times.
func (s *ReminderService) Schedule(ctx context.Context, settings ReminderSettings) ([]ReminderItem, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	var out []struct {
		ScheduledTime Timestamp `json:"scheduled_time"`
		Question      string    `json:"question"`
	}
	if err := s.client.DoJSON(ctx, http.MethodPost, PathSchedule, settings, &out); err != nil {
		return nil, err
	}
	items := make([]ReminderItem, 0, len(out))
	for _, it := range out {
		items = append(items, ReminderItem{ScheduledTime: it.ScheduledTime.Time, Question: it.Question})
	}
	return items, nil
}
