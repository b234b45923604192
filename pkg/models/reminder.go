package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	ReminderQueued = "queued"
	ReminderSent   = "sent"
	ReminderFailed = "failed"
)

// ReminderSchedule is a notification due at ScheduledFor. Only the scheduler
// poll and the dispatch job change it.
type ReminderSchedule struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	Status       string          `db:"status"        json:"status"`
	ScheduledFor time.Time       `db:"scheduled_for" json:"scheduled_for"`
	Channel      string          `db:"channel"       json:"channel"`
	Recipient    string          `db:"recipient"     json:"recipient"`
	Payload      json.RawMessage `db:"payload"       json:"payload"`
	Attempts     int             `db:"attempts"      json:"attempts"`
	LastError    *string         `db:"last_error"    json:"last_error,omitempty"`
	SentAt       *time.Time      `db:"sent_at"       json:"sent_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}
