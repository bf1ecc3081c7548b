package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NotificationLog is one row of notification_logs.
type NotificationLog struct {
	ID        uuid.UUID       `json:"id"`
	Kind      string          `json:"kind"`
	Recipient string          `json:"recipient"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status"`
	MemberID  *string         `json:"member_id,omitempty"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
	Error     *string         `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// LogFilter narrows ListLogs. Zero fields are ignored.
type LogFilter struct {
	MemberID string
	Status   string
	Kind     string
	Limit    int
	Offset   int
}
