package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QueueMessage is the unit of work flowing through the message queue. The
// id is assigned at enqueue and survives retries; the broker entry id
// changes on every re-add.
type QueueMessage struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	DelayMs        int64           `json:"delay_ms,omitempty"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	OrganizationID uuid.UUID       `json:"organization_id,omitempty"`
	UserID         *uuid.UUID      `json:"user_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// ExhaustedAttempts reports whether the message must dead-letter instead
// of retrying.
func (m *QueueMessage) ExhaustedAttempts() bool {
	return m.Attempts >= m.MaxAttempts
}

// ResetForReprocess clears failure state so a dead-lettered message can be
// requeued from scratch.
func (m *QueueMessage) ResetForReprocess() {
	m.Attempts = 0
	m.Error = ""
	m.FailedAt = nil
	m.ProcessedAt = nil
}
