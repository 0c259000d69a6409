package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is one routed message. Immutable once enqueued; the router assigns
// the id and timestamp at publish time.
type Event struct {
	ID             string          `json:"id" db:"id"`
	Type           string          `json:"type" db:"type"`
	Channel        string          `json:"channel" db:"channel"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	OrganizationID uuid.UUID       `json:"organization_id" db:"organization_id"`
	UserID         *uuid.UUID      `json:"user_id,omitempty" db:"user_id"`
	SessionID      string          `json:"session_id,omitempty" db:"session_id"`
	Acknowledgment bool            `json:"acknowledgment" db:"acknowledgment"`
	RetryCount     int             `json:"retry_count" db:"retry_count"`
	Priority       int             `json:"priority" db:"priority"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	Metadata       JSONMap         `json:"metadata,omitempty" db:"metadata"`
}
