package models

import (
	"time"

	"github.com/google/uuid"
)

// ClientType identifies the kind of client holding a session.
type ClientType string

// Client types
const (
	ClientTypeWebApp          ClientType = "WEB_APP"
	ClientTypeMobileApp       ClientType = "MOBILE_APP"
	ClientTypeSDKWidget       ClientType = "SDK_WIDGET"
	ClientTypeAPIClient       ClientType = "API_CLIENT"
	ClientTypeInternalService ClientType = "INTERNAL_SERVICE"
)

// Valid reports whether the client type is known.
func (t ClientType) Valid() bool {
	switch t {
	case ClientTypeWebApp, ClientTypeMobileApp, ClientTypeSDKWidget,
		ClientTypeAPIClient, ClientTypeInternalService:
		return true
	}
	return false
}

// ConnectionStatus is the lifecycle state of a session.
type ConnectionStatus string

// Connection statuses
const (
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
	StatusReconnecting ConnectionStatus = "RECONNECTING"
	StatusSuspended    ConnectionStatus = "SUSPENDED"
	StatusFailed       ConnectionStatus = "FAILED"
)

// connectionTransitions is the session state machine. An empty "from" key
// covers initial registration. Any state may fall to DISCONNECTED through
// admin removal or the stale sweep.
var connectionTransitions = map[ConnectionStatus]map[ConnectionStatus]bool{
	"": {
		StatusConnected: true,
	},
	StatusConnected: {
		StatusDisconnected: true,
		StatusSuspended:    true,
	},
	StatusDisconnected: {
		StatusReconnecting: true,
		StatusConnected:    true,
	},
	StatusReconnecting: {
		StatusConnected:    true,
		StatusReconnecting: true,
		StatusFailed:       true,
		StatusDisconnected: true,
		StatusSuspended:    true,
	},
	StatusSuspended: {
		StatusConnected:    true,
		StatusDisconnected: true,
	},
	StatusFailed: {
		StatusDisconnected: true,
	},
}

// ValidTransition reports whether the session state machine permits
// moving from one status to another.
func ValidTransition(from, to ConnectionStatus) bool {
	allowed, ok := connectionTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// IsTerminal reports whether the status admits no further activity besides
// removal.
func (s ConnectionStatus) IsTerminal() bool {
	return s == StatusFailed
}

// ConnectionQuality classifies link health from latency and missed
// heartbeats.
type ConnectionQuality string

// Connection qualities
const (
	QualityExcellent ConnectionQuality = "EXCELLENT"
	QualityGood      ConnectionQuality = "GOOD"
	QualityPoor      ConnectionQuality = "POOR"
	QualityCritical  ConnectionQuality = "CRITICAL"
)

// Healthy reports whether the quality counts toward the healthy ratio.
func (q ConnectionQuality) Healthy() bool {
	return q == QualityExcellent || q == QualityGood
}

// qualityWeight maps qualities onto reconnection backoff weights.
var qualityWeight = map[ConnectionQuality]float64{
	QualityExcellent: 1.0,
	QualityGood:      1.25,
	QualityPoor:      1.5,
	QualityCritical:  2.0,
}

// Weight returns the backoff weight for the quality, defaulting to 1.0.
func (q ConnectionQuality) Weight() float64 {
	if w, ok := qualityWeight[q]; ok {
		return w
	}
	return 1.0
}

// ScoreQuality derives a quality classification from smoothed latency and
// the current missed-heartbeat count.
func ScoreQuality(latencyMs float64, missedHeartbeats int) ConnectionQuality {
	switch {
	case missedHeartbeats > 2:
		return QualityCritical
	case missedHeartbeats > 1:
		return QualityPoor
	case latencyMs > 1000:
		return QualityPoor
	case latencyMs > 500:
		return QualityGood
	default:
		return QualityExcellent
	}
}

// Connection is the durable mirror of a live session. Hot state lives in
// the connection manager; this row bounds what survives a restart.
type Connection struct {
	SessionID            string            `json:"session_id" db:"session_id"`
	OrganizationID       uuid.UUID         `json:"organization_id" db:"organization_id"`
	UserID               *uuid.UUID        `json:"user_id,omitempty" db:"user_id"`
	ClientType           ClientType        `json:"client_type" db:"client_type"`
	Status               ConnectionStatus  `json:"status" db:"status"`
	Quality              ConnectionQuality `json:"quality" db:"quality"`
	LatencyMs            float64           `json:"latency_ms" db:"latency_ms"`
	MissedHeartbeats     int               `json:"missed_heartbeats" db:"missed_heartbeats"`
	ReconnectAttempts    int               `json:"reconnect_attempts" db:"reconnect_attempts"`
	MaxReconnectAttempts int               `json:"max_reconnect_attempts" db:"max_reconnect_attempts"`
	TotalDisconnections  int               `json:"total_disconnections" db:"total_disconnections"`
	ConnectedAt          time.Time         `json:"connected_at" db:"connected_at"`
	LastHeartbeat        time.Time         `json:"last_heartbeat" db:"last_heartbeat"`
	DisconnectedAt       *time.Time        `json:"disconnected_at,omitempty" db:"disconnected_at"`
	NextReconnectAt      *time.Time        `json:"next_reconnect_at,omitempty" db:"next_reconnect_at"`
	Metadata             JSONMap           `json:"metadata,omitempty" db:"metadata"`
}

// Clone returns a deep-enough copy for snapshot reads.
func (c *Connection) Clone() *Connection {
	cp := *c
	if c.UserID != nil {
		id := *c.UserID
		cp.UserID = &id
	}
	if c.DisconnectedAt != nil {
		t := *c.DisconnectedAt
		cp.DisconnectedAt = &t
	}
	if c.NextReconnectAt != nil {
		t := *c.NextReconnectAt
		cp.NextReconnectAt = &t
	}
	if c.Metadata != nil {
		meta := make(JSONMap, len(c.Metadata))
		for k, v := range c.Metadata {
			meta[k] = v
		}
		cp.Metadata = meta
	}
	return &cp
}
