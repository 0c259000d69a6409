package gateway

import (
	"encoding/json"
	"time"

	"github.com/coder/websocket"

	"github.com/apix-io/apix/pkg/models"
)

// Inbound frame types.
const (
	FrameAuth        = "auth"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FrameHeartbeat   = "heartbeat"
	FramePing        = "ping"
	FrameAck         = "ack"
)

// Outbound frame types.
const (
	FrameConnected    = "connected"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FramePublished    = "published"
	FramePong         = "pong"
	FrameError        = "error"
)

// Close codes. The 4xxx range is application-defined; 1000 is the normal
// websocket closure.
const (
	CloseNormal          = websocket.StatusNormalClosure
	CloseProtocolAbuse   = websocket.StatusCode(4000)
	CloseUnauthorized    = websocket.StatusCode(4001)
	CloseForbidden       = websocket.StatusCode(4003)
	CloseTenantSuspended = websocket.StatusCode(4008)
	CloseServerShutdown  = websocket.StatusCode(4011)
)

// Wire error codes carried in error frames.
const (
	ErrCodeUnknownType   = "unknown_type"
	ErrCodeParse         = "parse_error"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeQuotaExceeded = "QUOTA_EXCEEDED"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternal      = "INTERNAL"
)

// FrameMetadata is the optional client-supplied frame envelope. Timestamp
// is unix milliseconds; heartbeats use it for latency sampling.
type FrameMetadata struct {
	Timestamp     int64  `json:"timestamp,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ClientFrame is one inbound message. The auth frame carries token and
// clientType; subscribe carries filters and the acknowledgment flag; ack
// carries the event id being resolved.
type ClientFrame struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Metadata *FrameMetadata  `json:"metadata,omitempty"`

	Token      string         `json:"token,omitempty"`
	ClientType string         `json:"clientType,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	Filters    models.JSONMap `json:"filters,omitempty"`
	Ack        bool           `json:"acknowledgment,omitempty"`
	EventID    string         `json:"eventId,omitempty"`
}

// PublishBody is the payload of a publish frame: the event to route.
type PublishBody struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	Acknowledgment bool            `json:"acknowledgment,omitempty"`
	Metadata       models.JSONMap  `json:"metadata,omitempty"`
}

// ServerFrame is one outbound message.
type ServerFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	ID             string `json:"id,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`

	// Pong fields
	ServerTime int64   `json:"serverTime,omitempty"`
	LatencyMs  float64 `json:"latencyMs,omitempty"`
	Quality    string  `json:"quality,omitempty"`

	// Error fields
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// eventFrame renders a routed event in the server-emitted wire shape. The
// frame's type is the event's own type; clients tell event frames apart from
// control frames by the presence of id and channel.
func eventFrame(event *models.Event) *ServerFrame {
	return &ServerFrame{
		Type:           event.Type,
		ID:             event.ID,
		Channel:        event.Channel,
		Payload:        event.Payload,
		Timestamp:      event.CreatedAt.UTC().Format(time.RFC3339Nano),
		OrganizationID: event.OrganizationID.String(),
	}
}

// errorFrame builds an error reply, carrying the correlation id of the
// frame it answers when the client supplied one.
func errorFrame(code, message, correlationID string) *ServerFrame {
	return &ServerFrame{
		Type:          FrameError,
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
	}
}
