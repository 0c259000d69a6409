package models

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChannelType classifies a channel and decides its access policy.
type ChannelType string

// Channel types
const (
	ChannelTypeAgentEvents    ChannelType = "AGENT_EVENTS"
	ChannelTypeToolEvents     ChannelType = "TOOL_EVENTS"
	ChannelTypeWorkflowEvents ChannelType = "WORKFLOW_EVENTS"
	ChannelTypeProviderEvents ChannelType = "PROVIDER_EVENTS"
	ChannelTypeSystemEvents   ChannelType = "SYSTEM_EVENTS"
	ChannelTypePrivateUser    ChannelType = "PRIVATE_USER"
	ChannelTypeOrganization   ChannelType = "ORGANIZATION"
)

// Global reports whether channels of this type span organizations.
func (t ChannelType) Global() bool {
	return t == ChannelTypeSystemEvents
}

// ConnectionEventsChannel is the reserved lifecycle channel every node
// publishes session transitions on.
const ConnectionEventsChannel = "connection_events"

// PrivateUserPrefix prefixes channels restricted to one user id.
const PrivateUserPrefix = "user:"

var channelNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_:.\-]{0,127}$`)

// ValidChannelName reports whether the name satisfies the channel naming
// grammar.
func ValidChannelName(name string) bool {
	return channelNameRe.MatchString(name)
}

// wellKnownChannelTypes maps reserved channel names onto their types.
var wellKnownChannelTypes = map[string]ChannelType{
	"agent_events":          ChannelTypeAgentEvents,
	"tool_events":           ChannelTypeToolEvents,
	"workflow_events":       ChannelTypeWorkflowEvents,
	"provider_events":       ChannelTypeProviderEvents,
	"system_events":         ChannelTypeSystemEvents,
	ConnectionEventsChannel: ChannelTypeSystemEvents,
}

// ChannelTypeForName derives the channel type from its name. Unreserved
// names are organization-wide custom channels.
func ChannelTypeForName(name string) ChannelType {
	if t, ok := wellKnownChannelTypes[name]; ok {
		return t
	}
	if strings.HasPrefix(name, PrivateUserPrefix) {
		return ChannelTypePrivateUser
	}
	return ChannelTypeOrganization
}

// PrivateChannelOwner extracts the user id a PRIVATE_USER channel is
// restricted to. Returns false when the suffix is not a user id.
func PrivateChannelOwner(name string) (uuid.UUID, bool) {
	if !strings.HasPrefix(name, PrivateUserPrefix) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimPrefix(name, PrivateUserPrefix))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Channel is a named topic, usually scoped to one organization. Identity is
// (organizationId, name); system channels may be global. Channels
// materialize lazily on first subscribe and retire once their subscriber
// count stays at zero past the TTL.
type Channel struct {
	Name           string      `json:"name" db:"name"`
	Type           ChannelType `json:"type" db:"type"`
	OrganizationID uuid.UUID   `json:"organization_id" db:"organization_id"`
	Permissions    JSONMap     `json:"permissions,omitempty" db:"permissions"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}

// Subscription records a (session, channel) membership.
type Subscription struct {
	SessionID      string    `json:"session_id"`
	Channel        string    `json:"channel"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Filters        JSONMap   `json:"filters,omitempty"`
	Acknowledgment bool      `json:"acknowledgment"`
	CreatedAt      time.Time `json:"created_at"`
}
