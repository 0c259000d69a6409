package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from ConnectionStatus
		to   ConnectionStatus
		want bool
	}{
		{"register", "", StatusConnected, true},
		{"heartbeat timeout", StatusConnected, StatusDisconnected, true},
		{"schedule reconnect", StatusDisconnected, StatusReconnecting, true},
		{"reconnect success", StatusReconnecting, StatusConnected, true},
		{"reconnect reschedule", StatusReconnecting, StatusReconnecting, true},
		{"attempts exhausted", StatusReconnecting, StatusFailed, true},
		{"admin remove while reconnecting", StatusReconnecting, StatusDisconnected, true},
		{"suspend connected", StatusConnected, StatusSuspended, true},
		{"resume suspended", StatusSuspended, StatusConnected, true},
		{"failed cleanup", StatusFailed, StatusDisconnected, true},
		{"connected straight to failed", StatusConnected, StatusFailed, false},
		{"failed resurrects", StatusFailed, StatusConnected, false},
		{"register twice", StatusConnected, StatusConnected, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidTransition(tt.from, tt.to))
		})
	}
}

func TestScoreQuality(t *testing.T) {
	assert.Equal(t, QualityExcellent, ScoreQuality(50, 0))
	assert.Equal(t, QualityGood, ScoreQuality(501, 0))
	assert.Equal(t, QualityPoor, ScoreQuality(1001, 0))
	assert.Equal(t, QualityPoor, ScoreQuality(50, 2))
	assert.Equal(t, QualityCritical, ScoreQuality(50, 3))

	// missed heartbeats dominate latency
	assert.Equal(t, QualityCritical, ScoreQuality(10, 5))
}

func TestQualityHealthy(t *testing.T) {
	assert.True(t, QualityExcellent.Healthy())
	assert.True(t, QualityGood.Healthy())
	assert.False(t, QualityPoor.Healthy())
	assert.False(t, QualityCritical.Healthy())
}

func TestChannelTypeForName(t *testing.T) {
	assert.Equal(t, ChannelTypeAgentEvents, ChannelTypeForName("agent_events"))
	assert.Equal(t, ChannelTypeSystemEvents, ChannelTypeForName("system_events"))
	assert.Equal(t, ChannelTypeSystemEvents, ChannelTypeForName(ConnectionEventsChannel))
	assert.Equal(t, ChannelTypeOrganization, ChannelTypeForName("deploy-announcements"))

	owner := uuid.New()
	assert.Equal(t, ChannelTypePrivateUser, ChannelTypeForName("user:"+owner.String()))

	got, ok := PrivateChannelOwner("user:" + owner.String())
	assert.True(t, ok)
	assert.Equal(t, owner, got)

	_, ok = PrivateChannelOwner("user:not-a-uuid")
	assert.False(t, ok)
}

func TestValidChannelName(t *testing.T) {
	assert.True(t, ValidChannelName("agent_events"))
	assert.True(t, ValidChannelName("org:deploys.v2"))
	assert.False(t, ValidChannelName(""))
	assert.False(t, ValidChannelName("Has Spaces"))
	assert.False(t, ValidChannelName("_leading"))
}

func TestPermissionMatches(t *testing.T) {
	tests := []struct {
		granted  string
		required string
		want     bool
	}{
		{"channel:read", "channel:read", true},
		{"channel:*", "channel:write", true},
		{"*:*", "role:delete", true},
		{"*", "role:delete", true},
		{"*:read", "channel:read", true},
		{"channel:read", "channel:write", false},
		{"role:*", "channel:read", false},
		{"malformed", "channel:read", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, PermissionMatches(tt.granted, tt.required),
			"granted=%s required=%s", tt.granted, tt.required)
	}
}

func TestQueueMessageAttempts(t *testing.T) {
	m := &QueueMessage{Attempts: 2, MaxAttempts: 3, Error: "boom"}
	assert.False(t, m.ExhaustedAttempts())

	m.Attempts = 3
	assert.True(t, m.ExhaustedAttempts())

	m.ResetForReprocess()
	assert.Equal(t, 0, m.Attempts)
	assert.Empty(t, m.Error)
	assert.Nil(t, m.FailedAt)
}

func TestConnectionClone(t *testing.T) {
	userID := uuid.New()
	c := &Connection{
		SessionID:      "s1",
		OrganizationID: uuid.New(),
		UserID:         &userID,
		Status:         StatusConnected,
		Metadata:       JSONMap{"ip": "10.0.0.1"},
	}

	cp := c.Clone()
	cp.Metadata["ip"] = "changed"
	*cp.UserID = uuid.New()

	assert.Equal(t, "10.0.0.1", c.Metadata["ip"])
	assert.Equal(t, userID, *c.UserID)
}
