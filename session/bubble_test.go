package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/lanvoice/transport"
)

func TestBubbleMetadataRoundTrip(t *testing.T) {
	host := transport.PeerIdentity{ID: "host-1", Name: "Alice"}
	info := BubbleInfo{
		ID:               uuid.New(),
		Name:             "Kitchen",
		Host:             host,
		HostName:         "Alice",
		ParticipantCount: 3,
		CreatedAt:        time.Unix(1700000000, 0),
	}

	decoded, err := BubbleFromMetadata(host, info.ToMetadata())
	require.NoError(t, err)
	assert.Equal(t, info.ID, decoded.ID)
	assert.Equal(t, info.Name, decoded.Name)
	assert.Equal(t, info.HostName, decoded.HostName)
	assert.Equal(t, info.ParticipantCount, decoded.ParticipantCount)
	assert.True(t, info.CreatedAt.Equal(decoded.CreatedAt))
}

func TestBubbleFromMetadataRejectsIncomplete(t *testing.T) {
	host := transport.PeerIdentity{ID: "host-1", Name: "Alice"}
	valid := BubbleInfo{
		ID:               uuid.New(),
		Name:             "Kitchen",
		Host:             host,
		HostName:         "Alice",
		ParticipantCount: 1,
		CreatedAt:        time.Now(),
	}.ToMetadata()

	tests := []struct {
		name   string
		mutate func(md map[string]string)
	}{
		{"missing bubbleID", func(md map[string]string) { delete(md, "bubbleID") }},
		{"missing bubbleName", func(md map[string]string) { delete(md, "bubbleName") }},
		{"missing hostName", func(md map[string]string) { delete(md, "hostName") }},
		{"missing participantCount", func(md map[string]string) { delete(md, "participantCount") }},
		{"missing createdAt", func(md map[string]string) { delete(md, "createdAt") }},
		{"malformed bubbleID", func(md map[string]string) { md["bubbleID"] = "not-a-uuid" }},
		{"malformed participantCount", func(md map[string]string) { md["participantCount"] = "many" }},
		{"zero participantCount", func(md map[string]string) { md["participantCount"] = "0" }},
		{"negative participantCount", func(md map[string]string) { md["participantCount"] = "-2" }},
		{"malformed createdAt", func(md map[string]string) { md["createdAt"] = "yesterday" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md := make(map[string]string, len(valid))
			for k, v := range valid {
				md[k] = v
			}
			tt.mutate(md)

			_, err := BubbleFromMetadata(host, md)
			assert.Error(t, err, "incomplete advertisements must be rejected whole")
		})
	}
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "discovered", StateDiscovered.String())
	assert.Equal(t, "inviting", StateInviting.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "unknown", ConnectionState(99).String())
}
