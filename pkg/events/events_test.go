package events

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientChannel_FlattensUUIDs(t *testing.T) {
	ch := ClientChannel("3f1a2b4c-0000-1111-2222-333344445555")
	assert.Equal(t, "spotplane_client_3f1a2b4c000011112222333344445555", ch)
	assert.NotContains(t, ch, "-")
}

func TestMarshalForNotify_SmallPayloadPassesThrough(t *testing.T) {
	payload, _ := json.Marshal(map[string]string{"agentId": "a1"})
	wire, err := marshalForNotify(Envelope{
		ID:        42,
		ClientID:  "c1",
		EventType: "agent.registered",
		Payload:   payload,
	})
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, json.Unmarshal([]byte(wire), &out))
	assert.Equal(t, int64(42), out.ID)
	assert.False(t, out.Truncated)
	assert.JSONEq(t, string(payload), string(out.Payload))
}

// Postgres caps NOTIFY payloads at 8000 bytes. An oversized payload is
// dropped from the wire form and flagged, so subscribers fetch the full
// row through catch-up instead of the broadcast failing.
func TestMarshalForNotify_OversizedPayloadTruncated(t *testing.T) {
	big, err := json.Marshal(map[string]string{
		"detail": strings.Repeat("x", notifyLimit),
	})
	require.NoError(t, err)

	wire, err := marshalForNotify(Envelope{
		ID:        7,
		ClientID:  "c1",
		EventType: "command.queued",
		Payload:   big,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(wire), notifyLimit)

	var out Envelope
	require.NoError(t, json.Unmarshal([]byte(wire), &out))
	assert.True(t, out.Truncated)
	assert.Empty(t, out.Payload)
	// Routing metadata survives truncation.
	assert.Equal(t, int64(7), out.ID)
	assert.Equal(t, "command.queued", out.EventType)
}
