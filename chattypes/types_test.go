package chattypes_test

import (
	"testing"

	"github.com/lipeng1667/HomeAssistantPro-sub000/chattypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnit_ParseTimestamp_AcceptedFormats(t *testing.T) {
	cases := []string{
		"2026-08-25T10:30:00.123Z",
		"2026-08-25T10:30:00Z",
		"2026-08-25T10:30:00+08:00",
		"2026-08-25 10:30:00",
	}
	for _, raw := range cases {
		parsed, ok := chattypes.ParseTimestamp(raw)
		require.True(t, ok, "format %q", raw)
		assert.Equal(t, 2026, parsed.Year())
		assert.Equal(t, 30, parsed.Minute())
	}
}

func TestUnit_ParseTimestamp_Rejected(t *testing.T) {
	_, ok := chattypes.ParseTimestamp("25/08/2026 10:30")
	require.False(t, ok)
	_, ok = chattypes.ParseTimestamp("")
	require.False(t, ok)
}

func TestUnit_ConnectionState_String(t *testing.T) {
	assert.Equal(t, "disconnected", chattypes.StateDisconnected.String())
	assert.Equal(t, "connecting", chattypes.StateConnecting.String())
	assert.Equal(t, "connected", chattypes.StateConnected.String())
	assert.Equal(t, "reconnecting", chattypes.StateReconnecting.String())
	assert.Equal(t, "error", chattypes.StateError.String())
}
