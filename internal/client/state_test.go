package client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateConnecting, true},
		{StateConnecting, StateHandshaking, true},
		{StateHandshaking, StateRelaying, true},
		{StateRelaying, StateClosed, true},
		{StateCreated, StateFailed, true},
		{StateHandshaking, StateClosed, true},

		{StateCreated, StateRelaying, false},
		{StateConnecting, StateRelaying, false},
		{StateRelaying, StateConnecting, false},
		{StateClosed, StateConnecting, false},
		{StateClosed, StateFailed, false},
		{StateFailed, StateClosed, false},
		{StateFailed, StateFailed, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, canTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "handshaking", StateHandshaking.String())
	require.Equal(t, "unknown", State(42).String())
	require.Equal(t, "ready", transportReady.String())
	require.True(t, StateFailed.Terminal())
	require.False(t, StateRelaying.Terminal())
}
