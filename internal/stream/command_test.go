package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rserrors "github.com/drblury/rabbitscope/internal/runtime/errors"
)

func TestParseCommandStartDefaults(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"action":"start","queue":"orders"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionStart, cmd.Action)
	assert.Equal(t, "/", cmd.Vhost)
	require.NotNil(t, cmd.AutoAck)
	assert.True(t, *cmd.AutoAck)

	req := cmd.StartRequest("42")
	assert.Equal(t, StartRequest{ProfileID: "42", Queue: "orders", Vhost: "/", AutoAck: true}, req)
}

func TestParseCommandStartExplicit(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"action":"START","queue":" orders ","vhost":"tenant","auto_ack":false}`))
	require.NoError(t, err)
	req := cmd.StartRequest("1")
	assert.Equal(t, "orders", req.Queue)
	assert.Equal(t, "tenant", req.Vhost)
	assert.False(t, req.AutoAck)
}

func TestParseCommandWithoutActionStarts(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"queue":"orders","vhost":"/"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionStart, cmd.Action)
}

func TestParseCommandStop(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"action":"stop"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionStop, cmd.Action)
}

func TestParseCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"malformed json", `{"action":`, rserrors.ErrInvalidCommand},
		{"not an object", `"start"`, rserrors.ErrInvalidCommand},
		{"missing queue", `{"action":"start"}`, rserrors.ErrQueueRequired},
		{"blank queue", `{"action":"start","queue":"  "}`, rserrors.ErrQueueRequired},
		{"unknown action", `{"action":"pause"}`, rserrors.ErrInvalidCommand},
		{"empty object", `{}`, rserrors.ErrInvalidCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommand([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
