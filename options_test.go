package wskit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptionsAreValid(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())
}

func TestOptionsValidation(t *testing.T) {
	base := DefaultOptions()

	opts := base
	opts.HeartbeatInterval = 0
	assert.Error(t, opts.Validate())

	opts = base
	opts.HeartbeatTimeout = opts.HeartbeatInterval
	assert.Error(t, opts.Validate(), "timeout must be strictly below interval")

	opts = base
	opts.MaxPayloadBytes = 0
	assert.Error(t, opts.Validate())

	opts = base
	opts.MaxPending = 0
	assert.Error(t, opts.Validate())

	opts = base
	opts.MaxTopicsPerConn = -1
	assert.Error(t, opts.Validate())

	opts = base
	opts.ClientIDHeader = ""
	assert.Error(t, opts.Validate())
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("WSKIT_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("WSKIT_HEARTBEAT_TIMEOUT", "2s")
	t.Setenv("WSKIT_MAX_PAYLOAD_BYTES", "2048")
	t.Setenv("WSKIT_MAX_PENDING", "7")
	t.Setenv("WSKIT_CLIENT_ID_HEADER", "x-conn-id")
	t.Setenv("WSKIT_VALIDATE_OUTGOING", "true")

	opts, err := OptionsFromEnv(zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, opts.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, opts.HeartbeatTimeout)
	assert.Equal(t, int64(2048), opts.MaxPayloadBytes)
	assert.Equal(t, 7, opts.MaxPending)
	assert.Equal(t, "x-conn-id", opts.ClientIDHeader)
	assert.True(t, opts.ValidateOutgoing)
}

func TestOptionsFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("WSKIT_HEARTBEAT_INTERVAL", "1s")
	t.Setenv("WSKIT_HEARTBEAT_TIMEOUT", "5s")

	_, err := OptionsFromEnv(zerolog.Nop())
	require.Error(t, err)
}
