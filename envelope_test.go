package wskit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"type":"CHAT","meta":{"correlationId":"abc"},"payload":{"text":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, "CHAT", env.Type)
	assert.Equal(t, "abc", env.CorrelationID())
	assert.JSONEq(t, `{"text":"hi"}`, string(env.Payload))
}

func TestDecodeEnvelopeRejectsNonJSON(t *testing.T) {
	_, err := decodeEnvelope([]byte(`not json`))
	require.Error(t, err)

	_, err = decodeEnvelope([]byte(`[1,2,3]`))
	require.Error(t, err)
}

func TestCorrelationIDRequiresString(t *testing.T) {
	env := &Envelope{Meta: map[string]any{MetaCorrelationID: 42}}
	assert.Equal(t, "", env.CorrelationID())

	env = &Envelope{}
	assert.Equal(t, "", env.CorrelationID())
}

func TestNormalizeMetaStripsReservedKeys(t *testing.T) {
	meta := normalizeMeta(map[string]any{
		MetaClientID:      "spoofed",
		MetaReceivedAt:    123,
		MetaCorrelationID: "abc",
		"custom":          "kept",
	})

	assert.NotContains(t, meta, MetaClientID)
	assert.NotContains(t, meta, MetaReceivedAt)
	assert.Equal(t, "abc", meta[MetaCorrelationID])
	assert.Equal(t, "kept", meta["custom"])
}

func TestNormalizeMetaIsIdempotent(t *testing.T) {
	once := normalizeMeta(map[string]any{"a": "1", MetaClientID: "x"})
	twice := normalizeMeta(once)
	assert.Equal(t, once, twice)
}

func TestNormalizeMetaDoesNotAliasInput(t *testing.T) {
	src := map[string]any{"nested": map[string]any{"k": "v"}}
	out := normalizeMeta(src)

	src["nested"].(map[string]any)["k"] = "mutated"
	assert.Equal(t, "v", out["nested"].(map[string]any)["k"])
}

func TestNormalizeMetaNil(t *testing.T) {
	assert.Nil(t, normalizeMeta(nil))
}

func TestEncodeFrame(t *testing.T) {
	frame, err := encodeFrame("CHAT", map[string]any{"correlationId": "abc"}, map[string]any{"text": "hi"})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, "CHAT", env.Type)
	assert.Equal(t, "abc", env.CorrelationID())
	assert.JSONEq(t, `{"text":"hi"}`, string(env.Payload))
}

func TestEncodeFramePassesRawPayloadThrough(t *testing.T) {
	frame, err := encodeFrame("X", nil, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"X","payload":{"a":1}}`, string(frame))
}

func TestEncodeFrameNilPayloadOmitted(t *testing.T) {
	frame, err := encodeFrame("X", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"X"}`, string(frame))
}
