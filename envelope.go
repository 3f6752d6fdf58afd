// Package wskit is a schema-driven WebSocket message router. It terminates
// long-lived duplex connections behind an abstract ServerSocket, validates
// every inbound frame against a declared message catalog, routes typed
// messages to registered handlers, and supports fire-and-forget events,
// request/response RPC with progress streaming and client cancellation, and
// topic-scoped publish/subscribe across single or distributed instances.
package wskit

import (
	"encoding/json"
	"fmt"
)

// Well-known meta keys.
const (
	MetaCorrelationID = "correlationId"
	MetaTimestamp     = "timestamp"
	MetaProgress      = "progress"

	// Server-reserved meta keys, stripped from inbound frames before any
	// validator call. Spoofing them from the wire is silently defeated.
	MetaClientID   = "clientId"
	MetaReceivedAt = "receivedAt"
)

// Control frame types. Frames whose type carries the control prefix are
// dispatched internally and never reach user handlers.
const (
	ControlPrefix = "$ws:"
	TypeAbort     = "$ws:abort"
	TypeCancelled = "$ws:cancelled"
)

// TypeError is the wire type of RPC error terminals.
const TypeError = "ERROR"

// Envelope is the wire unit: a stable type identifier, transport-level
// meta, and an optional schema-defined payload.
type Envelope struct {
	Type    string          `json:"type"`
	Meta    map[string]any  `json:"meta,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CorrelationID returns meta.correlationId when present and a string.
func (e *Envelope) CorrelationID() string {
	if e.Meta == nil {
		return ""
	}
	if v, ok := e.Meta[MetaCorrelationID].(string); ok {
		return v
	}
	return ""
}

// decodeEnvelope parses a raw frame. Non-JSON or non-object input fails
// with a decode error; the type shape check happens later in the pipeline.
func decodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// normalizeMeta strips server-reserved keys and deep-copies the remaining
// meta so the stripped view never aliases caller state. Idempotent.
func normalizeMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if k == MetaClientID || k == MetaReceivedAt {
			continue
		}
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = deepCopyValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = deepCopyValue(inner)
		}
		return out
	default:
		// Scalars and json.RawMessage are immutable by convention.
		return v
	}
}

// encodeFrame builds an outbound wire frame.
func encodeFrame(typ string, meta map[string]any, payload any) ([]byte, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: typ, Meta: meta, Payload: raw})
}
