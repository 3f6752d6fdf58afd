// Package pubsub defines the broker adapter contract consumed by the router
// and ships the in-memory subscription index used for local fan-out.
//
// An Adapter maintains the topic -> subscriber index and delivers published
// envelopes. Distributed deployments layer a broker driver (see natsbroker,
// redisbroker) on top of the in-memory index: publishes go to the broker and
// a Consumer feeds remote envelopes back into local fan-out.
package pubsub

import "encoding/json"

// Envelope is the internal publish unit handed to adapters. Type and
// Payload become the wire frame delivered to subscribers; ExcludeClientID,
// when set, suppresses delivery to the publishing connection.
type Envelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Meta    map[string]any  `json:"meta,omitempty"`
	// ExcludeClientID carries sender suppression across brokers.
	ExcludeClientID string `json:"excludeClientId,omitempty"`
}

// Capability labels how precise a publish result's Matched count is.
type Capability string

const (
	// CapabilityExact: local in-memory index with a known subscriber count.
	CapabilityExact Capability = "exact"
	// CapabilityEstimate: partial knowledge, e.g. local count on one shard.
	CapabilityEstimate Capability = "estimate"
	// CapabilityUnknown: distributed broker with no count.
	CapabilityUnknown Capability = "unknown"
)

// ErrorCode classifies publish failures.
type ErrorCode string

const (
	ErrValidation       ErrorCode = "VALIDATION"
	ErrACLPublish       ErrorCode = "ACL_PUBLISH"
	ErrState            ErrorCode = "STATE"
	ErrBackpressure     ErrorCode = "BACKPRESSURE"
	ErrPayloadTooLarge  ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrUnsupported      ErrorCode = "UNSUPPORTED"
	ErrAdapter          ErrorCode = "ADAPTER_ERROR"
	ErrConnectionClosed ErrorCode = "CONNECTION_CLOSED"
)

// PublishResult is the tagged outcome of a publish. Publish never returns a
// Go error and never panics; failures are conveyed here so callers on hot
// paths can branch without allocation.
type PublishResult struct {
	OK bool
	// Capability qualifies Matched. Only meaningful when OK.
	Capability Capability
	// Matched is the subscriber count reached, -1 when unknown.
	Matched int
	// Error and Retryable describe failures. Only meaningful when !OK.
	Error     ErrorCode
	Retryable bool
	Details   map[string]any
	// Adapter names the failing driver for multi-adapter setups.
	Adapter string
}

// Published builds a success result.
func Published(capability Capability, matched int) PublishResult {
	return PublishResult{OK: true, Capability: capability, Matched: matched}
}

// PublishFailed builds a failure result.
func PublishFailed(code ErrorCode, retryable bool) PublishResult {
	return PublishResult{Error: code, Retryable: retryable, Matched: -1}
}

// ReplaceResult reports the effect of an atomic subscription replacement.
type ReplaceResult struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Total   int `json:"total"`
}

// PublishOption adjusts a single publish call.
type PublishOption func(*publishOptions)

type publishOptions struct{}

// DeliverFunc receives a fully encoded wire frame for one subscriber.
// Implementations must not block; drop-on-full is the expected behavior for
// saturated connections.
type DeliverFunc func(frame []byte)

// Adapter is the broker contract. Subscribe and Unsubscribe are idempotent;
// Publish never throws. All methods are safe for concurrent use.
type Adapter interface {
	Publish(env Envelope, opts ...PublishOption) PublishResult
	Subscribe(clientID, topic string) error
	Unsubscribe(clientID, topic string) error
	// Subscribers returns a snapshot of clientIDs subscribed to topic.
	Subscribers(topic string) []string
	HasTopic(topic string) bool
	Topics() []string
	// Replace atomically swaps clientID's subscription set.
	Replace(clientID string, topics []string) ReplaceResult
	Dispose() error
}

// Sink registration is how adapters that fan out locally learn where to
// deliver frames. The router registers each connection at accept time.
type SinkRegistry interface {
	Register(clientID string, deliver DeliverFunc)
	Deregister(clientID string)
}

// Consumer is the distributed ingress hook: Start subscribes to a broker
// and invokes onRemote for every envelope received from other instances.
// Stop is idempotent.
type Consumer interface {
	Start(onRemote func(Envelope)) error
	Stop() error
}

// Broker is the egress half of a distributed driver: it forwards envelopes
// to remote instances. Local fan-out of broker traffic happens when the
// matching Consumer feeds envelopes back into the in-memory index, which
// is also how a publishing instance reaches its own subscribers.
type Broker interface {
	Publish(env Envelope) PublishResult
	Dispose() error
}
