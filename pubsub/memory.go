package pubsub

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Memory is the in-process Adapter. It keeps two maps so both directions are
// O(1): topic -> clientIDs for fan-out, clientID -> topics for disconnect
// cleanup. A topic whose subscriber set drains to empty is removed from the
// index, so HasTopic is authoritative.
type Memory struct {
	mu       sync.RWMutex
	topics   map[string]map[string]struct{}
	byClient map[string]map[string]struct{}
	sinks    map[string]DeliverFunc
	logger   zerolog.Logger
}

// NewMemory creates an empty in-memory adapter.
func NewMemory(logger zerolog.Logger) *Memory {
	return &Memory{
		topics:   make(map[string]map[string]struct{}),
		byClient: make(map[string]map[string]struct{}),
		sinks:    make(map[string]DeliverFunc),
		logger:   logger.With().Str("component", "pubsub_memory").Logger(),
	}
}

// Register implements SinkRegistry.
func (m *Memory) Register(clientID string, deliver DeliverFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks[clientID] = deliver
}

// Deregister implements SinkRegistry. Also purges the client's
// subscriptions, which is the disconnect cleanup path.
func (m *Memory) Deregister(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sinks, clientID)
	for topic := range m.byClient[clientID] {
		m.removeLocked(clientID, topic)
	}
	delete(m.byClient, clientID)
}

// Subscribe adds (clientID, topic) to the index. Repeat calls are no-ops.
func (m *Memory) Subscribe(clientID, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(clientID, topic)
	return nil
}

// Unsubscribe removes (clientID, topic). Removing a non-member is a no-op.
func (m *Memory) Unsubscribe(clientID, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(clientID, topic)
	if topics := m.byClient[clientID]; topics != nil {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(m.byClient, clientID)
		}
	}
	return nil
}

func (m *Memory) addLocked(clientID, topic string) {
	subs := m.topics[topic]
	if subs == nil {
		subs = make(map[string]struct{})
		m.topics[topic] = subs
	}
	subs[clientID] = struct{}{}

	topics := m.byClient[clientID]
	if topics == nil {
		topics = make(map[string]struct{})
		m.byClient[clientID] = topics
	}
	topics[topic] = struct{}{}
}

// removeLocked drops clientID from topic's set and deletes the topic when
// it drains. Does not touch byClient; callers own that side.
func (m *Memory) removeLocked(clientID, topic string) {
	subs := m.topics[topic]
	if subs == nil {
		return
	}
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(m.topics, topic)
	}
}

// Subscribers returns a snapshot slice, safe for the caller to retain.
func (m *Memory) Subscribers(topic string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subs := m.topics[topic]
	if len(subs) == 0 {
		return nil
	}
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// TopicsOf returns a snapshot of the topics clientID is subscribed to.
func (m *Memory) TopicsOf(clientID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	topics := m.byClient[clientID]
	if len(topics) == 0 {
		return nil
	}
	out := make([]string, 0, len(topics))
	for t := range topics {
		out = append(out, t)
	}
	return out
}

// HasTopic reports whether topic has at least one subscriber.
func (m *Memory) HasTopic(topic string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic]) > 0
}

// Topics returns a sorted snapshot of live topics.
func (m *Memory) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.topics))
	for t := range m.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Replace atomically swaps clientID's subscription set for newTopics. All
// adds and removes complete under one lock acquisition before Total is
// reported; equal old/new sets are a no-op with Added=Removed=0.
func (m *Memory) Replace(clientID string, newTopics []string) ReplaceResult {
	desired := make(map[string]struct{}, len(newTopics))
	for _, t := range newTopics {
		desired[t] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.byClient[clientID]
	var res ReplaceResult
	for topic := range current {
		if _, keep := desired[topic]; !keep {
			m.removeLocked(clientID, topic)
			delete(current, topic)
			res.Removed++
		}
	}
	for topic := range desired {
		if _, has := current[topic]; !has {
			m.addLocked(clientID, topic)
			res.Added++
		}
	}
	res.Total = len(desired)
	if len(desired) == 0 {
		delete(m.byClient, clientID)
	}
	return res
}

// wireFrame is the outbound shape delivered to subscriber sockets.
type wireFrame struct {
	Type    string          `json:"type"`
	Meta    map[string]any  `json:"meta,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Publish fans the envelope out to local subscribers. The frame is encoded
// once and shared across deliveries. Capability is always "exact": Matched
// is the subscriber count at the instant of publish, minus the excluded
// sender when it is subscribed.
func (m *Memory) Publish(env Envelope, _ ...PublishOption) PublishResult {
	frame, err := json.Marshal(wireFrame{Type: env.Type, Meta: env.Meta, Payload: env.Payload})
	if err != nil {
		m.logger.Error().Err(err).Str("topic", env.Topic).Msg("failed to encode publish frame")
		return PublishFailed(ErrValidation, false)
	}

	m.mu.RLock()
	subs := m.topics[env.Topic]
	matched := 0
	var sinks []DeliverFunc
	for id := range subs {
		if id == env.ExcludeClientID {
			continue
		}
		matched++
		if sink := m.sinks[id]; sink != nil {
			sinks = append(sinks, sink)
		}
	}
	m.mu.RUnlock()

	// Deliveries happen outside the lock; sinks are non-blocking enqueues.
	for _, sink := range sinks {
		sink(frame)
	}
	return Published(CapabilityExact, matched)
}

// Dispose clears the index and all sinks.
func (m *Memory) Dispose() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = make(map[string]map[string]struct{})
	m.byClient = make(map[string]map[string]struct{})
	m.sinks = make(map[string]DeliverFunc)
	return nil
}
