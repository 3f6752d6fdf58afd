package pubsub

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory() *Memory {
	return NewMemory(zerolog.Nop())
}

// frameSink collects delivered frames for one client.
type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) deliver(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *frameSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *frameSink) last(t *testing.T) map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.frames)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(s.frames[len(s.frames)-1], &decoded))
	return decoded
}

func TestSubscribeIsIdempotent(t *testing.T) {
	m := newTestMemory()
	require.NoError(t, m.Subscribe("c1", "news"))
	require.NoError(t, m.Subscribe("c1", "news"))

	assert.Equal(t, []string{"c1"}, m.Subscribers("news"))
	assert.Equal(t, []string{"news"}, m.TopicsOf("c1"))
}

func TestUnsubscribeNonMemberIsNoOp(t *testing.T) {
	m := newTestMemory()
	require.NoError(t, m.Unsubscribe("c1", "news"))
	require.NoError(t, m.Subscribe("c1", "news"))
	require.NoError(t, m.Unsubscribe("c2", "news"))

	assert.Equal(t, []string{"c1"}, m.Subscribers("news"))
}

func TestTopicRemovedWhenLastSubscriberLeaves(t *testing.T) {
	m := newTestMemory()
	require.NoError(t, m.Subscribe("c1", "news"))
	require.NoError(t, m.Subscribe("c2", "news"))
	assert.True(t, m.HasTopic("news"))

	require.NoError(t, m.Unsubscribe("c1", "news"))
	assert.True(t, m.HasTopic("news"))

	require.NoError(t, m.Unsubscribe("c2", "news"))
	assert.False(t, m.HasTopic("news"))
	assert.Empty(t, m.Topics())
}

func TestDeregisterPurgesSubscriptions(t *testing.T) {
	m := newTestMemory()
	m.Register("c1", func([]byte) {})
	require.NoError(t, m.Subscribe("c1", "a"))
	require.NoError(t, m.Subscribe("c1", "b"))

	m.Deregister("c1")

	assert.False(t, m.HasTopic("a"))
	assert.False(t, m.HasTopic("b"))
	assert.Empty(t, m.TopicsOf("c1"))
}

func TestReplaceSwapsAtomically(t *testing.T) {
	m := newTestMemory()
	require.NoError(t, m.Subscribe("c1", "a"))
	require.NoError(t, m.Subscribe("c1", "b"))
	require.NoError(t, m.Subscribe("c1", "c"))

	res := m.Replace("c1", []string{"b", "c", "d"})
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 3, res.Total)

	assert.ElementsMatch(t, []string{"b", "c", "d"}, m.TopicsOf("c1"))
	assert.False(t, m.HasTopic("a"))
}

func TestReplaceWithIdenticalSetIsNoOp(t *testing.T) {
	m := newTestMemory()
	require.NoError(t, m.Subscribe("c1", "a"))
	require.NoError(t, m.Subscribe("c1", "b"))

	res := m.Replace("c1", []string{"a", "b"})
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 0, res.Removed)
	assert.Equal(t, 2, res.Total)
}

func TestReplaceWithEmptyClears(t *testing.T) {
	m := newTestMemory()
	require.NoError(t, m.Subscribe("c1", "a"))

	res := m.Replace("c1", nil)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 0, res.Total)
	assert.Empty(t, m.TopicsOf("c1"))
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	m := newTestMemory()
	var s1, s2, s3 frameSink
	m.Register("c1", s1.deliver)
	m.Register("c2", s2.deliver)
	m.Register("c3", s3.deliver)
	require.NoError(t, m.Subscribe("c1", "news"))
	require.NoError(t, m.Subscribe("c2", "news"))

	res := m.Publish(Envelope{
		Topic:   "news",
		Type:    "NEWS_ITEM",
		Payload: json.RawMessage(`{"headline":"hi"}`),
	})

	require.True(t, res.OK)
	assert.Equal(t, CapabilityExact, res.Capability)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 1, s1.count())
	assert.Equal(t, 1, s2.count())
	assert.Equal(t, 0, s3.count())

	frame := s1.last(t)
	assert.Equal(t, "NEWS_ITEM", frame["type"])
	payload := frame["payload"].(map[string]any)
	assert.Equal(t, "hi", payload["headline"])
	// The topic is addressing, not part of the wire frame.
	assert.NotContains(t, frame, "topic")
}

func TestPublishExcludesSender(t *testing.T) {
	m := newTestMemory()
	var s1, s2 frameSink
	m.Register("c1", s1.deliver)
	m.Register("c2", s2.deliver)
	require.NoError(t, m.Subscribe("c1", "room.1"))
	require.NoError(t, m.Subscribe("c2", "room.1"))

	res := m.Publish(Envelope{Topic: "room.1", Type: "CHAT", ExcludeClientID: "c1"})

	require.True(t, res.OK)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 0, s1.count())
	assert.Equal(t, 1, s2.count())
}

func TestPublishNoSubscribersMatchesZero(t *testing.T) {
	m := newTestMemory()
	res := m.Publish(Envelope{Topic: "empty", Type: "X"})
	require.True(t, res.OK)
	assert.Equal(t, 0, res.Matched)
}

func TestPublishCarriesMeta(t *testing.T) {
	m := newTestMemory()
	var s1 frameSink
	m.Register("c1", s1.deliver)
	require.NoError(t, m.Subscribe("c1", "news"))

	res := m.Publish(Envelope{
		Topic: "news",
		Type:  "NEWS_ITEM",
		Meta:  map[string]any{"origin": "scheduler"},
	})
	require.True(t, res.OK)

	frame := s1.last(t)
	meta := frame["meta"].(map[string]any)
	assert.Equal(t, "scheduler", meta["origin"])
}
