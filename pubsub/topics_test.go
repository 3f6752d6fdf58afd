package pubsub

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTopics(maxTopics int) (*Topics, *Memory) {
	m := NewMemory(zerolog.Nop())
	return NewTopics("c1", m, nil, maxTopics), m
}

func TestDefaultTopicValidatorLengthBoundary(t *testing.T) {
	atLimit := strings.Repeat("a", DefaultMaxTopicLength)
	assert.NoError(t, DefaultTopicValidator(atLimit))

	overLimit := strings.Repeat("a", DefaultMaxTopicLength+1)
	err := DefaultTopicValidator(overLimit)
	require.Error(t, err)
	te := err.(*TopicError)
	assert.Equal(t, "INVALID_TOPIC", te.Code)
	assert.Equal(t, "length", te.Reason)

	err = DefaultTopicValidator("")
	require.Error(t, err)
	assert.Equal(t, "length", err.(*TopicError).Reason)
}

func TestDefaultTopicValidatorPattern(t *testing.T) {
	for _, topic := range []string{"news", "room.42", "User:7/feed", "a_b-c", "UPPER.case"} {
		assert.NoError(t, DefaultTopicValidator(topic), topic)
	}
	for _, topic := range []string{"has space", "emojié☃", "semi;colon", "star*"} {
		err := DefaultTopicValidator(topic)
		require.Error(t, err, topic)
		assert.Equal(t, "pattern", err.(*TopicError).Reason, topic)
	}
}

func TestSubscribeRejectsInvalidTopic(t *testing.T) {
	tp, m := newTestTopics(0)
	err := tp.Subscribe("not valid!")
	require.Error(t, err)
	assert.False(t, m.HasTopic("not valid!"))
}

func TestSubscribeQuota(t *testing.T) {
	tp, _ := newTestTopics(2)
	require.NoError(t, tp.Subscribe("a"))
	require.NoError(t, tp.Subscribe("b"))

	err := tp.Subscribe("c")
	require.Error(t, err)
	te := err.(*TopicError)
	assert.Equal(t, "QUOTA", te.Code)
	assert.Equal(t, "max_topics", te.Reason)

	// Re-subscribing an existing topic never trips the quota.
	assert.NoError(t, tp.Subscribe("a"))
}

func TestUnsubscribeSkipsValidation(t *testing.T) {
	tp, _ := newTestTopics(0)
	// A topic that would fail validation still unwinds cleanly.
	assert.NoError(t, tp.Unsubscribe("was never valid!"))
}

func TestReplaceValidatesBeforeMutating(t *testing.T) {
	tp, m := newTestTopics(0)
	require.NoError(t, tp.Subscribe("keep"))

	_, err := tp.Replace([]string{"fine", "bad topic!"})
	require.Error(t, err)

	// Nothing changed: the bad batch was rejected wholesale.
	assert.Equal(t, []string{"keep"}, tp.List())
	assert.False(t, m.HasTopic("fine"))
}

func TestReplaceQuotaCheckedUpfront(t *testing.T) {
	tp, _ := newTestTopics(2)
	require.NoError(t, tp.Subscribe("a"))

	_, err := tp.Replace([]string{"x", "y", "z"})
	require.Error(t, err)
	assert.Equal(t, "max_topics", err.(*TopicError).Reason)
	assert.Equal(t, []string{"a"}, tp.List())
}

func TestReplaceAndList(t *testing.T) {
	tp, _ := newTestTopics(0)
	require.NoError(t, tp.SubscribeMany([]string{"b", "a", "c"}))

	res, err := tp.Replace([]string{"c", "d"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 2, res.Removed)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, []string{"c", "d"}, tp.List())
}

func TestClear(t *testing.T) {
	tp, m := newTestTopics(0)
	require.NoError(t, tp.SubscribeMany([]string{"a", "b"}))

	tp.Clear()
	assert.Empty(t, tp.List())
	assert.False(t, m.HasTopic("a"))
}
