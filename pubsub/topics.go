package pubsub

import (
	"fmt"
	"regexp"
	"sort"
)

// Topic validation defaults: opaque strings, at most 128 chars, restricted
// alphabet, case-insensitive.
const DefaultMaxTopicLength = 128

var defaultTopicPattern = regexp.MustCompile(`(?i)^[a-z0-9:_./-]+$`)

// TopicError reports a rejected topic operation.
type TopicError struct {
	Code   string // "INVALID_TOPIC" or "QUOTA"
	Reason string // "length", "pattern", "policy", or "max_topics"
	Topic  string
}

func (e *TopicError) Error() string {
	return fmt.Sprintf("pubsub: %s (%s): %q", e.Code, e.Reason, e.Topic)
}

// TopicValidator checks a topic before subscribe/publish. Returning a
// non-nil error (normally a *TopicError) rejects the operation.
type TopicValidator func(topic string) error

// DefaultTopicValidator enforces the stock length and pattern rules.
func DefaultTopicValidator(topic string) error {
	if len(topic) == 0 || len(topic) > DefaultMaxTopicLength {
		return &TopicError{Code: "INVALID_TOPIC", Reason: "length", Topic: topic}
	}
	if !defaultTopicPattern.MatchString(topic) {
		return &TopicError{Code: "INVALID_TOPIC", Reason: "pattern", Topic: topic}
	}
	return nil
}

// Topics manages one connection's subscriptions against an adapter. It
// enforces the per-connection quota and the topic validator; the adapter
// itself stays policy-free.
type Topics struct {
	clientID string
	adapter  Adapter
	validate TopicValidator
	// maxTopics caps subscriptions per connection. 0 means unbounded.
	maxTopics int
}

// NewTopics builds a per-connection topic manager. A nil validator takes
// the default.
func NewTopics(clientID string, adapter Adapter, validate TopicValidator, maxTopics int) *Topics {
	if validate == nil {
		validate = DefaultTopicValidator
	}
	return &Topics{clientID: clientID, adapter: adapter, validate: validate, maxTopics: maxTopics}
}

// Subscribe validates the topic, checks quota, and adds the membership.
// Re-subscribing an existing topic is a no-op that never trips the quota.
func (t *Topics) Subscribe(topic string) error {
	if err := t.validate(topic); err != nil {
		return err
	}
	if t.maxTopics > 0 {
		current := t.List()
		already := false
		for _, existing := range current {
			if existing == topic {
				already = true
				break
			}
		}
		if !already && len(current) >= t.maxTopics {
			return &TopicError{Code: "QUOTA", Reason: "max_topics", Topic: topic}
		}
	}
	return t.adapter.Subscribe(t.clientID, topic)
}

// SubscribeMany subscribes to each topic, stopping at the first error.
func (t *Topics) SubscribeMany(topics []string) error {
	for _, topic := range topics {
		if err := t.Subscribe(topic); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes the membership. Validation is deliberately skipped so
// error paths can always unwind, and unsubscribing a non-member is a no-op.
func (t *Topics) Unsubscribe(topic string) error {
	return t.adapter.Unsubscribe(t.clientID, topic)
}

// Replace atomically swaps the connection's subscriptions. Every new topic
// is validated and the quota is checked before any mutation happens.
func (t *Topics) Replace(topics []string) (ReplaceResult, error) {
	for _, topic := range topics {
		if err := t.validate(topic); err != nil {
			return ReplaceResult{}, err
		}
	}
	if t.maxTopics > 0 && len(topics) > t.maxTopics {
		return ReplaceResult{}, &TopicError{Code: "QUOTA", Reason: "max_topics"}
	}
	return t.adapter.Replace(t.clientID, topics), nil
}

// Set is an alias for Replace matching the bulk-assignment verb used by
// client SDKs.
func (t *Topics) Set(topics []string) (ReplaceResult, error) {
	return t.Replace(topics)
}

// clientIndexer is implemented by adapters that keep a reverse
// client -> topics index (Memory does); List uses it when available.
type clientIndexer interface {
	TopicsOf(clientID string) []string
}

// List returns a sorted snapshot of the connection's topics.
func (t *Topics) List() []string {
	var out []string
	if ci, ok := t.adapter.(clientIndexer); ok {
		out = ci.TopicsOf(t.clientID)
	} else {
		for _, topic := range t.adapter.Topics() {
			for _, id := range t.adapter.Subscribers(topic) {
				if id == t.clientID {
					out = append(out, topic)
					break
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

// Clear removes all of the connection's subscriptions.
func (t *Topics) Clear() {
	t.adapter.Replace(t.clientID, nil)
}
