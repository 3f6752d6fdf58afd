package pubsub

import (
	"github.com/cespare/xxhash/v2"
)

// ShardID maps a topic onto one of n shards with a stable 32-bit mixing
// hash. The same topic always resolves to the same shard for a given n;
// changing n remaps topics and requires migration.
func ShardID(topic string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(uint32(xxhash.Sum64String(topic)) % uint32(n))
}

// Sharded routes topics across a fixed set of inner adapters by ShardID.
// Subscribe, Unsubscribe, and Publish hit exactly one shard; aggregate
// queries and sink registration fan across all of them, since a client's
// topics may land on any shard. Publish results report their matched count
// as an estimate because a single shard only sees its own slice of the
// index.
type Sharded struct {
	shards []Adapter
}

// NewSharded wraps the given adapters. The slice order defines shard ids
// and must be identical across cooperating instances.
func NewSharded(shards []Adapter) *Sharded {
	return &Sharded{shards: shards}
}

func (s *Sharded) shardFor(topic string) Adapter {
	return s.shards[ShardID(topic, len(s.shards))]
}

func (s *Sharded) Publish(env Envelope, opts ...PublishOption) PublishResult {
	res := s.shardFor(env.Topic).Publish(env, opts...)
	if res.OK && res.Capability == CapabilityExact {
		res.Capability = CapabilityEstimate
	}
	return res
}

// Register implements SinkRegistry on every shard that fans out locally.
func (s *Sharded) Register(clientID string, deliver DeliverFunc) {
	for _, sh := range s.shards {
		if reg, ok := sh.(SinkRegistry); ok {
			reg.Register(clientID, deliver)
		}
	}
}

// Deregister removes the client's sink and subscriptions from every shard.
func (s *Sharded) Deregister(clientID string) {
	for _, sh := range s.shards {
		if reg, ok := sh.(SinkRegistry); ok {
			reg.Deregister(clientID)
		}
	}
}

func (s *Sharded) Subscribe(clientID, topic string) error {
	return s.shardFor(topic).Subscribe(clientID, topic)
}

func (s *Sharded) Unsubscribe(clientID, topic string) error {
	return s.shardFor(topic).Unsubscribe(clientID, topic)
}

func (s *Sharded) Subscribers(topic string) []string {
	return s.shardFor(topic).Subscribers(topic)
}

func (s *Sharded) HasTopic(topic string) bool {
	return s.shardFor(topic).HasTopic(topic)
}

func (s *Sharded) Topics() []string {
	var out []string
	for _, sh := range s.shards {
		out = append(out, sh.Topics()...)
	}
	return out
}

// Replace groups the desired topics by shard and swaps each shard's slice
// of the client's subscriptions, aggregating the per-shard results.
func (s *Sharded) Replace(clientID string, topics []string) ReplaceResult {
	byShard := make(map[int][]string)
	for _, t := range topics {
		id := ShardID(t, len(s.shards))
		byShard[id] = append(byShard[id], t)
	}
	var res ReplaceResult
	for i, sh := range s.shards {
		r := sh.Replace(clientID, byShard[i])
		res.Added += r.Added
		res.Removed += r.Removed
		res.Total += r.Total
	}
	return res
}

func (s *Sharded) Dispose() error {
	var first error
	for _, sh := range s.shards {
		if err := sh.Dispose(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
