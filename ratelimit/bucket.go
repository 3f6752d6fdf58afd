// Package ratelimit provides the per-key token bucket used by message
// handlers and the accept-path connection limiter used by transports.
//
// The bucket algorithm is deliberately explicit about its arithmetic:
// refills are floored to whole tokens, clock regressions never debit, and
// rejected consumers learn how long to wait. Buckets are created lazily per
// key and each key is guarded by a FIFO mutex so concurrent consumers drain
// deterministically.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RetryNever marks a Decision whose cost exceeds bucket capacity: waiting
// can never satisfy it.
const RetryNever = time.Duration(-1)

// Policy fixes bucket behavior at limiter creation. The limiter copies it;
// later mutation of the caller's value has no effect.
type Policy struct {
	// Capacity is the bucket size in tokens. Must be >= 1.
	Capacity int
	// TokensPerSecond is the sustained refill rate. Must be > 0.
	TokensPerSecond float64
	// Prefix namespaces keys, e.g. "conn:" or "ip:".
	Prefix string
}

func (p Policy) validate() error {
	if p.Capacity < 1 {
		return fmt.Errorf("ratelimit: capacity must be >= 1, got %d", p.Capacity)
	}
	if p.TokensPerSecond <= 0 {
		return fmt.Errorf("ratelimit: tokensPerSecond must be > 0, got %g", p.TokensPerSecond)
	}
	return nil
}

// Decision is the outcome of a Consume call.
type Decision struct {
	Allowed bool
	// Remaining is the floored token count left in the bucket.
	Remaining int
	// RetryAfter is how long the caller should wait before the cost could
	// succeed. Zero when Allowed; RetryNever when the cost exceeds
	// capacity outright.
	RetryAfter time.Duration
}

type bucket struct {
	mu         fifoMutex
	tokens     float64
	lastRefill time.Time
}

// Limiter is a lazy per-key token bucket store.
type Limiter struct {
	policy Policy
	clock  func() time.Time
	logger zerolog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects a time source. Production uses wall time.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) { l.clock = clock }
}

// WithLogger attaches a logger for reject diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a limiter with the given policy. Policy is frozen at creation.
func New(policy Policy, opts ...Option) (*Limiter, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		policy:  policy,
		clock:   time.Now,
		logger:  zerolog.Nop(),
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Policy reports the frozen policy.
func (l *Limiter) Policy() Policy { return l.policy }

// Consume debits cost tokens from key's bucket, refilling first.
//
// Refill: elapsed time is clamped at zero (clock regression never debits)
// and the refill amount is floored to whole tokens. When the bucket cannot
// cover the cost the decision carries a strictly positive RetryAfter, or
// RetryNever when cost exceeds capacity.
func (l *Limiter) Consume(key string, cost float64) Decision {
	b := l.getBucket(l.policy.Prefix + key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.clock()
	capacity := float64(l.policy.Capacity)

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	refill := math.Floor(elapsed * l.policy.TokensPerSecond)
	b.tokens = math.Min(capacity, b.tokens+refill)
	b.lastRefill = now

	if b.tokens < cost {
		retry := RetryNever
		if cost <= capacity {
			ms := math.Ceil((cost - b.tokens) / l.policy.TokensPerSecond * 1000)
			retry = time.Duration(ms) * time.Millisecond
		}
		return Decision{Remaining: int(math.Floor(b.tokens)), RetryAfter: retry}
	}

	b.tokens -= cost
	return Decision{Allowed: true, Remaining: int(math.Floor(b.tokens))}
}

func (l *Limiter) getBucket(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.policy.Capacity), lastRefill: l.clock()}
		l.buckets[key] = b
	}
	return b
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Dispose drops all buckets. The limiter remains usable; buckets are
// recreated full on next use.
func (l *Limiter) Dispose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}
