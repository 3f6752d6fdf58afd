// Package redisbroker is the Redis Pub/Sub driver for distributed fan-out.
// Same bus model as natsbroker: one shared channel, every instance both
// publishes and consumes.
package redisbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wskit/wskit/pubsub"
)

// DefaultChannel is the shared bus channel.
const DefaultChannel = "wskit:broadcast"

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string // default DefaultChannel

	Logger zerolog.Logger
}

// Driver implements pubsub.Broker and pubsub.Consumer over Redis Pub/Sub.
type Driver struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger

	mu     sync.Mutex
	sub    *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// Connect dials Redis and verifies the connection with a ping.
func Connect(ctx context.Context, cfg Config) (*Driver, error) {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	logger := cfg.Logger.With().Str("component", "redisbroker").Logger()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redisbroker: ping: %w", err)
	}
	logger.Info().Str("addr", cfg.Addr).Str("channel", cfg.Channel).Msg("redis connected")

	return &Driver{client: client, channel: cfg.Channel, logger: logger}, nil
}

// Publish forwards the envelope onto the bus channel.
func (d *Driver) Publish(env pubsub.Envelope) pubsub.PublishResult {
	data, err := json.Marshal(env)
	if err != nil {
		d.logger.Error().Err(err).Str("topic", env.Topic).Msg("envelope encode failed")
		res := pubsub.PublishFailed(pubsub.ErrValidation, false)
		res.Adapter = "redis"
		return res
	}
	if err := d.client.Publish(context.Background(), d.channel, data).Err(); err != nil {
		d.logger.Error().Err(err).Str("topic", env.Topic).Msg("redis publish failed")
		res := pubsub.PublishFailed(pubsub.ErrAdapter, true)
		res.Adapter = "redis"
		res.Details = map[string]any{"error": err.Error()}
		return res
	}
	res := pubsub.Published(pubsub.CapabilityUnknown, -1)
	res.Adapter = "redis"
	return res
}

// Start subscribes to the bus channel and feeds decoded envelopes to
// onRemote from a background goroutine.
func (d *Driver) Start(onRemote func(pubsub.Envelope)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		return fmt.Errorf("redisbroker: consumer already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := d.client.Subscribe(ctx, d.channel)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		sub.Close()
		return fmt.Errorf("redisbroker: subscribe %s: %w", d.channel, err)
	}

	d.sub = sub
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ch := sub.Channel()
		for msg := range ch {
			var env pubsub.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				d.logger.Warn().Err(err).Msg("dropping malformed bus envelope")
				continue
			}
			onRemote(env)
		}
	}()

	d.logger.Info().Str("channel", d.channel).Msg("bus consumer started")
	return nil
}

// Stop closes the subscription and waits for the reader to drain.
// Idempotent.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub == nil {
		return nil
	}
	d.cancel()
	err := d.sub.Close()
	<-d.done
	d.sub = nil
	if err != nil {
		return fmt.Errorf("redisbroker: close subscription: %w", err)
	}
	return nil
}

// Dispose stops the consumer and closes the client.
func (d *Driver) Dispose() error {
	if err := d.Stop(); err != nil {
		d.logger.Warn().Err(err).Msg("stop during dispose failed")
	}
	if err := d.client.Close(); err != nil {
		return fmt.Errorf("redisbroker: close client: %w", err)
	}
	return nil
}

// Ping reports connection health for readiness probes.
func (d *Driver) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
