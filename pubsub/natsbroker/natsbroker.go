// Package natsbroker is the NATS driver for distributed fan-out. Every
// router instance publishes envelopes on a shared subject and consumes the
// same subject, so a publish on one instance reaches subscribers on all of
// them, the publishing instance included.
package natsbroker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/wskit/wskit/pubsub"
)

// DefaultSubject is the shared bus subject.
const DefaultSubject = "wskit.broadcast"

// Config configures the NATS connection.
type Config struct {
	URL     string
	Subject string // default DefaultSubject

	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration

	Logger zerolog.Logger
}

// Driver is both halves of the distributed contract: the pubsub.Broker
// egress and the pubsub.Consumer ingress, sharing one connection.
type Driver struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// Connect dials NATS with reconnect handling and returns the driver.
func Connect(cfg Config) (*Driver, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	logger := cfg.Logger.With().Str("component", "natsbroker").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info().Str("url", conn.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("nats async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbroker: connect: %w", err)
	}
	logger.Info().Str("url", conn.ConnectedUrl()).Str("subject", cfg.Subject).Msg("nats connected")

	return &Driver{conn: conn, subject: cfg.Subject, logger: logger}, nil
}

// Publish forwards the envelope onto the bus. Matched is unknown: the
// subscriber population lives on other instances.
func (d *Driver) Publish(env pubsub.Envelope) pubsub.PublishResult {
	data, err := json.Marshal(env)
	if err != nil {
		d.logger.Error().Err(err).Str("topic", env.Topic).Msg("envelope encode failed")
		res := pubsub.PublishFailed(pubsub.ErrValidation, false)
		res.Adapter = "nats"
		return res
	}
	if err := d.conn.Publish(d.subject, data); err != nil {
		d.logger.Error().Err(err).Str("topic", env.Topic).Msg("nats publish failed")
		res := pubsub.PublishFailed(pubsub.ErrAdapter, true)
		res.Adapter = "nats"
		res.Details = map[string]any{"error": err.Error()}
		return res
	}
	res := pubsub.Published(pubsub.CapabilityUnknown, -1)
	res.Adapter = "nats"
	return res
}

// Start subscribes to the bus and feeds decoded envelopes to onRemote. A
// malformed envelope is logged and dropped; the stream keeps going.
func (d *Driver) Start(onRemote func(pubsub.Envelope)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		return fmt.Errorf("natsbroker: consumer already started")
	}
	sub, err := d.conn.Subscribe(d.subject, func(msg *nats.Msg) {
		var env pubsub.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			d.logger.Warn().Err(err).Msg("dropping malformed bus envelope")
			return
		}
		onRemote(env)
	})
	if err != nil {
		return fmt.Errorf("natsbroker: subscribe %s: %w", d.subject, err)
	}
	d.sub = sub
	d.logger.Info().Str("subject", d.subject).Msg("bus consumer started")
	return nil
}

// Stop unsubscribes the consumer. Idempotent.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub == nil {
		return nil
	}
	err := d.sub.Unsubscribe()
	d.sub = nil
	if err != nil {
		return fmt.Errorf("natsbroker: unsubscribe: %w", err)
	}
	return nil
}

// Dispose stops the consumer and drains the connection.
func (d *Driver) Dispose() error {
	if err := d.Stop(); err != nil {
		d.logger.Warn().Err(err).Msg("stop during dispose failed")
	}
	if err := d.conn.Drain(); err != nil {
		d.conn.Close()
		return fmt.Errorf("natsbroker: drain: %w", err)
	}
	return nil
}

// IsConnected reports connection health for readiness probes.
func (d *Driver) IsConnected() bool {
	return d.conn != nil && d.conn.IsConnected()
}
