package wskit

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Options is the router configuration surface.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Options struct {
	// Heartbeat cadence and pong deadline. A missed pong closes the
	// connection with 1011.
	HeartbeatInterval time.Duration `env:"WSKIT_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"WSKIT_HEARTBEAT_TIMEOUT" envDefault:"5s"`

	// MaxPayloadBytes rejects oversized frames with close 1009. A frame
	// exactly at the limit is accepted.
	MaxPayloadBytes int64 `env:"WSKIT_MAX_PAYLOAD_BYTES" envDefault:"1048576"`

	// MaxPending caps in-flight RPCs per connection; excess requests are
	// rejected with PENDING_LIMIT.
	MaxPending int `env:"WSKIT_MAX_PENDING" envDefault:"100"`

	// MaxTopicsPerConn caps subscriptions per connection. 0 = unbounded.
	MaxTopicsPerConn int `env:"WSKIT_MAX_TOPICS_PER_CONN" envDefault:"0"`

	// ClientIDHeader names the response header carrying the assigned
	// client id at upgrade.
	ClientIDHeader string `env:"WSKIT_CLIENT_ID_HEADER" envDefault:"x-client-id"`

	// ValidateOutgoing turns on egress validation of send/reply/progress
	// payloads. Descriptors may override per schema.
	ValidateOutgoing bool `env:"WSKIT_VALIDATE_OUTGOING" envDefault:"false"`

	// CloseOnUnknownType closes the connection (1008, UNKNOWN_TYPE)
	// instead of dropping frames with no registered handler.
	CloseOnUnknownType bool `env:"WSKIT_CLOSE_ON_UNKNOWN_TYPE" envDefault:"false"`
}

// DefaultOptions returns the stock configuration.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		MaxPayloadBytes:   1 << 20,
		MaxPending:        100,
		ClientIDHeader:    "x-client-id",
	}
}

// OptionsFromEnv reads options from a .env file (optional) and environment
// variables. Priority: ENV vars > .env file > defaults.
func OptionsFromEnv(logger zerolog.Logger) (Options, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg("no .env file found (using environment variables only)")
	}
	var opts Options
	if err := env.Parse(&opts); err != nil {
		return Options{}, fmt.Errorf("parse options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, fmt.Errorf("options validation failed: %w", err)
	}
	return opts, nil
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if o.HeartbeatInterval <= 0 {
		return fmt.Errorf("WSKIT_HEARTBEAT_INTERVAL must be > 0, got %s", o.HeartbeatInterval)
	}
	if o.HeartbeatTimeout <= 0 {
		return fmt.Errorf("WSKIT_HEARTBEAT_TIMEOUT must be > 0, got %s", o.HeartbeatTimeout)
	}
	if o.HeartbeatTimeout >= o.HeartbeatInterval {
		return fmt.Errorf("WSKIT_HEARTBEAT_TIMEOUT (%s) must be < WSKIT_HEARTBEAT_INTERVAL (%s)",
			o.HeartbeatTimeout, o.HeartbeatInterval)
	}
	if o.MaxPayloadBytes < 1 {
		return fmt.Errorf("WSKIT_MAX_PAYLOAD_BYTES must be >= 1, got %d", o.MaxPayloadBytes)
	}
	if o.MaxPending < 1 {
		return fmt.Errorf("WSKIT_MAX_PENDING must be >= 1, got %d", o.MaxPending)
	}
	if o.MaxTopicsPerConn < 0 {
		return fmt.Errorf("WSKIT_MAX_TOPICS_PER_CONN must be >= 0, got %d", o.MaxTopicsPerConn)
	}
	if o.ClientIDHeader == "" {
		return fmt.Errorf("WSKIT_CLIENT_ID_HEADER is required")
	}
	return nil
}

// LogOptions logs the effective configuration.
func (o Options) LogOptions(logger zerolog.Logger) {
	logger.Info().
		Dur("heartbeat_interval", o.HeartbeatInterval).
		Dur("heartbeat_timeout", o.HeartbeatTimeout).
		Int64("max_payload_bytes", o.MaxPayloadBytes).
		Int("max_pending", o.MaxPending).
		Int("max_topics_per_conn", o.MaxTopicsPerConn).
		Str("client_id_header", o.ClientIDHeader).
		Bool("validate_outgoing", o.ValidateOutgoing).
		Msg("router options loaded")
}
