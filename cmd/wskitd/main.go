// wskitd is the demo daemon: a router with a few chat-style handlers wired
// to the gobwas/ws transport, Prometheus metrics, and an optional NATS bus
// for multi-instance fan-out.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/wskit/wskit"
	"github.com/wskit/wskit/metrics"
	"github.com/wskit/wskit/pubsub/natsbroker"
	"github.com/wskit/wskit/ratelimit"
	"github.com/wskit/wskit/schema"
	"github.com/wskit/wskit/schema/jsonvalidator"
	"github.com/wskit/wskit/transport"
)

func main() {
	var (
		addr  = flag.String("addr", getenv("WSKIT_ADDR", ":8080"), "listen address")
		debug = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting wskitd")

	opts, err := wskit.OptionsFromEnv(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration failed")
	}
	opts.LogOptions(logger)

	limiter, err := ratelimit.New(
		ratelimit.Policy{Capacity: 100, TokensPerSecond: 10},
		ratelimit.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("rate limiter setup failed")
	}

	ropts := []wskit.RouterOption{
		wskit.WithLogger(logger),
		wskit.WithValidator(jsonvalidator.New()),
		wskit.WithRateLimiter(limiter),
	}

	var bus *natsbroker.Driver
	if natsURL := os.Getenv("WSKIT_NATS_URL"); natsURL != "" {
		bus, err = natsbroker.Connect(natsbroker.Config{
			URL:           natsURL,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Logger:        logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connection failed")
		}
		ropts = append(ropts, wskit.WithBroker(bus))
	}

	router, err := wskit.New(opts, ropts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("router assembly failed")
	}
	if bus != nil {
		if err := router.StartConsumer(bus); err != nil {
			logger.Fatal().Err(err).Msg("bus consumer failed")
		}
	}

	registerHandlers(router, logger)

	guard := transport.NewGuard(transport.GuardConfig{Logger: logger})
	acceptLimiter := ratelimit.NewAcceptLimiter(ratelimit.AcceptLimiterConfig{Logger: logger})
	acceptor := transport.NewAcceptor(router, opts.ClientIDHeader,
		transport.WithAcceptorLogger(logger),
		transport.WithGuard(guard),
		transport.WithAcceptLimiter(acceptLimiter),
	)

	mux := http.NewServeMux()
	mux.Handle("/ws", acceptor)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", *addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	acceptor.Shutdown()
	acceptLimiter.Stop()
	guard.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := router.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("router shutdown error")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown error")
	}
	logger.Info().Msg("bye")
}

// Demo message contracts. Payload schemas are JSON Schema documents handed
// to the santhosh-tekuri validator.
var (
	chatMessage = schema.Event("chat.message", map[string]any{
		"type":                 "object",
		"required":             []any{"room", "text"},
		"additionalProperties": false,
		"properties": map[string]any{
			"room": map[string]any{"type": "string", "minLength": 1},
			"text": map[string]any{"type": "string", "minLength": 1, "maxLength": 4096},
		},
	})

	chatBroadcast = schema.Event("chat.broadcast", map[string]any{
		"type":     "object",
		"required": []any{"room", "from", "text"},
		"properties": map[string]any{
			"room": map[string]any{"type": "string"},
			"from": map[string]any{"type": "string"},
			"text": map[string]any{"type": "string"},
		},
	})

	roomJoin = schema.RPC("room.join",
		map[string]any{
			"type":     "object",
			"required": []any{"room"},
			"properties": map[string]any{
				"room": map[string]any{"type": "string", "minLength": 1, "maxLength": 128},
			},
		},
		schema.Event("room.joined", map[string]any{
			"type":     "object",
			"required": []any{"room", "subscribers"},
			"properties": map[string]any{
				"room":        map[string]any{"type": "string"},
				"subscribers": map[string]any{"type": "integer"},
			},
		}),
	)
)

func registerHandlers(router *wskit.Router, logger zerolog.Logger) {
	// Request logging middleware.
	must(router.Use(func(ctx *wskit.Context, next func() error) error {
		start := time.Now()
		err := next()
		logger.Debug().
			Str("client_id", ctx.ClientID()).
			Str("type", ctx.Type()).
			Dur("elapsed", time.Since(start)).
			Err(err).
			Msg("dispatched")
		return err
	}))

	must(router.RPC(roomJoin, func(ctx *wskit.Context) error {
		var req struct {
			Room string `json:"room"`
		}
		if err := ctx.Bind(&req); err != nil {
			return err
		}
		topic := "room." + req.Room
		if err := ctx.Topics().Subscribe(topic); err != nil {
			return ctx.Error(wskit.CodeInvalid, err.Error(), nil)
		}
		return ctx.Reply(map[string]any{
			"room":        req.Room,
			"subscribers": len(ctx.Topics().List()),
		})
	}))

	must(router.On(chatMessage, func(ctx *wskit.Context) error {
		var msg struct {
			Room string `json:"room"`
			Text string `json:"text"`
		}
		if err := ctx.Bind(&msg); err != nil {
			return err
		}
		res := ctx.Publish("room."+msg.Room, chatBroadcast, map[string]any{
			"room": msg.Room,
			"from": ctx.ClientID(),
			"text": msg.Text,
		}, wskit.ExcludeSelf())
		if !res.OK {
			logger.Warn().
				Str("error", string(res.Error)).
				Str("room", msg.Room).
				Msg("broadcast failed")
		}
		return nil
	}))

	router.OnClose(func(c *wskit.Conn, code int, reason string) {
		logger.Debug().
			Str("client_id", c.ClientID()).
			Int("code", code).
			Str("reason", reason).
			Msg("client gone")
	})
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
