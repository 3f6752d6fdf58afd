package wskit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wskit/wskit/metrics"
	"github.com/wskit/wskit/pubsub"
	"github.com/wskit/wskit/schema"
)

// Context is assembled per dispatched message and handed to middleware and
// handlers. Messaging, RPC, and pub/sub capabilities are exposed as methods;
// the RPC surface is only live when the handler's descriptor kind is rpc.
//
// All outbound methods are safe to call after the RPC terminal or after
// connection close: they no-op with a debug log instead of failing loudly.
type Context struct {
	conn   *Conn
	router *Router
	env    *Envelope
	desc   *schema.Descriptor
	entry  *rpcEntry

	// payload is the validated (possibly coerced) payload value.
	payload any

	ext map[string]any
}

// ClientID returns the connection's immutable id.
func (ctx *Context) ClientID() string { return ctx.conn.id }

// Type returns the inbound message type.
func (ctx *Context) Type() string { return ctx.env.Type }

// Meta reads a key from the normalized inbound meta.
func (ctx *Context) Meta(key string) (any, bool) {
	if ctx.env.Meta == nil {
		return nil, false
	}
	v, ok := ctx.env.Meta[key]
	return v, ok
}

// Payload returns the validated payload value.
func (ctx *Context) Payload() any { return ctx.payload }

// Bind unmarshals the raw inbound payload into v.
func (ctx *Context) Bind(v any) error {
	if ctx.env.Payload == nil {
		return fmt.Errorf("wskit: no payload on %s", ctx.env.Type)
	}
	return json.Unmarshal(ctx.env.Payload, v)
}

// Conn returns the underlying connection.
func (ctx *Context) Conn() *Conn { return ctx.conn }

// Data reads from the per-connection bag.
func (ctx *Context) Data(key string) (any, bool) { return ctx.conn.Data(key) }

// AssignData merges patch into the per-connection bag.
func (ctx *Context) AssignData(patch map[string]any) { ctx.conn.AssignData(patch) }

// Topics returns the connection's subscription manager.
func (ctx *Context) Topics() *pubsub.Topics { return ctx.conn.topics }

// CorrelationID returns the RPC correlation id, or "" for events.
func (ctx *Context) CorrelationID() string {
	if ctx.entry != nil {
		return ctx.entry.correlationID
	}
	return ""
}

// Context returns the abort signal. It is cancelled on client $ws:abort and
// on disconnect. For event handlers it is the connection-scoped background
// context.
func (ctx *Context) Context() context.Context {
	if ctx.entry != nil {
		return ctx.entry.ctx
	}
	return context.Background()
}

// Aborted reports whether the RPC has been cancelled.
func (ctx *Context) Aborted() bool {
	return ctx.entry != nil && ctx.entry.ctx.Err() != nil
}

// OnCancel registers fn to run when the RPC is aborted or the connection
// drops. Runs immediately if cancellation already happened. RPC-only.
func (ctx *Context) OnCancel(fn func()) error {
	if ctx.entry == nil {
		return ErrNotRPC
	}
	ctx.entry.addCancel(fn)
	return nil
}

// Extension reads a plugin extension by name.
func (ctx *Context) Extension(name string) (any, bool) {
	v, ok := ctx.ext[name]
	return v, ok
}

// SetExtension stores a plugin extension. Later plugins may wrap values
// stored by earlier ones.
func (ctx *Context) SetExtension(name string, v any) {
	if ctx.ext == nil {
		ctx.ext = make(map[string]any)
	}
	ctx.ext[name] = v
}

// sendConfig collects per-call send options.
type sendConfig struct {
	meta          map[string]any
	inheritCorrID bool
	signal        context.Context
	waitDrain     bool
	throttle      time.Duration
}

// SendOption adjusts a single send/reply/progress/error call.
type SendOption func(*sendConfig)

// WithMeta attaches caller meta. Server-reserved keys are stripped.
func WithMeta(meta map[string]any) SendOption {
	return func(c *sendConfig) { c.meta = meta }
}

// InheritCorrelationID copies the inbound correlation id onto the outbound
// frame. Useful for events emitted from within an RPC handler.
func InheritCorrelationID() SendOption {
	return func(c *sendConfig) { c.inheritCorrID = true }
}

// WithSignal suppresses the send if the given context fires before the
// frame is enqueued. Firing after enqueue does not rescind a sent frame.
func WithSignal(signal context.Context) SendOption {
	return func(c *sendConfig) { c.signal = signal }
}

// WaitForDrain blocks the call until the frame has been handed to the
// transport.
func WaitForDrain() SendOption {
	return func(c *sendConfig) { c.waitDrain = true }
}

// WithThrottle rate limits progress frames: within the window, intermediate
// calls are dropped.
func WithThrottle(window time.Duration) SendOption {
	return func(c *sendConfig) { c.throttle = window }
}

func applySendOptions(opts []SendOption) sendConfig {
	var cfg sendConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Send emits a fire-and-forget event frame described by desc.
func (ctx *Context) Send(desc *schema.Descriptor, payload any, opts ...SendOption) error {
	cfg := applySendOptions(opts)
	meta := normalizeMeta(cfg.meta)
	if cfg.inheritCorrID {
		if cid := ctx.env.CorrelationID(); cid != "" {
			if meta == nil {
				meta = make(map[string]any, 1)
			}
			meta[MetaCorrelationID] = cid
		}
	}
	if !ctx.router.validateOutgoing(ctx.conn, desc, desc.Payload, payload) {
		return ErrNotSent
	}
	return ctx.conn.sendFrame(desc.Type, meta, payload, cfg)
}

// Reply emits the RPC terminal response. Exactly one of Reply or Error
// produces a wire frame per correlation id; later terminals are silently
// dropped.
func (ctx *Context) Reply(payload any, opts ...SendOption) error {
	if ctx.entry == nil || ctx.desc == nil || ctx.desc.Response == nil {
		return ErrNotRPC
	}
	resp := ctx.desc.Response
	if !ctx.router.validateOutgoing(ctx.conn, resp, resp.Payload, payload) {
		return ErrNotSent
	}
	if !ctx.entry.claimTerminal() {
		ctx.conn.logger.Debug().
			Str("correlation_id", ctx.entry.correlationID).
			Msg("reply after terminal dropped")
		return nil
	}
	ctx.router.rpcFinished(ctx.conn, ctx.entry)

	cfg := applySendOptions(opts)
	meta := normalizeMeta(cfg.meta)
	if meta == nil {
		meta = make(map[string]any, 1)
	}
	meta[MetaCorrelationID] = ctx.entry.correlationID
	return ctx.conn.sendFrame(resp.Type, meta, payload, cfg)
}

// Progress emits a non-terminal response frame marked meta.progress=true.
// Zero or more may precede the terminal; none after it. With WithThrottle,
// intermediate calls inside the window are dropped.
func (ctx *Context) Progress(payload any, opts ...SendOption) error {
	if ctx.entry == nil || ctx.desc == nil || ctx.desc.Response == nil {
		return ErrNotRPC
	}
	if ctx.entry.terminal.Load() {
		// Post-terminal or post-abort: silent drop.
		return nil
	}
	cfg := applySendOptions(opts)
	if cfg.throttle > 0 {
		now := time.Now().UnixNano()
		last := ctx.entry.lastProgress.Load()
		if now-last < int64(cfg.throttle) {
			return nil
		}
		if !ctx.entry.lastProgress.CompareAndSwap(last, now) {
			return nil
		}
	}

	resp := ctx.desc.Response
	if !ctx.router.validateOutgoing(ctx.conn, resp, resp.Payload, payload) {
		return ErrNotSent
	}
	meta := normalizeMeta(cfg.meta)
	if meta == nil {
		meta = make(map[string]any, 2)
	}
	meta[MetaCorrelationID] = ctx.entry.correlationID
	meta[MetaProgress] = true
	return ctx.conn.sendFrame(resp.Type, meta, payload, cfg)
}

// Error emits the RPC error terminal. Subject to the same one-shot guard
// as Reply.
func (ctx *Context) Error(code Code, message string, details any, opts ...SendOption) error {
	if ctx.entry == nil {
		return ErrNotRPC
	}
	if !ctx.entry.claimTerminal() {
		ctx.conn.logger.Debug().
			Str("correlation_id", ctx.entry.correlationID).
			Msg("error after terminal dropped")
		return nil
	}
	ctx.router.rpcFinished(ctx.conn, ctx.entry)

	cfg := applySendOptions(opts)
	meta := normalizeMeta(cfg.meta)
	if meta == nil {
		meta = make(map[string]any, 1)
	}
	meta[MetaCorrelationID] = ctx.entry.correlationID
	payload := ErrorPayload{Code: code, Message: message, Details: details}
	return ctx.conn.sendFrame(TypeError, meta, payload, cfg)
}

// PublishOption adjusts a single publish call.
type PublishOption func(*publishConfig)

type publishConfig struct {
	excludeSelf bool
	meta        map[string]any
}

// ExcludeSelf suppresses delivery to the publishing connection.
func ExcludeSelf() PublishOption {
	return func(c *publishConfig) { c.excludeSelf = true }
}

// WithPublishMeta attaches meta to the published envelope.
func WithPublishMeta(meta map[string]any) PublishOption {
	return func(c *publishConfig) { c.meta = meta }
}

// Publish broadcasts a frame to topic subscribers. Never panics and never
// returns a Go error; inspect the tagged result.
func (ctx *Context) Publish(topic string, desc *schema.Descriptor, payload any, opts ...PublishOption) pubsub.PublishResult {
	if ctx.conn.State() >= StateClosing {
		ctx.conn.logger.Debug().Str("topic", topic).Msg("publish on closed connection dropped")
		return pubsub.PublishFailed(pubsub.ErrConnectionClosed, false)
	}
	var cfg publishConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	exclude := ""
	if cfg.excludeSelf {
		exclude = ctx.conn.id
	}
	return ctx.router.publish(topic, desc, payload, cfg.meta, exclude)
}

// sendFrame encodes and writes an outbound frame, honoring signal and
// drain options. Closed connections drop silently with the canonical
// not-sent result.
func (c *Conn) sendFrame(typ string, meta map[string]any, payload any, cfg sendConfig) error {
	if c.State() >= StateClosing {
		c.logger.Debug().Str("type", typ).Msg("send on closed connection dropped")
		return ErrNotSent
	}
	if cfg.signal != nil && cfg.signal.Err() != nil {
		return ErrNotSent
	}

	frame, err := encodeFrame(typ, meta, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("type", typ).Msg("failed to encode frame")
		return err
	}

	if cfg.waitDrain {
		waitCtx := cfg.signal
		if waitCtx == nil {
			waitCtx = context.Background()
		}
		if err := c.sock.SendWait(waitCtx, frame); err != nil {
			return ErrNotSent
		}
	} else if err := c.sock.Send(frame); err != nil {
		c.logger.Debug().Err(err).Str("type", typ).Msg("send failed")
		return ErrNotSent
	}

	metrics.MessagesSent.Inc()
	metrics.BytesSent.Add(float64(len(frame)))
	return nil
}
