package wskit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wskit/wskit/metrics"
	"github.com/wskit/wskit/pubsub"
	"github.com/wskit/wskit/ratelimit"
	"github.com/wskit/wskit/schema"
)

// Handler processes one dispatched message.
type Handler func(*Context) error

// Middleware wraps dispatch of one message. Not calling next short-circuits
// validation and handler invocation.
type Middleware func(ctx *Context, next func() error) error

// AuthFunc decides the authentication verdict for a connection's first
// inbound message. Returning a *AuthError closes with 1008 and its reason
// token; any other error closes with the stock UNAUTHENTICATED reason.
type AuthFunc func(*Context) error

// Plugin extends the router at assembly time.
type Plugin interface {
	Name() string
	Apply(*Router) error
}

// ContextDecorator is an optional plugin capability: decorate every Context
// before middleware runs, typically via SetExtension.
type ContextDecorator interface {
	Decorate(*Context)
}

type registration struct {
	desc    *schema.Descriptor
	handler Handler
}

// LocalAdapter is the subscription index the router fans out on: the full
// adapter contract plus sink registration. pubsub.Memory satisfies it.
type LocalAdapter interface {
	pubsub.Adapter
	pubsub.SinkRegistry
}

// Router is the top-level dispatch engine. Build it with New, register
// handlers and plugins, then hand accepted sockets to Accept. The registry
// is read-only after the first accepted connection.
type Router struct {
	opts      Options
	logger    zerolog.Logger
	validator schema.ValidatorAdapter

	local         LocalAdapter
	broker        pubsub.Broker
	topicValidate pubsub.TopicValidator
	limiter       *ratelimit.Limiter

	mu         sync.RWMutex
	handlers   map[string][]registration
	middleware []Middleware
	onOpen     []func(*Conn)
	onClose    []func(*Conn, int, string)
	onError    []func(*RouterError, *Context)
	onAuth     AuthFunc
	plugins    map[string]Plugin
	decorators []ContextDecorator

	accepted  atomic.Bool
	conns     sync.Map // clientID -> *Conn
	consumers []pubsub.Consumer
}

// RouterOption configures router construction.
type RouterOption func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger zerolog.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// WithValidator sets the validator adapter. Default accepts everything.
func WithValidator(v schema.ValidatorAdapter) RouterOption {
	return func(r *Router) { r.validator = v }
}

// WithLocalAdapter replaces the in-memory subscription index, e.g. with a
// sharded one.
func WithLocalAdapter(a LocalAdapter) RouterOption {
	return func(r *Router) { r.local = a }
}

// WithBroker adds a distributed egress driver. Publishes go to the broker
// instead of local fan-out; pair it with StartConsumer for ingress.
func WithBroker(b pubsub.Broker) RouterOption {
	return func(r *Router) { r.broker = b }
}

// WithRateLimiter applies a per-connection token bucket to inbound frames.
func WithRateLimiter(l *ratelimit.Limiter) RouterOption {
	return func(r *Router) { r.limiter = l }
}

// WithTopicValidator overrides the default topic validation policy.
func WithTopicValidator(v pubsub.TopicValidator) RouterOption {
	return func(r *Router) { r.topicValidate = v }
}

// New assembles a router.
func New(opts Options, ropts ...RouterOption) (*Router, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	r := &Router{
		opts:      opts,
		logger:    zerolog.Nop(),
		validator: schema.Passthrough{},
		handlers:  make(map[string][]registration),
		plugins:   make(map[string]Plugin),
	}
	for _, opt := range ropts {
		opt(r)
	}
	if r.local == nil {
		r.local = pubsub.NewMemory(r.logger)
	}
	if r.topicValidate == nil {
		r.topicValidate = pubsub.DefaultTopicValidator
	}
	return r, nil
}

// On registers an event handler. Multiple handlers per type run in
// registration order.
func (r *Router) On(desc *schema.Descriptor, h Handler) error {
	if desc.Kind != schema.KindEvent {
		return fmt.Errorf("wskit: On requires an event descriptor, got %s %q", desc.Kind, desc.Type)
	}
	return r.register(desc, h)
}

// RPC registers an rpc handler. The descriptor must bind a response.
func (r *Router) RPC(desc *schema.Descriptor, h Handler) error {
	if desc.Kind != schema.KindRPC {
		return fmt.Errorf("wskit: RPC requires an rpc descriptor, got %s %q", desc.Kind, desc.Type)
	}
	if desc.Response == nil {
		return fmt.Errorf("wskit: rpc descriptor %q has no response", desc.Type)
	}
	return r.register(desc, h)
}

func (r *Router) register(desc *schema.Descriptor, h Handler) error {
	if desc.Type == "" {
		return fmt.Errorf("wskit: descriptor has empty type")
	}
	if r.accepted.Load() {
		return ErrRegistryFrozen
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.handlers[desc.Type]; len(existing) > 0 && existing[0].desc.Kind != desc.Kind {
		return fmt.Errorf("wskit: conflicting kind for type %q", desc.Type)
	}
	r.handlers[desc.Type] = append(r.handlers[desc.Type], registration{desc: desc, handler: h})
	return nil
}

// Use appends middleware to the global chain.
func (r *Router) Use(mw Middleware) error {
	if r.accepted.Load() {
		return ErrRegistryFrozen
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
	return nil
}

// OnOpen registers a connection-open hook. Hooks run in order.
func (r *Router) OnOpen(fn func(*Conn)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpen = append(r.onOpen, fn)
}

// OnClose registers a connection-close hook. Hooks run in order.
func (r *Router) OnClose(fn func(c *Conn, code int, reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = append(r.onClose, fn)
}

// OnError registers an error sink. Sinks receive every non-fatal error;
// panics inside a sink are swallowed and logged.
func (r *Router) OnError(fn func(err *RouterError, ctx *Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = append(r.onError, fn)
}

// OnAuth sets the single-slot authentication hook, replacing any prior.
func (r *Router) OnAuth(fn AuthFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAuth = fn
}

// Plugin folds a plugin into the router. Plugins implementing
// ContextDecorator additionally get to decorate every Context.
func (r *Router) Plugin(p Plugin) error {
	if r.accepted.Load() {
		return ErrRegistryFrozen
	}
	if err := p.Apply(r); err != nil {
		return fmt.Errorf("wskit: plugin %s: %w", p.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Name()] = p
	if d, ok := p.(ContextDecorator); ok {
		r.decorators = append(r.decorators, d)
	}
	return nil
}

// Merge takes the union of other's handlers, middleware, and hooks,
// preserving registration order (r's first). other's auth hook wins when
// set.
func (r *Router) Merge(other *Router) error {
	if r.accepted.Load() {
		return ErrRegistryFrozen
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for typ, regs := range other.handlers {
		if existing := r.handlers[typ]; len(existing) > 0 && len(regs) > 0 &&
			existing[0].desc.Kind != regs[0].desc.Kind {
			return fmt.Errorf("wskit: merge: conflicting kind for type %q", typ)
		}
		r.handlers[typ] = append(r.handlers[typ], regs...)
	}
	r.middleware = append(r.middleware, other.middleware...)
	r.onOpen = append(r.onOpen, other.onOpen...)
	r.onClose = append(r.onClose, other.onClose...)
	r.onError = append(r.onError, other.onError...)
	if other.onAuth != nil {
		r.onAuth = other.onAuth
	}
	r.decorators = append(r.decorators, other.decorators...)
	return nil
}

func (r *Router) handlersFor(typ string) []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[typ]
}

func (r *Router) middlewareChain() []Middleware {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.middleware
}

func (r *Router) authHook() AuthFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onAuth
}

// AcceptOption configures a single accepted connection.
type AcceptOption func(*acceptConfig)

type acceptConfig struct {
	clientID string
}

// WithClientID sets the pre-assigned client id (normally generated by the
// transport so it can be emitted as an upgrade response header).
func WithClientID(id string) AcceptOption {
	return func(c *acceptConfig) { c.clientID = id }
}

// Accept adopts an upgraded socket: assigns the client id, registers the
// delivery sink, starts the dispatch worker and heartbeat, and runs onOpen
// hooks. Freezes the registry on first use.
func (r *Router) Accept(sock ServerSocket, opts ...AcceptOption) (*Conn, error) {
	r.accepted.Store(true)

	var cfg acceptConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	id := cfg.clientID
	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("wskit: generate client id: %w", err)
		}
		id = v7.String()
	}

	c := &Conn{
		id:          id,
		router:      r,
		sock:        sock,
		logger:      r.logger.With().Str("client_id", id).Logger(),
		data:        make(map[string]any),
		rpc:         newRPCTable(r.opts.MaxPending),
		inbound:     make(chan []byte, 64),
		closed:      make(chan struct{}),
		connectedAt: time.Now(),
	}
	c.lastPongAt.Store(c.connectedAt.UnixNano())
	c.topics = pubsub.NewTopics(id, r.local, r.topicValidate, r.opts.MaxTopicsPerConn)
	c.setState(StateOpening)

	r.local.Register(id, func(frame []byte) {
		if err := sock.Send(frame); err != nil {
			c.logger.Debug().Err(err).Msg("fan-out delivery dropped")
			return
		}
		metrics.MessagesSent.Inc()
		metrics.BytesSent.Add(float64(len(frame)))
	})
	r.conns.Store(id, c)

	c.setState(StateOpen)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	c.logger.Info().Str("remote_addr", sock.RemoteAddr()).Msg("connection accepted")

	go c.worker()
	c.hb = newHeartbeat(c, r.opts.HeartbeatInterval, r.opts.HeartbeatTimeout)
	go c.hb.run()

	r.runOpenHooks(c)
	return c, nil
}

// Publish broadcasts from router level, with no sender context and no
// exclusion.
func (r *Router) Publish(topic string, desc *schema.Descriptor, payload any, opts ...PublishOption) pubsub.PublishResult {
	var cfg publishConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return r.publish(topic, desc, payload, cfg.meta, "")
}

// publish is the shared egress path for context- and router-level publish.
func (r *Router) publish(topic string, desc *schema.Descriptor, payload any, meta map[string]any, excludeClientID string) pubsub.PublishResult {
	if err := r.topicValidate(topic); err != nil {
		res := pubsub.PublishFailed(pubsub.ErrValidation, false)
		if te, ok := err.(*pubsub.TopicError); ok {
			res.Details = map[string]any{"reason": te.Reason, "topic": te.Topic}
		}
		metrics.PublishesTotal.WithLabelValues(string(res.Error)).Inc()
		return res
	}
	if !r.validateOutgoing(nil, desc, desc.Payload, payload) {
		res := pubsub.PublishFailed(pubsub.ErrValidation, false)
		metrics.PublishesTotal.WithLabelValues(string(res.Error)).Inc()
		return res
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			res := pubsub.PublishFailed(pubsub.ErrValidation, false)
			res.Details = map[string]any{"error": err.Error()}
			metrics.PublishesTotal.WithLabelValues(string(res.Error)).Inc()
			return res
		}
		raw = b
	}

	env := pubsub.Envelope{
		Topic:           topic,
		Type:            desc.Type,
		Payload:         raw,
		Meta:            normalizeMeta(meta),
		ExcludeClientID: excludeClientID,
	}

	var res pubsub.PublishResult
	if r.broker != nil {
		res = r.broker.Publish(env)
	} else {
		res = r.local.Publish(env)
	}
	if res.OK {
		metrics.PublishesTotal.WithLabelValues(string(res.Capability)).Inc()
	} else {
		metrics.PublishesTotal.WithLabelValues(string(res.Error)).Inc()
	}
	return res
}

// StartConsumer begins distributed ingress: remote envelopes fan out
// through the local index. One bad envelope never breaks the stream; the
// drivers isolate decode errors.
func (r *Router) StartConsumer(consumer pubsub.Consumer) error {
	if err := consumer.Start(func(env pubsub.Envelope) {
		r.local.Publish(env)
	}); err != nil {
		return fmt.Errorf("wskit: start consumer: %w", err)
	}
	r.mu.Lock()
	r.consumers = append(r.consumers, consumer)
	r.mu.Unlock()
	return nil
}

// Shutdown stops consumers, closes every connection with 1000, and
// disposes the adapters.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	consumers := r.consumers
	r.consumers = nil
	r.mu.Unlock()
	for _, consumer := range consumers {
		if err := consumer.Stop(); err != nil {
			r.logger.Warn().Err(err).Msg("consumer stop failed")
		}
	}

	r.conns.Range(func(_, v any) bool {
		v.(*Conn).closeFromServer(CloseNormal, ReasonShutdown)
		return true
	})

	if r.broker != nil {
		if err := r.broker.Dispose(); err != nil {
			r.logger.Warn().Err(err).Msg("broker dispose failed")
		}
	}
	if r.limiter != nil {
		r.limiter.Dispose()
	}
	return r.local.Dispose()
}

// Conn returns a live connection by client id.
func (r *Router) Conn(clientID string) (*Conn, bool) {
	v, ok := r.conns.Load(clientID)
	if !ok {
		return nil, false
	}
	return v.(*Conn), true
}

func (r *Router) newContext(c *Conn, env *Envelope, desc *schema.Descriptor, entry *rpcEntry) *Context {
	ctx := &Context{conn: c, router: r, env: env, desc: desc, entry: entry}
	r.mu.RLock()
	decorators := r.decorators
	r.mu.RUnlock()
	for _, d := range decorators {
		d.Decorate(ctx)
	}
	return ctx
}

// validateOutgoing applies egress validation when enabled for the
// descriptor. Failures surface via onError and suppress the frame.
func (r *Router) validateOutgoing(c *Conn, desc *schema.Descriptor, schemaHandle any, payload any) bool {
	enabled := r.opts.ValidateOutgoing
	if desc.ValidateOutgoing != nil {
		enabled = *desc.ValidateOutgoing
	}
	if !enabled || schemaHandle == nil {
		return true
	}
	res := r.validator.ValidateOutgoing(schemaHandle, payload)
	if res.OK {
		return true
	}
	rerr := &RouterError{
		Kind:        KindValidation,
		Code:        CodeValidation,
		Issues:      res.Issues,
		MessageType: desc.Type,
	}
	if c != nil {
		rerr.ClientID = c.id
	}
	r.emitError(c, rerr, nil)
	return false
}

// emitError delivers a non-fatal error to every sink in order. Panics
// inside sinks are swallowed and logged so one bad sink cannot take down
// dispatch.
func (r *Router) emitError(c *Conn, rerr *RouterError, ctx *Context) {
	metrics.DispatchErrors.WithLabelValues(string(rerr.Kind)).Inc()
	if rerr.Kind == KindHeartbeat {
		metrics.HeartbeatTimeouts.Inc()
	}

	logger := r.logger
	if c != nil {
		logger = c.logger
	}
	logger.Debug().
		Str("kind", string(rerr.Kind)).
		Str("code", string(rerr.Code)).
		Err(rerr.Err).
		Str("message_type", rerr.MessageType).
		Msg("dispatch error")

	r.mu.RLock()
	sinks := r.onError
	r.mu.RUnlock()
	for _, sink := range sinks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().Interface("panic_value", rec).Msg("onError sink panicked")
				}
			}()
			sink(rerr, ctx)
		}()
	}
}

func (r *Router) runOpenHooks(c *Conn) {
	r.mu.RLock()
	hooks := r.onOpen
	r.mu.RUnlock()
	for _, hook := range hooks {
		func() {
			defer c.recoverPanic("onOpen")
			hook(c)
		}()
	}
}

func (r *Router) runCloseHooks(c *Conn, code int, reason string) {
	r.conns.Delete(c.id)
	r.mu.RLock()
	hooks := r.onClose
	r.mu.RUnlock()
	for _, hook := range hooks {
		func() {
			defer c.recoverPanic("onClose")
			hook(c, code, reason)
		}()
	}
}
