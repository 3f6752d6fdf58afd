package wskit

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wskit/wskit/metrics"
	"github.com/wskit/wskit/schema"
)

// dispatch runs the inbound pipeline for one frame:
// decode -> normalize -> shape check -> control branch -> rate limit ->
// auth gate -> route -> middleware -> validate -> invoke.
//
// It executes on the connection's worker goroutine, so frames from one
// connection pass through here in strict wire order. Handler bodies are
// spawned off the worker at the end of the synchronous phase.
func (r *Router) dispatch(c *Conn, data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		r.emitError(c, &RouterError{Kind: KindParse, Err: err, ClientID: c.id}, nil)
		return
	}
	env.Meta = normalizeMeta(env.Meta)

	if env.Type == "" {
		r.emitError(c, &RouterError{
			Kind:     KindValidation,
			Code:     CodeValidation,
			Err:      fmt.Errorf("envelope missing type"),
			ClientID: c.id,
		}, nil)
		return
	}

	if strings.HasPrefix(env.Type, ControlPrefix) {
		r.handleControl(c, env)
		return
	}

	if r.limiter != nil {
		decision := r.limiter.Consume(c.id, 1)
		if !decision.Allowed {
			metrics.RateLimitedMessages.Inc()
			r.emitError(c, &RouterError{
				Kind:        KindRateLimit,
				Code:        CodeRateLimit,
				ClientID:    c.id,
				MessageType: env.Type,
			}, nil)
			if cid := env.CorrelationID(); cid != "" {
				var retryMS *int64
				if decision.RetryAfter >= 0 {
					ms := decision.RetryAfter.Milliseconds()
					retryMS = &ms
				}
				r.sendErrorFrame(c, cid, ErrorPayload{
					Code:         CodeRateLimit,
					Message:      "too many messages, slow down",
					Retryable:    true,
					RetryAfterMS: retryMS,
				})
			}
			return
		}
	}

	// Auth gate: the first non-control message decides. Failure closes
	// with 1008 and the hook-supplied reason token.
	if auth := r.authHook(); auth != nil && c.State() == StateOpen {
		authCtx := r.newContext(c, env, nil, nil)
		if err := auth(authCtx); err != nil {
			reason := string(CodeUnauthenticated)
			if ae, ok := err.(*AuthError); ok && ae.Reason != "" {
				reason = ae.Reason
			}
			c.logger.Warn().Str("reason", reason).Msg("authentication rejected")
			c.closeFromServer(ClosePolicy, reason)
			return
		}
		c.setState(StateAuthenticated)
	}

	regs := r.handlersFor(env.Type)
	if len(regs) == 0 {
		r.emitError(c, &RouterError{
			Kind:        KindUnknownType,
			Code:        CodeUnsupported,
			ClientID:    c.id,
			MessageType: env.Type,
		}, nil)
		if r.opts.CloseOnUnknownType {
			c.closeFromServer(ClosePolicy, ReasonUnknownType)
		}
		return
	}

	desc := regs[0].desc
	var entry *rpcEntry
	if desc.Kind == schema.KindRPC {
		cid := env.CorrelationID()
		if cid == "" {
			r.emitError(c, &RouterError{
				Kind:        KindValidation,
				Code:        CodeValidation,
				Err:         fmt.Errorf("rpc request %s missing correlationId", env.Type),
				ClientID:    c.id,
				MessageType: env.Type,
			}, nil)
			return
		}
		var code Code
		entry, code = c.rpc.create(cid, desc)
		if code != "" {
			r.emitError(c, &RouterError{
				Kind:        KindValidation,
				Code:        code,
				ClientID:    c.id,
				MessageType: env.Type,
			}, nil)
			r.sendErrorFrame(c, cid, ErrorPayload{
				Code:    code,
				Message: fmt.Sprintf("request rejected: %s", code),
			})
			return
		}
		metrics.RPCInflight.Inc()
	}

	ctx := r.newContext(c, env, desc, entry)

	// The tail of the chain validates and spawns the handlers. Middleware
	// wraps dispatch, not handler completion.
	tail := func() error {
		if !r.validateInbound(c, ctx, env, desc, entry) {
			return nil
		}
		go r.invoke(ctx, regs)
		return nil
	}

	chain := tail
	mws := r.middlewareChain()
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := chain
		chain = func() error { return mw(ctx, next) }
	}

	if err := chain(); err != nil {
		r.handleFailure(ctx, err)
	}
}

// validateInbound runs the validator over the payload (and caller meta when
// a meta schema is declared). Failures surface via onError; RPC requests
// additionally get an ERROR terminal carrying the issues.
func (r *Router) validateInbound(c *Conn, ctx *Context, env *Envelope, desc *schema.Descriptor, entry *rpcEntry) bool {
	var payload any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			r.validationFailed(c, env, entry, []schema.Issue{{Path: "/payload", Message: err.Error()}})
			return false
		}
	}

	res := r.validator.Validate(desc.Payload, payload)
	if res.OK && desc.Meta != nil {
		metaRes := r.validator.Validate(desc.Meta, env.Meta)
		if !metaRes.OK {
			res = metaRes
		}
	}
	if !res.OK {
		r.validationFailed(c, env, entry, res.Issues)
		return false
	}

	ctx.payload = res.Data
	return true
}

func (r *Router) validationFailed(c *Conn, env *Envelope, entry *rpcEntry, issues []schema.Issue) {
	r.emitError(c, &RouterError{
		Kind:        KindValidation,
		Code:        CodeValidation,
		Issues:      issues,
		ClientID:    c.id,
		MessageType: env.Type,
	}, nil)

	if entry != nil && entry.claimTerminal() {
		r.rpcFinished(c, entry)
		r.sendErrorFrame(c, entry.correlationID, ErrorPayload{
			Code:    CodeValidation,
			Message: "request failed validation",
			Issues:  issues,
		})
	}
}

// invoke runs the registered handlers for a message in registration order.
// Runs on its own goroutine; panics and returned errors are caught, routed
// to onError, and turned into an INTERNAL_ERROR terminal when the RPC has
// no terminal yet.
func (r *Router) invoke(ctx *Context, regs []registration) {
	defer func() {
		if rec := recover(); rec != nil {
			r.handleFailure(ctx, fmt.Errorf("handler panic: %v", rec))
		}
	}()

	for _, reg := range regs {
		if err := reg.handler(ctx); err != nil {
			r.handleFailure(ctx, err)
			return
		}
	}
}

// handleFailure routes a handler/middleware error to the sink and, for
// RPCs without a terminal, emits the INTERNAL_ERROR reply.
func (r *Router) handleFailure(ctx *Context, err error) {
	r.emitError(ctx.conn, &RouterError{
		Kind:        KindHandler,
		Code:        CodeInternal,
		Err:         err,
		ClientID:    ctx.conn.id,
		MessageType: ctx.env.Type,
	}, ctx)

	if ctx.entry != nil && ctx.entry.claimTerminal() {
		r.rpcFinished(ctx.conn, ctx.entry)
		r.sendErrorFrame(ctx.conn, ctx.entry.correlationID, ErrorPayload{
			Code:    CodeInternal,
			Message: "internal error",
		})
	}
}

// handleControl dispatches $ws: control frames. Unknown control types and
// unknown correlation ids are silently dropped.
func (r *Router) handleControl(c *Conn, env *Envelope) {
	switch env.Type {
	case TypeAbort:
		cid := env.CorrelationID()
		if cid == "" {
			return
		}
		entry := c.rpc.abort(cid)
		if entry == nil {
			c.logger.Debug().Str("correlation_id", cid).Msg("abort for unknown or settled rpc dropped")
			return
		}
		metrics.RPCAborted.Inc()
		metrics.RPCInflight.Dec()
		c.logger.Debug().Str("correlation_id", cid).Msg("rpc aborted by client")
		c.sendFrame(TypeCancelled, map[string]any{MetaCorrelationID: cid}, nil, sendConfig{})
	default:
		c.logger.Debug().Str("type", env.Type).Msg("unknown control frame dropped")
	}
}

// sendErrorFrame writes a router-originated ERROR frame for a correlation.
func (r *Router) sendErrorFrame(c *Conn, correlationID string, payload ErrorPayload) {
	c.sendFrame(TypeError, map[string]any{MetaCorrelationID: correlationID}, payload, sendConfig{})
}

// rpcFinished removes a settled entry from the correlation table.
func (r *Router) rpcFinished(c *Conn, entry *rpcEntry) {
	c.rpc.remove(entry.correlationID)
	metrics.RPCInflight.Dec()
}
