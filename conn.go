package wskit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/wskit/wskit/metrics"
	"github.com/wskit/wskit/pubsub"
)

// State is the connection lifecycle state.
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Conn is one accepted connection. The client id is assigned at upgrade
// (UUIDv7) and never changes; it is not settable from the wire.
//
// Inbound frames are queued to a dedicated worker goroutine so the dispatch
// pipeline sees them in strict wire order. Handler bodies run in their own
// goroutines, so a long-running handler never blocks later frames or
// control messages on the same connection.
type Conn struct {
	id     string
	router *Router
	sock   ServerSocket
	logger zerolog.Logger

	state atomic.Int32

	dataMu sync.RWMutex
	data   map[string]any

	rpc    *rpcTable
	topics *pubsub.Topics
	hb     *heartbeat

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	connectedAt time.Time
	lastPongAt  atomic.Int64
}

// ClientID returns the immutable connection id.
func (c *Conn) ClientID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// Topics returns the connection's subscription manager.
func (c *Conn) Topics() *pubsub.Topics { return c.topics }

// Socket returns the underlying transport handle.
func (c *Conn) Socket() ServerSocket { return c.sock }

// LastPongAt returns the instant of the most recent pong, or the accept
// time when no pong has arrived yet.
func (c *Conn) LastPongAt() time.Time {
	return time.Unix(0, c.lastPongAt.Load())
}

// Data reads a key from the per-connection bag.
func (c *Conn) Data(key string) (any, bool) {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// AssignData merges patch into the per-connection bag.
func (c *Conn) AssignData(patch map[string]any) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	for k, v := range patch {
		c.data[k] = v
	}
}

// HandleMessage is called by the platform adapter for every inbound text
// frame, in wire order. Oversized frames close the connection with 1009;
// everything else is queued for the dispatch worker. The enqueue blocks
// when the worker is behind, which backpressures the read loop without
// reordering.
func (c *Conn) HandleMessage(data []byte) {
	if int64(len(data)) > c.router.opts.MaxPayloadBytes {
		c.router.emitError(c, &RouterError{
			Kind:     KindValidation,
			Code:     CodePayloadTooLarge,
			ClientID: c.id,
		}, nil)
		c.closeFromServer(CloseTooBig, ReasonPayloadTooLarge)
		return
	}
	metrics.MessagesReceived.Inc()
	metrics.BytesReceived.Add(float64(len(data)))

	select {
	case c.inbound <- data:
	case <-c.closed:
	}
}

// HandlePong is called by the platform adapter on pong control frames.
func (c *Conn) HandlePong() {
	c.lastPongAt.Store(time.Now().UnixNano())
	if c.hb != nil {
		c.hb.pong()
	}
}

// HandleClose is called by the platform adapter when the wire closes.
func (c *Conn) HandleClose(code int, reason string) {
	c.shutdown(code, reason, "client")
}

// Close closes the connection from the server side with code 1000.
func (c *Conn) Close(reason string) {
	c.closeFromServer(CloseNormal, reason)
}

func (c *Conn) closeFromServer(code int, reason string) {
	c.shutdown(code, reason, "server")
}

// shutdown drains the connection exactly once: stop the heartbeat, abort
// in-flight RPCs, purge subscriptions and the delivery sink, then run
// onClose hooks.
func (c *Conn) shutdown(code int, reason string, initiatedBy string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		if err := c.sock.Close(code, reason); err != nil {
			c.logger.Debug().Err(err).Msg("socket close failed")
		}
		if c.hb != nil {
			c.hb.stop()
		}
		close(c.closed)

		c.rpc.abortAll()
		c.router.local.Deregister(c.id)
		c.setState(StateClosed)

		metrics.ConnectionsActive.Dec()
		metrics.DisconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
		c.logger.Info().
			Int("code", code).
			Str("reason", reason).
			Str("initiated_by", initiatedBy).
			Dur("connected", time.Since(c.connectedAt)).
			Msg("connection closed")

		c.router.runCloseHooks(c, code, reason)
	})
}

// worker drains the inbound queue in wire order.
func (c *Conn) worker() {
	defer c.recoverPanic("dispatch_worker")
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.inbound:
			c.router.dispatch(c, data)
		}
	}
}

func (c *Conn) recoverPanic(where string) {
	if r := recover(); r != nil {
		c.logger.Error().
			Str("goroutine", where).
			Interface("panic_value", r).
			Msg("goroutine panic recovered")
	}
}
