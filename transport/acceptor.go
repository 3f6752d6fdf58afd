package transport

import (
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wskit/wskit"
	"github.com/wskit/wskit/ratelimit"
)

// Acceptor is the HTTP entry point: it rate limits and admission-checks
// upgrade requests, performs the WebSocket handshake, assigns the client id
// (echoed as a response header), and runs the read loop feeding the router.
type Acceptor struct {
	router *wskit.Router
	logger zerolog.Logger

	limiter *ratelimit.AcceptLimiter
	guard   *Guard

	clientIDHeader string
	shuttingDown   atomic.Bool
}

// AcceptorOption configures an Acceptor.
type AcceptorOption func(*Acceptor)

// WithAcceptLimiter enables upgrade-path rate limiting.
func WithAcceptLimiter(l *ratelimit.AcceptLimiter) AcceptorOption {
	return func(a *Acceptor) { a.limiter = l }
}

// WithGuard enables resource admission control.
func WithGuard(g *Guard) AcceptorOption {
	return func(a *Acceptor) { a.guard = g }
}

// WithAcceptorLogger sets the acceptor logger.
func WithAcceptorLogger(logger zerolog.Logger) AcceptorOption {
	return func(a *Acceptor) { a.logger = logger }
}

// NewAcceptor builds the upgrade handler for a router. clientIDHeader names
// the handshake response header carrying the assigned id.
func NewAcceptor(router *wskit.Router, clientIDHeader string, opts ...AcceptorOption) *Acceptor {
	a := &Acceptor{
		router:         router,
		logger:         zerolog.Nop(),
		clientIDHeader: clientIDHeader,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("component", "acceptor").Logger()
	return a
}

// Shutdown makes the acceptor refuse new upgrades with 503. In-flight
// connections are unaffected; close those via the router.
func (a *Acceptor) Shutdown() {
	a.shuttingDown.Store(true)
}

// ServeHTTP upgrades the request and adopts the connection into the router.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	clientIP := clientIP(r)

	if a.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if a.limiter != nil && !a.limiter.Allow(clientIP) {
		a.logger.Warn().Str("client_ip", clientIP).Msg("upgrade rejected: rate limit")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if a.guard != nil {
		if ok, reason := a.guard.Admit(); !ok {
			a.logger.Warn().
				Str("client_ip", clientIP).
				Str("reason", reason).
				Int64("current_connections", a.guard.Connections()).
				Msg("upgrade rejected by resource guard")
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	v7, err := uuid.NewV7()
	if err != nil {
		a.logger.Error().Err(err).Msg("client id generation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	clientID := v7.String()

	upgrader := ws.HTTPUpgrader{
		Header: http.Header{a.clientIDHeader: []string{clientID}},
	}
	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		a.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Dur("elapsed", time.Since(start)).
			Msg("websocket upgrade failed")
		return
	}

	sock := newSocket(conn, a.logger.With().Str("client_id", clientID).Logger())
	c, err := a.router.Accept(sock, wskit.WithClientID(clientID))
	if err != nil {
		a.logger.Error().Err(err).Str("client_id", clientID).Msg("router accept failed")
		sock.Close(wskit.CloseInternal, "ACCEPT_FAILED")
		return
	}

	if a.guard != nil {
		a.guard.Acquire()
	}
	go a.readLoop(conn, c)
}

// readLoop feeds inbound frames to the connection in wire order. Control
// frames are handled inline: pings are answered, pongs reported to the
// heartbeat, close frames and read errors end the loop.
func (a *Acceptor) readLoop(conn net.Conn, c *wskit.Conn) {
	defer func() {
		if a.guard != nil {
			a.guard.Release()
		}
	}()

	controlHandler := wsutil.ControlFrameHandler(conn, ws.StateServerSide)
	rd := wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: controlHandler,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			c.HandleClose(wskit.CloseAbnormal, "read_error")
			return
		}

		if hdr.OpCode.IsControl() {
			if hdr.OpCode == ws.OpPong {
				c.HandlePong()
			}
			if err := controlHandler(hdr, &rd); err != nil {
				if closed, ok := err.(wsutil.ClosedError); ok {
					c.HandleClose(int(closed.Code), closed.Reason)
				} else {
					c.HandleClose(wskit.CloseAbnormal, "read_error")
				}
				return
			}
			continue
		}

		data, err := io.ReadAll(&rd)
		if err != nil {
			c.HandleClose(wskit.CloseAbnormal, "read_error")
			return
		}
		c.HandleMessage(data)
	}
}

// clientIP resolves the peer address, honoring X-Forwarded-For from load
// balancers.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
