package wskit

import (
	"sync"
	"time"
)

// heartbeat runs one connection's liveness loop: a ping every interval, a
// pong deadline after each ping, and a stale close (1011) on a missed pong.
// stop must be called on connection close or the goroutine leaks.
type heartbeat struct {
	conn     *Conn
	interval time.Duration
	timeout  time.Duration

	pongCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newHeartbeat(c *Conn, interval, timeout time.Duration) *heartbeat {
	return &heartbeat{
		conn:     c,
		interval: interval,
		timeout:  timeout,
		pongCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

func (h *heartbeat) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			// Discard pongs that arrived between pings so a stale pong
			// cannot satisfy the deadline armed below.
			select {
			case <-h.pongCh:
			default:
			}

			if err := h.conn.sock.Ping(nil); err != nil {
				h.conn.logger.Debug().Err(err).Msg("ping failed")
				h.conn.closeFromServer(CloseAbnormal, ReasonHeartbeatTimeout)
				return
			}

			deadline := time.NewTimer(h.timeout)
			select {
			case <-h.pongCh:
				deadline.Stop()
			case <-h.stopCh:
				deadline.Stop()
				return
			case <-deadline.C:
				h.conn.router.emitError(h.conn, &RouterError{
					Kind:     KindHeartbeat,
					Code:     CodeTimeout,
					ClientID: h.conn.id,
				}, nil)
				h.conn.closeFromServer(CloseInternal, ReasonHeartbeatTimeout)
				return
			}
		}
	}
}

// pong records a pong receipt, resetting the pending deadline if any.
func (h *heartbeat) pong() {
	select {
	case h.pongCh <- struct{}{}:
	default:
	}
}

func (h *heartbeat) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}
