// Package transport is the gobwas/ws platform adapter: it upgrades HTTP
// requests, hands the raw connection to the router as a ServerSocket, and
// runs the read and write pumps.
package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const (
	// writeWait bounds every write syscall on the wire.
	writeWait = 10 * time.Second

	// sendBuffer sizes the outbound queue. A saturated queue drops frames
	// rather than blocking publishers.
	sendBuffer = 1024
)

// ErrSendBufferFull is returned by Send when the outbound queue is
// saturated. The frame is dropped; slow clients fall behind instead of
// stalling the router.
var ErrSendBufferFull = errors.New("transport: send buffer full")

// ErrSocketClosed is returned for writes after Close.
var ErrSocketClosed = errors.New("transport: socket closed")

type sendItem struct {
	frame []byte
	// done, when non-nil, receives the flush result (SendWait callers).
	done chan error
}

// Socket adapts a raw upgraded net.Conn to the router's ServerSocket. All
// wire writes funnel through the write pump under writeMu, so frames never
// interleave.
type Socket struct {
	conn   net.Conn
	logger zerolog.Logger

	send      chan sendItem
	closed    chan struct{}
	closeOnce sync.Once

	// writeMu serializes wire writes between the pump, Ping, and Close.
	writeMu sync.Mutex
}

func newSocket(conn net.Conn, logger zerolog.Logger) *Socket {
	s := &Socket{
		conn:   conn,
		logger: logger,
		send:   make(chan sendItem, sendBuffer),
		closed: make(chan struct{}),
	}
	go s.writePump()
	return s
}

// Send enqueues a frame without blocking. Full buffer or closed socket
// drops the frame and reports why.
func (s *Socket) Send(frame []byte) error {
	select {
	case <-s.closed:
		return ErrSocketClosed
	default:
	}
	select {
	case s.send <- sendItem{frame: frame}:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// SendWait enqueues a frame and blocks until it has been flushed to the
// wire or ctx fires.
func (s *Socket) SendWait(ctx context.Context, frame []byte) error {
	done := make(chan error, 1)
	select {
	case <-s.closed:
		return ErrSocketClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.send <- sendItem{frame: frame, done: done}:
	}
	select {
	case <-s.closed:
		return ErrSocketClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Ping writes a ping control frame directly, bypassing the data queue so
// liveness probes are not delayed behind a backlog.
func (s *Socket) Ping(data []byte) error {
	select {
	case <-s.closed:
		return ErrSocketClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(s.conn, ws.OpPing, data)
}

// Close writes a close frame with the code and reason token, then tears
// the TCP connection down. Idempotent.
func (s *Socket) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		if werr := wsutil.WriteServerMessage(s.conn, ws.OpClose, body); werr != nil {
			s.logger.Debug().Err(werr).Msg("close frame write failed")
		}
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// RemoteAddr returns the peer address.
func (s *Socket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// writePump drains the send queue, batching queued frames behind one
// buffered writer to cut syscalls on the hot path.
func (s *Socket) writePump() {
	writer := bufio.NewWriter(s.conn)
	var pending []chan error

	for {
		select {
		case <-s.closed:
			return
		case item := <-s.send:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))

			pending = pending[:0]
			err := wsutil.WriteServerMessage(writer, ws.OpText, item.frame)
			if item.done != nil {
				pending = append(pending, item.done)
			}

			// Batch whatever else is queued before flushing.
			if err == nil {
				n := len(s.send)
				for i := 0; i < n; i++ {
					item = <-s.send
					if err = wsutil.WriteServerMessage(writer, ws.OpText, item.frame); err != nil {
						if item.done != nil {
							pending = append(pending, item.done)
						}
						break
					}
					if item.done != nil {
						pending = append(pending, item.done)
					}
				}
			}
			if err == nil {
				err = writer.Flush()
			}
			s.writeMu.Unlock()

			for _, done := range pending {
				done <- err
			}
			if err != nil {
				s.logger.Debug().Err(err).Msg("write pump failed")
				s.conn.Close()
				return
			}
		}
	}
}
