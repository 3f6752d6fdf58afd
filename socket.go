package wskit

import "context"

// ServerSocket is the abstract transport handle the router writes to. The
// concrete implementation lives with the platform adapter (see the
// transport package for the gobwas/ws one).
//
// Send must be a non-blocking enqueue: a saturated connection drops the
// frame and reports the error rather than stalling the caller. SendWait
// blocks until the frame has been handed to the transport (drained) or the
// context fires.
type ServerSocket interface {
	Send(frame []byte) error
	SendWait(ctx context.Context, frame []byte) error
	// Ping writes a ping control frame.
	Ping(data []byte) error
	// Close sends a close frame with the given code and machine-readable
	// reason token, then tears the transport down. Idempotent.
	Close(code int, reason string) error
	RemoteAddr() string
}
