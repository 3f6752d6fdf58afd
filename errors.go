package wskit

import (
	"errors"
	"fmt"

	"github.com/wskit/wskit/schema"
)

// Code is a stringly-typed error code carried on the wire.
type Code string

const (
	CodeValidation           Code = "VALIDATION"
	CodeUnauthenticated      Code = "UNAUTHENTICATED"
	CodePermissionDenied     Code = "PERMISSION_DENIED"
	CodeNotFound             Code = "NOT_FOUND"
	CodeInvalid              Code = "INVALID"
	CodeCancelled            Code = "CANCELLED"
	CodeTimeout              Code = "TIMEOUT"
	CodeRateLimit            Code = "RATE_LIMIT"
	CodeBackpressure         Code = "BACKPRESSURE"
	CodePayloadTooLarge      Code = "PAYLOAD_TOO_LARGE"
	CodeUnsupported          Code = "UNSUPPORTED"
	CodeDuplicateCorrelation Code = "DUPLICATE_CORRELATION"
	CodePendingLimit         Code = "PENDING_LIMIT"
	CodeInternal             Code = "INTERNAL_ERROR"
	CodeAdapter              Code = "ADAPTER_ERROR"
)

// ErrorKind discriminates onError sink records.
type ErrorKind string

const (
	KindParse       ErrorKind = "parse"
	KindValidation  ErrorKind = "validation"
	KindHandler     ErrorKind = "handler"
	KindAdapter     ErrorKind = "adapter"
	KindHeartbeat   ErrorKind = "heartbeat"
	KindUnknownType ErrorKind = "unknown_type"
	KindRateLimit   ErrorKind = "rate_limit"
)

// RouterError is the record delivered to onError sinks for every non-fatal
// failure. None of these abort the connection.
type RouterError struct {
	Kind        ErrorKind
	Code        Code
	Err         error
	Issues      []schema.Issue
	ClientID    string
	MessageType string
}

func (e *RouterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wskit: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("wskit: %s (%s)", e.Kind, e.Code)
}

func (e *RouterError) Unwrap() error { return e.Err }

// AuthError carries an authentication verdict. Reason becomes the close
// reason token on the wire (code 1008).
type AuthError struct {
	Code   Code
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("wskit: auth rejected: %s", e.Reason)
}

// Unauthenticated builds the stock auth rejection.
func Unauthenticated() *AuthError {
	return &AuthError{Code: CodeUnauthenticated, Reason: string(CodeUnauthenticated)}
}

// PermissionDenied builds the stock authorization rejection.
func PermissionDenied() *AuthError {
	return &AuthError{Code: CodePermissionDenied, Reason: string(CodePermissionDenied)}
}

// AuthReject builds an auth rejection with a custom reason token.
func AuthReject(reason string) *AuthError {
	return &AuthError{Code: CodePermissionDenied, Reason: reason}
}

// Close codes per RFC 6455 as used by the router.
const (
	CloseNormal   = 1000 // normal closure, either side
	CloseAbnormal = 1006 // abnormal / wire, transport origin
	ClosePolicy   = 1008 // policy violation: auth reject
	CloseTooBig   = 1009 // frame over maxPayloadBytes
	CloseInternal = 1011 // internal error / heartbeat timeout
)

// Canonical close reason tokens.
const (
	ReasonHeartbeatTimeout = "HEARTBEAT_TIMEOUT"
	ReasonPayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	ReasonShutdown         = "SHUTDOWN"
	ReasonUnknownType      = "UNKNOWN_TYPE"
)

// Sentinel results for context send operations.
var (
	// ErrNotSent is the canonical "not sent" result: the frame was
	// suppressed before enqueue (aborted signal, closed socket).
	ErrNotSent = errors.New("wskit: frame not sent")
	// ErrNotRPC is raised when reply/progress/error are used outside an
	// rpc handler.
	ErrNotRPC = errors.New("wskit: not an rpc context")
	// ErrRegistryFrozen is returned for registrations after the first
	// accepted connection.
	ErrRegistryFrozen = errors.New("wskit: registry is read-only after first accept")
)

// ErrorPayload is the payload of RPC error terminals and router-emitted
// ERROR frames.
type ErrorPayload struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
	// RetryAfterMS is null unless the failure is time-bounded (rate limit).
	RetryAfterMS *int64         `json:"retryAfterMs"`
	Issues       []schema.Issue `json:"issues,omitempty"`
}
