// Package schema defines message descriptors and the validator adapter
// contract consumed by the router.
//
// Descriptors are plain values: they name a wire type, declare whether it is
// a fire-and-forget event or an RPC request, and carry opaque schema handles
// that only the configured ValidatorAdapter knows how to interpret. The
// router never inspects schema handles itself.
package schema

// Kind classifies a message descriptor.
type Kind int

const (
	// KindEvent is a fire-and-forget message with no response.
	KindEvent Kind = iota
	// KindRPC is a request bound to exactly one response descriptor.
	KindRPC
)

func (k Kind) String() string {
	if k == KindRPC {
		return "rpc"
	}
	return "event"
}

// Descriptor declares a message type at design time.
//
// Payload and Meta are opaque handles passed verbatim to the
// ValidatorAdapter; a nil handle means "no validation". For KindRPC the
// Response descriptor names the terminal reply type and its payload shape.
type Descriptor struct {
	// Type is the stable wire identifier. Uppercase by convention.
	Type string
	// Kind is event or rpc.
	Kind Kind
	// Payload is the schema handle for the message payload.
	Payload any
	// Meta is an optional schema handle for caller-supplied meta keys.
	Meta any
	// Response is the reply descriptor. Required for KindRPC.
	Response *Descriptor
	// ValidateOutgoing overrides the router-wide egress validation default
	// for frames produced from this descriptor. Nil inherits the router
	// setting.
	ValidateOutgoing *bool
}

// Event builds an event descriptor.
func Event(typ string, payload any) *Descriptor {
	return &Descriptor{Type: typ, Kind: KindEvent, Payload: payload}
}

// RPC builds an rpc descriptor with its response.
func RPC(typ string, payload any, response *Descriptor) *Descriptor {
	return &Descriptor{Type: typ, Kind: KindRPC, Payload: payload, Response: response}
}

// Issue is a single validation failure.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the outcome of a validator call. Adapters never panic and never
// return out-of-band errors; every failure is expressed as Issues.
type Result struct {
	OK bool
	// Data is the validated (possibly coerced) value. Only set when OK.
	Data any
	// Issues is non-empty when !OK.
	Issues []Issue
}

// Valid builds a passing result.
func Valid(data any) Result { return Result{OK: true, Data: data} }

// Invalid builds a failing result.
func Invalid(issues ...Issue) Result { return Result{Issues: issues} }

// ValidatorAdapter wraps a schema library. The router calls Validate on
// inbound payloads and ValidateOutgoing on egress frames when configured.
type ValidatorAdapter interface {
	Validate(schema any, value any) Result
	ValidateOutgoing(schema any, value any) Result
}

// Passthrough is a ValidatorAdapter that accepts every value. It is the
// router default when no adapter is configured.
type Passthrough struct{}

func (Passthrough) Validate(_, value any) Result         { return Valid(value) }
func (Passthrough) ValidateOutgoing(_, value any) Result { return Valid(value) }
