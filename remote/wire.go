package remote

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// ============================================================================
// Envelopes
// ============================================================================

// Envelope is the wire format for every server-to-client frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server frame.
type Command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// InboundCommand is a Command as decoded by the server.
type InboundCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

// MaxFrameSize is the largest frame either side accepts.
const MaxFrameSize = 4 << 20

// Frame types.
const (
	FrameAuthenticated = "authenticated"
	FrameResult        = "result"
	FrameEvent         = "event"
	FramePong          = "pong"
	FrameError         = "error"

	CommandGet         = "get"
	CommandSet         = "set"
	CommandCAS         = "cas"
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandCall        = "call"
	CommandPing        = "ping"
)

// ============================================================================
// Payloads
// ============================================================================

// AuthenticatedPayload is sent once a connection's token is accepted.
type AuthenticatedPayload struct {
	UID string `json:"uid"`
}

// PathPayload addresses a single node.
type PathPayload struct {
	Path string `json:"path"`
}

// SetPayload replaces a node.
type SetPayload struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// CASPayload is one compare-and-set round of a transaction.
type CASPayload struct {
	Path     string `json:"path"`
	Expected any    `json:"expected"`
	Value    any    `json:"value"`
}

// SubscribePayload opens a subscription under a client-chosen id.
type SubscribePayload struct {
	SubscriptionID string    `json:"subscriptionId"`
	Path           string    `json:"path"`
	Kind           EventKind `json:"kind"`
}

// UnsubscribePayload closes a subscription.
type UnsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

// CallPayload invokes a server-side function.
type CallPayload struct {
	Function string `json:"function"`
	Args     any    `json:"args,omitempty"`
}

// PingPayload carries the request id echoed back in PongPayload.
type PingPayload struct {
	RequestID string `json:"requestId"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ResultPayload answers a command carrying a request id.
type ResultPayload struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Value     any    `json:"value,omitempty"`
	Committed bool   `json:"committed,omitempty"`
}

// EventPayload delivers a subscription event.
type EventPayload struct {
	SubscriptionID string    `json:"subscriptionId"`
	Kind           EventKind `json:"kind"`
	Path           string    `json:"path"`
	Value          any       `json:"value,omitempty"`
}

// ErrorPayload is sent for frames the server could not process.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Error codes
// ============================================================================

const (
	CodeUnavailable     = "unavailable"
	CodePermission      = "permission"
	CodeUnknownFunction = "unknown_function"
	CodeInvalidPath     = "invalid_path"
	CodeContention      = "contention"
	CodeInternal        = "internal"
)

var codeErrors = map[string]error{
	CodeUnavailable:     ErrUnavailable,
	CodePermission:      ErrPermission,
	CodeUnknownFunction: ErrUnknownFunction,
	CodeInvalidPath:     ErrInvalidPath,
	CodeContention:      ErrContention,
}

// ErrorCode maps an error to the code sent on the wire.
func ErrorCode(err error) string {
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// ErrorFromResult rebuilds an error from a failed result frame so that
// errors.Is matches the sentinel the server reported.
func ErrorFromResult(r ResultPayload) error {
	if r.OK {
		return nil
	}
	if sentinel, ok := codeErrors[r.Code]; ok {
		return errors.Mark(errors.Newf("remote: %s", r.Error), sentinel)
	}
	return errors.Newf("remote: %s", r.Error)
}
