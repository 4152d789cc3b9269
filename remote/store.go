// Package remote defines the hierarchical push/subscribe store the Mimo
// state engine runs against.
//
// A Store exposes one-shot reads and writes on slash-separated key paths,
// subscriptions with added/changed/removed/value semantics, an atomic
// read-modify-write primitive, and named server-side functions.
//
// Two implementations ship with the SDK: hub.Session (in-process, used by
// tests and the simulator) and WSStore (a WebSocket client for a hub served
// with hub.Handler).
package remote

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrUnavailable means the store could not be reached.
	ErrUnavailable = errors.New("remote store unavailable")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("remote store closed")
	// ErrContention means a transaction kept losing compare-and-set races.
	ErrContention = errors.New("transaction retries exhausted")
	// ErrPermission is returned when the caller may not perform an operation.
	ErrPermission = errors.New("permission denied")
	// ErrUnknownFunction is returned by Call for unregistered functions.
	ErrUnknownFunction = errors.New("unknown function")
	// ErrInvalidPath is returned for malformed key paths.
	ErrInvalidPath = errors.New("invalid path")
)

// ============================================================================
// Events
// ============================================================================

// EventKind selects which changes a subscription reports.
type EventKind string

const (
	ChildAdded   EventKind = "child_added"
	ChildChanged EventKind = "child_changed"
	ChildRemoved EventKind = "child_removed"
	Value        EventKind = "value"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case ChildAdded, ChildChanged, ChildRemoved, Value:
		return true
	}
	return false
}

// Event is a single change notification. For child events the snapshot is
// the child; for value events it is the subscribed node itself.
type Event struct {
	Kind EventKind
	Snapshot
}

// Handler receives events for a subscription.
type Handler func(Event)

// Subscription is a live listener registration.
type Subscription interface {
	Unsubscribe()
}

// ============================================================================
// Transactions
// ============================================================================

// TransformFunc computes the next value of a node from its current value.
// Returning ok=false aborts the transaction without writing.
type TransformFunc func(current any) (next any, ok bool)

// TxResult reports the outcome of a transaction. Snapshot holds the value
// that was committed, or the value that caused the abort.
type TxResult struct {
	Committed bool
	Snapshot  Snapshot
}

// ============================================================================
// Store
// ============================================================================

// Store is the contract every remote backend satisfies.
type Store interface {
	// UID returns the identity the store is authenticated as.
	UID() string

	Subscribe(ctx context.Context, path string, kind EventKind, h Handler) (Subscription, error)
	Get(ctx context.Context, path string) (Snapshot, error)

	// Set replaces the node at path. A nil value removes it.
	Set(ctx context.Context, path string, value any) error
	Remove(ctx context.Context, path string) error

	// Transaction atomically applies fn to the node at path, retrying on
	// contention.
	Transaction(ctx context.Context, path string, fn TransformFunc) (TxResult, error)

	// Call invokes a named server-side function.
	Call(ctx context.Context, function string, args any) error

	Close() error
}

// ServerTimestamp returns the sentinel the store replaces with its own
// clock, in milliseconds since the epoch, when the value is written.
func ServerTimestamp() any {
	return map[string]any{serverValueKey: serverValueTimestamp}
}
