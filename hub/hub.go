// Package hub is the authoritative Mimo store: a hierarchical JSON tree with
// push subscriptions, compare-and-set transactions, server timestamps and the
// server-side functions the client relies on (request fan-out and
// conversation blocking).
//
// Clients reach it in-process through Session, or over WebSocket through the
// handler returned by Hub.Handler.
//
// Usage:
//
//	h, _ := hub.New(hub.WithLogger(logger))
//	customer := h.Session("customer-uid")
//	_ = customer.Set(ctx, "users/public/customer-uid", profile)
package hub

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/PedroFarias/mimo/sdk/golang/remote"
)

// ============================================================================
// Hub
// ============================================================================

// Function is a server-side function invoked through Store.Call.
type Function func(ctx context.Context, h *Hub, caller string, args any) error

type subscription struct {
	id      uint64
	path    string
	segs    []string
	kind    remote.EventKind
	handler remote.Handler
	active  atomic.Bool
}

type delivery struct {
	sub *subscription
	ev  remote.Event
}

// Hub holds the tree and its subscriptions. It is safe for concurrent use.
//
// Events are queued under the tree lock in commit order and delivered one
// at a time after it is released, so every subscription sees changes in the
// order they were applied. The goroutine that finds the queue idle delivers
// until it is empty; a write made while another goroutine is delivering, or
// from inside a handler, returns once its events are queued.
type Hub struct {
	mu         sync.Mutex
	data       any
	subs       map[uint64]*subscription
	nextSub    uint64
	queue      []delivery
	delivering bool
	now       func() time.Time
	log       *slog.Logger
	metrics   *Metrics
	persister Persister
	functions map[string]Function
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.log = logger }
}

// WithClock overrides the clock used to resolve server timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithPersister makes every write durable and seeds the tree from it.
func WithPersister(p Persister) Option {
	return func(h *Hub) { h.persister = p }
}

// WithFunction registers or replaces a server-side function.
func WithFunction(name string, fn Function) Option {
	return func(h *Hub) { h.functions[name] = fn }
}

// New creates a hub with the built-in functions registered.
func New(opts ...Option) (*Hub, error) {
	h := &Hub{
		subs:      make(map[uint64]*subscription),
		now:       time.Now,
		functions: builtinFunctions(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.persister != nil {
		data, err := h.persister.Load()
		if err != nil {
			return nil, errors.Wrap(err, "load persisted tree")
		}
		h.data = data
	}
	return h, nil
}

// Close releases the persister, if any.
func (h *Hub) Close() error {
	if h.persister == nil {
		return nil
	}
	return h.persister.Close()
}

// Session returns a Store bound to uid.
func (h *Hub) Session(uid string) *Session {
	return &Session{
		hub:  h,
		uid:  uid,
		subs: make(map[*subscription]struct{}),
	}
}

// ============================================================================
// Tree operations
// ============================================================================

// Read returns a copy of the node at path, or nil.
func (h *Hub) Read(path string) any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return remote.Clone(remote.Lookup(h.data, remote.Split(path)))
}

// Write replaces the node at path and notifies subscribers.
func (h *Hub) Write(ctx context.Context, path string, value any) error {
	if err := remote.ValidatePath(path); err != nil {
		return err
	}
	v, err := remote.Normalize(value)
	if err != nil {
		return err
	}

	h.mu.Lock()
	v = remote.ResolveServerValues(v, h.now().UnixMilli())
	err = h.applyLocked(path, v)
	h.mu.Unlock()
	if err != nil {
		return err
	}

	h.metrics.write()
	h.log.DebugContext(ctx, "write", "path", path, "removed", v == nil)
	h.deliver()
	return nil
}

// CompareAndSet replaces the node at path with next only if it currently
// equals expected. It returns the stored value either way.
func (h *Hub) CompareAndSet(ctx context.Context, path string, expected, next any) (bool, any, error) {
	if err := remote.ValidatePath(path); err != nil {
		return false, nil, err
	}
	exp, err := remote.Normalize(expected)
	if err != nil {
		return false, nil, err
	}
	nxt, err := remote.Normalize(next)
	if err != nil {
		return false, nil, err
	}
	segs := remote.Split(path)

	h.mu.Lock()
	current := remote.Lookup(h.data, segs)
	if !remote.Equal(current, exp) {
		stored := remote.Clone(current)
		h.mu.Unlock()
		h.metrics.transaction("conflict")
		return false, stored, nil
	}
	nxt = remote.ResolveServerValues(nxt, h.now().UnixMilli())
	err = h.applyLocked(path, nxt)
	stored := remote.Clone(remote.Lookup(h.data, segs))
	h.mu.Unlock()
	if err != nil {
		return false, nil, err
	}

	h.metrics.transaction("committed")
	h.log.DebugContext(ctx, "compare-and-set committed", "path", path)
	h.deliver()
	return true, stored, nil
}

// applyLocked stores v at path and queues the resulting events.
func (h *Hub) applyLocked(path string, v any) error {
	if h.persister != nil {
		if err := h.persister.Apply(path, v); err != nil {
			return errors.Wrapf(err, "persist %s", path)
		}
	}

	segs := remote.Split(path)
	affected := h.affectedLocked(segs)
	before := make([]any, len(affected))
	for i, s := range affected {
		before[i] = remote.Clone(remote.Lookup(h.data, s.segs))
	}

	h.data = setIn(h.data, segs, remote.Clone(v))

	for i, s := range affected {
		for _, ev := range diff(s, before[i], remote.Lookup(h.data, s.segs)) {
			h.queue = append(h.queue, delivery{sub: s, ev: ev})
		}
	}
	return nil
}

func (h *Hub) affectedLocked(segs []string) []*subscription {
	var out []*subscription
	for _, s := range h.subs {
		if remote.IsAncestor(s.segs, segs) || remote.IsAncestor(segs, s.segs) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ============================================================================
// Subscriptions
// ============================================================================

func (h *Hub) subscribe(path string, kind remote.EventKind, handler remote.Handler) (*subscription, error) {
	if err := remote.ValidatePath(path); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, errors.Newf("unknown event kind %q", kind)
	}
	sub := &subscription{
		path:    remote.Join(path),
		segs:    remote.Split(path),
		kind:    kind,
		handler: handler,
	}
	sub.active.Store(true)

	h.mu.Lock()
	h.nextSub++
	sub.id = h.nextSub
	h.subs[sub.id] = sub
	for _, ev := range initial(sub, remote.Lookup(h.data, sub.segs)) {
		h.queue = append(h.queue, delivery{sub: sub, ev: ev})
	}
	h.mu.Unlock()

	h.metrics.subscribed(1)
	h.deliver()
	return sub, nil
}

func (h *Hub) unsubscribe(sub *subscription) {
	if !sub.active.CompareAndSwap(true, false) {
		return
	}
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
	h.metrics.subscribed(-1)
}

// deliver drains the event queue unless another goroutine already is.
func (h *Hub) deliver() {
	h.mu.Lock()
	if h.delivering {
		h.mu.Unlock()
		return
	}
	h.delivering = true
	for len(h.queue) > 0 {
		batch := h.queue
		h.queue = nil
		h.mu.Unlock()
		for _, d := range batch {
			if d.sub.active.Load() {
				h.invoke(d.sub, d.ev)
			}
		}
		h.mu.Lock()
	}
	h.delivering = false
	h.mu.Unlock()
}

func (h *Hub) invoke(sub *subscription, ev remote.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("subscription handler panicked", "path", sub.path, "kind", sub.kind, "panic", r)
		}
	}()
	h.metrics.event(ev.Kind)
	sub.handler(ev)
}

// ============================================================================
// Functions
// ============================================================================

// Call runs a server-side function on behalf of caller.
func (h *Hub) Call(ctx context.Context, caller, name string, args any) error {
	fn, ok := h.functions[name]
	if !ok {
		return errors.Wrapf(remote.ErrUnknownFunction, "%q", name)
	}
	normalized, err := remote.Normalize(args)
	if err != nil {
		return err
	}
	if err := fn(ctx, h, caller, normalized); err != nil {
		h.metrics.call(name, "error")
		h.log.WarnContext(ctx, "function failed", "function", name, "caller", caller, "error", err)
		return errors.Wrapf(err, "function %s", name)
	}
	h.metrics.call(name, "ok")
	h.log.DebugContext(ctx, "function completed", "function", name, "caller", caller)
	return nil
}
