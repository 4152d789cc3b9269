package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// WSConfig configures a WSStore.
type WSConfig struct {
	Token         string
	AutoReconnect bool
	// MaxReconnectAttempts bounds consecutive failed reconnects; negative
	// retries forever. Zero means 10.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	RequestTimeout       time.Duration
	Logger               *slog.Logger
}

func (c *WSConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Reconnect backoff
// ============================================================================

// backoff paces reconnect attempts. The count only restarts once a
// reconnect has resent every subscription, so a connection that drops
// again while replaying them keeps backing off.
type backoff struct {
	mu      sync.Mutex
	config  *WSConfig
	attempt int
}

func (b *backoff) exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config.MaxReconnectAttempts >= 0 && b.attempt >= b.config.MaxReconnectAttempts
}

// next counts an attempt and returns its number and the delay before it:
// ReconnectBaseDelay doubled per previous attempt plus up to half of it in
// jitter, capped at ReconnectMaxDelay.
func (b *backoff) next() (int, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delay := b.config.ReconnectBaseDelay
	for i := 0; i < b.attempt && delay < b.config.ReconnectMaxDelay; i++ {
		delay *= 2
	}
	delay += time.Duration(rand.Int63n(int64(b.config.ReconnectBaseDelay)/2 + 1))
	b.attempt++
	return b.attempt, min(delay, b.config.ReconnectMaxDelay)
}

func (b *backoff) reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// ============================================================================
// Event queue
// ============================================================================

// eventQueue delivers subscription events in arrival order on its own
// goroutine, so handlers may issue requests whose results arrive on the
// read loop.
type eventQueue struct {
	mu     sync.Mutex
	items  []func()
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{signal: make(chan struct{}, 1), done: make(chan struct{})}
	go q.run()
	return q
}

func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.signal:
		}
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			fn()
		}
	}
}

func (q *eventQueue) stop() {
	q.once.Do(func() { close(q.done) })
}

// ============================================================================
// WSStore
// ============================================================================

type wsSubscription struct {
	id      string
	store   *WSStore
	payload SubscribePayload
	handler Handler
	mu      sync.Mutex
	active  bool
}

func (s *wsSubscription) Unsubscribe() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()
	s.store.dropSubscription(s.id)
}

func (s *wsSubscription) deliver(ev Event) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active {
		s.handler(ev)
	}
}

// WSStore is a Store backed by a hub over WebSocket, with heartbeat and
// auto-reconnect. Subscriptions are re-established after a reconnect, so
// handlers must tolerate redelivered child_added events.
type WSStore struct {
	url              string
	config           *WSConfig
	log              *slog.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            ConnState
	uid              string
	intentionalClose bool
	retry            *backoff
	cancelFn         context.CancelFunc
	events           *eventQueue
	pending          map[string]chan ResultPayload
	pendingMu        sync.Mutex
	subs             map[string]*wsSubscription
	subsMu           sync.Mutex
	onState          []func(ConnState)
}

// DialWS connects to a hub WebSocket endpoint such as ws://host:8750/ws.
func DialWS(ctx context.Context, endpoint string, config *WSConfig) (*WSStore, error) {
	if config == nil {
		config = &WSConfig{}
	}
	config.defaults()
	ws := &WSStore{
		url:     endpoint,
		config:  config,
		log:     config.Logger,
		state:   StateDisconnected,
		retry:   &backoff{config: config},
		events:  newEventQueue(),
		pending: make(map[string]chan ResultPayload),
		subs:    make(map[string]*wsSubscription),
	}
	if err := ws.connect(ctx); err != nil {
		ws.events.stop()
		return nil, err
	}
	return ws, nil
}

// OnStateChange registers a handler for connection state transitions.
func (ws *WSStore) OnStateChange(h func(ConnState)) {
	ws.mu.Lock()
	ws.onState = append(ws.onState, h)
	ws.mu.Unlock()
}

// State returns the current connection state.
func (ws *WSStore) State() ConnState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WSStore) setState(s ConnState) {
	ws.mu.Lock()
	ws.state = s
	handlers := append([]func(ConnState){}, ws.onState...)
	ws.mu.Unlock()
	for _, h := range handlers {
		go h(s)
	}
}

// UID returns the identity the hub authenticated this connection as.
func (ws *WSStore) UID() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.uid
}

func (ws *WSStore) dialURL() string {
	u := strings.Replace(ws.url, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "token=" + url.QueryEscape(ws.config.Token)
}

func (ws *WSStore) connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.intentionalClose = false
	ws.mu.Unlock()
	ws.setState(StateConnecting)

	conn, _, err := websocket.Dial(ctx, ws.dialURL(), nil)
	if err != nil {
		ws.setState(StateDisconnected)
		return errors.Mark(errors.Wrap(err, "websocket dial"), ErrUnavailable)
	}
	conn.SetReadLimit(MaxFrameSize)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return errors.Mark(errors.Wrap(err, "read auth frame"), ErrUnavailable)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != FrameAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return errors.Mark(errors.Newf("expected %q frame, got %q", FrameAuthenticated, env.Type), ErrPermission)
	}
	var auth AuthenticatedPayload
	if err := json.Unmarshal(env.Payload, &auth); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return errors.Wrap(err, "decode auth frame")
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.uid = auth.UID
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.setState(StateConnected)
	ws.log.DebugContext(ctx, "websocket connected", "uid", auth.UID, "url", ws.url)

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	if ws.resubscribe(connCtx) {
		ws.retry.reset()
	}
	return nil
}

// Close shuts the connection down and drops all subscriptions.
func (ws *WSStore) Close() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()
	ws.setState(StateDisconnected)

	ws.subsMu.Lock()
	for id, s := range ws.subs {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		delete(ws.subs, id)
	}
	ws.subsMu.Unlock()

	ws.clearPending()
	ws.events.stop()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ============================================================================
// Store operations
// ============================================================================

func (ws *WSStore) Get(ctx context.Context, path string) (Snapshot, error) {
	res, err := ws.request(ctx, CommandGet, PathPayload{Path: path})
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "get %s", path)
	}
	return Snapshot{Path: path, Value: res.Value}, nil
}

func (ws *WSStore) Set(ctx context.Context, path string, value any) error {
	if _, err := ws.request(ctx, CommandSet, SetPayload{Path: path, Value: value}); err != nil {
		return errors.Wrapf(err, "set %s", path)
	}
	return nil
}

func (ws *WSStore) Remove(ctx context.Context, path string) error {
	return ws.Set(ctx, path, nil)
}

func (ws *WSStore) Transaction(ctx context.Context, path string, fn TransformFunc) (TxResult, error) {
	snap, err := ws.Get(ctx, path)
	if err != nil {
		return TxResult{}, err
	}
	return RunTransaction(ctx, path, snap.Value, fn, func(ctx context.Context, expected, next any) (bool, any, error) {
		res, err := ws.request(ctx, CommandCAS, CASPayload{Path: path, Expected: expected, Value: next})
		if err != nil {
			return false, nil, errors.Wrapf(err, "compare-and-set %s", path)
		}
		return res.Committed, res.Value, nil
	})
}

func (ws *WSStore) Call(ctx context.Context, function string, args any) error {
	if _, err := ws.request(ctx, CommandCall, CallPayload{Function: function, Args: args}); err != nil {
		return errors.Wrapf(err, "call %s", function)
	}
	return nil
}

func (ws *WSStore) Subscribe(ctx context.Context, path string, kind EventKind, h Handler) (Subscription, error) {
	if !kind.Valid() {
		return nil, errors.Newf("unknown event kind %q", kind)
	}
	sub := &wsSubscription{
		id:      uuid.NewString(),
		store:   ws,
		handler: h,
		active:  true,
	}
	sub.payload = SubscribePayload{SubscriptionID: sub.id, Path: path, Kind: kind}

	ws.subsMu.Lock()
	ws.subs[sub.id] = sub
	ws.subsMu.Unlock()

	if _, err := ws.request(ctx, CommandSubscribe, sub.payload); err != nil {
		ws.subsMu.Lock()
		delete(ws.subs, sub.id)
		ws.subsMu.Unlock()
		return nil, errors.Wrapf(err, "subscribe %s %s", kind, path)
	}
	return sub, nil
}

func (ws *WSStore) dropSubscription(id string) {
	ws.subsMu.Lock()
	delete(ws.subs, id)
	ws.subsMu.Unlock()
	if ws.State() != StateConnected {
		return
	}
	if err := ws.send(context.Background(), &Command{
		Type:    CommandUnsubscribe,
		Payload: UnsubscribePayload{SubscriptionID: id},
	}); err != nil {
		ws.log.Debug("unsubscribe not delivered", "subscription", id, "error", err)
	}
}

// resubscribe replays every open subscription on a fresh connection and
// reports whether all of them were sent.
func (ws *WSStore) resubscribe(ctx context.Context) bool {
	ws.subsMu.Lock()
	subs := make([]*wsSubscription, 0, len(ws.subs))
	for _, s := range ws.subs {
		subs = append(subs, s)
	}
	ws.subsMu.Unlock()
	ok := true
	for _, s := range subs {
		if err := ws.send(ctx, &Command{Type: CommandSubscribe, Payload: s.payload}); err != nil {
			ws.log.Warn("resubscribe failed", "path", s.payload.Path, "kind", s.payload.Kind, "error", err)
			ok = false
		}
	}
	return ok
}

// Ping sends a ping and waits for the pong.
func (ws *WSStore) Ping(ctx context.Context) error {
	requestID := uuid.NewString()
	_, err := ws.await(ctx, requestID, &Command{
		Type:    CommandPing,
		Payload: PingPayload{RequestID: requestID},
	})
	return err
}

// ============================================================================
// Request plumbing
// ============================================================================

func (ws *WSStore) send(ctx context.Context, cmd *Command) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return errors.Mark(errors.New("not connected"), ErrUnavailable)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "encode command")
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return errors.Mark(errors.Wrap(err, "write command"), ErrUnavailable)
	}
	return nil
}

func (ws *WSStore) request(ctx context.Context, typ string, payload any) (ResultPayload, error) {
	requestID := uuid.NewString()
	return ws.await(ctx, requestID, &Command{Type: typ, Payload: payload, RequestID: requestID})
}

func (ws *WSStore) await(ctx context.Context, requestID string, cmd *Command) (ResultPayload, error) {
	ch := make(chan ResultPayload, 1)
	ws.pendingMu.Lock()
	ws.pending[requestID] = ch
	ws.pendingMu.Unlock()

	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pending, requestID)
		ws.pendingMu.Unlock()
	}

	if err := ws.send(ctx, cmd); err != nil {
		forget()
		return ResultPayload{}, err
	}

	timer := time.NewTimer(ws.config.RequestTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return ResultPayload{}, errors.Mark(errors.New("connection lost"), ErrUnavailable)
		}
		if err := ErrorFromResult(res); err != nil {
			return res, err
		}
		return res, nil
	case <-timer.C:
		forget()
		return ResultPayload{}, errors.Mark(errors.Newf("%s timed out", cmd.Type), ErrUnavailable)
	case <-ctx.Done():
		forget()
		return ResultPayload{}, ctx.Err()
	}
}

func (ws *WSStore) resolve(res ResultPayload) {
	ws.pendingMu.Lock()
	ch, ok := ws.pending[res.RequestID]
	if ok {
		delete(ws.pending, res.RequestID)
	}
	ws.pendingMu.Unlock()
	if ok {
		ch <- res
	}
}

func (ws *WSStore) clearPending() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pending {
		close(ch)
		delete(ws.pending, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// Loops
// ============================================================================

func (ws *WSStore) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if ws.conn == conn {
				ws.conn = nil
			}
			if ws.cancelFn != nil {
				ws.cancelFn()
				ws.cancelFn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.setState(StateDisconnected)
			ws.clearPending()
			ws.log.Warn("websocket disconnected", "error", err)

			if ws.config.AutoReconnect && !ws.retry.exhausted() {
				ws.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case FrameResult:
			var res ResultPayload
			if json.Unmarshal(env.Payload, &res) == nil && res.RequestID != "" {
				ws.resolve(res)
			}
		case FramePong:
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.resolve(ResultPayload{RequestID: p.RequestID, OK: true})
			}
		case FrameEvent:
			var p EventPayload
			if json.Unmarshal(env.Payload, &p) != nil {
				continue
			}
			ws.subsMu.Lock()
			sub := ws.subs[p.SubscriptionID]
			ws.subsMu.Unlock()
			if sub == nil {
				continue
			}
			ev := Event{Kind: p.Kind, Snapshot: Snapshot{Path: p.Path, Value: p.Value}}
			ws.events.push(func() { sub.deliver(ev) })
		case FrameError:
			var p ErrorPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				ws.log.Warn("hub reported error", "message", p.Message)
			}
		}
	}
}

func (ws *WSStore) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *WSStore) scheduleReconnect() {
	for !ws.retry.exhausted() {
		attempt, delay := ws.retry.next()
		ws.setState(StateReconnecting)
		ws.log.Info("websocket reconnecting", "attempt", attempt, "delay", delay)

		time.Sleep(delay)

		ws.mu.Lock()
		intentional := ws.intentionalClose
		ws.mu.Unlock()
		if intentional {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), ws.config.RequestTimeout)
		err := ws.connect(ctx)
		cancel()
		if err == nil {
			return
		}
		ws.log.Warn("websocket reconnect failed", "error", err)
	}
	ws.setState(StateDisconnected)
}
