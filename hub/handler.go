package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/PedroFarias/mimo/sdk/golang/remote"
)

// ============================================================================
// Configuration
// ============================================================================

// HandlerConfig configures the WebSocket endpoint.
type HandlerConfig struct {
	// Secret verifies connection tokens issued with SignToken.
	Secret         string
	CommandRate    rate.Limit
	CommandBurst   int
	OutboundBuffer int
	OriginPatterns []string
}

func (c *HandlerConfig) defaults() {
	if c.CommandRate == 0 {
		c.CommandRate = 200
	}
	if c.CommandBurst == 0 {
		c.CommandBurst = 400
	}
	if c.OutboundBuffer == 0 {
		c.OutboundBuffer = 1024
	}
}

// Handler serves the hub over WebSocket. Clients authenticate with a
// ?token= query parameter and then speak the remote wire protocol.
//
// Example:
//
//	http.Handle("/ws", h.Handler(hub.HandlerConfig{Secret: secret}))
func (h *Hub) Handler(cfg HandlerConfig) http.Handler {
	cfg.defaults()
	return &wsHandler{hub: h, cfg: cfg}
}

type wsHandler struct {
	hub *Hub
	cfg HandlerConfig
}

func (wh *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid, ok := VerifyToken(r.URL.Query().Get("token"), wh.cfg.Secret)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Invalid token"}`))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: wh.cfg.OriginPatterns})
	if err != nil {
		wh.hub.log.WarnContext(r.Context(), "websocket accept failed", "uid", uid, "error", err)
		return
	}
	conn.SetReadLimit(remote.MaxFrameSize)

	c := &connection{
		hub:     wh.hub,
		session: wh.hub.Session(uid),
		conn:    conn,
		log:     wh.hub.log.With("uid", uid),
		limiter: rate.NewLimiter(wh.cfg.CommandRate, wh.cfg.CommandBurst),
		out:     make(chan []byte, wh.cfg.OutboundBuffer),
		subs:    make(map[string]remote.Subscription),
	}
	c.serve(r.Context())
}

// ============================================================================
// Connection
// ============================================================================

type connection struct {
	hub     *Hub
	session *Session
	conn    *websocket.Conn
	log     *slog.Logger
	limiter *rate.Limiter
	out     chan []byte
	mu      sync.Mutex
	subs    map[string]remote.Subscription
	cancel  context.CancelFunc
}

func (c *connection) serve(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	defer c.cancel()

	c.hub.metrics.connected(1)
	defer c.hub.metrics.connected(-1)
	defer c.session.Close()

	go c.writeLoop(ctx)

	c.emit(remote.FrameAuthenticated, remote.AuthenticatedPayload{UID: c.session.UID()})
	c.log.InfoContext(ctx, "client connected")

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.log.InfoContext(ctx, "client disconnected", "status", websocket.CloseStatus(err))
			return
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		var cmd remote.InboundCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.emit(remote.FrameError, remote.ErrorPayload{Message: "malformed command"})
			continue
		}
		c.handle(ctx, cmd)
	}
}

func (c *connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "")
			return
		case data := <-c.out:
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *connection) emit(typ string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("encode frame", "type", typ, "error", err)
		return
	}
	data, err := json.Marshal(remote.Envelope{Type: typ, Payload: raw})
	if err != nil {
		c.log.Error("encode frame", "type", typ, "error", err)
		return
	}
	select {
	case c.out <- data:
	default:
		c.log.Warn("outbound buffer full, dropping connection")
		c.cancel()
	}
}

func (c *connection) reply(requestID string, value any, committed bool, err error) {
	if requestID == "" {
		return
	}
	res := remote.ResultPayload{RequestID: requestID, OK: err == nil, Value: value, Committed: committed}
	if err != nil {
		res.Code = remote.ErrorCode(err)
		res.Error = err.Error()
	}
	c.emit(remote.FrameResult, res)
}

func (c *connection) handle(ctx context.Context, cmd remote.InboundCommand) {
	switch cmd.Type {
	case remote.CommandPing:
		var p remote.PingPayload
		if json.Unmarshal(cmd.Payload, &p) == nil {
			c.emit(remote.FramePong, remote.PongPayload{RequestID: p.RequestID})
		}

	case remote.CommandGet:
		var p remote.PathPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			c.reply(cmd.RequestID, nil, false, err)
			return
		}
		snap, err := c.session.Get(ctx, p.Path)
		c.reply(cmd.RequestID, snap.Value, false, err)

	case remote.CommandSet:
		var p remote.SetPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			c.reply(cmd.RequestID, nil, false, err)
			return
		}
		c.reply(cmd.RequestID, nil, false, c.session.Set(ctx, p.Path, p.Value))

	case remote.CommandCAS:
		var p remote.CASPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			c.reply(cmd.RequestID, nil, false, err)
			return
		}
		swapped, stored, err := c.session.CompareAndSet(ctx, p.Path, p.Expected, p.Value)
		c.reply(cmd.RequestID, stored, swapped, err)

	case remote.CommandSubscribe:
		var p remote.SubscribePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.SubscriptionID == "" {
			c.reply(cmd.RequestID, nil, false, errors.New("malformed subscribe"))
			return
		}
		c.dropSubscription(p.SubscriptionID)
		id := p.SubscriptionID
		sub, err := c.session.Subscribe(ctx, p.Path, p.Kind, func(ev remote.Event) {
			c.emit(remote.FrameEvent, remote.EventPayload{
				SubscriptionID: id,
				Kind:           ev.Kind,
				Path:           ev.Path,
				Value:          ev.Value,
			})
		})
		if err == nil {
			c.mu.Lock()
			c.subs[id] = sub
			c.mu.Unlock()
		}
		c.reply(cmd.RequestID, nil, false, err)

	case remote.CommandUnsubscribe:
		var p remote.UnsubscribePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			c.reply(cmd.RequestID, nil, false, err)
			return
		}
		c.dropSubscription(p.SubscriptionID)
		c.reply(cmd.RequestID, nil, false, nil)

	case remote.CommandCall:
		var p remote.CallPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			c.reply(cmd.RequestID, nil, false, err)
			return
		}
		c.reply(cmd.RequestID, nil, false, c.session.Call(ctx, p.Function, p.Args))

	default:
		c.emit(remote.FrameError, remote.ErrorPayload{Message: "unknown command " + cmd.Type})
	}
}

func (c *connection) dropSubscription(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}
