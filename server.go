package mimo

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/PedroFarias/mimo/sdk/golang/remote"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// MessageEvent is a message notification for one conversation.
type MessageEvent struct {
	Conversation string
	Message      Message
}

type eventDispatcher struct {
	mu                    sync.RWMutex
	onUser                []func(User)
	onStoreAdded          []func(Store)
	onStoreChanged        []func(Store)
	onConversation        []func(Conversation)
	onConversationRemoved []func(string)
	onMessageAdded        []func(MessageEvent)
	onMessageChanged      []func(MessageEvent)
	onMimo                []func(Mimo)
	onMimoAccepted        []func(Mimo)
	onMimoRemoved         []func(string)
}

func register[T any](d *eventDispatcher, handlers *[]func(T), h func(T)) {
	d.mu.Lock()
	*handlers = append(*handlers, h)
	d.mu.Unlock()
}

func fire[T any](d *eventDispatcher, handlers *[]func(T), v T) {
	d.mu.RLock()
	hs := append([]func(T){}, (*handlers)...)
	d.mu.RUnlock()
	for _, h := range hs {
		h(v)
	}
}

// ============================================================================
// Server
// ============================================================================

// Server turns raw store notifications into typed events and exposes the
// remote operations the managers perform. Handlers run synchronously on the
// store's delivery goroutine.
type Server struct {
	store      remote.Store
	ids        *UIDGenerator
	log        *slog.Logger
	dispatcher *eventDispatcher
	mu         sync.Mutex
	subs       map[string]remote.Subscription
	// epoch counts unlistenAll calls. Handlers registered in an earlier
	// epoch are muted.
	epoch uint64
}

func newServer(store remote.Store, ids *UIDGenerator, logger *slog.Logger) *Server {
	return &Server{
		store:      store,
		ids:        ids,
		log:        logger,
		dispatcher: &eventDispatcher{},
		subs:       make(map[string]remote.Subscription),
	}
}

// OnUser registers a handler for user profile values.
func (s *Server) OnUser(h func(User)) { register(s.dispatcher, &s.dispatcher.onUser, h) }

// OnStoreAdded registers a handler for stores appearing.
func (s *Server) OnStoreAdded(h func(Store)) { register(s.dispatcher, &s.dispatcher.onStoreAdded, h) }

// OnStoreChanged registers a handler for store updates.
func (s *Server) OnStoreChanged(h func(Store)) { register(s.dispatcher, &s.dispatcher.onStoreChanged, h) }

// OnConversation registers a handler for conversations the user joins.
func (s *Server) OnConversation(h func(Conversation)) {
	register(s.dispatcher, &s.dispatcher.onConversation, h)
}

// OnConversationRemoved registers a handler for blocked conversations.
func (s *Server) OnConversationRemoved(h func(string)) {
	register(s.dispatcher, &s.dispatcher.onConversationRemoved, h)
}

// OnMessageAdded registers a handler for new messages.
func (s *Server) OnMessageAdded(h func(MessageEvent)) {
	register(s.dispatcher, &s.dispatcher.onMessageAdded, h)
}

// OnMessageChanged registers a handler for message updates (read receipts).
func (s *Server) OnMessageChanged(h func(MessageEvent)) {
	register(s.dispatcher, &s.dispatcher.onMessageChanged, h)
}

// OnMimo registers a handler for requests referenced by the user.
func (s *Server) OnMimo(h func(Mimo)) { register(s.dispatcher, &s.dispatcher.onMimo, h) }

// OnMimoAccepted registers a handler for requests observed as accepted.
func (s *Server) OnMimoAccepted(h func(Mimo)) {
	register(s.dispatcher, &s.dispatcher.onMimoAccepted, h)
}

// OnMimoRemoved registers a handler for dropped pending references.
func (s *Server) OnMimoRemoved(h func(string)) {
	register(s.dispatcher, &s.dispatcher.onMimoRemoved, h)
}

// ============================================================================
// Subscriptions
// ============================================================================

func listenKey(path string, kind remote.EventKind) string {
	return string(kind) + " " + path
}

type epochKey struct{}

// bindEpoch tags ctx with the current epoch unless it already carries one.
func (s *Server) bindEpoch(ctx context.Context) context.Context {
	if _, ok := ctx.Value(epochKey{}).(uint64); ok {
		return ctx
	}
	s.mu.Lock()
	ep := s.epoch
	s.mu.Unlock()
	return context.WithValue(ctx, epochKey{}, ep)
}

// live reports whether ctx belongs to the current epoch.
func (s *Server) live(ctx context.Context) bool {
	ep, ok := ctx.Value(epochKey{}).(uint64)
	if !ok {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ep == s.epoch
}

// listen subscribes once per (path, kind); repeated calls are no-ops. Calls
// made on behalf of an earlier epoch are ignored, and h stops running once
// the epoch ends.
func (s *Server) listen(ctx context.Context, path string, kind remote.EventKind, h remote.Handler) error {
	ctx = s.bindEpoch(ctx)
	ep := ctx.Value(epochKey{}).(uint64)
	key := listenKey(path, kind)
	s.mu.Lock()
	if ep != s.epoch {
		s.mu.Unlock()
		s.log.DebugContext(ctx, "stale listen ignored", "path", path, "kind", kind)
		return nil
	}
	if _, ok := s.subs[key]; ok {
		s.mu.Unlock()
		return nil
	}
	s.subs[key] = nil
	s.mu.Unlock()

	guarded := func(ev remote.Event) {
		if s.live(ctx) {
			h(ev)
		}
	}
	sub, err := s.store.Subscribe(ctx, path, kind, guarded)
	if err != nil {
		s.mu.Lock()
		if ep == s.epoch {
			delete(s.subs, key)
		}
		s.mu.Unlock()
		return remoteError(err, "subscribe %s %s", kind, path)
	}

	s.mu.Lock()
	if _, ok := s.subs[key]; !ok || ep != s.epoch {
		s.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	s.subs[key] = sub
	s.mu.Unlock()
	return nil
}

func (s *Server) unlisten(path string, kind remote.EventKind) {
	key := listenKey(path, kind)
	s.mu.Lock()
	sub := s.subs[key]
	delete(s.subs, key)
	s.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// unlistenAll cancels every subscription.
func (s *Server) unlistenAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]remote.Subscription)
	s.epoch++
	s.mu.Unlock()
	for _, sub := range subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

// ListenStores reports every public store and its later changes.
func (s *Server) ListenStores(ctx context.Context) error {
	handler := func(handlers *[]func(Store)) remote.Handler {
		return func(ev remote.Event) {
			var st Store
			if err := ev.Decode(&st); err != nil {
				s.log.Warn("undecodable store", "path", ev.Path, "error", err)
				return
			}
			st.UID = ev.Key()
			if err := st.validate(); err != nil {
				s.log.Warn("invalid store dropped", "error", err)
				return
			}
			fire(s.dispatcher, handlers, st)
		}
	}
	if err := s.listen(ctx, pathStoresPublic, remote.ChildAdded, handler(&s.dispatcher.onStoreAdded)); err != nil {
		return err
	}
	return s.listen(ctx, pathStoresPublic, remote.ChildChanged, handler(&s.dispatcher.onStoreChanged))
}

// ListenUser reports the public profile of uid and its later values.
func (s *Server) ListenUser(ctx context.Context, uid string) error {
	return s.listen(ctx, userPath(uid), remote.Value, func(ev remote.Event) {
		if !ev.Exists() {
			return
		}
		var u User
		if err := ev.Decode(&u); err != nil {
			s.log.Warn("undecodable user", "uid", uid, "error", err)
			return
		}
		u.UID = uid
		if err := u.validate(); err != nil {
			s.log.Warn("invalid user dropped", "error", err)
			return
		}
		fire(s.dispatcher, &s.dispatcher.onUser, u)
	})
}

// ListenConversations follows uid's conversation references. Each new
// reference is resolved to its conversation header, after which the
// counterpart's profile and the message list are followed too.
func (s *Server) ListenConversations(ctx context.Context, uid string) error {
	bg := s.bindEpoch(context.WithoutCancel(ctx))
	refs := conversationRefsPath(uid)
	if err := s.listen(ctx, refs, remote.ChildAdded, func(ev remote.Event) {
		s.conversationAdded(bg, uid, ev.Key())
	}); err != nil {
		return err
	}
	return s.listen(ctx, refs, remote.ChildRemoved, func(ev remote.Event) {
		cUID := ev.Key()
		s.unlisten(messagesPath(cUID), remote.ChildAdded)
		s.unlisten(messagesPath(cUID), remote.ChildChanged)
		fire(s.dispatcher, &s.dispatcher.onConversationRemoved, cUID)
	})
}

func (s *Server) conversationAdded(ctx context.Context, uid, cUID string) {
	conv, err := s.GetConversation(ctx, cUID)
	if err != nil {
		s.log.WarnContext(ctx, "conversation reference unresolved", "conversation", cUID, "error", err)
		return
	}
	if !s.live(ctx) {
		return
	}
	fire(s.dispatcher, &s.dispatcher.onConversation, conv)

	if err := s.ListenUser(ctx, conv.Counterpart(uid)); err != nil {
		s.log.WarnContext(ctx, "counterpart profile not followed", "conversation", cUID, "error", err)
	}
	path := messagesPath(cUID)
	for kind, handlers := range map[remote.EventKind]*[]func(MessageEvent){
		remote.ChildAdded:   &s.dispatcher.onMessageAdded,
		remote.ChildChanged: &s.dispatcher.onMessageChanged,
	} {
		if err := s.listen(ctx, path, kind, s.messageHandler(cUID, handlers)); err != nil {
			s.log.WarnContext(ctx, "messages not followed", "conversation", cUID, "kind", kind, "error", err)
		}
	}
}

func (s *Server) messageHandler(cUID string, handlers *[]func(MessageEvent)) remote.Handler {
	return func(ev remote.Event) {
		var m Message
		if err := ev.Decode(&m); err != nil {
			s.log.Warn("undecodable message", "path", ev.Path, "error", err)
			return
		}
		m.UID = ev.Key()
		m.Status = MessageConfirmed
		if err := m.validate(); err != nil {
			s.log.Warn("invalid message dropped", "conversation", cUID, "error", err)
			return
		}
		fire(s.dispatcher, handlers, MessageEvent{Conversation: cUID, Message: m})
	}
}

// ListenMimos follows uid's pending-request references and the status of
// every referenced request.
func (s *Server) ListenMimos(ctx context.Context, uid string) error {
	bg := s.bindEpoch(context.WithoutCancel(ctx))
	refs := pendingRefsPath(uid)
	if err := s.listen(ctx, refs, remote.ChildAdded, func(ev remote.Event) {
		s.mimoAdded(bg, ev.Key())
	}); err != nil {
		return err
	}
	return s.listen(ctx, refs, remote.ChildRemoved, func(ev remote.Event) {
		mUID := ev.Key()
		s.unlisten(mimoStatusPath(mUID), remote.Value)
		fire(s.dispatcher, &s.dispatcher.onMimoRemoved, mUID)
	})
}

func (s *Server) mimoAdded(ctx context.Context, mUID string) {
	m, err := s.GetMimo(ctx, mUID)
	if err != nil {
		s.log.WarnContext(ctx, "pending reference unresolved", "mimo", mUID, "error", err)
		return
	}
	if !s.live(ctx) {
		return
	}
	fire(s.dispatcher, &s.dispatcher.onMimo, m)

	err = s.listen(ctx, mimoStatusPath(mUID), remote.Value, func(ev remote.Event) {
		var st MimoStatus
		if err := ev.Decode(&st); err != nil || st.Pending || st.Accepted == nil {
			return
		}
		accepted := m.clone()
		accepted.Status = st
		fire(s.dispatcher, &s.dispatcher.onMimoAccepted, accepted)
	})
	if err != nil {
		s.log.WarnContext(ctx, "request status not followed", "mimo", mUID, "error", err)
	}
}

// ============================================================================
// Reads
// ============================================================================

// GetConversation reads a conversation header without its messages.
func (s *Server) GetConversation(ctx context.Context, cUID string) (Conversation, error) {
	customer, err := s.store.Get(ctx, remote.Join(conversationPath(cUID), "customer"))
	if err != nil {
		return Conversation{}, remoteError(err, "read conversation %s", cUID)
	}
	employee, err := s.store.Get(ctx, remote.Join(conversationPath(cUID), "employee"))
	if err != nil {
		return Conversation{}, remoteError(err, "read conversation %s", cUID)
	}
	if !customer.Exists() && !employee.Exists() {
		return Conversation{}, errors.Mark(errors.Newf("conversation %s does not exist", cUID), ErrNotFound)
	}
	conv := Conversation{UID: cUID}
	conv.Customer, _ = customer.Value.(string)
	conv.Employee, _ = employee.Value.(string)
	if err := conv.validate(); err != nil {
		return Conversation{}, errors.Mark(err, ErrInvalidArgument)
	}
	return conv, nil
}

// GetMimo reads a request.
func (s *Server) GetMimo(ctx context.Context, mUID string) (Mimo, error) {
	snap, err := s.store.Get(ctx, mimoPath(mUID))
	if err != nil {
		return Mimo{}, remoteError(err, "read request %s", mUID)
	}
	if !snap.Exists() {
		return Mimo{}, errors.Mark(errors.Newf("request %s does not exist", mUID), ErrNotFound)
	}
	var m Mimo
	if err := snap.Decode(&m); err != nil {
		return Mimo{}, errors.Mark(err, ErrInvalidArgument)
	}
	m.UID = mUID
	if err := m.validate(); err != nil {
		return Mimo{}, errors.Mark(err, ErrInvalidArgument)
	}
	return m, nil
}

// FindConversationWith looks through uid's conversation references for one
// whose counterpart is other. The lowest identifier wins if several match.
func (s *Server) FindConversationWith(ctx context.Context, uid, other string) (string, bool, error) {
	snap, err := s.store.Get(ctx, conversationRefsPath(uid))
	if err != nil {
		return "", false, remoteError(err, "read conversation references of %s", uid)
	}
	for _, ref := range snap.Children() {
		if v, _ := ref.Value.(string); v == other {
			return ref.Key(), true, nil
		}
	}
	return "", false, nil
}

// ============================================================================
// Writes
// ============================================================================

// GetOrCreateUser stores profile at uid unless a profile already exists, and
// returns whichever profile is stored afterwards.
func (s *Server) GetOrCreateUser(ctx context.Context, uid string, profile User) (User, error) {
	res, err := s.store.Transaction(ctx, userPath(uid), func(current any) (any, bool) {
		if current != nil {
			return nil, false
		}
		return profile, true
	})
	if err != nil {
		return User{}, remoteError(err, "get or create user %s", uid)
	}
	var u User
	if err := res.Snapshot.Decode(&u); err != nil {
		return User{}, errors.Mark(err, ErrInvalidArgument)
	}
	u.UID = uid
	return u, nil
}

// SendMessage writes m under its identifier with a server timestamp.
func (s *Server) SendMessage(ctx context.Context, cUID string, m Message) error {
	return remoteError(s.store.Set(ctx, messagePath(cUID, m.UID), newMessageRecord(m)),
		"send message %s", m.UID)
}

// SendSystemMessage posts a message from the system sender.
func (s *Server) SendSystemMessage(ctx context.Context, cUID string, content Content) (string, error) {
	m := Message{
		UID:     s.ids.Next(),
		Sender:  SystemSender,
		Content: content,
		ReadBy:  map[string]bool{SystemSender: true},
	}
	return m.UID, s.SendMessage(ctx, cUID, m)
}

// MarkMessageRead adds uid to a message's read receipts.
func (s *Server) MarkMessageRead(ctx context.Context, cUID, mUID, uid string) error {
	return remoteError(s.store.Set(ctx, readByPath(cUID, mUID, uid), true),
		"mark message %s read", mUID)
}

// BlockConversation asks the server to drop both participants' references.
func (s *Server) BlockConversation(ctx context.Context, conv Conversation) error {
	return remoteError(s.store.Call(ctx, functionBlockConversation, map[string]string{
		"conversation": conv.UID,
		"customer":     conv.Customer,
		"employee":     conv.Employee,
	}), "block conversation %s", conv.UID)
}

// CreateConversation writes a new conversation header and returns its id.
func (s *Server) CreateConversation(ctx context.Context, customer, employee string) (string, error) {
	cUID := s.ids.Next()
	err := s.store.Set(ctx, conversationPath(cUID), Conversation{Customer: customer, Employee: employee})
	if err != nil {
		return "", remoteError(err, "create conversation")
	}
	return cUID, nil
}

// AddConversationRef records cUID, with counterpart other, in uid's list.
func (s *Server) AddConversationRef(ctx context.Context, uid, cUID, other string) error {
	return remoteError(s.store.Set(ctx, conversationRefPath(uid, cUID), other),
		"add conversation reference %s", cUID)
}

// SendMimo writes the request, references it in the customer's pending list
// and fans it out to the employees of its stores.
func (s *Server) SendMimo(ctx context.Context, m Mimo) error {
	rec := mimoRecord{
		Customer:  m.Customer,
		Stores:    m.Stores,
		Message:   m.Message,
		Timestamp: remote.ServerTimestamp(),
		Status:    m.Status,
	}
	if err := s.store.Set(ctx, mimoPath(m.UID), rec); err != nil {
		return remoteError(err, "write request %s", m.UID)
	}
	if err := s.AddPendingRef(ctx, m.Customer, m.UID); err != nil {
		return err
	}
	return remoteError(s.store.Call(ctx, functionSendMimo, map[string]any{
		"mimo":   m.UID,
		"stores": m.Stores,
	}), "fan out request %s", m.UID)
}

// AddPendingRef records mUID in uid's pending list.
func (s *Server) AddPendingRef(ctx context.Context, uid, mUID string) error {
	return remoteError(s.store.Set(ctx, pendingRefPath(uid, mUID), true),
		"add pending reference %s", mUID)
}

// RemovePendingRef drops mUID from uid's pending list.
func (s *Server) RemovePendingRef(ctx context.Context, uid, mUID string) error {
	return remoteError(s.store.Remove(ctx, pendingRefPath(uid, mUID)),
		"remove pending reference %s", mUID)
}

// AcceptMimo moves a request from Pending to Accepted in one conditional
// transform. It reports false when the request was no longer pending.
func (s *Server) AcceptMimo(ctx context.Context, mUID, cUID, employee string) (bool, error) {
	res, err := s.store.Transaction(ctx, mimoPath(mUID), func(current any) (any, bool) {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		status, _ := m["status"].(map[string]any)
		if pending, _ := status["pending"].(bool); !pending {
			return nil, false
		}
		m["status"] = AcceptedStatus(cUID, employee)
		return m, true
	})
	if err != nil {
		return false, remoteError(err, "accept request %s", mUID)
	}
	return res.Committed, nil
}
