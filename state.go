// Package mimo is the client state engine of the Mimo exchange app: it keeps
// a consistent local view of users, stores, conversations and exchange
// requests pushed by a remote store, and applies the local user's optimistic
// mutations on top of it.
//
// Usage:
//
//	state := mimo.New(store, mimo.WithLogger(logger))
//	state.Register(mimo.NewObserver(render))
//	me, _ := state.Login(ctx, mimo.User{FirstName: "Ana", Role: mimo.RoleCustomer})
//
//	req, _ := state.Requests.Submit(ctx, mimo.MimoDraft{Stores: []string{"s1"}, Message: "red dress"})
//	state.Conversations.SendMessage(ctx, conversationID, mimo.Content{Text: "hi"})
package mimo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/PedroFarias/mimo/sdk/golang/remote"
)

// ============================================================================
// Session identity
// ============================================================================

type identity struct {
	mu   sync.RWMutex
	user *User
}

func (i *identity) get() (User, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.user == nil {
		return User{}, false
	}
	return *i.user, true
}

func (i *identity) set(u *User) {
	i.mu.Lock()
	i.user = u
	i.mu.Unlock()
}

// require returns the session user, checking the role when want is set.
func (i *identity) require(want Role, action string) (User, error) {
	u, ok := i.get()
	if !ok {
		return User{}, errors.Wrapf(ErrNotLoggedIn, "%s", action)
	}
	if want != "" && u.Role != want {
		return User{}, roleError(want, u.Role, action)
	}
	return u, nil
}

// ============================================================================
// State Manager
// ============================================================================

// StateManager owns every component of the client state and the observers
// that re-render it.
type StateManager struct {
	Users         *UserDirectory
	Stores        *StoreDirectory
	Conversations *ConversationManager
	Requests      *RequestManager

	store     remote.Store
	server    *Server
	ids       *UIDGenerator
	now       func() time.Time
	log       *slog.Logger
	me        *identity
	observers *observers
	loginMu   sync.Mutex
}

// Option configures a StateManager.
type Option func(*StateManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *StateManager) { s.log = logger }
}

// WithClock overrides the clock used for provisional timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *StateManager) { s.now = now }
}

// WithIDGenerator shares an identifier generator.
func WithIDGenerator(g *UIDGenerator) Option {
	return func(s *StateManager) { s.ids = g }
}

// New creates the state engine on top of store. Nothing is subscribed until
// Login.
func New(store remote.Store, opts ...Option) *StateManager {
	s := &StateManager{
		store: store,
		now:   time.Now,
		me:    &identity{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.ids == nil {
		s.ids = NewUIDGenerator()
	}
	s.observers = &observers{log: s.log}
	s.server = newServer(store, s.ids, s.log)

	notify := s.observers.notifyAll
	s.Users = newUserDirectory(s.server, s.me, s.log, notify)
	s.Stores = newStoreDirectory(s.server, s.me, s.log, notify)
	s.Conversations = newConversationManager(s.server, s.ids, s.me, s.now, s.log, notify)
	s.Requests = newRequestManager(s.server, s.ids, s.me, s.now, s.log, notify)
	return s
}

// Register adds an observer. Registering twice is a no-op.
func (s *StateManager) Register(obs Observer) {
	s.observers.register(obs)
}

// Deregister removes an observer; unknown observers yield ErrNotFound.
func (s *StateManager) Deregister(obs Observer) error {
	return s.observers.deregister(obs)
}

// NotifyAll refreshes every observer.
func (s *StateManager) NotifyAll() {
	s.observers.notifyAll()
}

// Server exposes the typed remote adapter.
func (s *StateManager) Server() *Server {
	return s.server
}

// CurrentUser returns the logged in user.
func (s *StateManager) CurrentUser() (User, bool) {
	return s.me.get()
}

// Login binds the session to the store's authenticated user. The profile is
// created from the given fields on first login; an existing profile must
// have the same role. Every component then starts following the store.
func (s *StateManager) Login(ctx context.Context, profile User) (User, error) {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	if _, ok := s.me.get(); ok {
		return User{}, errors.Mark(errors.New("already logged in"), ErrInvalidArgument)
	}
	profile.UID = s.store.UID()
	if err := profile.validate(); err != nil {
		return User{}, errors.Mark(err, ErrInvalidArgument)
	}

	u, err := s.server.GetOrCreateUser(ctx, profile.UID, profile)
	if err != nil {
		return User{}, err
	}
	if u.Role != profile.Role {
		return User{}, roleError(profile.Role, u.Role, "login")
	}
	s.me.set(&u)
	s.Users.put(u)

	start := []func(context.Context) error{
		s.Stores.start,
		func(ctx context.Context) error { return s.server.ListenConversations(ctx, u.UID) },
		func(ctx context.Context) error { return s.server.ListenMimos(ctx, u.UID) },
	}
	for _, fn := range start {
		if err := fn(ctx); err != nil {
			s.reset()
			return User{}, err
		}
	}
	s.log.InfoContext(ctx, "logged in", "uid", u.UID, "role", u.Role)
	s.observers.notifyAll()
	return u, nil
}

// Logout cancels every subscription and clears all caches.
func (s *StateManager) Logout(ctx context.Context) {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	u, ok := s.me.get()
	if !ok {
		return
	}
	s.reset()
	s.log.InfoContext(ctx, "logged out", "uid", u.UID)
	s.observers.notifyAll()
}

func (s *StateManager) reset() {
	s.server.unlistenAll()
	s.me.set(nil)
	s.Users.clear()
	s.Stores.clear()
	s.Conversations.clear()
	s.Requests.clear()
}
