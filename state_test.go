package mimo

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PedroFarias/mimo/sdk/golang/hub"
	"github.com/PedroFarias/mimo/sdk/golang/remote"
)

// ============================================================================
// Test Helpers
// ============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	t   *testing.T
	ctx context.Context
	hub *hub.Hub
}

// newFixture starts a hub with two stores: s1 staffed by e1, s2 by e2.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	h, err := hub.New(hub.WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	ctx := context.Background()
	require.NoError(t, h.ApplySeed(ctx, &hub.Seed{
		Stores: []hub.SeedStore{
			{UID: "s1", Name: "Bella Moda", Categories: []string{"Clothing"}, Description: "Dresses and skirts", Employees: []string{"e1"}},
			{UID: "s2", Name: "Casa Azul", Categories: []string{"clothing", "home"}, Description: "Linen", Employees: []string{"e2"}},
		},
	}))
	return &fixture{t: t, ctx: ctx, hub: h}
}

func (f *fixture) session(uid string) *hub.Session {
	s := f.hub.Session(uid)
	f.t.Cleanup(func() { s.Close() })
	return s
}

// login returns a logged in state engine for uid and its hub session.
func (f *fixture) login(uid string, role Role) (*StateManager, *hub.Session) {
	f.t.Helper()
	sess := f.session(uid)
	st := New(sess, WithLogger(discardLogger()))
	_, err := st.Login(f.ctx, User{FirstName: uid, Role: role})
	require.NoError(f.t, err)
	f.t.Cleanup(func() {
		st.Conversations.Wait()
		st.Logout(f.ctx)
	})
	return st, sess
}

// conversation writes a conversation referenced by both participants.
func (f *fixture) conversation(cUID, customer, employee string) {
	f.t.Helper()
	require.NoError(f.t, f.hub.Write(f.ctx, conversationPath(cUID), map[string]any{
		"customer": customer,
		"employee": employee,
	}))
	require.NoError(f.t, f.hub.Write(f.ctx, conversationRefPath(customer, cUID), employee))
	require.NoError(f.t, f.hub.Write(f.ctx, conversationRefPath(employee, cUID), customer))
}

// ============================================================================
// Login / Logout
// ============================================================================

func TestLogin_CreatesProfile(t *testing.T) {
	f := newFixture(t)
	st, _ := f.login("c1", RoleCustomer)

	me, ok := st.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "c1", me.UID)
	assert.Equal(t, RoleCustomer, me.Role)

	stored := f.hub.Read(userPath("c1")).(map[string]any)
	assert.Equal(t, "customer", stored["role"])

	u, ok := st.Users.User("c1")
	require.True(t, ok)
	assert.Equal(t, "c1", u.FirstName)
}

func TestLogin_KeepsExistingProfile(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.hub.Write(f.ctx, userPath("c1"), User{FirstName: "Ana", LastName: "Lima", Role: RoleCustomer}))

	st := New(f.session("c1"), WithLogger(discardLogger()))
	u, err := st.Login(f.ctx, User{FirstName: "Someone", Role: RoleCustomer})
	require.NoError(t, err)
	assert.Equal(t, "Ana Lima", u.Name())
}

func TestLogin_RoleMismatch(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.hub.Write(f.ctx, userPath("e1"), User{FirstName: "Eva", Role: RoleEmployee}))

	st := New(f.session("e1"), WithLogger(discardLogger()))
	_, err := st.Login(f.ctx, User{FirstName: "Eva", Role: RoleCustomer})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRoleMismatch))

	_, ok := st.CurrentUser()
	assert.False(t, ok)
}

func TestLogin_Invalid(t *testing.T) {
	f := newFixture(t)
	st := New(f.session("c1"), WithLogger(discardLogger()))
	_, err := st.Login(f.ctx, User{FirstName: "Ana", Role: "admin"})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestLogin_Unavailable(t *testing.T) {
	f := newFixture(t)
	sess := f.session("c1")
	sess.SetOffline(true)

	st := New(sess, WithLogger(discardLogger()))
	_, err := st.Login(f.ctx, User{FirstName: "Ana", Role: RoleCustomer})
	assert.True(t, errors.Is(err, ErrRemoteUnavailable))
	assert.True(t, errors.Is(err, remote.ErrUnavailable))
}

func TestLogin_LoadsStores(t *testing.T) {
	f := newFixture(t)
	st, _ := f.login("c1", RoleCustomer)

	stores := st.Stores.Stores()
	require.Len(t, stores, 2)
	assert.Equal(t, "s1", stores[0].UID)
	assert.Equal(t, "s2", stores[1].UID)
}

func TestLogout_ClearsEverything(t *testing.T) {
	f := newFixture(t)
	f.conversation("k1", "c1", "e1")
	st, _ := f.login("c1", RoleCustomer)
	require.Len(t, st.Conversations.Conversations(), 1)

	st.Logout(f.ctx)

	_, ok := st.CurrentUser()
	assert.False(t, ok)
	assert.Empty(t, st.Conversations.Conversations())
	assert.Empty(t, st.Stores.Stores())
	assert.Empty(t, st.Users.Users())
	assert.Empty(t, st.Requests.PendingRequests())

	// No subscription survives logout.
	f.conversation("k2", "c1", "e2")
	assert.Empty(t, st.Conversations.Conversations())
}

// gatedStore parks the first read under prefix until release is closed.
type gatedStore struct {
	*hub.Session
	prefix  string
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Get(ctx context.Context, path string) (remote.Snapshot, error) {
	if strings.HasPrefix(path, g.prefix) && g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Session.Get(ctx, path)
}

func TestLogout_DuringConversationDiscovery(t *testing.T) {
	f := newFixture(t)
	gate := &gatedStore{
		Session: f.session("c1"),
		prefix:  conversationPath("k1"),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	st := New(gate, WithLogger(discardLogger()))
	_, err := st.Login(f.ctx, User{FirstName: "c1", Role: RoleCustomer})
	require.NoError(t, err)
	require.NoError(t, f.hub.Write(f.ctx, userPath("e1"), User{FirstName: "Eva", Role: RoleEmployee}))
	require.NoError(t, f.hub.Write(f.ctx, conversationPath("k1"), map[string]any{"customer": "c1", "employee": "e1"}))

	gate.armed.Store(true)
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, f.hub.Write(f.ctx, conversationRefPath("c1", "k1"), "e1"))
	}()
	<-gate.entered
	st.Logout(f.ctx)
	close(gate.release)
	<-done

	assert.Empty(t, st.Conversations.Conversations())
	assert.Empty(t, st.Users.Users())
	st.server.mu.Lock()
	assert.Empty(t, st.server.subs, "no subscription outlives logout")
	st.server.mu.Unlock()

	_, err = st.Login(f.ctx, User{FirstName: "c1", Role: RoleCustomer})
	require.NoError(t, err)
	t.Cleanup(func() { st.Logout(f.ctx) })
	assert.Len(t, st.Conversations.Conversations(), 1)
	_, ok := st.Users.User("e1")
	assert.True(t, ok)
}

// ============================================================================
// Observers
// ============================================================================

func TestObservers_NotifiedOnMutation(t *testing.T) {
	f := newFixture(t)
	st, _ := f.login("c1", RoleCustomer)

	var calls atomic.Int32
	obs := NewObserver(func() { calls.Add(1) })
	st.Register(obs)
	st.Register(obs)

	require.NoError(t, f.hub.Write(f.ctx, remote.Join(pathStoresPublic, "s3"), Store{Name: "Nova"}))
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, st.Deregister(obs))
	require.NoError(t, f.hub.Write(f.ctx, remote.Join(pathStoresPublic, "s4"), Store{Name: "Vila"}))
	assert.Equal(t, int32(1), calls.Load())
}

func TestObservers_DeregisterUnknown(t *testing.T) {
	st := New(newFixture(t).session("c1"), WithLogger(discardLogger()))
	err := st.Deregister(NewObserver(func() {}))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestObservers_PanicDoesNotStopOthers(t *testing.T) {
	st := New(newFixture(t).session("c1"), WithLogger(discardLogger()))

	var called bool
	st.Register(NewObserver(func() { panic("boom") }))
	st.Register(NewObserver(func() { called = true }))

	assert.NotPanics(t, st.NotifyAll)
	assert.True(t, called)
}
