package hub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PedroFarias/mimo/sdk/golang/remote"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	h, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

type recorder struct {
	mu     sync.Mutex
	events []remote.Event
}

func (r *recorder) handle(ev remote.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) take() []remote.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func keys(events []remote.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = string(ev.Kind) + " " + ev.Key()
	}
	return out
}

// ============================================================================
// Tree and subscriptions
// ============================================================================

func TestHub_WriteAndRead(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, h.Write(ctx, "a/b/c", "leaf"))
	assert.Equal(t, map[string]any{"b": map[string]any{"c": "leaf"}}, h.Read("a"))

	require.NoError(t, h.Write(ctx, "a/b/c", nil))
	assert.Nil(t, h.Read("a"), "empty parents are pruned")

	err := h.Write(ctx, "a/b.c", 1)
	assert.True(t, errors.Is(err, remote.ErrInvalidPath))
}

func TestHub_ChildEvents(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	s := h.Session("u1")

	require.NoError(t, h.Write(ctx, "refs/b", "2"))
	require.NoError(t, h.Write(ctx, "refs/a", "1"))

	var added, changed, removed recorder
	_, err := s.Subscribe(ctx, "refs", remote.ChildAdded, added.handle)
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, "refs", remote.ChildChanged, changed.handle)
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, "refs", remote.ChildRemoved, removed.handle)
	require.NoError(t, err)

	assert.Equal(t, []string{"child_added a", "child_added b"}, keys(added.take()), "replay in key order")
	assert.Empty(t, changed.take())

	require.NoError(t, h.Write(ctx, "refs/c", "3"))
	require.NoError(t, h.Write(ctx, "refs/a", "one"))
	require.NoError(t, h.Write(ctx, "refs/b", nil))

	assert.Equal(t, []string{"child_added c"}, keys(added.take()))
	ch := changed.take()
	assert.Equal(t, []string{"child_changed a"}, keys(ch))
	assert.Equal(t, "one", ch[0].Value)
	rm := removed.take()
	assert.Equal(t, []string{"child_removed b"}, keys(rm))
	assert.Equal(t, "2", rm[0].Value)
}

func TestHub_DeepWriteIsChildChanged(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	require.NoError(t, h.Write(ctx, "msgs/m1", map[string]any{"text": "hi"}))

	var changed recorder
	_, err := h.Session("u1").Subscribe(ctx, "msgs", remote.ChildChanged, changed.handle)
	require.NoError(t, err)

	require.NoError(t, h.Write(ctx, "msgs/m1/readBy/u2", true))
	evs := changed.take()
	require.Len(t, evs, 1)
	assert.Equal(t, "msgs/m1", evs[0].Path)
	assert.Equal(t, map[string]any{"text": "hi", "readBy": map[string]any{"u2": true}}, evs[0].Value)
}

func TestHub_ValueEvents(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	var rec recorder
	sub, err := h.Session("u1").Subscribe(ctx, "mimos/m1/status", remote.Value, rec.handle)
	require.NoError(t, err)

	initial := rec.take()
	require.Len(t, initial, 1)
	assert.False(t, initial[0].Exists())

	require.NoError(t, h.Write(ctx, "mimos/m1", map[string]any{"status": map[string]any{"pending": true}}))
	require.NoError(t, h.Write(ctx, "mimos/m1/customer", "c1"))
	evs := rec.take()
	require.Len(t, evs, 1, "unrelated sibling writes are not reported")
	assert.Equal(t, map[string]any{"pending": true}, evs[0].Value)

	sub.Unsubscribe()
	require.NoError(t, h.Write(ctx, "mimos/m1/status/pending", false))
	assert.Empty(t, rec.take())
}

func TestHub_ServerTimestamp(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	h := newTestHub(t, WithClock(func() time.Time { return now }))
	require.NoError(t, h.Write(context.Background(), "m", map[string]any{"timestamp": remote.ServerTimestamp()}))
	assert.Equal(t, float64(1700000000000), h.Read("m/timestamp"))
}

func TestHub_HandlerPanicIsContained(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	_, err := h.Session("u1").Subscribe(ctx, "x", remote.Value, func(remote.Event) { panic("boom") })
	require.NoError(t, err)
	assert.NotPanics(t, func() { require.NoError(t, h.Write(ctx, "x", 1)) })
}

// lastValue remembers the most recent value event it was handed.
type lastValue struct {
	mu    sync.Mutex
	value any
	seen  bool
}

func (l *lastValue) handle(ev remote.Event) {
	l.mu.Lock()
	l.value, l.seen = ev.Value, true
	l.mu.Unlock()
}

func (l *lastValue) get() (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.seen
}

func TestHub_SubscribeRacingWritesEndsOnStoredValue(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	for i := 0; i < 300; i++ {
		path := fmt.Sprintf("race/%d", i)
		var last lastValue
		var wg sync.WaitGroup
		for _, v := range []string{"a", "b", "c"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, h.Write(ctx, path, v))
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.subscribe(path, remote.Value, last.handle)
			assert.NoError(t, err)
		}()
		wg.Wait()

		got, seen := last.get()
		require.True(t, seen, path)
		require.Equal(t, h.Read(path), got, path)
	}
}

func TestHub_ConcurrentWritesDeliveredInCommitOrder(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	var mu sync.Mutex
	var got []any
	_, err := h.subscribe("counter", remote.Value, func(ev remote.Event) {
		mu.Lock()
		got = append(got, ev.Value)
		mu.Unlock()
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.Write(ctx, "counter", float64(i)))
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	assert.Equal(t, h.Read("counter"), got[len(got)-1])
}

func TestHub_WriteFromHandlerIsDeliveredAfterIt(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	var order []string
	_, err := h.subscribe("a", remote.Value, func(ev remote.Event) {
		if ev.Value == nil {
			return
		}
		order = append(order, "a start")
		require.NoError(t, h.Write(ctx, "b", ev.Value))
		order = append(order, "a end")
	})
	require.NoError(t, err)
	_, err = h.subscribe("b", remote.Value, func(ev remote.Event) {
		if ev.Value != nil {
			order = append(order, "b")
		}
	})
	require.NoError(t, err)

	require.NoError(t, h.Write(ctx, "a", "x"))
	assert.Equal(t, []string{"a start", "a end", "b"}, order)
}

// ============================================================================
// Compare-and-set
// ============================================================================

func TestHub_CompareAndSet(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	require.NoError(t, h.Write(ctx, "n", 1))

	ok, stored, err := h.CompareAndSet(ctx, "n", 2, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, float64(1), stored)

	ok, stored, err = h.CompareAndSet(ctx, "n", 1, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float64(3), stored)
}

func TestSession_TransactionUnderContention(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	const workers, per = 8, 20
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		s := h.Session("u1")
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				_, err := s.Transaction(ctx, "counter", func(cur any) (any, bool) {
					n, _ := cur.(float64)
					return n + 1, true
				})
				if err != nil && !errors.Is(err, remote.ErrContention) {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	n, _ := h.Read("counter").(float64)
	assert.LessOrEqual(t, n, float64(workers*per))
	assert.Greater(t, n, float64(0))
}

func TestSession_ConditionalTransition(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	require.NoError(t, h.Write(ctx, "mimos/m1/status/pending", true))

	accept := func(employee string) bool {
		res, err := h.Session(employee).Transaction(ctx, "mimos/m1", func(cur any) (any, bool) {
			m, _ := cur.(map[string]any)
			st, _ := m["status"].(map[string]any)
			if pending, _ := st["pending"].(bool); !pending {
				return nil, false
			}
			m["status"] = map[string]any{"pending": false, "accepted": map[string]any{"employee": employee}}
			return m, true
		})
		require.NoError(t, err)
		return res.Committed
	}

	var wg sync.WaitGroup
	wins := make([]bool, 2)
	for i, e := range []string{"e1", "e2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins[i] = accept(e)
		}()
	}
	wg.Wait()
	assert.NotEqual(t, wins[0], wins[1])
}

// ============================================================================
// Sessions
// ============================================================================

func TestSession_Offline(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	s := h.Session("u1")

	s.SetOffline(true)
	assert.True(t, errors.Is(s.Set(ctx, "a", 1), remote.ErrUnavailable))
	_, err := s.Get(ctx, "a")
	assert.True(t, errors.Is(err, remote.ErrUnavailable))

	s.SetOffline(false)
	require.NoError(t, s.Set(ctx, "a", 1))
}

func TestSession_CloseDropsSubscriptions(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	s := h.Session("u1")

	var rec recorder
	_, err := s.Subscribe(ctx, "a", remote.Value, rec.handle)
	require.NoError(t, err)
	rec.take()

	require.NoError(t, s.Close())
	require.NoError(t, h.Write(ctx, "a", 1))
	assert.Empty(t, rec.take())
	assert.True(t, errors.Is(s.Set(ctx, "a", 2), remote.ErrClosed))
}

// ============================================================================
// Functions
// ============================================================================

func TestCall_UnknownFunction(t *testing.T) {
	h := newTestHub(t)
	err := h.Session("u1").Call(context.Background(), "nope", nil)
	assert.True(t, errors.Is(err, remote.ErrUnknownFunction))
}

func TestCall_CustomFunction(t *testing.T) {
	var got string
	h := newTestHub(t, WithFunction("whoami", func(ctx context.Context, h *Hub, caller string, args any) error {
		got = caller
		return nil
	}))
	require.NoError(t, h.Session("u7").Call(context.Background(), "whoami", nil))
	assert.Equal(t, "u7", got)
}

func TestSendMimo_FansOutToEmployees(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	require.NoError(t, h.ApplySeed(ctx, &Seed{Stores: []SeedStore{
		{UID: "s1", Name: "One", Employees: []string{"e1", "e2"}},
		{UID: "s2", Name: "Two", Employees: []string{"e2", "e3"}},
		{UID: "s3", Name: "Three", Employees: []string{"e4"}},
	}}))
	require.NoError(t, h.Write(ctx, "mimos/m1", map[string]any{
		"customer": "c1",
		"stores":   []string{"s1", "s2"},
		"message":  "red dress",
	}))

	err := h.Session("c1").Call(ctx, FunctionSendMimo, SendMimoArgs{Mimo: "m1"})
	require.NoError(t, err)
	for _, e := range []string{"e1", "e2", "e3"} {
		assert.Equal(t, true, h.Read("users/private/"+e+"/pendingMimos/m1"), e)
	}
	assert.Nil(t, h.Read("users/private/e4"))
}

func TestSendMimo_OnlyCustomer(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	require.NoError(t, h.Write(ctx, "mimos/m1", map[string]any{"customer": "c1", "stores": []string{"s1"}}))

	err := h.Session("c2").Call(ctx, FunctionSendMimo, SendMimoArgs{Mimo: "m1"})
	assert.True(t, errors.Is(err, remote.ErrPermission))

	err = h.Session("c1").Call(ctx, FunctionSendMimo, SendMimoArgs{Mimo: "missing"})
	assert.Error(t, err)
}

func TestBlockConversation_RemovesBothReferences(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	require.NoError(t, h.Write(ctx, "conversations/k1", map[string]any{"customer": "c1", "employee": "e1"}))
	require.NoError(t, h.Write(ctx, "users/private/c1/conversations/k1", "e1"))
	require.NoError(t, h.Write(ctx, "users/private/e1/conversations/k1", "c1"))

	args := BlockConversationArgs{Conversation: "k1", Customer: "c1", Employee: "e1"}
	err := h.Session("x").Call(ctx, FunctionBlockConversation, args)
	assert.True(t, errors.Is(err, remote.ErrPermission))

	err = h.Session("c1").Call(ctx, FunctionBlockConversation, BlockConversationArgs{Conversation: "k1", Customer: "c1", Employee: "e9"})
	assert.True(t, errors.Is(err, remote.ErrPermission), "participants must match")

	require.NoError(t, h.Session("c1").Call(ctx, FunctionBlockConversation, args))
	assert.Nil(t, h.Read("users/private/c1/conversations"))
	assert.Nil(t, h.Read("users/private/e1/conversations"))
	assert.NotNil(t, h.Read("conversations/k1"), "history is kept")
}

// ============================================================================
// Metrics
// ============================================================================

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := newTestHub(t, WithMetrics(m))
	ctx := context.Background()

	_, err := h.Session("u1").Subscribe(ctx, "a", remote.Value, func(remote.Event) {})
	require.NoError(t, err)
	require.NoError(t, h.Write(ctx, "a", 1))
	_, _, err = h.CompareAndSet(ctx, "a", 0, 2)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.writes))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.subscriptions))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transactions.WithLabelValues("conflict")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.events.WithLabelValues(string(remote.Value))))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.write() })
}
