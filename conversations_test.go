package mimo

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PedroFarias/mimo/sdk/golang/remote"
)

func messageUIDs(c Conversation) []string {
	out := make([]string, len(c.Messages))
	for i, m := range c.Messages {
		out[i] = m.UID
	}
	return out
}

// ============================================================================
// Discovery
// ============================================================================

func TestConversations_DiscoveredWithCounterpart(t *testing.T) {
	f := newFixture(t)
	f.login("e1", RoleEmployee)
	f.conversation("k1", "c1", "e1")
	customer, _ := f.login("c1", RoleCustomer)

	conv, ok := customer.Conversations.Conversation("k1")
	require.True(t, ok)
	assert.Equal(t, "c1", conv.Customer)
	assert.Equal(t, "e1", conv.Employee)

	u, ok := customer.Users.User("e1")
	require.True(t, ok, "counterpart profile is followed")
	assert.Equal(t, RoleEmployee, u.Role)

	with, ok := customer.Conversations.ConversationWith("e1")
	require.True(t, ok)
	assert.Equal(t, "k1", with.UID)
}

func TestConversations_CopiesAreDefensive(t *testing.T) {
	f := newFixture(t)
	f.conversation("k1", "c1", "e1")
	customer, _ := f.login("c1", RoleCustomer)

	_, err := customer.Conversations.SendMessage(f.ctx, "k1", Content{Text: "hi"})
	require.NoError(t, err)

	conv, _ := customer.Conversations.Conversation("k1")
	conv.Messages[0].ReadBy["intruder"] = true
	conv.Messages[0].Content.Text = "changed"

	again, _ := customer.Conversations.Conversation("k1")
	assert.False(t, again.Messages[0].ReadByUser("intruder"))
	assert.Equal(t, "hi", again.Messages[0].Content.Text)
}

// ============================================================================
// Optimistic send
// ============================================================================

func TestSendMessage_EchoExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.conversation("k1", "c1", "e1")
	customer, _ := f.login("c1", RoleCustomer)

	msg, err := customer.Conversations.SendMessage(f.ctx, "k1", Content{Text: "is it in blue?"})
	require.NoError(t, err)

	conv, ok := customer.Conversations.Conversation("k1")
	require.True(t, ok)
	assert.Equal(t, []string{msg.UID}, messageUIDs(conv))
	assert.Equal(t, MessageConfirmed, conv.Messages[0].Status)
	assert.Equal(t, 0, customer.Conversations.UnreadCount("k1"))

	customer.Conversations.mu.Lock()
	assert.Empty(t, customer.Conversations.pending)
	customer.Conversations.mu.Unlock()

	// A redelivered echo after confirmation must not duplicate the message.
	echo := conv.Messages[0]
	customer.Conversations.messageAdded(MessageEvent{Conversation: "k1", Message: echo})
	conv, _ = customer.Conversations.Conversation("k1")
	assert.Len(t, conv.Messages, 1)
}

func TestSendMessage_PreviewBeforeEcho(t *testing.T) {
	f := newFixture(t)
	f.conversation("k1", "c1", "e1")
	customer, sess := f.login("c1", RoleCustomer)

	var previewed []Message
	customer.Register(NewObserver(func() {
		if conv, ok := customer.Conversations.Conversation("k1"); ok && len(conv.Messages) > 0 && previewed == nil {
			previewed = conv.Messages
		}
	}))

	_, err := customer.Conversations.SendMessage(f.ctx, "k1", Content{Text: "hello"})
	require.NoError(t, err)
	require.Len(t, previewed, 1)
	assert.Equal(t, MessagePending, previewed[0].Status)
	assert.Equal(t, "c1", previewed[0].Sender)
	assert.True(t, previewed[0].ReadByUser("c1"))
	assert.NotZero(t, previewed[0].Timestamp)

	stored, err := sess.Get(f.ctx, messagesPath("k1"))
	require.NoError(t, err)
	require.Len(t, stored.Children(), 1)
	var m Message
	require.NoError(t, stored.Children()[0].Decode(&m))
	assert.Equal(t, "hello", m.Content.Text)
	assert.NotZero(t, m.Timestamp, "server timestamp resolved")
}

func TestSendMessage_OfflineKeepsPreview(t *testing.T) {
	f := newFixture(t)
	f.conversation("k1", "c1", "e1")
	customer, sess := f.login("c1", RoleCustomer)

	sess.SetOffline(true)
	msg, err := customer.Conversations.SendMessage(f.ctx, "k1", Content{Text: "lost?"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoteUnavailable))
	assert.Equal(t, MessageFailed, msg.Status)

	conv, _ := customer.Conversations.Conversation("k1")
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, MessageFailed, conv.Messages[0].Status)
	assert.Equal(t, "lost?", conv.Messages[0].Content.Text)

	sess.SetOffline(false)
	_, err = customer.Conversations.ResendMessage(f.ctx, "k1", msg.UID)
	require.NoError(t, err)

	conv, _ = customer.Conversations.Conversation("k1")
	assert.Equal(t, []string{msg.UID}, messageUIDs(conv))
	assert.Equal(t, MessageConfirmed, conv.Messages[0].Status)
}

func TestSendMessage_Errors(t *testing.T) {
	f := newFixture(t)
	f.conversation("k1", "c1", "e1")
	customer, _ := f.login("c1", RoleCustomer)

	_, err := customer.Conversations.SendMessage(f.ctx, "missing", Content{Text: "x"})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = customer.Conversations.SendMessage(f.ctx, "k1", Content{})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = customer.Conversations.ResendMessage(f.ctx, "k1", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	customer.Logout(f.ctx)
	_, err = customer.Conversations.SendMessage(f.ctx, "k1", Content{Text: "x"})
	assert.True(t, errors.Is(err, ErrNotLoggedIn))
}

func TestMessages_OrderedByIdentifier(t *testing.T) {
	f := newFixture(t)
	f.conversation("k1", "c1", "e1")
	customer, _ := f.login("c1", RoleCustomer)

	for _, uid := range []string{"m3", "m1", "m2"} {
		require.NoError(t, f.hub.Write(f.ctx, messagePath("k1", uid), map[string]any{
			"sender":    "e1",
			"timestamp": 1700000000000,
			"content":   map[string]any{"text": uid},
		}))
	}

	conv, _ := customer.Conversations.Conversation("k1")
	assert.Equal(t, []string{"m1", "m2", "m3"}, messageUIDs(conv))
	latest, ok := conv.Latest()
	require.True(t, ok)
	assert.Equal(t, "m3", latest.UID)
	assert.Equal(t, "m3", conv.NewestFirst()[0].UID)
}

func TestMessages_InvalidDropped(t *testing.T) {
	f := newFixture(t)
	f.conversation("k1", "c1", "e1")
	customer, _ := f.login("c1", RoleCustomer)

	require.NoError(t, f.hub.Write(f.ctx, messagePath("k1", "m1"), map[string]any{
		"sender":  "e1",
		"content": map[string]any{"text": "no timestamp"},
	}))

	conv, _ := customer.Conversations.Conversation("k1")
	assert.Empty(t, conv.Messages)
}

// ============================================================================
// Unread and read receipts
// ============================================================================

func TestUnread_ClearedOnlyByConfirmedReceipt(t *testing.T) {
	f := newFixture(t)
	f.conversation("k1", "c1", "e1")
	customer, _ := f.login("c1", RoleCustomer)
	employee, _ := f.login("e1", RoleEmployee)

	for _, text := range []string{"we have it", "in blue"} {
		_, err := employee.Conversations.SendMessage(f.ctx, "k1", Content{Text: text})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, customer.Conversations.UnreadCount("k1"))
	assert.Equal(t, 2, customer.Conversations.UnreadTotal())
	assert.Equal(t, 0, employee.Conversations.UnreadCount("k1"))

	require.NoError(t, customer.Conversations.MarkMessagesRead(f.ctx, "k1"))
	customer.Conversations.Wait()

	assert.Equal(t, 0, customer.Conversations.UnreadCount("k1"))
	conv, _ := employee.Conversations.Conversation("k1")
	for _, m := range conv.Messages {
		assert.True(t, m.ReadByUser("c1"), "receipt reaches the sender")
		assert.True(t, m.ReadByUser("e1"))
	}
}

func TestUnread_OwnMessagesReplayedAfterRelogin(t *testing.T) {
	f := newFixture(t)
	f.conversation("k1", "c1", "e1")
	customer, _ := f.login("c1", RoleCustomer)
	employee, _ := f.login("e1", RoleEmployee)

	_, err := customer.Conversations.SendMessage(f.ctx, "k1", Content{Text: "size M?"})
	require.NoError(t, err)
	_, err = employee.Conversations.SendMessage(f.ctx, "k1", Content{Text: "yes"})
	require.NoError(t, err)
	require.Equal(t, 1, customer.Conversations.UnreadCount("k1"))

	customer.Logout(f.ctx)
	_, err = customer.Login(f.ctx, User{FirstName: "c1", Role: RoleCustomer})
	require.NoError(t, err)

	conv, ok := customer.Conversations.Conversation("k1")
	require.True(t, ok)
	require.Len(t, conv.Messages, 2)
	for _, m := range conv.Messages {
		assert.Equal(t, MessageConfirmed, m.Status)
	}
	assert.Equal(t, 1, customer.Conversations.UnreadCount("k1"), "only the employee's message is unread")
}

func TestUnread_ReceiptFailureKeepsEntries(t *testing.T) {
	f := newFixture(t)
	f.conversation("k1", "c1", "e1")
	customer, sess := f.login("c1", RoleCustomer)
	employee, _ := f.login("e1", RoleEmployee)

	_, err := employee.Conversations.SendMessage(f.ctx, "k1", Content{Text: "ping"})
	require.NoError(t, err)

	sess.SetOffline(true)
	require.NoError(t, customer.Conversations.MarkMessagesRead(f.ctx, "k1"))
	customer.Conversations.Wait()
	assert.Equal(t, 1, customer.Conversations.UnreadCount("k1"))
}

func TestReadBy_Monotone(t *testing.T) {
	f := newFixture(t)
	f.conversation("k1", "c1", "e1")
	customer, _ := f.login("c1", RoleCustomer)

	require.NoError(t, f.hub.Write(f.ctx, messagePath("k1", "m1"), map[string]any{
		"sender":    "e1",
		"timestamp": 1700000000000,
		"content":   map[string]any{"text": "hi"},
		"readBy":    map[string]any{"e1": true},
	}))
	require.NoError(t, f.hub.Write(f.ctx, readByPath("k1", "m1", "c1"), true))

	conv, _ := customer.Conversations.Conversation("k1")
	require.Len(t, conv.Messages, 1)
	before := conv.Messages[0].ReadBy

	// A stale notification without earlier readers must not shrink the set.
	stale := conv.Messages[0].clone()
	stale.ReadBy = map[string]bool{"e1": true}
	customer.Conversations.messageChanged(MessageEvent{Conversation: "k1", Message: stale})

	conv, _ = customer.Conversations.Conversation("k1")
	for uid := range before {
		assert.True(t, conv.Messages[0].ReadByUser(uid), "reader %s retained", uid)
	}
	assert.Equal(t, 0, customer.Conversations.UnreadCount("k1"))
}

func TestMessageChanged_UnknownIgnored(t *testing.T) {
	f := newFixture(t)
	f.conversation("k1", "c1", "e1")
	customer, _ := f.login("c1", RoleCustomer)

	customer.Conversations.messageChanged(MessageEvent{
		Conversation: "k1",
		Message:      Message{UID: "ghost", Sender: "e1", Timestamp: 1, Content: Content{Text: "boo"}},
	})
	conv, _ := customer.Conversations.Conversation("k1")
	assert.Empty(t, conv.Messages)
}

// ============================================================================
// Block
// ============================================================================

func TestBlockConversation(t *testing.T) {
	f := newFixture(t)
	f.conversation("k1", "c1", "e1")
	customer, _ := f.login("c1", RoleCustomer)
	employee, _ := f.login("e1", RoleEmployee)

	require.NoError(t, employee.Conversations.BlockConversation(f.ctx, "k1"))

	_, ok := customer.Conversations.Conversation("k1")
	assert.False(t, ok)
	_, ok = employee.Conversations.Conversation("k1")
	assert.False(t, ok)
	assert.Nil(t, f.hub.Read(conversationRefPath("c1", "k1")))
	assert.Nil(t, f.hub.Read(conversationRefPath("e1", "k1")))

	msgs := remote.Snapshot{Path: messagesPath("k1"), Value: f.hub.Read(messagesPath("k1"))}.Children()
	require.Len(t, msgs, 1)
	var notice Message
	require.NoError(t, msgs[0].Decode(&notice))
	assert.Equal(t, SystemSender, notice.Sender)
	assert.Equal(t, blockTitle, notice.Content.Title)
	assert.Equal(t, blockText, notice.Content.Text)
	assert.True(t, notice.ReadByUser(SystemSender))

	// Messages to the blocked conversation are no longer delivered.
	_, err := customer.Conversations.SendMessage(f.ctx, "k1", Content{Text: "hello?"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBlockConversation_Unknown(t *testing.T) {
	f := newFixture(t)
	customer, _ := f.login("c1", RoleCustomer)
	err := customer.Conversations.BlockConversation(f.ctx, "k9")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestConversationRemoved_Unknown(t *testing.T) {
	f := newFixture(t)
	customer, _ := f.login("c1", RoleCustomer)

	var calls int
	customer.Register(NewObserver(func() { calls++ }))
	customer.Conversations.conversationRemoved("k9")
	assert.Zero(t, calls)
}
