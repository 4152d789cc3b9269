package mimo

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Content of the system message posted when a conversation is blocked.
const (
	blockTitle = "Request concluded"
	blockText  = "New messages will no longer be delivered."
)

// ============================================================================
// Conversation & Message Reconciler
// ============================================================================

type conversationEntry struct {
	header   Conversation
	messages *OrderedCache[Message]
	unread   map[string]struct{}
}

func newConversationEntry(c Conversation) *conversationEntry {
	c.Messages = nil
	return &conversationEntry{
		header:   c,
		messages: NewOrderedCache(func(m Message) string { return m.UID }),
		unread:   make(map[string]struct{}),
	}
}

func (e *conversationEntry) snapshot() Conversation {
	c := e.header
	items := e.messages.Items()
	c.Messages = make([]Message, len(items))
	for i, m := range items {
		c.Messages[i] = m.clone()
	}
	return c
}

// ConversationManager merges pushed messages with the session user's
// optimistic sends. A message this client sent is previewed immediately and
// tracked as pending until its echo arrives; messages from anyone else land
// in the conversation's unread index until the user's receipt is confirmed.
type ConversationManager struct {
	mu      sync.Mutex
	cache   *OrderedCache[*conversationEntry]
	pending map[string]string // message uid -> conversation uid
	server  *Server
	ids     *UIDGenerator
	me      *identity
	now     func() time.Time
	log     *slog.Logger
	notify  func()
	wg      sync.WaitGroup
}

func newConversationManager(server *Server, ids *UIDGenerator, me *identity, now func() time.Time, logger *slog.Logger, notify func()) *ConversationManager {
	m := &ConversationManager{
		cache:   NewOrderedCache(func(e *conversationEntry) string { return e.header.UID }),
		pending: make(map[string]string),
		server:  server,
		ids:     ids,
		me:      me,
		now:     now,
		log:     logger,
		notify:  notify,
	}
	server.OnConversation(m.conversationAdded)
	server.OnConversationRemoved(m.conversationRemoved)
	server.OnMessageAdded(m.messageAdded)
	server.OnMessageChanged(m.messageChanged)
	return m
}

// Conversation returns a copy of a conversation with its messages.
func (m *ConversationManager) Conversation(cUID string) (Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache.Get(cUID)
	if !ok {
		return Conversation{}, false
	}
	return e.snapshot(), true
}

// Conversations returns copies of every conversation ordered by uid.
func (m *ConversationManager) Conversations() []Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.cache.Items()
	out := make([]Conversation, len(entries))
	for i, e := range entries {
		out[i] = e.snapshot()
	}
	return out
}

// ConversationWith returns the conversation whose counterpart is uid.
func (m *ConversationManager) ConversationWith(uid string) (Conversation, bool) {
	me, ok := m.me.get()
	if !ok {
		return Conversation{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.cache.Items() {
		if e.header.Counterpart(me.UID) == uid {
			return e.snapshot(), true
		}
	}
	return Conversation{}, false
}

// UnreadCount returns how many messages of cUID the user has not read.
func (m *ConversationManager) UnreadCount(cUID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache.Get(cUID)
	if !ok {
		return 0
	}
	return len(e.unread)
}

// UnreadTotal sums the unread counts of every conversation.
func (m *ConversationManager) UnreadTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.cache.Items() {
		n += len(e.unread)
	}
	return n
}

// SendMessage previews content in the conversation right away and then
// writes it. A failed write leaves the message visible with status
// MessageFailed; ResendMessage retries it.
func (m *ConversationManager) SendMessage(ctx context.Context, cUID string, content Content) (Message, error) {
	me, err := m.me.require("", "send message")
	if err != nil {
		return Message{}, err
	}
	if content.Empty() {
		return Message{}, errors.Mark(errors.New("empty message"), ErrInvalidArgument)
	}

	msg := Message{
		UID:       m.ids.Next(),
		Sender:    me.UID,
		Timestamp: m.now().UnixMilli(),
		Content:   content,
		ReadBy:    map[string]bool{me.UID: true},
		Status:    MessagePending,
	}

	m.mu.Lock()
	e, ok := m.cache.Get(cUID)
	if !ok {
		m.mu.Unlock()
		m.log.WarnContext(ctx, "send to unknown conversation", "conversation", cUID)
		return Message{}, errors.Mark(errors.Newf("conversation %s", cUID), ErrNotFound)
	}
	m.pending[msg.UID] = cUID
	e.messages.Upsert(msg)
	m.mu.Unlock()
	m.notify()

	return m.write(ctx, cUID, msg)
}

// ResendMessage retries a failed send under the same identifier.
func (m *ConversationManager) ResendMessage(ctx context.Context, cUID, mUID string) (Message, error) {
	m.mu.Lock()
	e, ok := m.cache.Get(cUID)
	if !ok {
		m.mu.Unlock()
		return Message{}, errors.Mark(errors.Newf("conversation %s", cUID), ErrNotFound)
	}
	msg, ok := e.messages.Get(mUID)
	if !ok {
		m.mu.Unlock()
		return Message{}, errors.Mark(errors.Newf("message %s", mUID), ErrNotFound)
	}
	if msg.Status != MessageFailed {
		m.mu.Unlock()
		return msg.clone(), nil
	}
	msg.Status = MessagePending
	e.messages.Upsert(msg)
	m.pending[mUID] = cUID
	m.mu.Unlock()
	m.notify()

	return m.write(ctx, cUID, msg.clone())
}

func (m *ConversationManager) write(ctx context.Context, cUID string, msg Message) (Message, error) {
	err := m.server.SendMessage(ctx, cUID, msg)
	if err == nil {
		return msg, nil
	}

	m.log.WarnContext(ctx, "message not delivered", "conversation", cUID, "message", msg.UID, "error", err)
	m.mu.Lock()
	if e, ok := m.cache.Get(cUID); ok {
		if cur, ok := e.messages.Get(msg.UID); ok && cur.Status == MessagePending {
			cur.Status = MessageFailed
			e.messages.Upsert(cur)
		}
	}
	m.mu.Unlock()
	m.notify()
	msg.Status = MessageFailed
	return msg, err
}

// MarkMessagesRead issues a read receipt for every unread message of cUID
// without waiting for them. Unread entries clear only when the store echoes
// the receipt back.
func (m *ConversationManager) MarkMessagesRead(ctx context.Context, cUID string) error {
	me, err := m.me.require("", "mark messages read")
	if err != nil {
		return err
	}
	m.mu.Lock()
	e, ok := m.cache.Get(cUID)
	if !ok {
		m.mu.Unlock()
		return errors.Mark(errors.Newf("conversation %s", cUID), ErrNotFound)
	}
	unread := make([]string, 0, len(e.unread))
	for mUID := range e.unread {
		unread = append(unread, mUID)
	}
	slices.Sort(unread)
	m.mu.Unlock()
	if len(unread) == 0 {
		return nil
	}

	bg := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, mUID := range unread {
			if err := m.server.MarkMessageRead(bg, cUID, mUID, me.UID); err != nil {
				m.log.WarnContext(bg, "read receipt not delivered", "conversation", cUID, "message", mUID, "error", err)
			}
		}
	}()
	return nil
}

// Wait blocks until outstanding read receipts have been issued.
func (m *ConversationManager) Wait() {
	m.wg.Wait()
}

// BlockConversation posts a closing system message and asks the store to
// remove the conversation for both participants. The local copy goes away
// when the removal is pushed back.
func (m *ConversationManager) BlockConversation(ctx context.Context, cUID string) error {
	if _, err := m.me.require("", "block conversation"); err != nil {
		return err
	}
	m.mu.Lock()
	e, ok := m.cache.Get(cUID)
	var header Conversation
	if ok {
		header = e.header
	}
	m.mu.Unlock()
	if !ok {
		return errors.Mark(errors.Newf("conversation %s", cUID), ErrNotFound)
	}

	if _, err := m.server.SendSystemMessage(ctx, cUID, Content{Title: blockTitle, Text: blockText}); err != nil {
		m.log.WarnContext(ctx, "block notice not delivered", "conversation", cUID, "error", err)
	}
	return m.server.BlockConversation(ctx, header)
}

// ============================================================================
// Notifications
// ============================================================================

func (m *ConversationManager) conversationAdded(c Conversation) {
	m.mu.Lock()
	if _, ok := m.me.get(); !ok || m.cache.Has(c.UID) {
		m.mu.Unlock()
		return
	}
	m.cache.Upsert(newConversationEntry(c))
	m.mu.Unlock()
	m.log.Debug("conversation added", "conversation", c.UID)
	m.notify()
}

func (m *ConversationManager) conversationRemoved(cUID string) {
	m.mu.Lock()
	removed := m.cache.Remove(cUID)
	for mUID, c := range m.pending {
		if c == cUID {
			delete(m.pending, mUID)
		}
	}
	m.mu.Unlock()
	if !removed {
		m.log.Warn("removed conversation was not cached", "conversation", cUID)
		return
	}
	m.log.Debug("conversation removed", "conversation", cUID)
	m.notify()
}

func (m *ConversationManager) messageAdded(ev MessageEvent) {
	me, ok := m.me.get()
	if !ok {
		return
	}
	msg := ev.Message

	m.mu.Lock()
	e, ok := m.cache.Get(ev.Conversation)
	if !ok {
		m.mu.Unlock()
		m.log.Warn("message for unknown conversation", "conversation", ev.Conversation, "message", msg.UID)
		return
	}

	if _, sent := m.pending[msg.UID]; sent && msg.ReadByUser(me.UID) {
		delete(m.pending, msg.UID)
		if local, ok := e.messages.Get(msg.UID); ok {
			local.Status = MessageConfirmed
			e.messages.Upsert(local)
		} else {
			e.messages.Upsert(msg)
		}
		m.mu.Unlock()
		m.notify()
		return
	}

	if cur, ok := e.messages.Get(msg.UID); ok {
		msg.ReadBy = unionReadBy(cur.ReadBy, msg.ReadBy)
	}
	e.messages.Upsert(msg)
	if msg.ReadByUser(me.UID) {
		delete(e.unread, msg.UID)
	} else {
		e.unread[msg.UID] = struct{}{}
	}
	m.mu.Unlock()
	m.notify()
}

func (m *ConversationManager) messageChanged(ev MessageEvent) {
	me, ok := m.me.get()
	if !ok {
		return
	}
	msg := ev.Message

	m.mu.Lock()
	e, ok := m.cache.Get(ev.Conversation)
	if !ok {
		m.mu.Unlock()
		m.log.Warn("message change for unknown conversation", "conversation", ev.Conversation, "message", msg.UID)
		return
	}
	cur, ok := e.messages.Get(msg.UID)
	if !ok {
		m.mu.Unlock()
		m.log.Debug("change for unknown message ignored", "conversation", ev.Conversation, "message", msg.UID)
		return
	}
	cur.ReadBy = unionReadBy(cur.ReadBy, msg.ReadBy)
	e.messages.Upsert(cur)
	if cur.ReadByUser(me.UID) {
		delete(e.unread, msg.UID)
	} else {
		e.unread[msg.UID] = struct{}{}
	}
	m.mu.Unlock()
	m.notify()
}

// unionReadBy merges receipts; they are never withdrawn.
func unionReadBy(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for uid, read := range a {
		if read {
			out[uid] = true
		}
	}
	for uid, read := range b {
		if read {
			out[uid] = true
		}
	}
	return out
}

func (m *ConversationManager) clear() {
	m.mu.Lock()
	m.cache.Clear()
	clear(m.pending)
	m.mu.Unlock()
}
