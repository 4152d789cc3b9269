package mimo

import (
	"maps"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/PedroFarias/mimo/sdk/golang/remote"
)

// ============================================================================
// Users
// ============================================================================

// Role is the part a user plays in an exchange.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleEmployee Role = "employee"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleEmployee
}

// User is a public profile.
type User struct {
	UID       string `json:"-"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email,omitempty"`
	Photo     string `json:"photo,omitempty"`
	Role      Role   `json:"role"`
}

// Name returns the display name.
func (u User) Name() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (u User) validate() error {
	switch {
	case u.UID == "":
		return errors.New("user without uid")
	case u.FirstName == "":
		return errors.Newf("user %s without first name", u.UID)
	case !u.Role.Valid():
		return errors.Newf("user %s with role %q", u.UID, u.Role)
	}
	return nil
}

// ============================================================================
// Stores
// ============================================================================

// Address locates a store.
type Address struct {
	City         string `json:"city"`
	Street       string `json:"street"`
	Neighborhood string `json:"neighborhood"`
}

// Store is a shop whose employees answer requests.
type Store struct {
	UID         string   `json:"-"`
	Name        string   `json:"name"`
	Categories  []string `json:"categories"`
	Address     Address  `json:"address"`
	Logo        string   `json:"logo,omitempty"`
	Description string   `json:"description,omitempty"`
}

func (s Store) clone() Store {
	s.Categories = slices.Clone(s.Categories)
	return s
}

// HasCategory reports whether the store lists category, ignoring case.
func (s Store) HasCategory(category string) bool {
	for _, c := range s.Categories {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

func (s Store) validate() error {
	switch {
	case s.UID == "":
		return errors.New("store without uid")
	case s.Name == "":
		return errors.Newf("store %s without name", s.UID)
	}
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// SystemSender is the sender of messages the app itself posts.
const SystemSender = "system"

// Content is the body of a message; usually exactly one field is set.
type Content struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
	Audio string `json:"audio,omitempty"`
	Title string `json:"title,omitempty"`
}

// Empty reports whether no field is set.
func (c Content) Empty() bool {
	return c == Content{}
}

// MessageStatus is the local delivery state of a message.
type MessageStatus string

const (
	MessageConfirmed MessageStatus = "confirmed"
	MessagePending   MessageStatus = "pending"
	MessageFailed    MessageStatus = "failed"
)

// Message is a chat entry. Status is local and never stored remotely.
type Message struct {
	UID       string          `json:"-"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Content   Content         `json:"content"`
	ReadBy    map[string]bool `json:"readBy,omitempty"`
	Status    MessageStatus   `json:"-"`
}

// ReadByUser reports whether uid has acknowledged the message.
func (m Message) ReadByUser(uid string) bool {
	return m.ReadBy[uid]
}

func (m Message) clone() Message {
	m.ReadBy = maps.Clone(m.ReadBy)
	return m
}

func (m Message) validate() error {
	switch {
	case m.UID == "":
		return errors.New("message without uid")
	case m.Sender == "":
		return errors.Newf("message %s without sender", m.UID)
	case m.Timestamp == 0:
		return errors.Newf("message %s without timestamp", m.UID)
	case m.Content.Empty():
		return errors.Newf("message %s without content", m.UID)
	}
	return nil
}

// messageRecord is the stored shape of a message being written.
type messageRecord struct {
	Sender    string          `json:"sender"`
	Timestamp any             `json:"timestamp"`
	Content   Content         `json:"content"`
	ReadBy    map[string]bool `json:"readBy,omitempty"`
}

func newMessageRecord(m Message) messageRecord {
	return messageRecord{
		Sender:    m.Sender,
		Timestamp: remote.ServerTimestamp(),
		Content:   m.Content,
		ReadBy:    m.ReadBy,
	}
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is the chat between a customer and an employee. Messages are
// ordered by identifier, oldest first.
type Conversation struct {
	UID      string    `json:"-"`
	Customer string    `json:"customer"`
	Employee string    `json:"employee"`
	Messages []Message `json:"-"`
}

// Counterpart returns the other participant from uid's point of view.
func (c Conversation) Counterpart(uid string) string {
	if uid == c.Customer {
		return c.Employee
	}
	return c.Customer
}

// Latest returns the newest message.
func (c Conversation) Latest() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// NewestFirst returns the messages in display order.
func (c Conversation) NewestFirst() []Message {
	out := slices.Clone(c.Messages)
	slices.Reverse(out)
	return out
}

func (c Conversation) validate() error {
	switch {
	case c.UID == "":
		return errors.New("conversation without uid")
	case c.Customer == "" || c.Employee == "":
		return errors.Newf("conversation %s without participants", c.UID)
	}
	return nil
}

// ============================================================================
// Exchange requests
// ============================================================================

// Acceptance records who accepted a request and where the chat continues.
type Acceptance struct {
	Conversation string `json:"conversation"`
	Employee     string `json:"employee"`
}

// MimoStatus is Pending until exactly one employee accepts.
type MimoStatus struct {
	Pending  bool        `json:"pending"`
	Accepted *Acceptance `json:"accepted,omitempty"`
}

// PendingStatus returns the initial status.
func PendingStatus() MimoStatus {
	return MimoStatus{Pending: true}
}

// AcceptedStatus returns the terminal status.
func AcceptedStatus(conversation, employee string) MimoStatus {
	return MimoStatus{Accepted: &Acceptance{Conversation: conversation, Employee: employee}}
}

// Mimo is a customer's exchange request addressed to one or more stores.
type Mimo struct {
	UID       string     `json:"-"`
	Customer  string     `json:"customer"`
	Stores    []string   `json:"stores"`
	Message   string     `json:"message"`
	Timestamp int64      `json:"timestamp"`
	Status    MimoStatus `json:"status"`
}

// IsPending reports whether the request can still be accepted.
func (m Mimo) IsPending() bool {
	return m.Status.Pending
}

func (m Mimo) clone() Mimo {
	m.Stores = slices.Clone(m.Stores)
	if m.Status.Accepted != nil {
		a := *m.Status.Accepted
		m.Status.Accepted = &a
	}
	return m
}

func (m Mimo) validate() error {
	switch {
	case m.UID == "":
		return errors.New("request without uid")
	case m.Customer == "":
		return errors.Newf("request %s without customer", m.UID)
	case len(m.Stores) == 0:
		return errors.Newf("request %s without stores", m.UID)
	case m.Message == "":
		return errors.Newf("request %s without message", m.UID)
	case !m.Status.Pending && m.Status.Accepted == nil:
		return errors.Newf("request %s neither pending nor accepted", m.UID)
	}
	return nil
}

type mimoRecord struct {
	Customer  string     `json:"customer"`
	Stores    []string   `json:"stores"`
	Message   string     `json:"message"`
	Timestamp any        `json:"timestamp"`
	Status    MimoStatus `json:"status"`
}

// MimoDraft is what a customer fills in to submit a request.
type MimoDraft struct {
	Stores  []string
	Message string
}
