package mimo

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Title of the system message announcing an accepted request.
const acceptTitle = "New request!"

// AcceptResult reports the outcome of Accept. Accepted is false when another
// employee got there first; nothing else was announced in that case.
type AcceptResult struct {
	Accepted     bool
	Conversation string
	Employee     string
}

// ============================================================================
// Exchange-Request Workflow
// ============================================================================

// RequestManager holds the session user's pending exchange requests and
// drives their Pending to Accepted transition.
type RequestManager struct {
	mu     sync.Mutex
	cache  *OrderedCache[Mimo]
	server *Server
	ids    *UIDGenerator
	me     *identity
	now    func() time.Time
	log    *slog.Logger
	notify func()
}

func newRequestManager(server *Server, ids *UIDGenerator, me *identity, now func() time.Time, logger *slog.Logger, notify func()) *RequestManager {
	r := &RequestManager{
		cache:  NewOrderedCache(func(m Mimo) string { return m.UID }),
		server: server,
		ids:    ids,
		me:     me,
		now:    now,
		log:    logger,
		notify: notify,
	}
	server.OnMimo(r.mimoAdded)
	server.OnMimoAccepted(r.mimoAccepted)
	server.OnMimoRemoved(r.mimoRemoved)
	return r
}

// PendingRequest returns a copy of a cached request.
func (r *RequestManager) PendingRequest(mUID string) (Mimo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.cache.Get(mUID)
	return m.clone(), ok
}

// PendingRequests returns copies of every cached request, oldest first.
func (r *RequestManager) PendingRequests() []Mimo {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.cache.Items()
	out := make([]Mimo, len(items))
	for i, m := range items {
		out[i] = m.clone()
	}
	return out
}

// Submit creates a pending request from a customer to the given stores.
// The request is cached before the writes are issued.
func (r *RequestManager) Submit(ctx context.Context, draft MimoDraft) (Mimo, error) {
	me, err := r.me.require(RoleCustomer, "submit request")
	if err != nil {
		return Mimo{}, err
	}
	stores := slices.DeleteFunc(slices.Clone(draft.Stores), func(s string) bool { return s == "" })
	slices.Sort(stores)
	stores = slices.Compact(stores)
	switch {
	case len(stores) == 0:
		return Mimo{}, errors.Mark(errors.New("request without stores"), ErrInvalidArgument)
	case draft.Message == "":
		return Mimo{}, errors.Mark(errors.New("request without message"), ErrInvalidArgument)
	}

	m := Mimo{
		UID:       r.ids.Next(),
		Customer:  me.UID,
		Stores:    stores,
		Message:   draft.Message,
		Timestamp: r.now().UnixMilli(),
		Status:    PendingStatus(),
	}
	r.mu.Lock()
	r.cache.Upsert(m)
	r.mu.Unlock()
	r.notify()

	if err := r.server.SendMimo(ctx, m); err != nil {
		r.log.WarnContext(ctx, "request not delivered", "mimo", m.UID, "error", err)
		return m.clone(), err
	}
	r.log.InfoContext(ctx, "request submitted", "mimo", m.UID, "stores", len(stores))
	return m.clone(), nil
}

// Reject drops a request from this employee's list only. Other employees
// can still accept it.
func (r *RequestManager) Reject(ctx context.Context, mUID string) error {
	me, err := r.me.require(RoleEmployee, "reject request")
	if err != nil {
		return err
	}
	r.mu.Lock()
	removed := r.cache.Remove(mUID)
	r.mu.Unlock()
	if removed {
		r.notify()
	} else {
		r.log.WarnContext(ctx, "rejected request was not cached", "mimo", mUID)
	}
	return r.server.RemovePendingRef(ctx, me.UID, mUID)
}

// Accept claims a request for this employee. It reuses the conversation the
// employee already has with the customer, or creates one, and then moves the
// request to Accepted in a single conditional transform. Losing that race is
// not an error: the result reports Accepted false.
//
// Conversation creation is not guarded; two concurrent accepts by the same
// employee for the same customer may leave two conversations referenced.
func (r *RequestManager) Accept(ctx context.Context, mUID string) (AcceptResult, error) {
	me, err := r.me.require(RoleEmployee, "accept request")
	if err != nil {
		return AcceptResult{}, err
	}

	r.mu.Lock()
	m, ok := r.cache.Get(mUID)
	r.mu.Unlock()
	if !ok {
		if m, err = r.server.GetMimo(ctx, mUID); err != nil {
			return AcceptResult{}, err
		}
	}
	if !m.IsPending() {
		r.log.InfoContext(ctx, "request already accepted", "mimo", mUID)
		return AcceptResult{}, nil
	}

	cUID, found, err := r.server.FindConversationWith(ctx, me.UID, m.Customer)
	if err != nil {
		return AcceptResult{}, err
	}
	if !found {
		if cUID, err = r.server.CreateConversation(ctx, m.Customer, me.UID); err != nil {
			return AcceptResult{}, err
		}
		if err := r.server.AddConversationRef(ctx, me.UID, cUID, m.Customer); err != nil {
			return AcceptResult{}, err
		}
	}

	committed, err := r.server.AcceptMimo(ctx, mUID, cUID, me.UID)
	if err != nil {
		return AcceptResult{}, err
	}
	if !committed {
		r.log.InfoContext(ctx, "request accepted elsewhere", "mimo", mUID)
		return AcceptResult{}, nil
	}

	if _, err := r.server.SendSystemMessage(ctx, cUID, Content{Title: acceptTitle, Text: m.Message}); err != nil {
		r.log.WarnContext(ctx, "acceptance notice not delivered", "mimo", mUID, "conversation", cUID, "error", err)
	}
	r.log.InfoContext(ctx, "request accepted", "mimo", mUID, "conversation", cUID)
	return AcceptResult{Accepted: true, Conversation: cUID, Employee: me.UID}, nil
}

// ============================================================================
// Notifications
// ============================================================================

func (r *RequestManager) mimoAdded(m Mimo) {
	me, ok := r.me.get()
	if !ok || !m.IsPending() {
		return
	}
	if me.Role == RoleEmployee {
		if err := r.server.ListenUser(context.Background(), m.Customer); err != nil {
			r.log.Warn("requester profile not followed", "mimo", m.UID, "error", err)
		}
	}
	r.mu.Lock()
	if _, ok := r.me.get(); !ok {
		r.mu.Unlock()
		return
	}
	r.cache.Upsert(m)
	r.mu.Unlock()
	r.notify()
}

// mimoAccepted settles a request seen as Accepted. The customer adds the
// conversation reference before dropping the pending reference, so an
// interruption leaves a stale pending reference rather than a lost chat.
func (r *RequestManager) mimoAccepted(m Mimo) {
	me, ok := r.me.get()
	if !ok || m.Status.Accepted == nil {
		return
	}
	ctx := context.Background()
	acc := *m.Status.Accepted

	if me.Role == RoleCustomer {
		if err := r.server.AddConversationRef(ctx, me.UID, acc.Conversation, acc.Employee); err != nil {
			r.log.Warn("accepted conversation not referenced", "mimo", m.UID, "conversation", acc.Conversation, "error", err)
			return
		}
	}
	r.mu.Lock()
	removed := r.cache.Remove(m.UID)
	r.mu.Unlock()
	if removed {
		r.notify()
	}
	if err := r.server.RemovePendingRef(ctx, me.UID, m.UID); err != nil {
		r.log.Warn("pending reference not removed", "mimo", m.UID, "error", err)
	}
}

func (r *RequestManager) mimoRemoved(mUID string) {
	r.mu.Lock()
	removed := r.cache.Remove(mUID)
	r.mu.Unlock()
	if removed {
		r.notify()
	}
}

func (r *RequestManager) clear() {
	r.mu.Lock()
	r.cache.Clear()
	r.mu.Unlock()
}
