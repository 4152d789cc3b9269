package hub

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/PedroFarias/mimo/sdk/golang/remote"
)

// Built-in function names.
const (
	FunctionSendMimo          = "sendMimo"
	FunctionBlockConversation = "blockConversation"
)

func builtinFunctions() map[string]Function {
	return map[string]Function{
		FunctionSendMimo:          sendMimo,
		FunctionBlockConversation: blockConversation,
	}
}

// SendMimoArgs are the arguments of the sendMimo function.
type SendMimoArgs struct {
	Mimo   string   `json:"mimo"`
	Stores []string `json:"stores,omitempty"`
}

// sendMimo adds a pending reference to the request for every employee of
// every target store. Stores default to the ones listed on the request.
func sendMimo(ctx context.Context, h *Hub, caller string, args any) error {
	var a SendMimoArgs
	if err := remote.Decode(args, &a); err != nil {
		return err
	}
	if !remote.ValidKey(a.Mimo) {
		return errors.Newf("invalid request id %q", a.Mimo)
	}

	var mimo struct {
		Customer string   `json:"customer"`
		Stores   []string `json:"stores"`
	}
	raw := h.Read(remote.Join("mimos", a.Mimo))
	if raw == nil {
		return errors.Newf("request %s does not exist", a.Mimo)
	}
	if err := remote.Decode(raw, &mimo); err != nil {
		return err
	}
	if mimo.Customer != caller {
		return errors.Wrapf(remote.ErrPermission, "request %s belongs to %s", a.Mimo, mimo.Customer)
	}

	stores := a.Stores
	if len(stores) == 0 {
		stores = mimo.Stores
	}
	employees := make(map[string]struct{})
	for _, sUID := range stores {
		if !remote.ValidKey(sUID) {
			continue
		}
		list, _ := h.Read(remote.Join("stores", "private", sUID, "employees")).(map[string]any)
		for eUID := range list {
			employees[eUID] = struct{}{}
		}
	}

	uids := make([]string, 0, len(employees))
	for eUID := range employees {
		uids = append(uids, eUID)
	}
	sort.Strings(uids)
	for _, eUID := range uids {
		if err := h.Write(ctx, remote.Join("users", "private", eUID, "pendingMimos", a.Mimo), true); err != nil {
			return err
		}
	}
	h.log.InfoContext(ctx, "request fanned out", "mimo", a.Mimo, "employees", len(uids))
	return nil
}

// BlockConversationArgs are the arguments of the blockConversation function.
type BlockConversationArgs struct {
	Conversation string `json:"conversation"`
	Customer     string `json:"customer"`
	Employee     string `json:"employee"`
}

// blockConversation removes both participants' references to a
// conversation. Only a participant may block it.
func blockConversation(ctx context.Context, h *Hub, caller string, args any) error {
	var a BlockConversationArgs
	if err := remote.Decode(args, &a); err != nil {
		return err
	}
	if !remote.ValidKey(a.Conversation) || !remote.ValidKey(a.Customer) || !remote.ValidKey(a.Employee) {
		return errors.New("conversation, customer and employee are required")
	}
	if caller != a.Customer && caller != a.Employee {
		return errors.Wrapf(remote.ErrPermission, "%s is not a participant", caller)
	}

	var conv struct {
		Customer string `json:"customer"`
		Employee string `json:"employee"`
	}
	raw := h.Read(remote.Join("conversations", a.Conversation))
	if raw != nil {
		if err := remote.Decode(raw, &conv); err != nil {
			return err
		}
		if conv.Customer != a.Customer || conv.Employee != a.Employee {
			return errors.Wrapf(remote.ErrPermission, "conversation %s participants do not match", a.Conversation)
		}
	}

	for _, uid := range []string{a.Customer, a.Employee} {
		if err := h.Write(ctx, remote.Join("users", "private", uid, "conversations", a.Conversation), nil); err != nil {
			return err
		}
	}
	h.log.InfoContext(ctx, "conversation blocked", "conversation", a.Conversation, "by", caller)
	return nil
}
