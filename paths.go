package mimo

import "github.com/PedroFarias/mimo/sdk/golang/remote"

// Remote layout.
const (
	pathUsersPublic   = "users/public"
	pathUsersPrivate  = "users/private"
	pathStoresPublic  = "stores/public"
	pathConversations = "conversations"
	pathMimos         = "mimos"

	functionSendMimo          = "sendMimo"
	functionBlockConversation = "blockConversation"
)

func userPath(uid string) string {
	return remote.Join(pathUsersPublic, uid)
}

func conversationRefsPath(uid string) string {
	return remote.Join(pathUsersPrivate, uid, "conversations")
}

func conversationRefPath(uid, cUID string) string {
	return remote.Join(conversationRefsPath(uid), cUID)
}

func pendingRefsPath(uid string) string {
	return remote.Join(pathUsersPrivate, uid, "pendingMimos")
}

func pendingRefPath(uid, mUID string) string {
	return remote.Join(pendingRefsPath(uid), mUID)
}

func conversationPath(cUID string) string {
	return remote.Join(pathConversations, cUID)
}

func messagesPath(cUID string) string {
	return remote.Join(conversationPath(cUID), "messages")
}

func messagePath(cUID, mUID string) string {
	return remote.Join(messagesPath(cUID), mUID)
}

func readByPath(cUID, mUID, uid string) string {
	return remote.Join(messagePath(cUID, mUID), "readBy", uid)
}

func mimoPath(mUID string) string {
	return remote.Join(pathMimos, mUID)
}

func mimoStatusPath(mUID string) string {
	return remote.Join(mimoPath(mUID), "status")
}
