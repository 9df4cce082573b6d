package addressing

// Channel event names exchanged with the backend.
const (
	// Consumed
	EventNewMessage         = "newMessage"
	EventTyping             = "typing"
	EventGroupCreated       = "groupCreated"
	EventGroupCreatedAck    = "groupCreatedAck"
	EventGroupCreationError = "groupCreationError"
	EventChatDeleted        = "chatDeleted"
	EventChatDeletedAck     = "chatDeletedAck"
	EventChatDeletionError  = "chatDeletionError"
	EventError              = "error"

	// Produced
	EventSendMessage = "sendMessage"
	EventCreateGroup = "createGroup"
	EventDeleteChat  = "deleteChat"
)
