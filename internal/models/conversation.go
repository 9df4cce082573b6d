package models

// Conversation is the thread with the active counterpart.
// ChatID stays nil for a direct conversation until the backend assigns one
// on the first message.
type Conversation struct {
	ChatID      *int64
	Kind        Kind
	Counterpart Counterpart
}

// NewConversation builds the conversation for a counterpart. Groups get their
// own id as chat id; direct conversations start pending.
func NewConversation(cp Counterpart) *Conversation {
	c := &Conversation{Kind: cp.Kind(), Counterpart: cp}
	if g, ok := cp.(Group); ok {
		c.ChatID = Int64Ptr(g.ID)
	}
	return c
}

// Pending reports whether the backend has not yet assigned a chat id.
func (c *Conversation) Pending() bool {
	return c.ChatID == nil
}

// Promote adopts the server-assigned chat id of a pending conversation.
// It returns false if the conversation already had an id.
func (c *Conversation) Promote(chatID int64) bool {
	if !c.Pending() {
		return false
	}
	c.ChatID = Int64Ptr(chatID)
	return true
}

// Clone returns a copy safe to hand out of the engine.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	if c.ChatID != nil {
		cp.ChatID = Int64Ptr(*c.ChatID)
	}
	return &cp
}
