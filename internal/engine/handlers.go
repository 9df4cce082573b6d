package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raphaelgruber/parley/internal/addressing"
	"github.com/raphaelgruber/parley/internal/channel"
	"github.com/raphaelgruber/parley/internal/models"
	"github.com/raphaelgruber/parley/internal/timeline"
)

// conversationHandler guards fn with the selection generation, so a handler
// already dispatched when its conversation was left does nothing.
func (e *Engine) conversationHandler(gen uint64, fn func(json.RawMessage)) channel.Handler {
	return func(data json.RawMessage) {
		e.mu.Lock()
		current := gen == e.gen && !e.closed && e.conv != nil
		if !current {
			e.mu.Unlock()
			return
		}
		fn(data)
		e.mu.Unlock()
		e.notify()
	}
}

// =============================================================================
// CONVERSATION EVENTS (lock held)
// =============================================================================

func (e *Engine) handleNewMessage(data json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		e.logger.Warn("malformed newMessage", "error", err)
		return
	}
	if !e.addr.AcceptMessage(msg) {
		return
	}
	if e.conv.Pending() && msg.ChatID != nil {
		e.promoteLocked(*msg.ChatID)
	}

	outcome := e.timeline.AppendRemote(msg, e.conv.ChatID, e.self.UserID)
	if outcome == timeline.Appended && msg.SenderID != e.self.UserID {
		// The sender has stopped composing.
		e.typing.Observe(msg.SenderID, false)
	}
	e.logger.Debug("inbound message", "outcome", outcome, "message_id", models.FormatID(msg.ID))
}

func (e *Engine) handleTyping(data json.RawMessage) {
	var evt addressing.Typing
	if err := json.Unmarshal(data, &evt); err != nil {
		e.logger.Warn("malformed typing event", "error", err)
		return
	}
	if !e.addr.AcceptTyping(evt) {
		return
	}
	if e.conv.Pending() && evt.ChatID != nil {
		e.promoteLocked(*evt.ChatID)
	}
	e.typing.Observe(evt.UserID, evt.TypingFlag)
}

// =============================================================================
// SESSION EVENTS
// =============================================================================

// sessionEvent runs fn under the lock unless the engine is closed.
func (e *Engine) sessionEvent(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	fn()
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) handleConnect(json.RawMessage) {
	e.sessionEvent(func() {
		e.connected = true
		if e.err != nil && e.err.Kind == KindTransport {
			e.err = nil
		}
	})
}

func (e *Engine) handleDisconnect(json.RawMessage) {
	e.sessionEvent(func() {
		e.connected = false
	})
}

func (e *Engine) handleChannelError(data json.RawMessage) {
	err := e.ch.LastError()
	if err == nil {
		err = errors.New(errorText(data))
	}

	var terr *channel.TransportError
	if errors.As(err, &terr) {
		e.sessionEvent(func() {
			e.connected = false
			e.err = &Error{Kind: KindTransport, Op: "channel", Err: err}
			e.noticeLocked("Connection lost", e.err)
		})
		return
	}

	// Protocol errors are reported, not fatal.
	e.logger.Warn("channel protocol error", "error", err)
	e.sessionEvent(func() {
		e.noticeLocked("Channel error", err)
	})
}

func (e *Engine) handleServerError(data json.RawMessage) {
	text := errorText(data)
	e.logger.Warn("server error", "error", text)
	e.sessionEvent(func() {
		e.noticeLocked("Server error", errors.New(text))
	})
}

func (e *Engine) handleGroupCreated(data json.RawMessage) {
	var g models.Group
	if err := json.Unmarshal(data, &g); err != nil {
		e.logger.Warn("malformed groupCreated", "error", err)
	}
	e.sessionEvent(func() {
		if g.ID != 0 {
			e.dir.AddGroup(g)
			if g.HasParticipant(e.self.UserID) {
				e.noticeLocked(fmt.Sprintf("Added to group %q", g.Name), nil)
			}
		}
		e.refreshAsync()
	})
}

func (e *Engine) handleGroupCreatedAck(data json.RawMessage) {
	var g models.Group
	if err := json.Unmarshal(data, &g); err != nil || g.ID == 0 {
		e.logger.Warn("malformed groupCreatedAck", "error", err)
		e.sessionEvent(func() {
			e.noticeLocked("Group created", nil)
			e.refreshAsync()
		})
		return
	}
	e.sessionEvent(func() {
		e.dir.AddGroup(g)
		e.noticeLocked(fmt.Sprintf("Group %q created", g.Name), nil)
	})
}

func (e *Engine) handleGroupCreationError(data json.RawMessage) {
	err := &Error{Kind: KindGroupCreation, Op: "create group", Err: errors.New(errorText(data))}
	e.logger.Warn("group creation failed", "error", err)
	e.sessionEvent(func() {
		e.noticeLocked("Could not create group", err)
	})
}

func (e *Engine) handleChatDeleted(data json.RawMessage) {
	chatID, ok := deletedChatID(data)
	if !ok {
		e.logger.Warn("malformed chatDeleted", "data", string(data))
		e.sessionEvent(e.refreshAsync)
		return
	}
	e.sessionEvent(func() {
		e.applyDeletionLocked(chatID)
		// The broadcast also confirms our own request.
		if _, ok := e.requestedDeletions[chatID]; ok {
			e.deletionNoticeLocked(chatID)
		}
		e.refreshAsync()
	})
}

func (e *Engine) handleChatDeletedAck(data json.RawMessage) {
	chatID, ok := deletedChatID(data)
	e.sessionEvent(func() {
		if !ok {
			e.noticeLocked("Chat deleted", nil)
			return
		}
		e.applyDeletionLocked(chatID)
		e.deletionNoticeLocked(chatID)
	})
}

func (e *Engine) handleChatDeletionError(data json.RawMessage) {
	err := &Error{Kind: KindChatDeletion, Op: "delete chat", Err: errors.New(errorText(data))}
	e.logger.Warn("chat deletion failed", "error", err)
	e.sessionEvent(func() {
		e.noticeLocked("Could not delete chat", err)
	})
}

// handleDeleteAck is the acknowledgment callback of DeleteChat.
func (e *Engine) handleDeleteAck(chatID int64, data json.RawMessage) {
	var ack struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(data, &ack)

	if ack.Error != "" || (ack.Success != nil && !*ack.Success) {
		err := &Error{Kind: KindChatDeletion, Op: "delete chat", Err: errors.New(errorText(data))}
		e.logger.Warn("chat deletion refused", "chat_id", chatID, "error", err)
		e.sessionEvent(func() {
			e.noticeLocked("Could not delete chat", err)
		})
		return
	}
	e.sessionEvent(func() {
		e.applyDeletionLocked(chatID)
		e.deletionNoticeLocked(chatID)
	})
}

// deletionNoticeLocked reports a confirmed deletion once per chat, however
// many acknowledgments the backend sends for it.
// Caller must hold the lock.
func (e *Engine) deletionNoticeLocked(chatID int64) {
	if _, ok := e.confirmedDeletions[chatID]; ok {
		return
	}
	delete(e.requestedDeletions, chatID)
	e.confirmedDeletions[chatID] = struct{}{}
	e.noticeLocked("Chat deleted", nil)
}

// applyDeletionLocked drops a deleted chat from the directory and falls back
// to no selection if it was active. No typing announcement is sent to a chat
// that no longer exists.
// Caller must hold the lock.
func (e *Engine) applyDeletionLocked(chatID int64) {
	e.dir.RemoveChat(chatID)
	if e.conv == nil || e.conv.ChatID == nil || *e.conv.ChatID != chatID {
		return
	}
	e.setAddressLocked(nil)
	e.leaveLocked()
	e.gen++
	e.logger.Info("active chat deleted", "chat_id", chatID)
}

// deletedChatID accepts {"chatId": n} or a bare number.
func deletedChatID(data json.RawMessage) (int64, bool) {
	var obj struct {
		ChatID *int64 `json:"chatId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.ChatID != nil {
		return *obj.ChatID, true
	}
	var id int64
	if err := json.Unmarshal(data, &id); err == nil && id != 0 {
		return id, true
	}
	return 0, false
}
