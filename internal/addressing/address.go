// Package addressing shapes outbound payloads and inbound match predicates
// for direct and group conversations.
package addressing

import (
	"errors"
	"strings"
	"time"

	"github.com/raphaelgruber/parley/internal/models"
)

var (
	// ErrGroupName is returned when a group is created without a name.
	ErrGroupName = errors.New("group name is required")

	// ErrGroupMembers is returned when a group has nobody besides the creator.
	ErrGroupMembers = errors.New("group needs at least one other participant")
)

// Address is the addressing of one conversation at one point in time.
// Implementations are Direct and Group.
type Address interface {
	Kind() models.Kind
	ChatID() *int64
	// SendPayload shapes the sendMessage payload.
	SendPayload(content string, image []byte, createdAt time.Time, clientID string) any
	// TypingPayload shapes the outbound typing payload.
	TypingPayload(typing bool) Typing
	// AcceptMessage reports whether an inbound message belongs here.
	AcceptMessage(msg models.Message) bool
	// AcceptTyping reports whether an inbound typing event belongs here.
	AcceptTyping(evt Typing) bool
	sealed()
}

// For derives the address of conv for the local user self.
func For(self int64, conv *models.Conversation) Address {
	switch cp := conv.Counterpart.(type) {
	case models.Group:
		return Group{Self: self, GroupID: cp.ID, Participants: cp.ParticipantIDs()}
	case models.User:
		var chat *int64
		if conv.ChatID != nil {
			chat = models.Int64Ptr(*conv.ChatID)
		}
		return Direct{Self: self, ReceiverID: cp.ID, Chat: chat}
	default:
		panic("addressing: unknown counterpart type")
	}
}

// Typing is the typing event shape in both directions.
type Typing struct {
	UserID       int64   `json:"userId"`
	ChatID       *int64  `json:"chatId"`
	TypingFlag   bool    `json:"typingFlag"`
	ReceiverID   *int64  `json:"receiverId,omitempty"`
	Participants []int64 `json:"participants,omitempty"`
}

// DirectMessage is the sendMessage payload of a direct conversation.
// ChatID is null for the first message of a new chat.
type DirectMessage struct {
	SenderID   int64     `json:"senderId"`
	ReceiverID int64     `json:"receiverId"`
	Content    string    `json:"content"`
	Image      []byte    `json:"image"`
	CreatedAt  time.Time `json:"createdAt"`
	ChatID     *int64    `json:"chatId"`
	ClientID   string    `json:"clientId,omitempty"`
}

// GroupMessage is the sendMessage payload of a group conversation.
type GroupMessage struct {
	SenderID     int64     `json:"senderId"`
	ChatID       int64     `json:"chatId"`
	Participants []int64   `json:"participants"`
	Content      string    `json:"content"`
	Image        []byte    `json:"image"`
	CreatedAt    time.Time `json:"createdAt"`
	ClientID     string    `json:"clientId,omitempty"`
}

// Direct addresses a one-to-one conversation.
type Direct struct {
	Self       int64
	ReceiverID int64
	Chat       *int64
}

func (d Direct) Kind() models.Kind { return models.KindDirect }
func (d Direct) ChatID() *int64    { return d.Chat }
func (Direct) sealed()             {}

func (d Direct) SendPayload(content string, image []byte, createdAt time.Time, clientID string) any {
	return DirectMessage{
		SenderID:   d.Self,
		ReceiverID: d.ReceiverID,
		Content:    content,
		Image:      image,
		CreatedAt:  createdAt,
		ChatID:     d.Chat,
		ClientID:   clientID,
	}
}

func (d Direct) TypingPayload(typing bool) Typing {
	return Typing{
		UserID:     d.Self,
		ChatID:     d.Chat,
		TypingFlag: typing,
		ReceiverID: models.Int64Ptr(d.ReceiverID),
	}
}

// AcceptMessage matches on chat id. While the chat is still pending, the
// first message between the two users is matched by sender and receiver so
// its chat id can be adopted. Both must be present; group traffic carries
// no receiver.
func (d Direct) AcceptMessage(msg models.Message) bool {
	if msg.Kind == models.KindGroup {
		return false
	}
	if d.Chat != nil {
		return models.SameID(msg.ChatID, d.Chat)
	}
	if msg.ChatID == nil {
		return false
	}
	switch msg.SenderID {
	case d.Self:
		return msg.ReceiverID != nil && *msg.ReceiverID == d.ReceiverID
	case d.ReceiverID:
		return msg.ReceiverID != nil && *msg.ReceiverID == d.Self
	default:
		return false
	}
}

func (d Direct) AcceptTyping(evt Typing) bool {
	if evt.UserID == d.Self {
		return false
	}
	if d.Chat != nil {
		return models.SameID(evt.ChatID, d.Chat)
	}
	return evt.UserID == d.ReceiverID && evt.ReceiverID != nil && *evt.ReceiverID == d.Self
}

// Group addresses a group conversation; the chat id is the group id.
type Group struct {
	Self         int64
	GroupID      int64
	Participants []int64
}

func (g Group) Kind() models.Kind { return models.KindGroup }
func (g Group) ChatID() *int64    { return models.Int64Ptr(g.GroupID) }
func (Group) sealed()             {}

func (g Group) SendPayload(content string, image []byte, createdAt time.Time, clientID string) any {
	return GroupMessage{
		SenderID:     g.Self,
		ChatID:       g.GroupID,
		Participants: g.Participants,
		Content:      content,
		Image:        image,
		CreatedAt:    createdAt,
		ClientID:     clientID,
	}
}

func (g Group) TypingPayload(typing bool) Typing {
	return Typing{
		UserID:       g.Self,
		ChatID:       models.Int64Ptr(g.GroupID),
		TypingFlag:   typing,
		Participants: g.Participants,
	}
}

func (g Group) AcceptMessage(msg models.Message) bool {
	return msg.ChatID != nil && *msg.ChatID == g.GroupID
}

func (g Group) AcceptTyping(evt Typing) bool {
	return evt.UserID != g.Self && evt.ChatID != nil && *evt.ChatID == g.GroupID
}

// CreateGroup is the createGroup payload.
type CreateGroup struct {
	Name         string  `json:"name"`
	Participants []int64 `json:"participants"`
}

// NewCreateGroup validates a group request and adds the creator to the
// participants. Duplicates are dropped; order is kept.
func NewCreateGroup(name string, participants []int64, self int64) (CreateGroup, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return CreateGroup{}, ErrGroupName
	}

	seen := make(map[int64]struct{}, len(participants)+1)
	members := make([]int64, 0, len(participants)+1)
	for _, id := range participants {
		if _, dup := seen[id]; dup || id == self {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	if len(members) == 0 {
		return CreateGroup{}, ErrGroupMembers
	}
	members = append(members, self)

	return CreateGroup{Name: name, Participants: members}, nil
}
