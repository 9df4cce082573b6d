package addressing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/raphaelgruber/parley/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const self = int64(1)

var (
	bob  = models.User{ID: 2, Name: "Bob"}
	team = models.Group{ID: 50, Name: "team", Participants: []models.Participant{{ID: 2}, {ID: 3}, {ID: self}}}
	when = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func TestForDispatchesOnCounterpart(t *testing.T) {
	d := For(self, models.NewConversation(bob))
	require.IsType(t, Direct{}, d)
	assert.Equal(t, models.KindDirect, d.Kind())
	assert.Nil(t, d.ChatID())

	g := For(self, models.NewConversation(team))
	require.IsType(t, Group{}, g)
	assert.Equal(t, int64(50), *g.ChatID())
	assert.Equal(t, []int64{2, 3, self}, g.(Group).Participants)
}

func TestDirectPayloadShape(t *testing.T) {
	addr := For(self, models.NewConversation(bob))

	raw, err := json.Marshal(addr.SendPayload("hi", nil, when, "c-1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"senderId": 1, "receiverId": 2, "content": "hi", "image": null,
		"createdAt": "2024-05-01T12:00:00Z", "chatId": null, "clientId": "c-1"
	}`, string(raw))

	raw, err = json.Marshal(addr.TypingPayload(true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":1,"chatId":null,"typingFlag":true,"receiverId":2}`, string(raw))
}

func TestGroupPayloadShape(t *testing.T) {
	addr := For(self, models.NewConversation(team))

	raw, err := json.Marshal(addr.SendPayload("", []byte{0xff}, when, ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"senderId": 1, "chatId": 50, "participants": [2,3,1], "content": "",
		"image": "/w==", "createdAt": "2024-05-01T12:00:00Z"
	}`, string(raw))

	raw, err = json.Marshal(addr.TypingPayload(false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":1,"chatId":50,"typingFlag":false,"participants":[2,3,1]}`, string(raw))
}

func TestDirectAcceptMessage(t *testing.T) {
	resolved := Direct{Self: self, ReceiverID: 2, Chat: models.Int64Ptr(10)}
	pending := Direct{Self: self, ReceiverID: 2}

	tests := []struct {
		name string
		addr Direct
		msg  models.Message
		want bool
	}{
		{"same chat", resolved, models.Message{ChatID: models.Int64Ptr(10), SenderID: 2}, true},
		{"other chat", resolved, models.Message{ChatID: models.Int64Ptr(11), SenderID: 2}, false},
		{"group message with same id", resolved, models.Message{ChatID: models.Int64Ptr(10), Kind: models.KindGroup}, false},
		{"pending: peer to self", pending, models.Message{ChatID: models.Int64Ptr(10), SenderID: 2, ReceiverID: models.Int64Ptr(self)}, true},
		{"pending: peer without receiver", pending, models.Message{ChatID: models.Int64Ptr(10), SenderID: 2}, false},
		{"pending: own echo", pending, models.Message{ChatID: models.Int64Ptr(10), SenderID: self, ReceiverID: models.Int64Ptr(2)}, true},
		{"pending: own message to someone else", pending, models.Message{ChatID: models.Int64Ptr(10), SenderID: self, ReceiverID: models.Int64Ptr(3)}, false},
		{"pending: stranger", pending, models.Message{ChatID: models.Int64Ptr(10), SenderID: 3}, false},
		{"pending: no chat id yet", pending, models.Message{SenderID: 2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.addr.AcceptMessage(tt.msg))
		})
	}
}

func TestAcceptTyping(t *testing.T) {
	resolved := Direct{Self: self, ReceiverID: 2, Chat: models.Int64Ptr(10)}
	pending := Direct{Self: self, ReceiverID: 2}
	group := Group{Self: self, GroupID: 50}

	tests := []struct {
		name string
		addr Address
		evt  Typing
		want bool
	}{
		{"direct match", resolved, Typing{UserID: 2, ChatID: models.Int64Ptr(10), TypingFlag: true}, true},
		{"direct other chat", resolved, Typing{UserID: 2, ChatID: models.Int64Ptr(11)}, false},
		{"direct own echo", resolved, Typing{UserID: self, ChatID: models.Int64Ptr(10)}, false},
		{"pending from peer", pending, Typing{UserID: 2, ReceiverID: models.Int64Ptr(self)}, true},
		{"pending from peer with chat id", pending, Typing{UserID: 2, ChatID: models.Int64Ptr(10), ReceiverID: models.Int64Ptr(self)}, true},
		{"pending group typing from peer", pending, Typing{UserID: 2, ChatID: models.Int64Ptr(50), Participants: []int64{1, 2}}, false},
		{"pending from peer to other", pending, Typing{UserID: 2, ReceiverID: models.Int64Ptr(3)}, false},
		{"group match", group, Typing{UserID: 3, ChatID: models.Int64Ptr(50)}, true},
		{"group own echo", group, Typing{UserID: self, ChatID: models.Int64Ptr(50)}, false},
		{"group other chat", group, Typing{UserID: 3, ChatID: models.Int64Ptr(51)}, false},
		{"group missing chat", group, Typing{UserID: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.addr.AcceptTyping(tt.evt))
		})
	}
}

func TestGroupAcceptMessage(t *testing.T) {
	g := Group{Self: self, GroupID: 50}
	assert.True(t, g.AcceptMessage(models.Message{ChatID: models.Int64Ptr(50)}))
	assert.False(t, g.AcceptMessage(models.Message{ChatID: models.Int64Ptr(5)}))
	assert.False(t, g.AcceptMessage(models.Message{}))
}

func TestNewCreateGroup(t *testing.T) {
	tests := []struct {
		name         string
		groupName    string
		participants []int64
		want         []int64
		wantErr      error
	}{
		{"adds self", "team", []int64{2, 3}, []int64{2, 3, self}, nil},
		{"drops duplicates and self", " team ", []int64{3, 2, 3, self}, []int64{3, 2, self}, nil},
		{"blank name", "  ", []int64{2}, nil, ErrGroupName},
		{"only self", "solo", []int64{self}, nil, ErrGroupMembers},
		{"nobody", "empty", nil, nil, ErrGroupMembers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewCreateGroup(tt.groupName, tt.participants, self)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "team", got.Name)
			assert.Equal(t, tt.want, got.Participants)
		})
	}
}
