package cli

import (
	"testing"
	"time"

	"github.com/raphaelgruber/parley/internal/engine"
	"github.com/raphaelgruber/parley/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = models.User{ID: 1, Name: "Alice"}
	bob   = models.User{ID: 2, Name: "Bob"}
	carol = models.User{ID: 3, Name: "Carol"}
	team  = models.Group{ID: 50, Name: "Team", Participants: []models.Participant{
		{ID: 1, Name: "Alice"},
		{ID: 4, Name: "Dave"},
	}}
)

func TestParseIDs(t *testing.T) {
	tests := []struct {
		name    string
		values  []string
		want    []int64
		wantErr bool
	}{
		{"empty", nil, []int64{}, false},
		{"single", []string{"2"}, []int64{2}, false},
		{"trimmed", []string{" 2", "3 "}, []int64{2, 3}, false},
		{"blank entries skipped", []string{"2", "", "  "}, []int64{2}, false},
		{"not a number", []string{"2", "bob"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseIDs(tt.values)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOtherUsers(t *testing.T) {
	got := otherUsers([]models.User{alice, bob, carol}, 2)
	assert.Equal(t, []models.User{alice, carol}, got)
}

func TestNameIndex(t *testing.T) {
	tests := []struct {
		name string
		cp   models.Counterpart
		id   int64
		want string
	}{
		{"directory user", nil, 2, "Bob"},
		{"direct counterpart overrides", models.User{ID: 2, Name: "Bobby"}, 2, "Bobby"},
		{"group participant", team, 4, "Dave"},
		{"unnamed counterpart keeps directory name", models.User{ID: 3}, 3, "Carol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			names := nameIndex([]models.User{alice, bob, carol}, tt.cp)
			assert.Equal(t, tt.want, names[tt.id])
		})
	}
}

func TestSenderName(t *testing.T) {
	names := map[int64]string{2: "Bob", 5: ""}

	assert.Equal(t, "you", senderName(1, names, 1))
	assert.Equal(t, "Bob", senderName(2, names, 1))
	assert.Equal(t, "user 5", senderName(5, names, 1))
	assert.Equal(t, "user 9", senderName(9, names, 1))
}

func TestFormatLine(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	names := map[int64]string{2: "Bob"}

	tests := []struct {
		name     string
		msg      models.Message
		contains []string
		excludes []string
	}{
		{
			name:     "confirmed peer message",
			msg:      models.Message{ID: models.Int64Ptr(7), SenderID: 2, Content: "hi", CreatedAt: now.Add(-2 * time.Minute)},
			contains: []string{"Bob: hi", "2 minutes ago"},
			excludes: []string{"(sending)"},
		},
		{
			name:     "optimistic own message",
			msg:      models.Message{SenderID: 1, Content: "hello"},
			contains: []string{"you: hello", "(sending)"},
		},
		{
			name:     "image only",
			msg:      models.Message{ID: models.Int64Ptr(8), SenderID: 2, Image: []byte{1, 2, 3}},
			contains: []string{"Bob: [image 3 B]"},
		},
		{
			name:     "text and image",
			msg:      models.Message{ID: models.Int64Ptr(9), SenderID: 2, Content: "look", Image: []byte{1}},
			contains: []string{"Bob: look [image 1 B]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := formatLine(tt.msg, names, 1, now)
			for _, s := range tt.contains {
				assert.Contains(t, line, s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, line, s)
			}
		})
	}
}

func TestBuildEntries(t *testing.T) {
	entries := buildEntries([]models.User{alice, bob}, []models.Group{team}, 1)

	require.Len(t, entries, 2)
	assert.Equal(t, "Bob", entries[0].label)
	assert.Equal(t, bob, entries[0].cp)
	assert.Equal(t, "# Team (2)", entries[1].label)
	assert.Equal(t, team, entries[1].cp)
}

func TestTypingLine(t *testing.T) {
	names := map[int64]string{2: "Bob", 3: "Carol", 5: "Eve"}
	active := models.NewConversation(team)

	tests := []struct {
		name   string
		typing []int64
		want   string
	}{
		{"nobody", nil, ""},
		{"one participant", []int64{4}, "Dave is typing..."},
		{"two from lookup", []int64{2, 3}, "Bob and Carol are typing..."},
		{"unknown user", []int64{9}, "user 9 is typing..."},
		{"many", []int64{2, 3, 5}, "3 people are typing..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := engine.Projection{Active: active, Typing: tt.typing}
			assert.Equal(t, tt.want, typingLine(p, names))
		})
	}
}

func TestLastPeerMessage(t *testing.T) {
	p := engine.Projection{
		Self: models.Identity{UserID: 1},
		Timeline: []models.Message{
			{SenderID: 2, Content: "first"},
			{SenderID: 2, Content: "question?"},
			{SenderID: 2, Image: []byte{1}},
			{SenderID: 1, Content: "mine"},
		},
	}
	assert.Equal(t, "question?", lastPeerMessage(p))
	assert.Empty(t, lastPeerMessage(engine.Projection{}))
}

func TestConversationTitle(t *testing.T) {
	assert.Equal(t, "# Team", conversationTitle(models.NewConversation(team)))
	assert.Equal(t, "Bob (new chat)", conversationTitle(models.NewConversation(bob)))

	conv := models.NewConversation(bob)
	conv.Promote(12)
	assert.Equal(t, "Bob", conversationTitle(conv))
	assert.Equal(t, "user 7 (new chat)", conversationTitle(models.NewConversation(models.User{ID: 7})))
}

func TestRenderTimelineStates(t *testing.T) {
	now := time.Now()
	names := map[int64]string{2: "Bob"}

	loading := renderTimeline(engine.Projection{Loading: true}, names, defaultTheme, now, 10)
	assert.Contains(t, loading, "Loading conversation")

	empty := renderTimeline(engine.Projection{Active: models.NewConversation(bob)}, names, defaultTheme, now, 10)
	assert.Contains(t, empty, "No messages yet")

	var msgs []models.Message
	for i := range 5 {
		msgs = append(msgs, models.Message{ID: models.Int64Ptr(int64(i)), SenderID: 2, Content: string(rune('a' + i))})
	}
	p := engine.Projection{Self: models.Identity{UserID: 1}, Active: models.NewConversation(bob), Timeline: msgs}
	out := renderTimeline(p, names, defaultTheme, now, 2)
	assert.Contains(t, out, " d ")
	assert.Contains(t, out, " e ")
	assert.NotContains(t, out, " a ")
}
