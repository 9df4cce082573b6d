package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/parley/internal/addressing"
	"github.com/raphaelgruber/parley/internal/channel"
	"github.com/raphaelgruber/parley/internal/directory"
	"github.com/raphaelgruber/parley/internal/models"
	"github.com/raphaelgruber/parley/internal/presence"
	"github.com/raphaelgruber/parley/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// FAKES
// =============================================================================

type emitted struct {
	event string
	data  json.RawMessage
}

// fakeChannel delivers events synchronously, like the read goroutine does.
type fakeChannel struct {
	mu        sync.Mutex
	nextID    channel.HandlerID
	handlers  map[string]map[channel.HandlerID]channel.Handler
	emits     []emitted
	acks      []channel.AckFunc
	connected bool
	lastErr   error
	emitErr   error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]map[channel.HandlerID]channel.Handler), connected: true}
}

func (f *fakeChannel) On(event string, fn channel.Handler) channel.HandlerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[channel.HandlerID]channel.Handler)
	}
	f.handlers[event][f.nextID] = fn
	return f.nextID
}

func (f *fakeChannel) Off(event string, id channel.HandlerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[event], id)
}

func (f *fakeChannel) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.emits = append(f.emits, emitted{event: event, data: data})
	return nil
}

func (f *fakeChannel) EmitWithAck(event string, payload any, ack channel.AckFunc) error {
	if err := f.Emit(event, payload); err != nil {
		return err
	}
	f.mu.Lock()
	f.acks = append(f.acks, ack)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *fakeChannel) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	fns := make([]channel.Handler, 0, len(f.handlers[event]))
	for _, fn := range f.handlers[event] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}

func (f *fakeChannel) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

func (f *fakeChannel) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

func (f *fakeChannel) sent(event string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e.data)
		}
	}
	return out
}

type resolveFunc func(ctx context.Context) (directory.Resolved, error)

type fakeDirectory struct {
	mu         sync.Mutex
	resolvers  map[int64]resolveFunc
	remembered map[int64]int64
	added      []models.Group
	removed    []int64
	refreshes  int
	resets     int
	refreshErr error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{resolvers: make(map[int64]resolveFunc), remembered: make(map[int64]int64)}
}

func (d *fakeDirectory) on(id int64, fn resolveFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolvers[id] = fn
}

func (d *fakeDirectory) Resolve(ctx context.Context, _ models.Identity, cp models.Counterpart) (directory.Resolved, error) {
	d.mu.Lock()
	fn := d.resolvers[cp.CounterpartID()]
	d.mu.Unlock()
	if fn == nil {
		return directory.Resolved{Conversation: models.NewConversation(cp), Messages: []models.Message{}}, nil
	}
	return fn(ctx)
}

func (d *fakeDirectory) Remember(counterpartID, chatID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remembered[counterpartID] = chatID
}

func (d *fakeDirectory) Refresh(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refreshes++
	return d.refreshErr
}

func (d *fakeDirectory) AddGroup(g models.Group) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.added = append(d.added, g)
}

func (d *fakeDirectory) RemoveChat(chatID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, chatID)
}

func (d *fakeDirectory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
}

func (d *fakeDirectory) addedGroups() []models.Group {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Group(nil), d.added...)
}

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	at   time.Duration
	fn   func()
	done bool
	c    *manualClock
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) presence.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{at: c.now + d, fn: f, c: c}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.done
	t.done = true
	return was
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []func()
	for _, t := range c.timers {
		if !t.done && t.at <= c.now {
			t.done = true
			due = append(due, t.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

// =============================================================================
// HARNESS
// =============================================================================

const self = int64(1)

var (
	bob   = models.User{ID: 2, Name: "Bob"}
	carol = models.User{ID: 3, Name: "Carol"}
	team  = models.Group{ID: 50, Name: "team", Participants: []models.Participant{
		{ID: 4, Name: "Alice"}, {ID: 2, Name: "Bob"}, {ID: self, Name: "Me"},
	}}
	t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

type harness struct {
	eng   *Engine
	ch    *fakeChannel
	dir   *fakeDirectory
	clock *manualClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{ch: newFakeChannel(), dir: newFakeDirectory(), clock: &manualClock{}}
	eng, err := New(Deps{
		Session:   &session.Session{Identity: models.Identity{UserID: self}},
		Channel:   h.ch,
		Directory: h.dir,
		Clock:     h.clock,
		Debounce:  300 * time.Millisecond,
		Now:       func() time.Time { return t0 },
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Close() })
	h.eng = eng
	return h
}

func history(cp models.Counterpart, chatID *int64, msgs ...models.Message) resolveFunc {
	return func(context.Context) (directory.Resolved, error) {
		conv := models.NewConversation(cp)
		if chatID != nil {
			conv.ChatID = chatID
		}
		if msgs == nil {
			msgs = []models.Message{}
		}
		return directory.Resolved{Conversation: conv, Messages: msgs}, nil
	}
}

func contents(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

// =============================================================================
// TESTS
// =============================================================================

func TestNewRequiresChannel(t *testing.T) {
	_, err := New(Deps{Session: &session.Session{}, Directory: newFakeDirectory()})
	assert.ErrorIs(t, err, ErrNoChannel)
}

func TestStartInstallsSessionHandlers(t *testing.T) {
	h := newHarness(t)

	for _, event := range []string{
		channel.EventConnect, channel.EventDisconnect, channel.EventChannelError,
		addressing.EventGroupCreated, addressing.EventChatDeleted, addressing.EventError,
	} {
		assert.Equal(t, 1, h.ch.count(event), event)
	}
	assert.Equal(t, 0, h.ch.count(addressing.EventNewMessage), "no conversation yet")
	assert.True(t, h.eng.View().Connected)
	assert.Equal(t, 1, h.dir.refreshes)
}

func TestDirectFirstContact(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.eng.Select(context.Background(), bob))
	v := h.eng.View()
	require.NotNil(t, v.Active)
	assert.Nil(t, v.Active.ChatID)
	assert.Empty(t, v.Timeline)

	require.NoError(t, h.eng.Send("hi", nil))
	v = h.eng.View()
	assert.Equal(t, []string{"hi"}, contents(v.Timeline))
	assert.Nil(t, v.Timeline[0].ID, "optimistic")

	sent := h.ch.sent(addressing.EventSendMessage)
	require.Len(t, sent, 1)
	payload := decode(t, sent[0])
	assert.Nil(t, payload["chatId"])
	assert.Contains(t, payload, "chatId")
	assert.EqualValues(t, 2, payload["receiverId"])
	assert.EqualValues(t, self, payload["senderId"])
	assert.NotEmpty(t, payload["clientId"])
}

func TestEchoPromotesPendingConversation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Select(context.Background(), bob))
	require.NoError(t, h.eng.Send("hi", nil))

	h.ch.deliver(t, addressing.EventNewMessage, map[string]any{
		"id": 900, "senderId": self, "receiverId": 2, "chatId": 10, "content": "hi",
	})

	v := h.eng.View()
	require.NotNil(t, v.Active.ChatID)
	assert.Equal(t, int64(10), *v.Active.ChatID)
	require.Len(t, v.Timeline, 1, "echo reconciled, not appended")
	assert.Equal(t, int64(900), *v.Timeline[0].ID)
	assert.Equal(t, int64(10), h.dir.remembered[bob.ID])

	// Later sends carry the adopted chat id.
	require.NoError(t, h.eng.Send("again", nil))
	sent := h.ch.sent(addressing.EventSendMessage)
	assert.EqualValues(t, 10, decode(t, sent[len(sent)-1])["chatId"])
}

func TestInboundMessageFilter(t *testing.T) {
	h := newHarness(t)
	h.dir.on(bob.ID, history(bob, models.Int64Ptr(10), models.Message{ID: models.Int64Ptr(1), ChatID: models.Int64Ptr(10), SenderID: 2, Content: "old"}))
	require.NoError(t, h.eng.Select(context.Background(), bob))

	h.ch.deliver(t, addressing.EventNewMessage, map[string]any{"id": 2, "senderId": 3, "chatId": 11, "content": "elsewhere"})
	h.ch.deliver(t, addressing.EventNewMessage, map[string]any{"id": 1, "senderId": 2, "chatId": 10, "content": "old"})
	h.ch.deliver(t, addressing.EventNewMessage, map[string]any{"id": 3, "senderId": 2, "chatId": 10, "content": "new"})
	h.ch.deliver(t, addressing.EventNewMessage, "not a message")

	assert.Equal(t, []string{"old", "new"}, contents(h.eng.View().Timeline))
}

func TestOptimisticEchoGrowsByOne(t *testing.T) {
	h := newHarness(t)
	h.dir.on(team.ID, history(team, nil))
	require.NoError(t, h.eng.Select(context.Background(), team))

	for i, body := range []string{"a", "b", "a"} {
		require.NoError(t, h.eng.Send(body, nil))
		before := len(h.eng.View().Timeline)
		h.ch.deliver(t, addressing.EventNewMessage, map[string]any{
			"id": 100 + i, "senderId": self, "chatId": team.ID, "content": body,
		})
		assert.Equal(t, before, len(h.eng.View().Timeline), "echo %d", i)
	}
	assert.Equal(t, []string{"a", "b", "a"}, contents(h.eng.View().Timeline))
}

func TestGroupTypingScenario(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Select(context.Background(), team))

	h.ch.deliver(t, addressing.EventTyping, addressing.Typing{UserID: 4, ChatID: models.Int64Ptr(50), TypingFlag: true})
	assert.Equal(t, []int64{4}, h.eng.View().Typing)
	assert.Equal(t, []string{"Alice"}, h.eng.View().TypingNames(nil))

	h.ch.deliver(t, addressing.EventTyping, addressing.Typing{UserID: self, ChatID: models.Int64Ptr(50), TypingFlag: true})
	h.ch.deliver(t, addressing.EventTyping, addressing.Typing{UserID: 2, ChatID: models.Int64Ptr(51), TypingFlag: true})
	assert.Equal(t, []int64{4}, h.eng.View().Typing, "own echo and other chats ignored")

	h.ch.deliver(t, addressing.EventTyping, addressing.Typing{UserID: 4, ChatID: models.Int64Ptr(50), TypingFlag: false})
	assert.Empty(t, h.eng.View().Typing)
}

func TestSwitchClearsTypingAndReinstallsHandlers(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Select(context.Background(), team))
	h.ch.deliver(t, addressing.EventTyping, addressing.Typing{UserID: 4, ChatID: models.Int64Ptr(50), TypingFlag: true})
	require.NotEmpty(t, h.eng.View().Typing)

	h.dir.on(bob.ID, history(bob, models.Int64Ptr(10)))
	require.NoError(t, h.eng.Select(context.Background(), bob))

	assert.Empty(t, h.eng.View().Typing)
	assert.Equal(t, 1, h.ch.count(addressing.EventNewMessage))
	assert.Equal(t, 1, h.ch.count(addressing.EventTyping))

	// The previous group's events no longer reach the timeline.
	h.ch.deliver(t, addressing.EventNewMessage, map[string]any{"id": 5, "senderId": 4, "chatId": 50, "content": "late"})
	assert.Empty(t, h.eng.View().Timeline)
}

func TestStaleResolveIsDiscarded(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	h.dir.on(carol.ID, func(ctx context.Context) (directory.Resolved, error) {
		<-release
		conv := models.NewConversation(carol)
		conv.ChatID = models.Int64Ptr(77)
		return directory.Resolved{Conversation: conv, Messages: []models.Message{{ID: models.Int64Ptr(1), Content: "carol's"}}}, nil
	})
	h.dir.on(bob.ID, history(bob, models.Int64Ptr(10), models.Message{ID: models.Int64Ptr(2), ChatID: models.Int64Ptr(10), Content: "bob's"}))

	done := make(chan error, 1)
	go func() { done <- h.eng.Select(context.Background(), carol) }()
	require.Eventually(t, func() bool { return h.eng.View().Loading }, time.Second, time.Millisecond)

	require.NoError(t, h.eng.Select(context.Background(), bob))
	close(release)

	err := <-done
	assert.True(t, IsKind(err, KindStaleResult))
	assert.ErrorIs(t, err, ErrStaleResult)

	v := h.eng.View()
	assert.Equal(t, int64(10), *v.Active.ChatID)
	assert.Equal(t, []string{"bob's"}, contents(v.Timeline))
	assert.False(t, v.Loading)
}

func TestResolveIsCanceledOnSwitch(t *testing.T) {
	h := newHarness(t)
	canceled := make(chan struct{})
	h.dir.on(carol.ID, func(ctx context.Context) (directory.Resolved, error) {
		<-ctx.Done()
		close(canceled)
		return directory.Resolved{}, ctx.Err()
	})

	done := make(chan error, 1)
	go func() { done <- h.eng.Select(context.Background(), carol) }()
	require.Eventually(t, func() bool { return h.eng.View().Loading }, time.Second, time.Millisecond)

	h.eng.Deselect()
	<-canceled
	assert.True(t, IsKind(<-done, KindStaleResult))
	v := h.eng.View()
	assert.Nil(t, v.Err, "a discarded resolve is not user-visible")
	assert.Nil(t, v.Active)
}

func TestFetchErrorLeavesEmptyTimeline(t *testing.T) {
	h := newHarness(t)
	h.dir.on(team.ID, func(context.Context) (directory.Resolved, error) {
		return directory.Resolved{}, directory.ErrIncompleteGroup
	})

	err := h.eng.Select(context.Background(), team)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindFetch))
	assert.ErrorIs(t, err, directory.ErrIncompleteGroup)

	v := h.eng.View()
	require.NotNil(t, v.Err)
	assert.Equal(t, KindFetch, v.Err.Kind)
	assert.Nil(t, v.Active)
	assert.Empty(t, v.Timeline)
	assert.ErrorIs(t, h.eng.Send("hi", nil), ErrNoConversation)

	require.NoError(t, h.eng.Select(context.Background(), bob))
	assert.Nil(t, h.eng.View().Err, "error is scoped to the failed selection")
}

func TestSendPreconditions(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.eng.Send("hi", nil), ErrNoConversation)

	release := make(chan struct{})
	h.dir.on(bob.ID, func(context.Context) (directory.Resolved, error) {
		<-release
		return directory.Resolved{Conversation: models.NewConversation(bob), Messages: []models.Message{}}, nil
	})
	done := make(chan error, 1)
	go func() { done <- h.eng.Select(context.Background(), bob) }()
	require.Eventually(t, func() bool { return h.eng.View().Loading }, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.eng.Send("hi", nil), ErrLoading)
	close(release)
	require.NoError(t, <-done)

	assert.ErrorIs(t, h.eng.Send("  ", nil), ErrEmptyMessage)
	assert.NoError(t, h.eng.Send("", []byte{1, 2}))
}

func TestSendTransportFailureKeepsOptimisticEntry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Select(context.Background(), bob))
	h.ch.emitErr = channel.ErrNotConnected

	err := h.eng.Send("hi", nil)
	assert.True(t, IsKind(err, KindTransport))
	assert.ErrorIs(t, err, channel.ErrNotConnected)
	assert.Equal(t, []string{"hi"}, contents(h.eng.View().Timeline))
}

func TestTypingAnnouncements(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Select(context.Background(), bob))

	h.eng.InputChanged("h")
	h.eng.InputChanged("he")
	assert.Empty(t, h.ch.sent(addressing.EventTyping))

	h.clock.Advance(300 * time.Millisecond)
	sent := h.ch.sent(addressing.EventTyping)
	require.Len(t, sent, 1)
	assert.Equal(t, true, decode(t, sent[0])["typingFlag"])
	assert.EqualValues(t, 2, decode(t, sent[0])["receiverId"])

	h.eng.InputChanged("")
	sent = h.ch.sent(addressing.EventTyping)
	require.Len(t, sent, 2, "false goes out without waiting")
	assert.Equal(t, false, decode(t, sent[1])["typingFlag"])
}

func TestSendEndsTyping(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Select(context.Background(), team))
	h.eng.InputChanged("hello")
	h.clock.Advance(300 * time.Millisecond)

	require.NoError(t, h.eng.Send("hello", nil))
	sent := h.ch.sent(addressing.EventTyping)
	require.Len(t, sent, 2)
	last := decode(t, sent[1])
	assert.Equal(t, false, last["typingFlag"])
	assert.EqualValues(t, []any{4.0, 2.0, 1.0}, last["participants"])
}

func TestSwitchSendsFinalTypingFalseToPreviousConversation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Select(context.Background(), team))
	h.eng.InputChanged("draft")

	require.NoError(t, h.eng.Select(context.Background(), bob))
	h.clock.Advance(time.Second)

	sent := h.ch.sent(addressing.EventTyping)
	require.Len(t, sent, 1, "pending announce canceled, only the final false")
	last := decode(t, sent[0])
	assert.Equal(t, false, last["typingFlag"])
	assert.EqualValues(t, 50, last["chatId"])
}

func TestDeleteActiveGroup(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Select(context.Background(), team))
	require.NoError(t, h.eng.Send("bye", nil))

	require.NoError(t, h.eng.DeleteChat(team.ID))
	sent := h.ch.sent(addressing.EventDeleteChat)
	require.Len(t, sent, 1)
	assert.JSONEq(t, `50`, string(sent[0]))

	h.ch.deliver(t, addressing.EventChatDeleted, map[string]any{"chatId": 50})
	v := h.eng.View()
	assert.Nil(t, v.Active)
	assert.Empty(t, v.Timeline)
	assert.Equal(t, 0, h.ch.count(addressing.EventNewMessage))
	assert.Contains(t, h.dir.removed, int64(50))

	require.Eventually(t, func() bool {
		h.dir.mu.Lock()
		defer h.dir.mu.Unlock()
		return h.dir.refreshes >= 2
	}, time.Second, time.Millisecond, "listing refreshed")
}

func TestDeleteOtherChatKeepsActive(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Select(context.Background(), team))

	h.ch.deliver(t, addressing.EventChatDeleted, map[string]any{"chatId": 99})
	assert.NotNil(t, h.eng.View().Active)
}

func TestDeleteAck(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Select(context.Background(), team))
	require.NoError(t, h.eng.DeleteChat(team.ID))
	require.Len(t, h.ch.acks, 1)

	h.ch.acks[0](json.RawMessage(`{"success":false,"error":"not allowed"}`))
	v := h.eng.View()
	assert.NotNil(t, v.Active, "refused deletion changes nothing")
	require.NotEmpty(t, v.Notices)
	assert.True(t, IsKind(v.Notices[len(v.Notices)-1].Err, KindChatDeletion))

	require.NoError(t, h.eng.DeleteChat(team.ID))
	h.ch.acks[1](json.RawMessage(`{"success":true}`))
	assert.Nil(t, h.eng.View().Active)
}

func TestDeleteConfirmationIsReportedOnce(t *testing.T) {
	tests := []struct {
		name    string
		confirm func(t *testing.T, h *harness)
	}{
		{"callback ack", func(t *testing.T, h *harness) {
			h.ch.acks[0](json.RawMessage(`{"success":true}`))
		}},
		{"empty callback ack", func(t *testing.T, h *harness) {
			h.ch.acks[0](nil)
		}},
		{"chatDeletedAck event", func(t *testing.T, h *harness) {
			h.ch.deliver(t, addressing.EventChatDeletedAck, map[string]any{"chatId": 50})
		}},
		{"chatDeleted broadcast", func(t *testing.T, h *harness) {
			h.ch.deliver(t, addressing.EventChatDeleted, map[string]any{"chatId": 50})
		}},
		{"every confirmation", func(t *testing.T, h *harness) {
			h.ch.acks[0](json.RawMessage(`{"success":true}`))
			h.ch.deliver(t, addressing.EventChatDeletedAck, map[string]any{"chatId": 50})
			h.ch.deliver(t, addressing.EventChatDeleted, map[string]any{"chatId": 50})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.eng.Select(context.Background(), team))
			require.NoError(t, h.eng.DeleteChat(team.ID))
			require.Len(t, h.ch.acks, 1)
			before := len(h.eng.View().Notices)

			tt.confirm(t, h)

			v := h.eng.View()
			assert.Nil(t, v.Active)
			require.Len(t, v.Notices, before+1)
			assert.Equal(t, "Chat deleted", v.Notices[before].Text)
			assert.NoError(t, v.Notices[before].Err)
		})
	}
}

func TestForeignDeletionIsSilent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Select(context.Background(), team))

	h.ch.deliver(t, addressing.EventChatDeleted, map[string]any{"chatId": 50})
	v := h.eng.View()
	assert.Nil(t, v.Active)
	assert.Empty(t, v.Notices)
}

func TestGroupLifecycleEvents(t *testing.T) {
	h := newHarness(t)

	err := h.eng.CreateGroup(" ", []int64{2})
	assert.ErrorIs(t, err, ErrInvalidGroup)
	assert.ErrorIs(t, err, addressing.ErrGroupName)

	require.NoError(t, h.eng.CreateGroup("team", []int64{2, 4}))
	sent := h.ch.sent(addressing.EventCreateGroup)
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"name":"team","participants":[2,4,1]}`, string(sent[0]))

	h.ch.deliver(t, addressing.EventGroupCreationError, map[string]string{"message": "name taken"})
	assert.Empty(t, h.dir.addedGroups(), "failure does not touch the directory")
	notices := h.eng.View().Notices
	require.Len(t, notices, 1)
	assert.True(t, IsKind(notices[0].Err, KindGroupCreation))
	assert.Contains(t, notices[0].Err.Error(), "name taken")

	h.ch.deliver(t, addressing.EventGroupCreatedAck, team)
	require.Len(t, h.dir.addedGroups(), 1)
	assert.Equal(t, int64(50), h.dir.addedGroups()[0].ID)

	h.ch.deliver(t, addressing.EventGroupCreated, models.Group{ID: 60, Name: "other"})
	assert.Len(t, h.dir.addedGroups(), 2)
}

func TestTransportErrorSurfaces(t *testing.T) {
	h := newHarness(t)

	h.ch.deliver(t, channel.EventDisconnect, nil)
	v := h.eng.View()
	assert.False(t, v.Connected)
	assert.Nil(t, v.Err, "expected drops are not errors")

	h.ch.lastErr = &channel.TransportError{Attempts: 3, Err: errors.New("refused")}
	h.ch.deliver(t, channel.EventChannelError, map[string]string{"error": "refused"})
	v = h.eng.View()
	require.NotNil(t, v.Err)
	assert.Equal(t, KindTransport, v.Err.Kind)

	h.ch.deliver(t, channel.EventConnect, nil)
	v = h.eng.View()
	assert.True(t, v.Connected)
	assert.Nil(t, v.Err)
}

func TestServerErrorBecomesNotice(t *testing.T) {
	h := newHarness(t)
	h.ch.deliver(t, addressing.EventError, "rate limited")

	notices := h.eng.View().Notices
	require.Len(t, notices, 1)
	assert.EqualError(t, notices[0].Err, "rate limited")
}

func TestCloseTearsDown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Select(context.Background(), bob))
	h.eng.InputChanged("typing")
	h.clock.Advance(300 * time.Millisecond)

	require.NoError(t, h.eng.Close())

	assert.Equal(t, 0, h.ch.total(), "no handler survives sign-out")
	sent := h.ch.sent(addressing.EventTyping)
	require.Len(t, sent, 2)
	assert.Equal(t, false, decode(t, sent[1])["typingFlag"])
	assert.Equal(t, 1, h.dir.resets)

	v := h.eng.View()
	assert.Nil(t, v.Active)
	assert.Empty(t, v.Timeline)
	assert.False(t, v.Connected)

	assert.ErrorIs(t, h.eng.Select(context.Background(), bob), ErrClosed)
	assert.ErrorIs(t, h.eng.Send("x", nil), ErrClosed)
	assert.NoError(t, h.eng.Close())
}

func TestUpdatesSignal(t *testing.T) {
	h := newHarness(t)
	drain := func() {
		for {
			select {
			case <-h.eng.Updates():
			default:
				return
			}
		}
	}
	drain()

	require.NoError(t, h.eng.Select(context.Background(), bob))
	select {
	case <-h.eng.Updates():
	default:
		t.Fatal("expected an update after select")
	}
}
