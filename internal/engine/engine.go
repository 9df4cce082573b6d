// Package engine keeps a live, locally consistent view of the active
// conversation: it resolves selections, merges history with live events and
// optimistic sends, and tracks typing presence over the shared event channel.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raphaelgruber/parley/internal/addressing"
	"github.com/raphaelgruber/parley/internal/channel"
	"github.com/raphaelgruber/parley/internal/directory"
	"github.com/raphaelgruber/parley/internal/metrics"
	"github.com/raphaelgruber/parley/internal/models"
	"github.com/raphaelgruber/parley/internal/presence"
	"github.com/raphaelgruber/parley/internal/session"
	"github.com/raphaelgruber/parley/internal/timeline"
)

// Channel is the part of the event channel the engine uses.
// *channel.Channel implements it.
type Channel interface {
	On(event string, fn channel.Handler) channel.HandlerID
	Off(event string, id channel.HandlerID)
	Emit(event string, payload any) error
	EmitWithAck(event string, payload any, ack channel.AckFunc) error
	Connected() bool
	LastError() error
}

// Directory resolves conversations and keeps listings.
// *directory.Directory implements it.
type Directory interface {
	Resolve(ctx context.Context, self models.Identity, cp models.Counterpart) (directory.Resolved, error)
	Remember(counterpartID, chatID int64)
	Refresh(ctx context.Context) error
	AddGroup(g models.Group)
	RemoveChat(chatID int64)
	Reset()
}

// Deps are the collaborators of an Engine. Session and Directory are
// required; Channel defaults to the session's open channel.
type Deps struct {
	Session   *session.Session
	Channel   Channel
	Directory Directory
	Metrics   *metrics.Collector
	Logger    *slog.Logger
	Clock     presence.Clock
	Debounce  time.Duration
	Now       func() time.Time
}

type subscription struct {
	event string
	id    channel.HandlerID
}

// binding is what the typing announcer addresses. It is swapped atomically
// so announcements never need the engine lock.
type binding struct {
	addr addressing.Address
}

// Engine is the conversation synchronization engine for one session.
// All methods are thread-safe. Channel handlers and operations are
// serialized on the engine lock.
type Engine struct {
	self     models.Identity
	sess     *session.Session
	ch       Channel
	dir      Directory
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
	typing   *presence.Tracker
	timeline *timeline.Store

	ctx    context.Context // canceled on Close
	cancel context.CancelFunc
	wg     sync.WaitGroup

	bound   atomic.Pointer[binding]
	updates chan struct{}

	mu            sync.Mutex
	started       bool
	closed        bool
	connected     bool
	gen           uint64
	cancelResolve context.CancelFunc
	selecting     models.Counterpart
	loading       bool
	err           *Error
	conv          *models.Conversation
	addr          addressing.Address
	notices       []Notice
	sessionSubs   []subscription
	convSubs      []subscription

	// Deletions requested through DeleteChat, and those already reported.
	requestedDeletions map[int64]struct{}
	confirmedDeletions map[int64]struct{}
}

// New creates an engine bound to a session.
func New(deps Deps) (*Engine, error) {
	if deps.Session == nil {
		return nil, errors.New("engine: session is required")
	}
	if deps.Directory == nil {
		return nil, errors.New("engine: directory is required")
	}
	if deps.Channel == nil {
		if ch := deps.Session.Channel(); ch != nil {
			deps.Channel = ch
		}
	}
	if deps.Channel == nil {
		return nil, ErrNoChannel
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	logger := deps.Logger.With("component", "engine", "user_id", deps.Session.Identity.UserID)
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		self:     deps.Session.Identity,
		sess:     deps.Session,
		ch:       deps.Channel,
		dir:      deps.Directory,
		metrics:  deps.Metrics,
		logger:   logger,
		now:      deps.Now,
		typing:   presence.NewTracker(deps.Clock, deps.Debounce, deps.Logger),
		timeline: timeline.New(),
		ctx:      ctx,
		cancel:   cancel,
		updates:  make(chan struct{}, 1),

		requestedDeletions: make(map[int64]struct{}),
		confirmedDeletions: make(map[int64]struct{}),
	}
	return e, nil
}

// Updates signals after every state change. Signals coalesce; read View for
// the current state.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

func (e *Engine) notify() {
	select {
	case e.updates <- struct{}{}:
	default:
	}
}

// Start installs the session-wide handlers and loads the directory.
// A directory failure is returned but leaves the engine usable.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.connected = e.ch.Connected()

	e.onLocked(&e.sessionSubs, channel.EventConnect, e.handleConnect)
	e.onLocked(&e.sessionSubs, channel.EventDisconnect, e.handleDisconnect)
	e.onLocked(&e.sessionSubs, channel.EventChannelError, e.handleChannelError)
	e.onLocked(&e.sessionSubs, addressing.EventError, e.handleServerError)
	e.onLocked(&e.sessionSubs, addressing.EventGroupCreated, e.handleGroupCreated)
	e.onLocked(&e.sessionSubs, addressing.EventGroupCreatedAck, e.handleGroupCreatedAck)
	e.onLocked(&e.sessionSubs, addressing.EventGroupCreationError, e.handleGroupCreationError)
	e.onLocked(&e.sessionSubs, addressing.EventChatDeleted, e.handleChatDeleted)
	e.onLocked(&e.sessionSubs, addressing.EventChatDeletedAck, e.handleChatDeletedAck)
	e.onLocked(&e.sessionSubs, addressing.EventChatDeletionError, e.handleChatDeletionError)
	e.mu.Unlock()

	e.logger.Info("engine started", "connected", e.ch.Connected())
	e.notify()

	if err := e.dir.Refresh(ctx); err != nil {
		e.logger.Warn("directory refresh failed", "error", err)
		ferr := &Error{Kind: KindFetch, Op: "directory", Err: err}
		e.mu.Lock()
		e.noticeLocked("Could not load contacts", ferr)
		e.mu.Unlock()
		e.notify()
		return ferr
	}
	return nil
}

// =============================================================================
// SELECTION
// =============================================================================

// Select makes cp the active counterpart. It blocks while the conversation
// resolves. If another Select or Deselect happens meanwhile, the result is
// discarded and an error of kind KindStaleResult is returned.
func (e *Engine) Select(ctx context.Context, cp models.Counterpart) error {
	if cp == nil {
		return errors.New("select: counterpart is required")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.leaveLocked()
	e.gen++
	gen := e.gen
	rctx, cancel := context.WithCancel(ctx)
	e.cancelResolve = cancel
	e.selecting = cp
	e.loading = true
	e.mu.Unlock()
	e.notify()

	e.logger.Debug("resolving conversation", "kind", cp.Kind(), "counterpart_id", cp.CounterpartID())
	res, err := e.dir.Resolve(rctx, e.self, cp)
	cancel()

	e.mu.Lock()
	if gen != e.gen || e.closed {
		e.mu.Unlock()
		e.logger.Debug("discarding stale resolve", "counterpart_id", cp.CounterpartID())
		return &Error{Kind: KindStaleResult, Op: "select", Err: ErrStaleResult}
	}
	e.cancelResolve = nil
	e.loading = false
	e.selecting = nil

	if err != nil {
		e.err = &Error{Kind: KindFetch, Op: "select", Err: err}
		ferr := e.err
		e.mu.Unlock()
		e.logger.Warn("resolve failed", "counterpart_id", cp.CounterpartID(), "error", err)
		e.notify()
		return ferr
	}

	e.conv = res.Conversation
	e.timeline.Load(res.Messages)
	e.setAddressLocked(addressing.For(e.self.UserID, e.conv))
	e.typing.Bind(e.announce)
	e.onLocked(&e.convSubs, addressing.EventNewMessage, e.conversationHandler(gen, e.handleNewMessage))
	e.onLocked(&e.convSubs, addressing.EventTyping, e.conversationHandler(gen, e.handleTyping))
	e.mu.Unlock()

	e.logger.Info("conversation active",
		"kind", res.Conversation.Kind,
		"chat_id", models.FormatID(res.Conversation.ChatID),
		"messages", len(res.Messages))
	e.notify()
	return nil
}

// Deselect returns to the "no conversation selected" state.
func (e *Engine) Deselect() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.leaveLocked()
	e.gen++
	e.mu.Unlock()
	e.notify()
}

// leaveLocked tears down the active or resolving conversation: the resolve
// is canceled, a final "typing=false" goes out, conversation handlers are
// removed, and the timeline and typing set are emptied.
// Caller must hold the lock.
func (e *Engine) leaveLocked() {
	if e.cancelResolve != nil {
		e.cancelResolve()
		e.cancelResolve = nil
	}
	e.typing.Unbind()
	e.setAddressLocked(nil)
	e.offLocked(&e.convSubs)
	e.timeline.Clear()
	e.conv = nil
	e.selecting = nil
	e.loading = false
	e.err = nil
}

// Caller must hold the lock.
func (e *Engine) setAddressLocked(addr addressing.Address) {
	e.addr = addr
	if addr == nil {
		e.bound.Store(nil)
		return
	}
	e.bound.Store(&binding{addr: addr})
}

// promoteLocked adopts the first server chat id of a pending direct
// conversation.
// Caller must hold the lock.
func (e *Engine) promoteLocked(chatID int64) {
	if !e.conv.Promote(chatID) {
		return
	}
	e.dir.Remember(e.conv.Counterpart.CounterpartID(), chatID)
	e.setAddressLocked(addressing.For(e.self.UserID, e.conv))
	e.logger.Info("pending conversation promoted", "chat_id", chatID)
}

// =============================================================================
// OUTGOING
// =============================================================================

// Send appends content optimistically to the timeline and emits it.
// A transport failure leaves the optimistic entry in place.
func (e *Engine) Send(content string, image []byte) error {
	e.mu.Lock()
	if err := e.readyLocked(); err != nil {
		e.mu.Unlock()
		return err
	}

	draft := models.Message{
		SenderID:  e.self.UserID,
		Content:   content,
		Image:     image,
		CreatedAt: e.now(),
		Kind:      e.conv.Kind,
	}
	if err := draft.Validate(); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.conv.ChatID != nil {
		draft.ChatID = models.Int64Ptr(*e.conv.ChatID)
	}
	if e.conv.Kind == models.KindDirect {
		draft.ReceiverID = models.Int64Ptr(e.conv.Counterpart.CounterpartID())
	}

	msg := e.timeline.AppendOptimistic(draft)
	payload := e.addr.SendPayload(msg.Content, msg.Image, msg.CreatedAt, msg.ClientID)
	err := e.emit(addressing.EventSendMessage, payload)
	e.typing.MessageSent()
	e.mu.Unlock()
	e.notify()

	if err != nil {
		e.logger.Warn("send failed", "error", err)
		return &Error{Kind: KindTransport, Op: "send", Err: err}
	}
	return nil
}

// InputChanged feeds the composer text into the typing tracker.
func (e *Engine) InputChanged(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.conv == nil {
		return
	}
	e.typing.InputChanged(text)
}

// CreateGroup asks the backend to create a group with the local user and
// participantIDs. The outcome arrives as a notice.
func (e *Engine) CreateGroup(name string, participantIDs []int64) error {
	req, err := addressing.NewCreateGroup(name, participantIDs, e.self.UserID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidGroup, err)
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := e.emit(addressing.EventCreateGroup, req); err != nil {
		return &Error{Kind: KindTransport, Op: "create group", Err: err}
	}
	e.logger.Info("group requested", "name", req.Name, "participants", len(req.Participants))
	return nil
}

// DeleteChat asks the backend to delete a chat. The acknowledgment and the
// chatDeleted broadcast both apply the deletion locally.
func (e *Engine) DeleteChat(chatID int64) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.requestedDeletions[chatID] = struct{}{}
	e.mu.Unlock()

	err := e.metrics.Time(metrics.OpEmit, func() error {
		return e.ch.EmitWithAck(addressing.EventDeleteChat, chatID, func(data json.RawMessage) {
			e.handleDeleteAck(chatID, data)
		})
	})
	if err != nil {
		e.mu.Lock()
		delete(e.requestedDeletions, chatID)
		e.mu.Unlock()
		return &Error{Kind: KindTransport, Op: "delete chat", Err: err}
	}
	e.logger.Info("chat deletion requested", "chat_id", chatID)
	return nil
}

// announce is the typing tracker's announcer. It runs under the tracker
// lock and must not take the engine lock.
func (e *Engine) announce(typing bool) {
	b := e.bound.Load()
	if b == nil {
		return
	}
	if err := e.emit(addressing.EventTyping, b.addr.TypingPayload(typing)); err != nil {
		e.logger.Debug("typing announce dropped", "typing", typing, "error", err)
	}
}

func (e *Engine) emit(event string, payload any) error {
	return e.metrics.Time(metrics.OpEmit, func() error {
		return e.ch.Emit(event, payload)
	})
}

// Caller must hold the lock.
func (e *Engine) readyLocked() error {
	switch {
	case e.closed:
		return ErrClosed
	case e.loading:
		return ErrLoading
	case e.conv == nil:
		return ErrNoConversation
	}
	return nil
}

// =============================================================================
// VIEW
// =============================================================================

// View returns a snapshot for rendering.
func (e *Engine) View() Projection {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := Projection{
		Self:      e.self,
		Connected: e.connected,
		Loading:   e.loading,
		Selecting: e.selecting,
		Err:       e.err,
		Active:    e.conv.Clone(),
		Timeline:  e.timeline.Messages(),
		Typing:    e.typing.Typing(),
		Notices:   append([]Notice(nil), e.notices...),
	}
	return p
}

// Caller must hold the lock.
func (e *Engine) noticeLocked(text string, err error) {
	e.notices = append(e.notices, Notice{At: e.now(), Text: text, Err: err})
	if over := len(e.notices) - maxNotices; over > 0 {
		e.notices = append(e.notices[:0:0], e.notices[over:]...)
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Close signs the session out: the resolve is canceled, a final
// "typing=false" is sent, every handler is removed, all conversation state is
// cleared and the channel is disconnected. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.leaveLocked()
	e.gen++
	e.closed = true
	e.connected = false
	e.offLocked(&e.sessionSubs)
	e.typing.Stop()
	e.dir.Reset()
	e.notices = nil
	clear(e.requestedDeletions)
	clear(e.confirmedDeletions)
	e.mu.Unlock()

	// Handlers may be waiting for the lock; they see closed and return.
	e.cancel()
	e.wg.Wait()

	e.logger.Info("engine closed")
	e.notify()
	return e.sess.Close()
}

// refreshAsync reloads the directory off the channel's read goroutine.
func (e *Engine) refreshAsync() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.dir.Refresh(e.ctx); err != nil {
			if e.ctx.Err() == nil {
				e.logger.Warn("directory refresh failed", "error", err)
			}
			return
		}
		e.notify()
	}()
}

// Caller must hold the lock.
func (e *Engine) onLocked(subs *[]subscription, event string, fn channel.Handler) {
	id := e.ch.On(event, fn)
	*subs = append(*subs, subscription{event: event, id: id})
}

// Caller must hold the lock.
func (e *Engine) offLocked(subs *[]subscription) {
	for _, s := range *subs {
		e.ch.Off(s.event, s.id)
	}
	*subs = nil
}

// errorText pulls a message out of the many shapes error payloads take.
func errorText(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Error != "" {
			return obj.Error
		}
	}
	text := strings.TrimSpace(string(data))
	if text == "" || text == "null" {
		return "unknown error"
	}
	return text
}
