// Package presence tracks typing presence: the local user's debounced
// announcements and the set of remote participants currently typing.
package presence

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultDebounce is the delay between the last keystroke and "typing=true".
const DefaultDebounce = 300 * time.Millisecond

// State is the outgoing announcement state.
type State int

const (
	Idle State = iota
	PendingAnnounce
	Announced
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PendingAnnounce:
		return "pending_announce"
	case Announced:
		return "announced"
	default:
		return "unknown"
	}
}

// Timer is a cancelable pending call.
type Timer interface {
	Stop() bool
}

// Clock schedules delayed calls. The real clock is time.AfterFunc.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock schedules on the runtime timer.
var RealClock Clock = realClock{}

// Announcer broadcasts the local typing flag for the bound conversation.
type Announcer func(typing bool)

// Tracker holds typing presence for the active conversation.
// All methods are thread-safe. Announcer calls are made while the tracker
// lock is held, so an Announcer must not call back into the Tracker.
type Tracker struct {
	clock    Clock
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	announce Announcer
	state    State
	timer    Timer
	gen      uint64
	typing   map[int64]struct{}
}

// NewTracker creates a tracker. A nil clock uses RealClock; a non-positive
// debounce uses DefaultDebounce.
func NewTracker(clock Clock, debounce time.Duration, logger *slog.Logger) *Tracker {
	if clock == nil {
		clock = RealClock
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		clock:    clock,
		debounce: debounce,
		logger:   logger.With("component", "presence"),
		typing:   make(map[int64]struct{}),
	}
}

// Bind attaches the tracker to a conversation's announcer. Any previous
// binding is released first, with a final "typing=false" if needed.
func (t *Tracker) Bind(announce Announcer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked()
	t.announce = announce
}

// Unbind releases the current conversation: the pending timer is canceled,
// "typing=false" is sent if anything was pending or announced, and the
// inbound set is cleared.
func (t *Tracker) Unbind() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked()
	t.announce = nil
	clear(t.typing)
}

// InputChanged feeds the current composer text.
func (t *Tracker) InputChanged(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.announce == nil {
		return
	}
	if text == "" {
		t.stopLocked()
		return
	}
	if t.state == Announced {
		return
	}

	t.cancelTimerLocked()
	t.gen++
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.debounce, func() { t.fire(gen) })
	t.state = PendingAnnounce
}

// MessageSent ends the local typing burst immediately.
func (t *Tracker) MessageSent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.announce == nil {
		return
	}
	t.stopLocked()
}

// Stop cancels any pending timer without announcing. Used on teardown after
// the final announcement was already sent through Unbind.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelTimerLocked()
	t.state = Idle
	t.announce = nil
}

// State returns the outgoing state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Observe records an inbound typing event. A false flag removes the entry.
func (t *Tracker) Observe(participantID int64, typing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if typing {
		t.typing[participantID] = struct{}{}
	} else {
		delete(t.typing, participantID)
	}
}

// ClearInbound forgets every remote typing entry.
func (t *Tracker) ClearInbound() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.typing)
}

// Typing returns the ids of participants typing now, ascending.
func (t *Tracker) Typing() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int64, 0, len(t.typing))
	for id := range t.typing {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (t *Tracker) fire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// A canceled timer may still fire if it raced with Stop.
	if gen != t.gen || t.state != PendingAnnounce || t.announce == nil {
		return
	}
	t.timer = nil
	t.state = Announced
	t.logger.Debug("typing announced")
	t.announce(true)
}

// stopLocked moves to Idle and announces "typing=false" without delay.
// Caller must hold the lock.
func (t *Tracker) stopLocked() {
	if t.state == Idle {
		return
	}
	t.cancelTimerLocked()
	t.state = Idle
	t.logger.Debug("typing stopped")
	t.announce(false)
}

// Caller must hold the lock.
func (t *Tracker) releaseLocked() {
	if t.announce != nil {
		t.stopLocked()
	}
	t.cancelTimerLocked()
	t.state = Idle
}

// Caller must hold the lock.
func (t *Tracker) cancelTimerLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
