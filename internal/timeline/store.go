// Package timeline keeps the ordered, deduplicated messages of the active conversation.
package timeline

import (
	"sync"

	"github.com/google/uuid"
	"github.com/raphaelgruber/parley/internal/models"
)

// Outcome describes what AppendRemote did with an inbound message.
type Outcome int

const (
	// Appended means the message was new and added at the end.
	Appended Outcome = iota
	// Reconciled means an optimistic entry received the server id in place.
	Reconciled
	// Duplicate means the message was already present and dropped.
	Duplicate
	// ForeignChat means the message belongs to another conversation.
	ForeignChat
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Reconciled:
		return "reconciled"
	case Duplicate:
		return "duplicate"
	case ForeignChat:
		return "foreign_chat"
	default:
		return "unknown"
	}
}

// Store is the timeline of one conversation. Insertion order is arrival
// order; entries are never reordered or removed individually.
// All methods are thread-safe.
type Store struct {
	mu       sync.RWMutex
	messages []models.Message
	serverID map[int64]struct{}
	clientID map[string]int // client id -> index
}

// New returns an empty store.
func New() *Store {
	return &Store{
		serverID: make(map[int64]struct{}),
		clientID: make(map[string]int),
	}
}

// Load replaces the timeline with history, which arrives oldest first.
func (s *Store) Load(history []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	for _, m := range history {
		if m.ID != nil {
			if _, dup := s.serverID[*m.ID]; dup {
				continue
			}
		}
		s.add(m)
	}
}

// AppendOptimistic appends a locally created message before the server has
// confirmed it. The returned copy carries the ClientID used for reconciling.
func (s *Store) AppendOptimistic(draft models.Message) models.Message {
	draft.ID = nil
	if draft.ClientID == "" {
		draft.ClientID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(draft)
	return draft
}

// AppendRemote merges an inbound message for the conversation identified by
// chatID. self is the local user, whose echoes may reconcile optimistic
// entries instead of being appended again.
//
// Matching order: server id, then echoed client id, then the oldest
// unconfirmed optimistic entry from self with the same body.
func (s *Store) AppendRemote(msg models.Message, chatID *int64, self int64) Outcome {
	if chatID == nil || !models.SameID(msg.ChatID, chatID) {
		return ForeignChat
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID != nil {
		if _, ok := s.serverID[*msg.ID]; ok {
			return Duplicate
		}
	}

	if idx, ok := s.pendingEcho(msg, self); ok {
		if msg.ID == nil {
			return Duplicate
		}
		s.confirm(idx, msg)
		return Reconciled
	}

	s.add(msg)
	return Appended
}

// pendingEcho finds the optimistic entry msg echoes, if any.
// Caller must hold the lock.
func (s *Store) pendingEcho(msg models.Message, self int64) (int, bool) {
	if msg.ClientID != "" {
		if idx, ok := s.clientID[msg.ClientID]; ok && !s.messages[idx].Confirmed() {
			return idx, true
		}
	}
	if msg.SenderID != self {
		return 0, false
	}
	for i, m := range s.messages {
		if m.Confirmed() || m.SenderID != self {
			continue
		}
		if m.SameBody(msg) {
			return i, true
		}
	}
	return 0, false
}

// confirm attaches the server id to an optimistic entry. The chat id is
// adopted too so an entry sent on a pending conversation ends up addressed.
// Caller must hold the lock.
func (s *Store) confirm(idx int, msg models.Message) {
	m := &s.messages[idx]
	id := *msg.ID
	m.ID = &id
	if m.ChatID == nil && msg.ChatID != nil {
		chat := *msg.ChatID
		m.ChatID = &chat
	}
	s.serverID[id] = struct{}{}
}

// Clear empties the timeline.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// Messages returns a copy of the timeline.
func (s *Store) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Pending returns how many optimistic entries still lack a server id.
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if !m.Confirmed() {
			n++
		}
	}
	return n
}

// Caller must hold the lock.
func (s *Store) add(m models.Message) {
	if m.ID != nil {
		s.serverID[*m.ID] = struct{}{}
	}
	if m.ClientID != "" {
		s.clientID[m.ClientID] = len(s.messages)
	}
	s.messages = append(s.messages, m)
}

// Caller must hold the lock.
func (s *Store) reset() {
	s.messages = nil
	s.serverID = make(map[int64]struct{})
	s.clientID = make(map[string]int)
}
