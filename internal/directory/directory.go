// Package directory resolves counterparts into conversations and keeps the
// session's user and group listings.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/raphaelgruber/parley/internal/client"
	"github.com/raphaelgruber/parley/internal/metrics"
	"github.com/raphaelgruber/parley/internal/models"
)

// ErrIncompleteGroup is returned when a group response lacks participants
// or messages. It is a failed fetch, not an empty chat.
var ErrIncompleteGroup = errors.New("group response is missing participants or messages")

// Fetcher loads conversations and listings from the backend.
// *client.Client implements it.
type Fetcher interface {
	FetchDirectHistory(ctx context.Context, selfID, otherID int64) (*client.DirectHistory, error)
	FetchGroupByID(ctx context.Context, groupID int64) (*client.GroupDetail, error)
	FetchUserDirectory(ctx context.Context) ([]models.User, error)
	FetchGroupDirectory(ctx context.Context) ([]models.Group, error)
}

// Resolved is a conversation together with its history, oldest first.
type Resolved struct {
	Conversation *models.Conversation
	Messages     []models.Message
}

// Directory resolves conversations and caches direct chat ids for the session.
// All methods are thread-safe.
type Directory struct {
	fetcher Fetcher
	metrics *metrics.Collector
	logger  *slog.Logger

	mu     sync.RWMutex
	chats  map[int64]int64 // direct counterpart id -> chat id
	users  []models.User
	groups []models.Group
}

// New creates a directory. collector may be nil.
func New(fetcher Fetcher, collector *metrics.Collector, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		fetcher: fetcher,
		metrics: collector,
		logger:  logger.With("component", "directory"),
		chats:   make(map[int64]int64),
	}
}

// Resolve turns a counterpart into a conversation with its history.
func (d *Directory) Resolve(ctx context.Context, self models.Identity, cp models.Counterpart) (Resolved, error) {
	var res Resolved
	err := d.metrics.Time(metrics.OpResolve, func() error {
		var err error
		switch cp := cp.(type) {
		case models.User:
			res, err = d.resolveDirect(ctx, self, cp)
		case models.Group:
			res, err = d.resolveGroup(ctx, cp)
		default:
			err = fmt.Errorf("resolve: unsupported counterpart %T", cp)
		}
		return err
	})
	if err != nil {
		return Resolved{}, err
	}

	d.logger.Debug("resolved conversation",
		"kind", res.Conversation.Kind,
		"counterpart_id", cp.CounterpartID(),
		"pending", res.Conversation.Pending(),
		"messages", len(res.Messages))
	return res, nil
}

func (d *Directory) resolveDirect(ctx context.Context, self models.Identity, user models.User) (Resolved, error) {
	var hist *client.DirectHistory
	err := d.metrics.Time(metrics.OpFetchDirect, func() error {
		var err error
		hist, err = d.fetcher.FetchDirectHistory(ctx, self.UserID, user.ID)
		return err
	})
	if err != nil {
		return Resolved{}, err
	}

	conv := models.NewConversation(user)
	res := Resolved{Conversation: conv, Messages: []models.Message{}}

	if hist != nil && hist.ChatID != nil && len(hist.Messages) > 0 {
		conv.ChatID = models.Int64Ptr(*hist.ChatID)
		res.Messages = hist.Messages
		d.Remember(user.ID, *hist.ChatID)
		return res, nil
	}

	// A chat created earlier this session stays addressable even when the
	// backend has nothing to return for it yet.
	d.mu.RLock()
	chatID, ok := d.chats[user.ID]
	d.mu.RUnlock()
	if ok {
		conv.ChatID = models.Int64Ptr(chatID)
	}
	return res, nil
}

func (d *Directory) resolveGroup(ctx context.Context, group models.Group) (Resolved, error) {
	var detail *client.GroupDetail
	err := d.metrics.Time(metrics.OpFetchGroup, func() error {
		var err error
		detail, err = d.fetcher.FetchGroupByID(ctx, group.ID)
		if err == nil && (detail == nil || detail.Participants == nil || detail.Messages == nil) {
			err = fmt.Errorf("fetch group %d: %w", group.ID, ErrIncompleteGroup)
		}
		return err
	})
	if err != nil {
		return Resolved{}, err
	}

	group.Participants = detail.Participants
	if detail.Name != "" {
		group.Name = detail.Name
	}
	return Resolved{
		Conversation: models.NewConversation(group),
		Messages:     detail.Messages,
	}, nil
}

// Remember records the chat id of a direct conversation, for example after
// a pending conversation was promoted. The first id recorded wins.
func (d *Directory) Remember(counterpartID, chatID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.chats[counterpartID]; !ok {
		d.chats[counterpartID] = chatID
	}
}

// ChatFor returns the cached direct chat id for a counterpart.
func (d *Directory) ChatFor(counterpartID int64) (int64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.chats[counterpartID]
	return id, ok
}

// =============================================================================
// LISTINGS
// =============================================================================

// Refresh reloads the user and group listings. On failure the previous
// listings are kept.
func (d *Directory) Refresh(ctx context.Context) error {
	var users []models.User
	err := d.metrics.Time(metrics.OpFetchDirectory, func() error {
		var err error
		users, err = d.fetcher.FetchUserDirectory(ctx)
		return err
	})
	if err != nil {
		return err
	}

	var groups []models.Group
	err = d.metrics.Time(metrics.OpFetchDirectory, func() error {
		var err error
		groups, err = d.fetcher.FetchGroupDirectory(ctx)
		return err
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.users = users
	d.groups = groups
	d.mu.Unlock()

	d.logger.Debug("directory refreshed", "users", len(users), "groups", len(groups))
	return nil
}

// Users returns a copy of the user listing.
func (d *Directory) Users() []models.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.users)
}

// Groups returns a copy of the group listing.
func (d *Directory) Groups() []models.Group {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.groups)
}

// User looks up a listed user.
func (d *Directory) User(id int64) (models.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.users {
		if u.ID == id {
			return u, true
		}
	}
	return models.User{}, false
}

// Group looks up a listed group.
func (d *Directory) Group(id int64) (models.Group, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, g := range d.groups {
		if g.ID == id {
			return g, true
		}
	}
	return models.Group{}, false
}

// AddGroup inserts or replaces a group in the listing.
func (d *Directory) AddGroup(g models.Group) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.groups {
		if d.groups[i].ID == g.ID {
			d.groups[i] = g
			return
		}
	}
	d.groups = append(d.groups, g)
}

// RemoveChat drops a deleted chat: the group with that id, and any cached
// direct chat id pointing at it.
func (d *Directory) RemoveChat(chatID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups = slices.DeleteFunc(d.groups, func(g models.Group) bool { return g.ID == chatID })
	for cp, id := range d.chats {
		if id == chatID {
			delete(d.chats, cp)
		}
	}
}

// Reset forgets everything. Called on sign-out.
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.chats)
	d.users = nil
	d.groups = nil
}
