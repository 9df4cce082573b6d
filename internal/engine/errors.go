package engine

import (
	"errors"
	"fmt"

	"github.com/raphaelgruber/parley/internal/models"
)

var (
	// ErrNoConversation is returned when an operation needs an active conversation.
	ErrNoConversation = errors.New("no conversation selected")

	// ErrLoading is returned while the selected conversation is still resolving.
	ErrLoading = errors.New("conversation is loading")

	// ErrEmptyMessage is returned for a send with neither content nor image.
	ErrEmptyMessage = models.ErrEmptyMessage

	// ErrStaleResult marks a resolve that completed after the user moved on.
	ErrStaleResult = errors.New("stale result discarded")

	// ErrInvalidGroup is returned when a group request fails validation.
	ErrInvalidGroup = errors.New("invalid group")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")

	// ErrNoChannel is returned by New without a channel to talk on.
	ErrNoChannel = errors.New("no event channel")
)

// ErrorKind classifies engine failures.
type ErrorKind int

const (
	// KindTransport means the event channel is unavailable.
	KindTransport ErrorKind = iota + 1
	// KindFetch means history or group loading failed.
	KindFetch
	// KindGroupCreation means the backend refused to create a group.
	KindGroupCreation
	// KindChatDeletion means the backend refused to delete a chat.
	KindChatDeletion
	// KindStaleResult means a result arrived for a conversation no longer active.
	KindStaleResult
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindFetch:
		return "fetch"
	case KindGroupCreation:
		return "group_creation"
	case KindChatDeletion:
		return "chat_deletion"
	case KindStaleResult:
		return "stale_result"
	default:
		return "unknown"
	}
}

// Error is a classified engine failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
