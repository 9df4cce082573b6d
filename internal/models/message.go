package models

import (
	"bytes"
	"errors"
	"strings"
	"time"
)

// ErrEmptyMessage is returned for a message with neither content nor image.
var ErrEmptyMessage = errors.New("message has no content or image")

// Message is a single chat message.
// ID is nil until the server confirms the message.
type Message struct {
	ID         *int64    `json:"id"`
	ClientID   string    `json:"clientId,omitempty"`
	SenderID   int64     `json:"senderId"`
	ReceiverID *int64    `json:"receiverId,omitempty"`
	ChatID     *int64    `json:"chatId"`
	Content    string    `json:"content"`
	Image      []byte    `json:"image,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Kind       Kind      `json:"kind,omitempty"`
}

// Validate checks that the message carries something to show.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Content) == "" && len(m.Image) == 0 {
		return ErrEmptyMessage
	}
	return nil
}

// Confirmed reports whether the server has assigned an id.
func (m Message) Confirmed() bool {
	return m.ID != nil
}

// SameBody reports whether two messages carry identical content and image.
func (m Message) SameBody(o Message) bool {
	return m.Content == o.Content && bytes.Equal(m.Image, o.Image)
}
