// Package session holds the authenticated identity and the event channel
// that belongs to it for the lifetime of one sign-in.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/raphaelgruber/parley/internal/channel"
	"github.com/raphaelgruber/parley/internal/models"
)

var (
	// ErrInvalidToken is returned when the bearer token cannot be decoded.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNoUserID is returned when the token carries no usable user id.
	ErrNoUserID = errors.New("token has no user id")

	// ErrSessionClosed is returned by Open after Close.
	ErrSessionClosed = errors.New("session closed")
)

// idClaims are tried in order for the user id.
var idClaims = []string{"id", "userId", "user_id", "sub"}

// Session is one sign-in. The identity never changes; signing in as someone
// else means a new Session.
type Session struct {
	Identity  models.Identity
	Name      string
	Email     string
	Token     string
	ExpiresAt time.Time // zero if the token has no exp claim

	mu     sync.Mutex
	ch     *channel.Channel
	closed bool
}

// FromToken decodes the identity from a JWT. The signature is not checked
// here; the backend verifies the token on every request.
func FromToken(token string) (*Session, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, ok := userIDFrom(claims)
	if !ok {
		return nil, ErrNoUserID
	}

	s := &Session{
		Identity: models.Identity{UserID: userID},
		Name:     stringClaim(claims, "name"),
		Email:    stringClaim(claims, "email"),
		Token:    token,
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.ExpiresAt = exp.Time
	}
	return s, nil
}

func userIDFrom(claims jwt.MapClaims) (int64, bool) {
	for _, key := range idClaims {
		switch v := claims[key].(type) {
		case float64:
			if v > 0 && v == float64(int64(v)) {
				return int64(v), true
			}
		case string:
			v = strings.TrimPrefix(v, "user_")
			if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
				return id, true
			}
		}
	}
	return 0, false
}

func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

// Expired reports whether the token's exp claim lies before now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}

// Open dials the event channel for this identity. A second call returns the
// channel that is already open.
func (s *Session) Open(ctx context.Context, cfg channel.Config, logger *slog.Logger) (*channel.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.ch != nil {
		return s.ch, nil
	}
	if cfg.Token == "" {
		cfg.Token = s.Token
	}

	ch, err := channel.Dial(ctx, cfg, s.Identity, logger)
	if err != nil {
		return nil, fmt.Errorf("open session channel: %w", err)
	}
	s.ch = ch
	return ch, nil
}

// Channel returns the open channel, or nil.
func (s *Session) Channel() *channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Close disconnects the channel. The session cannot be reopened.
func (s *Session) Close() error {
	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.closed = true
	s.mu.Unlock()

	if ch == nil {
		return nil
	}
	if err := ch.Disconnect(); err != nil && !errors.Is(err, channel.ErrClosed) {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}
