package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/parley/internal/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestFromToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	tests := []struct {
		name    string
		claims  jwt.MapClaims
		prefix  string
		wantID  int64
		wantErr error
	}{
		{"numeric id", jwt.MapClaims{"id": 7, "name": "Ada", "email": "ada@example.com", "exp": exp.Unix()}, "", 7, nil},
		{"userId claim", jwt.MapClaims{"userId": 8}, "", 8, nil},
		{"string subject", jwt.MapClaims{"sub": "user_9"}, "", 9, nil},
		{"bearer prefix", jwt.MapClaims{"id": 10}, "Bearer ", 10, nil},
		{"no id", jwt.MapClaims{"name": "nobody"}, "", 0, ErrNoUserID},
		{"fractional id", jwt.MapClaims{"id": 1.5}, "", 0, ErrNoUserID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := FromToken(tt.prefix + sign(t, tt.claims))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, s.Identity.UserID)
			assert.False(t, strings.HasPrefix(s.Token, "Bearer"))
		})
	}
}

func TestFromTokenClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	s, err := FromToken(sign(t, jwt.MapClaims{"id": 7, "name": "Ada", "email": "ada@example.com", "exp": exp.Unix()}))
	require.NoError(t, err)

	assert.Equal(t, "Ada", s.Name)
	assert.Equal(t, "ada@example.com", s.Email)
	assert.True(t, s.ExpiresAt.Equal(exp))
	assert.False(t, s.Expired(time.Now()))
	assert.True(t, s.Expired(exp.Add(time.Second)))
}

func TestFromTokenRejectsGarbage(t *testing.T) {
	for _, token := range []string{"", "   ", "not-a-jwt", "a.b.c"} {
		_, err := FromToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
	}
}

func TestOpenAndClose(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	authz := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz <- r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	token := sign(t, jwt.MapClaims{"id": 7})
	s, err := FromToken(token)
	require.NoError(t, err)
	assert.Nil(t, s.Channel())

	cfg := channel.Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), MaxRetries: 1}
	ch, err := s.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer "+token, <-authz)
	assert.Equal(t, int64(7), ch.Identity().UserID)

	again, err := s.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Same(t, ch, again, "one channel per identity")

	require.NoError(t, s.Close())
	assert.Nil(t, s.Channel())
	assert.False(t, ch.Connected())

	_, err = s.Open(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
	require.NoError(t, s.Close(), "close is idempotent")
}
