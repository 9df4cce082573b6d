// Package client provides the HTTP client for the chat backend's
// request/response endpoints: history, directories, logout and the assistant.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/parley/internal/models"
)

// ErrMissingToken is returned when an authenticated call has no bearer token.
var ErrMissingToken = errors.New("authentication token is missing")

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: server error: %d %s - %s",
		e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Client talks to the backend REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a new client. If baseURL is empty, localhost:4000 is used.
func New(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:4000"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "client"),
	}
}

// do sends a request and decodes a JSON response into result (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	if c.token == "" {
		return ErrMissingToken
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("request done", "method", method, "path", path,
		"status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if result == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if s, ok := result.(*string); ok && !json.Valid(data) {
		// The assistant endpoints answer with plain text.
		*s = string(data)
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// DirectHistory is the response of the direct history endpoint. Both fields
// are empty when no chat exists yet between the two users.
type DirectHistory struct {
	ChatID   *int64           `json:"chatId"`
	Messages []models.Message `json:"messages"`
}

// GroupDetail is a group with its participants and history. Participants and
// Messages are nil when the backend omitted them.
type GroupDetail struct {
	ID           int64                `json:"id"`
	Name         string               `json:"name"`
	Participants []models.Participant `json:"participants"`
	Messages     []models.Message     `json:"messages"`
}

// FetchDirectHistory loads the one-to-one history between selfID and otherID.
func (c *Client) FetchDirectHistory(ctx context.Context, selfID, otherID int64) (*DirectHistory, error) {
	var out DirectHistory
	path := "/chat/messages/" + id(selfID) + "/" + id(otherID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch direct history: %w", err)
	}
	return &out, nil
}

// FetchGroupByID loads a group with participants and messages.
func (c *Client) FetchGroupByID(ctx context.Context, groupID int64) (*GroupDetail, error) {
	var out GroupDetail
	if err := c.do(ctx, http.MethodGet, "/chat/groups/"+id(groupID), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch group %d: %w", groupID, err)
	}
	return &out, nil
}

// =============================================================================
// DIRECTORIES
// =============================================================================

// FetchUserDirectory lists all users.
func (c *Client) FetchUserDirectory(ctx context.Context) ([]models.User, error) {
	var out []models.User
	if err := c.do(ctx, http.MethodGet, "/auth/", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch users: %w", err)
	}
	return out, nil
}

// FetchGroupDirectory lists the groups the caller belongs to.
func (c *Client) FetchGroupDirectory(ctx context.Context) ([]models.Group, error) {
	var out []models.Group
	if err := c.do(ctx, http.MethodGet, "/chat/groups", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch groups: %w", err)
	}
	return out, nil
}

// =============================================================================
// SESSION
// =============================================================================

// Logout ends the backend session for userID.
func (c *Client) Logout(ctx context.Context, userID int64) error {
	body := map[string]int64{"userId": userID}
	if err := c.do(ctx, http.MethodPost, "/auth/logout", nil, body, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// =============================================================================
// ASSISTANT
// =============================================================================

// Ask sends a prompt to the backend assistant and returns its answer.
func (c *Client) Ask(ctx context.Context, prompt string) (string, error) {
	var out string
	q := url.Values{"prompt": {prompt}}
	if err := c.do(ctx, http.MethodGet, "/openai/chat", q, nil, &out); err != nil {
		return "", fmt.Errorf("ask assistant: %w", err)
	}
	return out, nil
}

// Suggest asks the backend for a suggested reply to message.
func (c *Client) Suggest(ctx context.Context, message string) (string, error) {
	var out string
	q := url.Values{"message": {message}}
	if err := c.do(ctx, http.MethodGet, "/openai/suggest", q, nil, &out); err != nil {
		return "", fmt.Errorf("suggest reply: %w", err)
	}
	return out, nil
}
