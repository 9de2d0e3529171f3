// Package chatsync is the real-time message delivery and synchronization
// core of the Heartline chat client.
//
// It reconciles optimistic, locally-created messages with the state the
// server confirms over a persistent WebSocket, and backfills gaps from
// the paginated REST history.
//
// Example:
//
//	client := chatsync.NewClient(chatsync.WithBaseURL("https://api.heartline.app"))
//	m := chatsync.NewMessenger(client, nil)
//	defer m.Close()
//
//	if err := m.Connect(ctx, token, userID); chatsync.IsAuthError(err) {
//		// force re-login
//	}
//	msgs := m.ObserveConversation(ctx, "conv-1")
//	tempID, _ := m.SendMessage(ctx, "conv-1", "hi", nil)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultBaseURL = "https://api.heartline.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST side of the chat API: message history and
// presence lookups.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client

	Messages *MessagesClient
	Presence *PresenceClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a REST client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Messages = &MessagesClient{c: c}
	c.Presence = &PresenceClient{c: c}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// SocketURL returns the WebSocket endpoint derived from the base URL.
func (c *Client) SocketURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transient(method+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transient("read "+path, err)
	}
	if err := classifyStatus(resp.StatusCode, data); err != nil {
		return nil, err
	}
	return data, nil
}

// classifyStatus maps an HTTP status to the error taxonomy.
func classifyStatus(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &AuthError{StatusCode: code, Reason: apiMessage(body, http.StatusText(code))}
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return transient("http", fmt.Errorf("HTTP %d: %s", code, apiMessage(body, http.StatusText(code))))
	}
	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return &apiErr
	}
	return &APIError{Code: fmt.Sprintf("HTTP_%d", code), Message: http.StatusText(code)}
}

func apiMessage(body []byte, fallback string) string {
	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "unmarshal response")
	}
	return &result, nil
}

// ============================================================================
// Sub-Clients
// ============================================================================

// MessagesClient reads message history.
type MessagesClient struct{ c *Client }

// Fetch returns one page of a conversation's history. Page 1 is the
// most recent page.
func (m *MessagesClient) Fetch(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id required")
	}
	if page < 1 {
		page = 1
	}
	query := map[string]string{"page": fmt.Sprintf("%d", page)}
	if limit > 0 {
		query["limit"] = fmt.Sprintf("%d", limit)
	}
	data, err := m.c.doRequest(ctx, "GET", "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePage](data)
}

// PresenceClient looks up user presence.
type PresenceClient struct{ c *Client }

// Get fetches the presence of a user.
func (p *PresenceClient) Get(ctx context.Context, userID string) (*PresenceRecord, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	data, err := p.c.doRequest(ctx, "GET", "/api/users/"+url.PathEscape(userID)+"/presence", nil, nil)
	if err != nil {
		return nil, err
	}
	rec, err := decodeJSON[PresenceRecord](data)
	if err != nil {
		return nil, err
	}
	if rec.UserID == "" {
		rec.UserID = userID
	}
	return rec, nil
}
