// Package conduit is the offline conversation synchronization core of the
// Conduit gateway client: a local cache of conversation state, an outbox
// for messages sent while offline or mid-request, and a session manager
// gating every network call.
//
// Example:
//
//	session, _ := conduit.NewSessionManager(dir)
//	client := conduit.NewClient(session)
//	cache, _ := conduit.NewCacheStore(dir)
//	outbox, _ := conduit.NewOutbox(dir)
//
//	rec := conduit.NewReconciler(cache, outbox, client)
//	outbox.Enqueue("hello", "")
//	rec.SendPending(ctx, "")
package conduit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the hosted gateway endpoint.
	DefaultBaseURL = "https://gateway.conduit.chat"
	// DefaultTimeout bounds plain REST calls. Streaming chat uses a
	// dedicated client bounded only by the request context.
	DefaultTimeout = 30 * time.Second
	// healthTimeout keeps the liveness probe short.
	healthTimeout = 5 * time.Second
)

// Client talks to the Conduit gateway REST/SSE surface. Every request
// except the refresh call resolves its bearer token through the
// SessionManager; a 401 on any authenticated request hard-expires the
// session immediately.
type Client struct {
	baseURL      string
	userAgent    string
	session      *SessionManager
	httpClient   *http.Client
	streamClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a different gateway.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the plain-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient substitutes the underlying HTTP client for plain requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a gateway client gated by session. If the session has
// no refresh call installed, the client's own Refresh is bound to it.
func NewClient(session *SessionManager, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		session:      session,
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if session != nil && session.refreshFn == nil {
		session.refreshFn = c.Refresh
	}
	return c
}

// Session returns the manager gating this client's requests.
func (c *Client) Session() *SessionManager {
	return c.session
}

// ============================================================================
// Request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	token, err := c.session.ValidToken(ctx)
	if err != nil {
		return nil, err
	}

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
			return nil, &DecodeError{Source: path, Err: err}
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.session.HandleUnauthorized()
		return nil, ErrAuthExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	return data, nil
}

// errorMessage pulls the gateway's error body, falling back to the raw text.
func errorMessage(data []byte) string {
	var body apiErrorBody
	if json.Unmarshal(data, &body) == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return strings.TrimSpace(string(data))
}

func decodeJSON[T any](data []byte, source string) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &DecodeError{Source: source, Err: err}
	}
	return &result, nil
}

// ============================================================================
// REST surface
// ============================================================================

// CreateConversation starts a new conversation on the gateway.
func (c *Client) CreateConversation(ctx context.Context, title string) (*ConversationSummary, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/v1/conversations", createConversationRequest{Title: title}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ConversationSummary](data, "create conversation")
}

// ListConversations fetches one page of summaries. It reports whether more
// pages remain.
func (c *Client) ListConversations(ctx context.Context, limit, offset int) ([]ConversationSummary, bool, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	if offset > 0 {
		query["offset"] = strconv.Itoa(offset)
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/v1/conversations", nil, query)
	if err != nil {
		return nil, false, err
	}
	page, err := decodeJSON[listConversationsResponse](data, "list conversations")
	if err != nil {
		return nil, false, err
	}
	return page.Conversations, page.HasMore, nil
}

// Chat sends text and returns the assistant's reply.
func (c *Client) Chat(ctx context.Context, conversationID, text string) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/chat"
	data, err := c.doRequest(ctx, http.MethodPost, path, chatRequest{Message: text}, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[chatResponse](data, "chat")
	if err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// DeleteConversation removes a conversation on the gateway.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) (bool, error) {
	path := "/v1/conversations/" + url.PathEscape(conversationID)
	data, err := c.doRequest(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return false, err
	}
	resp, err := decodeJSON[deleteConversationResponse](data, "delete conversation")
	if err != nil {
		return false, err
	}
	return resp.Deleted, nil
}

// Refresh exchanges current for a fresh token. It authenticates with the
// token being refreshed rather than going through ValidToken, since it is
// the call ValidToken itself makes.
func (c *Client) Refresh(ctx context.Context, current string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/refresh", nil)
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+current)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("refresh: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", 0, fmt.Errorf("refresh rejected: %w", ErrAuthExpired)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, &HTTPError{Status: resp.StatusCode, Message: errorMessage(data)}
	}

	parsed, err := decodeJSON[refreshResponse](data, "refresh")
	if err != nil {
		return "", 0, err
	}
	if parsed.Token == "" {
		return "", 0, &DecodeError{Source: "refresh", Err: fmt.Errorf("empty token in response")}
	}
	return parsed.Token, parsed.ExpiresAt, nil
}

// Health probes gateway liveness with a short deadline.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	_, err := c.doRequest(ctx, http.MethodGet, "/v1/health", nil, nil)
	return err
}
