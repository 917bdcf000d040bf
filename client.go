// Package chatsync keeps a chat client's roster and message threads
// consistent across a WebSocket push channel, periodic polling, and
// optimistic local sends.
//
// Example:
//
//	client := chatsync.NewClient("https://chat.example.com")
//	ctrl := chatsync.NewController(client, chatsync.Config{BaseURL: "https://chat.example.com"})
//	ctrl.SignIn(chatsync.User{ID: "u-1", DisplayName: "Ada"})
//	defer ctrl.SignOut()
//
//	ctrl.OnRoster(func(chats []chatsync.ConversationSummary) { ... })
//	ctrl.Send(ctx, chatID, "hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/internal/logging"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Backend interfaces
// ============================================================================

// ChatLister fetches the full roster for a user.
type ChatLister interface {
	ListChats(ctx context.Context, userID string) ([]ConversationSummary, error)
}

// MessageLister fetches the complete ordered history of one conversation.
type MessageLister interface {
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// MessageWriter performs the at-most-once message write.
type MessageWriter interface {
	SendMessage(ctx context.Context, conversationID, senderID, text string) error
}

// ChatCreator opens a direct conversation.
type ChatCreator interface {
	CreateChat(ctx context.Context, initiatorID, participantID string) (ConversationSummary, error)
}

// NameResolver looks up a participant's preferred display name. ok is false
// when the user has no usable name.
type NameResolver interface {
	PreferredName(ctx context.Context, userID string) (name string, ok bool, err error)
}

// Notifier is the fire-and-forget offline notification endpoint.
type Notifier interface {
	NotifyOffline(ctx context.Context, conversationID string, recipientIDs []string, preview string) error
}

// Backend is everything the controller needs from the server.
type Backend interface {
	ChatLister
	MessageLister
	MessageWriter
	ChatCreator
	NameResolver
	Notifier
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of Backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

var _ Backend = (*Client)(nil)

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: logging.Component("client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var detail apiErrorResponse
		if json.Unmarshal(data, &detail) == nil {
			apiErr.Detail = detail.Detail
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Message API
// ============================================================================

// ListChats returns every conversation the user participates in.
func (c *Client) ListChats(ctx context.Context, userID string) ([]ConversationSummary, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/social/chats", nil, url.Values{"user_id": {userID}})
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[chatsResponse](data)
	if err != nil {
		return nil, err
	}
	out := make([]ConversationSummary, 0, len(resp.Chats))
	for _, r := range resp.Chats {
		if r.ID == "" {
			c.log.Warn().Msg("dropping chat without id")
			continue
		}
		out = append(out, r.toSummary())
	}
	return out, nil
}

// ListMessages returns the full history of a conversation, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/social/chats/"+url.PathEscape(conversationID)+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[messagesResponse](data)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(resp.Messages))
	for _, r := range resp.Messages {
		if !r.valid() {
			c.log.Warn().Str("chat_id", conversationID).Str("message_id", r.ID).Msg("dropping malformed message")
			continue
		}
		out = append(out, r.toMessage())
	}
	return out, nil
}

// SendMessage writes one message. It is not retried.
func (c *Client) SendMessage(ctx context.Context, conversationID, senderID, text string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/social/chats/"+url.PathEscape(conversationID)+"/messages",
		sendMessageRequest{SenderID: senderID, Content: text}, nil)
	return err
}

// CreateChat opens (or returns) the direct conversation between two users.
func (c *Client) CreateChat(ctx context.Context, initiatorID, participantID string) (ConversationSummary, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/social/chats",
		chatCreateRequest{InitiatorID: initiatorID, ParticipantID: participantID}, nil)
	if err != nil {
		return ConversationSummary{}, err
	}
	resp, err := decodeJSON[chatCreateResponse](data)
	if err != nil {
		return ConversationSummary{}, err
	}
	if resp.Chat.ID == "" {
		return ConversationSummary{}, fmt.Errorf("create chat: response without chat id")
	}
	return resp.Chat.toSummary(), nil
}

// ============================================================================
// Auxiliary endpoints
// ============================================================================

// PreferredName resolves a user's display name. A missing profile is not an
// error; it reports ok == false.
func (c *Client) PreferredName(ctx context.Context, userID string) (string, bool, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/social/profiles/"+url.PathEscape(userID), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	profile, err := decodeJSON[profileRecord](data)
	if err != nil {
		return "", false, err
	}
	name, ok := profile.preferredName()
	return name, ok, nil
}

// NotifyOffline asks the notification backend to alert offline recipients.
func (c *Client) NotifyOffline(ctx context.Context, conversationID string, recipientIDs []string, preview string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/notify/offline-message", offlineNotification{
		ChatID:       conversationID,
		RecipientIDs: recipientIDs,
		Preview:      preview,
	}, nil)
	return err
}
