package chatsync

import (
	"strings"
	"time"
)

// ============================================================================
// Identity & Session
// ============================================================================

// User is the signed-in identity. DisplayName is what optimistic messages
// carry as their sender name.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// SessionState is the authentication phase of the process.
type SessionState string

const (
	SessionLoading   SessionState = "loading"
	SessionSignedOut SessionState = "signed-out"
	SessionSignedIn  SessionState = "signed-in"
)

// Session is a single observed authentication value. User is only set when
// State is SessionSignedIn.
type Session struct {
	State SessionState `json:"state"`
	User  User         `json:"user,omitempty"`
}

// SignedIn reports whether the session carries an identity.
func (s Session) SignedIn() bool {
	return s.State == SessionSignedIn
}

// ConnectionState represents the push connection state.
type ConnectionState string

const (
	StateDisconnected     ConnectionState = "disconnected"
	StateConnecting       ConnectionState = "connecting"
	StateConnected        ConnectionState = "connected"
	StateReconnectPending ConnectionState = "reconnect-pending"
)

// ============================================================================
// Messages & Conversations
// ============================================================================

// LocalIDPrefix marks ids generated for optimistic messages.
const LocalIDPrefix = "local-"

// Message is one chat message. Confirmed messages are immutable; a Pending
// message exists only locally until it is superseded or rolled back.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	IsMine         bool      `json:"isMine"`
	Pending        bool      `json:"pending,omitempty"`
}

// ConversationSummary is one row of the chat roster.
type ConversationSummary struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	UnreadCount        int       `json:"unreadCount"`
	ParticipantIDs     []string  `json:"participantIds"`
}

// PlaceholderTitle is shown for conversations whose name is not resolved.
const PlaceholderTitle = "Conversation"

var placeholderTitles = map[string]struct{}{
	"":             {},
	"chat":         {},
	"conversation": {},
	"user":         {},
	"untitled":     {},
}

// IsPlaceholderTitle reports whether title is a stand-in rather than a
// resolved participant name.
func IsPlaceholderTitle(title string) bool {
	_, ok := placeholderTitles[strings.ToLower(strings.TrimSpace(title))]
	return ok
}

// HasPlaceholderTitle reports whether the summary still needs a real name.
func (c ConversationSummary) HasPlaceholderTitle() bool {
	return IsPlaceholderTitle(c.Title)
}

// Counterpart returns the first participant that is not self.
func (c ConversationSummary) Counterpart(self string) (string, bool) {
	for _, id := range c.ParticipantIDs {
		if id != self {
			return id, true
		}
	}
	return "", false
}

func (c ConversationSummary) withTitle(title string) ConversationSummary {
	c.Title = title
	return c
}

func (c ConversationSummary) clone() ConversationSummary {
	c.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	return c
}

// Thread is a published snapshot of one conversation's message sequence.
type Thread struct {
	ConversationID string
	Messages       []Message
}

// ============================================================================
// Wire records
// ============================================================================

// messageRecord is the backend's JSON shape for a message, used by both the
// REST API and the push channel.
type messageRecord struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id"`
	SenderName *string   `json:"sender_name"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r messageRecord) valid() bool {
	return r.ID != "" && r.ChatID != "" && r.SenderID != "" && !r.CreatedAt.IsZero()
}

func (r messageRecord) toMessage() Message {
	name := ""
	if r.SenderName != nil {
		name = *r.SenderName
	}
	return Message{
		ID:             r.ID,
		ConversationID: r.ChatID,
		SenderID:       r.SenderID,
		SenderName:     name,
		Content:        r.Content,
		CreatedAt:      r.CreatedAt,
	}
}

type chatRecord struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	LastMessagePreview *string    `json:"last_message_preview"`
	LastMessageAt      *time.Time `json:"last_message_at"`
	UnreadCount        *int       `json:"unread_count"`
	ParticipantIDs     []string   `json:"participant_ids"`
}

func (r chatRecord) toSummary() ConversationSummary {
	s := ConversationSummary{
		ID:             r.ID,
		Title:          r.Title,
		ParticipantIDs: append([]string(nil), r.ParticipantIDs...),
	}
	if r.LastMessagePreview != nil {
		s.LastMessagePreview = *r.LastMessagePreview
	}
	if r.LastMessageAt != nil {
		s.LastMessageAt = *r.LastMessageAt
	}
	if r.UnreadCount != nil {
		s.UnreadCount = *r.UnreadCount
	}
	return s
}

type profileRecord struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	Phone       *string `json:"phone"`
}

// preferredName mirrors the profile rule: a blank or generic "user" display
// name falls back to the phone number.
func (r profileRecord) preferredName() (string, bool) {
	name := strings.TrimSpace(r.DisplayName)
	if name != "" && !strings.EqualFold(name, "user") {
		return name, true
	}
	if r.Phone != nil && strings.TrimSpace(*r.Phone) != "" {
		return strings.TrimSpace(*r.Phone), true
	}
	return "", false
}

type messagesResponse struct {
	Messages []messageRecord `json:"messages"`
}

type chatsResponse struct {
	Chats []chatRecord `json:"chats"`
}

type chatCreateResponse struct {
	Chat chatRecord `json:"chat"`
}

type sendMessageRequest struct {
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

type chatCreateRequest struct {
	InitiatorID   string `json:"initiator_id"`
	ParticipantID string `json:"participant_id"`
}

type offlineNotification struct {
	ChatID       string   `json:"chat_id"`
	RecipientIDs []string `json:"recipient_ids"`
	Preview      string   `json:"preview"`
}

type apiErrorResponse struct {
	Detail string `json:"detail"`
}
