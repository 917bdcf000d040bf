package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", WithTimeout(5*time.Second))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================================
// Message API
// ============================================================================

func TestClientListChats(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /social/chats", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "me", r.URL.Query().Get("user_id"))
		w.Write([]byte(`{"chats":[
			{"id":"c1","title":"Ada","last_message_preview":"hi","last_message_at":"2026-03-01T12:00:00Z","unread_count":2,"participant_ids":["me","u1"]},
			{"id":"c2","title":"","last_message_preview":null,"last_message_at":null,"unread_count":null,"participant_ids":["me","u2"]},
			{"id":"","title":"broken"}
		]}`))
	})
	c := newTestClient(t, mux)

	chats, err := c.ListChats(context.Background(), "me")
	require.NoError(t, err)
	require.Len(t, chats, 2)

	require.Equal(t, "hi", chats[0].LastMessagePreview)
	require.Equal(t, 2, chats[0].UnreadCount)
	require.Equal(t, epoch, chats[0].LastMessageAt.UTC())
	require.Equal(t, []string{"me", "u1"}, chats[0].ParticipantIDs)

	require.True(t, chats[1].LastMessageAt.IsZero())
	require.Zero(t, chats[1].UnreadCount)
}

func TestClientListMessagesDropsMalformed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /social/chats/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":[
			{"id":"m1","chat_id":"c1","sender_id":"u1","sender_name":"Ada","content":"a","created_at":"2026-03-01T12:00:00Z"},
			{"id":"m2","chat_id":"c1","content":"no sender","created_at":"2026-03-01T12:00:01Z"}
		]}`))
	})
	c := newTestClient(t, mux)

	msgs, err := c.ListMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, ids(msgs))
	require.Equal(t, "Ada", msgs[0].SenderName)
}

func TestClientSendMessage(t *testing.T) {
	var got sendMessageRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /social/chats/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]any{"id": "m1"})
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.SendMessage(context.Background(), "c1", "me", "hello"))
	require.Equal(t, sendMessageRequest{SenderID: "me", Content: "hello"}, got)
}

func TestClientErrorDetail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /social/chats/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"detail": "not a participant"})
	})
	c := newTestClient(t, mux)

	err := c.SendMessage(context.Background(), "c1", "me", "hello")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	require.Equal(t, "not a participant", apiErr.Detail)
	require.False(t, errors.Is(err, ErrNotFound))
	require.Contains(t, err.Error(), "not a participant")
}

func TestClientCreateChat(t *testing.T) {
	var got chatCreateRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /social/chats", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"chat":{"id":"c9","title":"","participant_ids":["me","u2"]}}`))
	})
	c := newTestClient(t, mux)

	summary, err := c.CreateChat(context.Background(), "me", "u2")
	require.NoError(t, err)
	require.Equal(t, "c9", summary.ID)
	require.Equal(t, chatCreateRequest{InitiatorID: "me", ParticipantID: "u2"}, got)
}

func TestClientCreateChatWithoutID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /social/chats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chat":{}}`))
	})
	c := newTestClient(t, mux)

	_, err := c.CreateChat(context.Background(), "me", "u2")
	require.Error(t, err)
}

// ============================================================================
// Auxiliary endpoints
// ============================================================================

func TestClientPreferredName(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /social/profiles/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "named":
			w.Write([]byte(`{"id":"named","display_name":"  Ada  ","phone":"+100"}`))
		case "generic":
			w.Write([]byte(`{"id":"generic","display_name":"User","phone":"+200"}`))
		case "blank":
			w.Write([]byte(`{"id":"blank","display_name":" ","phone":null}`))
		case "broken":
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "no profile"})
		}
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	tests := []struct {
		id     string
		want   string
		wantOK bool
	}{
		{"named", "Ada", true},
		{"generic", "+200", true},
		{"blank", "", false},
		{"missing", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			name, ok, err := c.PreferredName(ctx, tt.id)
			require.NoError(t, err)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.want, name)
		})
	}

	_, _, err := c.PreferredName(ctx, "broken")
	require.Error(t, err)
}

func TestClientNotifyOffline(t *testing.T) {
	var got offlineNotification
	mux := http.NewServeMux()
	mux.HandleFunc("POST /notify/offline-message", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.NotifyOffline(context.Background(), "c1", []string{"u2"}, "hello"))
	require.Equal(t, offlineNotification{ChatID: "c1", RecipientIDs: []string{"u2"}, Preview: "hello"}, got)
}

func TestNewClientTrimsBaseURL(t *testing.T) {
	require.Equal(t, "https://chat.example.com", NewClient("https://chat.example.com///").BaseURL())
}
