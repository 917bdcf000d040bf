package chatsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake backend
// ============================================================================

type sentMessage struct {
	ConversationID string
	SenderID       string
	Text           string
}

type notification struct {
	ConversationID string
	RecipientIDs   []string
	Preview        string
}

// fakeBackend is an in-memory Backend. Hooks, when set, replace the default
// behaviour of the matching call.
type fakeBackend struct {
	mu sync.Mutex

	chats     []ConversationSummary
	chatsErr  error
	listChats func(ctx context.Context, userID string) ([]ConversationSummary, error)
	chatCalls int

	messages    map[string][]Message
	messagesErr error

	sendErr error
	sent    []sentMessage

	created      ConversationSummary
	createErr    error
	createdCalls int

	names      map[string]string
	nameErr    map[string]error
	nameGates  map[string]chan struct{}
	lookups    int // PreferredName calls in progress
	maxLookups int

	notifyErr error
	notified  []notification
}

var _ Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		messages:  make(map[string][]Message),
		names:     make(map[string]string),
		nameErr:   make(map[string]error),
		nameGates: make(map[string]chan struct{}),
	}
}

func (f *fakeBackend) setChats(chats ...ConversationSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = chats
}

func (f *fakeBackend) ListChats(ctx context.Context, userID string) ([]ConversationSummary, error) {
	f.mu.Lock()
	f.chatCalls++
	hook := f.listChats
	chats, err := cloneSummaries(f.chats), f.chatsErr
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, userID)
	}
	return chats, err
}

func (f *fakeBackend) listChatCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatCalls
}

func (f *fakeBackend) ListMessages(_ context.Context, conversationID string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messagesErr != nil {
		return nil, f.messagesErr
	}
	return append([]Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeBackend) SendMessage(_ context.Context, conversationID, senderID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{conversationID, senderID, text})
	return nil
}

func (f *fakeBackend) CreateChat(context.Context, string, string) (ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdCalls++
	return f.created.clone(), f.createErr
}

func (f *fakeBackend) PreferredName(ctx context.Context, userID string) (string, bool, error) {
	f.mu.Lock()
	gate := f.nameGates[userID]
	f.lookups++
	f.maxLookups = max(f.maxLookups, f.lookups)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.lookups--
		f.mu.Unlock()
	}()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nameErr[userID]; err != nil {
		return "", false, err
	}
	name, ok := f.names[userID]
	return name, ok, nil
}

func (f *fakeBackend) lookupStats() (inFlight, peak int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups, f.maxLookups
}

func (f *fakeBackend) NotifyOffline(_ context.Context, conversationID string, recipientIDs []string, preview string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, notification{conversationID, recipientIDs, preview})
	return f.notifyErr
}

func (f *fakeBackend) notifications() []notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notification(nil), f.notified...)
}

// ============================================================================
// Push server
// ============================================================================

// pushServer accepts WebSocket connections on /ws/messages and hands them to
// the test.
type pushServer struct {
	*httptest.Server
	conns chan *websocket.Conn
	users chan string
	dials atomic.Int32
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{
		conns: make(chan *websocket.Conn, 16),
		users: make(chan string, 16),
	}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/messages" {
			http.NotFound(w, r)
			return
		}
		ps.dials.Add(1)
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ps.users <- r.URL.Query().Get("user_id")
		// CloseRead keeps reading so pings get answered.
		ctx := c.CloseRead(r.Context())
		ps.conns <- c
		<-ctx.Done()
	}))
	t.Cleanup(ps.Close)
	return ps
}

// accept waits for the next connection.
func (ps *pushServer) accept(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	select {
	case c := <-ps.conns:
		return c, <-ps.users
	case <-time.After(5 * time.Second):
		t.Fatal("no websocket connection")
		return nil, ""
	}
}

func writeFrame(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(frame)))
}

// ============================================================================
// Fixtures
// ============================================================================

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return epoch.Add(time.Duration(sec) * time.Second)
}

func msg(id, conversationID, senderID, content string, createdAt time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      createdAt,
	}
}

func chat(id, title string, last time.Time, participants ...string) ConversationSummary {
	return ConversationSummary{
		ID:             id,
		Title:          title,
		LastMessageAt:  last,
		ParticipantIDs: participants,
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func chatIDs(chats []ConversationSummary) []string {
	out := make([]string, len(chats))
	for i, c := range chats {
		out[i] = c.ID
	}
	return out
}

const waitFor, tick = 3 * time.Second, 5 * time.Millisecond
