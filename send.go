package chatsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/LuminPulse-AI/chatsync/internal/logging"
)

const (
	// DefaultPreviewLimit is the rune budget of an offline notification preview.
	DefaultPreviewLimit = 120
	// DefaultNotifyTimeout bounds the fire-and-forget notification call.
	DefaultNotifyTimeout = 10 * time.Second
)

// SendBackend is what the send pipeline writes to.
type SendBackend interface {
	MessageWriter
	Notifier
}

// Sender inserts an optimistic message, writes it, and rolls it back on
// failure.
type Sender struct {
	backend SendBackend
	store   *MessageStore
	roster  *Roster
	log     zerolog.Logger

	previewLimit  int
	notifyTimeout time.Duration
	now           func() time.Time
	newID         func() string

	notifies sync.WaitGroup
}

type SenderOption func(*Sender)

func WithPreviewLimit(n int) SenderOption {
	return func(s *Sender) {
		if n > 0 {
			s.previewLimit = n
		}
	}
}

func WithNotifyTimeout(d time.Duration) SenderOption {
	return func(s *Sender) {
		if d > 0 {
			s.notifyTimeout = d
		}
	}
}

func WithSenderLogger(log zerolog.Logger) SenderOption {
	return func(s *Sender) { s.log = log }
}

// withClock is used by tests.
func withClock(now func() time.Time) SenderOption {
	return func(s *Sender) { s.now = now }
}

// NewSender wires a send pipeline onto store. roster supplies the
// notification recipients and may be nil.
func NewSender(backend SendBackend, store *MessageStore, roster *Roster, opts ...SenderOption) *Sender {
	s := &Sender{
		backend:       backend,
		store:         store,
		roster:        roster,
		log:           logging.Component("send"),
		previewLimit:  DefaultPreviewLimit,
		notifyTimeout: DefaultNotifyTimeout,
		now:           time.Now,
		newID:         func() string { return LocalIDPrefix + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send posts text to a conversation as self. The optimistic entry is visible
// to thread subscribers before the write starts. On a write error it is
// removed again and the error is returned; the caller still has the text.
func (s *Sender) Send(ctx context.Context, self User, conversationID, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if self.ID == "" {
		return Message{}, ErrSignedOut
	}

	local := Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		SenderID:       self.ID,
		SenderName:     self.DisplayName,
		Content:        text,
		CreatedAt:      s.now(),
	}
	if !s.store.InsertLocal(local) {
		return Message{}, ErrSignedOut
	}

	if err := s.backend.SendMessage(ctx, conversationID, self.ID, text); err != nil {
		s.store.Remove(conversationID, local.ID)
		return Message{}, fmt.Errorf("send message: %w", err)
	}

	s.notify(self.ID, conversationID, text)
	local.IsMine, local.Pending = true, true
	return local, nil
}

// Wait blocks until in-flight notifications have finished.
func (s *Sender) Wait() {
	s.notifies.Wait()
}

func (s *Sender) notify(selfID, conversationID, text string) {
	if s.roster == nil {
		return
	}
	summary, ok := s.roster.Summary(conversationID)
	if !ok {
		return
	}
	recipients := lo.Without(lo.Uniq(summary.ParticipantIDs), selfID)
	if len(recipients) == 0 {
		return
	}
	preview := truncateRunes(text, s.previewLimit)

	s.notifies.Add(1)
	go func() {
		defer s.notifies.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()
		if err := s.backend.NotifyOffline(ctx, conversationID, recipients, preview); err != nil {
			s.log.Warn().Err(err).Str("chat_id", conversationID).Msg("offline notification failed")
		}
	}()
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
