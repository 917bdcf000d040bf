package chatsync

import (
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/LuminPulse-AI/chatsync/internal/logging"
)

// DefaultSupersedeWindow bounds how far apart a pending local message and
// its confirmed copy may be timestamped and still be treated as the same send.
const DefaultSupersedeWindow = 2 * time.Minute

// supersedeSkew is how far a confirmed copy may be stamped before its pending
// original, covering server/client clock drift. Older messages never match.
const supersedeSkew = 5 * time.Second

// MessageStore merges push, poll and optimistic messages into one ordered,
// de-duplicated sequence per conversation.
//
// Every write builds a new slice and swaps it in, so a snapshot handed to a
// reader is never modified afterwards.
type MessageStore struct {
	mu      sync.Mutex
	selfID  string
	scope   uint64 // bumped by Reset
	threads map[string][]Message
	seq     uint64
	window  time.Duration

	feed *feed[Thread]
	log  zerolog.Logger
}

type MessageStoreOption func(*MessageStore)

// WithSupersedeWindow overrides DefaultSupersedeWindow. Zero disables
// content matching, leaving pending entries until an id match or rollback.
func WithSupersedeWindow(d time.Duration) MessageStoreOption {
	return func(s *MessageStore) { s.window = d }
}

func WithMessageStoreLogger(log zerolog.Logger) MessageStoreOption {
	return func(s *MessageStore) { s.log = log }
}

// NewMessageStore returns an empty store.
func NewMessageStore(opts ...MessageStoreOption) *MessageStore {
	s := &MessageStore{
		threads: make(map[string][]Message),
		window:  DefaultSupersedeWindow,
		log:     logging.Component("merge"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.feed = newFeed[Thread](s.log)
	return s
}

// Subscribe registers a handler for thread snapshots. Handlers run on the
// goroutine that changed the store, one snapshot at a time, and must not
// write to the same store; hand such work to another goroutine.
func (s *MessageStore) Subscribe(h func(Thread)) (unsubscribe func()) {
	return s.feed.subscribe(h)
}

// Messages returns the current sequence for a conversation.
func (s *MessageStore) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.threads[conversationID])
}

// Conversations lists the conversations with at least one message.
func (s *MessageStore) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := lo.Keys(s.threads)
	slices.Sort(ids)
	return ids
}

// Scope identifies the current Reset generation. Work that fetched data
// under one scope passes it to ApplyPollIn so a later Reset discards it.
func (s *MessageStore) Scope() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// Reset clears every thread and rescopes IsMine to selfID.
func (s *MessageStore) Reset(selfID string) {
	s.mu.Lock()
	cleared := lo.Keys(s.threads)
	s.selfID = selfID
	s.scope++
	s.threads = make(map[string][]Message)
	snaps := make([]Thread, 0, len(cleared))
	versions := make([]uint64, 0, len(cleared))
	for _, id := range cleared {
		s.seq++
		snaps = append(snaps, Thread{ConversationID: id})
		versions = append(versions, s.seq)
	}
	s.mu.Unlock()

	for i, snap := range snaps {
		s.feed.publish(snap.ConversationID, versions[i], snap)
	}
}

// ApplyPush inserts a confirmed message unless its id is already present.
// It reports whether the sequence changed.
func (s *MessageStore) ApplyPush(msg Message) bool {
	s.mu.Lock()
	msg = s.ingest(msg, false)
	cur := s.threads[msg.ConversationID]
	if containsID(cur, msg.ID) {
		s.mu.Unlock()
		return false
	}
	next := s.dropSuperseded(cur, []Message{msg})
	next = append(next, msg)
	sortByTime(next)
	snap, version := s.swap(msg.ConversationID, next)
	s.mu.Unlock()

	s.feed.publish(snap.ConversationID, version, snap)
	return true
}

// ApplyPoll replaces a conversation's sequence with a complete fetch.
// Pending local messages survive unless the batch carries their id or a
// newly seen confirmed copy of them.
func (s *MessageStore) ApplyPoll(conversationID string, batch []Message) {
	s.ApplyPollIn(s.Scope(), conversationID, batch)
}

// ApplyPollIn is ApplyPoll for a batch fetched under scope. It reports false
// and changes nothing if the store has been reset since.
func (s *MessageStore) ApplyPollIn(scope uint64, conversationID string, batch []Message) bool {
	s.mu.Lock()
	if scope != s.scope {
		s.mu.Unlock()
		return false
	}
	cur := s.threads[conversationID]
	known := make(map[string]struct{}, len(cur))
	for _, m := range cur {
		if !m.Pending {
			known[m.ID] = struct{}{}
		}
	}

	next := make([]Message, 0, len(batch))
	seen := make(map[string]struct{}, len(batch))
	var fresh []Message
	for _, m := range batch {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m.ConversationID = conversationID
		m = s.ingest(m, false)
		next = append(next, m)
		if _, ok := known[m.ID]; !ok {
			fresh = append(fresh, m)
		}
	}

	pending := lo.Filter(cur, func(m Message, _ int) bool {
		_, dup := seen[m.ID]
		return m.Pending && !dup
	})
	next = append(next, s.dropSuperseded(pending, fresh)...)
	sortByTime(next)
	snap, version := s.swap(conversationID, next)
	s.mu.Unlock()

	s.feed.publish(snap.ConversationID, version, snap)
	return true
}

// InsertLocal adds an optimistic message, marked Pending. It is refused
// unless the sender is the store's current user.
func (s *MessageStore) InsertLocal(msg Message) bool {
	s.mu.Lock()
	if s.selfID == "" || msg.SenderID != s.selfID {
		s.mu.Unlock()
		return false
	}
	msg = s.ingest(msg, true)
	cur := s.threads[msg.ConversationID]
	if containsID(cur, msg.ID) {
		s.mu.Unlock()
		return false
	}
	next := append(slices.Clone(cur), msg)
	sortByTime(next)
	snap, version := s.swap(msg.ConversationID, next)
	s.mu.Unlock()

	s.feed.publish(snap.ConversationID, version, snap)
	return true
}

// Remove rolls back a pending message. Confirmed messages are never removed.
func (s *MessageStore) Remove(conversationID, id string) bool {
	s.mu.Lock()
	cur := s.threads[conversationID]
	idx := slices.IndexFunc(cur, func(m Message) bool { return m.ID == id && m.Pending })
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	next := slices.Delete(slices.Clone(cur), idx, idx+1)
	snap, version := s.swap(conversationID, next)
	s.mu.Unlock()

	s.feed.publish(snap.ConversationID, version, snap)
	return true
}

// Seed fills an empty thread from a cached snapshot. It does nothing once
// the thread has data.
func (s *MessageStore) Seed(conversationID string, msgs []Message) {
	s.mu.Lock()
	if s.selfID == "" || len(s.threads[conversationID]) > 0 || len(msgs) == 0 {
		s.mu.Unlock()
		return
	}
	next := lo.UniqBy(lo.Map(msgs, func(m Message, _ int) Message {
		m.ConversationID = conversationID
		return s.ingest(m, false)
	}), func(m Message) string { return m.ID })
	sortByTime(next)
	snap, version := s.swap(conversationID, next)
	s.mu.Unlock()

	s.feed.publish(snap.ConversationID, version, snap)
}

// ingest derives the per-session fields. Caller holds s.mu.
func (s *MessageStore) ingest(m Message, pending bool) Message {
	m.IsMine = s.selfID != "" && m.SenderID == s.selfID
	m.Pending = pending
	return m
}

// swap installs next and returns the snapshot to publish. Caller holds s.mu.
func (s *MessageStore) swap(conversationID string, next []Message) (Thread, uint64) {
	s.threads[conversationID] = next
	s.seq++
	return Thread{ConversationID: conversationID, Messages: slices.Clone(next)}, s.seq
}

// dropSuperseded returns msgs without the pending entries that one of the
// fresh confirmed messages replaces. Each confirmed message replaces at most
// one pending entry, the oldest match.
func (s *MessageStore) dropSuperseded(msgs, fresh []Message) []Message {
	out := slices.Clone(msgs)
	for _, c := range fresh {
		idx := slices.IndexFunc(out, func(m Message) bool { return m.Pending && s.supersedes(c, m) })
		if idx >= 0 {
			out = slices.Delete(out, idx, idx+1)
		}
	}
	return out
}

// supersedes reports whether confirmed is the server copy of pending.
func (s *MessageStore) supersedes(confirmed, pending Message) bool {
	if s.window <= 0 {
		return false
	}
	if confirmed.ConversationID != pending.ConversationID ||
		confirmed.SenderID != pending.SenderID ||
		confirmed.Content != pending.Content {
		return false
	}
	d := confirmed.CreatedAt.Sub(pending.CreatedAt)
	if d < 0 {
		return -d <= min(s.window, supersedeSkew)
	}
	return d <= s.window
}

func containsID(msgs []Message, id string) bool {
	return slices.ContainsFunc(msgs, func(m Message) bool { return m.ID == id })
}

// sortByTime orders ascending by CreatedAt; equal timestamps keep their
// arrival order.
func sortByTime(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
