package chatsync

import (
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// ============================================================================
// Snapshot cache
// ============================================================================

// Storage caches confirmed roster and thread snapshots per user so a new
// session has something to show before its first fetch. Missing entries load
// as nil with a nil error.
type Storage interface {
	SaveRoster(userID string, items []ConversationSummary) error
	LoadRoster(userID string) ([]ConversationSummary, error)
	SaveThread(userID, conversationID string, msgs []Message) error
	LoadThread(userID, conversationID string) ([]Message, error)
	// Purge deletes everything cached for userID.
	Purge(userID string) error
	Close() error
}

func rosterKey(userID string) string {
	return "roster:" + userID
}

func threadPrefix(userID string) string {
	return "thread:" + userID + ":"
}

func threadKey(userID, conversationID string) string {
	return threadPrefix(userID) + conversationID
}

// confirmedOnly strips optimistic entries, which are never persisted.
func confirmedOnly(msgs []Message) []Message {
	return lo.Filter(msgs, func(m Message, _ int) bool { return !m.Pending })
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory storage backend.
type MemoryStorage struct {
	mu      sync.RWMutex
	rosters map[string][]ConversationSummary
	threads map[string][]Message
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		rosters: make(map[string][]ConversationSummary),
		threads: make(map[string][]Message),
	}
}

func (s *MemoryStorage) SaveRoster(userID string, items []ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rosters[rosterKey(userID)] = cloneSummaries(items)
	return nil
}

func (s *MemoryStorage) LoadRoster(userID string) ([]ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSummaries(s.rosters[rosterKey(userID)]), nil
}

func (s *MemoryStorage) SaveThread(userID, conversationID string, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadKey(userID, conversationID)] = confirmedOnly(msgs)
	return nil
}

func (s *MemoryStorage) LoadThread(userID, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.threads[threadKey(userID, conversationID)]), nil
}

func (s *MemoryStorage) Purge(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rosters, rosterKey(userID))
	prefix := threadPrefix(userID)
	for k := range s.threads {
		if strings.HasPrefix(k, prefix) {
			delete(s.threads, k)
		}
	}
	return nil
}

func (s *MemoryStorage) Close() error { return nil }
