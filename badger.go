package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStorage persists snapshots in a BadgerDB directory. Values are JSON.
type BadgerStorage struct {
	db *badger.DB
}

var _ Storage = (*BadgerStorage)(nil)

// OpenBadgerStorage opens (or creates) a snapshot cache at dir.
func OpenBadgerStorage(dir string) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return NewBadgerStorage(db), nil
}

// NewBadgerStorage wraps an already open database. Close closes db.
func NewBadgerStorage(db *badger.DB) *BadgerStorage {
	return &BadgerStorage{db: db}
}

func (s *BadgerStorage) SaveRoster(userID string, items []ConversationSummary) error {
	return s.put(rosterKey(userID), items)
}

func (s *BadgerStorage) LoadRoster(userID string) ([]ConversationSummary, error) {
	var items []ConversationSummary
	if err := s.get(rosterKey(userID), &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *BadgerStorage) SaveThread(userID, conversationID string, msgs []Message) error {
	return s.put(threadKey(userID, conversationID), confirmedOnly(msgs))
}

func (s *BadgerStorage) LoadThread(userID, conversationID string) ([]Message, error) {
	var msgs []Message
	if err := s.get(threadKey(userID, conversationID), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *BadgerStorage) Purge(userID string) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(rosterKey(userID)))
	}); err != nil {
		return fmt.Errorf("purge roster: %w", err)
	}
	if err := s.db.DropPrefix([]byte(threadPrefix(userID))); err != nil {
		return fmt.Errorf("purge threads: %w", err)
	}
	return nil
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

func (s *BadgerStorage) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// get decodes key into v. A missing key leaves v untouched.
func (s *BadgerStorage) get(key string, v any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	return nil
}
