package chatsync

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// feed broadcasts immutable snapshots to subscribers. Publishers tag each
// snapshot with a version taken under their own lock; a snapshot older than
// the last delivered one for the same key is dropped, so subscribers never
// observe state moving backwards.
type feed[T any] struct {
	deliver   sync.Mutex
	mu        sync.Mutex
	nextID    int
	handlers  map[int]func(T)
	delivered map[string]uint64
	log       zerolog.Logger
}

func newFeed[T any](log zerolog.Logger) *feed[T] {
	return &feed[T]{
		handlers:  make(map[int]func(T)),
		delivered: make(map[string]uint64),
		log:       log,
	}
}

// subscribe registers h and returns a function that removes it.
func (f *feed[T]) subscribe(h func(T)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = h
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.handlers, id)
			f.mu.Unlock()
		})
	}
}

// publish delivers v to every handler in registration order and returns once
// they have all run. Deliveries are serialized; a handler may unsubscribe but
// must not publish to the same feed.
func (f *feed[T]) publish(key string, version uint64, v T) {
	f.deliver.Lock()
	defer f.deliver.Unlock()

	f.mu.Lock()
	if last, ok := f.delivered[key]; ok && version <= last {
		f.mu.Unlock()
		return
	}
	f.delivered[key] = version
	ids := lo.Keys(f.handlers)
	slices.Sort(ids)
	handlers := lo.Map(ids, func(id int, _ int) func(T) { return f.handlers[id] })
	f.mu.Unlock()

	for _, h := range handlers {
		f.call(h, v)
	}
}

func (f *feed[T]) call(h func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error().Interface("panic", r).Msg("subscriber panicked")
		}
	}()
	h(v)
}
