package chatsync

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/LuminPulse-AI/chatsync/internal/logging"
)

const (
	DefaultRosterPollInterval  = 10 * time.Second
	DefaultMessagePollInterval = 5 * time.Second
)

// Poller periodically refreshes the roster and every watched thread. The
// push channel is not assumed to be lossless; polling is the safety net.
type Poller struct {
	roster   *Roster
	store    *MessageStore
	messages MessageLister
	log      zerolog.Logger

	rosterInterval  time.Duration
	messageInterval time.Duration

	mu      sync.Mutex
	watched map[string]struct{}
	tasks   []*IntervalTask
}

type PollerOption func(*Poller)

func WithPollIntervals(roster, messages time.Duration) PollerOption {
	return func(p *Poller) {
		if roster > 0 {
			p.rosterInterval = roster
		}
		if messages > 0 {
			p.messageInterval = messages
		}
	}
}

func WithPollerLogger(log zerolog.Logger) PollerOption {
	return func(p *Poller) { p.log = log }
}

func NewPoller(roster *Roster, store *MessageStore, messages MessageLister, opts ...PollerOption) *Poller {
	p := &Poller{
		roster:          roster,
		store:           store,
		messages:        messages,
		log:             logging.Component("poller"),
		rosterInterval:  DefaultRosterPollInterval,
		messageInterval: DefaultMessagePollInterval,
		watched:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling. The first roster poll runs immediately. Calling
// Start on a running poller does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tasks != nil {
		return
	}
	p.tasks = []*IntervalTask{
		Every(ctx, p.rosterInterval, true, p.pollRoster),
		Every(ctx, p.messageInterval, false, p.pollThreads),
	}
}

// Stop halts polling and waits for an in-flight poll. The watch set is
// cleared.
func (p *Poller) Stop() {
	p.mu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.watched = make(map[string]struct{})
	p.mu.Unlock()

	for _, t := range tasks {
		t.Stop()
	}
}

// Watch adds a conversation to the message poll set.
func (p *Poller) Watch(conversationID string) {
	p.mu.Lock()
	p.watched[conversationID] = struct{}{}
	p.mu.Unlock()
}

// Unwatch removes a conversation from the message poll set.
func (p *Poller) Unwatch(conversationID string) {
	p.mu.Lock()
	delete(p.watched, conversationID)
	p.mu.Unlock()
}

// Watched returns the polled conversations, sorted.
func (p *Poller) Watched() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := lo.Keys(p.watched)
	slices.Sort(ids)
	return ids
}

// PollThread fetches one thread and merges it. A failed fetch leaves the
// thread untouched.
func (p *Poller) PollThread(ctx context.Context, conversationID string) error {
	return p.pollThreadIn(ctx, p.store.Scope(), conversationID)
}

// pollThreadIn is PollThread for a caller that captured the store scope
// before deciding what to fetch.
func (p *Poller) pollThreadIn(ctx context.Context, scope uint64, conversationID string) error {
	batch, err := p.messages.ListMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.store.ApplyPollIn(scope, conversationID, batch)
	return nil
}

func (p *Poller) pollRoster(ctx context.Context) {
	if err := p.roster.Refresh(ctx); err != nil && ctx.Err() == nil {
		p.log.Warn().Err(err).Msg("roster poll failed")
	}
}

func (p *Poller) pollThreads(ctx context.Context) {
	scope := p.store.Scope()
	for _, id := range p.Watched() {
		if ctx.Err() != nil {
			return
		}
		if err := p.pollThreadIn(ctx, scope, id); err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Str("chat_id", id).Msg("message poll failed")
		}
	}
}
