package chatsync

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/LuminPulse-AI/chatsync/internal/logging"
)

// DefaultTitleLookupLimit caps concurrent name lookups across the roster.
const DefaultTitleLookupLimit = 8

// RosterBackend is the slice of Backend the roster talks to.
type RosterBackend interface {
	ChatLister
	ChatCreator
	NameResolver
}

// activity is the latest push-observed state of one conversation.
type activity struct {
	preview string
	at      time.Time
}

type titleLookup struct {
	conversationID string
	userID         string
}

// Roster keeps the ordered list of conversation summaries, most recently
// active first.
type Roster struct {
	backend RosterBackend
	limit   int
	lookups *semaphore.Weighted
	log     zerolog.Logger

	mu         sync.Mutex
	selfID     string
	gen        uint64
	ctx        context.Context
	cancel     context.CancelFunc
	items      []ConversationSummary
	deltas     map[string]activity
	titles     map[string]string
	resolving  map[string]struct{}
	started    uint64 // refresh tickets handed out
	applied    uint64 // newest refresh ticket installed
	refreshing bool   // a background refresh is running
	again      bool   // another one was requested meanwhile
	seq        uint64
	wg         sync.WaitGroup

	feed *feed[[]ConversationSummary]
}

type RosterOption func(*Roster)

// WithTitleLookupLimit bounds concurrent PreferredName calls.
func WithTitleLookupLimit(n int) RosterOption {
	return func(r *Roster) {
		if n > 0 {
			r.limit = n
		}
	}
}

func WithRosterLogger(log zerolog.Logger) RosterOption {
	return func(r *Roster) { r.log = log }
}

// NewRoster returns an empty, signed-out roster.
func NewRoster(backend RosterBackend, opts ...RosterOption) *Roster {
	r := &Roster{
		backend:   backend,
		limit:     DefaultTitleLookupLimit,
		log:       logging.Component("roster"),
		deltas:    make(map[string]activity),
		titles:    make(map[string]string),
		resolving: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.lookups = semaphore.NewWeighted(int64(r.limit))
	r.feed = newFeed[[]ConversationSummary](r.log)
	return r
}

// Subscribe registers a handler for roster snapshots. Handlers run
// synchronously and must not call back into the roster's write methods.
func (r *Roster) Subscribe(h func([]ConversationSummary)) (unsubscribe func()) {
	return r.feed.subscribe(h)
}

// Summaries returns the current roster.
func (r *Roster) Summaries() []ConversationSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneSummaries(r.items)
}

// Summary looks up one conversation.
func (r *Roster) Summary(conversationID string) (ConversationSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.indexLocked(conversationID)
	if idx < 0 {
		return ConversationSummary{}, false
	}
	return r.items[idx].clone(), true
}

// Reset clears the roster and scopes it to selfID; an empty selfID leaves it
// signed out. Background refreshes and lookups from the previous scope are
// cancelled and waited for before Reset returns.
func (r *Roster) Reset(selfID string) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.ctx, r.cancel = nil, nil
	r.gen++
	r.selfID = ""
	r.items = nil
	r.deltas = make(map[string]activity)
	r.titles = make(map[string]string)
	r.resolving = make(map[string]struct{})
	r.started, r.applied = 0, 0
	r.refreshing, r.again = false, false
	r.seq++
	version := r.seq
	r.mu.Unlock()

	r.wg.Wait()
	r.feed.publish("", version, nil)

	if selfID == "" {
		return
	}
	r.mu.Lock()
	r.selfID = selfID
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()
}

// Refresh fetches the whole roster and replaces the current one. On error
// the previous roster stays in place.
func (r *Roster) Refresh(ctx context.Context) error {
	r.mu.Lock()
	if r.selfID == "" {
		r.mu.Unlock()
		return ErrSignedOut
	}
	self, gen := r.selfID, r.gen
	r.started++
	ticket := r.started
	r.mu.Unlock()

	fetched, err := r.backend.ListChats(ctx, self)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}
	r.install(gen, ticket, fetched)
	return nil
}

// Seed installs a cached roster if no refresh has landed yet.
func (r *Roster) Seed(items []ConversationSummary) {
	r.mu.Lock()
	if r.selfID == "" || r.applied > 0 || len(r.items) > 0 || len(items) == 0 {
		r.mu.Unlock()
		return
	}
	gen := r.gen
	r.mu.Unlock()
	r.install(gen, 0, items)
}

func (r *Roster) install(gen, ticket uint64, fetched []ConversationSummary) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	if ticket != 0 && ticket < r.applied {
		r.mu.Unlock()
		r.log.Debug().Uint64("ticket", ticket).Msg("discarding superseded roster refresh")
		return
	}
	if ticket != 0 {
		r.applied = ticket
	}

	unique := lo.UniqBy(fetched, func(c ConversationSummary) string { return c.ID })
	next := make([]ConversationSummary, 0, len(unique))
	for _, c := range unique {
		c = c.clone()
		if c.HasPlaceholderTitle() {
			c.Title = PlaceholderTitle
			if name, ok := r.titles[c.ID]; ok {
				c.Title = name
			}
		}
		if d, ok := r.deltas[c.ID]; ok {
			if d.at.After(c.LastMessageAt) {
				c.LastMessagePreview = d.preview
				c.LastMessageAt = d.at
			} else {
				delete(r.deltas, c.ID)
			}
		}
		next = append(next, c)
	}
	for id := range r.deltas {
		if !slices.ContainsFunc(next, func(c ConversationSummary) bool { return c.ID == id }) {
			delete(r.deltas, id)
		}
	}
	sortRoster(next)

	snap, version := r.swapLocked(next)
	r.startLookupsLocked(gen)
	r.mu.Unlock()

	r.feed.publish("", version, snap)
}

// ApplyMessage folds a pushed message into its conversation's summary. A
// message for a conversation not in the roster schedules a full refresh
// instead; it reports whether the roster changed.
func (r *Roster) ApplyMessage(msg Message) bool {
	r.mu.Lock()
	if r.selfID == "" {
		r.mu.Unlock()
		return false
	}
	idx := r.indexLocked(msg.ConversationID)
	if idx < 0 {
		r.scheduleRefreshLocked()
		r.mu.Unlock()
		return false
	}
	cur := r.items[idx]
	if msg.CreatedAt.Before(cur.LastMessageAt) {
		r.mu.Unlock()
		return false
	}
	r.deltas[msg.ConversationID] = activity{preview: msg.Content, at: msg.CreatedAt}

	updated := cur.clone()
	updated.LastMessagePreview = msg.Content
	updated.LastMessageAt = msg.CreatedAt
	next := make([]ConversationSummary, 0, len(r.items))
	next = append(next, updated)
	for i, c := range r.items {
		if i != idx {
			next = append(next, c)
		}
	}
	sortRoster(next)
	snap, version := r.swapLocked(next)
	r.mu.Unlock()

	r.feed.publish("", version, snap)
	return true
}

// StartChat returns the existing direct conversation with participantID or
// creates one and puts it at the front of the roster.
func (r *Roster) StartChat(ctx context.Context, participantID string) (ConversationSummary, error) {
	r.mu.Lock()
	self, gen := r.selfID, r.gen
	if self == "" {
		r.mu.Unlock()
		return ConversationSummary{}, ErrSignedOut
	}
	want := lo.Uniq([]string{self, participantID})
	for _, c := range r.items {
		have := lo.Uniq(c.ParticipantIDs)
		if len(have) == len(want) && lo.Every(have, want) {
			r.mu.Unlock()
			return c.clone(), nil
		}
	}
	r.mu.Unlock()

	created, err := r.backend.CreateChat(ctx, self, participantID)
	if err != nil {
		return ConversationSummary{}, fmt.Errorf("create chat: %w", err)
	}
	resolved := ""
	if created.HasPlaceholderTitle() {
		created.Title = PlaceholderTitle
		name, ok, err := r.backend.PreferredName(ctx, participantID)
		if err != nil {
			r.log.Debug().Err(err).Str("chat_id", created.ID).Msg("title lookup failed")
		} else if name = strings.TrimSpace(name); ok && name != "" {
			created.Title = name
			resolved = name
		}
	}

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return ConversationSummary{}, ErrSignedOut
	}
	if resolved != "" {
		r.titles[created.ID] = resolved
	}
	if idx := r.indexLocked(created.ID); idx >= 0 {
		existing := r.items[idx].clone()
		r.mu.Unlock()
		return existing, nil
	}
	next := make([]ConversationSummary, 0, len(r.items)+1)
	next = append(next, created.clone())
	next = append(next, r.items...)
	snap, version := r.swapLocked(next)
	r.mu.Unlock()

	r.feed.publish("", version, snap)
	return created, nil
}

// scheduleRefreshLocked starts a background refresh, or asks the running
// one to go again once it finishes. Caller holds r.mu.
func (r *Roster) scheduleRefreshLocked() {
	if r.ctx == nil {
		return
	}
	if r.refreshing {
		r.again = true
		return
	}
	r.refreshing = true
	ctx := r.ctx
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			r.mu.Lock()
			r.again = false
			r.mu.Unlock()

			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn().Err(err).Msg("roster refresh for unknown conversation failed")
			}

			r.mu.Lock()
			if !r.again || ctx.Err() != nil {
				r.refreshing = false
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
		}
	}()
}

// startLookupsLocked resolves every placeholder title that is not already
// being looked up. Caller holds r.mu.
func (r *Roster) startLookupsLocked(gen uint64) {
	if r.ctx == nil {
		return
	}
	var lookups []titleLookup
	for _, c := range r.items {
		if !c.HasPlaceholderTitle() {
			continue
		}
		if _, busy := r.resolving[c.ID]; busy {
			continue
		}
		partner, ok := c.Counterpart(r.selfID)
		if !ok {
			continue
		}
		r.resolving[c.ID] = struct{}{}
		lookups = append(lookups, titleLookup{conversationID: c.ID, userID: partner})
	}
	if len(lookups) == 0 {
		return
	}
	ctx := r.ctx
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.resolveTitles(ctx, gen, lookups)
	}()
}

func (r *Roster) resolveTitles(ctx context.Context, gen uint64, lookups []titleLookup) {
	var g errgroup.Group
	for _, l := range lookups {
		g.Go(func() error {
			// r.lookups spans every batch.
			if err := r.lookups.Acquire(ctx, 1); err != nil {
				r.applyTitle(gen, l.conversationID, "", false)
				return nil
			}
			defer r.lookups.Release(1)

			name, ok, err := r.backend.PreferredName(ctx, l.userID)
			if err != nil {
				r.log.Debug().Err(err).Str("chat_id", l.conversationID).Msg("title lookup failed")
				ok = false
			}
			r.applyTitle(gen, l.conversationID, strings.TrimSpace(name), ok)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Roster) applyTitle(gen uint64, conversationID, name string, ok bool) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	delete(r.resolving, conversationID)
	if !ok || name == "" {
		r.mu.Unlock()
		return
	}
	r.titles[conversationID] = name
	idx := r.indexLocked(conversationID)
	if idx < 0 || !r.items[idx].HasPlaceholderTitle() {
		r.mu.Unlock()
		return
	}
	next := slices.Clone(r.items)
	next[idx] = next[idx].withTitle(name)
	snap, version := r.swapLocked(next)
	r.mu.Unlock()

	r.feed.publish("", version, snap)
}

func (r *Roster) indexLocked(conversationID string) int {
	return slices.IndexFunc(r.items, func(c ConversationSummary) bool { return c.ID == conversationID })
}

func (r *Roster) swapLocked(next []ConversationSummary) ([]ConversationSummary, uint64) {
	r.items = next
	r.seq++
	return cloneSummaries(next), r.seq
}

func cloneSummaries(items []ConversationSummary) []ConversationSummary {
	if items == nil {
		return nil
	}
	return lo.Map(items, func(c ConversationSummary, _ int) ConversationSummary { return c.clone() })
}

// sortRoster orders by last activity, newest first; ties keep their order.
func sortRoster(items []ConversationSummary) {
	slices.SortStableFunc(items, func(a, b ConversationSummary) int {
		return b.LastMessageAt.Compare(a.LastMessageAt)
	})
}
