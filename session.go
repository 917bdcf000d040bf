package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/internal/logging"
)

// ============================================================================
// Configuration
// ============================================================================

// Config tunes a Controller. Zero values take the package defaults.
type Config struct {
	// BaseURL is the backend root used for the push channel.
	BaseURL string

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	DialTimeout       time.Duration

	RosterPollInterval  time.Duration
	MessagePollInterval time.Duration

	TitleLookupLimit int
	// SupersedeWindow is the pending/confirmed match window. Negative
	// disables content matching.
	SupersedeWindow time.Duration
	PreviewLimit    int
	NotifyTimeout   time.Duration

	// Storage, when set, caches snapshots across sessions. The caller owns it.
	Storage Storage
	// HTTPClient is used to dial the push channel.
	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.RosterPollInterval == 0 {
		c.RosterPollInterval = DefaultRosterPollInterval
	}
	if c.MessagePollInterval == 0 {
		c.MessagePollInterval = DefaultMessagePollInterval
	}
	if c.TitleLookupLimit == 0 {
		c.TitleLookupLimit = DefaultTitleLookupLimit
	}
	if c.SupersedeWindow == 0 {
		c.SupersedeWindow = DefaultSupersedeWindow
	}
	if c.PreviewLimit == 0 {
		c.PreviewLimit = DefaultPreviewLimit
	}
	if c.NotifyTimeout == 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}
}

// SessionRestorer recovers a previously signed-in identity. It returns
// ErrNoSession when there is none.
type SessionRestorer interface {
	Restore(ctx context.Context) (User, error)
}

// RestorerFunc adapts a function to SessionRestorer.
type RestorerFunc func(ctx context.Context) (User, error)

func (f RestorerFunc) Restore(ctx context.Context) (User, error) { return f(ctx) }

// ============================================================================
// Controller
// ============================================================================

// Controller is the composition root. It owns the transport, the poller and
// both stores, and moves them together between signed-in and signed-out.
type Controller struct {
	cfg     Config
	backend Backend
	storage Storage
	log     zerolog.Logger

	transport *Transport
	store     *MessageStore
	roster    *Roster
	sender    *Sender
	poller    *Poller

	ctl sync.Mutex // serializes session transitions

	mu        sync.Mutex
	session   Session
	persistID string // user whose snapshots are cached; empty while switching
	seq       uint64
	sessions  *feed[Session]
}

type ControllerOption func(*Controller)

func WithControllerLogger(log zerolog.Logger) ControllerOption {
	return func(c *Controller) { c.log = log }
}

// NewController builds a controller in the loading state.
func NewController(backend Backend, cfg Config, opts ...ControllerOption) *Controller {
	cfg.defaults()
	c := &Controller{
		cfg:     cfg,
		backend: backend,
		storage: cfg.Storage,
		log:     logging.Component("session"),
		session: Session{State: SessionLoading},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sessions = newFeed[Session](c.log)

	window := cfg.SupersedeWindow
	if window < 0 {
		window = 0
	}
	c.transport = NewTransport(TransportConfig{
		BaseURL:           cfg.BaseURL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectDelay:    cfg.ReconnectDelay,
		DialTimeout:       cfg.DialTimeout,
		HTTPClient:        cfg.HTTPClient,
	})
	c.store = NewMessageStore(WithSupersedeWindow(window))
	c.roster = NewRoster(backend, WithTitleLookupLimit(cfg.TitleLookupLimit))
	c.sender = NewSender(backend, c.store, c.roster,
		WithPreviewLimit(cfg.PreviewLimit), WithNotifyTimeout(cfg.NotifyTimeout))
	c.poller = NewPoller(c.roster, c.store, backend,
		WithPollIntervals(cfg.RosterPollInterval, cfg.MessagePollInterval))

	c.transport.OnMessage(c.handlePush)
	if c.storage != nil {
		c.roster.Subscribe(c.persistRoster)
		c.store.Subscribe(c.persistThread)
	}
	return c
}

// Bootstrap restores a stored session once, leaving the loading state. A
// restore failure ends signed out; only errors other than ErrNoSession are
// returned.
func (c *Controller) Bootstrap(ctx context.Context, restorer SessionRestorer) error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	if c.Session().State != SessionLoading {
		return nil
	}
	user, err := restorer.Restore(ctx)
	if err == nil && user.ID == "" {
		err = ErrNoSession
	}
	if err != nil {
		c.setSession(Session{State: SessionSignedOut})
		if errors.Is(err, ErrNoSession) {
			return nil
		}
		c.log.Warn().Err(err).Msg("session restore failed")
		return fmt.Errorf("restore session: %w", err)
	}
	c.enter(user)
	return nil
}

// SignIn moves to signed-in for user. Signing in as the current identity is
// a no-op; a different identity is a full sign-out followed by sign-in.
func (c *Controller) SignIn(user User) error {
	if user.ID == "" {
		return fmt.Errorf("sign in: empty user id")
	}
	c.ctl.Lock()
	defer c.ctl.Unlock()

	cur := c.Session()
	if cur.SignedIn() {
		if cur.User.ID == user.ID {
			return nil
		}
		c.leave()
	}
	c.enter(user)
	return nil
}

// SignOut stops all background work and clears every store. When it returns
// no push, poll or reconnect from the old session can change state.
func (c *Controller) SignOut() {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	switch c.Session().State {
	case SessionSignedIn:
		c.leave()
	case SessionLoading:
		c.setSession(Session{State: SessionSignedOut})
	}
}

func (c *Controller) enter(user User) {
	c.store.Reset(user.ID)
	c.roster.Reset(user.ID)
	c.warmRoster(user.ID)

	c.mu.Lock()
	c.persistID = user.ID
	c.mu.Unlock()
	c.setSession(Session{State: SessionSignedIn, User: user})

	c.transport.Connect(user.ID)
	c.poller.Start(context.Background())
	c.log.Info().Str("user_id", user.ID).Msg("signed in")
}

func (c *Controller) leave() {
	c.mu.Lock()
	c.persistID = ""
	c.mu.Unlock()

	c.transport.Disconnect()
	c.poller.Stop()
	c.store.Reset("")
	c.roster.Reset("")
	c.setSession(Session{State: SessionSignedOut})
	c.log.Info().Msg("signed out")
}

func (c *Controller) setSession(s Session) {
	c.mu.Lock()
	if c.session == s {
		c.mu.Unlock()
		return
	}
	c.session = s
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	c.sessions.publish("", seq, s)
}

// Session returns the current session value.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// OnSession registers a handler for session transitions. It runs while the
// transition holds the controller, so it must not call SignIn, SignOut or
// Open.
func (c *Controller) OnSession(h func(Session)) (unsubscribe func()) {
	return c.sessions.subscribe(h)
}

// ============================================================================
// Read side
// ============================================================================

// The On* observers deliver synchronously, one update at a time, on the
// goroutine that produced it. A handler must not call Send, Open, Refresh or
// StartChat directly: those publish to the same feeds and would block on the
// delivery in progress. Start a goroutine for such follow-up work.

func (c *Controller) Roster() []ConversationSummary {
	return c.roster.Summaries()
}

func (c *Controller) OnRoster(h func([]ConversationSummary)) (unsubscribe func()) {
	return c.roster.Subscribe(h)
}

func (c *Controller) Messages(conversationID string) []Message {
	return c.store.Messages(conversationID)
}

func (c *Controller) OnThread(h func(Thread)) (unsubscribe func()) {
	return c.store.Subscribe(h)
}

func (c *Controller) Connection() ConnectionState {
	return c.transport.State()
}

func (c *Controller) OnConnection(h func(ConnectionState)) (unsubscribe func()) {
	return c.transport.OnState(h)
}

// ============================================================================
// Actions
// ============================================================================

// Open starts watching a conversation. The cached thread is shown first,
// then a fetch replaces it. The conversation stays watched even if that
// fetch fails; the next poll retries. Open and session transitions are
// serialized, and a fetch that outlives its session is discarded.
func (c *Controller) Open(ctx context.Context, conversationID string) error {
	c.ctl.Lock()
	s := c.Session()
	if !s.SignedIn() {
		c.ctl.Unlock()
		return ErrSignedOut
	}
	scope := c.store.Scope()
	c.warmThread(s.User.ID, conversationID)
	c.poller.Watch(conversationID)
	c.ctl.Unlock()

	return c.poller.pollThreadIn(ctx, scope, conversationID)
}

// Close stops polling a conversation. Its messages stay in memory.
func (c *Controller) Close(conversationID string) {
	c.poller.Unwatch(conversationID)
}

// Send posts text as the signed-in user.
func (c *Controller) Send(ctx context.Context, conversationID, text string) (Message, error) {
	s := c.Session()
	if !s.SignedIn() {
		return Message{}, ErrSignedOut
	}
	return c.sender.Send(ctx, s.User, conversationID, text)
}

// StartChat opens (or reuses) a direct conversation with participantID.
func (c *Controller) StartChat(ctx context.Context, participantID string) (ConversationSummary, error) {
	return c.roster.StartChat(ctx, participantID)
}

// Drain waits for outstanding offline notifications.
func (c *Controller) Drain() {
	c.sender.Wait()
}

// Refresh fetches the roster and every watched thread now.
func (c *Controller) Refresh(ctx context.Context) error {
	if err := c.roster.Refresh(ctx); err != nil {
		return err
	}
	scope := c.store.Scope()
	var errs []error
	for _, id := range c.poller.Watched() {
		if err := c.poller.pollThreadIn(ctx, scope, id); err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// Push + cache plumbing
// ============================================================================

func (c *Controller) handlePush(msg Message) {
	c.store.ApplyPush(msg)
	c.roster.ApplyMessage(msg)
}

func (c *Controller) cacheUser() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistID
}

func (c *Controller) persistRoster(items []ConversationSummary) {
	user := c.cacheUser()
	if user == "" {
		return
	}
	if err := c.storage.SaveRoster(user, items); err != nil {
		c.log.Warn().Err(err).Msg("caching roster failed")
	}
}

func (c *Controller) persistThread(t Thread) {
	user := c.cacheUser()
	if user == "" {
		return
	}
	if err := c.storage.SaveThread(user, t.ConversationID, t.Messages); err != nil {
		c.log.Warn().Err(err).Str("chat_id", t.ConversationID).Msg("caching thread failed")
	}
}

func (c *Controller) warmRoster(userID string) {
	if c.storage == nil {
		return
	}
	items, err := c.storage.LoadRoster(userID)
	if err != nil {
		c.log.Warn().Err(err).Msg("loading cached roster failed")
		return
	}
	c.roster.Seed(items)
}

func (c *Controller) warmThread(userID, conversationID string) {
	if c.storage == nil {
		return
	}
	msgs, err := c.storage.LoadThread(userID, conversationID)
	if err != nil {
		c.log.Warn().Err(err).Str("chat_id", conversationID).Msg("loading cached thread failed")
		return
	}
	c.store.Seed(conversationID, msgs)
}
