package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/LuminPulse-AI/chatsync/internal/logging"
)

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures the push channel.
type TransportConfig struct {
	// BaseURL is the http(s) backend root; the scheme is rewritten to ws(s).
	BaseURL           string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	DialTimeout       time.Duration
	ReadLimit         int64
	HTTPClient        *http.Client
}

func (c *TransportConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ============================================================================
// Wire format
// ============================================================================

// pushEnvelope is the optional typed wrapper around a pushed message. Bare
// message records are accepted as well.
type pushEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

var errIgnoredEvent = errors.New("ignored event type")

func decodePush(data []byte) (Message, error) {
	var env pushEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("decode push frame: %w", err)
	}
	raw := json.RawMessage(data)
	if env.Type != "" && len(env.Payload) > 0 {
		if env.Type != "message.new" && env.Type != "message" {
			return Message{}, errIgnoredEvent
		}
		raw = env.Payload
	}
	var rec messageRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if !rec.valid() {
		return Message{}, fmt.Errorf("decode message: missing required fields")
	}
	return rec.toMessage(), nil
}

// ============================================================================
// Transport
// ============================================================================

// Transport owns the single push connection for one user. It reconnects
// after any failure with a fixed delay until Disconnect is called.
type Transport struct {
	cfg TransportConfig
	log zerolog.Logger

	ctl sync.Mutex // serializes Connect and Disconnect

	mu     sync.Mutex
	state  ConnectionState
	userID string
	gen    uint64
	seq    uint64
	cancel context.CancelFunc
	done   chan struct{}

	messages *feed[Message]
	states   *feed[ConnectionState]
}

type TransportOption func(*Transport)

func WithTransportLogger(log zerolog.Logger) TransportOption {
	return func(t *Transport) { t.log = log }
}

// NewTransport creates a disconnected transport.
func NewTransport(cfg TransportConfig, opts ...TransportOption) *Transport {
	cfg.defaults()
	t := &Transport{
		cfg:   cfg,
		log:   logging.Component("transport"),
		state: StateDisconnected,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.messages = newFeed[Message](t.log)
	t.states = newFeed[ConnectionState](t.log)
	return t
}

// OnMessage registers a handler for pushed messages. Handlers run on the
// connection goroutine and must not call Connect or Disconnect.
func (t *Transport) OnMessage(h func(Message)) (unsubscribe func()) {
	return t.messages.subscribe(h)
}

// OnState registers a handler for connection state changes. Handlers run
// synchronously and must not call Connect or Disconnect.
func (t *Transport) OnState(h func(ConnectionState)) (unsubscribe func()) {
	return t.states.subscribe(h)
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// UserID returns the identity the transport is scoped to, if any.
func (t *Transport) UserID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userID
}

// Connect starts the push channel for userID and returns immediately. A
// repeated call for the running identity is a no-op; a different identity
// tears the previous connection down first.
func (t *Transport) Connect(userID string) {
	t.ctl.Lock()
	defer t.ctl.Unlock()

	t.mu.Lock()
	running := t.cancel != nil
	same := t.userID == userID
	t.mu.Unlock()

	if running && same {
		return
	}
	if running {
		t.stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.userID = userID
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	t.log.Debug().Str("user_id", userID).Msg("push channel starting")
	go t.run(ctx, gen, userID, done)
}

// Disconnect tears the connection down and cancels any pending reconnect.
// When it returns, no further events are delivered.
func (t *Transport) Disconnect() {
	t.ctl.Lock()
	defer t.ctl.Unlock()
	t.stop()
}

func (t *Transport) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.userID = ""
	t.gen++
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	t.setState(0, StateDisconnected)
	t.log.Debug().Msg("push channel stopped")
}

// setState records s if gen is current. gen 0 forces the write.
func (t *Transport) setState(gen uint64, s ConnectionState) bool {
	t.mu.Lock()
	if gen != 0 && gen != t.gen {
		t.mu.Unlock()
		return false
	}
	changed := t.state != s
	t.state = s
	t.seq++
	seq := t.seq
	t.mu.Unlock()

	if changed {
		t.states.publish("", seq, s)
	}
	return true
}

func (t *Transport) deliver(gen uint64, msg Message) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.seq++
	seq := t.seq
	t.mu.Unlock()

	t.messages.publish("", seq, msg)
}

func (t *Transport) run(ctx context.Context, gen uint64, userID string, done chan struct{}) {
	defer close(done)

	for {
		t.setState(gen, StateConnecting)
		err := t.session(ctx, gen, userID)
		if ctx.Err() != nil {
			return
		}
		t.log.Debug().Err(err).Dur("delay", t.cfg.ReconnectDelay).Msg("push channel lost, reconnect scheduled")
		t.setState(gen, StateReconnectPending)

		timer := time.NewTimer(t.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection until it fails or ctx is cancelled.
func (t *Transport) session(ctx context.Context, gen uint64, userID string) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, t.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, t.endpoint(userID), &websocket.DialOptions{
		HTTPClient: t.cfg.HTTPClient,
	})
	cancelDial()
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(t.cfg.ReadLimit)

	if !t.setState(gen, StateConnected) {
		return ctx.Err()
	}
	t.log.Debug().Str("user_id", userID).Msg("push channel connected")

	connCtx, stopConn := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.heartbeat(connCtx, conn)
	}()
	defer func() {
		stopConn()
		wg.Wait()
	}()

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return fmt.Errorf("websocket read: %w", err)
		}
		msg, err := decodePush(data)
		if errors.Is(err, errIgnoredEvent) {
			continue
		}
		if err != nil {
			t.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed push payload")
			continue
		}
		t.deliver(gen, msg)
	}
}

func (t *Transport) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, t.cfg.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.log.Debug().Err(err).Msg("heartbeat failed, closing connection")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (t *Transport) endpoint(userID string) string {
	base := strings.TrimRight(t.cfg.BaseURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws/messages?user_id=" + url.QueryEscape(userID)
}
