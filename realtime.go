package conduit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Push events
// ============================================================================

// realtimeEnvelope is the wire format for all push events.
type realtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessageEvent is pushed when a message lands in one of the device's
// conversations from elsewhere (another device, an async completion).
type MessageEvent struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

type conversationDeletedEvent struct {
	ID string `json:"id"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push channel.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// RealtimeState is the connection state of the push channel.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay grows exponentially with jitter; a connection that held for a
// minute resets the backoff.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the gateway's WebSocket push channel: server events for
// the device's conversations, with auto-reconnect and heartbeat. Tokens are
// resolved through the SessionManager at each (re)connect so a refreshed
// token is picked up automatically.
type RealtimeClient struct {
	baseURL string
	session *SessionManager
	config  *RealtimeConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc

	recon *reconnector

	handlerMu             sync.RWMutex
	onMessage             []func(MessageEvent)
	onConversationUpdated []func(ConversationSummary)
	onConversationDeleted []func(string)
	onSessionExpired      []func()
	onDisconnected        []func(reason string)
	onReconnecting        []func(attempt int, delay time.Duration)
}

// NewRealtimeClient creates a push-channel client for the gateway at
// baseURL, authenticated through session.
func NewRealtimeClient(baseURL string, session *SessionManager, config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		config:  &cfg,
		state:   StateDisconnected,
		recon:   newReconnector(&cfg),
	}
}

// OnMessage registers a handler for pushed messages.
func (rt *RealtimeClient) OnMessage(h func(MessageEvent)) {
	rt.handlerMu.Lock()
	rt.onMessage = append(rt.onMessage, h)
	rt.handlerMu.Unlock()
}

// OnConversationUpdated registers a handler for pushed summary updates.
func (rt *RealtimeClient) OnConversationUpdated(h func(ConversationSummary)) {
	rt.handlerMu.Lock()
	rt.onConversationUpdated = append(rt.onConversationUpdated, h)
	rt.handlerMu.Unlock()
}

// OnConversationDeleted registers a handler for pushed deletions.
func (rt *RealtimeClient) OnConversationDeleted(h func(id string)) {
	rt.handlerMu.Lock()
	rt.onConversationDeleted = append(rt.onConversationDeleted, h)
	rt.handlerMu.Unlock()
}

// OnSessionExpired registers a handler for a pushed session revocation.
func (rt *RealtimeClient) OnSessionExpired(h func()) {
	rt.handlerMu.Lock()
	rt.onSessionExpired = append(rt.onSessionExpired, h)
	rt.handlerMu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(reason string)) {
	rt.handlerMu.Lock()
	rt.onDisconnected = append(rt.onDisconnected, h)
	rt.handlerMu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.handlerMu.Lock()
	rt.onReconnecting = append(rt.onReconnecting, h)
	rt.handlerMu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Connect establishes the push channel. It is a no-op when already
// connected or connecting.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	token, err := rt.session.ValidToken(ctx)
	if err != nil {
		rt.setState(StateDisconnected)
		return err
	}

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/v1/events?token=" + token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rt.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be the ready envelope.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.setState(StateDisconnected)
		return fmt.Errorf("read ready frame: %w", err)
	}
	var env realtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "ready" {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.setState(StateDisconnected)
		return fmt.Errorf("expected ready frame, got %q", env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()
	rt.recon.markConnected()

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the push channel and suppresses reconnection.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (rt *RealtimeClient) setState(s RealtimeState) {
	rt.mu.Lock()
	rt.state = s
	rt.mu.Unlock()
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			rt.state = StateDisconnected
			rt.conn = nil
			rt.mu.Unlock()

			if intentional {
				return
			}
			rt.emitDisconnected(err.Error())
			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect()
			}
			return
		}

		var env realtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rt.dispatch(env)
	}
}

func (rt *RealtimeClient) dispatch(env realtimeEnvelope) {
	rt.handlerMu.RLock()
	defer rt.handlerMu.RUnlock()

	switch env.Type {
	case "message.new":
		var ev MessageEvent
		if json.Unmarshal(env.Payload, &ev) == nil {
			for _, h := range rt.onMessage {
				h(ev)
			}
		}
	case "conversation.updated":
		var c ConversationSummary
		if json.Unmarshal(env.Payload, &c) == nil && c.ID != "" {
			for _, h := range rt.onConversationUpdated {
				h(c)
			}
		}
	case "conversation.deleted":
		var ev conversationDeletedEvent
		if json.Unmarshal(env.Payload, &ev) == nil && ev.ID != "" {
			for _, h := range rt.onConversationDeleted {
				h(ev.ID)
			}
		}
	case "session.expired":
		for _, h := range rt.onSessionExpired {
			h()
		}
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rt *RealtimeClient) scheduleReconnect() {
	delay := rt.recon.nextDelay()
	rt.setState(StateReconnecting)
	rt.emitReconnecting(rt.recon.attempt, delay)

	time.Sleep(delay)

	if err := rt.Connect(context.Background()); err != nil {
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect()
		} else {
			rt.setState(StateDisconnected)
		}
	}
}

func (rt *RealtimeClient) emitDisconnected(reason string) {
	rt.handlerMu.RLock()
	handlers := append([]func(string){}, rt.onDisconnected...)
	rt.handlerMu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (rt *RealtimeClient) emitReconnecting(attempt int, delay time.Duration) {
	rt.handlerMu.RLock()
	handlers := append([]func(int, time.Duration){}, rt.onReconnecting...)
	rt.handlerMu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}
