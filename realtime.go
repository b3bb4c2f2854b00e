package coral

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
// Wire types
// ============================================================================

// connectedPayload is the server's first frame after a successful dial.
type connectedPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// pongPayload is the response to a ping command.
type pongPayload struct {
	RequestID string `json:"request_id"`
}

// realtimeCommand is a client-to-server command.
type realtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
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

// RealtimeState represents the connection state.
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

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a WebSocket event source with auto-reconnect and
// heartbeat. Every server event, plus synthesized connection.changed events,
// is delivered to a single handler in arrival order.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	handler func(Event)

	// onIdentity receives the session's user id from the handshake.
	onIdentity func(string)

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	connectionID     string
	intentionalClose bool
	cancelFn         context.CancelFunc
	recon            *reconnector

	watchMu sync.Mutex
	watches map[string]int

	pingCounter  int
	pendingMu    sync.Mutex
	pendingPings map[string]chan pongPayload
}

// NewRealtimeClient creates a realtime client delivering events to handler.
func NewRealtimeClient(baseURL string, config *RealtimeConfig, handler func(Event)) *RealtimeClient {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &RealtimeClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       config,
		handler:      handler,
		state:        StateDisconnected,
		recon:        newReconnector(config),
		watches:      make(map[string]int),
		pendingPings: make(map[string]chan pongPayload),
	}
}

// State returns the current connection state.
func (ws *RealtimeClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the WebSocket connection.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/api/chat/ws?token=" + ws.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return &APIError{Kind: ErrorNetwork, Code: "ws_dial_failed", Message: err.Error()}
	}

	// First frame is the handshake.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return fmt.Errorf("read handshake: %w", err)
	}

	var frame struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "connection.ok" {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return fmt.Errorf("expected 'connection.ok', got '%s'", frame.Type)
	}
	var hello connectedPayload
	if err := json.Unmarshal(frame.Payload, &hello); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return fmt.Errorf("decode handshake: %w", err)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.connectionID = hello.ConnectionID
	ws.mu.Unlock()
	ws.recon.markConnected()

	if ws.onIdentity != nil && hello.UserID != "" {
		ws.onIdentity(hello.UserID)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.cancelFn = cancel
	ws.mu.Unlock()

	ws.emitConnection(true, hello.ConnectionID)
	ws.rewatch(ctx)

	go ws.readLoop(connCtx)
	go ws.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	wasConnected := ws.state == StateConnected
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if wasConnected {
		ws.emitConnection(false, "")
	}
	return err
}

// Watch tells the server to stream events for cid. Watches survive
// reconnects.
func (ws *RealtimeClient) Watch(cid string) {
	ws.watchMu.Lock()
	ws.watches[cid]++
	first := ws.watches[cid] == 1
	ws.watchMu.Unlock()
	if !first {
		return
	}
	ws.send(context.Background(), &realtimeCommand{
		Type:    "channel.watch",
		Payload: map[string]string{"cid": cid},
	})
}

// Unwatch drops one watch reference for cid.
func (ws *RealtimeClient) Unwatch(cid string) {
	ws.watchMu.Lock()
	ws.watches[cid]--
	last := ws.watches[cid] <= 0
	if last {
		delete(ws.watches, cid)
	}
	ws.watchMu.Unlock()
	if !last {
		return
	}
	ws.send(context.Background(), &realtimeCommand{
		Type:    "channel.unwatch",
		Payload: map[string]string{"cid": cid},
	})
}

// rewatch re-subscribes every watched channel after a (re)connect.
func (ws *RealtimeClient) rewatch(ctx context.Context) {
	ws.watchMu.Lock()
	cids := make([]string, 0, len(ws.watches))
	for cid := range ws.watches {
		cids = append(cids, cid)
	}
	ws.watchMu.Unlock()
	for _, cid := range cids {
		ws.send(ctx, &realtimeCommand{
			Type:    "channel.watch",
			Payload: map[string]string{"cid": cid},
		})
	}
}

// StartTyping sends a typing start indicator.
func (ws *RealtimeClient) StartTyping(ctx context.Context, cid string) error {
	return ws.send(ctx, &realtimeCommand{
		Type:    "typing.start",
		Payload: map[string]string{"cid": cid},
	})
}

// StopTyping sends a typing stop indicator.
func (ws *RealtimeClient) StopTyping(ctx context.Context, cid string) error {
	return ws.send(ctx, &realtimeCommand{
		Type:    "typing.stop",
		Payload: map[string]string{"cid": cid},
	})
}

// UpdatePresence updates the user's presence status.
func (ws *RealtimeClient) UpdatePresence(ctx context.Context, status string) error {
	return ws.send(ctx, &realtimeCommand{
		Type:    "presence.update",
		Payload: map[string]string{"status": status},
	})
}

func (ws *RealtimeClient) send(ctx context.Context, cmd *realtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return &APIError{Kind: ErrorNetwork, Code: "not_connected", Message: "realtime connection is not established"}
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (ws *RealtimeClient) Ping(ctx context.Context) error {
	ws.pendingMu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ch := make(chan pongPayload, 1)
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	err := ws.send(ctx, &realtimeCommand{Type: "ping", RequestID: requestID})
	if err != nil {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(10 * time.Second):
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
		return &APIError{Kind: ErrorNetwork, Code: "ping_timeout", Message: "ping timeout"}
	case <-ctx.Done():
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
		return ctx.Err()
	}
}

func (ws *RealtimeClient) readLoop(ctx context.Context) {
	for {
		ws.mu.Lock()
		conn := ws.conn
		ws.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.conn = nil
			ws.mu.Unlock()

			ws.clearPendingPings()
			ws.emitConnection(false, "")

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				go ws.scheduleReconnect()
			}
			return
		}

		// Pongs resolve pending pings and are not application events.
		var probe struct {
			Type      string `json:"type"`
			RequestID string `json:"request_id"`
		}
		if json.Unmarshal(data, &probe) == nil && probe.Type == "pong" {
			ws.pendingMu.Lock()
			ch, ok := ws.pendingPings[probe.RequestID]
			if ok {
				delete(ws.pendingPings, probe.RequestID)
			}
			ws.pendingMu.Unlock()
			if ok {
				ch <- pongPayload{RequestID: probe.RequestID}
			}
			continue
		}

		ev, err := ParseEvent(data)
		if err != nil {
			continue
		}
		if ws.handler != nil {
			ws.handler(ev)
		}
	}
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			s := ws.state
			ws.mu.Unlock()
			if s != StateConnected {
				return
			}

			if err := ws.Ping(ctx); err != nil {
				// A missed heartbeat means the socket is dead; force close
				// so readLoop observes the error and reconnects.
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeClient) scheduleReconnect() {
	delay := ws.recon.nextDelay()
	ws.mu.Lock()
	ws.state = StateReconnecting
	ws.mu.Unlock()

	time.Sleep(delay)

	ws.mu.Lock()
	if ws.intentionalClose {
		ws.mu.Unlock()
		return
	}
	ws.state = StateDisconnected
	ws.mu.Unlock()

	if err := ws.Connect(context.Background()); err != nil {
		if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
			ws.scheduleReconnect()
		} else {
			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.mu.Unlock()
		}
	}
}

func (ws *RealtimeClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

// emitConnection synthesizes a connection.changed event for the handler.
func (ws *RealtimeClient) emitConnection(online bool, connectionID string) {
	if ws.handler == nil {
		return
	}
	ws.handler(Event{
		Type:      EventConnectionChanged,
		Timestamp: time.Now(),
		Connection: &ConnectionState{
			Online:       online,
			ConnectionID: connectionID,
			Since:        time.Now(),
		},
	})
}
