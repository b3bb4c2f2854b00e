// Package coral provides the Go SDK for the Coral hosted chat backend.
//
// The SDK keeps a local, offline-capable mirror of the chat state: channel
// and query aggregates observers can subscribe to, optimistic sends that
// survive connectivity loss, and a sync layer that reconciles missed events
// after reconnect.
//
// Example:
//
//	client := coral.NewClient("ck-...", coral.WithUserID("maya"))
//	if err := client.Connect(ctx); err != nil { ... }
//	defer client.Close()
//
//	ch, release, _ := client.Channel(ctx, "messaging:general")
//	defer release()
//	cancel := ch.Subscribe(func(s coral.ChannelSnapshot) { render(s) })
//	defer cancel()
//	ch.SendMessage(ctx, coral.MessageDraft{Text: "hello"})
package coral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "https://chat.coral.dev"
	DefaultTimeout = 30 * time.Second

	defaultFlushInterval = time.Second
)

// ============================================================================
// Transport
// ============================================================================

// Transport is the remote surface the sync layer drives. *Client implements
// it over HTTP; tests substitute fakes.
type Transport interface {
	QueryChannels(ctx context.Context, spec QuerySpec) ([]*Channel, error)
	GetChannel(ctx context.Context, cid string) (*ChannelPage, error)
	SendMessage(ctx context.Context, cid string, msg *Message) (*Message, error)
	MarkRead(ctx context.Context, cid, messageID string) error
	MissedEvents(ctx context.Context, cids []string, since time.Time) ([]Event, error)
}

// ============================================================================
// Client
// ============================================================================

// Client is the Coral API client plus the offline/sync machinery built on
// top of it.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	cache         Cache
	retry         RetryPolicy
	retention     time.Duration
	flushInterval time.Duration

	persist  *persister
	registry *StateRegistry
	coord    *SyncCoordinator
	rt       *RealtimeClient

	errMu       sync.RWMutex
	errHandlers map[int]func(ErrorEvent)
	errNext     int

	evMu       sync.RWMutex
	evHandlers map[int]func(Event)
	evNext     int

	mu     sync.Mutex
	userID string
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithCache sets the durable local cache backend. Without it the SDK runs
// purely in memory.
func WithCache(cache Cache) ClientOption {
	return func(c *Client) { c.cache = cache }
}

// WithRetryPolicy overrides the retry policy for optimistic writes.
func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = policy }
}

// WithRetention sets the assumed server event-retention window; delta syncs
// wider than this refetch instead of replaying.
func WithRetention(d time.Duration) ClientOption {
	return func(c *Client) { c.retention = d }
}

// WithFlushInterval sets how often dirty state is written to the cache.
func WithFlushInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.flushInterval = d }
}

// WithUserID sets the acting user before Connect.
func WithUserID(id string) ClientOption {
	return func(c *Client) { c.userID = id }
}

// NewClient creates a Coral client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:        apiKey,
		baseURL:       DefaultBaseURL,
		httpClient:    &http.Client{Timeout: DefaultTimeout},
		retry:         DefaultRetryPolicy(),
		retention:     DefaultRetention,
		flushInterval: defaultFlushInterval,
		errHandlers:   make(map[int]func(ErrorEvent)),
		evHandlers:    make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}

	sink := errorSink(c.emitError)
	c.persist = newPersister(c.cache, c.flushInterval, sink)
	c.persist.start()
	c.registry = newStateRegistry(c, c.cache, c.persist, c.retry, sink, c.UserID)
	c.coord = newSyncCoordinator(c, c.registry, c.retention, sink)
	return c
}

// UserID returns the acting user id.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// ============================================================================
// State handles
// ============================================================================

// Channel acquires the shared reactive state for one channel. Release the
// handle when done; the state is dropped with its last handle.
func (c *Client) Channel(ctx context.Context, cid string) (*ChannelState, func(), error) {
	state, release, err := c.registry.AcquireChannel(ctx, cid)
	if err != nil {
		return nil, nil, err
	}
	if c.rt != nil {
		c.rt.Watch(cid)
	}
	wrapped := func() {
		release()
		if c.rt != nil {
			c.rt.Unwatch(cid)
		}
	}
	return state, wrapped, nil
}

// Query acquires the shared reactive state for one channel-list query and
// primes it with a server fetch when connected.
func (c *Client) Query(ctx context.Context, spec QuerySpec) (*QueryState, func(), error) {
	state, release, err := c.registry.AcquireQuery(ctx, spec)
	if err != nil {
		return nil, nil, err
	}
	channels, qerr := c.QueryChannels(ctx, spec)
	if qerr == nil {
		state.Reset(channels)
		for _, ch := range channels {
			if c.rt != nil {
				c.rt.Watch(ch.CID)
			}
		}
	} else if Classify(qerr) != ErrorNetwork {
		release()
		return nil, nil, qerr
	}
	// Network failure: serve the hydrated cache; sync fills in later.
	return state, release, nil
}

// OnError subscribes to the async error-event stream.
func (c *Client) OnError(fn func(ErrorEvent)) (cancel func()) {
	c.errMu.Lock()
	id := c.errNext
	c.errNext++
	c.errHandlers[id] = fn
	c.errMu.Unlock()
	return func() {
		c.errMu.Lock()
		delete(c.errHandlers, id)
		c.errMu.Unlock()
	}
}

func (c *Client) emitError(ev ErrorEvent) {
	c.errMu.RLock()
	handlers := make([]func(ErrorEvent), 0, len(c.errHandlers))
	for _, h := range c.errHandlers {
		handlers = append(handlers, h)
	}
	c.errMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Subscribe registers a raw event listener and returns its cancel func.
func (c *Client) Subscribe(fn func(Event)) (cancel func()) {
	c.evMu.Lock()
	id := c.evNext
	c.evNext++
	c.evHandlers[id] = fn
	c.evMu.Unlock()
	return func() {
		c.evMu.Lock()
		delete(c.evHandlers, id)
		c.evMu.Unlock()
	}
}

// handleEvent is the single ingress for realtime events: normalize, route to
// the coordinator and active states, then fan out to raw listeners.
func (c *Client) handleEvent(ev Event) {
	if ev.Type == EventConnectionChanged {
		c.coord.HandleConnection(ev)
	} else {
		c.registry.Broadcast(ev)
	}

	c.evMu.RLock()
	handlers := make([]func(Event), 0, len(c.evHandlers))
	for _, h := range c.evHandlers {
		handlers = append(handlers, h)
	}
	c.evMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Connect establishes the realtime connection and starts the sync layer.
func (c *Client) Connect(ctx context.Context) error {
	if c.rt == nil {
		c.rt = NewRealtimeClient(c.baseURL, &RealtimeConfig{
			Token:         c.apiKey,
			AutoReconnect: true,
		}, c.handleEvent)
		c.rt.onIdentity = c.setUserID
	}
	return c.rt.Connect(ctx)
}

// Close tears down the realtime connection and drains pending cache writes.
func (c *Client) Close() error {
	var err error
	if c.rt != nil {
		err = c.rt.Disconnect()
	}
	c.persist.close()
	return err
}

// ============================================================================
// HTTP transport
// ============================================================================

// apiResponse is the server's uniform envelope.
type apiResponse struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Kind: ErrorNetwork, Code: "request_failed", Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: ErrorNetwork, Code: "read_failed", Message: err.Error()}
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode >= 500 {
			return nil, &APIError{Kind: ErrorNetwork, Code: "server_error", Message: resp.Status}
		}
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if !envelope.OK {
		apiErr := envelope.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "request_failed", Message: resp.Status}
		}
		if apiErr.Kind == "" {
			apiErr.Kind = classifyStatus(resp.StatusCode)
		}
		if apiErr.Kind == ErrorConflict {
			ce := &ConflictError{APIError: *apiErr}
			// A conflict response may carry the server's version.
			var payload struct {
				Message *Message `json:"message"`
			}
			if len(envelope.Data) > 0 && json.Unmarshal(envelope.Data, &payload) == nil {
				ce.Server = payload.Message
			}
			return nil, ce
		}
		return nil, apiErr
	}
	return envelope.Data, nil
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusConflict:
		return ErrorConflict
	case status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests:
		return ErrorValidation
	default:
		return ErrorNetwork
	}
}

func decodeJSON[T any](data json.RawMessage) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

func channelPath(cid string) (string, error) {
	channelType, channelID, err := SplitCID(cid)
	if err != nil {
		return "", err
	}
	return "/api/chat/channels/" + channelType + "/" + channelID, nil
}

// ── Transport implementation ─────────────────────────────

func (c *Client) QueryChannels(ctx context.Context, spec QuerySpec) ([]*Channel, error) {
	data, err := c.doRequest(ctx, "POST", "/api/chat/channels/query", spec, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[struct {
		Channels []*Channel `json:"channels"`
	}](data)
	if err != nil {
		return nil, err
	}
	return result.Channels, nil
}

func (c *Client) GetChannel(ctx context.Context, cid string) (*ChannelPage, error) {
	path, err := channelPath(cid)
	if err != nil {
		return nil, err
	}
	data, err := c.doRequest(ctx, "GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ChannelPage](data)
}

func (c *Client) SendMessage(ctx context.Context, cid string, msg *Message) (*Message, error) {
	path, err := channelPath(cid)
	if err != nil {
		return nil, err
	}
	data, err := c.doRequest(ctx, "POST", path+"/messages", map[string]any{"message": msg}, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[struct {
		Message *Message `json:"message"`
	}](data)
	if err != nil {
		return nil, err
	}
	return result.Message, nil
}

func (c *Client) MarkRead(ctx context.Context, cid, messageID string) error {
	path, err := channelPath(cid)
	if err != nil {
		return err
	}
	body := map[string]string{}
	if messageID != "" {
		body["message_id"] = messageID
	}
	_, err = c.doRequest(ctx, "POST", path+"/read", body, nil)
	return err
}

func (c *Client) MissedEvents(ctx context.Context, cids []string, since time.Time) ([]Event, error) {
	data, err := c.doRequest(ctx, "POST", "/api/chat/events/missed", map[string]any{
		"cids":  cids,
		"since": since,
	}, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[struct {
		Events []Event `json:"events"`
	}](data)
	if err != nil {
		return nil, err
	}
	return result.Events, nil
}

// ── Additional REST surface ──────────────────────────────

// UpdateMessage edits an existing message's text/metadata.
func (c *Client) UpdateMessage(ctx context.Context, msg *Message) (*Message, error) {
	if msg == nil || msg.ID == "" {
		return nil, newValidationError("message id must not be empty")
	}
	data, err := c.doRequest(ctx, "PATCH", "/api/chat/messages/"+msg.ID, map[string]any{"message": msg}, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[struct {
		Message *Message `json:"message"`
	}](data)
	if err != nil {
		return nil, err
	}
	return result.Message, nil
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if messageID == "" {
		return newValidationError("message id must not be empty")
	}
	_, err := c.doRequest(ctx, "DELETE", "/api/chat/messages/"+messageID, nil, nil)
	return err
}

// SendReaction adds a reaction to a message.
func (c *Client) SendReaction(ctx context.Context, messageID, reactionType string) error {
	if messageID == "" || reactionType == "" {
		return newValidationError("message id and reaction type must not be empty")
	}
	_, err := c.doRequest(ctx, "POST", "/api/chat/messages/"+messageID+"/reactions",
		map[string]string{"type": reactionType}, nil)
	return err
}

// Me returns the acting user as the server sees it.
func (c *Client) Me(ctx context.Context) (*User, error) {
	data, err := c.doRequest(ctx, "GET", "/api/chat/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}
