package coral

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// seenEventLimit bounds the per-state duplicate-detection window.
const seenEventLimit = 2048

// ============================================================================
// Snapshots
// ============================================================================

// ChannelSnapshot is an immutable view of one channel handed to observers.
// Messages are ordered by created-at (server timestamps once confirmed),
// with ID as tie-break; deleted messages are excluded, pending locals
// included.
type ChannelSnapshot struct {
	Channel  Channel
	Deleted  bool
	Messages []*Message
	Members  []Member
	Reads    []Read
	Unread   int
}

// ChannelObserver receives a snapshot after every mutation. Observers are
// invoked synchronously on the update path, in subscription order.
type ChannelObserver func(ChannelSnapshot)

// ============================================================================
// ChannelState
// ============================================================================

// ChannelState is the in-memory reactive aggregate of one channel. It merges
// cached state, realtime events, and optimistic local writes. A single
// logical owner mutates it: every mutation, including completions of
// background remote operations, funnels through the state mutex, so
// observers never see a partial update.
type ChannelState struct {
	cid       string
	transport Transport
	persist   *persister
	retry     RetryPolicy
	errs      errorSink
	userID    string
	clock     func() time.Time
	sleep     func(context.Context, time.Duration) error

	mu         sync.Mutex
	channel    Channel
	deleted    bool
	messages   map[string]*Message
	byClientID map[string]string // client id -> local message id
	members    map[string]Member
	reads      map[string]Read
	seen       map[string]struct{}
	seenOrder  []string
	observers  map[int]ChannelObserver
	nextObs    int

	pending sync.WaitGroup // in-flight background submissions
}

func newChannelState(cid string, transport Transport, persist *persister, retry RetryPolicy, errs errorSink, userID string) *ChannelState {
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	return &ChannelState{
		cid:        cid,
		transport:  transport,
		persist:    persist,
		retry:      retry,
		errs:       errs,
		userID:     userID,
		clock:      time.Now,
		sleep:      sleepCtx,
		channel:    Channel{CID: cid},
		messages:   make(map[string]*Message),
		byClientID: make(map[string]string),
		members:    make(map[string]Member),
		reads:      make(map[string]Read),
		seen:       make(map[string]struct{}),
		observers:  make(map[int]ChannelObserver),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CID returns the composite channel identifier.
func (c *ChannelState) CID() string { return c.cid }

// Subscribe registers an observer and returns its cancel func.
func (c *ChannelState) Subscribe(fn ChannelObserver) (cancel func()) {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// Snapshot returns a consistent copy of the current state.
func (c *ChannelState) Snapshot() ChannelSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *ChannelState) snapshotLocked() ChannelSnapshot {
	snap := ChannelSnapshot{Channel: c.channel, Deleted: c.deleted}

	for _, m := range c.messages {
		if m.DeletedAt != nil {
			continue
		}
		snap.Messages = append(snap.Messages, m.clone())
	}
	sort.Slice(snap.Messages, func(i, j int) bool {
		a, b := snap.Messages[i], snap.Messages[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	for _, m := range c.members {
		snap.Members = append(snap.Members, m)
	}
	sort.Slice(snap.Members, func(i, j int) bool { return snap.Members[i].UserID < snap.Members[j].UserID })

	for _, r := range c.reads {
		snap.Reads = append(snap.Reads, r)
	}
	sort.Slice(snap.Reads, func(i, j int) bool { return snap.Reads[i].UserID < snap.Reads[j].UserID })

	own := c.reads[c.userID]
	for _, m := range snap.Messages {
		if m.Status != StatusSent || m.UserID == c.userID {
			continue
		}
		if m.CreatedAt.After(own.LastReadAt) {
			snap.Unread++
		}
	}
	return snap
}

// notifyLocked snapshots under the lock, releases it, and invokes observers
// synchronously. Callers must hold c.mu and must not touch state afterwards.
func (c *ChannelState) notifyLocked() {
	snap := c.snapshotLocked()
	obs := make([]ChannelObserver, 0, len(c.observers))
	for _, fn := range c.observers {
		obs = append(obs, fn)
	}
	c.mu.Unlock()
	for _, fn := range obs {
		fn(snap)
	}
	c.mu.Lock()
}

// ============================================================================
// Event application
// ============================================================================

// ApplyEvent merges an event into the state. Duplicate event IDs are no-ops;
// entity merges are last-writer-wins by event timestamp.
func (c *ChannelState) ApplyEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.ID != "" {
		if _, dup := c.seen[ev.ID]; dup {
			return
		}
		c.seen[ev.ID] = struct{}{}
		c.seenOrder = append(c.seenOrder, ev.ID)
		if len(c.seenOrder) > seenEventLimit {
			delete(c.seen, c.seenOrder[0])
			c.seenOrder = c.seenOrder[1:]
		}
	}

	if !c.applyEventLocked(ev) {
		return
	}
	c.notifyLocked()
}

// applyEventLocked mutates state and reports whether anything changed.
func (c *ChannelState) applyEventLocked(ev Event) bool {
	switch ev.Type {
	case EventMessageNew:
		if ev.Message == nil {
			return false
		}
		return c.upsertMessageLocked(ev.Message, ev.Timestamp)

	case EventMessageUpdated:
		if ev.Message == nil {
			return false
		}
		existing, ok := c.messages[ev.Message.ID]
		if !ok {
			return c.upsertMessageLocked(ev.Message, ev.Timestamp)
		}
		if ev.Timestamp.Before(existing.UpdatedAt) {
			return false // stale out-of-order update
		}
		updated := ev.Message.clone()
		updated.Status = existing.Status
		if updated.Status == "" {
			updated.Status = StatusSent
		}
		updated.ClientID = existing.ClientID
		if updated.UpdatedAt.IsZero() {
			updated.UpdatedAt = ev.Timestamp
		}
		c.messages[updated.ID] = updated
		c.persist.putMessages(updated.clone())
		return true

	case EventMessageDeleted:
		if ev.Message == nil {
			return false
		}
		existing, ok := c.messages[ev.Message.ID]
		if !ok || existing.DeletedAt != nil {
			return false
		}
		at := ev.Timestamp
		existing.DeletedAt = &at
		c.persist.putMessages(existing.clone())
		return true

	case EventReactionNew:
		if ev.Reaction == nil {
			return false
		}
		m, ok := c.messages[ev.Reaction.MessageID]
		if !ok {
			return false
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string]int)
		}
		m.Reactions[ev.Reaction.Type]++
		c.persist.putMessages(m.clone())
		return true

	case EventChannelNew, EventChannelUpdated:
		if ev.Channel == nil {
			return false
		}
		if ev.Timestamp.Before(c.channel.UpdatedAt) {
			return false
		}
		c.channel = *ev.Channel
		if c.channel.UpdatedAt.IsZero() {
			c.channel.UpdatedAt = ev.Timestamp
		}
		ch := c.channel
		c.persist.putChannels(&ch)
		return true

	case EventChannelDeleted:
		if c.deleted {
			return false
		}
		c.deleted = true
		return true

	case EventMemberAdded:
		if ev.Member == nil {
			return false
		}
		c.members[ev.Member.UserID] = *ev.Member
		c.channel.MemberCount = len(c.members)
		return true

	case EventMemberRemoved:
		if ev.Member == nil {
			return false
		}
		if _, ok := c.members[ev.Member.UserID]; !ok {
			return false
		}
		delete(c.members, ev.Member.UserID)
		c.channel.MemberCount = len(c.members)
		return true

	case EventReadUpdated:
		if ev.Read == nil {
			return false
		}
		// Read watermarks only move forward.
		if cur, ok := c.reads[ev.Read.UserID]; ok && !ev.Read.LastReadAt.After(cur.LastReadAt) {
			return false
		}
		c.reads[ev.Read.UserID] = *ev.Read
		return true

	case EventUserPresence, EventTyping:
		// Transient; observers get the refreshed snapshot.
		return true

	default:
		return false
	}
}

// upsertMessageLocked inserts or merges an incoming confirmed message,
// reconciling it with an optimistic local copy when the client ID matches.
func (c *ChannelState) upsertMessageLocked(msg *Message, at time.Time) bool {
	incoming := msg.clone()
	if incoming.Status == "" || incoming.Status == StatusPending {
		incoming.Status = StatusSent
	}
	if incoming.UpdatedAt.IsZero() {
		incoming.UpdatedAt = at
	}

	// An echo of our own optimistic send: drop the local copy.
	if incoming.ClientID != "" {
		if localID, ok := c.byClientID[incoming.ClientID]; ok && localID != incoming.ID {
			delete(c.messages, localID)
			c.byClientID[incoming.ClientID] = incoming.ID
		}
	}

	if existing, ok := c.messages[incoming.ID]; ok {
		if at.Before(existing.UpdatedAt) {
			return false
		}
		incoming.ClientID = existing.ClientID
	}

	c.messages[incoming.ID] = incoming
	if incoming.CreatedAt.After(c.channel.LastMessageAt) {
		c.channel.LastMessageAt = incoming.CreatedAt
	}
	c.persist.putMessages(incoming.clone())
	return true
}

// ============================================================================
// Optimistic writes
// ============================================================================

// SendMessage inserts an optimistic pending message, visible to observers
// immediately, and submits it to the server in the background. The returned
// message carries the local ID and StatusPending; the eventual sent/failed
// transition reaches observers through snapshots, failures additionally
// through the error-event stream.
func (c *ChannelState) SendMessage(ctx context.Context, draft MessageDraft) (*Message, error) {
	if _, _, err := SplitCID(c.cid); err != nil {
		return nil, err
	}
	if draft.Text == "" {
		return nil, newValidationError("message text must not be empty")
	}

	clientID := uuid.NewString()
	local := &Message{
		ID:        "local-" + clientID,
		ClientID:  clientID,
		CID:       c.cid,
		UserID:    c.userID,
		Text:      draft.Text,
		Type:      draft.Type,
		ParentID:  draft.ParentID,
		Metadata:  draft.Metadata,
		Status:    StatusPending,
		CreatedAt: c.clock(),
	}

	c.mu.Lock()
	c.messages[local.ID] = local
	c.byClientID[clientID] = local.ID
	c.persist.putMessages(local.clone())
	c.notifyLocked()
	c.mu.Unlock()

	// The caller may drop interest before the server answers; the submission
	// outlives ctx and reports through the error stream instead.
	c.pending.Add(1)
	go c.submit(context.Background(), local.clone())

	return local.clone(), nil
}

// submit drives one outgoing message through the retry policy.
func (c *ChannelState) submit(ctx context.Context, local *Message) {
	defer c.pending.Done()

	attempt := 0
	for {
		sent, err := c.transport.SendMessage(ctx, c.cid, local)
		if err == nil {
			c.confirmSend(local, sent)
			return
		}

		switch Classify(err) {
		case ErrorConflict:
			// Server already holds an authoritative version; adopt it.
			var ce *ConflictError
			if errors.As(err, &ce) && ce.Server != nil {
				c.confirmSend(local, ce.Server)
			} else {
				c.failSend(local, err)
			}
			return
		case ErrorValidation:
			c.failSend(local, err)
			return
		}

		attempt++
		if !c.retry.ShouldRetry(attempt, err) {
			c.failSend(local, err)
			return
		}
		if serr := c.sleep(ctx, c.retry.RetryTimeout(attempt, err)); serr != nil {
			c.failSend(local, err)
			return
		}
	}
}

// confirmSend swaps the optimistic message for the server's version.
// pending -> sent; never the other way around.
func (c *ChannelState) confirmSend(local *Message, sent *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.messages[local.ID]
	if ok && cur.Status == StatusFailed {
		// A duplicate completion after failure keeps the terminal state.
		return
	}
	delete(c.messages, local.ID)

	confirmed := sent.clone()
	confirmed.ClientID = local.ClientID
	confirmed.Status = StatusSent
	if confirmed.CID == "" {
		confirmed.CID = c.cid
	}
	if confirmed.UpdatedAt.IsZero() {
		confirmed.UpdatedAt = confirmed.CreatedAt
	}
	c.byClientID[local.ClientID] = confirmed.ID

	// The realtime echo may have landed first; last writer wins by timestamp.
	if existing, ok := c.messages[confirmed.ID]; ok && existing.UpdatedAt.After(confirmed.UpdatedAt) {
		confirmed = existing
	}
	c.messages[confirmed.ID] = confirmed
	if confirmed.CreatedAt.After(c.channel.LastMessageAt) {
		c.channel.LastMessageAt = confirmed.CreatedAt
	}
	c.persist.putMessages(confirmed.clone())
	c.notifyLocked()
}

func (c *ChannelState) failSend(local *Message, cause error) {
	c.mu.Lock()
	if cur, ok := c.messages[local.ID]; ok && cur.Status == StatusPending {
		cur.Status = StatusFailed
		cur.UpdatedAt = c.clock()
		c.persist.putMessages(cur.clone())
		c.notifyLocked()
	}
	c.mu.Unlock()
	c.errs.report("send_message", c.cid, cause)
}

// RetryFailed resubmits a failed message. The message returns to observers
// unchanged until the new submission completes; a message that is not in
// failed state is rejected.
func (c *ChannelState) RetryFailed(ctx context.Context, messageID string) error {
	c.mu.Lock()
	m, ok := c.messages[messageID]
	if !ok {
		c.mu.Unlock()
		return newValidationError("unknown message " + messageID)
	}
	if m.Status != StatusFailed {
		c.mu.Unlock()
		return newValidationError("message " + messageID + " is not in failed state")
	}
	m.Status = StatusPending
	resubmit := m.clone()
	c.notifyLocked()
	c.mu.Unlock()

	c.pending.Add(1)
	go c.submit(context.Background(), resubmit)
	return nil
}

// MarkRead advances the local read cursor immediately and notifies the
// server in the background. Fire-and-forget: a server failure is reported to
// the error stream but never rolls back the local read state.
func (c *ChannelState) MarkRead(ctx context.Context) error {
	if c.cid == "" {
		return newValidationError("cid must not be empty")
	}
	if _, _, err := SplitCID(c.cid); err != nil {
		return err
	}

	now := c.clock()
	c.mu.Lock()
	var latest string
	var latestAt time.Time
	for _, m := range c.messages {
		if m.Status == StatusSent && m.DeletedAt == nil && m.CreatedAt.After(latestAt) {
			latest, latestAt = m.ID, m.CreatedAt
		}
	}
	c.reads[c.userID] = Read{UserID: c.userID, CID: c.cid, MessageID: latest, LastReadAt: now}
	c.notifyLocked()
	c.mu.Unlock()

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		if err := c.transport.MarkRead(context.Background(), c.cid, latest); err != nil {
			c.errs.report("mark_read", c.cid, err)
		}
	}()
	return nil
}

// ============================================================================
// Hydration and refetch
// ============================================================================

// hydrate loads cached state, best-effort. Only fills gaps; it never
// overwrites live state.
func (c *ChannelState) hydrate(ctx context.Context, cache Cache) {
	if cache == nil {
		return
	}
	ch, err := cache.Channel(ctx, c.cid)
	msgs, merr := cache.Messages(ctx, c.cid, 100)

	c.mu.Lock()
	if err == nil && c.channel.UpdatedAt.IsZero() {
		c.channel = *ch
	}
	if merr == nil {
		for _, m := range msgs {
			if _, ok := c.messages[m.ID]; !ok {
				c.messages[m.ID] = m.clone()
			}
		}
	}
	if len(c.messages) > 0 || err == nil {
		c.notifyLocked()
	}
	c.mu.Unlock()
}

// applyPage replaces confirmed state with a fresh server fetch, keeping
// optimistic pending and failed locals visible.
func (c *ChannelState) applyPage(page *ChannelPage) {
	if page == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if page.Channel != nil {
		c.channel = *page.Channel
		ch := c.channel
		c.persist.putChannels(&ch)
	}

	fresh := make(map[string]*Message, len(page.Messages))
	for _, m := range page.Messages {
		cp := m.clone()
		if cp.Status == "" {
			cp.Status = StatusSent
		}
		fresh[cp.ID] = cp
		c.persist.putMessages(cp.clone())
	}
	for id, m := range c.messages {
		if m.Status == StatusPending || m.Status == StatusFailed {
			fresh[id] = m
		}
	}
	c.messages = fresh

	if page.Members != nil {
		c.members = make(map[string]Member, len(page.Members))
		for _, m := range page.Members {
			c.members[m.UserID] = *m
		}
		c.channel.MemberCount = len(c.members)
	}
	if page.Reads != nil {
		c.reads = make(map[string]Read, len(page.Reads))
		for _, r := range page.Reads {
			c.reads[r.UserID] = *r
		}
	}
	c.notifyLocked()
}

// resendFailed returns failed messages to pending and resubmits them. The
// sync layer calls it after a reconnect so sends that died offline get
// another pass through the retry policy.
func (c *ChannelState) resendFailed() {
	c.mu.Lock()
	var resubmits []*Message
	for _, m := range c.messages {
		if m.Status == StatusFailed && m.DeletedAt == nil {
			m.Status = StatusPending
			m.UpdatedAt = c.clock()
			resubmits = append(resubmits, m.clone())
		}
	}
	if len(resubmits) > 0 {
		c.notifyLocked()
	}
	c.mu.Unlock()

	for _, m := range resubmits {
		c.pending.Add(1)
		go c.submit(context.Background(), m)
	}
}

// wait blocks until in-flight background submissions finish.
func (c *ChannelState) wait() { c.pending.Wait() }
