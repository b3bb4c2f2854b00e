package coral

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// Batched persistence
// ============================================================================

// persister coalesces cache writes on a ticker. In-memory state stays the
// source of truth for observers; the cache may lag by up to one flush
// interval. Write failures are reported to the error stream and the dirty
// entries are retried on the next flush.
type persister struct {
	cache    Cache
	interval time.Duration
	errs     errorSink

	mu       sync.Mutex
	channels map[string]*Channel
	messages map[string]*Message
	users    map[string]*User
	queries  map[string][]string
	stopCh   chan struct{}
	stopped  bool
}

// newPersister returns nil when there is no cache to write to; all persister
// methods are nil-receiver safe.
func newPersister(cache Cache, interval time.Duration, errs errorSink) *persister {
	if cache == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &persister{
		cache:    cache,
		interval: interval,
		errs:     errs,
		channels: make(map[string]*Channel),
		messages: make(map[string]*Message),
		users:    make(map[string]*User),
		queries:  make(map[string][]string),
		stopCh:   make(chan struct{}),
	}
}

func (p *persister) start() {
	if p == nil {
		return
	}
	go p.loop()
}

func (p *persister) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.flush(context.Background())
		}
	}
}

func (p *persister) putChannels(channels ...*Channel) {
	if p == nil {
		return
	}
	p.mu.Lock()
	for _, ch := range channels {
		p.channels[ch.CID] = ch
	}
	p.mu.Unlock()
}

func (p *persister) putMessages(messages ...*Message) {
	if p == nil {
		return
	}
	p.mu.Lock()
	for _, m := range messages {
		p.messages[m.ID] = m
	}
	p.mu.Unlock()
}

func (p *persister) putUsers(users ...*User) {
	if p == nil {
		return
	}
	p.mu.Lock()
	for _, u := range users {
		p.users[u.ID] = u
	}
	p.mu.Unlock()
}

func (p *persister) putQueryResult(key string, cids []string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.queries[key] = cids
	p.mu.Unlock()
}

// flush writes all dirty entries in entity-type batches.
func (p *persister) flush(ctx context.Context) {
	if p == nil {
		return
	}
	p.mu.Lock()
	channels := p.channels
	messages := p.messages
	users := p.users
	queries := p.queries
	p.channels = make(map[string]*Channel)
	p.messages = make(map[string]*Message)
	p.users = make(map[string]*User)
	p.queries = make(map[string][]string)
	p.mu.Unlock()

	if len(channels) > 0 {
		batch := make([]*Channel, 0, len(channels))
		for _, ch := range channels {
			batch = append(batch, ch)
		}
		if err := p.cache.UpsertChannels(ctx, batch); err != nil {
			p.errs.report("persist", "", err)
			p.putChannels(batch...)
		}
	}
	if len(messages) > 0 {
		batch := make([]*Message, 0, len(messages))
		for _, m := range messages {
			batch = append(batch, m)
		}
		if err := p.cache.UpsertMessages(ctx, batch); err != nil {
			p.errs.report("persist", "", err)
			p.putMessages(batch...)
		}
	}
	if len(users) > 0 {
		batch := make([]*User, 0, len(users))
		for _, u := range users {
			batch = append(batch, u)
		}
		if err := p.cache.UpsertUsers(ctx, batch); err != nil {
			p.errs.report("persist", "", err)
			p.putUsers(batch...)
		}
	}
	for key, cids := range queries {
		if err := p.cache.SetQueryResult(ctx, key, cids); err != nil {
			p.errs.report("persist", "", err)
			p.putQueryResult(key, cids)
		}
	}
}

// close stops the flush loop and drains pending writes.
func (p *persister) close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stopCh)
	}
	p.mu.Unlock()
	p.flush(context.Background())
}
