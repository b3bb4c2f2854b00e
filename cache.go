package coral

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ============================================================================
// Local cache
// ============================================================================

// ErrCacheMiss is returned when an entity is not in the cache.
var ErrCacheMiss = errors.New("coral: cache miss")

// Cache is the durable local store behind the in-memory state. In-memory
// state is the source of truth for observers; the cache is best-effort
// durability, written in batches that may lag live state.
type Cache interface {
	UpsertChannels(ctx context.Context, channels []*Channel) error
	Channel(ctx context.Context, cid string) (*Channel, error)
	DeleteChannel(ctx context.Context, cid string) error

	UpsertMessages(ctx context.Context, messages []*Message) error
	Messages(ctx context.Context, cid string, limit int) ([]*Message, error)
	DeleteMessage(ctx context.Context, cid, id string) error

	UpsertUsers(ctx context.Context, users []*User) error
	User(ctx context.Context, id string) (*User, error)

	SetQueryResult(ctx context.Context, key string, cids []string) error
	QueryResult(ctx context.Context, key string) ([]string, error)
}

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe in-memory Cache. It is the default backend
// and the reference implementation for the interface contract.
type MemoryCache struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	messages map[string]*Message            // message id -> message
	byCID    map[string]map[string]struct{} // cid -> message ids
	users    map[string]*User
	queries  map[string][]string
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		channels: make(map[string]*Channel),
		messages: make(map[string]*Message),
		byCID:    make(map[string]map[string]struct{}),
		users:    make(map[string]*User),
		queries:  make(map[string][]string),
	}
}

func (c *MemoryCache) UpsertChannels(_ context.Context, channels []*Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		cp := *ch
		c.channels[ch.CID] = &cp
	}
	return nil
}

func (c *MemoryCache) Channel(_ context.Context, cid string) (*Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[cid]
	if !ok {
		return nil, ErrCacheMiss
	}
	cp := *ch
	return &cp, nil
}

func (c *MemoryCache) DeleteChannel(_ context.Context, cid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, cid)
	for id := range c.byCID[cid] {
		delete(c.messages, id)
	}
	delete(c.byCID, cid)
	return nil
}

func (c *MemoryCache) UpsertMessages(_ context.Context, messages []*Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range messages {
		c.messages[m.ID] = m.clone()
		ids, ok := c.byCID[m.CID]
		if !ok {
			ids = make(map[string]struct{})
			c.byCID[m.CID] = ids
		}
		ids[m.ID] = struct{}{}
	}
	return nil
}

func (c *MemoryCache) Messages(_ context.Context, cid string, limit int) ([]*Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []*Message
	for id := range c.byCID[cid] {
		if m := c.messages[id]; m != nil {
			result = append(result, m.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (c *MemoryCache) DeleteMessage(_ context.Context, cid, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.messages, id)
	if ids, ok := c.byCID[cid]; ok {
		delete(ids, id)
	}
	return nil
}

func (c *MemoryCache) UpsertUsers(_ context.Context, users []*User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range users {
		cp := *u
		c.users[u.ID] = &cp
	}
	return nil
}

func (c *MemoryCache) User(_ context.Context, id string) (*User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	if !ok {
		return nil, ErrCacheMiss
	}
	cp := *u
	return &cp, nil
}

func (c *MemoryCache) SetQueryResult(_ context.Context, key string, cids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries[key] = append([]string(nil), cids...)
	return nil
}

func (c *MemoryCache) QueryResult(_ context.Context, key string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cids, ok := c.queries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]string(nil), cids...), nil
}
