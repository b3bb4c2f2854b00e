package coral

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ============================================================================
// Redis cache backend
// ============================================================================

const (
	redisChannelPrefix = "coral:channel:"
	redisMessagePrefix = "coral:message:"
	redisUserPrefix    = "coral:user:"
	redisQueryPrefix   = "coral:query:"
	redisTimelineFmt   = "coral:channel:%s:messages" // sorted set, score = created_at unix nano
)

// RedisCache is a Cache backed by Redis, for server-side SDK deployments
// (bots, bridges) where the process can restart without losing local chat
// state. Entities are stored as JSON values; per-channel message timelines
// are sorted sets scored by creation time.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a Redis-backed cache. The caller owns the client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// NewRedisCacheURL connects to redisURL and pings before returning.
func NewRedisCacheURL(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func timelineKey(cid string) string {
	return fmt.Sprintf(redisTimelineFmt, cid)
}

// ── Channels ─────────────────────────────────────────────

func (c *RedisCache) UpsertChannels(ctx context.Context, channels []*Channel) error {
	if len(channels) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, ch := range channels {
		data, err := json.Marshal(ch)
		if err != nil {
			return fmt.Errorf("marshal channel %s: %w", ch.CID, err)
		}
		pipe.Set(ctx, redisChannelPrefix+ch.CID, data, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert channels: %w", err)
	}
	return nil
}

func (c *RedisCache) Channel(ctx context.Context, cid string) (*Channel, error) {
	data, err := c.client.Get(ctx, redisChannelPrefix+cid).Result()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	var ch Channel
	if err := json.Unmarshal([]byte(data), &ch); err != nil {
		return nil, fmt.Errorf("unmarshal channel: %w", err)
	}
	return &ch, nil
}

func (c *RedisCache) DeleteChannel(ctx context.Context, cid string) error {
	ids, err := c.client.ZRange(ctx, timelineKey(cid), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("list channel messages: %w", err)
	}
	pipe := c.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, redisMessagePrefix+id)
	}
	pipe.Del(ctx, timelineKey(cid))
	pipe.Del(ctx, redisChannelPrefix+cid)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return nil
}

// ── Messages ─────────────────────────────────────────────

func (c *RedisCache) UpsertMessages(ctx context.Context, messages []*Message) error {
	if len(messages) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", m.ID, err)
		}
		pipe.Set(ctx, redisMessagePrefix+m.ID, data, 0)
		pipe.ZAdd(ctx, timelineKey(m.CID), redis.Z{
			Score:  float64(m.CreatedAt.UnixNano()),
			Member: m.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert messages: %w", err)
	}
	return nil
}

func (c *RedisCache) Messages(ctx context.Context, cid string, limit int) ([]*Message, error) {
	stop := int64(-1)
	var start int64
	if limit > 0 {
		start = int64(-limit)
	}
	ids, err := c.client.ZRange(ctx, timelineKey(cid), start, stop).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("range channel timeline: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisMessagePrefix + id
	}
	// One round trip for the whole page.
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget messages: %w", err)
	}

	var messages []*Message
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // evicted between ZRange and MGet
		}
		var m Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			continue
		}
		messages = append(messages, &m)
	}
	return messages, nil
}

func (c *RedisCache) DeleteMessage(ctx context.Context, cid, id string) error {
	pipe := c.client.Pipeline()
	pipe.Del(ctx, redisMessagePrefix+id)
	pipe.ZRem(ctx, timelineKey(cid), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// ── Users ────────────────────────────────────────────────

func (c *RedisCache) UpsertUsers(ctx context.Context, users []*User) error {
	if len(users) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, u := range users {
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("marshal user %s: %w", u.ID, err)
		}
		pipe.Set(ctx, redisUserPrefix+u.ID, data, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert users: %w", err)
	}
	return nil
}

func (c *RedisCache) User(ctx context.Context, id string) (*User, error) {
	data, err := c.client.Get(ctx, redisUserPrefix+id).Result()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	var u User
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &u, nil
}

// ── Query results ────────────────────────────────────────

func (c *RedisCache) SetQueryResult(ctx context.Context, key string, cids []string) error {
	data, err := json.Marshal(cids)
	if err != nil {
		return fmt.Errorf("marshal query result: %w", err)
	}
	if err := c.client.Set(ctx, redisQueryPrefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("set query result: %w", err)
	}
	return nil
}

func (c *RedisCache) QueryResult(ctx context.Context, key string) ([]string, error) {
	data, err := c.client.Get(ctx, redisQueryPrefix+key).Result()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get query result: %w", err)
	}
	var cids []string
	if err := json.Unmarshal([]byte(data), &cids); err != nil {
		return nil, fmt.Errorf("unmarshal query result: %w", err)
	}
	return cids, nil
}
