package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps Redis transport failures on the
// validation cache.
var ErrRedisUnavailable = errors.New("redis unavailable")

const cacheEntryVersion = 1

// cacheEntry is the compact validation-path projection of a session
// record. It carries only what liveness checks need; the token itself
// carries identity and authorization.
type cacheEntry struct {
	Version        int   `json:"v"`
	State          State `json:"st"`
	LastActivityAt int64 `json:"la"`
	ExpiresAt      int64 `json:"ex"`
	RememberMe     bool  `json:"rm,omitempty"`
}

// Cache is the Redis cache-aside layer in front of the durable record
// store. A miss or a corrupt entry is never an error; the caller falls
// through to the durable store and repopulates.
type Cache struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewCache creates a validation cache. prefix namespaces the keys;
// ttl bounds how stale an entry can get before a durable reload.
func NewCache(redisClient redis.UniversalClient, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = "asv"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		redis:  redisClient,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *Cache) key(sessionID string) string {
	return c.prefix + ":" + sessionID
}

// Get returns the cached projection, a miss flag, or a transport
// error. Entries from an unknown layout version count as misses.
func (c *Cache) Get(ctx context.Context, sessionID string) (*cacheEntry, bool, error) {
	data, err := c.redis.Get(ctx, c.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, nil
	}
	if entry.Version != cacheEntryVersion {
		return nil, false, nil
	}

	return &entry, true, nil
}

// Put stores the projection for a session.
func (c *Cache) Put(ctx context.Context, sessionID string, sess *Session) error {
	entry := cacheEntry{
		Version:        cacheEntryVersion,
		State:          sess.State,
		LastActivityAt: sess.LastActivityAt.Unix(),
		ExpiresAt:      sess.ExpiresAt.Unix(),
		RememberMe:     sess.RememberMe,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := c.redis.Set(ctx, c.key(sessionID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Touch refreshes the activity watermark of a cached entry in place.
func (c *Cache) Touch(ctx context.Context, sessionID string, entry *cacheEntry, at time.Time) error {
	updated := *entry
	updated.LastActivityAt = at.Unix()

	data, err := json.Marshal(updated)
	if err != nil {
		return err
	}
	if err := c.redis.Set(ctx, c.key(sessionID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Delete drops cache entries. Used on invalidation so the next
// validation consults the durable store.
func (c *Cache) Delete(ctx context.Context, sessionIDs ...string) error {
	if len(sessionIDs) == 0 {
		return nil
	}

	keys := make([]string, 0, len(sessionIDs))
	for _, sessionID := range sessionIDs {
		keys = append(keys, c.key(sessionID))
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
