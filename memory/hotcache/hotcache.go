// Package hotcache is the low-latency tier for in-flight session
// transcripts, backed by Redis. A missing or dead backing connection
// degrades to empty reads and silently dropped writes.
package hotcache

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ecelabs/tiermem/memory"
)

// Config holds cache behavior settings.
type Config struct {
	// TTL bounds every session entry. Default: 1 hour.
	TTL time.Duration
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = Config{
	TTL: time.Hour,
}

// Cache is the Redis-backed memory.HotCache. A nil client is a valid
// construction: every operation degrades.
type Cache struct {
	client *redis.Client
	cfg    Config
}

// New creates a Cache over an existing Redis client. client may be nil.
func New(client *redis.Client, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig.TTL
	}
	return &Cache{client: client, cfg: cfg}
}

func contextKey(sessionID string) string {
	return "session:" + sessionID + ":context"
}

func lastActiveKey(sessionID string) string {
	return "session:" + sessionID + ":last_active_at"
}

// ActiveContext returns the in-flight transcript, or empty when absent
// or the backing connection is down.
func (c *Cache) ActiveContext(ctx context.Context, sessionID string) (string, memory.Status) {
	if c.client == nil {
		return "", memory.StatusUnavailable
	}
	val, err := c.client.Get(ctx, contextKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", memory.StatusOK
	}
	if err != nil {
		log.Printf("[HOTCACHE] Read failed for session %s: %v", sessionID, err)
		return "", memory.StatusUnavailable
	}
	return val, memory.StatusOK
}

// SaveActiveContext overwrites the transcript and refreshes its TTL.
func (c *Cache) SaveActiveContext(ctx context.Context, sessionID, transcript string) memory.Status {
	if c.client == nil {
		return memory.StatusUnavailable
	}
	if err := c.client.Set(ctx, contextKey(sessionID), transcript, c.cfg.TTL).Err(); err != nil {
		log.Printf("[HOTCACHE] Write failed for session %s: %v", sessionID, err)
		return memory.StatusUnavailable
	}
	return memory.StatusOK
}

// TouchSession records a last-active timestamp. Maintenance jobs read
// it to avoid contending with live users.
func (c *Cache) TouchSession(ctx context.Context, sessionID string) memory.Status {
	if c.client == nil {
		return memory.StatusUnavailable
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := c.client.Set(ctx, lastActiveKey(sessionID), now, c.cfg.TTL).Err(); err != nil {
		log.Printf("[HOTCACHE] Touch failed for session %s: %v", sessionID, err)
		return memory.StatusUnavailable
	}
	return memory.StatusOK
}

// LastActive returns the session's last-active timestamp, zero when
// never touched or unavailable.
func (c *Cache) LastActive(ctx context.Context, sessionID string) (time.Time, memory.Status) {
	if c.client == nil {
		return time.Time{}, memory.StatusUnavailable
	}
	val, err := c.client.Get(ctx, lastActiveKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, memory.StatusOK
	}
	if err != nil {
		return time.Time{}, memory.StatusUnavailable
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, memory.StatusOK
	}
	return t, memory.StatusOK
}

// ClearSession drops all hot-tier state for the session.
func (c *Cache) ClearSession(ctx context.Context, sessionID string) memory.Status {
	if c.client == nil {
		return memory.StatusUnavailable
	}
	if err := c.client.Del(ctx, contextKey(sessionID), lastActiveKey(sessionID)).Err(); err != nil {
		log.Printf("[HOTCACHE] Clear failed for session %s: %v", sessionID, err)
		return memory.StatusUnavailable
	}
	return memory.StatusOK
}
