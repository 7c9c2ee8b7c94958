// Package redisstore implements the context cache on Redis so that every
// gateway instance shares cached model responses.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/toolgate/internal/cache"
)

// getScript reads an entry and counts the hit without recreating a key that
// expired between the two commands.
var getScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return false
end
redis.call("HINCRBY", KEYS[1], "hits", 1)
return redis.call("HGETALL", KEYS[1])
`)

// Cache is a cache.Store on Redis. Entries are hashes under
// prefix+"cache:e:"+key expiring with their TTL; prefix+"cache:r:"+role
// indexes keys per role.
type Cache struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewCache creates a Redis-backed cache. prefix defaults to "toolgate:".
func NewCache(client redis.UniversalClient, prefix string) *Cache {
	if prefix == "" {
		prefix = "toolgate:"
	}
	return &Cache{client: client, prefix: prefix + "cache:", now: time.Now}
}

func (c *Cache) entryKey(key string) string { return c.prefix + "e:" + key }
func (c *Cache) roleKey(role string) string { return c.prefix + "r:" + role }

func (c *Cache) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	res, err := getScript.Run(ctx, c.client, []string{c.entryKey(key)}).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry: %w", err)
	}

	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[res[i]] = res[i+1]
	}
	e := &cache.Entry{
		Key:   key,
		Role:  fields["role"],
		Value: json.RawMessage(fields["value"]),
	}
	e.HitCount, _ = strconv.ParseInt(fields["hits"], 10, 64)
	e.CreatedAt = unixMilli(fields["created_at"])
	e.ExpiresAt = unixMilli(fields["expires_at"])
	if e.Expired(c.now()) {
		return nil, false, nil
	}
	return e, true, nil
}

// Set upserts an entry. Redis drops expired entries on its own.
func (c *Cache) Set(ctx context.Context, key, role string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	now := c.now()
	k := c.entryKey(key)
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k,
			"role", role,
			"value", string(value),
			"expires_at", now.Add(ttl).UnixMilli(),
		)
		p.HSetNX(ctx, k, "created_at", now.UnixMilli())
		p.PExpire(ctx, k, ttl)
		if role != "" {
			p.SAdd(ctx, c.roleKey(role), key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Invalidate removes entries whose key contains pattern.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int64, error) {
	match := c.entryKey("*" + escapeGlob(pattern) + "*")
	var keys []string
	iter := c.client.Scan(ctx, 0, match, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scanning cache: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("invalidating cache: %w", err)
	}
	return n, nil
}

func (c *Cache) InvalidateByRole(ctx context.Context, role string) (int64, error) {
	members, err := c.client.SMembers(ctx, c.roleKey(role)).Result()
	if err != nil {
		return 0, fmt.Errorf("reading role index %s: %w", role, err)
	}

	var n int64
	for _, key := range members {
		// The entry may have been rewritten under another role since.
		r, err := c.client.HGet(ctx, c.entryKey(key), "role").Result()
		if errors.Is(err, redis.Nil) || (err == nil && r != role) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("reading cache entry: %w", err)
		}
		deleted, err := c.client.Del(ctx, c.entryKey(key)).Result()
		if err != nil {
			return n, fmt.Errorf("invalidating cache role %s: %w", role, err)
		}
		n += deleted
	}
	if err := c.client.Del(ctx, c.roleKey(role)).Err(); err != nil {
		return n, fmt.Errorf("dropping role index %s: %w", role, err)
	}
	return n, nil
}

// Stats walks every entry. Redis expires keys itself, so ExpiredEntries only
// counts keys whose expiry is due but not yet collected.
func (c *Cache) Stats(ctx context.Context) (cache.Stats, error) {
	var stats cache.Stats
	now := c.now()
	iter := c.client.Scan(ctx, 0, c.entryKey("*"), 500).Iterator()
	for iter.Next(ctx) {
		vals, err := c.client.HMGet(ctx, iter.Val(), "hits", "expires_at").Result()
		if err != nil {
			return cache.Stats{}, fmt.Errorf("reading cache entry: %w", err)
		}
		stats.TotalEntries++
		if s, ok := vals[0].(string); ok {
			hits, _ := strconv.ParseInt(s, 10, 64)
			stats.TotalHits += hits
		}
		if s, ok := vals[1].(string); ok && !now.Before(unixMilli(s)) {
			stats.ExpiredEntries++
		}
	}
	if err := iter.Err(); err != nil {
		return cache.Stats{}, fmt.Errorf("scanning cache: %w", err)
	}
	return stats, nil
}

// Sweep prunes role index members whose entries Redis already expired.
// It always reports zero removed entries.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	iter := c.client.Scan(ctx, 0, c.roleKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		index := iter.Val()
		members, err := c.client.SMembers(ctx, index).Result()
		if err != nil {
			return 0, fmt.Errorf("reading role index: %w", err)
		}
		for _, key := range members {
			exists, err := c.client.Exists(ctx, c.entryKey(key)).Result()
			if err != nil {
				return 0, fmt.Errorf("checking cache entry: %w", err)
			}
			if exists == 0 {
				c.client.SRem(ctx, index, key)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scanning role indexes: %w", err)
	}
	return 0, nil
}

func unixMilli(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globEscaper.Replace(s) }

var _ cache.Store = (*Cache)(nil)
