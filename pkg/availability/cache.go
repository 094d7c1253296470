package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a read-through Redis cache of availability reports. Keys embed a
// per-book version counter; bumping the counter on any circulation write for
// the book makes every cached report for it unreachable, so invalidation is a
// single INCR with no key scans. Entries are TTL-bounded so orphaned versions
// expire on their own.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCache connects a report cache. prefix namespaces all keys.
func NewCache(addr, password, prefix string, ttl time.Duration) (*Cache, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	if prefix == "" {
		prefix = "avail"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

// Get returns a cached report for (book, requester), if present. Redis
// errors read as cache misses; availability stays correct without Redis.
func (c *Cache) Get(ctx context.Context, bookID, userID string) (Report, bool) {
	ver, err := c.version(ctx, bookID)
	if err != nil {
		return Report{}, false
	}
	raw, err := c.client.Get(ctx, c.reportKey(ver, bookID, userID)).Bytes()
	if err != nil {
		return Report{}, false
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return Report{}, false
	}
	return report, true
}

// Put stores a report under the book's current version. Best effort.
func (c *Cache) Put(ctx context.Context, bookID, userID string, report Report) {
	ver, err := c.version(ctx, bookID)
	if err != nil {
		return
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.reportKey(ver, bookID, userID), raw, c.ttl).Err()
}

// Invalidate drops all cached reports for a book by bumping its version.
func (c *Cache) Invalidate(ctx context.Context, bookID string) {
	_ = c.client.Incr(ctx, c.versionKey(bookID)).Err()
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) version(ctx context.Context, bookID string) (int64, error) {
	ver, err := c.client.Get(ctx, c.versionKey(bookID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return ver, err
}

func (c *Cache) versionKey(bookID string) string {
	return fmt.Sprintf("%s:ver:%s", c.prefix, bookID)
}

func (c *Cache) reportKey(ver int64, bookID, userID string) string {
	if userID == "" {
		userID = "-"
	}
	return fmt.Sprintf("%s:rpt:%d:%s:%s", c.prefix, ver, bookID, userID)
}
