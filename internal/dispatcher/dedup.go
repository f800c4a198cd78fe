package dispatcher

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

const seenKeyPrefix = "txbus:seen:"

// RedisDeduper keeps one key per (handler, event id) for ttl. It is shared by
// every consumer replica of the group.
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDeduper(rdb *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func seenKey(handler, eventID string) string {
	return seenKeyPrefix + handler + ":" + eventID
}

func (d *RedisDeduper) Seen(ctx context.Context, handler, eventID string) (bool, error) {
	n, err := d.rdb.Exists(ctx, seenKey(handler, eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) MarkSeen(ctx context.Context, handler, eventID string) error {
	return d.rdb.Set(ctx, seenKey(handler, eventID), 1, d.ttl).Err()
}

// MemoryDeduper remembers the last window pairs per process, evicting the oldest first.
type MemoryDeduper struct {
	seen *lru.Cache[string, struct{}]
}

func NewMemoryDeduper(window int) *MemoryDeduper {
	if window <= 0 {
		window = 100_000
	}
	seen, _ := lru.New[string, struct{}](window)
	return &MemoryDeduper{seen: seen}
}

func (d *MemoryDeduper) Seen(_ context.Context, handler, eventID string) (bool, error) {
	return d.seen.Contains(seenKey(handler, eventID)), nil
}

// MarkSeen does not refresh a pair that is already remembered, so eviction
// follows first-seen order.
func (d *MemoryDeduper) MarkSeen(_ context.Context, handler, eventID string) error {
	d.seen.ContainsOrAdd(seenKey(handler, eventID), struct{}{})
	return nil
}

func (d *MemoryDeduper) Len() int { return d.seen.Len() }
