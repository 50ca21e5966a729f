package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"stockreport/backend/internal/domain"
)

const generationKey = "stockreport:records:gen"

// RedisRecordCache namespaces entries under a generation counter. Bumping
// the counter orphans old entries, which then expire on their TTL.
type RedisRecordCache struct {
	client *redis.Client
}

func NewRedisRecordCache(addr string, password string, db int) *RedisRecordCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisRecordCache{client: client}
}

func (c *RedisRecordCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisRecordCache) Close() error {
	return c.client.Close()
}

func (c *RedisRecordCache) Get(ctx context.Context, key string) ([]domain.Submission, int64, bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return nil, 0, false, err
	}

	val, err := c.client.Get(ctx, entryKey(gen, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, gen, false, nil
	}
	if err != nil {
		return nil, gen, false, err
	}

	var records []domain.Submission
	if err := json.Unmarshal([]byte(val), &records); err != nil {
		return nil, gen, false, err
	}
	return records, gen, true, nil
}

// Set stores records under gen, the generation returned by the Get that
// missed. If an Invalidate ran since, the entry is orphaned and expires.
func (c *RedisRecordCache) Set(ctx context.Context, gen int64, key string, records []domain.Submission, ttl time.Duration) error {
	if records == nil {
		records = []domain.Submission{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, entryKey(gen, key), payload, ttl).Err()
}

func (c *RedisRecordCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, generationKey).Err()
}

func (c *RedisRecordCache) generation(ctx context.Context) (int64, error) {
	raw, err := c.client.Get(ctx, generationKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

func entryKey(gen int64, key string) string {
	return fmt.Sprintf("stockreport:records:%d:%s", gen, key)
}
