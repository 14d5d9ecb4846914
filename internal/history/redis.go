package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list key used when none is configured.
const DefaultRedisKey = "huddle:messages"

// RedisLog stores records as JSON entries of a capped Redis list.
type RedisLog struct {
	client *redis.Client
	key    string
	max    int64
}

// NewRedisLog wraps client. The list at key is trimmed to max entries.
func NewRedisLog(client *redis.Client, key string, max int) *RedisLog {
	if key == "" {
		key = DefaultRedisKey
	}
	if max <= 0 {
		max = defaultMaxRecords
	}
	return &RedisLog{client: client, key: key, max: int64(max)}
}

// DialRedis connects to addr and verifies the connection with a PING.
func DialRedis(ctx context.Context, addr, key string, max int) (*RedisLog, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisLog(client, key, max), nil
}

// Append implements Log.
func (l *RedisLog) Append(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}

	pipe := l.client.TxPipeline()
	pipe.RPush(ctx, l.key, data)
	pipe.LTrim(ctx, l.key, -l.max, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to append message: %w", err)
	}
	return rec.ID, nil
}

// ListRecent implements Log.
func (l *RedisLog) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}

	entries, err := l.client.LRange(ctx, l.key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		var rec Record
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode stored message: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close implements Log.
func (l *RedisLog) Close() error {
	return l.client.Close()
}
