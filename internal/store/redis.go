package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/rendis/flowpilot/pkg/schema"
)

// DefaultHistoryKey is the Redis list holding execution summaries.
const DefaultHistoryKey = "flowpilot:history"

// RedisHistory is a HistoryStore backed by a capped Redis list.
// Summaries are appended with RPUSH, so the list runs oldest to newest.
type RedisHistory struct {
	client redis.Cmdable
	key    string
	max    int64
}

// NewRedisHistory creates a RedisHistory keeping at most max summaries (0 = unbounded).
func NewRedisHistory(client redis.Cmdable, key string, max int) *RedisHistory {
	if key == "" {
		key = DefaultHistoryKey
	}
	return &RedisHistory{client: client, key: key, max: int64(max)}
}

func (r *RedisHistory) AppendSummary(ctx context.Context, s *schema.ExecutionSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.key, data)
		if r.max > 0 {
			pipe.LTrim(ctx, r.key, -r.max, -1)
		}
		return nil
	})
	if err != nil {
		return storeError("redis append summary", err)
	}
	return nil
}

func (r *RedisHistory) RecentSummaries(ctx context.Context, limit int) ([]*schema.ExecutionSummary, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	items, err := r.client.LRange(ctx, r.key, start, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("redis recent summaries", err)
	}
	out := make([]*schema.ExecutionSummary, 0, len(items))
	for _, item := range items {
		s := &schema.ExecutionSummary{}
		if err := json.Unmarshal([]byte(item), s); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

var _ HistoryStore = (*RedisHistory)(nil)
