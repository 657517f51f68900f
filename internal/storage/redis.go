package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ghostspeak/relay/internal/models"
)

// RedisAdapter stores offline messages in per-agent hashes with a
// sorted-set index ordered by storage time. Suited to the hybrid
// strategy: fast, shared across nodes, bounded by retention cleanup.
type RedisAdapter struct {
	client *redis.Client
}

// NewRedisAdapter connects to Redis and verifies the connection.
func NewRedisAdapter(ctx context.Context, redisURL string) (*RedisAdapter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisAdapter{client: client}, nil
}

// inboxKey returns the key for an agent's offline message hash.
func inboxKey(agent string) string {
	return fmt.Sprintf("offline:%s:messages", agent)
}

// indexKey returns the key for an agent's storage-time index.
func indexKey(agent string) string {
	return fmt.Sprintf("offline:%s:index", agent)
}

// usageKey returns the key for an agent's byte-usage counter.
func usageKey(agent string) string {
	return fmt.Sprintf("offline:%s:usage", agent)
}

// Initialize is a no-op; keys are created lazily on first store.
func (a *RedisAdapter) Initialize(_ context.Context, _ string, _ models.StorageConfig) error {
	return nil
}

// Store persists the message and maintains the index and usage counter.
func (a *RedisAdapter) Store(ctx context.Context, msg *models.OfflineMessage) error {
	agent := msg.Message.To
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	// Reclaim usage if overwriting an existing entry.
	prev, err := a.Retrieve(ctx, agent, msg.Message.ID)
	if err != nil {
		return err
	}

	pipe := a.client.Pipeline()
	pipe.HSet(ctx, inboxKey(agent), msg.Message.ID, string(data))
	pipe.ZAdd(ctx, indexKey(agent), redis.Z{
		Score:  float64(msg.StoredAt),
		Member: msg.Message.ID,
	})
	delta := msg.Message.Size()
	if prev != nil {
		delta -= prev.Message.Size()
	}
	pipe.IncrBy(ctx, usageKey(agent), delta)
	_, err = pipe.Exec(ctx)
	return err
}

// Retrieve returns the stored message, or nil when absent.
func (a *RedisAdapter) Retrieve(ctx context.Context, agent, id string) (*models.OfflineMessage, error) {
	data, err := a.client.HGet(ctx, inboxKey(agent), id).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var msg models.OfflineMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Delete removes a stored message and reclaims its quota.
func (a *RedisAdapter) Delete(ctx context.Context, agent, id string) error {
	msg, err := a.Retrieve(ctx, agent, id)
	if err != nil || msg == nil {
		return err
	}

	pipe := a.client.Pipeline()
	pipe.HDel(ctx, inboxKey(agent), id)
	pipe.ZRem(ctx, indexKey(agent), id)
	pipe.DecrBy(ctx, usageKey(agent), msg.Message.Size())
	_, err = pipe.Exec(ctx)
	return err
}

// List returns the agent's messages ordered by storage time.
func (a *RedisAdapter) List(ctx context.Context, agent string) ([]*models.OfflineMessage, error) {
	ids, err := a.client.ZRange(ctx, indexKey(agent), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := a.client.HMGet(ctx, inboxKey(agent), ids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*models.OfflineMessage, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue // index entry without a body, skip
		}
		var msg models.OfflineMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}

// Usage returns the bytes stored for an agent.
func (a *RedisAdapter) Usage(ctx context.Context, agent string) (int64, error) {
	usage, err := a.client.Get(ctx, usageKey(agent)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return usage, nil
}

// Close closes the Redis connection.
func (a *RedisAdapter) Close() error {
	return a.client.Close()
}

// Ping checks the Redis connection.
func (a *RedisAdapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}
