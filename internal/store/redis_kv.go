package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/spiral/pkg/schema"
)

// RedisConfig points the key-value store at a Redis deployment.
type RedisConfig struct {
	Addrs     []string
	Password  string
	DB        int
	Namespace string
}

// RedisKV implements KVStore on Redis. Expiry is delegated to Redis TTLs.
type RedisKV struct {
	client    redis.UniversalClient
	namespace string
	now       func() time.Time
}

var _ KVStore = (*RedisKV)(nil)

// NewRedisKV connects a universal client (single node, sentinel or cluster
// depending on the address list).
func NewRedisKV(conf RedisConfig) *RedisKV {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    conf.Addrs,
		Password: conf.Password,
		DB:       conf.DB,
	})
	return NewRedisKVWithClient(client, conf.Namespace)
}

// NewRedisKVWithClient wraps an existing client.
func NewRedisKVWithClient(client redis.UniversalClient, namespace string) *RedisKV {
	if namespace == "" {
		namespace = "spiral"
	}
	return &RedisKV{client: client, namespace: namespace, now: time.Now}
}

func (r *RedisKV) key(args ...string) string {
	return fmt.Sprintf("%s:%s", r.namespace, strings.Join(args, ":"))
}

type redisEntry struct {
	Value     json.RawMessage `json:"value"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (r *RedisKV) PutValue(ctx context.Context, entry *KVEntry) error {
	if entry.Key == "" {
		return schema.ValidationError("kv key is required")
	}
	now := r.now().UTC()
	var ttl time.Duration
	if entry.ExpiresAt != nil {
		ttl = entry.ExpiresAt.Sub(now)
		if ttl <= 0 {
			return r.DeleteValue(ctx, entry.Key)
		}
	}

	created := now
	if prev, err := r.GetValue(ctx, entry.Key); err == nil {
		created = prev.CreatedAt
	}
	value := entry.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	data, err := json.Marshal(redisEntry{
		Value:     value,
		Metadata:  entry.Metadata,
		ExpiresAt: entry.ExpiresAt,
		CreatedAt: created,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("marshal kv entry: %w", err)
	}
	if err := r.client.Set(ctx, r.key("kv", entry.Key), data, ttl).Err(); err != nil {
		return wrapStoreErr(err, "redis set")
	}
	return nil
}

func (r *RedisKV) GetValue(ctx context.Context, key string) (*KVEntry, error) {
	val, err := r.client.Get(ctx, r.key("kv", key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("key", key)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "redis get")
	}
	var stored redisEntry
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		return nil, fmt.Errorf("unmarshal kv entry %s: %w", key, err)
	}
	e := &KVEntry{
		Key:       key,
		Value:     stored.Value,
		Metadata:  stored.Metadata,
		ExpiresAt: stored.ExpiresAt,
		CreatedAt: stored.CreatedAt,
		UpdatedAt: stored.UpdatedAt,
	}
	if e.Expired(r.now()) {
		return nil, storeNotFound("key", key)
	}
	return e, nil
}

func (r *RedisKV) DeleteValue(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, r.key("kv", key)).Result()
	if err != nil {
		return wrapStoreErr(err, "redis del")
	}
	if n == 0 {
		return storeNotFound("key", key)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisKV) Close() error {
	return r.client.Close()
}
