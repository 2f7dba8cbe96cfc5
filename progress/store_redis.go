package progress

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient captures the commands the snapshot store needs. Get returns an
// empty string for missing keys.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
}

type goRedisClient struct {
	client redis.UniversalClient
}

// NewGoRedisClient adapts a go-redis client to RedisClient.
func NewGoRedisClient(client redis.UniversalClient) RedisClient {
	return &goRedisClient{client: client}
}

func (c *goRedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (c *goRedisClient) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// RedisSnapshotStore caches snapshots as JSON values. The stable check is a
// read-compare-write guarded by a process-local mutex.
type RedisSnapshotStore struct {
	client    RedisClient
	ttl       time.Duration
	keyPrefix string
	mu        sync.Mutex
}

// NewRedisSnapshotStore builds a store. A zero ttl keeps keys forever.
func NewRedisSnapshotStore(client RedisClient, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client, ttl: ttl, keyPrefix: "relato_progress:"}
}

func (s *RedisSnapshotStore) Load(ctx context.Context, reportID string) (*Snapshot, error) {
	key := s.redisKey(reportID)
	if key == "" {
		return nil, nil
	}
	return s.load(ctx, key, reportID)
}

func (s *RedisSnapshotStore) Save(ctx context.Context, snap Snapshot) (bool, error) {
	key := s.redisKey(snap.ReportID)
	if key == "" {
		return false, errSnapshotID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load(ctx, key, snap.ReportID)
	if err != nil {
		return false, err
	}
	if current != nil && current.IsStable {
		return false, nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return false, storeError("encode", err, snap.ReportID)
	}
	if err := s.client.Set(ctx, key, string(payload), s.ttl); err != nil {
		return false, storeError("save", err, snap.ReportID)
	}
	return true, nil
}

func (s *RedisSnapshotStore) load(ctx context.Context, key, reportID string) (*Snapshot, error) {
	value, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, storeError("load", err, reportID)
	}
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(value), &snap); err != nil {
		return nil, storeError("decode", err, reportID)
	}
	return &snap, nil
}

func (s *RedisSnapshotStore) redisKey(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return s.keyPrefix + id
}
