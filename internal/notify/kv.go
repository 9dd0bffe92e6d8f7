package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"wisefido-incident/internal/models"
)

// ErrMiss 缓存未命中
var ErrMiss = errors.New("cache miss")

// KV 抽象的 KV 存储（单元测试中替换 Redis）
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	// SetVersioned stores value unless key already holds a higher version.
	// It reports whether the value was written.
	SetVersioned(ctx context.Context, key, value string, version int64, ttl time.Duration) (bool, error)
}

type RedisKV struct {
	c *redis.Client
}

func NewRedisKV(c *redis.Client) *RedisKV { return &RedisKV{c: c} }

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.c.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrMiss
		}
		return "", err
	}
	return val, nil
}

// KEYS: value key, version key. ARGV: value, version, ttl ms (0 = none).
var setVersionedScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[2]) or '0')
if cur > tonumber(ARGV[2]) then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`)

func (r *RedisKV) SetVersioned(ctx context.Context, key, value string, version int64, ttl time.Duration) (bool, error) {
	n, err := setVersionedScript.Run(ctx, r.c, []string{key, key + ":version"},
		value, version, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MemoryKV 本地运行（REDIS_ENABLED=false）时使用
type MemoryKV struct {
	mu   sync.Mutex
	data map[string]memoryItem
	now  func() time.Time
}

type memoryItem struct {
	value   string
	version int64
	expires time.Time // zero = no ttl
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: map[string]memoryItem{}, now: time.Now}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.data[key]
	if !ok {
		return "", ErrMiss
	}
	if !item.expires.IsZero() && m.now().After(item.expires) {
		delete(m.data, key)
		return "", ErrMiss
	}
	return item.value, nil
}

func (m *MemoryKV) SetVersioned(_ context.Context, key, value string, version int64, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.data[key]; ok && cur.version > version && (cur.expires.IsZero() || !now.After(cur.expires)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	m.data[key] = memoryItem{value: value, version: version, expires: exp}
	return true, nil
}

// SnapshotCache keeps the latest incident snapshot per id.
type SnapshotCache struct {
	kv     KV
	prefix string
	ttl    time.Duration
}

func NewSnapshotCache(kv KV, prefix string, ttl time.Duration) *SnapshotCache {
	if prefix == "" {
		prefix = "incident:snapshot:"
	}
	return &SnapshotCache{kv: kv, prefix: prefix, ttl: ttl}
}

func (c *SnapshotCache) Get(ctx context.Context, incidentID string) (*models.Incident, error) {
	raw, err := c.kv.Get(ctx, c.prefix+incidentID)
	if err != nil {
		return nil, err
	}
	var inc models.Incident
	if err := json.Unmarshal([]byte(raw), &inc); err != nil {
		return nil, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return &inc, nil
}

// Put never replaces a snapshot with an older version; concurrent Deliver
// calls and other instances may finish out of order.
func (c *SnapshotCache) Put(ctx context.Context, inc *models.Incident) error {
	b, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = c.kv.SetVersioned(ctx, c.prefix+inc.ID, string(b), inc.Version, c.ttl)
	return err
}
