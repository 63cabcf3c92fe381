package presence

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
)

// Tracker records which accounts currently hold a live signaling
// connection. The request broker consults it before dispatching a
// consultation request to a provider.
type Tracker interface {
	MarkOnline(ctx context.Context, accountID snowflake.ID) error
	MarkOffline(ctx context.Context, accountID snowflake.ID) error
	IsOnline(ctx context.Context, accountID snowflake.ID) (bool, error)
}

const onlineTTL = 90 * time.Second

// RedisTracker keeps presence in redis with a TTL so a crashed node's
// connections age out on their own.
type RedisTracker struct {
	client *redis.Client
}

func NewRedisTracker(client *redis.Client) *RedisTracker {
	return &RedisTracker{client: client}
}

func presenceKey(accountID snowflake.ID) string {
	return "presence:account:" + accountID.String()
}

func (t *RedisTracker) MarkOnline(ctx context.Context, accountID snowflake.ID) error {
	return t.client.Set(ctx, presenceKey(accountID), "1", onlineTTL).Err()
}

func (t *RedisTracker) MarkOffline(ctx context.Context, accountID snowflake.ID) error {
	return t.client.Del(ctx, presenceKey(accountID)).Err()
}

func (t *RedisTracker) IsOnline(ctx context.Context, accountID snowflake.ID) (bool, error) {
	n, err := t.client.Exists(ctx, presenceKey(accountID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MemoryTracker is the in-process fallback used in tests and sqlite
// standalone mode.
type MemoryTracker struct {
	mu     sync.RWMutex
	online map[snowflake.ID]struct{}
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{online: make(map[snowflake.ID]struct{})}
}

func (t *MemoryTracker) MarkOnline(_ context.Context, accountID snowflake.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online[accountID] = struct{}{}
	return nil
}

func (t *MemoryTracker) MarkOffline(_ context.Context, accountID snowflake.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.online, accountID)
	return nil
}

func (t *MemoryTracker) IsOnline(_ context.Context, accountID snowflake.ID) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[accountID]
	return ok, nil
}

var (
	_ Tracker = (*RedisTracker)(nil)
	_ Tracker = (*MemoryTracker)(nil)
)
