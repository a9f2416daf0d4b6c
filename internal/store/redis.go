package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/queue"
	"github.com/redis/go-redis/v9"
)

// saveIfNewer writes the snapshot only when its version is newer than the stored one.
var saveIfNewer = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if tonumber(ARGV[1]) <= cur then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'state', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// RedisQueueStore keeps the latest queue snapshot of a run in a Redis hash.
type RedisQueueStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisQueueStore stores snapshots under "<prefix>:<runID>:queue". A zero ttl
// keeps them forever.
func NewRedisQueueStore(client *redis.Client, prefix, runID string, ttl time.Duration) *RedisQueueStore {
	if prefix == "" {
		prefix = "researcher"
	}
	return &RedisQueueStore{
		client: client,
		key:    fmt.Sprintf("%s:%s:queue", prefix, runID),
		ttl:    ttl,
	}
}

// Key returns the Redis key in use.
func (r *RedisQueueStore) Key() string { return r.key }

// SaveQueue implements queue.Persister.
func (r *RedisQueueStore) SaveQueue(ctx context.Context, state queue.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}
	if err := saveIfNewer.Run(ctx, r.client, []string{r.key}, state.Version, data, r.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("save queue snapshot: %w", err)
	}
	return nil
}

// LoadQueue implements queue.Loader.
func (r *RedisQueueStore) LoadQueue(ctx context.Context) (queue.State, bool, error) {
	data, err := r.client.HGet(ctx, r.key, "state").Bytes()
	if err != nil {
		if err == redis.Nil {
			return queue.State{}, false, nil
		}
		return queue.State{}, false, fmt.Errorf("load queue snapshot: %w", err)
	}
	var st queue.State
	if err := json.Unmarshal(data, &st); err != nil {
		return queue.State{}, false, fmt.Errorf("decode queue snapshot: %w", err)
	}
	return st, true, nil
}

var (
	_ queue.Persister = (*RedisQueueStore)(nil)
	_ queue.Loader    = (*RedisQueueStore)(nil)
)
