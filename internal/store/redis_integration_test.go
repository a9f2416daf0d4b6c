package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisQueueStoreKeepsNewestSnapshot(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer client.Close()

	rs := NewRedisQueueStore(client, "test", "run-1", time.Hour)
	if _, ok, err := rs.LoadQueue(ctx); ok || err != nil {
		t.Fatalf("expected empty store, ok=%v err=%v", ok, err)
	}

	q := queue.New(queue.WithPersister(rs))
	for _, topic := range []string{"a", "b", "c"} {
		if _, err := q.Add(topic, ""); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := rs.SaveQueue(ctx, queue.State{Version: 1}); err != nil {
		t.Fatalf("stale save: %v", err)
	}

	st, ok, err := rs.LoadQueue(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadQueue: ok=%v err=%v", ok, err)
	}
	if st.Version != 3 || len(st.Blocks) != 3 {
		t.Fatalf("expected newest snapshot, got version %d with %d blocks", st.Version, len(st.Blocks))
	}
	if ttl := client.PTTL(ctx, rs.Key()).Val(); ttl <= 0 {
		t.Fatalf("expected ttl on snapshot key, got %v", ttl)
	}
}
