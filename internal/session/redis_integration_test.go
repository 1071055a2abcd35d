//go:build integration

package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
)

func redisAddr() string {
	if addr := os.Getenv("JOYJOIN_SESSION_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func TestRedisStore_RoundTripLive(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr()})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", redisAddr(), err)
	}

	prefix := "joyjoin-test:" + uuid.New().String() + ":"
	r := NewRedisStore(client, prefix, 2*time.Second)

	sess := &Session{
		ID:     "s1",
		UserID: "u1",
		State:  attr.Map{"interests": {Value: attr.List("爬山", "摄影"), Source: attr.SourceInferred, Confidence: 0.7}},
	}
	if err := r.Set(ctx, sess); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := r.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.State["interests"].Value.Equal(attr.List("爬山", "摄影")) {
		t.Errorf("interests = %v", got.State["interests"].Value)
	}

	ttl, err := client.TTL(ctx, prefix+"s1").Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > 2*time.Second {
		t.Errorf("ttl = %v, want (0, 2s]", ttl)
	}

	if err := r.Evict(ctx, "s1"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, err := r.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after Evict err = %v, want ErrNotFound", err)
	}
}
