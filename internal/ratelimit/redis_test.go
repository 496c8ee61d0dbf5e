package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, _ := testRedisStore(t)
	ctx := context.Background()

	if _, found, err := store.Get(ctx, "rl:login:1.2.3.4"); err != nil || found {
		t.Fatalf("expected miss, got found=%v err=%v", found, err)
	}

	st := State{Count: 3, WindowStart: time.Unix(1_700_000_000, 0).UTC()}
	if err := store.Put(ctx, "rl:login:1.2.3.4", st, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, found, err := store.Get(ctx, "rl:login:1.2.3.4")
	if err != nil || !found {
		t.Fatalf("expected hit, got found=%v err=%v", found, err)
	}
	if got.Count != 3 || !got.WindowStart.Equal(st.WindowStart) {
		t.Fatalf("unexpected state %+v", got)
	}

	if err := store.Delete(ctx, "rl:login:1.2.3.4"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, found, _ := store.Get(ctx, "rl:login:1.2.3.4"); found {
		t.Fatal("expected miss after delete")
	}
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	store, mr := testRedisStore(t)
	ctx := context.Background()

	st := State{Count: 1, WindowStart: time.Now().UTC()}
	if err := store.Put(ctx, "rl:bootstrap:ip", st, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, found, err := store.Get(ctx, "rl:bootstrap:ip"); err != nil || found {
		t.Fatalf("expected expired miss, got found=%v err=%v", found, err)
	}
}

func TestLimiterOverRedisStore(t *testing.T) {
	store, _ := testRedisStore(t)
	l := New(store, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, "9.9.9.9", EndpointBootstrap)
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d should be allowed", i)
		}
		if err := l.RecordAttempt(ctx, "9.9.9.9", EndpointBootstrap, false); err != nil {
			t.Fatalf("RecordAttempt failed: %v", err)
		}
	}

	d, err := l.Check(ctx, "9.9.9.9", EndpointBootstrap)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("fourth bootstrap attempt should be denied")
	}
	if d.RetryAfter != 30*time.Minute {
		t.Fatalf("expected 30m lockout, got %v", d.RetryAfter)
	}
}
