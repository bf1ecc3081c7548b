package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return NewWithClient(rdb, zap.NewNop()), mr
}

func TestIdempotency_ReserveThenStore(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	result, err := svc.CheckOrReserve(ctx, "user-1", "key-1")
	if err != nil || result != nil {
		t.Fatalf("first request: %v %v", result, err)
	}
	if _, err := svc.CheckOrReserve(ctx, "user-1", "key-1"); err != ErrDuplicateRequest {
		t.Fatalf("in-flight duplicate: %v", err)
	}

	// another caller may use the same key
	if r, err := svc.CheckOrReserve(ctx, "user-2", "key-1"); err != nil || r != nil {
		t.Fatalf("other scope: %v %v", r, err)
	}

	body := json.RawMessage(`{"log_id":"abc","status":"sent"}`)
	if err := svc.Store(ctx, "user-1", "key-1", &IdempotencyResult{StatusCode: 200, Body: body}, IdempotencyTTL); err != nil {
		t.Fatal(err)
	}
	cached, err := svc.CheckOrReserve(ctx, "user-1", "key-1")
	if err != nil || cached == nil {
		t.Fatalf("cached: %v %v", cached, err)
	}
	if cached.StatusCode != 200 || string(cached.Body) != string(body) || cached.CreatedAt == 0 {
		t.Fatalf("cached = %+v", cached)
	}
}

func TestIdempotency_ReservationExpires(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	svc.CheckOrReserve(ctx, "u", "k")
	mr.FastForward(processingTTL + time.Second)

	if r, err := svc.CheckOrReserve(ctx, "u", "k"); err != nil || r != nil {
		t.Fatalf("after expiry: %v %v", r, err)
	}
}

func TestIdempotency_Release(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	svc.CheckOrReserve(ctx, "u", "k")
	if err := svc.Release(ctx, "u", "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CheckOrReserve(ctx, "u", "k"); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestIdempotency_CorruptValue(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	mr.Set("idempotency:u:k", "{not json")

	if _, err := svc.Check(context.Background(), "u", "k"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewRateLimiter(client, zap.NewNop(), "otp", RateLimitConfig{Limit: 3, Window: time.Minute})
	now := time.Date(2024, 8, 17, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "6281234567890")
		if err != nil || !res.Allowed {
			t.Fatalf("request %d: %+v %v", i, res, err)
		}
		if res.Remaining != 2-i {
			t.Errorf("request %d remaining = %d", i, res.Remaining)
		}
		now = now.Add(time.Second)
	}

	res, _ := limiter.Allow(ctx, "6281234567890")
	if res.Allowed {
		t.Fatal("fourth request allowed")
	}

	other, _ := limiter.Allow(ctx, "6289999999999")
	if !other.Allowed {
		t.Fatal("keys are not independent")
	}

	now = now.Add(time.Minute)
	res, _ = limiter.Allow(ctx, "6281234567890")
	if !res.Allowed {
		t.Fatal("window did not slide")
	}
}
