package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestWindow_AllowsUpToLimit(t *testing.T) {
	w := NewWindow(2, time.Minute)
	ctx := context.Background()
	if !w.Allow(ctx, "a1") || !w.Allow(ctx, "a1") {
		t.Fatal("first two should pass")
	}
	if w.Allow(ctx, "a1") {
		t.Fatal("third should be limited")
	}
	if !w.Allow(ctx, "a2") {
		t.Fatal("other agents are independent")
	}
}

func TestWindow_Slides(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWindow(1, time.Minute)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	if !w.Allow(ctx, "a1") {
		t.Fatal("first should pass")
	}
	if w.Allow(ctx, "a1") {
		t.Fatal("second should be limited")
	}
	now = now.Add(61 * time.Second)
	if !w.Allow(ctx, "a1") {
		t.Fatal("window should have slid")
	}
}

func TestWindow_Disabled(t *testing.T) {
	w := NewWindow(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !w.Allow(context.Background(), "a1") {
			t.Fatal("limit 0 should allow everything")
		}
	}
}

func TestRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedis(client, 2, time.Minute, nil)
	ctx := context.Background()
	if !l.Allow(ctx, "a1") || !l.Allow(ctx, "a1") {
		t.Fatal("first two should pass")
	}
	if l.Allow(ctx, "a1") {
		t.Fatal("third should be limited")
	}

	mr.FastForward(61 * time.Second)
	if !l.Allow(ctx, "a1") {
		t.Fatal("window should reset after expiry")
	}
}

func TestRedis_SharedAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	c1 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c1.Close()
	defer c2.Close()

	a := NewRedis(c1, 1, time.Minute, nil)
	b := NewRedis(c2, 1, time.Minute, nil)
	if !a.Allow(context.Background(), "a1") {
		t.Fatal("first should pass")
	}
	if b.Allow(context.Background(), "a1") {
		t.Fatal("second instance should see the shared counter")
	}
}

func TestRedis_FallsBackWhenDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	l := NewRedis(client, 1, time.Minute, nil)
	if !l.Allow(context.Background(), "a1") {
		t.Fatal("fallback should allow the first request")
	}
	if l.Allow(context.Background(), "a1") {
		t.Fatal("fallback should enforce the limit")
	}
}
