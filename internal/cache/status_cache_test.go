package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*StatusCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, 300*time.Second), mr
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	if err := c.Set(ctx, "c1", "queued"); err != nil {
		t.Fatalf("set: %v", err)
	}
	view, hit, err := c.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !hit {
		t.Fatal("expected cache hit")
	}
	if view.CorrelationID != "c1" || view.Status != "queued" {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestMissOnAbsentKey(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	_, hit, err := c.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if hit {
		t.Fatal("expected miss for absent key")
	}
}

func TestEntryExpires(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	if err := c.Set(ctx, "c1", "success"); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.FastForward(301 * time.Second)

	_, hit, err := c.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if hit {
		t.Fatal("entry should have expired")
	}
}

func TestGetReportedAsMissOnError(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)
	mr.Close()

	_, hit, err := c.Get(ctx, "c1")
	if hit {
		t.Fatal("cache error must never report a hit")
	}
	if err == nil {
		t.Fatal("expected error after redis shutdown")
	}
}
