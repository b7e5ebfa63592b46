package cache

import (
	"context"
	"testing"
	"time"
)

func TestTimedCacheExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New[string, int](ctx, 50*time.Millisecond, time.Hour)
	c.Set("a", 1)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected live entry, got %v %v", v, ok)
	}

	time.Sleep(80 * time.Millisecond)

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected entry to have expired")
	}
	if c.Size() != 0 {
		t.Fatalf("expected lazy delete on Get, size=%d", c.Size())
	}
}

func TestTimedCacheSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New[string, int](ctx, 20*time.Millisecond, 10*time.Millisecond)
	c.Set("a", 1)
	c.Set("b", 2)

	time.Sleep(100 * time.Millisecond)

	if c.Size() != 0 {
		t.Fatalf("expected background sweep to clear expired entries, size=%d", c.Size())
	}
}

func TestTimedCacheDeleteAndIterate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New[string, int](ctx, time.Hour, time.Hour)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Delete("a")

	seen := map[string]int{}
	c.Iterate(func(k string, v int) { seen[k] = v })

	if len(seen) != 1 || seen["b"] != 2 {
		t.Fatalf("unexpected iterate result: %v", seen)
	}
}
