package cache

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCacheGetMissingKey(t *testing.T) {
	c, _ := newTestCache(t)
	value, err := c.Get(context.Background(), "absent")
	if err != nil || value != "" {
		t.Fatalf("expected empty miss, got %q, %v", value, err)
	}
}

func TestRedisCacheTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	value, err := c.Get(ctx, "k")
	if err != nil || value != "" {
		t.Fatalf("expected key to expire, got %q, %v", value, err)
	}
}

func TestRedisCacheSortedSet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	for i := 1; i <= 3; i++ {
		if err := c.ZAdd(ctx, "z", ZMember{Score: float64(i), Member: "m" + strconv.Itoa(i)}); err != nil {
			t.Fatalf("zadd failed: %v", err)
		}
	}
	if err := c.ZRemRangeByRank(ctx, "z", 0, 0); err != nil {
		t.Fatalf("trim failed: %v", err)
	}
	members, err := c.ZRevRange(ctx, "z", 0, -1)
	if err != nil {
		t.Fatalf("zrevrange failed: %v", err)
	}
	if len(members) != 2 || members[0] != "m3" || members[1] != "m2" {
		t.Fatalf("unexpected members: %v", members)
	}
	card, err := c.ZCard(ctx, "z")
	if err != nil || card != 2 {
		t.Fatalf("unexpected card: %d, %v", card, err)
	}
}

func TestGetWithCachedCachesValueAndEmpty(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	calls := 0
	fetch := func(context.Context) (string, error) {
		calls++
		return "value", nil
	}
	identity := func(s string) string { return s }
	parse := func(s string) (string, error) { return s, nil }
	isEmpty := func(s string) bool { return s == "" }

	for i := 0; i < 2; i++ {
		got, err := GetWithCached(ctx, c, "stats", time.Minute, time.Second, isEmpty, identity, parse, fetch)
		if err != nil || got != "value" {
			t.Fatalf("unexpected result: %q, %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one fetch, got %d", calls)
	}

	emptyCalls := 0
	emptyFetch := func(context.Context) (string, error) {
		emptyCalls++
		return "", nil
	}
	for i := 0; i < 2; i++ {
		if _, err := GetWithCached(ctx, c, "missing", time.Minute, time.Minute, isEmpty, identity, parse, emptyFetch); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if emptyCalls != 1 {
		t.Fatalf("expected null value to be cached, got %d fetches", emptyCalls)
	}
}

func TestGetWithCachedWithoutCache(t *testing.T) {
	boom := errors.New("boom")
	_, err := GetWithCached[string](context.Background(), nil, "k", time.Minute, time.Minute,
		func(string) bool { return false },
		func(s string) string { return s },
		func(s string) (string, error) { return s, nil },
		func(context.Context) (string, error) { return "", boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
}

func TestJitterTTL(t *testing.T) {
	ttl := 10 * time.Second
	for i := 0; i < 20; i++ {
		got := JitterTTL(ttl)
		if got > ttl || got < 9*time.Second {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
	if JitterTTL(0) != 0 {
		t.Fatalf("zero ttl must stay zero")
	}
}
