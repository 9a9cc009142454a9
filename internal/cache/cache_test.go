package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("Open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	c := &clock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	store.now = c.Now
	return store, c
}

func TestCacheSetGetFreshAndStale(t *testing.T) {
	ctx := context.Background()
	store, clk := openStore(t)

	if err := store.Set(ctx, "k1", []byte(`{"v":1}`), time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	res, err := store.Get(ctx, "k1", 5*time.Second)
	if err != nil {
		t.Fatalf("Get fresh failed: %v", err)
	}
	if !res.Hit || res.Stale {
		t.Fatalf("expected fresh hit, got %+v", res)
	}

	clk.Advance(1200 * time.Millisecond)
	res, err = store.Get(ctx, "k1", 5*time.Second)
	if err != nil {
		t.Fatalf("Get stale failed: %v", err)
	}
	if !res.Hit || !res.Stale || res.TooStale {
		t.Fatalf("expected stale within budget, got %+v", res)
	}

	clk.Advance(10 * time.Second)
	res, _ = store.Get(ctx, "k1", 5*time.Second)
	if !res.TooStale {
		t.Fatalf("expected too stale, got %+v", res)
	}
	res, _ = store.Get(ctx, "k1", -1)
	if res.TooStale {
		t.Fatal("negative max stale must keep entries usable")
	}
}

func TestCacheMiss(t *testing.T) {
	store, _ := openStore(t)
	res, err := store.Get(context.Background(), "missing", time.Minute)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if res.Hit {
		t.Fatal("expected miss")
	}
}

func TestCacheJSONHelpers(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)
	in := map[string]string{"5F": "Foundry"}
	if err := store.SetJSON(ctx, "delegates", in, time.Hour); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}
	var out map[string]string
	res, err := store.GetJSON(ctx, "delegates", 0, &out)
	if err != nil || !res.Hit {
		t.Fatalf("GetJSON failed: hit=%v err=%v", res.Hit, err)
	}
	if out["5F"] != "Foundry" {
		t.Fatalf("unexpected value %#v", out)
	}

	_ = store.Set(ctx, "broken", []byte("{"), time.Hour)
	res, err = store.GetJSON(ctx, "broken", 0, &out)
	if err != nil || res.Hit {
		t.Fatalf("undecodable entry must be a miss, hit=%v err=%v", res.Hit, err)
	}
}

func TestCachePrune(t *testing.T) {
	ctx := context.Background()
	store, clk := openStore(t)
	_ = store.Set(ctx, "old", []byte("1"), time.Second)
	clk.Advance(time.Minute)
	_ = store.Set(ctx, "new", []byte("2"), time.Hour)

	if err := store.Prune(ctx, 0); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if res, _ := store.Get(ctx, "old", -1); res.Hit {
		t.Fatal("expected old entry to be pruned")
	}
	if res, _ := store.Get(ctx, "new", -1); !res.Hit {
		t.Fatal("expected new entry to survive")
	}
}

func TestCacheConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute); err != nil {
				t.Errorf("Set failed: %v", err)
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < 20; i++ {
		if res, _ := store.Get(ctx, fmt.Sprintf("k%d", i), 0); !res.Hit {
			t.Fatalf("missing key k%d", i)
		}
	}
}
