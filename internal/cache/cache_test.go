package cache

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/kvstore"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type profileValue struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func newTestCache(t *testing.T, storage kvstore.Storage, clk *clock) *Cache {
	t.Helper()
	c, err := New(Options{Storage: storage, Now: clk.Now})
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	return c
}

func TestProfileEntryExpiresAfterTenMinutes(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCache(t, kvstore.NewMemory(), clk)
	ctx := context.Background()

	if err := c.Set(ctx, "profile:u_1", profileValue{ID: "u_1", Name: "Ada"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	clk.Advance(9*time.Minute + 59*time.Second)
	got, ok, err := Lookup[profileValue](ctx, c, "profile:u_1")
	if err != nil || !ok || got.Name != "Ada" {
		t.Fatalf("expected fresh entry, got %+v ok=%v err=%v", got, ok, err)
	}
	clk.Advance(2 * time.Second)
	if _, ok, _ := Lookup[profileValue](ctx, c, "profile:u_1"); ok {
		t.Fatalf("expected entry to expire after 10 minutes")
	}
}

func TestExpiredEntryIsNotDeleted(t *testing.T) {
	clk := &clock{now: time.Now()}
	storage := kvstore.NewMemory()
	c := newTestCache(t, storage, clk)
	ctx := context.Background()
	_ = c.Set(ctx, "feed:all", []string{"p_1"})
	clk.Advance(time.Hour)
	if ok, _ := c.Get(ctx, "feed:all", nil); ok {
		t.Fatalf("expected expired entry")
	}
	if _, ok, _ := storage.GetItem(ctx, KeyPrefix+"feed:all"); !ok {
		t.Fatalf("expected expired entry to remain in storage")
	}
	_ = c.Set(ctx, "feed:all", []string{"p_2"})
	got, ok, _ := Lookup[[]string](ctx, c, "feed:all")
	if !ok || !reflect.DeepEqual(got, []string{"p_2"}) {
		t.Fatalf("expected overwritten entry, got %v ok=%v", got, ok)
	}
}

func TestTTLUsesLongestMatchingClass(t *testing.T) {
	c, err := New(Options{
		Storage: kvstore.NewMemory(),
		Classes: []Class{
			{Prefix: "feed:", TTL: time.Minute},
			{Prefix: "feed:author:", TTL: time.Hour},
		},
		FallbackTTL: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	if got := c.TTL("feed:author:u_1"); got != time.Hour {
		t.Fatalf("expected author class, got %s", got)
	}
	if got := c.TTL("feed:all"); got != time.Minute {
		t.Fatalf("expected feed class, got %s", got)
	}
	if got := c.TTL("jobs:1"); got != 3*time.Second {
		t.Fatalf("expected fallback ttl, got %s", got)
	}
}

func TestStoredAtSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	first, err := kvstore.OpenFile(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := newTestCache(t, first, clk).Set(ctx, "profile:u_1", profileValue{ID: "u_1"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	_ = first.Close()

	clk.Advance(11 * time.Minute)
	second, err := kvstore.OpenFile(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()
	if ok, _ := newTestCache(t, second, clk).Get(ctx, "profile:u_1", nil); ok {
		t.Fatalf("expected entry stored 11 minutes ago to be expired after restart")
	}
}

func TestCorruptEntryIsAbsent(t *testing.T) {
	storage := kvstore.NewMemory()
	ctx := context.Background()
	_ = storage.SetItem(ctx, KeyPrefix+"profile:u_1", "{broken")
	c := newTestCache(t, storage, &clock{now: time.Now()})
	ok, err := c.Get(ctx, "profile:u_1", nil)
	if err != nil || ok {
		t.Fatalf("expected corrupt entry to read as absent, ok=%v err=%v", ok, err)
	}
}

func TestClearRemovesOnlyMatchingCacheKeys(t *testing.T) {
	storage := kvstore.NewMemory()
	ctx := context.Background()
	c := newTestCache(t, storage, &clock{now: time.Now()})
	_ = c.Set(ctx, "profile:u_1", 1)
	_ = c.Set(ctx, "profile:u_2", 2)
	_ = c.Set(ctx, "feed:all", 3)
	_ = storage.SetItem(ctx, "outbox:queue", "[]")

	removed, err := c.Clear(ctx, "profile:")
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 removed, got %d err=%v", removed, err)
	}
	if ok, _ := c.Get(ctx, "feed:all", nil); !ok {
		t.Fatalf("expected feed entry to survive")
	}
	if _, err := c.Clear(ctx, ""); err != nil {
		t.Fatalf("clear all failed: %v", err)
	}
	keys, _ := storage.GetAllKeys(ctx)
	if !reflect.DeepEqual(keys, []string{"outbox:queue"}) {
		t.Fatalf("expected only foreign keys to remain, got %v", keys)
	}
}

func TestRemoveAndValidation(t *testing.T) {
	c := newTestCache(t, kvstore.NewMemory(), &clock{now: time.Now()})
	ctx := context.Background()
	_ = c.Set(ctx, "profile:u_1", 1)
	if err := c.Remove(ctx, "profile:u_1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if ok, _ := c.Get(ctx, "profile:u_1", nil); ok {
		t.Fatalf("expected removed entry to be absent")
	}
	if err := c.Set(ctx, "", 1); !errors.Is(err, kvstore.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := New(Options{}); !errors.Is(err, kvstore.ErrInvalidInput) {
		t.Fatalf("expected missing storage error, got %v", err)
	}
}
