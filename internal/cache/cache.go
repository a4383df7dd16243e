// Package cache is a TTL cache layered on kvstore.Storage. Freshness is
// judged from the wall-clock time stored with each entry, so it survives
// restarts.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaysync/internal/kvstore"
	"github.com/agentworkforce/relaysync/internal/metrics"
)

// KeyPrefix namespaces cache entries inside a storage backend shared with
// other owners.
const KeyPrefix = "cache:"

const (
	DefaultProfileTTL  = 10 * time.Minute
	DefaultFeedTTL     = 2 * time.Minute
	DefaultFallbackTTL = 5 * time.Minute
)

type Entry struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"storedAt"`
}

// Class assigns a TTL to every key starting with Prefix.
type Class struct {
	Prefix string
	TTL    time.Duration
}

func DefaultClasses() []Class {
	return []Class{
		{Prefix: "profile:", TTL: DefaultProfileTTL},
		{Prefix: "feed:", TTL: DefaultFeedTTL},
	}
}

type Options struct {
	Storage     kvstore.Storage
	Classes     []Class
	FallbackTTL time.Duration
	Now         func() time.Time
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

type Cache struct {
	storage     kvstore.Storage
	classes     []Class
	fallbackTTL time.Duration
	now         func() time.Time
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

func New(opts Options) (*Cache, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("%w: cache storage is required", kvstore.ErrInvalidInput)
	}
	classes := opts.Classes
	if classes == nil {
		classes = DefaultClasses()
	}
	sorted := append([]Class(nil), classes...)
	// Longest prefix first so the most specific class wins.
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	fallback := opts.FallbackTTL
	if fallback <= 0 {
		fallback = DefaultFallbackTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		storage:     opts.Storage,
		classes:     sorted,
		fallbackTTL: fallback,
		now:         now,
		logger:      logger,
		metrics:     opts.Metrics,
	}, nil
}

// TTL returns the freshness window that applies to key.
func (c *Cache) TTL(key string) time.Duration {
	for _, class := range c.classes {
		if strings.HasPrefix(key, class.Prefix) {
			return class.TTL
		}
	}
	return c.fallbackTTL
}

// Get decodes a fresh entry into dst. Expired or corrupt entries report
// false and are left in storage.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := c.storage.GetItem(ctx, KeyPrefix+key)
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if !ok {
		c.metrics.ObserveCacheLookup("miss")
		return false, nil
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Warn("ignoring corrupt cache entry", zap.String("key", key), zap.Error(err))
		c.metrics.ObserveCacheLookup("corrupt")
		return false, nil
	}
	if c.now().Sub(entry.StoredAt) >= c.TTL(key) {
		c.metrics.ObserveCacheLookup("expired")
		return false, nil
	}
	if dst != nil {
		if err := json.Unmarshal(entry.Value, dst); err != nil {
			c.logger.Warn("ignoring undecodable cache value", zap.String("key", key), zap.Error(err))
			c.metrics.ObserveCacheLookup("corrupt")
			return false, nil
		}
	}
	c.metrics.ObserveCacheLookup("hit")
	return true, nil
}

// Lookup is the typed form of Get.
func Lookup[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var value T
	ok, err := c.Get(ctx, key, &value)
	if err != nil || !ok {
		var zero T
		return zero, false, err
	}
	return value, true, nil
}

// Set replaces the entry for key in one storage write.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: cache key is required", kvstore.ErrInvalidInput)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	blob, err := json.Marshal(Entry{Value: encoded, StoredAt: c.now().UTC()})
	if err != nil {
		return err
	}
	if err := c.storage.SetItem(ctx, KeyPrefix+key, string(blob)); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Remove(ctx context.Context, key string) error {
	if err := c.storage.RemoveItem(ctx, KeyPrefix+key); err != nil {
		return fmt.Errorf("cache remove %s: %w", key, err)
	}
	return nil
}

// Clear removes every cache entry whose key starts with prefix. An empty
// prefix clears the whole cache but never touches keys owned by others.
func (c *Cache) Clear(ctx context.Context, prefix string) (int, error) {
	keys, err := c.storage.GetAllKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache clear %s: %w", prefix, err)
	}
	removed := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, KeyPrefix+prefix) {
			continue
		}
		if err := c.storage.RemoveItem(ctx, key); err != nil {
			return removed, fmt.Errorf("cache clear %s: %w", prefix, err)
		}
		removed++
	}
	if removed > 0 {
		c.logger.Debug("cache cleared", zap.String("prefix", prefix), zap.Int("removed", removed))
	}
	return removed, nil
}
