package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"crypto_live/internal/domain"
	"crypto_live/pkg/quant"
)

// Fixed cache keys. The snapshot and its timestamp are always written together.
const (
	KeySnapshot   = "crypto_app:cryptocurrencies"
	KeyLastUpdate = "crypto_app:last_update"

	DefaultTTL = 5 * time.Minute
)

var cacheKeys = []string{KeySnapshot, KeyLastUpdate}

// CachedSnapshot is the persisted asset list with its save time.
type CachedSnapshot struct {
	Assets  []domain.AssetRecord
	SavedAt quant.TimeStamp
}

// Age returns how old the snapshot is at now.
func (s CachedSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.SavedAt.Time())
}

// LocalCache persists the last successful snapshot with a TTL.
// Read failures are logged and reported as a miss.
type LocalCache struct {
	kv     KV
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewLocalCache wraps kv. A non-positive ttl uses DefaultTTL.
func NewLocalCache(kv KV, ttl time.Duration, logger *slog.Logger) *LocalCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalCache{
		kv:     kv,
		ttl:    ttl,
		logger: logger.With("component", "local_cache"),
		now:    time.Now,
	}
}

// TTL returns the freshness window.
func (c *LocalCache) TTL() time.Duration { return c.ttl }

// Save writes records and the current time in one atomic multi-set.
func (c *LocalCache) Save(ctx context.Context, records []domain.AssetRecord) error {
	if records == nil {
		records = []domain.AssetRecord{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	savedAt := quant.FromTime(c.now())
	err = c.kv.MultiSet(ctx, map[string]string{
		KeySnapshot:   string(data),
		KeyLastUpdate: savedAt.String(),
	})
	if err != nil {
		c.logger.Warn("snapshot save failed", "err", err)
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	c.logger.Debug("snapshot saved", "assets", len(records), "saved_at", savedAt)
	return nil
}

// Inspect returns the stored snapshot regardless of age.
func (c *LocalCache) Inspect(ctx context.Context) (CachedSnapshot, bool) {
	vals, err := c.kv.MultiGet(ctx, cacheKeys)
	if err != nil {
		c.logger.Warn("snapshot read failed", "err", err)
		return CachedSnapshot{}, false
	}

	raw, ok := vals[KeySnapshot]
	if !ok {
		return CachedSnapshot{}, false
	}
	tsRaw, ok := vals[KeyLastUpdate]
	if !ok {
		return CachedSnapshot{}, false
	}

	savedAt, err := quant.ParseTimeStamp(tsRaw)
	if err != nil {
		c.logger.Warn("snapshot timestamp unreadable", "value", tsRaw, "err", err)
		return CachedSnapshot{}, false
	}

	var assets []domain.AssetRecord
	if err := json.Unmarshal([]byte(raw), &assets); err != nil {
		c.logger.Warn("snapshot payload unreadable", "err", err)
		return CachedSnapshot{}, false
	}

	return CachedSnapshot{Assets: assets, SavedAt: savedAt}, true
}

// Load returns the cached records when present and no older than the TTL.
// Stale entries are ignored, not deleted.
func (c *LocalCache) Load(ctx context.Context) ([]domain.AssetRecord, bool) {
	snap, ok := c.LoadSnapshot(ctx)
	return snap.Assets, ok
}

// LoadSnapshot is Load with the save time.
func (c *LocalCache) LoadSnapshot(ctx context.Context) (CachedSnapshot, bool) {
	snap, ok := c.Inspect(ctx)
	if !ok || !c.fresh(snap.SavedAt) {
		return CachedSnapshot{}, false
	}
	return snap, true
}

// IsValid reports whether an entry exists and is within the TTL.
func (c *LocalCache) IsValid(ctx context.Context) bool {
	vals, err := c.kv.MultiGet(ctx, []string{KeyLastUpdate})
	if err != nil {
		c.logger.Warn("snapshot read failed", "err", err)
		return false
	}
	tsRaw, ok := vals[KeyLastUpdate]
	if !ok {
		return false
	}
	savedAt, err := quant.ParseTimeStamp(tsRaw)
	if err != nil {
		return false
	}
	return c.fresh(savedAt)
}

// Clear removes both keys.
func (c *LocalCache) Clear(ctx context.Context) error {
	if err := c.kv.MultiRemove(ctx, cacheKeys); err != nil {
		c.logger.Warn("snapshot clear failed", "err", err)
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}
	return nil
}

func (c *LocalCache) fresh(savedAt quant.TimeStamp) bool {
	age := c.now().UnixMilli() - int64(savedAt)
	return age <= c.ttl.Milliseconds()
}
