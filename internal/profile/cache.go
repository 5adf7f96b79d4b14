// Package profile implements the multi-tier user profile cache. Reads probe
// the tiers in fixed priority order; a hit below the primary tier triggers an
// asynchronous write-through migration up to the primary tier, so the fleet
// self-heals toward the most durable store without explicit migration
// tooling. Writes fan out to every tier concurrently; individual tier
// failures are logged and swallowed.
package profile

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"subguard/internal/kv"
	"subguard/internal/types"
)

// profileKeyPrefix namespaces profile entries inside the shared tiers.
const profileKeyPrefix = "profile:"

// maxUserIDLen bounds identifier length; anything longer is treated as
// malformed and short-circuits without touching a tier.
const maxUserIDLen = 128

// Cache reads and writes profiles across an ordered list of tiers.
// tiers[0] is the primary durable store.
type Cache struct {
	tiers  []kv.Tier
	logger *slog.Logger
	nowFn  func() time.Time

	migrations sync.WaitGroup

	// migratingMu guards migrating, the set of uids with an in-flight
	// write-through migration. Repeated reads of the same uid must not
	// stack duplicate migration writes.
	migratingMu sync.Mutex
	migrating   map[string]struct{}
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock overrides the timestamp source. Intended for tests.
func WithClock(nowFn func() time.Time) Option {
	return func(c *Cache) { c.nowFn = nowFn }
}

// NewCache creates a Cache over the given tiers, highest priority first.
func NewCache(tiers []kv.Tier, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		tiers:     tiers,
		logger:    logger,
		nowFn:     time.Now,
		migrating: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// validUserID reports whether uid has a plausible identifier shape. Empty or
// oversized identifiers and identifiers containing whitespace or control
// characters are rejected.
func validUserID(uid string) bool {
	if uid == "" || len(uid) > maxUserIDLen {
		return false
	}
	for _, r := range uid {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	return true
}

func profileKey(uid string) string { return profileKeyPrefix + uid }

// GetProfile probes the tiers in priority order and returns the first record
// whose identity matches uid. A hit below the primary tier schedules an
// asynchronous copy to the primary tier; the read returns without waiting
// for that migration. Tier failures are logged and skipped.
func (c *Cache) GetProfile(ctx context.Context, uid string) (*types.UserProfile, bool) {
	if !validUserID(uid) {
		c.logger.Warn("profile read with malformed user id", "uid_len", len(uid))
		return nil, false
	}

	key := profileKey(uid)
	for i, tier := range c.tiers {
		raw, ok, err := tier.Get(ctx, key)
		if err != nil {
			c.logger.Warn("profile tier read failed, skipping tier",
				"tier", tier.Name(),
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}

		var p types.UserProfile
		if err := json.Unmarshal(raw, &p); err != nil {
			c.logger.Warn("profile entry corrupt, skipping tier",
				"tier", tier.Name(),
				"error", err,
			)
			continue
		}
		if p.ID != uid {
			continue
		}

		if i > 0 {
			c.scheduleMigration(uid, raw, tier.Name())
		}
		return &p, true
	}
	return nil, false
}

// scheduleMigration copies raw up to the primary tier in the background.
// Migration only ever moves data toward higher priority, never the reverse.
// At most one migration per uid is in flight: while it runs, further reads
// of the same uid are a no-op here.
func (c *Cache) scheduleMigration(uid string, raw []byte, fromTier string) {
	c.migratingMu.Lock()
	if _, inFlight := c.migrating[uid]; inFlight {
		c.migratingMu.Unlock()
		return
	}
	c.migrating[uid] = struct{}{}
	c.migratingMu.Unlock()

	primary := c.tiers[0]
	c.migrations.Add(1)
	go func() {
		defer c.migrations.Done()
		defer func() {
			c.migratingMu.Lock()
			delete(c.migrating, uid)
			c.migratingMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := primary.Set(ctx, profileKey(uid), raw); err != nil {
			c.logger.Warn("profile migration to primary tier failed",
				"from", fromTier,
				"to", primary.Name(),
				"error", err,
			)
			return
		}
		c.logger.Info("profile migrated to primary tier",
			"from", fromTier,
			"to", primary.Name(),
		)
	}()
}

// SetProfile stamps the sync metadata and writes the profile to every tier
// concurrently, joining on all writes before returning. Individual tier
// failures are logged and swallowed; the call fails only when every tier
// rejected the write. A malformed uid is a logged no-op.
func (c *Cache) SetProfile(ctx context.Context, uid string, p *types.UserProfile) error {
	if !validUserID(uid) {
		c.logger.Warn("profile write with malformed user id dropped", "uid_len", len(uid))
		return nil
	}

	now := c.nowFn().UTC()
	p.ID = uid
	p.UpdatedAt = now
	p.LastSynced = now

	raw, err := json.Marshal(p)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStorage, "serializing profile", err)
	}

	key := profileKey(uid)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, tier := range c.tiers {
		wg.Add(1)
		go func(t kv.Tier) {
			defer wg.Done()
			if err := t.Set(ctx, key, raw); err != nil {
				c.logger.Warn("profile tier write failed",
					"tier", t.Name(),
					"error", err,
				)
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}(tier)
	}
	wg.Wait()

	if succeeded == 0 {
		return types.NewAppError(types.ErrCodeInternalStorage, "profile write failed on every tier", nil)
	}
	return nil
}

// ClearProfile deletes the profile from every tier, best effort. Failures
// are logged and never fatal. A malformed uid is a no-op.
func (c *Cache) ClearProfile(ctx context.Context, uid string) {
	if !validUserID(uid) {
		return
	}

	key := profileKey(uid)
	var wg sync.WaitGroup
	for _, tier := range c.tiers {
		wg.Add(1)
		go func(t kv.Tier) {
			defer wg.Done()
			if err := t.Delete(ctx, key); err != nil {
				c.logger.Warn("profile tier delete failed",
					"tier", t.Name(),
					"error", err,
				)
			}
		}(tier)
	}
	wg.Wait()
}

// WaitMigrations blocks until in-flight write-through migrations finish.
// Used by Close and by tests that assert on migration effects.
func (c *Cache) WaitMigrations() {
	c.migrations.Wait()
}
