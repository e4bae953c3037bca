// Package tilestore persists per-(amenity, tile) Overpass payloads in
// Redis with TTL + stale-while-revalidate semantics, and coordinates
// single-flight background refresh and foreground miss fetches via
// advisory Redis locks.
package tilestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bietiekay/overpass-proxy/internal/cache/keys"
	"github.com/bietiekay/overpass-proxy/internal/cache/localcache"
	"github.com/bietiekay/overpass-proxy/internal/cache/redisstore"
	"github.com/bietiekay/overpass-proxy/internal/core/model"
)

// MissOutcome reports whether a withMissLock caller performed the fetch
// itself or waited for a concurrent fetcher to finish.
type MissOutcome string

const (
	MissFetched MissOutcome = "fetched"
	MissWaited  MissOutcome = "waited"
)

// Store is the per-(amenity, tile) key/value layer backing the cache.
type Store struct {
	rc        *redisstore.Client
	cacheTTL  time.Duration
	swrWindow time.Duration
	now       func() time.Time
	presence  *presenceSignal
	local     *localcache.Cache
}

// New builds a Store. It keeps a small in-process LRU of recently-seen
// tile payloads (256 entries per shard) in front of Redis, purely to
// absorb bursts of identical reads for the same bbox; Redis remains the
// source of truth and the source of physical expiry.
func New(rc *redisstore.Client, cacheTTL, swrWindow time.Duration) *Store {
	return &Store{
		rc:        rc,
		cacheTTL:  cacheTTL,
		swrWindow: swrWindow,
		now:       time.Now,
		presence:  newPresenceSignal(),
		local:     localcache.New(256),
	}
}

// ReadTiles performs a single MGET across all tile keys not already
// present in the local cache, decodes what it finds, and stamps every
// result with staleness. Decode failures are treated as misses.
func (s *Store) ReadTiles(ctx context.Context, tiles []model.Tile, amenity model.AmenityKey) (map[string]model.CachedTile, error) {
	if len(tiles) == 0 {
		return map[string]model.CachedTile{}, nil
	}

	now := s.now()
	out := make(map[string]model.CachedTile, len(tiles))
	var missKeys []string
	byKey := make(map[string]model.Tile, len(tiles))

	for _, t := range tiles {
		k := keys.Tile(amenity, t.Hash)
		if payload, ok := s.local.Get(k); ok && !physicallyExpired(payload, s.cacheTTL+s.swrWindow, now) {
			out[t.Hash] = model.CachedTile{Tile: t, Payload: payload, Stale: payload.IsStale(now)}
			continue
		}
		missKeys = append(missKeys, k)
		byKey[k] = t
	}
	if len(missKeys) == 0 {
		return out, nil
	}

	raw, err := s.rc.MGet(ctx, missKeys)
	if err != nil {
		return nil, err
	}

	for k, v := range raw {
		var payload model.TilePayload
		if err := json.Unmarshal(v, &payload); err != nil {
			continue
		}
		t := byKey[k]
		out[t.Hash] = model.CachedTile{Tile: t, Payload: payload, Stale: payload.IsStale(now)}
		s.local.Set(k, payload)
	}
	return out, nil
}

// physicallyExpired reports whether a payload found in the local cache
// has outlived Redis's own retention window and should no longer be
// trusted without a fresh MGET.
func physicallyExpired(payload model.TilePayload, retention time.Duration, now time.Time) bool {
	return now.After(payload.FetchedAt.Add(retention))
}

// ReadTile is the single-tile variant of ReadTiles.
func (s *Store) ReadTile(ctx context.Context, tile model.Tile, amenity model.AmenityKey) (*model.CachedTile, error) {
	found, err := s.ReadTiles(ctx, []model.Tile{tile}, amenity)
	if err != nil {
		return nil, err
	}
	if ct, ok := found[tile.Hash]; ok {
		return &ct, nil
	}
	return nil, nil
}

// WriteTiles pipelines a SET per entry with PX = (cacheTTL+swrWindow) and
// wakes any local miss-lock waiters for the written tiles.
func (s *Store) WriteTiles(ctx context.Context, amenity model.AmenityKey, entries map[string]model.OverpassResponse) error {
	if len(entries) == 0 {
		return nil
	}

	now := s.now()
	kv := make(map[string][]byte, len(entries))
	payloads := make(map[string]model.TilePayload, len(entries))
	for hash, resp := range entries {
		payload := model.TilePayload{
			Response:  resp,
			FetchedAt: now,
			ExpiresAt: now.Add(s.cacheTTL),
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal tile payload for %q: %w", hash, err)
		}
		key := keys.Tile(amenity, hash)
		kv[key] = b
		payloads[key] = payload
	}

	if err := s.rc.MSetWithTTL(ctx, kv, s.cacheTTL+s.swrWindow); err != nil {
		return err
	}
	for hash := range entries {
		key := keys.Tile(amenity, hash)
		s.local.Set(key, payloads[key])
		s.presence.Signal(key)
	}
	return nil
}

// WithRefreshLock runs handler under the tile's background-refresh lock.
// If the lock is already held, it returns immediately with no side
// effect: another refresher owns this tile's refresh.
func (s *Store) WithRefreshLock(ctx context.Context, tile model.Tile, amenity model.AmenityKey, handler func(ctx context.Context) error) error {
	lockKey := keys.RefreshLock(amenity, tile.Hash)
	acquired, err := s.rc.SetNX(ctx, lockKey, []byte("1"), s.swrWindow)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() { _ = s.rc.Del(context.WithoutCancel(ctx), lockKey) }()
	return handler(ctx)
}

// WithMissLock runs handler under the tile's foreground miss lock. If
// another caller already holds it, WithMissLock waits (bounded by ttl)
// for the tile to materialize, using a local presence signal backed by a
// bounded exponential-backoff poll.
func (s *Store) WithMissLock(ctx context.Context, tile model.Tile, amenity model.AmenityKey, handler func(ctx context.Context) error, ttl time.Duration) (MissOutcome, error) {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	lockKey := keys.MissLock(amenity, tile.Hash)

	acquired, err := s.rc.SetNX(ctx, lockKey, []byte("1"), ttl)
	if err != nil {
		return "", err
	}
	if acquired {
		defer func() { _ = s.rc.Del(context.WithoutCancel(ctx), lockKey) }()
		if err := handler(ctx); err != nil {
			return "", err
		}
		return MissFetched, nil
	}

	s.waitForTile(ctx, keys.Tile(amenity, tile.Hash), ttl)
	return MissWaited, nil
}

func (s *Store) waitForTile(ctx context.Context, tileKey string, ttl time.Duration) {
	deadline := time.Now().Add(ttl)
	sub := s.presence.Subscribe(tileKey)
	defer sub.Close()

	backoff := 50 * time.Millisecond
	for {
		if exists, _ := s.exists(ctx, tileKey); exists {
			return
		}
		if time.Now().After(deadline) {
			return
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-sub.C():
			timer.Stop()
			return
		case <-timer.C:
		}

		backoff *= 2
		if backoff > 400*time.Millisecond {
			backoff = 400 * time.Millisecond
		}
	}
}

// Readiness reports whether the backing Redis connection is reachable,
// satisfying internal/core/health.ReadinessReporter.
func (s *Store) Readiness(ctx context.Context) (bool, string) {
	if err := s.rc.Ping(ctx); err != nil {
		return false, err.Error()
	}
	return true, ""
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	found, err := s.rc.MGet(ctx, []string{key})
	if err != nil {
		return false, err
	}
	_, ok := found[key]
	return ok, nil
}
