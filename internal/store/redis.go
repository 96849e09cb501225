package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradeledger/position-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for position and platform lists. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	Store // passthrough for everything not cached

	primary Store
	rdb     *redis.Client
	ttl     time.Duration

	platformTTL time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store:   primary,
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,

		platformTTL: ttl,
	}
}

// WithPlatformTTL sets the lifetime of the cached platform list.
func (s *CachedStore) WithPlatformTTL(ttl time.Duration) *CachedStore {
	s.platformTTL = ttl
	return s
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) ReplacePositions(ctx context.Context, keys []model.PositionKey, positions []model.Position) error {
	if err := s.primary.ReplacePositions(ctx, keys, positions); err != nil {
		return err
	}
	s.invalidatePositions(ctx)
	return nil
}

func (s *CachedStore) InsertPlatform(ctx context.Context, p *model.Platform) error {
	if err := s.primary.InsertPlatform(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, platformsKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListPositions(ctx context.Context, status model.PositionStatus) ([]model.Position, error) {
	key := positionsKey(status)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.ListPositions(ctx, status)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return positions, nil
}

func (s *CachedStore) ListPlatforms(ctx context.Context) ([]model.Platform, error) {
	if data, err := s.rdb.Get(ctx, platformsKey).Bytes(); err == nil {
		var platforms []model.Platform
		if json.Unmarshal(data, &platforms) == nil {
			return platforms, nil
		}
	}

	platforms, err := s.primary.ListPlatforms(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(platforms); err == nil {
		s.rdb.Set(ctx, platformsKey, data, s.platformTTL)
	}
	return platforms, nil
}

// --- Cache helpers ---

func (s *CachedStore) invalidatePositions(ctx context.Context) {
	s.rdb.Del(ctx,
		positionsKey(""),
		positionsKey(model.PositionOpen),
		positionsKey(model.PositionClosed),
	)
}

const platformsKey = "platforms"

func positionsKey(status model.PositionStatus) string {
	if status == "" {
		return "positions:all"
	}
	return fmt.Sprintf("positions:%s", status)
}
