package credits

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Jalez/ui-designer-sub003/internal/pkg/cache"
)

// redisSnapshotCache keeps account snapshots in the shared Redis cache for a
// short TTL. Mutation paths invalidate, so staleness is bounded by the TTL
// only when the invalidation itself fails.
type redisSnapshotCache struct {
	ttl time.Duration
}

// NewRedisSnapshotCache builds a SnapshotCache over the shared Redis client.
func NewRedisSnapshotCache(ttl time.Duration) SnapshotCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &redisSnapshotCache{ttl: ttl}
}

func snapshotKey(userID uint) string {
	return fmt.Sprintf("credits:snapshot:%d", userID)
}

func (c *redisSnapshotCache) Get(userID uint) (*Snapshot, bool) {
	raw, err := cache.Get(snapshotKey(userID))
	if err != nil || raw == "" {
		return nil, false
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, false
	}
	return &snap, true
}

func (c *redisSnapshotCache) Set(userID uint, s *Snapshot) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	_ = cache.Set(snapshotKey(userID), string(b), c.ttl)
}

func (c *redisSnapshotCache) Invalidate(userID uint) {
	_ = cache.Delete(snapshotKey(userID))
}
