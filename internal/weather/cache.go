package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kazylambist/meteo/internal/model"
)

// Archive is the historical precipitation source.
type Archive interface {
	DailyPrecipitation(ctx context.Context, lat, lon float64, from, to time.Time) (map[string]float64, error)
}

// CachedArchive keeps archive responses in Redis. Past days never change,
// so a hit is served without touching the upstream API.
type CachedArchive struct {
	next Archive
	rdb  *redis.Client
	ttl  time.Duration
}

// NewCachedArchive wraps next with a Redis cache.
func NewCachedArchive(next Archive, rdb *redis.Client, ttl time.Duration) *CachedArchive {
	return &CachedArchive{next: next, rdb: rdb, ttl: ttl}
}

func (a *CachedArchive) DailyPrecipitation(ctx context.Context, lat, lon float64, from, to time.Time) (map[string]float64, error) {
	key := archiveKey(lat, lon, from, to)

	data, err := a.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var out map[string]float64
		if json.Unmarshal(data, &out) == nil {
			return out, nil
		}
	case err != redis.Nil:
		slog.Warn("redis read failed", "key", key, "err", err)
	}

	out, err := a.next.DailyPrecipitation(ctx, lat, lon, from, to)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(out); err == nil {
		a.rdb.Set(ctx, key, data, a.ttl)
	}
	return out, nil
}

func archiveKey(lat, lon float64, from, to time.Time) string {
	return fmt.Sprintf("archive:%.4f:%.4f:%s:%s", lat, lon, from.Format(model.DateLayout), to.Format(model.DateLayout))
}
