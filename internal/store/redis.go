package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kazylambist/meteo/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for rows that are immutable once written: published daily outcomes
// and forecast snapshots. Everything else passes straight through to the
// primary, so wallet and wager state is never served stale.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) PublishPending(ctx context.Context, day, at time.Time) (*model.DailyOutcome, error) {
	o, err := s.Store.PublishPending(ctx, day, at)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, outcomeKey(day), o)
	return o, nil
}

func (s *CachedStore) SaveForecastSnapshot(ctx context.Context, snap *model.ForecastSnapshot) (*model.ForecastSnapshot, error) {
	saved, err := s.Store.SaveForecastSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, snapshotKey(saved.City, saved.RefDay), saved)
	return saved, nil
}

// --- Read-through ---

func (s *CachedStore) GetDailyOutcome(ctx context.Context, day time.Time) (*model.DailyOutcome, error) {
	var o model.DailyOutcome
	if s.lookup(ctx, outcomeKey(day), &o) {
		return &o, nil
	}
	got, err := s.Store.GetDailyOutcome(ctx, day)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, outcomeKey(day), got)
	return got, nil
}

func (s *CachedStore) GetForecastSnapshot(ctx context.Context, city string, refDay time.Time) (*model.ForecastSnapshot, error) {
	var snap model.ForecastSnapshot
	if s.lookup(ctx, snapshotKey(city, refDay), &snap) {
		return &snap, nil
	}
	got, err := s.Store.GetForecastSnapshot(ctx, city, refDay)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, snapshotKey(city, refDay), got)
	return got, nil
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("redis read failed", "key", key, "err", err)
		}
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func outcomeKey(day time.Time) string { return fmt.Sprintf("outcome:%s", dayKey(day)) }
func snapshotKey(city string, day time.Time) string {
	return fmt.Sprintf("snapshot:%s:%s", city, dayKey(day))
}
