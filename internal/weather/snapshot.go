package weather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kazylambist/meteo/internal/model"
	"github.com/kazylambist/meteo/internal/station"
	"github.com/kazylambist/meteo/internal/store"
)

// ForecastDays is the number of days kept after the reference day.
const ForecastDays = 5

// Forecaster returns daily forecast entries.
type Forecaster interface {
	Daily(ctx context.Context, lat, lon float64, from, to time.Time) ([]model.ForecastDay, error)
}

// SnapshotStore persists snapshots. The first save for a key wins.
type SnapshotStore interface {
	GetForecastSnapshot(ctx context.Context, city string, refDay time.Time) (*model.ForecastSnapshot, error)
	SaveForecastSnapshot(ctx context.Context, s *model.ForecastSnapshot) (*model.ForecastSnapshot, error)
}

// Snapshots serves one forecast snapshot per (city, day), fetching it at
// most once per process at a time.
type Snapshots struct {
	store      SnapshotStore
	forecaster Forecaster
	geocoder   station.Geocoder
	clock      model.Clock
	loc        *time.Location
	group      singleflight.Group
}

// NewSnapshots creates a snapshot provider.
func NewSnapshots(st SnapshotStore, f Forecaster, g station.Geocoder, clock model.Clock, loc *time.Location) *Snapshots {
	return &Snapshots{store: st, forecaster: f, geocoder: g, clock: clock, loc: loc}
}

// Snapshot returns the snapshot of city for refDay, building and storing it
// on a miss.
func (s *Snapshots) Snapshot(ctx context.Context, city string, refDay time.Time) (*model.ForecastSnapshot, error) {
	city = strings.TrimSpace(city)
	snap, err := s.store.GetForecastSnapshot(ctx, city, refDay)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	key := city + "|" + refDay.Format(model.DateLayout)
	v, err, _ := s.group.Do(key, func() (any, error) {
		// Shared by every waiter, so one caller's cancellation must not
		// fail the others. The HTTP client timeout still bounds it.
		fctx := context.WithoutCancel(ctx)
		if snap, err := s.store.GetForecastSnapshot(fctx, city, refDay); err == nil {
			return snap, nil
		}
		built, err := s.build(fctx, city, refDay)
		if err != nil {
			return nil, err
		}
		return s.store.SaveForecastSnapshot(fctx, built)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.ForecastSnapshot), nil
}

// RainHours returns the forecast rain hours for day from today's snapshot
// of city.
func (s *Snapshots) RainHours(ctx context.Context, city string, day time.Time) (float64, bool, error) {
	snap, err := s.Snapshot(ctx, city, model.Day(s.clock.Now(), s.loc))
	if err != nil {
		return 0, false, err
	}
	h, ok := snap.RainHoursOn(day)
	return h, ok, nil
}

func (s *Snapshots) build(ctx context.Context, city string, refDay time.Time) (*model.ForecastSnapshot, error) {
	coords, err := s.locate(ctx, city)
	if err != nil {
		return nil, err
	}

	var past, ahead []model.ForecastDay
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		past, err = s.forecaster.Daily(gctx, coords.Lat, coords.Lon, refDay.AddDate(0, 0, -2), refDay)
		return err
	})
	g.Go(func() error {
		var err error
		ahead, err = s.forecaster.Daily(gctx, coords.Lat, coords.Lon, refDay, refDay.AddDate(0, 0, ForecastDays))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("forecast %s: %w", city, err)
	}

	snap := &model.ForecastSnapshot{
		City:      city,
		RefDay:    refDay,
		Lat:       coords.Lat,
		Lon:       coords.Lon,
		Forecast:  make([]model.ForecastDay, 0, ForecastDays),
		CreatedAt: s.clock.Now(),
	}
	for _, d := range past {
		snap.SunHours3d += d.SunHours
		snap.RainHours3d += d.RainHours
	}
	snap.SunHours3d = round2(snap.SunHours3d)
	snap.RainHours3d = round2(snap.RainHours3d)

	ref := refDay.Format(model.DateLayout)
	for _, d := range ahead {
		if d.Date == ref {
			continue
		}
		snap.Forecast = append(snap.Forecast, d)
		if len(snap.Forecast) == ForecastDays {
			break
		}
	}

	slog.Info("forecast snapshot built",
		"city", city,
		"ref_day", ref,
		"rain_hours_3d", snap.RainHours3d,
		"days", len(snap.Forecast),
	)
	return snap, nil
}

func (s *Snapshots) locate(ctx context.Context, city string) (station.Coordinates, error) {
	if s.geocoder != nil {
		c, err := s.geocoder.Geocode(ctx, city)
		if err == nil {
			return c, nil
		}
		slog.Warn("geocoding failed", "city", city, "err", err)
	}
	if strings.EqualFold(city, station.DefaultCity) {
		return station.Paris, nil
	}
	return station.Coordinates{}, fmt.Errorf("%w: %q", station.ErrUnresolved, city)
}
