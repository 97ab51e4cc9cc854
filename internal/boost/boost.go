// Package boost sells additive odds bonuses for bolts. A boost applies to
// every directional wager a user holds on one (day, scope) and is read at
// resolution time, so boosting after placement still counts.
package boost

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/metrics"
	"github.com/kazylambist/meteo/internal/model"
	"github.com/kazylambist/meteo/internal/station"
	"github.com/kazylambist/meteo/internal/store"
)

var (
	ErrInvalidIncrement = errors.New("boost: increment must be positive")
	ErrPastDay          = errors.New("boost: day already passed")
)

// Config holds the boost parameters. The cap per target is MaxPerTarget × Unit.
type Config struct {
	Unit         decimal.Decimal
	MaxPerTarget int
}

// DefaultConfig returns 5 boosts of 5.0.
func DefaultConfig() Config {
	return Config{Unit: decimal.NewFromInt(5), MaxPerTarget: 5}
}

// Cap returns the ceiling of one aggregate.
func (c Config) Cap() decimal.Decimal {
	return c.Unit.Mul(decimal.NewFromInt(int64(c.MaxPerTarget)))
}

// Service applies boosts.
type Service struct {
	store store.Store
	cfg   Config
	clock model.Clock
	loc   *time.Location
}

// NewService creates a boost service.
func NewService(st store.Store, cfg Config, clock model.Clock, loc *time.Location) *Service {
	return &Service{store: st, cfg: cfg, clock: clock, loc: loc}
}

// Request is one boost purchase. A zero Increment buys one Unit.
type Request struct {
	UserID    string          `json:"-"`
	Day       string          `json:"day"`
	Scope     string          `json:"scope"`
	Increment decimal.Decimal `json:"increment"`
}

// Apply consumes one bolt and raises the aggregate for (user, day, scope),
// clamped to the cap. At the cap no bolt is consumed.
func (s *Service) Apply(ctx context.Context, req Request) (model.BoostResult, error) {
	inc := req.Increment
	if inc.IsZero() {
		inc = s.cfg.Unit
	}
	if !inc.IsPositive() {
		return model.BoostResult{}, model.Reject(model.CodeBadAmount, ErrInvalidIncrement)
	}
	day, err := model.ParseDay(req.Day)
	if err != nil {
		return model.BoostResult{}, model.Reject(model.CodeBadDate, err)
	}
	if day.Before(model.Day(s.clock.Now(), s.loc)) {
		return model.BoostResult{}, model.Reject(model.CodePastDay, ErrPastDay)
	}
	scope, err := station.ParseScope(req.Scope)
	if err != nil {
		return model.BoostResult{}, model.Reject(model.CodeBadRequest, err)
	}

	key := model.BoostKey{UserID: req.UserID, Day: day, Scope: scope.String()}
	ceiling := s.cfg.Cap()
	res, err := s.store.ApplyBoost(ctx, key, inc, ceiling)
	switch {
	case errors.Is(err, store.ErrCapReached):
		return res, model.Reject(model.CodeCapReached, err, "total", res.Total, "cap", ceiling, "bolts_left", res.BoltsLeft)
	case errors.Is(err, store.ErrNoBolts):
		return res, model.Reject(model.CodeNoBolts, err, "total", res.Total, "bolts_left", res.BoltsLeft)
	case errors.Is(err, store.ErrNotFound):
		return res, model.Reject(model.CodeNotFound, err)
	case err != nil:
		return res, err
	}

	metrics.BoltsSpent.Inc()
	slog.Info("boost applied",
		"user", req.UserID,
		"day", req.Day,
		"scope", key.Scope,
		"total", res.Total.String(),
		"bolts_left", res.BoltsLeft,
	)
	return res, nil
}

// Total returns the current aggregate for (user, day, scope).
func (s *Service) Total(ctx context.Context, userID string, day time.Time, scope string) (decimal.Decimal, error) {
	return s.store.BoostTotal(ctx, model.BoostKey{UserID: userID, Day: day, Scope: scope})
}
