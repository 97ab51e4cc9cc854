// Package position places wagers and time-locked allocations. Every
// placement is validated up front and then handed to the store as one unit
// (rule check, guarded debit, insert), so a refused placement never leaves
// a partial write behind.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/ledger"
	"github.com/kazylambist/meteo/internal/limits"
	"github.com/kazylambist/meteo/internal/metrics"
	"github.com/kazylambist/meteo/internal/model"
	"github.com/kazylambist/meteo/internal/odds"
	"github.com/kazylambist/meteo/internal/station"
	"github.com/kazylambist/meteo/internal/store"
)

var (
	ErrInvalidAmount     = errors.New("position: amount must be positive")
	ErrInvalidChoice     = errors.New("position: choice must be RAIN or NO_RAIN")
	ErrInvalidTarget     = errors.New("position: humidity target must be within 0..100")
	ErrPlacementWindow   = errors.New("position: target day outside the placement window")
	ErrSlotWindow        = errors.New("position: hour slot outside the placement window")
	ErrUnknownAsset      = errors.New("position: unknown asset")
	ErrInvalidMaturity   = errors.New("position: maturity outside the allowed term")
	ErrNoPublishedValue  = errors.New("position: no published value to start from")
	ErrInvalidVerdict    = errors.New("position: verdict must be WIN or LOSE")
	ErrInvalidMultiplier = errors.New("position: multiplier out of range")
)

// Quoter returns the odds offered on a directional target.
type Quoter interface {
	Combined(ctx context.Context, scope station.Scope, target time.Time) odds.Quote
}

// Config holds placement parameters.
type Config struct {
	DefaultTime   string // directional target time when none is given
	MaxSlots      int
	HourlyStation string
	HourlyMinLead time.Duration
	HourlyHorizon time.Duration
	Assets        [2]string
	PoolCapacity  decimal.Decimal
	MinWeeks      int
	MaxWeeks      int
	ArtMinMult    int
	ArtMaxMult    int
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		DefaultTime:   "18:00",
		MaxSlots:      3,
		HourlyStation: station.DefaultStationID,
		HourlyMinLead: 2 * time.Hour,
		HourlyHorizon: 48 * time.Hour,
		Assets:        [2]string{"PIERRE", "MARIE"},
		PoolCapacity:  decimal.NewFromInt(1),
		MinWeeks:      3,
		MaxWeeks:      24,
		ArtMinMult:    7,
		ArtMaxMult:    14,
	}
}

// Service places positions on behalf of users.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	quoter Quoter
	slots  *limits.SlotLimiter
	pool   *limits.PoolLimiter
	cfg    Config
	clock  model.Clock
	loc    *time.Location
}

// NewService creates a position service. loc is the market's local time
// zone, used for calendar days and hour slots.
func NewService(st store.Store, l *ledger.Ledger, q Quoter, cfg Config, clock model.Clock, loc *time.Location) *Service {
	return &Service{
		store:  st,
		ledger: l,
		quoter: q,
		slots:  limits.NewSlotLimiter(cfg.MaxSlots),
		pool:   limits.NewPoolLimiter(cfg.PoolCapacity),
		cfg:    cfg,
		clock:  clock,
		loc:    loc,
	}
}

// Assets returns the two tradable mood assets.
func (s *Service) Assets() [2]string { return s.cfg.Assets }

// --- Directional wagers ---

// DirectionalRequest is a rain/no-rain placement.
type DirectionalRequest struct {
	UserID     string          `json:"-"`
	Day        string          `json:"day"`         // YYYY-MM-DD
	TargetTime string          `json:"target_time"` // HH:MM, optional
	Scope      string          `json:"scope"`       // empty for the default market
	Choice     model.Choice    `json:"choice"`
	Amount     decimal.Decimal `json:"amount"`
}

// PlaceDirectional validates req, captures the current odds and debits the stake.
func (s *Service) PlaceDirectional(ctx context.Context, req DirectionalRequest) (*model.DirectionalWager, error) {
	if !req.Amount.IsPositive() {
		return nil, model.Reject(model.CodeBadAmount, ErrInvalidAmount)
	}
	choice := model.Choice(strings.ToUpper(string(req.Choice)))
	if !choice.Valid() {
		return nil, model.Reject(model.CodeBadChoice, ErrInvalidChoice)
	}
	day, err := model.ParseDay(req.Day)
	if err != nil {
		return nil, model.Reject(model.CodeBadDate, err)
	}
	scope, err := station.ParseScope(req.Scope)
	if err != nil {
		return nil, model.Reject(model.CodeBadRequest, err)
	}
	hhmm := req.TargetTime
	if hhmm == "" {
		hhmm = s.cfg.DefaultTime
	}
	if hhmm, err = model.NormalizeClock(hhmm); err != nil {
		return nil, model.Reject(model.CodeBadRequest, err)
	}

	quote := s.quoter.Combined(ctx, scope, day)
	if !quote.OK() {
		return nil, model.Reject(quote.Error, ErrPlacementWindow, "offset", quote.Offset)
	}
	if _, err := s.ledger.Remaining(ctx, req.UserID); err != nil {
		return nil, err
	}

	w := &model.DirectionalWager{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		PlacedBy:   req.UserID,
		Day:        day,
		TargetTime: hhmm,
		Scope:      scope.String(),
		Choice:     choice,
		Stake:      req.Amount.Round(model.PointsScale),
		Odds:       quote.For(choice),
		Status:     model.StatusActive,
		Funded:     true,
		Payout:     decimal.Zero,
		CreatedAt:  s.clock.Now(),
	}
	err = s.store.PlaceDirectional(ctx, w, func(existing []model.DirectionalWager) error {
		return s.slots.Check(existing, hhmm, choice)
	})
	if err != nil {
		return nil, s.budgetRejection(ctx, req.UserID, w.Stake, err)
	}

	metrics.WagersPlaced.WithLabelValues("directional").Inc()
	slog.Info("directional wager placed",
		"id", w.ID,
		"user", w.UserID,
		"day", req.Day,
		"time", hhmm,
		"scope", w.Scope,
		"choice", w.Choice,
		"stake", w.Stake.String(),
		"odds", w.Odds.String(),
	)
	return w, nil
}

// --- Hourly wagers ---

// HourlyRequest is a humidity placement on one hour slot.
type HourlyRequest struct {
	UserID    string          `json:"-"`
	Slot      time.Time       `json:"slot"`
	TargetPct int             `json:"target_pct"`
	Amount    decimal.Decimal `json:"amount"`
}

// PlaceHourly validates req, prices it by lead time and debits the stake.
func (s *Service) PlaceHourly(ctx context.Context, req HourlyRequest) (*model.HourlyWager, error) {
	if !req.Amount.IsPositive() {
		return nil, model.Reject(model.CodeBadAmount, ErrInvalidAmount)
	}
	if req.TargetPct < 0 || req.TargetPct > 100 {
		return nil, model.Reject(model.CodeBadTarget, ErrInvalidTarget)
	}
	now := s.clock.Now()
	slot := req.Slot.UTC().Truncate(time.Hour)
	earliest := now.Truncate(time.Hour).Add(s.cfg.HourlyMinLead)
	if slot.Before(earliest) {
		return nil, model.Reject(model.CodeSlotTooSoon, ErrSlotWindow, "earliest", earliest)
	}
	if slot.After(now.Add(s.cfg.HourlyHorizon)) {
		return nil, model.Reject(model.CodeSlotTooFar, ErrSlotWindow, "latest", now.Add(s.cfg.HourlyHorizon).Truncate(time.Hour))
	}
	if _, err := s.ledger.Remaining(ctx, req.UserID); err != nil {
		return nil, err
	}

	w := &model.HourlyWager{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		StationID: s.cfg.HourlyStation,
		Slot:      slot,
		TargetPct: req.TargetPct,
		Stake:     req.Amount.Round(model.PointsScale),
		Odds:      odds.HourlyOdds(slot.Sub(now).Hours()),
		Status:    model.StatusActive,
		Payout:    decimal.Zero,
		CreatedAt: now,
	}
	err := s.store.PlaceHourly(ctx, w, func(existing []model.HourlyWager) error {
		return limits.CheckHourlyTarget(existing, req.TargetPct)
	})
	if err != nil {
		return nil, s.budgetRejection(ctx, req.UserID, w.Stake, err)
	}

	metrics.WagersPlaced.WithLabelValues("hourly").Inc()
	slog.Info("hourly wager placed",
		"id", w.ID,
		"user", w.UserID,
		"slot", slot,
		"target", w.TargetPct,
		"stake", w.Stake.String(),
		"odds", w.Odds.String(),
	)
	return w, nil
}

// DismissHourly hides a wager from its owner's list.
func (s *Service) DismissHourly(ctx context.Context, userID, id string) error {
	err := s.store.DismissHourly(ctx, userID, id, s.clock.Now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return model.Reject(model.CodeNotFound, err)
	case errors.Is(err, store.ErrForbidden):
		return model.Reject(model.CodeForbidden, err)
	}
	return err
}

// --- Time-locked allocations ---

// AllocationRequest commits part of the pool to one asset.
type AllocationRequest struct {
	UserID    string          `json:"-"`
	Asset     string          `json:"asset"`
	Principal decimal.Decimal `json:"principal"`
	Weeks     int             `json:"weeks"`
}

// Allocate opens a time-locked position at today's published value.
func (s *Service) Allocate(ctx context.Context, req AllocationRequest) (*model.Allocation, error) {
	asset := strings.ToUpper(strings.TrimSpace(req.Asset))
	if asset != s.cfg.Assets[0] && asset != s.cfg.Assets[1] {
		return nil, model.Reject(model.CodeBadRequest, ErrUnknownAsset, "assets", s.cfg.Assets)
	}
	if !req.Principal.IsPositive() || req.Principal.GreaterThan(s.cfg.PoolCapacity) {
		return nil, model.Reject(model.CodeBadAmount, ErrInvalidAmount, "capacity", s.cfg.PoolCapacity)
	}

	weeks := req.Weeks
	if weeks < s.cfg.MinWeeks {
		weeks = s.cfg.MinWeeks
	}
	if weeks > s.cfg.MaxWeeks {
		weeks = s.cfg.MaxWeeks
	}
	now := s.clock.Now()
	start := model.Day(now, s.loc)
	maturity := start.AddDate(0, 0, 7*weeks)
	if maturity.Before(start.AddDate(0, 0, 21)) || maturity.After(start.AddDate(0, 6, 0)) {
		return nil, model.Reject(model.CodeBadMaturity, ErrInvalidMaturity, "weeks", weeks)
	}

	startValue, err := s.publishedValue(ctx, start, asset)
	if err != nil {
		return nil, err
	}

	a := &model.Allocation{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Asset:            asset,
		Principal:        req.Principal.Round(model.PointsScale),
		StartValue:       startValue,
		StartDate:        start,
		MaturityDate:     maturity,
		Status:           model.StatusActive,
		SettledPrincipal: decimal.Zero,
	}
	if err := s.store.CreateAllocation(ctx, a, func(active decimal.Decimal) error {
		return s.pool.Check(active, a.Principal)
	}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.Reject(model.CodeNotFound, err)
		}
		return nil, err
	}

	metrics.WagersPlaced.WithLabelValues("allocation").Inc()
	slog.Info("allocation opened",
		"id", a.ID,
		"user", a.UserID,
		"asset", asset,
		"principal", a.Principal.String(),
		"start_value", startValue.String(),
		"maturity", maturity.Format(model.DateLayout),
	)
	return a, nil
}

// publishedValue returns today's published value of asset, falling back to
// the last value published before today.
func (s *Service) publishedValue(ctx context.Context, day time.Time, asset string) (decimal.Decimal, error) {
	o, err := s.store.GetDailyOutcome(ctx, day)
	if errors.Is(err, store.ErrNotFound) {
		o, err = s.store.GetLastPublished(ctx, day)
	}
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, model.Reject(model.CodeNoPublishedValue, ErrNoPublishedValue)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("published value: %w", err)
	}
	return AssetValue(o, s.cfg.Assets, asset), nil
}

// AssetValue picks the value of asset out of a published outcome.
func AssetValue(o *model.DailyOutcome, assets [2]string, asset string) decimal.Decimal {
	if asset == assets[1] {
		return o.ValueB
	}
	return o.ValueA
}

// --- Art bets ---

// ArtBetRequest records an externally judged drawing wager.
type ArtBetRequest struct {
	UserID     string          `json:"-"`
	Amount     decimal.Decimal `json:"amount"`
	Verdict    model.Verdict   `json:"verdict"`
	Multiplier int             `json:"multiplier"`
}

// RecordArtBet applies the net result of an art bet to the wallet.
// A WIN pays amount × multiplier and awards one bolt.
func (s *Service) RecordArtBet(ctx context.Context, req ArtBetRequest) (*model.ArtBet, error) {
	if !req.Amount.IsPositive() {
		return nil, model.Reject(model.CodeBadAmount, ErrInvalidAmount)
	}
	a := &model.ArtBet{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Amount:    req.Amount.Round(model.PointsScale),
		Verdict:   req.Verdict,
		Payout:    decimal.Zero,
		CreatedAt: s.clock.Now(),
	}
	switch req.Verdict {
	case model.VerdictWin:
		if req.Multiplier < s.cfg.ArtMinMult || req.Multiplier > s.cfg.ArtMaxMult {
			return nil, model.Reject(model.CodeBadRequest, ErrInvalidMultiplier,
				"min", s.cfg.ArtMinMult, "max", s.cfg.ArtMaxMult)
		}
		a.Multiplier = req.Multiplier
		a.Payout = a.Amount.Mul(decimal.NewFromInt(int64(req.Multiplier))).Round(model.PointsScale)
	case model.VerdictLose:
	default:
		return nil, model.Reject(model.CodeBadRequest, ErrInvalidVerdict)
	}
	if _, err := s.ledger.Remaining(ctx, req.UserID); err != nil {
		return nil, err
	}
	if err := s.store.RecordArtBet(ctx, a); err != nil {
		return nil, s.budgetRejection(ctx, req.UserID, a.Amount, err)
	}
	slog.Info("art bet recorded", "id", a.ID, "user", a.UserID, "verdict", a.Verdict, "payout", a.Payout.String())
	return a, nil
}

// ResetScope clears the user's calendar on one station scope for every day
// after today. Wagers on today or earlier still resolve normally.
func (s *Service) ResetScope(ctx context.Context, userID, rawScope string) (model.ScopeReset, error) {
	scope, err := station.ParseScope(rawScope)
	if err != nil {
		return model.ScopeReset{}, model.Reject(model.CodeBadRequest, err)
	}
	from := model.Day(s.clock.Now(), s.loc).AddDate(0, 0, 1)
	r, err := s.store.ResetScope(ctx, userID, scope.String(), from, s.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return r, model.Reject(model.CodeNotFound, err)
		}
		return r, err
	}
	slog.Info("scope reset",
		"user", userID,
		"scope", r.Scope,
		"canceled", r.Canceled,
		"refunded", r.Refunded.String(),
		"boosts_removed", r.BoostsRemoved,
	)
	return r, nil
}

// --- Reads ---

// Directional returns the wagers the user currently owns.
func (s *Service) Directional(ctx context.Context, userID string) ([]model.DirectionalWager, error) {
	return s.store.ListDirectional(ctx, userID)
}

// Hourly returns the user's hourly wagers that were not dismissed.
func (s *Service) Hourly(ctx context.Context, userID string) ([]model.HourlyWager, error) {
	all, err := s.store.ListHourly(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, h := range all {
		if h.DismissedAt == nil {
			out = append(out, h)
		}
	}
	return out, nil
}

// Allocations returns the user's time-locked positions.
func (s *Service) Allocations(ctx context.Context, userID string) ([]model.Allocation, error) {
	return s.store.ListAllocations(ctx, userID)
}

// DeleteAccount removes the user and every position it owns.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Reject(model.CodeNotFound, err)
		}
		return err
	}
	slog.Info("account deleted", "user", userID)
	return nil
}

// budgetRejection converts a store funding failure into a rejection that
// carries the current balance. Other errors pass through.
func (s *Service) budgetRejection(ctx context.Context, userID string, required decimal.Decimal, err error) error {
	if !errors.Is(err, store.ErrInsufficientFunds) {
		return err
	}
	balance, berr := s.ledger.Remaining(ctx, userID)
	if berr != nil {
		return model.Reject(model.CodeInsufficientBudget, err, "required", required)
	}
	return model.Reject(model.CodeInsufficientBudget, err, "balance", balance, "required", required)
}
