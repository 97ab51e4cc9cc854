package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/model"
	"github.com/kazylambist/meteo/internal/position"
	"github.com/kazylambist/meteo/internal/store"
)

// MaturitySettler settles time-locked allocations once their maturity day's
// outcome is published.
type MaturitySettler struct {
	store    store.Store
	assets   [2]string
	notifier model.Notifier
	clock    model.Clock
	loc      *time.Location
}

// NewMaturitySettler creates a settler for the given asset pair.
func NewMaturitySettler(st store.Store, assets [2]string, n model.Notifier, clock model.Clock, loc *time.Location) *MaturitySettler {
	if n == nil {
		n = model.NopNotifier{}
	}
	return &MaturitySettler{store: st, assets: assets, notifier: n, clock: clock, loc: loc}
}

// Multiplier returns end/start, or zero for a zero start value.
func Multiplier(start, end decimal.Decimal) decimal.Decimal {
	if start.IsZero() {
		return decimal.Zero
	}
	return end.Div(start)
}

// Run settles every ACTIVE allocation maturing on or before today at the
// last value published on or before its maturity date. Without today's
// published outcome nothing is settled and every due row is deferred to the
// next run. Each row is its own store write.
func (m *MaturitySettler) Run(ctx context.Context) (Report, error) {
	var rep Report
	now := m.clock.Now()
	today := model.Day(now, m.loc)

	due, err := m.store.DueAllocations(ctx, today)
	if err != nil {
		return rep, fmt.Errorf("due allocations: %w", err)
	}
	if len(due) == 0 {
		return rep, nil
	}

	outcome, err := m.store.GetDailyOutcome(ctx, today)
	if errors.Is(err, store.ErrNotFound) {
		for range due {
			rep.add("maturity", Deferred)
		}
		slog.Info("maturity settlement deferred, outcome not published", "day", today.Format(model.DateLayout), "due", len(due))
		return rep, nil
	}
	if err != nil {
		return rep, fmt.Errorf("daily outcome: %w", err)
	}

	for _, a := range due {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		valued, err := m.valueAt(ctx, a.MaturityDate, outcome)
		if err != nil {
			slog.Error("maturity value lookup failed", "allocation", a.ID, "user", a.UserID, "err", err)
			rep.add("maturity", Failed)
			continue
		}
		end := position.AssetValue(valued, m.assets, a.Asset)
		final := a.Principal.Mul(Multiplier(a.StartValue, end)).Round(model.PointsScale)

		ok, err := m.store.SettleAllocation(ctx, a.ID, final, now)
		if err != nil {
			slog.Error("settle allocation failed", "allocation", a.ID, "user", a.UserID, "err", err)
			rep.add("maturity", Failed)
			continue
		}
		if !ok {
			rep.add("maturity", Skipped)
			continue
		}
		rep.add("maturity", Resolved)
		a.Status = model.StatusSettled
		a.SettledPrincipal = final
		a.SettledAt = &now
		m.notifier.Notify(model.Event{Type: model.EventAllocationSettle, UserID: a.UserID, Payload: a})
		slog.Info("allocation settled",
			"allocation", a.ID,
			"user", a.UserID,
			"asset", a.Asset,
			"principal", a.Principal.String(),
			"final", final.String(),
		)
	}
	return rep, nil
}

// valueAt returns the last outcome published on or before day, falling back
// to today's when nothing older exists.
func (m *MaturitySettler) valueAt(ctx context.Context, day time.Time, today *model.DailyOutcome) (*model.DailyOutcome, error) {
	o, err := m.store.GetLastPublished(ctx, day)
	if errors.Is(err, store.ErrNotFound) {
		return today, nil
	}
	return o, err
}
