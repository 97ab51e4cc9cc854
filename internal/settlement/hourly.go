package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/model"
	"github.com/kazylambist/meteo/internal/store"
)

// WinBand is the largest humidity miss that still wins.
const WinBand = 3

var exactFactor = decimal.NewFromInt(2)

// HourlyResolver settles humidity wagers whose hour has fully elapsed.
type HourlyResolver struct {
	store    store.Store
	notifier model.Notifier
	clock    model.Clock
}

// NewHourlyResolver creates a resolver.
func NewHourlyResolver(st store.Store, n model.Notifier, clock model.Clock) *HourlyResolver {
	if n == nil {
		n = model.NopNotifier{}
	}
	return &HourlyResolver{store: st, notifier: n, clock: clock}
}

// Run resolves pending hourly wagers of every user.
func (r *HourlyResolver) Run(ctx context.Context) (Report, error) {
	return r.ResolveUser(ctx, "")
}

// ResolveUser resolves userID's elapsed hourly wagers. Slots without a
// reading stay ACTIVE for the next pass.
func (r *HourlyResolver) ResolveUser(ctx context.Context, userID string) (Report, error) {
	var rep Report
	now := r.clock.Now()

	pending, err := r.store.PendingHourly(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return rep, fmt.Errorf("pending hourly: %w", err)
	}
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		o, err := r.resolve(ctx, &pending[i], now)
		if err != nil {
			slog.Error("resolve hourly wager failed", "wager", pending[i].ID, "user", pending[i].UserID, "err", err)
			o = Failed
		}
		rep.add("hourly", o)
	}
	return rep, nil
}

func (r *HourlyResolver) resolve(ctx context.Context, w *model.HourlyWager, now time.Time) (Outcome, error) {
	pct, ok, err := SlotHumidity(ctx, r.store, w.StationID, w.Slot)
	if err != nil {
		return Failed, err
	}
	if !ok {
		return Deferred, nil
	}

	outcome, payout := HourlyResult(w.TargetPct, pct, w.Stake, w.Odds)
	done, err := r.store.ResolveHourly(ctx, w.ID, pct, outcome, payout, now)
	if err != nil {
		return Failed, err
	}
	if !done {
		return Skipped, nil
	}

	r.notifier.Notify(model.Event{Type: model.EventHourlyResolved, UserID: w.UserID, Payload: map[string]any{
		"wager_id": w.ID,
		"observed": pct,
		"outcome":  outcome,
		"payout":   payout,
	}})
	slog.Info("hourly wager resolved",
		"wager", w.ID,
		"user", w.UserID,
		"target", w.TargetPct,
		"observed", pct,
		"outcome", outcome,
		"payout", payout.String(),
	)
	return Resolved, nil
}

// SlotHumidity returns the humidity for the hour starting at slot: the
// first reading inside [slot, slot+59:59], else the latest reading at or
// before the end of the window. ok is false when there is none.
func SlotHumidity(ctx context.Context, st store.Store, stationID string, slot time.Time) (int, bool, error) {
	end := slot.Add(time.Hour - time.Second)
	obs, err := st.FirstObservation(ctx, model.ObservationQuery{
		StationID: stationID,
		Kind:      model.KindHumidity,
		From:      slot,
		To:        end,
	})
	if errors.Is(err, store.ErrNotFound) {
		obs, err = st.LatestObservation(ctx, model.ObservationQuery{
			StationID: stationID,
			Kind:      model.KindHumidity,
			To:        end,
		})
	}
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("humidity %s: %w", stationID, err)
	}
	return int(math.Round(*obs.HumidityPct)), true, nil
}

// HourlyResult applies the EXACT/WIN/LOSE rule.
func HourlyResult(target, observed int, stake, odds decimal.Decimal) (model.HourlyOutcome, decimal.Decimal) {
	diff := observed - target
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff == 0:
		return model.HourlyExact, stake.Mul(odds).Mul(exactFactor).Round(model.PointsScale)
	case diff <= WinBand:
		return model.HourlyWin, stake.Mul(odds).Round(model.PointsScale)
	}
	return model.HourlyLose, decimal.Zero
}
