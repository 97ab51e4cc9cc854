package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/model"
	"github.com/kazylambist/meteo/internal/station"
	"github.com/kazylambist/meteo/internal/store"
)

// RainCodeThreshold is the first weather code treated as precipitation when
// no measured amount is reported.
const RainCodeThreshold = 60

// RainProxyMM stands in for the amount of a coded rain observation.
const RainProxyMM = 0.1

// DefaultRetryWindow is how long a wager waits for an observation before it
// is abandoned and refunded.
const DefaultRetryWindow = 14 * 24 * time.Hour

// DirectionalResolver settles rain/no-rain wagers whose target instant has
// passed.
type DirectionalResolver struct {
	store       store.Store
	dir         *station.Directory
	notifier    model.Notifier
	clock       model.Clock
	loc         *time.Location
	retryWindow time.Duration
}

// NewDirectionalResolver creates a resolver. A non-positive retryWindow uses
// DefaultRetryWindow.
func NewDirectionalResolver(st store.Store, dir *station.Directory, n model.Notifier, clock model.Clock, loc *time.Location, retryWindow time.Duration) *DirectionalResolver {
	if n == nil {
		n = model.NopNotifier{}
	}
	if retryWindow <= 0 {
		retryWindow = DefaultRetryWindow
	}
	return &DirectionalResolver{store: st, dir: dir, notifier: n, clock: clock, loc: loc, retryWindow: retryWindow}
}

// Run resolves pending wagers of every user.
func (r *DirectionalResolver) Run(ctx context.Context) (Report, error) {
	return r.ResolveUser(ctx, "")
}

// ResolveUser resolves the pending wagers owned by userID. An empty userID
// means all users.
func (r *DirectionalResolver) ResolveUser(ctx context.Context, userID string) (Report, error) {
	var rep Report
	now := r.clock.Now()

	pending, err := r.store.PendingDirectional(ctx, userID, model.Day(now, r.loc))
	if err != nil {
		return rep, fmt.Errorf("pending directional: %w", err)
	}
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		w := &pending[i]
		target, err := model.At(w.Day, w.TargetTime, r.loc)
		if err != nil {
			slog.Error("wager has invalid target time", "wager", w.ID, "target_time", w.TargetTime, "err", err)
			rep.add("directional", Failed)
			continue
		}
		if target.After(now) {
			continue
		}
		o, err := r.resolve(ctx, w, target, now)
		if err != nil {
			slog.Error("resolve wager failed", "wager", w.ID, "user", w.UserID, "err", err)
			o = Failed
		}
		rep.add("directional", o)
	}
	return rep, nil
}

func (r *DirectionalResolver) resolve(ctx context.Context, w *model.DirectionalWager, target, now time.Time) (Outcome, error) {
	res := model.DirectionalResolution{WagerID: w.ID, ResolvedAt: now}

	preset, err := r.store.GetPreset(ctx, w.Scope, w.Day)
	switch {
	case err == nil:
		res.ObservedOutcome = preset.Outcome
	case errors.Is(err, store.ErrNotFound):
		obs, err := r.observe(ctx, w.Scope, target)
		if err != nil {
			return Failed, err
		}
		if obs == nil {
			if now.After(target.Add(r.retryWindow)) {
				return r.abandon(ctx, w, now)
			}
			return Deferred, nil
		}
		mm := ObservedMM(obs)
		at := obs.ObservedAt
		res.ObservedMM = &mm
		res.ObservedAt = &at
		res.ObservedOutcome = model.ChoiceNoRain
		if mm > 0 {
			res.ObservedOutcome = model.ChoiceRain
		}
	default:
		return Failed, fmt.Errorf("preset: %w", err)
	}

	res.Verdict = model.VerdictLose
	res.Payout = decimal.Zero
	var boost decimal.Decimal
	if res.ObservedOutcome == w.Choice {
		boost, err = r.store.BoostTotal(ctx, model.BoostKey{UserID: w.UserID, Day: w.Day, Scope: w.Scope})
		if err != nil {
			return Failed, fmt.Errorf("boost total: %w", err)
		}
		res.Verdict = model.VerdictWin
		res.Payout = DirectionalPayout(w.Stake, w.Odds, boost)
	}

	ok, err := r.store.ResolveDirectional(ctx, res)
	if err != nil {
		return Failed, err
	}
	if !ok {
		return Skipped, nil
	}

	r.notifier.Notify(model.Event{Type: model.EventWagerResolved, UserID: w.UserID, Payload: map[string]any{
		"wager_id": w.ID,
		"verdict":  res.Verdict,
		"observed": res.ObservedOutcome,
		"payout":   res.Payout,
	}})
	slog.Info("wager resolved",
		"wager", w.ID,
		"user", w.UserID,
		"choice", w.Choice,
		"observed", res.ObservedOutcome,
		"verdict", res.Verdict,
		"boost", boost.String(),
		"payout", res.Payout.String(),
	)
	return Resolved, nil
}

// observe returns the first precipitation observation at or after target,
// trying the literal station first and then its alias. Nil means none yet.
func (r *DirectionalResolver) observe(ctx context.Context, scope string, target time.Time) (*model.Observation, error) {
	for _, id := range r.dir.Candidates(station.Named(scope)) {
		obs, err := r.store.FirstObservation(ctx, model.ObservationQuery{
			StationID: id,
			Kind:      model.KindPrecipitation,
			From:      target,
		})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("observation %s: %w", id, err)
		}
		return obs, nil
	}
	return nil, nil
}

func (r *DirectionalResolver) abandon(ctx context.Context, w *model.DirectionalWager, now time.Time) (Outcome, error) {
	ok, err := r.store.AbandonDirectional(ctx, w.ID, now)
	if err != nil {
		return Failed, err
	}
	if !ok {
		return Skipped, nil
	}
	r.notifier.Notify(model.Event{Type: model.EventWagerAbandoned, UserID: w.UserID, Payload: map[string]any{
		"wager_id": w.ID,
		"refund":   w.Stake,
	}})
	slog.Warn("wager abandoned without observation",
		"wager", w.ID,
		"user", w.UserID,
		"scope", w.Scope,
		"day", w.Day.Format(model.DateLayout),
		"refund", w.Stake.String(),
	)
	return Abandoned, nil
}

// ObservedMM returns the measured precipitation, or the rain proxy for a
// coded observation without an amount.
func ObservedMM(o *model.Observation) float64 {
	if o.PrecipMM != nil {
		return *o.PrecipMM
	}
	if o.WeatherCode != nil && *o.WeatherCode >= RainCodeThreshold {
		return RainProxyMM
	}
	return 0
}

// DirectionalPayout is stake × (captured odds + boost), at points scale.
func DirectionalPayout(stake, odds, boost decimal.Decimal) decimal.Decimal {
	return stake.Mul(odds.Add(boost)).Round(model.PointsScale)
}
