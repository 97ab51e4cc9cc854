package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/model"
	"github.com/kazylambist/meteo/internal/store"
)

var (
	ErrNoPending     = errors.New("settlement: no pending outcome for today")
	ErrInvalidValues = errors.New("settlement: outcome values must be non-negative")
)

// Publisher moves the day's staged mood outcome to published.
type Publisher struct {
	store    store.Store
	notifier model.Notifier
	clock    model.Clock
	loc      *time.Location
}

// NewPublisher creates a publisher. A nil notifier discards events.
func NewPublisher(st store.Store, n model.Notifier, clock model.Clock, loc *time.Location) *Publisher {
	if n == nil {
		n = model.NopNotifier{}
	}
	return &Publisher{store: st, notifier: n, clock: clock, loc: loc}
}

// Stage stores (or replaces) the pending outcome for the local day of day.
func (p *Publisher) Stage(ctx context.Context, day time.Time, a, b decimal.Decimal) error {
	if a.IsNegative() || b.IsNegative() {
		return ErrInvalidValues
	}
	return p.store.StagePending(ctx, &model.DailyOutcome{
		Day:    model.Day(day, p.loc),
		ValueA: a.Round(model.PointsScale),
		ValueB: b.Round(model.PointsScale),
	})
}

// PublishToday publishes today's pending outcome. Running it again after a
// successful publication returns the already published row.
func (p *Publisher) PublishToday(ctx context.Context) (*model.DailyOutcome, error) {
	now := p.clock.Now()
	today := model.Day(now, p.loc)

	o, err := p.store.PublishPending(ctx, today, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoPending, today.Format(model.DateLayout))
	}
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", today.Format(model.DateLayout), err)
	}

	p.notifier.Notify(model.Event{Type: model.EventOutcomePublished, Payload: o})
	slog.Info("daily outcome published",
		"day", today.Format(model.DateLayout),
		"value_a", o.ValueA.String(),
		"value_b", o.ValueB.String(),
	)
	return o, nil
}
