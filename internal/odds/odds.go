// Package odds computes the odds offered on directional rain/no-rain wagers.
//
// Three signals are blended: the fixed offset table, the historical rain
// frequency of the target calendar day at the station's coordinates, and,
// for the next three days only, the cached short-range forecast. Missing
// signals are skipped rather than reported as failures; the table value is
// always available for a valid offset.
package odds

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/kazylambist/meteo/internal/model"
	"github.com/kazylambist/meteo/internal/station"
)

// Archive returns daily precipitation totals (mm) keyed by YYYY-MM-DD.
// Missing days are simply absent from the map.
type Archive interface {
	DailyPrecipitation(ctx context.Context, lat, lon float64, from, to time.Time) (map[string]float64, error)
}

// Forecasts returns the forecast rain hours for a city on a day. ok is
// false when no forecast covers the day.
type Forecasts interface {
	RainHours(ctx context.Context, city string, day time.Time) (hours float64, ok bool, err error)
}

// Locator resolves a scope to coordinates and a forecast city.
type Locator interface {
	Coordinates(ctx context.Context, s station.Scope) (station.Coordinates, error)
	City(s station.Scope) string
}

// Config holds the engine parameters.
type Config struct {
	Min            decimal.Decimal
	Max            decimal.Decimal
	HistoryYears   int
	FetchTimeout   time.Duration
	RainHoursFloor float64 // forecast rain hours at or above which rain is predicted
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		Min:            decimal.NewFromInt(1),
		Max:            decimal.NewFromInt(3),
		HistoryYears:   20,
		FetchTimeout:   10 * time.Second,
		RainHoursFloor: 2,
	}
}

// Diagnostics records which signals contributed to a quote.
type Diagnostics struct {
	Table            decimal.Decimal  `json:"table"`
	HistoricalP      *float64         `json:"historical_p,omitempty"`
	HistoricalSample int              `json:"historical_sample"`
	HistoricalRain   *decimal.Decimal `json:"historical_rain,omitempty"`
	HistoricalNoRain *decimal.Decimal `json:"historical_no_rain,omitempty"`
	ForecastHours    *float64         `json:"forecast_rain_hours,omitempty"`
	Weights          []int            `json:"weights,omitempty"` // historical, table, forecast
	Skipped          []string         `json:"skipped,omitempty"`
}

// Quote is the result of an odds computation. When Error is set the quote
// carries no odds.
type Quote struct {
	Offset      int             `json:"offset"`
	Rain        decimal.Decimal `json:"rain"`
	NoRain      decimal.Decimal `json:"no_rain"`
	Error       string          `json:"error,omitempty"`
	Diagnostics Diagnostics     `json:"diagnostics"`
}

// For returns the odds for one side.
func (q Quote) For(c model.Choice) decimal.Decimal {
	if c == model.ChoiceRain {
		return q.Rain
	}
	return q.NoRain
}

// OK reports whether the quote carries odds.
func (q Quote) OK() bool { return q.Error == "" }

// Engine computes blended quotes.
type Engine struct {
	cfg       Config
	archive   Archive
	forecasts Forecasts
	locator   Locator
	clock     model.Clock
	loc       *time.Location
}

// NewEngine creates an engine. archive and forecasts may be nil, in which
// case the corresponding signal is always skipped.
func NewEngine(cfg Config, archive Archive, forecasts Forecasts, locator Locator, clock model.Clock, loc *time.Location) *Engine {
	return &Engine{cfg: cfg, archive: archive, forecasts: forecasts, locator: locator, clock: clock, loc: loc}
}

// Validate checks that target is a placeable day and returns its offset and
// table odds. A non-empty code means placement is refused.
func (e *Engine) Validate(target time.Time) (offset int, table decimal.Decimal, code string) {
	today := model.Day(e.clock.Now(), e.loc)
	offset = model.DaysBetween(today, target)
	switch {
	case offset < 0:
		return offset, decimal.Zero, model.CodePastDay
	case offset == 0:
		return offset, decimal.Zero, model.CodeSameDay
	case offset > MaxOffset:
		return offset, decimal.Zero, model.CodeTooFar
	}
	t, ok := TableOdds(offset)
	if !ok {
		return offset, decimal.Zero, model.CodeNoOdds
	}
	return offset, t, ""
}

// Combined returns the blended odds for both sides of scope on target.
// It never fails: every signal failure degrades towards the table value.
func (e *Engine) Combined(ctx context.Context, scope station.Scope, target time.Time) Quote {
	offset, table, code := e.Validate(target)
	q := Quote{Offset: offset, Error: code}
	if code != "" {
		return q
	}
	q.Diagnostics.Table = table

	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	var (
		samples  map[string]float64
		forecast *float64
		skipped  = make([]string, 2)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var reason string
		samples, reason = e.fetchHistory(gctx, scope, target)
		skipped[0] = reason
		return cutShort(gctx, reason)
	})
	if offset <= 3 {
		g.Go(func() error {
			var reason string
			forecast, reason = e.fetchForecast(gctx, scope, target)
			skipped[1] = reason
			return cutShort(gctx, reason)
		})
	} else {
		skipped[1] = "forecast_out_of_range"
	}
	timedOut := g.Wait()

	for _, s := range skipped {
		if s != "" {
			q.Diagnostics.Skipped = append(q.Diagnostics.Skipped, s)
		}
	}
	if timedOut != nil {
		slog.Warn("odds: signal fetch cut short", "scope", scope.String(), "offset", offset, "err", timedOut)
		q.Diagnostics.Skipped = append(q.Diagnostics.Skipped, "fetch_timeout")
	}
	e.blend(&q, offset, table, samples, target, forecast)
	return q
}

// cutShort reports the fetch deadline as the reason a signal was skipped.
// Other failures only degrade the quote.
func cutShort(ctx context.Context, reason string) error {
	if reason == "" {
		return nil
	}
	return ctx.Err()
}

func (e *Engine) fetchHistory(ctx context.Context, scope station.Scope, target time.Time) (map[string]float64, string) {
	if e.archive == nil || e.locator == nil {
		return nil, "historical_unavailable"
	}
	coords, err := e.locator.Coordinates(ctx, scope)
	if err != nil {
		slog.Debug("odds: station unresolved", "scope", scope.String(), "err", err)
		return nil, "station_unresolved"
	}
	from := target.AddDate(-e.cfg.HistoryYears, 0, 0)
	to := target.AddDate(-1, 0, 0)
	samples, err := e.archive.DailyPrecipitation(ctx, coords.Lat, coords.Lon, from, to)
	if err != nil {
		slog.Warn("odds: historical fetch failed", "scope", scope.String(), "err", err)
		return nil, "historical_unavailable"
	}
	return samples, ""
}

func (e *Engine) fetchForecast(ctx context.Context, scope station.Scope, target time.Time) (*float64, string) {
	if e.forecasts == nil || e.locator == nil {
		return nil, "forecast_unavailable"
	}
	hours, ok, err := e.forecasts.RainHours(ctx, e.locator.City(scope), target)
	if err != nil {
		slog.Warn("odds: forecast fetch failed", "scope", scope.String(), "err", err)
		return nil, "forecast_unavailable"
	}
	if !ok {
		return nil, "forecast_unavailable"
	}
	return &hours, ""
}

// blend fills in q's odds from the available signals.
func (e *Engine) blend(q *Quote, offset int, table decimal.Decimal, samples map[string]float64, target time.Time, forecast *float64) {
	p, n := HistoricalProbability(samples, target.Month(), target.Day())
	q.Diagnostics.HistoricalSample = n
	if n == 0 {
		q.Rain, q.NoRain = table, table
		q.Diagnostics.Weights = []int{0, 1, 0}
		return
	}
	hRain, hNo := e.FairOdds(p)
	q.Diagnostics.HistoricalP = &p
	q.Diagnostics.HistoricalRain = &hRain
	q.Diagnostics.HistoricalNoRain = &hNo

	wf := forecastWeight(offset)
	if forecast == nil || wf == 0 {
		q.Rain = weighted([]decimal.Decimal{hRain, table}, []int{1, 1})
		q.NoRain = weighted([]decimal.Decimal{hNo, table}, []int{1, 1})
		q.Diagnostics.Weights = []int{1, 1, 0}
		return
	}
	q.Diagnostics.ForecastHours = forecast
	fRain, fNo := e.cfg.Max, e.cfg.Min
	if *forecast >= e.cfg.RainHoursFloor {
		fRain, fNo = e.cfg.Min, e.cfg.Max
	}
	w := []int{1, 1, wf}
	q.Rain = weighted([]decimal.Decimal{hRain, table, fRain}, w)
	q.NoRain = weighted([]decimal.Decimal{hNo, table, fNo}, w)
	q.Diagnostics.Weights = w
}

// FairOdds returns clamp(1/p) for rain and clamp(1/(1-p)) for no rain.
// A zero probability maps to the maximum.
func (e *Engine) FairOdds(p float64) (rain, noRain decimal.Decimal) {
	return e.fair(p), e.fair(1 - p)
}

func (e *Engine) fair(p float64) decimal.Decimal {
	if p <= 0 {
		return e.cfg.Max
	}
	v := decimal.NewFromInt(1).DivRound(decimal.NewFromFloat(p), 8)
	return clamp(v, e.cfg.Min, e.cfg.Max).Round(model.OddsScale)
}

// HistoricalProbability returns the share of rainy days (> 0 mm) among the
// samples that fall on the given month and day, and the sample count.
func HistoricalProbability(samples map[string]float64, month time.Month, day int) (float64, int) {
	var rainy, total int
	for date, mm := range samples {
		t, err := time.Parse(model.DateLayout, date)
		if err != nil || t.Month() != month || t.Day() != day {
			continue
		}
		total++
		if mm > 0 {
			rainy++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(rainy) / float64(total), total
}

// forecastWeight grows as the target gets closer.
func forecastWeight(offset int) int {
	switch offset {
	case 1:
		return 3
	case 2:
		return 2
	case 3:
		return 1
	}
	return 0
}

func weighted(values []decimal.Decimal, weights []int) decimal.Decimal {
	sum := decimal.Zero
	total := 0
	for i, v := range values {
		sum = sum.Add(v.Mul(decimal.NewFromInt(int64(weights[i]))))
		total += weights[i]
	}
	return sum.DivRound(decimal.NewFromInt(int64(total)), model.OddsScale)
}
