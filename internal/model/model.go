// Package model defines the core domain types shared across the settlement core.
// All points, stakes and odds use shopspring/decimal, never float64.
// Weather measurements (humidity %, precipitation mm) stay float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PointsScale is the rounding applied at every persistence boundary.
const PointsScale int32 = 6

// OddsScale is the rounding applied to every odds value shown or captured.
const OddsScale int32 = 2

// Choice is the side of a directional wager.
type Choice string

const (
	ChoiceRain   Choice = "RAIN"
	ChoiceNoRain Choice = "NO_RAIN"
)

// Valid reports whether c is one of the two directional choices.
func (c Choice) Valid() bool {
	return c == ChoiceRain || c == ChoiceNoRain
}

// Opposite returns the other side.
func (c Choice) Opposite() Choice {
	if c == ChoiceRain {
		return ChoiceNoRain
	}
	return ChoiceRain
}

// Status is the lifecycle state shared by wagers and positions.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusResolved Status = "RESOLVED"
	StatusCanceled Status = "CANCELED"
	StatusSettled  Status = "SETTLED"
)

// Verdict is the result of a resolved directional wager.
type Verdict string

const (
	VerdictWin  Verdict = "WIN"
	VerdictLose Verdict = "LOSE"
)

// HourlyOutcome is the result of a resolved hourly humidity wager.
type HourlyOutcome string

const (
	HourlyExact HourlyOutcome = "EXACT"
	HourlyWin   HourlyOutcome = "WIN"
	HourlyLose  HourlyOutcome = "LOSE"
)

// ListingStatus is the lifecycle state of a trade listing.
type ListingStatus string

const (
	ListingOpen      ListingStatus = "OPEN"
	ListingSold      ListingStatus = "SOLD"
	ListingCancelled ListingStatus = "CANCELLED"
)

// ListingKindDirectional is the only listing kind the trading overlay handles.
const ListingKindDirectional = "directional"

// User holds identity plus the points wallet, the gift side-channel and bolts.
// Points stays invalid until the first balance read initialises it.
type User struct {
	ID          string              `json:"id" db:"id"`
	Username    string              `json:"username" db:"username"`
	Points      decimal.NullDecimal `json:"points" db:"points"`
	BonusPoints decimal.Decimal     `json:"bonus_points" db:"bonus_points"`
	Bolts       int                 `json:"bolts" db:"bolts"`
	CreatedAt   time.Time           `json:"created_at" db:"created_at"`
}

// Observation is one externally ingested weather reading. Any of the
// measurement fields may be absent.
type Observation struct {
	StationID   string    `json:"station_id" db:"station_id"`
	ObservedAt  time.Time `json:"observed_at" db:"observed_at"` // UTC
	HumidityPct *float64  `json:"humidity_pct,omitempty" db:"humidity_pct"`
	PrecipMM    *float64  `json:"precip_mm,omitempty" db:"precip_mm"`
	WeatherCode *int      `json:"weather_code,omitempty" db:"weather_code"`
}

// ObservationKind selects which measurement an observation query requires.
type ObservationKind int

const (
	KindPrecipitation ObservationKind = iota // precip_mm or weather_code present
	KindHumidity                             // humidity_pct present
)

// Matches reports whether o carries the measurement kind k asks for.
func (k ObservationKind) Matches(o Observation) bool {
	if k == KindHumidity {
		return o.HumidityPct != nil
	}
	return o.PrecipMM != nil || o.WeatherCode != nil
}

// ObservationQuery bounds an observation lookup. A zero From or To is open.
type ObservationQuery struct {
	StationID string
	Kind      ObservationKind
	From      time.Time
	To        time.Time
}

// Contains reports whether t lies inside the query window (inclusive).
func (q ObservationQuery) Contains(t time.Time) bool {
	if !q.From.IsZero() && t.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && t.After(q.To) {
		return false
	}
	return true
}

// DailyOutcome is one published reading of the two mood assets for a day.
type DailyOutcome struct {
	Day         time.Time       `json:"day" db:"day"`
	ValueA      decimal.Decimal `json:"value_a" db:"value_a"`
	ValueB      decimal.Decimal `json:"value_b" db:"value_b"`
	PublishedAt time.Time       `json:"published_at" db:"published_at"`
}

// PresetOutcome is an operator-provided rain/no-rain result for a scope and day.
// When present it takes precedence over observations.
type PresetOutcome struct {
	Scope   string    `json:"scope" db:"scope"`
	Day     time.Time `json:"day" db:"day"`
	Outcome Choice    `json:"outcome" db:"outcome"`
}

// Allocation is a time-locked position on one mood asset.
type Allocation struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Asset            string          `json:"asset" db:"asset"`
	Principal        decimal.Decimal `json:"principal" db:"principal"`
	StartValue       decimal.Decimal `json:"start_value" db:"start_value"`
	StartDate        time.Time       `json:"start_date" db:"start_date"`
	MaturityDate     time.Time       `json:"maturity_date" db:"maturity_date"`
	Status           Status          `json:"status" db:"status"` // ACTIVE or SETTLED
	SettledPrincipal decimal.Decimal `json:"settled_principal" db:"settled_principal"`
	SettledAt        *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// DirectionalWager is a rain/no-rain bet on a station scope at a local clock time.
// UserID is the current owner; PlacedBy is the user whose wallet funded the stake.
type DirectionalWager struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	PlacedBy   string          `json:"placed_by" db:"placed_by"`
	Day        time.Time       `json:"day" db:"day"`
	TargetTime string          `json:"target_time" db:"target_time"` // HH:MM station-local
	Scope      string          `json:"scope" db:"scope"`             // "" is the default market
	Choice     Choice          `json:"choice" db:"choice"`
	Stake      decimal.Decimal `json:"stake" db:"stake"`
	Odds       decimal.Decimal `json:"odds" db:"odds"`
	Status     Status          `json:"status" db:"status"`
	Funded     bool            `json:"funded" db:"funded"`
	Locked     bool            `json:"locked" db:"locked"`

	ObservedOutcome Choice          `json:"observed_outcome,omitempty" db:"observed_outcome"`
	ObservedMM      *float64        `json:"observed_mm,omitempty" db:"observed_mm"`
	ObservedAt      *time.Time      `json:"observed_at,omitempty" db:"observed_at"`
	Verdict         Verdict         `json:"verdict,omitempty" db:"verdict"`
	Payout          decimal.Decimal `json:"payout" db:"payout"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// DirectionalResolution is the post-resolution state written in one update.
type DirectionalResolution struct {
	WagerID         string
	ObservedOutcome Choice
	ObservedMM      *float64
	ObservedAt      *time.Time
	Verdict         Verdict
	Payout          decimal.Decimal
	ResolvedAt      time.Time
}

// BoostKey identifies one boost aggregate.
type BoostKey struct {
	UserID string
	Day    time.Time
	Scope  string
}

// Boost is the additive odds bonus accumulated for a key.
type Boost struct {
	UserID string          `json:"user_id" db:"user_id"`
	Day    time.Time       `json:"day" db:"day"`
	Scope  string          `json:"scope" db:"scope"`
	Total  decimal.Decimal `json:"total" db:"total"`
}

// ScopeReset summarises a calendar reset on one station scope.
type ScopeReset struct {
	Scope         string          `json:"scope"`
	Canceled      int             `json:"canceled"`
	Refunded      decimal.Decimal `json:"refunded"`
	BoostsRemoved int             `json:"boosts_removed"`
}

// BoostResult reports the aggregate and remaining bolts after a boost
// attempt, whether or not it succeeded.
type BoostResult struct {
	Total     decimal.Decimal `json:"total"`
	BoltsLeft int             `json:"bolts_left"`
}

// HourlyWager is a bet on the humidity observed during one hour slot.
type HourlyWager struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	StationID   string          `json:"station_id" db:"station_id"`
	Slot        time.Time       `json:"slot" db:"slot"` // UTC, floored to the hour
	TargetPct   int             `json:"target_pct" db:"target_pct"`
	Stake       decimal.Decimal `json:"stake" db:"stake"`
	Odds        decimal.Decimal `json:"odds" db:"odds"`
	Status      Status          `json:"status" db:"status"`
	ObservedPct *int            `json:"observed_pct,omitempty" db:"observed_pct"`
	Outcome     HourlyOutcome   `json:"outcome,omitempty" db:"outcome"`
	Payout      decimal.Decimal `json:"payout" db:"payout"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	DismissedAt *time.Time      `json:"dismissed_at,omitempty" db:"dismissed_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// ListingPayload is the display snapshot of the wager taken at listing time.
// Odds are the captured base odds: boosts stay with whoever holds the wager
// when it resolves.
type ListingPayload struct {
	WagerID       string          `json:"wager_id"`
	City          string          `json:"city"`
	Day           string          `json:"day"`
	TargetTime    string          `json:"target_time"`
	Choice        Choice          `json:"choice"`
	Stake         decimal.Decimal `json:"stake"`
	BaseOdds      decimal.Decimal `json:"base_odds"`
	PotentialGain decimal.Decimal `json:"potential_gain"`
}

// Listing offers one ACTIVE directional wager for resale.
type Listing struct {
	ID        string          `json:"id" db:"id"`
	SellerID  string          `json:"seller_id" db:"seller_id"`
	Kind      string          `json:"kind" db:"kind"`
	WagerID   string          `json:"wager_id" db:"wager_id"`
	Payload   ListingPayload  `json:"payload" db:"payload"`
	Status    ListingStatus   `json:"status" db:"status"`
	AskPrice  decimal.Decimal `json:"ask_price" db:"ask_price"`
	BuyerID   string          `json:"buyer_id,omitempty" db:"buyer_id"`
	SalePrice decimal.Decimal `json:"sale_price" db:"sale_price"`
	SoldAt    *time.Time      `json:"sold_at,omitempty" db:"sold_at"`
	ExpiresAt time.Time       `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// ArtBet is an externally judged wager; its net result flows into the wallet
// and a WIN awards one bolt.
type ArtBet struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Verdict    Verdict         `json:"verdict" db:"verdict"`
	Multiplier int             `json:"multiplier" db:"multiplier"`
	Payout     decimal.Decimal `json:"payout" db:"payout"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Gift moves points from the sender's wallet to the recipient's bonus points.
type Gift struct {
	ID        string          `json:"id" db:"id"`
	FromID    string          `json:"from_id" db:"from_id"`
	ToID      string          `json:"to_id" db:"to_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Note      string          `json:"note,omitempty" db:"note"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// ForecastDay is one day of a cached 5-day forecast.
type ForecastDay struct {
	Date      string   `json:"date"`
	SunHours  float64  `json:"sun_hours"`
	RainHours float64  `json:"rain_hours"`
	Code      *int     `json:"code,omitempty"`
	TMin      *float64 `json:"t_min,omitempty"`
	TMax      *float64 `json:"t_max,omitempty"`
}

// ForecastSnapshot caches the forecast for one (city, reference day).
type ForecastSnapshot struct {
	City        string        `json:"city" db:"city"`
	RefDay      time.Time     `json:"ref_day" db:"ref_day"`
	Lat         float64       `json:"lat" db:"lat"`
	Lon         float64       `json:"lon" db:"lon"`
	SunHours3d  float64       `json:"sun_hours_3d" db:"sun_hours_3d"`
	RainHours3d float64       `json:"rain_hours_3d" db:"rain_hours_3d"`
	Forecast    []ForecastDay `json:"forecast" db:"forecast"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// RainHoursOn returns the forecast rain hours for day, if the snapshot covers it.
func (s *ForecastSnapshot) RainHoursOn(day time.Time) (float64, bool) {
	key := day.Format(DateLayout)
	for _, f := range s.Forecast {
		if f.Date == key {
			return f.RainHours, true
		}
	}
	return 0, false
}

// LedgerTotals are the per-user sums the derived ledger is computed from.
type LedgerTotals struct {
	DirectionalStakes  decimal.Decimal `json:"directional_stakes"`
	DirectionalPayouts decimal.Decimal `json:"directional_payouts"`
	HourlyStakes       decimal.Decimal `json:"hourly_stakes"`
	HourlyPayouts      decimal.Decimal `json:"hourly_payouts"`
	Purchases          decimal.Decimal `json:"purchases"`
	Sales              decimal.Decimal `json:"sales"`
	ArtNet             decimal.Decimal `json:"art_net"`
	GiftsSent          decimal.Decimal `json:"gifts_sent"`
}

// Event is pushed to real-time subscribers after a state change.
type Event struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Event types.
const (
	EventWagerResolved    = "wager_resolved"
	EventWagerAbandoned   = "wager_abandoned"
	EventHourlyResolved   = "hourly_resolved"
	EventAllocationSettle = "allocation_settled"
	EventOutcomePublished = "outcome_published"
	EventListingOpened    = "listing_opened"
	EventListingSold      = "listing_sold"
	EventListingCancelled = "listing_cancelled"
)

// Notifier receives events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}
