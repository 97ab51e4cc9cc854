// Package store defines the persistence interface for the settlement core.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for immutable daily outcomes), and in-memory (for testing).
//
// Every wallet mutation is a single guarded update on the stored row.
// Multi-step operations (placement, boost, buy, resolution) run inside one
// transaction (Postgres) or one critical section (memory), and every
// resolution is conditioned on the pre-resolution status so that duplicate
// runs are no-ops.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/model"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrDuplicate         = errors.New("store: already exists")
	ErrInsufficientFunds = errors.New("store: insufficient points")
	ErrNoBolts           = errors.New("store: no bolts left")
	ErrCapReached        = errors.New("store: boost cap reached")
	ErrAlreadyListed     = errors.New("store: wager already listed")
	ErrNotSellable       = errors.New("store: wager not sellable")
	ErrListingNotOpen    = errors.New("store: listing not open")
	ErrOwnListing        = errors.New("store: cannot buy own listing")
	ErrWagerNotActive    = errors.New("store: wager not active")
	ErrListingExpired    = errors.New("store: listing expired")
	ErrForbidden         = errors.New("store: not owner")
)

// ListingExistsError reports the OPEN listing that already holds a wager.
// It matches ErrAlreadyListed with errors.Is.
type ListingExistsError struct {
	ID string
}

func (e *ListingExistsError) Error() string {
	return fmt.Sprintf("%v: %s", ErrAlreadyListed, e.ID)
}

func (e *ListingExistsError) Unwrap() error { return ErrAlreadyListed }

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis caches published daily outcomes.
type Store interface {
	// --- Users and wallets ---

	// CreateUser registers a user with its bootstrap bolts. Points stay unset.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// ListUserIDs returns every user ID.
	ListUserIDs(ctx context.Context) ([]string, error)

	// InitPoints sets points to bootstrap if still unset and returns the user.
	InitPoints(ctx context.Context, userID string, bootstrap decimal.Decimal) (*model.User, error)

	// SetPoints overwrites the stored points. Used only by ledger repair.
	SetPoints(ctx context.Context, userID string, points decimal.Decimal) error

	// CreditPoints atomically adds amount (>= 0) to the stored points.
	CreditPoints(ctx context.Context, userID string, amount decimal.Decimal) error

	// AssetBalances returns the per-asset free balances credited by maturity settlement.
	AssetBalances(ctx context.Context, userID string) (map[string]decimal.Decimal, error)

	// DeleteUser removes a user and the positions it placed. Sold listings,
	// gifts and wagers bought from others are kept with the user's
	// reference cleared so counterparties' ledgers do not change.
	DeleteUser(ctx context.Context, userID string) error

	// TransferGift debits the sender's points (guarded) and credits the
	// recipient's bonus points in one unit.
	TransferGift(ctx context.Context, g *model.Gift) error

	// RecordArtBet applies payout-amount to points (guarded when negative),
	// awards a bolt on WIN and stores the bet, in one unit.
	RecordArtBet(ctx context.Context, a *model.ArtBet) error

	// LedgerTotals returns the sums the derived ledger is computed from.
	LedgerTotals(ctx context.Context, userID string) (model.LedgerTotals, error)

	// --- Observations ---

	// InsertObservation appends one observation.
	InsertObservation(ctx context.Context, o *model.Observation) error

	// FirstObservation returns the earliest matching observation in the window.
	FirstObservation(ctx context.Context, q model.ObservationQuery) (*model.Observation, error)

	// LatestObservation returns the most recent matching observation in the window.
	LatestObservation(ctx context.Context, q model.ObservationQuery) (*model.Observation, error)

	// --- Daily outcomes ---

	// StagePending stores (or replaces) the pending outcome for its day.
	StagePending(ctx context.Context, o *model.DailyOutcome) error

	// PublishPending publishes the pending outcome for day. Publishing an
	// already published day returns the existing row unchanged.
	PublishPending(ctx context.Context, day, at time.Time) (*model.DailyOutcome, error)

	// GetDailyOutcome returns the published outcome for day.
	GetDailyOutcome(ctx context.Context, day time.Time) (*model.DailyOutcome, error)

	// GetLastPublished returns the latest published outcome on or before day.
	GetLastPublished(ctx context.Context, day time.Time) (*model.DailyOutcome, error)

	// SetPreset stores an externally decided outcome for (scope, day).
	SetPreset(ctx context.Context, p *model.PresetOutcome) error

	// GetPreset returns the preset outcome for (scope, day).
	GetPreset(ctx context.Context, scope string, day time.Time) (*model.PresetOutcome, error)

	// --- Forecast snapshots ---

	// GetForecastSnapshot returns the cached snapshot for (city, refDay).
	GetForecastSnapshot(ctx context.Context, city string, refDay time.Time) (*model.ForecastSnapshot, error)

	// SaveForecastSnapshot inserts a snapshot. If one already exists for the
	// key, the existing row is returned instead.
	SaveForecastSnapshot(ctx context.Context, s *model.ForecastSnapshot) (*model.ForecastSnapshot, error)

	// --- Time-locked allocations ---

	// CreateAllocation inserts a position after check accepts the user's
	// current ACTIVE principal total. check runs under the same lock.
	CreateAllocation(ctx context.Context, a *model.Allocation, check func(active decimal.Decimal) error) error

	// ListAllocations returns a user's positions, newest first.
	ListAllocations(ctx context.Context, userID string) ([]model.Allocation, error)

	// DueAllocations returns ACTIVE positions maturing on or before day.
	DueAllocations(ctx context.Context, day time.Time) ([]model.Allocation, error)

	// SettleAllocation marks an ACTIVE position SETTLED and credits final to
	// the owner's asset balance. Returns false if it was not ACTIVE.
	SettleAllocation(ctx context.Context, id string, final decimal.Decimal, at time.Time) (bool, error)

	// --- Directional wagers ---

	// PlaceDirectional debits the stake (guarded) and inserts the wager after
	// check accepts the user's non-cancelled wagers for (day, scope), bought
	// ones included.
	PlaceDirectional(ctx context.Context, w *model.DirectionalWager, check func(existing []model.DirectionalWager) error) error

	// GetDirectional retrieves a wager by ID.
	GetDirectional(ctx context.Context, id string) (*model.DirectionalWager, error)

	// ListDirectional returns wagers currently owned by userID.
	ListDirectional(ctx context.Context, userID string) ([]model.DirectionalWager, error)

	// PendingDirectional returns ACTIVE wagers whose day is on or before day.
	// An empty userID means all users.
	PendingDirectional(ctx context.Context, userID string, day time.Time) ([]model.DirectionalWager, error)

	// ResolveDirectional writes the resolution, credits the payout to the
	// current owner and cancels any OPEN listing, all conditioned on the
	// wager still being ACTIVE. Returns false if it was not.
	ResolveDirectional(ctx context.Context, r model.DirectionalResolution) (bool, error)

	// AbandonDirectional moves an ACTIVE wager to CANCELED and refunds the
	// stake to the current owner. Returns false if it was not ACTIVE.
	AbandonDirectional(ctx context.Context, id string, at time.Time) (bool, error)

	// ResetScope clears the user's calendar on one scope from day from
	// onwards: ACTIVE wagers are cancelled with their stake refunded to the
	// user, their OPEN listings are cancelled and the boost aggregates are
	// removed. Earlier days and settled wagers are left alone.
	ResetScope(ctx context.Context, userID, scope string, from, at time.Time) (model.ScopeReset, error)

	// --- Boosts ---

	// BoostTotal returns the aggregate for key (zero if none).
	BoostTotal(ctx context.Context, key model.BoostKey) (decimal.Decimal, error)

	// ApplyBoost consumes one bolt and adds inc (clamped to cap) to the
	// aggregate for key, both or neither. Returns ErrCapReached or ErrNoBolts
	// with the unchanged levels in the result.
	ApplyBoost(ctx context.Context, key model.BoostKey, inc, cap decimal.Decimal) (model.BoostResult, error)

	// --- Hourly wagers ---

	// PlaceHourly debits the stake (guarded) and inserts the wager after check
	// accepts the user's ACTIVE wagers on the same slot.
	PlaceHourly(ctx context.Context, w *model.HourlyWager, check func(existing []model.HourlyWager) error) error

	// ListHourly returns a user's hourly wagers, newest slot first.
	ListHourly(ctx context.Context, userID string) ([]model.HourlyWager, error)

	// PendingHourly returns ACTIVE wagers whose slot starts at or before
	// slotBefore. An empty userID means all users.
	PendingHourly(ctx context.Context, userID string, slotBefore time.Time) ([]model.HourlyWager, error)

	// ResolveHourly writes the result and credits the payout, conditioned on
	// the wager still being ACTIVE. Returns false if it was not.
	ResolveHourly(ctx context.Context, id string, observed int, outcome model.HourlyOutcome, payout decimal.Decimal, at time.Time) (bool, error)

	// DismissHourly hides a resolved wager from its owner's view.
	DismissHourly(ctx context.Context, userID, id string, at time.Time) error

	// --- Listings ---

	// CreateListing inserts an OPEN listing and locks the wager. The wager
	// must be owned by the seller, ACTIVE and unlocked.
	CreateListing(ctx context.Context, l *model.Listing) error

	// GetListing retrieves a listing by ID.
	GetListing(ctx context.Context, id string) (*model.Listing, error)

	// OpenListingForWager returns the OPEN listing for a wager, if any.
	OpenListingForWager(ctx context.Context, wagerID string) (*model.Listing, error)

	// OpenListings returns every OPEN listing not yet expired at now.
	OpenListings(ctx context.Context, now time.Time) ([]model.Listing, error)

	// CancelListing moves an OPEN listing to CANCELLED. Returns false if it was not OPEN.
	CancelListing(ctx context.Context, id string) (bool, error)

	// UnlockWager clears a wager's lock flag.
	UnlockWager(ctx context.Context, wagerID string) error

	// BuyListing debits the buyer, credits the seller, transfers the wager
	// (clearing lock and funded flags) and marks the listing SOLD in one unit.
	// check sees the listed wager and the buyer's non-cancelled wagers for
	// its (day, scope) and may veto the transfer.
	BuyListing(ctx context.Context, listingID, buyerID string, at time.Time, check func(bought model.DirectionalWager, existing []model.DirectionalWager) error) (*model.Listing, error)
}
