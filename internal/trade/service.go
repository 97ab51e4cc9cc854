// Package trade implements the resale of ACTIVE directional wagers between
// users: listing at an asking price, cancelling, and buying.
//
// A buy is one store unit: debit the buyer, credit the seller, transfer the
// wager (unlocked, no longer self-funded) and mark the listing SOLD.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/ledger"
	"github.com/kazylambist/meteo/internal/limits"
	"github.com/kazylambist/meteo/internal/metrics"
	"github.com/kazylambist/meteo/internal/model"
	"github.com/kazylambist/meteo/internal/station"
	"github.com/kazylambist/meteo/internal/store"
)

var (
	ErrPriceTooLow = errors.New("trade: asking price below the stake")
	ErrBadPrice    = errors.New("trade: asking price must be positive")
)

// Service handles listings. Pass nil for notifier if no real-time
// broadcasting is needed.
type Service struct {
	store    store.Store
	ledger   *ledger.Ledger
	slots    *limits.SlotLimiter
	dir      *station.Directory
	notifier model.Notifier
	clock    model.Clock
	loc      *time.Location
}

// NewService creates a trade service. slots applies the placement slot rules
// to the buyer, so a purchase cannot add a conflicting choice or an extra slot.
func NewService(st store.Store, l *ledger.Ledger, slots *limits.SlotLimiter, dir *station.Directory, n model.Notifier, clock model.Clock, loc *time.Location) *Service {
	if n == nil {
		n = model.NopNotifier{}
	}
	return &Service{store: st, ledger: l, slots: slots, dir: dir, notifier: n, clock: clock, loc: loc}
}

// ListRequest is the JSON body for listing a wager.
type ListRequest struct {
	WagerID  string          `json:"wager_id"`
	AskPrice decimal.Decimal `json:"ask_price"`
}

// List offers an owned ACTIVE wager for sale. The asking price must cover
// the stake; the wager is locked until the listing is cancelled or sold.
func (s *Service) List(ctx context.Context, sellerID string, req ListRequest) (*model.Listing, error) {
	if !req.AskPrice.IsPositive() {
		return nil, model.Reject(model.CodeBadPrice, ErrBadPrice)
	}
	w, err := s.store.GetDirectional(ctx, req.WagerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.Reject(model.CodeNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	if w.UserID != sellerID || w.Status != model.StatusActive {
		return nil, model.Reject(model.CodeNotSellable, store.ErrNotSellable)
	}
	if open, err := s.store.OpenListingForWager(ctx, w.ID); err == nil {
		return nil, model.Reject(model.CodeAlreadyListed, store.ErrAlreadyListed, "listing_id", open.ID)
	}
	if w.Locked {
		return nil, model.Reject(model.CodeNotSellable, store.ErrNotSellable)
	}
	ask := req.AskPrice.Round(model.PointsScale)
	if ask.LessThan(w.Stake) {
		return nil, model.Reject(model.CodePriceTooLow, ErrPriceTooLow, "min_price", w.Stake)
	}
	now := s.clock.Now()
	expires := model.EndOfDay(w.Day, s.loc)
	if now.After(expires) {
		return nil, model.Reject(model.CodeExpired, store.ErrListingExpired)
	}

	l := &model.Listing{
		ID:        uuid.New().String(),
		SellerID:  sellerID,
		Kind:      model.ListingKindDirectional,
		WagerID:   w.ID,
		Payload:   s.payload(w),
		Status:    model.ListingOpen,
		AskPrice:  ask,
		SalePrice: decimal.Zero,
		ExpiresAt: expires,
		CreatedAt: now,
	}
	if err := s.store.CreateListing(ctx, l); err != nil {
		var exists *store.ListingExistsError
		switch {
		case errors.As(err, &exists):
			return nil, model.Reject(model.CodeAlreadyListed, err, "listing_id", exists.ID)
		case errors.Is(err, store.ErrAlreadyListed):
			return nil, model.Reject(model.CodeAlreadyListed, err)
		case errors.Is(err, store.ErrNotSellable):
			return nil, model.Reject(model.CodeNotSellable, err)
		}
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("listed").Inc()
	s.notifier.Notify(model.Event{Type: model.EventListingOpened, UserID: sellerID, Payload: l})
	slog.Info("wager listed",
		"listing", l.ID,
		"wager", w.ID,
		"seller", sellerID,
		"ask", ask.String(),
	)
	return l, nil
}

func (s *Service) payload(w *model.DirectionalWager) model.ListingPayload {
	return model.ListingPayload{
		WagerID:       w.ID,
		City:          s.dir.City(station.Named(w.Scope)),
		Day:           w.Day.Format(model.DateLayout),
		TargetTime:    w.TargetTime,
		Choice:        w.Choice,
		Stake:         w.Stake,
		BaseOdds:      w.Odds,
		PotentialGain: w.Stake.Mul(w.Odds).Round(model.PointsScale),
	}
}

// Cancel withdraws an OPEN listing and unlocks its wager. No points move.
func (s *Service) Cancel(ctx context.Context, userID, listingID string) error {
	l, err := s.store.GetListing(ctx, listingID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Reject(model.CodeNotFound, err)
	}
	if err != nil {
		return err
	}
	if l.SellerID != userID {
		return model.Reject(model.CodeForbidden, store.ErrForbidden)
	}
	ok, err := s.store.CancelListing(ctx, listingID)
	if err != nil {
		return err
	}
	if !ok {
		return model.Reject(model.CodeNotOpen, store.ErrListingNotOpen, "status", l.Status)
	}
	if err := s.store.UnlockWager(ctx, l.WagerID); err != nil {
		slog.Warn("unlock after cancel failed", "listing", listingID, "wager", l.WagerID, "err", err)
	}

	metrics.TradesTotal.WithLabelValues("cancelled").Inc()
	s.notifier.Notify(model.Event{Type: model.EventListingCancelled, UserID: userID, Payload: map[string]string{"listing_id": listingID}})
	slog.Info("listing cancelled", "listing", listingID, "seller", userID)
	return nil
}

// Buy transfers the listed wager to buyerID for the asking price.
func (s *Service) Buy(ctx context.Context, buyerID, listingID string) (*model.Listing, error) {
	l, err := s.store.GetListing(ctx, listingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.Reject(model.CodeNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.Remaining(ctx, buyerID); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Remaining(ctx, l.SellerID); err != nil {
		return nil, err
	}

	sold, err := s.store.BuyListing(ctx, listingID, buyerID, s.clock.Now(),
		func(bought model.DirectionalWager, existing []model.DirectionalWager) error {
			return s.slots.Check(existing, bought.TargetTime, bought.Choice)
		})
	if err != nil {
		return nil, s.buyRejection(ctx, buyerID, l, err)
	}

	metrics.TradesTotal.WithLabelValues("sold").Inc()
	s.notifier.Notify(model.Event{Type: model.EventListingSold, UserID: sold.SellerID, Payload: sold})
	slog.Info("listing sold",
		"listing", sold.ID,
		"wager", sold.WagerID,
		"seller", sold.SellerID,
		"buyer", buyerID,
		"price", sold.SalePrice.String(),
	)
	return sold, nil
}

func (s *Service) buyRejection(ctx context.Context, buyerID string, l *model.Listing, err error) error {
	if _, ok := model.AsRejection(err); ok {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return model.Reject(model.CodeNotFound, err)
	case errors.Is(err, store.ErrListingNotOpen):
		return model.Reject(model.CodeNotOpen, err)
	case errors.Is(err, store.ErrOwnListing):
		return model.Reject(model.CodeCannotBuyOwn, err)
	case errors.Is(err, store.ErrListingExpired):
		return model.Reject(model.CodeExpired, err, "expires_at", l.ExpiresAt)
	case errors.Is(err, store.ErrWagerNotActive):
		return model.Reject(model.CodeNotActive, err)
	case errors.Is(err, store.ErrInsufficientFunds):
		balance, _ := s.ledger.Remaining(ctx, buyerID)
		return model.Reject(model.CodeInsufficientBudget, err, "balance", balance, "price", l.AskPrice)
	}
	return err
}

// Open returns every OPEN listing that has not expired.
func (s *Service) Open(ctx context.Context) ([]model.Listing, error) {
	return s.store.OpenListings(ctx, s.clock.Now())
}
