// Package api exposes the settlement core over HTTP: wallet reads, wager
// placement, boosts, the listing market and the maintenance endpoints.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/auth"
	"github.com/kazylambist/meteo/internal/boost"
	"github.com/kazylambist/meteo/internal/ledger"
	"github.com/kazylambist/meteo/internal/model"
	"github.com/kazylambist/meteo/internal/position"
	"github.com/kazylambist/meteo/internal/scheduler"
	"github.com/kazylambist/meteo/internal/settlement"
	"github.com/kazylambist/meteo/internal/station"
	"github.com/kazylambist/meteo/internal/store"
	"github.com/kazylambist/meteo/internal/trade"
)

// Deps are the services the handlers call.
type Deps struct {
	Store       store.Store
	Ledger      *ledger.Ledger
	Positions   *position.Service
	Boosts      *boost.Service
	Trades      *trade.Service
	Quoter      position.Quoter
	Directional *settlement.DirectionalResolver
	Hourly      *settlement.HourlyResolver
	Publisher   *settlement.Publisher
	Jobs        *scheduler.Runner
	Hub         *WSHub
	JWT         auth.JWT
	Clock       model.Clock

	// BootstrapBolts is granted to users seen for the first time.
	BootstrapBolts int
}

// Handler serves the /api/v1 routes.
type Handler struct {
	Deps
}

// NewHandler creates a handler.
func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d}
}

// --- Wallet ---

type meResponse struct {
	UserID        string                     `json:"user_id"`
	Username      string                     `json:"username"`
	Points        decimal.Decimal            `json:"points"`
	BonusPoints   decimal.Decimal            `json:"bonus_points"`
	Remaining     decimal.Decimal            `json:"remaining"`
	Bolts         int                        `json:"bolts"`
	AssetBalances map[string]decimal.Decimal `json:"asset_balances"`
}

// GetMe handles GET /api/v1/me.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserID(ctx)

	u, remaining, err := h.Ledger.Wallet(ctx, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	assets, err := h.Store.AssetBalances(ctx, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if assets == nil {
		assets = map[string]decimal.Decimal{}
	}
	writeJSON(w, http.StatusOK, meResponse{
		UserID:        u.ID,
		Username:      u.Username,
		Points:        u.Points.Decimal,
		BonusPoints:   u.BonusPoints,
		Remaining:     remaining,
		Bolts:         u.Bolts,
		AssetBalances: assets,
	})
}

// DeleteMe handles DELETE /api/v1/me.
func (h *Handler) DeleteMe(w http.ResponseWriter, r *http.Request) {
	if err := h.Positions.DeleteAccount(r.Context(), auth.UserID(r.Context())); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type giftRequest struct {
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
}

// SendGift handles POST /api/v1/gifts.
func (h *Handler) SendGift(w http.ResponseWriter, r *http.Request) {
	var req giftRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := h.Ledger.Gift(r.Context(), auth.UserID(r.Context()), req.To, req.Amount, req.Note)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// --- Odds ---

// GetOdds handles GET /api/v1/odds?date=YYYY-MM-DD&scope=ID.
func (h *Handler) GetOdds(w http.ResponseWriter, r *http.Request) {
	day, err := model.ParseDay(r.URL.Query().Get("date"))
	if err != nil {
		h.fail(w, model.Reject(model.CodeBadDate, err))
		return
	}
	scope, err := station.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		h.fail(w, model.Reject(model.CodeBadRequest, err))
		return
	}
	q := h.Quoter.Combined(r.Context(), scope, day)
	if !q.OK() {
		h.fail(w, model.Reject(q.Error, position.ErrPlacementWindow, "offset", q.Offset))
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// --- Directional ---

// PlaceDirectional handles POST /api/v1/directional.
func (h *Handler) PlaceDirectional(w http.ResponseWriter, r *http.Request) {
	var req position.DirectionalRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = auth.UserID(r.Context())
	wager, err := h.Positions.PlaceDirectional(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wager)
}

// ListDirectional handles GET /api/v1/directional. Due wagers are resolved
// before listing.
func (h *Handler) ListDirectional(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserID(ctx)
	if rep, err := h.Directional.ResolveUser(ctx, userID); err != nil {
		slog.Warn("lazy directional resolution failed", "user", userID, "err", err)
	} else if rep.Resolved+rep.Abandoned > 0 {
		slog.Info("lazy directional resolution", "user", userID, "report", rep)
	}

	wagers, err := h.Positions.Directional(ctx, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if wagers == nil {
		wagers = []model.DirectionalWager{}
	}
	writeJSON(w, http.StatusOK, wagers)
}

// --- Hourly ---

// PlaceHourly handles POST /api/v1/hourly.
func (h *Handler) PlaceHourly(w http.ResponseWriter, r *http.Request) {
	var req position.HourlyRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = auth.UserID(r.Context())
	wager, err := h.Positions.PlaceHourly(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wager)
}

// ListHourly handles GET /api/v1/hourly. Elapsed slots are resolved before
// listing.
func (h *Handler) ListHourly(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserID(ctx)
	if _, err := h.Hourly.ResolveUser(ctx, userID); err != nil {
		slog.Warn("lazy hourly resolution failed", "user", userID, "err", err)
	}

	wagers, err := h.Positions.Hourly(ctx, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if wagers == nil {
		wagers = []model.HourlyWager{}
	}
	writeJSON(w, http.StatusOK, wagers)
}

type dismissRequest struct {
	ID string `json:"id"`
}

// DismissHourly handles POST /api/v1/hourly/dismiss.
func (h *Handler) DismissHourly(w http.ResponseWriter, r *http.Request) {
	var req dismissRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Positions.DismissHourly(r.Context(), auth.UserID(r.Context()), req.ID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resetRequest struct {
	Scope string `json:"scope"`
}

// ResetScope handles POST /api/v1/directional/reset.
func (h *Handler) ResetScope(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Positions.ResetScope(r.Context(), auth.UserID(r.Context()), req.Scope)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Allocations ---

// Allocate handles POST /api/v1/allocations.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req position.AllocationRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = auth.UserID(r.Context())
	a, err := h.Positions.Allocate(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ListAllocations handles GET /api/v1/allocations.
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	allocs, err := h.Positions.Allocations(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	if allocs == nil {
		allocs = []model.Allocation{}
	}
	writeJSON(w, http.StatusOK, allocs)
}

// --- Boosts ---

// ApplyBoost handles POST /api/v1/boosts.
func (h *Handler) ApplyBoost(w http.ResponseWriter, r *http.Request) {
	var req boost.Request
	if !decode(w, r, &req) {
		return
	}
	req.UserID = auth.UserID(r.Context())
	res, err := h.Boosts.Apply(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Listings ---

// ListOpen handles GET /api/v1/listings.
func (h *Handler) ListOpen(w http.ResponseWriter, r *http.Request) {
	ls, err := h.Trades.Open(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if ls == nil {
		ls = []model.Listing{}
	}
	writeJSON(w, http.StatusOK, ls)
}

// CreateListing handles POST /api/v1/listings.
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req trade.ListRequest
	if !decode(w, r, &req) {
		return
	}
	l, err := h.Trades.List(r.Context(), auth.UserID(r.Context()), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// CancelListing handles POST /api/v1/listings/{listingID}/cancel.
func (h *Handler) CancelListing(w http.ResponseWriter, r *http.Request) {
	if err := h.Trades.Cancel(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "listingID")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BuyListing handles POST /api/v1/listings/{listingID}/buy.
func (h *Handler) BuyListing(w http.ResponseWriter, r *http.Request) {
	l, err := h.Trades.Buy(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "listingID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// --- Maintenance ---

// TriggerJob handles POST /api/v1/admin/jobs/{name}.
func (h *Handler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	start := time.Now()
	err := h.Jobs.Trigger(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "duration_ms": time.Since(start).Milliseconds()})
}

type pendingOutcomeRequest struct {
	Day    string          `json:"day"`
	ValueA decimal.Decimal `json:"value_a"`
	ValueB decimal.Decimal `json:"value_b"`
}

// StagePending handles POST /api/v1/admin/outcomes/pending.
func (h *Handler) StagePending(w http.ResponseWriter, r *http.Request) {
	var req pendingOutcomeRequest
	if !decode(w, r, &req) {
		return
	}
	day, err := model.ParseDay(req.Day)
	if err != nil {
		h.fail(w, model.Reject(model.CodeBadDate, err))
		return
	}
	if err := h.Publisher.Stage(r.Context(), day, req.ValueA, req.ValueB); err != nil {
		if errors.Is(err, settlement.ErrInvalidValues) {
			h.fail(w, model.Reject(model.CodeBadAmount, err))
			return
		}
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type presetRequest struct {
	Scope   string       `json:"scope"`
	Day     string       `json:"day"`
	Outcome model.Choice `json:"outcome"`
}

// SetPreset handles POST /api/v1/admin/presets.
func (h *Handler) SetPreset(w http.ResponseWriter, r *http.Request) {
	var req presetRequest
	if !decode(w, r, &req) {
		return
	}
	day, err := model.ParseDay(req.Day)
	if err != nil {
		h.fail(w, model.Reject(model.CodeBadDate, err))
		return
	}
	scope, err := station.ParseScope(req.Scope)
	if err != nil {
		h.fail(w, model.Reject(model.CodeBadRequest, err))
		return
	}
	if !req.Outcome.Valid() {
		h.fail(w, model.Reject(model.CodeBadChoice, position.ErrInvalidChoice))
		return
	}
	p := &model.PresetOutcome{Scope: scope.String(), Day: day, Outcome: req.Outcome}
	if err := h.Store.SetPreset(r.Context(), p); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// IngestObservation handles POST /api/v1/admin/observations.
func (h *Handler) IngestObservation(w http.ResponseWriter, r *http.Request) {
	var o model.Observation
	if !decode(w, r, &o) {
		return
	}
	if o.StationID == "" || o.ObservedAt.IsZero() {
		writeError(w, "station_id and observed_at are required", http.StatusBadRequest)
		return
	}
	if o.HumidityPct == nil && o.PrecipMM == nil && o.WeatherCode == nil {
		writeError(w, "observation carries no measurement", http.StatusBadRequest)
		return
	}
	o.ObservedAt = o.ObservedAt.UTC()
	if err := h.Store.InsertObservation(r.Context(), &o); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ReconcileUser handles GET /api/v1/admin/ledger/{userID}.
func (h *Handler) ReconcileUser(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Ledger.Reconcile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RecordArtBet handles POST /api/v1/admin/users/{userID}/art-bets.
func (h *Handler) RecordArtBet(w http.ResponseWriter, r *http.Request) {
	var req position.ArtBetRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = chi.URLParam(r, "userID")
	a, err := h.Positions.RecordArtBet(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// provision creates the wallet of an authenticated user seen for the first
// time. Points stay unset until the first balance read.
func (h *Handler) provision(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		claims, _ := auth.FromContext(ctx)
		_, err := h.Store.GetUser(ctx, claims.Subject)
		if errors.Is(err, store.ErrNotFound) {
			name := claims.Username
			if name == "" {
				name = claims.Subject
			}
			err = h.Store.CreateUser(ctx, &model.User{
				ID:        claims.Subject,
				Username:  name,
				Bolts:     h.BootstrapBolts,
				CreatedAt: h.Clock.Now(),
			})
			if errors.Is(err, store.ErrDuplicate) {
				err = nil
			}
			if err == nil {
				slog.Info("user provisioned", "user", claims.Subject)
			}
		}
		if err != nil {
			h.fail(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
