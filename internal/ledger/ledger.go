// Package ledger answers "how many points can this user spend" and audits
// the stored balance against a recomputation from wager history.
//
// The stored points column is the only runtime authority. The derived
// ledger is never used to serve a balance; it only feeds Reconcile and
// the periodic Auditor.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/metrics"
	"github.com/kazylambist/meteo/internal/model"
	"github.com/kazylambist/meteo/internal/store"
)

// ErrSelfGift is returned when a user tries to gift points to itself.
var ErrSelfGift = errors.New("ledger: cannot gift to yourself")

// Ledger computes balances for one store.
type Ledger struct {
	store     store.Store
	bootstrap decimal.Decimal
	tolerance decimal.Decimal
	clock     model.Clock
}

// New creates a ledger. bootstrap is the initial points of every wallet;
// tolerance is the divergence allowed before Reconcile flags a user.
func New(st store.Store, bootstrap, tolerance decimal.Decimal, clock model.Clock) *Ledger {
	return &Ledger{store: st, bootstrap: bootstrap, tolerance: tolerance, clock: clock}
}

// Bootstrap returns the initial points of a wallet.
func (l *Ledger) Bootstrap() decimal.Decimal { return l.bootstrap }

// Remaining returns the spendable balance: stored points plus bonus points.
// Unset points are initialised to the bootstrap value first.
func (l *Ledger) Remaining(ctx context.Context, userID string) (decimal.Decimal, error) {
	u, err := l.store.InitPoints(ctx, userID, l.bootstrap)
	if err != nil {
		return decimal.Zero, err
	}
	return remaining(u), nil
}

// Wallet returns the user after initialising its points.
func (l *Ledger) Wallet(ctx context.Context, userID string) (*model.User, decimal.Decimal, error) {
	u, err := l.store.InitPoints(ctx, userID, l.bootstrap)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return u, remaining(u), nil
}

func remaining(u *model.User) decimal.Decimal {
	return u.Points.Decimal.Add(u.BonusPoints).Round(model.PointsScale)
}

// Derived recomputes the balance from history. The result excludes nothing
// the stored column includes: bootstrap, every directional stake the user
// funded, every payout or refund credited to the user as owner, hourly
// stakes and payouts, trade purchases and sales, art bets and gifts.
// Only the total is floored at zero: points may go negative when a stake
// dips into bonus points.
func (l *Ledger) Derived(ctx context.Context, userID string) (points, total decimal.Decimal, err error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	t, err := l.store.LedgerTotals(ctx, userID)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("ledger totals: %w", err)
	}
	points = l.bootstrap.
		Sub(t.DirectionalStakes).Add(t.DirectionalPayouts).
		Sub(t.HourlyStakes).Add(t.HourlyPayouts).
		Sub(t.Purchases).Add(t.Sales).
		Add(t.ArtNet).
		Sub(t.GiftsSent)
	points = points.Round(model.PointsScale)
	total = points.Add(u.BonusPoints).Round(model.PointsScale)
	if total.IsNegative() {
		total = decimal.Zero
		points = u.BonusPoints.Neg()
	}
	return points, total, nil
}

// Reconciliation compares the stored and derived balances of one user.
type Reconciliation struct {
	UserID        string          `json:"user_id"`
	Stored        decimal.Decimal `json:"stored"`
	Derived       decimal.Decimal `json:"derived"`
	Delta         decimal.Decimal `json:"delta"`
	Diverged      bool            `json:"diverged"`
	Authoritative decimal.Decimal `json:"authoritative"`

	derivedPoints decimal.Decimal
}

// Reconcile computes both balances. When they differ by more than the
// tolerance the derived value is reported as authoritative; nothing is written.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (Reconciliation, error) {
	stored, err := l.Remaining(ctx, userID)
	if err != nil {
		return Reconciliation{}, err
	}
	points, derived, err := l.Derived(ctx, userID)
	if err != nil {
		return Reconciliation{}, err
	}
	delta := stored.Sub(derived)
	rec := Reconciliation{
		UserID:        userID,
		Stored:        stored,
		Derived:       derived,
		Delta:         delta,
		Diverged:      delta.Abs().GreaterThan(l.tolerance),
		Authoritative: stored,
		derivedPoints: points,
	}
	if rec.Diverged {
		rec.Authoritative = derived
	}
	return rec, nil
}

// Gift moves amount from one user's points to another user's bonus points.
func (l *Ledger) Gift(ctx context.Context, fromID, toID string, amount decimal.Decimal, note string) (*model.Gift, error) {
	if fromID == toID {
		return nil, model.Reject(model.CodeSelfGift, ErrSelfGift)
	}
	if !amount.IsPositive() {
		return nil, model.Reject(model.CodeBadAmount, errors.New("ledger: amount must be positive"))
	}
	if _, err := l.store.InitPoints(ctx, fromID, l.bootstrap); err != nil {
		return nil, err
	}
	if _, err := l.store.InitPoints(ctx, toID, l.bootstrap); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.Reject(model.CodeNotFound, err, "user_id", toID)
		}
		return nil, err
	}
	g := &model.Gift{
		ID:        uuid.New().String(),
		FromID:    fromID,
		ToID:      toID,
		Amount:    amount.Round(model.PointsScale),
		Note:      note,
		CreatedAt: l.clock.Now(),
	}
	if err := l.store.TransferGift(ctx, g); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			balance, _ := l.Remaining(ctx, fromID)
			return nil, model.Reject(model.CodeInsufficientBudget, err, "balance", balance, "required", g.Amount)
		}
		return nil, err
	}
	slog.Info("gift sent", "from", fromID, "to", toID, "amount", g.Amount.String())
	return g, nil
}

// AuditReport summarises one audit pass.
type AuditReport struct {
	Checked  int `json:"checked"`
	Diverged int `json:"diverged"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

// Auditor walks every user and reconciles its balance. With Repair set,
// diverged wallets are overwritten with the derived points.
type Auditor struct {
	Ledger *Ledger
	Store  store.Store
	Repair bool
}

// Run performs one audit pass. Per-user failures are logged and counted.
func (a *Auditor) Run(ctx context.Context) (AuditReport, error) {
	start := time.Now()
	var rep AuditReport
	ids, err := a.Store.ListUserIDs(ctx)
	if err != nil {
		return rep, fmt.Errorf("list users: %w", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rec, err := a.Ledger.Reconcile(ctx, id)
		if err != nil {
			rep.Failed++
			slog.Error("ledger audit failed", "user", id, "err", err)
			continue
		}
		rep.Checked++
		if !rec.Diverged {
			continue
		}
		rep.Diverged++
		metrics.LedgerDivergences.Inc()
		slog.Warn("ledger divergence",
			"user", id,
			"stored", rec.Stored.String(),
			"derived", rec.Derived.String(),
			"delta", rec.Delta.String(),
		)
		if !a.Repair {
			continue
		}
		if err := a.Store.SetPoints(ctx, id, rec.derivedPoints); err != nil {
			rep.Failed++
			slog.Error("ledger repair failed", "user", id, "err", err)
			continue
		}
		rep.Repaired++
	}
	slog.Info("ledger audit complete",
		"checked", rep.Checked,
		"diverged", rep.Diverged,
		"repaired", rep.Repaired,
		"failed", rep.Failed,
		"duration", time.Since(start).String(),
	)
	return rep, nil
}
