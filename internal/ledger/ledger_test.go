package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/model"
	"github.com/kazylambist/meteo/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestLedger(t *testing.T, users ...string) (*Ledger, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	for _, id := range users {
		if err := st.CreateUser(context.Background(), &model.User{ID: id, Username: id, Bolts: 10}); err != nil {
			t.Fatalf("create user %s: %v", id, err)
		}
	}
	clock := model.FixedClock{T: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	return New(st, d(500), d(0.5), clock), st
}

func TestRemaining_InitialisesBootstrap(t *testing.T) {
	l, st := newTestLedger(t, "alice")
	ctx := context.Background()

	got, err := l.Remaining(ctx, "alice")
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if !got.Equal(d(500)) {
		t.Errorf("expected bootstrap 500, got %s", got)
	}
	u, _ := st.GetUser(ctx, "alice")
	if !u.Points.Valid {
		t.Error("points should be initialised after the first read")
	}

	// A second read does not reinitialise.
	if err := st.CreditPoints(ctx, "alice", d(25)); err != nil {
		t.Fatal(err)
	}
	got, _ = l.Remaining(ctx, "alice")
	if !got.Equal(d(525)) {
		t.Errorf("expected 525, got %s", got)
	}
}

func TestRemaining_UnknownUser(t *testing.T) {
	l, _ := newTestLedger(t)
	if _, err := l.Remaining(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGift(t *testing.T) {
	l, _ := newTestLedger(t, "alice", "bob")
	ctx := context.Background()

	g, err := l.Gift(ctx, "alice", "bob", d(40), "merci")
	if err != nil {
		t.Fatalf("Gift failed: %v", err)
	}
	if g.ID == "" {
		t.Error("gift should have an id")
	}

	alice, _ := l.Remaining(ctx, "alice")
	bob, _ := l.Remaining(ctx, "bob")
	if !alice.Equal(d(460)) {
		t.Errorf("sender: expected 460, got %s", alice)
	}
	if !bob.Equal(d(540)) {
		t.Errorf("recipient: expected 540 (500 + 40 bonus), got %s", bob)
	}
}

func TestGift_Rejections(t *testing.T) {
	l, _ := newTestLedger(t, "alice", "bob")
	ctx := context.Background()

	tests := []struct {
		name   string
		from   string
		to     string
		amount float64
		code   string
	}{
		{"self", "alice", "alice", 10, model.CodeSelfGift},
		{"zero", "alice", "bob", 0, model.CodeBadAmount},
		{"too much", "alice", "bob", 600, model.CodeInsufficientBudget},
		{"unknown recipient", "alice", "ghost", 10, model.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Gift(ctx, tt.from, tt.to, d(tt.amount), "")
			rej, ok := model.AsRejection(err)
			if !ok || rej.Code != tt.code {
				t.Fatalf("expected %s rejection, got %v", tt.code, err)
			}
		})
	}

	// The failed gifts moved nothing.
	alice, _ := l.Remaining(ctx, "alice")
	if !alice.Equal(d(500)) {
		t.Errorf("expected 500 after rejected gifts, got %s", alice)
	}
}

func TestGift_InsufficientCarriesBalance(t *testing.T) {
	l, _ := newTestLedger(t, "alice", "bob")
	_, err := l.Gift(context.Background(), "alice", "bob", d(501), "")
	rej, ok := model.AsRejection(err)
	if !ok {
		t.Fatalf("expected rejection, got %v", err)
	}
	bal, _ := rej.Detail["balance"].(decimal.Decimal)
	if !bal.Equal(d(500)) {
		t.Errorf("expected balance 500 in detail, got %v", rej.Detail["balance"])
	}
}

func TestReconcile_InAgreement(t *testing.T) {
	l, _ := newTestLedger(t, "alice", "bob")
	ctx := context.Background()
	if _, err := l.Gift(ctx, "alice", "bob", d(100), ""); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"alice", "bob"} {
		rec, err := l.Reconcile(ctx, id)
		if err != nil {
			t.Fatalf("Reconcile(%s) failed: %v", id, err)
		}
		if rec.Diverged {
			t.Errorf("%s: stored %s and derived %s should agree", id, rec.Stored, rec.Derived)
		}
	}
}

func TestReconcile_DetectsDrift(t *testing.T) {
	l, st := newTestLedger(t, "alice")
	ctx := context.Background()
	if _, err := l.Remaining(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	// Within tolerance.
	if err := st.SetPoints(ctx, "alice", d(500.4)); err != nil {
		t.Fatal(err)
	}
	rec, _ := l.Reconcile(ctx, "alice")
	if rec.Diverged {
		t.Errorf("0.4 drift should be tolerated, got %+v", rec)
	}

	// Beyond tolerance: derived wins, stored is untouched.
	if err := st.SetPoints(ctx, "alice", d(800)); err != nil {
		t.Fatal(err)
	}
	rec, _ = l.Reconcile(ctx, "alice")
	if !rec.Diverged {
		t.Fatal("expected divergence")
	}
	if !rec.Authoritative.Equal(d(500)) {
		t.Errorf("expected derived 500 authoritative, got %s", rec.Authoritative)
	}
	stored, _ := l.Remaining(ctx, "alice")
	if !stored.Equal(d(800)) {
		t.Errorf("Reconcile must not write, stored is %s", stored)
	}
}

func TestAuditor_Repair(t *testing.T) {
	l, st := newTestLedger(t, "alice", "bob")
	ctx := context.Background()
	if _, err := l.Gift(ctx, "bob", "alice", d(10), ""); err != nil {
		t.Fatal(err)
	}
	if err := st.SetPoints(ctx, "alice", d(900)); err != nil {
		t.Fatal(err)
	}

	report, err := (&Auditor{Ledger: l, Store: st}).Run(ctx)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if report.Checked != 2 || report.Diverged != 1 || report.Repaired != 0 {
		t.Errorf("unexpected report without repair: %+v", report)
	}

	report, err = (&Auditor{Ledger: l, Store: st, Repair: true}).Run(ctx)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if report.Repaired != 1 {
		t.Errorf("expected one repair, got %+v", report)
	}
	got, _ := l.Remaining(ctx, "alice")
	if !got.Equal(d(510)) {
		t.Errorf("expected repaired balance 510 (500 + 10 bonus), got %s", got)
	}
}

func TestReconcile_StakeIntoBonus(t *testing.T) {
	l, st := newTestLedger(t, "alice", "bob")
	ctx := context.Background()
	if _, err := l.Gift(ctx, "alice", "bob", d(100), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Remaining(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	w := &model.DirectionalWager{
		ID: "w-bob", UserID: "bob", PlacedBy: "bob",
		Day: time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC), TargetTime: "18:00",
		Choice: model.ChoiceRain, Stake: d(550), Odds: d(1.3), Status: model.StatusActive, Funded: true,
	}
	if err := st.PlaceDirectional(ctx, w, nil); err != nil {
		t.Fatal(err)
	}

	rec, err := l.Reconcile(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Diverged || !rec.Stored.Equal(d(50)) || !rec.Derived.Equal(d(50)) {
		t.Fatalf("spending into bonus should not diverge, got %+v", rec)
	}

	if _, err := (&Auditor{Ledger: l, Store: st, Repair: true}).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := l.Remaining(ctx, "bob"); !got.Equal(d(50)) {
		t.Errorf("audit should leave 50, got %s", got)
	}
}
