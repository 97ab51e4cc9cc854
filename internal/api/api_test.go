package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/api"
	"github.com/kazylambist/meteo/internal/auth"
	"github.com/kazylambist/meteo/internal/boost"
	"github.com/kazylambist/meteo/internal/ledger"
	"github.com/kazylambist/meteo/internal/limits"
	"github.com/kazylambist/meteo/internal/model"
	"github.com/kazylambist/meteo/internal/odds"
	"github.com/kazylambist/meteo/internal/position"
	"github.com/kazylambist/meteo/internal/scheduler"
	"github.com/kazylambist/meteo/internal/settlement"
	"github.com/kazylambist/meteo/internal/station"
	"github.com/kazylambist/meteo/internal/store"
	"github.com/kazylambist/meteo/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2026, 6, 10, 9, 30, 0, 0, time.UTC)

var testJWT = auth.JWT{Secret: []byte("api-test"), TokenTTL: time.Hour}

type testEnv struct {
	router http.Handler
	store  *store.MemoryStore
	clock  *model.FixedClock
}

// newTestEnv wires every service on the in-memory store behind the router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	clock := &model.FixedClock{T: now}
	dir := station.NewDirectory(nil, nil)
	l := ledger.New(ms, d(500), d(0.5), clock)
	engine := odds.NewEngine(odds.DefaultConfig(), nil, nil, station.Resolver{Dir: dir}, clock, time.UTC)
	publisher := settlement.NewPublisher(ms, nil, clock, time.UTC)

	jobs := scheduler.New(context.Background(), time.UTC)
	if err := jobs.Register(scheduler.JobPublish, "", func(ctx context.Context) error {
		_, err := publisher.PublishToday(ctx)
		return err
	}); err != nil {
		t.Fatal(err)
	}

	h := api.NewHandler(api.Deps{
		Store:          ms,
		Ledger:         l,
		Positions:      position.NewService(ms, l, engine, position.DefaultConfig(), clock, time.UTC),
		Boosts:         boost.NewService(ms, boost.DefaultConfig(), clock, time.UTC),
		Trades:         trade.NewService(ms, l, limits.NewSlotLimiter(3), dir, nil, clock, time.UTC),
		Quoter:         engine,
		Directional:    settlement.NewDirectionalResolver(ms, dir, nil, clock, time.UTC, 0),
		Hourly:         settlement.NewHourlyResolver(ms, nil, clock),
		Publisher:      publisher,
		Jobs:           jobs,
		JWT:            testJWT,
		Clock:          clock,
		BootstrapBolts: 10,
	})
	return &testEnv{router: api.NewRouter(h), store: ms, clock: clock}
}

func token(t *testing.T, user, role string) string {
	t.Helper()
	tok, _, err := testJWT.Sign(auth.Claims{Role: role, RegisteredClaims: jwt.RegisteredClaims{Subject: user}})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doAs(t, method, path, user, "", body)
}

func (e *testEnv) doAs(t *testing.T, method, path, user, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user, role))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
}

type meBody struct {
	Remaining decimal.Decimal `json:"remaining"`
	Bolts     int             `json:"bolts"`
}

func (e *testEnv) remaining(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	w := e.do(t, "GET", "/api/v1/me", user, nil)
	expectStatus(t, w, http.StatusOK)
	return decodeBody[meBody](t, w).Remaining
}

// --- Tests ---

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/health", "", nil)
	expectStatus(t, w, http.StatusOK)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/me", "", nil)
	expectStatus(t, w, http.StatusUnauthorized)
}

func TestMe_ProvisionsWallet(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/me", "alice", nil)
	expectStatus(t, w, http.StatusOK)

	me := decodeBody[meBody](t, w)
	if !me.Remaining.Equal(d(500)) || me.Bolts != 10 {
		t.Errorf("expected 500 points and 10 bolts, got %+v", me)
	}
	if _, err := env.store.GetUser(context.Background(), "alice"); err != nil {
		t.Errorf("user should be stored: %v", err)
	}
}

func TestOdds(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/odds?date=2026-06-15", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	q := decodeBody[odds.Quote](t, w)
	if !q.Rain.Equal(d(1.3)) || !q.NoRain.Equal(d(1.3)) || q.Offset != 5 {
		t.Errorf("expected table odds 1.3 at offset 5, got %+v", q)
	}

	w = env.do(t, "GET", "/api/v1/odds?date=2026-06-10", "alice", nil)
	expectStatus(t, w, http.StatusBadRequest)
	if body := decodeBody[map[string]any](t, w); body["error"] != model.CodeSameDay {
		t.Errorf("expected same_day, got %v", body)
	}
}

func TestDirectional_PlaceBoostAndLazyResolve(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/directional", "alice", map[string]any{
		"day": "2026-06-15", "choice": "RAIN", "amount": 50,
	})
	expectStatus(t, w, http.StatusCreated)
	wager := decodeBody[model.DirectionalWager](t, w)
	if !wager.Odds.Equal(d(1.3)) || wager.TargetTime != "18:00" {
		t.Errorf("unexpected wager %+v", wager)
	}
	if got := env.remaining(t, "alice"); !got.Equal(d(450)) {
		t.Fatalf("expected 450, got %s", got)
	}

	for i := 0; i < 2; i++ {
		w = env.do(t, "POST", "/api/v1/boosts", "alice", map[string]any{"day": "2026-06-15"})
		expectStatus(t, w, http.StatusOK)
	}
	if res := decodeBody[model.BoostResult](t, w); !res.Total.Equal(d(10)) || res.BoltsLeft != 8 {
		t.Errorf("expected total 10 with 8 bolts, got %+v", res)
	}

	w = env.doAs(t, "POST", "/api/v1/admin/observations", "ops", auth.RoleAdmin, map[string]any{
		"station_id":  station.DefaultStationID,
		"observed_at": "2026-06-15T18:30:00Z",
		"precip_mm":   1.2,
	})
	expectStatus(t, w, http.StatusCreated)

	env.clock.T = time.Date(2026, 6, 15, 19, 0, 0, 0, time.UTC)
	w = env.do(t, "GET", "/api/v1/directional", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	list := decodeBody[[]model.DirectionalWager](t, w)
	if len(list) != 1 || list[0].Status != model.StatusResolved || !list[0].Payout.Equal(d(565)) {
		t.Fatalf("expected lazy WIN paying 565, got %+v", list)
	}
	if got := env.remaining(t, "alice"); !got.Equal(d(1015)) {
		t.Errorf("expected 1015, got %s", got)
	}
}

func TestRejectionStatusMapping(t *testing.T) {
	env := newTestEnv(t)

	for _, hhmm := range []string{"09:00", "12:00", "15:00"} {
		w := env.do(t, "POST", "/api/v1/directional", "alice", map[string]any{
			"day": "2026-06-15", "target_time": hhmm, "choice": "RAIN", "amount": 10,
		})
		expectStatus(t, w, http.StatusCreated)
	}

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"fourth slot", map[string]any{"day": "2026-06-15", "target_time": "18:00", "choice": "RAIN", "amount": 10}, http.StatusConflict, model.CodeSlotLimit},
		{"opposite choice", map[string]any{"day": "2026-06-15", "target_time": "15:00", "choice": "NO_RAIN", "amount": 10}, http.StatusConflict, model.CodeChoiceConflict},
		{"budget", map[string]any{"day": "2026-06-15", "target_time": "15:00", "choice": "RAIN", "amount": 1000}, http.StatusConflict, model.CodeInsufficientBudget},
		{"bad date", map[string]any{"day": "soon", "choice": "RAIN", "amount": 10}, http.StatusBadRequest, model.CodeBadDate},
		{"too far", map[string]any{"day": "2026-08-01", "choice": "RAIN", "amount": 10}, http.StatusBadRequest, model.CodeTooFar},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/directional", "alice", tt.body)
			expectStatus(t, w, tt.status)
			if body := decodeBody[map[string]any](t, w); body["error"] != tt.code {
				t.Errorf("expected %s, got %v", tt.code, body)
			}
		})
	}

	w := env.do(t, "POST", "/api/v1/listings/missing/buy", "bob", nil)
	expectStatus(t, w, http.StatusNotFound)

	w = env.do(t, "POST", "/api/v1/directional", "alice", nil)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestListingFlow(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/directional", "alice", map[string]any{
		"day": "2026-06-15", "choice": "NO_RAIN", "amount": 12,
	})
	expectStatus(t, w, http.StatusCreated)
	wager := decodeBody[model.DirectionalWager](t, w)

	w = env.do(t, "POST", "/api/v1/listings", "alice", map[string]any{"wager_id": wager.ID, "ask_price": 10})
	expectStatus(t, w, http.StatusBadRequest)
	body := decodeBody[map[string]any](t, w)
	if body["error"] != model.CodePriceTooLow || body["min_price"] != "12" {
		t.Errorf("expected price_too_low with min_price 12, got %v", body)
	}

	w = env.do(t, "POST", "/api/v1/listings", "alice", map[string]any{"wager_id": wager.ID, "ask_price": 15})
	expectStatus(t, w, http.StatusCreated)
	listing := decodeBody[model.Listing](t, w)

	w = env.do(t, "GET", "/api/v1/listings", "bob", nil)
	expectStatus(t, w, http.StatusOK)
	if open := decodeBody[[]model.Listing](t, w); len(open) != 1 {
		t.Fatalf("expected one open listing, got %d", len(open))
	}

	w = env.do(t, "POST", "/api/v1/listings/"+listing.ID+"/buy", "alice", nil)
	expectStatus(t, w, http.StatusConflict)

	w = env.do(t, "POST", "/api/v1/listings/"+listing.ID+"/buy", "bob", nil)
	expectStatus(t, w, http.StatusOK)

	if got := env.remaining(t, "alice"); !got.Equal(d(503)) {
		t.Errorf("seller expected 503, got %s", got)
	}
	if got := env.remaining(t, "bob"); !got.Equal(d(485)) {
		t.Errorf("buyer expected 485, got %s", got)
	}

	w = env.do(t, "GET", "/api/v1/directional", "bob", nil)
	expectStatus(t, w, http.StatusOK)
	if owned := decodeBody[[]model.DirectionalWager](t, w); len(owned) != 1 || owned[0].ID != wager.ID {
		t.Errorf("bob should own the wager, got %+v", owned)
	}
}

func TestGift(t *testing.T) {
	env := newTestEnv(t)
	env.remaining(t, "bob")

	w := env.do(t, "POST", "/api/v1/gifts", "alice", map[string]any{"to": "bob", "amount": 40})
	expectStatus(t, w, http.StatusCreated)
	if got := env.remaining(t, "bob"); !got.Equal(d(540)) {
		t.Errorf("expected 540, got %s", got)
	}

	w = env.do(t, "POST", "/api/v1/gifts", "alice", map[string]any{"to": "alice", "amount": 1})
	expectStatus(t, w, http.StatusBadRequest)
}

func TestAdmin(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/admin/jobs/"+scheduler.JobPublish, "alice", nil)
	expectStatus(t, w, http.StatusForbidden)

	w = env.doAs(t, "POST", "/api/v1/admin/jobs/nope", "ops", auth.RoleAdmin, nil)
	expectStatus(t, w, http.StatusNotFound)

	w = env.doAs(t, "POST", "/api/v1/admin/outcomes/pending", "ops", auth.RoleAdmin, map[string]any{
		"day": "2026-06-10", "value_a": 101, "value_b": 97,
	})
	expectStatus(t, w, http.StatusNoContent)

	w = env.doAs(t, "POST", "/api/v1/admin/jobs/"+scheduler.JobPublish, "ops", auth.RoleAdmin, nil)
	expectStatus(t, w, http.StatusOK)
	if _, err := env.store.GetDailyOutcome(context.Background(), model.Day(now, time.UTC)); err != nil {
		t.Errorf("outcome should be published: %v", err)
	}

	w = env.doAs(t, "POST", "/api/v1/admin/presets", "ops", auth.RoleAdmin, map[string]any{
		"scope": "", "day": "2026-06-15", "outcome": "MAYBE",
	})
	expectStatus(t, w, http.StatusBadRequest)

	env.remaining(t, "alice")
	w = env.doAs(t, "GET", "/api/v1/admin/ledger/alice", "ops", auth.RoleAdmin, nil)
	expectStatus(t, w, http.StatusOK)
	if rec := decodeBody[ledger.Reconciliation](t, w); rec.Diverged || !rec.Stored.Equal(d(500)) {
		t.Errorf("unexpected reconciliation %+v", rec)
	}
}

func TestResetScope_RefundsFutureWagers(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/directional", "alice", map[string]any{
		"day": "2026-06-15", "choice": "RAIN", "amount": 50,
	})
	expectStatus(t, w, http.StatusCreated)

	w = env.do(t, "POST", "/api/v1/directional/reset", "alice", map[string]any{"scope": ""})
	expectStatus(t, w, http.StatusOK)
	res := decodeBody[model.ScopeReset](t, w)
	if res.Canceled != 1 || !res.Refunded.Equal(d(50)) {
		t.Errorf("expected one refunded wager, got %+v", res)
	}
	if got := env.remaining(t, "alice"); !got.Equal(d(500)) {
		t.Errorf("expected 500 after reset, got %s", got)
	}
}
