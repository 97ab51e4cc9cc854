package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/ledger"
	"github.com/kazylambist/meteo/internal/model"
	"github.com/kazylambist/meteo/internal/station"
	"github.com/kazylambist/meteo/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func f64(f float64) *float64 { return &f }
func code(c int) *int { return &c }

var targetDay = time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Notify(e model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type testEnv struct {
	store  *store.MemoryStore
	ledger *ledger.Ledger
	clock  *model.FixedClock
	events *recorder
	dir    *station.Directory
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		if err := st.CreateUser(ctx, &model.User{ID: id, Username: id, Bolts: 10}); err != nil {
			t.Fatal(err)
		}
	}
	clock := &model.FixedClock{T: now}
	return &testEnv{
		store:  st,
		ledger: ledger.New(st, d(500), d(0.5), clock),
		clock:  clock,
		events: &recorder{},
		dir:    station.NewDirectory(nil, nil),
	}
}

func (e *testEnv) directional(retry time.Duration) *DirectionalResolver {
	return NewDirectionalResolver(e.store, e.dir, e.events, e.clock, time.UTC, retry)
}

func (e *testEnv) balance(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	b, err := e.ledger.Remaining(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func (e *testEnv) placeDirectional(t *testing.T, id, user, scope string, choice model.Choice, stake, odds float64) {
	t.Helper()
	e.balance(t, user)
	w := &model.DirectionalWager{
		ID:         id,
		UserID:     user,
		PlacedBy:   user,
		Day:        targetDay,
		TargetTime: "18:00",
		Scope:      scope,
		Choice:     choice,
		Stake:      d(stake),
		Odds:       d(odds),
		Status:     model.StatusActive,
		Funded:     true,
		Payout:     decimal.Zero,
	}
	if err := e.store.PlaceDirectional(context.Background(), w, nil); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) observe(t *testing.T, stationID string, at time.Time, o model.Observation) {
	t.Helper()
	o.StationID = stationID
	o.ObservedAt = at
	if err := e.store.InsertObservation(context.Background(), &o); err != nil {
		t.Fatal(err)
	}
}

// --- Directional ---

func TestDirectional_WinWithBoost(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, 6, 15, 19, 0, 0, 0, time.UTC))
	ctx := context.Background()

	env.placeDirectional(t, "w1", "alice", "", model.ChoiceRain, 50, 1.3)
	if got := env.balance(t, "alice"); !got.Equal(d(450)) {
		t.Fatalf("expected 450 after placement, got %s", got)
	}
	key := model.BoostKey{UserID: "alice", Day: targetDay}
	for i := 0; i < 2; i++ {
		if _, err := env.store.ApplyBoost(ctx, key, d(5), d(25)); err != nil {
			t.Fatal(err)
		}
	}
	env.observe(t, station.DefaultStationID, time.Date(2026, 6, 15, 18, 30, 0, 0, time.UTC), model.Observation{PrecipMM: f64(1.2)})

	rep, err := env.directional(0).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Resolved != 1 {
		t.Fatalf("expected one resolution, got %s", rep)
	}

	w, _ := env.store.GetDirectional(ctx, "w1")
	if w.Status != model.StatusResolved || w.Verdict != model.VerdictWin || w.ObservedOutcome != model.ChoiceRain {
		t.Errorf("unexpected resolution: %+v", w)
	}
	if !w.Payout.Equal(d(565)) {
		t.Errorf("expected payout 565, got %s", w.Payout)
	}
	if got := env.balance(t, "alice"); !got.Equal(d(1015)) {
		t.Errorf("expected 1015 after payout, got %s", got)
	}
	rec, err := env.ledger.Reconcile(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Diverged {
		t.Errorf("stored and derived ledger should agree: %+v", rec)
	}
	if env.events.count(model.EventWagerResolved) != 1 {
		t.Error("expected a wager_resolved event")
	}
}

func TestDirectional_LoseAndIdempotent(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, 6, 15, 19, 0, 0, 0, time.UTC))
	ctx := context.Background()

	env.placeDirectional(t, "w1", "alice", "", model.ChoiceRain, 50, 1.3)
	env.observe(t, station.DefaultStationID, time.Date(2026, 6, 15, 18, 10, 0, 0, time.UTC), model.Observation{PrecipMM: f64(0)})

	res := env.directional(0)
	if _, err := res.Run(ctx); err != nil {
		t.Fatal(err)
	}
	rep, err := res.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Resolved != 0 {
		t.Errorf("second run must be a no-op, got %s", rep)
	}

	w, _ := env.store.GetDirectional(ctx, "w1")
	if w.Verdict != model.VerdictLose || !w.Payout.IsZero() {
		t.Errorf("expected LOSE with no payout, got %+v", w)
	}
	if got := env.balance(t, "alice"); !got.Equal(d(450)) {
		t.Errorf("expected 450, got %s", got)
	}
}

func TestDirectional_ObservationBeforeTargetIgnored(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, 6, 15, 19, 0, 0, 0, time.UTC))
	ctx := context.Background()

	env.placeDirectional(t, "w1", "alice", "", model.ChoiceRain, 10, 1.5)
	env.observe(t, station.DefaultStationID, time.Date(2026, 6, 15, 17, 59, 0, 0, time.UTC), model.Observation{PrecipMM: f64(3)})

	rep, err := env.directional(0).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Deferred != 1 || rep.Resolved != 0 {
		t.Errorf("expected deferral, got %s", rep)
	}
}

func TestDirectional_NotYetDue(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, 6, 15, 17, 0, 0, 0, time.UTC))
	ctx := context.Background()

	env.placeDirectional(t, "w1", "alice", "", model.ChoiceRain, 10, 1.5)
	env.observe(t, station.DefaultStationID, time.Date(2026, 6, 15, 18, 0, 0, 0, time.UTC), model.Observation{PrecipMM: f64(3)})

	rep, err := env.directional(0).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep != (Report{}) {
		t.Errorf("wager before its target must be left alone, got %s", rep)
	}
}

func TestDirectional_WeatherCodeProxy(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, 6, 15, 19, 0, 0, 0, time.UTC))
	ctx := context.Background()

	env.placeDirectional(t, "w1", "alice", "", model.ChoiceNoRain, 10, 2)
	env.observe(t, station.DefaultStationID, time.Date(2026, 6, 15, 18, 0, 0, 0, time.UTC), model.Observation{WeatherCode: code(61)})

	if _, err := env.directional(0).Run(ctx); err != nil {
		t.Fatal(err)
	}
	w, _ := env.store.GetDirectional(ctx, "w1")
	if w.ObservedOutcome != model.ChoiceRain || w.ObservedMM == nil || *w.ObservedMM != RainProxyMM {
		t.Errorf("code 61 should read as 0.1mm of rain, got %+v", w)
	}
	if w.Verdict != model.VerdictLose {
		t.Errorf("NO_RAIN should lose, got %s", w.Verdict)
	}
}

func TestDirectional_LiteralStationThenAlias(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, 6, 15, 19, 0, 0, 0, time.UTC))
	ctx := context.Background()

	// LFPG aliases the default physical station; only the alias has data.
	env.placeDirectional(t, "w1", "alice", "LFPG", model.ChoiceRain, 10, 2)
	env.observe(t, station.DefaultStationID, time.Date(2026, 6, 15, 18, 20, 0, 0, time.UTC), model.Observation{PrecipMM: f64(0.4)})

	if _, err := env.directional(0).Run(ctx); err != nil {
		t.Fatal(err)
	}
	w, _ := env.store.GetDirectional(ctx, "w1")
	if w.Verdict != model.VerdictWin || !w.Payout.Equal(d(20)) {
		t.Errorf("expected WIN 20 via alias, got %s %s", w.Verdict, w.Payout)
	}

	// The literal station wins when it has its own reading.
	env.placeDirectional(t, "w2", "bob", "LFPG", model.ChoiceRain, 10, 2)
	env.observe(t, "LFPG", time.Date(2026, 6, 15, 18, 5, 0, 0, time.UTC), model.Observation{PrecipMM: f64(0)})
	if _, err := env.directional(0).ResolveUser(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	w, _ = env.store.GetDirectional(ctx, "w2")
	if w.Verdict != model.VerdictLose {
		t.Errorf("literal station reading should decide, got %s", w.Verdict)
	}
}

func TestDirectional_PresetTakesPrecedence(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, 6, 15, 19, 0, 0, 0, time.UTC))
	ctx := context.Background()

	env.placeDirectional(t, "w1", "alice", "", model.ChoiceNoRain, 10, 1.4)
	env.observe(t, station.DefaultStationID, time.Date(2026, 6, 15, 18, 0, 0, 0, time.UTC), model.Observation{PrecipMM: f64(5)})
	if err := env.store.SetPreset(ctx, &model.PresetOutcome{Scope: "", Day: targetDay, Outcome: model.ChoiceNoRain}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.directional(0).Run(ctx); err != nil {
		t.Fatal(err)
	}
	w, _ := env.store.GetDirectional(ctx, "w1")
	if w.Verdict != model.VerdictWin || w.ObservedMM != nil {
		t.Errorf("preset should decide without a measurement, got %+v", w)
	}
	if !w.Payout.Equal(d(14)) {
		t.Errorf("expected payout 14, got %s", w.Payout)
	}
}

func TestDirectional_AbandonedAfterRetryWindow(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, 6, 16, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	env.placeDirectional(t, "w1", "alice", "", model.ChoiceRain, 40, 1.3)
	res := env.directional(48 * time.Hour)

	rep, err := res.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Deferred != 1 {
		t.Fatalf("inside the retry window the wager waits, got %s", rep)
	}

	env.clock.T = time.Date(2026, 6, 17, 18, 1, 0, 0, time.UTC)
	rep, err = res.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Abandoned != 1 {
		t.Fatalf("expected abandonment, got %s", rep)
	}
	w, _ := env.store.GetDirectional(ctx, "w1")
	if w.Status != model.StatusCanceled || !w.Payout.Equal(d(40)) {
		t.Errorf("expected CANCELED with refund, got %+v", w)
	}
	if got := env.balance(t, "alice"); !got.Equal(d(500)) {
		t.Errorf("stake should be refunded, got %s", got)
	}
	if env.events.count(model.EventWagerAbandoned) != 1 {
		t.Error("expected a wager_abandoned event")
	}
}

func TestDirectional_ResolutionCancelsOpenListing(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, 6, 15, 19, 0, 0, 0, time.UTC))
	ctx := context.Background()

	env.placeDirectional(t, "w1", "alice", "", model.ChoiceRain, 10, 1.3)
	l := &model.Listing{
		ID:        "l1",
		SellerID:  "alice",
		Kind:      model.ListingKindDirectional,
		WagerID:   "w1",
		Status:    model.ListingOpen,
		AskPrice:  d(12),
		ExpiresAt: model.EndOfDay(targetDay, time.UTC),
	}
	if err := env.store.CreateListing(ctx, l); err != nil {
		t.Fatal(err)
	}
	env.observe(t, station.DefaultStationID, time.Date(2026, 6, 15, 18, 0, 0, 0, time.UTC), model.Observation{PrecipMM: f64(1)})

	if _, err := env.directional(0).Run(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := env.store.GetListing(ctx, "l1")
	if got.Status != model.ListingCancelled {
		t.Errorf("listing should be cancelled on resolution, got %s", got.Status)
	}
}

func TestDirectional_ConcurrentRunsPayOnce(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, 6, 15, 19, 0, 0, 0, time.UTC))
	ctx := context.Background()

	env.placeDirectional(t, "w1", "alice", "", model.ChoiceRain, 50, 2)
	env.observe(t, station.DefaultStationID, time.Date(2026, 6, 15, 18, 0, 0, 0, time.UTC), model.Observation{PrecipMM: f64(2)})

	res := env.directional(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := res.Run(ctx); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := env.balance(t, "alice"); !got.Equal(d(550)) {
		t.Errorf("payout must be credited exactly once, got balance %s", got)
	}
}

// --- Hourly ---

func placeHourly(t *testing.T, env *testEnv, id string, target int, stake, odds float64) {
	t.Helper()
	env.balance(t, "alice")
	w := &model.HourlyWager{
		ID:        id,
		UserID:    "alice",
		StationID: station.DefaultStationID,
		Slot:      time.Date(2026, 6, 15, 14, 0, 0, 0, time.UTC),
		TargetPct: target,
		Stake:     d(stake),
		Odds:      d(odds),
		Status:    model.StatusActive,
		Payout:    decimal.Zero,
	}
	if err := env.store.PlaceHourly(context.Background(), w, nil); err != nil {
		t.Fatal(err)
	}
}

func TestHourlyResult(t *testing.T) {
	tests := []struct {
		observed int
		outcome  model.HourlyOutcome
		payout   float64
	}{
		{80, model.HourlyExact, 40},
		{83, model.HourlyWin, 20},
		{77, model.HourlyWin, 20},
		{84, model.HourlyLose, 0},
		{85, model.HourlyLose, 0},
	}
	for _, tt := range tests {
		outcome, payout := HourlyResult(80, tt.observed, d(10), d(2))
		if outcome != tt.outcome || !payout.Equal(d(tt.payout)) {
			t.Errorf("observed %d: expected %s/%v, got %s/%s", tt.observed, tt.outcome, tt.payout, outcome, payout)
		}
	}
}

func TestHourly_ResolvesAfterSlotElapsed(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, 6, 15, 14, 30, 0, 0, time.UTC))
	ctx := context.Background()

	placeHourly(t, env, "h1", 80, 10, 1.5)
	env.observe(t, station.DefaultStationID, time.Date(2026, 6, 15, 14, 20, 0, 0, time.UTC), model.Observation{HumidityPct: f64(80.2)})

	res := NewHourlyResolver(env.store, env.events, env.clock)
	rep, err := res.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep != (Report{}) {
		t.Fatalf("slot still running, got %s", rep)
	}

	env.clock.T = time.Date(2026, 6, 15, 15, 0, 0, 0, time.UTC)
	rep, err = res.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Resolved != 1 {
		t.Fatalf("expected resolution, got %s", rep)
	}
	hs, _ := env.store.ListHourly(ctx, "alice")
	if hs[0].Outcome != model.HourlyExact || !hs[0].Payout.Equal(d(30)) || *hs[0].ObservedPct != 80 {
		t.Errorf("expected EXACT paying 30, got %+v", hs[0])
	}
	if got := env.balance(t, "alice"); !got.Equal(d(520)) {
		t.Errorf("expected 520, got %s", got)
	}
}

func TestHourly_FallsBackToLatestReading(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, 6, 15, 16, 0, 0, 0, time.UTC))
	ctx := context.Background()

	placeHourly(t, env, "h1", 80, 10, 1.5)
	env.observe(t, station.DefaultStationID, time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC), model.Observation{HumidityPct: f64(60)})
	env.observe(t, station.DefaultStationID, time.Date(2026, 6, 15, 13, 50, 0, 0, time.UTC), model.Observation{HumidityPct: f64(83)})
	env.observe(t, station.DefaultStationID, time.Date(2026, 6, 15, 15, 10, 0, 0, time.UTC), model.Observation{HumidityPct: f64(80)})

	if _, err := NewHourlyResolver(env.store, env.events, env.clock).Run(ctx); err != nil {
		t.Fatal(err)
	}
	hs, _ := env.store.ListHourly(ctx, "alice")
	if hs[0].Outcome != model.HourlyWin || *hs[0].ObservedPct != 83 {
		t.Errorf("expected WIN on the 13:50 reading, got %+v", hs[0])
	}
}

func TestHourly_NoReadingDefers(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, 6, 15, 16, 0, 0, 0, time.UTC))
	ctx := context.Background()

	placeHourly(t, env, "h1", 80, 10, 1.5)
	rep, err := NewHourlyResolver(env.store, env.events, env.clock).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Deferred != 1 {
		t.Errorf("expected deferral, got %s", rep)
	}
	hs, _ := env.store.ListHourly(ctx, "alice")
	if hs[0].Status != model.StatusActive {
		t.Errorf("wager should stay ACTIVE, got %s", hs[0].Status)
	}
}

// --- Maturity ---

func TestMaturity_SettlesOnPublishedOutcome(t *testing.T) {
	today := time.Date(2026, 7, 6, 10, 5, 0, 0, time.UTC)
	env := newTestEnv(t, today)
	ctx := context.Background()
	assets := [2]string{"PIERRE", "MARIE"}

	a := &model.Allocation{
		ID:           "a1",
		UserID:       "alice",
		Asset:        "PIERRE",
		Principal:    d(0.4),
		StartValue:   d(100),
		StartDate:    time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		MaturityDate: model.Day(today, time.UTC),
		Status:       model.StatusActive,
	}
	if err := env.store.CreateAllocation(ctx, a, nil); err != nil {
		t.Fatal(err)
	}
	settler := NewMaturitySettler(env.store, assets, env.events, env.clock, time.UTC)

	rep, err := settler.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Deferred != 1 {
		t.Fatalf("unpublished day must defer, got %s", rep)
	}

	pub := NewPublisher(env.store, env.events, env.clock, time.UTC)
	if err := pub.Stage(ctx, today, d(120), d(90)); err != nil {
		t.Fatal(err)
	}
	if _, err := pub.PublishToday(ctx); err != nil {
		t.Fatal(err)
	}

	rep, err = settler.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Resolved != 1 {
		t.Fatalf("expected settlement, got %s", rep)
	}
	allocs, _ := env.store.ListAllocations(ctx, "alice")
	if allocs[0].Status != model.StatusSettled || !allocs[0].SettledPrincipal.Equal(d(0.48)) {
		t.Errorf("expected SETTLED at 0.48, got %+v", allocs[0])
	}
	bal, _ := env.store.AssetBalances(ctx, "alice")
	if !bal["PIERRE"].Equal(d(0.48)) {
		t.Errorf("expected 0.48 credited to PIERRE, got %s", bal["PIERRE"])
	}

	rep, err = settler.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep != (Report{}) {
		t.Errorf("settled rows are no longer due, got %s", rep)
	}
}

func TestMaturity_SettlesOnValueAtMaturityDate(t *testing.T) {
	maturity := time.Date(2026, 6, 1, 10, 5, 0, 0, time.UTC)
	env := newTestEnv(t, maturity)
	ctx := context.Background()
	pub := NewPublisher(env.store, env.events, env.clock, time.UTC)

	publish := func(at time.Time, a float64) {
		t.Helper()
		env.clock.T = at
		if err := pub.Stage(ctx, at, d(a), d(90)); err != nil {
			t.Fatal(err)
		}
		if _, err := pub.PublishToday(ctx); err != nil {
			t.Fatal(err)
		}
	}
	publish(maturity, 120)

	a := &model.Allocation{
		ID:           "a-past",
		UserID:       "alice",
		Asset:        "PIERRE",
		Principal:    d(0.4),
		StartValue:   d(100),
		StartDate:    time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		MaturityDate: model.Day(maturity, time.UTC),
		Status:       model.StatusActive,
	}
	if err := env.store.CreateAllocation(ctx, a, nil); err != nil {
		t.Fatal(err)
	}

	// The settler only runs nine days later, after the value has moved.
	publish(time.Date(2026, 6, 10, 10, 5, 0, 0, time.UTC), 150)

	rep, err := NewMaturitySettler(env.store, [2]string{"PIERRE", "MARIE"}, env.events, env.clock, time.UTC).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Resolved != 1 {
		t.Fatalf("expected settlement, got %s", rep)
	}
	allocs, _ := env.store.ListAllocations(ctx, "alice")
	if !allocs[0].SettledPrincipal.Equal(d(0.48)) {
		t.Errorf("expected 0.48 from the maturity-date value, got %s", allocs[0].SettledPrincipal)
	}
}

func TestMultiplier_ZeroStart(t *testing.T) {
	if m := Multiplier(decimal.Zero, d(120)); !m.IsZero() {
		t.Errorf("expected zero multiplier, got %s", m)
	}
	if m := Multiplier(d(100), d(80)); !m.Equal(d(0.8)) {
		t.Errorf("expected 0.8, got %s", m)
	}
}

func TestPublishToday(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, 7, 6, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()
	pub := NewPublisher(env.store, env.events, env.clock, time.UTC)

	if _, err := pub.PublishToday(ctx); err == nil {
		t.Fatal("expected ErrNoPending without a staged outcome")
	}
	if err := pub.Stage(ctx, env.clock.T, d(-1), d(1)); err != ErrInvalidValues {
		t.Errorf("expected ErrInvalidValues, got %v", err)
	}
	if err := pub.Stage(ctx, env.clock.T, d(101.5), d(98)); err != nil {
		t.Fatal(err)
	}
	first, err := pub.PublishToday(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := pub.PublishToday(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !first.PublishedAt.Equal(second.PublishedAt) || !second.ValueA.Equal(d(101.5)) {
		t.Errorf("republishing must return the existing row, got %+v then %+v", first, second)
	}
}
