package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/model"
)

// capEpsilon is the headroom below which a boost aggregate counts as full.
var capEpsilon = decimal.New(1, -12)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
// A single mutex makes every method one critical section, which is what
// gives the multi-step operations their atomicity here.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]*model.User
	assets       map[string]map[string]decimal.Decimal
	gifts        []model.Gift
	artBets      []model.ArtBet
	observations []model.Observation
	pending      map[string]model.DailyOutcome
	published    map[string]model.DailyOutcome
	presets      map[string]model.PresetOutcome
	snapshots    map[string]model.ForecastSnapshot
	allocations  map[string]*model.Allocation
	directional  map[string]*model.DirectionalWager
	boosts       map[string]*model.Boost
	hourly       map[string]*model.HourlyWager
	listings     map[string]*model.Listing
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*model.User),
		assets:      make(map[string]map[string]decimal.Decimal),
		pending:     make(map[string]model.DailyOutcome),
		published:   make(map[string]model.DailyOutcome),
		presets:     make(map[string]model.PresetOutcome),
		snapshots:   make(map[string]model.ForecastSnapshot),
		allocations: make(map[string]*model.Allocation),
		directional: make(map[string]*model.DirectionalWager),
		boosts:      make(map[string]*model.Boost),
		hourly:      make(map[string]*model.HourlyWager),
		listings:    make(map[string]*model.Listing),
	}
}

func dayKey(t time.Time) string { return t.Format(model.DateLayout) }

func scopedKey(scope string, day time.Time) string { return scope + "|" + dayKey(day) }

func boostKey(k model.BoostKey) string { return k.UserID + "|" + scopedKey(k.Scope, k.Day) }

// --- Users and wallets ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) ListUserIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) InitPoints(_ context.Context, userID string, bootstrap decimal.Decimal) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if !u.Points.Valid {
		u.Points = decimal.NewNullDecimal(bootstrap.Round(model.PointsScale))
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) SetPoints(_ context.Context, userID string, points decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	u.Points = decimal.NewNullDecimal(points.Round(model.PointsScale))
	return nil
}

func (s *MemoryStore) CreditPoints(_ context.Context, userID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creditLocked(userID, amount)
}

// debitLocked removes amount from points if points+bonus covers it.
// Bonus points are never debited.
func (s *MemoryStore) debitLocked(userID string, amount decimal.Decimal) error {
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	points := u.Points.Decimal
	if points.Add(u.BonusPoints).LessThan(amount) {
		return ErrInsufficientFunds
	}
	u.Points = decimal.NewNullDecimal(points.Sub(amount).Round(model.PointsScale))
	return nil
}

func (s *MemoryStore) creditLocked(userID string, amount decimal.Decimal) error {
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	u.Points = decimal.NewNullDecimal(u.Points.Decimal.Add(amount).Round(model.PointsScale))
	return nil
}

func (s *MemoryStore) AssetBalances(_ context.Context, userID string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]decimal.Decimal)
	for asset, v := range s.assets[userID] {
		out[asset] = v
	}
	return out, nil
}

func (s *MemoryStore) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	for id, l := range s.listings {
		if l.Status == model.ListingSold {
			if l.SellerID == userID {
				l.SellerID = ""
			}
			continue
		}
		w := s.directional[l.WagerID]
		if l.SellerID == userID || (w != nil && w.UserID == userID) {
			delete(s.listings, id)
		}
	}
	for id, w := range s.directional {
		if w.UserID != userID {
			continue
		}
		if w.PlacedBy == userID {
			delete(s.directional, id)
			continue
		}
		// Bought from another user: the seller's stake history stays.
		if w.Status == model.StatusActive {
			w.Status = model.StatusCanceled
		}
		w.UserID = ""
	}
	for id, b := range s.boosts {
		if b.UserID == userID {
			delete(s.boosts, id)
		}
	}
	for id, h := range s.hourly {
		if h.UserID == userID {
			delete(s.hourly, id)
		}
	}
	for id, a := range s.allocations {
		if a.UserID == userID {
			delete(s.allocations, id)
		}
	}
	for i := range s.gifts {
		if s.gifts[i].FromID == userID {
			s.gifts[i].FromID = ""
		}
		if s.gifts[i].ToID == userID {
			s.gifts[i].ToID = ""
		}
	}
	art := s.artBets[:0]
	for _, a := range s.artBets {
		if a.UserID != userID {
			art = append(art, a)
		}
	}
	s.artBets = art
	delete(s.assets, userID)
	delete(s.users, userID)
	return nil
}

func (s *MemoryStore) TransferGift(_ context.Context, g *model.Gift) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	to, ok := s.users[g.ToID]
	if !ok {
		return fmt.Errorf("user %s: %w", g.ToID, ErrNotFound)
	}
	if err := s.debitLocked(g.FromID, g.Amount); err != nil {
		return err
	}
	to.BonusPoints = to.BonusPoints.Add(g.Amount).Round(model.PointsScale)
	s.gifts = append(s.gifts, *g)
	return nil
}

func (s *MemoryStore) RecordArtBet(_ context.Context, a *model.ArtBet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[a.UserID]
	if !ok {
		return fmt.Errorf("user %s: %w", a.UserID, ErrNotFound)
	}
	net := a.Payout.Sub(a.Amount)
	if net.IsNegative() {
		if err := s.debitLocked(a.UserID, net.Neg()); err != nil {
			return err
		}
	} else if err := s.creditLocked(a.UserID, net); err != nil {
		return err
	}
	if a.Verdict == model.VerdictWin {
		u.Bolts++
	}
	s.artBets = append(s.artBets, *a)
	return nil
}

func (s *MemoryStore) LedgerTotals(_ context.Context, userID string) (model.LedgerTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t model.LedgerTotals
	for _, w := range s.directional {
		if w.PlacedBy == userID {
			t.DirectionalStakes = t.DirectionalStakes.Add(w.Stake)
		}
		if w.UserID == userID && w.Status != model.StatusActive {
			t.DirectionalPayouts = t.DirectionalPayouts.Add(w.Payout)
		}
	}
	for _, h := range s.hourly {
		if h.UserID != userID {
			continue
		}
		t.HourlyStakes = t.HourlyStakes.Add(h.Stake)
		if h.Status == model.StatusResolved {
			t.HourlyPayouts = t.HourlyPayouts.Add(h.Payout)
		}
	}
	for _, l := range s.listings {
		if l.Status != model.ListingSold {
			continue
		}
		if l.BuyerID == userID {
			t.Purchases = t.Purchases.Add(l.SalePrice)
		}
		if l.SellerID == userID {
			t.Sales = t.Sales.Add(l.SalePrice)
		}
	}
	for _, a := range s.artBets {
		if a.UserID == userID {
			t.ArtNet = t.ArtNet.Add(a.Payout.Sub(a.Amount))
		}
	}
	for _, g := range s.gifts {
		if g.FromID == userID {
			t.GiftsSent = t.GiftsSent.Add(g.Amount)
		}
	}
	return t, nil
}

// --- Observations ---

func (s *MemoryStore) InsertObservation(_ context.Context, o *model.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *o
	copy.ObservedAt = o.ObservedAt.UTC()
	s.observations = append(s.observations, copy)
	return nil
}

func (s *MemoryStore) FirstObservation(_ context.Context, q model.ObservationQuery) (*model.Observation, error) {
	return s.findObservation(q, func(candidate, best time.Time) bool { return candidate.Before(best) })
}

func (s *MemoryStore) LatestObservation(_ context.Context, q model.ObservationQuery) (*model.Observation, error) {
	return s.findObservation(q, func(candidate, best time.Time) bool { return candidate.After(best) })
}

func (s *MemoryStore) findObservation(q model.ObservationQuery, better func(candidate, best time.Time) bool) (*model.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *model.Observation
	for i := range s.observations {
		o := &s.observations[i]
		if o.StationID != q.StationID || !q.Kind.Matches(*o) || !q.Contains(o.ObservedAt) {
			continue
		}
		if found == nil || better(o.ObservedAt, found.ObservedAt) {
			found = o
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	copy := *found
	return &copy, nil
}

// --- Daily outcomes ---

func (s *MemoryStore) StagePending(_ context.Context, o *model.DailyOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[dayKey(o.Day)] = *o
	return nil
}

func (s *MemoryStore) PublishPending(_ context.Context, day, at time.Time) (*model.DailyOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dayKey(day)
	if existing, ok := s.published[key]; ok {
		return &existing, nil
	}
	p, ok := s.pending[key]
	if !ok {
		return nil, fmt.Errorf("pending outcome %s: %w", key, ErrNotFound)
	}
	p.PublishedAt = at
	s.published[key] = p
	delete(s.pending, key)
	return &p, nil
}

func (s *MemoryStore) GetDailyOutcome(_ context.Context, day time.Time) (*model.DailyOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.published[dayKey(day)]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (s *MemoryStore) GetLastPublished(_ context.Context, day time.Time) (*model.DailyOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.DailyOutcome
	for _, o := range s.published {
		if o.Day.After(day) {
			continue
		}
		if best == nil || o.Day.After(best.Day) {
			o := o
			best = &o
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (s *MemoryStore) SetPreset(_ context.Context, p *model.PresetOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.presets[scopedKey(p.Scope, p.Day)] = *p
	return nil
}

func (s *MemoryStore) GetPreset(_ context.Context, scope string, day time.Time) (*model.PresetOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.presets[scopedKey(scope, day)]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// --- Forecast snapshots ---

func (s *MemoryStore) GetForecastSnapshot(_ context.Context, city string, refDay time.Time) (*model.ForecastSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[scopedKey(city, refDay)]
	if !ok {
		return nil, ErrNotFound
	}
	return &snap, nil
}

func (s *MemoryStore) SaveForecastSnapshot(_ context.Context, snap *model.ForecastSnapshot) (*model.ForecastSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey(snap.City, snap.RefDay)
	if existing, ok := s.snapshots[key]; ok {
		return &existing, nil
	}
	s.snapshots[key] = *snap
	copy := *snap
	return &copy, nil
}

// --- Time-locked allocations ---

func (s *MemoryStore) CreateAllocation(_ context.Context, a *model.Allocation, check func(active decimal.Decimal) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[a.UserID]; !ok {
		return fmt.Errorf("user %s: %w", a.UserID, ErrNotFound)
	}
	active := decimal.Zero
	for _, existing := range s.allocations {
		if existing.UserID == a.UserID && existing.Status == model.StatusActive {
			active = active.Add(existing.Principal)
		}
	}
	if check != nil {
		if err := check(active); err != nil {
			return err
		}
	}
	copy := *a
	s.allocations[a.ID] = &copy
	return nil
}

func (s *MemoryStore) ListAllocations(_ context.Context, userID string) ([]model.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Allocation
	for _, a := range s.allocations {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.After(out[j].StartDate) })
	return out, nil
}

func (s *MemoryStore) DueAllocations(_ context.Context, day time.Time) ([]model.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Allocation
	for _, a := range s.allocations {
		if a.Status == model.StatusActive && !a.MaturityDate.After(day) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MaturityDate.Before(out[j].MaturityDate) })
	return out, nil
}

func (s *MemoryStore) SettleAllocation(_ context.Context, id string, final decimal.Decimal, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.allocations[id]
	if !ok {
		return false, fmt.Errorf("allocation %s: %w", id, ErrNotFound)
	}
	if a.Status != model.StatusActive {
		return false, nil
	}
	final = final.Round(model.PointsScale)
	a.Status = model.StatusSettled
	a.SettledPrincipal = final
	a.SettledAt = &at
	if s.assets[a.UserID] == nil {
		s.assets[a.UserID] = make(map[string]decimal.Decimal)
	}
	s.assets[a.UserID][a.Asset] = s.assets[a.UserID][a.Asset].Add(final).Round(model.PointsScale)
	return true, nil
}

// --- Directional wagers ---

func (s *MemoryStore) PlaceDirectional(_ context.Context, w *model.DirectionalWager, check func(existing []model.DirectionalWager) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if check != nil {
		if err := check(s.ownedOnTargetLocked(w.UserID, w.Day, w.Scope)); err != nil {
			return err
		}
	}
	if err := s.debitLocked(w.PlacedBy, w.Stake); err != nil {
		return err
	}
	copy := *w
	s.directional[w.ID] = &copy
	return nil
}

// ownedOnTargetLocked returns every non-cancelled wager userID holds on
// (day, scope), placed or bought.
func (s *MemoryStore) ownedOnTargetLocked(userID string, day time.Time, scope string) []model.DirectionalWager {
	var out []model.DirectionalWager
	for _, w := range s.directional {
		if w.UserID == userID && w.Status != model.StatusCanceled && w.Day.Equal(day) && w.Scope == scope {
			out = append(out, *w)
		}
	}
	return out
}

func (s *MemoryStore) GetDirectional(_ context.Context, id string) (*model.DirectionalWager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.directional[id]
	if !ok {
		return nil, fmt.Errorf("wager %s: %w", id, ErrNotFound)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) ListDirectional(_ context.Context, userID string) ([]model.DirectionalWager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.DirectionalWager
	for _, w := range s.directional {
		if w.UserID == userID {
			out = append(out, *w)
		}
	}
	sortDirectional(out)
	return out, nil
}

func (s *MemoryStore) PendingDirectional(_ context.Context, userID string, day time.Time) ([]model.DirectionalWager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.DirectionalWager
	for _, w := range s.directional {
		if w.Status != model.StatusActive || w.Day.After(day) {
			continue
		}
		if userID != "" && w.UserID != userID {
			continue
		}
		out = append(out, *w)
	}
	sortDirectional(out)
	return out, nil
}

func sortDirectional(ws []model.DirectionalWager) {
	sort.Slice(ws, func(i, j int) bool {
		if !ws[i].Day.Equal(ws[j].Day) {
			return ws[i].Day.Before(ws[j].Day)
		}
		if ws[i].TargetTime != ws[j].TargetTime {
			return ws[i].TargetTime < ws[j].TargetTime
		}
		return ws[i].CreatedAt.Before(ws[j].CreatedAt)
	})
}

func (s *MemoryStore) ResolveDirectional(_ context.Context, r model.DirectionalResolution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.directional[r.WagerID]
	if !ok {
		return false, fmt.Errorf("wager %s: %w", r.WagerID, ErrNotFound)
	}
	if w.Status != model.StatusActive {
		return false, nil
	}
	resolvedAt := r.ResolvedAt
	w.Status = model.StatusResolved
	w.ObservedOutcome = r.ObservedOutcome
	w.ObservedMM = r.ObservedMM
	w.ObservedAt = r.ObservedAt
	w.Verdict = r.Verdict
	w.Payout = r.Payout.Round(model.PointsScale)
	w.ResolvedAt = &resolvedAt
	if w.Payout.IsPositive() {
		if err := s.creditLocked(w.UserID, w.Payout); err != nil {
			return false, err
		}
	}
	s.closeListingsLocked(w)
	return true, nil
}

func (s *MemoryStore) AbandonDirectional(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.directional[id]
	if !ok {
		return false, fmt.Errorf("wager %s: %w", id, ErrNotFound)
	}
	if w.Status != model.StatusActive {
		return false, nil
	}
	w.Status = model.StatusCanceled
	w.Payout = w.Stake
	w.ResolvedAt = &at
	if err := s.creditLocked(w.UserID, w.Stake); err != nil {
		return false, err
	}
	s.closeListingsLocked(w)
	return true, nil
}

func (s *MemoryStore) ResetScope(_ context.Context, userID, scope string, from, at time.Time) (model.ScopeReset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := model.ScopeReset{Scope: scope}
	if _, ok := s.users[userID]; !ok {
		return r, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	for _, w := range s.directional {
		if w.UserID != userID || w.Scope != scope || w.Status != model.StatusActive || w.Day.Before(from) {
			continue
		}
		if err := s.creditLocked(userID, w.Stake); err != nil {
			return r, err
		}
		w.Status = model.StatusCanceled
		w.Payout = w.Stake
		w.ResolvedAt = &at
		s.closeListingsLocked(w)
		r.Canceled++
		r.Refunded = r.Refunded.Add(w.Stake)
	}
	for k, b := range s.boosts {
		if b.UserID == userID && b.Scope == scope && !b.Day.Before(from) {
			delete(s.boosts, k)
			r.BoostsRemoved++
		}
	}
	return r, nil
}

// closeListingsLocked cancels the OPEN listing of a wager that left ACTIVE.
func (s *MemoryStore) closeListingsLocked(w *model.DirectionalWager) {
	for _, l := range s.listings {
		if l.WagerID == w.ID && l.Status == model.ListingOpen {
			l.Status = model.ListingCancelled
		}
	}
	w.Locked = false
}

// --- Boosts ---

func (s *MemoryStore) BoostTotal(_ context.Context, key model.BoostKey) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.boosts[boostKey(key)]; ok {
		return b.Total, nil
	}
	return decimal.Zero, nil
}

func (s *MemoryStore) ApplyBoost(_ context.Context, key model.BoostKey, inc, cap decimal.Decimal) (model.BoostResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[key.UserID]
	if !ok {
		return model.BoostResult{}, fmt.Errorf("user %s: %w", key.UserID, ErrNotFound)
	}
	k := boostKey(key)
	total := decimal.Zero
	if b, ok := s.boosts[k]; ok {
		total = b.Total
	}
	res := model.BoostResult{Total: total, BoltsLeft: u.Bolts}

	headroom := cap.Sub(total)
	if headroom.LessThanOrEqual(capEpsilon) {
		return res, ErrCapReached
	}
	if inc.GreaterThan(headroom) {
		inc = headroom
	}
	if u.Bolts <= 0 {
		return res, ErrNoBolts
	}
	u.Bolts--

	total = decimal.Min(total.Add(inc), cap).Round(model.PointsScale)
	s.boosts[k] = &model.Boost{UserID: key.UserID, Day: key.Day, Scope: key.Scope, Total: total}
	return model.BoostResult{Total: total, BoltsLeft: u.Bolts}, nil
}

// --- Hourly wagers ---

func (s *MemoryStore) PlaceHourly(_ context.Context, w *model.HourlyWager, check func(existing []model.HourlyWager) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing []model.HourlyWager
	for _, other := range s.hourly {
		if other.UserID == w.UserID && other.Status == model.StatusActive && other.Slot.Equal(w.Slot) {
			existing = append(existing, *other)
		}
	}
	if check != nil {
		if err := check(existing); err != nil {
			return err
		}
	}
	if err := s.debitLocked(w.UserID, w.Stake); err != nil {
		return err
	}
	copy := *w
	s.hourly[w.ID] = &copy
	return nil
}

func (s *MemoryStore) ListHourly(_ context.Context, userID string) ([]model.HourlyWager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.HourlyWager
	for _, h := range s.hourly {
		if h.UserID == userID {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot.After(out[j].Slot) })
	return out, nil
}

func (s *MemoryStore) PendingHourly(_ context.Context, userID string, slotBefore time.Time) ([]model.HourlyWager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.HourlyWager
	for _, h := range s.hourly {
		if h.Status != model.StatusActive || h.Slot.After(slotBefore) {
			continue
		}
		if userID != "" && h.UserID != userID {
			continue
		}
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot.Before(out[j].Slot) })
	return out, nil
}

func (s *MemoryStore) ResolveHourly(_ context.Context, id string, observed int, outcome model.HourlyOutcome, payout decimal.Decimal, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hourly[id]
	if !ok {
		return false, fmt.Errorf("hourly wager %s: %w", id, ErrNotFound)
	}
	if h.Status != model.StatusActive {
		return false, nil
	}
	h.Status = model.StatusResolved
	h.ObservedPct = &observed
	h.Outcome = outcome
	h.Payout = payout.Round(model.PointsScale)
	h.ResolvedAt = &at
	if h.Payout.IsPositive() {
		if err := s.creditLocked(h.UserID, h.Payout); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *MemoryStore) DismissHourly(_ context.Context, userID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hourly[id]
	if !ok {
		return fmt.Errorf("hourly wager %s: %w", id, ErrNotFound)
	}
	if h.UserID != userID {
		return ErrForbidden
	}
	h.DismissedAt = &at
	return nil
}

// --- Listings ---

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.directional[l.WagerID]
	if !ok || w.UserID != l.SellerID || w.Status != model.StatusActive {
		return ErrNotSellable
	}
	for _, other := range s.listings {
		if other.WagerID == l.WagerID && other.Status == model.ListingOpen {
			return &ListingExistsError{ID: other.ID}
		}
	}
	w.Locked = true
	copy := *l
	s.listings[l.ID] = &copy
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) OpenListingForWager(_ context.Context, wagerID string) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, l := range s.listings {
		if l.WagerID == wagerID && l.Status == model.ListingOpen {
			copy := *l
			return &copy, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) OpenListings(_ context.Context, now time.Time) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Listing
	for _, l := range s.listings {
		if l.Status == model.ListingOpen && !now.After(l.ExpiresAt) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CancelListing(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return false, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	if l.Status != model.ListingOpen {
		return false, nil
	}
	l.Status = model.ListingCancelled
	return true, nil
}

func (s *MemoryStore) UnlockWager(_ context.Context, wagerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.directional[wagerID]
	if !ok {
		return fmt.Errorf("wager %s: %w", wagerID, ErrNotFound)
	}
	w.Locked = false
	return nil
}

func (s *MemoryStore) BuyListing(_ context.Context, listingID, buyerID string, at time.Time, check func(bought model.DirectionalWager, existing []model.DirectionalWager) error) (*model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[listingID]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", listingID, ErrNotFound)
	}
	if l.Status != model.ListingOpen {
		return nil, ErrListingNotOpen
	}
	if l.SellerID == buyerID {
		return nil, ErrOwnListing
	}
	if at.After(l.ExpiresAt) {
		return nil, ErrListingExpired
	}
	w, ok := s.directional[l.WagerID]
	if !ok || w.Status != model.StatusActive || w.UserID != l.SellerID {
		return nil, ErrWagerNotActive
	}
	if _, ok := s.users[l.SellerID]; !ok {
		return nil, fmt.Errorf("user %s: %w", l.SellerID, ErrNotFound)
	}
	if check != nil {
		if err := check(*w, s.ownedOnTargetLocked(buyerID, w.Day, w.Scope)); err != nil {
			return nil, err
		}
	}

	if err := s.debitLocked(buyerID, l.AskPrice); err != nil {
		return nil, err
	}
	if err := s.creditLocked(l.SellerID, l.AskPrice); err != nil {
		return nil, err
	}
	w.UserID = buyerID
	w.Locked = false
	w.Funded = false
	l.Status = model.ListingSold
	l.BuyerID = buyerID
	l.SalePrice = l.AskPrice
	l.SoldAt = &at

	copy := *l
	return &copy, nil
}
