package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All points are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, committing only if fn returns nil.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func num(d decimal.Decimal) string { return d.Round(model.PointsScale).String() }

// debit removes amount from points if points+bonus covers it.
func debit(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal) error {
	tag, err := tx.Exec(ctx,
		`UPDATE users SET points = ROUND(COALESCE(points, 0) - $2::NUMERIC, 6)
		 WHERE id = $1 AND COALESCE(points, 0) + bonus_points >= $2::NUMERIC`,
		userID, num(amount))
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrInsufficientFunds
	}
	return nil
}

func credit(ctx context.Context, q interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}, userID string, amount decimal.Decimal) error {
	tag, err := q.Exec(ctx,
		`UPDATE users SET points = ROUND(COALESCE(points, 0) + $2::NUMERIC, 6) WHERE id = $1`,
		userID, num(amount))
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

// lockUser serialises wallet-affecting operations for one user.
func lockUser(ctx context.Context, tx pgx.Tx, userID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id)
	if err != nil {
		return notFound(err, "user "+userID)
	}
	return nil
}

// --- Users and wallets ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, bonus_points, bolts, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		u.ID, u.Username, num(u.BonusPoints), u.Bolts, u.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	return err
}

const userColumns = `id, username, points::TEXT, bonus_points::TEXT, bolts, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var points *string
	var bonus string
	if err := row.Scan(&u.ID, &u.Username, &points, &bonus, &u.Bolts, &u.CreatedAt); err != nil {
		return nil, err
	}
	if points != nil {
		u.Points = decimal.NewNullDecimal(dec(*points))
	}
	u.BonusPoints = dec(bonus)
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "user "+id)
	}
	return u, nil
}

func (s *PostgresStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) InitPoints(ctx context.Context, userID string, bootstrap decimal.Decimal) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`UPDATE users SET points = COALESCE(points, $2::NUMERIC)
		 WHERE id = $1
		 RETURNING `+userColumns, userID, num(bootstrap)))
	if err != nil {
		return nil, notFound(err, "user "+userID)
	}
	return u, nil
}

func (s *PostgresStore) SetPoints(ctx context.Context, userID string, points decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET points = $2::NUMERIC WHERE id = $1`, userID, num(points))
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CreditPoints(ctx context.Context, userID string, amount decimal.Decimal) error {
	return credit(ctx, s.pool, userID, amount)
}

func (s *PostgresStore) AssetBalances(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset, amount::TEXT FROM user_asset_balances WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var asset, amount string
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, err
		}
		out[asset] = dec(amount)
	}
	return out, rows.Err()
}

// DeleteUser relies on ON DELETE CASCADE for everything the user owns.
// DeleteUser removes the account and its own positions. Sold listings,
// gifts and wagers bought from other users stay behind with the user's
// reference cleared, so counterparties keep their ledger history.
func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM listings WHERE status <> 'SOLD'
			   AND (seller_id = $1 OR wager_id IN (SELECT id FROM directional_wagers WHERE user_id = $1))`,
			userID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM directional_wagers WHERE user_id = $1 AND placed_by = $1`, userID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE directional_wagers SET status = 'CANCELED' WHERE user_id = $1 AND status = 'ACTIVE'`,
			userID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return nil
	})
}

func (s *PostgresStore) TransferGift(ctx context.Context, g *model.Gift) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := debit(ctx, tx, g.FromID, g.Amount); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE users SET bonus_points = ROUND(bonus_points + $2::NUMERIC, 6) WHERE id = $1`,
			g.ToID, num(g.Amount))
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("user %s: %w", g.ToID, ErrNotFound)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO gifts (id, from_id, to_id, amount, note, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
			g.ID, g.FromID, g.ToID, num(g.Amount), g.Note, g.CreatedAt)
		return err
	})
}

func (s *PostgresStore) RecordArtBet(ctx context.Context, a *model.ArtBet) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		net := a.Payout.Sub(a.Amount)
		if net.IsNegative() {
			if err := debit(ctx, tx, a.UserID, net.Neg()); err != nil {
				return err
			}
		} else if err := credit(ctx, tx, a.UserID, net); err != nil {
			return err
		}
		if a.Verdict == model.VerdictWin {
			if _, err := tx.Exec(ctx, `UPDATE users SET bolts = bolts + 1 WHERE id = $1`, a.UserID); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO art_bets (id, user_id, amount, verdict, multiplier, payout, created_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6::NUMERIC, $7)`,
			a.ID, a.UserID, num(a.Amount), string(a.Verdict), a.Multiplier, num(a.Payout), a.CreatedAt)
		return err
	})
}

func (s *PostgresStore) LedgerTotals(ctx context.Context, userID string) (model.LedgerTotals, error) {
	var dirStakes, dirPayouts, hStakes, hPayouts, purchases, sales, art, gifts string
	err := s.pool.QueryRow(ctx,
		`SELECT
			(SELECT COALESCE(SUM(stake), 0) FROM directional_wagers WHERE placed_by = $1)::TEXT,
			(SELECT COALESCE(SUM(payout), 0) FROM directional_wagers WHERE user_id = $1 AND status <> 'ACTIVE')::TEXT,
			(SELECT COALESCE(SUM(stake), 0) FROM hourly_wagers WHERE user_id = $1)::TEXT,
			(SELECT COALESCE(SUM(payout), 0) FROM hourly_wagers WHERE user_id = $1 AND status = 'RESOLVED')::TEXT,
			(SELECT COALESCE(SUM(sale_price), 0) FROM listings WHERE buyer_id = $1 AND status = 'SOLD')::TEXT,
			(SELECT COALESCE(SUM(sale_price), 0) FROM listings WHERE seller_id = $1 AND status = 'SOLD')::TEXT,
			(SELECT COALESCE(SUM(payout - amount), 0) FROM art_bets WHERE user_id = $1)::TEXT,
			(SELECT COALESCE(SUM(amount), 0) FROM gifts WHERE from_id = $1)::TEXT`,
		userID).Scan(&dirStakes, &dirPayouts, &hStakes, &hPayouts, &purchases, &sales, &art, &gifts)
	if err != nil {
		return model.LedgerTotals{}, err
	}
	return model.LedgerTotals{
		DirectionalStakes:  dec(dirStakes),
		DirectionalPayouts: dec(dirPayouts),
		HourlyStakes:       dec(hStakes),
		HourlyPayouts:      dec(hPayouts),
		Purchases:          dec(purchases),
		Sales:              dec(sales),
		ArtNet:             dec(art),
		GiftsSent:          dec(gifts),
	}, nil
}

// --- Observations ---

func (s *PostgresStore) InsertObservation(ctx context.Context, o *model.Observation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO observations (station_id, observed_at, humidity_pct, precip_mm, weather_code)
		 VALUES ($1, $2, $3, $4, $5)`,
		o.StationID, o.ObservedAt.UTC(), o.HumidityPct, o.PrecipMM, o.WeatherCode)
	return err
}

func (s *PostgresStore) FirstObservation(ctx context.Context, q model.ObservationQuery) (*model.Observation, error) {
	return s.findObservation(ctx, q, "ASC")
}

func (s *PostgresStore) LatestObservation(ctx context.Context, q model.ObservationQuery) (*model.Observation, error) {
	return s.findObservation(ctx, q, "DESC")
}

func (s *PostgresStore) findObservation(ctx context.Context, q model.ObservationQuery, order string) (*model.Observation, error) {
	kindFilter := `(precip_mm IS NOT NULL OR weather_code IS NOT NULL)`
	if q.Kind == model.KindHumidity {
		kindFilter = `humidity_pct IS NOT NULL`
	}
	var from, to *time.Time
	if !q.From.IsZero() {
		f := q.From.UTC()
		from = &f
	}
	if !q.To.IsZero() {
		t := q.To.UTC()
		to = &t
	}

	var o model.Observation
	err := s.pool.QueryRow(ctx,
		`SELECT station_id, observed_at, humidity_pct, precip_mm, weather_code
		 FROM observations
		 WHERE station_id = $1 AND `+kindFilter+`
		   AND ($2::TIMESTAMPTZ IS NULL OR observed_at >= $2)
		   AND ($3::TIMESTAMPTZ IS NULL OR observed_at <= $3)
		 ORDER BY observed_at `+order+` LIMIT 1`,
		q.StationID, from, to).
		Scan(&o.StationID, &o.ObservedAt, &o.HumidityPct, &o.PrecipMM, &o.WeatherCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	o.ObservedAt = o.ObservedAt.UTC()
	return &o, nil
}

// --- Daily outcomes ---

func (s *PostgresStore) StagePending(ctx context.Context, o *model.DailyOutcome) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_outcomes (day, value_a, value_b)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC)
		 ON CONFLICT (day) DO UPDATE SET value_a = EXCLUDED.value_a, value_b = EXCLUDED.value_b`,
		o.Day, num(o.ValueA), num(o.ValueB))
	return err
}

func scanOutcome(row pgx.Row) (*model.DailyOutcome, error) {
	var o model.DailyOutcome
	var a, b string
	if err := row.Scan(&o.Day, &a, &b, &o.PublishedAt); err != nil {
		return nil, err
	}
	o.ValueA = dec(a)
	o.ValueB = dec(b)
	return &o, nil
}

const outcomeColumns = `day, value_a::TEXT, value_b::TEXT, published_at`

func (s *PostgresStore) PublishPending(ctx context.Context, day, at time.Time) (*model.DailyOutcome, error) {
	var out *model.DailyOutcome
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		existing, err := scanOutcome(tx.QueryRow(ctx,
			`SELECT `+outcomeColumns+` FROM daily_outcomes WHERE day = $1`, day))
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		published, err := scanOutcome(tx.QueryRow(ctx,
			`INSERT INTO daily_outcomes (day, value_a, value_b, published_at)
			 SELECT day, value_a, value_b, $2 FROM pending_outcomes WHERE day = $1
			 ON CONFLICT (day) DO NOTHING
			 RETURNING `+outcomeColumns, day, at))
		if err != nil {
			return notFound(err, "pending outcome "+dayKey(day))
		}
		if _, err := tx.Exec(ctx, `DELETE FROM pending_outcomes WHERE day = $1`, day); err != nil {
			return err
		}
		out = published
		return nil
	})
	return out, err
}

func (s *PostgresStore) GetDailyOutcome(ctx context.Context, day time.Time) (*model.DailyOutcome, error) {
	o, err := scanOutcome(s.pool.QueryRow(ctx,
		`SELECT `+outcomeColumns+` FROM daily_outcomes WHERE day = $1`, day))
	if err != nil {
		return nil, notFound(err, "outcome "+dayKey(day))
	}
	return o, nil
}

func (s *PostgresStore) GetLastPublished(ctx context.Context, day time.Time) (*model.DailyOutcome, error) {
	o, err := scanOutcome(s.pool.QueryRow(ctx,
		`SELECT `+outcomeColumns+` FROM daily_outcomes WHERE day <= $1 ORDER BY day DESC LIMIT 1`, day))
	if err != nil {
		return nil, notFound(err, "outcome on or before "+dayKey(day))
	}
	return o, nil
}

func (s *PostgresStore) SetPreset(ctx context.Context, p *model.PresetOutcome) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO preset_outcomes (scope, day, outcome) VALUES ($1, $2, $3)
		 ON CONFLICT (scope, day) DO UPDATE SET outcome = EXCLUDED.outcome`,
		p.Scope, p.Day, string(p.Outcome))
	return err
}

func (s *PostgresStore) GetPreset(ctx context.Context, scope string, day time.Time) (*model.PresetOutcome, error) {
	p := model.PresetOutcome{Scope: scope, Day: day}
	var outcome string
	err := s.pool.QueryRow(ctx,
		`SELECT outcome FROM preset_outcomes WHERE scope = $1 AND day = $2`, scope, day).Scan(&outcome)
	if err != nil {
		return nil, notFound(err, "preset "+scopedKey(scope, day))
	}
	p.Outcome = model.Choice(outcome)
	return &p, nil
}

// --- Forecast snapshots ---

func scanSnapshot(row pgx.Row) (*model.ForecastSnapshot, error) {
	var snap model.ForecastSnapshot
	var forecast string
	if err := row.Scan(&snap.City, &snap.RefDay, &snap.Lat, &snap.Lon,
		&snap.SunHours3d, &snap.RainHours3d, &forecast, &snap.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(forecast), &snap.Forecast); err != nil {
		return nil, fmt.Errorf("decode forecast: %w", err)
	}
	return &snap, nil
}

const snapshotColumns = `city, ref_day, lat, lon, sun_hours_3d, rain_hours_3d, forecast::TEXT, created_at`

func (s *PostgresStore) GetForecastSnapshot(ctx context.Context, city string, refDay time.Time) (*model.ForecastSnapshot, error) {
	snap, err := scanSnapshot(s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM forecast_snapshots WHERE city = $1 AND ref_day = $2`, city, refDay))
	if err != nil {
		return nil, notFound(err, "snapshot "+scopedKey(city, refDay))
	}
	return snap, nil
}

func (s *PostgresStore) SaveForecastSnapshot(ctx context.Context, snap *model.ForecastSnapshot) (*model.ForecastSnapshot, error) {
	forecast, err := json.Marshal(snap.Forecast)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO forecast_snapshots (city, ref_day, lat, lon, sun_hours_3d, rain_hours_3d, forecast, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB, $8)
		 ON CONFLICT (city, ref_day) DO NOTHING`,
		snap.City, snap.RefDay, snap.Lat, snap.Lon, snap.SunHours3d, snap.RainHours3d, string(forecast), snap.CreatedAt)
	if err != nil {
		return nil, err
	}
	return s.GetForecastSnapshot(ctx, snap.City, snap.RefDay)
}

// --- Time-locked allocations ---

const allocationColumns = `id, user_id, asset, principal::TEXT, start_value::TEXT, start_date, maturity_date,
	status, settled_principal::TEXT, settled_at`

func scanAllocation(row pgx.Row) (model.Allocation, error) {
	var a model.Allocation
	var principal, start, settled, status string
	err := row.Scan(&a.ID, &a.UserID, &a.Asset, &principal, &start, &a.StartDate, &a.MaturityDate,
		&status, &settled, &a.SettledAt)
	a.Principal = dec(principal)
	a.StartValue = dec(start)
	a.SettledPrincipal = dec(settled)
	a.Status = model.Status(status)
	return a, err
}

func (s *PostgresStore) queryAllocations(ctx context.Context, sql string, args ...any) ([]model.Allocation, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateAllocation(ctx context.Context, a *model.Allocation, check func(active decimal.Decimal) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, a.UserID); err != nil {
			return err
		}
		var active string
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(principal), 0)::TEXT FROM allocations WHERE user_id = $1 AND status = 'ACTIVE'`,
			a.UserID).Scan(&active); err != nil {
			return err
		}
		if check != nil {
			if err := check(dec(active)); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO allocations (id, user_id, asset, principal, start_value, start_date, maturity_date, status)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
			a.ID, a.UserID, a.Asset, num(a.Principal), num(a.StartValue), a.StartDate, a.MaturityDate, string(a.Status))
		return err
	})
}

func (s *PostgresStore) ListAllocations(ctx context.Context, userID string) ([]model.Allocation, error) {
	return s.queryAllocations(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE user_id = $1 ORDER BY start_date DESC`, userID)
}

func (s *PostgresStore) DueAllocations(ctx context.Context, day time.Time) ([]model.Allocation, error) {
	return s.queryAllocations(ctx,
		`SELECT `+allocationColumns+` FROM allocations
		 WHERE status = 'ACTIVE' AND maturity_date <= $1 ORDER BY maturity_date`, day)
}

func (s *PostgresStore) SettleAllocation(ctx context.Context, id string, final decimal.Decimal, at time.Time) (bool, error) {
	settled := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var userID, asset string
		err := tx.QueryRow(ctx,
			`UPDATE allocations SET status = 'SETTLED', settled_principal = $2::NUMERIC, settled_at = $3
			 WHERE id = $1 AND status = 'ACTIVE'
			 RETURNING user_id, asset`, id, num(final), at).Scan(&userID, &asset)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO user_asset_balances (user_id, asset, amount) VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (user_id, asset) DO UPDATE
			 SET amount = ROUND(user_asset_balances.amount + EXCLUDED.amount, 6)`,
			userID, asset, num(final))
		settled = err == nil
		return err
	})
	return settled, err
}

// --- Directional wagers ---

const directionalColumns = `id, COALESCE(user_id, ''), placed_by, day, target_time, scope, choice,
	stake::TEXT, odds::TEXT, status, funded, locked,
	observed_outcome, observed_mm, observed_at, verdict, payout::TEXT, resolved_at, created_at`

func scanDirectional(row pgx.Row) (model.DirectionalWager, error) {
	var w model.DirectionalWager
	var choice, status, observed, verdict, stake, odds, payout string
	err := row.Scan(&w.ID, &w.UserID, &w.PlacedBy, &w.Day, &w.TargetTime, &w.Scope, &choice,
		&stake, &odds, &status, &w.Funded, &w.Locked,
		&observed, &w.ObservedMM, &w.ObservedAt, &verdict, &payout, &w.ResolvedAt, &w.CreatedAt)
	w.Choice = model.Choice(choice)
	w.Status = model.Status(status)
	w.ObservedOutcome = model.Choice(observed)
	w.Verdict = model.Verdict(verdict)
	w.Stake = dec(stake)
	w.Odds = dec(odds)
	w.Payout = dec(payout)
	return w, err
}

func queryDirectional(ctx context.Context, q interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
}, sql string, args ...any) ([]model.DirectionalWager, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DirectionalWager
	for rows.Next() {
		w, err := scanDirectional(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ownedOnTargetSQL selects every non-cancelled wager a user holds on one
// (day, scope), placed or bought.
const ownedOnTargetSQL = `SELECT ` + directionalColumns + ` FROM directional_wagers
	 WHERE user_id = $1 AND status <> 'CANCELED' AND day = $2 AND scope = $3`

func (s *PostgresStore) PlaceDirectional(ctx context.Context, w *model.DirectionalWager, check func(existing []model.DirectionalWager) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, w.UserID); err != nil {
			return err
		}
		existing, err := queryDirectional(ctx, tx, ownedOnTargetSQL, w.UserID, w.Day, w.Scope)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(existing); err != nil {
				return err
			}
		}
		if err := debit(ctx, tx, w.PlacedBy, w.Stake); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO directional_wagers
			   (id, user_id, placed_by, day, target_time, scope, choice, stake, odds, status, funded, locked, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, FALSE, $12)`,
			w.ID, w.UserID, w.PlacedBy, w.Day, w.TargetTime, w.Scope, string(w.Choice),
			num(w.Stake), num(w.Odds), string(w.Status), w.Funded, w.CreatedAt)
		return err
	})
}

func (s *PostgresStore) GetDirectional(ctx context.Context, id string) (*model.DirectionalWager, error) {
	w, err := scanDirectional(s.pool.QueryRow(ctx,
		`SELECT `+directionalColumns+` FROM directional_wagers WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "wager "+id)
	}
	return &w, nil
}

func (s *PostgresStore) ListDirectional(ctx context.Context, userID string) ([]model.DirectionalWager, error) {
	return queryDirectional(ctx, s.pool,
		`SELECT `+directionalColumns+` FROM directional_wagers
		 WHERE user_id = $1 ORDER BY day, target_time, created_at`, userID)
}

func (s *PostgresStore) PendingDirectional(ctx context.Context, userID string, day time.Time) ([]model.DirectionalWager, error) {
	return queryDirectional(ctx, s.pool,
		`SELECT `+directionalColumns+` FROM directional_wagers
		 WHERE status = 'ACTIVE' AND day <= $1 AND ($2 = '' OR user_id = $2)
		 ORDER BY day, target_time, created_at`, day, userID)
}

// closeListings cancels the OPEN listing of a wager that left ACTIVE.
func closeListings(ctx context.Context, tx pgx.Tx, wagerID string) error {
	_, err := tx.Exec(ctx,
		`UPDATE listings SET status = 'CANCELLED' WHERE wager_id = $1 AND status = 'OPEN'`, wagerID)
	return err
}

func (s *PostgresStore) ResolveDirectional(ctx context.Context, r model.DirectionalResolution) (bool, error) {
	resolved := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var owner string
		err := tx.QueryRow(ctx,
			`UPDATE directional_wagers
			 SET status = 'RESOLVED', observed_outcome = $2, observed_mm = $3, observed_at = $4,
			     verdict = $5, payout = $6::NUMERIC, resolved_at = $7, locked = FALSE
			 WHERE id = $1 AND status = 'ACTIVE'
			 RETURNING user_id`,
			r.WagerID, string(r.ObservedOutcome), r.ObservedMM, r.ObservedAt,
			string(r.Verdict), num(r.Payout), r.ResolvedAt).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if r.Payout.IsPositive() {
			if err := credit(ctx, tx, owner, r.Payout); err != nil {
				return err
			}
		}
		if err := closeListings(ctx, tx, r.WagerID); err != nil {
			return err
		}
		resolved = true
		return nil
	})
	return resolved, err
}

func (s *PostgresStore) AbandonDirectional(ctx context.Context, id string, at time.Time) (bool, error) {
	abandoned := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var owner, stake string
		err := tx.QueryRow(ctx,
			`UPDATE directional_wagers
			 SET status = 'CANCELED', payout = stake, resolved_at = $2, locked = FALSE
			 WHERE id = $1 AND status = 'ACTIVE'
			 RETURNING user_id, stake::TEXT`, id, at).Scan(&owner, &stake)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := credit(ctx, tx, owner, dec(stake)); err != nil {
			return err
		}
		if err := closeListings(ctx, tx, id); err != nil {
			return err
		}
		abandoned = true
		return nil
	})
	return abandoned, err
}

func (s *PostgresStore) ResetScope(ctx context.Context, userID, scope string, from, at time.Time) (model.ScopeReset, error) {
	var r model.ScopeReset
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		r = model.ScopeReset{Scope: scope}
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}
		rows, err := tx.Query(ctx,
			`UPDATE directional_wagers
			 SET status = 'CANCELED', payout = stake, resolved_at = $4, locked = FALSE
			 WHERE user_id = $1 AND scope = $2 AND day >= $3 AND status = 'ACTIVE'
			 RETURNING id, stake::TEXT`, userID, scope, from, at)
		if err != nil {
			return err
		}
		type canceled struct{ id, stake string }
		done, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (canceled, error) {
			var c canceled
			err := row.Scan(&c.id, &c.stake)
			return c, err
		})
		if err != nil {
			return err
		}
		for _, c := range done {
			if err := closeListings(ctx, tx, c.id); err != nil {
				return err
			}
			r.Canceled++
			r.Refunded = r.Refunded.Add(dec(c.stake))
		}
		if r.Canceled > 0 {
			if err := credit(ctx, tx, userID, r.Refunded); err != nil {
				return err
			}
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM boosts WHERE user_id = $1 AND scope = $2 AND day >= $3`, userID, scope, from)
		if err != nil {
			return err
		}
		r.BoostsRemoved = int(tag.RowsAffected())
		return nil
	})
	return r, err
}

// --- Boosts ---

func (s *PostgresStore) BoostTotal(ctx context.Context, key model.BoostKey) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT total FROM boosts WHERE user_id = $1 AND day = $2 AND scope = $3), 0)::TEXT`,
		key.UserID, key.Day, key.Scope).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return dec(total), nil
}

// ApplyBoost serialises on the user row, then performs the guarded bolt
// decrement and the clamped upsert in the same transaction.
func (s *PostgresStore) ApplyBoost(ctx context.Context, key model.BoostKey, inc, cap decimal.Decimal) (model.BoostResult, error) {
	var res model.BoostResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`SELECT bolts FROM users WHERE id = $1 FOR UPDATE`, key.UserID).Scan(&res.BoltsLeft); err != nil {
			return notFound(err, "user "+key.UserID)
		}
		var total string
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE((SELECT total FROM boosts WHERE user_id = $1 AND day = $2 AND scope = $3), 0)::TEXT`,
			key.UserID, key.Day, key.Scope).Scan(&total); err != nil {
			return err
		}
		res.Total = dec(total)

		headroom := cap.Sub(res.Total)
		if headroom.LessThanOrEqual(capEpsilon) {
			return ErrCapReached
		}
		if inc.GreaterThan(headroom) {
			inc = headroom
		}

		tag, err := tx.Exec(ctx, `UPDATE users SET bolts = bolts - 1 WHERE id = $1 AND bolts > 0`, key.UserID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrNoBolts
		}

		var newTotal string
		if err := tx.QueryRow(ctx,
			`INSERT INTO boosts (user_id, day, scope, total) VALUES ($1, $2, $3, LEAST($4::NUMERIC, $5::NUMERIC))
			 ON CONFLICT (user_id, day, scope) DO UPDATE
			 SET total = LEAST(boosts.total + EXCLUDED.total, $5::NUMERIC)
			 RETURNING total::TEXT`,
			key.UserID, key.Day, key.Scope, num(inc), num(cap)).Scan(&newTotal); err != nil {
			return err
		}
		res.Total = dec(newTotal)
		res.BoltsLeft--
		return nil
	})
	return res, err
}

// --- Hourly wagers ---

const hourlyColumns = `id, user_id, station_id, slot, target_pct, stake::TEXT, odds::TEXT, status,
	observed_pct, outcome, payout::TEXT, resolved_at, dismissed_at, created_at`

func scanHourly(row pgx.Row) (model.HourlyWager, error) {
	var h model.HourlyWager
	var stake, odds, status, outcome, payout string
	err := row.Scan(&h.ID, &h.UserID, &h.StationID, &h.Slot, &h.TargetPct, &stake, &odds, &status,
		&h.ObservedPct, &outcome, &payout, &h.ResolvedAt, &h.DismissedAt, &h.CreatedAt)
	h.Slot = h.Slot.UTC()
	h.Stake = dec(stake)
	h.Odds = dec(odds)
	h.Status = model.Status(status)
	h.Outcome = model.HourlyOutcome(outcome)
	h.Payout = dec(payout)
	return h, err
}

func queryHourly(ctx context.Context, q interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
}, sql string, args ...any) ([]model.HourlyWager, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HourlyWager
	for rows.Next() {
		h, err := scanHourly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PlaceHourly(ctx context.Context, w *model.HourlyWager, check func(existing []model.HourlyWager) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, w.UserID); err != nil {
			return err
		}
		existing, err := queryHourly(ctx, tx,
			`SELECT `+hourlyColumns+` FROM hourly_wagers
			 WHERE user_id = $1 AND slot = $2 AND status = 'ACTIVE'`, w.UserID, w.Slot)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(existing); err != nil {
				return err
			}
		}
		if err := debit(ctx, tx, w.UserID, w.Stake); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO hourly_wagers (id, user_id, station_id, slot, target_pct, stake, odds, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
			w.ID, w.UserID, w.StationID, w.Slot, w.TargetPct, num(w.Stake), num(w.Odds), string(w.Status), w.CreatedAt)
		return err
	})
}

func (s *PostgresStore) ListHourly(ctx context.Context, userID string) ([]model.HourlyWager, error) {
	return queryHourly(ctx, s.pool,
		`SELECT `+hourlyColumns+` FROM hourly_wagers WHERE user_id = $1 ORDER BY slot DESC`, userID)
}

func (s *PostgresStore) PendingHourly(ctx context.Context, userID string, slotBefore time.Time) ([]model.HourlyWager, error) {
	return queryHourly(ctx, s.pool,
		`SELECT `+hourlyColumns+` FROM hourly_wagers
		 WHERE status = 'ACTIVE' AND slot <= $1 AND ($2 = '' OR user_id = $2)
		 ORDER BY slot`, slotBefore, userID)
}

func (s *PostgresStore) ResolveHourly(ctx context.Context, id string, observed int, outcome model.HourlyOutcome, payout decimal.Decimal, at time.Time) (bool, error) {
	resolved := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var owner string
		err := tx.QueryRow(ctx,
			`UPDATE hourly_wagers
			 SET status = 'RESOLVED', observed_pct = $2, outcome = $3, payout = $4::NUMERIC, resolved_at = $5
			 WHERE id = $1 AND status = 'ACTIVE'
			 RETURNING user_id`, id, observed, string(outcome), num(payout), at).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if payout.IsPositive() {
			if err := credit(ctx, tx, owner, payout); err != nil {
				return err
			}
		}
		resolved = true
		return nil
	})
	return resolved, err
}

func (s *PostgresStore) DismissHourly(ctx context.Context, userID, id string, at time.Time) error {
	var owner string
	err := s.pool.QueryRow(ctx,
		`UPDATE hourly_wagers SET dismissed_at = $3
		 WHERE id = $1 AND user_id = $2
		 RETURNING user_id`, id, userID, at).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM hourly_wagers WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrForbidden
		}
		return fmt.Errorf("hourly wager %s: %w", id, ErrNotFound)
	}
	return err
}

// --- Listings ---

const listingColumns = `id, COALESCE(seller_id, ''), kind, COALESCE(wager_id, ''), payload::TEXT, status, ask_price::TEXT,
	buyer_id, sale_price::TEXT, sold_at, expires_at, created_at`

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var payload, status, ask, sale string
	if err := row.Scan(&l.ID, &l.SellerID, &l.Kind, &l.WagerID, &payload, &status, &ask,
		&l.BuyerID, &sale, &l.SoldAt, &l.ExpiresAt, &l.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &l.Payload); err != nil {
		return nil, fmt.Errorf("decode listing payload: %w", err)
	}
	l.Status = model.ListingStatus(status)
	l.AskPrice = dec(ask)
	l.SalePrice = dec(sale)
	return &l, nil
}

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	payload, err := json.Marshal(l.Payload)
	if err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE directional_wagers SET locked = TRUE
			 WHERE id = $1 AND user_id = $2 AND status = 'ACTIVE'`, l.WagerID, l.SellerID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrNotSellable
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO listings (id, seller_id, kind, wager_id, payload, status, ask_price, expires_at, created_at)
			 VALUES ($1, $2, $3, $4, $5::JSONB, $6, $7::NUMERIC, $8, $9)`,
			l.ID, l.SellerID, l.Kind, l.WagerID, string(payload), string(l.Status), num(l.AskPrice), l.ExpiresAt, l.CreatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyListed
		}
		return err
	})
	if errors.Is(err, ErrAlreadyListed) {
		if open, oerr := s.OpenListingForWager(ctx, l.WagerID); oerr == nil {
			return &ListingExistsError{ID: open.ID}
		}
	}
	return err
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "listing "+id)
	}
	return l, nil
}

func (s *PostgresStore) OpenListingForWager(ctx context.Context, wagerID string) (*model.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE wager_id = $1 AND status = 'OPEN'`, wagerID))
	if err != nil {
		return nil, notFound(err, "open listing for "+wagerID)
	}
	return l, nil
}

func (s *PostgresStore) OpenListings(ctx context.Context, now time.Time) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE status = 'OPEN' AND expires_at >= $1 ORDER BY created_at DESC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CancelListing(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET status = 'CANCELLED' WHERE id = $1 AND status = 'OPEN'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UnlockWager(ctx context.Context, wagerID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE directional_wagers SET locked = FALSE WHERE id = $1`, wagerID)
	return err
}

func (s *PostgresStore) BuyListing(ctx context.Context, listingID, buyerID string, at time.Time, check func(bought model.DirectionalWager, existing []model.DirectionalWager) error) (*model.Listing, error) {
	var out *model.Listing
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		l, err := scanListing(tx.QueryRow(ctx,
			`SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, listingID))
		if err != nil {
			return notFound(err, "listing "+listingID)
		}
		if l.Status != model.ListingOpen {
			return ErrListingNotOpen
		}
		if l.SellerID == buyerID {
			return ErrOwnListing
		}
		if at.After(l.ExpiresAt) {
			return ErrListingExpired
		}

		if check != nil {
			if err := lockUser(ctx, tx, buyerID); err != nil {
				return err
			}
			w, err := scanDirectional(tx.QueryRow(ctx,
				`SELECT `+directionalColumns+` FROM directional_wagers WHERE id = $1 FOR UPDATE`, l.WagerID))
			if err != nil {
				return notFound(err, "wager "+l.WagerID)
			}
			existing, err := queryDirectional(ctx, tx, ownedOnTargetSQL, buyerID, w.Day, w.Scope)
			if err != nil {
				return err
			}
			if err := check(w, existing); err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx,
			`UPDATE directional_wagers SET user_id = $3, locked = FALSE, funded = FALSE
			 WHERE id = $1 AND user_id = $2 AND status = 'ACTIVE'`, l.WagerID, l.SellerID, buyerID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrWagerNotActive
		}
		if err := debit(ctx, tx, buyerID, l.AskPrice); err != nil {
			return err
		}
		if err := credit(ctx, tx, l.SellerID, l.AskPrice); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE listings SET status = 'SOLD', buyer_id = $2, sale_price = ask_price, sold_at = $3
			 WHERE id = $1`, listingID, buyerID, at); err != nil {
			return err
		}
		l.Status = model.ListingSold
		l.BuyerID = buyerID
		l.SalePrice = l.AskPrice
		l.SoldAt = &at
		out = l
		return nil
	})
	return out, err
}
