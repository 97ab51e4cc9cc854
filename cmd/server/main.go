package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/api"
	"github.com/kazylambist/meteo/internal/auth"
	"github.com/kazylambist/meteo/internal/boost"
	"github.com/kazylambist/meteo/internal/config"
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
	"github.com/kazylambist/meteo/internal/weather"
)

func main() {
	configPath := flag.String("config", os.Getenv("METEO_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Logging))

	loc := cfg.Location()
	clock := model.SystemClock{}

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Stations and weather ---
	dir, err := station.LoadDirectory(cfg.Stations.File)
	if err != nil {
		slog.Error("station directory", "err", err)
		os.Exit(1)
	}
	wx := weather.NewClient(weather.Config{
		ArchiveURL:  cfg.Weather.ArchiveURL,
		ForecastURL: cfg.Weather.ForecastURL,
		GeocodeURL:  cfg.Weather.GeocodeURL,
		Timezone:    cfg.Timezone,
		Timeout:     cfg.Weather.Timeout,
	})
	var archive odds.Archive = wx
	if rdb != nil {
		// Past precipitation never changes.
		archive = weather.NewCachedArchive(wx, rdb, 24*time.Hour)
	}
	snapshots := weather.NewSnapshots(st, wx, wx, clock, loc)

	engine := odds.NewEngine(odds.Config{
		Min:            decimal.NewFromFloat(cfg.Odds.Min),
		Max:            decimal.NewFromFloat(cfg.Odds.Max),
		HistoryYears:   cfg.Odds.HistoryYears,
		FetchTimeout:   cfg.Odds.FetchTimeout,
		RainHoursFloor: cfg.Odds.RainHoursFloor,
	}, archive, snapshots, station.Resolver{Dir: dir, Geocoder: wx}, clock, loc)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- Ledger and placement services ---
	l := ledger.New(st, decimal.NewFromFloat(cfg.Points.Bootstrap), decimal.NewFromFloat(cfg.Ledger.Tolerance), clock)

	posCfg := position.DefaultConfig()
	posCfg.DefaultTime = cfg.Directional.DefaultTime
	posCfg.MaxSlots = cfg.Directional.MaxSlots
	posCfg.HourlyStation = cfg.Hourly.DefaultStation
	posCfg.HourlyMinLead = cfg.Hourly.MinLead
	posCfg.HourlyHorizon = cfg.Hourly.Horizon
	posCfg.Assets = cfg.AssetPair()
	posCfg.PoolCapacity = decimal.NewFromFloat(cfg.Mood.PoolCapacity)
	posCfg.MinWeeks = cfg.Mood.MinWeeks
	posCfg.MaxWeeks = cfg.Mood.MaxWeeks
	positions := position.NewService(st, l, engine, posCfg, clock, loc)

	boosts := boost.NewService(st, boost.Config{
		Unit:         decimal.NewFromFloat(cfg.Boost.Unit),
		MaxPerTarget: cfg.Boost.MaxPerTarget,
	}, clock, loc)
	trades := trade.NewService(st, l, limits.NewSlotLimiter(cfg.Directional.MaxSlots), dir, wsHub, clock, loc)

	// --- Settlement ---
	publisher := settlement.NewPublisher(st, wsHub, clock, loc)
	maturities := settlement.NewMaturitySettler(st, cfg.AssetPair(), wsHub, clock, loc)
	directional := settlement.NewDirectionalResolver(st, dir, wsHub, clock, loc, cfg.Directional.RetryWindow)
	hourly := settlement.NewHourlyResolver(st, wsHub, clock)
	auditor := &ledger.Auditor{Ledger: l, Store: st, Repair: cfg.Ledger.Repair}

	// --- Scheduler ---
	baseCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	jobs := scheduler.New(baseCtx, loc)
	mustRegister(jobs, scheduler.JobPublish, cfg.Schedule.Publish, func(ctx context.Context) error {
		o, err := publisher.PublishToday(ctx)
		if errors.Is(err, settlement.ErrNoPending) {
			slog.Info("no pending outcome to publish")
			return nil
		}
		if err != nil {
			return err
		}
		slog.Info("outcome published", "day", o.Day.Format(time.DateOnly))
		return nil
	})
	mustRegister(jobs, scheduler.JobSettleMaturities, cfg.Schedule.Maturities, reportJob("maturities", maturities.Run))
	mustRegister(jobs, scheduler.JobResolveDirectional, cfg.Schedule.Directional, reportJob("directional", directional.Run))
	mustRegister(jobs, scheduler.JobResolveHourly, cfg.Schedule.Hourly, reportJob("hourly", hourly.Run))
	mustRegister(jobs, scheduler.JobLedgerAudit, cfg.Schedule.LedgerAudit, func(ctx context.Context) error {
		rep, err := auditor.Run(ctx)
		slog.Info("ledger audit finished", "checked", rep.Checked, "diverged", rep.Diverged, "repaired", rep.Repaired, "failed", rep.Failed)
		return err
	})
	jobs.Start()

	// --- HTTP router ---
	h := api.NewHandler(api.Deps{
		Store:       st,
		Ledger:      l,
		Positions:   positions,
		Boosts:      boosts,
		Trades:      trades,
		Quoter:      engine,
		Directional: directional,
		Hourly:      hourly,
		Publisher:   publisher,
		Jobs:        jobs,
		Hub:         wsHub,
		JWT: auth.JWT{
			Secret:   []byte(cfg.Auth.JWTSecret),
			TokenTTL: cfg.Auth.TokenTTL,
			Issuer:   cfg.Auth.Issuer,
		},
		Clock:          clock,
		BootstrapBolts: cfg.Points.BootstrapBolts,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewRouter(h),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("meteo listening", "port", cfg.Server.Port, "timezone", loc.String(), "jobs", jobs.Jobs())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down meteo...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	cancelJobs()
	jobs.Stop()
	fmt.Println("meteo stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func mustRegister(r *scheduler.Runner, name, spec string, job scheduler.Job) {
	if err := r.Register(name, spec, job); err != nil {
		slog.Error("job registration failed", "job", name, "err", err)
		os.Exit(1)
	}
}

// reportJob adapts a settlement pass to a scheduler job.
func reportJob(name string, run func(context.Context) (settlement.Report, error)) scheduler.Job {
	return func(ctx context.Context) error {
		rep, err := run(ctx)
		slog.Info("settlement pass finished", "resolver", name, "report", rep)
		return err
	}
}
