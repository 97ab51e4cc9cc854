// Package config loads the service configuration from a YAML file with
// METEO_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"github.com/kazylambist/meteo/internal/model"
)

// Config represents the complete service configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Timezone    string            `mapstructure:"timezone"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Points      PointsConfig      `mapstructure:"points"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Boost       BoostConfig       `mapstructure:"boost"`
	Directional DirectionalConfig `mapstructure:"directional"`
	Hourly      HourlyConfig      `mapstructure:"hourly"`
	Odds        OddsConfig        `mapstructure:"odds"`
	Weather     WeatherConfig     `mapstructure:"weather"`
	Stations    StationsConfig    `mapstructure:"stations"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Mood        MoodConfig        `mapstructure:"mood"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

// DatabaseConfig selects the Postgres store. An empty URL runs on the
// in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig enables the read-through caches when URL is set.
type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// PointsConfig holds what a new wallet starts with.
type PointsConfig struct {
	Bootstrap      float64 `mapstructure:"bootstrap"`
	BootstrapBolts int     `mapstructure:"bootstrap_bolts"`
}

type LedgerConfig struct {
	Tolerance float64 `mapstructure:"tolerance"`
	Repair    bool    `mapstructure:"repair"`
}

type BoostConfig struct {
	MaxPerTarget int     `mapstructure:"max_per_target"`
	Unit         float64 `mapstructure:"unit"`
}

type DirectionalConfig struct {
	DefaultTime string        `mapstructure:"default_time"`
	MaxSlots    int           `mapstructure:"max_slots"`
	RetryWindow time.Duration `mapstructure:"retry_window"`
}

type HourlyConfig struct {
	DefaultStation string        `mapstructure:"default_station"`
	MinLead        time.Duration `mapstructure:"min_lead"`
	Horizon        time.Duration `mapstructure:"horizon"`
}

type OddsConfig struct {
	Min            float64       `mapstructure:"min"`
	Max            float64       `mapstructure:"max"`
	HistoryYears   int           `mapstructure:"history_years"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	RainHoursFloor float64       `mapstructure:"rain_hours_floor"`
}

// WeatherConfig points at the Open-Meteo endpoints.
type WeatherConfig struct {
	ArchiveURL  string        `mapstructure:"archive_url"`
	ForecastURL string        `mapstructure:"forecast_url"`
	GeocodeURL  string        `mapstructure:"geocode_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// StationsConfig names the station directory file. Empty uses the
// built-in directory.
type StationsConfig struct {
	File string `mapstructure:"file"`
}

// ScheduleConfig holds six-field cron specs (with seconds). An empty spec
// leaves the job trigger-only.
type ScheduleConfig struct {
	Publish     string `mapstructure:"publish"`
	Maturities  string `mapstructure:"maturities"`
	Directional string `mapstructure:"directional"`
	Hourly      string `mapstructure:"hourly"`
	LedgerAudit string `mapstructure:"ledger_audit"`
}

type MoodConfig struct {
	Assets []string `mapstructure:"assets"`
	// PoolCapacity bounds the summed principal of one user's open
	// allocations, as a fraction of remaining points.
	PoolCapacity float64 `mapstructure:"pool_capacity"`
	MinWeeks     int     `mapstructure:"min_weeks"`
	MaxWeeks     int     `mapstructure:"max_weeks"`
}

// Load reads configuration from path and the environment. An empty path
// uses defaults and the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("METEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unprefixed names used by container deployments.
	v.BindEnv("server.port", "METEO_SERVER_PORT", "PORT")
	v.BindEnv("database.url", "METEO_DATABASE_URL", "DATABASE_URL")
	v.BindEnv("redis.url", "METEO_REDIS_URL", "REDIS_URL")
	v.BindEnv("auth.jwt_secret", "METEO_AUTH_JWT_SECRET", "JWT_SECRET")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("redis.ttl", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("timezone", "Europe/Paris")

	v.SetDefault("auth.issuer", "meteo")
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("points.bootstrap", 500.0)
	v.SetDefault("points.bootstrap_bolts", 10)

	v.SetDefault("ledger.tolerance", 0.5)
	v.SetDefault("ledger.repair", false)

	v.SetDefault("boost.max_per_target", 5)
	v.SetDefault("boost.unit", 5.0)

	v.SetDefault("directional.default_time", "18:00")
	v.SetDefault("directional.max_slots", 3)
	v.SetDefault("directional.retry_window", "336h")

	v.SetDefault("hourly.default_station", "cdg_07157")
	v.SetDefault("hourly.min_lead", "2h")
	v.SetDefault("hourly.horizon", "48h")

	v.SetDefault("odds.min", 1.0)
	v.SetDefault("odds.max", 3.0)
	v.SetDefault("odds.history_years", 20)
	v.SetDefault("odds.fetch_timeout", "10s")
	v.SetDefault("odds.rain_hours_floor", 2.0)

	v.SetDefault("weather.archive_url", "https://archive-api.open-meteo.com/v1/archive")
	v.SetDefault("weather.forecast_url", "https://api.open-meteo.com/v1/forecast")
	v.SetDefault("weather.geocode_url", "https://geocoding-api.open-meteo.com/v1/search")
	v.SetDefault("weather.timeout", "15s")

	v.SetDefault("stations.file", "")

	v.SetDefault("schedule.publish", "0 0 10 * * *")
	v.SetDefault("schedule.maturities", "0 5 10 * * *")
	v.SetDefault("schedule.directional", "0 */15 * * * *")
	v.SetDefault("schedule.hourly", "0 5 * * * *")
	v.SetDefault("schedule.ledger_audit", "0 30 3 * * *")

	v.SetDefault("mood.assets", []string{"PIERRE", "MARIE"})
	v.SetDefault("mood.pool_capacity", 1.0)
	v.SetDefault("mood.min_weeks", 3)
	v.SetDefault("mood.max_weeks", 24)
}

// Validate checks that all configuration values are valid.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}

	if c.Points.Bootstrap < 0 {
		return errors.New("points.bootstrap must not be negative")
	}
	if c.Points.BootstrapBolts < 0 {
		return errors.New("points.bootstrap_bolts must not be negative")
	}
	if c.Ledger.Tolerance < 0 {
		return errors.New("ledger.tolerance must not be negative")
	}
	if c.Boost.MaxPerTarget < 1 || c.Boost.Unit <= 0 {
		return errors.New("boost.max_per_target and boost.unit must be positive")
	}

	if _, err := model.NormalizeClock(c.Directional.DefaultTime); err != nil {
		return fmt.Errorf("directional.default_time: %w", err)
	}
	if c.Directional.MaxSlots < 1 {
		return errors.New("directional.max_slots must be at least 1")
	}
	if c.Directional.RetryWindow < 24*time.Hour {
		return errors.New("directional.retry_window must be at least 24h")
	}
	if c.Hourly.DefaultStation == "" {
		return errors.New("hourly.default_station is required")
	}
	if c.Hourly.Horizon <= c.Hourly.MinLead {
		return errors.New("hourly.horizon must exceed hourly.min_lead")
	}

	if c.Odds.Min < 1 || c.Odds.Max < c.Odds.Min {
		return errors.New("odds.min must be at least 1 and not above odds.max")
	}
	if c.Odds.HistoryYears < 1 {
		return errors.New("odds.history_years must be at least 1")
	}

	if len(c.Mood.Assets) != 2 || c.Mood.Assets[0] == "" || c.Mood.Assets[1] == "" || c.Mood.Assets[0] == c.Mood.Assets[1] {
		return errors.New("mood.assets must name two distinct assets")
	}
	if c.Mood.PoolCapacity <= 0 || c.Mood.PoolCapacity > 1 {
		return errors.New("mood.pool_capacity must be in (0, 1]")
	}
	if c.Mood.MinWeeks < 1 || c.Mood.MaxWeeks < c.Mood.MinWeeks {
		return errors.New("mood.min_weeks and mood.max_weeks are inconsistent")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return errors.New("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return errors.New("logging.format must be one of: json, text")
	}
	return nil
}

// Location returns the configured calendar time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AssetPair returns the two mood asset names.
func (c *Config) AssetPair() [2]string {
	return [2]string{c.Mood.Assets[0], c.Mood.Assets[1]}
}
